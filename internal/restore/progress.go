package restore

import (
	"regexp"
	"strconv"
	"strings"
)

// BuildArgs returns the restore tool arguments. Flag order is fixed and the
// image path is always the last positional argument.
func BuildArgs(opts Options) []string {
	args := make([]string, 0, 4)
	if opts.EraseData {
		args = append(args, "-e")
	}
	if opts.ExcludeBaseband {
		args = append(args, "-x")
	}
	if opts.DebugMode {
		args = append(args, "-d")
	}
	return append(args, opts.ImagePath)
}

// SignalKind classifies what an output line says about the restore.
type SignalKind int

const (
	SignalNone SignalKind = iota
	SignalProgress
	SignalDone
	SignalFailed
)

// Signal is the progress information inferred from one output line.
type Signal struct {
	Kind    SignalKind
	Percent int
}

var percentPattern = regexp.MustCompile(`(\d+)%`)

// Infer applies the line rules in priority order: a percentage, then the
// DONE marker, then ERROR or FAILED. Markers are case-sensitive.
func Infer(line string) Signal {
	if m := percentPattern.FindStringSubmatch(line); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			// Only overflow reaches here; anything that long is past 100.
			n = 100
		}
		return Signal{Kind: SignalProgress, Percent: clampPercent(n)}
	}
	if strings.Contains(line, "DONE") {
		return Signal{Kind: SignalDone, Percent: 100}
	}
	if strings.Contains(line, "ERROR") || strings.Contains(line, "FAILED") {
		return Signal{Kind: SignalFailed}
	}
	return Signal{Kind: SignalNone}
}

func clampPercent(n int) int {
	switch {
	case n < 0:
		return 0
	case n > 100:
		return 100
	}
	return n
}
