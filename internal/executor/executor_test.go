package executor

import (
	"bytes"
	"context"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses unix shell semantics")
	}
}

func TestCaptureReturnsStdout(t *testing.T) {
	skipOnWindows(t)

	res, err := Capture(context.Background(), "sh", "-c", "echo 'Bus 001 Device 004: Apple'; echo ignored 1>&2")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", res.ExitCode)
	}
	if res.Stdout != "Bus 001 Device 004: Apple\n" {
		t.Fatalf("Stdout = %q", res.Stdout)
	}
}

func TestCaptureNonZeroExitIsNotAnError(t *testing.T) {
	skipOnWindows(t)

	res, err := Capture(context.Background(), "sh", "-c", "echo partial; exit 3")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "partial") {
		t.Fatalf("Stdout = %q", res.Stdout)
	}
}

func TestCaptureMissingBinaryFails(t *testing.T) {
	if _, err := Capture(context.Background(), "devrestore-no-such-tool-xyz"); err == nil {
		t.Fatal("expected launch failure for missing binary")
	}
}

func TestCaptureTimeout(t *testing.T) {
	skipOnWindows(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := Capture(ctx, "sh", "-c", "sleep 10"); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Capture took %v after timeout", elapsed)
	}
}

func TestLookPath(t *testing.T) {
	skipOnWindows(t)

	got := LookPath("sh", "devrestore-no-such-tool-xyz")
	if got["sh"] != nil {
		t.Fatalf("expected sh to resolve, got %v", got["sh"])
	}
	if got["devrestore-no-such-tool-xyz"] == nil {
		t.Fatal("expected missing tool to report an error")
	}
}

func drain(t *testing.T, s *Started) []Line {
	t.Helper()
	ctx := context.Background()
	out := make(chan Line, 64)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); ScanLines(ctx, s.Stdout(), Stdout, out) }()
	go func() { defer wg.Done(); ScanLines(ctx, s.Stderr(), Stderr, out) }()
	go func() { wg.Wait(); close(out) }()

	var lines []Line
	for l := range out {
		lines = append(lines, l)
	}
	return lines
}

func TestStartStreamsBothStreamsInOrder(t *testing.T) {
	skipOnWindows(t)

	s, err := Start(context.Background(), "sh", "-c", "echo one; echo; echo '  two  '; echo warn 1>&2; echo three")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Pid() <= 0 {
		t.Fatal("expected a pid")
	}

	lines := drain(t, s)
	code, err := s.Wait()
	if err != nil || code != 0 {
		t.Fatalf("Wait = (%d, %v), want (0, nil)", code, err)
	}

	var stdout []string
	var stderr []string
	for _, l := range lines {
		if l.Stream == Stdout {
			stdout = append(stdout, l.Text)
		} else {
			stderr = append(stderr, l.Text)
		}
	}
	if strings.Join(stdout, ",") != "one,two,three" {
		t.Fatalf("stdout lines = %v", stdout)
	}
	if len(stderr) != 1 || stderr[0] != "warn" {
		t.Fatalf("stderr lines = %v", stderr)
	}
}

func TestStartReportsExitCode(t *testing.T) {
	skipOnWindows(t)

	s, err := Start(context.Background(), "sh", "-c", "exit 137")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	drain(t, s)
	code, err := s.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 137 {
		t.Fatalf("exit code = %d, want 137", code)
	}
}

func TestKillTerminatesProcessGroup(t *testing.T) {
	skipOnWindows(t)

	s, err := Start(context.Background(), "sh", "-c", "sleep 30 & wait")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan int, 1)
	go func() {
		drain(t, s)
		code, _ := s.Wait()
		done <- code
	}()

	time.Sleep(50 * time.Millisecond)
	if err := s.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case code := <-done:
		if code == 0 {
			t.Fatal("expected non-zero exit after kill")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process group did not exit after Kill")
	}
}

func TestStartMissingBinaryFails(t *testing.T) {
	if _, err := Start(context.Background(), "devrestore-no-such-tool-xyz"); err == nil {
		t.Fatal("expected start failure")
	}
}

func TestLimitedWriterTruncates(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{buf: &buf, limit: 4}

	n, err := w.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write = (%d, %v), want (6, nil)", n, err)
	}
	if n, _ := w.Write([]byte("gh")); n != 2 {
		t.Fatalf("second Write = %d, want 2", n)
	}
	if buf.String() != "abcd" {
		t.Fatalf("buffer = %q, want abcd", buf.String())
	}
}

func TestStatsForSelf(t *testing.T) {
	stats, err := Stats(os.Getpid())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.PID != os.Getpid() {
		t.Fatalf("PID = %d", stats.PID)
	}
	if !stats.Running {
		t.Fatal("expected current process to be running")
	}
}
