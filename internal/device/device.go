// Package device classifies USB enumeration output into a connectivity and
// mode state, and drives the recovery-mode exit.
package device

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/breeze-rmm/devrestore/internal/executor"
)

// Markers matched case-sensitively against the USB listing, as emitted by the
// vendor string of the listing tool.
const (
	vendorMarker   = "Apple"
	productMarker  = "Mobile Device"
	recoveryMarker = "Recovery Mode"
)

var (
	// ErrDetection wraps failures of the USB listing command.
	ErrDetection = errors.New("device detection failed")
	// ErrNotInRecovery is returned by ExitRecovery when the last detection
	// did not see a device in recovery mode.
	ErrNotInRecovery = errors.New("device is not in recovery mode")
	// ErrDeviceCommunication is returned when the device-id tool fails.
	ErrDeviceCommunication = errors.New("could not communicate with device")
)

// Mode is the detected device mode.
type Mode string

const (
	ModeNotConnected Mode = "not_connected"
	ModeNormal       Mode = "normal"
	ModeRecovery     Mode = "recovery"
	ModeError        Mode = "error"
)

// Label is the human-readable form used in log lines and the terminal shell.
func (m Mode) Label() string {
	switch m {
	case ModeNormal:
		return "Normal"
	case ModeRecovery:
		return "Recovery Mode"
	case ModeError:
		return "Error"
	default:
		return "Not Connected"
	}
}

// State is the result of one detection pass. Connected is false both for
// ModeNotConnected and for ModeError, where connectivity is unknown.
type State struct {
	Connected bool      `json:"connected"`
	Mode      Mode      `json:"mode"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Classify derives a State from the text of a USB listing. Only the first
// line carrying both vendor markers decides between Normal and Recovery.
func Classify(listing string) State {
	sc := bufio.NewScanner(strings.NewReader(listing))
	sc.Buffer(make([]byte, 0, 64*1024), executor.MaxOutputSize)
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, vendorMarker) || !strings.Contains(line, productMarker) {
			continue
		}
		if strings.Contains(line, recoveryMarker) {
			return State{Connected: true, Mode: ModeRecovery}
		}
		return State{Connected: true, Mode: ModeNormal}
	}
	if err := sc.Err(); err != nil {
		return errorState(fmt.Errorf("%w: reading listing: %w", ErrDetection, err))
	}
	return State{Connected: false, Mode: ModeNotConnected}
}

func errorState(err error) State {
	return State{Connected: false, Mode: ModeError, Error: err.Error()}
}
