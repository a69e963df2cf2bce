package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/breeze-rmm/devrestore/internal/audit"
	"github.com/breeze-rmm/devrestore/internal/executor"
	"github.com/breeze-rmm/devrestore/internal/health"
	"github.com/breeze-rmm/devrestore/internal/logging"
	"github.com/breeze-rmm/devrestore/internal/oplog"
)

var log = logging.L("device")

const (
	defaultDetectTimeout = 10 * time.Second
	defaultSettleDelay   = 2 * time.Second
)

// Capturer runs a command to completion. executor.Capture satisfies it.
type Capturer func(ctx context.Context, name string, args ...string) (*executor.Result, error)

// Config names the external tools the monitor invokes.
type Config struct {
	USBListTool   string
	DeviceIDTool  string
	DetectTimeout time.Duration
	// SettleDelay is how long ExitRecovery waits before re-detecting.
	SettleDelay time.Duration
}

// Monitor is safe for concurrent use. It remembers the last detected state,
// which ExitRecovery uses as its precondition.
type Monitor struct {
	cfg     Config
	capture Capturer
	sink    *oplog.Log
	health  *health.Monitor
	audit   *audit.Logger

	mu   sync.Mutex
	last State
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithCapturer replaces the process runner, mainly for tests.
func WithCapturer(c Capturer) Option {
	return func(m *Monitor) { m.capture = c }
}

// WithHealth reports detection outcomes to h.
func WithHealth(h *health.Monitor) Option {
	return func(m *Monitor) { m.health = h }
}

// WithAudit records recovery-exit attempts to a.
func WithAudit(a *audit.Logger) Option {
	return func(m *Monitor) { m.audit = a }
}

// NewMonitor creates a monitor writing its events to sink.
func NewMonitor(cfg Config, sink *oplog.Log, opts ...Option) *Monitor {
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = defaultDetectTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	m := &Monitor{
		cfg:     cfg,
		capture: executor.Capture,
		sink:    sink,
		last:    State{Mode: ModeNotConnected},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Last returns the state from the most recent Detect.
func (m *Monitor) Last() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Detect runs the USB listing tool and classifies its output. Failures never
// escape: they are reported as ModeError.
func (m *Monitor) Detect(ctx context.Context) (state State) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during device detection", "panic", r)
			state = errorState(fmt.Errorf("%w: %v", ErrDetection, r))
			m.record(state)
		}
	}()

	state, err := m.detect(ctx)
	if err != nil {
		log.Warn("device detection failed", logging.KeyTool, m.cfg.USBListTool, logging.KeyError, err)
		state = errorState(err)
	}
	m.record(state)
	return state
}

func (m *Monitor) detect(ctx context.Context) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DetectTimeout)
	defer cancel()

	res, err := m.capture(ctx, m.cfg.USBListTool)
	if err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrDetection, err)
	}
	// lsusb exits non-zero on some hosts when a bus is unreadable; the listing
	// it did print is still authoritative.
	if res.ExitCode != 0 {
		log.Debug("usb listing exited non-zero", logging.KeyTool, m.cfg.USBListTool, logging.KeyExitCode, res.ExitCode)
	}
	return Classify(res.Stdout), nil
}

func (m *Monitor) record(state State) {
	state.CheckedAt = time.Now()

	m.mu.Lock()
	prev := m.last
	m.last = state
	m.mu.Unlock()

	if m.health != nil {
		switch state.Mode {
		case ModeError:
			m.health.Update(health.ComponentDetection, health.Unhealthy, state.Error)
		default:
			m.health.Update(health.ComponentDetection, health.Healthy, "")
		}
	}

	if prev.Mode != state.Mode {
		log.Info("device state changed", "from", string(prev.Mode), "to", string(state.Mode))
	}
	if m.sink != nil {
		m.sink.Append("Device status: " + state.Mode.Label())
	}
}

// ExitRecovery asks a device in recovery mode to reboot normally. It only
// checks that the device-id tool could talk to the device, then waits for
// the device to settle and detects again.
func (m *Monitor) ExitRecovery(ctx context.Context) (State, error) {
	if m.Last().Mode != ModeRecovery {
		return m.Last(), ErrNotInRecovery
	}

	m.appendf("Attempting to exit recovery mode...")

	runCtx, cancel := context.WithTimeout(ctx, m.cfg.DetectTimeout)
	res, err := m.capture(runCtx, m.cfg.DeviceIDTool, "-l")
	cancel()

	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("%s exited with code %d", m.cfg.DeviceIDTool, res.ExitCode)
	}
	if err != nil {
		m.appendf("Could not communicate with device")
		m.audit.Log(audit.EventRecoveryExit, "", map[string]any{"success": false, "error": err.Error()})
		log.Warn("recovery exit failed", logging.KeyTool, m.cfg.DeviceIDTool, logging.KeyError, err)
		return m.Last(), fmt.Errorf("%w: %w", ErrDeviceCommunication, err)
	}

	m.appendf("Device found, sending reboot command...")
	m.audit.Log(audit.EventRecoveryExit, "", map[string]any{"success": true})

	select {
	case <-time.After(m.cfg.SettleDelay):
	case <-ctx.Done():
		return m.Last(), ctx.Err()
	}
	return m.Detect(ctx), nil
}

func (m *Monitor) appendf(format string, args ...any) {
	if m.sink != nil {
		m.sink.Appendf(format, args...)
	}
}
