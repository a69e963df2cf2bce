package device

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/devrestore/internal/executor"
	"github.com/breeze-rmm/devrestore/internal/health"
	"github.com/breeze-rmm/devrestore/internal/oplog"
)

// fakeRunner answers each tool with a canned result and records invocations.
type fakeRunner struct {
	mu      sync.Mutex
	results map[string]*executor.Result
	errs    map[string]error
	calls   []string
	panics  bool
}

func (f *fakeRunner) capture(_ context.Context, name string, args ...string) (*executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("listing exploded")
	}
	f.calls = append(f.calls, strings.TrimSpace(name+" "+strings.Join(args, " ")))
	if err := f.errs[name]; err != nil {
		return nil, err
	}
	if res, ok := f.results[name]; ok {
		return res, nil
	}
	return &executor.Result{}, nil
}

func (f *fakeRunner) setListing(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results["lsusb"] = &executor.Result{Stdout: s}
}

func newTestMonitor(t *testing.T, runner *fakeRunner) (*Monitor, *oplog.Log, *health.Monitor) {
	t.Helper()
	sink := oplog.New()
	h := health.NewMonitor()
	m := NewMonitor(Config{
		USBListTool:  "lsusb",
		DeviceIDTool: "idevice_id",
		SettleDelay:  time.Millisecond,
	}, sink, WithCapturer(runner.capture), WithHealth(h))
	return m, sink, h
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: make(map[string]*executor.Result),
		errs:    make(map[string]error),
	}
}

func TestDetectRecoveryScenario(t *testing.T) {
	runner := newFakeRunner()
	runner.setListing("Bus 001 Device 004: Apple Mobile Device (Recovery Mode)\n")
	m, sink, h := newTestMonitor(t, runner)

	state := m.Detect(context.Background())
	if !state.Connected || state.Mode != ModeRecovery {
		t.Fatalf("Detect() = %+v, want connected recovery", state)
	}
	if state.CheckedAt.IsZero() {
		t.Fatal("CheckedAt not set")
	}
	if m.Last().Mode != ModeRecovery {
		t.Fatalf("Last().Mode = %s", m.Last().Mode)
	}

	entries := sink.Entries()
	if len(entries) != 1 || entries[0].Message != "Device status: Recovery Mode" {
		t.Fatalf("sink entries = %v", entries)
	}
	if c, _ := h.Get(health.ComponentDetection); c.Status != health.Healthy {
		t.Fatalf("detection health = %s, want healthy", c.Status)
	}
}

func TestDetectLaunchFailureIsErrorMode(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["lsusb"] = errors.New("exec: \"lsusb\": executable file not found in $PATH")
	m, _, h := newTestMonitor(t, runner)

	state := m.Detect(context.Background())
	if state.Connected || state.Mode != ModeError {
		t.Fatalf("Detect() = %+v, want error mode", state)
	}
	if !strings.Contains(state.Error, "executable file not found") {
		t.Fatalf("Error = %q", state.Error)
	}
	if c, _ := h.Get(health.ComponentDetection); c.Status != health.Unhealthy {
		t.Fatalf("detection health = %s, want unhealthy", c.Status)
	}
}

func TestDetectRecoversFromPanic(t *testing.T) {
	runner := newFakeRunner()
	runner.panics = true
	m, _, _ := newTestMonitor(t, runner)

	state := m.Detect(context.Background())
	if state.Mode != ModeError {
		t.Fatalf("Detect() mode = %s, want error", state.Mode)
	}
	if m.Last().Mode != ModeError {
		t.Fatalf("Last().Mode = %s, want error", m.Last().Mode)
	}
}

func TestDetectIgnoresNonZeroExit(t *testing.T) {
	runner := newFakeRunner()
	runner.results["lsusb"] = &executor.Result{Stdout: "Bus 001 Device 006: Apple Mobile Device\n", ExitCode: 1}
	m, _, _ := newTestMonitor(t, runner)

	if state := m.Detect(context.Background()); state.Mode != ModeNormal {
		t.Fatalf("Detect() mode = %s, want normal", state.Mode)
	}
}

func TestExitRecoveryRequiresRecoveryMode(t *testing.T) {
	runner := newFakeRunner()
	runner.setListing("Bus 001 Device 006: Apple Mobile Device\n")
	m, _, _ := newTestMonitor(t, runner)
	m.Detect(context.Background())

	_, err := m.ExitRecovery(context.Background())
	if !errors.Is(err, ErrNotInRecovery) {
		t.Fatalf("ExitRecovery() error = %v, want ErrNotInRecovery", err)
	}
	for _, c := range runner.calls {
		if strings.HasPrefix(c, "idevice_id") {
			t.Fatal("device-id tool should not run outside recovery mode")
		}
	}
}

func TestExitRecoveryRedetects(t *testing.T) {
	runner := newFakeRunner()
	runner.setListing("Bus 001 Device 004: Apple Mobile Device (Recovery Mode)\n")
	m, sink, _ := newTestMonitor(t, runner)
	m.Detect(context.Background())

	runner.setListing("Bus 001 Device 007: Apple Mobile Device\n")
	state, err := m.ExitRecovery(context.Background())
	if err != nil {
		t.Fatalf("ExitRecovery() error = %v", err)
	}
	if state.Mode != ModeNormal {
		t.Fatalf("state after exit = %s, want normal", state.Mode)
	}

	found := false
	for _, c := range runner.calls {
		if c == "idevice_id -l" {
			found = true
		}
	}
	if !found {
		t.Fatalf("calls = %v, want idevice_id -l", runner.calls)
	}

	last := sink.Entries()[len(sink.Entries())-1]
	if last.Message != "Device status: Normal" {
		t.Fatalf("last sink message = %q", last.Message)
	}
}

func TestExitRecoveryCommunicationFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.setListing("Bus 001 Device 004: Apple Mobile Device (Recovery Mode)\n")
	runner.results["idevice_id"] = &executor.Result{ExitCode: 255}
	m, sink, _ := newTestMonitor(t, runner)
	m.Detect(context.Background())

	_, err := m.ExitRecovery(context.Background())
	if !errors.Is(err, ErrDeviceCommunication) {
		t.Fatalf("ExitRecovery() error = %v, want ErrDeviceCommunication", err)
	}

	found := false
	for _, e := range sink.Entries() {
		if e.Message == "Could not communicate with device" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected communication failure in the log sink")
	}
}
