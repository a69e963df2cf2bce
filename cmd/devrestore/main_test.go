package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/devrestore/internal/config"
	"github.com/breeze-rmm/devrestore/internal/device"
	"github.com/breeze-rmm/devrestore/internal/firmware"
	"github.com/breeze-rmm/devrestore/internal/health"
	"github.com/breeze-rmm/devrestore/internal/oplog"
	"github.com/breeze-rmm/devrestore/internal/restore"
)

func TestPrintConfigRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := printConfig(&buf, config.Default()); err != nil {
		t.Fatalf("printConfig: %v", err)
	}
	if !strings.Contains(buf.String(), "restore_tool: idevicerestore") {
		t.Fatalf("output missing restore_tool:\n%s", buf.String())
	}

	var back config.Config
	if err := yaml.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ListenAddr != "127.0.0.1:8080" || back.MaxWorkers != 4 {
		t.Fatalf("round trip = %+v", back)
	}
}

func TestSummary(t *testing.T) {
	code := 137
	tests := []struct {
		snap restore.Snapshot
		want string
	}{
		{restore.Snapshot{Status: restore.StatusSucceeded}, "Restore succeeded"},
		{restore.Snapshot{Status: restore.StatusCancelled}, "Restore cancelled"},
		{restore.Snapshot{Status: restore.StatusFailed, ExitCode: &code, Message: "killed"}, "Restore failed (exit code 137): killed"},
		{restore.Snapshot{Status: restore.StatusFailed, Message: "ERROR: no device"}, "Restore failed: ERROR: no device"},
	}
	for _, tt := range tests {
		if got := summary(tt.snap); got != tt.want {
			t.Errorf("summary(%s) = %q, want %q", tt.snap.Status, got, tt.want)
		}
	}
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	checks := []health.Check{{Name: health.ToolComponent("idevicerestore"), Status: health.Unhealthy, Message: "not found"}}
	printStatus(&buf, device.State{Connected: true, Mode: device.ModeRecovery}, checks)

	out := buf.String()
	if !strings.Contains(out, "Device: Connected (Recovery Mode)") {
		t.Fatalf("output = %q", out)
	}
	if !strings.Contains(out, "tool:idevicerestore") || !strings.Contains(out, "unhealthy") {
		t.Fatalf("output missing tool check: %q", out)
	}
}

func TestPrintImages(t *testing.T) {
	var buf bytes.Buffer
	printImages(&buf, "/downloads", nil)
	if buf.String() != "No .ipsw files found in /downloads\n" {
		t.Fatalf("empty output = %q", buf.String())
	}

	buf.Reset()
	printImages(&buf, "/downloads", []firmware.Image{{Name: "a.ipsw", Path: "/downloads/a.ipsw", Size: "1.5 GB"}})
	if !strings.Contains(buf.String(), "a.ipsw") || !strings.Contains(buf.String(), "1.5 GB") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestPrintEntriesDrainsOnStop(t *testing.T) {
	sink := oplog.New()
	sink.Append("before printing")

	var buf bytes.Buffer
	stop := printEntries(&buf, sink)
	sink.Append("Running command: idevicerestore -e /tmp/x.ipsw")
	sink.Append("Restore completed successfully")
	stop()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[1], "] Restore completed successfully") {
		t.Fatalf("lines = %q", lines)
	}
}

func TestPrintEntriesKeepsBurstsComplete(t *testing.T) {
	sink := oplog.New()

	var buf bytes.Buffer
	stop := printEntries(&buf, sink)
	const n = 1000
	for i := 1; i <= n; i++ {
		sink.Appendf("tool line %d", i)
	}
	stop()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != n {
		t.Fatalf("printed %d lines, want %d", len(lines), n)
	}
	for i, line := range lines {
		if want := fmt.Sprintf("] tool line %d", i+1); !strings.HasSuffix(line, want) {
			t.Fatalf("line %d = %q, want suffix %q", i, line, want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	if buf.String() != "devrestore v"+version+"\n" {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestForceRestartCommand(t *testing.T) {
	var buf bytes.Buffer
	forceRestartCmd.SetOut(&buf)
	forceRestartCmd.Run(forceRestartCmd, nil)

	out := buf.String()
	for _, want := range []string{
		"Force restart instructions:",
		"  1. Hold Power + Home buttons together for 15-20 seconds",
		"  3. Wait for Apple logo to appear",
		"  4. This should exit recovery mode if successful",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q is missing %q", out, want)
		}
	}
}
