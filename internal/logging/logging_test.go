package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("restore")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("restore started", "tool", "idevicerestore")

	out := buf.String()
	if !strings.Contains(out, `msg="restore started"`) {
		t.Fatalf("expected plain message, got: %s", out)
	}
	if !strings.Contains(out, "component=restore") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "tool=idevicerestore") {
		t.Fatalf("expected tool field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("device")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormatAndOperationField(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)

	WithOperation(L("restore"), "op-1").Debug("line", "stream", "stdout")

	out := buf.String()
	if !strings.Contains(out, `"operationId":"op-1"`) {
		t.Fatalf("expected operationId in json output, got: %s", out)
	}
	if !strings.Contains(out, `"component":"restore"`) {
		t.Fatalf("expected component in json output, got: %s", out)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected default logger")
	}
	custom := L("custom")
	if got := FromContext(NewContext(context.Background(), custom)); got != custom {
		t.Fatal("expected logger stored in context")
	}
}

func TestValidLevel(t *testing.T) {
	for _, lvl := range []string{"debug", "INFO", " warn ", "warning", "error"} {
		if !ValidLevel(lvl) {
			t.Errorf("ValidLevel(%q) = false, want true", lvl)
		}
	}
	for _, lvl := range []string{"", "trace", "fatal"} {
		if ValidLevel(lvl) {
			t.Errorf("ValidLevel(%q) = true, want false", lvl)
		}
	}
}

func TestRotatingWriterRotatesAtLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "devrestore.log")
	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	chunk := bytes.Repeat([]byte("x"), 700*1024)
	for i := 0; i < 3; i++ {
		if _, err := rw.Write(chunk); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected first backup: %v", err)
	}
	if _, err := os.Stat(path + ".2"); err != nil {
		t.Fatalf("expected second backup: %v", err)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("expected no third backup, stat err = %v", err)
	}
}

func TestOutputWithoutFileUsesStderr(t *testing.T) {
	w, closer, err := Output("", 0, 0)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if w != os.Stderr {
		t.Fatal("expected stderr writer")
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
