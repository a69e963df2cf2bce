package firmware

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5 MB"},
		{1610612736, "1.5 GB"},
		{1024 * 1024 * 1024 * 1024, "1 TB"},
		{1234567, "1.18 MB"},
	}
	for _, tt := range tests {
		if got := FormatSize(tt.in); got != tt.want {
			t.Errorf("FormatSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestScanFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, size int) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("iPhone_B.ipsw", 2048)
	write("iPhone_A.IPSW", 10)
	write("notes.txt", 5)
	if err := os.Mkdir(filepath.Join(dir, "folder.ipsw"), 0o755); err != nil {
		t.Fatal(err)
	}

	images, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("Scan returned %d images, want 2: %+v", len(images), images)
	}
	if images[0].Name != "iPhone_A.IPSW" || images[1].Name != "iPhone_B.ipsw" {
		t.Fatalf("unexpected order: %s, %s", images[0].Name, images[1].Name)
	}
	if images[1].Path != filepath.Join(dir, "iPhone_B.ipsw") {
		t.Fatalf("Path = %q", images[1].Path)
	}
	if images[1].SizeBytes != 2048 || images[1].Size != "2 KB" {
		t.Fatalf("size = %d / %q", images[1].SizeBytes, images[1].Size)
	}
}

func TestScanMissingDir(t *testing.T) {
	images, err := Scan(filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
	if images == nil || len(images) != 0 {
		t.Fatalf("images = %v, want empty non-nil slice", images)
	}
}
