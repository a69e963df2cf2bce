// Package firmware lists candidate restore images in a directory.
package firmware

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const imageExt = ".ipsw"

// Image is one restore image found on disk.
type Image struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"sizeBytes"`
	Size      string `json:"size"`
}

// DefaultDir is the user's Downloads directory, where browsers leave images.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "Downloads"
	}
	return filepath.Join(home, "Downloads")
}

// Scan returns the .ipsw files directly inside dir, sorted by name. The
// extension is matched case-insensitively. A missing directory yields an
// empty list and the read error.
func Scan(dir string) ([]Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []Image{}, fmt.Errorf("read firmware dir: %w", err)
	}

	images := []Image{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), imageExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		images = append(images, Image{
			Name:      entry.Name(),
			Path:      filepath.Join(dir, entry.Name()),
			SizeBytes: info.Size(),
			Size:      FormatSize(info.Size()),
		})
	}

	sort.Slice(images, func(i, j int) bool { return images[i].Name < images[j].Name })
	return images, nil
}

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatSize renders n bytes in binary units with at most two decimals,
// e.g. 1610612736 → "1.5 GB".
func FormatSize(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	size := float64(n)
	unit := 0
	for size >= 1024 && unit < len(sizeUnits)-1 {
		size /= 1024
		unit++
	}
	return strconv.FormatFloat(roundTo2(size), 'f', -1, 64) + " " + sizeUnits[unit]
}

func roundTo2(f float64) float64 {
	v, _ := strconv.ParseFloat(strconv.FormatFloat(f, 'f', 2, 64), 64)
	return v
}
