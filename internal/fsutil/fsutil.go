package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var stillExts = map[string]struct{}{
	".png":  {},
	".tif":  {},
	".tiff": {},
	".jpg":  {},
	".jpeg": {},
	".bmp":  {},
	".dpx":  {},
	".exr":  {},
	".gif":  {},
	".webp": {},
}

var videoExts = map[string]struct{}{
	".mkv":  {},
	".mp4":  {},
	".m4v":  {},
	".mov":  {},
	".avi":  {},
	".webm": {},
	".ts":   {},
	".m2ts": {},
	".mts":  {},
	".vob":  {},
	".mpg":  {},
	".mpeg": {},
	".wmv":  {},
	".y4m":  {},
	".ivf":  {},
	".264":  {},
	".265":  {},
	".hevc": {},
}

// ListFrames returns the still images directly inside dir, sorted by name so
// that the order matches the frame order of a numbered sequence.
func ListFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if IsStill(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsStill checks if a file is a still image format.
func IsStill(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := stillExts[ext]
	return ok
}

// IsVideo checks if a file has a known video container extension. Extra
// extensions, with or without the leading dot, extend the built-in set.
func IsVideo(path string, extra ...string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := videoExts[ext]; ok {
		return true
	}
	for _, e := range extra {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if e == ext {
			return true
		}
	}
	return false
}

// EnsureDir creates dir and its parents when missing.
func EnsureDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
