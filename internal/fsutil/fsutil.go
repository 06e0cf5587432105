package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"reconloop/internal/config"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
}

// ExpandImages resolves the image glob. No match is a configuration error.
func ExpandImages(pattern string) ([]string, error) {
	if pattern == "" {
		return nil, config.Invalid("images", "an image glob is required")
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, config.Invalid("images", "bad glob %q: %v", pattern, err)
	}
	var files []string
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && !info.IsDir() {
			files = append(files, m)
		}
	}
	if len(files) == 0 {
		return nil, config.Invalid("images", "no files match %q", pattern)
	}
	sort.Strings(files)
	return files, nil
}

// NonImages returns the files whose extension is not a known image format.
func NonImages(files []string) []string {
	var out []string
	for _, f := range files {
		if !IsImageFile(f) {
			out = append(out, f)
		}
	}
	return out
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// Stem returns the file name without directory and extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
