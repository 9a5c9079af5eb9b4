// Package media classifies gallery items and resolves locators into paths
// the decoder worker can open.
package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TestScheme marks synthetic locators served by the test decoder backend.
// They pass through resolution untouched.
const TestScheme = "test:"

var ErrNotFound = errors.New("media: locator does not resolve")

// imageExts covers plain images plus the RAW and DICOM formats decoded
// in-process by the gallery. Kept sorted for readability only.
var imageExts = map[string]bool{
	"3fr": true, "arw": true, "avif": true, "bmp": true, "cr2": true,
	"crw": true, "cur": true, "dcm": true, "dds": true, "dng": true,
	"erf": true, "gif": true, "hdr": true, "heic": true, "heif": true,
	"j2c": true, "jb2": true, "jbg": true, "jfif": true, "jls": true,
	"jp2": true, "jpeg": true, "jpf": true, "jpg": true, "jpm": true,
	"kdc": true, "mdc": true, "mef": true, "mj2": true, "mos": true,
	"mrw": true, "nef": true, "nrw": true, "orf": true, "pef": true,
	"pgm": true, "png": true, "png_": true, "ppm": true, "raf": true,
	"raw": true, "rpgmvp": true, "rw2": true, "sr2": true, "srf": true,
	"srw": true, "tif": true, "tiff": true, "webp": true, "x3f": true,
}

var videoExts = map[string]bool{
	"3g2": true, "3gp": true, "asf": true, "avi": true, "flv": true,
	"m2ts": true, "m4v": true, "mjpeg": true, "mkv": true, "mov": true,
	"mp4": true, "mts": true, "mxf": true, "rm": true, "rmvb": true,
	"swf": true, "ts": true, "vob": true, "webm": true, "wmv": true,
}

func ext(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// IsImage reports whether path looks like an image the in-process decoders
// handle (plain, RAW, or DICOM).
func IsImage(path string) bool { return imageExts[ext(path)] }

// IsVideo reports whether path looks like a video, i.e. something only the
// isolated worker may touch.
func IsVideo(path string) bool { return videoExts[ext(path)] }

// HasNoExtension reports files that need content probing before display.
func HasNoExtension(path string) bool { return filepath.Ext(path) == "" }

// IsMedia reports whether path is worth showing in the gallery at all.
func IsMedia(path string) bool { return IsImage(path) || IsVideo(path) || HasNoExtension(path) }

// FilterMedia keeps only displayable entries.
func FilterMedia(paths []string) []string {
	var out []string
	for _, p := range paths {
		if IsMedia(p) {
			out = append(out, p)
		}
	}
	return out
}

// ExpandEntries flattens a mix of files and directories into files,
// recursing into directories. Unreadable directories are skipped.
func ExpandEntries(entries []string) []string {
	var files []string
	queue := append([]string(nil), entries...)
	for len(queue) > 0 {
		p := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		if !fi.IsDir() {
			files = append(files, p)
			continue
		}
		ents, err := os.ReadDir(p)
		if err != nil {
			continue
		}
		for _, e := range ents {
			child := filepath.Join(p, e.Name())
			if e.IsDir() {
				queue = append(queue, child)
			} else {
				files = append(files, child)
			}
		}
	}
	return files
}

// Resolver turns gallery locators into absolute paths the worker can open.
type Resolver struct {
	// Root restricts resolution when set; relative locators resolve below it.
	Root string
}

// Resolve validates a locator. Synthetic test locators pass through.
func (r Resolver) Resolve(locator string) (string, error) {
	if strings.HasPrefix(locator, TestScheme) {
		return locator, nil
	}
	path := locator
	if !filepath.IsAbs(path) && r.Root != "" {
		path = filepath.Join(r.Root, path)
	}
	path = filepath.Clean(path)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	return path, nil
}

// FormatDuration renders milliseconds as hh:mm:ss for the UI layer.
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	h := ms / 3_600_000
	m := (ms % 3_600_000) / 60_000
	s := (ms % 60_000) / 1_000
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
