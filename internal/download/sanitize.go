// Package download holds the download task entity and its naming rules.
package download

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxFileNameLength caps sanitized file names, in runes, before the extension.
const MaxFileNameLength = 120

// FallbackFileName is used when a title sanitizes to nothing.
const FallbackFileName = "video"

var (
	illegalFileChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f\x7f]`)
	repeatedSpaces   = regexp.MustCompile(`\s+`)
	repeatedPeriods  = regexp.MustCompile(`\.{2,}`)
	remotePath       = regexp.MustCompile(`^(?i)[a-z][a-z0-9+.-]*://`)
)

// windowsReserved are device names that cannot be used as file names on Windows.
var windowsReserved = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// SanitizeFileName turns a free-form title into a file system safe base name.
// The result is never empty.
func SanitizeFileName(title string) string {
	name := illegalFileChars.ReplaceAllString(title, "")
	name = repeatedSpaces.ReplaceAllString(name, " ")
	name = repeatedPeriods.ReplaceAllString(name, ".")
	name = strings.Trim(name, " .")

	if utf8.RuneCountInString(name) > MaxFileNameLength {
		name = strings.TrimRight(string([]rune(name)[:MaxFileNameLength]), " .")
	}
	if name == "" || windowsReserved[strings.ToUpper(name)] {
		return FallbackFileName
	}
	return name
}

// SanitizeOutputPath returns a clean local directory for downloads.
// Paths containing traversal segments or looking like remote locations
// are rejected in favour of defaultDir.
func SanitizeOutputPath(path, defaultDir string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultDir
	}
	if remotePath.MatchString(path) || strings.HasPrefix(path, `\\`) || strings.HasPrefix(path, "//") {
		return defaultDir
	}
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return defaultDir
		}
	}
	return filepath.Clean(path)
}
