// Package naming builds the output filenames for generated media and their
// prompt sidecar files.
package naming

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/kernel/flowkit/internal/model"
)

// MaxNameLength is the maximum number of runes Sanitize returns.
const MaxNameLength = 50

var (
	illegalChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	whitespace   = regexp.MustCompile(`[\s\v\p{Z}\x{85}]+`)
	underscores  = regexp.MustCompile(`_+`)
)

// Sanitize turns arbitrary prompt text into a filesystem-safe name fragment.
func Sanitize(s string) string {
	s = illegalChars.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = whitespace.ReplaceAllString(s, "_")
	s = underscores.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_ ")
	if r := []rune(s); len(r) > MaxNameLength {
		s = strings.TrimRight(string(r[:MaxNameLength]), "_")
	}
	return s
}

// Basename is the extension-less name of the item at index (0-based).
func Basename(index int, prompt string) string {
	head := []rune(prompt)
	if len(head) > MaxNameLength {
		head = head[:MaxNameLength]
	}
	return fmt.Sprintf("%03d_%s", index+1, Sanitize(string(head)))
}

// ExtForKind returns the file extension used for a downloaded media kind.
func ExtForKind(kind model.MediaKind) string {
	if kind == model.MediaImage {
		return "png"
	}
	return "mp4"
}

// Filename joins the subfolder, basename and extension into a relative,
// forward-slash download path.
func Filename(subfolder, basename, ext string) string {
	name := basename + "." + ext
	sub := CleanSubfolder(subfolder)
	if sub == "" {
		return name
	}
	return sub + "/" + name
}

// SidecarName is the relative path of the prompt text file for basename.
func SidecarName(subfolder, basename string) string {
	return Filename(subfolder, basename, "txt")
}

// CleanSubfolder normalizes a user supplied subfolder so it always stays
// relative to the download root.
func CleanSubfolder(subfolder string) string {
	sub := strings.ReplaceAll(strings.TrimSpace(subfolder), "\\", "/")
	if sub == "" {
		return ""
	}
	var parts []string
	for _, p := range strings.Split(path.Clean("/"+sub), "/") {
		if p == "" || p == "." || p == ".." {
			continue
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, "/")
}

// DefaultSubfolder returns the date-stamped folder used when none is configured.
func DefaultSubfolder(now time.Time) string {
	return fmt.Sprintf("flow_%02d_%02d", int(now.Month()), now.Day())
}
