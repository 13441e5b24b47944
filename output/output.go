// Package output names PDF files and creates them without ever overwriting
// an existing one.
package output

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	NoSubject = "nosubject"
	NoDate    = "nodate"

	// MaxSubjectBytes keeps generated names below common filesystem limits.
	MaxSubjectBytes = 200

	maxAttempts = 10000
)

var ErrExhausted = errors.New("no free output file name")

// SafeSubject turns a subject line into a file name fragment.
func SafeSubject(subject string) string {
	var sb strings.Builder
	sb.Grow(len(subject))
	for _, r := range subject {
		switch {
		case strings.ContainsRune(`<>:"/\|?*`, r):
			continue
		case r == utf8.RuneError, unicode.IsControl(r):
			continue
		case r == ' ':
			sb.WriteByte('_')
		default:
			sb.WriteRune(r)
		}
	}

	safe := sb.String()
	if len(safe) > MaxSubjectBytes {
		cut := MaxSubjectBytes
		for cut > 0 && !utf8.RuneStart(safe[cut]) {
			cut--
		}
		safe = safe[:cut]
	}
	if safe == "" || safe == "." || safe == ".." {
		return NoSubject
	}
	return safe
}

// BasePath returns <dir>/<YYYY-MM-DD|nodate>-<subject>.pdf.
func BasePath(date *time.Time, subject, dir string) string {
	prefix := NoDate
	if date != nil {
		prefix = date.Format("2006-01-02")
	}
	return filepath.Join(dir, prefix+"-"+SafeSubject(subject)+".pdf")
}

// Create opens path for writing, failing if it exists. On a collision it
// tries name_1.pdf, name_2.pdf and so on. The returned file is new.
func Create(path string) (*os.File, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)

	candidate := path
	for i := 1; i <= maxAttempts; i++ {
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create %s: %w", candidate, err)
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
	return nil, fmt.Errorf("%w: %s", ErrExhausted, path)
}

// EnsureDir creates dir and its parents.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory %s: %w", dir, err)
	}
	return nil
}
