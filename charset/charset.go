// Package charset turns message payloads into text. Labels are resolved
// against the IANA registry first and the WHATWG list second, so the aliases
// mail clients actually emit (latin1, cp1252, gb2312, ...) are understood.
package charset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultCharset is assumed when a part declares no charset or an unknown one.
const DefaultCharset = "utf-8"

var ErrUnknownCharset = errors.New("unknown charset")

var escapePattern = regexp.MustCompile(`\\u[0-9a-fA-F]{4}|\\U[0-9a-fA-F]{8}`)

// Lookup resolves a charset label to an encoding.
func Lookup(label string) (encoding.Encoding, error) {
	name := normalize(label)
	switch name {
	case "", "utf-8", "utf8":
		return unicode.UTF8, nil
	}

	if enc, err := ianaindex.MIME.Encoding(name); err == nil && enc != nil {
		return enc, nil
	}
	if enc, err := htmlindex.Get(name); err == nil && enc != nil {
		return enc, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCharset, label)
}

// NewReader returns a reader converting input from label to UTF-8. It has the
// signature expected by mime.WordDecoder.CharsetReader.
func NewReader(label string, input io.Reader) (io.Reader, error) {
	if isASCII(label) {
		return input, nil
	}
	enc, err := Lookup(label)
	if err != nil {
		return nil, err
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

// Decode converts b from the declared charset to a string. It never fails:
// bytes that are invalid for the charset become U+FFFD, an unknown label
// falls back to DefaultCharset, and literal \uXXXX escapes left behind by
// broken clients are resolved when possible.
func Decode(b []byte, label string, logger *slog.Logger) string {
	if logger != nil {
		logger.Debug("decoding payload", "charset", label, "bytes", len(b))
	}

	decoded, err := strict(b, label)
	if err != nil {
		if logger != nil {
			logger.Warn("strict decode failed, using replacement characters", "charset", label, "err", err)
		}
		decoded = lossy(b, label)
	}

	if escapePattern.MatchString(decoded) {
		return unescape(decoded)
	}
	return decoded
}

func strict(b []byte, label string) (string, error) {
	if isASCII(label) {
		for i, c := range b {
			if c >= utf8.RuneSelf {
				return "", fmt.Errorf("byte 0x%02x at offset %d is not us-ascii", c, i)
			}
		}
		return string(b), nil
	}

	enc, err := Lookup(label)
	if err != nil {
		return "", err
	}
	if enc == unicode.UTF8 {
		if !utf8.Valid(b) {
			return "", fmt.Errorf("invalid utf-8 sequence")
		}
		return string(b), nil
	}

	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", label, err)
	}
	// x/text decoders substitute U+FFFD for invalid input instead of failing.
	if bytes.ContainsRune(out, utf8.RuneError) {
		return "", fmt.Errorf("invalid %s sequence", label)
	}
	return string(out), nil
}

func lossy(b []byte, label string) string {
	if isASCII(label) {
		var sb strings.Builder
		sb.Grow(len(b))
		for _, c := range b {
			if c >= utf8.RuneSelf {
				sb.WriteRune(utf8.RuneError)
				continue
			}
			sb.WriteByte(c)
		}
		return sb.String()
	}

	enc, err := Lookup(label)
	if err != nil || enc == unicode.UTF8 {
		return toValidUTF8(b)
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return toValidUTF8(b)
	}
	return toValidUTF8(out)
}

// toValidUTF8 replaces every invalid byte with U+FFFD.
func toValidUTF8(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(b[:size])
		}
		b = b[size:]
	}
	return sb.String()
}

// unescape interprets Go/Python style backslash escapes in s. Escapes it
// does not understand are kept as written.
func unescape(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for len(s) > 0 {
		if s[0] != '\\' {
			r, size := utf8.DecodeRuneInString(s)
			sb.WriteRune(r)
			s = s[size:]
			continue
		}
		if len(s) > 1 && (s[1] == '"' || s[1] == '\'') {
			sb.WriteByte(s[1])
			s = s[2:]
			continue
		}
		r, multibyte, tail, err := strconv.UnquoteChar(s, 0)
		if err != nil {
			sb.WriteByte('\\')
			s = s[1:]
			continue
		}
		if multibyte || r >= utf8.RuneSelf {
			sb.WriteRune(r)
		} else {
			sb.WriteByte(byte(r))
		}
		s = tail
	}
	return sb.String()
}

func normalize(label string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(label), `"'`))
}

func isASCII(label string) bool {
	switch normalize(label) {
	case "us-ascii", "ascii", "ansi_x3.4-1968", "us":
		return true
	}
	return false
}
