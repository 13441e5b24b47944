// Package header decodes the message header fields shown on every page.
package header

import (
	"errors"
	"fmt"
	"html"
	"log/slog"
	"mime"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/araddon/dateparse"
	"github.com/emersion/go-message"

	"github.com/dhcgn/eml2pdf/charset"
	"github.com/dhcgn/eml2pdf/model"
)

const (
	DefaultFrom    = "No sender"
	DefaultTo      = "No recipient"
	DefaultSubject = "No subject"
	NotDecoded     = "Not decoded."
	NoDate         = "No date"

	DateLayout = "2006-01-02, 15:04"
)

var ErrNotDecoded = errors.New("header not decodable")

var decoder = &mime.WordDecoder{CharsetReader: charset.NewReader}

// Decode resolves RFC 2047 encoded words in raw and returns the HTML-escaped
// text. Plain segments pass through untouched.
func Decode(raw string) (string, error) {
	text, err := decoder.DecodeHeader(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotDecoded, err)
	}
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("%w: invalid utf-8 in %q", ErrNotDecoded, truncate(raw, 40))
	}
	return html.EscapeString(text), nil
}

// Field decodes one header value. An empty value yields fallback, a value
// that cannot be decoded yields NotDecoded.
func Field(raw, fallback string, logger *slog.Logger, source string) string {
	if strings.TrimSpace(raw) == "" {
		return html.EscapeString(fallback)
	}
	text, err := Decode(raw)
	if err != nil {
		if logger != nil {
			logger.Error("failed to decode header field", "source", source, "err", err)
		}
		return NotDecoded
	}
	return text
}

// Parse builds the display header of a message. Every field is set.
func Parse(h message.Header, logger *slog.Logger, source string) model.Header {
	out := model.Header{
		From:          Field(h.Get("From"), DefaultFrom, logger, source),
		To:            Field(h.Get("To"), DefaultTo, logger, source),
		Subject:       Field(h.Get("Subject"), DefaultSubject, logger, source),
		FormattedDate: NoDate,
	}

	if raw := strings.TrimSpace(h.Get("Date")); raw != "" {
		t, err := ParseDate(raw)
		if err != nil {
			if logger != nil {
				logger.Warn("unparseable date header", "source", source, "date", raw, "err", err)
			}
		} else {
			out.Date = &t
			out.FormattedDate = t.Format(DateLayout)
		}
	}

	return out
}

// ParseDate parses an RFC 5322 date and falls back to a lenient parser for
// the malformed dates real mailers produce.
func ParseDate(raw string) (time.Time, error) {
	if t, err := mail.ParseDate(raw); err == nil {
		return t, nil
	}
	t, err := dateparse.ParseAny(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", raw, err)
	}
	return t, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
