// Package render turns assembled HTML into PDF.
package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

const (
	DefaultPage    = "a4"
	DefaultTimeout = 60 * time.Second
)

var (
	ErrRenderFailed = errors.New("render failed")
	ErrInvalidPage  = errors.New("invalid page size")

	pagePattern = regexp.MustCompile(`^[A-Za-z0-9 .]+$`)
)

// Renderer writes the PDF for one HTML document to w.
type Renderer interface {
	Render(ctx context.Context, html string, opts Options, w io.Writer) error
	Close() error
}

// Options configure a single render. The value is never modified by a
// renderer; variants are derived with the copy methods.
type Options struct {
	Page        string
	NoImages    bool
	BlockRemote bool
	Timeout     time.Duration
}

// Degraded returns the configuration used to retry a failed render.
func (o Options) Degraded() Options {
	o.NoImages = true
	return o
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// PageSize returns the configured page size or DefaultPage.
func (o Options) PageSize() string {
	if strings.TrimSpace(o.Page) == "" {
		return DefaultPage
	}
	return o.Page
}

// ValidatePage checks a CSS page size such as "a4" or "letter landscape"
// before it is written into a stylesheet.
func ValidatePage(page string) error {
	if !pagePattern.MatchString(page) {
		return fmt.Errorf("%w: %q", ErrInvalidPage, page)
	}
	return nil
}

// Page prefixes html with the page stylesheet and a UTF-8 declaration.
func Page(html, page string) string {
	var sb strings.Builder
	sb.Grow(len(html) + 96)
	sb.WriteString("<style>@page { size: ")
	sb.WriteString(page)
	sb.WriteString("; margin: 1cm }</style>\n")
	sb.WriteString(`<meta charset="UTF-8">`)
	sb.WriteString("\n")
	sb.WriteString(html)
	return sb.String()
}
