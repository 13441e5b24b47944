// Package convert runs the per-message pipeline: parse, walk, assemble,
// sanitize, name and render.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"os"

	"github.com/emersion/go-message"

	"github.com/dhcgn/eml2pdf/assemble"
	"github.com/dhcgn/eml2pdf/header"
	"github.com/dhcgn/eml2pdf/model"
	"github.com/dhcgn/eml2pdf/output"
	"github.com/dhcgn/eml2pdf/render"
	"github.com/dhcgn/eml2pdf/sanitize"
	"github.com/dhcgn/eml2pdf/state"
	"github.com/dhcgn/eml2pdf/walker"
)

// ErrNoContent is returned for messages without a text/plain or text/html body.
var ErrNoContent = errors.New("no html or plain text content")

type Options struct {
	OutputDir string
	Render    render.Options
	// Unsafe skips sanitization. Remote blocking is controlled by Render.BlockRemote.
	Unsafe    bool
	DebugHTML bool
}

// Result describes one written PDF.
type Result struct {
	Path        string
	Retried     bool
	Attachments int
	Images      int
}

type Converter struct {
	opts     Options
	renderer render.Renderer
	tracker  state.Tracker
	logger   *slog.Logger
}

// New returns a Converter. tracker may be nil.
func New(opts Options, renderer render.Renderer, tracker state.Tracker, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Converter{opts: opts, renderer: renderer, tracker: tracker, logger: logger}
}

// Document builds the HTML handed to the renderer for msg.
func (c *Converter) Document(msg model.Message) (string, model.Header, walker.Result, error) {
	entity, err := message.Read(bytes.NewReader(msg.Raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return "", model.Header{}, walker.Result{}, fmt.Errorf("parse message: %w", err)
	}
	if err != nil {
		c.logger.Debug("tolerating top-level decode problem", "id", msg.ID, "err", err)
	}

	h := header.Parse(entity.Header, c.logger, msg.ID)

	res, err := walker.Walk(entity, c.logger)
	if err != nil {
		return "", h, res, err
	}
	if res.HTML == "" {
		return "", h, res, ErrNoContent
	}

	doc := assemble.Document(h, res.Attachments, res.HTML)
	if !c.opts.Unsafe {
		doc = sanitize.HTML(doc)
	}
	return render.Page(doc, c.opts.Render.PageSize()), h, res, nil
}

// Convert writes msg as a PDF into the output directory. A failed render is
// retried once without images; if that fails too the partial file is removed.
func (c *Converter) Convert(ctx context.Context, msg model.Message) (Result, error) {
	doc, h, res, err := c.Document(msg)
	if err != nil {
		return Result{}, err
	}

	f, err := output.Create(output.BasePath(h.Date, html.UnescapeString(h.Subject), c.opts.OutputDir))
	if err != nil {
		return Result{}, err
	}
	path := f.Name()
	out := Result{Path: path, Attachments: len(res.Attachments), Images: res.Images}

	if c.opts.DebugHTML {
		if err := os.WriteFile(path+".html", []byte(doc), 0o644); err != nil {
			c.logger.Warn("debug html not written", "path", path+".html", "err", err)
		}
	}

	err = c.renderer.Render(ctx, doc, c.opts.Render, f)
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("render failed, retrying without images", "id", msg.ID, "err", err)
		out.Retried = true
		if err = rewind(f); err == nil {
			err = c.renderer.Render(ctx, doc, c.opts.Render.Degraded(), f)
		}
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", path, cerr)
	}
	if err != nil {
		if rerr := os.Remove(path); rerr != nil {
			c.logger.Warn("partial pdf not removed", "path", path, "err", rerr)
		}
		return out, fmt.Errorf("render %s: %w", path, err)
	}

	if c.tracker != nil {
		if err := c.tracker.MarkProcessed(state.Record{Hash: msg.Hash, MessageID: msg.ID, Output: path}); err != nil {
			c.logger.Warn("state not recorded", "id", msg.ID, "err", err)
		}
	}

	return out, nil
}

func rewind(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	return nil
}
