// Package mbox reads messages from mbox archives.
package mbox

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/eml2pdf/header"
	"github.com/dhcgn/eml2pdf/model"
	"github.com/dhcgn/eml2pdf/runner"
)

type Options struct {
	Path string
}

// Stream sends every message of the archive at path to out. Messages that
// cannot be read are sent as envelopes carrying the error.
func Stream(ctx context.Context, path string, out chan<- model.Envelope, logger *slog.Logger) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	return each(file, path, func(msg model.Message, err error) error {
		if err != nil && logger != nil {
			logger.Warn("mbox message unreadable", "path", path, "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- model.Envelope{Message: msg, Err: err}:
			return nil
		}
	})
}

// Read calls fn for every readable message of the archive at path.
func Read(path string, fn func(msg model.Message) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	return each(file, path, func(msg model.Message, err error) error {
		if err != nil {
			return nil
		}
		return fn(msg)
	})
}

// CountMessages counts the messages in an mbox file without parsing them.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("message %d: %w", count, err)
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return count, fmt.Errorf("message %d read: %w", count, err)
		}
		count++
	}
}

func each(r io.Reader, path string, fn func(model.Message, error) error) error {
	reader := mboxlib.NewReader(r)
	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// The reader cannot resynchronize after a framing error.
			return fn(model.Message{ID: ref(path, idx)}, fmt.Errorf("message %d: %w", idx, err))
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			if err := fn(model.Message{ID: ref(path, idx)}, fmt.Errorf("message %d read: %w", idx, err)); err != nil {
				return err
			}
			continue
		}

		if err := fn(parse(raw, path, idx), nil); err != nil {
			return err
		}
	}
}

// parse fills the message metadata. The ID is the Message-Id when present
// and the archive position otherwise.
func parse(raw []byte, path string, idx int) model.Message {
	sum := sha256.Sum256(raw)
	msg := model.Message{
		ID:     ref(path, idx),
		Source: "mbox",
		Hash:   base64.StdEncoding.EncodeToString(sum[:]),
		Size:   int64(len(raw)),
		Raw:    raw,
	}

	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return msg
	}
	if id := strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>"); id != "" {
		msg.ID = id
	}
	if date := h.Get("Date"); date != "" {
		if t, err := header.ParseDate(date); err == nil {
			msg.ReceivedAt = t
		}
	}
	return msg
}

func ref(path string, idx int) string {
	return fmt.Sprintf("%s#%d", path, idx)
}

type Producer struct {
	opts   Options
	logger *slog.Logger
	start  time.Time
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("mbox: %w", err)
	}
	opts.Path = path

	producer := &Producer{opts: opts, logger: logger}
	r.AddProducer("mbox "+path, producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context, out chan<- model.Envelope) error {
	p.start = time.Now()
	err := Stream(ctx, p.opts.Path, out, p.logger)
	if err == nil && p.logger != nil {
		p.logger.Debug("mbox read", "path", p.opts.Path, "duration", time.Since(p.start))
	}
	return err
}
