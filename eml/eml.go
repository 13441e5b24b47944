// Package eml discovers .eml files in a directory and feeds them to the runner.
package eml

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dhcgn/eml2pdf/model"
	"github.com/dhcgn/eml2pdf/runner"
)

// Extension is matched case-insensitively.
const Extension = ".eml"

type Options struct {
	Dir       string
	Recursive bool
}

// Find returns the .eml files in opts.Dir sorted by path.
func Find(opts Options) ([]string, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, fmt.Errorf("input directory is empty")
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !opts.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && strings.EqualFold(filepath.Ext(path), Extension) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	sort.Strings(files)
	return files, nil
}

// Load reads one message file.
func Load(path string) (model.Message, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.Message{ID: path}, fmt.Errorf("read %s: %w", path, err)
	}

	sum := sha256.Sum256(raw)
	msg := model.Message{
		ID:     path,
		Source: "eml",
		Hash:   base64.StdEncoding.EncodeToString(sum[:]),
		Size:   int64(len(raw)),
		Raw:    raw,
	}
	if info, err := os.Stat(path); err == nil {
		msg.ReceivedAt = info.ModTime()
	}
	return msg, nil
}

type Producer struct {
	files  []string
	logger *slog.Logger
}

// NewProducer scans the directory up front so a missing or unreadable input
// directory fails before any work starts.
func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	files, err := Find(opts)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("eml files found", "dir", opts.Dir, "count", len(files), "recursive", opts.Recursive)
	}

	p := &Producer{files: files, logger: logger}
	r.AddProducer("eml", p.run)
	return p, nil
}

// Count returns the number of discovered files.
func (p *Producer) Count() int {
	return len(p.files)
}

func (p *Producer) run(ctx context.Context, out chan<- model.Envelope) error {
	for _, path := range p.files {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := Load(path)
		env := model.Envelope{Message: msg}
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p.logger != nil {
				p.logger.Warn("file vanished before it was read", "path", path)
			}
			env.Err = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- env:
		}
	}
	return nil
}
