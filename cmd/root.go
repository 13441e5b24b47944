package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/eml2pdf/config"
	"github.com/dhcgn/eml2pdf/convert"
	"github.com/dhcgn/eml2pdf/eml"
	"github.com/dhcgn/eml2pdf/filter"
	"github.com/dhcgn/eml2pdf/imap"
	"github.com/dhcgn/eml2pdf/mbox"
	"github.com/dhcgn/eml2pdf/output"
	"github.com/dhcgn/eml2pdf/progress"
	"github.com/dhcgn/eml2pdf/render"
	"github.com/dhcgn/eml2pdf/runner"
	"github.com/dhcgn/eml2pdf/stats"
)

var rootCmd = &cobra.Command{
	Use:   "eml2pdf [flags] [input-dir] <output-dir>",
	Short: "Convert .eml messages to PDF",
	Long: `Convert every .eml file of a directory (and optionally mbox archives or an
IMAP folder) to PDF. Remote content is blocked and the HTML is sanitized
unless --unsafe is given.`,
	Args:         cobra.RangeArgs(1, 2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cmd, args)
		if err != nil {
			return err
		}

		logger, cleanup, err := setupLogger(cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		slog.SetDefault(logger)
		logger.Info("starting eml2pdf", "input", cfg.InputDir, "output", cfg.OutputDir, "workers", cfg.Workers, "page", cfg.Page)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		return run(ctx, cfg, logger)
	},
}

func init() {
	if err := config.RegisterFlags(rootCmd); err != nil {
		panic(err)
	}
}

// Execute runs the root command and exits non-zero when it fails.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if err := output.EnsureDir(cfg.OutputDir); err != nil {
		return err
	}

	warnUnsafe(cfg, logger)

	chrome, err := render.NewChrome(render.ChromeOptions{Bin: cfg.BrowserBin, NoSandbox: cfg.NoSandbox}, logger)
	if err != nil {
		return fmt.Errorf("render.NewChrome: %w", err)
	}
	defer func() {
		if err := chrome.Close(); err != nil {
			logger.Warn("browser shutdown", "err", err)
		}
	}()

	r, err := runner.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	total := 0
	if cfg.InputDir != "" {
		p, err := eml.NewProducer(eml.Options{Dir: cfg.InputDir, Recursive: cfg.Recursive}, r, logger)
		if err != nil {
			return fmt.Errorf("eml.NewProducer: %w", err)
		}
		total += p.Count()
	}

	for _, path := range cfg.MboxPaths {
		n, err := mbox.CountMessages(path)
		if err != nil {
			return fmt.Errorf("mbox.CountMessages: %w", err)
		}
		total += n
		if _, err := mbox.NewProducer(mbox.Options{Path: path}, r, logger); err != nil {
			return fmt.Errorf("mbox.NewProducer: %w", err)
		}
	}

	if cfg.UsesIMAP() {
		imapOpts := imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Folder:             cfg.IMAPFolder,
		}
		if _, err := imap.NewProducer(imapOpts, r, logger); err != nil {
			return fmt.Errorf("imap.NewProducer: %w", err)
		}
	}

	// IMAP folders have no total before the fetch starts.
	bar := progress.New(total, cfg.Progress && !cfg.UsesIMAP())
	if bar.Enabled() {
		progress.NewReporter(r, bar, logger)
	} else {
		stats.NewReporter(r, logger)
	}

	converter := convert.New(convert.Options{
		OutputDir: cfg.OutputDir,
		Render: render.Options{
			Page:        cfg.Page,
			BlockRemote: cfg.BlockRemote(),
			Timeout:     cfg.RenderTimeout,
		},
		Unsafe:    cfg.Unsafe,
		DebugHTML: cfg.DebugHTML,
	}, chrome, r.Tracker(), logger)
	convert.NewStage(r, converter, cfg.Workers)

	err = r.Start()
	logFilterHits(logger, r.Filter())
	return err
}

const unsafeWarning = "Unsafe mode: HTML is not sanitized and remote content is loaded. Opening these messages may leak information to their senders."

func warnUnsafe(cfg config.Config, logger *slog.Logger) {
	if !cfg.Unsafe {
		return
	}
	pterm.Warning.Println(unsafeWarning)
	logger.Warn(unsafeWarning)
}

// logFilterHits records how often each configured pattern matched.
func logFilterHits(logger *slog.Logger, f *filter.Filter) {
	if f == nil {
		return
	}
	fs := f.GetStats()
	for _, list := range [][]string{fs.IncludeHeaderPatterns, fs.IncludeBodyPatterns, fs.ExcludeHeaderPatterns, fs.ExcludeBodyPatterns} {
		for _, p := range list {
			logger.Info("filter hits", "pattern", p, "hits", fs.Hits[p])
		}
	}
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	var w io.Writer = os.Stderr
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("eml2pdf-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}
		w = io.MultiWriter(os.Stderr, file)
		cleanup = file.Close
	}

	return slog.New(slog.NewTextHandler(w, opts)), cleanup, nil
}
