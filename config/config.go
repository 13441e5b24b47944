package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dhcgn/eml2pdf/render"
)

// Config captures all command-line options required to run a conversion.
type Config struct {
	InputDir      string
	OutputDir     string
	Recursive     bool
	MboxPaths     []string
	Workers       int
	Page          string
	Unsafe        bool
	DebugHTML     bool
	Verbose       bool
	Progress      bool
	RenderTimeout time.Duration
	BrowserBin    string
	NoSandbox     bool
	StateDir      string
	LogLevel      string
	LogDir        string

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	IMAPFolder         string

	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// UsesIMAP reports whether an IMAP folder is one of the sources.
func (c Config) UsesIMAP() bool {
	return c.IMAPHost != ""
}

// BlockRemote reports whether the renderer must stay off the network.
func (c Config) BlockRemote() bool {
	return !c.Unsafe
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.SetNormalizeFunc(underscoreToDash)

	flags.BoolP("debug-html", "d", false, "Write the intermediate HTML next to each PDF")
	flags.IntP("number-of-procs", "n", runtime.NumCPU(), "Number of parallel workers, defaults to the number of logical CPUs")
	flags.StringP("page", "p", render.DefaultPage, "Page size: a3 a4 a5 b4 b5 letter legal or ledger, optionally with 'landscape'")
	flags.Bool("unsafe", false, "Don't sanitize HTML or block remote content. This may expose sensitive information")
	flags.BoolP("verbose", "v", false, "Show verbose debugging output. Forces one worker")
	flags.Bool("progress", false, "Show a progress bar instead of one log line per file (raises the log level to warn)")
	flags.BoolP("recursive", "r", false, "Descend into subdirectories of the input directory")
	flags.StringArray("mbox", nil, "Also convert the messages of this mbox archive (repeatable)")
	flags.Duration("render-timeout", render.DefaultTimeout, "Maximum time to render a single PDF")
	flags.String("browser", "", "Path to a Chrome/Chromium binary (downloaded when empty)")
	flags.Bool("no-sandbox", false, "Run the browser without its sandbox (needed as root in containers)")
	flags.String("state-dir", "", "Directory recording converted messages so re-runs skip them")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")

	flags.String("imap-host", "", "IMAP server hostname to read messages from")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("imap-folder", "INBOX", "IMAP folder to convert")

	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	return nil
}

func underscoreToDash(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// LoadConfig converts the parsed Cobra flags and positional arguments into a
// Config struct with validation. Arguments are [input-dir] <output-dir>; the
// input directory may be omitted when another source is configured.
func LoadConfig(cmd *cobra.Command, args []string) (Config, error) {
	flags := cmd.Flags()

	var cfg Config
	var err error

	if cfg.DebugHTML, err = flags.GetBool("debug-html"); err != nil {
		return Config{}, err
	}
	if cfg.Workers, err = flags.GetInt("number-of-procs"); err != nil {
		return Config{}, err
	}
	if cfg.Page, err = flags.GetString("page"); err != nil {
		return Config{}, err
	}
	if cfg.Unsafe, err = flags.GetBool("unsafe"); err != nil {
		return Config{}, err
	}
	if cfg.Verbose, err = flags.GetBool("verbose"); err != nil {
		return Config{}, err
	}
	if cfg.Progress, err = flags.GetBool("progress"); err != nil {
		return Config{}, err
	}
	if cfg.Recursive, err = flags.GetBool("recursive"); err != nil {
		return Config{}, err
	}
	if cfg.MboxPaths, err = flags.GetStringArray("mbox"); err != nil {
		return Config{}, err
	}
	if cfg.RenderTimeout, err = flags.GetDuration("render-timeout"); err != nil {
		return Config{}, err
	}
	if cfg.BrowserBin, err = flags.GetString("browser"); err != nil {
		return Config{}, err
	}
	if cfg.NoSandbox, err = flags.GetBool("no-sandbox"); err != nil {
		return Config{}, err
	}
	if cfg.StateDir, err = flags.GetString("state-dir"); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = flags.GetString("log-level"); err != nil {
		return Config{}, err
	}
	if cfg.LogDir, err = flags.GetString("log-dir"); err != nil {
		return Config{}, err
	}
	if cfg.IMAPHost, err = flags.GetString("imap-host"); err != nil {
		return Config{}, err
	}
	if cfg.IMAPPort, err = flags.GetInt("imap-port"); err != nil {
		return Config{}, err
	}
	if cfg.IMAPUser, err = flags.GetString("imap-user"); err != nil {
		return Config{}, err
	}
	if cfg.IMAPPass, err = flags.GetString("imap-pass"); err != nil {
		return Config{}, err
	}
	if cfg.UseTLS, err = flags.GetBool("use-tls"); err != nil {
		return Config{}, err
	}
	if cfg.InsecureSkipVerify, err = flags.GetBool("insecure-skip-verify"); err != nil {
		return Config{}, err
	}
	if cfg.IMAPFolder, err = flags.GetString("imap-folder"); err != nil {
		return Config{}, err
	}
	if cfg.IncludeHeader, err = flags.GetStringArray("include-header"); err != nil {
		return Config{}, err
	}
	if cfg.IncludeBody, err = flags.GetStringArray("include-body"); err != nil {
		return Config{}, err
	}
	if cfg.ExcludeHeader, err = flags.GetStringArray("exclude-header"); err != nil {
		return Config{}, err
	}
	if cfg.ExcludeBody, err = flags.GetStringArray("exclude-body"); err != nil {
		return Config{}, err
	}

	switch len(args) {
	case 2:
		cfg.InputDir, cfg.OutputDir = args[0], args[1]
	case 1:
		cfg.OutputDir = args[0]
	default:
		return Config{}, fmt.Errorf("expected [input-dir] <output-dir>, got %d arguments", len(args))
	}

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.Verbose {
		cfg.LogLevel = "debug"
		cfg.Workers = 1
		cfg.Progress = false
	}
	if cfg.Progress && cfg.LogLevel == "info" {
		cfg.LogLevel = "warn"
	}

	if cfg.InputDir != "" {
		cfg.InputDir = filepath.Clean(cfg.InputDir)
	}
	cfg.OutputDir = filepath.Clean(cfg.OutputDir)
	if cfg.StateDir != "" {
		cfg.StateDir = filepath.Clean(cfg.StateDir)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.InputDir == "" && len(cfg.MboxPaths) == 0 && !cfg.UsesIMAP() {
		return fmt.Errorf("an input directory, --mbox or --imap-host is required")
	}
	if cfg.InputDir != "" {
		info, err := os.Stat(cfg.InputDir)
		if err != nil {
			return fmt.Errorf("input directory: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("input %s is not a directory", cfg.InputDir)
		}
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("--number-of-procs must be at least 1")
	}
	if err := render.ValidatePage(cfg.Page); err != nil {
		return fmt.Errorf("--page: %w", err)
	}
	if cfg.RenderTimeout <= 0 {
		return fmt.Errorf("--render-timeout must be positive")
	}

	if cfg.UsesIMAP() {
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required with --imap-host")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}
