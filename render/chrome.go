package render

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/dhcgn/eml2pdf/sanitize"
)

// ChromeOptions configure the shared headless browser.
type ChromeOptions struct {
	// Bin is the browser executable. Empty means look it up or download it.
	Bin       string
	NoSandbox bool
}

// Chrome renders through one headless Chromium. Each render uses its own
// tab, so a Chrome is safe for concurrent use.
type Chrome struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	logger   *slog.Logger
}

// NewChrome launches the browser.
func NewChrome(opts ChromeOptions, logger *slog.Logger) (*Chrome, error) {
	l := launcher.New().Headless(true).Leakless(false)
	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	}
	if opts.NoSandbox {
		l = l.NoSandbox(true)
	}

	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	if logger != nil {
		logger.Debug("browser started", "controlURL", u)
	}
	return &Chrome{launcher: l, browser: browser, logger: logger}, nil
}

func (c *Chrome) Render(ctx context.Context, html string, opts Options, w io.Writer) error {
	if opts.NoImages {
		html = sanitize.StripImages(html)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	// The tab is closed through a handle without the deadline so it is
	// destroyed even when the render timed out.
	tab, err := c.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return fmt.Errorf("%w: open tab: %v", ErrRenderFailed, err)
	}
	defer func() {
		if err := tab.Close(); err != nil && c.logger != nil {
			c.logger.Debug("close tab", "err", err)
		}
	}()
	page := tab.Context(ctx)

	if err := (proto.EmulationSetScriptExecutionDisabled{Value: true}).Call(page); err != nil {
		return fmt.Errorf("%w: disable scripts: %v", ErrRenderFailed, err)
	}

	if opts.BlockRemote {
		router := page.HijackRequests()
		if err := router.Add("*", "", func(h *rod.Hijack) {
			if c.logger != nil {
				c.logger.Debug("blocked remote request", "url", h.Request.URL().String())
			}
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
		}); err != nil {
			return fmt.Errorf("%w: block requests: %v", ErrRenderFailed, err)
		}
		go router.Run()
		defer func() {
			_ = router.Stop()
		}()
	}

	if err := page.SetDocumentContent(html); err != nil {
		return fmt.Errorf("%w: load document: %v", ErrRenderFailed, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("%w: wait for load: %v", ErrRenderFailed, err)
	}

	stream, err := page.PDF(&proto.PagePrintToPDF{
		PrintBackground:   true,
		PreferCSSPageSize: true,
	})
	if err != nil {
		return fmt.Errorf("%w: print: %v", ErrRenderFailed, err)
	}
	defer stream.Close()

	if _, err := io.Copy(w, stream); err != nil {
		return fmt.Errorf("%w: write pdf: %v", ErrRenderFailed, err)
	}
	return nil
}

func (c *Chrome) Close() error {
	err := c.browser.Close()
	c.launcher.Kill()
	c.launcher.Cleanup()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}
