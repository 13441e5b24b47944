// Package imap reads the messages of one IMAP folder without modifying it.
package imap

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/eml2pdf/model"
	"github.com/dhcgn/eml2pdf/runner"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
}

func (o Options) folder() string {
	if o.Folder == "" {
		return "INBOX"
	}
	return o.Folder
}

type Producer struct {
	opts   Options
	logger *slog.Logger
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Producer{opts: opts, logger: logger}
	r.AddProducer("imap", p.run)
	return p, nil
}

// run fetches every message of the folder. The mailbox is selected read-only
// and bodies are fetched with PEEK, so no \Seen flags change.
func (p *Producer) run(ctx context.Context, out chan<- model.Envelope) error {
	client, cleanup, err := p.dial(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	folder := p.opts.folder()
	data, err := client.Select(folder, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return fmt.Errorf("select %s: %w", folder, err)
	}
	p.logger.Info("imap folder selected", "folder", folder, "messages", data.NumMessages)
	if data.NumMessages == 0 {
		return nil
	}

	var seqSet imapv2.SeqSet
	seqSet.AddRange(1, 0)

	section := &imapv2.FetchItemBodySection{Peek: true}
	fetch := client.Fetch(seqSet, &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	})

	for {
		msg := fetch.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			if err := send(ctx, out, model.Envelope{
				Message: model.Message{ID: fmt.Sprintf("%s#%d", folder, msg.SeqNum)},
				Err:     fmt.Errorf("fetch message %d: %w", msg.SeqNum, err),
			}); err != nil {
				_ = fetch.Close()
				return err
			}
			continue
		}

		if err := send(ctx, out, model.Envelope{Message: p.message(folder, buf, section)}); err != nil {
			_ = fetch.Close()
			return err
		}
	}

	if err := fetch.Close(); err != nil {
		return fmt.Errorf("fetch %s: %w", folder, err)
	}
	return nil
}

func (p *Producer) message(folder string, buf *imapclient.FetchMessageBuffer, section *imapv2.FetchItemBodySection) model.Message {
	raw := buf.FindBodySection(section)
	sum := sha256.Sum256(raw)
	return model.Message{
		ID:         fmt.Sprintf("%s/%d", folder, buf.UID),
		Source:     "imap",
		Hash:       base64.StdEncoding.EncodeToString(sum[:]),
		ReceivedAt: buf.InternalDate,
		Size:       int64(len(raw)),
		Raw:        raw,
	}
}

func send(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

func (p *Producer) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(p.opts.Host, strconv.Itoa(p.opts.Port))
	options := &imapclient.Options{}

	var (
		client *imapclient.Client
		err    error
	)
	if p.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         p.opts.Host,
			InsecureSkipVerify: p.opts.InsecureSkipVerify,
		}
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(p.opts.Username, p.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	p.logger.Debug("imap connection established", "address", address, "user", p.opts.Username, "tls", p.opts.UseTLS)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				p.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			p.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}
