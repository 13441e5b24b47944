// Package walker flattens a MIME tree into leaf parts and sorts them into
// bodies, attachments and inline images.
package walker

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"

	"github.com/dhcgn/eml2pdf/assemble"
	"github.com/dhcgn/eml2pdf/charset"
	"github.com/dhcgn/eml2pdf/header"
	"github.com/dhcgn/eml2pdf/model"
)

const (
	TypePlain = "text/plain"
	TypeHTML  = "text/html"
)

// Kind is the role a part plays in the rendered document.
type Kind int

const (
	KindSkip Kind = iota
	KindBody
	KindAttachment
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindSkip:
		return "skip"
	case KindBody:
		return "body"
	case KindAttachment:
		return "attachment"
	default:
		return "other"
	}
}

// Result is what a message contributes to its document.
type Result struct {
	HTML        string
	Attachments []model.Attachment
	Images      int
}

// Collect returns the leaf parts of e depth first, in message order, with
// transfer encodings removed. Unknown encodings and charsets are tolerated.
func Collect(e *message.Entity, logger *slog.Logger) ([]model.Part, error) {
	if e == nil {
		return nil, errors.New("nil entity")
	}
	var parts []model.Part
	if err := collect(e, logger, &parts); err != nil {
		return parts, err
	}
	return parts, nil
}

func collect(e *message.Entity, logger *slog.Logger, parts *[]model.Part) error {
	if mr := e.MultipartReader(); mr != nil {
		for {
			child, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil && !tolerable(err) {
				if logger != nil {
					logger.Warn("malformed multipart, ignoring remaining parts", "err", err)
				}
				return nil
			}
			if child == nil {
				return nil
			}
			if err != nil && logger != nil {
				logger.Debug("tolerated part error", "err", err)
			}
			if err := collectChild(child, err, logger, parts); err != nil {
				return err
			}
		}
	}

	part, err := leaf(e, nil, logger)
	if err != nil {
		return err
	}
	*parts = append(*parts, part)
	return nil
}

func collectChild(e *message.Entity, readErr error, logger *slog.Logger, parts *[]model.Part) error {
	if e.MultipartReader() != nil {
		return collect(e, logger, parts)
	}
	part, err := leaf(e, readErr, logger)
	if err != nil {
		return err
	}
	*parts = append(*parts, part)
	return nil
}

func leaf(e *message.Entity, readErr error, logger *slog.Logger) (model.Part, error) {
	contentType, params, err := e.Header.ContentType()
	if err != nil {
		contentType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	contentType = strings.ToLower(contentType)
	if !strings.Contains(contentType, "/") {
		contentType = TypePlain
	}

	cs := strings.TrimSpace(params["charset"])
	if cs == "" {
		cs = charset.DefaultCharset
	}

	payload, err := io.ReadAll(e.Body)
	if err != nil {
		// keep what could be decoded
		if logger != nil {
			logger.Warn("part payload truncated", "contentType", contentType, "err", err)
		}
	}

	if converted(contentType, cs, readErr) {
		cs = charset.DefaultCharset
	}

	part := model.Part{
		ContentType: contentType,
		Disposition: DispositionOf(e.Header),
		Charset:     cs,
		Payload:     payload,
	}

	if cid := strings.Trim(strings.TrimSpace(e.Header.Get("Content-Id")), "<>"); cid != "" {
		part.ContentID = &cid
	}
	if name := Filename(e.Header); name != "" {
		part.Filename = &name
	}

	return part, nil
}

// DispositionOf normalizes the Content-Disposition of h.
func DispositionOf(h message.Header) model.Disposition {
	if strings.TrimSpace(h.Get("Content-Disposition")) == "" {
		return model.DispositionNone
	}
	disp, _, err := h.ContentDisposition()
	if err != nil {
		disp = strings.TrimSpace(strings.SplitN(h.Get("Content-Disposition"), ";", 2)[0])
	}
	switch strings.ToLower(disp) {
	case "inline":
		return model.DispositionInline
	case "attachment":
		return model.DispositionAttachment
	default:
		return model.DispositionOther
	}
}

// Filename returns the Content-Disposition filename, falling back to the
// Content-Type name parameter.
func Filename(h message.Header) string {
	if _, params, err := h.ContentDisposition(); err == nil {
		if name := strings.TrimSpace(params["filename"]); name != "" {
			return name
		}
	}
	if _, params, err := h.ContentType(); err == nil {
		if name := strings.TrimSpace(params["name"]); name != "" {
			return name
		}
	}
	return ""
}

// Classify decides what p contributes. The first matching rule wins.
func Classify(p model.Part) Kind {
	if len(p.Payload) == 0 {
		return KindSkip
	}
	if (p.ContentType == TypePlain || p.ContentType == TypeHTML) &&
		(p.Disposition == model.DispositionNone || p.Disposition == model.DispositionInline) {
		return KindBody
	}
	if p.Disposition == model.DispositionAttachment ||
		(p.Disposition == model.DispositionInline && !isImage(p)) {
		return KindAttachment
	}
	return KindOther
}

// IsInlineImage reports whether p can be referenced from HTML via cid:.
func IsInlineImage(p model.Part) bool {
	return len(p.Payload) > 0 && isImage(p) && p.ContentID != nil && *p.ContentID != ""
}

func isImage(p model.Part) bool {
	return strings.HasPrefix(p.ContentType, "image/")
}

// Walk builds the body HTML and the attachment summary of e. An empty HTML
// result means the message has no usable body.
func Walk(e *message.Entity, logger *slog.Logger) (Result, error) {
	parts, err := Collect(e, logger)
	if err != nil {
		return Result{}, fmt.Errorf("collect parts: %w", err)
	}
	return Assemble(parts, logger), nil
}

// Assemble applies the classification rules to already collected parts.
func Assemble(parts []model.Part, logger *slog.Logger) Result {
	var (
		plain       strings.Builder
		markup      strings.Builder
		attachments []model.Attachment
		images      = make(map[string]model.InlineImage)
	)

	for _, p := range parts {
		switch Classify(p) {
		case KindSkip:
			continue
		case KindBody:
			text := charset.Decode(p.Payload, p.Charset, logger)
			if p.ContentType == TypePlain {
				plain.WriteString(text)
			} else {
				markup.WriteString(text)
			}
		case KindAttachment:
			if p.Filename != nil && *p.Filename != "" {
				attachments = append(attachments, summarize(p, logger))
			}
		}

		if IsInlineImage(p) {
			cid := *p.ContentID
			if _, dup := images[cid]; dup && logger != nil {
				logger.Debug("duplicate content-id, keeping last", "cid", cid)
			}
			images[cid] = model.InlineImage{
				Filename:    p.Filename,
				Data:        p.Payload,
				ContentType: p.ContentType,
			}
		}
	}

	res := Result{Attachments: attachments, Images: len(images)}
	switch {
	case markup.Len() > 0:
		res.HTML = assemble.EmbedImages(markup.String(), images)
	case plain.Len() > 0:
		res.HTML = assemble.Markdown(plain.String(), logger)
	}
	return res
}

func summarize(p model.Part, logger *slog.Logger) model.Attachment {
	name, err := header.Decode(*p.Filename)
	if err != nil {
		if logger != nil {
			logger.Warn("attachment name not decodable", "name", *p.Filename, "err", err)
		}
		name = html.EscapeString(*p.Filename)
	}
	sum := md5.Sum(p.Payload)
	return model.Attachment{
		Name:        name,
		Size:        int64(len(p.Payload)),
		ContentHash: hex.EncodeToString(sum[:]),
	}
}

// converted reports whether go-message already turned a text body into
// UTF-8, which only happens when a global charset reader is registered.
func converted(contentType, cs string, readErr error) bool {
	if message.CharsetReader == nil || !strings.HasPrefix(contentType, "text/") {
		return false
	}
	switch strings.ToLower(cs) {
	case "utf-8", "us-ascii":
		return false
	}
	return !message.IsUnknownCharset(readErr)
}

func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
