// Package assemble builds the HTML document handed to the renderer.
package assemble

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/dhcgn/eml2pdf/model"
)

const tableStyle = "font-family: serif; margin-bottom: 20px; border-spacing: 1rem 0; text-align: left;"

// Raw HTML in plain-text bodies is passed through; the assembled document is
// sanitized afterwards.
var markdown = goldmark.New(goldmark.WithRendererOptions(gmhtml.WithUnsafe()))

// EmbedImages replaces cid: references in body with data URIs. Longer
// Content-IDs are substituted first so cid:img1 never clobbers cid:img10.
// References without a matching image are left as they are.
func EmbedImages(body string, images map[string]model.InlineImage) string {
	if body == "" || len(images) == 0 {
		return body
	}

	ids := make([]string, 0, len(images))
	for id := range images {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) > len(ids[j])
		}
		return ids[i] < ids[j]
	})

	for _, id := range ids {
		img := images[id]
		uri := "data:" + img.ContentType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
		body = strings.ReplaceAll(body, "cid:"+id, uri)
	}
	return body
}

// Markdown renders a plain text body as HTML.
func Markdown(text string, logger *slog.Logger) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		if logger != nil {
			logger.Warn("markdown conversion failed, using preformatted text", "err", err)
		}
		return "<pre>" + html.EscapeString(text) + "</pre>"
	}
	return strings.TrimRight(buf.String(), "\n")
}

// HeaderTable renders the From/To/Date/Subject block. Fields are expected
// to be escaped already.
func HeaderTable(h model.Header) string {
	var sb strings.Builder
	sb.WriteString(`<table style="` + tableStyle + `">` + "\n")
	row(&sb, "From:", h.From)
	row(&sb, "To:", h.To)
	row(&sb, "Date:", h.FormattedDate)
	row(&sb, "Subject:", h.Subject)
	sb.WriteString("</table>\n")
	return sb.String()
}

func row(sb *strings.Builder, label, value string) {
	fmt.Fprintf(sb, `<tr><th scope="row">%s</th><td>%s</td></tr>`+"\n", label, value)
}

// AttachmentTable renders the attachment summary, or "" when there is none.
func AttachmentTable(attachments []model.Attachment) string {
	if len(attachments) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(`<table style="` + tableStyle + `">`)
	sb.WriteString(`<thead><tr><th colspan="3">Attachments:</th></tr>`)
	sb.WriteString(`<tr><th scope="col">Name</th><th scope="col">Size</th><th scope="col">MD5sum</th></tr></thead>`)
	for _, at := range attachments {
		fmt.Fprintf(&sb, "<tr><td>%s</td><td>%s</td><td>%s</td></tr>", at.Name, humanize.Bytes(uint64(at.Size)), at.ContentHash)
	}
	sb.WriteString("</table>")
	return sb.String()
}

// Document joins the header block, the attachment table and the body.
func Document(h model.Header, attachments []model.Attachment, body string) string {
	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(`<meta charset="UTF-8">` + "\n")
	sb.WriteString(`<meta http-equiv="Content-Type" content="text/html; charset=UTF-8">` + "\n")
	sb.WriteString(HeaderTable(h))
	sb.WriteString("\n")
	sb.WriteString(AttachmentTable(attachments))
	sb.WriteString("\n<hr>\n")
	sb.WriteString(body)
	sb.WriteString("\n")
	return sb.String()
}
