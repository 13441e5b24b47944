package model

import "time"

// Header holds the display fields of a message. Text fields are HTML-escaped
// and safe to embed verbatim in markup. Date is nil when the Date header is
// missing or unparseable.
type Header struct {
	From          string
	To            string
	Subject       string
	Date          *time.Time
	FormattedDate string
}

// Disposition is the normalized Content-Disposition of a part.
type Disposition int

const (
	DispositionNone Disposition = iota
	DispositionInline
	DispositionAttachment
	DispositionOther
)

func (d Disposition) String() string {
	switch d {
	case DispositionNone:
		return "none"
	case DispositionInline:
		return "inline"
	case DispositionAttachment:
		return "attachment"
	default:
		return "other"
	}
}

// Part is one leaf of a MIME tree with its transfer encoding removed. Payload
// is still in the declared charset.
type Part struct {
	ContentType string
	Disposition Disposition
	Charset     string
	ContentID   *string
	Filename    *string
	Payload     []byte
}

// Attachment is the summary of an attached file shown in the rendered document.
type Attachment struct {
	Name        string
	Size        int64
	ContentHash string
}

// InlineImage is an image referenced from the HTML body by its Content-ID.
type InlineImage struct {
	Filename    *string
	Data        []byte
	ContentType string
}
