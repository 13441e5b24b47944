package model

import "time"

// Message represents a single email message read from a source (an .eml file,
// an mbox archive or an IMAP folder).
type Message struct {
	ID         string
	Source     string
	Hash       string
	ReceivedAt time.Time
	Size       int64
	Raw        []byte
}

// Envelope wraps a message alongside an optional error encountered while reading.
type Envelope struct {
	Message Message
	Err     error
}
