package model

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// FetchedEmail is the decomposed form of a single message pulled from a
// mailbox during one run. It is held in memory only.
type FetchedEmail struct {
	// Account is the configured account key the message came from.
	Account string `json:"account"`

	// Folder is the mailbox folder the message was fetched from.
	Folder string `json:"folder"`

	// UID is the IMAP UID. It is unique within an account and folder
	// only, never globally.
	UID uint32 `json:"uid"`

	Subject string   `json:"subject"`
	From    string   `json:"from"`
	To      []string `json:"to"`

	// Date is the message's Date header, or the fetch time when the
	// header is missing or unparsable.
	Date time.Time `json:"date"`

	// Body is the first text/plain part, possibly empty.
	Body string `json:"body"`

	// HTML is the first text/html part, possibly empty.
	HTML string `json:"html,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	// Raw holds the original message bytes for audit or reprocessing.
	Raw []byte `json:"-"`
}

// Key namespaces the UID by account and folder.
func (e FetchedEmail) Key() string {
	return fmt.Sprintf("%s/%s/%d", e.Account, e.Folder, e.UID)
}

// HasHTML reports whether an HTML body was found.
func (e FetchedEmail) HasHTML() bool {
	return e.HTML != ""
}

// IsEmpty reports whether the message carries no body, no HTML and no
// attachments.
func (e FetchedEmail) IsEmpty() bool {
	return strings.TrimSpace(e.Body) == "" &&
		strings.TrimSpace(e.HTML) == "" &&
		len(e.Attachments) == 0
}

// Attachment is a raw attachment as found in the message, before any
// text extraction. Filename and ContentType come from the sender and
// are not trusted.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"-"`
}

// Size returns the decoded content length in bytes.
func (a Attachment) Size() int {
	return len(a.Content)
}

// SafeFilename returns a base name that is safe to join onto a local
// directory. Path separators, control characters and leading dots are
// removed; an empty result becomes "attachment".
func (a Attachment) SafeFilename() string {
	name := strings.ReplaceAll(a.Filename, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '/' || r == ':' {
			return -1
		}
		return r
	}, name)
	name = strings.TrimLeft(strings.TrimSpace(name), ".")

	if name == "" {
		return "attachment"
	}
	if len(name) > 255 {
		name = name[:255]
	}
	return name
}

// ExtractedAttachmentText is the readable text recovered from an
// attachment that was non-empty and parsed successfully.
type ExtractedAttachmentText struct {
	Filename string `json:"filename"`
	Text     string `json:"text"`
}
