package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/model"
)

// maxDepth bounds multipart and message/rfc822 nesting.
const maxDepth = 16

// Decompose parses a raw RFC 5322 message into a FetchedEmail. Account,
// folder and UID are left for the caller. The only error is a top-level
// header that cannot be read; everything below it is decoded permissively.
func Decompose(raw []byte) (model.FetchedEmail, error) {
	return decompose(raw, time.Now)
}

func decompose(raw []byte, now func() time.Time) (model.FetchedEmail, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !isRecoverable(err) {
		return model.FetchedEmail{}, fmt.Errorf("reading message header: %w", err)
	}

	h := mail.Header{Header: entity.Header}
	email := model.FetchedEmail{
		Subject: headerText(h, "Subject"),
		From:    firstAddress(h, "From"),
		To:      addressList(h, "To"),
		Date:    headerDate(h, now),
		Raw:     raw,
	}

	if entity.MultipartReader() != nil {
		var w walker
		w.walk(entity, 0)
		email.Body = strings.TrimSpace(w.body)
		email.HTML = w.html
		email.Attachments = w.attachments
		return email, nil
	}

	mediaType := contentType(entity.Header)
	text := readText(entity.Body)
	if mediaType == "text/html" {
		email.HTML = text
	} else {
		email.Body = strings.TrimSpace(text)
	}
	return email, nil
}

// walker collects the parts of a multipart message in document order.
type walker struct {
	body        string
	html        string
	attachments []model.Attachment
}

func (w *walker) walk(e *message.Entity, depth int) {
	if depth > maxDepth {
		return
	}

	if mr := e.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return
			}
			if err != nil && !isRecoverable(err) {
				return
			}
			w.walk(part, depth+1)
		}
	}

	mediaType := contentType(e.Header)

	if isAttachment(e.Header) {
		ah := mail.AttachmentHeader{Header: e.Header}
		filename, _ := ah.Filename()
		if filename == "" {
			return
		}
		// A transfer-decoding error keeps the bytes decoded before it.
		content, _ := io.ReadAll(e.Body)
		if len(content) == 0 {
			return
		}
		w.attachments = append(w.attachments, model.Attachment{
			Filename:    filename,
			ContentType: mediaType,
			Content:     content,
		})
		return
	}

	switch mediaType {
	case "text/plain":
		if w.body != "" {
			return
		}
		w.body = strings.TrimSpace(readText(e.Body))
	case "text/html":
		if w.html != "" {
			return
		}
		w.html = readText(e.Body)
	case "message/rfc822":
		inner, err := message.Read(e.Body)
		if err != nil && !isRecoverable(err) {
			return
		}
		w.walk(inner, depth+1)
	}
}

// isRecoverable reports whether go-message returned a usable entity
// alongside err.
func isRecoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// contentType returns the media type, defaulting to text/plain.
func contentType(h message.Header) string {
	t, _, err := h.ContentType()
	if err != nil || t == "" {
		return "text/plain"
	}
	return t
}

func isAttachment(h message.Header) bool {
	disp, _, err := h.ContentDisposition()
	if err != nil {
		return strings.Contains(strings.ToLower(h.Get("Content-Disposition")), "attachment")
	}
	return disp == "attachment"
}

// readText returns whatever decodes before the first transfer-decoding
// error, with invalid UTF-8 dropped.
func readText(r io.Reader) string {
	b, _ := io.ReadAll(r)
	return strings.ToValidUTF8(string(b), "")
}

func headerText(h mail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		return strings.ToValidUTF8(h.Get(key), "")
	}
	return v
}

func headerDate(h mail.Header, now func() time.Time) time.Time {
	t, err := h.Date()
	if err != nil || t.IsZero() {
		return now().UTC()
	}
	return t
}

func firstAddress(h mail.Header, key string) string {
	addrs := addressList(h, key)
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

// addressList formats the addresses of a header as "Name <addr>". When
// the header does not parse, the raw value is split on commas.
func addressList(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		var out []string
		for _, s := range strings.Split(headerText(h, key), ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}

	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, formatAddress(a))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func formatAddress(a *mail.Address) string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}
