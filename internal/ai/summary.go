package ai

import (
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/nhle/mailsync/internal/extract"
	"github.com/nhle/mailsync/internal/model"
)

const (
	maxAttachmentChars = 1000
	maxContentChars    = 3000
	fallbackBodyChars  = 200
)

var importantKeywords = []string{
	"urgent", "asap", "immediately", "deadline", "important",
	"action required", "response needed", "meeting", "call",
	"emergency", "critical", "priority",
}

// IsImportant reports whether an email belongs in the important section
// of the digest: an urgent-sounding subject, a sender from one of
// domains, any attachment, or a reply/forward subject.
func IsImportant(e model.FetchedEmail, domains []string) bool {
	subject := strings.ToLower(e.Subject)
	from := strings.ToLower(e.From)

	for _, kw := range importantKeywords {
		if strings.Contains(subject, kw) {
			return true
		}
	}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" && strings.Contains(from, d) {
			return true
		}
	}
	if len(e.Attachments) > 0 {
		return true
	}
	return strings.HasPrefix(subject, "re:") || strings.HasPrefix(subject, "fwd:")
}

// Content renders the readable text of an email: the plain body, or the
// HTML body converted to Markdown when there is none, followed by the
// extracted text of each attachment. Each attachment is cut at 1000
// characters and the whole at 3000.
func Content(e model.FetchedEmail) string {
	var parts []string

	body := strings.TrimSpace(e.Body)
	if body == "" && e.HasHTML() {
		md, err := htmltomarkdown.ConvertString(e.HTML)
		if err == nil {
			body = strings.TrimSpace(md)
		}
	}
	if body != "" {
		parts = append(parts, "Email body: "+body)
	}

	var texts []string
	for _, a := range extract.ExtractAll(e.Attachments) {
		texts = append(texts, fmt.Sprintf(
			"Attachment '%s': %s", a.Filename, truncate(a.Text, maxAttachmentChars),
		))
	}
	if len(texts) > 0 {
		parts = append(parts, "Attachments: "+strings.Join(texts, "\n"))
	}

	return truncate(strings.Join(parts, "\n\n"), maxContentChars)
}

// Prompt builds the summarization prompt for one email.
func Prompt(e model.FetchedEmail, content string) string {
	var sb strings.Builder
	sb.WriteString("Summarize this email in 2-3 bullet points. ")
	sb.WriteString("Focus on key information, actions needed, and important details.\n\n")
	fmt.Fprintf(&sb, "From: %s\n", e.From)
	fmt.Fprintf(&sb, "Subject: %s\n", e.Subject)
	fmt.Fprintf(&sb, "Date: %s\n\n", e.Date.Format("2006-01-02 15:04:05"))
	sb.WriteString("Content:\n")
	sb.WriteString(content)
	sb.WriteString("\n\nSummary:")
	return sb.String()
}

// FallbackSummary is used when the model is unavailable.
func FallbackSummary(e model.FetchedEmail) string {
	body := e.Body
	if strings.TrimSpace(body) == "" {
		body = Content(e)
	}
	return fmt.Sprintf(
		"• From: %s\n• Subject: %s\n• Content: %s...",
		e.From, e.Subject, prefix(body, fallbackBodyChars),
	)
}

// noContentSummary is used for emails with nothing to summarize.
func noContentSummary(e model.FetchedEmail) string {
	return fmt.Sprintf("Email from %s with subject '%s' (no readable content)", e.From, e.Subject)
}

// truncate cuts s to n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
