package ai

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nhle/mailsync/internal/model"
)

// NoEmailsMessage is the whole digest when nothing was fetched.
const NoEmailsMessage = "No emails found for the specified time period."

// Digester renders fetched emails as a Markdown digest.
type Digester struct {
	summarizer Summarizer
	domains    []string
	logger     *zap.Logger
}

// NewDigester creates a digester. A nil summarizer uses the fallback
// summary for every email. domains lists sender domains that mark an
// email as important.
func NewDigester(s Summarizer, domains []string, logger *zap.Logger) *Digester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Digester{
		summarizer: s,
		domains:    domains,
		logger:     logger,
	}
}

// Summarize returns the summary for one email. It never fails: a model
// error yields FallbackSummary.
func (d *Digester) Summarize(ctx context.Context, e model.FetchedEmail) string {
	content := Content(e)
	if content == "" {
		return noContentSummary(e)
	}
	if d.summarizer == nil {
		return FallbackSummary(e)
	}

	text, err := d.summarizer.Generate(ctx, Prompt(e, content))
	if err != nil {
		d.logger.Warn("summarizing email",
			zap.String("key", e.Key()),
			zap.Error(err),
		)
		return FallbackSummary(e)
	}
	return text
}

// Build renders the digest. Important emails come first; both sections
// keep the order of emails.
func (d *Digester) Build(ctx context.Context, emails []model.FetchedEmail) string {
	if len(emails) == 0 {
		return NoEmailsMessage
	}

	var important, regular []model.FetchedEmail
	for _, e := range emails {
		if IsImportant(e, d.domains) {
			important = append(important, e)
		} else {
			regular = append(regular, e)
		}
	}

	parts := []string{
		fmt.Sprintf("# Daily Email Digest - %s", emails[0].Date.Format("2006-01-02")),
		fmt.Sprintf("Total emails: %d", len(emails)),
		fmt.Sprintf("Important emails: %d", len(important)),
		"",
	}

	if len(important) > 0 {
		parts = append(parts, "## 🔥 Important Emails", "")
		for _, e := range important {
			parts = append(parts, d.entry(ctx, e)...)
		}
	}
	if len(regular) > 0 {
		parts = append(parts, "## 📧 Other Emails", "")
		for _, e := range regular {
			parts = append(parts, d.entry(ctx, e)...)
		}
	}

	return strings.Join(parts, "\n")
}

func (d *Digester) entry(ctx context.Context, e model.FetchedEmail) []string {
	return []string{
		"**From:** " + e.From,
		"**Subject:** " + e.Subject,
		"**Time:** " + e.Date.Format("15:04"),
		"",
		d.Summarize(ctx, e),
		"",
		"---",
		"",
	}
}

// Listing renders emails without summaries, one block per email.
func Listing(emails []model.FetchedEmail) string {
	if len(emails) == 0 {
		return NoEmailsMessage
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Total emails: %d\n\n", len(emails))
	for _, e := range emails {
		fmt.Fprintf(&sb, "[%s] %s %s\n", e.Account, e.Date.Format("2006-01-02 15:04"), e.Folder)
		fmt.Fprintf(&sb, "  From: %s\n", e.From)
		fmt.Fprintf(&sb, "  Subject: %s\n", e.Subject)
		if n := len(e.Attachments); n > 0 {
			fmt.Fprintf(&sb, "  Attachments: %d\n", n)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
