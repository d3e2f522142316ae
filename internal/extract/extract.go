// Package extract turns raw attachment bytes into readable text.
//
// Dispatch walks an ordered rule table; the first rule whose detector
// matches the declared content type, the filename extension or the
// sniffed content type handles the attachment. A file can match several
// rules (a .csv declared as text/plain, say), so the order is part of the
// contract: HTML, CSV, plain text, PDF, DOCX.
//
// Nothing here performs I/O or returns an error to the caller. Every
// failure, including a panic inside a third-party parser, becomes a
// skipped result.
package extract

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// Kind names the category an attachment was dispatched to.
type Kind string

const (
	KindHTML  Kind = "html"
	KindCSV   Kind = "csv"
	KindText  Kind = "text"
	KindPDF   Kind = "pdf"
	KindDOCX  Kind = "docx"
	KindOther Kind = ""
)

const docxMIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// input is what every rule sees.
type input struct {
	filename string
	ext      string
	declared string // media type without parameters, lower case
	params   map[string]string
	sniffed  *mimetype.MIME
	content  []byte
}

// rule pairs a detector with an extractor. An extractor that returns
// ok=false and next=true lets dispatch continue down the table. Sniffed
// types only ever select binary formats.
type rule struct {
	kind    Kind
	types   []string
	prefix  string
	exts    []string
	sniff   []string
	binary  bool
	extract func(in input) (text string, ok bool, next bool)
}

var rules = []rule{
	{
		kind:    KindHTML,
		types:   []string{"text/html"},
		exts:    []string{".html", ".htm"},
		extract: extractHTML,
	},
	{
		kind:    KindCSV,
		types:   []string{"text/csv"},
		exts:    []string{".csv"},
		extract: extractCSV,
	},
	{
		kind:    KindText,
		prefix:  "text/",
		exts:    []string{".txt"},
		extract: extractText,
	},
	{
		kind:    KindPDF,
		types:   []string{"application/pdf"},
		exts:    []string{".pdf"},
		sniff:   []string{"application/pdf"},
		binary:  true,
		extract: extractPDF,
	},
	{
		kind:    KindDOCX,
		types:   []string{docxMIME},
		exts:    []string{".docx"},
		sniff:   []string{docxMIME},
		binary:  true,
		extract: extractDOCX,
	},
}

func (r rule) matches(in input) bool {
	for _, t := range r.types {
		if in.declared == t {
			return true
		}
	}
	if r.prefix != "" && strings.HasPrefix(in.declared, r.prefix) {
		return true
	}
	for _, e := range r.exts {
		if in.ext == e {
			return true
		}
	}
	for _, s := range r.sniff {
		if in.sniffed != nil && in.sniffed.Is(s) {
			return true
		}
	}
	return false
}

// accepts rejects text rules for content that sniffs as binary, so a
// PDF sent as "notes.txt" is not decoded as text.
func (r rule) accepts(in input) bool {
	if r.binary {
		return true
	}
	return isText(in.sniffed)
}

// Classify returns the kind the attachment would be dispatched to.
func Classify(filename string, content []byte, declared string) Kind {
	in := newInput(filename, content, declared)
	for _, r := range rules {
		if r.matches(in) && r.accepts(in) {
			return r.kind
		}
	}
	return KindOther
}

// Extract returns the readable text of an attachment. The result is
// skipped when the content is empty, of an unsupported type, fails to
// parse, or yields only whitespace.
func Extract(filename string, content []byte, declared string) (res source.Result[string]) {
	if len(content) == 0 {
		return source.Skip[string]("empty content", nil)
	}

	defer func() {
		if r := recover(); r != nil {
			res = source.Skip[string]("parser panic", fmt.Errorf("extracting %q: %v", filename, r))
		}
	}()

	in := newInput(filename, content, declared)
	for _, r := range rules {
		if !r.matches(in) || !r.accepts(in) {
			continue
		}
		text, ok, next := r.extract(in)
		if ok {
			text = strings.TrimSpace(text)
			if text == "" {
				return source.Skip[string]("no text", nil)
			}
			return source.OK(text)
		}
		if !next {
			return source.Skip[string](fmt.Sprintf("unreadable %s", r.kind), nil)
		}
	}
	return source.Skip[string]("unsupported type", nil)
}

// ExtractAll extracts every attachment and returns only the successful
// ones, in order.
func ExtractAll(attachments []model.Attachment) []model.ExtractedAttachmentText {
	var out []model.ExtractedAttachmentText
	for _, a := range attachments {
		res := Extract(a.Filename, a.Content, a.ContentType)
		if !res.Ok() {
			continue
		}
		out = append(out, model.ExtractedAttachmentText{
			Filename: a.Filename,
			Text:     res.Value,
		})
	}
	return out
}

func newInput(filename string, content []byte, declared string) input {
	in := input{
		filename: filename,
		ext:      strings.ToLower(filepath.Ext(filename)),
		content:  content,
	}
	if declared != "" {
		mediaType, params, err := mime.ParseMediaType(declared)
		if err != nil {
			mediaType = strings.TrimSpace(strings.SplitN(declared, ";", 2)[0])
		}
		in.declared = strings.ToLower(mediaType)
		in.params = params
	}
	if len(content) > 0 {
		in.sniffed = mimetype.Detect(content)
	}
	return in
}

func isText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}
