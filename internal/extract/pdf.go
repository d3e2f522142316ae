package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDF returns the text of every page that can be read, joined by
// blank lines. Pages that fail, including by panicking inside the PDF
// reader, are skipped.
func extractPDF(in input) (string, bool, bool) {
	r, err := pdf.NewReader(bytes.NewReader(in.content), int64(len(in.content)))
	if err != nil {
		return "", false, false
	}

	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		text, err := pageText(r, i)
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}
	if len(pages) == 0 {
		return "", false, false
	}
	return strings.Join(pages, "\n\n"), true, false
}

func pageText(r *pdf.Reader, n int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("page %d: %v", n, rec)
		}
	}()

	p := r.Page(n)
	if p.V.IsNull() {
		return "", fmt.Errorf("page %d: missing", n)
	}
	return p.GetPlainText(nil)
}
