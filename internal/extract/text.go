package extract

import (
	"encoding/csv"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// decode converts content to UTF-8. The encoding comes from a byte order
// mark, the declared charset, an HTML meta tag, or byte sniffing, in
// that order. Undecodable sequences are dropped.
func decode(in input, defaultType string) string {
	contentType := defaultType
	if cs := in.params["charset"]; cs != "" {
		contentType = mime.FormatMediaType(defaultType, map[string]string{"charset": cs})
	}

	enc, _, _ := charset.DetermineEncoding(in.content, contentType)
	out, _, err := transform.Bytes(unicode.BOMOverride(enc.NewDecoder()), in.content)
	if err != nil {
		out = in.content
	}

	text := string(out)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	return strings.TrimPrefix(text, "\ufeff")
}

func extractText(in input) (string, bool, bool) {
	return decode(in, "text/plain"), true, false
}

func extractHTML(in input) (string, bool, bool) {
	return htmlText(decode(in, "text/html")), true, false
}

// extractCSV renders rows as "CSV Data:" followed by one line per row
// with fields joined by ", ". Input that does not parse as CSV is
// returned as plain decoded text.
func extractCSV(in input) (string, bool, bool) {
	text := decode(in, "text/csv")

	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	rows, err := r.ReadAll()
	if err != nil || len(rows) == 0 {
		return text, true, false
	}

	var b strings.Builder
	b.WriteString("CSV Data:\n")
	for i, row := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.Join(row, ", "))
	}
	return b.String(), true, false
}

// htmlText returns the visible text of an HTML document, with text nodes
// joined by single spaces. Script, style and template contents are
// dropped.
func htmlText(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))

	var parts []string
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a tokenizer failure; keep what was read.
			return strings.Join(parts, " ")
		case html.StartTagToken:
			if hidden(z) {
				skip++
			}
		case html.EndTagToken:
			if hidden(z) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if t := strings.Join(strings.Fields(string(z.Text())), " "); t != "" {
				parts = append(parts, t)
			}
		}
	}
}

func hidden(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch string(name) {
	case "script", "style", "template":
		return true
	}
	return false
}
