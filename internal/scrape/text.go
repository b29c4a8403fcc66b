package scrape

import (
	"bytes"
	"mime"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/unicode/norm"
)

// isHTML reports whether a response is an HTML page, falling back to
// sniffing the body when the content type is missing.
func isHTML(contentType string, body []byte) bool {
	mt, _, _ := mime.ParseMediaType(contentType)
	switch mt {
	case "text/html", "application/xhtml+xml":
		return true
	case "":
		head := bytes.ToLower(body[:min(len(body), 512)])
		return bytes.Contains(head, []byte("<html")) || bytes.Contains(head, []byte("<!doctype html"))
	}
	return false
}

// isText reports whether a non-HTML content type is readable as text.
func isText(contentType string) bool {
	mt, _, _ := mime.ParseMediaType(contentType)
	return strings.HasPrefix(mt, "text/") || mt == "application/json" || mt == "application/xml"
}

// decodeCharset converts body to UTF-8 using the charset parameter of the
// content type. Unknown charsets are left as-is.
func decodeCharset(contentType string, body []byte) []byte {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body
	}
	cs := params["charset"]
	if cs == "" || strings.EqualFold(cs, "utf-8") {
		return body
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return body
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return out
}

var blockElements = "p, div, br, li, tr, h1, h2, h3, h4, h5, h6, table, section, article"

// ExtractText returns the title and normalised text of a document. HTML is
// stripped of chrome (scripts, navigation, footers); text types are used
// as-is; binary content yields no text.
func ExtractText(contentType string, body []byte) (title, text string, err error) {
	body = decodeCharset(contentType, body)

	if isHTML(contentType, body) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return "", "", eris.Wrap(err, "scrape: parse html")
		}
		title = strings.TrimSpace(doc.Find("title").First().Text())
		doc.Find("script, style, nav, footer, noscript, header").Remove()
		doc.Find(blockElements).Each(func(_ int, s *goquery.Selection) {
			s.AppendHtml("\n")
		})
		return NormalizeText(title), NormalizeText(doc.Find("body").Text()), nil
	}

	if isText(contentType) {
		return "", NormalizeText(string(body)), nil
	}
	return "", "", nil
}

// NormalizeText applies NFKC normalisation, collapses runs of horizontal
// whitespace, and drops blank lines. The result is the canonical form that
// fingerprints are computed over.
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)

	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.FieldsFunc(line, unicode.IsSpace), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
