package helpers

import (
	"strings"

	"github.com/k3a/html2text"
)

// PlainTextBody returns text when it is non-empty, otherwise a plain text
// rendering of html. Messages that only carry an HTML part still get a
// searchable text body.
func PlainTextBody(text, html string) string {
	if strings.TrimSpace(text) != "" {
		return text
	}
	if html == "" {
		return ""
	}
	return strings.TrimSpace(html2text.HTML2Text(html))
}

// NormalizeMessageID strips angle brackets and surrounding whitespace from a
// Message-ID header value.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}
