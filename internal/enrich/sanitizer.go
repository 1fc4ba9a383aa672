package enrich

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

const mask = "***"

var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	cpfPattern   = regexp.MustCompile(`\b\d{3}\.\d{3}\.\d{3}-\d{2}\b`)
	phonePattern = regexp.MustCompile(`(?:\+55\s?)?\b(?:\d{2}\s?)?\d{4,5}[-\s]?\d{4}\b`)
	longIDs      = regexp.MustCompile(`\b\d{7,}\b`)
)

// Sanitizer masks personal data in review text, author names and entity
// extras. Entity names are public and left intact.
type Sanitizer struct {
	enabled bool
}

// NewSanitizer returns a Sanitizer; a disabled one passes data through.
func NewSanitizer(enabled bool) *Sanitizer {
	return &Sanitizer{enabled: enabled}
}

// MaskText replaces emails, CPFs, phone numbers and long numeric ids.
func MaskText(text string) string {
	text = emailPattern.ReplaceAllString(text, "***@***.***")
	text = cpfPattern.ReplaceAllString(text, "***.***.***-**")
	text = phonePattern.ReplaceAllString(text, "***-****")
	return longIDs.ReplaceAllStringFunc(text, func(m string) string {
		return strings.Repeat("*", len(m))
	})
}

// MaskAuthor keeps the first name and masks the rest.
func MaskAuthor(name string) string {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return mask
	default:
		return parts[0] + " " + mask
	}
}

// Sanitize returns a copy of extraction with personal data masked.
func (s *Sanitizer) Sanitize(extraction harvest.Extraction) harvest.Extraction {
	if s == nil || !s.enabled {
		return extraction
	}
	out := extraction
	if len(extraction.Entity.Extra) > 0 {
		out.Entity.Extra = make(map[string]string, len(extraction.Entity.Extra))
		for k, v := range extraction.Entity.Extra {
			out.Entity.Extra[k] = MaskText(v)
		}
	}
	out.Items = make([]harvest.Review, len(extraction.Items))
	for i, item := range extraction.Items {
		item.Text = MaskText(item.Text)
		item.Reply = MaskText(item.Reply)
		item.Author.Name = MaskAuthor(item.Author.Name)
		out.Items[i] = item
	}
	return out
}
