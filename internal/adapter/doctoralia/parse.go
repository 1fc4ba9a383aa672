package doctoralia

import (
	"bytes"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/review-harvester/internal/failure"
	"github.com/JakeFAU/review-harvester/internal/harvest"
)

var whitespace = regexp.MustCompile(`\s+`)

// Parse reads the entity and its reviews from a profile page. A page where
// the entity name selector matches nothing is an InvalidSelector failure:
// either the layout changed or the page is not a profile.
func Parse(body []byte, sel Selectors, pageURL string) (harvest.Entity, []harvest.Review, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return harvest.Entity{}, nil, failure.Wrap(failure.KindUnknown, err, "parse profile html")
	}

	name := firstText(doc.Selection, sel.EntityName)
	if name == "" {
		return harvest.Entity{}, nil, failure.New(failure.KindInvalidSelector, "entity name not found on page").
			With("selector", sel.EntityName).
			With("url", pageURL)
	}
	entity := harvest.Entity{
		ID:         profileSlug(pageURL),
		Name:       name,
		Specialty:  firstText(doc.Selection, sel.Specialty),
		Location:   firstText(doc.Selection, sel.Location),
		Rating:     parseFloat(firstValue(doc.Selection, sel.EntityRating, sel.EntityRatingKey)),
		ProfileURL: pageURL,
	}

	var items []harvest.Review
	doc.Find(sel.Item).Each(func(i int, block *goquery.Selection) {
		text := firstText(block, sel.ItemText)
		if text == "" {
			return
		}
		review := harvest.Review{
			ID:     strconv.Itoa(i + 1),
			Date:   firstValue(block, sel.ItemDate, sel.ItemDateKey),
			Rating: parseRating(firstValue(block, sel.ItemRating, sel.ItemRatingKey)),
			Text:   text,
			Reply:  replyText(block, sel.ItemReply),
			Author: harvest.Author{
				Name:       authorName(firstText(block, sel.ItemAuthor)),
				IsVerified: sel.ItemVerified != "" && block.Find(sel.ItemVerified).Length() > 0,
			},
		}
		items = append(items, review)
	})
	return entity, items, nil
}

// HasLoadMore reports whether the page still offers to load more reviews.
func HasLoadMore(body []byte, sel Selectors) bool {
	if sel.LoadMore == "" {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	return doc.Find(sel.LoadMore).Length() > 0
}

func firstText(scope *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return clean(scope.Find(selector).First().Text())
}

// firstValue reads attr from the first match, falling back to its text.
func firstValue(scope *goquery.Selection, selector, attr string) string {
	if selector == "" {
		return ""
	}
	node := scope.Find(selector).First()
	if attr != "" {
		if v, ok := node.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return clean(node.Text())
}

func replyText(block *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	reply := block.Find(selector).First()
	if reply.Length() == 0 {
		return ""
	}
	// The first paragraph is the "Dr. X answered" header.
	if paragraphs := reply.Find("p"); paragraphs.Length() > 1 {
		return clean(paragraphs.Eq(1).Text())
	}
	return clean(reply.Text())
}

// authorName drops names that belong to the professional rather than the patient.
func authorName(name string) string {
	if strings.Contains(name, "Dr.") || strings.Contains(name, "Dra.") {
		return ""
	}
	return name
}

func clean(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func parseFloat(raw string) *float64 {
	raw = strings.Replace(strings.TrimSpace(raw), ",", ".", 1)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) {
		return nil
	}
	return &v
}

func parseRating(raw string) *int {
	v := parseFloat(raw)
	if v == nil || *v < 0 || *v > 5 {
		return nil
	}
	rating := int(math.Round(*v))
	return &rating
}

func profileSlug(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}
