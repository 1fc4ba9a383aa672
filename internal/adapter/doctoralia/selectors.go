package doctoralia

import (
	"fmt"
	"strings"
)

// Selectors are the CSS selectors used to read a profile page. Attribute
// fields name the attribute that carries the value instead of element text.
type Selectors struct {
	EntityName      string
	Specialty       string
	Location        string
	EntityRating    string
	EntityRatingKey string
	Item            string
	ItemRating      string
	ItemRatingKey   string
	ItemDate        string
	ItemDateKey     string
	ItemAuthor      string
	ItemVerified    string
	ItemText        string
	ItemReply       string
	LoadMore        string
}

// DefaultSelectors matches the current Doctoralia profile layout.
func DefaultSelectors() Selectors {
	return Selectors{
		EntityName:      `[data-test-id="doctor-header-fullname"] span[itemprop="name"], [data-test-id="doctor-header-fullname"]`,
		Specialty:       `[data-test-id="doctor-specializations"]`,
		Location:        `[data-test-id="doctor-address"] [itemprop="addressLocality"]`,
		EntityRating:    `[data-test-id="rating-summary"] [data-score], [itemprop="aggregateRating"] [itemprop="ratingValue"]`,
		EntityRatingKey: "data-score",
		Item:            `div[data-test-id="opinion-block"]`,
		ItemRating:      `div[data-score]`,
		ItemRatingKey:   "data-score",
		ItemDate:        `time[itemprop="datePublished"]`,
		ItemDateKey:     "datetime",
		ItemAuthor:      `div.opinion-header span[itemprop="name"]`,
		ItemVerified:    `[data-test-id="verified-patient"], [data-test-id="opinion-verified"]`,
		ItemText:        `p[data-test-id="opinion-comment"]`,
		ItemReply:       `div[data-id="doctor-answer-content"]`,
		LoadMore:        `button[data-id='load-more-opinions'], a[data-test-id='load-more-opinions']`,
	}
}

// Override replaces selectors named in overrides (snake_case keys such as
// "entity_name" or "item_text"). Unknown keys are rejected.
func (s Selectors) Override(overrides map[string]string) (Selectors, error) {
	for key, value := range overrides {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		field := s.field(strings.ToLower(key))
		if field == nil {
			return s, fmt.Errorf("unknown selector %q", key)
		}
		*field = value
	}
	return s, nil
}

func (s *Selectors) field(key string) *string {
	switch key {
	case "entity_name":
		return &s.EntityName
	case "specialty":
		return &s.Specialty
	case "location":
		return &s.Location
	case "entity_rating":
		return &s.EntityRating
	case "entity_rating_key":
		return &s.EntityRatingKey
	case "item":
		return &s.Item
	case "item_rating":
		return &s.ItemRating
	case "item_rating_key":
		return &s.ItemRatingKey
	case "item_date":
		return &s.ItemDate
	case "item_date_key":
		return &s.ItemDateKey
	case "item_author":
		return &s.ItemAuthor
	case "item_verified":
		return &s.ItemVerified
	case "item_text":
		return &s.ItemText
	case "item_reply":
		return &s.ItemReply
	case "load_more":
		return &s.LoadMore
	default:
		return nil
	}
}
