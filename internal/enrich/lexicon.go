package enrich

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

// Flags attached to an Analysis.
const (
	FlagNegativeReviews = "negative_reviews"
	FlagLowRating       = "low_rating"
	FlagNoReviews       = "no_reviews"
)

const (
	// compound scores inside (-neutralBand, neutralBand) count as neutral.
	neutralBand = 0.05
	// normalization constant from VADER.
	alpha         = 15.0
	lowRatingMax  = 2
	negatorWindow = 2
)

var defaultWords = map[string]map[string]float64{
	"pt": {
		"ótimo": 3, "ótima": 3, "excelente": 3.2, "maravilhosa": 3.2, "maravilhoso": 3.2,
		"atenciosa": 2.2, "atencioso": 2.2, "educada": 2, "educado": 2, "gentil": 2,
		"simpática": 1.9, "simpático": 1.9, "profissional": 1.8, "competente": 2,
		"cuidadosa": 2, "cuidadoso": 2, "recomendo": 2.4, "bom": 1.9, "boa": 1.9,
		"pontual": 1.5, "eficiente": 2, "humana": 1.6, "obrigada": 1.5, "obrigado": 1.5,
		"ruim": -2.5, "péssimo": -3.2, "péssima": -3.2, "horrível": -3.1, "atrasou": -1.8,
		"atraso": -1.8, "grosseira": -2.6, "grosseiro": -2.6, "demorou": -1.4,
		"desatenta": -2, "desatento": -2, "caro": -1.2,
	},
	"en": {
		"great": 3.1, "excellent": 3.2, "amazing": 3.1, "good": 1.9, "kind": 2,
		"attentive": 2.1, "caring": 2.1, "professional": 1.8, "recommend": 2.4,
		"helpful": 1.9, "punctual": 1.5, "thanks": 1.6, "friendly": 2.2,
		"bad": -2.5, "terrible": -3.1, "awful": -3.1, "rude": -2.6, "late": -1.5,
		"slow": -1.3, "worst": -3.1, "expensive": -1.2,
	},
	"es": {
		"excelente": 3.2, "genial": 3, "buena": 1.9, "bueno": 1.9, "amable": 2,
		"atenta": 2.1, "atento": 2.1, "profesional": 1.8, "recomiendo": 2.4,
		"puntual": 1.5, "gracias": 1.5, "cuidadosa": 2, "cuidadoso": 2,
		"mala": -2.5, "malo": -2.5, "terrible": -3.1, "pésima": -3.2, "pésimo": -3.2,
		"grosera": -2.6, "grosero": -2.6, "tarde": -1, "caro": -1.2,
	},
}

var negators = map[string]struct{}{
	"não": {}, "nao": {}, "nem": {}, "not": {}, "no": {}, "never": {}, "don't": {},
	"nunca": {}, "jamás": {}, "tampoco": {},
}

// Lexicon is a word-list sentiment analyzer. Unknown languages fall back to
// the default language's list.
type Lexicon struct {
	words           map[string]map[string]float64
	defaultLanguage string
}

// NewLexicon builds an analyzer over the built-in pt/en/es word lists.
func NewLexicon(defaultLanguage string) *Lexicon {
	if defaultLanguage == "" {
		defaultLanguage = "pt"
	}
	return &Lexicon{words: defaultWords, defaultLanguage: defaultLanguage}
}

// Languages lists the languages with a word list.
func (l *Lexicon) Languages() []string {
	out := make([]string, 0, len(l.words))
	for lang := range l.words {
		out = append(out, lang)
	}
	return out
}

// Score computes the sentiment of a single text.
func (l *Lexicon) Score(text, language string) harvest.Sentiment {
	words := l.list(language)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return harvest.Sentiment{Neutral: 1}
	}
	var sum, pos, neg float64
	neutral := 0
	for i, tok := range tokens {
		v, ok := words[tok]
		if !ok {
			neutral++
			continue
		}
		if negated(tokens, i) {
			v = -v * 0.74
		}
		sum += v
		if v > 0 {
			pos += v + 1
		} else {
			neg += -v + 1
		}
	}
	total := pos + neg + float64(neutral)
	return harvest.Sentiment{
		Compound: round(normalize(sum), 4),
		Positive: round(pos/total, 3),
		Neutral:  round(float64(neutral)/total, 3),
		Negative: round(neg/total, 3),
	}
}

// Analyze averages per-review sentiment and flags negative or low-rated reviews.
func (l *Lexicon) Analyze(ctx context.Context, items []harvest.Review, language string) (harvest.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return harvest.Analysis{}, fmt.Errorf("analyze: %w", err)
	}
	analysis := harvest.Analysis{Summary: fmt.Sprintf("Analyzed %d reviews", len(items))}
	if len(items) == 0 {
		analysis.Flags = []string{FlagNoReviews}
		return analysis, nil
	}

	var agg harvest.Sentiment
	negatives, lowRated := 0, 0
	for _, item := range items {
		s := l.Score(item.Text, language)
		agg.Compound += s.Compound
		agg.Positive += s.Positive
		agg.Neutral += s.Neutral
		agg.Negative += s.Negative
		if s.Compound <= -neutralBand {
			negatives++
		}
		if item.Rating != nil && *item.Rating <= lowRatingMax {
			lowRated++
		}
	}
	n := float64(len(items))
	analysis.Sentiment = harvest.Sentiment{
		Compound: round(agg.Compound/n, 4),
		Positive: round(agg.Positive/n, 3),
		Neutral:  round(agg.Neutral/n, 3),
		Negative: round(agg.Negative/n, 3),
	}
	analysis.QualityScore = round(analysis.Sentiment.Compound*100, 2)
	if negatives > 0 {
		analysis.Flags = append(analysis.Flags, FlagNegativeReviews)
		analysis.Summary += fmt.Sprintf(", %d negative", negatives)
	}
	if lowRated > 0 {
		analysis.Flags = append(analysis.Flags, FlagLowRating)
	}
	return analysis, nil
}

func (l *Lexicon) list(language string) map[string]float64 {
	if words, ok := l.words[strings.ToLower(language)]; ok {
		return words
	}
	return l.words[l.defaultLanguage]
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}

func negated(tokens []string, i int) bool {
	for j := i - 1; j >= 0 && j >= i-negatorWindow; j-- {
		if _, ok := negators[tokens[j]]; ok {
			return true
		}
	}
	return false
}

func normalize(score float64) float64 {
	if score == 0 {
		return 0
	}
	n := score / math.Sqrt(score*score+alpha)
	return math.Max(-1, math.Min(1, n))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
