package enrich

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

func intPtr(v int) *int { return &v }

func TestLexiconScorePolarity(t *testing.T) {
	t.Parallel()

	lex := NewLexicon("pt")
	pos := lex.Score("Médica excelente, muito atenciosa. Recomendo!", "pt")
	require.Greater(t, pos.Compound, 0.5)
	require.Greater(t, pos.Positive, pos.Negative)

	neg := lex.Score("Atendimento péssimo, médico grosseiro", "pt")
	require.Less(t, neg.Compound, -0.5)

	negated := lex.Score("não recomendo", "pt")
	require.Less(t, negated.Compound, 0.0)

	empty := lex.Score("", "pt")
	require.Equal(t, harvest.Sentiment{Neutral: 1}, empty)

	fallback := lex.Score("excelente", "de")
	require.Greater(t, fallback.Compound, 0.0)
}

func TestLexiconAnalyzeAggregates(t *testing.T) {
	t.Parallel()

	lex := NewLexicon("pt")
	items := []harvest.Review{
		{ID: "1", Text: "Excelente profissional", Rating: intPtr(5)},
		{ID: "2", Text: "Horrível, atrasou uma hora", Rating: intPtr(1)},
	}
	analysis, err := lex.Analyze(context.Background(), items, "pt")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(analysis.Summary, "Analyzed 2 reviews"))
	require.Contains(t, analysis.Flags, FlagNegativeReviews)
	require.Contains(t, analysis.Flags, FlagLowRating)

	first := lex.Score(items[0].Text, "pt").Compound
	second := lex.Score(items[1].Text, "pt").Compound
	require.InDelta(t, (first+second)/2, analysis.Sentiment.Compound, 0.0001)
	require.InDelta(t, analysis.Sentiment.Compound*100, analysis.QualityScore, 0.01)
}

func TestLexiconAnalyzeEmptyAndCanceled(t *testing.T) {
	t.Parallel()

	lex := NewLexicon("")
	analysis, err := lex.Analyze(context.Background(), nil, "pt")
	require.NoError(t, err)
	require.Equal(t, []string{FlagNoReviews}, analysis.Flags)
	require.Zero(t, analysis.QualityScore)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = lex.Analyze(ctx, []harvest.Review{{Text: "bom"}}, "pt")
	require.ErrorIs(t, err, context.Canceled)
}

func TestTemplateResponderMentionsQuality(t *testing.T) {
	t.Parallel()

	r, err := NewTemplateResponder("pt", nil, nil)
	require.NoError(t, err)

	items := []harvest.Review{
		{ID: "1", Text: "Muito atenciosa e explicou tudo", Author: harvest.Author{Name: "Maria Silva"}},
		{ID: "2", Text: "   "},
		{ID: "3", Text: "Gostei", Author: harvest.Author{Name: "AB"}},
	}
	gen, err := r.Respond(context.Background(), harvest.ScrapeRequest{Language: "pt"}, harvest.Entity{Name: "Dra. Ana"}, items)
	require.NoError(t, err)
	require.Equal(t, DefaultTemplateID, gen.TemplateID)
	require.Equal(t, "template", gen.Model)
	require.Len(t, gen.Responses, 2)

	first := gen.Responses[0]
	require.Equal(t, "1", first.ItemID)
	require.Equal(t, "pt", first.Language)
	require.True(t, strings.HasPrefix(first.Text, "Olá, Maria!"))
	require.Contains(t, first.Text, builtinSentences["pt"]["atenciosa"])
	require.True(t, strings.HasSuffix(first.Text, "Dra. Ana"))

	require.True(t, strings.HasPrefix(gen.Responses[1].Text, "Olá!"))
}

func TestTemplateResponderNegativeAndFallback(t *testing.T) {
	t.Parallel()

	r, err := NewTemplateResponder("pt", nil, nil)
	require.NoError(t, err)

	gen, err := r.Respond(context.Background(),
		harvest.ScrapeRequest{Language: "fr", ResponseTemplateID: "short"},
		harvest.Entity{},
		[]harvest.Review{{ID: "9", Text: "Atendimento péssimo", Author: harvest.Author{Name: "João"}}})
	require.NoError(t, err)
	require.Equal(t, "short", gen.TemplateID)
	require.Equal(t, "pt", gen.Responses[0].Language)
	require.Equal(t, "Obrigada, João!", gen.Responses[0].Text)

	gen, err = r.Respond(context.Background(), harvest.ScrapeRequest{Language: "en"}, harvest.Entity{},
		[]harvest.Review{{ID: "1", Text: "Rude and late"}})
	require.NoError(t, err)
	require.Contains(t, gen.Responses[0].Text, "sorry")

	_, err = r.Respond(context.Background(), harvest.ScrapeRequest{ResponseTemplateID: "missing"}, harvest.Entity{}, nil)
	require.ErrorIs(t, err, ErrUnknownTemplate)
	require.False(t, r.HasTemplate("pt", "missing"))
	require.True(t, r.HasTemplate("es", ""))
}

func TestTemplateDirOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "en"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "en", "terse.tmpl"), []byte("Thanks {{.FirstName}}."), 0o600))

	extra, err := LoadTemplateDir(dir)
	require.NoError(t, err)
	r, err := NewTemplateResponder("pt", nil, extra)
	require.NoError(t, err)
	require.Equal(t, []string{"default", "short", "terse"}, r.TemplateIDs("en"))

	gen, err := r.Respond(context.Background(), harvest.ScrapeRequest{Language: "en", ResponseTemplateID: "terse"},
		harvest.Entity{}, []harvest.Review{{ID: "1", Text: "ok", Author: harvest.Author{Name: "Sam Lee"}}})
	require.NoError(t, err)
	require.Equal(t, "Thanks Sam.", gen.Responses[0].Text)

	_, err = NewTemplateResponder("pt", nil, map[string]map[string]string{"pt": {"bad": "{{.Nope"}})
	require.Error(t, err)
}

func TestFirstName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Maria", FirstName("Maria Souza"))
	require.Empty(t, FirstName(""))
	require.Empty(t, FirstName("Jo"))
	require.Empty(t, FirstName("MARIA"))
	require.Empty(t, FirstName("*** Souza"))
}

func TestMaskText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "email", in: "escreva para maria@example.com hoje", want: "escreva para ***@***.*** hoje"},
		{name: "cpf", in: "CPF 123.456.789-09", want: "CPF ***.***.***-**"},
		{name: "phone", in: "ligue (11) 98765-4321", want: "ligue (11) ***-****"},
		{name: "phone with country", in: "+55 11 98765-4321", want: "***-****"},
		{name: "long id", in: "protocolo 1234567", want: "protocolo *******"},
		{name: "plain", in: "ótima consulta", want: "ótima consulta"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, MaskText(tt.in))
		})
	}
}

func TestSanitizerMasksCopy(t *testing.T) {
	t.Parallel()

	orig := harvest.Extraction{
		Entity: harvest.Entity{Name: "Dra. Ana Souza", Extra: map[string]string{"contact": "ana@clinic.com"}},
		Items: []harvest.Review{
			{ID: "1", Text: "Meu email é joao@example.com", Author: harvest.Author{Name: "João Pedro Lima"}},
			{ID: "2", Text: "ok", Author: harvest.Author{Name: "Anônimo"}},
		},
	}
	out := NewSanitizer(true).Sanitize(orig)
	require.Equal(t, "Dra. Ana Souza", out.Entity.Name)
	require.Equal(t, "***@***.***", out.Entity.Extra["contact"])
	require.Equal(t, "João ***", out.Items[0].Author.Name)
	require.Equal(t, "Meu email é ***@***.***", out.Items[0].Text)
	require.Equal(t, "***", out.Items[1].Author.Name)

	require.Equal(t, "ana@clinic.com", orig.Entity.Extra["contact"])
	require.Equal(t, "João Pedro Lima", orig.Items[0].Author.Name)

	require.Equal(t, orig, NewSanitizer(false).Sanitize(orig))
}
