package enrich

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"unicode"

	"github.com/JakeFAU/review-harvester/internal/harvest"
)

// DefaultTemplateID is used when a request does not name a template.
const DefaultTemplateID = "default"

// ErrUnknownTemplate is returned when no template exists for the requested id.
var ErrUnknownTemplate = errors.New("unknown response template")

// Quality is a trait reviewers mention along with the keywords that signal it.
type Quality struct {
	Name     string
	Keywords []string
}

// replyData is what templates render against.
type replyData struct {
	FirstName string
	Entity    string
	Quality   string
	Negative  bool
}

type languagePack struct {
	qualities []Quality
	// sentences keyed by Quality.Name
	sentences map[string]string
	templates map[string]*template.Template
}

var builtinTemplates = map[string]map[string]string{
	"pt": {
		DefaultTemplateID: `{{if .FirstName}}Olá, {{.FirstName}}!{{else}}Olá!{{end}} ` +
			`{{if .Negative}}Agradeço por compartilhar sua experiência e lamento que não tenha sido como esperado.` +
			`{{else}}Muito obrigada pelo seu comentário!{{end}}` +
			`{{if .Quality}} {{.Quality}}{{end}} Estou sempre à disposição para o que precisar!` +
			`{{if .Entity}}
Atenciosamente,
{{.Entity}}{{end}}`,
		"short": `{{if .FirstName}}Obrigada, {{.FirstName}}!{{else}}Obrigada!{{end}}{{if .Quality}} {{.Quality}}{{end}}`,
	},
	"en": {
		DefaultTemplateID: `{{if .FirstName}}Hi {{.FirstName}}!{{else}}Hello!{{end}} ` +
			`{{if .Negative}}Thank you for sharing your experience, and I am sorry it fell short.` +
			`{{else}}Thank you so much for your review!{{end}}` +
			`{{if .Quality}} {{.Quality}}{{end}} I am always available if you need anything.` +
			`{{if .Entity}}
Kind regards,
{{.Entity}}{{end}}`,
		"short": `{{if .FirstName}}Thank you, {{.FirstName}}!{{else}}Thank you!{{end}}{{if .Quality}} {{.Quality}}{{end}}`,
	},
	"es": {
		DefaultTemplateID: `{{if .FirstName}}¡Hola, {{.FirstName}}!{{else}}¡Hola!{{end}} ` +
			`{{if .Negative}}Gracias por compartir su experiencia, lamento que no haya sido la esperada.` +
			`{{else}}¡Muchas gracias por su comentario!{{end}}` +
			`{{if .Quality}} {{.Quality}}{{end}} Estoy siempre a su disposición.` +
			`{{if .Entity}}
Atentamente,
{{.Entity}}{{end}}`,
		"short": `{{if .FirstName}}¡Gracias, {{.FirstName}}!{{else}}¡Gracias!{{end}}{{if .Quality}} {{.Quality}}{{end}}`,
	},
}

var builtinQualities = map[string][]Quality{
	"pt": {
		{Name: "atenciosa", Keywords: []string{"atenciosa", "atenção", "atenta", "atencioso"}},
		{Name: "educada", Keywords: []string{"educada", "educado", "gentil", "simpática"}},
		{Name: "explicar_detalhes", Keywords: []string{"explica", "explicou", "detalhes", "esclareceu"}},
		{Name: "profissional", Keywords: []string{"profissional", "competente", "qualificada"}},
		{Name: "pontual", Keywords: []string{"pontual", "pontualidade"}},
		{Name: "cuidadosa", Keywords: []string{"cuidadosa", "cuidado", "humana"}},
		{Name: "eficiente", Keywords: []string{"eficiente", "excelente", "ótimo", "ótima"}},
	},
	"en": {
		{Name: "attentive", Keywords: []string{"attentive", "attention", "listened"}},
		{Name: "kind", Keywords: []string{"kind", "polite", "friendly", "nice"}},
		{Name: "explains", Keywords: []string{"explain", "explained", "details", "clarified"}},
		{Name: "professional", Keywords: []string{"professional", "competent", "qualified"}},
		{Name: "punctual", Keywords: []string{"punctual", "on time"}},
	},
	"es": {
		{Name: "atenta", Keywords: []string{"atenta", "atento", "atención"}},
		{Name: "amable", Keywords: []string{"amable", "educada", "simpática"}},
		{Name: "explica", Keywords: []string{"explica", "explicó", "detalles"}},
		{Name: "profesional", Keywords: []string{"profesional", "competente"}},
		{Name: "puntual", Keywords: []string{"puntual", "puntualidad"}},
	},
}

var builtinSentences = map[string]map[string]string{
	"pt": {
		"atenciosa":         "Fico feliz que tenha percebido a atenção dedicada ao seu atendimento.",
		"educada":           "Agradeço por reconhecer o cuidado e respeito no atendimento.",
		"explicar_detalhes": "Fico contente que minhas explicações tenham sido claras e detalhadas.",
		"profissional":      "É gratificante saber que percebeu o profissionalismo no atendimento.",
		"pontual":           "Prezo sempre pela pontualidade e atenção com cada paciente.",
		"cuidadosa":         "Estarei sempre aqui para cuidar com atenção e responsabilidade.",
		"eficiente":         "Meu compromisso é sempre oferecer um cuidado eficiente e de excelência.",
	},
	"en": {
		"attentive":    "I am glad you felt listened to during your visit.",
		"kind":         "Thank you for noticing the care and respect in our service.",
		"explains":     "I am happy the explanations were clear and detailed.",
		"professional": "It means a lot that you noticed the professionalism of our care.",
		"punctual":     "I always try to respect every patient's time.",
	},
	"es": {
		"atenta":      "Me alegra que haya percibido la atención dedicada a su consulta.",
		"amable":      "Agradezco que reconozca el cuidado y el respeto en la atención.",
		"explica":     "Me alegra que las explicaciones hayan sido claras y detalladas.",
		"profesional": "Es gratificante saber que percibió el profesionalismo en la atención.",
		"puntual":     "Siempre procuro respetar el tiempo de cada paciente.",
	},
}

// TemplateResponder drafts one reply per review from text/template templates.
// Output is deterministic for a given review.
type TemplateResponder struct {
	packs           map[string]languagePack
	defaultLanguage string
	scorer          *Lexicon
}

// NewTemplateResponder parses the built-in templates. When extra is non-nil its
// entries (language -> template id -> template text) are added or override
// the built-ins.
func NewTemplateResponder(defaultLanguage string, scorer *Lexicon, extra map[string]map[string]string) (*TemplateResponder, error) {
	if defaultLanguage == "" {
		defaultLanguage = "pt"
	}
	if scorer == nil {
		scorer = NewLexicon(defaultLanguage)
	}
	sources := make(map[string]map[string]string, len(builtinTemplates))
	for lang, tpls := range builtinTemplates {
		sources[lang] = copyMap(tpls)
	}
	for lang, tpls := range extra {
		if sources[lang] == nil {
			sources[lang] = map[string]string{}
		}
		for id, text := range tpls {
			sources[lang][id] = text
		}
	}

	packs := make(map[string]languagePack, len(sources))
	for lang, tpls := range sources {
		pack := languagePack{
			qualities: builtinQualities[lang],
			sentences: builtinSentences[lang],
			templates: make(map[string]*template.Template, len(tpls)),
		}
		for id, text := range tpls {
			tpl, err := template.New(lang + "/" + id).Option("missingkey=zero").Parse(text)
			if err != nil {
				return nil, fmt.Errorf("parse template %s/%s: %w", lang, id, err)
			}
			pack.templates[id] = tpl
		}
		packs[lang] = pack
	}
	if _, ok := packs[defaultLanguage]; !ok {
		return nil, fmt.Errorf("no templates for default language %q", defaultLanguage)
	}
	return &TemplateResponder{packs: packs, defaultLanguage: defaultLanguage, scorer: scorer}, nil
}

// HasTemplate reports whether templateID renders for language (after fallback).
func (r *TemplateResponder) HasTemplate(language, templateID string) bool {
	if templateID == "" {
		templateID = DefaultTemplateID
	}
	_, ok := r.pack(language).templates[templateID]
	return ok
}

// TemplateIDs lists the template ids available for language.
func (r *TemplateResponder) TemplateIDs(language string) []string {
	pack := r.pack(language)
	out := make([]string, 0, len(pack.templates))
	for id := range pack.templates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Respond renders a reply for every review with text.
func (r *TemplateResponder) Respond(
	ctx context.Context,
	request harvest.ScrapeRequest,
	entity harvest.Entity,
	items []harvest.Review,
) (harvest.Generation, error) {
	templateID := request.ResponseTemplateID
	if templateID == "" {
		templateID = DefaultTemplateID
	}
	language := r.language(request.Language)
	pack := r.packs[language]
	tpl, ok := pack.templates[templateID]
	if !ok {
		return harvest.Generation{}, fmt.Errorf("%w: %s/%s", ErrUnknownTemplate, language, templateID)
	}

	gen := harvest.Generation{
		TemplateID: templateID,
		Model:      "template",
		Responses:  make([]harvest.GeneratedResponse, 0, len(items)),
	}
	var sb strings.Builder
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return harvest.Generation{}, fmt.Errorf("respond: %w", err)
		}
		if strings.TrimSpace(item.Text) == "" {
			continue
		}
		data := replyData{
			FirstName: FirstName(item.Author.Name),
			Entity:    entity.Name,
			Quality:   pack.sentences[firstQuality(pack.qualities, item.Text)],
			Negative:  r.scorer.Score(item.Text, language).Compound <= -neutralBand,
		}
		sb.Reset()
		if err := tpl.Execute(&sb, data); err != nil {
			return harvest.Generation{}, fmt.Errorf("render reply for review %s: %w", item.ID, err)
		}
		gen.Responses = append(gen.Responses, harvest.GeneratedResponse{
			ItemID:   item.ID,
			Text:     strings.TrimSpace(sb.String()),
			Language: language,
		})
	}
	return gen, nil
}

func (r *TemplateResponder) language(lang string) string {
	lang = strings.ToLower(lang)
	if _, ok := r.packs[lang]; ok {
		return lang
	}
	return r.defaultLanguage
}

func (r *TemplateResponder) pack(language string) languagePack {
	return r.packs[r.language(language)]
}

// FirstName returns the greeting name for an author, or "" when the name is
// too short, all caps or already masked.
func FirstName(author string) string {
	parts := strings.Fields(author)
	if len(parts) == 0 {
		return ""
	}
	first := parts[0]
	if len([]rune(first)) <= 2 || strings.Contains(first, "*") {
		return ""
	}
	if strings.ToUpper(first) == first && strings.IndexFunc(first, unicode.IsLetter) >= 0 {
		return ""
	}
	return first
}

func firstQuality(qualities []Quality, text string) string {
	lower := strings.ToLower(text)
	for _, q := range qualities {
		for _, kw := range q.Keywords {
			if strings.Contains(lower, kw) {
				return q.Name
			}
		}
	}
	return ""
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// LoadTemplateDir reads <dir>/<language>/<template_id>.tmpl files for
// NewTemplateResponder. A missing dir yields no templates.
func LoadTemplateDir(dir string) (map[string]map[string]string, error) {
	if dir == "" {
		return nil, nil
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*", "*.tmpl"))
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	out := make(map[string]map[string]string)
	for _, p := range paths {
		raw, err := os.ReadFile(p) // #nosec G304 -- path comes from operator config
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", p, err)
		}
		lang := filepath.Base(filepath.Dir(p))
		id := strings.TrimSuffix(filepath.Base(p), ".tmpl")
		if out[lang] == nil {
			out[lang] = map[string]string{}
		}
		out[lang][id] = string(raw)
	}
	return out, nil
}
