package narrator

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"sommelier/pkg/proto"
)

const explanationTemplate = `{{if .Primary -}}
{{.Primary.Name}} is our pick for {{meal .}}{{with .Primary.Style}}: a {{.}} wine{{end}}{{if gt .Primary.Price 0.0}} at {{printf "%.2f" .Primary.Price}}{{end}}.
{{- with pref .Preferences "sweetness"}} It matches your preference for {{.}} wines.{{end}}
{{- if .Occasion}} A good fit for {{.Occasion}}.{{end}}
{{- if .Alternatives}} If it is unavailable, try {{names .Alternatives}}.{{end}}
{{- else -}}
We could not find a wine in stock for {{meal .}} within your budget. Try widening the budget or adjusting the ingredients.
{{- end}}`

// TemplateNarrator writes explanations from a fixed template. It never fails for a valid
// request and makes no network calls.
type TemplateNarrator struct {
	tmpl *template.Template
}

func NewTemplate() *TemplateNarrator {
	funcs := template.FuncMap{
		"meal": func(r *Request) string {
			switch {
			case r.Dish != "":
				return r.Dish
			case len(r.Ingredients) > 0:
				return strings.Join(r.Ingredients, ", ")
			default:
				return "your meal"
			}
		},
		"pref": func(p proto.Preferences, key string) string {
			return p.String(key)
		},
		"names": func(opts []proto.WineOption) string {
			names := make([]string, 0, len(opts))
			for i := range opts {
				names = append(names, opts[i].Name)
			}
			return strings.Join(names, " or ")
		},
	}
	return &TemplateNarrator{tmpl: template.Must(template.New("explanation").Funcs(funcs).Parse(explanationTemplate))}
}

func (*TemplateNarrator) Name() string {
	return "template"
}

func (t *TemplateNarrator) Narrate(_ context.Context, req *Request) (string, error) {
	var sb strings.Builder
	if err := t.tmpl.Execute(&sb, req); err != nil {
		return "", fmt.Errorf("render explanation: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}
