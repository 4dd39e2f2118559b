package agents

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"unicode"

	"github.com/lexcodex/dbtmigrate/framework"
)

var modelTemplates = template.Must(template.New("models").Delims("[[", "]]").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`
[[- define "staging" -]]
-- migrated from [[ .Source ]] ([[ .Kind ]])
{{ config(materialized='[[ .Materialized ]]') }}

with source as (

    select * from {{ source('[[ .SourceName ]]', '[[ .Table ]]') }}

),

renamed as (

    select
        [[ join .Columns ",\n        " ]]
    from source

)

select * from renamed
[[ end -]]

[[- define "logic" -]]
-- migrated from [[ .Source ]] ([[ .Kind ]])
{{ config(materialized='[[ .Materialized ]]') }}

[[ .Body ]]
[[ end -]]
`))

type templateData struct {
	Source       string
	Kind         framework.ObjectKind
	Materialized string
	SourceName   string
	Table        string
	Columns      []string
	Body         string
}

// Renderer turns a source object into dbt model SQL.
type Renderer struct {
	Reasoner framework.Reasoner
}

// Render produces the SQL for model. Views and procedures are converted
// through the Reasoner; tables become staging selects over a dbt source.
func (r *Renderer) Render(ctx context.Context, meta *framework.Metadata, model framework.ModelState, models []framework.ModelState) (string, error) {
	obj, ok := meta.Lookup(model.SourceObject)
	if !ok {
		return "", fmt.Errorf("source object %q not found in metadata", model.SourceObject)
	}
	data := templateData{
		Source:       obj.QualifiedName(),
		Kind:         obj.Kind,
		Materialized: materialization(model.Layer),
		SourceName:   sourceFor(meta, obj.Schema),
		Table:        obj.Name,
	}
	var buf bytes.Buffer
	switch obj.Kind {
	case framework.KindTable:
		data.Columns = columnList(obj.Columns)
		if err := modelTemplates.ExecuteTemplate(&buf, "staging", data); err != nil {
			return "", err
		}
	default:
		if r.Reasoner == nil {
			return "", fmt.Errorf("no reasoner configured to convert %s", obj.QualifiedName())
		}
		body, err := r.Reasoner.ConvertLogic(ctx, obj)
		if err != nil {
			return "", err
		}
		data.Body = strings.TrimSpace(ReplaceReferences(body, meta, model.Name, models))
		if err := modelTemplates.ExecuteTemplate(&buf, "logic", data); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

func materialization(layer framework.Layer) string {
	if layer == framework.LayerMarts {
		return "table"
	}
	return "view"
}

func columnList(cols []framework.Column) []string {
	if len(cols) == 0 {
		return []string{"*"}
	}
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		out = append(out, quoteIdent(strings.Trim(c.Name, "[]")))
	}
	return out
}

func quoteIdent(name string) string {
	for _, r := range name {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return `"` + name + `"`
		}
	}
	return name
}

// ReplaceReferences rewrites FROM/JOIN targets that name other migrated
// objects into ref() calls, and remaining legacy tables into source() calls.
func ReplaceReferences(sql string, meta *framework.Metadata, self string, models []framework.ModelState) string {
	bySource := make(map[string]string, len(models))
	for _, m := range models {
		bySource[strings.ToLower(m.SourceObject)] = m.Name
	}
	for _, obj := range meta.Objects() {
		target, ok := bySource[strings.ToLower(obj.QualifiedName())]
		var replacement string
		switch {
		case ok && target != self:
			replacement = fmt.Sprintf("{{ ref('%s') }}", target)
		case obj.Kind == framework.KindTable:
			replacement = fmt.Sprintf("{{ source('%s', '%s') }}", sourceFor(meta, obj.Schema), obj.Name)
		default:
			continue
		}
		re := referencePattern(obj.Name)
		sql = re.ReplaceAllString(sql, "${1}${2}"+strings.ReplaceAll(replacement, "$", "$$")+"${3}")
	}
	return sql
}

func referencePattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(\bfrom|\bjoin)(\s+)(?:[\["]?\w+[\]"]?\.)?[\["]?` + regexp.QuoteMeta(name) + `[\]"]?(\W|$)`)
}

// ModelName derives the dbt model name for a source object.
func ModelName(obj framework.SourceObject) string {
	return layerPrefix(LayerFor(obj.Kind)) + snakeCase(obj.Name)
}

// LayerFor maps an object kind to its project layer.
func LayerFor(kind framework.ObjectKind) framework.Layer {
	switch kind {
	case framework.KindView:
		return framework.LayerIntermediate
	case framework.KindProcedure:
		return framework.LayerMarts
	default:
		return framework.LayerStaging
	}
}

func layerPrefix(layer framework.Layer) string {
	switch layer {
	case framework.LayerIntermediate:
		return "int_"
	case framework.LayerMarts:
		return "fct_"
	default:
		return "stg_"
	}
}

func snakeCase(s string) string {
	runes := []rune(strings.Trim(s, "[]\""))
	var b strings.Builder
	lastUnderscore := true
	for i, r := range runes {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		if unicode.IsUpper(r) && i > 0 && !lastUnderscore {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
		lastUnderscore = false
	}
	return strings.Trim(b.String(), "_")
}
