package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/lexcodex/dbtmigrate/framework"
)

const systemPrompt = "You migrate legacy T-SQL objects into dbt models written in portable ANSI SQL. " +
	"Answer with exactly what is asked. Put SQL in a single ```sql fenced block."

var (
	fencedSQL    = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n(.*?)```")
	bulletLine   = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)
	looksLikeSQL = regexp.MustCompile(`(?i)^\s*(select|with)\b`)
)

// maxRecommendations caps what Advise keeps from a reply.
const maxRecommendations = 10

// Reasoner implements framework.Reasoner by prompting a language model.
// Failures are returned to the calling agent as errors.
type Reasoner struct {
	Asker Asker
}

// NewReasoner builds a Reasoner over asker.
func NewReasoner(asker Asker) *Reasoner {
	return &Reasoner{Asker: asker}
}

// Advise asks for migration recommendations given the assessment.
func (r *Reasoner) Advise(ctx context.Context, report *framework.AssessmentReport, meta *framework.Metadata) ([]string, error) {
	reply, err := r.ask(ctx, advisePrompt(report, meta))
	if err != nil {
		return nil, err
	}
	var recs []string
	for _, line := range strings.Split(reply, "\n") {
		m := bulletLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		recs = append(recs, strings.TrimSpace(m[1]))
		if len(recs) == maxRecommendations {
			break
		}
	}
	return recs, nil
}

// ConvertLogic asks the model to express obj as a single SELECT.
func (r *Reasoner) ConvertLogic(ctx context.Context, obj framework.SourceObject) (string, error) {
	if strings.TrimSpace(obj.Definition) == "" {
		return "", fmt.Errorf("%s %s has no definition to convert", obj.Kind, obj.QualifiedName())
	}
	reply, err := r.ask(ctx, convertPrompt(obj))
	if err != nil {
		return "", err
	}
	sql := ExtractSQL(reply)
	if sql == "" {
		return "", fmt.Errorf("no sql in reply for %s", obj.QualifiedName())
	}
	return sql, nil
}

// ProposeFix asks the model to repair a model given its errors. An unchanged
// reply is reported as a Fix with nothing applied.
func (r *Reasoner) ProposeFix(ctx context.Context, req framework.FixRequest) (*framework.Fix, error) {
	reply, err := r.ask(ctx, fixPrompt(req))
	if err != nil {
		return nil, err
	}
	sql := ExtractSQL(reply)
	if sql == "" || normalizeSQL(sql) == normalizeSQL(req.SQL) {
		return &framework.Fix{SQL: req.SQL}, nil
	}
	return &framework.Fix{SQL: sql + "\n", Applied: []string{"llm_rewrite"}}, nil
}

func (r *Reasoner) ask(ctx context.Context, prompt string) (string, error) {
	if r == nil || r.Asker == nil {
		return "", errors.New("no language model configured")
	}
	return r.Asker.Ask(ctx, prompt)
}

// ExtractSQL returns the first fenced block in reply, or the whole reply when
// it is bare SQL.
func ExtractSQL(reply string) string {
	if m := fencedSQL.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1])
	}
	if looksLikeSQL.MatchString(reply) {
		return strings.TrimSpace(reply)
	}
	return ""
}

func normalizeSQL(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func advisePrompt(report *framework.AssessmentReport, meta *framework.Metadata) string {
	var b strings.Builder
	b.WriteString("Assess this legacy schema migration to dbt and list concrete recommendations, one per line starting with '- '.\n\n")
	if meta != nil && meta.Database != "" {
		fmt.Fprintf(&b, "Database: %s\n", meta.Database)
	}
	fmt.Fprintf(&b, "Objects: %d (tables %d, views %d, procedures %d)\n",
		report.TotalObjects,
		report.ObjectCounts[framework.KindTable],
		report.ObjectCounts[framework.KindView],
		report.ObjectCounts[framework.KindProcedure])
	fmt.Fprintf(&b, "Dependencies: %d\nStrategy: %s\n", report.DependencyCount, report.Strategy)
	if len(report.ManualReview) > 0 {
		fmt.Fprintf(&b, "Flagged for manual review: %s\n", strings.Join(report.ManualReview, ", "))
	}
	b.WriteString("\nComplexity:\n")
	for _, c := range report.Complexity {
		fmt.Fprintf(&b, "- %s (%s) score %d %s", c.Object, c.Kind, c.Score, c.Level)
		if len(c.Notes) > 0 {
			fmt.Fprintf(&b, ": %s", strings.Join(c.Notes, "; "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func convertPrompt(obj framework.SourceObject) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rewrite the %s %s as one ANSI SQL SELECT statement that returns the rows it produces. ", obj.Kind, obj.QualifiedName())
	b.WriteString("Keep the table names as written; do not add dbt config blocks.\n\n")
	writeColumns(&b, obj.Columns)
	fmt.Fprintf(&b, "```sql\n%s\n```\n", strings.TrimSpace(obj.Definition))
	return b.String()
}

func fixPrompt(req framework.FixRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The dbt model %s fails with the errors below. Return the corrected model in full, keeping its config block and ref()/source() calls.\n\n", req.Model)
	b.WriteString("Errors:\n")
	for _, e := range req.Errors {
		fmt.Fprintf(&b, "- %s\n", e)
	}
	b.WriteByte('\n')
	writeColumns(&b, req.Source.Columns)
	fmt.Fprintf(&b, "Model:\n```sql\n%s\n```\n", strings.TrimSpace(req.SQL))
	if def := strings.TrimSpace(req.Source.Definition); def != "" {
		fmt.Fprintf(&b, "\nOriginal %s:\n```sql\n%s\n```\n", req.Source.Kind, def)
	}
	return b.String()
}

func writeColumns(b *strings.Builder, cols []framework.Column) {
	if len(cols) == 0 {
		return
	}
	b.WriteString("Expected columns:\n")
	for _, c := range cols {
		fmt.Fprintf(b, "- %s %s\n", c.Name, c.Type)
	}
	b.WriteByte('\n')
}
