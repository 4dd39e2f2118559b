package agents

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/lexcodex/dbtmigrate/framework"
)

var (
	statementSplit  = regexp.MustCompile(`(?im);|^\s*go\s*$`)
	selectStart     = regexp.MustCompile(`(?i)\b(with|select)\b`)
	viewHeader      = regexp.MustCompile(`(?is)^\s*create\s+(or\s+alter\s+)?view\s+\S+\s+as\s+`)
	trailingEnd     = regexp.MustCompile(`(?is)\s*\bend\b\s*$`)
	caseKeyword     = regexp.MustCompile(`(?i)\bcase\b`)
	endKeyword      = regexp.MustCompile(`(?i)\bend\b`)
	castErrorColumn = regexp.MustCompile(`(?i)(?:column\s+"?(\w+)"?[^\n]*(?:type|cast|mismatch|convert))|(?:(?:cannot|could not)\s+(?:cast|convert)[^\n]*column\s+"?(\w+)"?)`)
)

// RuleReasoner is the deterministic Reasoner used when no language model is
// configured.
type RuleReasoner struct {
	Rules *Ruleset
}

// NewRuleReasoner builds a reasoner over rules, or the default ruleset.
func NewRuleReasoner(rules *Ruleset) *RuleReasoner {
	if rules == nil {
		rules = DefaultRuleset()
	}
	return &RuleReasoner{Rules: rules}
}

// Advise derives recommendations from the assessment alone.
func (r *RuleReasoner) Advise(ctx context.Context, report *framework.AssessmentReport, meta *framework.Metadata) ([]string, error) {
	var recs []string
	if len(report.ManualReview) > 0 {
		recs = append(recs, fmt.Sprintf("review %d object(s) manually before migrating: %s", len(report.ManualReview), strings.Join(report.ManualReview, ", ")))
	}
	if report.Strategy == StrategyLayered {
		recs = append(recs, "build staging models first, then intermediate views, then marts")
	}
	high := 0
	for _, c := range report.Complexity {
		if c.Level == ComplexityHigh {
			high++
		}
	}
	if high > 0 {
		recs = append(recs, fmt.Sprintf("%d high-complexity object(s) will likely need rebuild cycles", high))
	}
	if report.DependencyCount == 0 && report.TotalObjects > 1 {
		recs = append(recs, "no dependency edges found; verify the metadata extract captured view and procedure references")
	}
	return recs, nil
}

// ConvertLogic extracts the final SELECT of a view or procedure and rewrites
// it to ANSI SQL.
func (r *RuleReasoner) ConvertLogic(ctx context.Context, obj framework.SourceObject) (string, error) {
	body := strings.TrimSpace(obj.Definition)
	if body == "" {
		return "", fmt.Errorf("%s %s has no definition to convert", obj.Kind, obj.QualifiedName())
	}
	body = viewHeader.ReplaceAllString(body, "")
	stmt := lastSelect(body)
	if stmt == "" {
		return "", fmt.Errorf("no select statement found in %s %s", obj.Kind, obj.QualifiedName())
	}
	out, _ := r.Rules.Rewrite(stmt)
	return strings.TrimSpace(out), nil
}

// lastSelect returns the last statement that produces rows, trimmed to start
// at its SELECT or WITH keyword.
func lastSelect(body string) string {
	stmts := statementSplit.Split(body, -1)
	for i := len(stmts) - 1; i >= 0; i-- {
		stmt := stmts[i]
		// a trailing END closes BEGIN unless it balances a CASE
		if len(endKeyword.FindAllString(stmt, -1)) > len(caseKeyword.FindAllString(stmt, -1)) {
			stmt = trailingEnd.ReplaceAllString(stmt, "")
		}
		loc := selectStart.FindStringIndex(stmt)
		if loc == nil {
			continue
		}
		return strings.TrimSpace(stmt[loc[0]:])
	}
	return ""
}

// ProposeFix applies dialect rewrites plus column casts suggested by the
// errors. A Fix with no Applied entries means nothing could be done.
func (r *RuleReasoner) ProposeFix(ctx context.Context, req framework.FixRequest) (*framework.Fix, error) {
	sql, applied := r.Rules.Rewrite(req.SQL)
	for _, col := range castColumns(req.Errors) {
		typ, ok := columnType(req.Source, col)
		if !ok {
			continue
		}
		if out, changed := castColumn(sql, col, typ); changed {
			sql = out
			applied = append(applied, "cast_"+strings.ToLower(col))
		}
	}
	return &framework.Fix{SQL: sql, Applied: applied}, nil
}

func castColumns(errs []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range errs {
		for _, m := range castErrorColumn.FindAllStringSubmatch(e, -1) {
			col := m[1]
			if col == "" {
				col = m[2]
			}
			if col != "" && !seen[strings.ToLower(col)] {
				seen[strings.ToLower(col)] = true
				out = append(out, col)
			}
		}
	}
	return out
}

func columnType(obj framework.SourceObject, name string) (string, bool) {
	for _, c := range obj.Columns {
		if strings.EqualFold(strings.Trim(c.Name, "[]"), name) {
			return ANSIType(c.Type), true
		}
	}
	return "", false
}

// castColumn wraps a bare column in a select list with an explicit cast.
func castColumn(sql, col, typ string) (string, bool) {
	re := regexp.MustCompile(`(?im)^(\s*,?\s*)` + regexp.QuoteMeta(col) + `(\s*,?\s*)$`)
	if !re.MatchString(sql) {
		return sql, false
	}
	replaced := false
	out := re.ReplaceAllStringFunc(sql, func(line string) string {
		if replaced {
			return line
		}
		replaced = true
		m := re.FindStringSubmatch(line)
		return fmt.Sprintf("%scast(%s as %s) as %s%s", m[1], col, typ, col, m[2])
	})
	return out, true
}

// ANSIType maps common T-SQL column types to portable equivalents.
func ANSIType(tsql string) string {
	t := strings.ToLower(strings.TrimSpace(tsql))
	base := t
	if i := strings.Index(t, "("); i >= 0 {
		base = strings.TrimSpace(t[:i])
	}
	switch base {
	case "nvarchar", "varchar", "nchar", "char", "ntext", "text":
		if strings.Contains(t, "max") || base == "ntext" || base == "text" {
			return "text"
		}
		return "varchar" + strings.TrimPrefix(t, base)
	case "datetime", "datetime2", "smalldatetime":
		return "timestamp"
	case "datetimeoffset":
		return "timestamp with time zone"
	case "bit":
		return "boolean"
	case "money":
		return "numeric(19,4)"
	case "smallmoney":
		return "numeric(10,4)"
	case "tinyint":
		return "smallint"
	case "uniqueidentifier":
		return "varchar(36)"
	case "":
		return "varchar"
	default:
		return t
	}
}
