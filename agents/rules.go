package agents

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule is a single dialect rule. Rewrite rules replace Pattern with Replace;
// check rules only report a violation when Pattern matches.
type Rule struct {
	Name        string `yaml:"name"`
	Scope       string `yaml:"scope"`
	Description string `yaml:"description"`
	Pattern     string `yaml:"pattern"`
	Replace     string `yaml:"replace,omitempty"`

	re      *regexp.Regexp
	rewrite func(string) string
}

const (
	ScopeRewrite = "rewrite"
	ScopeCheck   = "check"
)

// Ruleset groups the dialect rules used by the rule-based reasoner and the
// static checker.
type Ruleset struct {
	Rules []Rule `yaml:"rules"`
}

var topPattern = regexp.MustCompile(`(?is)\bselect\s+(distinct\s+)?top\s*\(?\s*(\d+)\s*\)?\s+(.*)$`)

// DefaultRuleset returns the built-in T-SQL to ANSI rules.
func DefaultRuleset() *Ruleset {
	rs := &Ruleset{Rules: []Rule{
		{Name: "nolock_hint", Scope: ScopeRewrite, Description: "drop table hints", Pattern: `(?i)\s*with\s*\(\s*nolock\s*\)`, Replace: ""},
		{Name: "bracket_identifiers", Scope: ScopeRewrite, Description: "unquote [identifiers]", Pattern: `\[([^\]\[]+)\]`, Replace: "$1"},
		{Name: "getdate", Scope: ScopeRewrite, Description: "GETDATE() to current_timestamp", Pattern: `(?i)\bgetdate\s*\(\s*\)`, Replace: "current_timestamp"},
		{Name: "isnull", Scope: ScopeRewrite, Description: "ISNULL to coalesce", Pattern: `(?i)\bisnull\s*\(`, Replace: "coalesce("},
		{Name: "len", Scope: ScopeRewrite, Description: "LEN to length", Pattern: `(?i)\blen\s*\(`, Replace: "length("},
		{Name: "convert", Scope: ScopeRewrite, Description: "CONVERT(type, expr) to cast", Pattern: `(?i)\bconvert\s*\(\s*(\w+(?:\s*\(\s*\d+(?:\s*,\s*\d+)?\s*\))?)\s*,\s*([^(),]+?)\s*\)`, Replace: "cast($2 as $1)"},
		{Name: "string_concat", Scope: ScopeRewrite, Description: "+ between string literals to ||", Pattern: `'\s*\+\s*`, Replace: "' || "},
		{Name: "trailing_semicolon", Scope: ScopeRewrite, Description: "models must not end with a semicolon", Pattern: `;\s*$`, Replace: ""},
		{Name: "top_to_limit", Scope: ScopeRewrite, Description: "SELECT TOP n to LIMIT n", rewrite: rewriteTop},

		{Name: "temp_table", Scope: ScopeCheck, Description: "temporary tables are not supported in models", Pattern: `#\w+`},
		{Name: "tsql_variable", Scope: ScopeCheck, Description: "T-SQL variables are not supported in models", Pattern: `(?i)\bdeclare\s+@|@@\w+`},
		{Name: "cursor", Scope: ScopeCheck, Description: "cursors cannot be expressed as a select", Pattern: `(?i)\bcursor\s+for\b`},
		{Name: "dynamic_sql", Scope: ScopeCheck, Description: "dynamic SQL cannot be compiled", Pattern: `(?i)\bexec(ute)?\s*\(|\bsp_executesql\b`},
		{Name: "tsql_top", Scope: ScopeCheck, Description: "SELECT TOP is T-SQL only", Pattern: `(?i)\bselect\s+(distinct\s+)?top\b`},
		{Name: "tsql_hint", Scope: ScopeCheck, Description: "table hints are T-SQL only", Pattern: `(?i)with\s*\(\s*nolock\s*\)`},
		{Name: "tsql_function", Scope: ScopeCheck, Description: "T-SQL only function", Pattern: `(?i)\b(getdate|isnull|len)\s*\(`},
		{Name: "bracket_identifier", Scope: ScopeCheck, Description: "bracket quoted identifier", Pattern: `\[[^\]\[]+\]`},
	}}
	if err := rs.compile(); err != nil {
		panic(err)
	}
	return rs
}

// LoadRuleset reads extra rules from YAML and appends them to the defaults.
func LoadRuleset(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var extra Ruleset
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("parse ruleset %s: %w", path, err)
	}
	if err := extra.compile(); err != nil {
		return nil, err
	}
	rules := DefaultRuleset()
	rules.Rules = append(rules.Rules, extra.Rules...)
	return rules, nil
}

func (rs *Ruleset) compile() error {
	for i := range rs.Rules {
		rule := &rs.Rules[i]
		if rule.Scope == "" {
			rule.Scope = ScopeRewrite
		}
		if rule.Scope != ScopeRewrite && rule.Scope != ScopeCheck {
			return fmt.Errorf("rule %s: unknown scope %q", rule.Name, rule.Scope)
		}
		if rule.rewrite != nil || rule.re != nil {
			continue
		}
		if rule.Pattern == "" {
			return fmt.Errorf("rule %s: pattern required", rule.Name)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		rule.re = re
	}
	return nil
}

// Rewrite applies every rewrite rule and reports which ones changed the SQL.
func (rs *Ruleset) Rewrite(sql string) (string, []string) {
	var applied []string
	for _, rule := range rs.Rules {
		if rule.Scope != ScopeRewrite {
			continue
		}
		var out string
		if rule.rewrite != nil {
			out = rule.rewrite(sql)
		} else {
			out = rule.re.ReplaceAllString(sql, rule.Replace)
		}
		if out != sql {
			applied = append(applied, rule.Name)
			sql = out
		}
	}
	return sql, applied
}

// Violations lists the check rules matched by sql.
func (rs *Ruleset) Violations(sql string) []string {
	var out []string
	for _, rule := range rs.Rules {
		if rule.Scope != ScopeCheck || rule.re == nil {
			continue
		}
		if loc := rule.re.FindStringIndex(sql); loc != nil {
			out = append(out, fmt.Sprintf("%s: %s (near %q)", rule.Name, rule.Description, strings.TrimSpace(sql[loc[0]:loc[1]])))
		}
	}
	return out
}

// rewriteTop turns the first SELECT TOP n into a trailing LIMIT n.
func rewriteTop(sql string) string {
	m := topPattern.FindStringSubmatchIndex(sql)
	if m == nil {
		return sql
	}
	distinct := ""
	if m[2] >= 0 {
		distinct = sql[m[2]:m[3]]
	}
	n := sql[m[4]:m[5]]
	rest := strings.TrimRight(sql[m[6]:m[7]], " \t\r\n;")
	return sql[:m[0]] + "select " + distinct + rest + "\nlimit " + n
}
