package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/lexcodex/dbtmigrate/agents"
	"github.com/lexcodex/dbtmigrate/framework"
)

var (
	selectKeyword = regexp.MustCompile(`(?i)\bselect\b`)
	jinjaBlock    = regexp.MustCompile(`(?s)\{\{.*?\}\}|\{%.*?%\}|\{#.*?#\}`)
	lineComment   = regexp.MustCompile(`--[^\n]*`)
)

// StaticBackend checks a model offline, without a warehouse or dbt install.
type StaticBackend struct {
	Rules *agents.Ruleset
}

// NewStaticBackend builds a checker over rules, or the default ruleset.
func NewStaticBackend(rules *agents.Ruleset) *StaticBackend {
	if rules == nil {
		rules = agents.DefaultRuleset()
	}
	return &StaticBackend{Rules: rules}
}

// CompileAndTest reads the model file and reports every structural problem.
func (s *StaticBackend) CompileAndTest(ctx context.Context, projectPath string, model framework.ModelState) (*framework.CompileResult, error) {
	sql, err := readModel(projectPath, model)
	if err != nil {
		return &framework.CompileResult{Diagnostics: []string{err.Error()}}, nil
	}
	diags := s.Check(sql)
	return &framework.CompileResult{Passed: len(diags) == 0, Diagnostics: diags, Output: sql}, nil
}

// Check returns the diagnostics for sql; none means it passes.
func (s *StaticBackend) Check(sql string) []string {
	if strings.TrimSpace(sql) == "" {
		return []string{"model is empty"}
	}
	var diags []string
	if open, close := strings.Count(sql, "{{"), strings.Count(sql, "}}"); open != close {
		diags = append(diags, fmt.Sprintf("unbalanced jinja expression braces: %d opening, %d closing", open, close))
	}
	if open, close := strings.Count(sql, "{%"), strings.Count(sql, "%}"); open != close {
		diags = append(diags, fmt.Sprintf("unbalanced jinja statement braces: %d opening, %d closing", open, close))
	}
	body := lineComment.ReplaceAllString(jinjaBlock.ReplaceAllString(sql, " relation "), "")
	if msg := balance(body); msg != "" {
		diags = append(diags, msg)
	}
	if !selectKeyword.MatchString(body) {
		diags = append(diags, "model has no select statement")
	}
	diags = append(diags, s.Rules.Violations(body)...)
	return diags
}

// balance checks parentheses outside string literals and that every literal
// is closed.
func balance(sql string) string {
	depth := 0
	var quote rune
	for _, r := range sql {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			depth--
			if depth < 0 {
				return "unexpected closing parenthesis"
			}
		}
	}
	if quote != 0 {
		return fmt.Sprintf("unterminated %c quoted literal", quote)
	}
	if depth > 0 {
		return fmt.Sprintf("%d unclosed parenthesis", depth)
	}
	return ""
}

func readModel(projectPath string, model framework.ModelState) (string, error) {
	if model.FilePath == "" {
		return "", fmt.Errorf("model %s has no file", model.Name)
	}
	path := model.FilePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(projectPath, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read model %s: %w", model.Name, err)
	}
	return string(data), nil
}
