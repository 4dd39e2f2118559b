package backend

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/lexcodex/dbtmigrate/framework"
)

var (
	selectList = regexp.MustCompile(`(?is)\bselect\s+(?:distinct\s+)?(.*?)\bfrom\b`)
	aliasTail  = regexp.MustCompile(`(?is)\bas\s+["\[]?(\w+)["\]]?\s*$`)
)

// StructuralComparator scores a model by how many source columns its final
// select list exposes.
type StructuralComparator struct{}

// Compare returns matched/expected columns. Objects without column metadata
// score 1.
func (StructuralComparator) Compare(ctx context.Context, source framework.SourceObject, model framework.ModelState, projectPath string) (*framework.Comparison, error) {
	sql, err := readModel(projectPath, model)
	if err != nil {
		return nil, err
	}
	return CompareColumns(source, sql), nil
}

// CompareColumns is the file-free core of StructuralComparator.
func CompareColumns(source framework.SourceObject, sql string) *framework.Comparison {
	expected := make([]string, 0, len(source.Columns))
	for _, c := range source.Columns {
		expected = append(expected, strings.ToLower(strings.Trim(c.Name, `[]"`)))
	}
	if len(expected) == 0 {
		return &framework.Comparison{Score: 1}
	}
	got := OutputColumns(sql)
	if got == nil {
		return &framework.Comparison{Score: 0, Discrepancies: []string{"no explicit select list found"}}
	}
	have := map[string]bool{}
	for _, c := range got {
		have[c] = true
	}
	cmp := &framework.Comparison{}
	matched := 0
	want := map[string]bool{}
	for _, c := range expected {
		want[c] = true
		if have[c] {
			matched++
			continue
		}
		cmp.Discrepancies = append(cmp.Discrepancies, fmt.Sprintf("missing column %s", c))
	}
	for _, c := range got {
		if !want[c] {
			cmp.Discrepancies = append(cmp.Discrepancies, fmt.Sprintf("unexpected column %s", c))
		}
	}
	cmp.Score = float64(matched) / float64(len(expected))
	return cmp
}

// OutputColumns returns the lower-cased names of the last explicit select
// list in sql, or nil when every select is `select *`.
func OutputColumns(sql string) []string {
	matches := selectList.FindAllStringSubmatch(sql, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		list := strings.TrimSpace(matches[i][1])
		if list == "*" || list == "" {
			continue
		}
		var out []string
		for _, item := range splitTopLevel(list) {
			if name := columnName(item); name != "" {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}

func splitTopLevel(list string) []string {
	var items []string
	depth, start := 0, 0
	for i, r := range list {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				items = append(items, list[start:i])
				start = i + 1
			}
		}
	}
	return append(items, list[start:])
}

func columnName(item string) string {
	item = strings.TrimSpace(item)
	if m := aliasTail.FindStringSubmatch(item); m != nil {
		return strings.ToLower(m[1])
	}
	fields := strings.Fields(item)
	if len(fields) == 0 {
		return ""
	}
	last := fields[len(fields)-1]
	if i := strings.LastIndex(last, "."); i >= 0 {
		last = last[i+1:]
	}
	return strings.ToLower(strings.Trim(last, `[]"`))
}
