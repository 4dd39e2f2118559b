package agents

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexcodex/dbtmigrate/framework"
)

const (
	StrategyLayered = "layered"
	StrategyDirect  = "direct"

	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// layeredThreshold is the object count above which a layered project is
// recommended even without procedures.
const layeredThreshold = 20

var complexityMarkers = []struct {
	note    string
	pattern *regexp.Regexp
	manual  bool
}{
	{"uses cursors", regexp.MustCompile(`(?i)\bcursor\s+for\b`), true},
	{"uses temporary tables", regexp.MustCompile(`#\w+`), false},
	{"builds dynamic SQL", regexp.MustCompile(`(?i)\bexec(ute)?\s*\(|\bsp_executesql\b`), true},
	{"declares variables", regexp.MustCompile(`(?i)\bdeclare\s+@`), false},
}

// AssessmentAgent inventories the legacy schema and scores its complexity.
type AssessmentAgent struct {
	Reasoner framework.Reasoner
	Logger   zerolog.Logger
}

func (a *AssessmentAgent) Role() framework.Role { return framework.RoleAssessment }

// Execute builds the AssessmentReport. Empty metadata fails the result.
func (a *AssessmentAgent) Execute(ctx context.Context, actx *framework.AgentContext) (*framework.AgentResult, error) {
	if actx == nil || actx.Metadata.Empty() {
		return framework.FailedWith(a.Role(), "", framework.ErrMetadataEmpty), nil
	}
	meta := actx.Metadata
	report := &framework.AssessmentReport{
		ObjectCounts: map[framework.ObjectKind]int{
			framework.KindTable:     len(meta.Tables),
			framework.KindView:      len(meta.Views),
			framework.KindProcedure: len(meta.Procedures),
		},
		DependencyCount: len(meta.Dependencies),
	}
	deps := dependencyCounts(meta)
	for _, obj := range meta.Objects() {
		report.TotalObjects++
		report.TotalColumns += len(obj.Columns)
		score := scoreObject(obj, deps[strings.ToLower(obj.QualifiedName())])
		report.Complexity = append(report.Complexity, score)
		if needsManualReview(obj, score) {
			report.ManualReview = append(report.ManualReview, obj.QualifiedName())
		}
	}
	report.Strategy = StrategyDirect
	if len(meta.Procedures) > 0 || report.TotalObjects > layeredThreshold {
		report.Strategy = StrategyLayered
	}
	if a.Reasoner != nil {
		recs, err := a.Reasoner.Advise(ctx, report, meta)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("assessment advice unavailable")
		} else {
			report.Recommendations = recs
		}
	}
	a.Logger.Info().
		Int("objects", report.TotalObjects).
		Int("dependencies", report.DependencyCount).
		Str("strategy", report.Strategy).
		Msg("assessment complete")
	return framework.Succeeded(a.Role(), "", report), nil
}

// dependencyCounts counts outgoing edges per resolved object name.
func dependencyCounts(meta *framework.Metadata) map[string]int {
	out := map[string]int{}
	for _, dep := range meta.Dependencies {
		name := dep.Source
		if obj, ok := meta.Lookup(dep.Source); ok {
			name = obj.QualifiedName()
		}
		out[strings.ToLower(name)]++
	}
	return out
}

func scoreObject(obj framework.SourceObject, deps int) framework.ObjectComplexity {
	score := 1
	switch obj.Kind {
	case framework.KindView:
		score = 2
	case framework.KindProcedure:
		score = 4
	}
	score += len(obj.Columns)/10 + deps
	var notes []string
	for _, m := range complexityMarkers {
		if m.pattern.MatchString(obj.Definition) {
			score += 2
			notes = append(notes, m.note)
		}
	}
	if deps > 0 {
		notes = append(notes, fmt.Sprintf("depends on %d object(s)", deps))
	}
	return framework.ObjectComplexity{
		Object: obj.QualifiedName(),
		Kind:   obj.Kind,
		Score:  score,
		Level:  complexityLevel(score),
		Notes:  notes,
	}
}

func complexityLevel(score int) string {
	switch {
	case score <= 3:
		return ComplexityLow
	case score <= 7:
		return ComplexityMedium
	default:
		return ComplexityHigh
	}
}

func needsManualReview(obj framework.SourceObject, c framework.ObjectComplexity) bool {
	if c.Level == ComplexityHigh {
		return true
	}
	for _, m := range complexityMarkers {
		if m.manual && m.pattern.MatchString(obj.Definition) {
			return true
		}
	}
	return false
}
