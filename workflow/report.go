package workflow

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/lexcodex/dbtmigrate/framework"
)

// ReportCounts summarises model outcomes. Skipped models were not terminal
// when the run ended.
type ReportCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ModelReport is the per-model line of a FinalReport.
type ModelReport struct {
	Name            string                `json:"name"`
	Status          framework.ModelStatus `json:"status"`
	Attempts        int                   `json:"attempts"`
	Errors          []string              `json:"errors"`
	ValidationScore *float64              `json:"validation_score,omitempty"`
}

// FinalReport is produced at the end of every run, including runs where every
// model failed.
type FinalReport struct {
	RunID       string          `json:"run_id"`
	Phase       framework.Phase `json:"phase"`
	Stopped     bool            `json:"stopped"`
	Counts      ReportCounts    `json:"counts"`
	Models      []ModelReport   `json:"models"`
	TotalErrors int             `json:"total_errors"`
	RunErrors   []string        `json:"run_errors,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	Duration    time.Duration   `json:"duration"`
}

// BuildReport summarises state.
func BuildReport(state *framework.MigrationState, started, finished time.Time) *FinalReport {
	report := &FinalReport{
		Models:     []ModelReport{},
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
	}
	if state == nil {
		return report
	}
	report.RunID = state.RunID
	report.Phase = state.Phase
	report.Stopped = state.Phase == framework.PhaseStopped
	report.TotalErrors = len(state.Errors)
	for _, m := range state.Models {
		mr := ModelReport{
			Name:     m.Name,
			Status:   m.Status,
			Attempts: m.Attempts,
			Errors:   append([]string{}, m.Errors...),
		}
		if m.ValidationScore != nil {
			score := *m.ValidationScore
			mr.ValidationScore = &score
		}
		report.Models = append(report.Models, mr)
		report.Counts.Total++
		switch m.Status {
		case framework.StatusCompleted:
			report.Counts.Completed++
		case framework.StatusFailed:
			report.Counts.Failed++
		default:
			report.Counts.Skipped++
		}
	}
	modelErrors := map[string]bool{}
	for _, m := range state.Models {
		for _, e := range m.Errors {
			modelErrors[m.Name+": "+e] = true
		}
	}
	for _, e := range state.Errors {
		if !modelErrors[e] {
			report.RunErrors = append(report.RunErrors, e)
		}
	}
	return report
}

// WriteJSON encodes the report as indented JSON.
func (r *FinalReport) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

var (
	colorPrimary = lipgloss.Color("39")
	colorSuccess = lipgloss.Color("42")
	colorWarning = lipgloss.Color("220")
	colorError   = lipgloss.Color("196")
	colorDim     = lipgloss.Color("241")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim).
			Padding(0, 1)

	dimStyle       = lipgloss.NewStyle().Foreground(colorDim)
	completedStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	failedStyle    = lipgloss.NewStyle().Foreground(colorError)
	skippedStyle   = lipgloss.NewStyle().Foreground(colorWarning)
)

func statusStyle(status framework.ModelStatus) lipgloss.Style {
	switch status {
	case framework.StatusCompleted:
		return completedStyle
	case framework.StatusFailed:
		return failedStyle
	default:
		return skippedStyle
	}
}

// Render formats the report for a terminal.
func (r *FinalReport) Render() string {
	var b strings.Builder
	title := fmt.Sprintf("run %s: %s", r.RunID, r.Phase)
	if r.Stopped {
		title += " (stopped, resumable)"
	}
	b.WriteString(headerStyle.Render(title))
	b.WriteByte('\n')
	b.WriteString(fmt.Sprintf("%s  %s  %s  %s\n",
		fmt.Sprintf("total %d", r.Counts.Total),
		completedStyle.Render(fmt.Sprintf("completed %d", r.Counts.Completed)),
		failedStyle.Render(fmt.Sprintf("failed %d", r.Counts.Failed)),
		skippedStyle.Render(fmt.Sprintf("skipped %d", r.Counts.Skipped))))

	nameWidth := len("model")
	for _, m := range r.Models {
		if len(m.Name) > nameWidth {
			nameWidth = len(m.Name)
		}
	}
	var rows strings.Builder
	rows.WriteString(dimStyle.Render(fmt.Sprintf("%-*s  %-12s  %8s  %5s", nameWidth, "model", "status", "attempts", "score")))
	for _, m := range r.Models {
		score := "-"
		if m.ValidationScore != nil {
			score = fmt.Sprintf("%.2f", *m.ValidationScore)
		}
		rows.WriteByte('\n')
		rows.WriteString(fmt.Sprintf("%-*s  ", nameWidth, m.Name))
		rows.WriteString(statusStyle(m.Status).Render(fmt.Sprintf("%-12s", m.Status)))
		rows.WriteString(fmt.Sprintf("  %8d  %5s", m.Attempts, score))
		if m.Status == framework.StatusFailed {
			if last := lastError(m.Errors); last != "" {
				rows.WriteByte('\n')
				rows.WriteString(dimStyle.Render("  " + last))
			}
		}
	}
	if len(r.Models) > 0 {
		b.WriteString(boxStyle.Render(rows.String()))
		b.WriteByte('\n')
	}
	for _, e := range r.RunErrors {
		b.WriteString(failedStyle.Render("error: " + e))
		b.WriteByte('\n')
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("%d error(s) recorded, finished in %s", r.TotalErrors, r.Duration.Round(time.Millisecond))))
	b.WriteByte('\n')
	return b.String()
}

func lastError(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	return errs[len(errs)-1]
}
