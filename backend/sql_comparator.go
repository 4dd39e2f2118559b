package backend

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lexcodex/dbtmigrate/framework"
	"github.com/lexcodex/dbtmigrate/internal/retry"
)

// SQLComparator compares row counts of the legacy object and the built model.
type SQLComparator struct {
	// Source is the legacy database. When nil the metadata row count is used.
	Source *sql.DB
	// Target is the warehouse the dbt project builds into.
	Target *sql.DB
	// TargetSchema qualifies model relations when set.
	TargetSchema string
	Retry        retry.Config
}

// OpenSQLComparator opens the source and target databases. driver is
// "sqlite3" or "postgres"; an empty sourceDSN falls back to metadata counts.
func OpenSQLComparator(driver, sourceDSN, targetDSN, targetSchema string) (*SQLComparator, error) {
	switch driver {
	case "sqlite3", "postgres":
	default:
		return nil, &framework.ConfigurationError{Field: "comparator.driver", Reason: fmt.Sprintf("unsupported driver %q", driver)}
	}
	if targetDSN == "" {
		return nil, &framework.ConfigurationError{Field: "comparator.target_dsn", Reason: "required"}
	}
	cmp := &SQLComparator{TargetSchema: targetSchema, Retry: retry.DefaultConfig()}
	var err error
	if cmp.Target, err = sql.Open(driver, targetDSN); err != nil {
		return nil, err
	}
	if sourceDSN != "" {
		if cmp.Source, err = sql.Open(driver, sourceDSN); err != nil {
			cmp.Target.Close()
			return nil, err
		}
	}
	return cmp, nil
}

// Close releases both connections.
func (c *SQLComparator) Close() error {
	var firstErr error
	for _, db := range []*sql.DB{c.Source, c.Target} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Compare scores min(count)/max(count). Two empty relations score 1. A
// procedure without a recorded row count whose model is also empty falls back
// to the structural column check.
func (c *SQLComparator) Compare(ctx context.Context, source framework.SourceObject, model framework.ModelState, projectPath string) (*framework.Comparison, error) {
	target, err := c.count(ctx, c.Target, qualify(c.TargetSchema, model.Name))
	if err != nil {
		return nil, fmt.Errorf("count model %s: %w", model.Name, err)
	}
	if source.Kind == framework.KindProcedure && source.RowCount == 0 {
		if target == 0 {
			// no recorded output to count against; judge the select list instead
			return StructuralComparator{}.Compare(ctx, source, model, projectPath)
		}
		return &framework.Comparison{Score: 1}, nil
	}
	expected := source.RowCount
	if c.Source != nil && source.Kind != framework.KindProcedure {
		if expected, err = c.count(ctx, c.Source, qualify(source.Schema, source.Name)); err != nil {
			return nil, fmt.Errorf("count source %s: %w", source.QualifiedName(), err)
		}
	}
	return RowCountScore(expected, target), nil
}

// RowCountScore turns two row counts into a Comparison.
func RowCountScore(expected, actual int64) *framework.Comparison {
	if expected == actual {
		return &framework.Comparison{Score: 1}
	}
	lo, hi := expected, actual
	if lo > hi {
		lo, hi = hi, lo
	}
	return &framework.Comparison{
		Score:         float64(lo) / float64(hi),
		Discrepancies: []string{fmt.Sprintf("row count mismatch: source %d, model %d", expected, actual)},
	}
}

func (c *SQLComparator) count(ctx context.Context, db *sql.DB, relation string) (int64, error) {
	var n int64
	err := retry.Do(ctx, c.Retry, func(ctx context.Context) error {
		return db.QueryRowContext(ctx, "select count(*) from "+relation).Scan(&n)
	})
	return n, err
}

func qualify(schema, name string) string {
	if schema == "" {
		return quote(name)
	}
	return quote(schema) + "." + quote(name)
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(strings.Trim(ident, `[]"`), `"`, `""`) + `"`
}
