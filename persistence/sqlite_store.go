package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lexcodex/dbtmigrate/framework"
)

// SQLiteSnapshotStore keeps snapshots in a single SQLite table.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// NewSQLiteSnapshotStore opens/creates the database at dbPath.
func NewSQLiteSnapshotStore(dbPath string) (*SQLiteSnapshotStore, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite snapshot path required")
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store := &SQLiteSnapshotStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteSnapshotStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS snapshots (
		run_id TEXT PRIMARY KEY,
		phase TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS snapshots_updated ON snapshots(updated_at);
	`)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteSnapshotStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts the snapshot inside a transaction.
func (s *SQLiteSnapshotStore) Save(ctx context.Context, state *framework.MigrationState) error {
	data, err := encode(state)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO snapshots (run_id, phase, body, updated_at, archived)
	VALUES (?, ?, ?, ?, 0)
	ON CONFLICT(run_id) DO UPDATE SET
		phase=excluded.phase,
		body=excluded.body,
		updated_at=excluded.updated_at,
		archived=0
	`, state.RunID, string(state.Phase), string(data), updatedAt(state))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("save snapshot %s: %w", state.RunID, err)
	}
	return tx.Commit()
}

func updatedAt(state *framework.MigrationState) time.Time {
	if state.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return state.UpdatedAt.UTC()
}

// Load retrieves a snapshot by run ID.
func (s *SQLiteSnapshotStore) Load(ctx context.Context, runID string) (*framework.MigrationState, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM snapshots WHERE run_id = ?`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(runID)
	}
	if err != nil {
		return nil, err
	}
	return decode([]byte(body))
}

// List returns every stored snapshot, newest first.
func (s *SQLiteSnapshotStore) List(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body, archived FROM snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var infos []SnapshotInfo
	for rows.Next() {
		var body string
		var archived bool
		if err := rows.Scan(&body, &archived); err != nil {
			return nil, err
		}
		state, err := decode([]byte(body))
		if err != nil {
			return nil, err
		}
		infos = append(infos, infoFor(state, archived))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortInfos(infos)
	return infos, nil
}

// Delete removes a snapshot.
func (s *SQLiteSnapshotStore) Delete(ctx context.Context, runID string) error {
	return s.exec(ctx, runID, `DELETE FROM snapshots WHERE run_id = ?`)
}

// Archive flags a snapshot as archived; it stays loadable.
func (s *SQLiteSnapshotStore) Archive(ctx context.Context, runID string) error {
	return s.exec(ctx, runID, `UPDATE snapshots SET archived = 1 WHERE run_id = ?`)
}

func (s *SQLiteSnapshotStore) exec(ctx context.Context, runID, query string) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(runID)
	}
	return nil
}
