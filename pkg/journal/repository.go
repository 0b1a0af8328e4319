package journal

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/takeover-io/takeover/pkg/errors"
	_ "modernc.org/sqlite"
)

// Journal appends transitions to a SQLite database.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal at dbPath.
func Open(dbPath string) (*Journal, error) {
	slog.Debug("journal_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("journal_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open journal")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("journal_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("journal_ready", "db_path", dbPath)
	return &Journal{db: db}, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends tr and fills in its ID.
func (j *Journal) Record(ctx context.Context, tr *Transition) error {
	query := `
		INSERT INTO transitions (migration_id, kind, from_stage, to_stage, phase, attempt, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := j.db.ExecContext(ctx, query,
		tr.MigrationID, tr.Kind, tr.FromStage, tr.ToStage, tr.Phase, tr.Attempt, tr.Detail)
	if err != nil {
		slog.Error("journal_insert_failed", "migration_id", tr.MigrationID, "kind", tr.Kind, "error", err)
		return errors.Wrap(err, "failed to insert transition")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	tr.ID = id

	slog.Debug("journal_recorded", "migration_id", tr.MigrationID, "kind", tr.Kind, "from", tr.FromStage, "to", tr.ToStage)
	return nil
}

// List returns the transitions of one migration, oldest first.
func (j *Journal) List(ctx context.Context, migrationID string) ([]*Transition, error) {
	return j.query(ctx, `
		SELECT id, migration_id, kind, from_stage, to_stage, phase, attempt, detail, created_at
		FROM transitions WHERE migration_id = ? ORDER BY id
	`, migrationID)
}

// ListAll returns every recorded transition, oldest first.
func (j *Journal) ListAll(ctx context.Context) ([]*Transition, error) {
	return j.query(ctx, `
		SELECT id, migration_id, kind, from_stage, to_stage, phase, attempt, detail, created_at
		FROM transitions ORDER BY id
	`)
}

func (j *Journal) query(ctx context.Context, query string, args ...any) ([]*Transition, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("journal_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list transitions")
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		var tr Transition
		var detail sql.NullString
		if err := rows.Scan(&tr.ID, &tr.MigrationID, &tr.Kind, &tr.FromStage, &tr.ToStage,
			&tr.Phase, &tr.Attempt, &detail, &tr.CreatedAt); err != nil {
			slog.Error("journal_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		tr.Detail = detail.String
		out = append(out, &tr)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return out, nil
}
