package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at TEXT NOT NULL,
	patient_id  TEXT NOT NULL,
	description TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_patient ON audit_log(patient_id);
`

// SQLiteSink stores audit events in a local SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink creates or opens the database at path and ensures the
// audit_log table exists.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit sqlite: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit sqlite: connect: %w", err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit sqlite: %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit sqlite: apply schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Append(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (recorded_at, patient_id, description) VALUES (?, ?, ?)`,
		e.Time.Format(time.RFC3339Nano), e.PatientID, e.Description)
	if err != nil {
		return fmt.Errorf("audit sqlite: insert: %w", err)
	}
	return nil
}

// Events returns the stored events for patientID in insertion order, or all
// events when patientID is empty.
func (s *SQLiteSink) Events(ctx context.Context, patientID string) ([]Event, error) {
	query := `SELECT recorded_at, patient_id, description FROM audit_log`
	var args []any
	if patientID != "" {
		query += ` WHERE patient_id = ?`
		args = append(args, patientID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit sqlite: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var recorded string
		var e Event
		if err := rows.Scan(&recorded, &e.PatientID, &e.Description); err != nil {
			return nil, fmt.Errorf("audit sqlite: scan: %w", err)
		}
		e.Time, err = time.Parse(time.RFC3339Nano, recorded)
		if err != nil {
			return nil, fmt.Errorf("audit sqlite: parse recorded_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping checks the database is reachable.
func (s *SQLiteSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteSink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
