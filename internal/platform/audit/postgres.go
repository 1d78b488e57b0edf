package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS medstore_audit_log (
	id          BIGSERIAL PRIMARY KEY,
	recorded_at TIMESTAMPTZ NOT NULL,
	patient_id  TEXT NOT NULL,
	description TEXT NOT NULL
)`

// Execer is the subset of *pgxpool.Pool used by PostgresSink.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink writes audit events to the medstore_audit_log table. The
// caller owns the pool.
type PostgresSink struct {
	db Execer
}

// NewPostgresSink ensures the audit table exists.
func NewPostgresSink(ctx context.Context, db Execer) (*PostgresSink, error) {
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("audit postgres: create table: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

func (s *PostgresSink) Append(ctx context.Context, e Event) error {
	const query = `
		INSERT INTO medstore_audit_log (recorded_at, patient_id, description)
		VALUES ($1, $2, $3)`

	tag, err := s.db.Exec(ctx, query, e.Time.UTC(), e.PatientID, e.Description)
	if err != nil {
		return fmt.Errorf("audit postgres: insert: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("audit postgres: insert affected %d rows", tag.RowsAffected())
	}
	return nil
}
