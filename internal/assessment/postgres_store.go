package assessment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_assessments table if it doesn't exist. It
// mirrors migrations/001_risk_assessments.sql for deployments that do not
// run cmd/migrate.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_assessments (
			id               VARCHAR(40) PRIMARY KEY,
			session_id       VARCHAR(128) NOT NULL DEFAULT '',
			score            SMALLINT NOT NULL CHECK (score >= 0 AND score <= 100),
			status           VARCHAR(16) NOT NULL CHECK (status IN ('LEGITIMATE', 'SUSPICIOUS', 'HIGH_RISK')),
			action           VARCHAR(16) NOT NULL CHECK (action IN ('ALLOW', 'STEP_UP_AUTH', 'BLOCK')),
			hard_rule_fired  BOOLEAN NOT NULL DEFAULT FALSE,
			hard_rule_code   VARCHAR(64) NOT NULL DEFAULT '',
			hard_rule_mode   VARCHAR(16) NOT NULL DEFAULT 'override',
			model_version    VARCHAR(32) NOT NULL,
			weights_version  VARCHAR(64) NOT NULL,
			reason_codes     JSONB NOT NULL DEFAULT '[]',
			context          JSONB NOT NULL DEFAULT '{}',
			evaluated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_session
			ON risk_assessments (session_id, evaluated_at DESC) WHERE session_id <> '';

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_blocks
			ON risk_assessments (evaluated_at DESC) WHERE action = 'BLOCK';
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	r, err := toRecord(a)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (
			id, session_id, score, status, action, hard_rule_fired, hard_rule_code,
			hard_rule_mode, model_version, weights_version, reason_codes, context, evaluated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		r.ID, r.SessionID, r.Score, r.Status, r.Action, r.HardRuleFired, r.HardRuleCode,
		r.HardRuleMode, r.ModelVersion, r.WeightsVersion, r.ReasonCodes, r.Context, r.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record assessment: %w", err)
	}
	return nil
}

const pgSelectColumns = `
	SELECT id, session_id, score, status, action, hard_rule_fired, hard_rule_code,
	       hard_rule_mode, model_version, weights_version, reason_codes, context, evaluated_at
	FROM risk_assessments`

func (s *PostgresStore) Get(ctx context.Context, id string) (*Assessment, error) {
	row := s.db.QueryRowContext(ctx, pgSelectColumns+` WHERE id = $1`, id)
	a, err := scanAssessment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, pgSelectColumns+`
		WHERE session_id = $1
		ORDER BY evaluated_at DESC, id DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanAll(rows)
}

func (s *PostgresStore) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (record, error) {
	var r record
	err := sc.Scan(
		&r.ID, &r.SessionID, &r.Score, &r.Status, &r.Action, &r.HardRuleFired, &r.HardRuleCode,
		&r.HardRuleMode, &r.ModelVersion, &r.WeightsVersion, &r.ReasonCodes, &r.Context, &r.EvaluatedAt,
	)
	return r, err
}

func scanAssessment(sc scanner) (*Assessment, error) {
	r, err := scanRecord(sc)
	if err != nil {
		return nil, err
	}
	return r.assessment()
}

func scanAll(rows *sql.Rows) ([]*Assessment, error) {
	var result []*Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate assessments: %w", err)
	}
	return result, nil
}
