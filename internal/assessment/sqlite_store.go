package assessment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists assessments in a local SQLite file. It suits
// single-node deployments and the riskctl CLI.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the SQLite database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY and keeps
	// ":memory:" databases from splitting per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}
	return db, nil
}

// NewSQLiteStore creates a SQLite-backed assessment store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Migrate creates the risk_assessments table if it doesn't exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_assessments (
			id               TEXT PRIMARY KEY,
			session_id       TEXT NOT NULL DEFAULT '',
			score            INTEGER NOT NULL CHECK (score >= 0 AND score <= 100),
			status           TEXT NOT NULL,
			action           TEXT NOT NULL,
			hard_rule_fired  INTEGER NOT NULL DEFAULT 0,
			hard_rule_code   TEXT NOT NULL DEFAULT '',
			hard_rule_mode   TEXT NOT NULL DEFAULT 'override',
			model_version    TEXT NOT NULL,
			weights_version  TEXT NOT NULL,
			reason_codes     TEXT NOT NULL DEFAULT '[]',
			context          TEXT NOT NULL DEFAULT '{}',
			evaluated_at     INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_session
			ON risk_assessments (session_id, evaluated_at DESC);
	`)
	return err
}

func (s *SQLiteStore) Record(ctx context.Context, a *Assessment) error {
	r, err := toRecord(a)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (
			id, session_id, score, status, action, hard_rule_fired, hard_rule_code,
			hard_rule_mode, model_version, weights_version, reason_codes, context, evaluated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.SessionID, r.Score, r.Status, r.Action, r.HardRuleFired, r.HardRuleCode,
		r.HardRuleMode, r.ModelVersion, r.WeightsVersion, string(r.ReasonCodes), string(r.Context),
		r.EvaluatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record assessment: %w", err)
	}
	return nil
}

const sqliteSelectColumns = `
	SELECT id, session_id, score, status, action, hard_rule_fired, hard_rule_code,
	       hard_rule_mode, model_version, weights_version, reason_codes, context, evaluated_at
	FROM risk_assessments`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Assessment, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectColumns+` WHERE id = ?`, id)
	a, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectColumns+`
		WHERE session_id = ?
		ORDER BY evaluated_at DESC, id DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		a, err := scanSQLite(rows)
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

func (s *SQLiteStore) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// scanSQLite reads a row whose timestamps are unix nanoseconds and whose
// JSON columns are TEXT.
func scanSQLite(sc scanner) (*Assessment, error) {
	var (
		r        record
		reasons  string
		ctxJSON  string
		evalNano int64
	)
	err := sc.Scan(
		&r.ID, &r.SessionID, &r.Score, &r.Status, &r.Action, &r.HardRuleFired, &r.HardRuleCode,
		&r.HardRuleMode, &r.ModelVersion, &r.WeightsVersion, &reasons, &ctxJSON, &evalNano,
	)
	if err != nil {
		return nil, err
	}
	r.ReasonCodes = []byte(reasons)
	r.Context = []byte(ctxJSON)
	r.EvaluatedAt = time.Unix(0, evalNano)
	return r.assessment()
}
