package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists scoring results in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed result store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the fraud_checks table if it doesn't exist. Deployments
// managed with cmd/migrate get the same schema from migrations/.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fraud_checks (
			transaction_id   VARCHAR(128) PRIMARY KEY,
			account_id       VARCHAR(128) NOT NULL,
			fraud_score      NUMERIC(5,2) NOT NULL CHECK (fraud_score >= 0 AND fraud_score <= 100),
			decision         VARCHAR(10) NOT NULL CHECK (decision IN ('APPROVE', 'REVIEW', 'DECLINE')),
			signals          JSONB NOT NULL DEFAULT '[]',
			latency_ms       DOUBLE PRECISION NOT NULL DEFAULT 0,
			requires_review  BOOLEAN NOT NULL DEFAULT FALSE,
			evaluated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_fraud_checks_account
			ON fraud_checks (account_id, evaluated_at DESC);

		CREATE INDEX IF NOT EXISTS idx_fraud_checks_declines
			ON fraud_checks (evaluated_at DESC) WHERE decision = 'DECLINE';
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, result *Result) error {
	signalsJSON, err := json.Marshal(result.Signals)
	if err != nil {
		return fmt.Errorf("failed to marshal signals: %w", err)
	}

	// A retried transaction id keeps the latest verdict.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fraud_checks (transaction_id, account_id, fraud_score, decision, signals,
			latency_ms, requires_review, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (transaction_id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			fraud_score = EXCLUDED.fraud_score,
			decision = EXCLUDED.decision,
			signals = EXCLUDED.signals,
			latency_ms = EXCLUDED.latency_ms,
			requires_review = EXCLUDED.requires_review,
			evaluated_at = EXCLUDED.evaluated_at
	`,
		result.TransactionID,
		result.AccountID,
		result.FraudScore,
		string(result.Decision),
		signalsJSON,
		result.LatencyMs,
		result.RequiresReview,
		time.UnixMilli(result.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to record fraud check: %w", err)
	}
	return nil
}

const resultColumns = `transaction_id, account_id, fraud_score, decision, signals,
	latency_ms, requires_review, evaluated_at`

func (s *PostgresStore) Get(ctx context.Context, transactionID string) (*Result, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+resultColumns+`
		FROM fraud_checks
		WHERE transaction_id = $1
	`, transactionID)

	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fraud check: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+`
		FROM fraud_checks
		WHERE account_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list fraud checks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			continue
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(sc scanner) (*Result, error) {
	var (
		r           Result
		signalsJSON []byte
		evaluatedAt time.Time
	)
	if err := sc.Scan(&r.TransactionID, &r.AccountID, &r.FraudScore, &r.Decision, &signalsJSON,
		&r.LatencyMs, &r.RequiresReview, &evaluatedAt); err != nil {
		return nil, err
	}
	r.Timestamp = evaluatedAt.UnixMilli()
	r.Signals = []Signal{}
	_ = json.Unmarshal(signalsJSON, &r.Signals)
	return &r, nil
}
