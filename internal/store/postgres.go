package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/fxsim/internal/model"
)

// PostgresSchema creates the document row and the trade journal.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS sim_state (
	id         SMALLINT PRIMARY KEY CHECK (id = 1),
	version    BIGINT      NOT NULL,
	doc        JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id        UUID PRIMARY KEY,
	username  TEXT        NOT NULL,
	side      TEXT        NOT NULL,
	notional  NUMERIC     NOT NULL,
	quantity  NUMERIC     NOT NULL,
	price     NUMERIC     NOT NULL,
	proceeds  NUMERIC     NOT NULL,
	profit    NUMERIC     NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_user ON ledger_entries (username, timestamp DESC);
`

// PostgresStore implements Store and Journal using PostgreSQL.
// The document lives in a single JSONB row; journal amounts are NUMERIC for
// exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema applies PostgresSchema.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (*model.Document, error) {
	var doc string
	err := s.pool.QueryRow(ctx, `SELECT doc::TEXT FROM sim_state WHERE id = 1`).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return decode([]byte(doc))
}

func (s *PostgresStore) Save(ctx context.Context, doc *model.Document) error {
	return commit(doc, func(next *model.Document, data []byte) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO sim_state (id, version, doc, updated_at)
			 VALUES (1, $1, $2::JSONB, now())
			 ON CONFLICT (id) DO UPDATE SET
			     version    = EXCLUDED.version,
			     doc        = EXCLUDED.doc,
			     updated_at = EXCLUDED.updated_at`,
			next.Version, string(data),
		)
		if err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Append(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, username, side, notional, quantity, price, proceeds, profit, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		e.ID, e.Username, e.Side,
		e.Notional.String(), e.Quantity.String(), e.Price.String(),
		e.Proceeds.String(), e.Profit.String(),
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, username string, limit int) ([]model.LedgerEntry, error) {
	query := `SELECT id::TEXT, username, side,
	                 notional::TEXT, quantity::TEXT, price::TEXT,
	                 proceeds::TEXT, profit::TEXT, timestamp
	          FROM ledger_entries
	          WHERE username = $1
	          ORDER BY timestamp DESC`
	args := []any{username}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries for %s: %w", username, err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var notional, qty, price, proceeds, profit string
		if err := rows.Scan(&e.ID, &e.Username, &e.Side,
			&notional, &qty, &price, &proceeds, &profit,
			&e.Timestamp); err != nil {
			return nil, err
		}
		e.Notional, _ = decimal.NewFromString(notional)
		e.Quantity, _ = decimal.NewFromString(qty)
		e.Price, _ = decimal.NewFromString(price)
		e.Proceeds, _ = decimal.NewFromString(proceeds)
		e.Profit, _ = decimal.NewFromString(profit)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var (
	_ Store   = (*PostgresStore)(nil)
	_ Journal = (*PostgresStore)(nil)
)
