package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/atmx/fxsim/internal/model"
)

// SQLiteSchema creates the document row and the trade journal.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS sim_state (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	version    INTEGER NOT NULL,
	doc        TEXT    NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id        TEXT PRIMARY KEY,
	username  TEXT NOT NULL,
	side      TEXT NOT NULL,
	notional  TEXT NOT NULL,
	quantity  TEXT NOT NULL,
	price     TEXT NOT NULL,
	proceeds  TEXT NOT NULL,
	profit    TEXT NOT NULL,
	ts        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_user ON ledger_entries (username, ts);
`

// SQLiteStore implements Store and Journal on an embedded SQLite database.
// Decimals are stored as TEXT to keep exact precision.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(SQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*model.Document, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM sim_state WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return decode([]byte(doc))
}

func (s *SQLiteStore) Save(ctx context.Context, doc *model.Document) error {
	return commit(doc, func(next *model.Document, data []byte) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sim_state (id, version, doc, updated_at)
			VALUES (1, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				version    = excluded.version,
				doc        = excluded.doc,
				updated_at = excluded.updated_at`,
			next.Version, string(data), time.Now().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Append(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, username, side, notional, quantity, price, proceeds, profit, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Username, e.Side,
		e.Notional.String(), e.Quantity.String(), e.Price.String(),
		e.Proceeds.String(), e.Profit.String(),
		e.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListByUser(ctx context.Context, username string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, side, notional, quantity, price, proceeds, profit, ts
		FROM ledger_entries
		WHERE username = ?
		ORDER BY ts DESC, rowid DESC
		LIMIT ?`, username, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries for %s: %w", username, err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var notional, qty, price, proceeds, profit string
		var ts int64
		if err := rows.Scan(&e.ID, &e.Username, &e.Side,
			&notional, &qty, &price, &proceeds, &profit, &ts); err != nil {
			return nil, err
		}
		e.Notional, _ = decimal.NewFromString(notional)
		e.Quantity, _ = decimal.NewFromString(qty)
		e.Price, _ = decimal.NewFromString(price)
		e.Proceeds, _ = decimal.NewFromString(proceeds)
		e.Profit, _ = decimal.NewFromString(profit)
		e.Timestamp = time.Unix(0, ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var (
	_ Store   = (*SQLiteStore)(nil)
	_ Journal = (*SQLiteStore)(nil)
)
