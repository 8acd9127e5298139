// Package model defines the core domain types shared across the simulator.
// All monetary values use shopspring/decimal; float64 only appears inside the
// price process and is converted back before it reaches this package.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// HistoryLimit is the number of price points kept in MarketState.History.
const HistoryLimit = 100

// Document is the whole simulation state. It is loaded, mutated and saved as
// a single unit.
type Document struct {
	Version int64                   `json:"version"`
	Market  MarketState             `json:"market"`
	Users   map[string]*UserAccount `json:"users"`
	Event   *NewsEvent              `json:"event,omitempty"`
	NextSeq int64                   `json:"next_seq"`
}

// MarketState is the published price and its recent history.
// CurrentPrice always equals the price of the last history entry.
type MarketState struct {
	CurrentPrice decimal.Decimal `json:"current_price"`
	History      []PricePoint    `json:"history"`
}

// PricePoint is one entry in the price history.
type PricePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
}

// NewsEvent is the single process-wide news slot. A newer event overwrites
// the older one.
type NewsEvent struct {
	Message    string    `json:"message"`
	Multiplier float64   `json:"multiplier"`
	Timestamp  time.Time `json:"timestamp"`
}

// UserAccount is one participant's ledger. Cash may go negative, in which
// case the user is insolvent and cannot open new positions.
type UserAccount struct {
	Username    string          `json:"username"`
	Cash        decimal.Decimal `json:"cash"`
	Position    *Position       `json:"position,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Seq         int64           `json:"seq"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Position is a long holding opened at EntryPrice.
// Quantity == Notional / EntryPrice at open; partial closes shrink both by
// the same factor.
type Position struct {
	EntryPrice decimal.Decimal `json:"entry_price"`
	Notional   decimal.Decimal `json:"notional"`
	Quantity   decimal.Decimal `json:"quantity"`
}

// Trade sides recorded in the ledger journal.
const (
	SideOpen  = "OPEN"
	SideClose = "CLOSE"
)

// LedgerEntry is an immutable record of a fill.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	Username  string          `json:"username" db:"username"`
	Side      string          `json:"side" db:"side"`
	Notional  decimal.Decimal `json:"notional" db:"notional"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Proceeds  decimal.Decimal `json:"proceeds" db:"proceeds"` // zero for OPEN
	Profit    decimal.Decimal `json:"profit" db:"profit"`     // zero for OPEN
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// RankEntry is one row of the leaderboard.
type RankEntry struct {
	Rank         int             `json:"rank"`
	Username     string          `json:"username"`
	Cash         decimal.Decimal `json:"cash"`
	Quantity     decimal.Decimal `json:"quantity"`
	HoldingValue decimal.Decimal `json:"holding_value"`
	OpenPnL      decimal.Decimal `json:"open_pnl"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	Total        decimal.Decimal `json:"total"`
}

// Event types pushed to subscribers.
const (
	EventPriceTick = "price_tick"
	EventNews      = "news"
	EventTrade     = "trade"
)

// Event is a real-time notification fanned out to WebSocket clients and the
// Redis channel.
type Event struct {
	Type       string    `json:"type"`
	Price      string    `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message,omitempty"`
	Multiplier float64   `json:"multiplier,omitempty"`
	Username   string    `json:"username,omitempty"`
	Side       string    `json:"side,omitempty"`
	Notional   string    `json:"notional,omitempty"`
	Profit     string    `json:"profit,omitempty"`
}

// NewDocument returns the canonical initial state: price 100, a single
// history point at now, no news and no users.
func NewDocument(now time.Time) *Document {
	price := decimal.NewFromInt(100)
	return &Document{
		Market: MarketState{
			CurrentPrice: price,
			History:      []PricePoint{{Timestamp: now, Price: price}},
		},
		Users: make(map[string]*UserAccount),
	}
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Market.History = append([]PricePoint(nil), d.Market.History...)
	if d.Event != nil {
		ev := *d.Event
		out.Event = &ev
	}
	out.Users = make(map[string]*UserAccount, len(d.Users))
	for name, u := range d.Users {
		out.Users[name] = u.Clone()
	}
	return &out
}

// Clone returns a deep copy of the account.
func (u *UserAccount) Clone() *UserAccount {
	if u == nil {
		return nil
	}
	out := *u
	if u.Position != nil {
		pos := *u.Position
		out.Position = &pos
	}
	return &out
}

// TrimHistory drops the oldest history entries so at most HistoryLimit remain.
func (m *MarketState) TrimHistory() {
	if n := len(m.History); n > HistoryLimit {
		m.History = append([]PricePoint(nil), m.History[n-HistoryLimit:]...)
	}
}

// Validate reports whether the document satisfies the structural invariants
// a loaded state must hold.
func (d *Document) Validate() error {
	if !d.Market.CurrentPrice.IsPositive() {
		return fmt.Errorf("model: current price %s is not positive", d.Market.CurrentPrice)
	}
	if len(d.Market.History) == 0 {
		return fmt.Errorf("model: history is empty")
	}
	for name, u := range d.Users {
		if u == nil {
			return fmt.Errorf("model: nil account for %q", name)
		}
		if p := u.Position; p != nil {
			if !p.EntryPrice.IsPositive() || p.Notional.IsNegative() || p.Quantity.IsNegative() {
				return fmt.Errorf("model: invalid position for %q", name)
			}
		}
	}
	return nil
}
