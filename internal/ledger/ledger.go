// Package ledger implements per-user position accounting: opening a long
// position with a cash notional, closing it in whole or in part, and marking
// it to market.
//
// Functions take an account by value and return the updated copy; on error
// the returned account is the unchanged input.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fxsim/internal/model"
)

var (
	// ErrInvalidAmount is returned for a non-positive notional, or one too
	// small to buy a representable quantity.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrInvalidPrice is returned when the market price is not positive.
	ErrInvalidPrice = errors.New("ledger: price must be positive")

	// ErrInsufficientFunds is returned when the notional exceeds available cash.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrPositionExists is returned when opening while a position is held.
	ErrPositionExists = errors.New("ledger: position already open")

	// ErrNoPosition is returned when closing without an open position.
	ErrNoPosition = errors.New("ledger: no open position")

	// ErrExceedsPosition is returned when the close notional is larger than
	// the remaining position notional.
	ErrExceedsPosition = errors.New("ledger: amount exceeds position")

	// StartingCash is the balance granted to a user on first sight.
	StartingCash = decimal.NewFromInt(100000)

	// Epsilon is the remaining notional below which a position is removed.
	Epsilon = decimal.New(1, -6)
)

// Fill is the result of one ledger operation.
type Fill struct {
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Notional decimal.Decimal `json:"notional"`
	Quantity decimal.Decimal `json:"quantity"`
	Proceeds decimal.Decimal `json:"proceeds"`
	Profit   decimal.Decimal `json:"profit"`
}

// Valuation marks an account to market.
type Valuation struct {
	HoldingValue decimal.Decimal `json:"holding_value"`
	OpenPnL      decimal.Decimal `json:"open_pnl"`
	Total        decimal.Decimal `json:"total"`
}

// NewAccount returns a fresh account with StartingCash.
func NewAccount(username string, seq int64, now time.Time) model.UserAccount {
	return model.UserAccount{
		Username:    username,
		Cash:        StartingCash,
		RealizedPnL: decimal.Zero,
		Seq:         seq,
		CreatedAt:   now,
	}
}

// Open debits notional from cash and opens a position at price.
// Only one position may be open at a time; insolvent accounts cannot open.
func Open(acct model.UserAccount, price, notional decimal.Decimal) (model.UserAccount, Fill, error) {
	if !price.IsPositive() {
		return acct, Fill{}, ErrInvalidPrice
	}
	if notional.LessThan(Epsilon) {
		return acct, Fill{}, ErrInvalidAmount
	}
	if acct.Position != nil {
		return acct, Fill{}, ErrPositionExists
	}
	if notional.GreaterThan(acct.Cash) {
		return acct, Fill{}, ErrInsufficientFunds
	}

	qty := notional.Div(price)
	if !qty.IsPositive() {
		return acct, Fill{}, ErrInvalidAmount
	}

	out := acct
	out.Cash = acct.Cash.Sub(notional)
	out.Position = &model.Position{
		EntryPrice: price,
		Notional:   notional,
		Quantity:   qty,
	}

	return out, Fill{
		Side:     model.SideOpen,
		Price:    price,
		Notional: notional,
		Quantity: qty,
		Proceeds: decimal.Zero,
		Profit:   decimal.Zero,
	}, nil
}

// OpenAll opens a position with the account's entire cash balance.
func OpenAll(acct model.UserAccount, price decimal.Decimal) (model.UserAccount, Fill, error) {
	if !acct.Cash.IsPositive() {
		return acct, Fill{}, ErrInsufficientFunds
	}
	return Open(acct, price, acct.Cash)
}

// Close sells the share of the position that notional represents.
//
//	fraction  = notional / position.Notional
//	closedQty = fraction * position.Quantity
//	proceeds  = closedQty * price
//	profit    = proceeds - notional
//
// The remaining notional and quantity shrink by (1 - fraction); the position
// is removed once the remaining notional drops below Epsilon.
func Close(acct model.UserAccount, price, notional decimal.Decimal) (model.UserAccount, Fill, error) {
	if !price.IsPositive() {
		return acct, Fill{}, ErrInvalidPrice
	}
	pos := acct.Position
	if pos == nil {
		return acct, Fill{}, ErrNoPosition
	}
	if !notional.IsPositive() {
		return acct, Fill{}, ErrInvalidAmount
	}
	if notional.GreaterThan(pos.Notional) {
		return acct, Fill{}, ErrExceedsPosition
	}

	var closedQty decimal.Decimal
	remainingNotional := pos.Notional.Sub(notional)
	full := remainingNotional.LessThan(Epsilon)
	if full {
		closedQty = pos.Quantity
	} else {
		closedQty = pos.Quantity.Mul(notional).Div(pos.Notional)
	}
	proceeds := closedQty.Mul(price)
	profit := proceeds.Sub(notional)

	out := acct
	out.Cash = acct.Cash.Add(proceeds)
	out.RealizedPnL = acct.RealizedPnL.Add(profit)
	if full {
		out.Position = nil
	} else {
		out.Position = &model.Position{
			EntryPrice: pos.EntryPrice,
			Notional:   remainingNotional,
			Quantity:   pos.Quantity.Sub(closedQty),
		}
	}

	return out, Fill{
		Side:     model.SideClose,
		Price:    price,
		Notional: notional,
		Quantity: closedQty,
		Proceeds: proceeds,
		Profit:   profit,
	}, nil
}

// CloseAll closes the whole remaining position.
func CloseAll(acct model.UserAccount, price decimal.Decimal) (model.UserAccount, Fill, error) {
	if acct.Position == nil {
		return acct, Fill{}, ErrNoPosition
	}
	return Close(acct, price, acct.Position.Notional)
}

// Mark values the account at price.
func Mark(acct model.UserAccount, price decimal.Decimal) Valuation {
	v := Valuation{
		HoldingValue: decimal.Zero,
		OpenPnL:      decimal.Zero,
		Total:        acct.Cash,
	}
	if pos := acct.Position; pos != nil {
		v.HoldingValue = pos.Quantity.Mul(price)
		v.OpenPnL = v.HoldingValue.Sub(pos.Notional)
		v.Total = acct.Cash.Add(v.HoldingValue)
	}
	return v
}

// Insolvent reports whether the account's cash is negative.
func Insolvent(acct model.UserAccount) bool {
	return acct.Cash.IsNegative()
}
