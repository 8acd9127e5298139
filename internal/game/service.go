// Package game orchestrates the simulator: every operation loads the state
// document, applies at most one engine step or ledger operation, and saves
// the result back inside a single critical section.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/fxsim/internal/engine"
	"github.com/atmx/fxsim/internal/ledger"
	"github.com/atmx/fxsim/internal/metrics"
	"github.com/atmx/fxsim/internal/model"
	"github.com/atmx/fxsim/internal/news"
	"github.com/atmx/fxsim/internal/ranking"
	"github.com/atmx/fxsim/internal/store"
)

var (
	// ErrPersistenceUnavailable wraps store failures. On save it is reported
	// as a warning; the in-memory result stands.
	ErrPersistenceUnavailable = errors.New("game: persistence unavailable")

	// ErrInvalidUsername is returned for empty, too long, or non-printable
	// user names.
	ErrInvalidUsername = errors.New("game: invalid username")

	// ErrUnknownUser is returned by read operations for names never seen.
	ErrUnknownUser = errors.New("game: unknown user")
)

// MaxUsernameLen is the longest accepted user name, in runes.
const MaxUsernameLen = 32

const lockKey = "state"

// Notifier receives real-time events. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, ev model.Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev model.Event)

func (f NotifierFunc) Notify(ctx context.Context, ev model.Event) { f(ctx, ev) }

// Options configures optional collaborators. Zero values are usable.
type Options struct {
	Journal   store.Journal
	Locker    store.Locker
	LockTTL   time.Duration
	Notifiers []Notifier
	Clock     func() time.Time
	Logger    *slog.Logger

	// StrictDurability makes a corrupt stored document a hard error instead
	// of being replaced with a fresh one.
	StrictDurability bool
}

// Service runs all game operations. A process-local mutex serializes
// load-mutate-save; an optional Locker extends that across processes.
type Service struct {
	store     store.Store
	engine    *engine.Engine
	journal   store.Journal
	locker    store.Locker
	lockTTL   time.Duration
	notifiers []Notifier
	now       func() time.Time
	logger    *slog.Logger
	strict    bool

	mu sync.Mutex
}

// NewService creates a game service over st, stepping prices with eng.
func NewService(st store.Store, eng *engine.Engine, opts Options) *Service {
	s := &Service{
		store:     st,
		engine:    eng,
		journal:   opts.Journal,
		locker:    opts.Locker,
		lockTTL:   opts.LockTTL,
		notifiers: opts.Notifiers,
		now:       opts.Clock,
		logger:    opts.Logger,
		strict:    opts.StrictDurability,
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 5 * time.Second
	}
	return s
}

// AddNotifier registers an additional event subscriber. Not safe to call
// concurrently with other operations.
func (s *Service) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

// --- Result types ---

// TickResult is returned by Advance.
type TickResult struct {
	Tick    engine.Tick `json:"tick"`
	Version int64       `json:"version"`
	Warning string      `json:"warning,omitempty"`
}

// TradeResult is returned by Open and Close.
type TradeResult struct {
	Entry     model.LedgerEntry `json:"entry"`
	Fill      ledger.Fill       `json:"fill"`
	Account   model.UserAccount `json:"account"`
	Valuation ledger.Valuation  `json:"valuation"`
	Warning   string            `json:"warning,omitempty"`
}

// AccountView is an account marked to the current price.
type AccountView struct {
	Account   model.UserAccount `json:"account"`
	Valuation ledger.Valuation  `json:"valuation"`
	Price     decimal.Decimal   `json:"price"`
	Insolvent bool              `json:"insolvent"`
	Created   bool              `json:"created,omitempty"`
	Warning   string            `json:"warning,omitempty"`
}

// NewsView is the banner projection of a visible news event.
type NewsView struct {
	Message       string    `json:"message"`
	Multiplier    float64   `json:"multiplier"`
	PercentChange float64   `json:"percent_change"`
	Timestamp     time.Time `json:"timestamp"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// MarketView is the public market projection.
type MarketView struct {
	Price   decimal.Decimal    `json:"price"`
	History []model.PricePoint `json:"history"`
	News    *NewsView          `json:"news,omitempty"`
	Version int64              `json:"version"`
	AsOf    time.Time          `json:"as_of"`
	Warning string             `json:"warning,omitempty"`
}

// OpenRequest opens a position. Max spends the whole cash balance and
// ignores Notional.
type OpenRequest struct {
	Username string          `json:"username"`
	Notional decimal.Decimal `json:"notional"`
	Max      bool            `json:"max"`
}

// CloseRequest closes part of a position. All closes what remains and
// ignores Notional.
type CloseRequest struct {
	Username string          `json:"username"`
	Notional decimal.Decimal `json:"notional"`
	All      bool            `json:"all"`
}

// --- Operations ---

// Advance moves the market one step forward.
func (s *Service) Advance(ctx context.Context) (TickResult, error) {
	var res TickResult
	warning, err := s.withState(ctx, func(doc *model.Document, now time.Time) (bool, error) {
		res.Tick = s.engine.Advance(doc, now)
		return true, nil
	}, func(doc *model.Document) {
		res.Version = doc.Version
	})
	if err != nil {
		metrics.TicksTotal.WithLabelValues("failed").Inc()
		return res, err
	}
	res.Warning = warning

	outcome := "ok"
	if res.Tick.Recovered {
		outcome = "recovered"
	}
	metrics.TicksTotal.WithLabelValues(outcome).Inc()
	metrics.CurrentPrice.Set(res.Tick.Price.InexactFloat64())
	if res.Tick.Jump != 0 {
		metrics.JumpsTotal.Inc()
	}

	s.logger.Debug("market tick",
		"price", res.Tick.Price.String(),
		"prev", res.Tick.Previous.String(),
		"recovered", res.Tick.Recovered,
		"version", res.Version,
	)

	s.notify(ctx, model.Event{
		Type:      model.EventPriceTick,
		Price:     res.Tick.Price.String(),
		Timestamp: res.Tick.Timestamp,
	})
	if ev := res.Tick.News; ev != nil {
		metrics.NewsEventsTotal.Inc()
		s.logger.Info("news event",
			"message", ev.Message,
			"multiplier", ev.Multiplier,
			"price", res.Tick.Price.String(),
		)
		s.notify(ctx, model.Event{
			Type:       model.EventNews,
			Price:      res.Tick.Price.String(),
			Timestamp:  ev.Timestamp,
			Message:    ev.Message,
			Multiplier: ev.Multiplier,
		})
	}
	return res, nil
}

// Register creates the account on first sight and returns it. Calling it
// again for an existing name is a no-op.
func (s *Service) Register(ctx context.Context, username string) (AccountView, error) {
	name, err := NormalizeUsername(username)
	if err != nil {
		return AccountView{}, err
	}

	var view AccountView
	warning, err := s.withState(ctx, func(doc *model.Document, now time.Time) (bool, error) {
		acct, created := ensureAccount(doc, name, now)
		view = accountView(*acct, doc.Market.CurrentPrice)
		view.Created = created
		return created, nil
	}, nil)
	if err != nil {
		return AccountView{}, err
	}
	view.Warning = warning
	if view.Created {
		s.logger.Info("user registered", "username", name, "cash", view.Account.Cash.String())
	}
	return view, nil
}

// Account returns a registered user's account.
func (s *Service) Account(ctx context.Context, username string) (AccountView, error) {
	name, err := NormalizeUsername(username)
	if err != nil {
		return AccountView{}, err
	}

	var view AccountView
	warning, err := s.withState(ctx, func(doc *model.Document, _ time.Time) (bool, error) {
		acct, ok := doc.Users[name]
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrUnknownUser, name)
		}
		view = accountView(*acct, doc.Market.CurrentPrice)
		return false, nil
	}, nil)
	if err != nil {
		return AccountView{}, err
	}
	view.Warning = warning
	return view, nil
}

// Open opens a position for the user at the current published price,
// registering the user first if needed.
func (s *Service) Open(ctx context.Context, req OpenRequest) (TradeResult, error) {
	return s.trade(ctx, req.Username, model.SideOpen, func(acct model.UserAccount, price decimal.Decimal) (model.UserAccount, ledger.Fill, error) {
		if req.Max {
			return ledger.OpenAll(acct, price)
		}
		return ledger.Open(acct, price, req.Notional)
	})
}

// Close closes all or part of the user's position at the current price.
func (s *Service) Close(ctx context.Context, req CloseRequest) (TradeResult, error) {
	return s.trade(ctx, req.Username, model.SideClose, func(acct model.UserAccount, price decimal.Decimal) (model.UserAccount, ledger.Fill, error) {
		if req.All {
			return ledger.CloseAll(acct, price)
		}
		return ledger.Close(acct, price, req.Notional)
	})
}

type ledgerOp func(acct model.UserAccount, price decimal.Decimal) (model.UserAccount, ledger.Fill, error)

func (s *Service) trade(ctx context.Context, username, side string, op ledgerOp) (TradeResult, error) {
	start := time.Now()
	name, err := NormalizeUsername(username)
	if err != nil {
		return TradeResult{}, err
	}

	var res TradeResult
	warning, err := s.withState(ctx, func(doc *model.Document, now time.Time) (bool, error) {
		acct, created := ensureAccount(doc, name, now)
		price := doc.Market.CurrentPrice

		updated, fill, err := op(*acct, price)
		if err != nil {
			return created, err
		}
		doc.Users[name] = &updated

		res.Fill = fill
		res.Account = *updated.Clone()
		res.Valuation = ledger.Mark(updated, price)
		res.Entry = model.LedgerEntry{
			ID:        uuid.New().String(),
			Username:  name,
			Side:      fill.Side,
			Notional:  fill.Notional,
			Quantity:  fill.Quantity,
			Price:     fill.Price,
			Proceeds:  fill.Proceeds,
			Profit:    fill.Profit,
			Timestamp: now,
		}
		return true, nil
	}, nil)
	if err != nil {
		if reason := rejectionReason(err); reason != "" {
			metrics.LedgerRejections.WithLabelValues(reason).Inc()
			s.logger.Info("trade rejected", "username", name, "side", side, "reason", reason)
		}
		return TradeResult{}, err
	}
	res.Warning = warning

	if s.journal != nil {
		if err := s.journal.Append(ctx, &res.Entry); err != nil {
			metrics.PersistenceFailures.WithLabelValues("journal").Inc()
			s.logger.Error("journal append failed", "trade_id", res.Entry.ID, "err", err)
			res.Warning = joinWarnings(res.Warning, "trade not journaled: "+err.Error())
		}
	}

	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())

	s.logger.Info("trade executed",
		"trade_id", res.Entry.ID,
		"username", name,
		"side", side,
		"notional", res.Fill.Notional.String(),
		"qty", res.Fill.Quantity.String(),
		"price", res.Fill.Price.String(),
		"profit", res.Fill.Profit.String(),
		"cash", res.Account.Cash.String(),
	)

	s.notify(ctx, model.Event{
		Type:      model.EventTrade,
		Price:     res.Fill.Price.String(),
		Timestamp: res.Entry.Timestamp,
		Username:  name,
		Side:      side,
		Notional:  res.Fill.Notional.String(),
		Profit:    res.Fill.Profit.String(),
	})
	return res, nil
}

// Snapshot returns the current market projection. News is included only
// while it is still visible.
func (s *Service) Snapshot(ctx context.Context) (MarketView, error) {
	var view MarketView
	warning, err := s.withState(ctx, func(doc *model.Document, now time.Time) (bool, error) {
		view = MarketView{
			Price:   doc.Market.CurrentPrice,
			History: append([]model.PricePoint(nil), doc.Market.History...),
			Version: doc.Version,
			AsOf:    now,
		}
		if news.Visible(doc.Event, now) {
			ev := doc.Event
			view.News = &NewsView{
				Message:       ev.Message,
				Multiplier:    ev.Multiplier,
				PercentChange: news.PercentChange(ev.Multiplier),
				Timestamp:     ev.Timestamp,
				ExpiresAt:     ev.Timestamp.Add(news.VisibleFor),
			}
		}
		return false, nil
	}, nil)
	if err != nil {
		return MarketView{}, err
	}
	view.Warning = warning
	return view, nil
}

// Ranking returns the leaderboard at the current price.
func (s *Service) Ranking(ctx context.Context) ([]model.RankEntry, error) {
	var entries []model.RankEntry
	_, err := s.withState(ctx, func(doc *model.Document, _ time.Time) (bool, error) {
		entries = ranking.Rank(doc.Users, doc.Market.CurrentPrice)
		metrics.RegisteredUsers.Set(float64(len(doc.Users)))
		return false, nil
	}, nil)
	return entries, err
}

// Trades returns up to limit journaled fills for the user, newest first.
func (s *Service) Trades(ctx context.Context, username string, limit int) ([]model.LedgerEntry, error) {
	name, err := NormalizeUsername(username)
	if err != nil {
		return nil, err
	}
	if s.journal == nil {
		return []model.LedgerEntry{}, nil
	}
	entries, err := s.journal.ListByUser(ctx, name, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return entries, nil
}

// Document returns a copy of the current state document.
func (s *Service) Document(ctx context.Context) (*model.Document, error) {
	var out *model.Document
	_, err := s.withState(ctx, func(doc *model.Document, _ time.Time) (bool, error) {
		out = doc.Clone()
		return false, nil
	}, nil)
	return out, err
}

// --- Critical section ---

// withState loads the document, runs fn, and saves when fn reports a change
// or the document was freshly initialized. A failed save does not undo fn;
// it is returned as a warning. after, if set, runs once the save attempt
// completed.
func (s *Service) withState(
	ctx context.Context,
	fn func(doc *model.Document, now time.Time) (bool, error),
	after func(doc *model.Document),
) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locker != nil {
		unlock, err := s.locker.Acquire(ctx, lockKey, s.lockTTL)
		if err != nil {
			return "", err
		}
		defer unlock()
	}

	now := s.now()
	doc, initialized, err := s.load(ctx, now)
	if err != nil {
		return "", err
	}

	changed, fnErr := fn(doc, now)

	var warning string
	if changed || initialized {
		if err := s.store.Save(ctx, doc); err != nil {
			metrics.PersistenceFailures.WithLabelValues("save").Inc()
			s.logger.Error("state save failed", "err", err)
			warning = fmt.Sprintf("%v: %v", ErrPersistenceUnavailable, err)
		}
	}
	if after != nil {
		after(doc)
	}
	return warning, fnErr
}

func (s *Service) load(ctx context.Context, now time.Time) (*model.Document, bool, error) {
	doc, err := s.store.Load(ctx)
	switch {
	case err == nil:
		return doc, false, nil
	case errors.Is(err, store.ErrNotFound):
		s.logger.Info("no stored state, starting fresh market")
		return model.NewDocument(now), true, nil
	case errors.Is(err, store.ErrCorruptState):
		metrics.PersistenceFailures.WithLabelValues("load").Inc()
		if s.strict {
			return nil, false, err
		}
		s.logger.Warn("stored state is corrupt, reinitializing", "err", err)
		return model.NewDocument(now), true, nil
	default:
		metrics.PersistenceFailures.WithLabelValues("load").Inc()
		s.logger.Error("state load failed", "err", err)
		return nil, false, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
}

func (s *Service) notify(ctx context.Context, ev model.Event) {
	for _, n := range s.notifiers {
		n.Notify(ctx, ev)
	}
}

// --- Helpers ---

// NormalizeUsername trims and validates a user name.
func NormalizeUsername(username string) (string, error) {
	name := strings.TrimSpace(username)
	if name == "" || !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if utf8.RuneCountInString(name) > MaxUsernameLen {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidUsername, MaxUsernameLen)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains control characters", ErrInvalidUsername)
		}
	}
	return name, nil
}

func ensureAccount(doc *model.Document, name string, now time.Time) (*model.UserAccount, bool) {
	if acct, ok := doc.Users[name]; ok {
		return acct, false
	}
	doc.NextSeq++
	acct := ledger.NewAccount(name, doc.NextSeq, now)
	doc.Users[name] = &acct
	return &acct, true
}

func accountView(acct model.UserAccount, price decimal.Decimal) AccountView {
	return AccountView{
		Account:   *acct.Clone(),
		Valuation: ledger.Mark(acct, price),
		Price:     price,
		Insolvent: ledger.Insolvent(acct),
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrExceedsPosition):
		return "exceeds_position"
	case errors.Is(err, ledger.ErrNoPosition):
		return "no_position"
	case errors.Is(err, ledger.ErrPositionExists):
		return "position_exists"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ledger.ErrInvalidPrice):
		return "invalid_price"
	}
	return ""
}

func joinWarnings(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
