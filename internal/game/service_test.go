package game_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fxsim/internal/engine"
	"github.com/atmx/fxsim/internal/game"
	"github.com/atmx/fxsim/internal/ledger"
	"github.com/atmx/fxsim/internal/model"
	"github.com/atmx/fxsim/internal/news"
	"github.com/atmx/fxsim/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(dt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dt)
}

// flakyStore wraps a MemoryStore and can be told to fail saves or to report
// a corrupt document.
type flakyStore struct {
	*store.MemoryStore
	failSave bool
	corrupt  bool
}

func (s *flakyStore) Load(ctx context.Context) (*model.Document, error) {
	if s.corrupt {
		return nil, fmt.Errorf("%w: bad json", store.ErrCorruptState)
	}
	return s.MemoryStore.Load(ctx)
}

func (s *flakyStore) Save(ctx context.Context, doc *model.Document) error {
	if s.failSave {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(ctx, doc)
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Notify(_ context.Context, ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type testEnv struct {
	svc   *game.Service
	st    *flakyStore
	clock *fakeClock
	rec   *recorder
}

func newTestEnv(t *testing.T, mutate func(*engine.Params), strict bool) *testEnv {
	t.Helper()
	p := engine.DefaultParams()
	if mutate != nil {
		mutate(&p)
	}
	eng, err := engine.New(p, news.DefaultCatalog(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	env := &testEnv{
		st:    &flakyStore{MemoryStore: store.NewMemoryStore()},
		clock: &fakeClock{now: time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)},
		rec:   &recorder{},
	}
	env.svc = game.NewService(env.st, eng, game.Options{
		Journal:          env.st.MemoryStore,
		Locker:           store.NewLocalLocker(),
		Notifiers:        []game.Notifier{env.rec},
		Clock:            env.clock.Now,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		StrictDurability: strict,
	})
	return env
}

// setPrice overwrites the stored market price, as if the engine had moved it.
func (e *testEnv) setPrice(t *testing.T, price float64) {
	t.Helper()
	ctx := context.Background()
	doc, err := e.st.MemoryStore.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	doc.Market.CurrentPrice = d(price)
	doc.Market.History = append(doc.Market.History, model.PricePoint{Timestamp: e.clock.Now(), Price: d(price)})
	if err := e.st.MemoryStore.Save(ctx, doc); err != nil {
		t.Fatalf("save: %v", err)
	}
}

// --- Trade flow ---

func TestOpenClose_Scenario(t *testing.T) {
	env := newTestEnv(t, nil, false)
	ctx := context.Background()

	res, err := env.svc.Open(ctx, game.OpenRequest{Username: "alice", Notional: d(10000)})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !res.Fill.Quantity.Equal(d(100)) {
		t.Errorf("expected quantity 100, got %s", res.Fill.Quantity)
	}
	if !res.Account.Cash.Equal(d(90000)) {
		t.Errorf("expected cash 90000, got %s", res.Account.Cash)
	}
	if res.Warning != "" {
		t.Errorf("unexpected warning: %s", res.Warning)
	}

	env.setPrice(t, 110)

	res, err = env.svc.Close(ctx, game.CloseRequest{Username: "alice", Notional: d(5000)})
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !res.Fill.Proceeds.Equal(d(5500)) {
		t.Errorf("expected proceeds 5500, got %s", res.Fill.Proceeds)
	}
	if !res.Fill.Profit.Equal(d(500)) {
		t.Errorf("expected profit 500, got %s", res.Fill.Profit)
	}
	if !res.Account.Cash.Equal(d(95500)) {
		t.Errorf("expected cash 95500, got %s", res.Account.Cash)
	}
	if res.Account.Position == nil || !res.Account.Position.Notional.Equal(d(5000)) {
		t.Errorf("expected remaining notional 5000, got %+v", res.Account.Position)
	}

	view, err := env.svc.Account(ctx, "alice")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if !view.Valuation.Total.Equal(d(101000)) {
		t.Errorf("expected total 101000, got %s", view.Valuation.Total)
	}

	trades, err := env.svc.Trades(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(trades) != 2 || trades[0].Side != model.SideClose || trades[1].Side != model.SideOpen {
		t.Errorf("expected [CLOSE, OPEN] journal, got %+v", trades)
	}

	got := env.rec.types()
	if len(got) != 2 || got[0] != model.EventTrade || got[1] != model.EventTrade {
		t.Errorf("expected two trade events, got %v", got)
	}
}

func TestOpenMax_CloseAll(t *testing.T) {
	env := newTestEnv(t, nil, false)
	ctx := context.Background()

	res, err := env.svc.Open(ctx, game.OpenRequest{Username: "bob", Max: true})
	if err != nil {
		t.Fatalf("open max failed: %v", err)
	}
	if !res.Account.Cash.IsZero() {
		t.Errorf("expected zero cash after max open, got %s", res.Account.Cash)
	}

	env.setPrice(t, 90)

	res, err = env.svc.Close(ctx, game.CloseRequest{Username: "bob", All: true})
	if err != nil {
		t.Fatalf("close all failed: %v", err)
	}
	if res.Account.Position != nil {
		t.Error("expected no position after close all")
	}
	if !res.Account.Cash.Equal(d(90000)) {
		t.Errorf("expected cash 90000, got %s", res.Account.Cash)
	}
	if !res.Account.RealizedPnL.Equal(d(-10000)) {
		t.Errorf("expected realized pnl -10000, got %s", res.Account.RealizedPnL)
	}
}

func TestTrade_LedgerErrorLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t, nil, false)
	ctx := context.Background()

	if _, err := env.svc.Open(ctx, game.OpenRequest{Username: "carol", Notional: d(1000)}); err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err := env.svc.Close(ctx, game.CloseRequest{Username: "carol", Notional: d(1000.5)})
	if !errors.Is(err, ledger.ErrExceedsPosition) {
		t.Fatalf("expected ErrExceedsPosition, got %v", err)
	}
	_, err = env.svc.Open(ctx, game.OpenRequest{Username: "carol", Notional: d(10)})
	if !errors.Is(err, ledger.ErrPositionExists) {
		t.Fatalf("expected ErrPositionExists, got %v", err)
	}

	view, err := env.svc.Account(ctx, "carol")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if !view.Account.Cash.Equal(d(99000)) {
		t.Errorf("expected cash 99000, got %s", view.Account.Cash)
	}
	if !view.Account.Position.Notional.Equal(d(1000)) {
		t.Errorf("expected notional 1000, got %s", view.Account.Position.Notional)
	}
}

func TestTrade_FirstSightRegistersEvenOnRejection(t *testing.T) {
	env := newTestEnv(t, nil, false)
	ctx := context.Background()

	_, err := env.svc.Open(ctx, game.OpenRequest{Username: "dave", Notional: d(100001)})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	view, err := env.svc.Account(ctx, "dave")
	if err != nil {
		t.Fatalf("expected dave to be registered: %v", err)
	}
	if !view.Account.Cash.Equal(ledger.StartingCash) {
		t.Errorf("expected starting cash, got %s", view.Account.Cash)
	}
}

func TestRegister_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil, false)
	ctx := context.Background()

	first, err := env.svc.Register(ctx, "  erin ")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !first.Created || first.Account.Username != "erin" {
		t.Errorf("expected new account erin, got %+v", first)
	}

	second, err := env.svc.Register(ctx, "erin")
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if second.Created {
		t.Error("second register should not create")
	}
	if second.Account.Seq != first.Account.Seq {
		t.Errorf("seq changed: %d -> %d", first.Account.Seq, second.Account.Seq)
	}
}

func TestUsernameValidation(t *testing.T) {
	env := newTestEnv(t, nil, false)
	ctx := context.Background()

	for _, name := range []string{"", "   ", "tab\tname", "this-name-is-definitely-longer-than-32"} {
		if _, err := env.svc.Register(ctx, name); !errors.Is(err, game.ErrInvalidUsername) {
			t.Errorf("name %q: expected ErrInvalidUsername, got %v", name, err)
		}
	}
}

func TestAccount_Unknown(t *testing.T) {
	env := newTestEnv(t, nil, false)
	if _, err := env.svc.Account(context.Background(), "nobody"); !errors.Is(err, game.ErrUnknownUser) {
		t.Errorf("expected ErrUnknownUser, got %v", err)
	}
}

// --- Market ---

func TestAdvance_UpdatesHistoryAndNotifies(t *testing.T) {
	env := newTestEnv(t, nil, false)
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		env.clock.Advance(800 * time.Millisecond)
		if _, err := env.svc.Advance(ctx); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}

	view, err := env.svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(view.History) != model.HistoryLimit {
		t.Errorf("expected %d history points, got %d", model.HistoryLimit, len(view.History))
	}
	if !view.History[len(view.History)-1].Price.Equal(view.Price) {
		t.Errorf("last history %s != current %s", view.History[len(view.History)-1].Price, view.Price)
	}
	if view.Version != 120 {
		t.Errorf("expected version 120, got %d", view.Version)
	}

	ticks := 0
	for _, typ := range env.rec.types() {
		if typ == model.EventPriceTick {
			ticks++
		}
	}
	if ticks != 120 {
		t.Errorf("expected 120 price ticks, got %d", ticks)
	}
}

func TestSnapshot_NewsVisibilityWindow(t *testing.T) {
	env := newTestEnv(t, func(p *engine.Params) { p.NewsProb = 1 }, false)
	ctx := context.Background()

	res, err := env.svc.Advance(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Tick.News == nil {
		t.Fatal("expected a news event")
	}

	env.clock.Advance(9 * time.Second)
	view, err := env.svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if view.News == nil {
		t.Fatal("news should be visible after 9s")
	}
	if view.News.Message != res.Tick.News.Message {
		t.Errorf("expected message %q, got %q", res.Tick.News.Message, view.News.Message)
	}

	env.clock.Advance(time.Second)
	view, err = env.svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if view.News != nil {
		t.Error("news should be hidden after 10s")
	}

	found := false
	for _, typ := range env.rec.types() {
		if typ == model.EventNews {
			found = true
		}
	}
	if !found {
		t.Error("expected a news event notification")
	}
}

func TestSnapshot_InitializesFreshState(t *testing.T) {
	env := newTestEnv(t, nil, false)

	view, err := env.svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !view.Price.Equal(d(100)) {
		t.Errorf("expected initial price 100, got %s", view.Price)
	}
	if len(view.History) != 1 {
		t.Errorf("expected one history point, got %d", len(view.History))
	}
	if _, err := env.st.MemoryStore.Load(context.Background()); err != nil {
		t.Errorf("fresh state should have been persisted: %v", err)
	}
}

func TestRanking(t *testing.T) {
	env := newTestEnv(t, nil, false)
	ctx := context.Background()

	for _, name := range []string{"amy", "ben", "cat"} {
		if _, err := env.svc.Register(ctx, name); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if _, err := env.svc.Open(ctx, game.OpenRequest{Username: "cat", Notional: d(50000)}); err != nil {
		t.Fatalf("open: %v", err)
	}
	env.setPrice(t, 120)

	entries, err := env.svc.Ranking(ctx)
	if err != nil {
		t.Fatalf("ranking: %v", err)
	}
	want := []string{"cat", "amy", "ben"}
	for i, name := range want {
		if entries[i].Username != name {
			t.Errorf("rank %d: expected %s, got %s", i+1, name, entries[i].Username)
		}
	}
	if !entries[0].Total.Equal(d(110000)) {
		t.Errorf("expected cat total 110000, got %s", entries[0].Total)
	}
}

// --- Persistence failures ---

func TestSaveFailure_ReturnsWarningWithoutRollback(t *testing.T) {
	env := newTestEnv(t, nil, false)
	ctx := context.Background()

	if _, err := env.svc.Register(ctx, "frank"); err != nil {
		t.Fatalf("register: %v", err)
	}
	env.st.failSave = true

	res, err := env.svc.Open(ctx, game.OpenRequest{Username: "frank", Notional: d(100)})
	if err != nil {
		t.Fatalf("open should succeed despite save failure: %v", err)
	}
	if res.Warning == "" {
		t.Error("expected persistence warning")
	}
	if !res.Account.Cash.Equal(d(99900)) {
		t.Errorf("expected in-memory cash 99900, got %s", res.Account.Cash)
	}

	tick, err := env.svc.Advance(ctx)
	if err != nil {
		t.Fatalf("advance should succeed despite save failure: %v", err)
	}
	if tick.Warning == "" {
		t.Error("expected persistence warning on tick")
	}
}

func TestCorruptState_Reinitializes(t *testing.T) {
	env := newTestEnv(t, nil, false)
	env.st.corrupt = true

	view, err := env.svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("expected reinitialized state, got %v", err)
	}
	if !view.Price.Equal(d(100)) {
		t.Errorf("expected fresh price 100, got %s", view.Price)
	}
}

func TestCorruptState_StrictFails(t *testing.T) {
	env := newTestEnv(t, nil, true)
	env.st.corrupt = true

	_, err := env.svc.Snapshot(context.Background())
	if !errors.Is(err, store.ErrCorruptState) {
		t.Errorf("expected ErrCorruptState, got %v", err)
	}
}

// --- Concurrency ---

func TestConcurrentRegistrations(t *testing.T) {
	env := newTestEnv(t, nil, false)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.svc.Open(ctx, game.OpenRequest{Username: fmt.Sprintf("user%02d", i), Notional: d(1000)}); err != nil {
				t.Errorf("open user%02d: %v", i, err)
			}
		}(i)
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.svc.Advance(ctx); err != nil {
				t.Errorf("advance: %v", err)
			}
		}()
	}
	wg.Wait()

	entries, err := env.svc.Ranking(ctx)
	if err != nil {
		t.Fatalf("ranking: %v", err)
	}
	if len(entries) != 20 {
		t.Fatalf("expected 20 users, got %d", len(entries))
	}
	seen := map[int64]bool{}
	doc, _ := env.svc.Document(ctx)
	for _, u := range doc.Users {
		if seen[u.Seq] {
			t.Errorf("duplicate seq %d", u.Seq)
		}
		seen[u.Seq] = true
		if !u.Cash.Equal(d(99000)) {
			t.Errorf("%s: expected cash 99000, got %s", u.Username, u.Cash)
		}
	}
}
