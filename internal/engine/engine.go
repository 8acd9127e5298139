// Package engine implements the stochastic price process that drives the
// simulated market.
//
// The process is mean-reverting in log space (a discretised
// Ornstein–Uhlenbeck step toward Target), overlaid with occasional jumps and
// catalog news shocks. Prices below RecoveryFloor are reseeded into a small
// band so the market never collapses to zero.
//
// Internal math uses float64; results are rounded and converted to decimal
// before they are written into the document.
package engine

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fxsim/internal/model"
	"github.com/atmx/fxsim/internal/news"
)

var (
	// ErrInvalidParams is returned when Params fail validation.
	ErrInvalidParams = errors.New("engine: invalid parameters")

	// MinPrice is the smallest price the engine will publish.
	MinPrice = decimal.New(1, -2)
)

// Params controls the price process.
type Params struct {
	Target float64 `toml:"target"`
	Theta  float64 `toml:"theta"`
	Sigma  float64 `toml:"sigma"`
	Dt     float64 `toml:"dt"`

	JumpProb float64 `toml:"jump_prob"`
	JumpMin  float64 `toml:"jump_min"`
	JumpMax  float64 `toml:"jump_max"`

	NewsProb float64 `toml:"news_prob"`

	RecoveryFloor float64 `toml:"recovery_floor"`
	RecoveryMin   float64 `toml:"recovery_min"`
	RecoveryMax   float64 `toml:"recovery_max"`

	Precision int32 `toml:"precision"`
}

// DefaultParams returns the standard game tuning.
func DefaultParams() Params {
	return Params{
		Target:        100,
		Theta:         0.05,
		Sigma:         0.02,
		Dt:            1,
		JumpProb:      0.2,
		JumpMin:       0.8,
		JumpMax:       1.3,
		NewsProb:      0.2,
		RecoveryFloor: 1,
		RecoveryMin:   1,
		RecoveryMax:   5,
		Precision:     2,
	}
}

// Validate reports the first out-of-range parameter.
func (p Params) Validate() error {
	switch {
	case p.Target <= 0:
		return fmt.Errorf("%w: target must be positive", ErrInvalidParams)
	case p.Theta < 0 || p.Theta > 1:
		return fmt.Errorf("%w: theta must be in [0, 1]", ErrInvalidParams)
	case p.Sigma < 0:
		return fmt.Errorf("%w: sigma must be non-negative", ErrInvalidParams)
	case p.Dt <= 0:
		return fmt.Errorf("%w: dt must be positive", ErrInvalidParams)
	case !isProb(p.JumpProb) || !isProb(p.NewsProb):
		return fmt.Errorf("%w: probabilities must be in [0, 1]", ErrInvalidParams)
	case p.JumpMin <= 0 || p.JumpMin > p.JumpMax:
		return fmt.Errorf("%w: jump range [%g, %g]", ErrInvalidParams, p.JumpMin, p.JumpMax)
	case p.RecoveryMin <= 0 || p.RecoveryMin > p.RecoveryMax:
		return fmt.Errorf("%w: recovery range [%g, %g]", ErrInvalidParams, p.RecoveryMin, p.RecoveryMax)
	case p.Precision < 0 || p.Precision > 8:
		return fmt.Errorf("%w: precision must be in [0, 8]", ErrInvalidParams)
	}
	return nil
}

func isProb(p float64) bool { return p >= 0 && p <= 1 }

// Step is the raw outcome of one draw of the process, before rounding.
type Step struct {
	Price     float64
	Recovered bool
	Jump      float64 // 0 when no jump fired
	News      *news.Item
	NewsMult  float64
}

// Tick describes what Advance did to the document.
type Tick struct {
	Previous  decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
	Recovered bool
	Jump      float64
	News      *model.NewsEvent // nil when no news fired this step
}

// Engine advances the market by one step at a time. It is safe for
// concurrent use; the random source is guarded by a mutex.
type Engine struct {
	params  Params
	catalog news.Catalog

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates an engine. Pass a seeded rng for reproducible runs.
func New(params Params, catalog news.Catalog, rng *rand.Rand) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{params: params, catalog: catalog, rng: rng}, nil
}

// Params returns the engine's configuration.
func (e *Engine) Params() Params {
	return e.params
}

// Next draws one step of the process from current.
func (e *Engine) Next(current float64) Step {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.params
	if current < p.RecoveryFloor || !finite(current) || current <= 0 {
		return Step{
			Price:     p.RecoveryMin + e.rng.Float64()*(p.RecoveryMax-p.RecoveryMin),
			Recovered: true,
		}
	}

	logCur := math.Log(current)
	logNew := logCur +
		p.Theta*(math.Log(p.Target)-logCur)*p.Dt +
		p.Sigma*math.Sqrt(p.Dt)*e.rng.NormFloat64()
	step := Step{Price: math.Exp(logNew)}

	if e.rng.Float64() < p.JumpProb {
		step.Jump = p.JumpMin + e.rng.Float64()*(p.JumpMax-p.JumpMin)
		step.Price *= step.Jump
	}

	if e.rng.Float64() < p.NewsProb {
		item, mult := e.catalog.Pick(e.rng)
		step.News = &item
		step.NewsMult = mult
		step.Price *= mult
	}

	if !finite(step.Price) {
		step.Price = current
	}
	return step
}

// Advance moves doc's market one step forward at now: it updates the current
// price, appends to history (keeping the most recent model.HistoryLimit
// points) and overwrites the news slot when a headline fires.
func (e *Engine) Advance(doc *model.Document, now time.Time) Tick {
	prev := doc.Market.CurrentPrice
	step := e.Next(prev.InexactFloat64())

	price := e.round(step.Price)

	tick := Tick{
		Previous:  prev,
		Price:     price,
		Timestamp: now,
		Recovered: step.Recovered,
		Jump:      step.Jump,
	}
	if step.News != nil {
		ev := &model.NewsEvent{
			Message:    step.News.Message,
			Multiplier: step.NewsMult,
			Timestamp:  now,
		}
		doc.Event = ev
		tick.News = ev
	}

	doc.Market.CurrentPrice = price
	doc.Market.History = append(doc.Market.History, model.PricePoint{Timestamp: now, Price: price})
	doc.Market.TrimHistory()
	return tick
}

func (e *Engine) round(price float64) decimal.Decimal {
	d := decimal.NewFromFloat(price).Round(e.params.Precision)
	if d.LessThan(MinPrice) {
		return MinPrice
	}
	return d
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
