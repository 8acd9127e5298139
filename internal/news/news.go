// Package news holds the catalog of market-moving headlines and the rules
// for sampling a price multiplier and deciding whether an event is still on
// screen.
package news

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/atmx/fxsim/internal/model"
)

// VisibleFor is how long a news event stays visible after it fires.
const VisibleFor = 10 * time.Second

// symmetryTolerance decides when a [Min, Max] range is treated as symmetric
// around 1 in log space.
const symmetryTolerance = 1e-6

// Item is one catalog headline. If Fixed is positive the multiplier is
// always Fixed; otherwise it is drawn from [Min, Max].
type Item struct {
	Message string  `toml:"message" json:"message"`
	Min     float64 `toml:"min" json:"min"`
	Max     float64 `toml:"max" json:"max"`
	Fixed   float64 `toml:"fixed" json:"fixed,omitempty"`
}

// ErrEmptyCatalog is returned when a catalog has no items.
var ErrEmptyCatalog = errors.New("news: catalog is empty")

// Catalog is the ordered list of items the engine draws from.
type Catalog []Item

// DefaultCatalog returns the built-in headlines.
func DefaultCatalog() Catalog {
	return Catalog{
		{Message: "Economic indicators released; the market is moving gently.", Min: 1 / 1.02, Max: 1.02},
		{Message: "Central bank statement keeps the market steady.", Min: 1 / 1.03, Max: 1.03},
		{Message: "Strong employment figures bring a mild upswing.", Min: 1 / 1.02, Max: 1.02},
		{Message: "Scandal at a major bank drags the market sharply lower.", Min: 0.75, Max: 0.95},
		{Message: "Surprise inflation scare! Prices look set to surge.", Min: 1.10, Max: 1.50},
		{Message: "Government emergency stabilisation plan: market stalls, then recovers.", Min: 1 / 1.05, Max: 1.05},
		{Message: "Terror attack reports spread fear; the market plunges.", Min: 0.65, Max: 0.85},
		{Message: "Extreme weather sends crop prices soaring; markets liven up.", Min: 1 / 1.20, Max: 1.20},
		{Message: "Central bank surprise policy shift; the market swings wildly.", Min: 1 / 1.20, Max: 1.20},
		{Message: "Legendary cat meme appears! Laughter lifts the market.", Min: 1 / 1.80, Max: 1.80},
		{Message: "Cat Meme 2: Galaxy drops! The market goes wild.", Min: 0.333, Max: 3.0},
		{Message: "Fears of a large-scale cyber attack whipsaw the market.", Min: 0.70, Max: 0.90},
		{Message: "Small meteorite strike causes barely a ripple.", Min: 1 / 1.05, Max: 1.05},
	}
}

// Validate checks that every item yields a positive, finite multiplier.
func (c Catalog) Validate() error {
	if len(c) == 0 {
		return ErrEmptyCatalog
	}
	for i, it := range c {
		if it.Message == "" {
			return fmt.Errorf("news: item %d has no message", i)
		}
		if it.Fixed > 0 {
			continue
		}
		if it.Min <= 0 || it.Max <= 0 || it.Min > it.Max {
			return fmt.Errorf("news: item %d has invalid range [%g, %g]", i, it.Min, it.Max)
		}
	}
	return nil
}

// Pick draws an item uniformly from the catalog and samples its multiplier.
func (c Catalog) Pick(rng *rand.Rand) (Item, float64) {
	it := c[rng.Intn(len(c))]
	return it, it.Sample(rng)
}

// Sample draws a multiplier for the item. Ranges whose bounds multiply to 1
// are sampled uniformly in log space so up and down moves balance; all other
// ranges are sampled uniformly.
func (it Item) Sample(rng *rand.Rand) float64 {
	if it.Fixed > 0 {
		return it.Fixed
	}
	if it.Min <= 0 || it.Max <= 0 {
		return 1.0
	}
	if math.Abs(it.Min*it.Max-1) < symmetryTolerance {
		lo, hi := math.Log(it.Min), math.Log(it.Max)
		return math.Exp(lo + rng.Float64()*(hi-lo))
	}
	return it.Min + rng.Float64()*(it.Max-it.Min)
}

// Visible reports whether ev should still be shown at now.
func Visible(ev *model.NewsEvent, now time.Time) bool {
	return ev != nil && now.Sub(ev.Timestamp) < VisibleFor
}

// PercentChange converts a multiplier into the signed percentage shown in the
// news banner.
func PercentChange(multiplier float64) float64 {
	return (multiplier - 1) * 100
}
