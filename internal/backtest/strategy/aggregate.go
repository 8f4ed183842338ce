package strategy

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/contactkeval/option-lab/internal/backtest/scheduler"
	"github.com/contactkeval/option-lab/internal/data"
	"github.com/contactkeval/option-lab/internal/logger"
)

// Aggregator nets independently valued legs by signed summation.
type Aggregator struct {
	legs []*LegValuation
}

// NewAggregator combines the given leg valuations.
func NewAggregator(vals ...*LegValuation) *Aggregator {
	return &Aggregator{legs: vals}
}

// Legs returns the underlying valuations in leg order.
func (a *Aggregator) Legs() []*LegValuation { return a.legs }

// NetPrice is Σ sign·qty·price. Positive means a net debit position.
func (a *Aggregator) NetPrice() float64 {
	var sum float64
	for _, v := range a.legs {
		sum += v.SignedPrice()
	}
	return sum
}

// NetEntryPrice is Σ sign·qty·entry premium.
func (a *Aggregator) NetEntryPrice() float64 {
	var sum float64
	for _, v := range a.legs {
		sum += v.SignedEntryPrice()
	}
	return sum
}

// NetPayoffAtExpiry sums the legs' expiry payoffs over grid.
func (a *Aggregator) NetPayoffAtExpiry(grid []float64) []float64 {
	out := make([]float64, len(grid))
	for _, v := range a.legs {
		floats.Add(out, v.PayoffAtExpiry(grid))
	}
	return out
}

// NetPayoffNow sums the legs' current payoffs over grid.
func (a *Aggregator) NetPayoffNow(grid []float64) []float64 {
	out := make([]float64, len(grid))
	for _, v := range a.legs {
		floats.Add(out, v.PayoffNow(grid))
	}
	return out
}

// Breakevens lists every spot where the net expiry payoff crosses zero, in
// ascending order.
//
// A single leg reports its exact breakeven. Otherwise grid is scanned for
// sign changes, each located by linear interpolation. A run of exact zeros
// counts only when the payoff has opposite signs on its two sides, and is
// reported once at its first point. A payoff that touches zero without
// crossing, or is zero everywhere, has no breakeven.
func (a *Aggregator) Breakevens(grid []float64) []float64 {
	if len(a.legs) == 1 {
		if be, ok := a.legs[0].Breakeven(); ok {
			return []float64{be}
		}
		return nil
	}
	return zeroCrossings(grid, a.NetPayoffAtExpiry(grid))
}

func zeroCrossings(xs, ys []float64) []float64 {
	var out []float64
	for i := 0; i < len(ys); i++ {
		if ys[i] == 0 {
			j := i
			for j+1 < len(ys) && ys[j+1] == 0 {
				j++
			}
			if i > 0 && j+1 < len(ys) && (ys[i-1] < 0) != (ys[j+1] < 0) {
				out = append(out, xs[i])
			}
			i = j
			continue
		}
		if i+1 < len(ys) && ys[i+1] != 0 && (ys[i] < 0) != (ys[i+1] < 0) {
			x0, x1, y0, y1 := xs[i], xs[i+1], ys[i], ys[i+1]
			out = append(out, x0-y0*(x1-x0)/(y1-y0))
		}
	}
	return out
}

// ValueOptions supplies the inputs a snapshot may not carry.
type ValueOptions struct {
	Rate     float64    // used when the snapshot has no risk-free rate
	Dividend float64    // continuous dividend yield
	PoP      PoPOptions // probability of profit model

	// Settlement holds, per leg, the spot the leg settled at on its expiry
	// day. Zero means unsettled.
	Settlement []float64
}

// ValueStrategy values every leg of s against snap. Days to expiry are the
// calendar days from the snapshot date to each leg's expiry. entryPrices,
// when given, must hold one premium per leg.
//
// A leg whose expiry is before snap's date is worth its intrinsic value at
// opts.Settlement; without a settlement spot it fails with
// ErrInvalidDateRange. Failures are returned as *ValuationError carrying the
// leg index and date.
func ValueStrategy(s *Strategy, snap data.MarketSnapshot, entryPrices []float64, opts ValueOptions) (*Aggregator, error) {
	if len(s.Legs) == 0 {
		return nil, ErrEmptyStrategy
	}
	if entryPrices != nil && len(entryPrices) != len(s.Legs) {
		return nil, fmt.Errorf("%w: %d entry prices for %d legs", ErrLegIndexOutOfRange, len(entryPrices), len(s.Legs))
	}

	rate := snap.RateOr(opts.Rate)
	vals := make([]*LegValuation, len(s.Legs))
	for i, leg := range s.Legs {
		iv, ok := snap.Vol(leg.Type)
		if !ok {
			return nil, &ValuationError{Leg: i, Date: snap.Date, Err: fmt.Errorf("%w: %s", ErrMissingVolatility, leg.Type)}
		}

		spot := snap.Spot
		dte := float64(scheduler.DaysBetween(snap.Date, leg.Expiry))
		if dte < 0 {
			if i >= len(opts.Settlement) || opts.Settlement[i] <= 0 {
				return nil, &ValuationError{Leg: i, Date: snap.Date, Err: fmt.Errorf("%w: leg expired %s with no settlement",
					ErrInvalidDateRange, leg.Expiry.Format("2006-01-02"))}
			}
			spot = opts.Settlement[i]
		}
		v, err := NewLegValuation(leg, MarketInput{
			Spot:         spot,
			Volatility:   iv,
			Rate:         rate,
			Dividend:     opts.Dividend,
			DaysToExpiry: math.Max(dte, 0),
		})
		if err != nil {
			return nil, &ValuationError{Leg: i, Date: snap.Date, Err: err}
		}
		if entryPrices != nil {
			v = v.WithEntryPrice(entryPrices[i])
		}
		vals[i] = v

		logger.Trc().
			Str("event", "leg_valued").
			Int("leg", i+1).
			Time("date", snap.Date).
			Float64("spot", spot).
			Float64("iv", iv).
			Float64("dte", dte).
			Float64("price", v.Price).
			Msg("")
	}
	return NewAggregator(vals...), nil
}

// PayoffProfile is the payoff analysis of a strategy on one day.
type PayoffProfile struct {
	Date              time.Time         `json:"date"`
	Spot              float64           `json:"spot"`
	Grid              []float64         `json:"grid"`
	Legs              []ValuationResult `json:"legs"`
	NetPrice          float64           `json:"net_price"`
	NetEntryPrice     float64           `json:"net_entry_price"`
	NetPayoffAtExpiry []float64         `json:"net_payoff_at_expiry"`
	NetPayoffNow      []float64         `json:"net_payoff_now"`
	Breakevens        []float64         `json:"breakevens"`
	MaxProfit         float64           `json:"max_profit"` // over the grid
	MaxLoss           float64           `json:"max_loss"`   // over the grid, <= 0 when a loss is possible
}

// Analyze values s on snap and evaluates payoffs over grid, defaulting to
// DefaultSpotGrid of the strikes. entryPrices may be nil.
func Analyze(s *Strategy, snap data.MarketSnapshot, entryPrices []float64, grid []float64, opts ValueOptions) (*PayoffProfile, error) {
	agg, err := ValueStrategy(s, snap, entryPrices, opts)
	if err != nil {
		return nil, err
	}
	if len(grid) == 0 {
		grid = DefaultSpotGrid(s.Strikes())
	}

	p := &PayoffProfile{
		Date:              snap.Date,
		Spot:              snap.Spot,
		Grid:              grid,
		NetPrice:          agg.NetPrice(),
		NetEntryPrice:     agg.NetEntryPrice(),
		NetPayoffAtExpiry: agg.NetPayoffAtExpiry(grid),
		NetPayoffNow:      agg.NetPayoffNow(grid),
		Breakevens:        agg.Breakevens(grid),
	}
	for _, v := range agg.Legs() {
		p.Legs = append(p.Legs, v.Result(grid, opts.PoP))
	}
	if len(p.NetPayoffAtExpiry) > 0 {
		p.MaxProfit = floats.Max(p.NetPayoffAtExpiry)
		p.MaxLoss = floats.Min(p.NetPayoffAtExpiry)
	}
	return p, nil
}
