package strategy

import (
	"fmt"
	"math"
	"strings"

	"github.com/contactkeval/option-lab/internal/pricing"
)

// MarketInput is the market context a single leg is valued against.
type MarketInput struct {
	Spot         float64 `json:"spot"`
	Volatility   float64 `json:"volatility"` // annualized, decimal
	Rate         float64 `json:"rate"`
	Dividend     float64 `json:"dividend,omitempty"` // continuous yield
	DaysToExpiry float64 `json:"days_to_expiry"`
}

// PoPReference selects the spot level probability of profit is measured
// against.
type PoPReference int

const (
	// PoPStrike measures against the strike, ignoring the premium paid or
	// received. This is an approximation: a long call finishing just above
	// its strike still loses the premium.
	PoPStrike PoPReference = iota
	// PoPBreakeven measures against the breakeven, so it is the model
	// probability of finishing with a positive payoff.
	PoPBreakeven
)

// ParsePoPReference accepts "strike" and "breakeven". Empty is PoPStrike.
func ParsePoPReference(s string) (PoPReference, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strike":
		return PoPStrike, nil
	case "breakeven":
		return PoPBreakeven, nil
	}
	return PoPStrike, fmt.Errorf("unknown probability of profit reference %q", s)
}

func (r PoPReference) String() string {
	if r == PoPBreakeven {
		return "breakeven"
	}
	return "strike"
}

// LegValuation is one leg priced against one MarketInput.
type LegValuation struct {
	Leg        OptionLeg
	Market     MarketInput
	Price      float64 // theoretical price per share
	EntryPrice float64 // premium per share paid or received at entry
}

// NewLegValuation prices leg against in. The entry price defaults to the
// theoretical price; use WithEntryPrice to value against a historical
// entry. Non-positive spot, strike or volatility and NaN inputs are
// rejected with ErrInvalidMarketInput. Zero days to expiry is valid and
// prices at intrinsic value.
func NewLegValuation(leg OptionLeg, in MarketInput) (*LegValuation, error) {
	if err := validateInput(leg, in); err != nil {
		return nil, err
	}
	days := math.Max(in.DaysToExpiry, 0)
	in.DaysToExpiry = days
	price := pricing.PriceWithDividend(in.Spot, leg.Strike, days, in.Volatility, in.Rate, in.Dividend, leg.Type)
	return &LegValuation{Leg: leg, Market: in, Price: price, EntryPrice: price}, nil
}

func validateInput(leg OptionLeg, in MarketInput) error {
	for name, v := range map[string]float64{
		"spot": in.Spot, "volatility": in.Volatility, "rate": in.Rate,
		"dividend": in.Dividend, "days to expiry": in.DaysToExpiry, "strike": leg.Strike,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is %v", ErrInvalidMarketInput, name, v)
		}
	}
	switch {
	case in.Spot <= 0:
		return fmt.Errorf("%w: spot %v", ErrInvalidMarketInput, in.Spot)
	case leg.Strike <= 0:
		return fmt.Errorf("%w: strike %v", ErrInvalidMarketInput, leg.Strike)
	case in.Volatility <= 0:
		return fmt.Errorf("%w: volatility %v", ErrInvalidMarketInput, in.Volatility)
	case !leg.Type.Valid():
		return fmt.Errorf("%w: option type %q", ErrInvalidMarketInput, leg.Type)
	}
	return nil
}

// WithEntryPrice returns a copy of v valued against entry premium p.
func (v *LegValuation) WithEntryPrice(p float64) *LegValuation {
	c := *v
	c.EntryPrice = p
	return &c
}

// SignedPrice is the theoretical price with the leg's sign and quantity.
func (v *LegValuation) SignedPrice() float64 { return v.Leg.Weight() * v.Price }

// SignedEntryPrice is the entry premium with the leg's sign and quantity.
func (v *LegValuation) SignedEntryPrice() float64 { return v.Leg.Weight() * v.EntryPrice }

// payoffAt is the per-share expiry payoff at spot s, for one contract.
func (v *LegValuation) payoffAt(s float64) float64 {
	p, k := v.EntryPrice, v.Leg.Strike
	switch {
	case v.Leg.Type == pricing.Call && v.Leg.Action == Long:
		return math.Max(s-k, 0) - p
	case v.Leg.Type == pricing.Call:
		return math.Min(k-s, 0) + p
	case v.Leg.Action == Long:
		return math.Max(k-s, 0) - p
	default:
		return math.Min(s-k, 0) + p
	}
}

// PayoffAtExpiry is the profit per share at expiry for each spot in grid.
func (v *LegValuation) PayoffAtExpiry(grid []float64) []float64 {
	out := make([]float64, len(grid))
	for i, s := range grid {
		out[i] = float64(v.Leg.Quantity()) * v.payoffAt(s)
	}
	return out
}

// PayoffNow re-prices the leg at each spot in grid with the current days to
// expiry, volatility and rate, and returns the profit against the entry
// price.
func (v *LegValuation) PayoffNow(grid []float64) []float64 {
	out := make([]float64, len(grid))
	m := v.Market
	for i, s := range grid {
		price := pricing.PriceWithDividend(s, v.Leg.Strike, m.DaysToExpiry, m.Volatility, m.Rate, m.Dividend, v.Leg.Type)
		out[i] = v.Leg.Weight() * (price - v.EntryPrice)
	}
	return out
}

// Breakeven is the spot at which the expiry payoff crosses zero.
//
// Calls cross at strike+premium and puts at strike-premium, whichever side
// holds the option, since a short leg's payoff is the long payoff negated.
// ok is false when the premium is not positive, or a put's premium exceeds
// its strike, leaving no crossing at a positive spot.
func (v *LegValuation) Breakeven() (float64, bool) {
	p := v.EntryPrice
	if !(p > 0) {
		return 0, false
	}
	if v.Leg.Type == pricing.Call {
		return v.Leg.Strike + p, true
	}
	be := v.Leg.Strike - p
	return be, be > 0
}

// PoPOptions selects how ProbabilityOfProfit is measured.
type PoPOptions struct {
	Reference PoPReference

	// TimeScaled spreads volatility over the remaining life as σ√t instead
	// of using the annualized σ directly.
	TimeScaled bool
}

// ProbabilityOfProfit treats the log return of spot as normal with the
// leg's volatility:
//
//	pBelow = Φ(ln(ref/S) / σ)
//
// or Φ(ln(ref/S) / (σ√t)) when TimeScaled is set. Long calls and short puts
// profit above ref and take 1-pBelow; short calls and long puts take
// pBelow. ref is the strike unless PoPBreakeven is given and a breakeven
// exists. This is an approximation, not a risk-neutral probability: the
// strike reference ignores the premium and drift is ignored. At expiry the
// distribution collapses onto the current spot.
func (v *LegValuation) ProbabilityOfProfit(opts ...PoPOptions) float64 {
	var o PoPOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	level := v.Leg.Strike
	if o.Reference == PoPBreakeven {
		if be, ok := v.Breakeven(); ok {
			level = be
		}
	}

	profitsAbove := (v.Leg.Type == pricing.Call) == (v.Leg.Action == Long)

	var pBelow float64
	t := pricing.YearFraction(v.Market.DaysToExpiry)
	if t <= 0 {
		if v.Market.Spot < level {
			pBelow = 1
		}
	} else {
		scale := v.Market.Volatility
		if o.TimeScaled {
			scale *= math.Sqrt(t)
		}
		pBelow = pricing.NormCDF(math.Log(level/v.Market.Spot) / scale)
	}

	if profitsAbove {
		return 1 - pBelow
	}
	return pBelow
}

// ValuationResult is the full analysis of one leg on one day.
type ValuationResult struct {
	Leg                 OptionLeg   `json:"leg"`
	Market              MarketInput `json:"market"`
	TheoreticalPrice    float64     `json:"theoretical_price"`
	EntryPrice          float64     `json:"entry_price"`
	PayoffAtExpiry      []float64   `json:"payoff_at_expiry"`
	PayoffNow           []float64   `json:"payoff_now"`
	Breakeven           *float64    `json:"breakeven,omitempty"`
	ProbabilityOfProfit float64     `json:"probability_of_profit"`
}

// Result evaluates every measure of v over grid.
func (v *LegValuation) Result(grid []float64, pop PoPOptions) ValuationResult {
	r := ValuationResult{
		Leg:                 v.Leg,
		Market:              v.Market,
		TheoreticalPrice:    v.Price,
		EntryPrice:          v.EntryPrice,
		PayoffAtExpiry:      v.PayoffAtExpiry(grid),
		PayoffNow:           v.PayoffNow(grid),
		ProbabilityOfProfit: v.ProbabilityOfProfit(pop),
	}
	if be, ok := v.Breakeven(); ok {
		r.Breakeven = &be
	}
	return r
}
