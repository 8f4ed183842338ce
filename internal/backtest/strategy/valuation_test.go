package strategy

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contactkeval/option-lab/internal/pricing"
)

const (
	atmCall30 = 2.3275249119277177 // S=K=100, 30d, σ=0.20, r=0.01
	atmPut30  = 2.245366899297771
)

var (
	entryDate = time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	expiry30  = entryDate.AddDate(0, 0, 30)
	atm30     = MarketInput{Spot: 100, Volatility: 0.20, Rate: 0.01, DaysToExpiry: 30}
)

func leg(t pricing.OptionType, a Action, strike float64) OptionLeg {
	return OptionLeg{Strike: strike, Type: t, Action: a, Expiry: expiry30}
}

func mustValue(t *testing.T, l OptionLeg, in MarketInput) *LegValuation {
	t.Helper()
	v, err := NewLegValuation(l, in)
	require.NoError(t, err)
	return v
}

func TestNewLegValuation_Price(t *testing.T) {
	call := mustValue(t, leg(pricing.Call, Long, 100), atm30)
	assert.InDelta(t, atmCall30, call.Price, 1e-9)
	assert.Equal(t, call.Price, call.EntryPrice)
	assert.InDelta(t, atmCall30, call.SignedPrice(), 1e-9)

	short := mustValue(t, leg(pricing.Put, Short, 100), atm30)
	assert.InDelta(t, atmPut30, short.Price, 1e-9)
	assert.InDelta(t, -atmPut30, short.SignedPrice(), 1e-9)

	expired := mustValue(t, leg(pricing.Put, Long, 100), MarketInput{Spot: 90, Volatility: 0.2, DaysToExpiry: 0})
	assert.Equal(t, 10.0, expired.Price)
}

func TestNewLegValuation_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		leg  OptionLeg
		in   MarketInput
	}{
		{"zero vol", leg(pricing.Call, Long, 100), MarketInput{Spot: 100, Volatility: 0, DaysToExpiry: 30}},
		{"negative vol", leg(pricing.Call, Long, 100), MarketInput{Spot: 100, Volatility: -0.1, DaysToExpiry: 30}},
		{"zero spot", leg(pricing.Call, Long, 100), MarketInput{Spot: 0, Volatility: 0.2, DaysToExpiry: 30}},
		{"zero strike", leg(pricing.Put, Long, 0), atm30},
		{"nan spot", leg(pricing.Put, Long, 100), MarketInput{Spot: math.NaN(), Volatility: 0.2, DaysToExpiry: 30}},
		{"bad type", OptionLeg{Strike: 100, Type: "straddle", Action: Long, Expiry: expiry30}, atm30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLegValuation(tt.leg, tt.in)
			require.ErrorIs(t, err, ErrInvalidMarketInput)
		})
	}
}

func TestPayoffAtExpiry(t *testing.T) {
	grid := []float64{90, 100, 110}

	tests := []struct {
		optType pricing.OptionType
		action  Action
		want    []float64
	}{
		{pricing.Call, Long, []float64{-2, -2, 8}},
		{pricing.Call, Short, []float64{2, 2, -8}},
		{pricing.Put, Long, []float64{8, -2, -2}},
		{pricing.Put, Short, []float64{-8, 2, 2}},
	}

	for _, tt := range tests {
		t.Run(string(tt.action)+" "+string(tt.optType), func(t *testing.T) {
			v := mustValue(t, leg(tt.optType, tt.action, 100), atm30).WithEntryPrice(2)
			assert.Equal(t, tt.want, v.PayoffAtExpiry(grid))
		})
	}
}

func TestPayoffAtExpiry_LongCallReference(t *testing.T) {
	v := mustValue(t, leg(pricing.Call, Long, 100), atm30)
	got := v.PayoffAtExpiry([]float64{110})
	assert.InDelta(t, 10-atmCall30, got[0], 1e-9)
}

func TestPayoffNow(t *testing.T) {
	long := mustValue(t, leg(pricing.Call, Long, 100), atm30)
	short := mustValue(t, leg(pricing.Call, Short, 100), atm30)

	grid := []float64{100, 110}
	l := long.PayoffNow(grid)
	s := short.PayoffNow(grid)

	assert.InDelta(t, 0, l[0], 1e-12, "no move, no profit")
	assert.InDelta(t, 7.870960350061033, l[1], 1e-9)
	assert.InDelta(t, -l[1], s[1], 1e-12)
}

func TestBreakeven(t *testing.T) {
	tests := []struct {
		optType pricing.OptionType
		action  Action
		want    float64
	}{
		{pricing.Call, Long, 100 + atmCall30},
		{pricing.Call, Short, 100 + atmCall30},
		{pricing.Put, Long, 100 - atmCall30},
		{pricing.Put, Short, 100 - atmCall30},
	}

	for _, tt := range tests {
		v := mustValue(t, leg(tt.optType, tt.action, 100), atm30).WithEntryPrice(atmCall30)
		be, ok := v.Breakeven()
		require.True(t, ok)
		assert.InDelta(t, tt.want, be, 1e-9)

		// the breakeven is where the expiry payoff is zero
		assert.InDelta(t, 0, v.PayoffAtExpiry([]float64{be})[0], 1e-9)
	}

	_, ok := mustValue(t, leg(pricing.Call, Long, 100), atm30).WithEntryPrice(0).Breakeven()
	assert.False(t, ok)
	_, ok = mustValue(t, leg(pricing.Put, Long, 5), atm30).WithEntryPrice(6).Breakeven()
	assert.False(t, ok)
}

func TestProbabilityOfProfit(t *testing.T) {
	longCall := mustValue(t, leg(pricing.Call, Long, 100), atm30)
	shortCall := mustValue(t, leg(pricing.Call, Short, 100), atm30)
	longPut := mustValue(t, leg(pricing.Put, Long, 95), atm30)
	shortPut := mustValue(t, leg(pricing.Put, Short, 95), atm30)

	assert.InDelta(t, 0.5, longCall.ProbabilityOfProfit(), 1e-12)
	assert.InDelta(t, 0.5, shortCall.ProbabilityOfProfit(), 1e-12)
	assert.InDelta(t, 0.39879533318476923, longPut.ProbabilityOfProfit(), 1e-9)
	assert.InDelta(t, 1-0.39879533318476923, shortPut.ProbabilityOfProfit(PoPOptions{Reference: PoPStrike}), 1e-9)

	assert.InDelta(t, 0.454205694970368, longCall.ProbabilityOfProfit(PoPOptions{Reference: PoPBreakeven}), 1e-9)

	expired := mustValue(t, leg(pricing.Call, Long, 100), MarketInput{Spot: 105, Volatility: 0.2})
	assert.Equal(t, 1.0, expired.ProbabilityOfProfit())
	expired = mustValue(t, leg(pricing.Call, Short, 100), MarketInput{Spot: 105, Volatility: 0.2})
	assert.Equal(t, 0.0, expired.ProbabilityOfProfit())
}

func TestProbabilityOfProfit_UsesAnnualizedVolatility(t *testing.T) {
	otm := mustValue(t, leg(pricing.Call, Long, 105), atm30)

	// 1 - Φ(ln(105/100) / 0.2)
	assert.InDelta(t, 0.40363445428639244, otm.ProbabilityOfProfit(), 1e-9)
	// 1 - Φ(ln(105/100) / (0.2·√(30/365)))
	assert.InDelta(t, 0.1974072468604079, otm.ProbabilityOfProfit(PoPOptions{TimeScaled: true}), 1e-9)

	longPut := mustValue(t, leg(pricing.Put, Long, 95), atm30)
	assert.InDelta(t, 0.1855073558179261, longPut.ProbabilityOfProfit(PoPOptions{TimeScaled: true}), 1e-9)
}

func TestResult(t *testing.T) {
	v := mustValue(t, leg(pricing.Call, Long, 100), atm30)
	r := v.Result([]float64{100, 110}, PoPOptions{})
	assert.InDelta(t, atmCall30, r.TheoreticalPrice, 1e-9)
	require.NotNil(t, r.Breakeven)
	assert.InDelta(t, 100+atmCall30, *r.Breakeven, 1e-9)
	assert.Len(t, r.PayoffAtExpiry, 2)
	assert.Len(t, r.PayoffNow, 2)
	assert.InDelta(t, 0.5, r.ProbabilityOfProfit, 1e-12)
}

func TestStrategyValidate(t *testing.T) {
	_, err := NewStrategy("spy", entryDate, entryDate.AddDate(0, 0, 10))
	assert.ErrorIs(t, err, ErrEmptyStrategy)

	_, err = NewStrategy("spy", entryDate, entryDate.AddDate(0, 0, -1), leg(pricing.Call, Long, 100))
	assert.ErrorIs(t, err, ErrInvalidDateRange)

	early := leg(pricing.Call, Long, 100)
	early.Expiry = entryDate.AddDate(0, 0, -1)
	_, err = NewStrategy("spy", entryDate, entryDate, early)
	assert.ErrorIs(t, err, ErrInvalidDateRange)

	_, err = NewStrategy("spy", entryDate, entryDate, OptionLeg{Strike: 100, Type: pricing.Call, Action: "hold", Expiry: expiry30})
	assert.ErrorIs(t, err, ErrInvalidLeg)

	s, err := NewStrategy(" spy ", entryDate, expiry30, leg(pricing.Call, Long, 100), leg(pricing.Put, Short, 95), leg(pricing.Call, Short, 105))
	require.NoError(t, err)
	assert.Equal(t, "SPY", s.Ticker)
	assert.Equal(t, []pricing.OptionType{pricing.Call, pricing.Put}, s.OptionTypes())
	assert.Equal(t, []float64{100, 95, 105}, s.Strikes())
	assert.Equal(t, expiry30, s.LastExpiry())
}

func TestParseAction(t *testing.T) {
	for in, want := range map[string]Action{"": Long, "BUY": Long, "long": Long, "sell": Short, " Short ": Short} {
		got, err := ParseAction(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseAction("hold")
	assert.Error(t, err)

	assert.Equal(t, 1.0, Long.Sign())
	assert.Equal(t, -1.0, Short.Sign())
	assert.Equal(t, -3.0, OptionLeg{Action: Short, Qty: 3}.Weight())
}

func TestValuationErrorUnwrap(t *testing.T) {
	err := error(&ValuationError{Leg: 1, Date: entryDate, Err: ErrInvalidMarketInput})
	assert.True(t, errors.Is(err, ErrInvalidMarketInput))
	assert.Contains(t, err.Error(), "leg 2 on 2025-01-02")
}

func TestProperty_LegPayoffs(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	types := gen.OneConstOf(pricing.Call, pricing.Put)

	properties.Property("long and short payoffs cancel", prop.ForAll(
		func(optType pricing.OptionType, strike, premium, s float64) bool {
			l := &LegValuation{Leg: OptionLeg{Strike: strike, Type: optType, Action: Long}, EntryPrice: premium}
			sh := &LegValuation{Leg: OptionLeg{Strike: strike, Type: optType, Action: Short}, EntryPrice: premium}
			return l.PayoffAtExpiry([]float64{s})[0]+sh.PayoffAtExpiry([]float64{s})[0] == 0
		},
		types,
		gen.Float64Range(1, 500),
		gen.Float64Range(0, 50),
		gen.Float64Range(0, 1000),
	))

	properties.Property("long loss is bounded by the premium", prop.ForAll(
		func(optType pricing.OptionType, strike, premium, s float64) bool {
			l := &LegValuation{Leg: OptionLeg{Strike: strike, Type: optType, Action: Long}, EntryPrice: premium}
			return l.PayoffAtExpiry([]float64{s})[0] >= -premium
		},
		types,
		gen.Float64Range(1, 500),
		gen.Float64Range(0, 50),
		gen.Float64Range(0, 1000),
	))

	properties.Property("long call payoff is non-decreasing in spot", prop.ForAll(
		func(strike, premium, a, b float64) bool {
			l := &LegValuation{Leg: OptionLeg{Strike: strike, Type: pricing.Call, Action: Long}, EntryPrice: premium}
			lo, hi := math.Min(a, b), math.Max(a, b)
			p := l.PayoffAtExpiry([]float64{lo, hi})
			return p[0] <= p[1]
		},
		gen.Float64Range(1, 500),
		gen.Float64Range(0, 50),
		gen.Float64Range(0, 1000),
		gen.Float64Range(0, 1000),
	))

	properties.Property("probability of profit is within [0,1]", prop.ForAll(
		func(optType pricing.OptionType, strike, spot, sigma, days float64) bool {
			v, err := NewLegValuation(OptionLeg{Strike: strike, Type: optType, Action: Short, Expiry: expiry30},
				MarketInput{Spot: spot, Volatility: sigma, DaysToExpiry: days})
			if err != nil {
				return false
			}
			p := v.ProbabilityOfProfit(PoPOptions{Reference: PoPBreakeven, TimeScaled: days > 365})
			return p >= 0 && p <= 1
		},
		types,
		gen.Float64Range(1, 500),
		gen.Float64Range(1, 500),
		gen.Float64Range(0.01, 2),
		gen.Float64Range(0, 730),
	))

	properties.TestingRun(t)
}
