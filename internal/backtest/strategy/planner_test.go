package strategy

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contactkeval/option-lab/internal/backtest/scheduler"
	"github.com/contactkeval/option-lab/internal/data"
	"github.com/contactkeval/option-lab/internal/logger"
	"github.com/contactkeval/option-lab/internal/pricing"
)

var (
	asOfPrice = 581.39
	openDate  = time.Date(2025, time.January, 2, 0, 0, 0, 0, time.UTC)
	expiries  = scheduler.ExpirationDates(openDate, openDate.AddDate(1, 0, 0), scheduler.Monthly)
)

func planSnapshot() data.MarketSnapshot {
	rate := 0.01
	return data.MarketSnapshot{
		Date:         openDate,
		Spot:         100,
		ImpliedVol:   map[pricing.OptionType]float64{pricing.Call: 0.20, pricing.Put: 0.22},
		RiskFreeRate: &rate,
	}
}

func TestResolveStrike(t *testing.T) {
	tests := []struct {
		expr     string
		expected float64
	}{
		{"ATM", 581.0},
		{"atm", 581.0},
		{"ATM:+10", 591.0},
		{"ATM:-20", 561.0},
		{"ATM:+10%", 640.0},
		{"ATM:-20%", 465.0},
		{"ABS:600", 600.0},
		{"ABS:600.4", 600.0},
	}

	for _, test := range tests {
		actual, err := ResolveStrike(test.expr, asOfPrice, 1, nil)
		require.NoError(t, err, test.expr)
		assert.Equal(t, test.expected, actual, "strike expression {%s}", test.expr)
	}

	actual, err := ResolveStrike("ATM:+1.5", asOfPrice, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 585.0, actual)

	actual, err = ResolveStrike("ATM", asOfPrice, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, asOfPrice, actual)
}

func TestResolveStrike_LegExpressions(t *testing.T) {
	legs := []OptionLeg{{Strike: 580}, {Strike: 600}}

	actual, err := ResolveStrike("{LEG1.STRIKE}+5", asOfPrice, 1, legs)
	require.NoError(t, err)
	assert.Equal(t, 585.0, actual)

	actual, err = ResolveStrike("({LEG1.STRIKE}+{LEG2.STRIKE})/2", asOfPrice, 1, legs)
	require.NoError(t, err)
	assert.Equal(t, 590.0, actual)

	_, err = ResolveStrike("{LEG3.STRIKE}", asOfPrice, 1, legs)
	assert.ErrorIs(t, err, ErrLegIndexOutOfRange)

	_, err = ResolveStrike("{LEG1.PREMIUM}", asOfPrice, 1, legs)
	assert.ErrorIs(t, err, ErrMissingVolatility)

	_, err = ResolveStrike("{LEG1.STRIKE}-1000", asOfPrice, 1, legs)
	assert.ErrorIs(t, err, ErrInvalidStrikeExpression)
}

func TestResolveStrike_Invalid(t *testing.T) {
	for _, expr := range []string{"OTM", "ATM:+x", "ABS:-5", "DELTA:abc", "{LEG1.STRIKE}+"} {
		_, err := ResolveStrike(expr, asOfPrice, 1, []OptionLeg{{Strike: 580}})
		assert.ErrorIs(t, err, ErrInvalidStrikeExpression, expr)
	}

	_, err := ResolveStrike("DELTA:0.3", asOfPrice, 1, nil)
	assert.ErrorIs(t, err, ErrMissingVolatility)
}

func TestResolveATMOffset(t *testing.T) {
	tests := []struct {
		expr     string
		expected float64
	}{
		{"+10", 591.39},
		{"-20", 561.39},
		{"+10%", 639.53},
		{"-20%", 465.11},
	}

	for _, test := range tests {
		actual, err := resolveATMOffset(test.expr, asOfPrice)
		require.NoError(t, err)
		assert.Equal(t, test.expected, actual, "offset {%s}", test.expr)
	}
}

func TestPlanStrategy_IronCondor(t *testing.T) {
	spec := StrategySpec{
		DaysToExpiry: 45,
		Legs: []LegSpec{
			{Side: "sell", OptionType: "put", StrikeRule: "ATM:-5%"},
			{Side: "buy", OptionType: "put", StrikeRule: "{LEG1.STRIKE}-5"},
			{Side: "sell", OptionType: "call", StrikeRule: "ATM:+5%"},
			{Side: "buy", OptionType: "call", StrikeRule: "{LEG3.STRIKE}+5"},
		},
	}

	legs, err := PlanStrategy(spec, planSnapshot(), expiries, PlanOptions{StrikeInterval: 1})
	require.NoError(t, err)
	require.Len(t, legs, 4)

	feb21 := time.Date(2025, 2, 21, 0, 0, 0, 0, time.UTC)
	want := []OptionLeg{
		{Strike: 95, Type: pricing.Put, Action: Short, Expiry: feb21},
		{Strike: 90, Type: pricing.Put, Action: Long, Expiry: feb21},
		{Strike: 105, Type: pricing.Call, Action: Short, Expiry: feb21},
		{Strike: 110, Type: pricing.Call, Action: Long, Expiry: feb21},
	}
	assert.Equal(t, want, legs)
}

func TestPlanStrategy_SnapsToListedStrikes(t *testing.T) {
	spec := StrategySpec{
		DaysToExpiry: 45,
		Legs: []LegSpec{
			{Side: "sell", OptionType: "put", StrikeRule: "ATM:-3%"},
			{Side: "buy", OptionType: "put", StrikeRule: "{LEG1.STRIKE}-4"},
		},
	}
	var asked []pricing.OptionType
	opts := PlanOptions{ListedStrikes: func(expiry time.Time, optType pricing.OptionType) ([]float64, error) {
		asked = append(asked, optType)
		assert.Equal(t, time.Date(2025, 2, 21, 0, 0, 0, 0, time.UTC), expiry)
		return []float64{85, 90, 95, 100}, nil
	}}

	legs, err := PlanStrategy(spec, planSnapshot(), expiries, opts)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	assert.Equal(t, 95.0, legs[0].Strike)
	assert.Equal(t, 90.0, legs[1].Strike)
	assert.Equal(t, []pricing.OptionType{pricing.Put, pricing.Put}, asked)

	opts.ListedStrikes = func(time.Time, pricing.OptionType) ([]float64, error) { return nil, nil }
	legs, err = PlanStrategy(spec, planSnapshot(), expiries, opts)
	require.NoError(t, err)
	assert.Equal(t, 97.0, legs[0].Strike)

	opts.ListedStrikes = func(time.Time, pricing.OptionType) ([]float64, error) { return nil, errors.New("boom") }
	_, err = PlanStrategy(spec, planSnapshot(), expiries, opts)
	assert.ErrorContains(t, err, "boom")
}

func TestPlanStrategy_LogsStructuredEvents(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetVerbosity(int(logger.Info))
	defer logger.SetOutput(io.Discard)

	spec := StrategySpec{DaysToExpiry: 45, Legs: []LegSpec{{Side: "buy", OptionType: "call", StrikeRule: "ATM"}}}
	_, err := PlanStrategy(spec, planSnapshot(), expiries, PlanOptions{})
	require.NoError(t, err)

	events := map[string]map[string]any{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		events[rec["event"].(string)] = rec
	}
	require.Contains(t, events, "plan_strategy")
	require.Contains(t, events, "leg_resolved")
	assert.Equal(t, 1.0, events["plan_strategy"]["legs"])
	assert.Equal(t, 100.0, events["leg_resolved"]["strike"])
	assert.Equal(t, "call", events["leg_resolved"]["type"])
	assert.NotContains(t, events, "resolve_leg", "debug events stay hidden at info")
}

func TestPlanStrategy_DefaultsAndOverrides(t *testing.T) {
	spec := StrategySpec{
		DaysToExpiry:  10,
		DateMatchType: scheduler.MatchHigher,
		Legs: []LegSpec{
			{StrikeRule: "ATM", Qty: 2},
			{Side: "sell", StrikeRule: "ATM", Expiration: 40},
		},
	}

	legs, err := PlanStrategy(spec, planSnapshot(), expiries, PlanOptions{})
	require.NoError(t, err)
	require.Len(t, legs, 2)

	assert.Equal(t, Long, legs[0].Action)
	assert.Equal(t, pricing.Call, legs[0].Type)
	assert.Equal(t, 2, legs[0].Quantity())
	assert.Equal(t, time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC), legs[0].Expiry)
	assert.Equal(t, time.Date(2025, 2, 21, 0, 0, 0, 0, time.UTC), legs[1].Expiry)
}

func TestPlanStrategy_DeltaAndPremiumRules(t *testing.T) {
	spec := StrategySpec{
		DaysToExpiry: 45,
		Legs: []LegSpec{
			{OptionType: "call", StrikeRule: "DELTA:0.25"},
			{OptionType: "put", StrikeRule: "DELTA:25"},
			{OptionType: "call", StrikeRule: "ATM"},
			{Side: "sell", OptionType: "call", StrikeRule: "{LEG3.STRIKE}+{LEG3.PREMIUM}"},
		},
	}

	snap := planSnapshot()
	legs, err := PlanStrategy(spec, snap, expiries, PlanOptions{})
	require.NoError(t, err)

	days := float64(scheduler.DaysBetween(openDate, legs[0].Expiry))
	tYears := pricing.YearFraction(days)
	d1 := func(strike, sigma float64) float64 {
		return (math.Log(snap.Spot/strike) + (0.01+0.5*sigma*sigma)*tYears) / (sigma * math.Sqrt(tYears))
	}

	assert.Greater(t, legs[0].Strike, snap.Spot)
	assert.InDelta(t, 0.25, pricing.NormCDF(d1(legs[0].Strike, 0.20)), 1e-9)
	assert.Less(t, legs[1].Strike, snap.Spot)
	assert.InDelta(t, 0.25, pricing.NormCDF(-d1(legs[1].Strike, 0.22)), 1e-9)

	premium := pricing.Price(100, 100, days, 0.20, 0.01, pricing.Call)
	assert.InDelta(t, 100+premium, legs[3].Strike, 1e-9)
}

func TestPlanStrategy_Errors(t *testing.T) {
	snap := planSnapshot()

	_, err := PlanStrategy(StrategySpec{}, snap, expiries, PlanOptions{})
	assert.ErrorIs(t, err, ErrEmptyStrategy)

	spec := StrategySpec{DaysToExpiry: 30, Legs: []LegSpec{{StrikeRule: "ATM"}}}
	_, err = PlanStrategy(spec, snap, nil, PlanOptions{})
	assert.ErrorIs(t, err, ErrNoExpiration)

	past := []time.Time{openDate.AddDate(0, 0, -10)}
	_, err = PlanStrategy(spec, snap, past, PlanOptions{})
	assert.ErrorIs(t, err, ErrInvalidDateRange)

	_, err = PlanStrategy(StrategySpec{DaysToExpiry: 30, Legs: []LegSpec{{Side: "hold"}}}, snap, expiries, PlanOptions{})
	assert.Error(t, err)

	_, err = PlanStrategy(StrategySpec{DaysToExpiry: 30, Legs: []LegSpec{{OptionType: "straddle"}}}, snap, expiries, PlanOptions{})
	assert.Error(t, err)
}

func TestRoundToInterval(t *testing.T) {
	assert.Equal(t, 580.0, RoundToInterval(581.39, 5))
	assert.Equal(t, 582.5, RoundToInterval(581.39, 2.5))
	assert.Equal(t, 581.39, RoundToInterval(581.39, 0))
}
