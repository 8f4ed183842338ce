package strategy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contactkeval/option-lab/internal/data"
	"github.com/contactkeval/option-lab/internal/pricing"
)

func snapshot(date time.Time, spot float64) data.MarketSnapshot {
	rate := 0.01
	return data.MarketSnapshot{
		Date:         date,
		Spot:         spot,
		ImpliedVol:   map[pricing.OptionType]float64{pricing.Call: 0.2, pricing.Put: 0.2},
		RiskFreeRate: &rate,
	}
}

func TestAggregator_OffsettingLegsNetToZero(t *testing.T) {
	long := mustValue(t, leg(pricing.Call, Long, 100), atm30)
	short := mustValue(t, leg(pricing.Call, Short, 100), atm30)
	agg := NewAggregator(long, short)

	grid := SpotGrid(80, 120, 5)
	assert.Equal(t, 0.0, agg.NetPrice())
	assert.Equal(t, 0.0, agg.NetEntryPrice())
	for _, v := range agg.NetPayoffAtExpiry(grid) {
		assert.Equal(t, 0.0, v)
	}
	for _, v := range agg.NetPayoffNow(grid) {
		assert.Equal(t, 0.0, v)
	}
	assert.Empty(t, agg.Breakevens(grid))
	assert.Empty(t, agg.Breakevens(DefaultSpotGrid([]float64{100})))
}

func TestAggregator_Straddle(t *testing.T) {
	call := mustValue(t, leg(pricing.Call, Long, 100), atm30)
	put := mustValue(t, leg(pricing.Put, Long, 100), atm30)
	agg := NewAggregator(call, put)

	assert.InDelta(t, atmCall30+atmPut30, agg.NetPrice(), 1e-9)

	bes := agg.Breakevens(DefaultSpotGrid([]float64{100, 100}))
	require.Len(t, bes, 2)
	assert.InDelta(t, 95.42710818877451, bes[0], 1e-9)
	assert.InDelta(t, 104.5728918112255, bes[1], 1e-9)
}

func TestAggregator_BullCallSpread(t *testing.T) {
	long := mustValue(t, leg(pricing.Call, Long, 100), atm30)
	short := mustValue(t, leg(pricing.Call, Short, 105), atm30)
	agg := NewAggregator(long, short)

	debit := 1.666101636429275
	assert.InDelta(t, debit, agg.NetPrice(), 1e-9)

	grid := SpotGrid(90, 115, 0.5)
	bes := agg.Breakevens(grid)
	require.Len(t, bes, 1)
	assert.InDelta(t, 100+debit, bes[0], 1e-9)

	payoff := agg.NetPayoffAtExpiry(grid)
	assert.InDelta(t, -debit, payoff[0], 1e-9)
	assert.InDelta(t, 5-debit, payoff[len(payoff)-1], 1e-9)
}

func TestAggregator_SingleLegUsesExactBreakeven(t *testing.T) {
	agg := NewAggregator(mustValue(t, leg(pricing.Call, Long, 100), atm30))
	assert.Equal(t, []float64{100 + atmCall30}, agg.Breakevens(nil))
}

func TestZeroCrossings(t *testing.T) {
	xs := []float64{1, 2, 3, 4, 5}
	assert.Equal(t, []float64{2.5}, zeroCrossings(xs, []float64{-1, -1, 1, 1, 1}))
	assert.Equal(t, []float64{3}, zeroCrossings(xs, []float64{-2, -1, 0, 1, 2}))
	assert.Equal(t, []float64{1.5, 4.5}, zeroCrossings(xs, []float64{-1, 1, 1, 1, -1}))
	assert.Empty(t, zeroCrossings(xs, []float64{1, 1, 1, 1, 1}))
	assert.Empty(t, zeroCrossings(xs, []float64{0, 0, 0, 0, 0}))
	assert.Empty(t, zeroCrossings(xs, []float64{2, 1, 0, 1, 2}), "touch without crossing")
	assert.Empty(t, zeroCrossings(xs, []float64{0, 1, 2, 3, 4}), "zero at the grid edge")
	assert.Equal(t, []float64{2}, zeroCrossings(xs, []float64{-1, 0, 0, 0, 1}))
	assert.Equal(t, []float64{2, 4}, zeroCrossings(xs, []float64{-1, 0, 1, 0, -1}))
}

func TestSpotGrid(t *testing.T) {
	assert.Equal(t, []float64{10, 10.5, 11, 11.5}, SpotGrid(10, 12, 0.5))
	assert.Empty(t, SpotGrid(10, 10, 0.5))
	assert.Empty(t, SpotGrid(10, 12, 0))

	g := DefaultSpotGrid([]float64{90, 110})
	require.Len(t, g, 120)
	assert.Equal(t, 75.0, g[0])
	assert.Equal(t, 134.5, g[len(g)-1])
	assert.Nil(t, DefaultSpotGrid(nil))
}

func TestValueStrategy(t *testing.T) {
	s, err := NewStrategy("SPY", entryDate, expiry30, leg(pricing.Call, Long, 100), leg(pricing.Put, Short, 100))
	require.NoError(t, err)

	agg, err := ValueStrategy(s, snapshot(entryDate, 100), nil, ValueOptions{})
	require.NoError(t, err)
	require.Len(t, agg.Legs(), 2)
	assert.InDelta(t, atmCall30-atmPut30, agg.NetPrice(), 1e-9)
	assert.Equal(t, 30.0, agg.Legs()[0].Market.DaysToExpiry)

	agg, err = ValueStrategy(s, snapshot(entryDate, 100), []float64{3, 1}, ValueOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2.0, agg.NetEntryPrice())

	_, err = ValueStrategy(s, snapshot(entryDate, 100), []float64{3}, ValueOptions{})
	assert.ErrorIs(t, err, ErrLegIndexOutOfRange)
}

func TestValueStrategy_UsesDefaultRateAndExpiresAtIntrinsic(t *testing.T) {
	s, err := NewStrategy("SPY", entryDate, expiry30, leg(pricing.Call, Long, 100))
	require.NoError(t, err)

	snap := snapshot(expiry30, 104)
	snap.RiskFreeRate = nil
	agg, err := ValueStrategy(s, snap, nil, ValueOptions{Rate: 0.05})
	require.NoError(t, err)
	assert.Equal(t, 0.05, agg.Legs()[0].Market.Rate)
	assert.Equal(t, 0.0, agg.Legs()[0].Market.DaysToExpiry)
	assert.Equal(t, 4.0, agg.NetPrice())
}

func TestValueStrategy_ExpiredLegsHoldSettlementValue(t *testing.T) {
	s, err := NewStrategy("SPY", entryDate, expiry30.AddDate(0, 0, 3), leg(pricing.Call, Long, 100))
	require.NoError(t, err)

	after := snapshot(expiry30.AddDate(0, 0, 3), 90)
	agg, err := ValueStrategy(s, after, nil, ValueOptions{Settlement: []float64{110}})
	require.NoError(t, err)
	assert.Equal(t, 10.0, agg.NetPrice())
	assert.Equal(t, 110.0, agg.Legs()[0].Market.Spot)

	_, err = ValueStrategy(s, after, nil, ValueOptions{})
	require.ErrorIs(t, err, ErrInvalidDateRange)
	var verr *ValuationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 0, verr.Leg)
}

func TestValueStrategy_Errors(t *testing.T) {
	s, err := NewStrategy("SPY", entryDate, expiry30, leg(pricing.Call, Long, 100), leg(pricing.Put, Long, 95))
	require.NoError(t, err)

	snap := snapshot(entryDate, 100)
	delete(snap.ImpliedVol, pricing.Put)
	_, err = ValueStrategy(s, snap, nil, ValueOptions{})
	require.ErrorIs(t, err, ErrMissingVolatility)
	var verr *ValuationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 1, verr.Leg)
	assert.Equal(t, entryDate, verr.Date)

	snap = snapshot(entryDate, 100)
	snap.ImpliedVol[pricing.Call] = 0
	_, err = ValueStrategy(s, snap, nil, ValueOptions{})
	require.ErrorIs(t, err, ErrInvalidMarketInput)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 0, verr.Leg)

	_, err = ValueStrategy(&Strategy{}, snap, nil, ValueOptions{})
	assert.ErrorIs(t, err, ErrEmptyStrategy)
}

func TestAnalyze(t *testing.T) {
	s, err := NewStrategy("SPY", entryDate, expiry30, leg(pricing.Call, Long, 100), leg(pricing.Put, Long, 100))
	require.NoError(t, err)

	p, err := Analyze(s, snapshot(entryDate, 100), nil, nil, ValueOptions{PoP: PoPOptions{Reference: PoPBreakeven}})
	require.NoError(t, err)

	assert.Equal(t, DefaultSpotGrid([]float64{100, 100}), p.Grid)
	assert.Len(t, p.Legs, 2)
	assert.Len(t, p.NetPayoffAtExpiry, len(p.Grid))
	assert.Len(t, p.NetPayoffNow, len(p.Grid))
	assert.Len(t, p.Breakevens, 2)
	assert.InDelta(t, -(atmCall30 + atmPut30), p.MaxLoss, 1e-9)
	assert.InDelta(t, 34.5-(atmCall30+atmPut30), p.MaxProfit, 1e-9)
	assert.Equal(t, p.NetPrice, p.NetEntryPrice)
}
