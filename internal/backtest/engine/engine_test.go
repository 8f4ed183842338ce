package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sch "github.com/contactkeval/option-lab/internal/backtest/scheduler"
	st "github.com/contactkeval/option-lab/internal/backtest/strategy"
	"github.com/contactkeval/option-lab/internal/data"
	"github.com/contactkeval/option-lab/internal/pricing"
)

func straddleSpec() st.StrategySpec {
	return st.StrategySpec{
		DaysToExpiry: 30,
		Legs: []st.LegSpec{
			{Side: "buy", OptionType: "call", StrikeRule: "ATM"},
			{Side: "buy", OptionType: "put", StrikeRule: "ATM"},
		},
	}
}

func newTestEngine(cfg *Config) *Engine {
	return NewEngine(cfg, data.NewSyntheticProvider(data.SyntheticConfig{Seed: 7}), WithProgress(nil))
}

func TestEngine_RunHoldsToExpiry(t *testing.T) {
	cfg := &Config{
		Underlying:   "SPY",
		EntryDate:    date(2024, 1, 2),
		Strategy:     straddleSpec(),
		RiskFreeRate: 0.02,
	}
	res, err := newTestEngine(cfg).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Legs, 2)
	assert.Equal(t, pricing.Call, res.Legs[0].Type)
	assert.Equal(t, pricing.Put, res.Legs[1].Type)
	assert.Equal(t, res.Legs[0].Strike, res.Legs[1].Strike)
	assert.Equal(t, sch.ThirdFriday(2024, time.January), res.Legs[0].Expiry)

	assert.Equal(t, date(2024, 1, 2), res.Summary.EntryDate)
	assert.Equal(t, res.Legs[0].Expiry, res.Summary.ExitDate)
	assert.Greater(t, res.Summary.CostBasis, 0.0)
	assert.Equal(t, "exit_date", res.Summary.ExitReason)

	// synthetic bars are weekdays only
	for _, dv := range res.Daily {
		assert.NotEqual(t, time.Saturday, dv.Date.Weekday())
		assert.NotEqual(t, time.Sunday, dv.Date.Weekday())
	}
}

func TestEngine_RunExplicitExitAndRules(t *testing.T) {
	target := 1.0
	cfg := &Config{
		Underlying: "SPY",
		EntryDate:  date(2024, 1, 2),
		ExitDate:   date(2024, 1, 12),
		Strategy:   straddleSpec(),
		Exit:       ExitSpec{StopLossPct: &target},
	}
	res, err := newTestEngine(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Summary.ExitDate.After(date(2024, 1, 12)))
	assert.Contains(t, []string{"exit_date", "stop_loss_1.00%"}, res.Summary.ExitReason)
}

func TestEngine_RunErrors(t *testing.T) {
	_, err := newTestEngine(&Config{Underlying: "SPY", Strategy: straddleSpec()}).Run(context.Background())
	assert.ErrorIs(t, err, st.ErrInvalidDateRange)

	// Saturday has no bar
	_, err = newTestEngine(&Config{Underlying: "SPY", EntryDate: date(2024, 1, 6), Strategy: straddleSpec()}).Run(context.Background())
	var missing *MissingMarketDataError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, date(2024, 1, 6), missing.Date)

	_, err = newTestEngine(&Config{
		Underlying: "SPY",
		EntryDate:  date(2024, 1, 2),
		ExitDate:   date(2024, 1, 1),
		Strategy:   straddleSpec(),
	}).Run(context.Background())
	assert.ErrorIs(t, err, st.ErrInvalidDateRange)

	_, err = newTestEngine(&Config{
		Underlying:   "SPY",
		EntryDate:    date(2024, 1, 2),
		Strategy:     straddleSpec(),
		PoPReference: "median",
	}).Run(context.Background())
	assert.Error(t, err)
}

func TestEngine_Replay(t *testing.T) {
	cfg := &Config{
		Underlying: "SPY",
		Entry: sch.EntryRule{
			Start:   date(2024, 1, 2),
			End:     date(2024, 3, 29),
			Mode:    "nth_weekday",
			NthList: []int{1},
		},
		Strategy: straddleSpec(),
		Exit:     ExitSpec{CloseOnExpiry: true},
		Workers:  3,
	}
	res, err := newTestEngine(cfg).Replay(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Trades, 12)
	for i, tr := range res.Trades {
		assert.Equal(t, i+1, tr.ID)
		assert.Equal(t, time.Monday, tr.EntryDate.Weekday())
		require.NoError(t, tr.Err)
		require.NotNil(t, tr.Result)
		assert.Equal(t, tr.EntryDate, tr.Result.Summary.EntryDate)
		if i > 0 {
			assert.True(t, tr.EntryDate.After(res.Trades[i-1].EntryDate))
		}
	}

	sum := res.Summary
	assert.Equal(t, 12, sum.Trades)
	assert.Equal(t, 12, sum.Completed)
	assert.Equal(t, 0, sum.Failed)
	assert.InDelta(t, float64(sum.Wins)/12, sum.WinRate, 1e-12)
	assert.InDelta(t, sum.TotalPnL/12, sum.AvgPnL, 1e-9)
}

func TestEngine_ReplayMaxTradesAndHoldDays(t *testing.T) {
	cfg := &Config{
		Underlying: "QQQ",
		Entry:      sch.EntryRule{Start: date(2024, 2, 1), End: date(2024, 2, 29), EveryN: 5},
		Strategy:   straddleSpec(),
		HoldDays:   7,
		MaxTrades:  2,
	}
	res, err := newTestEngine(cfg).Replay(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)

	for _, tr := range res.Trades {
		require.NotNil(t, tr.Result, tr.Error)
		assert.LessOrEqual(t, tr.Result.Summary.DurationDays, 7)
	}
}

func TestEngine_ReplayRecordsFailedTrades(t *testing.T) {
	cfg := &Config{
		Underlying: "SPY",
		Entry:      sch.EntryRule{Start: date(2024, 1, 2), End: date(2024, 1, 5)},
		Strategy: st.StrategySpec{
			DaysToExpiry: 30,
			Legs:         []st.LegSpec{{StrikeRule: "BOGUS"}},
		},
	}
	res, err := newTestEngine(cfg).Replay(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Trades, 4)
	for _, tr := range res.Trades {
		assert.Nil(t, tr.Result)
		assert.ErrorIs(t, tr.Err, st.ErrInvalidStrikeExpression)
		assert.NotEmpty(t, tr.Error)
	}
	assert.Equal(t, 4, res.Summary.Failed)
	assert.Equal(t, 0.0, res.Summary.WinRate)
}

func TestEngine_ReplayCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := &Config{Underlying: "SPY", Entry: sch.EntryRule{Start: date(2024, 1, 2), End: date(2024, 1, 31)}, Strategy: straddleSpec()}
	_, err := newTestEngine(cfg).Replay(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSpecOptionTypes(t *testing.T) {
	assert.Equal(t, []pricing.OptionType{pricing.Call, pricing.Put}, specOptionTypes(straddleSpec()))
	assert.Equal(t, []pricing.OptionType{pricing.Call}, specOptionTypes(st.StrategySpec{Legs: []st.LegSpec{{}, {OptionType: "c"}}}))
	assert.Equal(t, []pricing.OptionType{pricing.Put}, specOptionTypes(st.StrategySpec{Legs: []st.LegSpec{{OptionType: "straddle"}, {OptionType: "p"}}}))
}

func TestEngine_RunRejectsUnknownOptionType(t *testing.T) {
	spec := straddleSpec()
	spec.Legs[1].OptionType = "straddle"
	_, err := newTestEngine(&Config{Underlying: "SPY", EntryDate: date(2024, 1, 2), Strategy: spec}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leg 2")
	assert.Contains(t, err.Error(), `unknown option type "straddle"`)
}

// zeroCloseProvider reports a zero close on one day.
type zeroCloseProvider struct {
	data.Provider
	day time.Time
}

func (p *zeroCloseProvider) GetUnderlyingSeries(ctx context.Context, ticker string, start, end time.Time) ([]data.Bar, error) {
	bars, err := p.Provider.GetUnderlyingSeries(ctx, ticker, start, end)
	for i := range bars {
		if sch.Day(bars[i].Date).Equal(p.day) {
			bars[i].Close = 0
		}
	}
	return bars, err
}

func TestEngine_RunRejectsZeroClose(t *testing.T) {
	prov := &zeroCloseProvider{
		Provider: data.NewSyntheticProvider(data.SyntheticConfig{Seed: 7}),
		day:      date(2024, 1, 9),
	}
	cfg := &Config{Underlying: "SPY", EntryDate: date(2024, 1, 2), Strategy: straddleSpec()}
	_, err := NewEngine(cfg, prov, WithProgress(nil)).Run(context.Background())
	require.ErrorIs(t, err, st.ErrInvalidMarketInput)

	var verr *st.ValuationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, date(2024, 1, 9), verr.Date)
}

type listingProvider struct {
	data.Provider
	strikes []float64
	calls   int
}

func (p *listingProvider) ListStrikes(_ context.Context, _ string, _ time.Time, _ pricing.OptionType) ([]float64, error) {
	p.calls++
	return p.strikes, nil
}

func TestEngine_RunSnapsToListedStrikes(t *testing.T) {
	prov := &listingProvider{
		Provider: data.NewSyntheticProvider(data.SyntheticConfig{Seed: 7}),
		strikes:  []float64{1, 10000},
	}
	cfg := &Config{Underlying: "SPY", EntryDate: date(2024, 1, 2), Strategy: straddleSpec()}
	res, err := NewEngine(cfg, prov, WithProgress(nil)).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Legs, 2)
	assert.Equal(t, 2, prov.calls)
	for _, l := range res.Legs {
		assert.Contains(t, []float64{1, 10000}, l.Strike)
	}
}

func TestEngine_Payoff(t *testing.T) {
	cfg := &Config{
		Underlying:   "SPY",
		EntryDate:    date(2024, 1, 2),
		Strategy:     straddleSpec(),
		RiskFreeRate: 0.02,
		PoPReference: "breakeven",
	}
	p, err := newTestEngine(cfg).Payoff(context.Background())
	require.NoError(t, err)

	require.Len(t, p.Legs, 2)
	assert.Equal(t, date(2024, 1, 2), p.Date)
	assert.Greater(t, p.NetEntryPrice, 0.0)
	assert.Less(t, p.MaxLoss, 0.0)
	assert.GreaterOrEqual(t, p.MaxLoss, -p.NetEntryPrice-1e-9)
	require.Len(t, p.Breakevens, 2)
	assert.Less(t, p.Breakevens[0], p.Spot)
	assert.Greater(t, p.Breakevens[1], p.Spot)

	_, err = newTestEngine(&Config{Underlying: "SPY", Strategy: straddleSpec()}).Payoff(context.Background())
	assert.ErrorIs(t, err, st.ErrInvalidDateRange)
}
