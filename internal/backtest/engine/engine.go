// Package engine runs option strategy backtests.
//
// Backtest values a fixed Strategy over market snapshots and summarizes
// the result. Engine plans strategies from a StrategySpec against a data
// provider, either once (Run) or on every scheduled entry date (Replay).
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	sch "github.com/contactkeval/option-lab/internal/backtest/scheduler"
	st "github.com/contactkeval/option-lab/internal/backtest/strategy"
	"github.com/contactkeval/option-lab/internal/data"
	"github.com/contactkeval/option-lab/internal/logger"
	"github.com/contactkeval/option-lab/internal/pricing"
)

// Config is a backtest run.
type Config struct {
	Underlying     string          `json:"underlying" mapstructure:"underlying" validate:"required"`
	EntryDate      time.Time       `json:"entry_date,omitempty" mapstructure:"entry_date"`                                               // single run
	ExitDate       time.Time       `json:"exit_date,omitempty" mapstructure:"exit_date"`                                                 // single run, zero holds to last expiry
	Entry          sch.EntryRule   `json:"entry" mapstructure:"entry"`                                                                   // replay entry rules
	Strategy       st.StrategySpec `json:"strategy" mapstructure:"strategy"`                                                             // option legs
	Exit           ExitSpec        `json:"exit" mapstructure:"exit"`                                                                     // exit rules
	HoldDays       int             `json:"hold_days,omitempty" mapstructure:"hold_days"`                                                 // replay: calendar days held, 0 = to last expiry
	ExpiryCycle    sch.ExpiryCycle `json:"expiry_cycle,omitempty" mapstructure:"expiry_cycle" validate:"omitempty,oneof=monthly weekly"` // listed expirations
	RiskFreeRate   float64         `json:"risk_free_rate" mapstructure:"risk_free_rate"`                                                 // used when the provider has no rates
	DividendYield  float64         `json:"dividend_yield,omitempty" mapstructure:"dividend_yield"`                                       // continuous
	StrikeInterval float64         `json:"strike_interval,omitempty" mapstructure:"strike_interval"`
	PoPReference   string          `json:"pop_reference,omitempty" mapstructure:"pop_reference" validate:"omitempty,oneof=strike breakeven"`
	PoPTimeScaled  bool            `json:"pop_time_scaled,omitempty" mapstructure:"pop_time_scaled"`
	MaxTrades      int             `json:"max_trades,omitempty" mapstructure:"max_trades" validate:"gte=0"` // 0 = unlimited
	Workers        int             `json:"workers,omitempty" mapstructure:"workers" validate:"gte=0"`       // replay concurrency, 0 = 4
	ReportDir      string          `json:"report_dir,omitempty" mapstructure:"report_dir"`
	Verbosity      int             `json:"verbosity,omitempty" mapstructure:"verbosity"` // 0=errors,1=info,2=debug,3=trace
}

// Trade is one replayed backtest.
type Trade struct {
	ID        int            `json:"id"`
	EntryDate time.Time      `json:"entry_date"`
	Legs      []st.OptionLeg `json:"legs,omitempty"`
	Result    *Result        `json:"result,omitempty"`
	Err       error          `json:"-"`
	Error     string         `json:"error,omitempty"`
}

// ReplaySummary aggregates the trades of a replay.
type ReplaySummary struct {
	Trades        int     `json:"trades"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	Wins          int     `json:"wins"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AvgPnL        float64 `json:"avg_pnl"`
	AvgROC        float64 `json:"avg_return_on_capital"`
	AvgPnLPerDay  float64 `json:"avg_pnl_per_day"`
	WorstDrawdown float64 `json:"worst_drawdown"`
}

// ReplayResult holds every trade of a replay in entry-date order.
type ReplayResult struct {
	Underlying string        `json:"underlying"`
	Trades     []Trade       `json:"trades"`
	Summary    ReplaySummary `json:"summary"`
}

// Engine plans and runs backtests against a data provider.
type Engine struct {
	cfg      *Config
	prov     data.Provider
	progress io.Writer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithProgress draws the replay progress bar on w. Nil disables it.
func WithProgress(w io.Writer) EngineOption {
	return func(e *Engine) { e.progress = w }
}

// NewEngine returns an engine for cfg. The progress bar goes to stderr
// unless overridden.
func NewEngine(cfg *Config, prov data.Provider, opts ...EngineOption) *Engine {
	e := &Engine{cfg: cfg, prov: prov, progress: os.Stderr}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine's configuration.
func (e *Engine) Config() *Config { return e.cfg }

// Run plans the strategy on cfg.EntryDate and backtests it to
// cfg.ExitDate, or to the last leg expiry when no exit date is set.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	entry := sch.Day(e.cfg.EntryDate)
	if entry.IsZero() {
		return nil, fmt.Errorf("%w: entry date is required", st.ErrInvalidDateRange)
	}
	expiries, err := e.expirations(ctx, entry, entry)
	if err != nil {
		return nil, err
	}
	exit := sch.Day(e.cfg.ExitDate)
	return e.runTrade(ctx, entry, exit, !exit.IsZero(), expiries)
}

// Replay backtests the strategy on every entry date produced by the entry
// rules. Trades run concurrently; a failing trade is recorded and does not
// stop the replay.
func (e *Engine) Replay(ctx context.Context) (*ReplayResult, error) {
	rule := sch.NewEntryRule(e.cfg.Entry)
	ticker := e.cfg.Underlying

	bars, err := e.prov.GetUnderlyingSeries(ctx, ticker, rule.Start, rule.End)
	if err != nil {
		return nil, fmt.Errorf("load trading days for %s: %w", ticker, err)
	}
	tradingDays := make([]time.Time, len(bars))
	for i, b := range bars {
		tradingDays[i] = sch.Day(b.Date)
	}

	expiries, err := e.expirations(ctx, rule.Start, rule.End)
	if err != nil {
		return nil, err
	}

	dates, err := sch.ResolveScheduleDates(*rule, tradingDays, expiries)
	if err != nil {
		return nil, err
	}
	if e.cfg.MaxTrades > 0 && len(dates) > e.cfg.MaxTrades {
		dates = dates[:e.cfg.MaxTrades]
	}
	logger.Infof("replaying %d entries for %s between %s and %s",
		len(dates), ticker, rule.Start.Format("2006-01-02"), rule.End.Format("2006-01-02"))

	trades := make([]Trade, len(dates))
	bar := e.progressBar(len(dates))
	var barMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())
	for i, d := range dates {
		i, d := i, d
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tr := Trade{ID: i + 1, EntryDate: d}
			exit := time.Time{}
			if e.cfg.HoldDays > 0 {
				exit = d.AddDate(0, 0, e.cfg.HoldDays)
			}
			res, err := e.runTrade(gctx, d, exit, false, expiries)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				logger.Dbg().Str("event", "trade_failed").Int("trade", tr.ID).Time("entry", d).Err(err).Msg("")
				tr.Err, tr.Error = err, err.Error()
			} else {
				tr.Result, tr.Legs = res, res.Legs
			}
			trades[i] = tr

			barMu.Lock()
			_ = bar.Add(1)
			barMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	_ = bar.Finish()

	out := &ReplayResult{Underlying: ticker, Trades: trades, Summary: summarizeTrades(trades)}
	logger.Inf().
		Str("event", "replay_done").
		Str("ticker", ticker).
		Int("trades", out.Summary.Trades).
		Int("failed", out.Summary.Failed).
		Float64("win_rate", out.Summary.WinRate).
		Float64("total_pnl", out.Summary.TotalPnL).
		Msg("")
	return out, nil
}

// Payoff plans the strategy on cfg.EntryDate and analyzes its payoff
// against that day's market.
func (e *Engine) Payoff(ctx context.Context) (*st.PayoffProfile, error) {
	entry := sch.Day(e.cfg.EntryDate)
	if entry.IsZero() {
		return nil, fmt.Errorf("%w: entry date is required", st.ErrInvalidDateRange)
	}
	expiries, err := e.expirations(ctx, entry, entry)
	if err != nil {
		return nil, err
	}
	snap, legs, err := e.plan(ctx, entry, expiries)
	if err != nil {
		return nil, err
	}
	s, err := st.NewStrategy(e.cfg.Underlying, entry, sch.Day(lastExpiry(legs)), legs...)
	if err != nil {
		return nil, err
	}
	pop, err := e.popOptions()
	if err != nil {
		return nil, err
	}
	return st.Analyze(s, snap, nil, nil, st.ValueOptions{
		Rate:     e.cfg.RiskFreeRate,
		Dividend: e.cfg.DividendYield,
		PoP:      pop,
	})
}

// plan loads the entry day's snapshot and resolves the strategy legs on it.
func (e *Engine) plan(ctx context.Context, entry time.Time, expiries []time.Time) (data.MarketSnapshot, []st.OptionLeg, error) {
	types := specOptionTypes(e.cfg.Strategy)
	head, err := data.BuildSnapshots(ctx, e.prov, e.cfg.Underlying, entry, entry, types)
	if err != nil {
		if errors.Is(err, data.ErrNoData) {
			return data.MarketSnapshot{}, nil, &MissingMarketDataError{Date: entry, Leg: -1, Err: err}
		}
		return data.MarketSnapshot{}, nil, err
	}
	if len(head) == 0 || !sch.Day(head[0].Date).Equal(entry) {
		return data.MarketSnapshot{}, nil, &MissingMarketDataError{Date: entry, Leg: -1}
	}

	opts := st.PlanOptions{
		StrikeInterval: e.strikeInterval(),
		Rate:           e.cfg.RiskFreeRate,
		Dividend:       e.cfg.DividendYield,
	}
	if sl, ok := e.prov.(data.StrikeLister); ok {
		opts.ListedStrikes = func(expiry time.Time, optType pricing.OptionType) ([]float64, error) {
			return sl.ListStrikes(ctx, e.cfg.Underlying, expiry, optType)
		}
	}
	legs, err := st.PlanStrategy(e.cfg.Strategy, head[0], expiries, opts)
	if err != nil {
		return data.MarketSnapshot{}, nil, err
	}
	return head[0], legs, nil
}

// runTrade plans the strategy on entry and backtests it. A zero exit holds
// to the last leg expiry. Unless exact is set the exit moves back to the
// last day with data.
func (e *Engine) runTrade(ctx context.Context, entry, exit time.Time, exact bool, expiries []time.Time) (*Result, error) {
	ticker := e.cfg.Underlying
	types := specOptionTypes(e.cfg.Strategy)

	_, legs, err := e.plan(ctx, entry, expiries)
	if err != nil {
		return nil, err
	}

	if exit.IsZero() {
		exit = sch.Day(lastExpiry(legs))
	}
	if exit.Before(entry) {
		return nil, fmt.Errorf("%w: exit %s before entry %s", st.ErrInvalidDateRange,
			exit.Format("2006-01-02"), entry.Format("2006-01-02"))
	}

	snaps, err := data.BuildSnapshots(ctx, e.prov, ticker, entry, exit, types)
	if err != nil {
		return nil, err
	}
	if !exact && len(snaps) > 0 {
		exit = sch.Day(snaps[len(snaps)-1].Date)
	}

	s, err := st.NewStrategy(ticker, entry, exit, legs...)
	if err != nil {
		return nil, err
	}
	pop, err := e.popOptions()
	if err != nil {
		return nil, err
	}
	return Backtest(s, snaps,
		WithRiskFreeRate(e.cfg.RiskFreeRate),
		WithDividendYield(e.cfg.DividendYield),
		WithExitRules(e.cfg.Exit),
		WithPoP(pop),
	)
}

func (e *Engine) popOptions() (st.PoPOptions, error) {
	ref, err := st.ParsePoPReference(e.cfg.PoPReference)
	if err != nil {
		return st.PoPOptions{}, err
	}
	return st.PoPOptions{Reference: ref, TimeScaled: e.cfg.PoPTimeScaled}, nil
}

// expirations loads listed expirations from start through end plus the
// longest leg DTE.
func (e *Engine) expirations(ctx context.Context, start, end time.Time) ([]time.Time, error) {
	horizon := e.cfg.Strategy.DaysToExpiry
	for _, l := range e.cfg.Strategy.Legs {
		if l.Expiration > horizon {
			horizon = l.Expiration
		}
	}
	to := end.AddDate(0, 0, horizon+45)

	expiries, err := e.prov.GetExpirationDates(ctx, e.cfg.Underlying, start, to, e.cfg.ExpiryCycle)
	if err != nil {
		return nil, fmt.Errorf("load expirations for %s: %w", e.cfg.Underlying, err)
	}
	return expiries, nil
}

func (e *Engine) strikeInterval() float64 {
	if e.cfg.StrikeInterval > 0 {
		return e.cfg.StrikeInterval
	}
	if si, ok := e.prov.(data.StrikeIntervaler); ok {
		return si.StrikeInterval(e.cfg.Underlying)
	}
	return 1
}

func (e *Engine) workers() int {
	if e.cfg.Workers > 0 {
		return e.cfg.Workers
	}
	return 4
}

func (e *Engine) progressBar(length int) *progressbar.ProgressBar {
	w := e.progress
	if w == nil {
		w = io.Discard
	}
	return progressbar.NewOptions(
		length,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("replay "+e.cfg.Underlying),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetVisibility(w != io.Discard),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}))
}

// specOptionTypes lists the option types spec needs volatility for. An
// empty type is a call; a leg with an invalid type is skipped and left to
// PlanStrategy to reject.
func specOptionTypes(spec st.StrategySpec) []pricing.OptionType {
	seen := map[pricing.OptionType]bool{}
	var out []pricing.OptionType
	for _, l := range spec.Legs {
		t := pricing.Call
		if strings.TrimSpace(l.OptionType) != "" {
			var err error
			if t, err = pricing.ParseOptionType(l.OptionType); err != nil {
				continue
			}
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func lastExpiry(legs []st.OptionLeg) time.Time {
	var last time.Time
	for _, l := range legs {
		if l.Expiry.After(last) {
			last = l.Expiry
		}
	}
	return last
}

func summarizeTrades(trades []Trade) ReplaySummary {
	s := ReplaySummary{Trades: len(trades)}
	var roc, perDay float64
	for _, tr := range trades {
		if tr.Result == nil {
			s.Failed++
			continue
		}
		sum := tr.Result.Summary
		s.Completed++
		if sum.Win {
			s.Wins++
		}
		s.TotalPnL += sum.PnL
		roc += sum.ReturnOnCapital
		perDay += sum.PnLPerDay
		s.WorstDrawdown = math.Max(s.WorstDrawdown, tr.Result.Stats.MaxDrawdown)
	}
	if s.Completed > 0 {
		n := float64(s.Completed)
		s.WinRate = float64(s.Wins) / n
		s.AvgPnL = s.TotalPnL / n
		s.AvgROC = roc / n
		s.AvgPnLPerDay = perDay / n
	}
	return s
}
