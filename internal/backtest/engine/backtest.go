package engine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/contactkeval/option-lab/internal/backtest/scheduler"
	st "github.com/contactkeval/option-lab/internal/backtest/strategy"
	"github.com/contactkeval/option-lab/internal/data"
	"github.com/contactkeval/option-lab/internal/logger"
)

// ContractMultiplier converts per-share option prices to per-contract money.
const ContractMultiplier = 100.0

var (
	// ErrMissingMarketData is wrapped by *MissingMarketDataError.
	ErrMissingMarketData = errors.New("missing market data")

	// ErrDegenerateCostBasis means the entry value is zero, leaving return
	// on capital undefined.
	ErrDegenerateCostBasis = errors.New("degenerate cost basis")
)

// MissingMarketDataError names the day, and the leg when one is involved,
// that had no usable market data.
type MissingMarketDataError struct {
	Date time.Time
	Leg  int // zero-based, -1 when the whole day is missing
	Err  error
}

func (e *MissingMarketDataError) Error() string {
	msg := fmt.Sprintf("missing market data on %s", e.Date.Format("2006-01-02"))
	if e.Leg >= 0 {
		msg += fmt.Sprintf(" for leg %d", e.Leg+1)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MissingMarketDataError) Unwrap() error { return ErrMissingMarketData }

// Is lets errors.Is also match the underlying cause.
func (e *MissingMarketDataError) Is(target error) bool {
	return e.Err != nil && errors.Is(e.Err, target)
}

// Phase is a stage of a backtest run.
type Phase int

const (
	PhaseInitialize Phase = iota
	PhaseSimulate
	PhaseSummarize
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInitialize:
		return "initialize"
	case PhaseSimulate:
		return "simulate"
	case PhaseSummarize:
		return "summarize"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool { return p == PhaseDone || p == PhaseFailed }

// DailyValue is the strategy on one simulated day. Money fields are per
// share; multiply by ContractMultiplier for contract value.
type DailyValue struct {
	Date                time.Time `json:"date"`
	Spot                float64   `json:"spot"`
	Value               float64   `json:"value"`
	HoldingPeriodReturn float64   `json:"hpr"`
	UnderlyingReturn    float64   `json:"underlying_return"`
	LegPrices           []float64 `json:"leg_prices"`
}

// Summary is the outcome of one backtest in contract money.
type Summary struct {
	EntryDate       time.Time `json:"entry_date"`
	ExitDate        time.Time `json:"exit_date"`
	DurationDays    int       `json:"duration_days"`
	CostBasis       float64   `json:"cost_basis"`
	ResidualValue   float64   `json:"residual_value"`
	PnL             float64   `json:"pnl"`
	PnLPerDay       float64   `json:"pnl_per_day"`
	ReturnOnCapital float64   `json:"return_on_capital"`
	Win             bool      `json:"win"`
	ExitReason      string    `json:"exit_reason"`
}

// Stats describes the path of the position value, in contract money.
type Stats struct {
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	MaxDrawdown float64 `json:"max_drawdown"`
	Sharpe      float64 `json:"sharpe"` // annualized, of daily value changes
}

// Result is everything a backtest produces.
type Result struct {
	Ticker  string            `json:"ticker"`
	Legs    []st.OptionLeg    `json:"legs"`
	Daily   []DailyValue      `json:"daily"`
	Summary Summary           `json:"summary"`
	Stats   Stats             `json:"stats"`
	Payoff  *st.PayoffProfile `json:"payoff,omitempty"`
}

// ValueOn returns the per-share strategy value on date.
func (r *Result) ValueOn(date time.Time) (float64, bool) {
	d := scheduler.Day(date)
	for _, dv := range r.Daily {
		if dv.Date.Equal(d) {
			return dv.Value, true
		}
	}
	return 0, false
}

// HoldingPeriodReturns maps each simulated day to its holding-period return.
func (r *Result) HoldingPeriodReturns() map[time.Time]float64 {
	out := make(map[time.Time]float64, len(r.Daily))
	for _, dv := range r.Daily {
		out[dv.Date] = dv.HoldingPeriodReturn
	}
	return out
}

// Option configures a backtest.
type Option func(*options)

type options struct {
	rate        float64
	dividend    float64
	calendar    []time.Time
	exit        ExitSpec
	entryPrices []float64
	grid        []float64
	pop         st.PoPOptions
}

// WithRiskFreeRate sets the rate used on days whose snapshot has none.
func WithRiskFreeRate(r float64) Option { return func(o *options) { o.rate = r } }

// WithDividendYield prices every leg with a continuous dividend yield.
func WithDividendYield(q float64) Option { return func(o *options) { o.dividend = q } }

// WithTradingCalendar requires a snapshot for every listed day in the
// backtest range.
func WithTradingCalendar(days []time.Time) Option {
	return func(o *options) { o.calendar = days }
}

// WithExitRules ends the simulation early when a rule triggers.
func WithExitRules(x ExitSpec) Option { return func(o *options) { o.exit = x } }

// WithEntryPrices values the position against the given per-leg entry
// premiums instead of the theoretical entry prices.
func WithEntryPrices(p []float64) Option { return func(o *options) { o.entryPrices = p } }

// WithPayoffGrid sets the spot grid of the entry-day payoff profile.
func WithPayoffGrid(g []float64) Option { return func(o *options) { o.grid = g } }

// WithPoP selects the probability of profit reference and horizon scaling.
func WithPoP(p st.PoPOptions) Option { return func(o *options) { o.pop = p } }

// Run is a single backtest moving through its phases. It owns its
// snapshots and is not safe for concurrent use.
type Run struct {
	strategy  *st.Strategy
	snapshots []data.MarketSnapshot
	opts      options

	phase      Phase
	err        error
	window     []data.MarketSnapshot
	entryPx    []float64
	settle     []float64
	daily      []DailyValue
	exitReason string
	result     *Result
}

// NewRun prepares a backtest of s over snapshots.
func NewRun(s *st.Strategy, snapshots []data.MarketSnapshot, opts ...Option) *Run {
	r := &Run{strategy: s, snapshots: snapshots, phase: PhaseInitialize}
	for _, opt := range opts {
		opt(&r.opts)
	}
	return r
}

// Phase is the current phase.
func (r *Run) Phase() Phase { return r.phase }

// Err is the error that failed the run, if any.
func (r *Run) Err() error { return r.err }

// Step executes the current phase and advances. It returns false once the
// run is terminal.
func (r *Run) Step() bool {
	if r.phase.Terminal() {
		return false
	}

	var (
		next Phase
		err  error
	)
	switch r.phase {
	case PhaseInitialize:
		err, next = r.initialize(), PhaseSimulate
	case PhaseSimulate:
		err, next = r.simulate(), PhaseSummarize
	case PhaseSummarize:
		err, next = r.summarize(), PhaseDone
	}

	if err != nil {
		logger.Dbg().Str("event", "backtest_failed").Stringer("phase", r.phase).Err(err).Msg("")
		r.err = err
		r.phase = PhaseFailed
		return false
	}
	r.phase = next
	return !r.phase.Terminal()
}

// Execute runs every remaining phase.
func (r *Run) Execute() (*Result, error) {
	for r.Step() {
	}
	if r.phase == PhaseFailed {
		return nil, r.err
	}
	return r.result, nil
}

// Backtest values s over snapshots from its entry to its exit date.
func Backtest(s *st.Strategy, snapshots []data.MarketSnapshot, opts ...Option) (*Result, error) {
	return NewRun(s, snapshots, opts...).Execute()
}

func (r *Run) initialize() error {
	s := r.strategy
	if s == nil {
		return st.ErrEmptyStrategy
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if r.opts.entryPrices != nil && len(r.opts.entryPrices) != len(s.Legs) {
		return fmt.Errorf("%w: %d entry prices for %d legs", st.ErrLegIndexOutOfRange, len(r.opts.entryPrices), len(s.Legs))
	}

	entry, exit := scheduler.Day(s.Entry), scheduler.Day(s.Exit)
	for i := 1; i < len(r.snapshots); i++ {
		if !scheduler.Day(r.snapshots[i].Date).After(scheduler.Day(r.snapshots[i-1].Date)) {
			return fmt.Errorf("%w: snapshot dates not strictly increasing at %s",
				st.ErrInvalidMarketInput, r.snapshots[i].Date.Format("2006-01-02"))
		}
	}

	present := map[time.Time]bool{}
	for _, snap := range r.snapshots {
		d := scheduler.Day(snap.Date)
		if d.Before(entry) || d.After(exit) {
			continue
		}
		snap.Date = d
		r.window = append(r.window, snap)
		present[d] = true
	}

	required := []time.Time{entry, exit}
	for _, d := range r.opts.calendar {
		d = scheduler.Day(d)
		if !d.Before(entry) && !d.After(exit) {
			required = append(required, d)
		}
	}
	for _, d := range required {
		if !present[d] {
			return &MissingMarketDataError{Date: d, Leg: -1}
		}
	}

	r.entryPx = r.opts.entryPrices
	logger.Dbg().
		Str("event", "backtest_initialized").
		Str("ticker", s.Ticker).
		Time("entry", entry).
		Time("exit", exit).
		Int("days", len(r.window)).
		Int("legs", len(s.Legs)).
		Msg("")
	return nil
}

func (r *Run) simulate() error {
	r.settle = make([]float64, len(r.strategy.Legs))
	vopts := st.ValueOptions{Rate: r.opts.rate, Dividend: r.opts.dividend, PoP: r.opts.pop, Settlement: r.settle}

	for i, snap := range r.window {
		// a leg settles at the last spot on or before its expiry
		for j, l := range r.strategy.Legs {
			if !snap.Date.After(scheduler.Day(l.Expiry)) {
				r.settle[j] = snap.Spot
			}
		}
		agg, err := st.ValueStrategy(r.strategy, snap, r.entryPx, vopts)
		if err != nil {
			var verr *st.ValuationError
			if errors.As(err, &verr) && errors.Is(err, st.ErrMissingVolatility) {
				return &MissingMarketDataError{Date: verr.Date, Leg: verr.Leg, Err: verr.Err}
			}
			return err
		}

		if i == 0 && r.entryPx == nil {
			r.entryPx = make([]float64, len(agg.Legs()))
			for j, v := range agg.Legs() {
				r.entryPx[j] = v.Price
			}
		}

		legPx := make([]float64, len(agg.Legs()))
		for j, v := range agg.Legs() {
			legPx[j] = v.SignedPrice()
		}
		value := agg.NetPrice()
		if i == 0 && r.opts.entryPrices != nil {
			value = agg.NetEntryPrice()
		}
		r.daily = append(r.daily, DailyValue{Date: snap.Date, Spot: snap.Spot, Value: value, LegPrices: legPx})

		logger.Trc().
			Str("event", "day_simulated").
			Time("date", snap.Date).
			Float64("spot", snap.Spot).
			Float64("value", value).
			Msg("")

		if i == 0 {
			continue
		}
		if reason := checkExits(r.opts.exit, r.strategy, r.daily[0], r.daily[i]); reason != "" {
			logger.Dbg().
				Str("event", "exit_triggered").
				Str("reason", reason).
				Time("date", snap.Date).
				Float64("value", value).
				Msg("")
			r.exitReason = reason
			r.window = r.window[:i+1]
			break
		}
	}
	if r.exitReason == "" {
		r.exitReason = "exit_date"
	}
	return nil
}

func (r *Run) summarize() error {
	first := r.daily[0]
	last := r.daily[len(r.daily)-1]
	v0 := first.Value
	if v0 == 0 {
		return fmt.Errorf("%w: entry value is zero on %s", ErrDegenerateCostBasis, first.Date.Format("2006-01-02"))
	}

	for i := range r.daily {
		d := &r.daily[i]
		if v0 > 0 {
			d.HoldingPeriodReturn = d.Value/v0 - 1
		} else {
			d.HoldingPeriodReturn = 1 - d.Value/v0
		}
		d.UnderlyingReturn = d.Spot/first.Spot - 1
	}

	cost := ContractMultiplier * v0
	residual := ContractMultiplier * last.Value
	pnl := residual - cost
	duration := scheduler.DaysBetween(first.Date, last.Date)
	if duration < 1 {
		duration = 1
	}

	res := &Result{
		Ticker: r.strategy.Ticker,
		Legs:   r.strategy.Legs,
		Daily:  r.daily,
		Summary: Summary{
			EntryDate:       first.Date,
			ExitDate:        last.Date,
			DurationDays:    duration,
			CostBasis:       cost,
			ResidualValue:   residual,
			PnL:             pnl,
			PnLPerDay:       pnl / float64(duration),
			ReturnOnCapital: pnl / math.Abs(cost),
			Win:             pnl > 0,
			ExitReason:      r.exitReason,
		},
		Stats: pathStats(r.daily),
	}

	payoff, err := st.Analyze(r.strategy, r.window[0], r.entryPx, r.opts.grid,
		st.ValueOptions{Rate: r.opts.rate, Dividend: r.opts.dividend, PoP: r.opts.pop})
	if err != nil {
		return err
	}
	res.Payoff = payoff

	logger.Dbg().
		Str("event", "backtest_summarized").
		Str("ticker", res.Ticker).
		Float64("cost", cost).
		Float64("pnl", pnl).
		Float64("roc", res.Summary.ReturnOnCapital).
		Bool("win", res.Summary.Win).
		Msg("")
	r.result = res
	return nil
}

// pathStats measures the position's profit path in contract money.
func pathStats(daily []DailyValue) Stats {
	v0 := daily[0].Value
	pnl := make([]float64, len(daily))
	s := Stats{High: math.Inf(-1), Low: math.Inf(1)}
	peak := math.Inf(-1)
	for i, d := range daily {
		value := ContractMultiplier * d.Value
		s.High = math.Max(s.High, value)
		s.Low = math.Min(s.Low, value)

		pnl[i] = ContractMultiplier * (d.Value - v0)
		peak = math.Max(peak, pnl[i])
		s.MaxDrawdown = math.Max(s.MaxDrawdown, peak-pnl[i])
	}

	if len(pnl) > 2 {
		changes := make([]float64, len(pnl)-1)
		for i := 1; i < len(pnl); i++ {
			changes[i-1] = pnl[i] - pnl[i-1]
		}
		mean, std := stat.MeanStdDev(changes, nil)
		if std > 0 {
			s.Sharpe = mean / std * math.Sqrt(data.TradingDaysPerYear)
		}
	}
	return s
}
