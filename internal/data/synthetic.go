package data

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/contactkeval/option-lab/internal/backtest/scheduler"
	"github.com/contactkeval/option-lab/internal/pricing"
)

// SyntheticConfig parameterizes the synthetic provider. Zero values pick
// the defaults noted on each field.
type SyntheticConfig struct {
	Seed   uint64
	Origin time.Time // path start, default 2015-01-02
	Spot   float64   // price at Origin, default 100
	Drift  float64   // annualized, default 0.05
	Vol    float64   // annualized, default 0.20
	Rate   float64   // flat risk-free rate, default 0.03
	Skew   float64   // put vol premium over call vol, default 0.01
}

// synthDataProvider generates weekday bars from a geometric Brownian motion.
// The same seed and ticker always produce the same path.
type synthDataProvider struct {
	cfg SyntheticConfig
}

// NewSyntheticProvider returns a deterministic, offline Provider.
func NewSyntheticProvider(cfg SyntheticConfig) Provider {
	if cfg.Origin.IsZero() {
		cfg.Origin = time.Date(2015, 1, 2, 0, 0, 0, 0, time.UTC)
	}
	if cfg.Spot <= 0 {
		cfg.Spot = 100
	}
	if cfg.Drift == 0 {
		cfg.Drift = 0.05
	}
	if cfg.Vol <= 0 {
		cfg.Vol = 0.20
	}
	if cfg.Rate == 0 {
		cfg.Rate = 0.03
	}
	if cfg.Skew == 0 {
		cfg.Skew = 0.01
	}
	return &synthDataProvider{cfg: cfg}
}

func (synthDataProv *synthDataProvider) Name() string        { return "synthetic" }
func (synthDataProv *synthDataProvider) Secondary() Provider { return nil }

func (synthDataProv *synthDataProvider) GetUnderlyingSeries(ctx context.Context, ticker string, start, end time.Time) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := synthDataProv.cfg

	origin := scheduler.Day(cfg.Origin)
	if start.Before(origin) {
		origin = scheduler.Day(start)
	}

	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(cfg.Seed ^ tickerHash(ticker))}
	dt := 1.0 / TradingDaysPerYear
	drift := (cfg.Drift - 0.5*cfg.Vol*cfg.Vol) * dt
	diffusion := cfg.Vol * math.Sqrt(dt)

	price := cfg.Spot
	var out []Bar
	for cur := origin; !cur.After(scheduler.Day(end)); cur = cur.AddDate(0, 0, 1) {
		if cur.Weekday() == time.Saturday || cur.Weekday() == time.Sunday {
			continue
		}
		open := price
		price *= math.Exp(drift + diffusion*norm.Rand())
		wick := math.Abs(norm.Rand()) * 0.002 * open
		if !cur.Before(scheduler.Day(start)) {
			out = append(out, Bar{
				Date:   cur,
				Open:   open,
				High:   math.Max(open, price) + wick,
				Low:    math.Min(open, price) - wick,
				Close:  price,
				Volume: 1e6,
			})
		}
	}
	return out, nil
}

// GetVolatilitySeries reports the model volatility, plus Skew for puts.
func (synthDataProv *synthDataProvider) GetVolatilitySeries(ctx context.Context, ticker string, start, end time.Time, optType pricing.OptionType) ([]VolPoint, error) {
	bars, err := synthDataProv.GetUnderlyingSeries(ctx, ticker, start, end)
	if err != nil {
		return nil, err
	}
	iv := synthDataProv.cfg.Vol
	if optType == pricing.Put {
		iv += synthDataProv.cfg.Skew
	}
	out := make([]VolPoint, len(bars))
	for i, b := range bars {
		out[i] = VolPoint{Date: b.Date, ImpliedVol: iv, HistoricVol: synthDataProv.cfg.Vol}
	}
	return out, nil
}

func (synthDataProv *synthDataProvider) GetRiskFreeRate(ctx context.Context, start, end time.Time) ([]RatePoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []RatePoint{{Date: scheduler.Day(start), Rate: synthDataProv.cfg.Rate}}, nil
}

func (synthDataProv *synthDataProvider) GetExpirationDates(ctx context.Context, ticker string, start, end time.Time, cycle scheduler.ExpiryCycle) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return scheduler.ExpirationDates(start, end, cycle), nil
}

// StrikeInterval lists synthetic strikes one point apart.
func (synthDataProv *synthDataProvider) StrikeInterval(ticker string) float64 {
	return 1
}

func tickerHash(ticker string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToUpper(ticker)))
	return h.Sum64()
}
