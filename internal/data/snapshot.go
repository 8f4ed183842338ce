package data

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/contactkeval/option-lab/internal/backtest/scheduler"
	"github.com/contactkeval/option-lab/internal/logger"
	"github.com/contactkeval/option-lab/internal/pricing"
)

// TradingDaysPerYear annualizes daily volatility.
const TradingDaysPerYear = 252

// BuildSnapshots fetches the underlying, volatility and rate series for
// ticker over [start, end] and joins them into one snapshot per trading day.
//
// Bars define the trading days. Rates are forward-filled and the head is
// backfilled from the first known rate; a provider chain without rates
// leaves RiskFreeRate nil. A day without volatility for an option type has
// no entry for that type.
func BuildSnapshots(ctx context.Context, prov Provider, ticker string, start, end time.Time, types []pricing.OptionType) ([]MarketSnapshot, error) {
	bars, err := prov.GetUnderlyingSeries(ctx, ticker, start, end)
	if err != nil {
		return nil, fmt.Errorf("underlying series %s: %w", ticker, err)
	}
	bars = normalizeBars(bars, start, end)
	if len(bars) == 0 {
		return nil, fmt.Errorf("underlying series %s [%s, %s]: %w", ticker,
			start.Format("2006-01-02"), end.Format("2006-01-02"), ErrNoData)
	}

	vols := map[pricing.OptionType]map[time.Time]float64{}
	for _, t := range types {
		if _, seen := vols[t]; seen {
			continue
		}
		points, err := prov.GetVolatilitySeries(ctx, ticker, start, end, t)
		if err != nil {
			return nil, fmt.Errorf("volatility series %s %s: %w", ticker, t, err)
		}
		byDay := make(map[time.Time]float64, len(points))
		for _, p := range points {
			if p.ImpliedVol > 0 && !math.IsNaN(p.ImpliedVol) {
				byDay[scheduler.Day(p.Date)] = p.ImpliedVol
			}
		}
		vols[t] = byDay
	}

	rates, err := prov.GetRiskFreeRate(ctx, start, end)
	if err != nil && !errors.Is(err, ErrNotSupported) {
		return nil, fmt.Errorf("risk-free rate: %w", err)
	}
	filled := fillRates(bars, rates)

	out := make([]MarketSnapshot, len(bars))
	for i, b := range bars {
		snap := MarketSnapshot{
			Date:         b.Date,
			Spot:         b.Close,
			ImpliedVol:   map[pricing.OptionType]float64{},
			RiskFreeRate: filled[i],
		}
		for t, byDay := range vols {
			if v, ok := byDay[b.Date]; ok {
				snap.ImpliedVol[t] = v
			}
		}
		out[i] = snap
	}

	logger.Dbg().
		Str("event", "snapshots_built").
		Str("ticker", ticker).
		Int("days", len(out)).
		Bool("rates", len(rates) > 0).
		Msg("market snapshots joined")
	return out, nil
}

// HistoricVolatility returns the annualized rolling standard deviation of
// daily log returns over window returns, aligned with closes. Entries
// without a full window are NaN.
func HistoricVolatility(closes []float64, window int) []float64 {
	out := make([]float64, len(closes))
	for i := range out {
		out[i] = math.NaN()
	}
	if window < 2 || len(closes) <= window {
		return out
	}

	returns := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			returns[i] = math.NaN()
			continue
		}
		returns[i] = math.Log(closes[i] / closes[i-1])
	}

	annualize := math.Sqrt(TradingDaysPerYear)
	for i := window; i < len(closes); i++ {
		sample := returns[i-window+1 : i+1]
		sd := stat.StdDev(sample, nil)
		if !math.IsNaN(sd) {
			out[i] = sd * annualize
		}
	}
	return out
}

// historicVolPoints turns bars into HV points within [start, end].
func historicVolPoints(bars []Bar, window int, start, end time.Time) []VolPoint {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	hv := HistoricVolatility(closes, window)

	var out []VolPoint
	for i, b := range bars {
		if math.IsNaN(hv[i]) || !inDayRange(b.Date, start, end) {
			continue
		}
		out = append(out, VolPoint{Date: b.Date, ImpliedVol: hv[i], HistoricVol: hv[i]})
	}
	return out
}

// normalizeBars truncates dates to days, keeps [start, end], sorts and
// keeps the last bar of any duplicated day.
func normalizeBars(bars []Bar, start, end time.Time) []Bar {
	byDay := make(map[time.Time]Bar, len(bars))
	for _, b := range bars {
		b.Date = scheduler.Day(b.Date)
		if !inDayRange(b.Date, start, end) {
			continue
		}
		byDay[b.Date] = b
	}
	out := make([]Bar, 0, len(byDay))
	for _, b := range byDay {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func fillRates(bars []Bar, rates []RatePoint) []*float64 {
	out := make([]*float64, len(bars))
	if len(rates) == 0 {
		return out
	}

	sorted := make([]RatePoint, len(rates))
	copy(sorted, rates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	j := 0
	var last *float64
	for i, b := range bars {
		for j < len(sorted) && !scheduler.Day(sorted[j].Date).After(b.Date) {
			r := sorted[j].Rate
			last = &r
			j++
		}
		if last == nil {
			r := sorted[0].Rate // backfill head
			out[i] = &r
			continue
		}
		r := *last
		out[i] = &r
	}
	return out
}
