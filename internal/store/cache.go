package store

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"gorm.io/gorm/clause"

	"github.com/contactkeval/option-lab/internal/backtest/scheduler"
	"github.com/contactkeval/option-lab/internal/data"
	"github.com/contactkeval/option-lab/internal/logger"
	"github.com/contactkeval/option-lab/internal/pricing"
)

// CachedProvider serves provider data from the store and loads missing
// ranges from upstream. It is safe for concurrent use.
type CachedProvider struct {
	store    *Store
	upstream data.Provider
	source   string
}

// NewCachedProvider caches upstream in s. Rows are keyed by the upstream
// provider name.
func NewCachedProvider(s *Store, upstream data.Provider) *CachedProvider {
	return &CachedProvider{store: s, upstream: upstream, source: upstream.Name()}
}

func (c *CachedProvider) Name() string { return "cached:" + c.source }

func (c *CachedProvider) Secondary() data.Provider { return c.upstream }

// StrikeInterval passes through to upstream, defaulting to 1.
func (c *CachedProvider) StrikeInterval(ticker string) float64 {
	if si, ok := c.upstream.(data.StrikeIntervaler); ok {
		return si.StrikeInterval(ticker)
	}
	return 1
}

// ListStrikes passes through to upstream. A provider without a strike
// listing yields none.
func (c *CachedProvider) ListStrikes(ctx context.Context, ticker string, expiry time.Time, optType pricing.OptionType) ([]float64, error) {
	if sl, ok := c.upstream.(data.StrikeLister); ok {
		return sl.ListStrikes(ctx, ticker, expiry, optType)
	}
	return nil, nil
}

func (c *CachedProvider) GetUnderlyingSeries(ctx context.Context, ticker string, start, end time.Time) ([]data.Bar, error) {
	ticker = strings.ToUpper(ticker)
	start, end = scheduler.Day(start), scheduler.Day(end)
	series := "bars:" + ticker
	db := c.store.db.WithContext(ctx)

	if !c.covered(ctx, series, start, end) {
		bars, err := c.upstream.GetUnderlyingSeries(ctx, ticker, start, end)
		if err != nil {
			return nil, err
		}
		rows := make([]DBBar, 0, len(bars))
		for _, b := range bars {
			rows = append(rows, DBBar{
				Source: c.source, Symbol: ticker, Date: scheduler.Day(b.Date),
				Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
			})
		}
		if err := c.save(ctx, series, start, end, &rows, len(rows)); err != nil {
			return nil, err
		}
	}

	var rows []DBBar
	if err := db.Where("source = ? AND symbol = ? AND date >= ? AND date <= ?", c.source, ticker, start, end).
		Order("date ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read cached bars: %w", err)
	}
	out := make([]data.Bar, len(rows))
	for i, r := range rows {
		out[i] = data.Bar{Date: r.Date.UTC(), Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume}
	}
	return out, nil
}

func (c *CachedProvider) GetVolatilitySeries(ctx context.Context, ticker string, start, end time.Time, optType pricing.OptionType) ([]data.VolPoint, error) {
	ticker = strings.ToUpper(ticker)
	start, end = scheduler.Day(start), scheduler.Day(end)
	series := "vol:" + ticker + ":" + string(optType)

	if !c.covered(ctx, series, start, end) {
		vols, err := c.upstream.GetVolatilitySeries(ctx, ticker, start, end, optType)
		if err != nil {
			return nil, err
		}
		rows := make([]DBVol, 0, len(vols))
		for _, v := range vols {
			if math.IsNaN(v.ImpliedVol) {
				continue
			}
			hv := v.HistoricVol
			if math.IsNaN(hv) {
				hv = 0
			}
			rows = append(rows, DBVol{
				Source: c.source, Symbol: ticker, OptionType: string(optType),
				Date: scheduler.Day(v.Date), ImpliedVol: v.ImpliedVol, HistoricVol: hv,
			})
		}
		if err := c.save(ctx, series, start, end, &rows, len(rows)); err != nil {
			return nil, err
		}
	}

	var rows []DBVol
	if err := c.store.db.WithContext(ctx).
		Where("source = ? AND symbol = ? AND option_type = ? AND date >= ? AND date <= ?", c.source, ticker, string(optType), start, end).
		Order("date ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read cached volatility: %w", err)
	}
	out := make([]data.VolPoint, len(rows))
	for i, r := range rows {
		out[i] = data.VolPoint{Date: r.Date.UTC(), ImpliedVol: r.ImpliedVol, HistoricVol: r.HistoricVol}
	}
	return out, nil
}

// GetRiskFreeRate returns the cached rates in range plus the last rate
// before start, which still applies at start.
func (c *CachedProvider) GetRiskFreeRate(ctx context.Context, start, end time.Time) ([]data.RatePoint, error) {
	start, end = scheduler.Day(start), scheduler.Day(end)
	const series = "rates"

	if !c.covered(ctx, series, start, end) {
		rates, err := c.upstream.GetRiskFreeRate(ctx, start, end)
		if err != nil {
			return nil, err
		}
		rows := make([]DBRate, 0, len(rates))
		for _, r := range rates {
			rows = append(rows, DBRate{Source: c.source, Date: scheduler.Day(r.Date), Rate: r.Rate})
		}
		if err := c.save(ctx, series, start, end, &rows, len(rows)); err != nil {
			return nil, err
		}
	}

	db := c.store.db.WithContext(ctx)
	var rows []DBRate
	if err := db.Where("source = ? AND date >= ? AND date <= ?", c.source, start, end).
		Order("date ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read cached rates: %w", err)
	}
	if len(rows) == 0 || rows[0].Date.After(start) {
		var prior []DBRate
		if err := db.Where("source = ? AND date < ?", c.source, start).
			Order("date DESC").Limit(1).Find(&prior).Error; err != nil {
			return nil, fmt.Errorf("failed to read cached rates: %w", err)
		}
		rows = append(prior, rows...)
	}

	out := make([]data.RatePoint, len(rows))
	for i, r := range rows {
		out[i] = data.RatePoint{Date: r.Date.UTC(), Rate: r.Rate}
	}
	return out, nil
}

func (c *CachedProvider) GetExpirationDates(ctx context.Context, ticker string, start, end time.Time, cycle scheduler.ExpiryCycle) ([]time.Time, error) {
	ticker = strings.ToUpper(ticker)
	start, end = scheduler.Day(start), scheduler.Day(end)
	if cycle == "" {
		cycle = scheduler.Monthly
	}
	series := "expiries:" + ticker + ":" + string(cycle)

	if !c.covered(ctx, series, start, end) {
		dates, err := c.upstream.GetExpirationDates(ctx, ticker, start, end, cycle)
		if err != nil {
			return nil, err
		}
		rows := make([]DBExpiry, 0, len(dates))
		for _, d := range dates {
			rows = append(rows, DBExpiry{Source: c.source, Symbol: ticker, Cycle: string(cycle), Date: scheduler.Day(d)})
		}
		if err := c.save(ctx, series, start, end, &rows, len(rows)); err != nil {
			return nil, err
		}
	}

	var rows []DBExpiry
	if err := c.store.db.WithContext(ctx).
		Where("source = ? AND symbol = ? AND cycle = ? AND date >= ? AND date <= ?", c.source, ticker, string(cycle), start, end).
		Order("date ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read cached expirations: %w", err)
	}
	out := make([]time.Time, len(rows))
	for i, r := range rows {
		out[i] = r.Date.UTC()
	}
	return out, nil
}

// covered reports whether a single earlier fetch of series spans
// [start, end].
func (c *CachedProvider) covered(ctx context.Context, series string, start, end time.Time) bool {
	var n int64
	err := c.store.db.WithContext(ctx).Model(&DBFetch{}).
		Where("source = ? AND series = ? AND from_date <= ? AND to_date >= ?", c.source, series, start, end).
		Count(&n).Error
	if err != nil {
		logger.Err().Str("event", "cache_lookup_failed").Str("series", series).Err(err).Msg("")
		return false
	}
	hit := n > 0
	logger.Trc().Str("event", "cache_lookup").Str("series", series).Bool("hit", hit).Msg("")
	return hit
}

// save upserts rows and records the fetched range in one transaction.
func (c *CachedProvider) save(ctx context.Context, series string, start, end time.Time, rows any, n int) error {
	tx := c.store.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to begin cache write: %w", err)
	}
	if n > 0 {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 500).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to cache %s: %w", series, err)
		}
	}
	if err := tx.Create(&DBFetch{Source: c.source, Series: series, FromDate: start, ToDate: end}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record fetch of %s: %w", series, err)
	}
	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit cache write: %w", err)
	}
	logger.Dbg().Str("event", "cache_filled").Str("series", series).Time("start", start).Time("end", end).Msg("")
	return nil
}
