package data

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/contactkeval/option-lab/internal/backtest/scheduler"
	"github.com/contactkeval/option-lab/internal/logger"
	"github.com/contactkeval/option-lab/internal/pricing"
)

// Files read by the CSV provider, relative to its directory:
//
//	<TICKER>.csv      date,open,high,low,close,volume
//	<TICKER>_vol.csv  date,call_iv,put_iv   (blank cell = unknown)
//	rates.csv         date,rate
//	intervals.csv     underlying,interval
//
// Dates are YYYY-MM-DD.
const csvDateLayout = "2006-01-02"

// hvWindow is the lookback used when no volatility file is available.
const hvWindow = 20

type csvBar struct {
	Date   string  `csv:"date"`
	Open   float64 `csv:"open"`
	High   float64 `csv:"high"`
	Low    float64 `csv:"low"`
	Close  float64 `csv:"close"`
	Volume float64 `csv:"volume"`
}

type csvVol struct {
	Date   string `csv:"date"`
	CallIV string `csv:"call_iv"`
	PutIV  string `csv:"put_iv"`
}

type csvRate struct {
	Date string  `csv:"date"`
	Rate float64 `csv:"rate"`
}

type csvInterval struct {
	Underlying string  `csv:"underlying"`
	Interval   float64 `csv:"interval"`
}

// localFileDataProvider implements Provider from local CSV files.
type localFileDataProvider struct {
	dir       string
	secondary Provider

	intervalsOnce sync.Once
	intervals     map[string]float64
}

// NewCSVProvider reads market data from dir, delegating whatever is
// missing to secondary.
func NewCSVProvider(dir string, secondary Provider) *localFileDataProvider {
	return &localFileDataProvider{dir: dir, secondary: secondary}
}

func (localFileDataProv *localFileDataProvider) Name() string { return "csv" }

func (localFileDataProv *localFileDataProvider) Secondary() Provider {
	return localFileDataProv.secondary
}

func (localFileDataProv *localFileDataProvider) GetUnderlyingSeries(ctx context.Context, ticker string, start, end time.Time) ([]Bar, error) {
	var rows []*csvBar
	err := localFileDataProv.readCSV(strings.ToUpper(ticker)+".csv", &rows)
	if errors.Is(err, fs.ErrNotExist) {
		if localFileDataProv.secondary != nil {
			return localFileDataProv.secondary.GetUnderlyingSeries(ctx, ticker, start, end)
		}
		return nil, notSupported(localFileDataProv, "bars for "+ticker)
	}
	if err != nil {
		return nil, err
	}

	out := make([]Bar, 0, len(rows))
	for i, r := range rows {
		d, err := time.Parse(csvDateLayout, strings.TrimSpace(r.Date))
		if err != nil {
			return nil, fmt.Errorf("%s.csv row %d: %w", ticker, i+2, err)
		}
		if !inDayRange(d, start, end) {
			continue
		}
		out = append(out, Bar{Date: d, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume})
	}
	return out, nil
}

// GetVolatilitySeries reads <TICKER>_vol.csv. Without it, the secondary is
// asked, and failing that a 20-day historic volatility of the bars stands
// in for implied volatility.
func (localFileDataProv *localFileDataProvider) GetVolatilitySeries(ctx context.Context, ticker string, start, end time.Time, optType pricing.OptionType) ([]VolPoint, error) {
	var rows []*csvVol
	err := localFileDataProv.readCSV(strings.ToUpper(ticker)+"_vol.csv", &rows)
	if errors.Is(err, fs.ErrNotExist) {
		if localFileDataProv.secondary != nil {
			return localFileDataProv.secondary.GetVolatilitySeries(ctx, ticker, start, end, optType)
		}
		logger.Debugf("no vol file for %s, using %d-day historic vol", ticker, hvWindow)
		// two calendar days per trading day covers the lookback
		bars, err := localFileDataProv.GetUnderlyingSeries(ctx, ticker, start.AddDate(0, 0, -2*hvWindow), end)
		if err != nil {
			return nil, err
		}
		return historicVolPoints(bars, hvWindow, start, end), nil
	}
	if err != nil {
		return nil, err
	}

	var out []VolPoint
	for i, r := range rows {
		d, err := time.Parse(csvDateLayout, strings.TrimSpace(r.Date))
		if err != nil {
			return nil, fmt.Errorf("%s_vol.csv row %d: %w", ticker, i+2, err)
		}
		if !inDayRange(d, start, end) {
			continue
		}
		cell := r.CallIV
		if optType == pricing.Put {
			cell = r.PutIV
		}
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		iv, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, fmt.Errorf("%s_vol.csv row %d: %w", ticker, i+2, err)
		}
		out = append(out, VolPoint{Date: d, ImpliedVol: iv})
	}
	return out, nil
}

// GetRiskFreeRate reads rates.csv. Rows before start are kept so the
// caller can forward-fill into the range.
func (localFileDataProv *localFileDataProvider) GetRiskFreeRate(ctx context.Context, start, end time.Time) ([]RatePoint, error) {
	var rows []*csvRate
	err := localFileDataProv.readCSV("rates.csv", &rows)
	if errors.Is(err, fs.ErrNotExist) {
		if localFileDataProv.secondary != nil {
			return localFileDataProv.secondary.GetRiskFreeRate(ctx, start, end)
		}
		return nil, notSupported(localFileDataProv, "risk-free rate")
	}
	if err != nil {
		return nil, err
	}

	out := make([]RatePoint, 0, len(rows))
	for i, r := range rows {
		d, err := time.Parse(csvDateLayout, strings.TrimSpace(r.Date))
		if err != nil {
			return nil, fmt.Errorf("rates.csv row %d: %w", i+2, err)
		}
		if scheduler.Day(d).After(scheduler.Day(end)) {
			continue
		}
		out = append(out, RatePoint{Date: d, Rate: r.Rate})
	}
	return out, nil
}

func (localFileDataProv *localFileDataProvider) GetExpirationDates(ctx context.Context, ticker string, start, end time.Time, cycle scheduler.ExpiryCycle) ([]time.Time, error) {
	if localFileDataProv.secondary != nil {
		return localFileDataProv.secondary.GetExpirationDates(ctx, ticker, start, end, cycle)
	}
	return scheduler.ExpirationDates(start, end, cycle), nil
}

// StrikeInterval reads intervals.csv once and caches it.
func (localFileDataProv *localFileDataProvider) StrikeInterval(ticker string) float64 {
	localFileDataProv.intervalsOnce.Do(func() {
		localFileDataProv.intervals = map[string]float64{}
		var rows []*csvInterval
		if err := localFileDataProv.readCSV("intervals.csv", &rows); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.Errorf("read intervals file: %v", err)
			}
			return
		}
		for _, r := range rows {
			localFileDataProv.intervals[strings.ToUpper(strings.TrimSpace(r.Underlying))] = r.Interval
		}
	})

	if v, ok := localFileDataProv.intervals[strings.ToUpper(ticker)]; ok {
		return v
	}
	if si, ok := localFileDataProv.secondary.(StrikeIntervaler); ok {
		return si.StrikeInterval(ticker)
	}
	return 0
}

func (localFileDataProv *localFileDataProvider) readCSV(name string, out interface{}) error {
	path := filepath.Join(localFileDataProv.dir, name)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := gocsv.UnmarshalFile(f, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	logger.Tracef("read %s", path)
	return nil
}
