// Package data provides market data providers and the joining of their
// series into per-day market snapshots.
//
// Providers chain through Secondary(): when a provider cannot serve a
// request it delegates to its secondary, and only reports ErrNotSupported
// when there is none.
package data

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/contactkeval/option-lab/internal/backtest/scheduler"
	"github.com/contactkeval/option-lab/internal/pricing"
)

var (
	// ErrNotSupported is returned when neither a provider nor any of its
	// secondaries can serve a request.
	ErrNotSupported = errors.New("not supported by provider")

	// ErrNoData is returned when a request succeeds but yields nothing.
	ErrNoData = errors.New("no market data")
)

// Provider supplies market data
type Provider interface {
	Name() string
	Secondary() Provider
	GetUnderlyingSeries(ctx context.Context, ticker string, start, end time.Time) ([]Bar, error)
	GetVolatilitySeries(ctx context.Context, ticker string, start, end time.Time, optType pricing.OptionType) ([]VolPoint, error)
	GetRiskFreeRate(ctx context.Context, start, end time.Time) ([]RatePoint, error)
	GetExpirationDates(ctx context.Context, ticker string, start, end time.Time, cycle scheduler.ExpiryCycle) ([]time.Time, error)
}

// StrikeIntervaler is implemented by providers that know the listed strike
// spacing of an underlying. Zero means unknown.
type StrikeIntervaler interface {
	StrikeInterval(ticker string) float64
}

// StrikeLister is implemented by providers that know the strikes listed
// for an expiry. The strikes are sorted ascending; empty means unknown.
type StrikeLister interface {
	ListStrikes(ctx context.Context, ticker string, expiry time.Time, optType pricing.OptionType) ([]float64, error)
}

// Bar simplified OHLC
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// VolPoint is one day of annualized volatility for an option type.
type VolPoint struct {
	Date        time.Time `json:"date"`
	ImpliedVol  float64   `json:"implied_vol"`
	HistoricVol float64   `json:"historic_vol,omitempty"`
}

// RatePoint is one day of the annualized risk-free rate, as a decimal.
type RatePoint struct {
	Date time.Time `json:"date"`
	Rate float64   `json:"rate"`
}

// MarketSnapshot is the market state for a single trading day.
// ImpliedVol has no entry for an option type whose volatility is unknown.
type MarketSnapshot struct {
	Date         time.Time                      `json:"date"`
	Spot         float64                        `json:"spot"`
	ImpliedVol   map[pricing.OptionType]float64 `json:"implied_vol"`
	RiskFreeRate *float64                       `json:"risk_free_rate,omitempty"`
}

// Vol returns the implied volatility for optType and whether it is known.
func (s MarketSnapshot) Vol(optType pricing.OptionType) (float64, bool) {
	v, ok := s.ImpliedVol[optType]
	return v, ok
}

// RateOr returns the snapshot's risk-free rate, or def when absent.
func (s MarketSnapshot) RateOr(def float64) float64 {
	if s.RiskFreeRate == nil {
		return def
	}
	return *s.RiskFreeRate
}

// Options selects and configures a provider.
type Options struct {
	Kind     string   `json:"kind" mapstructure:"kind" validate:"omitempty,oneof=synthetic csv local massive polygon"`
	Dir      string   `json:"dir,omitempty" mapstructure:"dir"`
	APIKey   string   `json:"-" mapstructure:"api_key"`
	BaseURL  string   `json:"base_url,omitempty" mapstructure:"base_url"`
	Seed     uint64   `json:"seed,omitempty" mapstructure:"seed"`
	Rate     float64  `json:"rate,omitempty" mapstructure:"rate"`
	Vol      float64  `json:"vol,omitempty" mapstructure:"vol"`
	HVWindow int      `json:"hv_window,omitempty" mapstructure:"hv_window"` // massive: historic vol lookback
	QuoteIV  bool     `json:"quote_iv,omitempty" mapstructure:"quote_iv"`   // massive: implied vol from option closes
	Fallback *Options `json:"fallback,omitempty" mapstructure:"fallback"`
}

// New builds the provider described by o, including its fallback chain.
func New(o Options) (Provider, error) {
	var secondary Provider
	if o.Fallback != nil {
		s, err := New(*o.Fallback)
		if err != nil {
			return nil, fmt.Errorf("fallback provider: %w", err)
		}
		secondary = s
	}

	switch strings.ToLower(strings.TrimSpace(o.Kind)) {
	case "", "synthetic":
		return NewSyntheticProvider(SyntheticConfig{Seed: o.Seed, Rate: o.Rate, Vol: o.Vol}), nil
	case "csv", "local":
		if o.Dir == "" {
			return nil, fmt.Errorf("csv provider requires dir")
		}
		return NewCSVProvider(o.Dir, secondary), nil
	case "massive", "polygon":
		if o.APIKey == "" {
			return nil, fmt.Errorf("massive provider requires api key")
		}
		opts := []MassiveOption{WithSecondary(secondary)}
		if o.BaseURL != "" {
			opts = append(opts, WithBaseURL(o.BaseURL))
		}
		if o.HVWindow > 0 {
			opts = append(opts, WithHistoricVolWindow(o.HVWindow))
		}
		if o.QuoteIV {
			opts = append(opts, WithQuoteImpliedVol())
		}
		return NewMassiveProvider(o.APIKey, opts...), nil
	}
	return nil, fmt.Errorf("unknown provider kind %q", o.Kind)
}

// --------------------------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------------------------

// OptionSymbolFromParts formats an OCC-style option ticker:
// O:<root><YYMMDD><C|P><strike*1000 padded to 8 digits>
func OptionSymbolFromParts(underlying string, expiryDate time.Time, optType pricing.OptionType, strike float64) string {
	expDt := expiryDate.UTC().Format("060102")
	t := "C"
	if optType == pricing.Put {
		t = "P"
	}
	strikeInt := int(math.Round(strike * 1000))
	return fmt.Sprintf("O:%s%s%s%08d", strings.ToUpper(underlying), expDt, t, strikeInt)
}

// Closest finds the closest value in a sorted slice to target. ok is false
// for an empty slice.
func Closest(numList []float64, target float64) (float64, bool) {
	n := len(numList)
	if n == 0 {
		return 0, false
	}

	i := sort.Search(n, func(i int) bool {
		return numList[i] >= target
	})

	if i == 0 {
		return numList[0], true
	}
	if i == n {
		return numList[n-1], true
	}

	before := numList[i-1]
	after := numList[i]
	if math.Abs(before-target) < math.Abs(after-target) {
		return before, true
	}
	return after, true
}

func notSupported(p Provider, what string) error {
	return fmt.Errorf("%s: %s: %w", p.Name(), what, ErrNotSupported)
}

func inDayRange(d, start, end time.Time) bool {
	day := scheduler.Day(d)
	return !day.Before(scheduler.Day(start)) && !day.After(scheduler.Day(end))
}
