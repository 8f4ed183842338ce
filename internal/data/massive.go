// This file contains a Massive-backed Provider that retrieves daily bars
// and listed expirations over Massive's HTTP API.
//
// Massive has no historical implied volatility endpoint, so a rolling
// historic volatility of the daily closes stands in for it. With
// WithQuoteImpliedVol the provider instead backs implied volatility out of
// the daily closes of near-the-money front-month contracts, keeping the
// historic value on days without a usable quote. Risk-free rates come from
// the secondary provider.

package data

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/contactkeval/option-lab/internal/backtest/scheduler"
	"github.com/contactkeval/option-lab/internal/logger"
	"github.com/contactkeval/option-lab/internal/pricing"
)

const defaultMassiveURL = "https://api.massive.com"

// minQuoteDTE is the fewest days to expiry a contract may have to be used
// for a quoted implied volatility; nearer contracts roll to the next month.
const minQuoteDTE = 7

// massiveDataProvider implements the Provider interface using Massive APIs.
type massiveDataProvider struct {
	client    *resty.Client
	secondary Provider
	hvWindow  int
	quoteIV   bool
}

// MassiveOption customizes a Massive provider.
type MassiveOption func(*massiveDataProvider)

// WithBaseURL points the provider at another host, e.g. a test server.
func WithBaseURL(u string) MassiveOption {
	return func(m *massiveDataProvider) { m.client.SetBaseURL(strings.TrimRight(u, "/")) }
}

// WithSecondary sets the fallback provider.
func WithSecondary(p Provider) MassiveOption {
	return func(m *massiveDataProvider) { m.secondary = p }
}

// WithRateLimitWait replaces the wait-until-next-minute backoff used on
// HTTP 429 with a fixed delay.
func WithRateLimitWait(d time.Duration) MassiveOption {
	return func(m *massiveDataProvider) {
		m.client.SetRetryAfter(nil).SetRetryWaitTime(d).SetRetryMaxWaitTime(d)
	}
}

// WithHistoricVolWindow sets the lookback, in trading days, of the
// volatility proxy. Default 20.
func WithHistoricVolWindow(n int) MassiveOption {
	return func(m *massiveDataProvider) {
		if n >= 2 {
			m.hvWindow = n
		}
	}
}

// WithQuoteImpliedVol backs implied volatility out of option closes.
func WithQuoteImpliedVol() MassiveOption {
	return func(m *massiveDataProvider) { m.quoteIV = true }
}

// massiveContract represents a single option contract
// returned by Massive's contracts reference endpoint.
type massiveContract struct {
	ContractType     string  `json:"contract_type"`
	ExerciseStyle    string  `json:"exercise_style"`
	ExpiryDate       string  `json:"expiration_date"`
	StrikePrice      float64 `json:"strike_price"`
	Ticker           string  `json:"ticker"`
	UnderlyingTicker string  `json:"underlying_ticker"`
}

type massiveContractsResp struct {
	Results   []massiveContract `json:"results"`
	Status    string            `json:"status"`
	RequestID string            `json:"request_id"`
	NextURL   string            `json:"next_url"`
}

type massiveAggsResp struct {
	Ticker  string `json:"ticker"`
	Results []struct {
		Open      float64 `json:"o"`
		Close     float64 `json:"c"`
		High      float64 `json:"h"`
		Low       float64 `json:"l"`
		Volume    float64 `json:"v"`
		Timestamp int64   `json:"t"` // epoch millis
	} `json:"results"`
	Status  string `json:"status"`
	NextURL string `json:"next_url"`
}

type massiveError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// NewMassiveProvider constructs a Massive-backed data provider.
//
// Requests are authenticated with apiKey, time out after 60s and are
// retried on HTTP 429, sleeping until the next minute boundary.
func NewMassiveProvider(apiKey string, opts ...MassiveOption) *massiveDataProvider {
	logger.Infof("initializing Massive data provider")

	client := resty.New().
		SetBaseURL(defaultMassiveURL).
		SetTimeout(60*time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "option-lab/1.0").
		SetAuthToken(apiKey).
		SetQueryParam("apiKey", apiKey).
		SetRetryCount(5).
		SetRetryMaxWaitTime(61 * time.Second).
		SetRetryAfter(func(*resty.Client, *resty.Response) (time.Duration, error) {
			now := time.Now()
			wait := time.Until(now.Truncate(time.Minute).Add(time.Minute))
			logger.Infof("rate limit hit, sleeping for %s", wait)
			return wait, nil
		}).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r != nil && r.StatusCode() == http.StatusTooManyRequests
		})

	m := &massiveDataProvider{client: client, hvWindow: hvWindow}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (massiveDataProv *massiveDataProvider) Name() string { return "massive" }

// Secondary returns the configured secondary Provider, if any.
func (massiveDataProv *massiveDataProvider) Secondary() Provider {
	return massiveDataProv.secondary
}

// GetUnderlyingSeries retrieves daily bars, following next_url pagination.
func (massiveDataProv *massiveDataProvider) GetUnderlyingSeries(ctx context.Context, ticker string, start, end time.Time) ([]Bar, error) {
	logger.Debugf("fetching bars: %s from=%s to=%s", ticker, start.Format(csvDateLayout), end.Format(csvDateLayout))

	reqURL := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/day/%s/%s",
		strings.ToUpper(ticker), start.Format(csvDateLayout), end.Format(csvDateLayout))
	params := map[string]string{"adjusted": "true", "sort": "asc", "limit": "50000"}

	var out []Bar
	for reqURL != "" {
		var body massiveAggsResp
		if err := massiveDataProv.get(ctx, reqURL, params, &body); err != nil {
			return nil, fmt.Errorf("massive bars %s: %w", ticker, err)
		}
		logger.Tracef("bars received: %d records", len(body.Results))

		for _, r := range body.Results {
			out = append(out, Bar{
				Date:   scheduler.Day(time.UnixMilli(r.Timestamp).UTC()),
				Open:   r.Open,
				High:   r.High,
				Low:    r.Low,
				Close:  r.Close,
				Volume: r.Volume,
			})
		}
		reqURL, params = body.NextURL, nil
	}
	return out, nil
}

// GetVolatilitySeries asks the secondary first, since it may hold real
// implied volatility; otherwise it returns a historic volatility proxy.
func (massiveDataProv *massiveDataProvider) GetVolatilitySeries(ctx context.Context, ticker string, start, end time.Time, optType pricing.OptionType) ([]VolPoint, error) {
	if massiveDataProv.secondary != nil {
		points, err := massiveDataProv.secondary.GetVolatilitySeries(ctx, ticker, start, end, optType)
		if err == nil && len(points) > 0 {
			return points, nil
		}
		logger.Tracef("secondary has no vol for %s (%v), using historic vol", ticker, err)
	}

	bars, err := massiveDataProv.GetUnderlyingSeries(ctx, ticker, start.AddDate(0, 0, -2*massiveDataProv.hvWindow), end)
	if err != nil {
		return nil, err
	}
	points := historicVolPoints(bars, massiveDataProv.hvWindow, start, end)
	if !massiveDataProv.quoteIV {
		return points, nil
	}

	var inRange []Bar
	for _, b := range bars {
		if inDayRange(b.Date, start, end) {
			inRange = append(inRange, b)
		}
	}
	quoted, err := massiveDataProv.quotedVols(ctx, ticker, inRange, optType)
	if err != nil {
		return nil, err
	}
	for i := range points {
		if iv, ok := quoted[points[i].Date]; ok {
			points[i].ImpliedVol = iv
		}
	}
	return points, nil
}

// quotedVols backs implied volatility out of the daily close of the listed
// contract nearest the money in the front monthly expiry with at least
// minQuoteDTE days left. Days without a quote, or whose quote has no
// implied volatility, are left out.
func (massiveDataProv *massiveDataProvider) quotedVols(ctx context.Context, ticker string, bars []Bar, optType pricing.OptionType) (map[time.Time]float64, error) {
	out := map[time.Time]float64{}
	if len(bars) == 0 {
		return out, nil
	}
	first, last := bars[0].Date, bars[len(bars)-1].Date

	expiries, err := massiveDataProv.GetExpirationDates(ctx, ticker, first, last.AddDate(0, 2, 0), scheduler.Monthly)
	if err != nil {
		return nil, err
	}
	rate := massiveDataProv.quoteRate(ctx, first, last)

	strikes := map[time.Time][]float64{}
	closes := map[string]map[time.Time]float64{}
	for _, b := range bars {
		expiry := frontExpiry(b.Date, expiries)
		if expiry.IsZero() {
			continue
		}
		listed, ok := strikes[expiry]
		if !ok {
			if listed, err = massiveDataProv.ListStrikes(ctx, ticker, expiry, optType); err != nil {
				return nil, err
			}
			strikes[expiry] = listed
		}
		strike, ok := Closest(listed, b.Close)
		if !ok {
			continue
		}

		symbol := OptionSymbolFromParts(ticker, expiry, optType, strike)
		quotes, ok := closes[symbol]
		if !ok {
			series, err := massiveDataProv.GetUnderlyingSeries(ctx, symbol, first, last)
			if err != nil {
				return nil, err
			}
			quotes = make(map[time.Time]float64, len(series))
			for _, q := range series {
				quotes[q.Date] = q.Close
			}
			closes[symbol] = quotes
		}
		px, ok := quotes[b.Date]
		if !ok {
			continue
		}

		days := float64(scheduler.DaysBetween(b.Date, expiry))
		iv, err := pricing.ImpliedVol(px, b.Close, strike, days, rate, optType)
		if err != nil {
			logger.Tracef("no implied vol for %s on %s: %v", symbol, b.Date.Format(csvDateLayout), err)
			continue
		}
		out[b.Date] = iv
	}
	logger.Debugf("quoted implied vol for %s on %d of %d days", ticker, len(out), len(bars))
	return out, nil
}

// quoteRate is the secondary's first rate in [start, end], or zero.
func (massiveDataProv *massiveDataProvider) quoteRate(ctx context.Context, start, end time.Time) float64 {
	if massiveDataProv.secondary == nil {
		return 0
	}
	rates, err := massiveDataProv.secondary.GetRiskFreeRate(ctx, start, end)
	if err != nil || len(rates) == 0 {
		return 0
	}
	return rates[0].Rate
}

// frontExpiry is the first of the sorted expiries at least minQuoteDTE
// days after d.
func frontExpiry(d time.Time, expiries []time.Time) time.Time {
	for _, e := range expiries {
		if scheduler.DaysBetween(d, e) >= minQuoteDTE {
			return e
		}
	}
	return time.Time{}
}

func (massiveDataProv *massiveDataProvider) GetRiskFreeRate(ctx context.Context, start, end time.Time) ([]RatePoint, error) {
	if massiveDataProv.secondary != nil {
		return massiveDataProv.secondary.GetRiskFreeRate(ctx, start, end)
	}
	return nil, notSupported(massiveDataProv, "risk-free rate")
}

// GetExpirationDates returns the sorted unique expirations of ticker's
// listed contracts in [start, end]. The monthly cycle keeps only
// expirations in the third-Friday week, which also catches Thursday
// expirations moved by a holiday.
func (massiveDataProv *massiveDataProvider) GetExpirationDates(ctx context.Context, ticker string, start, end time.Time, cycle scheduler.ExpiryCycle) ([]time.Time, error) {
	logger.Infof("resolving expiries for %s [%s → %s]", ticker, start.Format(csvDateLayout), end.Format(csvDateLayout))

	reqURL := "/v3/reference/options/contracts"
	params := map[string]string{
		"underlying_ticker":   strings.ToUpper(ticker),
		"expiration_date.gte": start.Format(csvDateLayout),
		"expiration_date.lte": end.Format(csvDateLayout),
		"expired":             "true",
		"limit":               "1000",
	}

	expiryMap := map[time.Time]struct{}{}
	for reqURL != "" {
		var body massiveContractsResp
		if err := massiveDataProv.get(ctx, reqURL, params, &body); err != nil {
			return nil, fmt.Errorf("massive contracts %s: %w", ticker, err)
		}
		logger.Tracef("received %d contracts", len(body.Results))

		for _, c := range body.Results {
			t, err := time.Parse(csvDateLayout, c.ExpiryDate)
			if err != nil {
				continue // skip malformed expiry dates
			}
			if cycle == scheduler.Monthly && (t.Day() < 15 || t.Day() > 21) {
				continue
			}
			expiryMap[t] = struct{}{}
		}
		reqURL, params = body.NextURL, nil
	}

	expiries := make([]time.Time, 0, len(expiryMap))
	for dt := range expiryMap {
		expiries = append(expiries, dt)
	}
	sort.Slice(expiries, func(i, j int) bool { return expiries[i].Before(expiries[j]) })

	logger.Infof("resolved %d unique expiries", len(expiries))
	return expiries, nil
}

// ListStrikes returns the sorted strikes listed for ticker's optType
// contracts expiring on expiry.
func (massiveDataProv *massiveDataProvider) ListStrikes(ctx context.Context, ticker string, expiry time.Time, optType pricing.OptionType) ([]float64, error) {
	reqURL := "/v3/reference/options/contracts"
	params := map[string]string{
		"underlying_ticker": strings.ToUpper(ticker),
		"expiration_date":   expiry.Format(csvDateLayout),
		"contract_type":     string(optType),
		"expired":           "true",
		"limit":             "1000",
	}

	seen := map[float64]bool{}
	var strikes []float64
	for reqURL != "" {
		var body massiveContractsResp
		if err := massiveDataProv.get(ctx, reqURL, params, &body); err != nil {
			return nil, fmt.Errorf("massive strikes %s %s: %w", ticker, expiry.Format(csvDateLayout), err)
		}
		for _, c := range body.Results {
			if c.StrikePrice <= 0 || seen[c.StrikePrice] || !strings.EqualFold(c.ContractType, string(optType)) {
				continue
			}
			seen[c.StrikePrice] = true
			strikes = append(strikes, c.StrikePrice)
		}
		reqURL, params = body.NextURL, nil
	}
	sort.Float64s(strikes)
	logger.Debugf("listed %d %s strikes for %s %s", len(strikes), optType, ticker, expiry.Format(csvDateLayout))
	return strikes, nil
}

func (massiveDataProv *massiveDataProvider) StrikeInterval(ticker string) float64 {
	if si, ok := massiveDataProv.secondary.(StrikeIntervaler); ok {
		return si.StrikeInterval(ticker)
	}
	return 0
}

// get issues a GET and decodes a 2xx JSON body into out.
func (massiveDataProv *massiveDataProvider) get(ctx context.Context, reqURL string, params map[string]string, out interface{}) error {
	logger.Debugf("massive request: %s", reqURL)

	var apiErr massiveError
	resp, err := massiveDataProv.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		ForceContentType("application/json").
		SetResult(out).
		SetError(&apiErr).
		Get(reqURL)
	if err != nil {
		return err
	}
	if resp.IsError() {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error
		}
		logger.Errorf("massive API error status=%d message=%s", resp.StatusCode(), msg)
		return fmt.Errorf("massive returned status %d: %s", resp.StatusCode(), msg)
	}
	return nil
}
