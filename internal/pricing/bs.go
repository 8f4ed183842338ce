// Package pricing implements closed-form European option valuation.
//
// All functions are pure: no state, no I/O, deterministic for given inputs.
// Time to expiry is expressed in calendar days and converted to a year
// fraction with DaysPerYear.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat/distuv"
)

// DaysPerYear converts days to expiry into a year fraction.
const DaysPerYear = 365.0

// OptionType is either a call or a put.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// ParseOptionType accepts "call"/"c" and "put"/"p" in any case.
func ParseOptionType(s string) (OptionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "call", "c":
		return Call, nil
	case "put", "p":
		return Put, nil
	}
	return "", fmt.Errorf("unknown option type %q", s)
}

// Valid reports whether t is Call or Put.
func (t OptionType) Valid() bool {
	return t == Call || t == Put
}

// ErrLengthMismatch is returned by PriceSeries when the volatility slice
// cannot be broadcast against the spot slice.
var ErrLengthMismatch = errors.New("spot and volatility lengths differ")

// YearFraction converts calendar days to years.
func YearFraction(days float64) float64 {
	return days / DaysPerYear
}

// Intrinsic returns the exercise value of an option at spot.
func Intrinsic(spot, strike float64, optType OptionType) float64 {
	if optType == Put {
		return math.Max(strike-spot, 0)
	}
	return math.Max(spot-strike, 0)
}

// Price calculates the Black-Scholes price of a European option.
//
// Parameters:
//   - spot: underlying price
//   - strike: option strike
//   - daysToExpiry: calendar days until expiry
//   - sigma: annualized volatility, as a decimal
//   - rate: annualized risk-free rate, as a decimal
//   - optType: Call or Put
//
// When time to expiry or volatility is zero (or negative) the closed form
// divides by zero, so the intrinsic value is returned instead.
func Price(spot, strike, daysToExpiry, sigma, rate float64, optType OptionType) float64 {
	return PriceWithDividend(spot, strike, daysToExpiry, sigma, rate, 0, optType)
}

// PriceWithDividend is Price for an underlying paying a continuous dividend
// yield div. The spot term is discounted by e^(-div*t) and the drift is
// rate-div.
func PriceWithDividend(spot, strike, daysToExpiry, sigma, rate, div float64, optType OptionType) float64 {
	t := YearFraction(daysToExpiry)
	if t <= 0 || sigma <= 0 {
		return Intrinsic(spot, strike, optType)
	}

	d1, d2 := d1d2(spot, strike, t, sigma, rate, div)
	spotDisc := spot * math.Exp(-div*t)
	strikeDisc := strike * math.Exp(-rate*t)

	if optType == Put {
		return strikeDisc*NormCDF(-d2) - spotDisc*NormCDF(-d1)
	}
	return spotDisc*NormCDF(d1) - strikeDisc*NormCDF(d2)
}

// PriceSeries applies Price elementwise over spots. sigmas must either hold
// a single value, which is broadcast, or match len(spots).
func PriceSeries(spots []float64, strike, daysToExpiry float64, sigmas []float64, rate float64, optType OptionType) ([]float64, error) {
	return PriceSeriesWithDividend(spots, strike, daysToExpiry, sigmas, rate, 0, optType)
}

// PriceSeriesWithDividend is PriceSeries with a continuous dividend yield.
func PriceSeriesWithDividend(spots []float64, strike, daysToExpiry float64, sigmas []float64, rate, div float64, optType OptionType) ([]float64, error) {
	if len(sigmas) != 1 && len(sigmas) != len(spots) {
		return nil, fmt.Errorf("%w: %d spots, %d volatilities", ErrLengthMismatch, len(spots), len(sigmas))
	}
	out := make([]float64, len(spots))
	for i, s := range spots {
		sigma := sigmas[0]
		if len(sigmas) > 1 {
			sigma = sigmas[i]
		}
		out[i] = PriceWithDividend(s, strike, daysToExpiry, sigma, rate, div, optType)
	}
	return out, nil
}

// Vega is the sensitivity of the price to a unit change in volatility.
// Returns 0 if the option has expired or sigma is non-positive.
func Vega(spot, strike, daysToExpiry, sigma, rate float64) float64 {
	t := YearFraction(daysToExpiry)
	if t <= 0 || sigma <= 0 {
		return 0
	}
	d1, _ := d1d2(spot, strike, t, sigma, rate, 0)
	return spot * distuv.UnitNormal.Prob(d1) * math.Sqrt(t)
}

// ImpliedVol solves for the volatility that reproduces price.
//
// Newton-Raphson on vega is tried first, starting at 20%. When vega
// collapses (deep in/out of the money) the squared pricing error is
// minimised with Nelder-Mead over log-volatility instead.
func ImpliedVol(price, spot, strike, daysToExpiry, rate float64, optType OptionType) (float64, error) {
	if daysToExpiry <= 0 {
		return 0, fmt.Errorf("implied vol: option expired")
	}
	if price <= 0 || spot <= 0 || strike <= 0 {
		return 0, fmt.Errorf("implied vol: invalid inputs price=%.4f spot=%.4f strike=%.4f", price, spot, strike)
	}

	const (
		maxIter = 100
		tol     = 1e-6
	)

	sigma := 0.20
	for i := 0; i < maxIter; i++ {
		diff := Price(spot, strike, daysToExpiry, sigma, rate, optType) - price
		if math.Abs(diff) < tol {
			return sigma, nil
		}
		vega := Vega(spot, strike, daysToExpiry, sigma, rate)
		if vega < 1e-8 {
			break
		}
		sigma -= diff / vega
		if sigma <= 0 {
			sigma = 1e-4
		}
		if sigma > 5 {
			sigma = 5
		}
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			d := Price(spot, strike, daysToExpiry, math.Exp(x[0]), rate, optType) - price
			return d * d
		},
	}
	res, err := optimize.Minimize(problem, []float64{math.Log(0.5)}, nil, &optimize.NelderMead{})
	if err != nil {
		return 0, fmt.Errorf("implied vol did not converge: %w", err)
	}
	sigma = math.Exp(res.X[0])
	if math.Abs(Price(spot, strike, daysToExpiry, sigma, rate, optType)-price) > 1e-4 {
		return 0, fmt.Errorf("implied vol did not converge")
	}
	return sigma, nil
}

// NormCDF is the standard normal cumulative distribution function.
func NormCDF(x float64) float64 {
	return distuv.UnitNormal.CDF(x)
}

// NormInv is the standard normal quantile function. p must lie in (0,1).
func NormInv(p float64) float64 {
	if p <= 0 || p >= 1 {
		panic("NormInv: p must be in (0,1)")
	}
	return distuv.UnitNormal.Quantile(p)
}

func d1d2(spot, strike, t, sigma, rate, div float64) (float64, float64) {
	volT := sigma * math.Sqrt(t)
	d1 := (math.Log(spot/strike) + (rate-div+0.5*sigma*sigma)*t) / volT
	return d1, d1 - volT
}
