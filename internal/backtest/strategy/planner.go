// Package strategy models European option strategies and values them.
//
// A Strategy is an ordered set of OptionLegs. Each leg is valued on its own
// (LegValuation) and the legs are combined by signed summation
// (Aggregator). The planner turns a rule-based StrategySpec into concrete
// legs on an entry date.
package strategy

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/contactkeval/option-lab/internal/backtest/scheduler"
	"github.com/contactkeval/option-lab/internal/data"
	"github.com/contactkeval/option-lab/internal/logger"
	"github.com/contactkeval/option-lab/internal/pricing"
)

// LegSpec defines a single option leg as provided by the user or strategy JSON.
//
// This struct represents *intent*, not resolved market values.
type LegSpec struct {
	Side       string `json:"side,omitempty" mapstructure:"side"`               // buy or sell (default: buy)
	OptionType string `json:"option_type,omitempty" mapstructure:"option_type"` // call or put (default: call)
	StrikeRule string `json:"strike_rule" mapstructure:"strike_rule"`           // ATM, ATM:+10, ATM:-5%, ABS:600, DELTA:0.3, {LEG1.STRIKE}+5
	Qty        int    `json:"qty,omitempty" mapstructure:"qty"`                 // quantity for ratio spreads
	Expiration int    `json:"expiration,omitempty" mapstructure:"expiration"`   // DTE override for this leg
}

// StrategySpec defines a multi-leg option strategy.
//
// Shared defaults apply unless overridden at the leg level.
type StrategySpec struct {
	DaysToExpiry  int                     `json:"dte,omitempty" mapstructure:"dte"`                         // default DTE
	DateMatchType scheduler.DateMatchType `json:"date_match_type,omitempty" mapstructure:"date_match_type"` // expiry matching rule
	Legs          []LegSpec               `json:"strategy" mapstructure:"strategy"`                         // strategy legs
}

// PlanOptions holds the market conventions used while planning.
type PlanOptions struct {
	StrikeInterval float64 // listed strike spacing; 0 leaves strikes unrounded
	Rate           float64 // used when the snapshot has no rate
	Dividend       float64

	// ListedStrikes, when set, returns the sorted strikes listed for an
	// expiry. Resolved strikes snap to the nearest listed one.
	ListedStrikes func(expiry time.Time, optType pricing.OptionType) ([]float64, error)
}

// PlanStrategy resolves spec into concrete legs opened on snap.Date at
// snap.Spot.
//
// Each leg's expiry is the entry date plus its DTE, matched onto expiries.
// Strikes are resolved in leg order so later legs may refer to earlier
// ones. Premium references and DELTA rules need the snapshot's implied
// volatility.
func PlanStrategy(spec StrategySpec, snap data.MarketSnapshot, expiries []time.Time, opts PlanOptions) ([]OptionLeg, error) {
	logger.Inf().
		Str("event", "plan_strategy").
		Time("open_date", snap.Date).
		Float64("price", snap.Spot).
		Int("legs", len(spec.Legs)).
		Msg("")
	if len(spec.Legs) == 0 {
		return nil, ErrEmptyStrategy
	}

	legs := make([]OptionLeg, 0, len(spec.Legs))
	premiums := make([]float64, 0, len(spec.Legs))

	for i, legSpec := range spec.Legs {
		logger.Dbg().Str("event", "resolve_leg").Int("leg", i+1).Interface("spec", legSpec).Msg("")

		action, err := ParseAction(legSpec.Side)
		if err != nil {
			return nil, fmt.Errorf("leg %d: %w", i+1, err)
		}
		optType := pricing.Call
		if strings.TrimSpace(legSpec.OptionType) != "" {
			if optType, err = pricing.ParseOptionType(legSpec.OptionType); err != nil {
				return nil, fmt.Errorf("leg %d: %w", i+1, err)
			}
		}

		offset := spec.DaysToExpiry
		if legSpec.Expiration != 0 {
			offset = legSpec.Expiration
		}
		expiry := scheduler.ResolveExpiration(snap.Date, offset, expiries, spec.DateMatchType)
		if expiry.IsZero() {
			return nil, fmt.Errorf("leg %d: %w for %d DTE from %s", i+1, ErrNoExpiration, offset, snap.Date.Format("2006-01-02"))
		}
		if scheduler.Day(expiry).Before(scheduler.Day(snap.Date)) {
			return nil, fmt.Errorf("leg %d: %w: expiry %s before entry", i+1, ErrInvalidDateRange, expiry.Format("2006-01-02"))
		}
		logger.Trc().Str("event", "expiry_resolved").Int("leg", i+1).Time("expiry", expiry).Msg("")

		rc := strikeContext{
			spot:     snap.Spot,
			interval: opts.StrikeInterval,
			legs:     legs,
			premiums: premiums,
			optType:  optType,
			days:     float64(scheduler.DaysBetween(snap.Date, expiry)),
			rate:     snap.RateOr(opts.Rate),
			dividend: opts.Dividend,
		}
		rc.vol, rc.hasVol = snap.Vol(optType)

		strike, err := rc.resolve(legSpec.StrikeRule)
		if err != nil {
			logger.Err().Str("event", "strike_resolution_failed").Int("leg", i+1).Err(err).Msg("")
			return nil, fmt.Errorf("leg %d: %w", i+1, err)
		}
		if opts.ListedStrikes != nil {
			listed, err := opts.ListedStrikes(expiry, optType)
			if err != nil {
				return nil, fmt.Errorf("leg %d: listed strikes: %w", i+1, err)
			}
			if k, ok := data.Closest(listed, strike); ok {
				strike = k
			}
		}

		leg := OptionLeg{Strike: strike, Type: optType, Action: action, Expiry: expiry, Qty: legSpec.Qty}
		if err := leg.Validate(); err != nil {
			return nil, fmt.Errorf("leg %d: %w", i+1, err)
		}

		premium := math.NaN()
		if rc.hasVol {
			premium = pricing.PriceWithDividend(snap.Spot, strike, rc.days, rc.vol, rc.rate, rc.dividend, optType)
		}

		logger.Inf().
			Str("event", "leg_resolved").
			Int("leg", i+1).
			Str("side", string(action)).
			Str("type", string(optType)).
			Float64("strike", strike).
			Time("expiry", expiry).
			Float64("premium", premium).
			Msg("")
		legs = append(legs, leg)
		premiums = append(premiums, premium)
	}

	return legs, nil
}

// ResolveStrike converts a strike expression into a strike, rounded to
// interval. Only rules that need no volatility are accepted:
//
//   - ATM
//   - ATM:+10, ATM:-5%
//   - ABS:600
//   - {LEG1.STRIKE}+10
func ResolveStrike(strikeExpr string, spot, interval float64, legs []OptionLeg) (float64, error) {
	rc := strikeContext{spot: spot, interval: interval, legs: legs}
	return rc.resolve(strikeExpr)
}

type strikeContext struct {
	spot     float64
	interval float64
	legs     []OptionLeg
	premiums []float64

	optType  pricing.OptionType
	days     float64
	vol      float64
	hasVol   bool
	rate     float64
	dividend float64
}

func (rc strikeContext) resolve(strikeExpr string) (float64, error) {
	strikeExpr = strings.TrimSpace(strings.ToUpper(strikeExpr))
	logger.Dbg().Str("event", "resolve_strike").Str("expr", strikeExpr).Msg("")

	switch {
	case strikeExpr == "" || strikeExpr == "ATM":
		return RoundToInterval(rc.spot, rc.interval), nil

	case strings.HasPrefix(strikeExpr, "ATM:"):
		target, err := resolveATMOffset(strikeExpr[len("ATM:"):], rc.spot)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidStrikeExpression, strikeExpr, err)
		}
		return RoundToInterval(target, rc.interval), nil

	case strings.HasPrefix(strikeExpr, "ABS:"):
		abs, err := strconv.ParseFloat(strings.TrimSpace(strikeExpr[len("ABS:"):]), 64)
		if err != nil || abs <= 0 {
			return 0, fmt.Errorf("%w: %s", ErrInvalidStrikeExpression, strikeExpr)
		}
		return RoundToInterval(abs, rc.interval), nil

	case strings.HasPrefix(strikeExpr, "DELTA:"):
		deltaStr := strings.TrimPrefix(strikeExpr, "DELTA:")
		targetDelta, err := strconv.ParseFloat(strings.TrimSpace(deltaStr), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid DELTA value %q", ErrInvalidStrikeExpression, deltaStr)
		}
		if !rc.hasVol {
			return 0, fmt.Errorf("%w for DELTA rule", ErrMissingVolatility)
		}
		target, err := strikeFromDelta(rc.spot, targetDelta, rc.days, rc.vol, rc.rate, rc.dividend, rc.optType)
		if err != nil {
			return 0, err
		}
		return RoundToInterval(target, rc.interval), nil

	case strings.Contains(strikeExpr, "{LEG"):
		target, err := evaluateLegExpression(strikeExpr, rc.legs, rc.premiums)
		if err != nil {
			return 0, err
		}
		return RoundToInterval(target, rc.interval), nil
	}

	return 0, fmt.Errorf("%w: %s", ErrInvalidStrikeExpression, strikeExpr)
}

// RoundToInterval rounds price to the nearest multiple of interval.
// A non-positive interval leaves price unchanged.
func RoundToInterval(price, interval float64) float64 {
	if interval <= 0 {
		return price
	}
	return math.Round(price/interval) * interval
}

// resolveATMOffset applies an absolute or percentage offset to a price,
// rounded to cents.
func resolveATMOffset(offset string, asOfPrice float64) (float64, error) {
	offset = strings.TrimSpace(offset)
	if strings.HasSuffix(offset, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(offset, "%"), 64)
		if err != nil {
			return 0, err
		}
		return math.Round((asOfPrice+asOfPrice*pct/100)*100) / 100, nil
	}

	abs, err := strconv.ParseFloat(offset, 64)
	if err != nil {
		return 0, err
	}
	return math.Round((asOfPrice+abs)*100) / 100, nil
}

// strikeFromDelta inverts the Black-Scholes delta. delta is the absolute
// delta, either as a fraction (0.30) or in points (30).
func strikeFromDelta(spot, delta, days, sigma, rate, div float64, optType pricing.OptionType) (float64, error) {
	if delta > 1 {
		delta /= 100
	}
	t := pricing.YearFraction(days)
	if !(delta > 0 && delta < 1) || t <= 0 || sigma <= 0 {
		return 0, fmt.Errorf("%w: delta %v with %v days to expiry", ErrInvalidStrikeExpression, delta, days)
	}

	// call delta = e^(-qt)Φ(d1), put delta = -e^(-qt)Φ(-d1)
	n := delta * math.Exp(div*t)
	if n >= 1 {
		return 0, fmt.Errorf("%w: delta %v unreachable", ErrInvalidStrikeExpression, delta)
	}
	d1 := pricing.NormInv(n)
	if optType == pricing.Put {
		d1 = -d1
	}
	volT := sigma * math.Sqrt(t)
	return spot * math.Exp(-(d1*volT - (rate-div+0.5*sigma*sigma)*t)), nil
}

var legRefPattern = regexp.MustCompile(`\{LEG(\d+)\.(STRIKE|PREMIUM)\}`)

// evaluateLegExpression evaluates expressions referencing prior legs, e.g.
// {LEG1.STRIKE}+{LEG1.PREMIUM}.
func evaluateLegExpression(expr string, legs []OptionLeg, premiums []float64) (float64, error) {
	matches := legRefPattern.FindAllStringSubmatch(expr, -1)
	if matches == nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidStrikeExpression, expr)
	}

	evalStr := expr
	for _, match := range matches {
		idx, _ := strconv.Atoi(match[1])
		idx-- // LEG1 -> index 0

		if idx < 0 || idx >= len(legs) {
			return 0, fmt.Errorf("%w: %s", ErrLegIndexOutOfRange, match[0])
		}

		var value float64
		if match[2] == "STRIKE" {
			value = legs[idx].Strike
		} else {
			if idx >= len(premiums) || math.IsNaN(premiums[idx]) {
				return 0, fmt.Errorf("%w: premium of leg %d", ErrMissingVolatility, idx+1)
			}
			value = premiums[idx]
		}

		evalStr = strings.Replace(evalStr, match[0], strconv.FormatFloat(value, 'f', -1, 64), 1)
	}

	evalExpr, err := govaluate.NewEvaluableExpression(evalStr)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidStrikeExpression, expr, err)
	}

	result, err := evalExpr.Evaluate(nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidStrikeExpression, expr, err)
	}

	f, ok := result.(float64)
	if !ok || math.IsNaN(f) || f <= 0 {
		return 0, fmt.Errorf("%w: %s evaluated to %v", ErrInvalidStrikeExpression, expr, result)
	}
	return f, nil
}
