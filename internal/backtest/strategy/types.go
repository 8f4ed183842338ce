package strategy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/contactkeval/option-lab/internal/backtest/scheduler"
	"github.com/contactkeval/option-lab/internal/pricing"
)

// Typed errors allow callers and tests to detect failure categories
// without string matching.
var (
	ErrInvalidMarketInput      = errors.New("invalid market input")
	ErrInvalidDateRange        = errors.New("invalid date range")
	ErrEmptyStrategy           = errors.New("strategy has no legs")
	ErrInvalidLeg              = errors.New("invalid option leg")
	ErrMissingVolatility       = errors.New("missing implied volatility")
	ErrInvalidStrikeExpression = errors.New("invalid strike expression")
	ErrLegIndexOutOfRange      = errors.New("leg index out of range")
	ErrNoExpiration            = errors.New("no matching expiration")
)

// ValuationError attaches the leg index and date to a valuation failure.
type ValuationError struct {
	Leg  int // zero-based
	Date time.Time
	Err  error
}

func (e *ValuationError) Error() string {
	return fmt.Sprintf("leg %d on %s: %v", e.Leg+1, e.Date.Format("2006-01-02"), e.Err)
}

func (e *ValuationError) Unwrap() error { return e.Err }

// Action is the direction of a leg.
type Action string

const (
	Long  Action = "long"
	Short Action = "short"
)

// ParseAction accepts long/buy/b and short/sell/s in any case. An empty
// string is Long.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "long", "buy", "b":
		return Long, nil
	case "short", "sell", "s":
		return Short, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Sign is +1 for Long and -1 for Short.
func (a Action) Sign() float64 {
	if a == Short {
		return -1
	}
	return 1
}

// Valid reports whether a is Long or Short.
func (a Action) Valid() bool { return a == Long || a == Short }

// OptionLeg is one European option position. It is never mutated once a
// strategy is built.
type OptionLeg struct {
	Strike float64            `json:"strike"`
	Type   pricing.OptionType `json:"type"`
	Action Action             `json:"action"`
	Expiry time.Time          `json:"expiry"`
	Qty    int                `json:"qty,omitempty"` // contracts, 0 means 1
}

// Quantity returns the contract count, at least 1.
func (l OptionLeg) Quantity() int {
	if l.Qty < 1 {
		return 1
	}
	return l.Qty
}

// Weight is the signed quantity used when summing legs.
func (l OptionLeg) Weight() float64 {
	return l.Action.Sign() * float64(l.Quantity())
}

// Validate checks the leg on its own.
func (l OptionLeg) Validate() error {
	switch {
	case !(l.Strike > 0):
		return fmt.Errorf("%w: strike %v", ErrInvalidLeg, l.Strike)
	case !l.Type.Valid():
		return fmt.Errorf("%w: option type %q", ErrInvalidLeg, l.Type)
	case !l.Action.Valid():
		return fmt.Errorf("%w: action %q", ErrInvalidLeg, l.Action)
	case l.Expiry.IsZero():
		return fmt.Errorf("%w: missing expiry", ErrInvalidLeg)
	}
	return nil
}

func (l OptionLeg) String() string {
	return fmt.Sprintf("%s %s %.2f %s", l.Action, l.Type, l.Strike, l.Expiry.Format("2006-01-02"))
}

// Strategy is an ordered set of legs on one underlying, entered and exited
// together.
type Strategy struct {
	Ticker string      `json:"ticker"`
	Entry  time.Time   `json:"entry"`
	Exit   time.Time   `json:"exit"`
	Legs   []OptionLeg `json:"legs"`
}

// NewStrategy builds and validates a strategy.
func NewStrategy(ticker string, entry, exit time.Time, legs ...OptionLeg) (*Strategy, error) {
	s := &Strategy{
		Ticker: strings.ToUpper(strings.TrimSpace(ticker)),
		Entry:  entry,
		Exit:   exit,
		Legs:   append([]OptionLeg(nil), legs...),
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate reports ErrEmptyStrategy, ErrInvalidLeg or ErrInvalidDateRange.
// Dates are compared by calendar day.
func (s *Strategy) Validate() error {
	if len(s.Legs) == 0 {
		return ErrEmptyStrategy
	}
	entry, exit := scheduler.Day(s.Entry), scheduler.Day(s.Exit)
	if exit.Before(entry) {
		return fmt.Errorf("%w: exit %s before entry %s", ErrInvalidDateRange,
			exit.Format("2006-01-02"), entry.Format("2006-01-02"))
	}
	for i, l := range s.Legs {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("leg %d: %w", i+1, err)
		}
		if scheduler.Day(l.Expiry).Before(entry) {
			return fmt.Errorf("leg %d: %w: expiry %s before entry %s", i+1, ErrInvalidDateRange,
				l.Expiry.Format("2006-01-02"), entry.Format("2006-01-02"))
		}
	}
	return nil
}

// OptionTypes lists the distinct option types across legs, in leg order.
func (s *Strategy) OptionTypes() []pricing.OptionType {
	var out []pricing.OptionType
	seen := map[pricing.OptionType]bool{}
	for _, l := range s.Legs {
		if !seen[l.Type] {
			seen[l.Type] = true
			out = append(out, l.Type)
		}
	}
	return out
}

// Strikes returns the strike of every leg, in leg order.
func (s *Strategy) Strikes() []float64 {
	out := make([]float64, len(s.Legs))
	for i, l := range s.Legs {
		out[i] = l.Strike
	}
	return out
}

// LastExpiry is the latest leg expiry.
func (s *Strategy) LastExpiry() time.Time {
	var last time.Time
	for _, l := range s.Legs {
		if l.Expiry.After(last) {
			last = l.Expiry
		}
	}
	return last
}
