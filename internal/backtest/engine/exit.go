package engine

import (
	"fmt"
	"math"

	"github.com/contactkeval/option-lab/internal/backtest/scheduler"
	st "github.com/contactkeval/option-lab/internal/backtest/strategy"
)

// ExitSpec defines early exit rules. Nil fields are disabled.
type ExitSpec struct {
	ProfitTargetPct    *float64 `json:"profit_target_pct,omitempty" mapstructure:"profit_target_pct"`           // e.g. 50.0 for 50%
	StopLossPct        *float64 `json:"stop_loss_pct,omitempty" mapstructure:"stop_loss_pct"`                   // e.g. 30.0 for 30%
	UnderlyingMovePx   *float64 `json:"underlying_move_px,omitempty" mapstructure:"underlying_move_px"`         // e.g. 5.0 for $5 move
	MaxDaysInTrade     *int     `json:"max_days_in_trade,omitempty" mapstructure:"max_days_in_trade"`           // calendar days
	ExitByDaysToExpiry *int     `json:"exit_by_days_to_expiry,omitempty" mapstructure:"exit_by_days_to_expiry"` // exit when any leg has <= n days left
	CloseOnExpiry      bool     `json:"close_on_expiry,omitempty" mapstructure:"close_on_expiry"`               // exit once every leg has expired
}

// Enabled reports whether any rule is set.
func (x ExitSpec) Enabled() bool {
	return x.ProfitTargetPct != nil || x.StopLossPct != nil || x.UnderlyingMovePx != nil ||
		x.MaxDaysInTrade != nil || x.ExitByDaysToExpiry != nil || x.CloseOnExpiry
}

// checkExits returns the reason the position should close on curr, or ""
// when no rule triggers.
//
// Percent rules compare the value change to |entry value|, so for credits
// (negative entry value) profit is a move toward zero.
func checkExits(x ExitSpec, s *st.Strategy, open, curr DailyValue) string {
	change := curr.Value - open.Value
	base := math.Abs(open.Value)
	if base < 1e-9 {
		base = 1.0
	}
	changePct := change / base * 100.0

	if x.ProfitTargetPct != nil && *x.ProfitTargetPct >= 0 && changePct >= *x.ProfitTargetPct {
		return fmt.Sprintf("profit_target_%.2f%%", *x.ProfitTargetPct)
	}

	if x.StopLossPct != nil && changePct <= -*x.StopLossPct {
		return fmt.Sprintf("stop_loss_%.2f%%", *x.StopLossPct)
	}

	if x.UnderlyingMovePx != nil && math.Abs(curr.Spot-open.Spot) >= *x.UnderlyingMovePx {
		return fmt.Sprintf("underlying_move_%.2f", *x.UnderlyingMovePx)
	}

	if x.MaxDaysInTrade != nil && scheduler.DaysBetween(open.Date, curr.Date) >= *x.MaxDaysInTrade {
		return fmt.Sprintf("max_days_%d", *x.MaxDaysInTrade)
	}

	minDays := math.MaxInt32
	for _, leg := range s.Legs {
		if d := scheduler.DaysBetween(curr.Date, leg.Expiry); d < minDays {
			minDays = d
		}
	}

	if x.ExitByDaysToExpiry != nil && minDays <= *x.ExitByDaysToExpiry && minDays > 0 {
		return fmt.Sprintf("exit_%ddays_before_expiry", *x.ExitByDaysToExpiry)
	}

	if x.CloseOnExpiry && !curr.Date.Before(scheduler.Day(s.LastExpiry())) {
		return "expired"
	}
	return ""
}
