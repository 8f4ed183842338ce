package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/contactkeval/option-lab/internal/backtest/engine"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is a saved run without its full result.
type RunSummary struct {
	ID              uint      `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	Kind            string    `json:"kind"`
	Underlying      string    `json:"underlying"`
	EntryDate       time.Time `json:"entry_date"`
	ExitDate        time.Time `json:"exit_date"`
	Legs            int       `json:"legs"`
	Trades          int       `json:"trades"`
	CostBasis       float64   `json:"cost_basis"`
	PnL             float64   `json:"pnl"`
	ReturnOnCapital float64   `json:"return_on_capital"`
	WinRate         float64   `json:"win_rate"`
	Win             bool      `json:"win"`
	ExitReason      string    `json:"exit_reason,omitempty"`
}

func (r *DBRun) summary() RunSummary {
	return RunSummary{
		ID:              r.ID,
		CreatedAt:       r.CreatedAt,
		Kind:            r.Kind,
		Underlying:      r.Underlying,
		EntryDate:       r.EntryDate,
		ExitDate:        r.ExitDate,
		Legs:            r.Legs,
		Trades:          r.Trades,
		CostBasis:       r.CostBasis,
		PnL:             r.PnL,
		ReturnOnCapital: r.ReturnOnCapital,
		WinRate:         r.WinRate,
		Win:             r.Win,
		ExitReason:      r.ExitReason,
	}
}

// SaveBacktest stores a single backtest and returns its id.
func (s *Store) SaveBacktest(ctx context.Context, cfg engine.Config, res *engine.Result) (uint, error) {
	if res == nil {
		return 0, fmt.Errorf("save backtest: nil result")
	}
	sum := res.Summary
	run := &DBRun{
		Kind:            "backtest",
		Underlying:      res.Ticker,
		EntryDate:       sum.EntryDate,
		ExitDate:        sum.ExitDate,
		Legs:            len(res.Legs),
		Trades:          1,
		CostBasis:       sum.CostBasis,
		ResidualValue:   sum.ResidualValue,
		PnL:             sum.PnL,
		ReturnOnCapital: sum.ReturnOnCapital,
		Win:             sum.Win,
		ExitReason:      sum.ExitReason,
	}
	if sum.Win {
		run.WinRate = 1
	}
	return s.saveRun(ctx, run, cfg, res)
}

// SaveReplay stores a replay and returns its id.
func (s *Store) SaveReplay(ctx context.Context, cfg engine.Config, res *engine.ReplayResult) (uint, error) {
	if res == nil {
		return 0, fmt.Errorf("save replay: nil result")
	}
	run := &DBRun{
		Kind:            "replay",
		Underlying:      res.Underlying,
		Legs:            len(cfg.Strategy.Legs),
		Trades:          res.Summary.Trades,
		PnL:             res.Summary.TotalPnL,
		ReturnOnCapital: res.Summary.AvgROC,
		WinRate:         res.Summary.WinRate,
	}
	if n := len(res.Trades); n > 0 {
		run.EntryDate = res.Trades[0].EntryDate
		run.ExitDate = res.Trades[n-1].EntryDate
		for _, tr := range res.Trades {
			if tr.Result != nil && tr.Result.Summary.ExitDate.After(run.ExitDate) {
				run.ExitDate = tr.Result.Summary.ExitDate
			}
		}
	}
	return s.saveRun(ctx, run, cfg, res)
}

func (s *Store) saveRun(ctx context.Context, run *DBRun, cfg engine.Config, result any) (uint, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("encode config: %w", err)
	}
	resJSON, err := json.Marshal(result)
	if err != nil {
		return 0, fmt.Errorf("encode result: %w", err)
	}
	run.Config, run.Result = string(cfgJSON), string(resJSON)

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return 0, fmt.Errorf("failed to save run: %w", err)
	}
	return run.ID, nil
}

// ListRuns returns the newest runs first, optionally for one underlying.
// limit <= 0 returns up to 100.
func (s *Store) ListRuns(ctx context.Context, underlying string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Model(&DBRun{})
	if underlying != "" {
		q = q.Where("underlying = ?", underlying)
	}

	var runs []DBRun
	if err := q.Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	out := make([]RunSummary, len(runs))
	for i := range runs {
		out[i] = runs[i].summary()
	}
	return out, nil
}

// GetRun returns a run summary with its stored JSON result.
func (s *Store) GetRun(ctx context.Context, id uint) (*RunSummary, json.RawMessage, error) {
	var run DBRun
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("%w: %d", ErrRunNotFound, id)
		}
		return nil, nil, fmt.Errorf("failed to get run: %w", err)
	}
	sum := run.summary()
	return &sum, json.RawMessage(run.Result), nil
}
