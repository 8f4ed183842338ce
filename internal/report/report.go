// Package report writes backtest, replay and payoff results to disk as
// indented JSON and CSV.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"

	"github.com/contactkeval/option-lab/internal/backtest/engine"
	st "github.com/contactkeval/option-lab/internal/backtest/strategy"
	"github.com/contactkeval/option-lab/internal/logger"
)

const dateLayout = "2006-01-02"

type dailyRow struct {
	Date             string `csv:"date"`
	Spot             string `csv:"spot"`
	Value            string `csv:"value"`
	PnL              string `csv:"pnl"`
	HPR              string `csv:"hpr"`
	UnderlyingReturn string `csv:"underlying_return"`
}

type payoffRow struct {
	Spot     string `csv:"spot"`
	AtExpiry string `csv:"payoff_at_expiry"`
	Now      string `csv:"payoff_now"`
}

type tradeRow struct {
	ID           int    `csv:"id"`
	EntryDate    string `csv:"entry_date"`
	ExitDate     string `csv:"exit_date"`
	DurationDays int    `csv:"duration_days"`
	CostBasis    string `csv:"cost_basis"`
	Residual     string `csv:"residual_value"`
	PnL          string `csv:"pnl"`
	ROC          string `csv:"roc"`
	Win          bool   `csv:"win"`
	ExitReason   string `csv:"exit_reason"`
	MaxDrawdown  string `csv:"max_drawdown"`
	Legs         string `csv:"legs_json"`
	Error        string `csv:"error"`
}

// Money formats contract money to cents.
func Money(x float64) string { return decimal.NewFromFloat(x).StringFixed(2) }

// Price formats a per-share premium or spot.
func Price(x float64) string { return decimal.NewFromFloat(x).StringFixed(4) }

// Pct formats a decimal ratio as a percentage.
func Pct(x float64) string {
	return decimal.NewFromFloat(x).Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}

// WriteJSON writes v to outdir/name as indented JSON and returns the path.
func WriteJSON(v any, outdir, name string) (string, error) {
	if err := os.MkdirAll(outdir, 0o755); err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(outdir, name)
	if err := os.WriteFile(path, b, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// WriteBacktest writes backtest.json, daily.csv and, when present,
// payoff.csv. It returns the written paths.
func WriteBacktest(res *engine.Result, outdir string) ([]string, error) {
	if res == nil {
		return nil, fmt.Errorf("write backtest: nil result")
	}
	jsonPath, err := WriteJSON(res, outdir, "backtest.json")
	if err != nil {
		return nil, err
	}
	paths := []string{jsonPath}

	dailyPath, err := WriteDailyCSV(res, outdir)
	if err != nil {
		return paths, err
	}
	paths = append(paths, dailyPath)

	if res.Payoff != nil {
		p, err := WritePayoffCSV(res.Payoff, outdir)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	logger.Dbg().Str("event", "report_written").Strs("paths", paths).Msg("")
	return paths, nil
}

// WriteReplay writes replay.json and trades.csv.
func WriteReplay(res *engine.ReplayResult, outdir string) ([]string, error) {
	if res == nil {
		return nil, fmt.Errorf("write replay: nil result")
	}
	jsonPath, err := WriteJSON(res, outdir, "replay.json")
	if err != nil {
		return nil, err
	}
	csvPath, err := WriteTradesCSV(res.Trades, outdir)
	if err != nil {
		return []string{jsonPath}, err
	}
	return []string{jsonPath, csvPath}, nil
}

// WritePayoff writes payoff.json and payoff.csv for a standalone analysis.
func WritePayoff(p *st.PayoffProfile, outdir string) ([]string, error) {
	if p == nil {
		return nil, fmt.Errorf("write payoff: nil profile")
	}
	jsonPath, err := WriteJSON(p, outdir, "payoff.json")
	if err != nil {
		return nil, err
	}
	csvPath, err := WritePayoffCSV(p, outdir)
	if err != nil {
		return []string{jsonPath}, err
	}
	return []string{jsonPath, csvPath}, nil
}

// WriteDailyCSV writes one row per simulated day. pnl is in contract money
// against the entry value.
func WriteDailyCSV(res *engine.Result, outdir string) (string, error) {
	rows := make([]*dailyRow, 0, len(res.Daily))
	var v0 float64
	if len(res.Daily) > 0 {
		v0 = res.Daily[0].Value
	}
	for _, d := range res.Daily {
		rows = append(rows, &dailyRow{
			Date:             d.Date.Format(dateLayout),
			Spot:             Price(d.Spot),
			Value:            Price(d.Value),
			PnL:              Money(engine.ContractMultiplier * (d.Value - v0)),
			HPR:              Price(d.HoldingPeriodReturn),
			UnderlyingReturn: Price(d.UnderlyingReturn),
		})
	}
	return writeCSV(&rows, outdir, "daily.csv")
}

// WritePayoffCSV writes the net per-share payoff at each grid spot.
func WritePayoffCSV(p *st.PayoffProfile, outdir string) (string, error) {
	rows := make([]*payoffRow, 0, len(p.Grid))
	for i, s := range p.Grid {
		row := &payoffRow{Spot: Price(s)}
		if i < len(p.NetPayoffAtExpiry) {
			row.AtExpiry = Price(p.NetPayoffAtExpiry[i])
		}
		if i < len(p.NetPayoffNow) {
			row.Now = Price(p.NetPayoffNow[i])
		}
		rows = append(rows, row)
	}
	return writeCSV(&rows, outdir, "payoff.csv")
}

// WriteTradesCSV writes one row per replay trade, failed trades included.
func WriteTradesCSV(trades []engine.Trade, outdir string) (string, error) {
	rows := make([]*tradeRow, 0, len(trades))
	for _, t := range trades {
		legsJSON, _ := json.Marshal(t.Legs)
		row := &tradeRow{
			ID:        t.ID,
			EntryDate: t.EntryDate.Format(dateLayout),
			Legs:      string(legsJSON),
			Error:     t.Error,
		}
		if r := t.Result; r != nil {
			s := r.Summary
			row.ExitDate = s.ExitDate.Format(dateLayout)
			row.DurationDays = s.DurationDays
			row.CostBasis = Money(s.CostBasis)
			row.Residual = Money(s.ResidualValue)
			row.PnL = Money(s.PnL)
			row.ROC = Price(s.ReturnOnCapital)
			row.Win = s.Win
			row.ExitReason = s.ExitReason
			row.MaxDrawdown = Money(r.Stats.MaxDrawdown)
		}
		rows = append(rows, row)
	}
	return writeCSV(&rows, outdir, "trades.csv")
}

func writeCSV(rows any, outdir, name string) (string, error) {
	if err := os.MkdirAll(outdir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(outdir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := gocsv.MarshalFile(rows, f); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}
