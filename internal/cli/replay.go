package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/contactkeval/option-lab/internal/backtest/engine"
	"github.com/contactkeval/option-lab/internal/logger"
	"github.com/contactkeval/option-lab/internal/report"
)

func newReplayCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Backtest the configured strategy on every scheduled entry date",
		Long: `Resolve entry dates from the entry rules (daily, expiry_offset, nth_weekday
or nth_month_day) and run one backtest per date in parallel. Failed trades are
reported and do not stop the replay.`,
		Example: `  option-lab replay --config strategies/iron_condor.yaml --start 2023-01-01 --end 2023-12-31
  option-lab replay --config strategies/straddle.yaml --mode nth_weekday --hold-days 14 --max-trades 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			prov, err := app.Provider()
			if err != nil {
				return err
			}

			eng := engine.NewEngine(&app.Config.Config, prov, engine.WithProgress(cmd.ErrOrStderr()))
			res, err := eng.Replay(cmd.Context())
			if err != nil {
				return fmt.Errorf("replay failed: %w", err)
			}

			if s, err := app.Store(); err != nil {
				return err
			} else if s != nil {
				id, err := s.SaveReplay(cmd.Context(), app.Config.Config, res)
				if err != nil {
					return err
				}
				logger.Infof("saved run %d", id)
			}
			if dir := app.Config.ReportDir; dir != "" {
				paths, err := report.WriteReplay(res, dir)
				if err != nil {
					return fmt.Errorf("writing report: %w", err)
				}
				logger.Infof("wrote %s", strings.Join(paths, ", "))
			}

			if output.IsJSON() {
				return output.JSON(res)
			}
			printReplay(output, res)
			return nil
		},
	}
	cmd.Flags().String("underlying", "", "underlying ticker")
	cmd.Flags().String("start", "", "first entry date (YYYY-MM-DD)")
	cmd.Flags().String("end", "", "last entry date (YYYY-MM-DD)")
	cmd.Flags().String("mode", "", "entry mode: daily, expiry_offset, nth_weekday, nth_month_day")
	cmd.Flags().Int("hold-days", 0, "calendar days each trade is held, 0 holds to the last expiry")
	cmd.Flags().Int("max-trades", 0, "stop after this many entries, 0 for all")
	cmd.Flags().Int("workers", 0, "trades run in parallel")
	cmd.Flags().String("pop", "", "probability of profit reference: strike or breakeven")
	cmd.Flags().Bool("pop-scaled", false, "scale probability of profit volatility by the square root of time to expiry")
	cmd.Flags().String("report-dir", "", "write JSON and CSV reports here, empty to skip")
	return cmd
}

func printReplay(o *Output, res *engine.ReplayResult) {
	s := res.Summary
	o.Bold("%s replay: %d trades, %d completed, %d failed", res.Underlying, s.Trades, s.Completed, s.Failed)
	o.Printf("  %-4s %-10s %-10s %12s %10s  %s\n", "ID", "ENTRY", "EXIT", "P&L", "ROC", "EXIT REASON")
	for _, tr := range res.Trades {
		if tr.Result == nil {
			o.Printf("  %-4d %-10s ", tr.ID, tr.EntryDate.Format(dateLayout))
			o.Error("failed: %s", tr.Error)
			continue
		}
		sum := tr.Result.Summary
		o.Printf("  %-4d %-10s %-10s %12s %10s  %s\n", tr.ID,
			sum.EntryDate.Format(dateLayout), sum.ExitDate.Format(dateLayout),
			o.Signed(sum.PnL, report.Money(sum.PnL)), report.Pct(sum.ReturnOnCapital), sum.ExitReason)
	}
	o.Row("Win rate", report.Pct(s.WinRate))
	o.Row("Total P&L", o.Signed(s.TotalPnL, report.Money(s.TotalPnL)))
	o.Row("Average P&L", report.Money(s.AvgPnL))
	o.Row("Average ROC", report.Pct(s.AvgROC))
	o.Row("Average P&L/day", report.Money(s.AvgPnLPerDay))
	o.Row("Worst drawdown", report.Money(s.WorstDrawdown))
}
