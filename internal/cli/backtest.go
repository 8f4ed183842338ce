package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/contactkeval/option-lab/internal/backtest/engine"
	st "github.com/contactkeval/option-lab/internal/backtest/strategy"
	"github.com/contactkeval/option-lab/internal/logger"
	"github.com/contactkeval/option-lab/internal/report"
)

const dateLayout = "2006-01-02"

func newBacktestCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Backtest the configured strategy from one entry date",
		Long: `Plan the configured strategy on the entry date and value it every trading
day until the exit date, an exit rule, or the last leg expiry.`,
		Example: `  option-lab backtest --config strategies/straddle.yaml
  option-lab backtest --config strategies/straddle.yaml --entry 2024-01-02 --exit 2024-01-19`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			prov, err := app.Provider()
			if err != nil {
				return err
			}

			eng := engine.NewEngine(&app.Config.Config, prov, engine.WithProgress(cmd.ErrOrStderr()))
			res, err := eng.Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("backtest failed: %w", err)
			}

			if s, err := app.Store(); err != nil {
				return err
			} else if s != nil {
				id, err := s.SaveBacktest(cmd.Context(), app.Config.Config, res)
				if err != nil {
					return err
				}
				logger.Infof("saved run %d", id)
			}
			if dir := app.Config.ReportDir; dir != "" {
				paths, err := report.WriteBacktest(res, dir)
				if err != nil {
					return fmt.Errorf("writing report: %w", err)
				}
				logger.Infof("wrote %s", strings.Join(paths, ", "))
			}

			if output.IsJSON() {
				return output.JSON(res)
			}
			printBacktest(output, res)
			return nil
		},
	}
	cmd.Flags().String("underlying", "", "underlying ticker")
	cmd.Flags().String("entry", "", "entry date (YYYY-MM-DD)")
	cmd.Flags().String("exit", "", "exit date (YYYY-MM-DD), default last leg expiry")
	cmd.Flags().String("pop", "", "probability of profit reference: strike or breakeven")
	cmd.Flags().Bool("pop-scaled", false, "scale probability of profit volatility by the square root of time to expiry")
	cmd.Flags().String("report-dir", "", "write JSON and CSV reports here, empty to skip")
	return cmd
}

func newPayoffCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payoff",
		Short: "Analyze the payoff of the configured strategy on the entry date",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			prov, err := app.Provider()
			if err != nil {
				return err
			}

			p, err := engine.NewEngine(&app.Config.Config, prov, engine.WithProgress(nil)).Payoff(cmd.Context())
			if err != nil {
				return fmt.Errorf("payoff failed: %w", err)
			}
			if dir := app.Config.ReportDir; dir != "" {
				if _, err := report.WritePayoff(p, dir); err != nil {
					return fmt.Errorf("writing report: %w", err)
				}
			}

			if output.IsJSON() {
				return output.JSON(p)
			}
			printPayoff(output, p)
			return nil
		},
	}
	cmd.Flags().String("underlying", "", "underlying ticker")
	cmd.Flags().String("entry", "", "analysis date (YYYY-MM-DD)")
	cmd.Flags().String("pop", "", "probability of profit reference: strike or breakeven")
	cmd.Flags().Bool("pop-scaled", false, "scale probability of profit volatility by the square root of time to expiry")
	cmd.Flags().String("report-dir", "", "write JSON and CSV reports here, empty to skip")
	return cmd
}

func printBacktest(o *Output, res *engine.Result) {
	s := res.Summary
	o.Bold("%s  %s to %s", res.Ticker, s.EntryDate.Format(dateLayout), s.ExitDate.Format(dateLayout))
	for _, l := range res.Legs {
		o.Dim("  %s", l)
	}
	o.Row("Cost basis", report.Money(s.CostBasis))
	o.Row("Residual value", report.Money(s.ResidualValue))
	o.Row("P&L", o.Signed(s.PnL, report.Money(s.PnL)))
	o.Row("P&L per day", report.Money(s.PnLPerDay))
	o.Row("Return on capital", o.Signed(s.ReturnOnCapital, report.Pct(s.ReturnOnCapital)))
	o.Row("Duration", fmt.Sprintf("%d days", s.DurationDays))
	o.Row("Exit reason", s.ExitReason)
	o.Row("High / Low", report.Money(res.Stats.High)+" / "+report.Money(res.Stats.Low))
	o.Row("Max drawdown", report.Money(res.Stats.MaxDrawdown))
	o.Row("Sharpe", fmt.Sprintf("%.2f", res.Stats.Sharpe))
	if res.Payoff != nil {
		o.Row("Breakevens", formatPrices(res.Payoff.Breakevens))
	}
	if s.Win {
		o.Success("WIN")
	} else {
		o.Error("LOSS")
	}
}

func printPayoff(o *Output, p *st.PayoffProfile) {
	o.Bold("Payoff on %s, spot %s", p.Date.Format(dateLayout), report.Price(p.Spot))
	for _, l := range p.Legs {
		be := "none"
		if l.Breakeven != nil {
			be = report.Price(*l.Breakeven)
		}
		o.Printf("  %-40s price %s  breakeven %s  PoP %s\n",
			l.Leg, report.Price(l.TheoreticalPrice), be, report.Pct(l.ProbabilityOfProfit))
	}
	o.Row("Net price", report.Price(p.NetPrice))
	o.Row("Breakevens", formatPrices(p.Breakevens))
	o.Row("Max profit", o.Signed(p.MaxProfit, report.Price(p.MaxProfit)))
	o.Row("Max loss", o.Signed(p.MaxLoss, report.Price(p.MaxLoss)))
	if n := len(p.Grid); n > 0 {
		o.Dim("  over spots %s to %s", report.Price(p.Grid[0]), report.Price(p.Grid[n-1]))
	}
}

func formatPrices(xs []float64) string {
	if len(xs) == 0 {
		return "none"
	}
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = report.Price(x)
	}
	return strings.Join(out, ", ")
}
