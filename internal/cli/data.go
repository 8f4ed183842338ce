package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/contactkeval/option-lab/internal/api"
	"github.com/contactkeval/option-lab/internal/backtest/scheduler"
	"github.com/contactkeval/option-lab/internal/report"
)

func newExpirationsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expirations",
		Short: "List option expirations of the underlying",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			prov, err := app.Provider()
			if err != nil {
				return err
			}

			cfg := app.Config
			start, end := cfg.Entry.Start, cfg.Entry.End
			if start.IsZero() {
				start = scheduler.Day(time.Now().UTC())
			}
			if end.IsZero() {
				end = start.AddDate(0, 3, 0)
			}
			dates, err := prov.GetExpirationDates(cmd.Context(), cfg.Underlying, start, end, cfg.ExpiryCycle)
			if err != nil {
				return fmt.Errorf("expirations: %w", err)
			}

			if output.IsJSON() {
				out := make([]string, len(dates))
				for i, d := range dates {
					out[i] = d.Format(dateLayout)
				}
				return output.JSON(map[string]any{"underlying": cfg.Underlying, "expirations": out})
			}
			output.Bold("%s expirations %s to %s", cfg.Underlying, start.Format(dateLayout), end.Format(dateLayout))
			for _, d := range dates {
				output.Printf("  %s %s\n", d.Format(dateLayout), d.Weekday().String()[:3])
			}
			if len(dates) == 0 {
				output.Warning("none")
			}
			return nil
		},
	}
	cmd.Flags().String("underlying", "", "underlying ticker")
	cmd.Flags().String("start", "", "first date (YYYY-MM-DD), default today")
	cmd.Flags().String("end", "", "last date (YYYY-MM-DD), default three months after start")
	cmd.Flags().String("cycle", "", "expiry cycle: monthly or weekly")
	return cmd
}

func newRunsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List saved runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			s, err := app.Store()
			if err != nil {
				return err
			}
			if s == nil {
				return fmt.Errorf("no database configured, set db_path or --db")
			}

			limit, _ := cmd.Flags().GetInt("limit")
			underlying, _ := cmd.Flags().GetString("underlying")
			underlying = strings.ToUpper(underlying)
			runs, err := s.ListRuns(cmd.Context(), underlying, limit)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(runs)
			}
			output.Printf("  %-5s %-9s %-6s %-10s %-10s %6s %12s %8s\n", "ID", "KIND", "TICKER", "ENTRY", "EXIT", "TRADES", "P&L", "WIN%")
			for _, r := range runs {
				output.Printf("  %-5d %-9s %-6s %-10s %-10s %6d %12s %8s\n", r.ID, r.Kind, r.Underlying,
					r.EntryDate.Format(dateLayout), r.ExitDate.Format(dateLayout), r.Trades,
					output.Signed(r.PnL, report.Money(r.PnL)), report.Pct(r.WinRate))
			}
			return nil
		},
	}
	cmd.Flags().String("underlying", "", "only runs of this underlying")
	cmd.Flags().Int("limit", 20, "maximum runs listed")
	return cmd
}

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve backtests over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			prov, err := app.Provider()
			if err != nil {
				return err
			}
			var opts []api.Option
			s, err := app.Store()
			if err != nil {
				return err
			}
			if s != nil {
				opts = append(opts, api.WithStore(s))
			}

			srv := app.Config.Server
			server := api.NewServer(app.Config.Config, prov, opts...)
			return server.Start(cmd.Context(), srv.Addr, srv.ReadTimeout, srv.WriteTimeout)
		},
	}
	cmd.Flags().String("addr", "", "listen address, default :8080")
	return cmd
}
