// Package cli provides the option-lab command-line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/contactkeval/option-lab/internal/config"
	"github.com/contactkeval/option-lab/internal/data"
	"github.com/contactkeval/option-lab/internal/logger"
	"github.com/contactkeval/option-lab/internal/store"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2025-11-02"
)

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"verbosity":  "verbosity",
	"underlying": "underlying",
	"entry":      "entry_date",
	"exit":       "exit_date",
	"start":      "entry.start",
	"end":        "entry.end",
	"mode":       "entry.mode",
	"hold-days":  "hold_days",
	"max-trades": "max_trades",
	"workers":    "workers",
	"cycle":      "expiry_cycle",
	"pop":        "pop_reference",
	"pop-scaled": "pop_time_scaled",
	"report-dir": "report_dir",
	"provider":   "provider.kind",
	"data-dir":   "provider.dir",
	"quote-iv":   "provider.quote_iv",
	"db":         "db_path",
	"cache":      "cache",
	"addr":       "server.addr",
}

// App holds the application dependencies, built once the command line is
// parsed.
type App struct {
	Config *config.Config

	prov  data.Provider
	store *store.Store
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{}

	rootCmd := &cobra.Command{
		Use:   "option-lab",
		Short: "Backtest European option strategies",
		Long: `option-lab values multi-leg European option strategies with Black-Scholes,
analyzes their payoff and replays them over historical or synthetic market data.

Configuration comes from --config (JSON, YAML or TOML), OPTLAB_* environment
variables and flags, in increasing precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config file (JSON, YAML or TOML)")
	rootCmd.PersistentFlags().Int("verbosity", int(logger.Info), "0=errors, 1=info, 2=debug, 3=trace")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().String("provider", "", "market data provider: synthetic, csv or massive")
	rootCmd.PersistentFlags().String("data-dir", "", "directory of the csv provider")
	rootCmd.PersistentFlags().Bool("quote-iv", false, "massive: implied volatility from front-month option closes")
	rootCmd.PersistentFlags().String("db", "", "SQLite database for saved runs and cached data")
	rootCmd.PersistentFlags().Bool("cache", false, "cache provider data in the database")

	rootCmd.AddCommand(
		newBacktestCmd(app),
		newPayoffCmd(app),
		newReplayCmd(app),
		newExpirationsCmd(app),
		newRunsCmd(app),
		newServeCmd(app),
		newVersionCmd(),
	)
	return rootCmd
}

func (app *App) load(cmd *cobra.Command) error {
	loader := config.NewLoader()
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := loader.BindFlag(key, f); err != nil {
				return err
			}
		}
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loader.Load(path)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logger()); err != nil {
		return err
	}
	app.Config = cfg
	return nil
}

// Store opens the run store, or returns nil when no database is set.
func (app *App) Store() (*store.Store, error) {
	if app.store != nil || app.Config.DBPath == "" {
		return app.store, nil
	}
	s, err := store.Open(app.Config.DBPath)
	if err != nil {
		return nil, err
	}
	app.store = s
	return s, nil
}

// Provider builds the configured data provider, behind the database cache
// when enabled.
func (app *App) Provider() (data.Provider, error) {
	if app.prov != nil {
		return app.prov, nil
	}
	prov, err := data.New(app.Config.Provider)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}
	if app.Config.Cache {
		s, err := app.Store()
		if err != nil {
			return nil, err
		}
		if s != nil {
			prov = store.NewCachedProvider(s, prov)
		}
	}
	logger.Dbg().Str("event", "provider_ready").Str("provider", prov.Name()).Msg("")
	app.prov = prov
	return prov, nil
}

// Close releases the store.
func (app *App) Close() error {
	if app.store == nil {
		return nil
	}
	err := app.store.Close()
	app.store = nil
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				_ = output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
				return
			}
			output.Printf("option-lab v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
		},
	}
}
