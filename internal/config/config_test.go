package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sch "github.com/contactkeval/option-lab/internal/backtest/scheduler"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "SPY", cfg.Underlying)
	assert.Equal(t, sch.Monthly, cfg.ExpiryCycle)
	assert.Equal(t, 0.01, cfg.RiskFreeRate)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "synthetic", cfg.Provider.Kind)
	assert.Equal(t, 20, cfg.Provider.HVWindow)
	assert.False(t, cfg.Provider.QuoteIV)
	assert.False(t, cfg.PoPTimeScaled)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.Log.Console)
	assert.True(t, cfg.EntryDate.IsZero())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "iron_condor.yaml", `
underlying: spy
entry_date: "2025-01-02"
exit_date: "2025-02-21"
expiry_cycle: weekly
dividend_yield: 0.013
strategy:
  dte: 45
  date_match_type: nearest
  strategy:
    - {side: sell, option_type: put, strike_rule: "ATM:-5%"}
    - {side: buy, option_type: put, strike_rule: "{LEG1.STRIKE}-5"}
exit:
  profit_target_pct: 50
  exit_by_days_to_expiry: 7
entry:
  start: "2024-01-01"
  end: "2024-12-31"
  mode: nth_weekday
  nth_list: [1, 3]
provider:
  kind: csv
  dir: ./testdata
  fallback:
    kind: synthetic
    seed: 9
server:
  read_timeout: 10s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "SPY", cfg.Underlying)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), cfg.EntryDate)
	assert.Equal(t, time.Date(2025, 2, 21, 0, 0, 0, 0, time.UTC), cfg.ExitDate)
	assert.Equal(t, sch.Weekly, cfg.ExpiryCycle)
	assert.Equal(t, 0.013, cfg.DividendYield)

	assert.Equal(t, 45, cfg.Strategy.DaysToExpiry)
	assert.Equal(t, sch.MatchNearest, cfg.Strategy.DateMatchType)
	require.Len(t, cfg.Strategy.Legs, 2)
	assert.Equal(t, "sell", cfg.Strategy.Legs[0].Side)
	assert.Equal(t, "{LEG1.STRIKE}-5", cfg.Strategy.Legs[1].StrikeRule)

	require.NotNil(t, cfg.Exit.ProfitTargetPct)
	assert.Equal(t, 50.0, *cfg.Exit.ProfitTargetPct)
	require.NotNil(t, cfg.Exit.ExitByDaysToExpiry)
	assert.Equal(t, 7, *cfg.Exit.ExitByDaysToExpiry)
	assert.Nil(t, cfg.Exit.StopLossPct)

	assert.Equal(t, "nth_weekday", cfg.Entry.Mode)
	assert.Equal(t, []int{1, 3}, cfg.Entry.NthList)
	assert.Equal(t, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), cfg.Entry.End)

	assert.Equal(t, "csv", cfg.Provider.Kind)
	require.NotNil(t, cfg.Provider.Fallback)
	assert.Equal(t, uint64(9), cfg.Provider.Fallback.Seed)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "straddle.json", `{
  "underlying": "QQQ",
  "entry_date": "2024-03-01T00:00:00Z",
  "strategy": {"dte": 30, "strategy": [{"strike_rule": "ATM"}, {"option_type": "put", "strike_rule": "ATM"}]},
  "max_trades": 3
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "QQQ", cfg.Underlying)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), cfg.EntryDate)
	assert.Equal(t, 3, cfg.MaxTrades)
	assert.Len(t, cfg.Strategy.Legs, 2)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OPTLAB_UNDERLYING", "iwm")
	t.Setenv("OPTLAB_PROVIDER_KIND", "massive")
	t.Setenv("POLYGON_API_KEY", "secret")
	t.Setenv("OPTLAB_ENTRY_DATE", "2024-05-01")
	t.Setenv("OPTLAB_LOG_CONSOLE", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "IWM", cfg.Underlying)
	assert.Equal(t, "massive", cfg.Provider.Kind)
	assert.Equal(t, "secret", cfg.Provider.APIKey)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), cfg.EntryDate)
	assert.False(t, cfg.Log.Console)
}

func TestLoader_FlagsOverrideFile(t *testing.T) {
	path := writeFile(t, "c.yaml", "underlying: spy\nverbosity: 1\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("ticker", "", "")
	fs.Int("verbosity", 1, "")
	require.NoError(t, fs.Parse([]string{"--ticker", "tsla", "--verbosity", "3"}))

	l := NewLoader()
	require.NoError(t, l.BindFlag("underlying", fs.Lookup("ticker")))
	require.NoError(t, l.BindFlag("verbosity", fs.Lookup("verbosity")))
	assert.Error(t, l.BindFlag("missing", fs.Lookup("nope")))

	cfg, err := l.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "TSLA", cfg.Underlying)
	assert.Equal(t, 3, cfg.Verbosity)
	assert.Equal(t, 3, cfg.Logger().Verbosity)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown provider", "provider:\n  kind: ftp\n"},
		{"negative workers", "workers: -1\n"},
		{"bad cycle", "expiry_cycle: quarterly\n"},
		{"bad pop reference", "pop_reference: median\n"},
		{"empty underlying", "underlying: \"\"\n"},
		{"exit before entry", "entry_date: \"2025-02-01\"\nexit_date: \"2025-01-01\"\n"},
		{"bad date", "entry_date: \"01/02/2025\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "bad.yaml", tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
