// Package config loads option-lab configuration from a file, the
// environment and command-line flags.
//
// Precedence, highest first: bound flags, OPTLAB_* environment variables
// (a .env file in the working directory is read first), the config file,
// then defaults. JSON, YAML and TOML files are accepted.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/contactkeval/option-lab/internal/backtest/engine"
	"github.com/contactkeval/option-lab/internal/data"
	"github.com/contactkeval/option-lab/internal/logger"
)

// EnvPrefix prefixes every environment override, e.g. OPTLAB_UNDERLYING or
// OPTLAB_PROVIDER_API_KEY.
const EnvPrefix = "OPTLAB"

// Config holds all application configuration.
type Config struct {
	engine.Config `mapstructure:",squash"`

	Provider data.Options `mapstructure:"provider"`
	Cache    bool         `mapstructure:"cache"`   // cache provider data in the database
	DBPath   string       `mapstructure:"db_path"` // SQLite file, empty disables persistence
	Server   ServerConfig `mapstructure:"server"`
	Log      LogConfig    `mapstructure:"log"`
}

// ServerConfig holds REST server settings.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LogConfig holds log output settings. Verbosity lives on the run config.
type LogConfig struct {
	Console    bool   `mapstructure:"console"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size" validate:"gte=0"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAge     int    `mapstructure:"max_age" validate:"gte=0"` // days
}

// Logger converts the log settings for logger.Init.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Verbosity:  c.Verbosity,
		Console:    c.Log.Console,
		FilePath:   c.Log.File,
		MaxSize:    c.Log.MaxSize,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAge,
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.EntryDate.IsZero() && !c.ExitDate.IsZero() && c.ExitDate.Before(c.EntryDate) {
		return fmt.Errorf("invalid config: exit_date %s before entry_date %s",
			c.ExitDate.Format(dateLayout), c.EntryDate.Format(dateLayout))
	}
	return nil
}

var validate = validator.New()

const dateLayout = "2006-01-02"

// Loader reads configuration through a private viper instance.
type Loader struct {
	v *viper.Viper
}

// NewLoader returns a loader with defaults and environment bindings set.
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// the massive API key is commonly exported under its own names
	_ = v.BindEnv("provider.api_key", EnvPrefix+"_PROVIDER_API_KEY", "MASSIVE_API_KEY", "POLYGON_API_KEY")
	return &Loader{v: v}
}

// BindFlag lets a command-line flag override key when it is set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("bind %s: nil flag", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Set overrides key with the highest precedence.
func (l *Loader) Set(key string, value any) { l.v.Set(key, value) }

// Load reads path, which may be empty, and returns the validated config.
func (l *Loader) Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		logger.Dbg().Str("event", "config_loaded").Str("path", l.v.ConfigFileUsed()).Msg("")
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		stringToDateHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := l.v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Underlying = strings.ToUpper(strings.TrimSpace(cfg.Underlying))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the config file at path with environment overrides.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("underlying", "SPY")
	v.SetDefault("entry_date", "")
	v.SetDefault("exit_date", "")
	v.SetDefault("hold_days", 0)
	v.SetDefault("dividend_yield", 0.0)
	v.SetDefault("strike_interval", 0.0)
	v.SetDefault("max_trades", 0)
	v.SetDefault("expiry_cycle", "monthly")
	v.SetDefault("risk_free_rate", 0.01)
	v.SetDefault("pop_reference", "strike")
	v.SetDefault("pop_time_scaled", false)
	v.SetDefault("workers", 4)
	v.SetDefault("report_dir", "./out")
	v.SetDefault("verbosity", int(logger.Info))

	v.SetDefault("provider.kind", "synthetic")
	v.SetDefault("provider.dir", "")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.seed", 1)
	v.SetDefault("provider.hv_window", 20)
	v.SetDefault("provider.quote_iv", false)

	v.SetDefault("cache", false)
	v.SetDefault("db_path", "option-lab.db")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")

	v.SetDefault("log.console", true)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
}

// stringToDateHook decodes "2006-01-02" and RFC 3339 strings into
// time.Time. An empty string is the zero time.
func stringToDateHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, raw any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Time{}) {
			return raw, nil
		}
		s := strings.TrimSpace(raw.(string))
		if s == "" {
			return time.Time{}, nil
		}
		if d, err := time.Parse(dateLayout, s); err == nil {
			return d, nil
		}
		d, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("parsing date %q: want YYYY-MM-DD or RFC 3339", s)
		}
		return d.UTC(), nil
	}
}
