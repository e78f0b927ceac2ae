// Package config resolves server configuration from defaults, an optional
// TOML file, ANNEX_-prefixed environment variables and command-line flags,
// in ascending order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved server configuration.
type Config struct {
	HTTPAddr  string `mapstructure:"http_addr"`
	AuthToken string `mapstructure:"auth_token"`

	DataDir string `mapstructure:"data_dir"`

	Dimension int    `mapstructure:"dimension"`
	Metric    string `mapstructure:"metric"`
	Layout    string `mapstructure:"layout"`

	M              int `mapstructure:"m"`
	EfConstruction int `mapstructure:"ef_construction"`
	DefaultEf      int `mapstructure:"default_ef"`
	MaxVisits      int `mapstructure:"max_visits"`

	AutoSaveInterval time.Duration `mapstructure:"autosave_interval"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		HTTPAddr:         ":7345",
		DataDir:          "./annex-data",
		Dimension:        128,
		Metric:           "euclidean",
		Layout:           "float32",
		M:                16,
		EfConstruction:   200,
		DefaultEf:        100,
		MaxVisits:        0,
		AutoSaveInterval: 5 * time.Minute,
	}
}

// Load resolves the configuration. configFile may be empty, in which case
// only defaults, environment and flags apply. flags may be nil.
func Load(configFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			// An explicitly named file must exist.
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		v.SetConfigName("annex")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
				return Config{}, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("ANNEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("binding flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	if c.M <= 0 || c.EfConstruction <= 0 {
		return fmt.Errorf("m and ef_construction must be positive, got %d and %d", c.M, c.EfConstruction)
	}
	if c.MaxVisits < 0 {
		return fmt.Errorf("max_visits must be zero or positive, got %d", c.MaxVisits)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("http_addr", d.HTTPAddr)
	v.SetDefault("auth_token", d.AuthToken)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("dimension", d.Dimension)
	v.SetDefault("metric", d.Metric)
	v.SetDefault("layout", d.Layout)
	v.SetDefault("m", d.M)
	v.SetDefault("ef_construction", d.EfConstruction)
	v.SetDefault("default_ef", d.DefaultEf)
	v.SetDefault("max_visits", d.MaxVisits)
	v.SetDefault("autosave_interval", d.AutoSaveInterval)
}
