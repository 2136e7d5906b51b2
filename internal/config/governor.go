package config

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// GovernorConfig holds operator-tunable defaults applied to users that
// have no limits row of their own.
type GovernorConfig struct {
	DefaultDailyLimitUSD   float64   `mapstructure:"defaultDailyLimitUsd"`
	DefaultPerTaskLimitUSD float64   `mapstructure:"defaultPerTaskLimitUsd"`
	DefaultMonthlyLimitUSD float64   `mapstructure:"defaultMonthlyLimitUsd"`
	DefaultHardStop        bool      `mapstructure:"defaultHardStop"`
	DefaultAlertThresholds []float64 `mapstructure:"defaultAlertThresholds"`
}

func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		// Zero ceilings mean "unlimited"; new users are only alerted,
		// never blocked, until limits are provisioned explicitly.
		DefaultDailyLimitUSD:   0,
		DefaultPerTaskLimitUSD: 0,
		DefaultMonthlyLimitUSD: 0,
		DefaultHardStop:        false,
		DefaultAlertThresholds: []float64{0.5, 0.75, 0.9},
	}
}

// GovernorConfigHolder exposes the current defaults and swaps them
// atomically on file reload.
type GovernorConfigHolder struct {
	current atomic.Value // holds GovernorConfig
}

func NewGovernorConfigHolder() (*GovernorConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("governor")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/gitu/config") // Volume-mounted config
	v.AddConfigPath("/etc/gitu")            // System config
	v.AddConfigPath(".")                    // Current directory (dev mode)

	v.SetEnvPrefix("GITU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultGovernorConfig()
		v.SetDefault("governor.defaultDailyLimitUsd", defaults.DefaultDailyLimitUSD)
		v.SetDefault("governor.defaultPerTaskLimitUsd", defaults.DefaultPerTaskLimitUSD)
		v.SetDefault("governor.defaultMonthlyLimitUsd", defaults.DefaultMonthlyLimitUSD)
		v.SetDefault("governor.defaultHardStop", defaults.DefaultHardStop)
		v.SetDefault("governor.defaultAlertThresholds", defaults.DefaultAlertThresholds)
	}

	var cfg GovernorConfig
	if err := v.UnmarshalKey("governor", &cfg); err != nil {
		return nil, err
	}
	if err := validateGovernorConfig(cfg); err != nil {
		return nil, err
	}

	holder := &GovernorConfigHolder{}
	holder.current.Store(normalizeGovernorConfig(cfg))

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated GovernorConfig
		if err := v.UnmarshalKey("governor", &updated); err != nil {
			log.Printf("[governor-config] reload failed: %v", err)
			return
		}
		if err := validateGovernorConfig(updated); err != nil {
			log.Printf("[governor-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(normalizeGovernorConfig(updated))
		log.Printf("[governor-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticGovernorConfigHolder returns a holder pinned to cfg, with
// no file watching. Used by tests and embedded setups.
func NewStaticGovernorConfigHolder(cfg GovernorConfig) *GovernorConfigHolder {
	holder := &GovernorConfigHolder{}
	holder.current.Store(normalizeGovernorConfig(cfg))
	return holder
}

func (h *GovernorConfigHolder) Get() GovernorConfig {
	return h.current.Load().(GovernorConfig)
}

func validateGovernorConfig(cfg GovernorConfig) error {
	if cfg.DefaultDailyLimitUSD < 0 || cfg.DefaultPerTaskLimitUSD < 0 || cfg.DefaultMonthlyLimitUSD < 0 {
		return errors.New("governor default limits cannot be negative")
	}
	for _, threshold := range cfg.DefaultAlertThresholds {
		if threshold <= 0 || threshold > 1 {
			return errors.New("governor alert thresholds must be in (0, 1]")
		}
	}
	return nil
}

func normalizeGovernorConfig(cfg GovernorConfig) GovernorConfig {
	thresholds := append([]float64(nil), cfg.DefaultAlertThresholds...)
	sort.Float64s(thresholds)
	cfg.DefaultAlertThresholds = thresholds
	return cfg
}
