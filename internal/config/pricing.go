package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PricingConfig maps generation kinds to their credit cost.
type PricingConfig struct {
	MusicCredits  int64 `mapstructure:"musicCredits"`
	CoverCredits  int64 `mapstructure:"coverCredits"`
	LyricsCredits int64 `mapstructure:"lyricsCredits"`
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		MusicCredits:  7,
		CoverCredits:  2,
		LyricsCredits: 1,
	}
}

// PricingHolder exposes the current pricing and hot-reloads it when the
// config file changes.
type PricingHolder struct {
	current atomic.Value // holds PricingConfig
}

func NewPricingHolder() (*PricingHolder, error) {
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tunesmith/config")
	v.AddConfigPath("/etc/tunesmith")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TUNESMITH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultPricingConfig()
		v.SetDefault("pricing.musicCredits", defaults.MusicCredits)
		v.SetDefault("pricing.coverCredits", defaults.CoverCredits)
		v.SetDefault("pricing.lyricsCredits", defaults.LyricsCredits)
	}

	var cfg PricingConfig
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return nil, err
	}
	if err := validatePricingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PricingHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PricingConfig
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Printf("[pricing-config] reload failed: %v", err)
			return
		}
		if err := validatePricingConfig(updated); err != nil {
			log.Printf("[pricing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pricing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PricingHolder) Get() PricingConfig {
	return h.current.Load().(PricingConfig)
}

// NewStaticPricingHolder returns a holder with fixed pricing, for tests.
func NewStaticPricingHolder(cfg PricingConfig) *PricingHolder {
	holder := &PricingHolder{}
	holder.current.Store(cfg)
	return holder
}

func validatePricingConfig(cfg PricingConfig) error {
	if cfg.MusicCredits <= 0 || cfg.CoverCredits <= 0 || cfg.LyricsCredits <= 0 {
		return errors.New("pricing credit costs must be positive")
	}
	return nil
}
