package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// CollectionsConfig carries the tunables operators change without a deploy.
type CollectionsConfig struct {
	DefaultCurrency      string            `mapstructure:"defaultCurrency"`
	DefaultFrequency     string            `mapstructure:"defaultFrequency"`
	DefaultRetryAttempts int               `mapstructure:"defaultRetryAttempts"`
	DefaultRetryInterval int               `mapstructure:"defaultRetryIntervalMinutes"`
	BulkConcurrency      int               `mapstructure:"bulkConcurrency"`
	PlanNamePrefix       string            `mapstructure:"planNamePrefix"`
	ISOMessages          map[string]string `mapstructure:"isoMessages"`
}

func DefaultCollectionsConfig() CollectionsConfig {
	return CollectionsConfig{
		DefaultCurrency:      "USD",
		DefaultFrequency:     "monthly",
		DefaultRetryAttempts: 1,
		DefaultRetryInterval: 5,
		BulkConcurrency:      4,
		PlanNamePrefix:       "Cobro",
		ISOMessages:          map[string]string{},
	}
}

type CollectionsConfigHolder struct {
	current atomic.Value // holds CollectionsConfig
}

// NewStaticCollectionsConfigHolder wraps a fixed config, used by tests and tools.
func NewStaticCollectionsConfigHolder(cfg CollectionsConfig) *CollectionsConfigHolder {
	holder := &CollectionsConfigHolder{}
	holder.current.Store(normalizeCollectionsConfig(cfg))
	return holder
}

func NewCollectionsConfigHolder(log *zap.Logger) (*CollectionsConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	v := viper.New()

	v.SetConfigName("collections")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/cobro")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COBRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCollectionsConfig()
	v.SetDefault("collections.defaultCurrency", defaults.DefaultCurrency)
	v.SetDefault("collections.defaultFrequency", defaults.DefaultFrequency)
	v.SetDefault("collections.defaultRetryAttempts", defaults.DefaultRetryAttempts)
	v.SetDefault("collections.defaultRetryIntervalMinutes", defaults.DefaultRetryInterval)
	v.SetDefault("collections.bulkConcurrency", defaults.BulkConcurrency)
	v.SetDefault("collections.planNamePrefix", defaults.PlanNamePrefix)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	var cfg CollectionsConfig
	if err := v.UnmarshalKey("collections", &cfg); err != nil {
		return nil, err
	}
	if err := validateCollectionsConfig(cfg); err != nil {
		return nil, err
	}

	holder := &CollectionsConfigHolder{}
	holder.current.Store(normalizeCollectionsConfig(cfg))

	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CollectionsConfig
		if err := v.UnmarshalKey("collections", &updated); err != nil {
			log.Warn("collections config reload failed", zap.Error(err))
			return
		}
		if err := validateCollectionsConfig(updated); err != nil {
			log.Warn("invalid collections config ignored", zap.Error(err))
			return
		}
		holder.current.Store(normalizeCollectionsConfig(updated))
		log.Info("collections config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *CollectionsConfigHolder) Get() CollectionsConfig {
	if h == nil {
		return DefaultCollectionsConfig()
	}
	cfg, ok := h.current.Load().(CollectionsConfig)
	if !ok {
		return DefaultCollectionsConfig()
	}
	return cfg
}

func validateCollectionsConfig(cfg CollectionsConfig) error {
	if cfg.DefaultRetryAttempts < 0 {
		return errors.New("collections.defaultRetryAttempts cannot be negative")
	}
	if cfg.DefaultRetryInterval < 0 {
		return errors.New("collections.defaultRetryIntervalMinutes cannot be negative")
	}
	if cfg.BulkConcurrency < 0 {
		return errors.New("collections.bulkConcurrency cannot be negative")
	}
	return nil
}

func normalizeCollectionsConfig(cfg CollectionsConfig) CollectionsConfig {
	defaults := DefaultCollectionsConfig()
	cfg.DefaultCurrency = strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = defaults.DefaultCurrency
	}
	cfg.DefaultFrequency = strings.ToLower(strings.TrimSpace(cfg.DefaultFrequency))
	if cfg.DefaultFrequency == "" {
		cfg.DefaultFrequency = defaults.DefaultFrequency
	}
	if cfg.DefaultRetryAttempts <= 0 {
		cfg.DefaultRetryAttempts = defaults.DefaultRetryAttempts
	}
	if cfg.DefaultRetryInterval <= 0 {
		cfg.DefaultRetryInterval = defaults.DefaultRetryInterval
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = defaults.BulkConcurrency
	}
	if strings.TrimSpace(cfg.PlanNamePrefix) == "" {
		cfg.PlanNamePrefix = defaults.PlanNamePrefix
	}
	if cfg.ISOMessages == nil {
		cfg.ISOMessages = map[string]string{}
	}
	return cfg
}
