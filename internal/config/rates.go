package config

import (
	"errors"
	"log"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RatesConfig is the pricing table used by consumption accounting and the monthly grant.
type RatesConfig struct {
	CostPerCall         int64       `mapstructure:"costPerCall"`
	CostPerGBMonth      int64       `mapstructure:"costPerGBMonth"`
	MonthlyGrantCredits int64       `mapstructure:"monthlyGrantCredits"`
	Quotas              QuotaTables `mapstructure:"quotas"`
}

// QuotaTables separates the residual free quota of paying users from the free-tier allowance.
type QuotaTables struct {
	Free Quota `mapstructure:"free"`
	Paid Quota `mapstructure:"paid"`
}

// Quota is a per-billing-month allowance.
type Quota struct {
	APICalls        int64   `mapstructure:"apiCalls"`
	StorageGBMonths float64 `mapstructure:"storageGBMonths"`
}

func DefaultRatesConfig() RatesConfig {
	return RatesConfig{
		CostPerCall:         1,
		CostPerGBMonth:      10,
		MonthlyGrantCredits: 100,
		Quotas: QuotaTables{
			Free: Quota{APICalls: 100, StorageGBMonths: 1},
			Paid: Quota{APICalls: 1000, StorageGBMonths: 10},
		},
	}
}

type RatesHolder struct {
	current atomic.Value // holds RatesConfig
}

// NewStaticRatesHolder returns a holder that never reloads.
func NewStaticRatesHolder(rates RatesConfig) *RatesHolder {
	holder := &RatesHolder{}
	holder.current.Store(rates)
	return holder
}

func NewRatesHolder(cfg Config) (*RatesHolder, error) {
	v := viper.New()

	if cfg.RatesConfigPath != "" {
		v.SetConfigFile(cfg.RatesConfigPath)
	} else {
		v.SetConfigName("rates")
		v.SetConfigType("yml")
		v.AddConfigPath("/var/lib/creditledger/config")
		v.AddConfigPath("/etc/creditledger")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultRatesConfig()
	v.SetDefault("rates.costPerCall", defaults.CostPerCall)
	v.SetDefault("rates.costPerGBMonth", defaults.CostPerGBMonth)
	v.SetDefault("rates.monthlyGrantCredits", defaults.MonthlyGrantCredits)
	v.SetDefault("rates.quotas.free.apiCalls", defaults.Quotas.Free.APICalls)
	v.SetDefault("rates.quotas.free.storageGBMonths", defaults.Quotas.Free.StorageGBMonths)
	v.SetDefault("rates.quotas.paid.apiCalls", defaults.Quotas.Paid.APICalls)
	v.SetDefault("rates.quotas.paid.storageGBMonths", defaults.Quotas.Paid.StorageGBMonths)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	rates, err := unmarshalRates(v)
	if err != nil {
		return nil, err
	}
	if err := ValidateRates(rates); err != nil {
		return nil, err
	}

	holder := NewStaticRatesHolder(rates)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := unmarshalRates(v)
		if err != nil {
			log.Printf("[rates-config] reload failed: %v", err)
			return
		}
		if err := ValidateRates(updated); err != nil {
			log.Printf("[rates-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[rates-config] reloaded from %s", filepath.Base(e.Name))
	})

	return holder, nil
}

// unmarshalRates decodes through AllSettings so defaults fill keys the file omits.
func unmarshalRates(v *viper.Viper) (RatesConfig, error) {
	var wrapper struct {
		Rates RatesConfig `mapstructure:"rates"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return RatesConfig{}, err
	}
	return wrapper.Rates, nil
}

func (h *RatesHolder) Get() RatesConfig {
	return h.current.Load().(RatesConfig)
}

// Store replaces the active rates after validation.
func (h *RatesHolder) Store(rates RatesConfig) error {
	if err := ValidateRates(rates); err != nil {
		return err
	}
	h.current.Store(rates)
	return nil
}

func ValidateRates(rates RatesConfig) error {
	if rates.CostPerCall < 0 {
		return errors.New("rates.costPerCall cannot be negative")
	}
	if rates.CostPerGBMonth < 0 {
		return errors.New("rates.costPerGBMonth cannot be negative")
	}
	if rates.MonthlyGrantCredits < 0 {
		return errors.New("rates.monthlyGrantCredits cannot be negative")
	}
	for name, quota := range map[string]Quota{"free": rates.Quotas.Free, "paid": rates.Quotas.Paid} {
		if quota.APICalls < 0 || quota.StorageGBMonths < 0 {
			return errors.New("rates.quotas." + name + " cannot be negative")
		}
	}
	return nil
}
