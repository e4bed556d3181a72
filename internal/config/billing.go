package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BillingConfig is the hot-reloadable billing policy.
type BillingConfig struct {
	TrialDays             int          `mapstructure:"trialDays"`
	GracePeriodDays       int          `mapstructure:"gracePeriodDays"`
	ReminderOffsetsDays   []int        `mapstructure:"reminderOffsetsDays"`
	RenewalLeadDays       int          `mapstructure:"renewalLeadDays"`
	InvoiceDueDays        int          `mapstructure:"invoiceDueDays"`
	TaxPercent            float64      `mapstructure:"taxPercent"`
	YearlyDiscountPercent int64        `mapstructure:"yearlyDiscountPercent"`
	InvoiceNumberTemplate string       `mapstructure:"invoiceNumberTemplate"`
	Tiers                 []TierConfig `mapstructure:"tiers"`
}

// TierConfig is one row of the tier catalog. A nil MonthlyPrice marks a
// negotiated tier with no self-serve price.
type TierConfig struct {
	Tier         string           `mapstructure:"tier"`
	MonthlyPrice *int64           `mapstructure:"monthlyPrice"`
	YearlyPrice  *int64           `mapstructure:"yearlyPrice"`
	Limits       TierLimitsConfig `mapstructure:"limits"`
}

// TierLimitsConfig uses -1 for unlimited.
type TierLimitsConfig struct {
	MaxStudents        int64 `mapstructure:"maxStudents"`
	MaxTeachers        int64 `mapstructure:"maxTeachers"`
	MaxStorageGB       int64 `mapstructure:"maxStorageGB"`
	MaxSMSPerMonth     int64 `mapstructure:"maxSMSPerMonth"`
	MaxEmailsPerMonth  int64 `mapstructure:"maxEmailsPerMonth"`
	MaxReportsPerMonth int64 `mapstructure:"maxReportsPerMonth"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		TrialDays:             14,
		GracePeriodDays:       3,
		ReminderOffsetsDays:   []int{3, 1},
		RenewalLeadDays:       3,
		InvoiceDueDays:        3,
		TaxPercent:            0,
		YearlyDiscountPercent: 15,
		InvoiceNumberTemplate: "INV-{YYYY}{MM}{DD}-{SEQ6}",
		Tiers: []TierConfig{
			{
				Tier:         "TRIAL",
				MonthlyPrice: int64Ptr(0),
				YearlyPrice:  int64Ptr(0),
				Limits:       TierLimitsConfig{MaxStudents: 50, MaxTeachers: 5, MaxStorageGB: 1, MaxSMSPerMonth: 50, MaxEmailsPerMonth: 100, MaxReportsPerMonth: 10},
			},
			{
				Tier:         "BASIC",
				MonthlyPrice: int64Ptr(299_000),
				Limits:       TierLimitsConfig{MaxStudents: 200, MaxTeachers: 20, MaxStorageGB: 5, MaxSMSPerMonth: 500, MaxEmailsPerMonth: 1_000, MaxReportsPerMonth: 50},
			},
			{
				Tier:         "STANDARD",
				MonthlyPrice: int64Ptr(799_000),
				Limits:       TierLimitsConfig{MaxStudents: 500, MaxTeachers: 50, MaxStorageGB: 20, MaxSMSPerMonth: 1_000, MaxEmailsPerMonth: 5_000, MaxReportsPerMonth: 200},
			},
			{
				Tier:         "PREMIUM",
				MonthlyPrice: int64Ptr(1_999_000),
				YearlyPrice:  int64Ptr(19_990_000),
				Limits:       TierLimitsConfig{MaxStudents: 2_000, MaxTeachers: 200, MaxStorageGB: 100, MaxSMSPerMonth: 5_000, MaxEmailsPerMonth: 20_000, MaxReportsPerMonth: -1},
			},
			{
				Tier:   "ENTERPRISE",
				Limits: TierLimitsConfig{MaxStudents: -1, MaxTeachers: -1, MaxStorageGB: -1, MaxSMSPerMonth: -1, MaxEmailsPerMonth: -1, MaxReportsPerMonth: -1},
			},
		},
	}
}

func int64Ptr(v int64) *int64 { return &v }

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfigHolder returns a holder that never reloads.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder(log *zap.Logger) (*BillingConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("billing.config")

	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/tenantbilling")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TENANTBILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Info("billing config file not found, using defaults")
		return NewStaticBillingConfigHolder(DefaultBillingConfig()), nil
	}

	cfg, err := decodeBillingConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticBillingConfigHolder(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeBillingConfig(v)
		if err != nil {
			log.Warn("billing config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("billing config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func decodeBillingConfig(v *viper.Viper) (BillingConfig, error) {
	cfg := DefaultBillingConfig()
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return BillingConfig{}, err
	}
	if err := ValidateBillingConfig(cfg); err != nil {
		return BillingConfig{}, err
	}
	return cfg, nil
}

func ValidateBillingConfig(cfg BillingConfig) error {
	if cfg.TrialDays <= 0 {
		return errors.New("billing.trialDays must be positive")
	}
	if cfg.GracePeriodDays < 0 {
		return errors.New("billing.gracePeriodDays cannot be negative")
	}
	if cfg.RenewalLeadDays < 0 || cfg.InvoiceDueDays < 0 {
		return errors.New("billing.renewalLeadDays and billing.invoiceDueDays cannot be negative")
	}
	if cfg.TaxPercent < 0 || cfg.TaxPercent > 100 {
		return errors.New("billing.taxPercent must be between 0 and 100")
	}
	if cfg.YearlyDiscountPercent < 0 || cfg.YearlyDiscountPercent >= 100 {
		return errors.New("billing.yearlyDiscountPercent must be between 0 and 99")
	}
	if strings.TrimSpace(cfg.InvoiceNumberTemplate) == "" {
		return errors.New("billing.invoiceNumberTemplate cannot be empty")
	}
	for _, offset := range cfg.ReminderOffsetsDays {
		if offset <= 0 {
			return fmt.Errorf("billing.reminderOffsetsDays must be positive, got %d", offset)
		}
	}
	if len(cfg.Tiers) == 0 {
		return errors.New("billing.tiers cannot be empty")
	}
	seen := map[string]struct{}{}
	for _, tier := range cfg.Tiers {
		name := strings.ToUpper(strings.TrimSpace(tier.Tier))
		if name == "" {
			return errors.New("billing.tiers entry without tier name")
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("billing.tiers duplicate tier %s", name)
		}
		seen[name] = struct{}{}
		if tier.MonthlyPrice != nil && *tier.MonthlyPrice < 0 {
			return fmt.Errorf("billing.tiers %s monthlyPrice cannot be negative", name)
		}
		if tier.YearlyPrice != nil && *tier.YearlyPrice < 0 {
			return fmt.Errorf("billing.tiers %s yearlyPrice cannot be negative", name)
		}
	}
	return nil
}
