// Package config loads agent configuration from the environment and the
// offerings file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Accounting types supported for offering components.
const (
	AccountingTypeUsage = "usage"
	AccountingTypeLimit = "limit"
)

// Config holds all application configuration. Process-level settings come
// from environment variables, the offering list from the YAML file referenced
// by OfferingsFile.
type Config struct {
	OfferingsFile string `env:"AGENT_CONFIG_FILE" envDefault:"site-agent-config.yaml"`

	// Ops server (health + metrics)
	OpsPort string `env:"OPS_PORT" envDefault:"8085"`

	// Event channel. Empty RedisURL disables event-triggered processing.
	RedisURL string `env:"REDIS_URL"`

	// Reconciliation intervals per running mode.
	OrderSyncInterval      time.Duration `env:"ORDER_SYNC_INTERVAL" envDefault:"5m"`
	MembershipSyncInterval time.Duration `env:"MEMBERSHIP_SYNC_INTERVAL" envDefault:"5m"`
	ReportSyncInterval     time.Duration `env:"REPORT_SYNC_INTERVAL" envDefault:"30m"`

	// Logging configuration
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Offerings []Offering `env:"-"`
}

// Offering is one provider catalog entry bound to a single backend.
type Offering struct {
	Name        string `yaml:"name"`
	UUID        string `yaml:"uuid"`
	APIURL      string `yaml:"api_url"`
	APIToken    string `yaml:"api_token"`
	BackendType string `yaml:"backend_type"`

	Settings   BackendSettings      `yaml:"backend_settings"`
	Components map[string]Component `yaml:"backend_components"`
}

// BackendSettings holds cluster-side knobs for one offering.
type BackendSettings struct {
	DefaultAccount       string `yaml:"default_account"`
	CustomerPrefix       string `yaml:"customer_prefix"`
	ProjectPrefix        string `yaml:"project_prefix"`
	AllocationPrefix     string `yaml:"allocation_prefix"`
	AccountNameMaxLength int    `yaml:"account_name_max_length"`

	// QoS names applied by the scaling operations. An empty name means the
	// corresponding operation is skipped rather than failed.
	QOSDownscaled string `yaml:"qos_downscaled"`
	QOSPaused     string `yaml:"qos_paused"`
	QOSDefault    string `yaml:"qos_default"`

	CreateHomeDirs bool   `yaml:"enable_user_homedir_creation"`
	HomeDirUmask   string `yaml:"homedir_umask"`

	// Polling budget for resource materialization during order processing.
	OrderPollAttempts int           `yaml:"order_poll_attempts"`
	OrderPollInterval time.Duration `yaml:"order_poll_interval"`
}

// Component describes one accounting dimension of an offering.
type Component struct {
	AccountingType string `yaml:"accounting_type"`
	Label          string `yaml:"label"`
	MeasuredUnit   string `yaml:"measured_unit"`

	// UnitFactor converts control-plane units to native cluster units
	// (native = control-plane * UnitFactor).
	UnitFactor int64 `yaml:"unit_factor"`

	// DefaultLimit is the initial quota (in control-plane units) granted to
	// usage-based components on resource creation.
	DefaultLimit int64 `yaml:"default_limit"`
}

type offeringsFile struct {
	Offerings []Offering `yaml:"offerings"`
}

// Load reads configuration from environment variables and the offerings file.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	data, err := os.ReadFile(cfg.OfferingsFile)
	if err != nil {
		return nil, fmt.Errorf("read offerings file: %w", err)
	}

	var file offeringsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse offerings file: %w", err)
	}
	cfg.Offerings = file.Offerings

	for i := range cfg.Offerings {
		applyOfferingDefaults(&cfg.Offerings[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func applyOfferingDefaults(offering *Offering) {
	settings := &offering.Settings
	if settings.DefaultAccount == "" {
		settings.DefaultAccount = "root"
	}
	if settings.AccountNameMaxLength == 0 {
		settings.AccountNameMaxLength = 34
	}
	if settings.HomeDirUmask == "" {
		settings.HomeDirUmask = "0700"
	}
	if settings.OrderPollAttempts == 0 {
		settings.OrderPollAttempts = 4
	}
	if settings.OrderPollInterval == 0 {
		settings.OrderPollInterval = 5 * time.Second
	}

	for name, component := range offering.Components {
		if component.UnitFactor == 0 {
			component.UnitFactor = 1
		}
		offering.Components[name] = component
	}
}

// Validate checks that the loaded configuration is usable.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", c.LogLevel)
	}

	if len(c.Offerings) == 0 {
		return fmt.Errorf("no offerings configured")
	}

	for i := range c.Offerings {
		if err := c.Offerings[i].Validate(); err != nil {
			return fmt.Errorf("offering %d: %w", i, err)
		}
	}

	return nil
}

// Validate checks a single offering entry.
func (o *Offering) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("name is required")
	}
	if o.UUID == "" {
		return fmt.Errorf("uuid is required")
	}
	if o.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	if o.APIToken == "" {
		return fmt.Errorf("api_token is required")
	}
	if o.BackendType == "" {
		return fmt.Errorf("backend_type is required")
	}

	for name, component := range o.Components {
		switch component.AccountingType {
		case AccountingTypeUsage, AccountingTypeLimit:
		default:
			return fmt.Errorf(
				"component %s: invalid accounting_type %q (must be usage or limit)",
				name, component.AccountingType,
			)
		}
		if component.UnitFactor < 1 {
			return fmt.Errorf("component %s: unit_factor must be positive", name)
		}
	}

	return nil
}

// LimitComponents returns the names of limit-based components.
func (o *Offering) LimitComponents() []string {
	names := make([]string, 0, len(o.Components))
	for name, component := range o.Components {
		if component.AccountingType == AccountingTypeLimit {
			names = append(names, name)
		}
	}
	return names
}
