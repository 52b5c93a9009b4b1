// Package config loads application configuration from YAML files and
// GROCERNET_-prefixed environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Directory   DirectoryConfig   `mapstructure:"directory"`
	Negotiation NegotiationConfig `mapstructure:"negotiation"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Suppliers   []SupplierConfig  `mapstructure:"suppliers"`
	Brokers     []BrokerConfig    `mapstructure:"brokers"`
	Requesters  []RequesterConfig `mapstructure:"requesters"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// NATSConfig contains messaging settings.
type NATSConfig struct {
	URL           string  `mapstructure:"url"`
	SubjectPrefix string  `mapstructure:"subject_prefix"`
	PublishRate   float64 `mapstructure:"publish_rate"` // messages/s, 0 = unlimited
}

// DirectoryConfig contains directory service settings.
type DirectoryConfig struct {
	Embedded       bool          `mapstructure:"embedded"` // run directory in-process
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// NegotiationConfig contains the protocol timing knobs.
type NegotiationConfig struct {
	QuoteWait     time.Duration `mapstructure:"quote_wait"`     // broker waits this long for supplier quotes
	ProposalWait  time.Duration `mapstructure:"proposal_wait"`  // requester waits this long for proposals
	ConfirmWait   time.Duration `mapstructure:"confirm_wait"`   // requester waits this long for delivery
	StartupSettle time.Duration `mapstructure:"startup_settle"` // requesters wait this long before first lookup
	InboxSize     int           `mapstructure:"inbox_size"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// SupplierConfig declares one supplier and its priced inventory.
type SupplierConfig struct {
	Name      string             `mapstructure:"name"`
	Inventory map[string]float64 `mapstructure:"inventory"` // item -> unit price
}

// BrokerConfig declares one broker. An empty supplier list means the broker
// discovers suppliers through the directory per order.
type BrokerConfig struct {
	Name       string   `mapstructure:"name"`
	ServiceFee float64  `mapstructure:"service_fee"`
	Suppliers  []string `mapstructure:"suppliers"`
}

// RequesterConfig declares one requester and its shopping list. An empty
// broker list means the requester discovers brokers through the directory.
type RequesterConfig struct {
	Name         string   `mapstructure:"name"`
	ShoppingList []string `mapstructure:"shopping_list"`
	Brokers      []string `mapstructure:"brokers"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("GROCERNET")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "grocernet")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "grocernet.")
	v.SetDefault("nats.publish_rate", 0)

	// Directory defaults
	v.SetDefault("directory.embedded", true)
	v.SetDefault("directory.request_timeout", "3s")

	// Negotiation defaults
	v.SetDefault("negotiation.quote_wait", "2s")
	v.SetDefault("negotiation.proposal_wait", "5s")
	v.SetDefault("negotiation.confirm_wait", "10s")
	v.SetDefault("negotiation.startup_settle", "1s")
	v.SetDefault("negotiation.inbox_size", 256)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks the loaded configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Negotiation.QuoteWait <= 0 {
		return fmt.Errorf("negotiation.quote_wait must be positive")
	}
	if c.Negotiation.ProposalWait <= 0 {
		return fmt.Errorf("negotiation.proposal_wait must be positive")
	}
	if c.Negotiation.ConfirmWait <= 0 {
		return fmt.Errorf("negotiation.confirm_wait must be positive")
	}
	if c.Negotiation.InboxSize <= 0 {
		return fmt.Errorf("negotiation.inbox_size must be positive")
	}

	seen := make(map[string]string)
	claim := func(name, role string) error {
		if name == "" {
			return fmt.Errorf("%s name must not be empty", role)
		}
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("participant name %q used by both %s and %s", name, prev, role)
		}
		seen[name] = role
		return nil
	}

	for _, s := range c.Suppliers {
		if err := claim(s.Name, "supplier"); err != nil {
			return err
		}
		for item, price := range s.Inventory {
			if item == "" {
				return fmt.Errorf("supplier %s has an empty inventory item", s.Name)
			}
			if price < 0 {
				return fmt.Errorf("supplier %s has negative price for %s", s.Name, item)
			}
		}
	}

	for _, b := range c.Brokers {
		if err := claim(b.Name, "broker"); err != nil {
			return err
		}
		if b.ServiceFee < 0 {
			return fmt.Errorf("broker %s has negative service fee", b.Name)
		}
	}

	for _, r := range c.Requesters {
		if err := claim(r.Name, "requester"); err != nil {
			return err
		}
		if len(r.ShoppingList) == 0 {
			return fmt.Errorf("requester %s has an empty shopping list", r.Name)
		}
	}

	return nil
}
