package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/proboci/scm-handler/pkg/scm"
)

// APIConfig points at the external Build API.
type APIConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// AuthLookupConfig carries the consumer pair used by auth_lookup's
// direct-URL mode, where no provider-table entry applies.
type AuthLookupConfig struct {
	ConsumerKey    string `mapstructure:"consumer_key"`
	ConsumerSecret string `mapstructure:"consumer_secret"`
}

// Config captures runtime settings for one handler instance.
type Config struct {
	ListenAddr   string                        `mapstructure:"listen_addr"`
	LogLevel     string                        `mapstructure:"log_level"`
	ProviderType string                        `mapstructure:"provider_type"`
	WebhookPath  string                        `mapstructure:"webhook_path"`
	RelayBuffer  int                           `mapstructure:"relay_buffer"`
	API          APIConfig                     `mapstructure:"api"`
	Providers    map[string]scm.ProviderConfig `mapstructure:"providers"`
	AuthLookup   AuthLookupConfig              `mapstructure:"auth_lookup"`
}

// Load reads handler configuration from defaults, files, and env vars.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("HANDLER")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8010")
	v.SetDefault("log_level", "debug")
	v.SetDefault("provider_type", "stash")
	v.SetDefault("webhook_path", "/webhook")
	v.SetDefault("relay_buffer", 256)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate enforces the startup invariants. Failures here are fatal: the
// process refuses to start rather than run with unusable credentials.
func (c Config) Validate() error {
	if c.WebhookPath == "" {
		return fmt.Errorf("missing required config: webhook_path")
	}
	if c.ProviderType != scm.TypeBitbucket && c.ProviderType != scm.TypeStash {
		return fmt.Errorf("unsupported provider_type: %q", c.ProviderType)
	}
	if c.API.URL == "" {
		return fmt.Errorf("missing required config: api.url")
	}

	for slug, provider := range c.Providers {
		// Entries for the other provider type may legitimately be
		// incomplete for this instance.
		if provider.Type != c.ProviderType {
			continue
		}
		if provider.URL == "" {
			return fmt.Errorf("provider %q: missing required config: url", slug)
		}
		if provider.ConsumerKey == "" {
			return fmt.Errorf("provider %q: missing required config: consumer_key", slug)
		}
		if provider.ConsumerSecret == "" {
			return fmt.Errorf("provider %q: missing required config: consumer_secret", slug)
		}
	}

	return nil
}
