package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/zjrosen/strata/internal/log"
)

// EnvPrefix prefixes the environment variables that override config keys,
// as in STRATA_STORE_BACKEND.
const EnvPrefix = "STRATA"

// EnvKeyReplacer maps dotted config keys to environment variable names.
func EnvKeyReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_")
}

// SetDefaults registers every value of Defaults with v, so keys absent from
// the config file and the environment fall back to them.
func SetDefaults(v *viper.Viper) error {
	var m map[string]any
	if err := mapstructure.Decode(Defaults(), &m); err != nil {
		return fmt.Errorf("flattening defaults: %w", err)
	}
	setDefaults(v, "", m)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Exporter == "file" && cfg.Tracing.FilePath == "" {
		cfg.Tracing.FilePath = DefaultTracesFilePath()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	log.Debug(log.CatConfig, "configuration loaded", "file", v.ConfigFileUsed(), "backend", cfg.Store.Backend)
	return cfg, nil
}
