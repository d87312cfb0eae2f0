package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the config TOML file at path, applies defaults and
// TGWATCH_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	setDefaults(v)

	v.SetEnvPrefix("TGWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	slog.Debug("configuration loaded",
		"path", path,
		"targets", len(cfg.Targets),
		"control_groups", len(cfg.ControlGroups))
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.session_file", "data/tgwatch.session")
	v.SetDefault("storage.db_path", "data/tgwatch.sqlite3")
	v.SetDefault("storage.media_dir", "data/media")
	v.SetDefault("reporting.reports_dir", "reports")
	v.SetDefault("reporting.summary_interval_minutes", 120)
	v.SetDefault("reporting.timezone", "UTC")
	v.SetDefault("reporting.retention_days", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}
