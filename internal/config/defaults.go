package config

import "github.com/spf13/viper"

// SetDefaults registers default values for all configuration keys.
func SetDefaults() {
	// Gateway
	viper.SetDefault("gateway.port", 18790)
	viper.SetDefault("gateway.host", "127.0.0.1")

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Storage
	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.path", "~/.tether/data.db")

	// Proxy
	viper.SetDefault("proxy.use_environment", true)

	// Runtime
	viper.SetDefault("runtime.binary", "claude")
	viper.SetDefault("runtime.min_version", "1.0.0")
	viper.SetDefault("runtime.permission_mode", "ask")

	// Title generation
	viper.SetDefault("title.enabled", true)
	viper.SetDefault("title.model", "gpt-4o-mini")

	// Retention sweeper
	viper.SetDefault("retention.enabled", false)
	viper.SetDefault("retention.max_age_days", 90)
	viper.SetDefault("retention.schedule", "0 4 * * *")
}
