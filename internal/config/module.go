package config

import "go.uber.org/fx"

// Module provides the configuration sections; the loaded *Config itself
// is supplied by the caller so flag parsing stays in main.
var Module = fx.Module("config",
	fx.Provide(
		func(cfg *Config) *ProviderConfig { return &cfg.Provider },
		func(cfg *Config) *GatewayConfig { return &cfg.Gateway },
		func(cfg *Config) *StorageConfig { return &cfg.Storage },
		func(cfg *Config) *LoggingConfig { return &cfg.Logging },
	),
)
