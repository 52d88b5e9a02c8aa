package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds the runtime settings for the orchestrator. Values come from
// environment variables prefixed with BML (e.g. BML_DB_DRIVER), optionally
// seeded from a config file named by BML_CONFIG.
type Config struct {
	DBDriver       string        `mapstructure:"db_driver"`       // "sqlite" or "postgres"
	DBDSN          string        `mapstructure:"db_dsn"`          // File path (sqlite) or connection string (postgres)
	HTTPPort       string        `mapstructure:"http_port"`       // Port for the serve command
	PollInterval   time.Duration `mapstructure:"poll_interval"`   // Worker idle sleep between claim attempts
	MaxRetries     int           `mapstructure:"max_retries"`     // Default retry ceiling for enqueued tasks
	RecoverOnStart bool          `mapstructure:"recover_on_start"` // Run the orphan sweep when the queue manager starts
}

func Load() (Config, error) {
	v := viper.New()
	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("db_dsn", "bmlibrarian/tasks.db")
	v.SetDefault("http_port", "8080")
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("max_retries", 3)
	v.SetDefault("recover_on_start", true)

	v.SetEnvPrefix("BML")
	v.AutomaticEnv()

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	return cfg, nil
}
