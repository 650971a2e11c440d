package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Recommend  RecommendConfig  `yaml:"recommend" mapstructure:"recommend"`
	Predict    PredictConfig    `yaml:"predict" mapstructure:"predict"`
	Feed       FeedConfig       `yaml:"feed" mapstructure:"feed"`
	Regions    RegionsConfig    `yaml:"regions" mapstructure:"regions"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// RecommendConfig configures resource matching.
type RecommendConfig struct {
	// RulesPath points at an optional yaml keyword rule file. Empty means
	// the built-in rules.
	RulesPath string `yaml:"rules_path" mapstructure:"rules_path"`
}

// PredictConfig configures the predictive batch cycle.
type PredictConfig struct {
	Enabled      bool `yaml:"enabled" mapstructure:"enabled"`
	IntervalSecs int  `yaml:"interval_secs" mapstructure:"interval_secs"`
}

// FeedConfig configures the regional demand feed.
type FeedConfig struct {
	URL          string `yaml:"url" mapstructure:"url"`
	IntervalSecs int    `yaml:"interval_secs" mapstructure:"interval_secs"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RegionsConfig configures region resolution for demand lookups.
type RegionsConfig struct {
	ShapefilePath string `yaml:"shapefile_path" mapstructure:"shapefile_path"`
	NameField     string `yaml:"name_field" mapstructure:"name_field"`
}

// MonitoringConfig configures background health checks and alerting.
type MonitoringConfig struct {
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	BacklogThreshold    int    `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
	ModelRunMaxAgeHours int    `yaml:"model_run_max_age_hours" mapstructure:"model_run_max_age_hours"`
	SnapshotMaxAgeHours int    `yaml:"snapshot_max_age_hours" mapstructure:"snapshot_max_age_hours"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RELIEF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "relief.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("predict.enabled", true)
	v.SetDefault("predict.interval_secs", 900)
	v.SetDefault("feed.interval_secs", 600)
	v.SetDefault("feed.timeout_secs", 30)
	v.SetDefault("regions.name_field", "NAME")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.backlog_threshold", 200)
	v.SetDefault("monitoring.model_run_max_age_hours", 2)
	v.SetDefault("monitoring.snapshot_max_age_hours", 6)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields a given run mode needs. Modes: "serve",
// "feed", "predict", "store".
func (c *Config) Validate(mode string) error {
	var problems []string

	storeProblems := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required for the postgres driver")
			}
		case "sqlite":
			if c.Store.SQLitePath == "" {
				problems = append(problems, "store.sqlite_path is required for the sqlite driver")
			}
		default:
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
	}

	switch mode {
	case "store":
		storeProblems()
	case "serve":
		storeProblems()
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Predict.Enabled && c.Predict.IntervalSecs <= 0 {
			problems = append(problems, "predict.interval_secs must be > 0 when predict is enabled")
		}
	case "feed":
		storeProblems()
		if c.Feed.URL == "" {
			problems = append(problems, "feed.url is required")
		}
	case "predict":
		storeProblems()
		if c.Predict.IntervalSecs <= 0 {
			problems = append(problems, "predict.interval_secs must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// DSN returns the connection string for the configured store driver.
func (c StoreConfig) DSN() string {
	if c.Driver == "sqlite" {
		return c.SQLitePath
	}
	return c.DatabaseURL
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
