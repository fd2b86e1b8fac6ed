package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// BreakerSettings configures one named service's circuit breaker.
type BreakerSettings struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

// ServiceEndpoint points at one of the external pipeline services.
type ServiceEndpoint struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Config struct {
	Database struct {
		Primary struct {
			DSN string `mapstructure:"dsn"`
		} `mapstructure:"primary"`
		Vector struct {
			DSN string `mapstructure:"dsn"`
		} `mapstructure:"vector"`
	} `mapstructure:"database"`

	Redis struct {
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Queue struct {
		MaxConcurrency int           `mapstructure:"max_concurrency"`
		Capacity       int           `mapstructure:"capacity"`
		MaxRetries     int           `mapstructure:"max_retries"`
		DispatchTick   time.Duration `mapstructure:"dispatch_tick"`
		AgingThreshold time.Duration `mapstructure:"aging_threshold"`
	} `mapstructure:"queue"`

	Services struct {
		OCR     ServiceEndpoint `mapstructure:"ocr"`
		Layout  ServiceEndpoint `mapstructure:"layout"`
		Quality ServiceEndpoint `mapstructure:"quality"`
	} `mapstructure:"services"`

	Embedding struct {
		OpenaiApiKey string `mapstructure:"openai_api_key"`
		Model        string `mapstructure:"model"`
		Dimension    int    `mapstructure:"dimension"`
	} `mapstructure:"embedding"`

	Metadata struct {
		Provider     string `mapstructure:"provider"` // "openai" or "gemini"
		Model        string `mapstructure:"model"`
		GoogleApiKey string `mapstructure:"google_api_key"`
	} `mapstructure:"metadata"`

	// Per-service breaker overrides; unlisted services get the defaults.
	Breakers map[string]BreakerSettings `mapstructure:"breakers"`

	Consistency struct {
		SampleSize int    `mapstructure:"sample_size"`
		Schedule   string `mapstructure:"schedule"` // cron spec for the periodic summary
	} `mapstructure:"consistency"`

	Cleanup struct {
		Retention time.Duration `mapstructure:"retention"`
		Schedule  string        `mapstructure:"schedule"`
	} `mapstructure:"cleanup"`

	Worker struct {
		Concurrency int            `mapstructure:"concurrency"`
		Queues      map[string]int `mapstructure:"queues"`
	} `mapstructure:"worker"`

	Server struct {
		Address string `mapstructure:"address"`
	} `mapstructure:"server"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()
	viper.BindEnv("embedding.openai_api_key", "OPENAI_API_KEY")
	viper.BindEnv("metadata.google_api_key", "GOOGLE_API_KEY")
	viper.BindEnv("database.primary.dsn", "VELLUM_PRIMARY_DSN")
	viper.BindEnv("database.vector.dsn", "VELLUM_VECTOR_DSN")
	viper.BindEnv("redis.address", "VELLUM_REDIS_ADDR")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env vars still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults() {
	viper.SetDefault("redis.address", "localhost:6379")

	viper.SetDefault("queue.max_concurrency", 3)
	viper.SetDefault("queue.capacity", 100)
	viper.SetDefault("queue.max_retries", 3)
	viper.SetDefault("queue.dispatch_tick", time.Second)
	viper.SetDefault("queue.aging_threshold", 10*time.Minute)

	viper.SetDefault("services.ocr.timeout", 600*time.Second)
	viper.SetDefault("services.layout.timeout", 300*time.Second)
	viper.SetDefault("services.quality.timeout", 60*time.Second)

	viper.SetDefault("embedding.model", "text-embedding-3-small")
	viper.SetDefault("embedding.dimension", 1536)

	viper.SetDefault("metadata.provider", "openai")
	viper.SetDefault("metadata.model", "gpt-4o-mini")

	viper.SetDefault("consistency.sample_size", 25)
	viper.SetDefault("consistency.schedule", "@every 1h")

	viper.SetDefault("cleanup.retention", 7*24*time.Hour)
	viper.SetDefault("cleanup.schedule", "0 3 * * *")

	viper.SetDefault("worker.concurrency", 2)
	viper.SetDefault("worker.queues", map[string]int{"sweep": 1})

	viper.SetDefault("server.address", ":8080")
}
