package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
type Config struct {
	Server      ServerConfig `mapstructure:"server"`
	ProjectsDir string       `mapstructure:"projects_dir"`
	LLM         LLMConfig    `mapstructure:"llm"`
	Search      SearchConfig `mapstructure:"search"`
	Image       ImageConfig  `mapstructure:"image"`
	Engine      EngineConfig `mapstructure:"engine"`
	Lock        LockConfig   `mapstructure:"lock"`
	Redis       RedisConfig  `mapstructure:"redis"`
	Log         LogConfig    `mapstructure:"log"`
}

type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	Metrics     bool     `mapstructure:"metrics"`
}

type LLMConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	ResearchModel     string        `mapstructure:"research_model"`
	RequirementsModel string        `mapstructure:"requirements_model"`
	PlanModel         string        `mapstructure:"plan_model"`
	CodeModel         string        `mapstructure:"code_model"`
	TellmURL          string        `mapstructure:"tellm_url"`
}

type SearchConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxResults int           `mapstructure:"max_results"`
}

type ImageConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Size    string        `mapstructure:"size"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type EngineConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

type LockConfig struct {
	Backend string `mapstructure:"backend"`
	// TTL is how long a redis lock outlives a crashed holder. Live holders
	// renew it every TTL/3.
	TTL time.Duration `mapstructure:"ttl"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			CORSOrigins: []string{"*"},
			Metrics:     true,
		},
		ProjectsDir: "projects",
		LLM: LLMConfig{
			BaseURL:           "http://localhost:11434/v1",
			APIKey:            "ollama",
			Timeout:           20 * time.Minute,
			ResearchModel:     "llama3:latest",
			RequirementsModel: "llama3:latest",
			PlanModel:         "llama3:latest",
			CodeModel:         "qwen2.5-coder:latest",
		},
		Search: SearchConfig{
			BaseURL:    "http://localhost:8888",
			Timeout:    30 * time.Second,
			MaxResults: 5,
		},
		Image: ImageConfig{
			BaseURL: "http://localhost:7860/v1",
			APIKey:  "local",
			Model:   "stable-diffusion",
			Size:    "1024x1024",
			Timeout: 10 * time.Minute,
		},
		Engine: EngineConfig{
			Workers:   2,
			QueueSize: 32,
		},
		Lock: LockConfig{
			Backend: LockBackendMemory,
			TTL:     2 * time.Hour,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads configuration from file, .env and environment variables.
// A missing config file is not an error.
func LoadConfig(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	config := DefaultConfig()

	v := viper.New()
	if strings.HasSuffix(configPath, ".yaml") || strings.HasSuffix(configPath, ".yml") {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if configPath != "" {
			v.AddConfigPath(configPath)
		}
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".kiln"))
	}
	setDefaults(v, config)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("KILN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// are absent from the config file.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("server.addr", c.Server.Addr)
	v.SetDefault("server.cors_origins", c.Server.CORSOrigins)
	v.SetDefault("server.metrics", c.Server.Metrics)
	v.SetDefault("projects_dir", c.ProjectsDir)
	v.SetDefault("llm.base_url", c.LLM.BaseURL)
	v.SetDefault("llm.api_key", c.LLM.APIKey)
	v.SetDefault("llm.timeout", c.LLM.Timeout)
	v.SetDefault("llm.research_model", c.LLM.ResearchModel)
	v.SetDefault("llm.requirements_model", c.LLM.RequirementsModel)
	v.SetDefault("llm.plan_model", c.LLM.PlanModel)
	v.SetDefault("llm.code_model", c.LLM.CodeModel)
	v.SetDefault("llm.tellm_url", c.LLM.TellmURL)
	v.SetDefault("search.base_url", c.Search.BaseURL)
	v.SetDefault("search.timeout", c.Search.Timeout)
	v.SetDefault("search.max_results", c.Search.MaxResults)
	v.SetDefault("image.base_url", c.Image.BaseURL)
	v.SetDefault("image.api_key", c.Image.APIKey)
	v.SetDefault("image.model", c.Image.Model)
	v.SetDefault("image.size", c.Image.Size)
	v.SetDefault("image.timeout", c.Image.Timeout)
	v.SetDefault("engine.workers", c.Engine.Workers)
	v.SetDefault("engine.queue_size", c.Engine.QueueSize)
	v.SetDefault("lock.backend", c.Lock.Backend)
	v.SetDefault("lock.ttl", c.Lock.TTL)
	v.SetDefault("redis.addr", c.Redis.Addr)
	v.SetDefault("redis.password", c.Redis.Password)
	v.SetDefault("redis.db", c.Redis.DB)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.pretty", c.Log.Pretty)
}

func validateConfig(config *Config) error {
	if config.LLM.BaseURL == "" {
		return fmt.Errorf("llm base url is required")
	}
	if config.LLM.ResearchModel == "" || config.LLM.RequirementsModel == "" ||
		config.LLM.PlanModel == "" || config.LLM.CodeModel == "" {
		return fmt.Errorf("all llm model names are required")
	}
	if config.ProjectsDir == "" {
		return fmt.Errorf("projects dir is required")
	}
	if config.Engine.Workers <= 0 {
		return fmt.Errorf("engine workers must be positive, got %d", config.Engine.Workers)
	}
	if config.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine queue size must be positive, got %d", config.Engine.QueueSize)
	}
	switch config.Lock.Backend {
	case LockBackendMemory, LockBackendRedis:
	default:
		return fmt.Errorf("unknown lock backend %q", config.Lock.Backend)
	}
	return nil
}
