package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	Agent      AgentConfig      `mapstructure:"agent"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	Server     ServerConfig     `mapstructure:"server"`
	Recall     RecallConfig     `mapstructure:"recall"`
	LogLevel   string           `mapstructure:"log_level"`
}

// AgentConfig holds the connection settings for the local agent daemon.
type AgentConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	SecretKey        string `mapstructure:"secret_key"`
	WorkingDirectory string `mapstructure:"working_directory"`
}

// SummarizerConfig holds the LLM endpoint used for context compaction.
type SummarizerConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// ServerConfig holds the gateway listen address.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// RecallConfig holds the submitted-text recall store settings.
type RecallConfig struct {
	Path    string        `mapstructure:"path"`
	MaxRows int           `mapstructure:"max_rows"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// Load loads the configuration from config.yaml. CONFIG_PATH overrides the
// default search path, which tests rely on.
func Load() (*Config, error) {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetDefault("agent.base_url", "http://127.0.0.1:3284")
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", "8790")
	viper.SetDefault("recall.max_rows", 500)
	viper.SetDefault("recall.ttl", 30*24*time.Hour)
	viper.SetDefault("log_level", "info")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
