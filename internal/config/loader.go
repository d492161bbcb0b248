package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// GatewayConfig declares one data source to register at startup.
type GatewayConfig struct {
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"` // relational, document, or memory

	// Relational settings
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`

	// Document settings
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

// Config is the full service configuration.
type Config struct {
	Development    bool            `mapstructure:"development"`
	MigrationsPath string          `mapstructure:"migrations_path"`
	Server         ServerConfig    `mapstructure:"server"`
	Gateways       []GatewayConfig `mapstructure:"gateways"`
}

// DefaultConfig returns the configuration used when no file is present:
// one in-memory gateway and a local listener.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			CORSOrigins:  []string{"http://localhost:3000"},
		},
		Gateways: []GatewayConfig{{Name: "memory", Kind: "memory"}},
	}
}

// Load reads config.yaml from the given path, allowing environment
// overrides prefixed with RELCOMPOSE.
func Load(configPath string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("RELCOMPOSE")

	v.BindEnv("server.addr")
	v.BindEnv("migrations_path")
	v.BindEnv("development")

	if err := v.ReadInConfig(); err != nil {
		// Config file not found? Use defaults + env.
		fmt.Println("No config.yaml found, using defaults and env vars")
		return cfg, nil
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	return cfg, nil
}
