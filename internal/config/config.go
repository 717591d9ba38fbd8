// Package config loads configuration from environment variables and an
// optional YAML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	// Server
	ListenAddr    string
	MetricsAddr   string
	PublicBaseURL string

	// TLS (optional, if both set the server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseDriver string // postgres or sqlite
	DatabaseURL    string

	// Auth
	JWTSecret string
	// PickupCodeSecret keys the pickup code index. It falls back to JWTSecret.
	PickupCodeSecret string

	// Storage
	LocalStoragePath string
	ProxyDownloads   bool
	StatsCacheTTL    time.Duration

	// Uploads
	MaxUploadSize int64

	// Tokens
	DownloadTokenTTL      time.Duration
	DownloadTokenMaxUsage int
	TokenPurgeInterval    time.Duration

	// Route-layer retry of unavailable backends
	RetryMaxAttempts int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("public_base_url", "")
	v.SetDefault("tls_cert_file", "")
	v.SetDefault("tls_key_file", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("database_driver", "postgres")
	v.SetDefault("database_url", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("pickup_code_secret", "")
	v.SetDefault("local_storage_path", "/data/storage")
	v.SetDefault("proxy_downloads", false)
	v.SetDefault("stats_cache_ttl", 5*time.Minute)
	v.SetDefault("max_upload_size", int64(100*1024*1024)) // 100MB
	v.SetDefault("download_token_ttl", 5*time.Minute)
	v.SetDefault("download_token_max_usage", 2)
	v.SetDefault("token_purge_interval", time.Hour)
	v.SetDefault("retry_max_attempts", 3)
}

// Load reads configuration with defaults. Environment variables such as
// DATABASE_URL override values from the file named by CONFIG_FILE.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ListenAddr:            v.GetString("listen_addr"),
		MetricsAddr:           v.GetString("metrics_addr"),
		PublicBaseURL:         strings.TrimRight(v.GetString("public_base_url"), "/"),
		TLSCertFile:           v.GetString("tls_cert_file"),
		TLSKeyFile:            v.GetString("tls_key_file"),
		LogLevel:              v.GetString("log_level"),
		LogFormat:             v.GetString("log_format"),
		DatabaseDriver:        strings.ToLower(v.GetString("database_driver")),
		DatabaseURL:           v.GetString("database_url"),
		JWTSecret:             v.GetString("jwt_secret"),
		PickupCodeSecret:      v.GetString("pickup_code_secret"),
		LocalStoragePath:      v.GetString("local_storage_path"),
		ProxyDownloads:        v.GetBool("proxy_downloads"),
		StatsCacheTTL:         v.GetDuration("stats_cache_ttl"),
		MaxUploadSize:         v.GetInt64("max_upload_size"),
		DownloadTokenTTL:      v.GetDuration("download_token_ttl"),
		DownloadTokenMaxUsage: v.GetInt("download_token_max_usage"),
		TokenPurgeInterval:    v.GetDuration("token_purge_interval"),
		RetryMaxAttempts:      v.GetInt("retry_max_attempts"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.PickupCodeSecret == "" {
		cfg.PickupCodeSecret = cfg.JWTSecret
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	if cfg.DownloadTokenMaxUsage < 1 {
		return nil, fmt.Errorf("DOWNLOAD_TOKEN_MAX_USAGE must be at least 1")
	}
	if cfg.DownloadTokenTTL <= 0 {
		return nil, fmt.Errorf("DOWNLOAD_TOKEN_TTL must be positive")
	}
	if cfg.TokenPurgeInterval <= 0 {
		return nil, fmt.Errorf("TOKEN_PURGE_INTERVAL must be positive")
	}

	return cfg, nil
}
