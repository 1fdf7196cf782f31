package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the cloaking engine
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Geo       GeoConfig       `yaml:"geo"`
	Detection DetectionConfig `yaml:"detection"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
	Token     TokenConfig     `yaml:"token"`
	Events    EventsConfig    `yaml:"events"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	Host         string        `yaml:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite3
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

type CacheConfig struct {
	// Backend: "memory" (bigcache) or "redis"
	Backend     string        `yaml:"backend"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisDB     int           `yaml:"redis_db"`
	DecisionTTL time.Duration `yaml:"decision_ttl"`
	GeoTTL      time.Duration `yaml:"geo_ttl"`
	MaxSizeMB   int           `yaml:"max_size_mb"`
}

type GeoConfig struct {
	// Provider: "maxmind" or "webapi"
	Provider      string        `yaml:"provider"`
	CityDBPath    string        `yaml:"city_db_path"`
	ASNDBPath     string        `yaml:"asn_db_path"`
	WebAPIURL     string        `yaml:"web_api_url"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

type DetectionConfig struct {
	// Thresholds for the weighted fallback scorers, 0..1
	BotThreshold      float64 `yaml:"bot_threshold"`
	HeadlessThreshold float64 `yaml:"headless_threshold"`
	ScraperThreshold  float64 `yaml:"scraper_threshold"`

	// TOR exit nodes newer than this are considered live
	TorMaxAge time.Duration `yaml:"tor_max_age"`
	// How often the in-memory TOR/datacenter sets are reloaded from storage
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type RateLimitConfig struct {
	MaxRequests           int `yaml:"max_requests"`
	WindowSeconds         int `yaml:"window_seconds"`
	ViolationsBeforeBlock int `yaml:"violations_before_block"`
	BlockDurationSeconds  int `yaml:"block_duration_seconds"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type TokenConfig struct {
	// Secret signs decision tokens handed to the redirect layer
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

type EventsConfig struct {
	Enabled    bool          `yaml:"enabled"`
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			cfg.Server.Port = p
		}
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}

	// Database defaults
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "./data/cloakd.db"
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}

	// Cache defaults
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.RedisAddr == "" {
		cfg.Cache.RedisAddr = "localhost:6379"
	}
	if cfg.Cache.DecisionTTL == 0 {
		cfg.Cache.DecisionTTL = 5 * time.Minute
	}
	if cfg.Cache.GeoTTL == 0 {
		cfg.Cache.GeoTTL = time.Hour
	}
	if cfg.Cache.MaxSizeMB == 0 {
		cfg.Cache.MaxSizeMB = 50
	}

	// Geo defaults
	if cfg.Geo.Provider == "" {
		cfg.Geo.Provider = "maxmind"
	}
	if cfg.Geo.CityDBPath == "" {
		cfg.Geo.CityDBPath = "./data/GeoLite2-City.mmdb"
	}
	if cfg.Geo.ASNDBPath == "" {
		cfg.Geo.ASNDBPath = "./data/GeoLite2-ASN.mmdb"
	}
	if cfg.Geo.LookupTimeout == 0 {
		cfg.Geo.LookupTimeout = 3 * time.Second
	}

	// Detection defaults
	if cfg.Detection.BotThreshold == 0 {
		cfg.Detection.BotThreshold = 0.5
	}
	if cfg.Detection.HeadlessThreshold == 0 {
		cfg.Detection.HeadlessThreshold = 0.5
	}
	if cfg.Detection.ScraperThreshold == 0 {
		cfg.Detection.ScraperThreshold = 0.6
	}
	if cfg.Detection.TorMaxAge == 0 {
		cfg.Detection.TorMaxAge = 7 * 24 * time.Hour
	}
	if cfg.Detection.RefreshInterval == 0 {
		cfg.Detection.RefreshInterval = 15 * time.Minute
	}

	// Rate limit defaults
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 60
	}
	if cfg.RateLimit.WindowSeconds == 0 {
		cfg.RateLimit.WindowSeconds = 60
	}
	if cfg.RateLimit.ViolationsBeforeBlock == 0 {
		cfg.RateLimit.ViolationsBeforeBlock = 5
	}
	if cfg.RateLimit.BlockDurationSeconds == 0 {
		cfg.RateLimit.BlockDurationSeconds = 3600
	}

	// Log defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// Token defaults
	if cfg.Token.Secret == "" {
		cfg.Token.Secret = "change-this-secret-in-production"
	}
	if envSecret := os.Getenv("TOKEN_SECRET"); envSecret != "" {
		cfg.Token.Secret = envSecret
	}
	if cfg.Token.TTL == 0 {
		cfg.Token.TTL = 5 * time.Minute
	}

	// Events defaults
	if cfg.Events.Timeout == 0 {
		cfg.Events.Timeout = 10 * time.Second
	}
}

// Save writes configuration to a YAML file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
