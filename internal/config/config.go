package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration struct
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Netmon  NetmonConfig  `mapstructure:"netmon"`
	TTL     TTLConfig     `mapstructure:"ttl"`
}

// StorageConfig holds persistent store settings
type StorageConfig struct {
	Backend         string `mapstructure:"backend"` // "pebble" or "sqlite"
	Path            string `mapstructure:"path"`
	QuotaBytes      int64  `mapstructure:"quotaBytes"` // 0 = unlimited
	QuotaReliefDays int    `mapstructure:"quotaReliefDays"`
}

// CacheConfig holds cache manager settings
type CacheConfig struct {
	RetentionDays int `mapstructure:"retentionDays"`
}

// SyncConfig holds retry and flush behaviour for the sync orchestrator
type SyncConfig struct {
	MaxAttempts     int           `mapstructure:"maxAttempts"`
	BaseDelay       time.Duration `mapstructure:"baseDelay"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxDelay        time.Duration `mapstructure:"maxDelay"`
	Debounce        time.Duration `mapstructure:"debounce"`
	DeadLetterLimit int           `mapstructure:"deadLetterLimit"`
}

// GatewayConfig holds the HTTP gateway settings
type GatewayConfig struct {
	Addr            string        `mapstructure:"addr"`
	Upstream        string        `mapstructure:"upstream"`
	AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
	RequestTimeout  time.Duration `mapstructure:"requestTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// WorkerConfig holds background trigger settings
type WorkerConfig struct {
	Version      int      `mapstructure:"version"`
	Assets       []string `mapstructure:"assets"`
	FallbackPage string   `mapstructure:"fallbackPage"`
	FlushSpec    string   `mapstructure:"flushSpec"`
	CleanupSpec  string   `mapstructure:"cleanupSpec"`
	StatsSpec    string   `mapstructure:"statsSpec"`
}

// NetmonConfig holds connectivity monitor settings
type NetmonConfig struct {
	ProbeURL      string        `mapstructure:"probeURL"` // empty disables the prober
	ProbeInterval time.Duration `mapstructure:"probeInterval"`
	SlowRTT       time.Duration `mapstructure:"slowRTT"`
	SlowDownlink  float64       `mapstructure:"slowDownlink"` // Mbps
}

// TTLConfig allows overriding the per-profile cache lifetimes
type TTLConfig struct {
	UserProfile       time.Duration `mapstructure:"userProfile"`
	FriendsList       time.Duration `mapstructure:"friendsList"`
	LocationData      time.Duration `mapstructure:"locationData"`
	EmergencyContacts time.Duration `mapstructure:"emergencyContacts"`
	APIResponse       time.Duration `mapstructure:"apiResponse"`
	WeatherData       time.Duration `mapstructure:"weatherData"`
	Notifications     time.Duration `mapstructure:"notifications"`
	Default           time.Duration `mapstructure:"default"`
}

// Load reads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("storage.backend", "pebble")
	v.SetDefault("storage.path", "./data")
	v.SetDefault("storage.quotaBytes", int64(64<<20))
	v.SetDefault("storage.quotaReliefDays", 7)
	v.SetDefault("cache.retentionDays", 30)
	v.SetDefault("sync.maxAttempts", 5)
	v.SetDefault("sync.baseDelay", time.Second)
	v.SetDefault("sync.multiplier", 2.0)
	v.SetDefault("sync.maxDelay", 5*time.Minute)
	v.SetDefault("sync.debounce", 2*time.Second)
	v.SetDefault("sync.deadLetterLimit", 100)
	v.SetDefault("gateway.addr", "127.0.0.1:8790")
	v.SetDefault("gateway.upstream", "")
	v.SetDefault("gateway.allowedOrigins", []string{"*"})
	v.SetDefault("gateway.requestTimeout", 10*time.Second)
	v.SetDefault("gateway.shutdownTimeout", 5*time.Second)
	v.SetDefault("worker.version", 1)
	v.SetDefault("worker.assets", []string{"/offline.html"})
	v.SetDefault("worker.fallbackPage", "/offline.html")
	v.SetDefault("worker.flushSpec", "@every 1m")
	v.SetDefault("worker.cleanupSpec", "@daily")
	v.SetDefault("worker.statsSpec", "@every 1m")
	v.SetDefault("netmon.probeURL", "")
	v.SetDefault("netmon.probeInterval", 30*time.Second)
	v.SetDefault("netmon.slowRTT", 600*time.Millisecond)
	v.SetDefault("netmon.slowDownlink", 0.5)
	v.SetDefault("ttl.userProfile", 24*time.Hour)
	v.SetDefault("ttl.friendsList", 6*time.Hour)
	v.SetDefault("ttl.locationData", 5*time.Minute)
	v.SetDefault("ttl.emergencyContacts", 7*24*time.Hour)
	v.SetDefault("ttl.apiResponse", 10*time.Minute)
	v.SetDefault("ttl.weatherData", 30*time.Minute)
	v.SetDefault("ttl.notifications", 7*24*time.Hour)
	v.SetDefault("ttl.default", 24*time.Hour)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
