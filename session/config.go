package session

import (
	"fmt"
	"time"

	"github.com/kydenul/log"
	"github.com/spf13/viper"
)

const (
	DefaultMinSessions       = 4
	DefaultMaxSessions       = 100
	DefaultMaxIdleSessions   = 10
	DefaultWriteFraction     = 0.2
	DefaultAcquireTimeout    = 30 * time.Second
	DefaultKeepAliveInterval = 5 * time.Minute
)

// Config holds session pool configuration.
type Config struct {
	// MinSessions is the number of sessions the pool warms up to when opened.
	MinSessions int `mapstructure:"min_sessions"`

	// MaxSessions bounds idle plus leased sessions. When reached, callers
	// queue until a session is released or AcquireTimeout elapses.
	MaxSessions int `mapstructure:"max_sessions"`

	// MaxIdleSessions bounds the idle set; surplus sessions are destroyed.
	MaxIdleSessions int `mapstructure:"max_idle_sessions"`

	// WriteFraction is the share of warmed-up sessions prepared with a
	// pre-begun read-write transaction. Range [0, 1].
	WriteFraction float64 `mapstructure:"write_fraction"`

	// AcquireTimeout bounds how long an acquisition waits for a session
	// before failing with ErrPoolExhausted. Callers are never left waiting
	// indefinitely.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`

	// KeepAliveInterval is the cadence of the background maintenance pass
	// (idle session pings, idle-set shrinking).
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval"`

	// TrackLeaks records a stack trace at every checkout so sessions still
	// leased at Close can be reported with their acquisition site.
	TrackLeaks bool `mapstructure:"track_leaks"`

	// Labels are attached to every session the pool creates.
	Labels map[string]string `mapstructure:"labels"`

	// Logger is an optional custom logger. If nil, DiscardLog will be used.
	Logger log.Logger `mapstructure:"-"`
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"PoolConfig ==> MinSessions: %d, MaxSessions: %d, MaxIdleSessions: %d, "+
			"WriteFraction: %.2f, AcquireTimeout: %s, KeepAliveInterval: %s, TrackLeaks: %v",
		c.MinSessions,
		c.MaxSessions,
		c.MaxIdleSessions,
		c.WriteFraction,
		c.AcquireTimeout,
		c.KeepAliveInterval,
		c.TrackLeaks,
	)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		MinSessions:       DefaultMinSessions,
		MaxSessions:       DefaultMaxSessions,
		MaxIdleSessions:   DefaultMaxIdleSessions,
		WriteFraction:     DefaultWriteFraction,
		AcquireTimeout:    DefaultAcquireTimeout,
		KeepAliveInterval: DefaultKeepAliveInterval,
		TrackLeaks:        true,
		Logger:            nil,
	}
}

// LoadConfigFromFile loads pool config from file.
//
//   - configFile: The path to the configuration file.
//   - key: The key in the configuration file where the pool configuration
//     is located. Recommended: `Test` / `Pre-Release` / `Production`
func LoadConfigFromFile(configFile, key string) *Config {
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("Failed to read config file: %v", err)
	}

	cfg := DefaultConfig()
	if err := v.UnmarshalKey(key, cfg); err != nil {
		log.Fatalf("Failed to unmarshal pool config: %v", err)
	}

	log.Info(cfg)

	return cfg
}
