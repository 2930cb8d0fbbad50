// Package config loads the static YAML configuration of the presence sync service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/illmade-knight/go-presencesync/pkg/microservice"
	"github.com/illmade-knight/go-presencesync/pkg/types"
	"gopkg.in/yaml.v3"
)

// Cache backends.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
)

// Config is the full service configuration.
type Config struct {
	Service  microservice.BaseConfig `yaml:"service"`
	Presence PresenceConfig          `yaml:"presence"`
	Push     PushConfig              `yaml:"push"`
	Cache    CacheConfig             `yaml:"cache"`
}

// PresenceConfig describes the subject being tracked and how.
type PresenceConfig struct {
	SubjectID       string          `yaml:"subject_id"`
	APIEndpoint     string          `yaml:"api_endpoint"`
	Transport       types.Transport `yaml:"transport"`
	PollInterval    time.Duration   `yaml:"poll_interval"`
	CacheTTL        time.Duration   `yaml:"cache_ttl"`
	ShowStatus      bool            `yaml:"show_status"`
	FallbackAvatar  string          `yaml:"fallback_avatar"`
	SkeletonTimeout time.Duration   `yaml:"skeleton_timeout"`
	FetchTimeout    time.Duration   `yaml:"fetch_timeout"`
}

// PushConfig is the push connection policy.
type PushConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelayMin time.Duration `yaml:"reconnect_delay_min"`
	ReconnectDelayMax time.Duration `yaml:"reconnect_delay_max"`
}

// CacheConfig selects and configures the presence store.
type CacheConfig struct {
	Backend   string          `yaml:"backend"`
	Redis     RedisConfig     `yaml:"redis"`
	Firestore FirestoreConfig `yaml:"firestore"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// Default returns a configuration with every optional field set.
func Default() *Config {
	return &Config{
		Service: microservice.BaseConfig{
			ServiceName: "presencesync",
			LogLevel:    "info",
			LogFormat:   "json",
			HTTPPort:    ":8080",
		},
		Presence: PresenceConfig{
			Transport:       types.TransportPush,
			PollInterval:    30 * time.Second,
			CacheTTL:        5 * time.Minute,
			ShowStatus:      true,
			FallbackAvatar:  "/profile.png",
			SkeletonTimeout: 50 * time.Millisecond,
			FetchTimeout:    10 * time.Second,
		},
		Push: PushConfig{
			ConnectTimeout:    20 * time.Second,
			ReconnectAttempts: 5,
			ReconnectDelayMin: 2 * time.Second,
			ReconnectDelayMax: 10 * time.Second,
		},
		Cache: CacheConfig{
			Backend: BackendMemory,
			Redis: RedisConfig{
				KeyPrefix: "presence:",
			},
			Firestore: FirestoreConfig{
				Collection: "presence",
			},
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	p := c.Presence
	if p.SubjectID == "" {
		return errors.New("presence.subject_id is required")
	}
	if p.APIEndpoint == "" {
		return errors.New("presence.api_endpoint is required")
	}
	u, err := url.Parse(p.APIEndpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("presence.api_endpoint %q is not an absolute URL", p.APIEndpoint)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("presence.api_endpoint has unsupported scheme %q", u.Scheme)
	}
	switch p.Transport {
	case types.TransportPush, types.TransportPoll:
	default:
		return fmt.Errorf("presence.transport must be %q or %q, got %q", types.TransportPush, types.TransportPoll, p.Transport)
	}
	if p.Transport == types.TransportPoll && p.PollInterval <= 0 {
		return errors.New("presence.poll_interval must be positive for the poll transport")
	}
	if p.CacheTTL <= 0 {
		return errors.New("presence.cache_ttl must be positive")
	}

	if c.Push.ReconnectAttempts < 0 {
		return errors.New("push.reconnect_attempts cannot be negative")
	}
	if c.Push.ReconnectDelayMax < c.Push.ReconnectDelayMin {
		return errors.New("push.reconnect_delay_max cannot be below push.reconnect_delay_min")
	}

	switch c.Service.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("service.log_format must be json or console, got %q", c.Service.LogFormat)
	}

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Cache.Redis.Addr == "" {
			return errors.New("cache.redis.addr is required for the redis backend")
		}
	case BackendFirestore:
		if c.Cache.Firestore.ProjectID == "" || c.Cache.Firestore.Collection == "" {
			return errors.New("cache.firestore.project_id and cache.firestore.collection are required for the firestore backend")
		}
	default:
		return fmt.Errorf("cache.backend %q is not supported", c.Cache.Backend)
	}
	return nil
}
