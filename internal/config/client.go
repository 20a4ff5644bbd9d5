package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

const (
	defaultRemoteBaseURL   = "http://127.0.0.1:8080"
	defaultRemoteTimeout   = 15 * time.Second
	defaultSyncInterval    = 30 * time.Second
	defaultProbeInterval   = 10 * time.Second
	localDatabaseRelPath   = "wordbank/local.db"
	minimumSyncingInterval = time.Second
)

// ClientConfig captures runtime configuration for the offline-first client.
type ClientConfig struct {
	RemoteBaseURL     string
	RemoteToken       string
	RemoteTimeout     time.Duration
	SyncInterval      time.Duration
	RequeueOnFailure  bool
	ProbeInterval     time.Duration
	LocalDatabasePath string
	LogLevel          string
	LogFile           string
}

func applyClientDefaults(configViper *viper.Viper) {
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.requeue_on_failure", false)
	configViper.SetDefault("probe.interval", defaultProbeInterval)
	configViper.SetDefault("log.file", "")
}

// LoadClient parses client configuration from viper. An empty local database path resolves to the
// XDG data directory.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		RemoteBaseURL:     strings.TrimRight(strings.TrimSpace(configViper.GetString("remote.base_url")), "/"),
		RemoteToken:       strings.TrimSpace(configViper.GetString("remote.token")),
		RemoteTimeout:     configViper.GetDuration("remote.timeout"),
		SyncInterval:      configViper.GetDuration("sync.interval"),
		RequeueOnFailure:  configViper.GetBool("sync.requeue_on_failure"),
		ProbeInterval:     configViper.GetDuration("probe.interval"),
		LocalDatabasePath: strings.TrimSpace(configViper.GetString("local.database_path")),
		LogLevel:          configViper.GetString("log.level"),
		LogFile:           strings.TrimSpace(configViper.GetString("log.file")),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	if cfg.LocalDatabasePath == "" {
		path, err := xdg.DataFile(localDatabaseRelPath)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("resolve local database path: %w", err)
		}
		cfg.LocalDatabasePath = path
	}

	return cfg, nil
}

// SyncIntervalFrom reads just the sync interval, used when the config file changes under a running client.
func SyncIntervalFrom(configViper *viper.Viper) (time.Duration, error) {
	interval := configViper.GetDuration("sync.interval")
	if interval < minimumSyncingInterval {
		return 0, fmt.Errorf("sync.interval must be at least %s", minimumSyncingInterval)
	}
	return interval, nil
}

func (c ClientConfig) validate() error {
	parsed, err := url.Parse(c.RemoteBaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("remote.base_url %q is not an absolute URL", c.RemoteBaseURL)
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.SyncInterval < minimumSyncingInterval {
		return fmt.Errorf("sync.interval must be at least %s", minimumSyncingInterval)
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe.interval must be positive")
	}
	return nil
}
