// Package config handles Herald configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for Herald.
type Config struct {
	Accounts   []AccountConfig  `yaml:"accounts"`
	Queue      QueueConfig      `yaml:"queue"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Spawn      SpawnConfig      `yaml:"spawn"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	Relay      RelayConfig      `yaml:"relay"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Daemon     DaemonConfig     `yaml:"daemon"`
}

// AccountConfig defines one chat-server account to monitor. Each account owns
// exactly one event queue scoped to a single stream.
type AccountConfig struct {
	Name           string   `yaml:"name"`
	ServerURL      string   `yaml:"server_url"`
	Email          string   `yaml:"email"`
	APIKey         string   `yaml:"api_key"`
	Stream         string   `yaml:"stream"`
	RequireMention bool     `yaml:"require_mention"`
	AllowedSenders []string `yaml:"allowed_senders"` // empty = anyone
	StatusEmoji    string   `yaml:"status_emoji"`
}

// QueueConfig defines long-poll and backoff behavior for the event queue.
type QueueConfig struct {
	ServerPollTimeout time.Duration `yaml:"server_poll_timeout"` // server-side long-poll window
	PollMargin        time.Duration `yaml:"poll_margin"`         // client timeout = server timeout + margin
	Backoff           BackoffConfig `yaml:"backoff"`
	RateLimitBackoff  BackoffConfig `yaml:"rate_limit_backoff"`
	CatchUpLimit      int           `yaml:"catch_up_limit"`
	FreshnessInterval time.Duration `yaml:"freshness_interval"`
	FreshnessLimit    int           `yaml:"freshness_limit"`
}

// BackoffConfig defines exponential backoff parameters.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// DispatchConfig bounds concurrent inbound handling.
type DispatchConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// CheckpointConfig defines durable in-flight message persistence.
type CheckpointConfig struct {
	Dir         string        `yaml:"dir"`
	MaxAttempts int           `yaml:"max_attempts"`
	MaxAge      time.Duration `yaml:"max_age"`
}

// SpawnConfig bounds the sub-agent spawn tree.
type SpawnConfig struct {
	MaxDepth       int      `yaml:"max_depth"`
	MaxFanout      int      `yaml:"max_fanout"`
	AgentAllowlist []string `yaml:"agent_allowlist"` // "*" = any target agent
	ResumeMinTask  int      `yaml:"resume_min_task"` // shorter tasks are not worth resuming
}

// WatchdogConfig defines idle-detection windows per tool class.
type WatchdogConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	FollowUp       time.Duration `yaml:"follow_up"`
	ExecBuffer     time.Duration `yaml:"exec_buffer"`
	PollFloor      time.Duration `yaml:"poll_floor"`
	SpawnFloor     time.Duration `yaml:"spawn_floor"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
}

// RelayConfig defines progress-message rendering and the optional mirror.
type RelayConfig struct {
	Debounce     time.Duration `yaml:"debounce"`
	StatePath    string        `yaml:"state_path"`
	MirrorStream string        `yaml:"mirror_stream"` // empty = mirroring disabled
	MirrorTopic  string        `yaml:"mirror_topic"`
}

// RuntimeConfig defines the agent-runtime RPC endpoint.
type RuntimeConfig struct {
	URL          string        `yaml:"url"`
	SharedSecret string        `yaml:"shared_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	HistoryLimit int           `yaml:"history_limit"` // read-back window for recovery summaries
}

// DaemonConfig defines heraldd settings.
type DaemonConfig struct {
	Socket        string        `yaml:"socket"`
	Database      string        `yaml:"database"`
	LogFile       string        `yaml:"log_file"`
	LogLevel      string        `yaml:"log_level"`
	SentryDSN     string        `yaml:"sentry_dsn"`
	DeliveryGrace time.Duration `yaml:"delivery_grace"` // extra time after shutdown to deliver computed replies
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/herald")

	return &Config{
		Queue: QueueConfig{
			ServerPollTimeout: 90 * time.Second,
			PollMargin:        30 * time.Second,
			Backoff:           BackoffConfig{Initial: 2 * time.Second, Max: 60 * time.Second, Multiplier: 2.0},
			RateLimitBackoff:  BackoffConfig{Initial: 10 * time.Second, Max: 5 * time.Minute, Multiplier: 2.0},
			CatchUpLimit:      25,
			FreshnessInterval: 5 * time.Minute,
			FreshnessLimit:    5,
		},
		Dispatch: DispatchConfig{
			MaxConcurrent: 4,
		},
		Checkpoint: CheckpointConfig{
			Dir:         filepath.Join(dataDir, "checkpoints"),
			MaxAttempts: 3,
			MaxAge:      24 * time.Hour,
		},
		Spawn: SpawnConfig{
			MaxDepth:       2,
			MaxFanout:      5,
			AgentAllowlist: nil,
			ResumeMinTask:  40,
		},
		Watchdog: WatchdogConfig{
			IdleTimeout:  2 * time.Minute,
			FollowUp:     45 * time.Second,
			ExecBuffer:   30 * time.Second,
			PollFloor:    5 * time.Minute,
			SpawnFloor:   15 * time.Minute,
			ProbeTimeout: 5 * time.Second,
		},
		Relay: RelayConfig{
			Debounce:  1500 * time.Millisecond,
			StatePath: filepath.Join(dataDir, "relay-mirror.json"),
		},
		Runtime: RuntimeConfig{
			URL:          "http://127.0.0.1:8787",
			TokenTTL:     5 * time.Minute,
			HistoryLimit: 30,
		},
		Daemon: DaemonConfig{
			Socket:        "/tmp/herald.sock",
			Database:      filepath.Join(dataDir, "herald.db"),
			LogFile:       filepath.Join(dataDir, "herald.log"),
			LogLevel:      "info",
			DeliveryGrace: 90 * time.Second,
		},
	}
}

// Load reads configuration from the default path or returns defaults.
func Load() (*Config, error) {
	configPath := DefaultConfigPath()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.expandEnvVars()
	return cfg, nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	if p := os.Getenv("HERALD_CONFIG"); p != "" {
		return p
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config/herald/config.yaml")
}

// Validate checks that every account carries the credentials it needs.
// Missing credentials are fatal at startup: the monitor for that account
// cannot run in a degraded mode.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}
	for i, acct := range c.Accounts {
		if acct.Name == "" {
			return fmt.Errorf("account %d: missing name", i)
		}
		if acct.ServerURL == "" {
			return fmt.Errorf("account %q: missing server_url", acct.Name)
		}
		if acct.Email == "" {
			return fmt.Errorf("account %q: missing email", acct.Name)
		}
		if acct.APIKey == "" {
			return fmt.Errorf("account %q: missing api_key", acct.Name)
		}
		if acct.Stream == "" {
			return fmt.Errorf("account %q: missing stream", acct.Name)
		}
	}
	if c.Runtime.SharedSecret == "" {
		return fmt.Errorf("runtime: missing shared_secret")
	}
	return nil
}

func (c *Config) expandEnvVars() {
	for i := range c.Accounts {
		c.Accounts[i].APIKey = os.ExpandEnv(c.Accounts[i].APIKey)
	}
	c.Runtime.SharedSecret = os.ExpandEnv(c.Runtime.SharedSecret)
	c.Daemon.SentryDSN = os.ExpandEnv(c.Daemon.SentryDSN)
}
