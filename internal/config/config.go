package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the gateway.
type Config struct {
	Listen   ListenConfig  `yaml:"listen"`
	IRIS     IRISConfig    `yaml:"iris"`
	Auth     AuthConfig    `yaml:"auth"`
	Pool     PoolConfig    `yaml:"pool"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Limits   LimitConfig   `yaml:"limits"`
	Vector   VectorConfig  `yaml:"vector"`
}

// ListenConfig defines the client and admin bind addresses.
type ListenConfig struct {
	Addr      string `yaml:"addr"` // PostgreSQL protocol listener
	AdminPort int    `yaml:"admin_port"`
	AdminBind string `yaml:"admin_bind"`
	AdminKey  string `yaml:"admin_key"` // optional bearer key for mutating admin calls
}

// IRISConfig names the backend and how the gateway presents it.
type IRISConfig struct {
	Driver    string `yaml:"driver"` // database/sql driver name
	DSN       string `yaml:"dsn"`
	Namespace string `yaml:"namespace"`
	Schema    string `yaml:"schema"`

	// ServerVersion is the PostgreSQL version the gateway claims.
	ServerVersion string `yaml:"server_version"`

	// CredentialQuery returns (username, secret) rows for SCRAM lookups.
	// Empty selects the static user list.
	CredentialQuery string `yaml:"credential_query"`
}

// AuthConfig selects the authentication mode.
type AuthConfig struct {
	Mode            string       `yaml:"mode"` // trust, scram or oauth
	ScramIterations int          `yaml:"scram_iterations"`
	TokenEndpoint   string       `yaml:"token_endpoint"`
	Users           []UserConfig `yaml:"users"`
}

// UserConfig is one statically configured user. Secret is either a
// plaintext password or a SCRAM-SHA-256 verifier string.
type UserConfig struct {
	Username string `yaml:"username"`
	Secret   string `yaml:"secret"`
}

// PoolConfig sizes the IRIS connection pool.
type PoolConfig struct {
	Size             int           `yaml:"size"`
	MaxOverflow      int           `yaml:"max_overflow"`
	AcquireTimeout   time.Duration `yaml:"acquire_timeout"`
	Recycle          time.Duration `yaml:"recycle"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	HealthInterval   time.Duration `yaml:"health_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// TimeoutConfig bounds the session phases.
type TimeoutConfig struct {
	Auth      time.Duration `yaml:"auth"`
	Idle      time.Duration `yaml:"idle"`
	Statement time.Duration `yaml:"statement"`
}

// LimitConfig bounds per-session memory.
type LimitConfig struct {
	MaxFrameBytes int `yaml:"max_frame_bytes"`
	CopyHighWater int `yaml:"copy_high_water"`
	CopyBatchRows int `yaml:"copy_batch_rows"`
}

// VectorConfig maps pgvector operators onto IRIS vector functions.
type VectorConfig struct {
	L2Function     string `yaml:"l2_function"`
	CosineFunction string `yaml:"cosine_function"`
	DotFunction    string `yaml:"dot_function"`
	OID            uint32 `yaml:"oid"`
}

// Redacted returns a copy with secrets masked, for the admin API.
func (c Config) Redacted() Config {
	out := c
	if out.IRIS.DSN != "" {
		out.IRIS.DSN = "***REDACTED***"
	}
	if out.Listen.AdminKey != "" {
		out.Listen.AdminKey = "***REDACTED***"
	}
	users := make([]UserConfig, len(c.Auth.Users))
	for i, u := range c.Auth.Users {
		users[i] = UserConfig{Username: u.Username, Secret: "***REDACTED***"}
	}
	out.Auth.Users = users
	return out
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Addr == "" {
		cfg.Listen.Addr = "0.0.0.0:5432"
	}
	if cfg.Listen.AdminPort == 0 {
		cfg.Listen.AdminPort = 8080
	}
	if cfg.Listen.AdminBind == "" {
		cfg.Listen.AdminBind = "127.0.0.1"
	}
	if cfg.IRIS.Namespace == "" {
		cfg.IRIS.Namespace = "USER"
	}
	if cfg.IRIS.Schema == "" {
		cfg.IRIS.Schema = "SQLUser"
	}
	if cfg.IRIS.ServerVersion == "" {
		cfg.IRIS.ServerVersion = "14.2"
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "scram"
	}
	if cfg.Auth.ScramIterations == 0 {
		cfg.Auth.ScramIterations = 4096
	}
	if cfg.Pool.Size == 0 {
		cfg.Pool.Size = 4
	}
	if cfg.Pool.MaxOverflow == 0 {
		cfg.Pool.MaxOverflow = 8
	}
	if cfg.Pool.AcquireTimeout == 0 {
		cfg.Pool.AcquireTimeout = 10 * time.Second
	}
	if cfg.Pool.Recycle == 0 {
		cfg.Pool.Recycle = 30 * time.Minute
	}
	if cfg.Pool.IdleTimeout == 0 {
		cfg.Pool.IdleTimeout = 5 * time.Minute
	}
	if cfg.Pool.HealthInterval == 0 {
		cfg.Pool.HealthInterval = 15 * time.Second
	}
	if cfg.Pool.FailureThreshold == 0 {
		cfg.Pool.FailureThreshold = 3
	}
	if cfg.Timeouts.Auth == 0 {
		cfg.Timeouts.Auth = 5 * time.Second
	}
	if cfg.Limits.MaxFrameBytes == 0 {
		cfg.Limits.MaxFrameBytes = 1 << 20
	}
	if cfg.Limits.CopyHighWater == 0 {
		cfg.Limits.CopyHighWater = 10 << 20
	}
	if cfg.Limits.CopyBatchRows == 0 {
		cfg.Limits.CopyBatchRows = 100
	}
	if cfg.Vector.L2Function == "" {
		cfg.Vector.L2Function = "VECTOR_L2"
	}
	if cfg.Vector.CosineFunction == "" {
		cfg.Vector.CosineFunction = "VECTOR_COSINE"
	}
	if cfg.Vector.DotFunction == "" {
		cfg.Vector.DotFunction = "VECTOR_DOT_PRODUCT"
	}
	if cfg.Vector.OID == 0 {
		cfg.Vector.OID = 16385
	}
}

func validate(cfg *Config) error {
	switch cfg.Auth.Mode {
	case "", "trust", "scram", "oauth":
	default:
		return fmt.Errorf("auth: unsupported mode %q (must be trust, scram or oauth)", cfg.Auth.Mode)
	}
	if cfg.Auth.Mode == "oauth" && cfg.Auth.TokenEndpoint == "" {
		return fmt.Errorf("auth: token_endpoint is required for oauth mode")
	}
	if cfg.IRIS.DSN == "" {
		return fmt.Errorf("iris: dsn is required")
	}
	if cfg.IRIS.Driver == "" {
		return fmt.Errorf("iris: driver is required")
	}
	for i, u := range cfg.Auth.Users {
		if u.Username == "" {
			return fmt.Errorf("auth: user %d: username is required", i)
		}
		if cfg.Auth.Mode == "scram" && u.Secret == "" {
			return fmt.Errorf("auth: user %q: secret is required for scram mode", u.Username)
		}
	}
	if cfg.Pool.MaxOverflow < 0 {
		return fmt.Errorf("pool: max_overflow must not be negative")
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
