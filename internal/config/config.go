// Package config loads client and relay settings from defaults, an optional
// TOML file and ACKCHAT_* environment variables, in that order.
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"

	"github.com/omochice/ackchat/internal/delivery"
	"github.com/omochice/ackchat/internal/liveness"
	"github.com/omochice/ackchat/internal/router"
	"github.com/omochice/ackchat/pkg/protocol"
)

var ErrInvalid = errors.New("config: invalid configuration")

// WebSocket client implementations selectable with connection.driver.
const (
	DriverGobwas = "gobwas"
	DriverCoder  = "coder"
)

// Config is the client configuration.
type Config struct {
	Connection Connection `toml:"connection"`
	Delivery   Delivery   `toml:"delivery"`
	Acks       Acks       `toml:"acks"`
	Log        Log        `toml:"log"`
}

type Connection struct {
	ServerURL            string        `toml:"server_url"             env:"ACKCHAT_SERVER_URL"`
	Format               string        `toml:"format"                 env:"ACKCHAT_FORMAT"`
	Driver               string        `toml:"driver"                 env:"ACKCHAT_DRIVER"`
	DialTimeout          time.Duration `toml:"dial_timeout"           env:"ACKCHAT_DIAL_TIMEOUT"`
	WriteTimeout         time.Duration `toml:"write_timeout"          env:"ACKCHAT_WRITE_TIMEOUT"`
	HeartbeatInterval    time.Duration `toml:"heartbeat_interval"     env:"ACKCHAT_HEARTBEAT_INTERVAL"`
	HeartbeatTimeout     time.Duration `toml:"heartbeat_timeout"      env:"ACKCHAT_HEARTBEAT_TIMEOUT"`
	ReconnectInterval    time.Duration `toml:"reconnect_interval"     env:"ACKCHAT_RECONNECT_INTERVAL"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts" env:"ACKCHAT_MAX_RECONNECT_ATTEMPTS"`
}

type Delivery struct {
	RetryInterval time.Duration `toml:"retry_interval" env:"ACKCHAT_RETRY_INTERVAL"`
	MaxRetries    int           `toml:"max_retries"    env:"ACKCHAT_MAX_RETRIES"`
	MaxAge        time.Duration `toml:"max_age"        env:"ACKCHAT_MAX_AGE"`
	SweepInterval time.Duration `toml:"sweep_interval" env:"ACKCHAT_SWEEP_INTERVAL"`
}

type Acks struct {
	BatchSize  int           `toml:"batch_size"  env:"ACKCHAT_ACK_BATCH_SIZE"`
	BatchDelay time.Duration `toml:"batch_delay" env:"ACKCHAT_ACK_BATCH_DELAY"`
	Policy     string        `toml:"policy"      env:"ACKCHAT_ACK_POLICY"`
}

type Log struct {
	Level string `toml:"level" env:"ACKCHAT_LOG_LEVEL"`
}

// Default returns the built-in configuration.
func Default() Config {
	lv := liveness.DefaultConfig()
	dv := delivery.DefaultConfig()
	ab := router.DefaultBatchConfig()
	return Config{
		Connection: Connection{
			ServerURL:            "http://localhost:8080",
			Format:               protocol.FormatJSON.String(),
			Driver:               DriverGobwas,
			DialTimeout:          10 * time.Second,
			WriteTimeout:         5 * time.Second,
			HeartbeatInterval:    lv.HeartbeatInterval,
			HeartbeatTimeout:     lv.HeartbeatTimeout,
			ReconnectInterval:    lv.ReconnectInterval,
			MaxReconnectAttempts: lv.MaxReconnectAttempts,
		},
		Delivery: Delivery{
			RetryInterval: dv.RetryInterval,
			MaxRetries:    dv.MaxRetries,
			MaxAge:        dv.MaxAge,
			SweepInterval: dv.SweepInterval,
		},
		Acks: Acks{
			BatchSize:  ab.Size,
			BatchDelay: ab.Delay,
			Policy:     ab.Policy.String(),
		},
		Log: Log{Level: "info"},
	}
}

// Load layers the TOML file at path (skipped when empty) and the
// environment over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := decodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, target any) error {
	if path == "" {
		return nil
	}
	meta, err := toml.DecodeFile(path, target)
	if err != nil {
		return errors.Wrapf(err, "failed to load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return errors.Wrapf(ErrInvalid, "unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if err := validServerURL(c.Connection.ServerURL); err != nil {
		return err
	}
	if _, err := protocol.ParseFormat(c.Connection.Format); err != nil {
		return errors.Wrapf(ErrInvalid, "format: %v", err)
	}
	switch c.Connection.Driver {
	case DriverGobwas, DriverCoder:
	default:
		return errors.Wrapf(ErrInvalid, "driver %q: want %s or %s", c.Connection.Driver, DriverGobwas, DriverCoder)
	}
	if _, err := router.ParseFlushPolicy(c.Acks.Policy); err != nil {
		return errors.Wrapf(ErrInvalid, "ack policy: %v", err)
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"dial_timeout", c.Connection.DialTimeout},
		{"heartbeat_interval", c.Connection.HeartbeatInterval},
		{"heartbeat_timeout", c.Connection.HeartbeatTimeout},
		{"reconnect_interval", c.Connection.ReconnectInterval},
		{"retry_interval", c.Delivery.RetryInterval},
		{"max_age", c.Delivery.MaxAge},
		{"batch_delay", c.Acks.BatchDelay},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return errors.Wrapf(ErrInvalid, "%s must be positive, got %s", p.name, p.d)
		}
	}
	if c.Connection.HeartbeatTimeout < c.Connection.HeartbeatInterval {
		return errors.Wrapf(ErrInvalid, "heartbeat_timeout %s is shorter than heartbeat_interval %s",
			c.Connection.HeartbeatTimeout, c.Connection.HeartbeatInterval)
	}
	if c.Connection.MaxReconnectAttempts < 0 {
		return errors.Wrap(ErrInvalid, "max_reconnect_attempts must not be negative")
	}
	if c.Delivery.MaxRetries < 0 {
		return errors.Wrap(ErrInvalid, "max_retries must not be negative")
	}
	// Backoff doubles per retry; keep the largest delay representable.
	if c.Delivery.MaxRetries > 30 {
		return errors.Wrap(ErrInvalid, "max_retries must be at most 30")
	}
	if c.Acks.BatchSize < 1 {
		return errors.Wrap(ErrInvalid, "batch_size must be at least 1")
	}
	return nil
}

func validServerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(ErrInvalid, "server_url: %v", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.Wrapf(ErrInvalid, "server_url %q: unsupported scheme", raw)
	}
	if u.Host == "" {
		return errors.Wrapf(ErrInvalid, "server_url %q: missing host", raw)
	}
	return nil
}

// WireFormat returns the parsed frame format.
func (c Config) WireFormat() protocol.Format {
	f, _ := protocol.ParseFormat(c.Connection.Format)
	return f
}

// Liveness returns the probe and reconnection settings.
func (c Config) Liveness() liveness.Config {
	return liveness.Config{
		HeartbeatInterval:    c.Connection.HeartbeatInterval,
		HeartbeatTimeout:     c.Connection.HeartbeatTimeout,
		ReconnectInterval:    c.Connection.ReconnectInterval,
		MaxReconnectAttempts: c.Connection.MaxReconnectAttempts,
	}
}

// Tracker returns the retry schedule.
func (c Config) Tracker() delivery.Config {
	return delivery.Config{
		RetryInterval: c.Delivery.RetryInterval,
		MaxRetries:    c.Delivery.MaxRetries,
		MaxAge:        c.Delivery.MaxAge,
		SweepInterval: c.Delivery.SweepInterval,
	}
}

// Batch returns the acknowledgment batching settings.
func (c Config) Batch() router.BatchConfig {
	policy, _ := router.ParseFlushPolicy(c.Acks.Policy)
	return router.BatchConfig{
		Size:   c.Acks.BatchSize,
		Delay:  c.Acks.BatchDelay,
		Policy: policy,
	}
}
