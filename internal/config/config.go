// Package config loads the client engine configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/tensorlab/rtmlink/internal/session"
)

var ErrAddrRequired = errors.New("config: addr required")

// ClientConfig is the on-disk shape for one instrument client.
// Durations are Go duration strings ("5s", "250ms").
type ClientConfig struct {
	Addr     string `toml:"addr"`
	LogLevel string `toml:"log_level"`

	ConnectTimeout     string `toml:"connect_timeout"`
	HandshakeTimeout   string `toml:"handshake_timeout"`
	WriteTimeout       string `toml:"write_timeout"`
	AwaitTimeout       string `toml:"await_timeout"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`

	SecurityMode string    `toml:"security_mode"`
	TLS          TLSConfig `toml:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	ServerName         string `toml:"server_name"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
}

// LoadClientConfig reads and validates path.
func LoadClientConfig(path string) (ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var cfg ClientConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return ClientConfig{}, ErrAddrRequired
	}
	if _, err := cfg.SessionConfig(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// SessionConfig converts the file shape to transport settings.
func (c ClientConfig) SessionConfig() (session.Config, error) {
	cfg := session.DefaultConfig()

	set := func(dst *time.Duration, raw, field string) error {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: parse %s: %w", field, err)
		}
		*dst = d
		return nil
	}
	if err := set(&cfg.ConnectTimeout, c.ConnectTimeout, "connect_timeout"); err != nil {
		return session.Config{}, err
	}
	if err := set(&cfg.HandshakeTimeout, c.HandshakeTimeout, "handshake_timeout"); err != nil {
		return session.Config{}, err
	}
	if err := set(&cfg.WriteTimeout, c.WriteTimeout, "write_timeout"); err != nil {
		return session.Config{}, err
	}
	if c.MaxConnectAttempts != 0 {
		cfg.MaxConnectAttempts = c.MaxConnectAttempts
	}
	if mode := strings.TrimSpace(c.SecurityMode); mode != "" {
		cfg.SecurityMode = session.SecurityMode(mode)
	}
	cfg.TLS = session.TLSConfig{
		Enabled:            c.TLS.Enabled,
		Mutual:             c.TLS.Mutual,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		ServerName:         c.TLS.ServerName,
		CAFile:             c.TLS.CAFile,
		CertFile:           c.TLS.CertFile,
		KeyFile:            c.TLS.KeyFile,
	}
	if err := cfg.ValidateTransport(); err != nil {
		return session.Config{}, err
	}
	return cfg, nil
}

// AwaitTimeoutDuration parses the await timeout, zero when unset.
func (c ClientConfig) AwaitTimeoutDuration() (time.Duration, error) {
	raw := strings.TrimSpace(c.AwaitTimeout)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: parse await_timeout: %w", err)
	}
	return d, nil
}
