// Package config loads, persists and validates the broker
// configuration. The file is JSON at a well-known path; the daemon
// either writes it from flags (CONFIG_REUSE=0) or reuses the existing
// one (CONFIG_REUSE=1).
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// DefaultPath is the well-known config file location.
const DefaultPath = "/etc/quasar_config.json"

// DaemonConfig holds knobs that are not part of the operator-facing
// file contract but tune the running daemon.
type DaemonConfig struct {
	LogLevel  string `json:"log_level"`  // debug, info, warn, error
	LogFormat string `json:"log_format"` // text, json
	AdminAddr string `json:"admin_addr"` // /metrics + /healthz listener; empty disables
	Namespace string `json:"namespace"`  // Prometheus namespace
}

// Config is the broker configuration. The upper-case members are the
// operator file contract shared with the original deployment tooling.
type Config struct {
	Host           string `json:"HOST"`
	Port           int    `json:"PORT"`
	MaxConn        int    `json:"MAX_CONN"`
	UserName       string `json:"USER_NAME"`
	Passwd         string `json:"PASSWD"`
	Timeout        int    `json:"TIMEOUT"` // idle poll cycle, seconds
	AckDBFile      string `json:"ACK_PROCESS_DB_FILE"`
	SendDBFile     string `json:"COMPLETELY_PERSISTENT_PROCESS_DB_FILE"`
	ResendInterval int    `json:"RESEND_INTERVAL"` // seconds

	Daemon DaemonConfig `json:"daemon"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:           "0.0.0.0",
		Port:           15673,
		MaxConn:        100,
		UserName:       "quasar",
		Passwd:         "quasar123",
		Timeout:        10,
		AckDBFile:      "/var/lib/quasar/ack_process.db",
		SendDBFile:     "/var/lib/quasar/send_process.db",
		ResendInterval: 300,
		Daemon: DaemonConfig{
			LogLevel:  "info",
			LogFormat: "text",
			AdminAddr: "",
			Namespace: "quasar",
		},
	}
}

// LoadFromFile loads configuration from a JSON file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// SaveToFile persists the config as indented JSON.
func SaveToFile(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv applies environment variable overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("QUASAR_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("QUASAR_USER_NAME"); v != "" {
		cfg.UserName = v
	}
	if v := os.Getenv("QUASAR_PASSWD"); v != "" {
		cfg.Passwd = v
	}
	if v := os.Getenv("QUASAR_ADMIN_ADDR"); v != "" {
		cfg.Daemon.AdminAddr = v
	}
	if v := os.Getenv("QUASAR_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("QUASAR_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
}

// Validate checks the operator-supplied values. Journal directories are
// created when absent.
func (c *Config) Validate() error {
	if !isLocalHost(c.Host) {
		return fmt.Errorf("config: HOST %q is not a local address", c.Host)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT %d out of range 1-65535", c.Port)
	}
	if len(c.UserName) < 5 || len(c.Passwd) < 5 {
		return fmt.Errorf("config: USER_NAME and PASSWD must be at least 5 characters")
	}
	if c.MaxConn < 1 {
		return fmt.Errorf("config: MAX_CONN must be positive")
	}
	if c.ResendInterval < 1 {
		return fmt.Errorf("config: RESEND_INTERVAL must be positive")
	}
	for _, dbFile := range []string{c.AckDBFile, c.SendDBFile} {
		dir := filepath.Dir(dbFile)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: journal directory %s: %w", dir, err)
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return fmt.Errorf("config: journal directory %s missing", dir)
		}
	}
	return nil
}

// isLocalHost reports whether host names this machine: a wildcard, a
// loopback name, the hostname, or an address assigned to an interface.
func isLocalHost(host string) bool {
	switch host {
	case "", "0.0.0.0", "::", "localhost", "127.0.0.1", "::1":
		return true
	}
	if name, err := os.Hostname(); err == nil && host == name {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil && ip.String() == host {
			return true
		}
	}
	return false
}
