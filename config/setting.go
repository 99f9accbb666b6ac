// Package config loads tunnel settings from an optional JSON file, lets the
// caller layer CLI-flag overrides on top, and then fills defaults and
// validates the result in Finalize. Settings are loaded once; there is no
// reload entrypoint.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"

	"encoding/json"
)

// DefaultKeyHex is the all-zero 32-byte key used when no --key is given.
// It is intentionally insecure; the tunnel has no key-agreement story (see
// Non-goals), so a real deployment must always pass --key explicitly.
const DefaultKeyHex = "0000000000000000000000000000000000000000000000000000000000000000"

// Log controls where and how verbosely the process logs.
type Log struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// Tunnel holds every knob the datapath needs to bring itself up.
type Tunnel struct {
	Bind       string `json:"bind"`
	Peer       string `json:"peer"`
	TunIP      string `json:"tun_ip"`
	KeyHex     string `json:"key"`
	Chaos      bool   `json:"chaos"`
	Window     int    `json:"window"`
	RTOMillis  int    `json:"rto_ms"`
	MaxRetries int    `json:"max_retries"`
	StrictRoam bool   `json:"strict_roam"`

	Log Log `json:"log"`
}

// Key decodes KeyHex into the fixed 32-byte session key.
func (t *Tunnel) Key() ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(t.KeyHex)
	if err != nil {
		return key, fmt.Errorf("malformed hex key: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("key must decode to exactly 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// Finalize fills in zero-valued fields with the tunnel's baseline defaults
// and validates the result. It must be called once, after every override
// source (config file, environment, CLI flags) has been layered onto cfg.
func (t *Tunnel) Finalize() error {
	t.applyDefaults()
	return t.verify()
}

// applyDefaults fills in zero-valued fields with the tunnel's baseline
// defaults (window 50, RTO 200ms, tun-ip 10.0.0.1).
func (t *Tunnel) applyDefaults() {
	if t.TunIP == "" {
		t.TunIP = "10.0.0.1"
	}
	if t.KeyHex == "" {
		t.KeyHex = DefaultKeyHex
	}
	if t.Window <= 0 {
		t.Window = 50
	}
	if t.RTOMillis <= 0 {
		t.RTOMillis = 200
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = 20
	}
	if t.Log.Level == "" {
		t.Log.Level = "info"
	}
}

// verify validates a config after defaults have been applied.
func (t *Tunnel) verify() error {
	if t.Bind == "" {
		return fmt.Errorf("empty bind address")
	}
	if _, _, err := net.SplitHostPort(t.Bind); err != nil {
		return fmt.Errorf("invalid bind address %q: %w", t.Bind, err)
	}
	if t.Peer != "" {
		if _, _, err := net.SplitHostPort(t.Peer); err != nil {
			return fmt.Errorf("invalid peer address %q: %w", t.Peer, err)
		}
	}
	if net.ParseIP(t.TunIP) == nil {
		return fmt.Errorf("invalid tun-ip %q", t.TunIP)
	}
	if _, err := t.Key(); err != nil {
		return err
	}
	return nil
}

// Load reads a JSON config file into a fresh Tunnel. A missing path is not
// an error: callers fall back to flag-only config. The result is
// deliberately not finalized — callers must layer any CLI-flag or
// environment overrides on top and then call Finalize before using it.
func Load(path string) (*Tunnel, error) {
	cfg := &Tunnel{}
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %q: %w", path, err)
	}
	if err := json.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	return cfg, nil
}

// EnvOverridePath returns the config path from GHOSTMOTO_CONFIG, if set.
func EnvOverridePath() string {
	return os.Getenv("GHOSTMOTO_CONFIG")
}
