// Package config holds the gateway's root configuration: upstream server
// definitions, guard chains per backend, and the gateway's own listen
// settings, loaded from a json5 file on disk and hot-reloadable in place.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
	"github.com/nextlevelbuilder/goclaw-guard/internal/relay"
)

// Config is the root configuration for the gateway. It embeds its own
// RWMutex and exposes ReplaceFrom for atomic in-place hot-reload.
type Config struct {
	Gateway  GatewayConfig             `json:"gateway"`
	Upstreams map[string]UpstreamConfig `json:"upstreams"`
	Guards    map[string][]guard.Config `json:"guards"` // backend name -> guard chain
	Telemetry TelemetryConfig           `json:"telemetry,omitempty"`
	Database  DatabaseConfig            `json:"database,omitempty"`
	Policy    []relay.PolicyRuleConfig  `json:"policy,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig is the client-facing listener's own settings.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"` // from env only, never persisted to disk
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// UpstreamConfig describes one upstream MCP tool-server the relay fans
// requests out to, part of the ordered list of upstream connections.
type UpstreamConfig struct {
	Transport     string            `json:"transport"` // stdio | sse | streamable_http (websocket is not supported)
	Command       string            `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	URL           string            `json:"url,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	AlwaysPrefix  bool              `json:"always_prefix,omitempty"`
	TimeoutSec    int               `json:"timeout_sec,omitempty"`
}

// TelemetryConfig configures the otel exporter (spec ambient stack).
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
	ServiceName  string `json:"service_name,omitempty"`
}

// DatabaseConfig configures the optional config-revision persistence store
// (SPEC_FULL DOMAIN STACK: pgx/migrate or sqlite).
type DatabaseConfig struct {
	Driver string `json:"driver,omitempty"` // postgres | sqlite | "" (disabled)
	DSN    string `json:"-"`                // from env only, never persisted to disk
}

// ReplaceFrom copies every data field from src into c under c's own lock,
// preserving c's mutex and the pointer identity every caller already holds.
// Database.DSN is the exception: c keeps its own value.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Upstreams = src.Upstreams
	c.Guards = src.Guards
	c.Telemetry = src.Telemetry
	c.Database.Driver = src.Database.Driver
	c.Policy = src.Policy
}

// Snapshot returns a shallow copy of the data fields for a caller that
// needs a consistent, lock-free view (e.g. to diff against a just-loaded
// file before calling ReplaceFrom).
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{Gateway: c.Gateway, Upstreams: c.Upstreams, Guards: c.Guards, Telemetry: c.Telemetry, Database: c.Database, Policy: c.Policy}
}

// GuardConfigsFor returns the guard chain configured for backend, or nil if
// none is configured (an executor built from nil runs no guards).
func (c *Config) GuardConfigsFor(backend string) []guard.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Guards[backend]
}

// SetGuardConfigsFor replaces backend's guard chain in the in-memory config
// (called after a successful Registry.UpdateBackend so the config surface
// and the live Executor never disagree about what's configured).
func (c *Config) SetGuardConfigsFor(backend string, configs []guard.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Guards == nil {
		c.Guards = map[string][]guard.Config{}
	}
	c.Guards[backend] = configs
}

// Hash returns a short SHA-256 prefix of the config for optimistic
// concurrency / revision tracking.
func (c *Config) Hash() string {
	c.mu.RLock()
	snap := struct {
		Gateway   GatewayConfig
		Upstreams map[string]UpstreamConfig
		Guards    map[string][]guard.Config
		Telemetry TelemetryConfig
	}{c.Gateway, c.Upstreams, c.Guards, c.Telemetry}
	c.mu.RUnlock()
	data, _ := json.Marshal(snap)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}
