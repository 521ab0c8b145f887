// Package config manages meshd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables layered over defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete meshd configuration.
type Config struct {
	Overlay    OverlayConfig    `koanf:"overlay"`
	Controller ControllerConfig `koanf:"controller"`
	Client     ClientConfig     `koanf:"client"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Log        LogConfig        `koanf:"log"`
}

// OverlayConfig holds the parameters shared by controller and client.
type OverlayConfig struct {
	// Subnet is the overlay's virtual address space in CIDR form.
	Subnet string `koanf:"subnet"`

	// ListenAddr is the UDP address this node binds for overlay traffic.
	ListenAddr string `koanf:"listen_addr"`

	// NetworkID identifies the overlay network a client wants to join.
	// Encoded as hex; must decode to wire.NetworkIDSize bytes.
	NetworkID string `koanf:"network_id"`

	// CryptoEnabled turns on AEAD sealing of DATA payloads for this node.
	// Fixed for the process lifetime: it is a deployment choice, not a
	// per-packet negotiation (see the resolved Open Question in the
	// design notes).
	CryptoEnabled bool `koanf:"crypto_enabled"`

	// KeypairPath is where a node's long-term keypair is persisted. Empty
	// disables the keypair entirely: none is loaded or generated.
	KeypairPath string `koanf:"keypair_path"`

	// KeepaliveInterval is how often a joined client sends KEEPALIVE.
	KeepaliveInterval time.Duration `koanf:"keepalive_interval"`

	// PeerTimeout is how long a peer may go unseen before the controller
	// marks it inactive; eviction follows after a further grace period.
	PeerTimeout time.Duration `koanf:"peer_timeout"`
}

// ControllerConfig holds controller-only parameters.
type ControllerConfig struct {
	// EnableRelay allows the controller to forward DATA between peers
	// that have not yet learned each other's public endpoint, instead of
	// dropping it (see the resolved Open Question in the design notes).
	EnableRelay bool `koanf:"enable_relay"`

	// MaxPeers bounds the number of concurrently joined peers.
	MaxPeers int `koanf:"max_peers"`
}

// ClientConfig holds client-only parameters.
type ClientConfig struct {
	// ControllerAddr is the controller's host:port.
	ControllerAddr string `koanf:"controller_addr"`

	// TUNName is the name requested for the TUN device; empty lets the
	// kernel assign one.
	TUNName string `koanf:"tun_name"`

	// JoinTimeout bounds how long a client waits for JOIN_RESPONSE.
	JoinTimeout time.Duration `koanf:"join_timeout"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// SubnetPrefix parses Subnet as a netip.Prefix.
func (oc OverlayConfig) SubnetPrefix() (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(oc.Subnet)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse overlay subnet %q: %w", oc.Subnet, err)
	}
	return prefix, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Overlay: OverlayConfig{
			Subnet:            "10.0.0.0/24",
			ListenAddr:        ":9993",
			CryptoEnabled:     false,
			KeepaliveInterval: 30 * time.Second,
			PeerTimeout:       90 * time.Second,
		},
		Controller: ControllerConfig{
			EnableRelay: true,
			MaxPeers:    254,
		},
		Client: ClientConfig{
			JoinTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for meshd configuration.
// Variables are named MESHD_<section>_<key>, e.g., MESHD_OVERLAY_LISTEN_ADDR.
const envPrefix = "MESHD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (MESHD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	MESHD_OVERLAY_LISTEN_ADDR  -> overlay.listen_addr
//	MESHD_OVERLAY_SUBNET       -> overlay.subnet
//	MESHD_CONTROLLER_ENABLE_RELAY -> controller.enable_relay
//	MESHD_CLIENT_CONTROLLER_ADDR  -> client.controller_addr
//	MESHD_METRICS_ADDR         -> metrics.addr
//	MESHD_LOG_LEVEL            -> log.level
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// MESHD_OVERLAY_LISTEN_ADDR -> overlay.listen_addr (strip prefix, lowercase, first _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms MESHD_OVERLAY_LISTEN_ADDR -> overlay.listen_addr.
// Strips the MESHD_ prefix, lowercases, and replaces the first _ (the
// section separator) with .; later underscores belong to the key name.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"overlay.subnet":             defaults.Overlay.Subnet,
		"overlay.listen_addr":        defaults.Overlay.ListenAddr,
		"overlay.network_id":         defaults.Overlay.NetworkID,
		"overlay.crypto_enabled":     defaults.Overlay.CryptoEnabled,
		"overlay.keypair_path":       defaults.Overlay.KeypairPath,
		"overlay.keepalive_interval": defaults.Overlay.KeepaliveInterval.String(),
		"overlay.peer_timeout":       defaults.Overlay.PeerTimeout.String(),
		"controller.enable_relay":    defaults.Controller.EnableRelay,
		"controller.max_peers":       defaults.Controller.MaxPeers,
		"client.controller_addr":     defaults.Client.ControllerAddr,
		"client.tun_name":            defaults.Client.TUNName,
		"client.join_timeout":        defaults.Client.JoinTimeout.String(),
		"metrics.addr":               defaults.Metrics.Addr,
		"metrics.path":               defaults.Metrics.Path,
		"log.level":                  defaults.Log.Level,
		"log.format":                 defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidSubnet indicates overlay.subnet does not parse as a CIDR.
	ErrInvalidSubnet = errors.New("overlay.subnet must be a valid CIDR")

	// ErrEmptyListenAddr indicates the overlay listen address is empty.
	ErrEmptyListenAddr = errors.New("overlay.listen_addr must not be empty")

	// ErrInvalidPeerTimeout indicates the peer timeout is not positive.
	ErrInvalidPeerTimeout = errors.New("overlay.peer_timeout must be > 0")

	// ErrInvalidKeepalive indicates the keepalive interval is not positive.
	ErrInvalidKeepalive = errors.New("overlay.keepalive_interval must be > 0")

	// ErrKeepaliveExceedsTimeout indicates the keepalive interval leaves no
	// margin before a peer is declared dead.
	ErrKeepaliveExceedsTimeout = errors.New("overlay.keepalive_interval must be less than overlay.peer_timeout")

	// ErrInvalidMaxPeers indicates controller.max_peers is not positive.
	ErrInvalidMaxPeers = errors.New("controller.max_peers must be >= 1")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if _, err := cfg.Overlay.SubnetPrefix(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSubnet, err)
	}

	if cfg.Overlay.ListenAddr == "" {
		return ErrEmptyListenAddr
	}

	if cfg.Overlay.PeerTimeout <= 0 {
		return ErrInvalidPeerTimeout
	}

	if cfg.Overlay.KeepaliveInterval <= 0 {
		return ErrInvalidKeepalive
	}

	if cfg.Overlay.KeepaliveInterval >= cfg.Overlay.PeerTimeout {
		return ErrKeepaliveExceedsTimeout
	}

	if cfg.Controller.MaxPeers < 1 {
		return ErrInvalidMaxPeers
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
