// Package config manages meshmini daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides. Every tunable is
// also recognized under its short legacy name (DB, DEVICE, MAX_TEXT, ...)
// through the alias table in envKeyMapper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
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

// Config holds the complete meshmini configuration.
type Config struct {
	Store   StoreConfig   `koanf:"store"`
	Link    LinkConfig    `koanf:"link"`
	Board   BoardConfig   `koanf:"board"`
	Sync    SyncConfig    `koanf:"sync"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// StoreConfig holds the SQLite persistence settings.
type StoreConfig struct {
	// Path is the database file path.
	Path string `koanf:"path"`
}

// LinkConfig holds the serial link adapter and supervisor settings.
type LinkConfig struct {
	// Device is the serial port path, or "auto" to probe the usual
	// candidates (/dev/serial/by-id/*, /dev/ttyACM*, /dev/ttyUSB*).
	Device string `koanf:"device"`

	// TXGap is the minimum interval between transmissions (duty cycle).
	TXGap time.Duration `koanf:"tx_gap"`

	// RXStale is how long the receive side may stay silent before the
	// watchdog closes and reopens the link.
	RXStale time.Duration `koanf:"rx_stale"`

	// WatchTick is the watchdog poll interval.
	WatchTick time.Duration `koanf:"watch_tick"`
}

// BoardConfig holds the message board behavior settings.
type BoardConfig struct {
	// Name is the display name used in the menu and health output.
	Name string `koanf:"name"`

	// Admins is the initial admin node id list (CSV in env form).
	Admins []string `koanf:"admins"`

	// Peers is the initial replication peer node id list.
	Peers []string `koanf:"peers"`

	// RateSec is the per-sender cooldown between non-bypass commands.
	RateSec int `koanf:"rate_sec"`

	// MaxText is the MTU for outbound frames, used by the pager and the
	// menu shrink.
	MaxText int `koanf:"max_text"`

	// UnknownReply controls whether unrecognized text gets a reply.
	UnknownReply bool `koanf:"unknown_reply"`

	// HealthPublic opens the health command to non-admins.
	HealthPublic bool `koanf:"health_public"`

	// DMTTLHours expires undelivered store-and-forward DMs.
	DMTTLHours int `koanf:"dm_ttl_hours"`

	// TZ is the IANA zone used to format notice timestamps. Persisted
	// timestamps remain UTC seconds.
	TZ string `koanf:"tz"`
}

// SyncConfig holds the peer replication settings.
type SyncConfig struct {
	// Enabled turns peer sync on.
	Enabled bool `koanf:"enabled"`

	// Inv is the inventory window: how many recent post ids to advertise.
	Inv int `koanf:"inv"`

	// Period is the inventory tick interval.
	Period time.Duration `koanf:"period"`

	// Chunk is the maximum body chunk size in a PART frame, in bytes.
	Chunk int `koanf:"chunk"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint. Empty
	// disables the endpoint.
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

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the stock defaults: a
// 140-byte MTU, 2 s per-sender cooldown, 1 s TX gap, 300 s inventory
// period, and a 240 s receive watchdog.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "board.db",
		},
		Link: LinkConfig{
			Device:    "auto",
			TXGap:     1 * time.Second,
			RXStale:   240 * time.Second,
			WatchTick: 10 * time.Second,
		},
		Board: BoardConfig{
			Name:         "MeshLink BBS",
			RateSec:      2,
			MaxText:      140,
			UnknownReply: true,
			HealthPublic: false,
			DMTTLHours:   72,
			TZ:           "Pacific/Auckland",
		},
		Sync: SyncConfig{
			Enabled: true,
			Inv:     15,
			Period:  300 * time.Second,
			Chunk:   160,
		},
		Metrics: MetricsConfig{
			Addr: ":9143",
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

// envPrefix is the environment variable prefix for meshmini configuration.
const envPrefix = "MESHMINI_"

// envAliases maps the short legacy option names to their koanf keys.
// MESHMINI_MAX_TEXT and MESHMINI_BOARD_MAX_TEXT both reach board.max_text.
var envAliases = map[string]string{
	"DB":            "store.path",
	"DEVICE":        "link.device",
	"TX_GAP":        "link.tx_gap",
	"RX_STALE_SEC":  "link.rx_stale",
	"WATCH_TICK":    "link.watch_tick",
	"NAME":          "board.name",
	"ADMINS":        "board.admins",
	"PEERS":         "board.peers",
	"RATE":          "board.rate_sec",
	"MAX_TEXT":      "board.max_text",
	"UNKNOWN_REPLY": "board.unknown_reply",
	"HEALTH_PUBLIC": "board.health_public",
	"TTL_HOURS":     "board.dm_ttl_hours",
	"TZ":            "board.tz",
	"SYNC":          "sync.enabled",
	"SYNC_INV":      "sync.inv",
	"SYNC_PERIOD":   "sync.period",
	"SYNC_CHUNK":    "sync.chunk",
}

// Load reads configuration from a YAML file at path (optional, "" skips),
// overlays environment variable overrides (MESHMINI_ prefix), and merges on
// top of DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	normalize(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms MESHMINI_SYNC_CHUNK -> sync.chunk. Short legacy
// names resolve through envAliases first; anything else strips the prefix,
// lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	if key, ok := envAliases[s]; ok {
		return key
	}
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"store.path":          defaults.Store.Path,
		"link.device":         defaults.Link.Device,
		"link.tx_gap":         defaults.Link.TXGap.String(),
		"link.rx_stale":       defaults.Link.RXStale.String(),
		"link.watch_tick":     defaults.Link.WatchTick.String(),
		"board.name":          defaults.Board.Name,
		"board.rate_sec":      defaults.Board.RateSec,
		"board.max_text":      defaults.Board.MaxText,
		"board.unknown_reply": defaults.Board.UnknownReply,
		"board.health_public": defaults.Board.HealthPublic,
		"board.dm_ttl_hours":  defaults.Board.DMTTLHours,
		"board.tz":            defaults.Board.TZ,
		"sync.enabled":        defaults.Sync.Enabled,
		"sync.inv":            defaults.Sync.Inv,
		"sync.period":         defaults.Sync.Period.String(),
		"sync.chunk":          defaults.Sync.Chunk,
		"metrics.addr":        defaults.Metrics.Addr,
		"metrics.path":        defaults.Metrics.Path,
		"log.level":           defaults.Log.Level,
		"log.format":          defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// normalize cleans up list-valued fields that may arrive as CSV from the
// environment ("!aaaaaaaa,!bbbbbbbb") and bare-second durations.
func normalize(cfg *Config) {
	cfg.Board.Admins = splitCSV(cfg.Board.Admins)
	cfg.Board.Peers = splitCSV(cfg.Board.Peers)
}

// splitCSV re-splits entries that contain commas and drops empties.
func splitCSV(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, part := range strings.Split(entry, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyStorePath indicates the store path is empty.
	ErrEmptyStorePath = errors.New("store.path must not be empty")

	// ErrInvalidMaxText indicates the MTU is too small for a paged reply.
	ErrInvalidMaxText = errors.New("board.max_text must be >= 12")

	// ErrInvalidRate indicates a negative per-sender cooldown.
	ErrInvalidRate = errors.New("board.rate_sec must be >= 0")

	// ErrInvalidTXGap indicates a non-positive transmit gap.
	ErrInvalidTXGap = errors.New("link.tx_gap must be > 0")

	// ErrInvalidWatchTick indicates a non-positive watchdog poll interval.
	ErrInvalidWatchTick = errors.New("link.watch_tick must be > 0")

	// ErrInvalidSyncInv indicates a non-positive inventory window.
	ErrInvalidSyncInv = errors.New("sync.inv must be >= 1")

	// ErrInvalidSyncChunk indicates a non-positive PART chunk size.
	ErrInvalidSyncChunk = errors.New("sync.chunk must be >= 1")

	// ErrInvalidSyncPeriod indicates a non-positive inventory period.
	ErrInvalidSyncPeriod = errors.New("sync.period must be > 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Store.Path == "" {
		return ErrEmptyStorePath
	}
	if cfg.Board.MaxText < 12 {
		return ErrInvalidMaxText
	}
	if cfg.Board.RateSec < 0 {
		return ErrInvalidRate
	}
	if cfg.Link.TXGap <= 0 {
		return ErrInvalidTXGap
	}
	if cfg.Link.WatchTick <= 0 {
		return ErrInvalidWatchTick
	}
	if cfg.Sync.Inv < 1 {
		return ErrInvalidSyncInv
	}
	if cfg.Sync.Chunk < 1 {
		return ErrInvalidSyncChunk
	}
	if cfg.Sync.Period <= 0 {
		return ErrInvalidSyncPeriod
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
