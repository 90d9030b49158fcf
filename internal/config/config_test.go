package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshlink/meshmini/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshmini.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Store.Path != "board.db" {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, "board.db")
	}
	if cfg.Link.Device != "auto" {
		t.Errorf("Link.Device = %q, want %q", cfg.Link.Device, "auto")
	}
	if cfg.Link.TXGap != 1*time.Second {
		t.Errorf("Link.TXGap = %v, want 1s", cfg.Link.TXGap)
	}
	if cfg.Link.RXStale != 240*time.Second {
		t.Errorf("Link.RXStale = %v, want 240s", cfg.Link.RXStale)
	}
	if cfg.Link.WatchTick != 10*time.Second {
		t.Errorf("Link.WatchTick = %v, want 10s", cfg.Link.WatchTick)
	}
	if cfg.Board.Name != "MeshLink BBS" {
		t.Errorf("Board.Name = %q", cfg.Board.Name)
	}
	if cfg.Board.RateSec != 2 {
		t.Errorf("Board.RateSec = %d, want 2", cfg.Board.RateSec)
	}
	if cfg.Board.MaxText != 140 {
		t.Errorf("Board.MaxText = %d, want 140", cfg.Board.MaxText)
	}
	if !cfg.Board.UnknownReply {
		t.Error("Board.UnknownReply = false, want true")
	}
	if cfg.Board.HealthPublic {
		t.Error("Board.HealthPublic = true, want false")
	}
	if cfg.Board.DMTTLHours != 72 {
		t.Errorf("Board.DMTTLHours = %d, want 72", cfg.Board.DMTTLHours)
	}
	if cfg.Board.TZ != "Pacific/Auckland" {
		t.Errorf("Board.TZ = %q", cfg.Board.TZ)
	}
	if !cfg.Sync.Enabled {
		t.Error("Sync.Enabled = false, want true")
	}
	if cfg.Sync.Inv != 15 {
		t.Errorf("Sync.Inv = %d, want 15", cfg.Sync.Inv)
	}
	if cfg.Sync.Period != 300*time.Second {
		t.Errorf("Sync.Period = %v, want 300s", cfg.Sync.Period)
	}
	if cfg.Sync.Chunk != 160 {
		t.Errorf("Sync.Chunk = %d, want 160", cfg.Sync.Chunk)
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
store:
  path: "/var/lib/meshmini/board.db"
link:
  device: "/dev/ttyACM0"
  tx_gap: "1500ms"
board:
  name: "Ridge BBS"
  max_text: 200
  admins:
    - "!aaaaaaaa"
    - "!bbbbbbbb"
sync:
  period: "120s"
  chunk: 120
log:
  level: "debug"
  format: "text"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Store.Path != "/var/lib/meshmini/board.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.Link.Device != "/dev/ttyACM0" {
		t.Errorf("Link.Device = %q", cfg.Link.Device)
	}
	if cfg.Link.TXGap != 1500*time.Millisecond {
		t.Errorf("Link.TXGap = %v, want 1.5s", cfg.Link.TXGap)
	}
	if cfg.Board.Name != "Ridge BBS" {
		t.Errorf("Board.Name = %q", cfg.Board.Name)
	}
	if cfg.Board.MaxText != 200 {
		t.Errorf("Board.MaxText = %d", cfg.Board.MaxText)
	}
	if len(cfg.Board.Admins) != 2 || cfg.Board.Admins[0] != "!aaaaaaaa" {
		t.Errorf("Board.Admins = %v", cfg.Board.Admins)
	}
	if cfg.Sync.Period != 120*time.Second {
		t.Errorf("Sync.Period = %v", cfg.Sync.Period)
	}
	if cfg.Sync.Chunk != 120 {
		t.Errorf("Sync.Chunk = %d", cfg.Sync.Chunk)
	}
	// Untouched fields inherit defaults.
	if cfg.Sync.Inv != 15 {
		t.Errorf("Sync.Inv = %d, want default 15", cfg.Sync.Inv)
	}
}

func TestEnvOverridesWithAliases(t *testing.T) {
	// Mutates the environment; not parallel.
	t.Setenv("MESHMINI_MAX_TEXT", "110")
	t.Setenv("MESHMINI_DEVICE", "/dev/ttyUSB1")
	t.Setenv("MESHMINI_PEERS", "!cafe0001,!cafe0002")
	t.Setenv("MESHMINI_SYNC_CHUNK", "100")
	t.Setenv("MESHMINI_LOG_LEVEL", "warn")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load env-only error: %v", err)
	}

	if cfg.Board.MaxText != 110 {
		t.Errorf("Board.MaxText = %d, want 110", cfg.Board.MaxText)
	}
	if cfg.Link.Device != "/dev/ttyUSB1" {
		t.Errorf("Link.Device = %q", cfg.Link.Device)
	}
	if len(cfg.Board.Peers) != 2 || cfg.Board.Peers[1] != "!cafe0002" {
		t.Errorf("Board.Peers = %v", cfg.Board.Peers)
	}
	if cfg.Sync.Chunk != 100 {
		t.Errorf("Sync.Chunk = %d, want 100", cfg.Sync.Chunk)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{"empty store path", func(c *config.Config) { c.Store.Path = "" }, config.ErrEmptyStorePath},
		{"tiny mtu", func(c *config.Config) { c.Board.MaxText = 11 }, config.ErrInvalidMaxText},
		{"negative rate", func(c *config.Config) { c.Board.RateSec = -1 }, config.ErrInvalidRate},
		{"zero tx gap", func(c *config.Config) { c.Link.TXGap = 0 }, config.ErrInvalidTXGap},
		{"zero watch tick", func(c *config.Config) { c.Link.WatchTick = 0 }, config.ErrInvalidWatchTick},
		{"zero inv", func(c *config.Config) { c.Sync.Inv = 0 }, config.ErrInvalidSyncInv},
		{"zero chunk", func(c *config.Config) { c.Sync.Chunk = 0 }, config.ErrInvalidSyncChunk},
		{"zero period", func(c *config.Config) { c.Sync.Period = 0 }, config.ErrInvalidSyncPeriod},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.DefaultConfig()
			tc.mutate(cfg)
			if err := config.Validate(cfg); !errors.Is(err, tc.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tc := range cases {
		if got := config.ParseLogLevel(tc.in); got != tc.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
