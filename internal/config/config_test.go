package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stockworks/internal/game"
)

func TestParseRulesMergesOverDefaults(t *testing.T) {
	raw := []byte(`
starting_cash: 500
tiers:
  4:
    actions_per_round: 4
phase_durations:
  STOCK_1: 45s
price_track: [5, 10, 20, 40]
`)
	rules, err := ParseRules(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rules.StartingCash != 500 {
		t.Fatalf("starting cash = %d", rules.StartingCash)
	}
	if len(rules.Tiers) != 4 || rules.Tiers[4].ActionsPerRound != 4 || rules.Tiers[1].ActionsPerRound != 1 {
		t.Fatalf("tiers = %+v", rules.Tiers)
	}
	if got := rules.PhaseDuration(game.PhaseStock1); got != 45*time.Second {
		t.Fatalf("STOCK_1 duration = %s", got)
	}
	if got := rules.PhaseDuration(game.PhaseOR1); got != 2*time.Minute {
		t.Fatalf("OR_1 default lost: %s", got)
	}
	if len(rules.PriceTrack) != 4 {
		t.Fatalf("price track = %v", rules.PriceTrack)
	}
}

func TestParseRulesRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown field", "starting_cassh: 10\n"},
		{"descending track", "price_track: [10, 5]\n"},
		{"zero units per step", "units_per_step: 0\n"},
		{"not yaml", "tiers: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRules([]byte(tt.raw)); !errors.Is(err, game.ErrConfig) {
				t.Fatalf("got %v want ErrConfig", err)
			}
		})
	}
}

func TestLoadRulesEmptyPathGivesDefaults(t *testing.T) {
	rules, err := LoadRules("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rules.StartingCash != game.DefaultRules().StartingCash {
		t.Fatalf("starting cash = %d", rules.StartingCash)
	}
}

func TestLoadRulesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("max_contribution_rounds: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rules.MaxContributionRounds != 3 {
		t.Fatalf("max contribution rounds = %d", rules.MaxContributionRounds)
	}
}

func TestLoadAPIFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/stockworks")
	t.Setenv("STOCKWORKS_LOG_LEVEL", "debug")
	t.Setenv("STOCKWORKS_ALLOWED_ORIGINS", "http://a.test, ,http://b.test")
	t.Setenv("STOCKWORKS_STATE_CACHE_TTL", "not-a-duration")

	cfg, err := LoadAPIFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("level = %s", cfg.LogLevel)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.test" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
	if cfg.StateCacheTTL != 2*time.Second {
		t.Fatalf("bad duration should fall back, got %s", cfg.StateCacheTTL)
	}
}

func TestLoadAPIFromEnvRequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := LoadAPIFromEnv(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("STOCKWORKS_TEST_A=file\nSTOCKWORKS_TEST_B=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STOCKWORKS_TEST_A", "env")
	t.Setenv("STOCKWORKS_TEST_B", "")
	os.Unsetenv("STOCKWORKS_TEST_B")

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("STOCKWORKS_TEST_A"); got != "env" {
		t.Fatalf("A = %q", got)
	}
	if got := os.Getenv("STOCKWORKS_TEST_B"); got != "file" {
		t.Fatalf("B = %q", got)
	}
}
