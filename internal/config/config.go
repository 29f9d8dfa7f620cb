package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"stockworks/internal/game"
)

type APIConfig struct {
	Addr            string
	DatabaseURL     string
	RulesPath       string
	LogLevel        slog.Level
	StateCacheTTL   time.Duration
	SubmitRate      float64
	SubmitBurst     int
	JournalPath     string
	DiscordWebhook  string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type WorkerConfig struct {
	DatabaseURL string
	RulesPath   string
	LogLevel    slog.Level
	TickEvery   time.Duration
	RunOnce     bool
}

type CLIConfig struct {
	APIBaseURL string
	PlayerID   string
	GameID     string
}

// LoadDotEnv reads a .env file into the process environment when one exists.
// Variables already set win over the file.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("STOCKWORKS_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:            addr,
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RulesPath:       strings.TrimSpace(os.Getenv("STOCKWORKS_RULES")),
		LogLevel:        envLevelDefault("STOCKWORKS_LOG_LEVEL", slog.LevelInfo),
		StateCacheTTL:   envDurationDefault("STOCKWORKS_STATE_CACHE_TTL", 2*time.Second),
		SubmitRate:      envFloatDefault("STOCKWORKS_SUBMIT_RATE", 5),
		SubmitBurst:     envIntDefault("STOCKWORKS_SUBMIT_BURST", 10),
		JournalPath:     strings.TrimSpace(os.Getenv("STOCKWORKS_JOURNAL")),
		DiscordWebhook:  strings.TrimSpace(os.Getenv("STOCKWORKS_DISCORD_WEBHOOK")),
		AllowedOrigins:  envListDefault("STOCKWORKS_ALLOWED_ORIGINS", nil),
		ShutdownTimeout: envDurationDefault("STOCKWORKS_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SubmitRate <= 0 || cfg.SubmitBurst <= 0 {
		return cfg, fmt.Errorf("STOCKWORKS_SUBMIT_RATE and STOCKWORKS_SUBMIT_BURST must be > 0")
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	cfg := WorkerConfig{
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RulesPath:   strings.TrimSpace(os.Getenv("STOCKWORKS_RULES")),
		LogLevel:    envLevelDefault("STOCKWORKS_LOG_LEVEL", slog.LevelInfo),
		TickEvery:   envDurationDefault("STOCKWORKS_WORKER_TICK_EVERY", 5*time.Second),
		RunOnce:     envBoolDefault("STOCKWORKS_WORKER_RUN_ONCE", false),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.TickEvery <= 0 {
		cfg.TickEvery = 5 * time.Second
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("STK_API_BASE_URL", "http://localhost:8080"), "/"),
		PlayerID:   strings.TrimSpace(os.Getenv("STK_PLAYER_ID")),
		GameID:     strings.TrimSpace(os.Getenv("STK_GAME_ID")),
	}
}

// LoadRules reads a YAML rules file over game.DefaultRules. Maps in the file
// add to or replace default entries key by key; lists replace the default
// list. An empty path returns the defaults.
func LoadRules(path string) (game.Rules, error) {
	rules := game.DefaultRules()
	if strings.TrimSpace(path) == "" {
		return rules, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(raw)
}

func ParseRules(raw []byte) (game.Rules, error) {
	rules := game.DefaultRules()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&rules); err != nil && !errors.Is(err, io.EOF) {
		return rules, fmt.Errorf("%w: parse rules: %v", game.ErrConfig, err)
	}
	if err := rules.Validate(); err != nil {
		return rules, err
	}
	return rules, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envFloatDefault(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envListDefault(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envLevelDefault(key string, fallback slog.Level) slog.Level {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return fallback
	}
	return lvl
}
