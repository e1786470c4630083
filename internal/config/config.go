package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server        ServerConfig        `toml:"server"`
	Model         ModelConfig         `toml:"model"`
	Database      DatabaseConfig      `toml:"database"`
	Orchestration OrchestrationConfig `toml:"orchestration"`
	Routing       RoutingConfig       `toml:"routing"`
	Context       ContextConfig       `toml:"context"`
	Risk          RiskConfig          `toml:"risk"`
	Agents        AgentsConfig        `toml:"agents"`
	Observer      ObserverConfig      `toml:"observer"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type ModelConfig struct {
	Provider string `toml:"provider"`
	APIKey   string `toml:"api_key"`
	// Default model for chat agents; individual agents can override.
	Model string `toml:"model"`
	// Model for routing, extraction, and orchestration calls.
	AuxModel string `toml:"aux_model"`
	// RPM and TPM cap request and token throughput to the provider.
	// Zero disables the corresponding limit.
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

type DatabaseConfig struct {
	// Path selects the embedded SQLite store.
	Path string `toml:"path"`
	// PostgresURL selects the Postgres store instead when set.
	PostgresURL    string `toml:"postgres_url"`
	ChangeTracking bool   `toml:"change_tracking"`
}

type OrchestrationConfig struct {
	// UseAdvanced switches turn routing from the intent router to the
	// dynamic orchestrator when no override forces standard routing.
	UseAdvanced   bool    `toml:"use_advanced"`
	LockThreshold float64 `toml:"lock_threshold"`
}

type RoutingConfig struct {
	ConfidenceHigh float64 `toml:"confidence_high"`
	ConfidenceLow  float64 `toml:"confidence_low"`
	// ConfidenceAmbiguous is the lower edge of the ambiguous band; when set
	// it takes the place of confidence_low.
	ConfidenceAmbiguous    float64 `toml:"confidence_ambiguous"`
	MaxConsecutiveSwitches int     `toml:"max_consecutive_switches"`
}

type ContextConfig struct {
	MaxExchanges  int `toml:"max_exchanges"`
	TriggerTokens int `toml:"trigger_tokens"`
	TargetTokens  int `toml:"target_tokens"`
}

type RiskConfig struct {
	SafeTurnsThreshold  int `toml:"safe_turns_threshold"`
	NightSessionMinutes int `toml:"night_session_minutes"`
	MaxSessionMinutes   int `toml:"max_session_minutes"`
}

// AgentsConfig maps agent names to model id overrides.
type AgentsConfig struct {
	Models map[string]string `toml:"models"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Model: ModelConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
			AuxModel: "gemini-2.5-flash-lite",
		},
		Database:      DatabaseConfig{Path: "consulta.db"},
		Orchestration: OrchestrationConfig{LockThreshold: 0.75},
		Routing: RoutingConfig{
			ConfidenceHigh:         0.75,
			ConfidenceLow:          0.50,
			MaxConsecutiveSwitches: 4,
		},
		Context: ContextConfig{
			MaxExchanges:  6,
			TriggerTokens: 50000,
			TargetTokens:  30000,
		},
		Risk: RiskConfig{
			SafeTurnsThreshold:  3,
			NightSessionMinutes: 30,
			MaxSessionMinutes:   120,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "consulta.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CONSULTA_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CONSULTA_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v, ok := envInt("CONSULTA_RPM"); ok {
		cfg.Model.RPM = v
	}
	if v, ok := envInt("CONSULTA_TPM"); ok {
		cfg.Model.TPM = v
	}
	if v := os.Getenv("CONSULTA_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CONSULTA_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v, ok := envBool("CONSULTA_CHANGE_TRACKING"); ok {
		cfg.Database.ChangeTracking = v
	}
	if v, ok := envBool("CONSULTA_OBSERVER_ENABLED"); ok {
		cfg.Observer.Enabled = v
	}
	if v, ok := envBool("USE_ADVANCED_ORCHESTRATION"); ok {
		cfg.Orchestration.UseAdvanced = v
	}
	if v, ok := envInt("SAFE_TURNS_THRESHOLD"); ok {
		cfg.Risk.SafeTurnsThreshold = v
	}
	if v, ok := envInt("NIGHT_SESSION_MINUTES"); ok {
		cfg.Risk.NightSessionMinutes = v
	}
	if v, ok := envInt("MAX_SESSION_MINUTES"); ok {
		cfg.Risk.MaxSessionMinutes = v
	}
	if v, ok := envInt("CONTEXT_MAX_EXCHANGES"); ok {
		cfg.Context.MaxExchanges = v
	}
	if v, ok := envInt("CONTEXT_TRIGGER_TOKENS"); ok {
		cfg.Context.TriggerTokens = v
	}
	if v, ok := envInt("CONTEXT_TARGET_TOKENS"); ok {
		cfg.Context.TargetTokens = v
	}
	if v, ok := envFloat("CONFIDENCE_HIGH"); ok {
		cfg.Routing.ConfidenceHigh = v
	}
	if v, ok := envFloat("CONFIDENCE_LOW"); ok {
		cfg.Routing.ConfidenceLow = v
	}
	if v, ok := envFloat("CONFIDENCE_AMBIGUOUS"); ok {
		cfg.Routing.ConfidenceAmbiguous = v
	}
	if v, ok := envInt("MAX_CONSECUTIVE_SWITCHES"); ok {
		cfg.Routing.MaxConsecutiveSwitches = v
	}

	// Fallbacks
	if cfg.Routing.ConfidenceAmbiguous > 0 {
		cfg.Routing.ConfidenceLow = cfg.Routing.ConfidenceAmbiguous
	}
	if cfg.Model.AuxModel == "" {
		cfg.Model.AuxModel = cfg.Model.Model
	}

	return cfg
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	switch v {
	case "":
		return false, false
	case "1", "true", "on", "yes":
		return true, true
	default:
		return false, true
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
