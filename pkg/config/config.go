// Package config provides configuration loading, validation, and management
// for the workdeck orchestration core.
//
// KEY PRINCIPLES:
//
//  1. GLOBAL SINGLETON: A single Config instance is maintained in memory,
//     protected by mutex for thread safety.
//
//  2. VALUE-BASED ACCESS: GetConfig() returns the config BY VALUE (copy, not
//     reference) to prevent external mutation. Updates go through Update*.
//
//  3. VALIDATION FIRST: config updates are validated before persistence.
//
// State (allocated ports, live workspaces, execution history) never lives
// here - it belongs in the database.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"workdeck/pkg/logx"
)

// Provider name constants.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Load-balancing policy constants for the provider bridge.
const (
	PolicyRoundRobin = "round-robin"
	PolicyRandom     = "random"
	PolicyDefault    = "default"
)

// ConfigDirName is the per-project directory holding config and the database.
const ConfigDirName = ".workdeck"

// Default model per provider when none is configured.
//
//nolint:gochecknoglobals // Static registry of provider defaults
var DefaultModels = map[string]string{
	ProviderAnthropic: "claude-sonnet-4-5",
	ProviderOpenAI:    "gpt-4o",
	ProviderGoogle:    "gemini-2.0-flash",
	ProviderOllama:    "qwen2.5-coder:14b",
}

// APIKeyEnvVars maps provider names to the env var carrying their API key.
//
//nolint:gochecknoglobals // Static registry
var APIKeyEnvVars = map[string]string{
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderGoogle:    "GEMINI_API_KEY",
}

// WorkspacesConfig holds workspace manager settings.
type WorkspacesConfig struct {
	// BaseDir is where workspace worktrees are created (default: <project>/.workdeck/workspaces).
	BaseDir string `json:"base_dir"`
	// RepoDir is the git repository workspaces branch from (default: project dir).
	RepoDir string `json:"repo_dir"`
	// PortMin/PortMax bound the port allocation range.
	PortMin int `json:"port_min"`
	PortMax int `json:"port_max"`
}

// ContextConfig holds context provider settings.
type ContextConfig struct {
	// CacheTTL is how long resolved reference context stays fresh.
	CacheTTL time.Duration `json:"cache_ttl"`
}

// ProviderConfig holds per-provider bridge settings.
type ProviderConfig struct {
	// Model is the model name dispatched to this provider.
	Model string `json:"model"`
	// Host is the server URL for local providers (ollama only).
	Host string `json:"host,omitempty"`
	// MaxAttempts bounds retries per call, including the initial attempt.
	MaxAttempts int `json:"max_attempts"`
	// BackoffBase is the initial retry delay; doubles each attempt.
	BackoffBase time.Duration `json:"backoff_base"`
	// Timeout bounds the whole call including retries and backoff.
	Timeout time.Duration `json:"timeout"`
	// MaxConcurrency caps in-flight calls to this provider.
	MaxConcurrency int `json:"max_concurrency"`
}

// BridgeConfig holds provider bridge routing settings.
type BridgeConfig struct {
	Providers map[string]ProviderConfig `json:"providers"`
	// DefaultProvider receives calls under the "default" policy and is the
	// fallback target for unknown provider names.
	DefaultProvider string `json:"default_provider"`
	// Policy is the load-balancing policy: round-robin, random, or default.
	Policy string `json:"policy"`
	// Fallback enables advancing to the next provider after retry exhaustion.
	Fallback bool `json:"fallback"`
}

// WebUIConfig holds dashboard API server settings.
type WebUIConfig struct {
	ListenAddr string `json:"listen_addr"`
	// Password for basic auth; WORKDECK_PASSWORD env var overrides.
	Password string `json:"password,omitempty"`
}

// EventsConfig holds event journal settings.
type EventsConfig struct {
	// JournalDir is where JSONL event journals are written (empty disables).
	JournalDir string `json:"journal_dir"`
}

// Config is the root user-configurable settings document, persisted to
// .workdeck/config.json in the project directory.
type Config struct {
	Workspaces WorkspacesConfig `json:"workspaces"`
	Context    ContextConfig    `json:"context"`
	Bridge     BridgeConfig     `json:"bridge"`
	WebUI      WebUIConfig      `json:"webui"`
	Events     EventsConfig     `json:"events"`
}

//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config     *Config
	projectDir string // Immutable after LoadConfig
	logger     *logx.Logger
	mu         sync.RWMutex
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// DefaultConfig returns a config populated with defaults for projectDir.
func DefaultConfig(projectDir string) Config {
	return Config{
		Workspaces: WorkspacesConfig{
			BaseDir: filepath.Join(projectDir, ConfigDirName, "workspaces"),
			RepoDir: projectDir,
			PortMin: 3001,
			PortMax: 3999,
		},
		Context: ContextConfig{
			CacheTTL: 5 * time.Minute,
		},
		Bridge: BridgeConfig{
			DefaultProvider: ProviderAnthropic,
			Policy:          PolicyDefault,
			Fallback:        true,
			Providers: map[string]ProviderConfig{
				ProviderAnthropic: defaultProviderConfig(ProviderAnthropic),
				ProviderOpenAI:    defaultProviderConfig(ProviderOpenAI),
			},
		},
		WebUI: WebUIConfig{
			ListenAddr: "127.0.0.1:8620",
		},
		Events: EventsConfig{
			JournalDir: filepath.Join(projectDir, ConfigDirName, "events"),
		},
	}
}

func defaultProviderConfig(provider string) ProviderConfig {
	cfg := ProviderConfig{
		Model:          DefaultModels[provider],
		MaxAttempts:    3,
		BackoffBase:    500 * time.Millisecond,
		Timeout:        120 * time.Second,
		MaxConcurrency: 5,
	}
	if provider == ProviderOllama {
		cfg.Host = "http://localhost:11434"
		cfg.MaxConcurrency = 2 // Bounded by local GPU memory
	}
	return cfg
}

// LoadConfig loads config from <dir>/.workdeck/config.json, creating it with
// defaults if absent. Must be called once at startup.
func LoadConfig(dir string) error {
	mu.Lock()
	defer mu.Unlock()

	projectDir = dir
	path := configPath(dir)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := DefaultConfig(dir)
		config = &cfg
		if saveErr := saveLocked(); saveErr != nil {
			return saveErr
		}
		getLogger().Info("Created default config at %s", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig(dir) // Missing fields keep defaults
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	config = &cfg
	getLogger().Info("Loaded config from %s", path)
	return nil
}

// GetConfig returns the current config by value.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()

	if config == nil {
		return Config{}, fmt.Errorf("config not loaded - call config.LoadConfig first")
	}
	return *config, nil
}

// ProjectDir returns the project directory set at LoadConfig time.
func ProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return projectDir
}

// DatabasePath returns the SQLite database path for the loaded project.
func DatabasePath() string {
	mu.RLock()
	defer mu.RUnlock()
	return filepath.Join(projectDir, ConfigDirName, "workdeck.db")
}

// UpdateBridge atomically replaces the bridge section with validation.
func UpdateBridge(bridge *BridgeConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not loaded")
	}

	candidate := *config
	candidate.Bridge = *bridge
	if err := candidate.Validate(); err != nil {
		return fmt.Errorf("invalid bridge config: %w", err)
	}

	config = &candidate
	return saveLocked()
}

// UpdateWorkspaces atomically replaces the workspaces section with validation.
func UpdateWorkspaces(ws *WorkspacesConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not loaded")
	}

	candidate := *config
	candidate.Workspaces = *ws
	if err := candidate.Validate(); err != nil {
		return fmt.Errorf("invalid workspaces config: %w", err)
	}

	config = &candidate
	return saveLocked()
}

// GetWebUIPassword returns the dashboard password, preferring the env var.
func GetWebUIPassword() string {
	if pw := os.Getenv("WORKDECK_PASSWORD"); pw != "" {
		return pw
	}
	cfg, err := GetConfig()
	if err != nil {
		return ""
	}
	return cfg.WebUI.Password
}

// GetAPIKey returns the API key for a cloud provider from the environment.
func GetAPIKey(provider string) string {
	envVar, ok := APIKeyEnvVars[provider]
	if !ok {
		return ""
	}
	return os.Getenv(envVar)
}

// Validate checks structural invariants of the config.
func (c *Config) Validate() error {
	if c.Workspaces.PortMin <= 0 || c.Workspaces.PortMax <= 0 {
		return fmt.Errorf("port range bounds must be positive")
	}
	if c.Workspaces.PortMin > c.Workspaces.PortMax {
		return fmt.Errorf("port_min %d exceeds port_max %d", c.Workspaces.PortMin, c.Workspaces.PortMax)
	}
	if c.Workspaces.BaseDir == "" {
		return fmt.Errorf("workspaces base_dir cannot be empty")
	}
	if c.Context.CacheTTL <= 0 {
		return fmt.Errorf("context cache_ttl must be positive")
	}

	switch c.Bridge.Policy {
	case PolicyRoundRobin, PolicyRandom, PolicyDefault:
	default:
		return fmt.Errorf("unknown bridge policy %q", c.Bridge.Policy)
	}
	if c.Bridge.DefaultProvider == "" {
		return fmt.Errorf("bridge default_provider cannot be empty")
	}
	for name, pc := range c.Bridge.Providers {
		if pc.Model == "" {
			return fmt.Errorf("provider %s: model cannot be empty", name)
		}
		if pc.MaxAttempts < 1 {
			return fmt.Errorf("provider %s: max_attempts must be at least 1", name)
		}
		if pc.BackoffBase < 0 {
			return fmt.Errorf("provider %s: backoff_base cannot be negative", name)
		}
		if pc.Timeout <= 0 {
			return fmt.Errorf("provider %s: timeout must be positive", name)
		}
	}
	return nil
}

func configPath(dir string) string {
	return filepath.Join(dir, ConfigDirName, "config.json")
}

func saveLocked() error {
	path := configPath(projectDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to temp file then rename for atomicity.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// Reset clears the singleton for testing.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	config = nil
	projectDir = ""
}
