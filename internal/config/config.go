// Package config loads agentmem settings from a JSON, YAML or TOML file
// with environment overrides.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/user/agentmem/internal/compaction"
	"github.com/user/agentmem/internal/memorygen"
	"github.com/user/agentmem/internal/retrieval"
	"github.com/user/agentmem/internal/scheduler"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	LogFormat     string `json:"log_format"`
	MaxConcurrent int    `json:"max_concurrent"`
	Database      struct {
		Path          string `json:"path"`
		MaxOpenConns  int    `json:"max_open_conns"`
		MaxIdleConns  int    `json:"max_idle_conns"`
		BusyTimeoutMS int    `json:"busy_timeout_ms"`
	} `json:"database"`
	HTTP struct {
		Addr string `json:"addr"`
	} `json:"http"`
	LLM struct {
		BaseURL     string  `json:"base_url"`
		APIKey      string  `json:"api_key"`
		Model       string  `json:"model"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float32 `json:"temperature"`
		Summarize   bool    `json:"summarize"`
		Extract     bool    `json:"extract"`
	} `json:"llm"`
	Context struct {
		MaxHistoryTurns  int    `json:"max_history_turns"`
		MaxHistoryTokens int    `json:"max_history_tokens"`
		MemoryLimit      int    `json:"memory_limit"`
		ImportanceLimit  int    `json:"importance_limit"`
		StepTimeoutMS    int    `json:"step_timeout_ms"`
		Tokenizer        string `json:"tokenizer"`
		TokenCacheSize   int64  `json:"token_cache_size"`
		BackgroundPath   string `json:"background_path"`
		WatchBackground  bool   `json:"watch_background"`
		PromptPath       string `json:"prompt_path"`
	} `json:"context"`
	Compaction compaction.Config `json:"compaction"`
	Retrieval  retrieval.Config  `json:"retrieval"`
	MemoryGen  memorygen.Config  `json:"memorygen"`
	Handoff    struct {
		TransitionsPath string `json:"transitions_path"`
	} `json:"handoff"`
	Scheduler scheduler.Config `json:"scheduler"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".agentmem"),
		LogLevel:      "info",
		LogFormat:     "text",
		MaxConcurrent: 2,
	}
	cfg.Database.MaxOpenConns = 8
	cfg.Database.MaxIdleConns = 2
	cfg.Database.BusyTimeoutMS = 5000
	cfg.HTTP.Addr = "127.0.0.1:8484"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 1024
	cfg.LLM.Temperature = 0.2
	cfg.LLM.Summarize = true
	cfg.LLM.Extract = true
	cfg.Context.MaxHistoryTurns = 50
	cfg.Context.MaxHistoryTokens = 4000
	cfg.Context.MemoryLimit = 10
	cfg.Context.ImportanceLimit = 5
	cfg.Context.StepTimeoutMS = 2000
	cfg.Context.Tokenizer = "tiktoken"
	cfg.Context.TokenCacheSize = 10000
	cfg.Compaction = compaction.DefaultConfig()
	cfg.Retrieval = retrieval.DefaultConfig()
	cfg.MemoryGen = memorygen.DefaultConfig()
	cfg.Scheduler = scheduler.DefaultConfig()
	return cfg
}

// DefaultPath returns the first existing config file in the data directory,
// or the JSON path when none exists yet.
func DefaultPath() string {
	dir := os.Getenv("AGENTMEM_DATA_DIR")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".agentmem")
	}
	for _, name := range []string{"config.json", "config.yaml", "config.yml", "config.toml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.json")
}

// DatabasePath is the SQLite file, defaulting to agentmem.db in DataDir.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, "agentmem.db")
}

// LLMEnabled reports whether a model backend is configured.
func (c *Config) LLMEnabled() bool {
	return c.LLM.APIKey != ""
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	switch c.Context.Tokenizer {
	case "", "tiktoken", "chars":
	default:
		return fmt.Errorf("context.tokenizer must be tiktoken or chars, got %q", c.Context.Tokenizer)
	}
	if err := c.Compaction.Validate(); err != nil {
		return err
	}
	if err := c.Retrieval.Validate(); err != nil {
		return err
	}
	if err := c.MemoryGen.Validate(); err != nil {
		return err
	}
	return c.Scheduler.Validate()
}

// Load reads path over the defaults, writing the defaults when the file does
// not exist, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		raw, err := readRaw(path)
		if err != nil {
			return nil, err
		}
		if err := decode(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if dir := os.Getenv("AGENTMEM_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if level := os.Getenv("AGENTMEM_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// decode applies a generic map onto cfg. Keys follow the json tags; values
// are weakly typed so "16" sets an int.
func decode(raw map[string]any, cfg *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

type format int

const (
	formatJSON format = iota
	formatYAML
	formatTOML
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	case ".toml":
		return formatTOML
	default:
		return formatJSON
	}
}

// readRaw decodes the file into a generic nested map.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return raw, nil
	}
	switch formatOf(path) {
	case formatYAML:
		err = yaml.Unmarshal(data, &raw)
	case formatTOML:
		err = toml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// writeRaw encodes m in the file's format and replaces the file atomically.
func writeRaw(path string, m map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	var (
		data []byte
		err  error
	)
	switch formatOf(path) {
	case formatYAML:
		data, err = yaml.Marshal(m)
	case formatTOML:
		data, err = toml.Marshal(m)
	default:
		data, err = json.MarshalIndent(m, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// Save writes cfg to path in the format given by its extension.
func Save(path string, cfg *Config) error {
	m, err := ToMap(cfg)
	if err != nil {
		return err
	}
	return writeRaw(path, m)
}

// ToMap converts cfg into a generic nested map keyed by the json names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues flattens cfg into dot-separated keys, masking secrets when
// mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value or section stored under key in the config file, creating
// the file with defaults first if needed.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := LookupPath(raw, key)
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under key in an existing config file. The value is
// parsed as JSON when possible (numbers, booleans) and kept as a string
// otherwise. The result must still decode and validate.
func SetValue(path, key, value string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	raw, err := readRaw(path)
	if err != nil {
		return err
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	if err := SetPath(raw, key, parsed); err != nil {
		return err
	}

	check := Default()
	if err := decode(raw, check); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := check.Validate(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return writeRaw(path, raw)
}
