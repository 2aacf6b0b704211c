// Package config provides configuration loading for agentloop.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	cronlib "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/roelfdiedericks/agentloop/internal/fileutil"
	. "github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/paths"
)

// Config is the complete runtime configuration
type Config struct {
	WorkingDirectory        string `json:"working_directory,omitempty" toml:"working_directory,omitempty" yaml:"working_directory,omitempty"`
	LogLevel                string `json:"log_level" toml:"log_level" yaml:"log_level"`
	LogFile                 string `json:"log_file,omitempty" toml:"log_file,omitempty" yaml:"log_file,omitempty"`
	SystemPrompt            string `json:"system_prompt,omitempty" toml:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	MaxToolResultChars      int    `json:"max_tool_result_chars" toml:"max_tool_result_chars" yaml:"max_tool_result_chars"`
	MaxConversationMessages int    `json:"max_conversation_messages" toml:"max_conversation_messages" yaml:"max_conversation_messages"`
	ToolTimeoutSeconds      int    `json:"tool_timeout_seconds" toml:"tool_timeout_seconds" yaml:"tool_timeout_seconds"`

	Memory     MemoryConfig     `json:"memory" toml:"memory" yaml:"memory"`
	Session    SessionConfig    `json:"session" toml:"session" yaml:"session"`
	Checkpoint CheckpointConfig `json:"checkpoint" toml:"checkpoint" yaml:"checkpoint"`
	Compaction CompactionConfig `json:"compaction" toml:"compaction" yaml:"compaction"`
	LLM        LLMConfig        `json:"llm" toml:"llm" yaml:"llm"`
}

// MemoryConfig controls the persistent store and its retention
type MemoryConfig struct {
	Enabled               bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	DBPath                string `json:"db_path" toml:"db_path" yaml:"db_path"`
	BlobDir               string `json:"blob_dir" toml:"blob_dir" yaml:"blob_dir"`
	MaxSessions           int    `json:"max_sessions" toml:"max_sessions" yaml:"max_sessions"`
	MaxMessagesPerSession int    `json:"max_messages_per_session" toml:"max_messages_per_session" yaml:"max_messages_per_session"`
	RetentionDays         int    `json:"retention_days" toml:"retention_days" yaml:"retention_days"`
	PruneSchedule         string `json:"prune_schedule,omitempty" toml:"prune_schedule,omitempty" yaml:"prune_schedule,omitempty"` // Cron expression, empty = startup only
}

// SessionConfig selects the session the process starts with
type SessionConfig struct {
	ResumeID string `json:"resume_id,omitempty" toml:"resume_id,omitempty" yaml:"resume_id,omitempty"`
	ID       string `json:"id,omitempty" toml:"id,omitempty" yaml:"id,omitempty"`
	Continue bool   `json:"continue,omitempty" toml:"continue,omitempty" yaml:"continue,omitempty"`
	Fork     bool   `json:"fork,omitempty" toml:"fork,omitempty" yaml:"fork,omitempty"`
}

// CheckpointConfig controls file tracking for rewind
type CheckpointConfig struct {
	Enabled        bool     `json:"enabled" toml:"enabled" yaml:"enabled"`
	WriteToolsOnly bool     `json:"write_tools_only" toml:"write_tools_only" yaml:"write_tools_only"`
	InlineMaxBytes int64    `json:"inline_max_bytes" toml:"inline_max_bytes" yaml:"inline_max_bytes"`
	Exclude        []string `json:"exclude" toml:"exclude" yaml:"exclude"`
}

// CompactionConfig controls history compaction
type CompactionConfig struct {
	Strategy              string `json:"strategy" toml:"strategy" yaml:"strategy"` // "none" or "summarize"
	ThresholdTokens       int    `json:"threshold_tokens" toml:"threshold_tokens" yaml:"threshold_tokens"`
	ProtectedTailMessages int    `json:"protected_tail_messages" toml:"protected_tail_messages" yaml:"protected_tail_messages"`
}

// LLMConfig selects and tunes the provider
type LLMConfig struct {
	Provider    string  `json:"provider" toml:"provider" yaml:"provider"` // "anthropic" or "openai"
	Model       string  `json:"model,omitempty" toml:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens" toml:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `json:"temperature" toml:"temperature" yaml:"temperature"`
	APIKey      string  `json:"api_key,omitempty" toml:"api_key,omitempty" yaml:"api_key,omitempty"` // Falls back to ANTHROPIC_API_KEY / OPENAI_API_KEY
	BaseURL     string  `json:"base_url,omitempty" toml:"base_url,omitempty" yaml:"base_url,omitempty"`
	MaxRetries  int     `json:"max_retries" toml:"max_retries" yaml:"max_retries"`
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		LogLevel:                "info",
		MaxToolResultChars:      40_000,
		MaxConversationMessages: 50,
		ToolTimeoutSeconds:      120,
		Memory: MemoryConfig{
			Enabled:               false,
			DBPath:                filepath.Join(paths.DirName, "memory.db"),
			BlobDir:               filepath.Join(paths.DirName, "blobs"),
			MaxSessions:           200,
			MaxMessagesPerSession: 5000,
			RetentionDays:         30,
		},
		Checkpoint: CheckpointConfig{
			Enabled:        false,
			WriteToolsOnly: true,
			InlineMaxBytes: 256 * 1024,
			Exclude:        []string{".git/**"},
		},
		Compaction: CompactionConfig{
			Strategy:              "none",
			ThresholdTokens:       80_000,
			ProtectedTailMessages: 6,
		},
		LLM: LLMConfig{
			Provider:    "anthropic",
			MaxTokens:   8192,
			Temperature: 1.0,
			MaxRetries:  5,
		},
	}
}

// Load reads the config file at path over the defaults. An empty path
// searches workingDir for agentloop.{json,toml,yaml,yml}; finding none is
// not an error. The result is validated.
func Load(path, workingDir string) (*Config, string, error) {
	if path == "" {
		wd, err := paths.WorkingDir(workingDir)
		if err != nil {
			return nil, "", err
		}
		if path, err = paths.ConfigPath(wd); err != nil {
			return nil, "", err
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, "", fmt.Errorf("failed to parse %s: %w", path, err)
		}
		L_debug("config: loaded", "path", path)
	} else {
		L_debug("config: no config file, using defaults")
	}

	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// decode unmarshals data onto cfg by file extension. Keys absent from the
// file keep their current values.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys: %v", undecoded)
		}
		return nil
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		return dec.Decode(cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// Merge overlays the non-zero fields of overrides onto c, used for
// command-line flags.
func (c *Config) Merge(overrides Config) error {
	if err := mergo.Merge(c, overrides, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge config overrides: %w", err)
	}
	return nil
}

// Save writes c to path in the format given by its extension.
func (c *Config) Save(path string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := paths.EnsureParentDir(path); err != nil {
		return err
	}
	return fileutil.AtomicWrite(path, data, 0640)
}

var validLogLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate checks option ranges and enumerations.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, a ...any) { errs = append(errs, fmt.Sprintf(format, a...)) }

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("log_level must be one of trace, debug, info, warn, error (got %q)", c.LogLevel)
	}
	if c.MaxToolResultChars < 0 {
		add("max_tool_result_chars must be >= 0")
	}
	if c.MaxConversationMessages < 0 {
		add("max_conversation_messages must be >= 0")
	}
	if c.ToolTimeoutSeconds < 1 {
		add("tool_timeout_seconds must be >= 1")
	}

	if c.Memory.DBPath == "" {
		add("memory.db_path must not be empty")
	}
	if c.Memory.BlobDir == "" {
		add("memory.blob_dir must not be empty")
	}
	if c.Memory.MaxSessions < 0 || c.Memory.MaxMessagesPerSession < 0 {
		add("memory.max_sessions and memory.max_messages_per_session must be >= 0")
	}
	if c.Memory.RetentionDays < 1 {
		add("memory.retention_days must be >= 1")
	}
	if c.Memory.PruneSchedule != "" {
		if _, err := cronlib.ParseStandard(c.Memory.PruneSchedule); err != nil {
			add("memory.prune_schedule: %v", err)
		}
	}

	if c.Session.ResumeID != "" && c.Session.Continue {
		add("session.resume_id and session.continue are mutually exclusive")
	}
	if c.Session.Continue && c.Session.ID == "" {
		add("session.continue requires session.id")
	}

	if c.Checkpoint.InlineMaxBytes < 0 {
		add("checkpoint.inline_max_bytes must be >= 0")
	}

	switch c.Compaction.Strategy {
	case "none", "summarize":
	default:
		add("compaction.strategy must be none or summarize (got %q)", c.Compaction.Strategy)
	}
	if c.Compaction.ThresholdTokens < 1 {
		add("compaction.threshold_tokens must be >= 1")
	}
	if c.Compaction.ProtectedTailMessages < 0 {
		add("compaction.protected_tail_messages must be >= 0")
	}

	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		add("llm.provider must be anthropic or openai (got %q)", c.LLM.Provider)
	}
	if c.LLM.MaxTokens < 1 {
		add("llm.max_tokens must be >= 1")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature must be between 0 and 2")
	}
	if c.LLM.MaxRetries < 0 {
		add("llm.max_retries must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}

	if c.Checkpoint.Enabled && !c.Memory.Enabled {
		L_warn("config: checkpoint.enabled has no effect without memory.enabled")
	}
	return nil
}
