// Package config provides configuration file support for atr.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/richhaase/agentic-task-reviewer/internal/agent"
	"github.com/richhaase/agentic-task-reviewer/internal/git"
)

// ConfigFileName is the name of the config file.
const ConfigFileName = ".atr.yaml"

// Duration is a custom type that handles YAML duration parsing.
// Supports both Go duration format ("5m", "300s") and numeric seconds.
type Duration time.Duration

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration type: %T", v)
	}
	return nil
}

// AsDuration returns the underlying time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// Config represents the atr configuration file.
type Config struct {
	Agent        *string                `yaml:"agent"`
	Timeout      *Duration              `yaml:"timeout"`
	Base         *string                `yaml:"base"`
	RepoAccess   *bool                  `yaml:"repo_access"`
	DBPath       *string                `yaml:"db_path"`
	MCPServerBin *string                `yaml:"mcp_server_bin"`
	Debug        *bool                  `yaml:"debug"`
	Agents       map[string]AgentConfig `yaml:"agents"`
}

// AgentConfig overrides how one agent is launched. Environment variables
// still win over these values.
type AgentConfig struct {
	Bin     string `yaml:"bin"`
	Package string `yaml:"package"`
}

// LoadResult contains the loaded config and any warnings encountered.
type LoadResult struct {
	Config   *Config
	Warnings []string
}

// LoadWithWarnings reads .atr.yaml from the git repository root.
// Returns an empty config (not error) outside a repository or when the file
// doesn't exist.
func LoadWithWarnings() (*LoadResult, error) {
	repoRoot, err := git.GetRoot()
	if err != nil {
		return &LoadResult{Config: &Config{}}, nil
	}
	return LoadFromDirWithWarnings(repoRoot)
}

// LoadFromDirWithWarnings reads .atr.yaml from dir.
func LoadFromDirWithWarnings(dir string) (*LoadResult, error) {
	return LoadFromPathWithWarnings(filepath.Join(dir, ConfigFileName))
}

// LoadFromPathWithWarnings reads a config file and returns warnings for unknown keys.
// Returns an empty config (not error) if the file doesn't exist.
// Returns an error if the file exists but is invalid YAML or has invalid values.
func LoadFromPathWithWarnings(path string) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &LoadResult{Config: &Config{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	warnings := checkUnknownKeys(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ConfigFileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", ConfigFileName, err)
	}

	return &LoadResult{Config: &cfg, Warnings: warnings}, nil
}

// knownTopLevelKeys are the valid top-level keys in the config file.
var knownTopLevelKeys = []string{"agent", "timeout", "base", "repo_access", "db_path", "mcp_server_bin", "debug", "agents"}

// knownAgentKeys are the valid keys under each entry of "agents".
var knownAgentKeys = []string{"bin", "package"}

// checkUnknownKeys checks for unknown keys in the YAML data and returns warnings.
func checkUnknownKeys(data []byte) []string {
	var warnings []string

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		// The main parse reports the error.
		return nil
	}

	for _, key := range sortedKeys(raw) {
		if !slices.Contains(knownTopLevelKeys, key) {
			warning := fmt.Sprintf("unknown key %q in %s", key, ConfigFileName)
			if suggestion := findSimilar(key, knownTopLevelKeys); suggestion != "" {
				warning += fmt.Sprintf(" (did you mean %q?)", suggestion)
			}
			warnings = append(warnings, warning)
		}
	}

	agents, _ := raw["agents"].(map[string]any)
	for _, id := range sortedKeys(agents) {
		entry, ok := agents[id].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range sortedKeys(entry) {
			if !slices.Contains(knownAgentKeys, key) {
				warning := fmt.Sprintf("unknown key %q in agents.%s section of %s", key, id, ConfigFileName)
				if suggestion := findSimilar(key, knownAgentKeys); suggestion != "" {
					warning += fmt.Sprintf(" (did you mean %q?)", suggestion)
				}
				warnings = append(warnings, warning)
			}
		}
	}

	return warnings
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// findSimilar finds the most similar string from candidates using Levenshtein distance.
// Returns empty string if no candidate is similar enough (threshold: 3 edits).
func findSimilar(input string, candidates []string) string {
	const maxDistance = 3
	bestMatch := ""
	bestDistance := maxDistance + 1

	for _, candidate := range candidates {
		dist := levenshtein(input, candidate)
		if dist < bestDistance {
			bestDistance = dist
			bestMatch = candidate
		}
	}

	if bestDistance <= maxDistance {
		return bestMatch
	}
	return ""
}

// levenshtein calculates the Levenshtein distance between two strings.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)

	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// Validate checks that all config values are valid.
func (c *Config) Validate() error {
	if c.Timeout != nil && *c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %s", time.Duration(*c.Timeout))
	}
	if c.Agent != nil && !agent.IsSupported(*c.Agent) {
		return fmt.Errorf("agent must be one of %v, got %q", agent.SupportedAgents, *c.Agent)
	}
	if c.Base != nil {
		if err := git.ValidateRef(*c.Base); err != nil {
			return err
		}
	}
	for id := range c.Agents {
		if !agent.IsSupported(id) {
			return fmt.Errorf("agents.%s: unknown agent, supported: %v", id, agent.SupportedAgents)
		}
	}
	return nil
}

// Getenv wraps getenv so per-agent overrides from the config file apply
// when the matching ATR_* variable is unset.
func (c *Config) Getenv(getenv func(string) string) func(string) string {
	if c == nil || len(c.Agents) == 0 {
		return getenv
	}
	fallback := make(map[string]string)
	for id, ac := range c.Agents {
		binEnv, pkgEnv, ok := agent.OverrideEnv(id)
		if !ok {
			continue
		}
		if ac.Bin != "" {
			fallback[binEnv] = ac.Bin
		}
		if ac.Package != "" && pkgEnv != "" {
			fallback[pkgEnv] = ac.Package
		}
	}
	return func(key string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback[key]
	}
}

// Defaults holds the built-in default values.
var Defaults = ResolvedConfig{
	Agent:      agent.DefaultAgent,
	Timeout:    30 * time.Minute,
	Base:       "main",
	RepoAccess: true,
}

// ResolvedConfig holds the final resolved configuration values.
type ResolvedConfig struct {
	Agent        string
	Timeout      time.Duration
	Base         string
	RepoAccess   bool
	DBPath       string
	MCPServerBin string
	Debug        bool
}

// Validate checks values that may have come from flags or the environment.
func (r ResolvedConfig) Validate() error {
	if r.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %s", r.Timeout)
	}
	if !agent.IsSupported(r.Agent) {
		return fmt.Errorf("agent must be one of %v, got %q", agent.SupportedAgents, r.Agent)
	}
	return git.ValidateRef(r.Base)
}

// FlagState tracks whether a flag was explicitly set.
type FlagState struct {
	AgentSet        bool
	TimeoutSet      bool
	BaseSet         bool
	RepoAccessSet   bool
	DBPathSet       bool
	MCPServerBinSet bool
	DebugSet        bool
}

// EnvState captures env var values and whether they were set.
type EnvState struct {
	Agent           string
	AgentSet        bool
	Timeout         time.Duration
	TimeoutSet      bool
	Base            string
	BaseSet         bool
	RepoAccess      bool
	RepoAccessSet   bool
	DBPath          string
	DBPathSet       bool
	MCPServerBin    string
	MCPServerBinSet bool
	Debug           bool
	DebugSet        bool
}

// LoadEnvState reads environment variables and returns their state.
// Unparseable values are ignored.
func LoadEnvState() EnvState {
	var state EnvState

	if v := os.Getenv("ATR_AGENT"); v != "" {
		state.Agent = v
		state.AgentSet = true
	}
	if v := os.Getenv("ATR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			state.Timeout = d
			state.TimeoutSet = true
		} else if secs, err := strconv.Atoi(v); err == nil {
			state.Timeout = time.Duration(secs) * time.Second
			state.TimeoutSet = true
		}
	}
	if v := os.Getenv("ATR_BASE_REF"); v != "" {
		state.Base = v
		state.BaseSet = true
	}
	if v := os.Getenv("ATR_REPO_ACCESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			state.RepoAccess = b
			state.RepoAccessSet = true
		}
	}
	if v := os.Getenv("ATR_DB_PATH"); v != "" {
		state.DBPath = v
		state.DBPathSet = true
	}
	if v := os.Getenv("ATR_MCP_SERVER_BIN"); v != "" {
		state.MCPServerBin = v
		state.MCPServerBinSet = true
	}
	if v := os.Getenv("ATR_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			state.Debug = b
			state.DebugSet = true
		}
	}

	return state
}

// Resolve merges config file values with env vars and flags.
// Precedence: flags > env vars > config file > defaults
func Resolve(cfg *Config, envState EnvState, flagState FlagState, flagValues ResolvedConfig) ResolvedConfig {
	result := Defaults

	if cfg != nil {
		if cfg.Agent != nil {
			result.Agent = *cfg.Agent
		}
		if cfg.Timeout != nil {
			result.Timeout = cfg.Timeout.AsDuration()
		}
		if cfg.Base != nil {
			result.Base = *cfg.Base
		}
		if cfg.RepoAccess != nil {
			result.RepoAccess = *cfg.RepoAccess
		}
		if cfg.DBPath != nil {
			result.DBPath = *cfg.DBPath
		}
		if cfg.MCPServerBin != nil {
			result.MCPServerBin = *cfg.MCPServerBin
		}
		if cfg.Debug != nil {
			result.Debug = *cfg.Debug
		}
	}

	if envState.AgentSet {
		result.Agent = envState.Agent
	}
	if envState.TimeoutSet {
		result.Timeout = envState.Timeout
	}
	if envState.BaseSet {
		result.Base = envState.Base
	}
	if envState.RepoAccessSet {
		result.RepoAccess = envState.RepoAccess
	}
	if envState.DBPathSet {
		result.DBPath = envState.DBPath
	}
	if envState.MCPServerBinSet {
		result.MCPServerBin = envState.MCPServerBin
	}
	if envState.DebugSet {
		result.Debug = envState.Debug
	}

	if flagState.AgentSet {
		result.Agent = flagValues.Agent
	}
	if flagState.TimeoutSet {
		result.Timeout = flagValues.Timeout
	}
	if flagState.BaseSet {
		result.Base = flagValues.Base
	}
	if flagState.RepoAccessSet {
		result.RepoAccess = flagValues.RepoAccess
	}
	if flagState.DBPathSet {
		result.DBPath = flagValues.DBPath
	}
	if flagState.MCPServerBinSet {
		result.MCPServerBin = flagValues.MCPServerBin
	}
	if flagState.DebugSet {
		result.Debug = flagValues.Debug
	}

	return result
}
