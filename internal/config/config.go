package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cthiebaud/hacklily/internal/logging"
)

type SourceType string

const (
	SourceWorker     SourceType = "worker"
	SourceBatch      SourceType = "batch"
	SourceTestRunner SourceType = "test_runner"
)

const (
	DefaultReconnectMaxAttempts    = 5
	DefaultReconnectInitialDelayMs = 1000
	DefaultReconnectMaxDelayMs     = 30000
	DefaultDrainGraceMs            = 10000
	DefaultHeartbeatIntervalMs     = 1000
	DefaultRenderTimeoutMs         = 6000

	// MinWorkerCapacity is the smallest max_jobs the coordinator accepts.
	MinWorkerCapacity = 2
)

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var allowedKeys = map[string]map[string]struct{}{
	"": keySet("stable_worker_count", "unstable_worker_count", "command_source", "reconnect",
		"drain_grace_ms", "heartbeat_interval_ms", "log_level", "log_format", "metrics_listen", "renderer"),
	"command_source": keySet("type", "coordinator", "bus_prefix", "path", "output", "input"),
	"reconnect":      keySet("max_attempts", "initial_delay_ms", "max_delay_ms"),
	"renderer":       keySet("command", "timeout_ms", "log_dir"),
}

// Config is the process configuration of the renderer server.
type Config struct {
	// StableWorkerCount is the number of long-lived render slots.
	StableWorkerCount int `json:"stable_worker_count"`
	// UnstableWorkerCount is the number of elastic render slots.
	UnstableWorkerCount int           `json:"unstable_worker_count"`
	CommandSource       CommandSource `json:"command_source"`
	Reconnect           Reconnect     `json:"reconnect"`
	DrainGraceMs        int           `json:"drain_grace_ms"`
	HeartbeatIntervalMs int           `json:"heartbeat_interval_ms"`
	LogLevel            string        `json:"log_level"`
	LogFormat           string        `json:"log_format"`
	MetricsListen       string        `json:"metrics_listen"`
	Renderer            Renderer      `json:"renderer"`
}

// CommandSource selects exactly one origin of render jobs. Which fields are
// read depends on Type.
type CommandSource struct {
	Type        SourceType `json:"type"`
	Coordinator string     `json:"coordinator,omitempty"`
	BusPrefix   string     `json:"bus_prefix,omitempty"`
	Path        string     `json:"path,omitempty"`
	Output      string     `json:"output,omitempty"`
	Input       string     `json:"input,omitempty"`
}

type Reconnect struct {
	MaxAttempts    int `json:"max_attempts"`
	InitialDelayMs int `json:"initial_delay_ms"`
	MaxDelayMs     int `json:"max_delay_ms"`
}

type Renderer struct {
	Command   []string `json:"command"`
	TimeoutMs int      `json:"timeout_ms"`
	// LogDir, when set, receives a transcript line per render.
	LogDir string `json:"log_dir,omitempty"`
}

func Default() Config {
	return Config{
		StableWorkerCount: MinWorkerCapacity,
		Reconnect: Reconnect{
			MaxAttempts:    DefaultReconnectMaxAttempts,
			InitialDelayMs: DefaultReconnectInitialDelayMs,
			MaxDelayMs:     DefaultReconnectMaxDelayMs,
		},
		DrainGraceMs:        DefaultDrainGraceMs,
		HeartbeatIntervalMs: DefaultHeartbeatIntervalMs,
		LogLevel:            "info",
		LogFormat:           string(logging.FormatJSON),
		Renderer:            Renderer{TimeoutMs: DefaultRenderTimeoutMs},
	}
}

func (c Config) TotalWorkerCount() int {
	return c.StableWorkerCount + c.UnstableWorkerCount
}

func (c Config) DrainGrace() time.Duration {
	return time.Duration(c.DrainGraceMs) * time.Millisecond
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (r Reconnect) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMs) * time.Millisecond
}

func (r Reconnect) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

func (r Renderer) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Validate reports every problem at once, joined with "; ".
func (c Config) Validate() error {
	issues := c.validate()
	if len(issues) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %s", strings.Join(issues, "; "))
}

func (c Config) validate() []string {
	var issues []string
	if c.StableWorkerCount < 0 {
		issues = append(issues, "stable_worker_count must not be negative")
	}
	if c.UnstableWorkerCount < 0 {
		issues = append(issues, "unstable_worker_count must not be negative")
	}

	source := c.CommandSource
	switch source.Type {
	case SourceWorker:
		if strings.TrimSpace(source.Coordinator) == "" {
			issues = append(issues, "command_source.coordinator is required for worker sources")
		}
		if c.TotalWorkerCount() < MinWorkerCapacity {
			issues = append(issues, fmt.Sprintf("worker sources need at least %d stable plus unstable workers, the coordinator ignores fewer", MinWorkerCapacity))
		}
	case SourceBatch:
		if strings.TrimSpace(source.Path) == "" {
			issues = append(issues, "command_source.path is required for batch sources")
		}
	case SourceTestRunner:
		if strings.TrimSpace(source.Input) == "" {
			issues = append(issues, "command_source.input is required for test_runner sources")
		}
		if strings.TrimSpace(source.Output) == "" {
			issues = append(issues, "command_source.output is required for test_runner sources")
		}
	case "":
		issues = append(issues, "command_source.type is required")
	default:
		issues = append(issues, fmt.Sprintf("command_source.type %q is not one of worker, batch, test_runner", source.Type))
	}

	if c.Reconnect.MaxAttempts < 0 {
		issues = append(issues, "reconnect.max_attempts must not be negative")
	}
	if c.Reconnect.InitialDelayMs <= 0 {
		issues = append(issues, "reconnect.initial_delay_ms must be positive")
	}
	if c.Reconnect.MaxDelayMs < c.Reconnect.InitialDelayMs {
		issues = append(issues, "reconnect.max_delay_ms must be >= reconnect.initial_delay_ms")
	}
	if c.DrainGraceMs <= 0 {
		issues = append(issues, "drain_grace_ms must be positive")
	}
	if c.HeartbeatIntervalMs <= 0 {
		issues = append(issues, "heartbeat_interval_ms must be positive")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		issues = append(issues, err.Error())
	}
	switch logging.Format(c.LogFormat) {
	case logging.FormatJSON, logging.FormatText, "":
	default:
		issues = append(issues, fmt.Sprintf("log_format %q is not one of json, text", c.LogFormat))
	}
	if c.Renderer.TimeoutMs < 0 {
		issues = append(issues, "renderer.timeout_ms must not be negative")
	}
	return issues
}

type loader struct {
	readFile func(string) ([]byte, error)
	getenv   func(string) string
}

func NewLoader() loader {
	return loader{
		readFile: os.ReadFile,
		getenv:   os.Getenv,
	}
}

// Load reads a YAML config file on top of Default(). It does not call
// Validate, since command line flags may still fill in required fields.
func Load(path string) (Config, error) {
	return NewLoader().Load(path)
}

func (l loader) Load(path string) (Config, error) {
	content, err := l.readFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read config at %q: %w", path, err)
	}
	return loadFromBytes(path, content, l.getenv)
}

func loadFromBytes(path string, content []byte, getenv func(string) string) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return Config{}, fmt.Errorf("cannot parse config at %q: %w", path, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	var issues []string
	if getenv != nil {
		substituted, err := substituteEnv(raw, getenv)
		if err != nil {
			issues = append(issues, err.Error())
		} else {
			raw = substituted.(map[string]any)
		}
	}
	raw = normalizeValue(raw).(map[string]any)
	issues = append(issues, validateKeys(raw)...)
	issues = append(issues, coerceIntegers(raw)...)
	if len(issues) > 0 {
		return Config{}, fmt.Errorf("invalid config at %q: %s", path, strings.Join(issues, "; "))
	}

	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return Config{}, fmt.Errorf("marshal normalized config for %q: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(jsonBytes, &cfg); err != nil {
		return Config{}, fmt.Errorf("map config from %q into schema: %w", path, err)
	}
	return cfg, nil
}

func validateKeys(raw map[string]any) []string {
	var issues []string
	for key, value := range raw {
		if _, ok := allowedKeys[""][key]; !ok {
			issues = append(issues, fmt.Sprintf("top-level key %q is not allowed", key))
			continue
		}
		nestedAllowed, hasNested := allowedKeys[key]
		if !hasNested {
			continue
		}
		nested, ok := value.(map[string]any)
		if !ok {
			issues = append(issues, fmt.Sprintf("field %s must be an object", key))
			continue
		}
		for nestedKey := range nested {
			if _, ok := nestedAllowed[nestedKey]; !ok {
				issues = append(issues, fmt.Sprintf("%s has unknown field %q", key, nestedKey))
			}
		}
	}
	sort.Strings(issues)
	return issues
}

// integerKeys lists the numeric fields, by parent object ("" is top level).
// A placeholder substituted into one of them arrives as a string and is
// parsed back into an integer here.
var integerKeys = map[string][]string{
	"":          {"stable_worker_count", "unstable_worker_count", "drain_grace_ms", "heartbeat_interval_ms"},
	"reconnect": {"max_attempts", "initial_delay_ms", "max_delay_ms"},
	"renderer":  {"timeout_ms"},
}

func coerceIntegers(raw map[string]any) []string {
	var issues []string
	for parent, keys := range integerKeys {
		fields := raw
		if parent != "" {
			nested, ok := raw[parent].(map[string]any)
			if !ok {
				continue
			}
			fields = nested
		}
		for _, key := range keys {
			text, ok := fields[key].(string)
			if !ok {
				continue
			}
			number, err := strconv.Atoi(strings.TrimSpace(text))
			if err != nil {
				issues = append(issues, fmt.Sprintf("%s must be an integer, got %q", qualifiedKey(parent, key), text))
				continue
			}
			fields[key] = number
		}
	}
	sort.Strings(issues)
	return issues
}

func qualifiedKey(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		normalized := make(map[string]any, len(typed))
		for key, nested := range typed {
			normalized[key] = normalizeValue(nested)
		}
		return normalized
	case map[any]any:
		normalized := make(map[string]any, len(typed))
		for key, nested := range typed {
			normalized[fmt.Sprintf("%v", key)] = normalizeValue(nested)
		}
		return normalized
	case []any:
		out := make([]any, len(typed))
		for idx := range typed {
			out[idx] = normalizeValue(typed[idx])
		}
		return out
	default:
		return value
	}
}

func substituteEnv(value any, getenv func(string) string) (any, error) {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, nested := range typed {
			substituted, err := substituteEnv(nested, getenv)
			if err != nil {
				return nil, err
			}
			out[key] = substituted
		}
		return out, nil
	case []any:
		out := make([]any, len(typed))
		for idx := range typed {
			substituted, err := substituteEnv(typed[idx], getenv)
			if err != nil {
				return nil, err
			}
			out[idx] = substituted
		}
		return out, nil
	case string:
		missingVars := map[string]struct{}{}
		subbed := placeholderPattern.ReplaceAllStringFunc(typed, func(match string) string {
			sub := placeholderPattern.FindStringSubmatch(match)
			if len(sub) != 2 {
				return match
			}
			envValue := strings.TrimSpace(getenv(sub[1]))
			if envValue == "" {
				missingVars[sub[1]] = struct{}{}
				return ""
			}
			return envValue
		})
		if len(missingVars) > 0 {
			missing := make([]string, 0, len(missingVars))
			for envName := range missingVars {
				missing = append(missing, envName)
			}
			sort.Strings(missing)
			return nil, fmt.Errorf("missing environment variables in config: %s", strings.Join(missing, ", "))
		}
		return subbed, nil
	default:
		return value, nil
	}
}

func keySet(keys ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return set
}
