package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ship-commander/parley/internal/convergence"
)

const (
	defaultHarness                = "claude"
	defaultModel                  = ""
	defaultMaxRounds              = 8
	defaultAgentTimeout           = 10 * time.Minute
	defaultProgressInterval       = 10 * time.Second
	defaultNearConsensusDisplay   = 0.80
	defaultAbortAfterFailedRounds = 3
	defaultCodexSandbox           = "read-only"
	defaultSessionsDir            = "~/.parley/sessions"
	configDirName                 = ".parley"
)

var knownRoles = map[string]struct{}{
	"a": {},
	"b": {},
}

// Config stores runtime settings loaded from TOML files.
type Config struct {
	MaxRounds              int
	Preset                 string
	AgentTimeout           time.Duration
	ProgressInterval       time.Duration
	NearConsensusDisplay   float64
	AbortAfterFailedRounds int
	SessionsDir            string
	DefaultHarness         string
	DefaultModel           string
	CodexSandbox           string
	Roles                  map[string]HarnessModelConfig
	Presets                map[string]PresetConfig
	OTelEndpoint           string
}

// HarnessModelConfig stores one harness/model pair.
type HarnessModelConfig struct {
	Harness string
	Model   string
}

// PresetConfig is a custom convergence preset: a built-in base plus field overrides.
type PresetConfig struct {
	Base      string
	Overrides PresetOverrides
}

// PresetOverrides holds the detector fields a custom preset may set.
type PresetOverrides struct {
	SimilarityThresholdEarly *float64 `toml:"similarity_threshold_early"`
	SimilarityThresholdLate  *float64 `toml:"similarity_threshold_late"`
	LateRoundCutoff          *int     `toml:"late_round_cutoff"`
	StabilityWindow          *int     `toml:"stability_window"`
	StabilityTolerance       *float64 `toml:"stability_tolerance"`
	StabilityFloor           *float64 `toml:"stability_floor"`
	NearIdenticalThreshold   *float64 `toml:"near_identical_threshold"`
	ApproachingThreshold     *float64 `toml:"approaching_threshold"`
}

type fileConfig struct {
	MaxRounds              *int                  `toml:"max_rounds"`
	Preset                 *string               `toml:"preset"`
	AgentTimeout           *string               `toml:"agent_timeout"`
	ProgressInterval       *string               `toml:"progress_interval"`
	NearConsensusDisplay   *float64              `toml:"near_consensus_display"`
	AbortAfterFailedRounds *int                  `toml:"abort_after_failed_rounds"`
	SessionsDir            *string               `toml:"sessions_dir"`
	DefaultHarness         *string               `toml:"default_harness"`
	DefaultModel           *string               `toml:"default_model"`
	CodexSandbox           *string               `toml:"codex_sandbox"`
	Presets                map[string]presetFile `toml:"presets"`
	OTel                   *otelConfig           `toml:"otel"`
}

type presetFile struct {
	Base *string `toml:"base"`
	PresetOverrides
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.parley/config.toml and overlays a project-local .parley/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return LoadFiles(ctx, homeDir,
		filepath.Join(homeDir, configDirName, "config.toml"),
		filepath.Join(workingDir, configDirName, "config.toml"),
	)
}

// LoadFiles overlays each existing path onto the defaults in order. homeDir expands a leading
// "~" in sessions_dir.
func LoadFiles(ctx context.Context, homeDir string, paths ...string) (*Config, error) {
	cfg := defaults()
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.SessionsDir = expandHome(cfg.SessionsDir, homeDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration with sessions_dir expanded against homeDir.
func Default(homeDir string) *Config {
	cfg := defaults()
	cfg.SessionsDir = expandHome(cfg.SessionsDir, homeDir)
	return &cfg
}

func defaults() Config {
	return Config{
		MaxRounds:              defaultMaxRounds,
		Preset:                 convergence.DefaultPreset,
		AgentTimeout:           defaultAgentTimeout,
		ProgressInterval:       defaultProgressInterval,
		NearConsensusDisplay:   defaultNearConsensusDisplay,
		AbortAfterFailedRounds: defaultAbortAfterFailedRounds,
		SessionsDir:            defaultSessionsDir,
		DefaultHarness:         defaultHarness,
		DefaultModel:           defaultModel,
		CodexSandbox:           defaultCodexSandbox,
		Roles:                  map[string]HarnessModelConfig{},
		Presets:                map[string]PresetConfig{},
	}
}

// Validate reports settings that cannot drive a debate.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	var errs []error
	if c.MaxRounds < 1 {
		errs = append(errs, fmt.Errorf("max_rounds must be >= 1, got %d", c.MaxRounds))
	}
	if c.AgentTimeout <= 0 {
		errs = append(errs, fmt.Errorf("agent_timeout must be > 0, got %s", c.AgentTimeout))
	}
	if c.ProgressInterval <= 0 {
		errs = append(errs, fmt.Errorf("progress_interval must be > 0, got %s", c.ProgressInterval))
	}
	if c.NearConsensusDisplay <= 0 || c.NearConsensusDisplay > 1 {
		errs = append(errs, fmt.Errorf("near_consensus_display must be in (0, 1], got %.2f", c.NearConsensusDisplay))
	}
	if c.AbortAfterFailedRounds < 0 {
		errs = append(errs, fmt.Errorf("abort_after_failed_rounds must be >= 0, got %d", c.AbortAfterFailedRounds))
	}
	if strings.TrimSpace(c.SessionsDir) == "" {
		errs = append(errs, errors.New("sessions_dir must not be empty"))
	}
	if _, err := c.ResolvePreset(c.Preset); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("decode config roles in %q: %w", path, err)
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	applyPresetOverrides(cfg, decoded)
	if err := overlayRoleConfigs(cfg, raw, path); err != nil {
		return err
	}

	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

// ResolveRole resolves harness/model with this precedence: role specific > defaults.
//
// When availability information is provided and the selected harness is unavailable,
// the resolver falls back to an available harness, drops the model chosen for the
// unavailable harness and returns a warning.
func (c *Config) ResolveRole(role string, availability map[string]bool) (string, string, []string, error) {
	if c == nil {
		return "", "", nil, errors.New("config must not be nil")
	}

	selectedHarness := normalizeHarness(c.DefaultHarness)
	if selectedHarness == "" {
		selectedHarness = defaultHarness
	}
	selectedModel := strings.TrimSpace(c.DefaultModel)

	if roleConfig, ok := c.Roles[normalizeKey(role)]; ok {
		if roleHarness := normalizeHarness(roleConfig.Harness); roleHarness != "" {
			selectedHarness = roleHarness
		}
		if roleModel := strings.TrimSpace(roleConfig.Model); roleModel != "" {
			selectedModel = roleModel
		}
	}

	warnings := []string{}
	if len(availability) == 0 {
		return selectedHarness, selectedModel, warnings, nil
	}
	if available, ok := availability[selectedHarness]; ok && available {
		return selectedHarness, selectedModel, warnings, nil
	}

	fallback := fallbackHarness(availability)
	if fallback == "" {
		return "", "", warnings, fmt.Errorf("configured harness %q unavailable and no fallback harness available", selectedHarness)
	}

	message := fmt.Sprintf("role %s: configured harness %q unavailable; falling back to %q", strings.ToUpper(role), selectedHarness, fallback)
	if selectedModel != "" {
		message += fmt.Sprintf(" with its default model instead of %q", selectedModel)
	}
	warnings = append(warnings, message)
	return fallback, "", warnings, nil
}

// ResolvePreset returns the validated detector config for name. Custom presets from the
// config file win over built-in presets of the same name. An empty name uses the configured
// default preset.
func (c *Config) ResolvePreset(name string) (convergence.Config, error) {
	key := normalizeKey(name)
	if key == "" && c != nil {
		key = normalizeKey(c.Preset)
	}
	if key == "" {
		key = convergence.DefaultPreset
	}

	if c != nil {
		if custom, ok := c.Presets[key]; ok {
			return resolveCustomPreset(key, custom)
		}
	}
	if builtin, ok := convergence.Preset(key); ok {
		return builtin, nil
	}
	return convergence.Config{}, fmt.Errorf("unknown preset %q (available: %s)", key, strings.Join(c.PresetNames(), ", "))
}

// PresetNames returns built-in and custom preset names in sorted order.
func (c *Config) PresetNames() []string {
	seen := map[string]struct{}{}
	names := make([]string, 0)
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for _, name := range convergence.PresetNames() {
		add(name)
	}
	if c != nil {
		for name := range c.Presets {
			add(name)
		}
	}
	sort.Strings(names)
	return names
}

func resolveCustomPreset(name string, custom PresetConfig) (convergence.Config, error) {
	baseName := normalizeKey(custom.Base)
	if baseName == "" {
		baseName = convergence.DefaultPreset
	}
	base, ok := convergence.Preset(baseName)
	if !ok {
		return convergence.Config{}, fmt.Errorf("preset %q: unknown base preset %q", name, baseName)
	}

	overrides := custom.Overrides
	setFloat(&base.SimilarityThresholdEarly, overrides.SimilarityThresholdEarly)
	setFloat(&base.SimilarityThresholdLate, overrides.SimilarityThresholdLate)
	setInt(&base.LateRoundCutoff, overrides.LateRoundCutoff)
	setInt(&base.StabilityWindow, overrides.StabilityWindow)
	setFloat(&base.StabilityTolerance, overrides.StabilityTolerance)
	setFloat(&base.StabilityFloor, overrides.StabilityFloor)
	setFloat(&base.NearIdenticalThreshold, overrides.NearIdenticalThreshold)
	setFloat(&base.ApproachingThreshold, overrides.ApproachingThreshold)

	if err := base.Validate(); err != nil {
		return convergence.Config{}, fmt.Errorf("preset %q: %w", name, err)
	}
	return base, nil
}

func overlayRoleConfigs(cfg *Config, raw map[string]any, path string) error {
	rolesRaw, ok := raw["roles"]
	if !ok {
		return nil
	}

	rolesMap, ok := rolesRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("parse roles in %q: expected table", path)
	}
	if cfg.Roles == nil {
		cfg.Roles = map[string]HarnessModelConfig{}
	}

	for roleName, roleValue := range rolesMap {
		if err := overlaySingleRoleConfig(cfg, roleName, roleValue, path); err != nil {
			return err
		}
	}

	return nil
}

func overlaySingleRoleConfig(cfg *Config, roleName string, roleValue any, path string) error {
	normalizedRole := normalizeKey(roleName)
	if _, ok := knownRoles[normalizedRole]; !ok {
		return fmt.Errorf("parse roles.%s in %q: unknown role (expected a or b)", roleName, path)
	}
	roleMap, ok := roleValue.(map[string]any)
	if !ok {
		return fmt.Errorf("parse roles.%s in %q: expected table", roleName, path)
	}

	roleConfig := cfg.Roles[normalizedRole]
	for key, value := range roleMap {
		switch normalizeKey(key) {
		case "harness":
			text, err := stringValue(value, fmt.Sprintf("roles.%s.harness", roleName), path)
			if err != nil {
				return err
			}
			roleConfig.Harness = normalizeHarness(text)
		case "model":
			text, err := stringValue(value, fmt.Sprintf("roles.%s.model", roleName), path)
			if err != nil {
				return err
			}
			roleConfig.Model = strings.TrimSpace(text)
		default:
			return fmt.Errorf("parse roles.%s.%s in %q: unsupported key", roleName, key, path)
		}
	}
	cfg.Roles[normalizedRole] = roleConfig
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.MaxRounds != nil {
		cfg.MaxRounds = *decoded.MaxRounds
	}
	if decoded.Preset != nil {
		cfg.Preset = normalizeKey(*decoded.Preset)
	}
	if decoded.NearConsensusDisplay != nil {
		cfg.NearConsensusDisplay = *decoded.NearConsensusDisplay
	}
	if decoded.AbortAfterFailedRounds != nil {
		cfg.AbortAfterFailedRounds = *decoded.AbortAfterFailedRounds
	}
	if decoded.SessionsDir != nil {
		cfg.SessionsDir = strings.TrimSpace(*decoded.SessionsDir)
	}
	if decoded.DefaultHarness != nil {
		cfg.DefaultHarness = normalizeHarness(*decoded.DefaultHarness)
	}
	if decoded.DefaultModel != nil {
		cfg.DefaultModel = strings.TrimSpace(*decoded.DefaultModel)
	}
	if decoded.CodexSandbox != nil {
		cfg.CodexSandbox = normalizeKey(*decoded.CodexSandbox)
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.AgentTimeout != nil {
		value, err := parseDuration(*decoded.AgentTimeout, "agent_timeout", path)
		if err != nil {
			return err
		}
		cfg.AgentTimeout = value
	}
	if decoded.ProgressInterval != nil {
		value, err := parseDuration(*decoded.ProgressInterval, "progress_interval", path)
		if err != nil {
			return err
		}
		cfg.ProgressInterval = value
	}
	return nil
}

func applyPresetOverrides(cfg *Config, decoded fileConfig) {
	if cfg.Presets == nil {
		cfg.Presets = map[string]PresetConfig{}
	}
	for name, preset := range decoded.Presets {
		key := normalizeKey(name)
		merged := cfg.Presets[key]
		if preset.Base != nil {
			merged.Base = normalizeKey(*preset.Base)
		}
		mergeOverrides(&merged.Overrides, preset.PresetOverrides)
		cfg.Presets[key] = merged
	}
}

func mergeOverrides(dst *PresetOverrides, src PresetOverrides) {
	if src.SimilarityThresholdEarly != nil {
		dst.SimilarityThresholdEarly = src.SimilarityThresholdEarly
	}
	if src.SimilarityThresholdLate != nil {
		dst.SimilarityThresholdLate = src.SimilarityThresholdLate
	}
	if src.LateRoundCutoff != nil {
		dst.LateRoundCutoff = src.LateRoundCutoff
	}
	if src.StabilityWindow != nil {
		dst.StabilityWindow = src.StabilityWindow
	}
	if src.StabilityTolerance != nil {
		dst.StabilityTolerance = src.StabilityTolerance
	}
	if src.StabilityFloor != nil {
		dst.StabilityFloor = src.StabilityFloor
	}
	if src.NearIdenticalThreshold != nil {
		dst.NearIdenticalThreshold = src.NearIdenticalThreshold
	}
	if src.ApproachingThreshold != nil {
		dst.ApproachingThreshold = src.ApproachingThreshold
	}
}

func setFloat(dst *float64, value *float64) {
	if value != nil {
		*dst = *value
	}
}

func setInt(dst *int, value *int) {
	if value != nil {
		*dst = *value
	}
}

func expandHome(path, homeDir string) string {
	path = strings.TrimSpace(path)
	if homeDir == "" {
		return path
	}
	if path == "~" {
		return homeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeHarness(value string) string {
	return normalizeKey(value)
}

func stringValue(value any, key string, path string) (string, error) {
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("parse %s in %q: must be string", key, path)
	}
	return text, nil
}

func fallbackHarness(availability map[string]bool) string {
	for _, preferred := range []string{defaultHarness, "codex"} {
		if availability[preferred] {
			return preferred
		}
	}

	keys := make([]string, 0, len(availability))
	for key := range availability {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if availability[key] {
			return key
		}
	}
	return ""
}
