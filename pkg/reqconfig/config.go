// Package reqconfig loads the agent server's configuration, layering
// defaults, admin-managed requirements, the user's config file, an
// optional profile, and CLI/programmatic overrides, generalizing a
// layered-precedence idiom (defaults → file → env) with a requirements
// layer that can permanently narrow which values a later layer is
// allowed to set.
package reqconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"codexserver/pkg/domain"
)

// ConfigLoadError wraps a failure at a specific layer so callers (and
// logs) can tell defaults-are-fine-but-your-file-is-broken apart from a
// requirements violation.
type ConfigLoadError struct {
	Layer string
	Err   error
}

func (e *ConfigLoadError) Error() string { return fmt.Sprintf("reqconfig: %s: %v", e.Layer, e.Err) }
func (e *ConfigLoadError) Unwrap() error { return e.Err }

// fileConfig is the on-disk TOML shape for both the user config and the
// requirements file; requirements files only ever populate the
// `Allowed*` fields.
type fileConfig struct {
	Model          string   `toml:"model"`
	ApprovalPolicy string   `toml:"approval_policy"`
	SandboxMode    string   `toml:"sandbox_mode"`
	Cwd            string   `toml:"cwd"`
	AgentJobMaxThreads int  `toml:"agent_job_max_threads"`

	DangerouslyAllowNonLoopbackAdmin bool `toml:"dangerously_allow_non_loopback_admin"`

	AllowedModels          []string `toml:"allowed_models"`
	AllowedApprovalPolicies []string `toml:"allowed_approval_policies"`
	AllowedSandboxModes    []string `toml:"allowed_sandbox_modes"`

	Profiles map[string]fileConfig `toml:"profiles"`
}

// Config is the fully-resolved, constraint-aware configuration the
// agent server runs with.
type Config struct {
	Model          domain.Constrained[string]
	ApprovalPolicy domain.Constrained[string]
	SandboxMode    domain.Constrained[string]
	Cwd            string

	// AgentJobMaxThreads caps concurrency for spawn_agents_on_csv,
	// clamped to [1, MaxAgentJobConcurrency].
	AgentJobMaxThreads int

	// DangerouslyAllowNonLoopbackAdmin is a pure passthrough: the
	// engine enforces nothing extra from it, it only reaches the
	// transport layer's bind-address check (Open Question decision).
	DangerouslyAllowNonLoopbackAdmin bool
}

// DefaultAgentJobConcurrency and MaxAgentJobConcurrency are pinned from
// original_source/codex-rs/core/src/tools/handlers/agent_jobs.rs.
const (
	DefaultAgentJobConcurrency = 16
	MaxAgentJobConcurrency     = 64
)

// Default returns the configuration in effect before any file is read.
func Default() Config {
	return Config{
		Model:              domain.NewConstrained("model", "gpt-5.2-codex", nil, domain.SourceUnknown),
		ApprovalPolicy:     domain.NewConstrained("approval_policy", domain.ApprovalUnlessTrusted.String(), nil, domain.SourceUnknown),
		SandboxMode:        domain.NewConstrained("sandbox_mode", domain.SandboxWorkspaceWrite.String(), nil, domain.SourceUnknown),
		Cwd:                "",
		AgentJobMaxThreads: DefaultAgentJobConcurrency,
	}
}

// Layer is one precedence step applied in Load's fixed order:
// defaults → requirements (MDM/cloud) → user config → profile →
// CLI `-c` overrides → programmatic overrides. Requirements layers
// narrow what later layers may set; they never set a value outright
// unless the later layers leave it unset.
type Layer struct {
	Path   string
	Source domain.RequirementSource
	// Profile selects a named [profiles.X] table to additionally apply
	// after the layer's top-level fields (only meaningful for user
	// config layers).
	Profile string
}

// Load resolves the final Config from an ordered list of layers.
// Requirements layers (Source == SourceMDM/SourceCloudRequirements/
// SourceRequirementsTOML/SourceLegacyManagedConfig) populate allowed-value
// sets; all other layers populate the actual value, validated against
// whatever allowed-set a prior requirements layer already fixed.
func Load(layers []Layer, overrides map[string]string) (Config, error) {
	cfg := Default()

	for _, layer := range layers {
		fc, err := readLayer(layer.Path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Config{}, &ConfigLoadError{Layer: layer.Path, Err: err}
		}
		if layer.Profile != "" {
			if prof, ok := fc.Profiles[layer.Profile]; ok {
				fc = mergeFileConfig(fc, prof)
			}
		}
		if err := applyLayer(&cfg, fc, layer.Source); err != nil {
			return Config{}, &ConfigLoadError{Layer: layer.Path, Err: err}
		}
	}

	for key, val := range overrides {
		if err := applyOverride(&cfg, key, val); err != nil {
			return Config{}, &ConfigLoadError{Layer: "-c override", Err: err}
		}
	}

	if cfg.AgentJobMaxThreads <= 0 {
		cfg.AgentJobMaxThreads = DefaultAgentJobConcurrency
	}
	if cfg.AgentJobMaxThreads > MaxAgentJobConcurrency {
		cfg.AgentJobMaxThreads = MaxAgentJobConcurrency
	}

	return cfg, nil
}

func readLayer(path string) (fileConfig, error) {
	var fc fileConfig
	if strings.TrimSpace(path) == "" {
		return fc, os.ErrNotExist
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if _, err := toml.Decode(string(buf), &fc); err != nil {
		return fc, fmt.Errorf("decode toml: %w", err)
	}
	return fc, nil
}

func mergeFileConfig(base, overlay fileConfig) fileConfig {
	if overlay.Model != "" {
		base.Model = overlay.Model
	}
	if overlay.ApprovalPolicy != "" {
		base.ApprovalPolicy = overlay.ApprovalPolicy
	}
	if overlay.SandboxMode != "" {
		base.SandboxMode = overlay.SandboxMode
	}
	if overlay.Cwd != "" {
		base.Cwd = overlay.Cwd
	}
	if overlay.AgentJobMaxThreads != 0 {
		base.AgentJobMaxThreads = overlay.AgentJobMaxThreads
	}
	return base
}

func applyLayer(cfg *Config, fc fileConfig, source domain.RequirementSource) error {
	isRequirements := source != domain.SourceUnknown

	if isRequirements {
		if len(fc.AllowedModels) > 0 {
			cfg.Model = domain.NewConstrained("model", cfg.Model.Value(), fc.AllowedModels, source)
		}
		if len(fc.AllowedApprovalPolicies) > 0 {
			cfg.ApprovalPolicy = domain.NewConstrained("approval_policy", cfg.ApprovalPolicy.Value(), fc.AllowedApprovalPolicies, source)
		}
		if len(fc.AllowedSandboxModes) > 0 {
			cfg.SandboxMode = domain.NewConstrained("sandbox_mode", cfg.SandboxMode.Value(), fc.AllowedSandboxModes, source)
		}
	}

	if fc.Model != "" {
		if err := setConstrained(&cfg.Model, fc.Model); err != nil {
			return err
		}
	}
	if fc.ApprovalPolicy != "" {
		if err := setConstrained(&cfg.ApprovalPolicy, fc.ApprovalPolicy); err != nil {
			return err
		}
	}
	if fc.SandboxMode != "" {
		if err := setConstrained(&cfg.SandboxMode, fc.SandboxMode); err != nil {
			return err
		}
	}
	if fc.Cwd != "" {
		cfg.Cwd = fc.Cwd
	}
	if fc.AgentJobMaxThreads != 0 {
		cfg.AgentJobMaxThreads = fc.AgentJobMaxThreads
	}
	if fc.DangerouslyAllowNonLoopbackAdmin {
		cfg.DangerouslyAllowNonLoopbackAdmin = true
	}
	return nil
}

func setConstrained(c *domain.Constrained[string], candidate string) error {
	if err := c.CanSet(candidate); err != nil {
		return err
	}
	*c = c.WithValue(candidate)
	return nil
}

func applyOverride(cfg *Config, key, val string) error {
	switch key {
	case "model":
		return setConstrained(&cfg.Model, val)
	case "approval_policy":
		return setConstrained(&cfg.ApprovalPolicy, val)
	case "sandbox_mode":
		return setConstrained(&cfg.SandboxMode, val)
	case "cwd":
		cfg.Cwd = val
		return nil
	case "agent_job_max_threads":
		var n int
		if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
			return fmt.Errorf("invalid agent_job_max_threads %q: %w", val, err)
		}
		cfg.AgentJobMaxThreads = n
		return nil
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
}

// DefaultUserConfigPath resolves the default config location under
// the agent server's home directory.
func DefaultUserConfigPath() string {
	if v := strings.TrimSpace(os.Getenv("CODEX_HOME")); v != "" {
		return filepath.Join(v, "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".codex", "config.toml")
}
