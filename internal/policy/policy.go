// Package policy validates and narrows an execution environment before any
// process is spawned: workspace confinement, environment filtering with
// unconditional secret stripping, required-variable injection, and request
// quotas. Rejections here are cheap; nothing past this package runs for a
// request that violates policy.
package policy

import (
	"fmt"
	"sort"
)

const (
	ModeStrict     = "strict"
	ModePermissive = "permissive"

	SchedulerRepro = "repro"
	SchedulerTurbo = "turbo"

	TimeFixedZero = "fixed_zero"
	TimeMonotonic = "monotonic"
)

// Policy is the caller-declared execution policy.
type Policy struct {
	Mode          string `json:"mode" yaml:"mode"`
	SchedulerMode string `json:"scheduler_mode" yaml:"scheduler_mode"`
	TimeMode      string `json:"time_mode" yaml:"time_mode"`
	Deterministic bool   `json:"deterministic" yaml:"deterministic"`

	AllowOutsideWorkspace bool `json:"allow_outside_workspace" yaml:"allow_outside_workspace"`

	EnvAllowlist []string          `json:"env_allowlist" yaml:"env_allowlist"`
	EnvDenylist  []string          `json:"env_denylist" yaml:"env_denylist"`
	RequiredEnv  map[string]string `json:"required_env" yaml:"required_env"`

	EnforceSandbox     bool   `json:"enforce_sandbox" yaml:"enforce_sandbox"`
	MaxMemoryBytes     uint64 `json:"max_memory_bytes" yaml:"max_memory_bytes"`
	MaxFileDescriptors uint64 `json:"max_file_descriptors" yaml:"max_file_descriptors"`
}

// Default returns the strict deterministic baseline. The denylist covers
// variables that commonly leak host identity into child processes; the
// required set pins interpreter hash seeds.
func Default() Policy {
	return Policy{
		Mode:           ModeStrict,
		SchedulerMode:  SchedulerTurbo,
		TimeMode:       TimeFixedZero,
		Deterministic:  true,
		EnvDenylist:    []string{"RANDOM", "TZ", "HOSTNAME", "PWD", "OLDPWD", "SHLVL"},
		RequiredEnv:    map[string]string{"PYTHONHASHSEED": "0"},
		EnforceSandbox: true,
	}
}

// Validate rejects policies the engine cannot honor.
func (p Policy) Validate() error {
	switch p.Mode {
	case ModeStrict, ModePermissive:
	default:
		return fmt.Errorf("%w: mode %q", ErrInvalidPolicy, p.Mode)
	}
	switch p.SchedulerMode {
	case SchedulerRepro, SchedulerTurbo:
	default:
		return fmt.Errorf("%w: scheduler_mode %q", ErrInvalidPolicy, p.SchedulerMode)
	}
	switch p.TimeMode {
	case TimeFixedZero, TimeMonotonic:
	default:
		return fmt.Errorf("%w: time_mode %q", ErrInvalidPolicy, p.TimeMode)
	}
	return nil
}

// Applied summarizes what the enforcer actually did. It carries key NAMES
// only; environment values never leave this package through it.
type Applied struct {
	Mode                 string   `json:"mode"`
	TimeMode             string   `json:"time_mode"`
	AllowedKeys          []string `json:"allowed_keys"`
	DeniedKeys           []string `json:"denied_keys"`
	StrippedSecretKeys   []string `json:"stripped_secret_keys"`
	InjectedRequiredKeys []string `json:"injected_required_keys"`
}

// FilterEnv applies deny/allow/secret rules to env and injects required
// variables that are absent. Secret-like keys are stripped unconditionally,
// allow-list membership notwithstanding. The returned map is a fresh copy;
// key lists in Applied are sorted for deterministic results.
func (p Policy) FilterEnv(env map[string]string) (map[string]string, Applied) {
	applied := Applied{Mode: p.Mode, TimeMode: p.TimeMode}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	filtered := make(map[string]string, len(env))
	for _, k := range keys {
		if IsSecretKey(k) {
			applied.StrippedSecretKeys = append(applied.StrippedSecretKeys, k)
			continue
		}
		if contains(p.EnvDenylist, k) {
			applied.DeniedKeys = append(applied.DeniedKeys, k)
			continue
		}
		if p.Mode == ModeStrict && len(p.EnvAllowlist) > 0 && !contains(p.EnvAllowlist, k) {
			applied.DeniedKeys = append(applied.DeniedKeys, k)
			continue
		}
		filtered[k] = env[k]
		applied.AllowedKeys = append(applied.AllowedKeys, k)
	}

	reqKeys := make([]string, 0, len(p.RequiredEnv))
	for k := range p.RequiredEnv {
		reqKeys = append(reqKeys, k)
	}
	sort.Strings(reqKeys)
	for _, k := range reqKeys {
		if _, present := filtered[k]; !present {
			filtered[k] = p.RequiredEnv[k]
			applied.InjectedRequiredKeys = append(applied.InjectedRequiredKeys, k)
		}
	}

	return filtered, applied
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
