package sandbox

import "sort"

// Capability names for truthful isolation reporting. A capability appears in
// a report's Enforced list only when the runner actually applied it to the
// spawned process; requested-but-unavailable mechanisms land in Unsupported
// or Partial, never in Enforced.
const (
	CapWorkspaceConfinement = "workspace_confinement"
	CapProcessGroup         = "process_group"
	CapRlimitCPU            = "rlimit_cpu"
	CapRlimitMemory         = "rlimit_as"
	CapRlimitFDs            = "rlimit_nofile"
	CapJobObject            = "job_object"
	CapKillOnClose          = "kill_on_close"
)

// CapabilityReport records which isolation mechanisms were applied
// (enforced), which the platform cannot provide (unsupported), and which
// were applied incompletely (partial).
type CapabilityReport struct {
	Enforced    []string `json:"enforced"`
	Unsupported []string `json:"unsupported"`
	Partial     []string `json:"partial"`
}

func (r *CapabilityReport) enforce(cap string)     { r.Enforced = appendOnce(r.Enforced, cap) }
func (r *CapabilityReport) unsupported(cap string) { r.Unsupported = appendOnce(r.Unsupported, cap) }
func (r *CapabilityReport) partial(cap string)     { r.Partial = appendOnce(r.Partial, cap) }

// normalize sorts the lists so reports are byte-stable inputs to digesting.
func (r *CapabilityReport) normalize() {
	sort.Strings(r.Enforced)
	sort.Strings(r.Unsupported)
	sort.Strings(r.Partial)
}

func appendOnce(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}

// Detect reports the capability sets the current platform can offer, for
// health/doctor output. It does not spawn anything.
func Detect() CapabilityReport {
	r := platformCapabilities()
	r.normalize()
	return r
}
