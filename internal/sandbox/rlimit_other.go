//go:build unix && !linux

package sandbox

import "github.com/rs/zerolog/log"

// Non-Linux POSIX platforms have no prlimit equivalent for an
// already-started child, so requested rlimits are reported partial, never
// claimed as enforced.
func applyRlimits(pid int, spec Spec, report *CapabilityReport) {
	for _, rl := range spec.Limits.Rlimits() {
		switch rl.Type {
		case "RLIMIT_AS":
			report.partial(CapRlimitMemory)
		case "RLIMIT_NOFILE":
			report.partial(CapRlimitFDs)
		case "RLIMIT_CPU":
			report.partial(CapRlimitCPU)
		}
	}
	log.Warn().Int("pid", pid).Msg("rlimits requested but post-start application is unsupported on this platform")
}

func platformCapabilities() CapabilityReport {
	return CapabilityReport{
		Enforced:    []string{CapWorkspaceConfinement, CapProcessGroup},
		Unsupported: []string{CapJobObject, CapKillOnClose},
		Partial:     []string{CapRlimitCPU, CapRlimitMemory, CapRlimitFDs},
	}
}
