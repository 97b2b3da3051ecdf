//go:build linux

package sandbox

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

var rlimitResources = map[string]int{
	"RLIMIT_AS":     unix.RLIMIT_AS,
	"RLIMIT_NOFILE": unix.RLIMIT_NOFILE,
	"RLIMIT_CPU":    unix.RLIMIT_CPU,
	"RLIMIT_CORE":   unix.RLIMIT_CORE,
}

var rlimitCaps = map[string]string{
	"RLIMIT_AS":     CapRlimitMemory,
	"RLIMIT_NOFILE": CapRlimitFDs,
	"RLIMIT_CPU":    CapRlimitCPU,
}

// applyRlimits sets the requested limits on the running child via prlimit.
// The child is applied-to after start, so a limit that fails to stick is
// reported partial rather than claimed.
func applyRlimits(pid int, spec Spec, report *CapabilityReport) {
	for _, rl := range spec.Limits.Rlimits() {
		res, known := rlimitResources[rl.Type]
		if !known {
			continue
		}
		lim := unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		capName := rlimitCaps[rl.Type]
		if err := unix.Prlimit(pid, res, &lim, nil); err != nil {
			if capName != "" {
				report.partial(capName)
			}
			log.Warn().Err(err).Int("pid", pid).Str("rlimit", rl.Type).Msg("rlimit not applied")
			continue
		}
		if capName != "" {
			report.enforce(capName)
		}
	}
}

func platformCapabilities() CapabilityReport {
	return CapabilityReport{
		Enforced: []string{
			CapWorkspaceConfinement,
			CapProcessGroup,
			CapRlimitCPU,
			CapRlimitMemory,
			CapRlimitFDs,
		},
		Unsupported: []string{CapJobObject, CapKillOnClose},
	}
}
