package sandbox

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Limits are the resource ceilings a policy requests for one execution.
type Limits struct {
	MaxMemoryBytes     uint64 `json:"max_memory_bytes"`
	MaxFileDescriptors uint64 `json:"max_file_descriptors"`
	CPUSeconds         uint64 `json:"cpu_seconds"`
}

// Rlimits expresses the ceilings as POSIX rlimits. Core dumps are always
// disabled: a core file is both a nondeterministic output and a potential
// secret leak.
func (l Limits) Rlimits() []specs.POSIXRlimit {
	rlimits := []specs.POSIXRlimit{
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}
	if l.MaxMemoryBytes > 0 {
		rlimits = append(rlimits, specs.POSIXRlimit{Type: "RLIMIT_AS", Hard: l.MaxMemoryBytes, Soft: l.MaxMemoryBytes})
	}
	if l.MaxFileDescriptors > 0 {
		rlimits = append(rlimits, specs.POSIXRlimit{Type: "RLIMIT_NOFILE", Hard: l.MaxFileDescriptors, Soft: l.MaxFileDescriptors})
	}
	if l.CPUSeconds > 0 {
		// Hard limit one second above soft so the child sees SIGXCPU
		// before SIGKILL.
		rlimits = append(rlimits, specs.POSIXRlimit{Type: "RLIMIT_CPU", Hard: l.CPUSeconds + 1, Soft: l.CPUSeconds})
	}
	return rlimits
}

// Empty reports whether no ceilings were requested.
func (l Limits) Empty() bool {
	return l.MaxMemoryBytes == 0 && l.MaxFileDescriptors == 0 && l.CPUSeconds == 0
}
