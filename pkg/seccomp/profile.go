// Package seccomp builds OCI seccomp profiles for running engine workloads
// under an external container runtime. The profiles are advisory: the
// in-process runner does not apply them itself, it exports them for
// operators who wrap executions in an OCI runtime and want syscall policy
// to match the engine's determinism guarantees.
package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Builder accumulates syscall rules into a specs.LinuxSeccomp document.
type Builder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *Builder {
	return &Builder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *Builder) Allow(names ...string) *Builder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActAllow,
	})
	return b
}

func (b *Builder) Deny(names ...string) *Builder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActErrno,
	})
	return b
}

// Trap marks syscalls whose use indicates a workload probing its host;
// trapping instead of silently failing makes the attempt visible.
func (b *Builder) Trap(names ...string) *Builder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActTrap,
	})
	return b
}

// Arg constrains a single argument for a seccomp rule.
type Arg struct {
	Index uint
	Value uint64
	Op    specs.LinuxSeccompOperator
}

func (b *Builder) AllowWithArgs(name string, args []Arg) *Builder {
	specArgs := make([]specs.LinuxSeccompArg, len(args))
	for i, a := range args {
		specArgs[i] = specs.LinuxSeccompArg{
			Index: a.Index,
			Value: a.Value,
			Op:    a.Op,
		}
	}
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  []string{name},
		Action: specs.ActAllow,
		Args:   specArgs,
	})
	return b
}

func (b *Builder) WithArchitectures(archs ...specs.Arch) *Builder {
	b.profile.Architectures = archs
	return b
}

func (b *Builder) Build() *specs.LinuxSeccomp {
	return b.profile
}
