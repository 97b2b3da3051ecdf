package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// workloadSyscalls allowlists what an ordinary build or test process needs:
// file IO, memory management, process lifecycle, threading, and the clock
// reads that runtimes issue on startup.
func workloadSyscalls(b *Builder) *Builder {
	return b.
		Allow(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents64",
			"statfs", "fstatfs",
		).
		Allow(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise",
			"memfd_create",
		).
		Allow(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3",
			"vfork",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
		).
		Allow(
			"futex",
			"gettid",
			"tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
		).
		Allow(
			"clock_gettime", "clock_getres",
			"gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		Allow(
			"getpid", "getppid",
			"getuid", "geteuid",
			"getgid", "getegid",
			"uname",
			"getcwd",
		).
		Allow(
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
		).
		Allow(
			"getrandom",
			"arch_prctl",
			"prctl",
			"ioctl",
			"sysinfo",
			"getrlimit", "prlimit64",
			"umask",
			"chmod", "fchmod", "fchmodat",
			"chdir", "fchdir",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat",
			"mkdir", "mkdirat",
			"rmdir",
			"symlink", "symlinkat",
			"link", "linkat",
			"ftruncate",
			"fallocate",
			"fsync", "fdatasync",
			"flock",
			"copy_file_range",
		)
}

// hostTamperSyscalls blocks or traps operations that mutate host state or
// let a workload observe more of the host than the engine promises to
// reproduce. Clock-setting is denied outright: a workload that adjusts the
// clock invalidates every digest recorded around it.
func hostTamperSyscalls(b *Builder) *Builder {
	return b.
		Trap(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		Deny(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality",
			"ioperm", "iopl",
		)
}

// HermeticProfile is the profile for repro-mode workloads: deny by default,
// no network at all. Sockets fall through to the default ENOSYS-style errno,
// so a workload that reaches for the network fails fast instead of pulling
// in unreproducible remote state.
func HermeticProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = workloadSyscalls(b)
	b = hostTamperSyscalls(b)
	return b.Build()
}

// PermissiveProfile adds the socket family for permissive-mode workloads
// that legitimately need the network. Host tampering stays blocked.
func PermissiveProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = workloadSyscalls(b)

	b.Allow(
		"socket", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg",
		"getsockopt", "setsockopt",
		"getsockname", "getpeername",
		"shutdown",
	)

	b = hostTamperSyscalls(b)
	return b.Build()
}
