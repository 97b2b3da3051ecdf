//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// setPlatformAttrs puts the child in its own process group so the watchdog
// can kill the whole tree with one signal.
func setPlatformAttrs(cmd *exec.Cmd, report *CapabilityReport) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	report.enforce(CapProcessGroup)
}

// postStart applies the requested rlimits to the already-started child.
func postStart(cmd *exec.Cmd, spec Spec, report *CapabilityReport) {
	if !spec.Enforce || spec.Limits.Empty() {
		return
	}
	applyRlimits(cmd.Process.Pid, spec, report)
}

// killTree hard-kills the child's process group, falling back to the child
// alone if the group signal fails.
func killTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		log.Warn().Err(err).Int("pid", pid).Msg("process group kill failed, killing child directly")
		_ = cmd.Process.Kill()
	}
}

// exitStatus maps the wait outcome to the conventional exit code: the
// child's own code on normal exit, 128+signal when signaled.
func exitStatus(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState == nil {
		return exitSpawn
	}
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return cmd.ProcessState.ExitCode()
}
