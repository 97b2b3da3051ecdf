//go:build windows

package sandbox

import (
	"os/exec"
	"syscall"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/windows"
)

// setPlatformAttrs detaches the child into its own group so console signals
// do not leak between executions.
func setPlatformAttrs(cmd *exec.Cmd, report *CapabilityReport) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
	report.enforce(CapProcessGroup)
}

// postStart assigns the child to a kill-on-close job object, the Windows
// analogue of process-group signal control. Memory and handle ceilings ride
// on the same job object when requested.
func postStart(cmd *exec.Cmd, spec Spec, report *CapabilityReport) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		log.Warn().Err(err).Msg("job object creation failed")
		report.unsupported(CapJobObject)
		return
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	if spec.Enforce && spec.Limits.MaxMemoryBytes > 0 {
		info.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_PROCESS_MEMORY
		info.ProcessMemoryLimit = uintptr(spec.Limits.MaxMemoryBytes)
	}
	if _, err := windows.SetInformationJobObject(job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)), uint32(unsafe.Sizeof(info))); err != nil {
		log.Warn().Err(err).Msg("job object limits not applied")
		report.partial(CapJobObject)
	}

	handle, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(cmd.Process.Pid))
	if err != nil {
		report.unsupported(CapJobObject)
		return
	}
	defer windows.CloseHandle(handle)

	if err := windows.AssignProcessToJobObject(job, handle); err != nil {
		log.Warn().Err(err).Msg("job object assignment failed")
		report.unsupported(CapJobObject)
		return
	}
	report.enforce(CapJobObject)
	report.enforce(CapKillOnClose)
	if spec.Enforce && spec.Limits.MaxMemoryBytes > 0 {
		report.enforce(CapRlimitMemory)
	}
	if spec.Enforce && spec.Limits.MaxFileDescriptors > 0 {
		// No per-process handle ceiling rides on job objects.
		report.unsupported(CapRlimitFDs)
	}
	if spec.Enforce && spec.Limits.CPUSeconds > 0 {
		report.unsupported(CapRlimitCPU)
	}
	// The watchdog holds the job handle open for the child's lifetime; the
	// process terminating closes it implicitly.
	cmd.Cancel = func() error {
		return windows.TerminateJobObject(job, uint32(exitTimeout))
	}
}

func killTree(cmd *exec.Cmd) {
	if cmd.Cancel != nil {
		if err := cmd.Cancel(); err == nil {
			return
		}
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func exitStatus(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState == nil {
		return exitSpawn
	}
	return cmd.ProcessState.ExitCode()
}

func platformCapabilities() CapabilityReport {
	return CapabilityReport{
		Enforced:    []string{CapWorkspaceConfinement, CapProcessGroup, CapJobObject, CapKillOnClose, CapRlimitMemory},
		Unsupported: []string{CapRlimitCPU, CapRlimitFDs},
	}
}
