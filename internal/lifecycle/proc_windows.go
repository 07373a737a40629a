//go:build windows

package lifecycle

import (
	"os/exec"
	"strconv"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	createNewProcessGroup = 0x00000200
	detachedProcess       = 0x00000008
)

// detachProcess detaches the child from the CLI's console and process
// group so it keeps running after the CLI exits.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: createNewProcessGroup | detachedProcess,
	}
}

// terminateProcess asks the process to exit via taskkill without /F,
// the closest Windows analog of SIGTERM.
func terminateProcess(p *process.Process) error {
	return exec.Command("taskkill", "/PID", strconv.Itoa(int(p.Pid))).Run()
}

func killProcess(p *process.Process) error {
	return exec.Command("taskkill", "/F", "/PID", strconv.Itoa(int(p.Pid))).Run()
}
