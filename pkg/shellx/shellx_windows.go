//go:build windows

package shellx

import "os/exec"

func shellCommand(command string) *exec.Cmd {
	return exec.Command("cmd", "/C", command)
}

func setProcGroup(cmd *exec.Cmd) {}

// Windows has no process groups in the unix sense; kill the shell only.
func terminateGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func wasSignaled(cmd *exec.Cmd) bool { return false }
