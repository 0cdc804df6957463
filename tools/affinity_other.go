//go:build !linux

package tools

import "os/exec"

func startPinned(cmd *exec.Cmd, _ int) error {
	return cmd.Start()
}
