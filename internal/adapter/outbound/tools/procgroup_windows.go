//go:build windows

package tools

import "os/exec"

// setProcessGroup keeps the default context kill on Windows, which
// terminates the direct child only; WaitDelay bounds the wait for any
// grandchild still holding the output pipes.
func setProcessGroup(cmd *exec.Cmd) {}
