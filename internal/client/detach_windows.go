//go:build windows

package client

import "syscall"

// detachedAttr uses CREATE_NEW_PROCESS_GROUP so the daemon doesn't receive
// the CLI's own console Ctrl-C (Windows has no setsid equivalent).
func detachedAttr() *syscall.SysProcAttr {
	const createNewProcessGroup = 0x00000200
	return &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}
