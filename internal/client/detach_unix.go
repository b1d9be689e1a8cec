//go:build !windows

package client

import "syscall"

// detachedAttr starts the daemon in its own session so it survives the
// parent CLI process exiting (spec.md §4.8: "spawns a fresh daemon with
// detached stdio").
func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
