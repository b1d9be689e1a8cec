// Package procutil provides the process-liveness and process-tree
// enumeration primitives shared by the Process Registry and the Process
// Tree Supervisor (spec.md §4.3, §4.4).
package procutil

import (
	"os"
	"syscall"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// IsAlive reports whether pid refers to a live process, the same
// non-destructive liveness probe the teacher's acquirePIDLock uses
// (signal 0 delivers no signal but still fails with ESRCH for a dead
// or nonexistent process).
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// Signal 0 can also fail for a live process (e.g. a permission error
	// for another user's process); gopsutil's PidExists checks /proc
	// instead, so fall back to it before concluding the process is gone.
	exists, _ := gopsprocess.PidExists(int32(pid))
	return exists
}

// Descendants walks the process tree rooted at pid and returns every PID
// reachable by following child links (spec.md §4.4 step 1, "Snapshot").
// The root itself is not included. A process that exits mid-walk is
// skipped rather than treated as an error — the supervisor only cares
// about what's still alive to kill.
func Descendants(pid int) ([]int, error) {
	root, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		// Root is already gone; it has no live descendants we can discover.
		return nil, nil
	}

	var out []int
	seen := map[int32]bool{int32(pid): true}
	queue := []*gopsprocess.Process{root}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		children, err := cur.Children()
		if err != nil {
			// No children, or the process exited while we were walking it.
			continue
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			out = append(out, int(c.Pid))
			queue = append(queue, c)
		}
	}
	return out, nil
}
