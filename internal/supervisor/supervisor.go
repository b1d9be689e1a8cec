// Package supervisor implements the Process Tree Supervisor (spec.md §4.4):
// a bounded three-phase kill sequence — snapshot, graceful terminate,
// force kill — used to tear down a client's whole process tree (e.g. an
// esptool invocation that spawned a serial helper) without ever touching
// the daemon itself or its parent. Grounded on BeadsLog's
// internal/daemon/discovery.go (isProcessAlive/killProcess/forceKillProcess
// graceful-then-force pattern), generalized from a single PID to a tree.
package supervisor

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kjarmicki/fbuild/internal/procutil"
	"github.com/kjarmicki/fbuild/internal/protocol"
)

// gracePeriod is how long a killed tree gets to exit after SIGTERM before
// the supervisor escalates to SIGKILL (spec.md §4.4 step 2/3).
const gracePeriod = 3 * time.Second

// pollInterval is how often liveness is rechecked during the grace period.
const pollInterval = 100 * time.Millisecond

// Supervisor tears down process trees on behalf of canceled or failed
// operations.
type Supervisor struct {
	daemonPID int
	parentPID int
	log       zerolog.Logger
}

// New creates a Supervisor that will refuse to kill daemonPID or parentPID
// regardless of what a snapshot reports (spec.md §4.4 invariant: "never
// kills the daemon process or its parent").
func New(daemonPID, parentPID int, log zerolog.Logger) *Supervisor {
	return &Supervisor{daemonPID: daemonPID, parentPID: parentPID, log: log}
}

// Result reports what happened to each PID in a kill attempt.
type Result struct {
	Snapshot   []int
	Terminated []int // exited gracefully after SIGTERM
	Killed     []int // required SIGKILL
	Skipped    []int // protected (daemon or its parent) or already gone
}

// KillTree tears down rootPID and every descendant recorded in
// knownChildren (from the Registry's last refresh) union with a fresh
// snapshot taken at call time, per spec.md §4.4 step 1. It is idempotent:
// calling it again on an already-dead tree is a no-op success.
func (s *Supervisor) KillTree(rootPID int, knownChildren []int) (Result, error) {
	fresh, err := procutil.Descendants(rootPID)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot process tree: %w", err)
	}

	all := unionPIDs(rootPID, knownChildren, fresh)
	ordered := reverseTopological(rootPID, all)

	res := Result{Snapshot: ordered}

	var toTerminate []int
	for _, pid := range ordered {
		if s.protected(pid) {
			res.Skipped = append(res.Skipped, pid)
			continue
		}
		if !procutil.IsAlive(pid) {
			res.Skipped = append(res.Skipped, pid)
			continue
		}
		toTerminate = append(toTerminate, pid)
	}

	if len(toTerminate) == 0 {
		return res, nil
	}

	for _, pid := range toTerminate {
		s.signal(pid, syscall.SIGTERM)
	}

	deadline := time.Now().Add(gracePeriod)
	remaining := make(map[int]bool, len(toTerminate))
	for _, pid := range toTerminate {
		remaining[pid] = true
	}
	for time.Now().Before(deadline) && len(remaining) > 0 {
		for pid := range remaining {
			if !procutil.IsAlive(pid) {
				delete(remaining, pid)
				res.Terminated = append(res.Terminated, pid)
			}
		}
		if len(remaining) == 0 {
			break
		}
		time.Sleep(pollInterval)
	}

	for pid := range remaining {
		s.signal(pid, syscall.SIGKILL)
		res.Killed = append(res.Killed, pid)
	}

	return res, nil
}

func (s *Supervisor) protected(pid int) bool {
	return pid == s.daemonPID || pid == s.parentPID
}

func (s *Supervisor) signal(pid int, sig syscall.Signal) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := proc.Signal(sig); err != nil {
		// ESRCH (no such process) just means it already exited between the
		// liveness check and the signal. Every delivery error, ESRCH
		// included, is logged at debug level and is not fatal — the
		// force-kill pass below is the backstop.
		s.log.Debug().Int("pid", pid).Str("signal", sig.String()).Err(err).Msg("signal delivery failed")
	}
}

// unionPIDs merges knownChildren and fresh into a deduplicated set rooted
// at rootPID, so a child the registry hadn't refreshed yet is still caught.
func unionPIDs(rootPID int, knownChildren, fresh []int) []int {
	seen := map[int]bool{rootPID: true}
	out := []int{rootPID}
	for _, group := range [][]int{knownChildren, fresh} {
		for _, pid := range group {
			if !seen[pid] {
				seen[pid] = true
				out = append(out, pid)
			}
		}
	}
	return out
}

// reverseTopological orders pids so children are signaled before their
// parent (spec.md §4.4 step 2: "terminate in reverse topological order").
// Descendants come out of a breadth-first walk shallowest-first, so the
// reverse of that walk is deepest-first; the root is simply moved to the
// end since unionPIDs always places it at index 0.
func reverseTopological(rootPID int, pids []int) []int {
	out := make([]int, 0, len(pids))
	for _, pid := range pids {
		if pid != rootPID {
			out = append(out, pid)
		}
	}
	reversed := make([]int, len(out))
	for i, pid := range out {
		reversed[len(out)-1-i] = pid
	}
	return append(reversed, rootPID)
}
