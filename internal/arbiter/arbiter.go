// Package arbiter implements the Resource Arbiter (spec.md §4.5):
// serialized, FIFO-fair access to (serial-port, project-dir) pairs.
// Acquisition across both resources is atomic under a single mutex to
// avoid the classic two-lock deadlock between a port-waiter and a
// project-waiter. Grounded on the teacher's single-mutex job-slot
// bookkeeping in internal/daemon/processor.go, generalized from one
// resource (a job slot) to two independently-keyed resource sets.
package arbiter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrContention is returned when a waiter's context is done before the
// requested resources become free (spec.md §4.5 "timeout becomes a
// failed status with reason 'resource contention'").
var ErrContention = errors.New("resource contention")

// waiter is one FIFO queue entry; ready is closed exactly once, by
// whichever release() call grants this waiter its resources.
type waiter struct {
	port    string // canonicalized; "" if this request holds no port
	project string
	ready   chan struct{}
}

// Arbiter holds the busy_ports and busy_projects sets plus their FIFO
// wait queues, all protected by a single mutex (spec.md §4.5).
type Arbiter struct {
	mu          sync.Mutex
	busyPorts   map[string]bool
	busyProject map[string]bool
	waiters     []*waiter // FIFO order across both resources combined
}

// New creates an empty Arbiter.
func New() *Arbiter {
	return &Arbiter{
		busyPorts:   make(map[string]bool),
		busyProject: make(map[string]bool),
	}
}

// CanonicalPort folds port identity the way spec.md §4.5 requires:
// case-insensitive comparison (Windows COM ports, some USB-serial names
// are reported inconsistently in case across tools) plus trimming. An
// empty port stays empty and is not arbitrated: such a request holds only
// its project. The string "auto" gets no special treatment. The executor
// acquires with the port exactly as requested, so a port that is
// auto-detected later (inside the monitor session) is never held here.
func CanonicalPort(port string) string {
	return strings.ToLower(strings.TrimSpace(port))
}

// Release frees port/project (idempotent: releasing an unheld resource
// is a no-op) and wakes the head of each affected wait queue.
func (a *Arbiter) Release(port, project string) {
	port = CanonicalPort(port)
	a.mu.Lock()
	defer a.mu.Unlock()

	if port != "" {
		delete(a.busyPorts, port)
	}
	delete(a.busyProject, project)
	a.grantLocked()
}

// TryAcquire attempts to atomically grant both port (if non-empty) and
// project; if either is busy, it parks on the combined FIFO queue until
// granted or ctx is done. Acquisition and queue admission both happen
// under the Arbiter's single mutex, so two concurrent TryAcquire calls
// for disjoint resources can never deadlock each other.
func (a *Arbiter) TryAcquire(ctx context.Context, port, project string) error {
	port = CanonicalPort(port)

	a.mu.Lock()
	if a.availableLocked(port, project) {
		a.grantResourcesLocked(port, project)
		a.mu.Unlock()
		return nil
	}
	w := &waiter{port: port, project: project, ready: make(chan struct{})}
	a.waiters = append(a.waiters, w)
	a.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		a.mu.Lock()
		a.removeWaiterLocked(w)
		a.mu.Unlock()
		return ErrContention
	}
}

// AcquireWithTimeout is a convenience wrapper around TryAcquire using a
// plain duration, for callers (the Executor) that don't otherwise need a
// context.
func (a *Arbiter) AcquireWithTimeout(port, project string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.TryAcquire(ctx, port, project)
}

func (a *Arbiter) availableLocked(port, project string) bool {
	if port != "" && a.busyPorts[port] {
		return false
	}
	if a.busyProject[project] {
		return false
	}
	return true
}

func (a *Arbiter) grantResourcesLocked(port, project string) {
	if port != "" {
		a.busyPorts[port] = true
	}
	a.busyProject[project] = true
}

// grantLocked walks the FIFO queue from the head, granting every waiter
// whose resources are now free. A waiter is passed over while an earlier,
// still-queued waiter wants its port or project (preserving FIFO order: a
// later waiter never jumps a blocked earlier one onto the same resource,
// spec.md §5 "Arbiter FIFO"); waiters on disjoint resources are still
// granted past a blocked one.
func (a *Arbiter) grantLocked() {
	remaining := a.waiters[:0]
	granted := false
	queuedPorts := make(map[string]bool)
	queuedProjects := make(map[string]bool)
	for _, w := range a.waiters {
		behindQueued := (w.port != "" && queuedPorts[w.port]) || queuedProjects[w.project]
		if !granted && !behindQueued && a.availableLocked(w.port, w.project) {
			a.grantResourcesLocked(w.port, w.project)
			close(w.ready)
			granted = true
			continue
		}
		if w.port != "" {
			queuedPorts[w.port] = true
		}
		queuedProjects[w.project] = true
		remaining = append(remaining, w)
	}
	a.waiters = remaining
	// A single release can free capacity for more than one subsequent
	// waiter only if their resource sets are disjoint from what was just
	// granted; re-scan once more in that case.
	if granted {
		a.grantLocked()
	}
}

func (a *Arbiter) removeWaiterLocked(target *waiter) {
	out := a.waiters[:0]
	for _, w := range a.waiters {
		if w != target {
			out = append(out, w)
		}
	}
	a.waiters = out
}
