// Package registry implements the Process Registry (spec.md §4.3): a
// thread-safe, crash-safe map of client_pid -> process tree owned by that
// client's in-flight request. Every mutation is persisted to disk via
// temp-file + atomic rename, following the pattern in BeadsLog's
// internal/daemon/registry.go (readEntriesLocked/writeEntriesLocked).
package registry

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kjarmicki/fbuild/internal/paths"
	"github.com/kjarmicki/fbuild/internal/procutil"
	"github.com/kjarmicki/fbuild/internal/protocol"
)

// errClientIsDaemon guards the spec.md §3 invariant that the daemon never
// registers itself as a client of its own registry.
var errClientIsDaemon = errors.New("registry: client_pid must not be the daemon's own pid")

// Registry is the daemon's in-memory, disk-backed table of active
// process trees, one per client_pid (spec.md §3 invariant: client_pid !=
// daemon_pid, enforced in Register).
type Registry struct {
	path      string
	daemonPID int
	log       zerolog.Logger

	mu      sync.Mutex
	entries map[int]protocol.ProcessTreeInfo // keyed by client_pid
}

// New creates a Registry backed by layout's registry file, loading any
// persisted entries from a previous run.
func New(layout paths.Layout, daemonPID int, log zerolog.Logger) (*Registry, error) {
	r := &Registry{
		path:      layout.RegistryFile(),
		daemonPID: daemonPID,
		log:       log,
		entries:   make(map[int]protocol.ProcessTreeInfo),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var list []protocol.ProcessTreeInfo
	if err := json.Unmarshal(data, &list); err != nil {
		// A corrupted registry just means we start empty; the trees it
		// recorded are then not seen by the startup orphan sweep, which
		// only walks registry entries.
		r.log.Warn().Err(err).Msg("registry file is corrupt, starting empty")
		return nil
	}
	for _, e := range list {
		r.entries[e.ClientPID] = e
	}
	return nil
}

// persistLocked rewrites the registry file atomically. Caller must hold mu.
func (r *Registry) persistLocked() error {
	list := make([]protocol.ProcessTreeInfo, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return paths.WriteAtomic(r.path, data)
}

// Register inserts a new entry and immediately refreshes its descendants,
// per spec.md §4.3. It is an error to register the daemon's own PID as a
// client (spec.md §3 invariant).
func (r *Registry) Register(clientPID, rootPID int, requestID, projectDir string, kind protocol.OperationKind, port string) error {
	if clientPID == r.daemonPID {
		return errClientIsDaemon
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	entry := protocol.ProcessTreeInfo{
		ClientPID:     clientPID,
		RootPID:       rootPID,
		RequestID:     requestID,
		ProjectDir:    projectDir,
		OperationType: kind,
		Port:          port,
		StartedAt:     now,
		LastUpdated:   now,
	}
	if children, err := procutil.Descendants(rootPID); err == nil {
		entry.ChildPIDs = children
	}
	r.entries[clientPID] = entry
	return r.persistLocked()
}

// Unregister removes the entry for clientPID.
func (r *Registry) Unregister(clientPID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, clientPID)
	return r.persistLocked()
}

// Get returns a copy of the entry for clientPID, if any.
func (r *Registry) Get(clientPID int) (protocol.ProcessTreeInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[clientPID]
	return e, ok
}

// RefreshAll re-walks each entry's process tree from its root_pid and
// updates the stored descendant snapshot (spec.md §4.3 refresh_all,
// driven by the Daemon Loop every ~2s per spec.md §4.7 step 3).
func (r *Registry) RefreshAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for pid, e := range r.entries {
		children, err := procutil.Descendants(e.RootPID)
		if err != nil {
			continue
		}
		e.ChildPIDs = children
		e.LastUpdated = time.Now()
		r.entries[pid] = e
	}
	return r.persistLocked()
}

// FindByPort returns the entry currently holding port, if any.
func (r *Registry) FindByPort(port string) (protocol.ProcessTreeInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Port != "" && e.Port == port {
			return e, true
		}
	}
	return protocol.ProcessTreeInfo{}, false
}

// FindByProject returns the entry currently holding projectDir, if any.
func (r *Registry) FindByProject(projectDir string) (protocol.ProcessTreeInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.ProjectDir == projectDir {
			return e, true
		}
	}
	return protocol.ProcessTreeInfo{}, false
}

// ListDeadClients returns entries whose client_pid is no longer alive
// (spec.md §4.3 list_dead_clients), fed to the Supervisor for cleanup.
func (r *Registry) ListDeadClients() []protocol.ProcessTreeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dead []protocol.ProcessTreeInfo
	for _, e := range r.entries {
		if !procutil.IsAlive(e.ClientPID) {
			dead = append(dead, e)
		}
	}
	return dead
}

// All returns a snapshot of every entry, used by daemon shutdown to tear
// down every in-flight process tree.
func (r *Registry) All() []protocol.ProcessTreeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.ProcessTreeInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}
