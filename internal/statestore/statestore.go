// Package statestore implements the Status Store (spec.md §4.1): atomic
// read/write of the daemon's global status snapshot and of each active
// request's own status snapshot.
package statestore

import (
	"encoding/json"
	"os"
	"time"

	"github.com/kjarmicki/fbuild/internal/paths"
	"github.com/kjarmicki/fbuild/internal/protocol"
)

// Store reads and writes DaemonStatus snapshots under a Layout.
type Store struct {
	layout paths.Layout
}

// New creates a Store rooted at layout.
func New(layout paths.Layout) *Store {
	return &Store{layout: layout}
}

// WriteGlobal publishes the daemon's headline status (spec.md §4.7
// "foregrounding"). Every write stamps UpdatedAt so readers can compute
// staleness off wall-clock time, per spec.md §4.1.
func (s *Store) WriteGlobal(status protocol.DaemonStatus) error {
	status.UpdatedAt = time.Now()
	return s.write(s.layout.StatusFile(), status)
}

// ReadGlobal reads the daemon's headline status. Any failure to find or
// parse the file is reported as a synthetic unknown status rather than
// propagated, per spec.md §4.1.
func (s *Store) ReadGlobal() protocol.DaemonStatus {
	return s.read(s.layout.StatusFile())
}

// WriteRequest publishes the status of one specific request_id, so
// multiple concurrent clients each see only their own operation's
// progress (spec.md §4.7, Open Question 1 resolution).
func (s *Store) WriteRequest(requestID string, status protocol.DaemonStatus) error {
	status.RequestID = requestID
	status.UpdatedAt = time.Now()
	return s.write(s.layout.RequestStatusFile(requestID), status)
}

// ReadRequest reads the status of one request_id.
func (s *Store) ReadRequest(requestID string) protocol.DaemonStatus {
	return s.read(s.layout.RequestStatusFile(requestID))
}

func (s *Store) write(path string, status protocol.DaemonStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return paths.WriteAtomic(path, data)
}

func (s *Store) read(path string) protocol.DaemonStatus {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return protocol.UnknownStatus("no daemon status recorded yet")
		}
		return protocol.UnknownStatus("failed to read status file: " + err.Error())
	}
	var status protocol.DaemonStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return protocol.UnknownStatus("status file is corrupt")
	}
	status.State = protocol.ParseDaemonState(string(status.State))
	return status
}
