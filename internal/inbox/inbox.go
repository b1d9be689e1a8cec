// Package inbox implements the Request Inbox (spec.md §4.2): clients drop
// request_<id>.json files into a directory; the daemon atomically adopts
// each one into an in-flight slot named by request_id, so a second client
// can never race a reused slot (spec.md §3 invariant).
package inbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kjarmicki/fbuild/internal/paths"
	"github.com/kjarmicki/fbuild/internal/protocol"
)

// Inbox is the client- and daemon-facing handle onto one daemon's request
// directory.
type Inbox struct {
	layout paths.Layout
}

// New creates an Inbox rooted at layout.
func New(layout paths.Layout) *Inbox {
	return &Inbox{layout: layout}
}

func fileNameFor(requestID string) string {
	return "request_" + requestID + ".json"
}

// SubmitDeploy assigns request_id/timestamp if unset and atomically writes
// the request into the inbox directory (client side of spec.md §4.2).
func (ib *Inbox) SubmitDeploy(req *protocol.DeployRequest) error {
	if req.RequestID == "" {
		req.RequestID = protocol.NewRequestID(req.Kind())
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid deploy request: %w", err)
	}
	return ib.writeRequest(req.RequestID, req)
}

// SubmitMonitor is the monitor-request analogue of SubmitDeploy.
func (ib *Inbox) SubmitMonitor(req *protocol.MonitorRequest) error {
	if req.RequestID == "" {
		req.RequestID = protocol.NewRequestID(protocol.OpMonitor)
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid monitor request: %w", err)
	}
	return ib.writeRequest(req.RequestID, req)
}

func (ib *Inbox) writeRequest(requestID string, req any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return paths.WriteAtomic(filepath.Join(ib.layout.Inbox(), fileNameFor(requestID)), data)
}

// kindFromRequestID extracts the kind prefix minted by protocol.NewRequestID
// ("deploy_169..." -> OpDeploy, "build_and_deploy_169..." -> OpBuildAndDeploy),
// used by Adopt to decide how to decode the request body without a separate
// envelope type. The split point is the last underscore, not the first,
// since kinds like "build_and_deploy" contain underscores themselves while
// the monotonic millisecond suffix never does.
func kindFromRequestID(id string) protocol.OperationKind {
	idx := strings.LastIndexByte(id, '_')
	if idx < 0 {
		return ""
	}
	return protocol.ParseOperationKind(id[:idx])
}

// idEnvelope is the minimal shape every request file has, used to sniff
// request_id before choosing how to decode the rest of the body.
type idEnvelope struct {
	RequestID string `json:"request_id"`
}

// Adopted is one inbox file moved into the in-flight slot, ready to be
// decoded into a DeployRequest or MonitorRequest by the caller.
type Adopted struct {
	RequestID string
	Kind      protocol.OperationKind
	Raw       []byte
	InFlight  string // path of the adopted copy, for diagnostics
}

// Adopt moves a file out of the inbox into the in-flight slot named by its
// request_id and returns its kind and raw bytes. Returns ok=false, nil error
// for files that are no longer present (a concurrent adopter won the race,
// or the file was cleaned up) — this is an expected outcome, not a failure.
func (ib *Inbox) Adopt(path string) (Adopted, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Adopted{}, false, nil
		}
		return Adopted{}, false, fmt.Errorf("read inbox file: %w", err)
	}

	var env idEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.RequestID == "" {
		// Can't even read a request_id — move straight to rejected under a
		// synthetic timestamp-based id so it doesn't vanish silently.
		id := fmt.Sprintf("malformed-%d", time.Now().UnixNano())
		_ = ib.rejectRaw(id, data, "could not parse request_id from JSON")
		_ = os.Remove(path)
		return Adopted{}, false, fmt.Errorf("malformed request file %s: missing or unparsable request_id", filepath.Base(path))
	}

	if err := protocol.ValidateRequestID(env.RequestID); err != nil {
		_ = ib.rejectRaw(env.RequestID, data, err.Error())
		_ = os.Remove(path)
		return Adopted{}, false, fmt.Errorf("rejected %s: %w", env.RequestID, err)
	}

	inFlight := filepath.Join(ib.layout.InFlight(), env.RequestID+".json")
	if paths.Exists(inFlight) {
		// Another adopter already claimed this request_id; nothing to do.
		return Adopted{}, false, nil
	}
	if err := paths.MoveInto(path, inFlight); err != nil {
		if os.IsNotExist(err) {
			return Adopted{}, false, nil
		}
		return Adopted{}, false, fmt.Errorf("move into in-flight slot: %w", err)
	}

	return Adopted{
		RequestID: env.RequestID,
		Kind:      kindFromRequestID(env.RequestID),
		Raw:       data,
		InFlight:  inFlight,
	}, true, nil
}

// Reject moves an already-adopted request into the rejected directory with
// its reason (spec.md §4.2: invalid requests are rejected, no side effects).
func (ib *Inbox) Reject(a Adopted, reason string) error {
	if err := ib.rejectRaw(a.RequestID, a.Raw, reason); err != nil {
		return err
	}
	return os.Remove(a.InFlight)
}

func (ib *Inbox) rejectRaw(requestID string, raw []byte, reason string) error {
	rejectedDir := ib.layout.Rejected()
	if err := os.MkdirAll(rejectedDir, 0750); err != nil {
		return err
	}
	if err := paths.WriteAtomic(filepath.Join(rejectedDir, requestID+".json"), raw); err != nil {
		return err
	}
	return paths.WriteAtomic(filepath.Join(rejectedDir, requestID+".reason"), []byte(reason))
}

// Done removes the in-flight file once an executor has finished with it.
func (ib *Inbox) Done(a Adopted) error {
	err := os.Remove(a.InFlight)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
