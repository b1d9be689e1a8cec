package inbox

import (
	"os"
	"testing"

	"github.com/kjarmicki/fbuild/internal/paths"
	"github.com/kjarmicki/fbuild/internal/protocol"
)

func newInbox(t *testing.T) (*Inbox, paths.Layout) {
	t.Helper()
	layout := paths.FromRoot(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	return New(layout), layout
}

func TestSubmitDeployThenAdopt(t *testing.T) {
	ib, _ := newInbox(t)
	req := &protocol.DeployRequest{
		ProjectDir:  "/p",
		Environment: "esp32c6",
		CallerPID:   os.Getpid(),
		CallerCWD:   "/home/user",
	}
	if err := ib.SubmitDeploy(req); err != nil {
		t.Fatalf("SubmitDeploy: %v", err)
	}
	if req.RequestID == "" {
		t.Fatal("expected request_id to be assigned")
	}

	files, err := ib.ScanExisting()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 inbox file, got %d", len(files))
	}

	adopted, ok, err := ib.Adopt(files[0])
	if err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	if !ok {
		t.Fatal("expected Adopt to succeed")
	}
	if adopted.Kind != protocol.OpDeploy {
		t.Fatalf("expected OpDeploy, got %v", adopted.Kind)
	}
	if adopted.RequestID != req.RequestID {
		t.Fatalf("request id mismatch: got %s want %s", adopted.RequestID, req.RequestID)
	}

	// File should have moved out of inbox and no longer be re-scannable.
	files, err = ib.ScanExisting()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Fatalf("expected inbox to be empty after adopt, got %v", files)
	}
}

func TestAdoptTwiceIsIdempotentNoDoubleClaim(t *testing.T) {
	ib, layout := newInbox(t)
	req := &protocol.MonitorRequest{
		ProjectDir:  "/p",
		Environment: "esp32c6",
		CallerPID:   os.Getpid(),
		CallerCWD:   "/home/user",
	}
	if err := ib.SubmitMonitor(req); err != nil {
		t.Fatal(err)
	}
	files, _ := ib.ScanExisting()
	path := files[0]

	first, ok, err := ib.Adopt(path)
	if err != nil || !ok {
		t.Fatalf("first adopt failed: ok=%v err=%v", ok, err)
	}

	// Simulate a second daemon racing the same inbox file: it's already
	// gone, so Adopt should report ok=false with no error.
	second, ok, err := ib.Adopt(path)
	if err != nil {
		t.Fatalf("second adopt should not error: %v", err)
	}
	if ok {
		t.Fatalf("second adopt should not succeed, got %+v", second)
	}
	_ = first
	if !paths.Exists(first.InFlight) {
		t.Fatal("in-flight file should exist after first adopt")
	}
	_ = layout
}

func TestAdoptRejectsMalformedJSON(t *testing.T) {
	ib, layout := newInbox(t)
	bad := layout.Inbox() + "/request_garbage.json"
	if err := os.WriteFile(bad, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	_, ok, err := ib.Adopt(bad)
	if ok {
		t.Fatal("expected malformed file to be rejected, not adopted")
	}
	if err == nil {
		t.Fatal("expected an error for malformed request file")
	}
	if paths.Exists(bad) {
		t.Fatal("malformed file should have been removed from inbox")
	}
}

func TestRejectMovesToRejectedDir(t *testing.T) {
	ib, layout := newInbox(t)
	req := &protocol.DeployRequest{
		ProjectDir:  "relative", // invalid: not absolute, but we bypass Validate for this test
		Environment: "esp32c6",
		CallerPID:   os.Getpid(),
		CallerCWD:   "/home/user",
		RequestID:   "deploy_1",
	}
	path := writeRawDeploy(t, ib, req)
	adopted, ok, err := ib.Adopt(path)
	if err != nil || !ok {
		t.Fatalf("adopt failed: ok=%v err=%v", ok, err)
	}

	if err := ib.Reject(adopted, "project_dir must be absolute"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	if paths.Exists(adopted.InFlight) {
		t.Fatal("in-flight file should be gone after reject")
	}
	if !paths.Exists(layout.Rejected() + "/deploy_1.json") {
		t.Fatal("expected rejected json to be written")
	}
	if !paths.Exists(layout.Rejected() + "/deploy_1.reason") {
		t.Fatal("expected rejected reason to be written")
	}
}

// writeRawDeploy bypasses SubmitDeploy's Validate() so tests can exercise
// daemon-side rejection of requests a buggy/hostile client wrote directly.
func writeRawDeploy(t *testing.T, ib *Inbox, req *protocol.DeployRequest) string {
	t.Helper()
	if err := ib.writeRequest(req.RequestID, req); err != nil {
		t.Fatal(err)
	}
	return ib.layout.Inbox() + "/" + fileNameFor(req.RequestID)
}
