package client

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kjarmicki/fbuild/internal/paths"
	"github.com/kjarmicki/fbuild/internal/protocol"
	"github.com/kjarmicki/fbuild/internal/statestore"
)

func TestStopDaemonNoopWhenNotRunning(t *testing.T) {
	layout := paths.FromRoot(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	c := New(layout, protocol.DefaultStaleThreshold)
	if err := c.StopDaemon(); err != nil {
		t.Fatalf("expected no-op stop on absent daemon, got %v", err)
	}
}

func TestSubmitDeployWritesToInbox(t *testing.T) {
	layout := paths.FromRoot(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	c := New(layout, protocol.DefaultStaleThreshold)
	req := &protocol.DeployRequest{
		ProjectDir:  "/proj",
		Environment: "esp32c6",
		CallerPID:   os.Getpid(),
		CallerCWD:   "/home",
	}
	if err := c.SubmitDeploy(req); err != nil {
		t.Fatalf("SubmitDeploy: %v", err)
	}
	if req.RequestID == "" {
		t.Fatal("expected request id to be assigned")
	}
}

func TestPollUntilTerminalReturnsOnCompleted(t *testing.T) {
	layout := paths.FromRoot(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	store := statestore.New(layout)
	if err := store.WriteRequest("deploy_1", protocol.DaemonStatus{State: protocol.StateCompleted, Message: "done"}); err != nil {
		t.Fatal(err)
	}

	c := New(layout, protocol.DefaultStaleThreshold)
	var seen []string
	status := c.PollUntilTerminal(context.Background(), "deploy_1", 2*time.Second, func(s protocol.DaemonStatus) {
		seen = append(seen, s.Message)
	})
	if status.State != protocol.StateCompleted {
		t.Fatalf("expected completed, got %v", status.State)
	}
	if len(seen) == 0 {
		t.Fatal("expected at least one onChange callback")
	}
}

func TestPollUntilTerminalReturnsOnContextCancel(t *testing.T) {
	layout := paths.FromRoot(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	store := statestore.New(layout)
	if err := store.WriteRequest("deploy_2", protocol.DaemonStatus{State: protocol.StateDeploying, Message: "building"}); err != nil {
		t.Fatal(err)
	}

	c := New(layout, protocol.DefaultStaleThreshold)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status := c.PollUntilTerminal(ctx, "deploy_2", 5*time.Second, nil)
	if status.State != protocol.StateDeploying {
		t.Fatalf("expected canceled poll to return the last-seen non-terminal status, got %v", status.State)
	}
}

func TestRequestCancelTouchesSignalFile(t *testing.T) {
	layout := paths.FromRoot(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	c := New(layout, protocol.DefaultStaleThreshold)
	if err := c.RequestCancel("deploy_3"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if !paths.Exists(layout.CancelSignal("deploy_3")) {
		t.Fatal("expected cancel signal file to exist")
	}
}
