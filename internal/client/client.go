// Package client implements the Client Library (spec.md §4.8): the
// transient-process side of the protocol. It ensures a daemon is running,
// submits requests, polls per-request status to a terminal state, and
// handles Ctrl-C by offering to detach. Grounded on the teacher's
// internal/cli subprocess/signal patterns (os/exec + signal.Notify for
// interrupt handling), adapted from "run one foreground subprocess" to
// "drive a long-lived daemon via file IPC".
package client

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/kjarmicki/fbuild/internal/inbox"
	"github.com/kjarmicki/fbuild/internal/paths"
	"github.com/kjarmicki/fbuild/internal/protocol"
	"github.com/kjarmicki/fbuild/internal/singleton"
	"github.com/kjarmicki/fbuild/internal/statestore"
)

// Client is the daemon-facing handle used by CLI commands.
type Client struct {
	layout         paths.Layout
	store          *statestore.Store
	inbox          *inbox.Inbox
	staleThreshold time.Duration
}

// New creates a Client rooted at layout. staleThreshold should come from
// the daemon's own config.Daemon.StaleThresholdSec so a client's view of
// staleness matches the threshold the daemon was configured with.
func New(layout paths.Layout, staleThreshold time.Duration) *Client {
	return &Client{layout: layout, store: statestore.New(layout), inbox: inbox.New(layout), staleThreshold: staleThreshold}
}

// daemonSpawnWait is how long EnsureDaemonRunning waits for a freshly
// spawned daemon to publish its first non-unknown status (spec.md §4.8:
// "waits up to 10s for a fresh status transition away from unknown").
const daemonSpawnWait = 10 * time.Second

// EnsureDaemonRunning spawns a detached daemon if one isn't already
// running and holding the PID lock, then waits for it to become ready.
// binaryPath is this executable's own path (os.Executable()) invoked with
// a hidden "daemon run" subcommand.
func (c *Client) EnsureDaemonRunning(binaryPath string) error {
	held, _ := singleton.IsHeld(c.layout.PIDFile())
	if held {
		return nil
	}

	// No daemon holds the lock, so any status file on disk was left by a
	// previous daemon; remove it so the wait below only accepts a status
	// published by the daemon spawned here.
	_ = os.Remove(c.layout.StatusFile())

	cmd := exec.Command(binaryPath, "daemon", "run")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = detachedAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}
	// Don't wait for it: release the handle and let the daemon outlive
	// this process.
	go func() { _ = cmd.Process.Release() }()

	deadline := time.Now().Add(daemonSpawnWait)
	for time.Now().Before(deadline) {
		status := c.store.ReadGlobal()
		if status.State != protocol.StateUnknown {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not become ready within %s", daemonSpawnWait)
}

// SubmitDeploy hands a deploy request to the daemon's inbox.
func (c *Client) SubmitDeploy(req *protocol.DeployRequest) error {
	return c.inbox.SubmitDeploy(req)
}

// SubmitMonitor hands a monitor request to the daemon's inbox.
func (c *Client) SubmitMonitor(req *protocol.MonitorRequest) error {
	return c.inbox.SubmitMonitor(req)
}

// PollUntilTerminal reads requestID's status file on a short interval,
// invoking onChange whenever the message changes, returning once the
// state is terminal, the status is older than the client's stale
// threshold, timeout has elapsed, or ctx is done; in every case it
// returns the last status read (spec.md §4.8).
func (c *Client) PollUntilTerminal(ctx context.Context, requestID string, timeout time.Duration, onChange func(protocol.DaemonStatus)) protocol.DaemonStatus {
	deadline := time.Now().Add(timeout)
	lastMessage := ""
	var last protocol.DaemonStatus

	for {
		status := c.store.ReadRequest(requestID)
		last = status
		if status.Message != lastMessage {
			lastMessage = status.Message
			if onChange != nil {
				onChange(status)
			}
		}
		if status.State.Terminal() {
			return status
		}
		if status.Stale(time.Now(), c.staleThreshold) {
			return status
		}
		if time.Now().After(deadline) {
			return status
		}

		select {
		case <-ctx.Done():
			return last
		case <-time.After(300 * time.Millisecond):
		}
	}
}

// StopDaemon touches shutdown.signal and waits up to 10s for the PID lock
// to be released (spec.md §4.8).
func (c *Client) StopDaemon() error {
	held, pid := singleton.IsHeld(c.layout.PIDFile())
	if !held {
		return nil // repeated stop_daemon() after exit is a quick no-op, spec.md §8
	}
	if err := paths.Touch(c.layout.ShutdownSignal()); err != nil {
		return fmt.Errorf("signal shutdown: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		stillHeld, _ := singleton.IsHeld(c.layout.PIDFile())
		if !stillHeld {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not stop within 10s", pid)
}

// RequestCancel touches the per-request cancel signal, the client-side
// half of spec.md §4.6 cancellation.
func (c *Client) RequestCancel(requestID string) error {
	return paths.Touch(c.layout.CancelSignal(requestID))
}

// PromptDetachOnInterrupt renders the y/n prompt spec.md §4.8 describes
// for Ctrl-C handling. It reads a single line from stdin; any answer
// other than a leading 'y'/'Y' is treated as "no, cancel".
func PromptDetachOnInterrupt(prompt string) bool {
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return len(line) > 0 && (line[0] == 'y' || line[0] == 'Y')
}
