// Package daemon implements the Daemon Loop (spec.md §4.7): a
// single-threaded cooperative tick loop plus a bounded pool of executor
// workers. Grounded on the teacher's internal/daemon.Daemon (PID lock,
// startup orphan recovery, inbox watch-or-poll, background sweepers),
// generalized from chainwatch's job-processing domain to fbuild's
// deploy/monitor request domain.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kjarmicki/fbuild/internal/arbiter"
	"github.com/kjarmicki/fbuild/internal/config"
	"github.com/kjarmicki/fbuild/internal/executor"
	"github.com/kjarmicki/fbuild/internal/inbox"
	"github.com/kjarmicki/fbuild/internal/paths"
	"github.com/kjarmicki/fbuild/internal/procutil"
	"github.com/kjarmicki/fbuild/internal/protocol"
	"github.com/kjarmicki/fbuild/internal/registry"
	"github.com/kjarmicki/fbuild/internal/singleton"
	"github.com/kjarmicki/fbuild/internal/statestore"
	"github.com/kjarmicki/fbuild/internal/supervisor"
)

func decode(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

// Collaborators bundles the executor's external-tool backends so they can
// be swapped for fakes in tests without threading extra daemon config.
type Collaborators struct {
	Builder executor.Builder
	Flasher executor.Flasher
	Monitor executor.MonitorSession
}

// Daemon owns the tick loop, the shared Arbiter/Registry/Supervisor, and
// the worker pool that runs Executors.
type Daemon struct {
	layout    paths.Layout
	cfg       config.Daemon
	store     *statestore.Store
	inbox     *inbox.Inbox
	arbiter   *arbiter.Arbiter
	registry  *registry.Registry
	supervisor *supervisor.Supervisor
	executor  *executor.Executor
	log       zerolog.Logger

	pid        int
	instanceID string // distinguishes restarts from a PID the OS has reused
	startedAt  time.Time

	work chan string // in-flight inbox file paths queued for dispatch
}

// New wires every collaborator for a fresh daemon instance. The daemon's
// own PID is excluded from its Registry (spec.md §3 invariant).
func New(layout paths.Layout, cfg config.Daemon, collab Collaborators, log zerolog.Logger) (*Daemon, error) {
	pid := os.Getpid()

	store := statestore.New(layout)
	arb := arbiter.New()
	reg, err := registry.New(layout, pid, log)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	sup := supervisor.New(pid, os.Getppid(), log)
	ex := executor.New(layout, store, arb, reg, sup, collab.Builder, collab.Flasher, collab.Monitor, log)

	return &Daemon{
		layout:     layout,
		cfg:        cfg,
		store:      store,
		inbox:      inbox.New(layout),
		arbiter:    arb,
		registry:   reg,
		supervisor: sup,
		executor:   ex,
		log:        log,
		pid:        pid,
		instanceID: uuid.NewString(),
		startedAt:  time.Now(),
		work:       make(chan string, 64),
	}, nil
}

// Run acquires the single-instance lock, recovers from any prior crash,
// then drives the tick loop until ctx is canceled or a shutdown signal
// file appears (spec.md §4.7 step 1).
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.layout.Ensure(); err != nil {
		return fmt.Errorf("ensure state directory: %w", err)
	}

	lock, err := singleton.Acquire(d.layout.PIDFile())
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	defer func() { _ = lock.Release() }()

	if err := d.publishStartupStatus(); err != nil {
		d.log.Warn().Err(err).Msg("publish startup status")
	}

	// Startup orphan sweep, per spec.md §5 "also at daemon startup".
	d.sweepDeadClients()

	for i := 0; i < d.cfg.WorkerPoolSize; i++ {
		go d.worker(ctx)
	}

	if err := d.dispatchExisting(); err != nil {
		d.log.Warn().Err(err).Msg("dispatch existing inbox files at startup")
	}

	watcher := inbox.NewWatcher(d.layout.Inbox(), func(path string) {
		select {
		case d.work <- path:
		default:
			d.log.Warn().Str("path", path).Msg("worker queue full, dropping inbox notification (next tick's scan will pick it up)")
		}
	})
	go func() {
		if err := watcher.Run(ctx); err != nil {
			d.log.Warn().Err(err).Msg("inbox watcher exited")
		}
	}()

	return d.tickLoop(ctx)
}

// tickLoop is spec.md §4.7's per-tick sequence, steps 1/3/4 (step 2 — scan
// and dispatch — is handled by dispatchExisting at startup plus the
// fsnotify watcher feeding d.work for responsiveness; the tick loop also
// re-scans every tick as a fallback for filesystems where fsnotify events
// are unreliable, mirroring the teacher's watch-with-poll-fallback design).
func (d *Daemon) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			tick++

			if paths.Exists(d.layout.ShutdownSignal()) {
				d.shutdown()
				_ = os.Remove(d.layout.ShutdownSignal())
				return nil
			}

			if err := d.dispatchExisting(); err != nil {
				d.log.Warn().Err(err).Msg("tick: scan inbox")
			}

			if tick%d.cfg.SweepIntervalTicks == 0 {
				if err := d.registry.RefreshAll(); err != nil {
					d.log.Warn().Err(err).Msg("tick: refresh registry")
				}
				d.sweepDeadClients()
			}

			if err := d.publishStartupStatus(); err != nil {
				d.log.Warn().Err(err).Msg("tick: publish idle heartbeat")
			}
		}
	}
}

// dispatchExisting scans the inbox for files not yet queued and feeds them
// to the worker pool (spec.md §4.7 step 2).
func (d *Daemon) dispatchExisting() error {
	files, err := d.inbox.ScanExisting()
	if err != nil {
		return err
	}
	for _, f := range files {
		select {
		case d.work <- f:
		default:
			// Queue is full; this file will be picked up again on the next tick.
			return nil
		}
	}
	return nil
}

// worker adopts inbox files fed on d.work and drives them to completion.
// Multiple workers give the daemon real parallelism across concurrent
// requests (spec.md §5: "real parallelism with one worker per active
// request").
func (d *Daemon) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-d.work:
			if !ok {
				return
			}
			d.handleOne(ctx, path)
		}
	}
}

func (d *Daemon) handleOne(ctx context.Context, path string) {
	adopted, ok, err := d.inbox.Adopt(path)
	if err != nil {
		d.log.Warn().Err(err).Str("path", path).Msg("reject malformed request")
		return
	}
	if !ok {
		return // already claimed by another worker, or vanished
	}

	switch adopted.Kind {
	case protocol.OpDeploy, protocol.OpBuildAndDeploy:
		var req protocol.DeployRequest
		if err := decode(adopted.Raw, &req); err != nil {
			_ = d.inbox.Reject(adopted, "malformed deploy request: "+err.Error())
			return
		}
		if !d.admitCallerAlive(adopted, req.CallerPID) {
			return
		}
		d.executor.RunDeploy(ctx, &req, d.pid, d.startedAt)

	case protocol.OpMonitor:
		var req protocol.MonitorRequest
		if err := decode(adopted.Raw, &req); err != nil {
			_ = d.inbox.Reject(adopted, "malformed monitor request: "+err.Error())
			return
		}
		if !d.admitCallerAlive(adopted, req.CallerPID) {
			return
		}
		d.executor.RunMonitor(ctx, &req, d.pid, d.startedAt)

	default:
		_ = d.inbox.Reject(adopted, "unrecognized operation kind")
	}

	_ = d.inbox.Done(adopted)
}

// admitCallerAlive rejects a request whose caller already died between
// submission and pickup (spec.md §7 "caller PID already dead at pickup").
// On rejection it also removes the in-flight file itself, since the
// caller returns true only when the request should proceed to execution.
func (d *Daemon) admitCallerAlive(adopted inbox.Adopted, callerPID int) bool {
	if procutil.IsAlive(callerPID) {
		return true
	}
	_ = d.inbox.Reject(adopted, "caller gone")
	return false
}

func (d *Daemon) sweepDeadClients() {
	d.killAndUnregister(d.registry.ListDeadClients(), "sweep", "swept dead client's process tree")
}

// killAndUnregister tears down every process tree in entries and flushes
// each one from the Registry, logging failures but continuing through
// the rest of the batch rather than aborting on the first error.
func (d *Daemon) killAndUnregister(entries []protocol.ProcessTreeInfo, logPrefix, successMsg string) {
	for _, entry := range entries {
		res, err := d.supervisor.KillTree(entry.RootPID, entry.ChildPIDs)
		if err != nil {
			d.log.Warn().Err(err).Int("client_pid", entry.ClientPID).Msg(logPrefix + ": kill tree failed")
			continue
		}
		d.log.Info().Int("client_pid", entry.ClientPID).Ints("terminated", res.Terminated).Ints("killed", res.Killed).Msg(successMsg)
		if err := d.registry.Unregister(entry.ClientPID); err != nil {
			d.log.Warn().Err(err).Int("client_pid", entry.ClientPID).Msg(logPrefix + ": unregister failed")
		}
	}
}

// shutdown cancels every in-flight operation, not just ones whose client
// has already died (spec.md §4.7 step 1, §5: "cancel all executors...
// flush Registry"), so `fbuild daemon stop` never orphans a running
// build/flash/monitor subprocess tree.
func (d *Daemon) shutdown() {
	d.log.Info().Msg("shutdown signal observed, stopping")
	d.killAndUnregister(d.registry.All(), "shutdown", "shutdown: canceled in-flight operation")
}

func (d *Daemon) publishStartupStatus() error {
	current := d.store.ReadGlobal()
	if current.OperationInProgress {
		return nil // don't clobber an in-flight operation's headline status
	}
	return d.store.WriteGlobal(protocol.DaemonStatus{
		State:            protocol.StateIdle,
		Message:          "idle",
		DaemonPID:        d.pid,
		DaemonInstanceID: d.instanceID,
		DaemonStartedAt:  d.startedAt,
	})
}
