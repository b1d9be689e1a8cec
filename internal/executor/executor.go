// Package executor implements the Operation Executor (spec.md §4.6): one
// executor drives a single deploy or monitor request through its state
// machine (PENDING -> ACQUIRING -> RUNNING -> FINALIZING -> terminal),
// coordinating the Arbiter, Registry, Supervisor and Status Store. Grounded
// on the teacher's internal/daemon/processor.go job-processing loop
// (acquire -> run -> finalize -> publish), generalized from a single
// request kind to the deploy/monitor sub-state machines of spec.md §4.6.
package executor

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/kjarmicki/fbuild/internal/arbiter"
	"github.com/kjarmicki/fbuild/internal/config"
	"github.com/kjarmicki/fbuild/internal/paths"
	"github.com/kjarmicki/fbuild/internal/protocol"
	"github.com/kjarmicki/fbuild/internal/registry"
	"github.com/kjarmicki/fbuild/internal/statestore"
	"github.com/kjarmicki/fbuild/internal/supervisor"
)

// outputRingSize bounds the captured child output, per spec.md §4.6
// ("a bounded ring, e.g. 100 lines").
const outputRingSize = 100

// pollInterval is how often a running executor checks for the cancel
// signal between suspension points (spec.md §4.6: "polls ... at every
// scheduling point").
const pollInterval = 200 * time.Millisecond

// Builder runs the deploy build stage. Implemented by internal/build;
// declared here as a narrow interface so the executor's state machine
// doesn't depend on the build package's concrete types (spec.md §6:
// "external collaborators... only requires that each is spawnable").
type Builder interface {
	Build(ctx context.Context, projectDir, environment string, clean bool, onLine func(string)) (artifactPath string, err error)
}

// Flasher runs the deploy flash stage. chip is the project's configured
// chip identifier (e.g. "esp32c6", "avr"), not the environment name —
// DefaultArgv switches on it to pick a flasher family.
type Flasher interface {
	Flash(ctx context.Context, artifactPath, port, chip string, onLine func(string)) error
}

// MonitorSession drives a monitor read loop against an open port.
type MonitorSession interface {
	// Run opens port, performs the reset sequence, and reads lines until
	// ctx is done, a halt pattern matches, or the input ends or fails. The
	// executor bounds the session by giving ctx the session timeout. It
	// reports every line via onLine and returns whether a
	// halt-on-success/halt-on-error pattern matched.
	Run(ctx context.Context, port string, baudRate int, haltOnError, haltOnSuccess *regexp.Regexp, timeout time.Duration, onLine func(string)) (matchedSuccess, matchedError bool, err error)
}

// Executor drives one request from resource acquisition to a terminal
// DaemonState (completed or failed).
type Executor struct {
	layout     paths.Layout
	store      *statestore.Store
	arbiter    *arbiter.Arbiter
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	builder    Builder
	flasher    Flasher
	monitor    MonitorSession
	log        zerolog.Logger
}

// New creates an Executor sharing the daemon's long-lived collaborators.
func New(
	layout paths.Layout,
	store *statestore.Store,
	arb *arbiter.Arbiter,
	reg *registry.Registry,
	sup *supervisor.Supervisor,
	builder Builder,
	flasher Flasher,
	monitor MonitorSession,
	log zerolog.Logger,
) *Executor {
	return &Executor{
		layout:     layout,
		store:      store,
		arbiter:    arb,
		registry:   reg,
		supervisor: sup,
		builder:    builder,
		flasher:    flasher,
		monitor:    monitor,
		log:        log,
	}
}

// run is the mutable bookkeeping for a single request's lifetime, kept
// off the Executor struct itself so one Executor value can be reused
// (actually daemon.go constructs a fresh logical run per dispatch; this
// struct is the closure over that run's state).
type run struct {
	requestID  string
	projectDir string
	clientPID  int
	port       string
	ring       []string
	exitCode   *int
}

func (r *run) appendLine(line string) {
	r.ring = append(r.ring, line)
	if len(r.ring) > outputRingSize {
		r.ring = r.ring[len(r.ring)-outputRingSize:]
	}
}

func (e *Executor) canceled(requestID string) bool {
	return paths.Exists(e.layout.CancelSignal(requestID))
}

func (e *Executor) clearCancelSignal(requestID string) {
	_ = os.Remove(e.layout.CancelSignal(requestID))
}

// watchCancel derives a child context from parent and cancels it as soon
// as requestID's cancel signal appears, so a running build/flash/monitor
// stage is interrupted mid-flight rather than only checked between stages
// (spec.md §4.6: "polls ... at every scheduling point"). The returned
// stop func must be called once the stage finishes to release the poller,
// whether or not a cancellation actually occurred.
func (e *Executor) watchCancel(parent context.Context, requestID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if e.canceled(requestID) {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, func() {
		close(done)
		cancel()
	}
}

// publish writes both the per-request and (for the currently foregrounded
// operation) the global status, per spec.md §4.7 "Foregrounding".
func (e *Executor) publish(r *run, state protocol.DaemonState, kind protocol.OperationKind, message string, daemonPID int, daemonStartedAt time.Time) {
	status := protocol.DaemonStatus{
		State:               state,
		Message:             message,
		OperationInProgress: !state.Terminal(),
		DaemonPID:           daemonPID,
		DaemonStartedAt:     daemonStartedAt,
		CallerPID:           r.clientPID,
		RequestID:           r.requestID,
		RequestStartedAt:    time.Time{},
		ProjectDir:          r.projectDir,
		CurrentOperation:    message,
		OperationType:       kind,
		OutputLines:         append([]string(nil), r.ring...),
		ExitCode:            r.exitCode,
		Port:                r.port,
	}
	if err := e.store.WriteRequest(r.requestID, status); err != nil {
		e.log.Error().Err(err).Str("request_id", r.requestID).Msg("write per-request status")
	}
	if err := e.store.WriteGlobal(status); err != nil {
		e.log.Error().Err(err).Str("request_id", r.requestID).Msg("write global status")
	}
}

// terminal finalizes a run: releases arbiter resources, unregisters from
// the registry, and publishes the terminal status (spec.md §4.6
// FINALIZING -> terminal).
func (e *Executor) terminal(r *run, state protocol.DaemonState, kind protocol.OperationKind, message string, exitCode int, daemonPID int, daemonStartedAt time.Time) {
	r.exitCode = &exitCode
	e.arbiter.Release(r.port, r.projectDir)
	if err := e.registry.Unregister(r.clientPID); err != nil {
		e.log.Warn().Err(err).Int("client_pid", r.clientPID).Msg("unregister from registry")
	}
	e.clearCancelSignal(r.requestID)
	e.publish(r, state, kind, message, daemonPID, daemonStartedAt)
}

// RunDeploy drives the deploy (and optional chained monitor) sub-state
// machine of spec.md §4.6.
func (e *Executor) RunDeploy(ctx context.Context, req *protocol.DeployRequest, daemonPID int, daemonStartedAt time.Time) {
	r := &run{requestID: req.RequestID, projectDir: req.ProjectDir, clientPID: req.CallerPID, port: req.Port}
	kind := req.Kind()

	e.publish(r, protocol.StateDeploying, kind, "acquiring resources", daemonPID, daemonStartedAt)

	acquireCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := e.arbiter.TryAcquire(acquireCtx, r.port, r.projectDir)
	cancel()
	if err != nil {
		e.terminal(r, protocol.StateFailed, kind, "resource contention", 1, daemonPID, daemonStartedAt)
		return
	}

	if regErr := e.registry.Register(req.CallerPID, req.CallerPID, req.RequestID, req.ProjectDir, kind, r.port); regErr != nil {
		e.terminal(r, protocol.StateFailed, kind, fmt.Sprintf("registry error: %v", regErr), 1, daemonPID, daemonStartedAt)
		return
	}

	if e.canceled(req.RequestID) {
		e.terminal(r, protocol.StateFailed, kind, "canceled", 1, daemonPID, daemonStartedAt)
		return
	}

	chip := req.Environment
	if e.flasher != nil {
		proj, perr := config.LoadProject(req.ProjectDir)
		if perr != nil {
			e.terminal(r, protocol.StateFailed, kind, fmt.Sprintf("load project config: %v", perr), 1, daemonPID, daemonStartedAt)
			return
		}
		env, perr := proj.Resolve(req.Environment)
		if perr != nil {
			e.terminal(r, protocol.StateFailed, kind, fmt.Sprintf("resolve environment: %v", perr), 1, daemonPID, daemonStartedAt)
			return
		}
		chip = env.Chip
	}

	onLine := func(line string) {
		r.appendLine(line)
		e.publish(r, protocol.StateBuilding, kind, line, daemonPID, daemonStartedAt)
	}

	var artifact string
	if e.builder != nil {
		e.publish(r, protocol.StateBuilding, kind, "building", daemonPID, daemonStartedAt)
		buildCtx, stopWatch := e.watchCancel(ctx, req.RequestID)
		artifact, err = e.builder.Build(buildCtx, req.ProjectDir, req.Environment, req.CleanBuild, onLine)
		stopWatch()
		if err != nil {
			if e.canceled(req.RequestID) {
				e.terminal(r, protocol.StateFailed, kind, "canceled", 1, daemonPID, daemonStartedAt)
				return
			}
			e.terminal(r, protocol.StateFailed, kind, fmt.Sprintf("build failed: %v", err), 1, daemonPID, daemonStartedAt)
			return
		}
	}

	if e.canceled(req.RequestID) {
		e.terminal(r, protocol.StateFailed, kind, "canceled", 1, daemonPID, daemonStartedAt)
		return
	}

	if e.flasher != nil {
		e.publish(r, protocol.StateDeploying, kind, "flashing", daemonPID, daemonStartedAt)
		flashOnLine := func(line string) {
			r.appendLine(line)
			e.publish(r, protocol.StateDeploying, kind, line, daemonPID, daemonStartedAt)
		}
		flashCtx, stopWatch := e.watchCancel(ctx, req.RequestID)
		err := e.flasher.Flash(flashCtx, artifact, r.port, chip, flashOnLine)
		stopWatch()
		if err != nil {
			if e.canceled(req.RequestID) {
				e.terminal(r, protocol.StateFailed, kind, "canceled", 1, daemonPID, daemonStartedAt)
				return
			}
			e.terminal(r, protocol.StateFailed, kind, fmt.Sprintf("flash failed: %v", err), 1, daemonPID, daemonStartedAt)
			return
		}
	}

	if !req.MonitorAfter {
		e.terminal(r, protocol.StateCompleted, kind, "deploy completed", 0, daemonPID, daemonStartedAt)
		return
	}

	e.runMonitorPhase(ctx, r, kind, req.Port, 115200, req.MonitorHaltOnError, req.MonitorHaltOnSuccess, req.MonitorTimeout, daemonPID, daemonStartedAt)
}

// RunMonitor drives the monitor sub-state machine of spec.md §4.6.
func (e *Executor) RunMonitor(ctx context.Context, req *protocol.MonitorRequest, daemonPID int, daemonStartedAt time.Time) {
	r := &run{requestID: req.RequestID, projectDir: req.ProjectDir, clientPID: req.CallerPID, port: req.Port}
	kind := req.Kind()

	e.publish(r, protocol.StateMonitoring, kind, "acquiring resources", daemonPID, daemonStartedAt)

	acquireCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := e.arbiter.TryAcquire(acquireCtx, r.port, r.projectDir)
	cancel()
	if err != nil {
		e.terminal(r, protocol.StateFailed, kind, "resource contention", 1, daemonPID, daemonStartedAt)
		return
	}

	if regErr := e.registry.Register(req.CallerPID, req.CallerPID, req.RequestID, req.ProjectDir, kind, r.port); regErr != nil {
		e.terminal(r, protocol.StateFailed, kind, fmt.Sprintf("registry error: %v", regErr), 1, daemonPID, daemonStartedAt)
		return
	}

	baud := req.BaudRate
	if baud == 0 {
		baud = 115200
	}
	e.runMonitorPhase(ctx, r, kind, req.Port, baud, req.HaltOnError, req.HaltOnSuccess, req.Timeout, daemonPID, daemonStartedAt)
}

// runMonitorPhase implements spec.md §4.6's halt semantics table exactly:
//   - halt_on_success match => COMPLETED, exit 0
//   - halt_on_error match   => FAILED, exit 1
//   - timeout w/ either pattern configured => FAILED ("pattern not found")
//   - timeout w/ neither pattern => COMPLETED ("timed monitoring session")
func (e *Executor) runMonitorPhase(ctx context.Context, r *run, kind protocol.OperationKind, port string, baud int, haltOnErrorPattern, haltOnSuccessPattern string, timeoutSeconds float64, daemonPID int, daemonStartedAt time.Time) {
	if e.canceled(r.requestID) {
		e.terminal(r, protocol.StateFailed, kind, "canceled", 1, daemonPID, daemonStartedAt)
		return
	}

	var haltOnError, haltOnSuccess *regexp.Regexp
	if haltOnErrorPattern != "" {
		re, err := regexp.Compile(haltOnErrorPattern)
		if err != nil {
			e.terminal(r, protocol.StateFailed, kind, fmt.Sprintf("invalid halt_on_error pattern: %v", err), 1, daemonPID, daemonStartedAt)
			return
		}
		haltOnError = re
	}
	if haltOnSuccessPattern != "" {
		re, err := regexp.Compile(haltOnSuccessPattern)
		if err != nil {
			e.terminal(r, protocol.StateFailed, kind, fmt.Sprintf("invalid halt_on_success pattern: %v", err), 1, daemonPID, daemonStartedAt)
			return
		}
		haltOnSuccess = re
	}

	timeout := time.Duration(timeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	monitorCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	watchedCtx, stopWatch := e.watchCancel(monitorCtx, r.requestID)
	defer stopWatch()

	e.publish(r, protocol.StateMonitoring, kind, "monitoring", daemonPID, daemonStartedAt)

	onLine := func(line string) {
		r.appendLine(line)
		e.publish(r, protocol.StateMonitoring, kind, line, daemonPID, daemonStartedAt)
	}

	if e.monitor == nil {
		e.terminal(r, protocol.StateFailed, kind, "no monitor backend configured", 1, daemonPID, daemonStartedAt)
		return
	}

	matchedSuccess, matchedError, err := e.monitor.Run(watchedCtx, port, baud, haltOnError, haltOnSuccess, timeout, onLine)
	// A monitor stopped by the cancel watcher may return without an error,
	// so check for cancellation before classifying the outcome.
	if e.canceled(r.requestID) {
		e.terminal(r, protocol.StateFailed, kind, "canceled", 1, daemonPID, daemonStartedAt)
		return
	}
	if err != nil {
		e.terminal(r, protocol.StateFailed, kind, fmt.Sprintf("monitor error: %v", err), 1, daemonPID, daemonStartedAt)
		return
	}

	switch {
	case matchedSuccess:
		e.terminal(r, protocol.StateCompleted, kind, "halt_on_success matched", 0, daemonPID, daemonStartedAt)
	case matchedError:
		e.terminal(r, protocol.StateFailed, kind, "halt_on_error matched", 1, daemonPID, daemonStartedAt)
	case haltOnError != nil || haltOnSuccess != nil:
		e.terminal(r, protocol.StateFailed, kind, "pattern not found", 1, daemonPID, daemonStartedAt)
	default:
		e.terminal(r, protocol.StateCompleted, kind, "timed monitoring session", 0, daemonPID, daemonStartedAt)
	}
}

// Cancel kills the tree rooted at rootPID via the Supervisor, logging
// rather than returning a failure. Nothing in the daemon calls it: a
// request's cancel signal is handled by watchCancel and the checks
// between stages.
func (e *Executor) Cancel(requestID string, rootPID int, knownChildren []int) {
	if _, err := e.supervisor.KillTree(rootPID, knownChildren); err != nil {
		e.log.Warn().Err(err).Str("request_id", requestID).Msg("cancel: kill tree failed")
	}
}
