package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/kjarmicki/fbuild/internal/arbiter"
	"github.com/kjarmicki/fbuild/internal/logging"
	"github.com/kjarmicki/fbuild/internal/paths"
	"github.com/kjarmicki/fbuild/internal/protocol"
	"github.com/kjarmicki/fbuild/internal/registry"
	"github.com/kjarmicki/fbuild/internal/statestore"
	"github.com/kjarmicki/fbuild/internal/supervisor"
)

// writeTestProject writes an fbuild.yaml defining one environment whose
// name deliberately differs from its chip identifier, so tests exercise
// the executor's environment-name -> chip resolution rather than
// accidentally passing because the two strings happen to coincide.
func writeTestProject(t *testing.T, environmentName, chip string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf("environments:\n  %s:\n    chip: %s\n    board: test:test:board\n", environmentName, chip)
	if err := os.WriteFile(filepath.Join(dir, "fbuild.yaml"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

type fakeBuilder struct {
	artifact string
	err      error
}

func (f *fakeBuilder) Build(ctx context.Context, projectDir, environment string, clean bool, onLine func(string)) (string, error) {
	onLine("compiling main.cpp")
	return f.artifact, f.err
}

type fakeFlasher struct {
	err     error
	gotChip string
}

func (f *fakeFlasher) Flash(ctx context.Context, artifactPath, port, chip string, onLine func(string)) error {
	f.gotChip = chip
	onLine("writing at 0x10000")
	return f.err
}

// blockingBuilder blocks until ctx is canceled or a generous timeout
// elapses, letting tests observe mid-stage cancellation rather than only
// cancellation checked between stages.
type blockingBuilder struct {
	started chan struct{}
}

func (b *blockingBuilder) Build(ctx context.Context, projectDir, environment string, clean bool, onLine func(string)) (string, error) {
	close(b.started)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(5 * time.Second):
		return "/build/out.bin", nil
	}
}

type fakeMonitor struct {
	lines          []string
	matchedSuccess bool
	matchedError   bool
	err            error
}

func (f *fakeMonitor) Run(ctx context.Context, port string, baudRate int, haltOnError, haltOnSuccess *regexp.Regexp, timeout time.Duration, onLine func(string)) (bool, bool, error) {
	for _, l := range f.lines {
		onLine(l)
	}
	return f.matchedSuccess, f.matchedError, f.err
}

func newTestExecutor(t *testing.T, b Builder, f Flasher, m MonitorSession) (*Executor, paths.Layout) {
	t.Helper()
	layout := paths.FromRoot(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	store := statestore.New(layout)
	arb := arbiter.New()
	reg, err := registry.New(layout, os.Getpid()+1_000_000, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	sup := supervisor.New(os.Getpid(), 1, logging.Discard())
	ex := New(layout, store, arb, reg, sup, b, f, m, logging.Discard())
	return ex, layout
}

func TestRunDeployHappyPath(t *testing.T) {
	flasher := &fakeFlasher{}
	ex, layout := newTestExecutor(t, &fakeBuilder{artifact: "/build/out.bin"}, flasher, nil)
	store := statestore.New(layout)

	projectDir := writeTestProject(t, "prod", "esp32c6")
	req := &protocol.DeployRequest{
		RequestID:   "deploy_1",
		ProjectDir:  projectDir,
		Environment: "prod",
		Port:        "/dev/ttyUSB0",
		CallerPID:   os.Getpid(),
		CallerCWD:   "/home",
	}
	ex.RunDeploy(context.Background(), req, os.Getpid()+999, time.Now())

	status := store.ReadRequest("deploy_1")
	if status.State != protocol.StateCompleted {
		t.Fatalf("expected completed, got %v (%s)", status.State, status.Message)
	}
	if status.ExitCode == nil || *status.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", status.ExitCode)
	}
	// The environment name ("prod") must never reach the flasher directly;
	// it has to be resolved through fbuild.yaml to the chip identifier.
	if flasher.gotChip != "esp32c6" {
		t.Fatalf("expected flasher to receive resolved chip %q, got %q", "esp32c6", flasher.gotChip)
	}
}

func TestRunDeployBuildFailure(t *testing.T) {
	projectDir := writeTestProject(t, "prod", "esp32c6")
	ex, layout := newTestExecutor(t, &fakeBuilder{err: context.DeadlineExceeded}, &fakeFlasher{}, nil)
	store := statestore.New(layout)

	req := &protocol.DeployRequest{
		RequestID:   "deploy_2",
		ProjectDir:  projectDir,
		Environment: "prod",
		CallerPID:   os.Getpid(),
		CallerCWD:   "/home",
	}
	ex.RunDeploy(context.Background(), req, os.Getpid()+999, time.Now())

	status := store.ReadRequest("deploy_2")
	if status.State != protocol.StateFailed {
		t.Fatalf("expected failed, got %v", status.State)
	}
	if status.ExitCode == nil || *status.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %v", status.ExitCode)
	}
}

func TestRunDeployReleasesResourcesOnCompletion(t *testing.T) {
	projectDir := writeTestProject(t, "prod", "esp32c6")
	ex, _ := newTestExecutor(t, &fakeBuilder{artifact: "/build/out.bin"}, &fakeFlasher{}, nil)

	req := &protocol.DeployRequest{
		RequestID:   "deploy_3",
		ProjectDir:  projectDir,
		Environment: "prod",
		Port:        "/dev/ttyUSB0",
		CallerPID:   os.Getpid(),
		CallerCWD:   "/home",
	}
	ex.RunDeploy(context.Background(), req, os.Getpid()+999, time.Now())

	// If resources weren't released, a second acquire on the same port
	// would contend and time out.
	if err := ex.arbiter.AcquireWithTimeout("/dev/ttyUSB0", "/proj2", 200*time.Millisecond); err != nil {
		t.Fatalf("expected port to be free after deploy completion, got %v", err)
	}
}

func TestRunDeployFailsWhenEnvironmentUndefined(t *testing.T) {
	projectDir := writeTestProject(t, "prod", "esp32c6")
	ex, layout := newTestExecutor(t, &fakeBuilder{artifact: "/build/out.bin"}, &fakeFlasher{}, nil)
	store := statestore.New(layout)

	req := &protocol.DeployRequest{
		RequestID:   "deploy_4",
		ProjectDir:  projectDir,
		Environment: "staging", // not defined in fbuild.yaml
		Port:        "/dev/ttyUSB0",
		CallerPID:   os.Getpid(),
		CallerCWD:   "/home",
	}
	ex.RunDeploy(context.Background(), req, os.Getpid()+999, time.Now())

	status := store.ReadRequest("deploy_4")
	if status.State != protocol.StateFailed {
		t.Fatalf("expected failed for an undefined environment, got %v (%s)", status.State, status.Message)
	}
}

func TestRunMonitorHaltOnSuccess(t *testing.T) {
	mon := &fakeMonitor{lines: []string{"booting", "ready"}, matchedSuccess: true}
	ex, layout := newTestExecutor(t, nil, nil, mon)
	store := statestore.New(layout)

	req := &protocol.MonitorRequest{
		RequestID:     "monitor_1",
		ProjectDir:    "/proj",
		Environment:   "esp32c6",
		Port:          "/dev/ttyUSB0",
		HaltOnSuccess: "ready",
		Timeout:       5,
		CallerPID:     os.Getpid(),
		CallerCWD:     "/home",
	}
	ex.RunMonitor(context.Background(), req, os.Getpid()+999, time.Now())

	status := store.ReadRequest("monitor_1")
	if status.State != protocol.StateCompleted {
		t.Fatalf("expected completed on halt_on_success match, got %v (%s)", status.State, status.Message)
	}
}

func TestRunMonitorHaltOnError(t *testing.T) {
	mon := &fakeMonitor{lines: []string{"panic: guru meditation"}, matchedError: true}
	ex, layout := newTestExecutor(t, nil, nil, mon)
	store := statestore.New(layout)

	req := &protocol.MonitorRequest{
		RequestID:   "monitor_2",
		ProjectDir:  "/proj",
		Environment: "esp32c6",
		Port:        "/dev/ttyUSB0",
		HaltOnError: "panic",
		Timeout:     5,
		CallerPID:   os.Getpid(),
		CallerCWD:   "/home",
	}
	ex.RunMonitor(context.Background(), req, os.Getpid()+999, time.Now())

	status := store.ReadRequest("monitor_2")
	if status.State != protocol.StateFailed {
		t.Fatalf("expected failed on halt_on_error match, got %v", status.State)
	}
	if status.ExitCode == nil || *status.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %v", status.ExitCode)
	}
}

func TestRunMonitorTimeoutWithNoPatternsCompletes(t *testing.T) {
	mon := &fakeMonitor{lines: []string{"log line"}}
	ex, layout := newTestExecutor(t, nil, nil, mon)
	store := statestore.New(layout)

	req := &protocol.MonitorRequest{
		RequestID:   "monitor_3",
		ProjectDir:  "/proj",
		Environment: "esp32c6",
		Port:        "/dev/ttyUSB0",
		Timeout:     1,
		CallerPID:   os.Getpid(),
		CallerCWD:   "/home",
	}
	ex.RunMonitor(context.Background(), req, os.Getpid()+999, time.Now())

	status := store.ReadRequest("monitor_3")
	if status.State != protocol.StateCompleted {
		t.Fatalf("expected completed for timeout with no patterns configured, got %v", status.State)
	}
}

func TestRunMonitorTimeoutWithPatternConfiguredFails(t *testing.T) {
	mon := &fakeMonitor{lines: []string{"still booting"}}
	ex, layout := newTestExecutor(t, nil, nil, mon)
	store := statestore.New(layout)

	req := &protocol.MonitorRequest{
		RequestID:     "monitor_4",
		ProjectDir:    "/proj",
		Environment:   "esp32c6",
		Port:          "/dev/ttyUSB0",
		HaltOnSuccess: "ready",
		Timeout:       1,
		CallerPID:     os.Getpid(),
		CallerCWD:     "/home",
	}
	ex.RunMonitor(context.Background(), req, os.Getpid()+999, time.Now())

	status := store.ReadRequest("monitor_4")
	if status.State != protocol.StateFailed {
		t.Fatalf("expected failed when a halt pattern is configured but never matched, got %v", status.State)
	}
	if status.Message != "pattern not found" {
		t.Fatalf("expected 'pattern not found' message, got %q", status.Message)
	}
}

func TestRunDeployCanceledMidBuild(t *testing.T) {
	projectDir := writeTestProject(t, "prod", "esp32c6")
	builder := &blockingBuilder{started: make(chan struct{})}
	ex, layout := newTestExecutor(t, builder, &fakeFlasher{}, nil)
	store := statestore.New(layout)

	req := &protocol.DeployRequest{
		RequestID:   "deploy_midcancel",
		ProjectDir:  projectDir,
		Environment: "prod",
		Port:        "/dev/ttyUSB0",
		CallerPID:   os.Getpid(),
		CallerCWD:   "/home",
	}

	done := make(chan struct{})
	go func() {
		ex.RunDeploy(context.Background(), req, os.Getpid()+999, time.Now())
		close(done)
	}()

	<-builder.started
	if err := paths.Touch(layout.CancelSignal(req.RequestID)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunDeploy did not return after a cancel signal set mid-build")
	}

	status := store.ReadRequest("deploy_midcancel")
	if status.State != protocol.StateFailed || status.Message != "canceled" {
		t.Fatalf("expected canceled failure, got %v (%s)", status.State, status.Message)
	}
}

func TestRunDeployCanceledBeforeBuild(t *testing.T) {
	ex, layout := newTestExecutor(t, &fakeBuilder{artifact: "/build/out.bin"}, &fakeFlasher{}, nil)
	store := statestore.New(layout)

	req := &protocol.DeployRequest{
		RequestID:   "deploy_cancel",
		ProjectDir:  "/proj",
		Environment: "esp32c6",
		CallerPID:   os.Getpid(),
		CallerCWD:   "/home",
	}
	if err := paths.Touch(layout.CancelSignal("deploy_cancel")); err != nil {
		t.Fatal(err)
	}

	ex.RunDeploy(context.Background(), req, os.Getpid()+999, time.Now())

	status := store.ReadRequest("deploy_cancel")
	if status.State != protocol.StateFailed || status.Message != "canceled" {
		t.Fatalf("expected canceled failure, got %v (%s)", status.State, status.Message)
	}
}
