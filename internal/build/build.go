// Package build implements the Build Orchestrator (SPEC_FULL.md §4.9): it
// scans a project for sources, renders a compiler invocation from the
// project's config, and runs it, streaming output lines to the Executor.
// Grounded on the teacher's internal/observe.Run / exec.go pattern
// (exec.CommandContext with piped Stdout/Stderr scanned line by line so
// the caller sees incremental output rather than one final blob).
package build

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kjarmicki/fbuild/internal/config"
)

// sourceExtensions are the file types scanned when locating a project's
// compilation unit set (SPEC_FULL.md §4.9).
var sourceExtensions = map[string]bool{
	".ino": true, ".cpp": true, ".c": true, ".h": true, ".hpp": true,
}

// Orchestrator runs builds for a project using its fbuild.yaml config.
type Orchestrator struct {
	// CompilerDriver renders the argv for a build invocation; tests
	// substitute a fake one instead of arduino-cli/platformio.
	CompilerDriver func(projectDir string, env config.Environment, sources []string, cacheDir string) (argv []string)
}

// New creates an Orchestrator with the default cache root
// "<project>/.fbuild-cache/<environment>".
func New(driver func(string, config.Environment, []string, string) []string) *Orchestrator {
	return &Orchestrator{CompilerDriver: driver}
}

// ScanSources walks projectDir for compilable sources (stdlib
// path/filepath.WalkDir, SPEC_FULL.md §4.9).
func ScanSources(projectDir string) ([]string, error) {
	var sources []string
	err := filepath.WalkDir(projectDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".fbuild-cache" || d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if sourceExtensions[strings.ToLower(filepath.Ext(path))] {
			sources = append(sources, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan sources: %w", err)
	}
	return sources, nil
}

func cacheDirFor(projectDir, environment string) string {
	return filepath.Join(projectDir, ".fbuild-cache", environment)
}

// Build scans projectDir, optionally clears the environment's build
// cache, then spawns the compiler driver, streaming each output line to
// onLine as it's produced (SPEC_FULL.md §4.9).
func (o *Orchestrator) Build(ctx context.Context, projectDir, environmentName string, clean bool, onLine func(string)) (string, error) {
	proj, err := config.LoadProject(projectDir)
	if err != nil {
		return "", err
	}
	env, err := proj.Resolve(environmentName)
	if err != nil {
		return "", err
	}

	cacheDir := cacheDirFor(projectDir, environmentName)
	if clean {
		if err := os.RemoveAll(cacheDir); err != nil {
			return "", fmt.Errorf("clear build cache: %w", err)
		}
	}
	if err := os.MkdirAll(cacheDir, 0750); err != nil {
		return "", fmt.Errorf("create build cache: %w", err)
	}

	sources, err := ScanSources(projectDir)
	if err != nil {
		return "", err
	}
	if len(sources) == 0 {
		return "", fmt.Errorf("no source files found under %s", projectDir)
	}

	if o.CompilerDriver == nil {
		return "", fmt.Errorf("no compiler driver configured")
	}
	argv := o.CompilerDriver(projectDir, env, sources, cacheDir)
	if len(argv) == 0 {
		return "", fmt.Errorf("compiler driver produced an empty command")
	}

	if err := runStreamed(ctx, argv, projectDir, onLine); err != nil {
		return "", err
	}

	artifact := filepath.Join(cacheDir, "firmware.bin")
	return artifact, nil
}

// runStreamed is the teacher's execStep pattern generalized: spawn with
// exec.CommandContext so ctx cancellation kills the child, pipe
// Stdout/Stderr, and scan them line by line into onLine as they arrive
// instead of waiting for CombinedOutput, so the Executor's output ring
// gets incremental lines (SPEC_FULL.md §4.9).
func runStreamed(ctx context.Context, argv []string, dir string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", argv[0], err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		_ = cmd.Wait()
		return fmt.Errorf("read output: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
}
