// Package flasher implements the Deployer (SPEC_FULL.md §4.10): it wraps
// an esptool-family or avrdude-family flasher binary chosen by the
// board's chip family, spawns it with the built artifact and port, and
// streams its output into the Executor's ring. Grounded on the same
// exec.CommandContext + piped-output pattern as internal/build, which
// itself follows the teacher's internal/observe.Run/exec.go.
package flasher

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ArgvBuilder renders the flasher invocation for a chip family; swapped
// for a fake in tests.
type ArgvBuilder func(artifactPath, port, chip string) (argv []string, err error)

// Flasher invokes the external flasher tool chosen by chip family.
type Flasher struct {
	Argv ArgvBuilder
}

// New creates a Flasher using argvFor to resolve the binary and flags.
func New(argvFor ArgvBuilder) *Flasher {
	return &Flasher{Argv: argvFor}
}

// DefaultArgv picks esptool.py for esp32-family chips and avrdude for avr,
// the convention described in SPEC_FULL.md §4.10.
func DefaultArgv(artifactPath, port, chip string) ([]string, error) {
	switch {
	case strings.HasPrefix(chip, "esp32"):
		return []string{"esptool.py", "--chip", chip, "--port", port, "write_flash", "0x10000", artifactPath}, nil
	case chip == "avr":
		return []string{"avrdude", "-c", "arduino", "-P", port, "-U", "flash:w:" + artifactPath + ":i"}, nil
	default:
		return nil, fmt.Errorf("no flasher known for chip family %q", chip)
	}
}

// Flash spawns the resolved flasher binary and streams its combined
// output to onLine. The child's exit code is classified zero/non-zero by
// the caller (the Executor); Flash itself just reports success or error.
func (f *Flasher) Flash(ctx context.Context, artifactPath, port, chip string, onLine func(string)) error {
	if f.Argv == nil {
		return fmt.Errorf("no argv builder configured")
	}
	argv, err := f.Argv(artifactPath, port, chip)
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		return fmt.Errorf("flasher argv builder produced an empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
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

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
}
