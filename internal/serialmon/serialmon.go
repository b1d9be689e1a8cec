// Package serialmon implements the Serial Monitor (SPEC_FULL.md §4.11):
// open a port, issue the board reset sequence, and read lines until a
// halt pattern matches or the caller's context ends. Built over
// go.bug.st/serial (an out-of-pack dependency — the example pack carries
// no serial-port library, named per SPEC_FULL.md §4.11 rather than
// grounded in a specific teacher file).
package serialmon

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"time"

	"go.bug.st/serial"
)

// Port is the narrow interface the monitor driver needs, letting tests
// substitute an in-memory fake instead of a real device.
type Port interface {
	SetReadTimeout(t time.Duration) error
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}

// AutoDetect returns the first serial port the OS lists. Monitor.Run calls
// it when no port is given, which is after the Arbiter has already granted
// the request with an empty port; the detected port is therefore not held
// in the Arbiter.
func AutoDetect() (string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return "", fmt.Errorf("list serial ports: %w", err)
	}
	if len(ports) == 0 {
		return "", fmt.Errorf("no serial ports found")
	}
	return ports[0], nil
}

// OpenReal opens a real OS serial port at the given baud rate.
func OpenReal(name string, baud int) (Port, error) {
	mode := &serial.Mode{BaudRate: baud}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return p, nil
}

// resetSequence toggles DTR/RTS the way Arduino-family bootloaders expect
// to trigger a reset before the read loop begins (SPEC_FULL.md §4.11).
func resetSequence(p Port) {
	type dtrSetter interface{ SetDTR(bool) error }
	type rtsSetter interface{ SetRTS(bool) error }
	if d, ok := p.(dtrSetter); ok {
		_ = d.SetDTR(false)
	}
	if r, ok := p.(rtsSetter); ok {
		_ = r.SetRTS(false)
	}
	time.Sleep(100 * time.Millisecond)
	if d, ok := p.(dtrSetter); ok {
		_ = d.SetDTR(true)
	}
	if r, ok := p.(rtsSetter); ok {
		_ = r.SetRTS(true)
	}
}

// Monitor drives a read loop against a Port, implementing
// executor.MonitorSession.
type Monitor struct {
	Open func(name string, baud int) (Port, error)
}

// New creates a Monitor using openFn to open ports (OpenReal in
// production, a fake in tests).
func New(openFn func(string, int) (Port, error)) *Monitor {
	return &Monitor{Open: openFn}
}

// Run opens port (AutoDetect when it is empty), performs the reset
// sequence, and reads lines until ctx is done, a halt pattern matches, the
// port reports end of input, or a read fails (SPEC_FULL.md §4.11, spec.md
// §4.6 monitor sub-state machine). Each read waits at most 500ms for input.
// The timeout argument is not consulted; ctx alone bounds the session, and
// ctx being done returns no error.
func (m *Monitor) Run(ctx context.Context, port string, baudRate int, haltOnError, haltOnSuccess *regexp.Regexp, timeout time.Duration, onLine func(string)) (matchedSuccess, matchedError bool, err error) {
	name := port
	if name == "" {
		name, err = AutoDetect()
		if err != nil {
			return false, false, err
		}
	}

	p, err := m.Open(name, baudRate)
	if err != nil {
		return false, false, err
	}
	defer p.Close()

	resetSequence(p)
	_ = p.SetReadTimeout(500 * time.Millisecond)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(readerFunc(p.Read))
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return false, false, nil

		case line, ok := <-lines:
			if !ok {
				return false, false, nil
			}
			if onLine != nil {
				onLine(line)
			}
			if haltOnSuccess != nil && haltOnSuccess.MatchString(line) {
				return true, false, nil
			}
			if haltOnError != nil && haltOnError.MatchString(line) {
				return false, true, nil
			}

		case err := <-readErr:
			return false, false, err
		}
	}
}

// readerFunc adapts a Read method value to io.Reader so bufio.Scanner can
// consume it without requiring Port to embed io.Reader directly.
type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
