package flasher

import (
	"context"
	"testing"
)

func TestDefaultArgvESP32Family(t *testing.T) {
	argv, err := DefaultArgv("/tmp/fw.bin", "/dev/ttyUSB0", "esp32c6")
	if err != nil {
		t.Fatalf("DefaultArgv: %v", err)
	}
	if argv[0] != "esptool.py" {
		t.Fatalf("expected esptool.py for esp32 family, got %v", argv)
	}
}

func TestDefaultArgvAVR(t *testing.T) {
	argv, err := DefaultArgv("/tmp/fw.hex", "/dev/ttyACM0", "avr")
	if err != nil {
		t.Fatalf("DefaultArgv: %v", err)
	}
	if argv[0] != "avrdude" {
		t.Fatalf("expected avrdude for avr chip, got %v", argv)
	}
}

func TestDefaultArgvUnknownChipErrors(t *testing.T) {
	if _, err := DefaultArgv("/tmp/fw.bin", "/dev/ttyUSB0", "stm32"); err == nil {
		t.Fatal("expected error for unrecognized chip family")
	}
}

func TestFlashStreamsOutputOnSuccess(t *testing.T) {
	f := New(func(artifactPath, port, chip string) ([]string, error) {
		return []string{"echo", "Hash of data verified"}, nil
	})
	var lines []string
	err := f.Flash(context.Background(), "/tmp/fw.bin", "/dev/ttyUSB0", "esp32c6", func(l string) {
		lines = append(lines, l)
	})
	if err != nil {
		t.Fatalf("Flash: %v", err)
	}
	if len(lines) == 0 {
		t.Fatal("expected at least one streamed output line")
	}
}

func TestFlashPropagatesNonZeroExit(t *testing.T) {
	f := New(func(artifactPath, port, chip string) ([]string, error) {
		return []string{"false"}, nil
	})
	if err := f.Flash(context.Background(), "/tmp/fw.bin", "/dev/ttyUSB0", "esp32c6", nil); err == nil {
		t.Fatal("expected error for non-zero exit")
	}
}
