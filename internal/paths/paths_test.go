package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureCreatesTree(t *testing.T) {
	root := t.TempDir()
	l := FromRoot(filepath.Join(root, "daemon"))
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	for _, dir := range []string{l.Root, l.Inbox(), l.InFlight(), l.Rejected()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s to exist", dir)
		}
	}
}

func TestWriteAtomicNeverPartial(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "status.json")

	if err := WriteAtomic(path, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Fatalf("unexpected content: %s", data)
	}

	// No stray temp files left behind.
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file in %s, got %d", root, len(entries))
	}
}

func TestTouchAndExists(t *testing.T) {
	root := t.TempDir()
	sig := filepath.Join(root, "shutdown.signal")
	if Exists(sig) {
		t.Fatal("signal should not exist yet")
	}
	if err := Touch(sig); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if !Exists(sig) {
		t.Fatal("signal should exist after Touch")
	}
}

func TestMoveIntoSameDevice(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src.json")
	dst := filepath.Join(root, "dst.json")
	if err := os.WriteFile(src, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := MoveInto(src, dst); err != nil {
		t.Fatalf("MoveInto: %v", err)
	}
	if Exists(src) {
		t.Fatal("source should be gone after move")
	}
	if !Exists(dst) {
		t.Fatal("destination should exist after move")
	}
}
