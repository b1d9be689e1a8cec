package inbox

import (
	"os"
	"path/filepath"
	"strings"
)

// isRequestFile reports whether name looks like a completed request file
// (not a ".tmp-*" partial write left behind by a crashed WriteAtomic).
func isRequestFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, "request_") &&
		strings.HasSuffix(base, ".json") &&
		!strings.Contains(base, ".tmp-")
}

// ScanExisting lists every request file currently sitting in the inbox,
// used by the Daemon Loop's per-tick inbox scan (spec.md §4.7 step 2) and
// to pick up anything that arrived while the daemon was down.
func (ib *Inbox) ScanExisting() ([]string, error) {
	entries, err := os.ReadDir(ib.layout.Inbox())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isRequestFile(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(ib.layout.Inbox(), e.Name()))
	}
	return out, nil
}
