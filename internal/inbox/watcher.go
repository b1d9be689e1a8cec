package inbox

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDefault mirrors the teacher's inbox-watcher debounce: several
// request files dropped in quick succession (a shell script submitting a
// batch) coalesce into one wake-up instead of one handler call per file.
const debounceDefault = 150 * time.Millisecond

// Watcher pushes newly-created inbox files to handler as soon as fsnotify
// sees them, instead of waiting for the Daemon Loop's next tick. It's an
// optional responsiveness enrichment over the tick-based ScanExisting scan;
// the Daemon Loop works correctly with or without it.
type Watcher struct {
	inbox    string
	handler  func(path string)
	debounce time.Duration
}

// NewWatcher creates a push-based watcher over the inbox directory.
func NewWatcher(inbox string, handler func(path string)) *Watcher {
	return &Watcher{inbox: inbox, handler: handler, debounce: debounceDefault}
}

// Run watches the inbox until ctx is canceled. A single debounce timer is
// reused across events (no per-event goroutine), the same design the
// teacher's InboxWatcher uses to avoid thread exhaustion under burst load.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.inbox); err != nil {
		return err
	}

	ready := make(map[string]bool)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	flush := func() {
		for path := range ready {
			w.handler(path)
		}
		ready = make(map[string]bool)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			flush()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !isRequestFile(ev.Name) {
				continue
			}
			ready[ev.Name] = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case _, ok := <-fw.Errors:
			if !ok {
				return nil
			}
		}
	}
}
