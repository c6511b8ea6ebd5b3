// Package watch wakes the scheduler early when a new archive lands in the
// watch folder. The tick loop already polls on an interval, so this is an
// optimization, not a requirement: when inotify is unavailable (NFS, some
// container mounts) the caller just lets the ticker do the work.
package watch

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDefault batches a burst of copied files into one wake-up.
const debounceDefault = 500 * time.Millisecond

// Inbox watches in/ for new .cbz/.cbr files.
type Inbox struct {
	dir      string
	wake     chan<- struct{}
	debounce time.Duration
}

// NewInbox returns a watcher over dir that signals wake after each debounced
// batch of arrivals. wake should be buffered; signals are dropped when the
// scheduler is already awake.
func NewInbox(dir string, wake chan<- struct{}) *Inbox {
	return &Inbox{dir: dir, wake: wake, debounce: debounceDefault}
}

// Run blocks until ctx is cancelled. It returns an error only when the
// underlying watcher cannot be created or attached.
func (w *Inbox) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.dir); err != nil {
		return err
	}

	// Single debounce timer, reset on each event. Initialized as stopped;
	// the first event starts it.
	debounceTimer := time.NewTimer(w.debounce)
	debounceTimer.Stop()
	defer debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounceTimer.C:
			select {
			case w.wake <- struct{}{}:
			default:
			}

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Rename covers mv into the watched dir, the recommended way
			// to deliver finished files.
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !isArchive(event.Name) {
				continue
			}
			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(w.debounce)

		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}

// isArchive reports whether name looks like a finished comic archive.
// Partial uploads (.part, .tmp) fail the suffix check by construction.
func isArchive(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".cbz") || strings.HasSuffix(lower, ".cbr")
}
