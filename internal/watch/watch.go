// Package watch turns files dropped into an intake directory into work
// items.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mehmetymw/rec2table/internal/config"
	"github.com/mehmetymw/rec2table/internal/types"
)

// DefaultSettle is how long a file must stay quiet before it is picked up.
const DefaultSettle = 500 * time.Millisecond

// ItemFromFile builds a work item for the file at path.
func ItemFromFile(path string) (types.WorkItem, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return types.WorkItem{}, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return types.WorkItem{}, err
	}
	if !fi.Mode().IsRegular() {
		return types.WorkItem{}, errors.Errorf("%s is not a regular file", path)
	}
	return types.WorkItem{
		ID:   uuid.NewString(),
		Path: abs,
		Attributes: map[string]string{
			types.AttrFilename:     filepath.Base(abs),
			types.AttrPath:         filepath.Dir(path) + string(filepath.Separator),
			types.AttrAbsolutePath: filepath.Dir(abs) + string(filepath.Separator),
			types.AttrFileSize:     strconv.FormatInt(fi.Size(), 10),
		},
	}, nil
}

// Watcher enqueues every file written to dir once. A file stays claimed
// until Release is called for it, so neither the watcher nor the sweep
// hands it out twice.
type Watcher struct {
	dir      string
	schedule string
	settle   time.Duration
	enqueue  func(types.WorkItem)
	logger   *zap.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	timers   map[string]*time.Timer
}

func New(dir, schedule string, settle time.Duration, enqueue func(types.WorkItem), logger *zap.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		schedule: schedule,
		settle:   settle,
		enqueue:  enqueue,
		logger:   logger,
		inFlight: make(map[string]bool),
		timers:   make(map[string]*time.Timer),
	}
}

// Run sweeps the directory once, then watches it until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating watcher")
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return errors.Wrapf(err, "watching %s", w.dir)
	}

	if w.schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(w.schedule, w.Sweep); err != nil {
			return &config.ConfigurationError{Field: "intake.sweep_schedule", Reason: err.Error()}
		}
		c.Start()
		defer c.Stop()
		w.logger.Info("Scheduled intake sweep", zap.String("schedule", w.schedule))
	}

	w.logger.Info("Watching intake directory", zap.String("dir", w.dir))
	w.Sweep()

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.debounce(ev.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Intake watcher error", zap.Error(err))
		}
	}
}

// debounce restarts the settle timer for path on every write.
func (w *Watcher) debounce(path string) {
	if skip(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.claim(path)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
}

// Sweep enqueues every unclaimed file currently in the directory.
func (w *Watcher) Sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Error("Failed to sweep intake directory", zap.String("dir", w.dir), zap.Error(err))
		return
	}
	n := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if w.claim(filepath.Join(w.dir, e.Name())) {
			n++
		}
	}
	w.logger.Debug("Intake sweep finished", zap.Int("enqueued", n))
}

func (w *Watcher) claim(path string) bool {
	if skip(path) {
		return false
	}
	item, err := ItemFromFile(path)
	if err != nil {
		// removed or replaced before it settled
		w.logger.Debug("Skipping intake file", zap.String("path", path), zap.Error(err))
		return false
	}
	w.mu.Lock()
	if w.inFlight[item.Path] {
		w.mu.Unlock()
		return false
	}
	w.inFlight[item.Path] = true
	w.mu.Unlock()

	w.logger.Info("Picked up intake file",
		zap.String("id", item.ID),
		zap.String("path", item.Path),
		zap.String("size", item.Attributes[types.AttrFileSize]))
	w.enqueue(item)
	return true
}

// Release makes path eligible for pickup again.
func (w *Watcher) Release(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, path)
}

// hidden files are still being written by convention
func skip(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

type Router interface {
	Route(ctx context.Context, o types.Outcome) error
}

// Releasing wraps next so that routed items are released from w.
func (w *Watcher) Releasing(next Router) Router {
	return &releasingRouter{next: next, w: w}
}

type releasingRouter struct {
	next Router
	w    *Watcher
}

func (r *releasingRouter) Route(ctx context.Context, o types.Outcome) error {
	defer r.w.Release(o.Item.Path)
	return r.next.Route(ctx, o)
}
