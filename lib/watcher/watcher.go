// CertHub
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package watcher turns drop zone filesystem events into queued ingest
// and delete tasks.
//
// Editors and copy tools fire bursts of events per file, so every event
// passes a global rate cap and a per-path debounce before it becomes a
// task. Task ids derive from the lowercased path, letting the queue
// coalesce whatever the gate lets through.
package watcher

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/certhub"
	"github.com/gravitational/certhub/lib/defaults"
	"github.com/gravitational/certhub/lib/ingest"
	"github.com/gravitational/certhub/lib/queue"
)

// Task types produced by the watcher and consumed by queue workers.
const (
	TaskTypeIngest = "cert_ingest"
	TaskTypeDelete = "cert_delete"
)

var eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "certhub_watcher_events_total",
	Help: "Drop zone filesystem events by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(eventsTotal)
}

// Enqueuer queues tasks for the ingest workers. *queue.Queue
// implements it.
type Enqueuer interface {
	EnqueueUnique(ctx context.Context, task queue.Task) (bool, error)
}

// Config holds the watcher configuration.
type Config struct {
	// OrgID is the tenant the drop zone belongs to.
	OrgID int64
	// RootPath is the watched directory. Only direct children count.
	RootPath string
	// Queue receives ingest and delete tasks.
	Queue Enqueuer
	// Debounce drops events arriving within this window of the previous
	// accepted event for the same path. Zero means the default,
	// negative disables debouncing.
	Debounce time.Duration
	// MaxEventsPerMinute caps accepted events across all paths. Zero
	// means the default, negative disables the cap.
	MaxEventsPerMinute int
	// Logger emits watcher log messages.
	Logger *slog.Logger
	// Clock overrides the time source in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.OrgID == 0 {
		return trace.BadParameter("missing parameter OrgID")
	}
	if c.RootPath == "" {
		return trace.BadParameter("missing parameter RootPath")
	}
	if c.Queue == nil {
		return trace.BadParameter("missing parameter Queue")
	}
	if c.Debounce == 0 {
		c.Debounce = defaults.WatcherDebounce
	}
	if c.MaxEventsPerMinute == 0 {
		c.MaxEventsPerMinute = defaults.WatcherMaxEventsPerMinute
	}
	if c.Logger == nil {
		c.Logger = slog.With(certhub.ComponentKey, certhub.ComponentWatcher)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Watcher observes the drop zone and feeds the task queue.
type Watcher struct {
	orgID    int64
	rootPath string
	queue    Enqueuer
	gate     *gate
	logger   *slog.Logger
	clock    clockwork.Clock
}

// New returns a watcher for the configured drop zone.
func New(cfg Config) (*Watcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Watcher{
		orgID:    cfg.OrgID,
		rootPath: root,
		queue:    cfg.Queue,
		gate:     newGate(cfg.Debounce, cfg.MaxEventsPerMinute),
		logger:   cfg.Logger,
		clock:    cfg.Clock,
	}, nil
}

// Run watches the drop zone until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return trace.Wrap(err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.rootPath); err != nil {
		return trace.Wrap(err)
	}
	w.logger.InfoContext(ctx, "Watching drop zone.",
		"path", w.rootPath, "org_id", w.orgID)

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.ErrorContext(ctx, "Drop zone watch error.", "error", err)
		case <-ctx.Done():
			return nil
		}
	}
}

// handleEvent translates one filesystem event. A rename into the zone
// surfaces as Create on the destination and a rename out of it as
// Rename on the source, so moves need no special casing.
func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if !w.eligible(path) {
		return
	}
	switch {
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		w.submit(ctx, TaskTypeIngest, path)
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		w.submit(ctx, TaskTypeDelete, path)
	}
}

func (w *Watcher) eligible(path string) bool {
	return ingest.HasBundleExt(path) && filepath.Dir(path) == w.rootPath
}

func (w *Watcher) submit(ctx context.Context, taskType, path string) {
	switch w.gate.check(path, w.clock.Now()) {
	case dropRateLimited:
		w.logger.WarnContext(ctx, "Dropping filesystem event, rate cap hit.", "path", path)
		eventsTotal.WithLabelValues("rate_limited").Inc()
		return
	case dropDebounced:
		w.logger.DebugContext(ctx, "Dropping filesystem event, debounced.", "path", path)
		eventsTotal.WithLabelValues("debounced").Inc()
		return
	}

	task := queue.Task{
		ID:   taskID(taskType, w.orgID, path),
		Type: taskType,
		Payload: map[string]string{
			"org_id": strconv.FormatInt(w.orgID, 10),
			"path":   path,
		},
	}
	queued, err := w.queue.EnqueueUnique(ctx, task)
	if err != nil {
		// ingest stays eventually consistent through batch rescans
		w.logger.WarnContext(ctx, "Failed to enqueue task for filesystem event.",
			"error", err, "path", path, "task_id", task.ID)
		eventsTotal.WithLabelValues("error").Inc()
		return
	}
	if queued {
		w.logger.InfoContext(ctx, "Queued task for filesystem event.",
			"path", path, "task_id", task.ID, "task_type", taskType)
		eventsTotal.WithLabelValues("queued").Inc()
	} else {
		w.logger.DebugContext(ctx, "Task already queued, event coalesced.",
			"path", path, "task_id", task.ID)
		eventsTotal.WithLabelValues("coalesced").Inc()
	}
}

// taskID derives the deterministic queue id for a path, so repeat
// events for one file coalesce in the queue.
func taskID(taskType string, orgID int64, path string) string {
	prefix := "cert_ing"
	if taskType == TaskTypeDelete {
		prefix = "cert_del"
	}
	digest := sha1.Sum([]byte(strings.ToLower(path)))
	return fmt.Sprintf("%v__%v__%v", prefix, orgID, hex.EncodeToString(digest[:]))
}

// ParseTask extracts the org and path from an ingest or delete task.
func ParseTask(task queue.Task) (orgID int64, path string, err error) {
	orgID, err = strconv.ParseInt(task.Payload["org_id"], 10, 64)
	if err != nil {
		return 0, "", trace.BadParameter("task %v carries no valid org_id", task.ID)
	}
	path = task.Payload["path"]
	if path == "" {
		return 0, "", trace.BadParameter("task %v carries no path", task.ID)
	}
	return orgID, path, nil
}

type verdict int

const (
	admit verdict = iota
	dropRateLimited
	dropDebounced
)

// gate applies the global rate cap and the per-path debounce. Events
// consume rate budget before the debounce check, so a debounced burst
// still counts against the cap. Not safe for concurrent use; the watch
// loop is the only caller.
type gate struct {
	debounce     time.Duration
	maxPerMinute int
	lastEvent    map[string]time.Time
	window       []time.Time
}

func newGate(debounce time.Duration, maxPerMinute int) *gate {
	return &gate{
		debounce:     debounce,
		maxPerMinute: maxPerMinute,
		lastEvent:    make(map[string]time.Time),
	}
}

func (g *gate) check(path string, now time.Time) verdict {
	if g.maxPerMinute > 0 {
		cutoff := now.Add(-time.Minute)
		for len(g.window) > 0 && g.window[0].Before(cutoff) {
			g.window = g.window[1:]
		}
		if len(g.window) >= g.maxPerMinute {
			return dropRateLimited
		}
		g.window = append(g.window, now)
	}
	if g.debounce > 0 {
		if len(g.lastEvent) > 1024 {
			for p, ts := range g.lastEvent {
				if now.Sub(ts) >= g.debounce {
					delete(g.lastEvent, p)
				}
			}
		}
		if last, ok := g.lastEvent[path]; ok && now.Sub(last) < g.debounce {
			return dropDebounced
		}
		g.lastEvent[path] = now
	}
	return admit
}
