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

// Package queue implements the Redis-backed background task queue.
//
// Producers enqueue tasks by unique id; enqueueing an id that is already
// queued is a no-op, which lets the drop-zone watcher coalesce filesystem
// event bursts into one ingest per file. Consumers move ids from the
// pending list to a processing list (BLMOVE), so a worker crash leaves
// the id parked on processing where the next startup requeues it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/gravitational/certhub"
	"github.com/gravitational/certhub/lib/defaults"
)

var taskCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "certhub_queue_tasks_total",
	Help: "Number of processed queue tasks by type and result.",
}, []string{"type", "result"})

func init() {
	prometheus.MustRegister(taskCounter)
}

// Task is one unit of background work.
type Task struct {
	// ID uniquely identifies the task. Enqueueing an id that is already
	// queued is a no-op.
	ID string `json:"id"`
	// Type selects the registered handler.
	Type string `json:"type"`
	// Payload carries handler-specific fields.
	Payload map[string]string `json:"payload,omitempty"`
	// Attempts counts executions, including the current one.
	Attempts int `json:"attempts"`
	// EnqueuedAt is when the task entered the queue.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler processes one task. A returned error retries the task until
// the attempt budget runs out.
type Handler func(ctx context.Context, task Task) error

// Config holds the queue configuration.
type Config struct {
	// Client is the shared Redis client.
	Client redis.UniversalClient
	// Name namespaces the queue keys.
	Name string
	// Workers is the number of consumer goroutines started by Run.
	Workers int
	// MaxAttempts is how many times a failing task runs before it is
	// parked on the dead list.
	MaxAttempts int
	// Logger emits queue log messages.
	Logger *slog.Logger
	// Clock overrides the time source in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Name == "" {
		c.Name = defaults.QueueName
	}
	if c.Workers <= 0 {
		c.Workers = defaults.QueueWorkers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.QueueMaxAttempts
	}
	if c.Logger == nil {
		c.Logger = slog.With(certhub.ComponentKey, certhub.ComponentQueue)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Queue is a reliable at-least-once task queue on Redis lists.
type Queue struct {
	client      redis.UniversalClient
	name        string
	workers     int
	maxAttempts int
	logger      *slog.Logger
	clock       clockwork.Clock

	handlers map[string]Handler
	wg       sync.WaitGroup
}

// New returns a queue; Register handlers before calling Run.
func New(cfg Config) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Queue{
		client:      cfg.Client,
		name:        cfg.Name,
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
		handlers:    make(map[string]Handler),
	}, nil
}

func (q *Queue) pendingKey() string    { return "queue:" + q.name + ":pending" }
func (q *Queue) processingKey() string { return "queue:" + q.name + ":processing" }
func (q *Queue) deadKey() string       { return "queue:" + q.name + ":dead" }
func (q *Queue) taskKey(id string) string {
	return "queue:" + q.name + ":task:" + id
}

// Register binds a handler to a task type. Register must be called
// before Run.
func (q *Queue) Register(taskType string, handler Handler) {
	q.handlers[taskType] = handler
}

// EnqueueUnique queues the task unless its id is already queued.
// Returns false when the task was deduplicated.
func (q *Queue) EnqueueUnique(ctx context.Context, task Task) (bool, error) {
	if task.ID == "" {
		return false, trace.BadParameter("missing parameter ID")
	}
	if task.Type == "" {
		return false, trace.BadParameter("missing parameter Type")
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.clock.Now().UTC()
	}
	body, err := json.Marshal(task)
	if err != nil {
		return false, trace.Wrap(err)
	}
	// the task body doubles as the dedupe marker
	set, err := q.client.SetNX(ctx, q.taskKey(task.ID), body, defaults.QueueTaskTTL).Result()
	if err != nil {
		return false, trace.Wrap(err)
	}
	if !set {
		return false, nil
	}
	if err := q.client.LPush(ctx, q.pendingKey(), task.ID).Err(); err != nil {
		return false, trace.Wrap(err)
	}
	return true, nil
}

// Depth returns the pending and processing backlog sizes.
func (q *Queue) Depth(ctx context.Context) (pending, processing int64, err error) {
	pending, err = q.client.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, 0, trace.Wrap(err)
	}
	processing, err = q.client.LLen(ctx, q.processingKey()).Result()
	if err != nil {
		return 0, 0, trace.Wrap(err)
	}
	return pending, processing, nil
}

// Run requeues tasks orphaned by a previous crash, starts the worker
// goroutines and blocks until ctx is canceled.
func (q *Queue) Run(ctx context.Context) error {
	if err := q.requeueOrphans(ctx); err != nil {
		return trace.Wrap(err)
	}
	q.logger.InfoContext(ctx, "Queue workers starting.",
		"queue", q.name, "workers", q.workers)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.runWorker(ctx)
	}
	<-ctx.Done()
	q.wg.Wait()
	q.logger.InfoContext(ctx, "Queue workers stopped.", "queue", q.name)
	return nil
}

func (q *Queue) requeueOrphans(ctx context.Context) error {
	for {
		id, err := q.client.LMove(ctx, q.processingKey(), q.pendingKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return trace.Wrap(err)
		}
		q.logger.InfoContext(ctx, "Requeued orphaned task.", "task_id", id)
	}
}

// pollTimeout bounds one blocking pop, so workers notice cancellation.
const pollTimeout = 5 * time.Second

func (q *Queue) runWorker(ctx context.Context) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		id, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", pollTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.logger.WarnContext(ctx, "Queue poll failed.", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-q.clock.After(time.Second):
			}
			continue
		}
		q.process(ctx, id)
	}
}

func (q *Queue) process(ctx context.Context, id string) {
	body, err := q.client.Get(ctx, q.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// body expired or the task completed elsewhere
		q.drop(ctx, id)
		return
	}
	if err != nil {
		// leave the id on processing so a later requeue retries it
		q.logger.WarnContext(ctx, "Failed to load task body.", "error", err, "task_id", id)
		return
	}
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		q.logger.ErrorContext(ctx, "Dropping undecodable task.", "error", err, "task_id", id)
		q.drop(ctx, id)
		return
	}
	handler, ok := q.handlers[task.Type]
	if !ok {
		q.logger.ErrorContext(ctx, "No handler registered for task type.",
			"task_type", task.Type, "task_id", id)
		q.park(ctx, id)
		taskCounter.WithLabelValues(task.Type, "dead").Inc()
		return
	}

	task.Attempts++
	if err := handler(ctx, task); err == nil {
		q.drop(ctx, id)
		taskCounter.WithLabelValues(task.Type, "ok").Inc()
		return
	} else if task.Attempts >= q.maxAttempts {
		q.logger.ErrorContext(ctx, "Task failed permanently.",
			"error", err, "task_id", id, "task_type", task.Type, "attempts", task.Attempts)
		q.park(ctx, id)
		taskCounter.WithLabelValues(task.Type, "dead").Inc()
		return
	} else {
		q.logger.WarnContext(ctx, "Task failed, retrying.",
			"error", err, "task_id", id, "task_type", task.Type, "attempts", task.Attempts)
	}

	// record the burned attempt and put the id back in line
	if body, err := json.Marshal(task); err == nil {
		if err := q.client.Set(ctx, q.taskKey(id), body, redis.KeepTTL).Err(); err != nil {
			q.logger.WarnContext(ctx, "Failed to update task attempts.", "error", err, "task_id", id)
		}
	}
	if err := q.client.LRem(ctx, q.processingKey(), 1, id).Err(); err != nil {
		q.logger.WarnContext(ctx, "Failed to clear processing entry.", "error", err, "task_id", id)
	}
	if err := q.client.LPush(ctx, q.pendingKey(), id).Err(); err != nil {
		q.logger.WarnContext(ctx, "Failed to requeue task.", "error", err, "task_id", id)
	}
	taskCounter.WithLabelValues(task.Type, "retry").Inc()
}

// drop removes a completed or stale task.
func (q *Queue) drop(ctx context.Context, id string) {
	if err := q.client.LRem(ctx, q.processingKey(), 1, id).Err(); err != nil {
		q.logger.WarnContext(ctx, "Failed to clear processing entry.", "error", err, "task_id", id)
	}
	if err := q.client.Del(ctx, q.taskKey(id)).Err(); err != nil {
		q.logger.WarnContext(ctx, "Failed to delete task body.", "error", err, "task_id", id)
	}
}

// park moves a task to the dead list, keeping its body for inspection.
func (q *Queue) park(ctx context.Context, id string) {
	if err := q.client.LRem(ctx, q.processingKey(), 1, id).Err(); err != nil {
		q.logger.WarnContext(ctx, "Failed to clear processing entry.", "error", err, "task_id", id)
	}
	if err := q.client.LPush(ctx, q.deadKey(), id).Err(); err != nil {
		q.logger.WarnContext(ctx, "Failed to park task on dead list.", "error", err, "task_id", id)
	}
}
