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

package service

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"

	"github.com/gravitational/certhub/lib/queue"
)

// inlineQueue stands in for the redis queue in deployments without
// redis. Tasks run synchronously at enqueue time on the producer's
// goroutine, so the watcher still drives ingestion, just without a
// backlog, retries or cross-process dedupe.
type inlineQueue struct {
	logger   *slog.Logger
	handlers map[string]queue.Handler
}

func newInlineQueue(logger *slog.Logger) *inlineQueue {
	return &inlineQueue{
		logger:   logger,
		handlers: make(map[string]queue.Handler),
	}
}

// Register binds a handler to a task type. Register must be called
// before the first Enqueue.
func (q *inlineQueue) Register(taskType string, handler queue.Handler) {
	q.handlers[taskType] = handler
}

// EnqueueUnique runs the task immediately. There is no queue behind it,
// so nothing coalesces and every call executes.
func (q *inlineQueue) EnqueueUnique(ctx context.Context, task queue.Task) (bool, error) {
	handler, ok := q.handlers[task.Type]
	if !ok {
		return false, trace.NotFound("no handler registered for task type %q", task.Type)
	}
	task.Attempts++
	q.logger.DebugContext(ctx, "Running task inline.", "task_id", task.ID, "task_type", task.Type)
	if err := handler(ctx, task); err != nil {
		return false, trace.Wrap(err)
	}
	return true, nil
}
