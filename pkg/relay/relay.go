// Package relay serializes outbound commit-status posts. Provider status
// APIs misbehave under overlapping or out-of-order writes against the same
// commit, so every post for a handler instance funnels through one worker.
package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/proboci/scm-handler/pkg/buildapi"
	"github.com/proboci/scm-handler/pkg/scm"
)

// Task is one unit of status-relay work. Immutable; processed exactly once,
// in enqueue order.
type Task struct {
	Project *buildapi.Project
	Ref     string
	Status  scm.StatusInfo
}

// PostFunc performs the actual provider status POST for a task.
type PostFunc func(ctx context.Context, task Task) error

// Relay is a single-worker FIFO queue over PostFunc. At most one post is in
// flight at any time per relay instance, and tasks complete in the order
// they were enqueued — regardless of how many concurrent callbacks enqueue.
//
// There is deliberately no per-task timeout: a hung downstream call stalls
// every later update. That trade is documented behavior, not an oversight.
type Relay struct {
	post  PostFunc
	tasks chan queued
	done  chan struct{}
	log   *zap.Logger
}

type queued struct {
	task   Task
	result chan error
}

// New starts a relay with the given post function. buffer bounds how many
// tasks may wait; enqueueing beyond it blocks the caller.
func New(post PostFunc, buffer int, log *zap.Logger) *Relay {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = zap.NewNop()
	}

	r := &Relay{
		post:  post,
		tasks: make(chan queued, buffer),
		done:  make(chan struct{}),
		log:   log,
	}
	go r.worker()
	return r
}

// Enqueue adds a task to the queue and returns a channel that receives the
// task's outcome once the post has completed or failed.
func (r *Relay) Enqueue(task Task) <-chan error {
	result := make(chan error, 1)
	r.tasks <- queued{task: task, result: result}
	return result
}

// Close stops the relay after draining already-enqueued tasks. Enqueue must
// not be called after Close.
func (r *Relay) Close() {
	close(r.tasks)
	<-r.done
}

func (r *Relay) worker() {
	defer close(r.done)

	for item := range r.tasks {
		// Tasks run with a background context: once enqueued, a task
		// runs to completion or failure, with no cancellation.
		err := r.post(context.Background(), item.task)
		if err != nil {
			r.log.Error("status post failed",
				zap.String("ref", item.task.Ref),
				zap.Error(err))
		}
		item.result <- err
	}
}
