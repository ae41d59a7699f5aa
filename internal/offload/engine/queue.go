// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"fmt"

	"grimm.is/flyoffload/internal/errors"
	"grimm.is/flyoffload/internal/offload/flow"
	"grimm.is/flyoffload/internal/offload/rescache"
)

// JobKind is the type of background work.
type JobKind uint8

const (
	// JobMerge merges microflow ID.
	JobMerge JobKind = iota + 1
	// JobInstall retries installation of pending flow ID.
	JobInstall
	// JobResolve programs encap entry Key after its neighbor resolved.
	JobResolve
	// JobNeighborLost parks the flows of encap entry Key.
	JobNeighborLost
	// JobTeardown tears down the consolidated flow of microflow ID.
	JobTeardown
)

func (k JobKind) String() string {
	switch k {
	case JobMerge:
		return "merge"
	case JobInstall:
		return "install"
	case JobResolve:
		return "resolve"
	case JobNeighborLost:
		return "neighbor_lost"
	case JobTeardown:
		return "teardown"
	default:
		return "unknown"
	}
}

// Job is one unit of background work. Jobs are comparable so the queue
// collapses duplicates.
type Job struct {
	Kind JobKind
	ID   uint64
	Key  rescache.EncapKey
}

func (j Job) String() string {
	if j.Kind == JobResolve || j.Kind == JobNeighborLost {
		return fmt.Sprintf("%s(%s)", j.Kind, j.Key)
	}
	return fmt.Sprintf("%s(%d)", j.Kind, j.ID)
}

// schedule is the single entry point for background work.
func (e *Engine) schedule(j Job) {
	if e.closed.Load() {
		return
	}
	e.queue.Add(j)
}

func (e *Engine) runWorker() {
	for e.processNextWorkItem() {
	}
}

// processNextWorkItem handles one job. Unavailable errors are retried with
// backoff up to MaxRetries; other errors are final.
func (e *Engine) processNextWorkItem() bool {
	obj, quit := e.queue.Get()
	if quit {
		return false
	}
	defer e.queue.Done(obj)

	job, ok := obj.(Job)
	if !ok {
		e.queue.Forget(obj)
		e.logger.Error("dropping unknown work item", "item", obj)
		return true
	}

	err := e.handle(job)
	if err == nil {
		e.queue.Forget(obj)
		return true
	}
	if errors.IsKind(err, errors.KindUnavailable) && e.queue.NumRequeues(obj) < e.config.MaxRetries {
		e.metrics.JobRetries.WithLabelValues(job.Kind.String()).Inc()
		e.logger.Debug("retrying job", "job", job, "error", err)
		e.queue.AddRateLimited(obj)
		return true
	}
	e.queue.Forget(obj)
	e.logger.Error("job failed", "job", job, "error", err)
	return true
}

func (e *Engine) handle(job Job) error {
	ctx := e.ctx
	switch job.Kind {
	case JobMerge:
		return e.handleMerge(ctx, job.ID)
	case JobInstall:
		return e.handleInstall(ctx, flow.ID(job.ID))
	case JobResolve:
		return e.OnResourceResolved(ctx, job.Key)
	case JobNeighborLost:
		return e.handleNeighborLost(ctx, job.Key)
	case JobTeardown:
		return e.handleTeardown(ctx, job.ID)
	default:
		return errors.Errorf(errors.KindInternal, "unknown job kind %d", job.Kind)
	}
}
