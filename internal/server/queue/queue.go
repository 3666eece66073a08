// Package queue drains pending verification tasks from the store with a
// small worker pool. Claiming is database-atomic, so multiple workers (or
// multiple server processes sharing one database) never run the same task
// twice.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aspect-build/trustgraph/internal/logx"
	"github.com/aspect-build/trustgraph/internal/roles"
	"github.com/aspect-build/trustgraph/internal/server/db"
)

// Runner executes one task request and returns the verification result.
type Runner interface {
	Run(ctx context.Context, request []byte) (*roles.Result, error)
}

// Queue polls the task store and fans work out to a fixed worker pool.
type Queue struct {
	store       *db.Store
	runner      Runner
	workers     int
	maxAttempts int
	interval    time.Duration
}

// New builds a queue. workers and maxAttempts must be at least 1.
func New(store *db.Store, runner Runner, workers, maxAttempts int) *Queue {
	if workers < 1 {
		workers = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Queue{
		store:       store,
		runner:      runner,
		workers:     workers,
		maxAttempts: maxAttempts,
		interval:    time.Second,
	}
}

// Start launches the workers and blocks until ctx is cancelled and all
// in-flight tasks have finished.
func (q *Queue) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (q *Queue) loop(ctx context.Context, worker int) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			task, err := q.store.ClaimNext()
			if err != nil {
				logx.Warnf("queue worker=%d claim: %v", worker, err)
				break
			}
			if task == nil {
				break
			}
			q.process(ctx, worker, task)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (q *Queue) process(ctx context.Context, worker int, task *db.Task) {
	logx.Infof("queue worker=%d task=%s attempt=%d start", worker, task.ID, task.Attempts)
	res, err := q.runner.Run(ctx, task.Request)
	if err != nil {
		logx.Warnf("queue worker=%d task=%s: %v", worker, task.ID, err)
		if ferr := q.store.FailTask(task.ID, err.Error(), q.maxAttempts); ferr != nil {
			logx.Errorf("queue worker=%d task=%s record failure: %v", worker, task.ID, ferr)
		}
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		logx.Errorf("queue worker=%d task=%s marshal result: %v", worker, task.ID, err)
		if ferr := q.store.FailTask(task.ID, err.Error(), q.maxAttempts); ferr != nil {
			logx.Errorf("queue worker=%d task=%s record failure: %v", worker, task.ID, ferr)
		}
		return
	}
	if err := q.store.CompleteTask(task.ID, raw); err != nil {
		logx.Errorf("queue worker=%d task=%s complete: %v", worker, task.ID, err)
		return
	}
	logx.Infof("queue worker=%d task=%s done success=%v", worker, task.ID, res.Report.Success)
}
