package worker

import (
	"context"
	"errors"
	"time"
)

// ErrDispatcherBusy is returned when the job queue is full and no capacity
// frees up before the submit deadline.
var ErrDispatcherBusy = errors.New("worker: job queue is full")

// Dispatcher feeds conversion jobs from a bounded queue into the worker pool.
// Mesh generation is CPU and memory heavy, so the pool size caps how many
// conversions run at once while the queue absorbs short bursts.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	d := &Dispatcher{
		pool:     newJobChannelPool(minWorkers, maxWorkers, idleTimeout),
		JobQueue: make(chan Job, queueSize),
	}
	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for job := range d.JobQueue {
		ch := d.pool.acquire()
		ch <- job
	}
}

// Submit enqueues task and waits for it to finish. It returns
// ErrDispatcherBusy when the queue has no room, ctx.Err() when the caller
// gives up first (the task may still run to completion), and the recovered
// panic as an error when the task panicked.
func (d *Dispatcher) Submit(ctx context.Context, task func()) error {
	job := Job{Type: Convert, Task: task, done: make(chan error, 1)}
	select {
	case d.JobQueue <- job:
	default:
		return ErrDispatcherBusy
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunningWorkers reports the current pool size, for health reporting.
func (d *Dispatcher) RunningWorkers() int {
	return d.pool.runningWorkers()
}
