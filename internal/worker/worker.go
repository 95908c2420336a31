package worker

import (
	"fmt"
	"log"
)

type JobType string

const (
	Convert JobType = "convert"
	Stop    JobType = "stop"
)

// Job carries one unit of work into a pool worker. Task runs on the worker
// goroutine; done receives the task's panic (as an error, nil when it
// finished cleanly) exactly once.
type Job struct {
	Type JobType
	Task func()
	done chan error
}

type Worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(pool *jobChannelPool) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.run(job)
			w.pool.Release(w.jobChannel)
		}
	}()
}

func (w *Worker) run(job Job) {
	defer func() {
		var err error
		if r := recover(); r != nil {
			log.Printf("worker: job panic recovered: %v", r)
			err = fmt.Errorf("worker: task panicked: %v", r)
		}
		if job.done != nil {
			// Buffered, so the send never blocks a worker whose caller
			// already gave up on the job.
			job.done <- err
		}
	}()
	if job.Task != nil {
		job.Task()
	}
}
