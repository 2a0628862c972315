// Package scheduler runs the background jobs that keep the data layer warm
// and reconciled: cache warm-up, nightly fallback synchronization and
// pending-request cleanup. Jobs run under a suture supervisor so a panicking
// or erroring job is restarted with backoff instead of taking the process
// down, and each job publishes a status snapshot a health endpoint can poll.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/senchouXflare/Mambo-the-Omniscient/logger"
)

// JobStatus is a point-in-time snapshot of one job.
type JobStatus struct {
	Name         string        `json:"name"`
	Runs         int           `json:"runs"`
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// job is the common shape of a scheduled job: a name, a run function and
// status accounting. The Serve loops differ per job (interval vs wall-clock).
type job struct {
	name string

	mu     sync.Mutex
	status JobStatus
}

func newJob(name string) job {
	return job{name: name, status: JobStatus{Name: name}}
}

// record runs fn once and folds the outcome into the status snapshot.
func (j *job) record(ctx context.Context, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.Runs++
	j.status.LastRun = start.UTC()
	j.status.LastDuration = time.Since(start)
	if err != nil {
		j.status.LastError = err.Error()
	} else {
		j.status.LastError = ""
	}
	return err
}

// Status returns a copy of the job's status.
func (j *job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *job) String() string { return j.name }

// Job is a supervised background job with a pollable status.
type Job interface {
	suture.Service
	Status() JobStatus
}

// Scheduler owns the supervision tree for all background jobs.
type Scheduler struct {
	sup  *suture.Supervisor
	jobs []Job
	log  logger.Logger
}

// New builds a Scheduler supervising the given jobs.
func New(log logger.Logger, jobs ...Job) *Scheduler {
	sup := suture.New("mambo-jobs", suture.Spec{
		EventHook: func(ev suture.Event) {
			log.WithPrefix("[scheduler]").Warn("supervisor event: %s", ev.String())
		},
	})
	for _, j := range jobs {
		sup.Add(j)
	}
	return &Scheduler{sup: sup, jobs: jobs, log: log.WithPrefix("[scheduler]")}
}

// ServeBackground starts every job and returns a channel that yields the
// supervisor's terminal error once ctx is canceled.
func (s *Scheduler) ServeBackground(ctx context.Context) <-chan error {
	s.log.Info("starting %d background jobs", len(s.jobs))
	return s.sup.ServeBackground(ctx)
}

// Status snapshots every supervised job.
func (s *Scheduler) Status() []JobStatus {
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Status())
	}
	return out
}
