// Package scheduler runs periodic housekeeping on cron schedules: expiring
// staged attachments and sweeping abandoned download temp files.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named housekeeping task.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// JobStatus is the last known state of a job.
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Running   bool      `json:"running"`
	Runs      int       `json:"runs"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	NextRunAt time.Time `json:"next_run_at,omitempty"`
}

type jobState struct {
	job     Job
	entryID cron.EntryID
	status  JobStatus
}

// Housekeeper schedules Jobs.
type Housekeeper struct {
	logger *slog.Logger
	cron   *cron.Cron
	parser cron.Parser

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*jobState
}

// New creates a housekeeper. Schedules use the standard five fields or a
// descriptor such as "@every 1h".
func New(logger *slog.Logger) *Housekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	return &Housekeeper{
		logger: logger.With("component", "housekeeper"),
		cron:   cron.New(cron.WithParser(parser)),
		parser: parser,
		jobs:   make(map[string]*jobState),
	}
}

// Add registers a job. It may be called before or after Start.
func (h *Housekeeper) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job requires a name and a func")
	}
	if _, err := h.parser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", job.Schedule, job.Name, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}

	st := &jobState{job: job, status: JobStatus{Name: job.Name, Schedule: job.Schedule}}
	id, err := h.cron.AddFunc(job.Schedule, func() { h.execute(st) })
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", job.Name, err)
	}
	st.entryID = id
	h.jobs[job.Name] = st
	return nil
}

// Start begins running scheduled jobs. It returns immediately.
func (h *Housekeeper) Start(ctx context.Context) {
	h.mu.Lock()
	h.ctx, h.cancel = context.WithCancel(ctx)
	n := len(h.jobs)
	h.mu.Unlock()

	h.cron.Start()
	h.logger.Info("housekeeper started", "jobs", n)
}

// Stop halts scheduling and waits up to 10s for running jobs.
func (h *Housekeeper) Stop() {
	done := h.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		h.logger.Warn("housekeeper stop timed out")
	}
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Unlock()
	h.logger.Info("housekeeper stopped")
}

// RunNow executes a job synchronously, outside its schedule.
func (h *Housekeeper) RunNow(name string) error {
	h.mu.Lock()
	st, ok := h.jobs[name]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	return h.execute(st)
}

// Status returns every job's status, sorted by name.
func (h *Housekeeper) Status() []JobStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]JobStatus, 0, len(h.jobs))
	for _, st := range h.jobs {
		s := st.status
		if e := h.cron.Entry(st.entryID); e.Valid() {
			s.NextRunAt = e.Next
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (h *Housekeeper) execute(st *jobState) (err error) {
	h.mu.Lock()
	if st.status.Running {
		h.mu.Unlock()
		h.logger.Warn("skipping job (already running)", "job", st.job.Name)
		return nil
	}
	st.status.Running = true
	ctx := h.ctx
	h.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			h.logger.Error("housekeeping job panicked", "job", st.job.Name, "panic", r)
		}
		h.mu.Lock()
		st.status.Running = false
		st.status.Runs++
		st.status.LastRunAt = start
		st.status.LastError = ""
		if err != nil {
			st.status.LastError = err.Error()
		}
		h.mu.Unlock()
	}()

	err = st.job.Run(ctx)
	if err != nil {
		h.logger.Warn("housekeeping job failed", "job", st.job.Name, "error", err)
	} else {
		h.logger.Debug("housekeeping job done", "job", st.job.Name, "duration", time.Since(start).String())
	}
	return err
}
