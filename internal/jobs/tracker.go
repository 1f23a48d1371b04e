package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/remote"
)

// Backend is the subset of the execution service the tracker needs.
type Backend interface {
	StartShell(ctx context.Context, command string) (*remote.ShellStart, error)
	ShellJob(ctx context.Context, jobID string) (*remote.JobStatus, error)
	ShellInput(ctx context.Context, jobID, input string) (*remote.Ack, error)
	ShellKill(ctx context.Context, jobID string) (*remote.Ack, error)
}

// maxTracked bounds the jobs kept for jobs abandoned while still running.
const maxTracked = 256

// Tracker follows the shell jobs started by one session.
// No method returns a Go error: failures come back as StatusError records.
// A job is forgotten once a poll reports it terminal.
type Tracker struct {
	backend Backend
	cfg     config.JobsConfig
	// settle is the pause before re-polling after input or kill.
	settle time.Duration
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewTracker creates a tracker. settle is the delay before the follow-up poll of SendInput and Kill.
func NewTracker(backend Backend, cfg config.JobsConfig, settle time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		backend: backend,
		cfg:     cfg,
		settle:  settle,
		logger:  logger.Named("jobs"),
		sleep:   sleepCtx,
		jobs:    make(map[string]*Job),
	}
}

// Start submits command and returns the queued job.
func (t *Tracker) Start(ctx context.Context, command string) Job {
	start, err := t.backend.StartShell(ctx, command)
	if err != nil {
		t.logger.Warn("Shell submission failed", zap.String("command", command), zap.Error(err))
		return errorJob("", fmt.Errorf("error executing the shell command: %w", err))
	}

	now := time.Now().UTC()
	job := &Job{ID: start.JobID, Command: command, Status: StatusQueued, StartedAt: now, UpdatedAt: now}

	t.mu.Lock()
	t.trackLocked(job)
	t.mu.Unlock()

	t.logger.Info("Shell job started", zap.String("job_id", job.ID))
	return *job
}

// Poll fetches the job's status once and folds it into the tracked record.
func (t *Tracker) Poll(ctx context.Context, jobID string) Job {
	return t.poll(ctx, jobID, false)
}

// Wait polls at the configured interval until the job is terminal or the attempt bound is reached.
// At the bound it returns the job as running with IsLongRunning set.
func (t *Tracker) Wait(ctx context.Context, jobID string) Job {
	var last Job
	for attempt := 1; attempt <= t.cfg.MaxPollAttempts; attempt++ {
		if err := t.sleep(ctx, t.cfg.PollInterval); err != nil {
			return errorJob(jobID, fmt.Errorf("polling interrupted: %w", err))
		}
		last = t.Poll(ctx, jobID)
		if last.Status.Terminal() {
			t.logger.Info("Shell job finished",
				zap.String("job_id", jobID), zap.String("status", string(last.Status)), zap.Int("polls", attempt))
			return last
		}
		t.logger.Debug("Shell job in progress",
			zap.String("job_id", jobID), zap.Int("attempt", attempt), zap.Int("max_attempts", t.cfg.MaxPollAttempts))
	}

	t.logger.Info("Shell job still running at poll bound, returning partial status", zap.String("job_id", jobID))
	last.Status = StatusRunning
	last.IsLongRunning = true
	last.ReturnCode = nil

	t.mu.Lock()
	if j, ok := t.jobs[jobID]; ok {
		j.IsLongRunning = true
	}
	t.mu.Unlock()
	return last
}

// Run starts command and waits for it.
func (t *Tracker) Run(ctx context.Context, command string) Job {
	job := t.Start(ctx, command)
	if job.Status == StatusError {
		return job
	}
	return t.Wait(ctx, job.ID)
}

// SendInput writes input to the job and reports its status afterwards.
func (t *Tracker) SendInput(ctx context.Context, jobID, input string) Job {
	ack, err := t.backend.ShellInput(ctx, jobID, input)
	if err != nil {
		return errorJob(jobID, fmt.Errorf("failed to send input: %w", err))
	}
	if ack.Status == remote.StatusError {
		return errorJob(jobID, fmt.Errorf("failed to send input: %s", ack.Message))
	}
	return t.followUp(ctx, jobID)
}

// Kill terminates the job and reports its status afterwards.
func (t *Tracker) Kill(ctx context.Context, jobID string) Job {
	ack, err := t.backend.ShellKill(ctx, jobID)
	if err != nil {
		return errorJob(jobID, fmt.Errorf("failed to kill job: %w", err))
	}
	if ack.Status == remote.StatusError {
		return errorJob(jobID, fmt.Errorf("failed to kill job: %s", ack.Message))
	}
	t.logger.Info("Shell job killed", zap.String("job_id", jobID))
	return t.followUp(ctx, jobID)
}

// Get returns the tracked record for jobID.
func (t *Tracker) Get(jobID string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

func (t *Tracker) followUp(ctx context.Context, jobID string) Job {
	if err := t.sleep(ctx, t.settle); err != nil {
		return errorJob(jobID, fmt.Errorf("follow-up poll interrupted: %w", err))
	}
	// The executor is authoritative after input or kill, whatever the local record says.
	return t.poll(ctx, jobID, true)
}

func (t *Tracker) poll(ctx context.Context, jobID string, authoritative bool) Job {
	st, err := t.backend.ShellJob(ctx, jobID)
	if err != nil {
		t.logger.Warn("Shell job poll failed", zap.String("job_id", jobID), zap.Error(err))
		return errorJob(jobID, fmt.Errorf("error checking job status: %w", err))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[jobID]
	if !ok {
		// Jobs started by an earlier session are still addressable by id.
		now := time.Now().UTC()
		job = &Job{ID: jobID, Status: StatusQueued, StartedAt: now}
		t.trackLocked(job)
	}
	apply(job, st, authoritative)
	if job.Status.Terminal() {
		delete(t.jobs, jobID)
	}
	return *job
}

// Len returns the number of jobs still tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// trackLocked adds job, evicting the least recently updated job when full.
func (t *Tracker) trackLocked(job *Job) {
	if _, ok := t.jobs[job.ID]; !ok && len(t.jobs) >= maxTracked {
		var oldest *Job
		for _, j := range t.jobs {
			if oldest == nil || j.UpdatedAt.Before(oldest.UpdatedAt) {
				oldest = j
			}
		}
		delete(t.jobs, oldest.ID)
		t.logger.Debug("Evicted stale shell job", zap.String("job_id", oldest.ID))
	}
	t.jobs[job.ID] = job
}

// apply folds a remote status into job. Status only moves forward unless authoritative.
func apply(job *Job, st *remote.JobStatus, authoritative bool) {
	next := Status(st.Status)
	if next.rank() < 0 {
		next = StatusError
		if job.Error == "" && st.Error == "" {
			job.Error = st.Message
		}
	}

	if authoritative || next.rank() >= job.Status.rank() {
		job.Status = next
	}
	if job.Status.Terminal() {
		job.IsLongRunning = false
	}

	if st.Output != "" {
		job.Output = remote.CleanOutput(st.Output)
	}
	if st.Error != "" {
		job.Error = remote.CleanOutput(st.Error)
	}
	if job.Status.Terminal() {
		job.ReturnCode = st.ReturnCode
		if job.ReturnCode == nil {
			code := 0
			if job.Status == StatusError {
				code = 1
			}
			job.ReturnCode = &code
		}
	}
	job.Polls++
	job.UpdatedAt = time.Now().UTC()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
