package jobs

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a remote shell job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether no further remote transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusError:
		return 2
	default:
		return -1
	}
}

// Job is the normalized view of a remote shell command.
type Job struct {
	ID         string `json:"job_id"`
	Command    string `json:"command,omitempty"`
	Status     Status `json:"status"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	ReturnCode *int   `json:"returncode"`
	// IsLongRunning marks a job handed back unfinished after the poll bound.
	IsLongRunning bool      `json:"is_long_running,omitempty"`
	Polls         int       `json:"polls"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Result renders the job as a tool result for the transcript.
func (j Job) Result() map[string]any {
	res := map[string]any{
		"status":     string(j.Status),
		"job_id":     j.ID,
		"output":     j.Output,
		"returncode": j.ReturnCode,
	}
	if j.Error != "" {
		res["error"] = j.Error
	}
	if j.IsLongRunning {
		res["is_long_running"] = true
		res["message"] = fmt.Sprintf("Command still running (job_id: %s). Check it later with shell_status, send input with shell_input or stop it with shell_kill.", j.ID)
	}
	return res
}

// errorJob builds the record returned in place of a transport failure.
func errorJob(id string, err error) Job {
	code := 1
	now := time.Now().UTC()
	return Job{ID: id, Status: StatusError, Error: err.Error(), ReturnCode: &code, StartedAt: now, UpdatedAt: now}
}
