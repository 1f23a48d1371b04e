package remote

// Response status values reported by the execution service.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
)

// ExecResult is the reply to a one-shot instruction or a file operation.
type ExecResult struct {
	Status     string `json:"status"`
	Output     string `json:"output"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	ReturnCode *int   `json:"returncode"`
	// RecordingJobID identifies the screen recording made while the instruction ran.
	RecordingJobID string `json:"screen_recording_job_id"`
}

// ErrorText returns whichever error description the service filled in.
func (r *ExecResult) ErrorText() string {
	if r.Error != "" {
		return r.Error
	}
	if r.Status == StatusError {
		return r.Message
	}
	return ""
}

// ShellStart is the reply to a shell submission.
type ShellStart struct {
	Status  string `json:"status"`
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// JobStatus is the reply to a shell job poll. ReturnCode is only set once terminal.
type JobStatus struct {
	Status     string `json:"status"`
	Output     string `json:"output"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	ReturnCode *int   `json:"returncode"`
}

// Ack is the reply to input and kill requests.
type Ack struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Recording is the reply to a recording poll. Video is base64 MP4 once completed.
type Recording struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
	Video  string `json:"screen_recording"`
	Error  string `json:"error"`
}

// FileOp names a file operation endpoint.
type FileOp string

const (
	FileRead          FileOp = "read"
	FileWrite         FileOp = "write"
	FileStrReplace    FileOp = "str_replace"
	FileFindInContent FileOp = "find_in_content"
	FileFindByName    FileOp = "find_by_name"
)

// FileRequest carries the union of file operation parameters; unused fields are omitted on the wire.
type FileRequest struct {
	File            string `json:"file,omitempty"`
	StartLine       *int   `json:"start_line,omitempty"`
	EndLine         *int   `json:"end_line,omitempty"`
	Content         string `json:"content,omitempty"`
	Append          bool   `json:"append,omitempty"`
	LeadingNewline  bool   `json:"leading_newline,omitempty"`
	TrailingNewline bool   `json:"trailing_newline,omitempty"`
	OldStr          string `json:"old_str,omitempty"`
	NewStr          string `json:"new_str,omitempty"`
	Regex           string `json:"regex,omitempty"`
	Path            string `json:"path,omitempty"`
	Glob            string `json:"glob,omitempty"`
}
