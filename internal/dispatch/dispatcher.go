package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/history"
	"github.com/xkilldash9x/vmpilot/internal/jobs"
	"github.com/xkilldash9x/vmpilot/internal/observability"
	"github.com/xkilldash9x/vmpilot/internal/perception"
	"github.com/xkilldash9x/vmpilot/internal/remote"
)

// Executor runs one-shot instructions and file operations on the remote machine.
type Executor interface {
	Execute(ctx context.Context, code string) (*remote.ExecResult, error)
	File(ctx context.Context, op remote.FileOp, req remote.FileRequest) (*remote.ExecResult, error)
	Recording(ctx context.Context, jobID string) (*remote.Recording, error)
}

// Shell follows long-running commands. jobs.Tracker implements it.
type Shell interface {
	Run(ctx context.Context, command string) jobs.Job
	Poll(ctx context.Context, jobID string) jobs.Job
	SendInput(ctx context.Context, jobID, input string) jobs.Job
	Kill(ctx context.Context, jobID string) jobs.Job
}

var _ Shell = (*jobs.Tracker)(nil)

// Outcome is what the session loop learns from one dispatched action.
type Outcome struct {
	Record  ActionRecord
	Result  map[string]any
	Control Control
	// Text is the user-facing message of notify and ask actions.
	Text string
}

// Dispatcher executes tool calls for one session.
type Dispatcher struct {
	exec     Executor
	shell    Shell
	cfg      config.DispatchConfig
	observer Observer
	metrics  *observability.Metrics
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	// bg bounds background recording follow-ups.
	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	records map[string]*ActionRecord
}

// New creates a dispatcher. observer and metrics may be nil.
func New(exec Executor, shell Shell, cfg config.DispatchConfig, observer Observer, metrics *observability.Metrics, logger *zap.Logger) *Dispatcher {
	if observer == nil {
		observer = nopObserver{}
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		exec:     exec,
		shell:    shell,
		cfg:      cfg,
		observer: observer,
		metrics:  metrics,
		logger:   logger.Named("dispatch"),
		sleep:    sleepCtx,
		bg:       bg,
		cancel:   cancel,
		records:  make(map[string]*ActionRecord),
	}
}

// Execute runs one tool call against the capture it was chosen from.
// Failures are returned inside Outcome.Result so the decision service can react to them.
func (d *Dispatcher) Execute(ctx context.Context, call history.ToolCall, screen *perception.Screen, degraded bool) (out Outcome) {
	logger := d.logger.With(zap.String("tool", call.Name))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while executing action", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			out = Outcome{Result: errorResult(&ToolError{Code: ErrCodeExecutorPanic, Err: fmt.Errorf("panic: %v", r)})}
			d.count(call.Name, "panic")
		}
	}()

	spec, ok := Lookup(call.Name)
	if !ok {
		d.count(call.Name, "rejected")
		return Outcome{Result: errorResult(&ToolError{Code: ErrCodeUnknownAction, Err: fmt.Errorf("unknown tool %q", call.Name)})}
	}
	if degraded && spec.Class != ClassControl {
		d.count(call.Name, "rejected")
		return Outcome{Result: errorResult(&ToolError{
			Code: ErrCodeFeatureDisabled,
			Err:  fmt.Errorf("%s is unavailable while the remote computer is not controllable", call.Name),
		})}
	}

	args := Args(call.Args)
	p, err := spec.prepare(d, args, screen)
	if err != nil {
		logger.Warn("Action rejected", zap.Error(err))
		d.count(call.Name, "rejected")
		return Outcome{Result: errorResult(err)}
	}

	rec := d.begin(p, args, screen)
	logger.Info("Executing action", zap.String("action_id", rec.ID), zap.String("action_type", rec.ActionType))

	result, recordingJobID, err := p.run(ctx)
	status := "success"
	if err != nil {
		logger.Warn("Action failed", zap.String("action_id", rec.ID), zap.Error(err))
		result = errorResult(err)
		status = "error"
	} else if p.settle > 0 {
		// Let the remote UI settle before the next capture.
		if serr := d.sleep(ctx, p.settle); serr != nil {
			logger.Debug("Settle delay interrupted", zap.Error(serr))
		}
	}

	final := d.finish(rec, p.quiet, result)
	if recordingJobID != "" && !p.quiet {
		d.followRecording(rec.ID, recordingJobID)
	}
	d.count(call.Name, status)

	return Outcome{Record: final, Result: result, Control: p.control, Text: p.text}
}

func (d *Dispatcher) begin(p *plan, args Args, screen *perception.Screen) *ActionRecord {
	text := p.text
	if text == "" {
		text, _ = args.String("action_description")
	}
	rec := &ActionRecord{
		ID:         uuid.NewString(),
		Text:       text,
		StartTime:  time.Now().UTC(),
		ActionType: p.actionType,
		BoxID:      p.boxID,
		Value:      p.value,
	}
	if screen != nil {
		rec.ScreenID = screen.ID
	}
	if p.quiet {
		return rec
	}

	d.mu.Lock()
	d.records[rec.ID] = rec
	snapshot := rec.Clone()
	d.mu.Unlock()

	d.observer.ObserveAction(ActionStarted, snapshot)
	return rec
}

func (d *Dispatcher) finish(rec *ActionRecord, quiet bool, result map[string]any) ActionRecord {
	d.mu.Lock()
	end := time.Now().UTC()
	rec.EndTime = &end
	rec.Result = result
	snapshot := rec.Clone()
	d.mu.Unlock()

	if !quiet {
		d.observer.ObserveAction(ActionFinished, snapshot)
	}
	return snapshot
}

// Record returns the current state of an action dispatched by this session.
func (d *Dispatcher) Record(id string) (ActionRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		return ActionRecord{}, false
	}
	return rec.Clone(), true
}

// followRecording polls for the recording of a finished action and attaches it when ready.
// This is the only work that outlives Execute.
func (d *Dispatcher) followRecording(recordID, jobID string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		logger := d.logger.With(zap.String("action_id", recordID), zap.String("recording_job_id", jobID))

		for attempt := 1; attempt <= d.cfg.RecordingPolls; attempt++ {
			rec, err := d.exec.Recording(d.bg, jobID)
			switch {
			case err != nil:
				if d.bg.Err() != nil {
					return
				}
				logger.Debug("Recording poll failed", zap.Int("attempt", attempt), zap.Error(err))
			case rec.Status == remote.StatusCompleted && rec.Video != "":
				d.attachRecording(recordID, rec.Video)
				logger.Debug("Recording attached", zap.Int("attempt", attempt))
				return
			case rec.Status == remote.StatusError:
				logger.Warn("Recording failed on the remote side", zap.String("error", rec.Error))
				return
			}
			if err := d.sleep(d.bg, d.cfg.RecordingPeriod); err != nil {
				return
			}
		}
		logger.Debug("Recording not available within the poll window")
	}()
}

func (d *Dispatcher) attachRecording(recordID, video string) {
	d.mu.Lock()
	rec, ok := d.records[recordID]
	if !ok {
		d.mu.Unlock()
		return
	}
	rec.Recording = video
	snapshot := rec.Clone()
	d.mu.Unlock()

	d.observer.ObserveAction(ActionUpdated, snapshot)
}

// Wait blocks until pending recording follow-ups are done.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops pending recording follow-ups and waits for them to exit.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) count(tool, status string) {
	if d.metrics != nil {
		d.metrics.Actions.WithLabelValues(tool, status).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
