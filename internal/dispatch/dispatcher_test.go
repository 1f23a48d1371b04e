package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/history"
	"github.com/xkilldash9x/vmpilot/internal/jobs"
	"github.com/xkilldash9x/vmpilot/internal/perception"
	"github.com/xkilldash9x/vmpilot/internal/remote"
)

// -- Test Helpers --

// MockExecutor is a mock implementation of the Executor interface.
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, code string) (*remote.ExecResult, error) {
	args := m.Called(ctx, code)
	if r, ok := args.Get(0).(*remote.ExecResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExecutor) File(ctx context.Context, op remote.FileOp, req remote.FileRequest) (*remote.ExecResult, error) {
	args := m.Called(ctx, op, req)
	if r, ok := args.Get(0).(*remote.ExecResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExecutor) Recording(ctx context.Context, jobID string) (*remote.Recording, error) {
	args := m.Called(ctx, jobID)
	if r, ok := args.Get(0).(*remote.Recording); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

// fakeShell returns canned jobs and records what it was asked.
type fakeShell struct {
	job   jobs.Job
	calls []string
	panic bool
}

func (f *fakeShell) Run(_ context.Context, command string) jobs.Job {
	if f.panic {
		panic("shell exploded")
	}
	f.calls = append(f.calls, "run:"+command)
	return f.job
}

func (f *fakeShell) Poll(_ context.Context, jobID string) jobs.Job {
	f.calls = append(f.calls, "poll:"+jobID)
	return f.job
}

func (f *fakeShell) SendInput(_ context.Context, jobID, input string) jobs.Job {
	f.calls = append(f.calls, "input:"+jobID+":"+input)
	return f.job
}

func (f *fakeShell) Kill(_ context.Context, jobID string) jobs.Job {
	f.calls = append(f.calls, "kill:"+jobID)
	return f.job
}

type observed struct {
	kind EventKind
	rec  ActionRecord
}

// recordingObserver collects events; follow-ups deliver from another goroutine.
type recordingObserver struct {
	mu     sync.Mutex
	events []observed
}

func (o *recordingObserver) ObserveAction(kind EventKind, rec ActionRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, observed{kind, rec})
}

func (o *recordingObserver) snapshot() []observed {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]observed(nil), o.events...)
}

type sleepLog struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	return nil
}

func (s *sleepLog) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		ActionDelay:     2 * time.Second,
		ScrollDelay:     300 * time.Millisecond,
		TypingInterval:  20 * time.Millisecond,
		WaitMultiplier:  3,
		ScrollAmount:    300,
		DragDuration:    300 * time.Millisecond,
		HoverDuration:   100 * time.Millisecond,
		RecordingPolls:  30,
		RecordingPeriod: time.Second,
	}
}

type harness struct {
	d        *Dispatcher
	exec     *MockExecutor
	shell    *fakeShell
	observer *recordingObserver
	sleeps   *sleepLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{exec: new(MockExecutor), shell: &fakeShell{}, observer: &recordingObserver{}, sleeps: &sleepLog{}}
	h.d = New(h.exec, h.shell, testDispatchConfig(), h.observer, nil, zaptest.NewLogger(t))
	h.d.sleep = h.sleeps.sleep
	t.Cleanup(h.d.Close)
	return h
}

func settingsScreen() *perception.Screen {
	return &perception.Screen{
		ID:     "screen-1",
		Width:  1000,
		Height: 500,
		Elements: []perception.Element{
			{Index: 0, Kind: perception.KindIcon, Content: "Settings", BBox: [4]float64{0.1, 0.1, 0.2, 0.2}},
			{Index: 1, Kind: perception.KindText, Content: "Enable screenshots", BBox: [4]float64{0.5, 0.5, 0.7, 0.6}},
		},
	}
}

func call(name string, args map[string]any) history.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	args["action_description"] = "doing " + name
	return history.ToolCall{Name: name, Args: args}
}

// -- Test Cases --

func TestExecuteClickComputesCenterAndSettles(t *testing.T) {
	h := newHarness(t)
	h.exec.On("Execute", mock.Anything, instructionPrefix+" pyautogui.click(x=150, y=75)").
		Return(&remote.ExecResult{Status: "success", ReturnCode: ptr(0)}, nil).Once()

	out := h.d.Execute(context.Background(), call(ToolMouseClick, map[string]any{"click_type": "left_click", "box_id": float64(0)}), settingsScreen(), false)

	assert.Equal(t, "success", out.Result["status"])
	assert.Equal(t, ControlNone, out.Control)
	assert.Equal(t, "left_click", out.Record.ActionType)
	require.NotNil(t, out.Record.BoxID)
	assert.Equal(t, 0, *out.Record.BoxID)
	assert.Equal(t, "screen-1", out.Record.ScreenID)
	assert.Equal(t, []time.Duration{2 * time.Second}, h.sleeps.all())

	events := h.observer.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, ActionStarted, events[0].kind)
	assert.Nil(t, events[0].rec.EndTime)
	assert.Equal(t, ActionFinished, events[1].kind)
	assert.NotNil(t, events[1].rec.EndTime)
	assert.Equal(t, events[0].rec.ID, events[1].rec.ID)
	assert.Equal(t, "doing mouse_click", events[1].rec.Text)
	h.exec.AssertExpectations(t)
}

func TestExecuteUnknownBoxHasNoSideEffects(t *testing.T) {
	h := newHarness(t)

	out := h.d.Execute(context.Background(), call(ToolMouseClick, map[string]any{"click_type": "left_click", "box_id": 7}), settingsScreen(), false)

	assert.Equal(t, "error", out.Result["status"])
	assert.Equal(t, string(ErrCodeElementNotFound), out.Result["error_code"])
	assert.Contains(t, out.Result["error"], "cannot find box id 7 in a list of length 2")
	assert.Empty(t, h.observer.snapshot())
	assert.Empty(t, h.sleeps.all())
	h.exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestExecuteMissingParameter(t *testing.T) {
	h := newHarness(t)
	out := h.d.Execute(context.Background(), call(ToolMouseClick, map[string]any{"click_type": "left_click"}), settingsScreen(), false)
	assert.Equal(t, string(ErrCodeInvalidParameters), out.Result["error_code"])

	out = h.d.Execute(context.Background(), call(ToolMouseClick, map[string]any{"click_type": "triple_click", "box_id": 0}), settingsScreen(), false)
	assert.Equal(t, string(ErrCodeInvalidParameters), out.Result["error_code"])
	assert.Empty(t, h.observer.snapshot())
}

func TestExecuteUnknownTool(t *testing.T) {
	h := newHarness(t)
	out := h.d.Execute(context.Background(), call("teleport", nil), settingsScreen(), false)
	assert.Equal(t, string(ErrCodeUnknownAction), out.Result["error_code"])
}

func TestDegradedModeOffersSessionControlOnly(t *testing.T) {
	var names []string
	for _, spec := range Tools(true) {
		names = append(names, spec.Name)
		assert.Equal(t, ClassControl, spec.Class)
	}
	assert.Equal(t, []string{ToolWait, ToolNotifyUser, ToolAskUser, ToolTaskDone}, names)
	assert.Len(t, Tools(false), len(toolTable))

	h := newHarness(t)
	out := h.d.Execute(context.Background(), call(ToolMouseClick, map[string]any{"click_type": "left_click", "box_id": 0}), settingsScreen(), true)
	assert.Equal(t, string(ErrCodeFeatureDisabled), out.Result["error_code"])
	h.exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)

	out = h.d.Execute(context.Background(), call(ToolShellCommand, map[string]any{"command": "dir"}), settingsScreen(), true)
	assert.Equal(t, string(ErrCodeFeatureDisabled), out.Result["error_code"])
	assert.Empty(t, h.shell.calls)
}

func TestEveryToolTakesCommonParams(t *testing.T) {
	for _, spec := range Tools(false) {
		t.Run(spec.Name, func(t *testing.T) {
			names := map[string]bool{}
			for _, p := range spec.Params {
				names[p.Name] = true
			}
			for _, p := range commonParams {
				assert.True(t, names[p.Name], "missing %s", p.Name)
			}
			assert.NotNil(t, spec.prepare)
		})
	}
}

func TestWaitDurationIsClamped(t *testing.T) {
	h := newHarness(t)

	out := h.d.Execute(context.Background(), call(ToolWait, map[string]any{"duration_multiplier": 10.0}), settingsScreen(), false)
	assert.Equal(t, "Waited for 30000ms", out.Result["message"])

	h.d.Execute(context.Background(), call(ToolWait, map[string]any{"duration_multiplier": 0.5}), settingsScreen(), false)
	h.d.Execute(context.Background(), call(ToolWait, nil), settingsScreen(), false)

	assert.Equal(t, []time.Duration{30 * time.Second, 6 * time.Second, 6 * time.Second}, h.sleeps.all())
	assert.Equal(t, 12*time.Second, WaitDuration(2*time.Second, 3, 2))
}

func TestAskAndDoneControlTheLoop(t *testing.T) {
	h := newHarness(t)

	out := h.d.Execute(context.Background(), call(ToolAskUser, map[string]any{"text": "Which account?"}), settingsScreen(), true)
	assert.Equal(t, ControlAskUser, out.Control)
	assert.Equal(t, "Which account?", out.Text)
	assert.Equal(t, "wait_for_user_response", out.Result["status"])
	assert.Len(t, h.observer.snapshot(), 2)

	out = h.d.Execute(context.Background(), call(ToolTaskDone, nil), settingsScreen(), false)
	assert.Equal(t, ControlDone, out.Control)
	assert.Equal(t, "completed", out.Result["status"])
	assert.Len(t, h.observer.snapshot(), 2, "task_done produces no action records")
}

func TestNotifyRequiresText(t *testing.T) {
	h := newHarness(t)
	out := h.d.Execute(context.Background(), call(ToolNotifyUser, map[string]any{"text": "  "}), settingsScreen(), false)
	assert.Equal(t, string(ErrCodeInvalidParameters), out.Result["error_code"])

	out = h.d.Execute(context.Background(), call(ToolNotifyUser, map[string]any{"text": "Halfway there", "attachments": "C:\\report.txt"}), settingsScreen(), false)
	assert.Equal(t, "success", out.Result["status"])
	assert.Equal(t, []string{"C:\\report.txt"}, out.Result["attachments"])
}

func TestShellToolsRouteThroughTracker(t *testing.T) {
	h := newHarness(t)
	h.shell.job = jobs.Job{ID: "j1", Status: jobs.StatusRunning, Output: "building", IsLongRunning: true}

	out := h.d.Execute(context.Background(), call(ToolShellCommand, map[string]any{"command": "make all"}), settingsScreen(), false)
	assert.Equal(t, "running", out.Result["status"])
	assert.Equal(t, true, out.Result["is_long_running"])
	assert.Equal(t, "make all", *out.Record.Value)

	h.d.Execute(context.Background(), call(ToolShellStatus, map[string]any{"job_id": "j1"}), settingsScreen(), false)
	h.d.Execute(context.Background(), call(ToolShellInput, map[string]any{"job_id": "j1", "input": "y\n"}), settingsScreen(), false)
	h.d.Execute(context.Background(), call(ToolShellKill, map[string]any{"job_id": "j1"}), settingsScreen(), false)

	assert.Equal(t, []string{"run:make all", "poll:j1", "input:j1:y\n", "kill:j1"}, h.shell.calls)
}

func TestFileReadPassesOptionalLines(t *testing.T) {
	h := newHarness(t)
	h.exec.On("File", mock.Anything, remote.FileRead, remote.FileRequest{File: `C:\notes.txt`, StartLine: ptr(0), EndLine: ptr(10)}).
		Return(&remote.ExecResult{Output: "line\x1b[0m one", ReturnCode: ptr(0)}, nil).Once()

	out := h.d.Execute(context.Background(), call(ToolFileRead, map[string]any{"file": `C:\notes.txt`, "start_line": 0.0, "end_line": 10.0}), settingsScreen(), false)
	assert.Equal(t, "success", out.Result["status"])
	assert.Equal(t, "line one", out.Result["output"])
	assert.Equal(t, []time.Duration{2 * time.Second}, h.sleeps.all())
	h.exec.AssertExpectations(t)

	out = h.d.Execute(context.Background(), call(ToolFileRead, map[string]any{"file": "x", "start_line": 5, "end_line": 1}), settingsScreen(), false)
	assert.Equal(t, string(ErrCodeInvalidParameters), out.Result["error_code"])
}

func TestTransportFailureBecomesToolError(t *testing.T) {
	h := newHarness(t)
	h.exec.On("Execute", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused")).Once()

	out := h.d.Execute(context.Background(), call(ToolKeyboardPress, map[string]any{"key": "ctrl+c"}), settingsScreen(), false)
	assert.Equal(t, "error", out.Result["status"])
	assert.Equal(t, string(ErrCodeExecutionFailure), out.Result["error_code"])
	assert.Empty(t, h.sleeps.all(), "no settle delay after a failed action")
	events := h.observer.snapshot()
	require.Len(t, events, 2)
	assert.True(t, events[1].rec.Finished())
}

func TestScrollUsesShortSettle(t *testing.T) {
	h := newHarness(t)
	h.exec.On("Execute", mock.Anything, instructionPrefix+" pyautogui.scroll(-300)").Return(&remote.ExecResult{Status: "success"}, nil).Once()

	out := h.d.Execute(context.Background(), call(ToolScroll, map[string]any{"direction": "down"}), settingsScreen(), false)
	assert.Equal(t, "scroll_down", out.Record.ActionType)
	assert.Equal(t, []time.Duration{300 * time.Millisecond}, h.sleeps.all())
}

func TestKeyboardTypeClicksTargetFirst(t *testing.T) {
	h := newHarness(t)
	want := instructionPrefix + ` pyautogui.click(x=600, y=275); pyautogui.write(u"caf\u00e9",interval=0.02)`
	h.exec.On("Execute", mock.Anything, want).Return(&remote.ExecResult{Status: "success"}, nil).Once()

	out := h.d.Execute(context.Background(), call(ToolKeyboardType, map[string]any{"text": "café", "press_enter": false, "box_id": 1}), settingsScreen(), false)
	assert.Equal(t, "type_no_enter", out.Record.ActionType)
	assert.Equal(t, "café", *out.Record.Value)
	h.exec.AssertExpectations(t)
}

func TestPanicBecomesExecutorPanic(t *testing.T) {
	h := newHarness(t)
	h.shell.panic = true
	out := h.d.Execute(context.Background(), call(ToolShellCommand, map[string]any{"command": "boom"}), settingsScreen(), false)
	assert.Equal(t, string(ErrCodeExecutorPanic), out.Result["error_code"])
}

func TestRecordingFollowUpUpdatesRecordInPlace(t *testing.T) {
	defer goleak.VerifyNone(t)

	exec := new(MockExecutor)
	observer := &recordingObserver{}
	sleeps := &sleepLog{}
	d := New(exec, &fakeShell{}, testDispatchConfig(), observer, nil, zaptest.NewLogger(t))
	d.sleep = sleeps.sleep

	exec.On("Execute", mock.Anything, mock.Anything).Return(&remote.ExecResult{Status: "success", RecordingJobID: "rec-1"}, nil).Once()
	exec.On("Recording", mock.Anything, "rec-1").Return(&remote.Recording{Status: "running"}, nil).Twice()
	exec.On("Recording", mock.Anything, "rec-1").Return(&remote.Recording{Status: "completed", Video: "AAAA"}, nil).Once()

	out := d.Execute(context.Background(), call(ToolMouseHover, map[string]any{"box_id": 1}), settingsScreen(), false)
	assert.Empty(t, out.Record.Recording)

	d.Wait()
	d.Close()

	events := observer.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, ActionUpdated, events[2].kind)
	assert.Equal(t, out.Record.ID, events[2].rec.ID)
	assert.Equal(t, "AAAA", events[2].rec.Recording)
	assert.True(t, events[2].rec.Finished())

	stored, ok := d.Record(out.Record.ID)
	require.True(t, ok)
	assert.Equal(t, "AAAA", stored.Recording)
	exec.AssertExpectations(t)
}

func TestRecordingFollowUpStopsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	exec := new(MockExecutor)
	d := New(exec, &fakeShell{}, testDispatchConfig(), nil, nil, zaptest.NewLogger(t))
	// Settle delays run on a background context and return at once; follow-up polls block until Close.
	d.sleep = func(ctx context.Context, _ time.Duration) error {
		if ctx.Done() == nil {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}
	polled := make(chan struct{}, 1)
	exec.On("Execute", mock.Anything, mock.Anything).Return(&remote.ExecResult{RecordingJobID: "rec-2"}, nil).Once()
	exec.On("Recording", mock.Anything, "rec-2").Run(func(mock.Arguments) {
		select {
		case polled <- struct{}{}:
		default:
		}
	}).Return(&remote.Recording{Status: "running"}, nil)

	d.Execute(context.Background(), call(ToolKeyboardPress, map[string]any{"key": "enter"}), nil, false)
	<-polled
	d.Close()
}
