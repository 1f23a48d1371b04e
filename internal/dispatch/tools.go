package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/vmpilot/internal/perception"
	"github.com/xkilldash9x/vmpilot/internal/remote"
)

// Tool names offered to the decision service.
const (
	ToolWait       = "wait"
	ToolNotifyUser = "message_notify_user"
	ToolAskUser    = "message_ask_user"
	ToolTaskDone   = "task_done"

	ToolShellCommand = "shell_command"
	ToolShellStatus  = "shell_status"
	ToolShellInput   = "shell_input"
	ToolShellKill    = "shell_kill"

	ToolFileRead          = "file_read"
	ToolFileWrite         = "file_write"
	ToolFileStrReplace    = "file_str_replace"
	ToolFileFindInContent = "file_find_in_content"
	ToolFileFindByName    = "file_find_by_name"

	ToolMouseClick    = "mouse_click"
	ToolMouseHover    = "mouse_hover"
	ToolMouseDrag     = "mouse_drag"
	ToolKeyboardType  = "keyboard_type"
	ToolKeyboardPress = "keyboard_press"
	ToolScroll        = "scroll"
)

// Class groups tools by what they touch. Only ClassControl is offered in degraded mode.
type Class string

const (
	ClassControl Class = "session_control"
	ClassShell   Class = "shell"
	ClassFile    Class = "file"
	ClassUI      Class = "ui"
)

// ParamType is the schema type of a tool parameter.
type ParamType string

const (
	TypeString     ParamType = "string"
	TypeInteger    ParamType = "integer"
	TypeNumber     ParamType = "number"
	TypeBoolean    ParamType = "boolean"
	TypeStringList ParamType = "string_list"
)

// Param describes one tool parameter.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Enum        []string
}

// Control tells the session loop how an action affects it.
type Control int

const (
	ControlNone Control = iota
	// ControlDone ends the cycle and the session.
	ControlDone
	// ControlAskUser ends the cycle and waits for the user.
	ControlAskUser
)

// ToolSpec is one row of the dispatch table.
type ToolSpec struct {
	Name        string
	Description string
	Class       Class
	Params      []Param
	prepare     prepareFunc
}

// plan is a prepared action. Everything that can fail on bad input has already been checked.
type plan struct {
	actionType string
	text       string
	boxID      *int
	value      *string
	settle     time.Duration
	control    Control
	// quiet actions produce no ActionRecord events.
	quiet bool
	run   func(ctx context.Context) (result map[string]any, recordingJobID string, err error)
}

type prepareFunc func(d *Dispatcher, args Args, screen *perception.Screen) (*plan, error)

var commonParams = []Param{
	{Name: "situation_analysis", Type: TypeString, Description: "Analysis of the current situation", Required: true},
	{Name: "reasoning", Type: TypeString, Description: "Reasoning behind the chosen action", Required: true},
	{Name: "action_description", Type: TypeString, Description: "Description of what the action will do, formatted with markdown", Required: true},
}

func params(specific ...Param) []Param {
	out := make([]Param, 0, len(commonParams)+len(specific))
	out = append(out, commonParams...)
	return append(out, specific...)
}

var toolTable = []ToolSpec{
	// -- Session Control --
	{
		Name:        ToolWait,
		Description: "Wait for a specified duration to allow for screen updates, loading processes, or animations to complete",
		Class:       ClassControl,
		Params: params(Param{Name: "duration_multiplier", Type: TypeNumber,
			Description: "Multiplier for wait duration (1-5, default: 1)"}),
		prepare: (*Dispatcher).prepareWait,
	},
	{
		Name:        ToolNotifyUser,
		Description: "Send a message to user without requiring a response. Use for acknowledging receipt of messages, providing progress updates, reporting task completion, or explaining changes in approach.",
		Class:       ClassControl,
		Params: params(
			Param{Name: "text", Type: TypeString, Description: "Message text to display to user", Required: true},
			Param{Name: "attachments", Type: TypeStringList, Description: "(Optional) List of attachments to show to user, can be file paths or URLs"},
		),
		prepare: (*Dispatcher).prepareNotify,
	},
	{
		Name:        ToolAskUser,
		Description: "Ask user a question and wait for response. Use for requesting clarification, asking for confirmation, or gathering additional information.",
		Class:       ClassControl,
		Params: params(
			Param{Name: "text", Type: TypeString, Description: "Question text to present to user", Required: true},
			Param{Name: "attachments", Type: TypeStringList, Description: "(Optional) List of question-related files or reference materials"},
		),
		prepare: (*Dispatcher).prepareAsk,
	},
	{
		Name:        ToolTaskDone,
		Description: "Indicate that the task is completed",
		Class:       ClassControl,
		Params:      params(),
		prepare:     (*Dispatcher).prepareDone,
	},

	// -- Shell --
	{
		Name:        ToolShellCommand,
		Description: "Execute a shell command on the remote computer. Commands still running after the poll window are returned with is_long_running set and can be followed with shell_status.",
		Class:       ClassShell,
		Params:      params(Param{Name: "command", Type: TypeString, Description: "The command to execute", Required: true}),
		prepare:     (*Dispatcher).prepareShellCommand,
	},
	{
		Name:        ToolShellStatus,
		Description: "Check the status of a long-running shell command",
		Class:       ClassShell,
		Params:      params(Param{Name: "job_id", Type: TypeString, Description: "The job ID of the command to check", Required: true}),
		prepare:     (*Dispatcher).prepareShellStatus,
	},
	{
		Name:        ToolShellInput,
		Description: "Send input to an interactive shell command that is waiting for user input",
		Class:       ClassShell,
		Params: params(
			Param{Name: "job_id", Type: TypeString, Description: "The job ID of the command to send input to", Required: true},
			Param{Name: "input", Type: TypeString, Description: "The input text to send, including a trailing newline if needed", Required: true},
		),
		prepare: (*Dispatcher).prepareShellInput,
	},
	{
		Name:        ToolShellKill,
		Description: "Terminate a running shell command that is in progress",
		Class:       ClassShell,
		Params:      params(Param{Name: "job_id", Type: TypeString, Description: "The job ID of the command to terminate", Required: true}),
		prepare:     (*Dispatcher).prepareShellKill,
	},

	// -- Files --
	{
		Name:        ToolFileRead,
		Description: "Read file content from the remote computer",
		Class:       ClassFile,
		Params: params(
			Param{Name: "file", Type: TypeString, Description: "Absolute path of the file to read", Required: true},
			Param{Name: "start_line", Type: TypeInteger, Description: "Starting line to read from, 0-based"},
			Param{Name: "end_line", Type: TypeInteger, Description: "Ending line number (exclusive)"},
		),
		prepare: (*Dispatcher).prepareFileRead,
	},
	{
		Name:        ToolFileWrite,
		Description: "Write or append content to a file on the remote computer",
		Class:       ClassFile,
		Params: params(
			Param{Name: "file", Type: TypeString, Description: "Absolute path of the file to write to", Required: true},
			Param{Name: "content", Type: TypeString, Description: "Text content to write", Required: true},
			Param{Name: "append", Type: TypeBoolean, Description: "Whether to use append mode (default: false)"},
			Param{Name: "leading_newline", Type: TypeBoolean, Description: "Whether to add a leading newline (default: false)"},
			Param{Name: "trailing_newline", Type: TypeBoolean, Description: "Whether to add a trailing newline (default: false)"},
		),
		prepare: (*Dispatcher).prepareFileWrite,
	},
	{
		Name:        ToolFileStrReplace,
		Description: "Replace specified string in a file on the remote computer",
		Class:       ClassFile,
		Params: params(
			Param{Name: "file", Type: TypeString, Description: "Absolute path of the file to perform replacement on", Required: true},
			Param{Name: "old_str", Type: TypeString, Description: "Original string to be replaced", Required: true},
			Param{Name: "new_str", Type: TypeString, Description: "New string to replace with", Required: true},
		),
		prepare: (*Dispatcher).prepareFileStrReplace,
	},
	{
		Name:        ToolFileFindInContent,
		Description: "Search for matching text within file content on the remote computer",
		Class:       ClassFile,
		Params: params(
			Param{Name: "file", Type: TypeString, Description: "Absolute path of the file to search within", Required: true},
			Param{Name: "regex", Type: TypeString, Description: "Regular expression pattern to match", Required: true},
		),
		prepare: (*Dispatcher).prepareFileFindInContent,
	},
	{
		Name:        ToolFileFindByName,
		Description: "Find files by name pattern in specified directory on the remote computer",
		Class:       ClassFile,
		Params: params(
			Param{Name: "path", Type: TypeString, Description: "Absolute path of directory to search", Required: true},
			Param{Name: "glob", Type: TypeString, Description: "Filename pattern using glob syntax wildcards", Required: true},
		),
		prepare: (*Dispatcher).prepareFileFindByName,
	},

	// -- Remote Input --
	{
		Name:        ToolMouseClick,
		Description: "Execute mouse click actions on the remote computer",
		Class:       ClassUI,
		Params: params(
			Param{Name: "click_type", Type: TypeString, Description: "The type of click to perform", Required: true,
				Enum: []string{string(ClickLeft), string(ClickRight), string(ClickDouble), string(ClickMiddle)}},
			Param{Name: "box_id", Type: TypeInteger, Description: "The ID of the box to click on", Required: true},
		),
		prepare: (*Dispatcher).prepareClick,
	},
	{
		Name:        ToolMouseHover,
		Description: "Move the mouse cursor over an element without clicking",
		Class:       ClassUI,
		Params:      params(Param{Name: "box_id", Type: TypeInteger, Description: "The ID of the box to hover over", Required: true}),
		prepare:     (*Dispatcher).prepareHover,
	},
	{
		Name:        ToolMouseDrag,
		Description: "Drag the mouse from current position to a specified element",
		Class:       ClassUI,
		Params:      params(Param{Name: "box_id", Type: TypeInteger, Description: "The ID of the box to drag to", Required: true}),
		prepare:     (*Dispatcher).prepareDrag,
	},
	{
		Name:        ToolKeyboardType,
		Description: "Type text into the focused element or at the specified element",
		Class:       ClassUI,
		Params: params(
			Param{Name: "text", Type: TypeString, Description: "The text to type", Required: true},
			Param{Name: "press_enter", Type: TypeBoolean, Description: "Whether to press Enter after typing (default: true)"},
			Param{Name: "box_id", Type: TypeInteger, Description: "The ID of a box to click before typing (omit to type into the focused element)"},
		),
		prepare: (*Dispatcher).prepareType,
	},
	{
		Name:        ToolKeyboardPress,
		Description: "Press a key or key combination",
		Class:       ClassUI,
		Params: params(Param{Name: "key", Type: TypeString, Required: true,
			Description: "The key or key combination to press (e.g., 'enter', 'ctrl+c', 'alt+tab')"}),
		prepare: (*Dispatcher).prepareKey,
	},
	{
		Name:        ToolScroll,
		Description: "Scroll the page up or down",
		Class:       ClassUI,
		Params: params(Param{Name: "direction", Type: TypeString, Description: "The direction to scroll",
			Required: true, Enum: []string{"up", "down"}}),
		prepare: (*Dispatcher).prepareScroll,
	},
}

var toolIndex = func() map[string]int {
	idx := make(map[string]int, len(toolTable))
	for i, t := range toolTable {
		idx[t.Name] = i
	}
	return idx
}()

// Tools returns the tool set offered to the decision service. Degraded mode offers session control only.
func Tools(degraded bool) []ToolSpec {
	out := make([]ToolSpec, 0, len(toolTable))
	for _, t := range toolTable {
		if degraded && t.Class != ClassControl {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Lookup returns the spec for a tool name.
func Lookup(name string) (ToolSpec, bool) {
	i, ok := toolIndex[name]
	if !ok {
		return ToolSpec{}, false
	}
	return toolTable[i], true
}

// -- Session Control Handlers --

// WaitDuration is the pause of a wait action for the given multiplier, clamped to [1, 5].
func WaitDuration(delay time.Duration, waitMultiplier int, multiplier float64) time.Duration {
	multiplier = max(1, min(5, multiplier))
	return time.Duration(float64(delay) * float64(waitMultiplier) * multiplier)
}

func (d *Dispatcher) prepareWait(args Args, _ *perception.Screen) (*plan, error) {
	wait := WaitDuration(d.cfg.ActionDelay, d.cfg.WaitMultiplier, args.Float("duration_multiplier", 1))
	return &plan{
		actionType: ToolWait,
		run: func(ctx context.Context) (map[string]any, string, error) {
			if err := d.sleep(ctx, wait); err != nil {
				return nil, "", err
			}
			return map[string]any{
				"status":      "success",
				"action_type": ToolWait,
				"message":     fmt.Sprintf("Waited for %dms", wait.Milliseconds()),
			}, "", nil
		},
	}, nil
}

func (d *Dispatcher) prepareNotify(args Args, _ *perception.Screen) (*plan, error) {
	text, err := args.RequireString("text")
	if err != nil {
		return nil, err
	}
	attachments := args.Strings("attachments")
	return &plan{
		actionType: ToolNotifyUser,
		text:       text,
		run: func(context.Context) (map[string]any, string, error) {
			return map[string]any{"status": "success", "message": "The user has been notified!", "attachments": attachments}, "", nil
		},
	}, nil
}

func (d *Dispatcher) prepareAsk(args Args, _ *perception.Screen) (*plan, error) {
	text, err := args.RequireString("text")
	if err != nil {
		return nil, err
	}
	attachments := args.Strings("attachments")
	return &plan{
		actionType: ToolAskUser,
		text:       text,
		control:    ControlAskUser,
		run: func(context.Context) (map[string]any, string, error) {
			return map[string]any{"status": "wait_for_user_response", "message": "Waiting for user response...", "attachments": attachments}, "", nil
		},
	}, nil
}

func (d *Dispatcher) prepareDone(Args, *perception.Screen) (*plan, error) {
	return &plan{
		actionType: ToolTaskDone,
		control:    ControlDone,
		quiet:      true,
		run: func(context.Context) (map[string]any, string, error) {
			return map[string]any{"status": "completed", "message": "Task completed, you can now notify the user"}, "", nil
		},
	}, nil
}

// -- Shell Handlers --

func (d *Dispatcher) prepareShellCommand(args Args, _ *perception.Screen) (*plan, error) {
	command, err := args.RequireString("command")
	if err != nil {
		return nil, err
	}
	return &plan{
		actionType: ToolShellCommand,
		value:      ptr(command),
		settle:     d.cfg.ActionDelay,
		run: func(ctx context.Context) (map[string]any, string, error) {
			return d.shell.Run(ctx, command).Result(), "", nil
		},
	}, nil
}

func (d *Dispatcher) prepareShellStatus(args Args, _ *perception.Screen) (*plan, error) {
	jobID, err := args.RequireString("job_id")
	if err != nil {
		return nil, err
	}
	return &plan{
		actionType: ToolShellStatus,
		value:      ptr(jobID),
		run: func(ctx context.Context) (map[string]any, string, error) {
			return d.shell.Poll(ctx, jobID).Result(), "", nil
		},
	}, nil
}

func (d *Dispatcher) prepareShellInput(args Args, _ *perception.Screen) (*plan, error) {
	jobID, err := args.RequireString("job_id")
	if err != nil {
		return nil, err
	}
	input, ok := args.String("input")
	if !ok {
		return nil, invalidParams("missing required parameter %q", "input")
	}
	return &plan{
		actionType: ToolShellInput,
		value:      ptr(input),
		run: func(ctx context.Context) (map[string]any, string, error) {
			return d.shell.SendInput(ctx, jobID, input).Result(), "", nil
		},
	}, nil
}

func (d *Dispatcher) prepareShellKill(args Args, _ *perception.Screen) (*plan, error) {
	jobID, err := args.RequireString("job_id")
	if err != nil {
		return nil, err
	}
	return &plan{
		actionType: ToolShellKill,
		value:      ptr(jobID),
		run: func(ctx context.Context) (map[string]any, string, error) {
			return d.shell.Kill(ctx, jobID).Result(), "", nil
		},
	}, nil
}

// -- File Handlers --

func (d *Dispatcher) filePlan(name string, op remote.FileOp, value string, req remote.FileRequest) *plan {
	return &plan{
		actionType: name,
		value:      ptr(value),
		settle:     d.cfg.ActionDelay,
		run: func(ctx context.Context) (map[string]any, string, error) {
			res, err := d.exec.File(ctx, op, req)
			if err != nil {
				return nil, "", fmt.Errorf("file %s failed: %w", op, err)
			}
			return execResult(res), res.RecordingJobID, nil
		},
	}
}

func (d *Dispatcher) prepareFileRead(args Args, _ *perception.Screen) (*plan, error) {
	file, err := args.RequireString("file")
	if err != nil {
		return nil, err
	}
	req := remote.FileRequest{File: file}
	if n, ok, err := args.Int("start_line"); err != nil {
		return nil, err
	} else if ok {
		req.StartLine = ptr(n)
	}
	if n, ok, err := args.Int("end_line"); err != nil {
		return nil, err
	} else if ok {
		req.EndLine = ptr(n)
	}
	if req.StartLine != nil && req.EndLine != nil && *req.EndLine < *req.StartLine {
		return nil, invalidParams("end_line %d is before start_line %d", *req.EndLine, *req.StartLine)
	}
	return d.filePlan(ToolFileRead, remote.FileRead, file, req), nil
}

func (d *Dispatcher) prepareFileWrite(args Args, _ *perception.Screen) (*plan, error) {
	file, err := args.RequireString("file")
	if err != nil {
		return nil, err
	}
	content, ok := args.String("content")
	if !ok {
		return nil, invalidParams("missing required parameter %q", "content")
	}
	return d.filePlan(ToolFileWrite, remote.FileWrite, file, remote.FileRequest{
		File:            file,
		Content:         content,
		Append:          args.Bool("append", false),
		LeadingNewline:  args.Bool("leading_newline", false),
		TrailingNewline: args.Bool("trailing_newline", false),
	}), nil
}

func (d *Dispatcher) prepareFileStrReplace(args Args, _ *perception.Screen) (*plan, error) {
	file, err := args.RequireString("file")
	if err != nil {
		return nil, err
	}
	oldStr, err := args.RequireString("old_str")
	if err != nil {
		return nil, err
	}
	newStr, ok := args.String("new_str")
	if !ok {
		return nil, invalidParams("missing required parameter %q", "new_str")
	}
	return d.filePlan(ToolFileStrReplace, remote.FileStrReplace, file,
		remote.FileRequest{File: file, OldStr: oldStr, NewStr: newStr}), nil
}

func (d *Dispatcher) prepareFileFindInContent(args Args, _ *perception.Screen) (*plan, error) {
	file, err := args.RequireString("file")
	if err != nil {
		return nil, err
	}
	regex, err := args.RequireString("regex")
	if err != nil {
		return nil, err
	}
	return d.filePlan(ToolFileFindInContent, remote.FileFindInContent, file,
		remote.FileRequest{File: file, Regex: regex}), nil
}

func (d *Dispatcher) prepareFileFindByName(args Args, _ *perception.Screen) (*plan, error) {
	path, err := args.RequireString("path")
	if err != nil {
		return nil, err
	}
	glob, err := args.RequireString("glob")
	if err != nil {
		return nil, err
	}
	return d.filePlan(ToolFileFindByName, remote.FileFindByName, path,
		remote.FileRequest{Path: path, Glob: glob}), nil
}

// -- Remote Input Handlers --

func (d *Dispatcher) inputPlan(actionType string, boxID *int, value *string, settle time.Duration, code string) *plan {
	return &plan{
		actionType: actionType,
		boxID:      boxID,
		value:      value,
		settle:     settle,
		run: func(ctx context.Context) (map[string]any, string, error) {
			res, err := d.exec.Execute(ctx, code)
			if err != nil {
				return nil, "", fmt.Errorf("remote instruction failed: %w", err)
			}
			return execResult(res), res.RecordingJobID, nil
		},
	}
}

func (d *Dispatcher) resolveBox(args Args, screen *perception.Screen) (int, Point, error) {
	boxID, err := args.RequireInt("box_id")
	if err != nil {
		return 0, Point{}, err
	}
	p, err := Resolve(screen, boxID)
	return boxID, p, err
}

func (d *Dispatcher) prepareClick(args Args, screen *perception.Screen) (*plan, error) {
	kind, err := args.RequireString("click_type")
	if err != nil {
		return nil, err
	}
	boxID, p, err := d.resolveBox(args, screen)
	if err != nil {
		return nil, err
	}
	code, err := clickInstruction(ClickKind(kind), p)
	if err != nil {
		return nil, err
	}
	return d.inputPlan(kind, ptr(boxID), nil, d.cfg.ActionDelay, code), nil
}

func (d *Dispatcher) prepareHover(args Args, screen *perception.Screen) (*plan, error) {
	boxID, p, err := d.resolveBox(args, screen)
	if err != nil {
		return nil, err
	}
	return d.inputPlan("hover", ptr(boxID), nil, d.cfg.ActionDelay, hoverInstruction(p, d.cfg.HoverDuration)), nil
}

func (d *Dispatcher) prepareDrag(args Args, screen *perception.Screen) (*plan, error) {
	boxID, p, err := d.resolveBox(args, screen)
	if err != nil {
		return nil, err
	}
	return d.inputPlan("left_click_drag", ptr(boxID), nil, d.cfg.ActionDelay, dragInstruction(p, d.cfg.DragDuration)), nil
}

func (d *Dispatcher) prepareType(args Args, screen *perception.Screen) (*plan, error) {
	text, ok := args.String("text")
	if !ok || text == "" {
		return nil, invalidParams("missing required parameter %q", "text")
	}
	pressEnter := args.Bool("press_enter", true)

	var target *Point
	var boxID *int
	if n, present, err := args.Int("box_id"); err != nil {
		return nil, err
	} else if present {
		p, err := Resolve(screen, n)
		if err != nil {
			return nil, err
		}
		target, boxID = &p, ptr(n)
	}

	code, err := typeInstruction(text, target, pressEnter, d.cfg.TypingInterval)
	if err != nil {
		return nil, err
	}
	actionType := "type"
	if !pressEnter {
		actionType = "type_no_enter"
	}
	return d.inputPlan(actionType, boxID, ptr(text), d.cfg.ActionDelay, code), nil
}

func (d *Dispatcher) prepareKey(args Args, _ *perception.Screen) (*plan, error) {
	key, err := args.RequireString("key")
	if err != nil {
		return nil, err
	}
	code, err := keyInstruction(key)
	if err != nil {
		return nil, err
	}
	return d.inputPlan("key", nil, ptr(key), d.cfg.ActionDelay, code), nil
}

func (d *Dispatcher) prepareScroll(args Args, _ *perception.Screen) (*plan, error) {
	direction, err := args.RequireString("direction")
	if err != nil {
		return nil, err
	}
	amount := d.cfg.ScrollAmount
	switch strings.ToLower(direction) {
	case "up":
	case "down":
		amount = -amount
	default:
		return nil, invalidParams("direction must be \"up\" or \"down\", got %q", direction)
	}
	return d.inputPlan("scroll_"+strings.ToLower(direction), nil, nil, d.cfg.ScrollDelay, scrollInstruction(amount)), nil
}

// execResult renders an executor reply as a tool result with cleaned output.
func execResult(res *remote.ExecResult) map[string]any {
	status := res.Status
	if status == "" {
		status = remote.StatusSuccess
		if res.ErrorText() != "" {
			status = remote.StatusError
		}
	}
	out := map[string]any{
		"status":     status,
		"output":     remote.CleanOutput(res.Output),
		"returncode": res.ReturnCode,
	}
	if e := res.ErrorText(); e != "" {
		out["error"] = remote.CleanOutput(e)
	}
	return out
}
