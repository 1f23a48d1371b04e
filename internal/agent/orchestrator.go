// internal/agent/orchestrator.go
package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/dispatch"
	"github.com/xkilldash9x/vmpilot/internal/events"
	"github.com/xkilldash9x/vmpilot/internal/history"
	"github.com/xkilldash9x/vmpilot/internal/llmclient"
	"github.com/xkilldash9x/vmpilot/internal/observability"
	"github.com/xkilldash9x/vmpilot/internal/perception"
	"github.com/xkilldash9x/vmpilot/internal/store"
)

// Perceiver acquires screens for one session. *perception.Adapter implements it.
type Perceiver interface {
	Capture(ctx context.Context) (*perception.Screen, error)
	Degraded() bool
	Release()
}

// Actor executes tool calls for one session. *dispatch.Dispatcher implements it.
type Actor interface {
	Execute(ctx context.Context, call history.ToolCall, screen *perception.Screen, degraded bool) dispatch.Outcome
	Wait()
	Close()
}

var (
	_ Perceiver = (*perception.Adapter)(nil)
	_ Actor     = (*dispatch.Dispatcher)(nil)
)

// Components builds the collaborators owned by a single session.
type Components interface {
	NewPerceiver(logger *zap.Logger) Perceiver
	NewActor(observer dispatch.Observer, logger *zap.Logger) Actor
}

// Deps are the process-wide collaborators shared by every session.
type Deps struct {
	Decider    llmclient.Decider
	Store      store.Repository
	Components Components
	// Sink receives every session's events. It may be nil.
	Sink    events.Sink
	Metrics *observability.Metrics
}

// Orchestrator runs sessions. Each session's loop is strictly sequential; sessions are independent.
type Orchestrator struct {
	cfg      config.AgentConfig
	pricing  map[string]config.ModelPrices
	defaults store.Preferences
	prompt   string
	deps     Deps
	registry *Registry
	logger   *zap.Logger
}

// NewOrchestrator wires the loop. prompt is the unrendered system prompt, see LoadPrompt.
func NewOrchestrator(cfg *config.Config, prompt string, deps Deps, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.Agent,
		pricing:  cfg.LLM.Pricing,
		defaults: store.DefaultPreferences(cfg),
		prompt:   prompt,
		deps:     deps,
		registry: NewRegistry(),
		logger:   logger.Named("orchestrator"),
	}
}

// Registry exposes the active sessions.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Request starts one session.
type Request struct {
	Goal           string
	ConversationID string
	// Sink receives this session's events in addition to the shared sink.
	Sink events.Sink
}

// Result is the terminal outcome of a session.
type Result struct {
	SessionID string
	Status    Status
	Text      string
	Cost      events.Cost
	Err       error
}

// Run drives one session to a terminal state. It returns after pending recording
// follow-ups have settled or ctx has ended.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	if strings.TrimSpace(req.Goal) == "" {
		return Result{Status: StatusErrored, Err: ErrEmptyGoal}
	}
	conversation := req.ConversationID
	if conversation == "" {
		conversation = store.DefaultConversation
	}

	sess := newSession(conversation)
	if err := o.registry.add(sess); err != nil {
		o.logger.Warn("Rejected session", zap.String("conversation_id", conversation), zap.Error(err))
		return Result{Status: StatusErrored, Err: err}
	}
	defer o.registry.remove(sess.ID)

	if o.cfg.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.SessionTimeout)
		defer cancel()
	}

	r := &run{
		o:      o,
		sess:   sess,
		ctx:    ctx,
		sink:   events.Fanout{o.deps.Sink, req.Sink},
		cost:   NewCostAccumulator(o.pricing),
		logger: observability.SessionLogger(o.logger, sess.ID, conversation),
	}
	return r.execute(ctx, req.Goal)
}

// run is the mutable state of one session, owned by the session goroutine.
type run struct {
	o      *Orchestrator
	sess   *Session
	ctx    context.Context
	sink   events.Sink
	cost   *CostAccumulator
	logger *zap.Logger

	prefs     store.Preferences
	prompt    string
	history   *history.Manager
	persisted int
	perceiver Perceiver
	actor     Actor
	waits     int

	// mu guards assistant; recording updates arrive from background goroutines.
	mu        sync.Mutex
	assistant events.Snapshot
}

func (r *run) execute(ctx context.Context, goal string) (res Result) {
	if m := r.o.deps.Metrics; m != nil {
		m.SessionsStarted.Inc()
	}
	r.begin(ctx, goal)

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Panic in session loop", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			res = r.finish(ctx, StatusErrored, "", fmt.Errorf("%w: %v", ErrSessionPanic, p))
		}
	}()

	prefs, err := store.LoadPreferences(ctx, r.o.deps.Store, r.o.defaults)
	if err != nil {
		r.logger.Warn("Failed to load preferences, using defaults", zap.Error(err))
		prefs = r.o.defaults
	}
	r.prefs = prefs
	r.prompt = renderPrompt(r.o.prompt, prefs)

	transcript, err := r.o.deps.Store.Transcript(ctx, r.sess.ConversationID)
	if err != nil {
		return r.finish(ctx, StatusErrored, "", fmt.Errorf("failed to load transcript: %w", err))
	}
	r.history = history.NewManager(prefs.History(), transcript)
	r.persisted = len(transcript)

	r.perceiver = r.o.deps.Components.NewPerceiver(r.logger)
	r.actor = r.o.deps.Components.NewActor(dispatch.ObserverFunc(r.observeAction), r.logger)

	r.logger.Info("Starting session", zap.Int("transcript_length", len(transcript)))

	screen, err := r.perceiver.Capture(ctx)
	if err != nil {
		return r.finish(ctx, StatusErrored, "", fmt.Errorf("initial capture failed: %w", err))
	}
	if err := r.appendScreen(ctx, screen, goal); err != nil {
		return r.finish(ctx, StatusErrored, "", err)
	}

	for cycle := 1; ; cycle++ {
		if r.sess.StopRequested() {
			return r.finish(ctx, StatusStopped, stoppedText, nil)
		}
		if err := ctx.Err(); err != nil {
			return r.finish(ctx, StatusErrored, "", err)
		}
		if limit := r.o.cfg.MaxCycles; limit > 0 && cycle > limit {
			return r.finish(ctx, StatusErrored, "", fmt.Errorf("%w (%d)", ErrMaxCycles, limit))
		}
		if m := r.o.deps.Metrics; m != nil {
			m.Cycles.Inc()
		}

		degraded := r.perceiver.Degraded()
		decision, err := r.decide(ctx, r.history.Compacted(), dispatch.Tools(degraded))
		if err != nil {
			return r.finish(ctx, StatusErrored, "", err)
		}
		// A stop wins over whatever the decision service just chose.
		if r.sess.StopRequested() {
			return r.finish(ctx, StatusStopped, stoppedText, nil)
		}

		if msg := decision.Message(); len(msg.Parts) > 0 {
			r.history.Append(msg)
		}
		if len(decision.Calls) == 0 {
			r.logger.Warn("Decision contained no tool call, asking again", zap.Int("cycle", cycle))
			r.history.Append(history.NewMessage(history.RoleUser, history.Tagged(history.TagWarning, noToolCorrection)))
			r.persist(ctx)
			continue
		}

		control, question := r.act(ctx, decision.Calls, screen, degraded)
		r.persist(ctx)

		switch control {
		case dispatch.ControlDone:
			r.logger.Info("Task completed by the decision service")
			return r.finish(ctx, StatusDone, r.closingReply(ctx), nil)
		case dispatch.ControlAskUser:
			r.logger.Info("Waiting for user response")
			return r.finish(ctx, StatusAwaitingUser, question, nil)
		}

		screen, err = r.perceiver.Capture(ctx)
		if err != nil {
			return r.finish(ctx, StatusErrored, "", fmt.Errorf("capture failed: %w", err))
		}
		if err := r.appendScreen(ctx, screen, ""); err != nil {
			return r.finish(ctx, StatusErrored, "", err)
		}
	}
}

func (r *run) decide(ctx context.Context, msgs []history.Message, tools []dispatch.ToolSpec) (*llmclient.Decision, error) {
	temp := r.prefs.Temperature
	d, err := r.o.deps.Decider.Decide(ctx, llmclient.Request{
		System:      r.prompt,
		Messages:    msgs,
		Tools:       tools,
		Model:       r.prefs.Model,
		Temperature: &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("decision service: %w", err)
	}
	r.cost.Add(d.Usage)
	return d, nil
}

// act dispatches the calls of one decision in order. Once a call ends the cycle the rest
// are answered as skipped so every call still has a result.
func (r *run) act(ctx context.Context, calls []history.ToolCall, screen *perception.Screen, degraded bool) (dispatch.Control, string) {
	control := dispatch.ControlNone
	var question string
	warn := false

	parts := make([]history.Part, 0, len(calls))
	for _, call := range calls {
		if control != dispatch.ControlNone {
			parts = append(parts, history.ResultPart(history.ToolResult{
				ID: call.ID, Name: call.Name,
				Result: map[string]any{"status": "skipped", "error": "not executed: an earlier call in this turn ended the cycle"},
			}))
			continue
		}

		out := r.actor.Execute(ctx, call, screen, degraded)
		parts = append(parts, history.ResultPart(history.ToolResult{ID: call.ID, Name: call.Name, Result: out.Result}))
		if r.countWait(call.Name, degraded) {
			warn = true
		}
		switch out.Control {
		case dispatch.ControlAskUser:
			control, question = out.Control, out.Text
		case dispatch.ControlDone:
			control = out.Control
		}
	}

	r.history.Append(history.NewMessage(history.RoleUser, parts...))
	if warn {
		r.logger.Info("Consecutive wait threshold reached", zap.Int("waits", r.waits))
		r.history.Append(history.NewMessage(history.RoleUser,
			history.Tagged(history.TagWarning, fmt.Sprintf(waitWarning, r.waits))))
	}
	return control, question
}

// countWait tracks consecutive waits and reports when the one-time warning is due.
// The warning is withheld while degraded, where waiting may be the only sensible action.
func (r *run) countWait(tool string, degraded bool) bool {
	if tool != dispatch.ToolWait {
		r.waits = 0
		return false
	}
	r.waits++
	return r.waits == r.o.cfg.WaitWarningThreshold && !degraded
}

// closingReply asks for a user-facing answer without offering tools.
func (r *run) closingReply(ctx context.Context) string {
	msgs := append(r.history.Compacted(),
		history.NewMessage(history.RoleUser, history.Tagged(history.TagSystemMessage, closingInstruction)))

	d, err := r.decide(ctx, msgs, nil)
	if err != nil || strings.TrimSpace(d.Text) == "" {
		r.logger.Warn("Closing reply unavailable", zap.Error(err))
		return "The task has been completed."
	}
	text := strings.TrimSpace(d.Text)
	r.history.Append(history.NewMessage(history.RoleAssistant, history.Text(text)))
	r.persist(ctx)
	return text
}

func (r *run) appendScreen(ctx context.Context, screen *perception.Screen, userInput string) error {
	msg, err := history.ScreenMessage(screen, history.ScreenOptions{
		SendScreenshot:       r.prefs.SendScreenshot,
		SendParsedScreenshot: r.prefs.SendParsedScreenshot,
		UserInput:            userInput,
		Degraded:             r.perceiver.Degraded(),
	})
	if err != nil {
		return fmt.Errorf("failed to compose screen message: %w", err)
	}
	r.history.Append(msg)
	r.persist(ctx)
	return nil
}

// persist appends the transcript entries not yet stored. Failures are retried on the next call.
func (r *run) persist(ctx context.Context) {
	msgs := r.history.Messages()
	if r.persisted >= len(msgs) {
		return
	}
	if err := r.o.deps.Store.AppendTranscript(ctx, r.sess.ConversationID, msgs[r.persisted:]...); err != nil {
		r.logger.Error("Failed to persist transcript", zap.Error(err))
		return
	}
	r.persisted = len(msgs)
}

func (r *run) begin(ctx context.Context, goal string) {
	now := time.Now().UTC()
	user := events.Snapshot{
		ID:        uuid.NewString(),
		Sender:    events.SenderUser,
		Text:      goal,
		RequestID: r.sess.ID,
		Timestamp: now,
	}
	r.save(ctx, user)
	r.sink.Publish(ctx, events.MessageEvent(r.sess.ID, user))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.assistant = events.Snapshot{
		ID:           uuid.NewString(),
		Sender:       events.SenderAssistant,
		IsGenerating: true,
		RequestID:    r.sess.ID,
		Status:       string(StatusActive),
		Actions:      &events.ActionLog{StartTime: now, ListOfActions: []dispatch.ActionRecord{}},
		Timestamp:    now,
	}
	r.publishLocked(ctx)
}

// observeAction folds an action lifecycle change into the assistant snapshot.
// It may run on a recording follow-up goroutine after the loop has ended.
func (r *run) observeAction(kind dispatch.EventKind, rec dispatch.ActionRecord) {
	ctx := context.WithoutCancel(r.ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.assistant.Actions.ListOfActions
	if i := slices.IndexFunc(list, func(a dispatch.ActionRecord) bool { return a.ID == rec.ID }); i >= 0 {
		list[i] = rec
	} else {
		r.assistant.Actions.ListOfActions = append(list, rec)
	}
	r.sink.Publish(ctx, events.ActionEvent(r.sess.ID, kind, rec))
	r.publishLocked(ctx)
}

// publishLocked stores and emits the assistant snapshot. Callers hold r.mu so snapshots go out in order.
func (r *run) publishLocked(ctx context.Context) {
	snap := r.assistant.Clone()
	r.save(ctx, snap)
	r.sink.Publish(ctx, events.StateEvent(r.sess.ID, snap))
}

func (r *run) save(ctx context.Context, snap events.Snapshot) {
	if err := r.o.deps.Store.SaveClientMessage(ctx, snap); err != nil {
		r.logger.Error("Failed to save client message", zap.String("message_id", snap.ID), zap.Error(err))
	}
}

func (r *run) finish(ctx context.Context, status Status, text string, cause error) Result {
	r.sess.setStatus(status)
	if cause != nil {
		r.logger.Error("Session failed", zap.Error(cause))
		if text == "" {
			text = "An error occurred: " + cause.Error()
		}
	}
	costs := r.cost.Totals()

	r.mu.Lock()
	now := time.Now().UTC()
	r.assistant.Text = text
	r.assistant.IsGenerating = false
	r.assistant.Status = string(status)
	if r.assistant.Actions != nil {
		r.assistant.Actions.EndTime = &now
	}
	r.assistant.Cost = &costs
	r.publishLocked(context.WithoutCancel(ctx))
	r.mu.Unlock()

	r.logger.Info("Session finished", append([]zap.Field{zap.String("status", string(status))}, r.cost.Fields()...)...)
	if m := r.o.deps.Metrics; m != nil {
		m.SessionsFinished.WithLabelValues(string(status)).Inc()
	}

	if r.actor != nil {
		r.drain(ctx)
	}
	if r.perceiver != nil {
		r.perceiver.Release()
	}
	return Result{SessionID: r.sess.ID, Status: status, Text: text, Cost: costs, Err: cause}
}

// drain lets recording follow-ups attach their videos unless ctx ends first.
func (r *run) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.actor.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.actor.Close()
		<-done
	}
	r.actor.Close()
}
