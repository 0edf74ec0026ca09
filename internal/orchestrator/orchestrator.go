package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"agent_town/internal/domain"
	"agent_town/internal/layout"
	"agent_town/internal/messaging/inproc"
	"agent_town/internal/sequencer"
	"agent_town/internal/worldstate"
)

const (
	orchestratorActor = "orchestrator"
	collaborationName = "collaboration"
)

type State string

const (
	StateEmpty            State = "empty"
	StateAwaitingAnalysis State = "awaiting_analysis"
	StatePlanAnimating    State = "plan_animating"
	StatePublishing       State = "publishing"
	StateIdleWithResult   State = "idle_with_result"
	StateIdleWithError    State = "idle_with_error"
)

type Backend interface {
	GetWorldState(ctx context.Context) (domain.WorldState, error)
	SendMessage(ctx context.Context, req domain.MessageRequest) (domain.MessageResponse, error)
	ClearRoom(ctx context.Context) error
	AnalyzeTask(ctx context.Context, description string) (domain.TaskAnalysis, error)
	PublishCollaborativeTask(ctx context.Context, req domain.CollaborativeTaskRequest) (domain.CollaborativeResult, error)
}

type Animator interface {
	Start(plan sequencer.Plan, obs sequencer.Observer) string
	Cancel()
}

type Bus interface {
	Publish(ev domain.Event) error
}

type Journal interface {
	CreateSession(ctx context.Context, room string, session domain.PlanningSession) error
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, lastError string) error
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
	AppendChatMessage(ctx context.Context, room string, msg domain.ChatMessage) error
	ListChatMessages(ctx context.Context, room string, limit int) ([]domain.ChatMessage, error)
	ClearChat(ctx context.Context, room string) error
	SaveResult(ctx context.Context, rec domain.ResultRecord) error
}

type Config struct {
	Room         string
	CanvasWidth  float64
	CanvasHeight float64
	HistoryLimit int
	Layout       *layout.Engine
	Logger       *log.Logger
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Room) == "" {
		c.Room = "default"
	}
	if c.CanvasWidth <= 0 {
		c.CanvasWidth = layout.DefaultCanvasWidth
	}
	if c.CanvasHeight <= 0 {
		c.CanvasHeight = layout.DefaultCanvasHeight
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 200
	}
	if c.Layout == nil {
		c.Layout = layout.New(nil)
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// TaskRequest is a direct publish: the caller picks the agents and their
// processing order without going through analysis.
type TaskRequest struct {
	Description    string
	SelectedAgents []string
	AgentOrder     []string
}

type View struct {
	WorldState    *domain.WorldState
	WorldVersion  uint64
	Messages      []domain.ChatMessage
	Error         string
	PlanningSteps []domain.TaskStep
	Frame         *sequencer.Frame
	Result        *domain.CollaborativeResult
	Positions     map[string]domain.Point
	State         State
	IsLoading     bool
}

type Orchestrator struct {
	client   Backend
	world    *worldstate.Store
	animator Animator
	bus      Bus
	journal  Journal
	cfg      Config
	logger   *log.Logger

	mu        sync.Mutex
	state     State
	loading   bool
	pending   string
	session   *activeSession
	frame     *sequencer.Frame
	messages  []domain.ChatMessage
	errMsg    string
	result    *domain.CollaborativeResult
	positions map[string]domain.Point
	canvasW   float64
	canvasH   float64
	fx        effects
}

type activeSession struct {
	domain.PlanningSession
	ctx context.Context
}

type statusUpdate struct {
	sessionID string
	status    domain.SessionStatus
	lastError string
}

// effects collects journal writes and bus events produced under the lock so
// they can be carried out after it is released.
type effects struct {
	clearChat bool
	sessions  []domain.PlanningSession
	statuses  []statusUpdate
	chat      []domain.ChatMessage
	decisions []domain.DecisionLog
	results   []domain.ResultRecord
	events    []domain.Event
}

// New wires an orchestrator. bus and journal may be nil.
func New(client Backend, world *worldstate.Store, animator Animator, bus Bus, journal Journal, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		client:    client,
		world:     world,
		animator:  animator,
		bus:       bus,
		journal:   journal,
		cfg:       cfg,
		logger:    cfg.Logger,
		state:     StateEmpty,
		positions: map[string]domain.Point{},
		canvasW:   cfg.CanvasWidth,
		canvasH:   cfg.CanvasHeight,
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) View() View {
	o.mu.Lock()
	defer o.mu.Unlock()

	v := View{
		WorldVersion: o.world.Version(),
		Messages:     append([]domain.ChatMessage(nil), o.messages...),
		Error:        o.errMsg,
		Positions:    make(map[string]domain.Point, len(o.positions)),
		State:        o.state,
		IsLoading:    o.loading,
	}
	if ws, ok := o.world.Current(); ok {
		v.WorldState = &ws
	}
	if o.session != nil {
		v.PlanningSteps = append([]domain.TaskStep(nil), o.session.Steps...)
	}
	if o.frame != nil {
		f := *o.frame
		v.Frame = &f
	}
	if o.result != nil {
		r := *o.result
		r.Results = append([]domain.AgentResult(nil), o.result.Results...)
		v.Result = &r
	}
	for id, p := range o.positions {
		v.Positions[id] = p
	}
	return v
}

// RequestAnalysis asks the backend to split description into steps and, on
// success, animates the plan. Publishing follows automatically once the
// animation completes.
func (o *Orchestrator) RequestAnalysis(ctx context.Context, description string) error {
	description = strings.TrimSpace(description)
	if description == "" {
		return domain.Validationf("task description is empty")
	}

	o.mu.Lock()
	if o.isActiveForLocked(description) {
		o.mu.Unlock()
		return nil
	}
	if o.busyLocked() {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("request analysis in state %s: %w", state, domain.ErrStateConflict)
	}
	o.loading = true
	o.pending = description
	o.errMsg = ""
	o.appendChatLocked(domain.ChatMessage{Role: domain.ChatRoleUser, Content: "Plan task: " + description})
	o.appendChatLocked(domain.ChatMessage{Role: domain.ChatRoleAssistant, Content: "Analyzing the task and breaking it into steps..."})
	o.setStateLocked(StateAwaitingAnalysis, "analysis requested")
	o.unlockAndFlush(ctx)

	analysis, err := o.client.AnalyzeTask(ctx, description)

	o.mu.Lock()
	o.loading = false
	o.pending = ""
	if err != nil {
		o.errMsg = "Task analysis failed: " + err.Error()
		o.appendChatLocked(domain.ChatMessage{Role: domain.ChatRoleAssistant, Content: "Task analysis failed, please try again later."})
		o.decideLocked("", "analysis_failed", err.Error(), map[string]any{"description": description})
		o.setStateLocked(StateIdleWithError, "analysis failed")
		o.unlockAndFlush(ctx)
		o.logger.Printf("analysis failed description=%q err=%v", trimText(description, 80), err)
		return fmt.Errorf("request analysis: %w", err)
	}

	session := domain.PlanningSession{
		ID:          uuid.NewString(),
		Description: description,
		Steps:       append([]domain.TaskStep(nil), analysis.Steps...),
		CreatedAt:   o.cfg.Now(),
	}
	o.session = &activeSession{PlanningSession: session, ctx: ctx}
	o.frame = nil
	positions := make(map[string]domain.Point, len(o.positions))
	for id, p := range o.positions {
		positions[id] = p
	}
	o.fx.sessions = append(o.fx.sessions, session)
	o.decideLocked(session.ID, "analysis_completed", fmt.Sprintf("%d steps planned", len(session.Steps)), session.Steps)
	o.setStateLocked(StatePlanAnimating, "plan received")
	o.unlockAndFlush(ctx)
	o.logger.Printf("plan started session=%s steps=%d", session.ID, len(session.Steps))

	o.animator.Start(sequencer.Plan{
		SessionID: session.ID,
		Steps:     session.Steps,
		Positions: positions,
	}, sequencer.Observer{
		OnFrame:    o.onFrame,
		OnComplete: o.onAnimationComplete,
	})
	return nil
}

func (o *Orchestrator) onFrame(f sequencer.Frame) {
	o.mu.Lock()
	if o.session == nil || o.session.ID != f.SessionID {
		o.mu.Unlock()
		return
	}
	ctx := o.session.ctx
	frame := f
	o.frame = &frame

	ev := domain.Event{SessionID: f.SessionID, State: string(o.state), StepIndex: f.Index, StepTotal: f.Total, CreatedAt: o.cfg.Now()}
	switch f.Phase {
	case sequencer.PhaseTriageVisible:
		ev.Kind = domain.EventTriageVisible
		o.decideLocked(f.SessionID, "triage_visible", "dispatcher shown", map[string]any{"steps": f.Total})
	case sequencer.PhaseDistributing:
		ev.Kind = domain.EventStepDistributing
		target := f.Target
		ev.Target = &target
		if f.Step != nil {
			step := *f.Step
			ev.Step = &step
			ev.Message = step.Agent
		}
		o.decideLocked(f.SessionID, "step_distributed", fmt.Sprintf("step %d/%d", f.Index+1, f.Total), ev.Step)
	case sequencer.PhaseComplete:
		ev.Kind = domain.EventAnimationDone
		o.decideLocked(f.SessionID, "animation_complete", "all steps delivered", nil)
	default:
		o.mu.Unlock()
		return
	}
	o.fx.events = append(o.fx.events, ev)
	o.unlockAndFlush(ctx)
}

// onAnimationComplete releases the session and publishes its plan. Completion
// for any session other than the active one is ignored.
func (o *Orchestrator) onAnimationComplete(sessionID string) {
	o.mu.Lock()
	s := o.session
	if s == nil || s.ID != sessionID {
		o.mu.Unlock()
		return
	}
	o.session = nil
	o.frame = nil

	selected, order := agentsFromSteps(s.Steps)
	if len(selected) == 0 {
		o.errMsg = "The plan has no steps to publish."
		o.fx.statuses = append(o.fx.statuses, statusUpdate{sessionID: s.ID, status: domain.SessionStatusFailed, lastError: "empty plan"})
		o.decideLocked(s.ID, "publish_skipped", "plan has no agents", nil)
		o.setStateLocked(StateIdleWithError, "empty plan")
		o.unlockAndFlush(s.ctx)
		return
	}

	req := domain.CollaborativeTaskRequest{
		Description:    s.Description,
		SelectedAgents: selected,
		AgentOrder:     order,
	}
	o.loading = true
	o.errMsg = ""
	o.fx.statuses = append(o.fx.statuses, statusUpdate{sessionID: s.ID, status: domain.SessionStatusPublishing})
	o.decideLocked(s.ID, "publish_requested", "animation complete", req)
	o.setStateLocked(StatePublishing, "plan animation complete")
	o.unlockAndFlush(s.ctx)

	_ = o.runPublish(s.ctx, req, s.ID)
}

// Publish sends a collaborative task directly, skipping analysis.
func (o *Orchestrator) Publish(ctx context.Context, in TaskRequest) error {
	description := strings.TrimSpace(in.Description)
	if description == "" {
		return domain.Validationf("task description is empty")
	}
	if len(in.SelectedAgents) == 0 {
		return domain.Validationf("no agents selected")
	}
	for _, id := range in.SelectedAgents {
		if strings.TrimSpace(id) == "" {
			return domain.Validationf("selected agent id is empty")
		}
	}
	order := in.AgentOrder
	if len(order) == 0 {
		order = in.SelectedAgents
	}
	req := domain.CollaborativeTaskRequest{
		Description:    description,
		SelectedAgents: append([]string(nil), in.SelectedAgents...),
		AgentOrder:     append([]string(nil), order...),
	}

	o.mu.Lock()
	if o.busyLocked() {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("publish in state %s: %w", state, domain.ErrStateConflict)
	}
	o.loading = true
	o.errMsg = ""
	o.decideLocked("", "publish_requested", "direct publish", req)
	o.setStateLocked(StatePublishing, "direct publish")
	o.unlockAndFlush(ctx)

	return o.runPublish(ctx, req, "")
}

func (o *Orchestrator) runPublish(ctx context.Context, req domain.CollaborativeTaskRequest, sessionID string) error {
	result, err := o.client.PublishCollaborativeTask(ctx, req)
	if err == nil {
		err = o.world.Replace(result.FinalWorldState)
	}

	o.mu.Lock()
	o.loading = false
	if err != nil {
		o.errMsg = "Publishing the collaborative task failed: " + err.Error()
		if sessionID != "" {
			o.fx.statuses = append(o.fx.statuses, statusUpdate{sessionID: sessionID, status: domain.SessionStatusFailed, lastError: err.Error()})
		}
		o.decideLocked(sessionID, "publish_failed", err.Error(), req)
		o.setStateLocked(StateIdleWithError, "publish failed")
		o.unlockAndFlush(ctx)
		o.logger.Printf("publish failed session=%s agents=%d err=%v", sessionID, len(req.SelectedAgents), err)
		return fmt.Errorf("publish collaborative task: %w", err)
	}

	o.result = &result
	o.relayoutLocked()
	o.eventLocked(domain.Event{Kind: domain.EventWorldReplaced, SessionID: sessionID})
	o.appendChatLocked(domain.ChatMessage{Role: domain.ChatRoleUser, Content: "Collaborative task: " + req.Description})
	o.appendChatLocked(domain.ChatMessage{Role: domain.ChatRoleAssistant, Content: result.Summary, Agent: collaborationName})
	if sessionID != "" {
		o.fx.statuses = append(o.fx.statuses, statusUpdate{sessionID: sessionID, status: domain.SessionStatusDone})
	}
	o.fx.results = append(o.fx.results, domain.ResultRecord{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Room:        o.cfg.Room,
		Description: req.Description,
		Result:      result,
		CreatedAt:   o.cfg.Now(),
	})
	o.decideLocked(sessionID, "publish_completed", fmt.Sprintf("%d agent results", len(result.Results)), map[string]any{
		"agents":  req.AgentOrder,
		"summary": trimText(result.Summary, 240),
	})
	o.setStateLocked(StateIdleWithResult, "publish completed")
	o.unlockAndFlush(ctx)
	o.logger.Printf("publish completed session=%s results=%d", sessionID, len(result.Results))
	return nil
}

// LoadWorldState fetches the room snapshot and replaces the local one.
func (o *Orchestrator) LoadWorldState(ctx context.Context) error {
	o.mu.Lock()
	if o.busyLocked() {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("load world state in state %s: %w", state, domain.ErrStateConflict)
	}
	o.loading = true
	o.mu.Unlock()

	ws, err := o.client.GetWorldState(ctx)
	if err == nil {
		err = o.world.Replace(ws)
	}

	o.mu.Lock()
	o.loading = false
	if err != nil {
		o.errMsg = "Cannot reach the backend service, make sure it is running: " + err.Error()
		o.decideLocked("", "load_failed", err.Error(), nil)
		o.setStateLocked(StateIdleWithError, "load failed")
		o.unlockAndFlush(ctx)
		return fmt.Errorf("load world state: %w", err)
	}
	o.errMsg = ""
	o.relayoutLocked()
	o.eventLocked(domain.Event{Kind: domain.EventWorldReplaced})
	o.settleLocked("world state loaded")
	o.unlockAndFlush(ctx)
	return nil
}

// SendMessage relays a chat message, optionally to one agent, and applies
// the world state returned with the reply.
func (o *Orchestrator) SendMessage(ctx context.Context, text, targetAgent string) (domain.MessageResponse, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.MessageResponse{}, domain.Validationf("message is empty")
	}

	o.mu.Lock()
	if o.busyLocked() {
		state := o.state
		o.mu.Unlock()
		return domain.MessageResponse{}, fmt.Errorf("send message in state %s: %w", state, domain.ErrStateConflict)
	}
	o.loading = true
	o.errMsg = ""
	o.appendChatLocked(domain.ChatMessage{Role: domain.ChatRoleUser, Content: text})
	o.unlockAndFlush(ctx)

	resp, err := o.client.SendMessage(ctx, domain.MessageRequest{Message: text, TargetAgent: strings.TrimSpace(targetAgent)})
	if err == nil {
		err = o.world.Replace(resp.WorldState)
	}

	o.mu.Lock()
	o.loading = false
	if err != nil {
		o.errMsg = "Sending the message failed, check the backend connection: " + err.Error()
		o.appendChatLocked(domain.ChatMessage{Role: domain.ChatRoleAssistant, Content: "Sorry, something went wrong. Please try again later."})
		o.decideLocked("", "message_failed", err.Error(), map[string]any{"target_agent": targetAgent})
		o.setStateLocked(StateIdleWithError, "message failed")
		o.unlockAndFlush(ctx)
		return domain.MessageResponse{}, fmt.Errorf("send message: %w", err)
	}
	o.appendChatLocked(domain.ChatMessage{Role: domain.ChatRoleAssistant, Content: resp.Output, Agent: resp.AgentUsed})
	o.relayoutLocked()
	o.eventLocked(domain.Event{Kind: domain.EventWorldReplaced})
	o.decideLocked("", "message_answered", "reply received", map[string]any{"agent_used": resp.AgentUsed})
	o.settleLocked("message answered")
	o.unlockAndFlush(ctx)
	return resp, nil
}

// ClearRoom wipes the room history on the backend, drops the local chat and
// result, and reloads the world state.
func (o *Orchestrator) ClearRoom(ctx context.Context) error {
	o.mu.Lock()
	if o.busyLocked() {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("clear room in state %s: %w", state, domain.ErrStateConflict)
	}
	o.loading = true
	o.mu.Unlock()

	err := o.client.ClearRoom(ctx)

	o.mu.Lock()
	o.loading = false
	if err != nil {
		o.errMsg = "Clearing the room failed: " + err.Error()
		o.decideLocked("", "clear_failed", err.Error(), nil)
		o.setStateLocked(StateIdleWithError, "clear failed")
		o.unlockAndFlush(ctx)
		return fmt.Errorf("clear room: %w", err)
	}
	o.messages = nil
	o.result = nil
	o.fx.clearChat = true
	o.eventLocked(domain.Event{Kind: domain.EventChatAppended})
	o.decideLocked("", "room_cleared", "chat history and result dropped", nil)
	o.settleLocked("room cleared")
	o.unlockAndFlush(ctx)

	return o.LoadWorldState(ctx)
}

func (o *Orchestrator) DismissResult() {
	o.mu.Lock()
	if o.result == nil {
		o.mu.Unlock()
		return
	}
	o.result = nil
	// A running analysis, animation or publish keeps its state.
	if !o.busyLocked() {
		o.settleLocked("result dismissed")
	}
	o.unlockAndFlush(context.Background())
}

// SetCanvas records new canvas dimensions and recomputes agent positions.
func (o *Orchestrator) SetCanvas(width, height float64) {
	o.mu.Lock()
	if width == o.canvasW && height == o.canvasH {
		o.mu.Unlock()
		return
	}
	o.canvasW = width
	o.canvasH = height
	o.relayoutLocked()
	o.unlockAndFlush(context.Background())
}

// RestoreHistory prepends the journaled chat transcript of the room.
func (o *Orchestrator) RestoreHistory(ctx context.Context) error {
	if o.journal == nil {
		return nil
	}
	history, err := o.journal.ListChatMessages(ctx, o.cfg.Room, o.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("restore chat history: %w", err)
	}
	if len(history) == 0 {
		return nil
	}
	o.mu.Lock()
	o.messages = append(history, o.messages...)
	o.eventLocked(domain.Event{Kind: domain.EventChatAppended, Message: fmt.Sprintf("%d restored", len(history))})
	o.unlockAndFlush(ctx)
	return nil
}

// ApplyPushedState replaces the world with a snapshot pushed by the server.
func (o *Orchestrator) ApplyPushedState(ws domain.WorldState) error {
	if err := o.world.Replace(ws); err != nil {
		return fmt.Errorf("apply pushed state: %w", err)
	}
	o.mu.Lock()
	o.relayoutLocked()
	o.eventLocked(domain.Event{Kind: domain.EventWorldReplaced, Message: "pushed"})
	o.unlockAndFlush(context.Background())
	return nil
}

func (o *Orchestrator) isActiveForLocked(description string) bool {
	if o.session != nil && o.session.Description == description {
		return true
	}
	return o.state == StateAwaitingAnalysis && o.pending == description
}

func (o *Orchestrator) busyLocked() bool {
	return o.loading || o.session != nil
}

func (o *Orchestrator) settleLocked(reason string) {
	switch {
	case o.errMsg != "":
		o.setStateLocked(StateIdleWithError, reason)
	case o.result != nil:
		o.setStateLocked(StateIdleWithResult, reason)
	default:
		o.setStateLocked(StateEmpty, reason)
	}
}

func (o *Orchestrator) setStateLocked(next State, reason string) {
	prev := o.state
	if prev == next {
		return
	}
	o.state = next
	sessionID := ""
	if o.session != nil {
		sessionID = o.session.ID
	}
	o.eventLocked(domain.Event{Kind: domain.EventStateChanged, SessionID: sessionID, Message: reason})
	o.decideLocked(sessionID, "state_changed", reason, map[string]string{"from": string(prev), "to": string(next)})
}

func (o *Orchestrator) relayoutLocked() {
	ws, ok := o.world.Current()
	if !ok {
		o.positions = map[string]domain.Point{}
		return
	}
	o.positions = layout.Positions(o.cfg.Layout.Place(ws.AgentIDs(), o.canvasW, o.canvasH))
	o.eventLocked(domain.Event{Kind: domain.EventLayoutChanged, StepTotal: len(o.positions)})
}

func (o *Orchestrator) appendChatLocked(msg domain.ChatMessage) {
	o.messages = append(o.messages, msg)
	o.fx.chat = append(o.fx.chat, msg)
	o.eventLocked(domain.Event{Kind: domain.EventChatAppended, Message: trimText(msg.Content, 120)})
}

func (o *Orchestrator) eventLocked(ev domain.Event) {
	if ev.State == "" {
		ev.State = string(o.state)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = o.cfg.Now()
	}
	o.fx.events = append(o.fx.events, ev)
}

func (o *Orchestrator) decideLocked(sessionID, action, reason string, payload any) {
	o.fx.decisions = append(o.fx.decisions, domain.DecisionLog{
		SessionID: sessionID,
		Room:      o.cfg.Room,
		Actor:     orchestratorActor,
		Action:    action,
		Reason:    reason,
		Payload:   mustJSON(payload),
		CreatedAt: o.cfg.Now(),
	})
}

func (o *Orchestrator) unlockAndFlush(ctx context.Context) {
	fx := o.fx
	o.fx = effects{}
	o.mu.Unlock()
	o.flush(ctx, fx)
}

func (o *Orchestrator) flush(ctx context.Context, fx effects) {
	if o.journal != nil {
		jctx := context.WithoutCancel(ctx)
		room := o.cfg.Room
		if fx.clearChat {
			if err := o.journal.ClearChat(jctx, room); err != nil {
				o.logger.Printf("journal clear chat failed room=%s err=%v", room, err)
			}
		}
		for _, s := range fx.sessions {
			if err := o.journal.CreateSession(jctx, room, s); err != nil {
				o.logger.Printf("journal session failed session=%s err=%v", s.ID, err)
			}
		}
		for _, u := range fx.statuses {
			if err := o.journal.UpdateSessionStatus(jctx, u.sessionID, u.status, u.lastError); err != nil {
				o.logger.Printf("journal session status failed session=%s status=%s err=%v", u.sessionID, u.status, err)
			}
		}
		for _, m := range fx.chat {
			if err := o.journal.AppendChatMessage(jctx, room, m); err != nil {
				o.logger.Printf("journal chat failed room=%s err=%v", room, err)
			}
		}
		for _, d := range fx.decisions {
			if err := o.journal.LogDecision(jctx, d); err != nil {
				o.logger.Printf("journal decision failed action=%s err=%v", d.Action, err)
			}
		}
		for _, r := range fx.results {
			if err := o.journal.SaveResult(jctx, r); err != nil {
				o.logger.Printf("journal result failed session=%s err=%v", r.SessionID, err)
			}
		}
	}
	if o.bus == nil {
		return
	}
	for _, ev := range fx.events {
		if err := o.bus.Publish(ev); err != nil && !errors.Is(err, inproc.ErrNoSubscribers) {
			o.logger.Printf("event dropped kind=%s err=%v", ev.Kind, err)
		}
	}
}

// agentsFromSteps returns the distinct step agents in first-appearance order
// and the full step order with duplicates kept.
func agentsFromSteps(steps []domain.TaskStep) ([]string, []string) {
	seen := make(map[string]struct{}, len(steps))
	selected := make([]string, 0, len(steps))
	order := make([]string, 0, len(steps))
	for _, s := range steps {
		order = append(order, s.Agent)
		if _, ok := seen[s.Agent]; ok {
			continue
		}
		seen[s.Agent] = struct{}{}
		selected = append(selected, s.Agent)
	}
	return selected, order
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage(`{}`)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// trimText caps s at n runes, ending truncated text with "...".
func trimText(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
