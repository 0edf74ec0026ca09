package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"agent_town/internal/backend"
	"agent_town/internal/domain"
	"agent_town/internal/layout"
	"agent_town/internal/messaging/inproc"
	"agent_town/internal/sequencer"
	sqlitestore "agent_town/internal/store/sqlite"
	"agent_town/internal/worldstate"
)

const testRoom = "lab"

type fakeCollaborator struct {
	mu        sync.Mutex
	calls     map[string]int
	published []domain.CollaborativeTaskRequest

	steps         []domain.TaskStep
	analyzeStatus int
	publishStatus int
	state         domain.WorldState
	final         domain.WorldState

	messageEntered chan struct{}
	messageGate    chan struct{}
}

func newFakeCollaborator() *fakeCollaborator {
	return &fakeCollaborator{
		calls: make(map[string]int),
		steps: []domain.TaskStep{
			{Agent: "engineer", Instruction: "book transport", Reason: "logistics"},
			{Agent: "doctor", Instruction: "pack first aid", Reason: "health"},
		},
		state: world("calm", "engineer", "doctor"),
		final: world("happy", "engineer", "doctor"),
	}
}

func world(mood string, ids ...string) domain.WorldState {
	ws := domain.WorldState{Environment: domain.Environment{TimeOfDay: "day", Weather: "sunny"}}
	for _, id := range ids {
		ws.Agents = append(ws.Agents, domain.Agent{ID: id, Name: id, Role: domain.Role(id), Mood: mood})
	}
	return ws
}

func (f *fakeCollaborator) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeCollaborator) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeCollaborator) lastPublished(t *testing.T) domain.CollaborativeTaskRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		t.Fatalf("no collaborative task was published")
	}
	return f.published[len(f.published)-1]
}

func (f *fakeCollaborator) hit(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeCollaborator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rooms/{room}/state", func(w http.ResponseWriter, r *http.Request) {
		f.hit("state")
		f.mu.Lock()
		ws := f.state
		f.mu.Unlock()
		writeJSON(w, map[string]any{"world_state": ws})
	})
	mux.HandleFunc("POST /api/rooms/{room}/message", func(w http.ResponseWriter, r *http.Request) {
		f.hit("message")
		if f.messageEntered != nil {
			f.messageEntered <- struct{}{}
		}
		if f.messageGate != nil {
			<-f.messageGate
		}
		var req domain.MessageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, domain.MessageResponse{
			Output:     "echo: " + req.Message,
			AgentUsed:  "doctor",
			WorldState: world("curious", "engineer", "doctor"),
		})
	})
	mux.HandleFunc("DELETE /api/rooms/{room}", func(w http.ResponseWriter, r *http.Request) {
		f.hit("clear")
		writeJSON(w, map[string]string{"status": "cleared"})
	})
	mux.HandleFunc("POST /api/analyze-task", func(w http.ResponseWriter, r *http.Request) {
		f.hit("analyze")
		if f.analyzeStatus != 0 {
			http.Error(w, "analysis unavailable", f.analyzeStatus)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, domain.TaskAnalysis{Description: body["description"], Steps: f.steps})
	})
	mux.HandleFunc("POST /api/rooms/{room}/collaborative-task", func(w http.ResponseWriter, r *http.Request) {
		f.hit("publish")
		var req domain.CollaborativeTaskRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.published = append(f.published, req)
		f.mu.Unlock()
		if f.publishStatus != 0 {
			http.Error(w, "execution failed", f.publishStatus)
			return
		}
		results := make([]domain.AgentResult, 0, len(req.AgentOrder))
		for _, id := range req.AgentOrder {
			results = append(results, domain.AgentResult{AgentID: id, AgentName: id, Output: "done by " + id})
		}
		writeJSON(w, domain.CollaborativeResult{
			Results:         results,
			Summary:         "trip planned",
			FinalWorldState: f.final,
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type harness struct {
	orch    *Orchestrator
	fake    *fakeCollaborator
	clock   *sequencer.ManualClock
	world   *worldstate.Store
	journal *sqlitestore.Store
	events  <-chan domain.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithJournal(t, openJournal(t))
}

func openJournal(t *testing.T) *sqlitestore.Store {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newHarnessWithJournal(t *testing.T, journal *sqlitestore.Store) *harness {
	t.Helper()
	fake := newFakeCollaborator()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	logger := log.New(io.Discard, "", 0)
	client, err := backend.New(backend.Config{BaseURL: srv.URL, Room: testRoom, Logger: logger})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	clock := sequencer.NewManualClock()
	seq := sequencer.New(sequencer.Config{Unit: time.Second, Clock: clock, Logger: logger})
	bus := inproc.New(512)
	events := bus.Register("test")
	world := worldstate.New()

	orch := New(client, world, seq, bus, journal, Config{
		Room:   testRoom,
		Layout: layout.NewSeeded(7, 11),
		Logger: logger,
	})
	return &harness{orch: orch, fake: fake, clock: clock, world: world, journal: journal, events: events}
}

func drain(ch <-chan domain.Event) []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(events []domain.Event, keep ...domain.EventKind) []domain.EventKind {
	out := make([]domain.EventKind, 0)
	for _, ev := range events {
		for _, k := range keep {
			if ev.Kind == k {
				out = append(out, ev.Kind)
			}
		}
	}
	return out
}

func states(events []domain.Event) []string {
	out := make([]string, 0)
	for _, ev := range events {
		if ev.Kind == domain.EventStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

func TestPlanATripEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.orch.LoadWorldState(ctx); err != nil {
		t.Fatalf("load world state: %v", err)
	}
	positions := h.orch.View().Positions
	if len(positions) != 2 {
		t.Fatalf("positions=%v", positions)
	}
	drain(h.events)

	if err := h.orch.RequestAnalysis(ctx, "plan a trip"); err != nil {
		t.Fatalf("request analysis: %v", err)
	}
	v := h.orch.View()
	if v.State != StatePlanAnimating {
		t.Fatalf("state=%s want=%s", v.State, StatePlanAnimating)
	}
	if v.Frame == nil || v.Frame.Phase != sequencer.PhaseTriageVisible {
		t.Fatalf("frame=%+v want triage", v.Frame)
	}
	if len(v.PlanningSteps) != 2 {
		t.Fatalf("planning steps=%d", len(v.PlanningSteps))
	}

	h.clock.Advance(time.Second)
	v = h.orch.View()
	if v.Frame.Phase != sequencer.PhaseDistributing || v.Frame.Index != 0 || v.Frame.Target != positions["engineer"] {
		t.Fatalf("frame after 1 unit=%+v engineer at %+v", v.Frame, positions["engineer"])
	}
	h.clock.Advance(2 * time.Second)
	v = h.orch.View()
	if v.Frame.Index != 1 || v.Frame.Target != positions["doctor"] {
		t.Fatalf("frame after 3 units=%+v doctor at %+v", v.Frame, positions["doctor"])
	}
	h.clock.Advance(2 * time.Second)
	if h.fake.count("publish") != 0 {
		t.Fatalf("published before the trailing delay")
	}
	h.clock.Advance(time.Second)

	req := h.fake.lastPublished(t)
	if req.Description != "plan a trip" {
		t.Fatalf("published description=%q", req.Description)
	}
	if !reflect.DeepEqual(req.SelectedAgents, []string{"engineer", "doctor"}) {
		t.Fatalf("selected_agents=%v", req.SelectedAgents)
	}
	if !reflect.DeepEqual(req.AgentOrder, []string{"engineer", "doctor"}) {
		t.Fatalf("agent_order=%v", req.AgentOrder)
	}

	v = h.orch.View()
	if v.State != StateIdleWithResult || v.IsLoading {
		t.Fatalf("state=%s loading=%v", v.State, v.IsLoading)
	}
	if v.Result == nil || v.Result.Summary != "trip planned" || len(v.Result.Results) != 2 {
		t.Fatalf("result=%+v", v.Result)
	}
	if v.PlanningSteps != nil || v.Frame != nil {
		t.Fatalf("session not released: steps=%v frame=%+v", v.PlanningSteps, v.Frame)
	}
	ws, ok := h.world.Current()
	if !ok || ws.Agents[0].Mood != "happy" {
		t.Fatalf("world not replaced by final state: %+v", ws)
	}
	last := v.Messages[len(v.Messages)-2:]
	if last[0].Role != domain.ChatRoleUser || last[1].Content != "trip planned" || last[1].Agent != collaborationName {
		t.Fatalf("chat tail=%+v", last)
	}

	events := drain(h.events)
	wantFrames := []domain.EventKind{
		domain.EventTriageVisible,
		domain.EventStepDistributing,
		domain.EventStepDistributing,
		domain.EventAnimationDone,
	}
	if got := kinds(events, domain.EventTriageVisible, domain.EventStepDistributing, domain.EventAnimationDone); !reflect.DeepEqual(got, wantFrames) {
		t.Fatalf("frame events=%v", got)
	}
	wantStates := []string{
		string(StateAwaitingAnalysis),
		string(StatePlanAnimating),
		string(StatePublishing),
		string(StateIdleWithResult),
	}
	if got := states(events); !reflect.DeepEqual(got, wantStates) {
		t.Fatalf("state events=%v", got)
	}

	results, err := h.journal.ListResults(ctx, testRoom, 10)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 1 || results[0].SessionID == "" {
		t.Fatalf("journaled results=%+v", results)
	}
	_, status, err := h.journal.GetSession(ctx, results[0].SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if status != domain.SessionStatusDone {
		t.Fatalf("session status=%s", status)
	}
	decisions, err := h.journal.ListSessionDecisions(ctx, results[0].SessionID, 100)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) == 0 {
		t.Fatalf("no decisions journaled for session")
	}
}

func TestDuplicateStepAgents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.steps = []domain.TaskStep{
		{Agent: "engineer", Instruction: "design"},
		{Agent: "doctor", Instruction: "review"},
		{Agent: "engineer", Instruction: "build"},
	}
	if err := h.orch.LoadWorldState(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := h.orch.RequestAnalysis(ctx, "build a clinic"); err != nil {
		t.Fatalf("request analysis: %v", err)
	}
	h.clock.Advance(time.Hour)

	req := h.fake.lastPublished(t)
	if !reflect.DeepEqual(req.SelectedAgents, []string{"engineer", "doctor"}) {
		t.Fatalf("selected_agents=%v", req.SelectedAgents)
	}
	if !reflect.DeepEqual(req.AgentOrder, []string{"engineer", "doctor", "engineer"}) {
		t.Fatalf("agent_order=%v", req.AgentOrder)
	}
}

func TestValidationRejectedBeforeNetwork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{name: "publish without agents", call: func() error {
			return h.orch.Publish(ctx, TaskRequest{Description: "plan a trip"})
		}},
		{name: "publish with blank description", call: func() error {
			return h.orch.Publish(ctx, TaskRequest{Description: "  ", SelectedAgents: []string{"engineer"}})
		}},
		{name: "publish with blank agent", call: func() error {
			return h.orch.Publish(ctx, TaskRequest{Description: "x", SelectedAgents: []string{""}})
		}},
		{name: "analysis with blank description", call: func() error {
			return h.orch.RequestAnalysis(ctx, "\t")
		}},
		{name: "blank message", call: func() error {
			_, err := h.orch.SendMessage(ctx, " ", "")
			return err
		}},
	}
	for _, tc := range tests {
		if err := tc.call(); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}
	if n := h.fake.total(); n != 0 {
		t.Fatalf("network calls=%d want=0", n)
	}
	if st := h.orch.State(); st != StateEmpty {
		t.Fatalf("state=%s want=%s", st, StateEmpty)
	}
}

func TestFailedAnalysisLeavesNoSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.analyzeStatus = http.StatusBadGateway

	if err := h.orch.LoadWorldState(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	version := h.world.Version()

	err := h.orch.RequestAnalysis(ctx, "plan a trip")
	if !domain.IsConnectivity(err) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
	v := h.orch.View()
	if v.State != StateIdleWithError || v.Error == "" || v.IsLoading {
		t.Fatalf("state=%s error=%q loading=%v", v.State, v.Error, v.IsLoading)
	}
	if v.PlanningSteps != nil || v.Frame != nil {
		t.Fatalf("session left behind: steps=%v frame=%+v", v.PlanningSteps, v.Frame)
	}
	if h.world.Version() != version {
		t.Fatalf("world store changed on failed analysis")
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("animation timers pending=%d", h.clock.Pending())
	}
	if got := v.Messages[len(v.Messages)-1].Content; got != "Task analysis failed, please try again later." {
		t.Fatalf("last chat=%q", got)
	}

	h.fake.analyzeStatus = 0
	if err := h.orch.RequestAnalysis(ctx, "plan a trip"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if st := h.orch.State(); st != StatePlanAnimating {
		t.Fatalf("state after retry=%s", st)
	}
}

func TestPublishFailureKeepsWorldState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.publishStatus = http.StatusInternalServerError
	if err := h.orch.LoadWorldState(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	version := h.world.Version()

	err := h.orch.Publish(ctx, TaskRequest{Description: "fix the bridge", SelectedAgents: []string{"engineer"}})
	if !domain.IsConnectivity(err) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
	if h.world.Version() != version {
		t.Fatalf("world store changed on failed publish")
	}
	v := h.orch.View()
	if v.State != StateIdleWithError || v.Result != nil {
		t.Fatalf("state=%s result=%+v", v.State, v.Result)
	}
}

func TestDirectPublishReplacesWorld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.orch.LoadWorldState(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	h.fake.final = world("proud", "engineer")

	err := h.orch.Publish(ctx, TaskRequest{Description: "fix the bridge", SelectedAgents: []string{"engineer", "doctor"}})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	req := h.fake.lastPublished(t)
	if !reflect.DeepEqual(req.AgentOrder, []string{"engineer", "doctor"}) {
		t.Fatalf("agent_order should default to selection, got %v", req.AgentOrder)
	}
	ws, _ := h.world.Current()
	if len(ws.Agents) != 1 || ws.Agents[0].Mood != "proud" {
		t.Fatalf("world not fully replaced: %+v", ws.Agents)
	}
	if pos := h.orch.View().Positions; len(pos) != 1 {
		t.Fatalf("positions not recomputed: %v", pos)
	}
	if h.fake.count("analyze") != 0 {
		t.Fatalf("direct publish went through analysis")
	}
}

func TestBusyGuardDuringAnimation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.orch.LoadWorldState(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := h.orch.RequestAnalysis(ctx, "plan a trip"); err != nil {
		t.Fatalf("request analysis: %v", err)
	}

	if err := h.orch.RequestAnalysis(ctx, "plan a trip"); err != nil {
		t.Fatalf("same description should be a no-op, got %v", err)
	}
	if err := h.orch.RequestAnalysis(ctx, "plan a party"); !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("different description: expected ErrStateConflict, got %v", err)
	}
	if err := h.orch.Publish(ctx, TaskRequest{Description: "x", SelectedAgents: []string{"doctor"}}); !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("publish during animation: expected ErrStateConflict, got %v", err)
	}
	if _, err := h.orch.SendMessage(ctx, "hi", ""); !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("message during animation: expected ErrStateConflict, got %v", err)
	}
	if st := h.orch.State(); st != StatePlanAnimating {
		t.Fatalf("state changed by rejected calls: %s", st)
	}
	if h.fake.count("analyze") != 1 {
		t.Fatalf("analyze calls=%d want=1", h.fake.count("analyze"))
	}

	h.clock.Advance(time.Hour)
	if h.fake.count("publish") != 1 {
		t.Fatalf("publish calls=%d want=1", h.fake.count("publish"))
	}
}

func TestBusyGuardWhileRequestInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.messageEntered = make(chan struct{}, 1)
	h.fake.messageGate = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := h.orch.SendMessage(ctx, "hello", "doctor")
		errc <- err
	}()
	select {
	case <-h.fake.messageEntered:
	case <-time.After(5 * time.Second):
		t.Fatalf("message request never reached the backend")
	}

	if !h.orch.View().IsLoading {
		t.Fatalf("expected IsLoading while the message is in flight")
	}
	if err := h.orch.LoadWorldState(ctx); !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("load while loading: expected ErrStateConflict, got %v", err)
	}
	if err := h.orch.RequestAnalysis(ctx, "plan a trip"); !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("analysis while loading: expected ErrStateConflict, got %v", err)
	}

	close(h.fake.messageGate)
	if err := <-errc; err != nil {
		t.Fatalf("send message: %v", err)
	}
	v := h.orch.View()
	if v.IsLoading {
		t.Fatalf("still loading after reply")
	}
	if got := v.Messages[len(v.Messages)-1]; got.Content != "echo: hello" || got.Agent != "doctor" {
		t.Fatalf("reply=%+v", got)
	}
	ws, _ := h.world.Current()
	if ws.Agents[0].Mood != "curious" {
		t.Fatalf("world not replaced by message reply")
	}
}

func TestEmptyPlanFailsWithoutPublishing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.steps = []domain.TaskStep{}

	if err := h.orch.RequestAnalysis(ctx, "do nothing"); err != nil {
		t.Fatalf("request analysis: %v", err)
	}
	h.clock.Advance(2 * time.Second)

	if h.fake.count("publish") != 0 {
		t.Fatalf("empty plan was published")
	}
	if st := h.orch.State(); st != StateIdleWithError {
		t.Fatalf("state=%s want=%s", st, StateIdleWithError)
	}
}

func TestStaleCompletionIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.orch.RequestAnalysis(ctx, "plan a trip"); err != nil {
		t.Fatalf("request analysis: %v", err)
	}
	h.orch.onAnimationComplete("some-other-session")
	h.orch.onFrame(sequencer.Frame{SessionID: "some-other-session", Phase: sequencer.PhaseComplete})

	if h.fake.count("publish") != 0 {
		t.Fatalf("stale completion triggered a publish")
	}
	v := h.orch.View()
	if v.State != StatePlanAnimating || v.Frame.Phase != sequencer.PhaseTriageVisible {
		t.Fatalf("stale callbacks changed state=%s frame=%+v", v.State, v.Frame)
	}
}

func TestClearRoomAndRestoreHistory(t *testing.T) {
	journal := openJournal(t)
	h := newHarnessWithJournal(t, journal)
	ctx := context.Background()

	if _, err := h.orch.SendMessage(ctx, "hello", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	restored := newHarnessWithJournal(t, journal)
	if err := restored.orch.RestoreHistory(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := restored.orch.View().Messages; len(got) != 2 || got[0].Content != "hello" {
		t.Fatalf("restored messages=%+v", got)
	}

	if err := h.orch.ClearRoom(ctx); err != nil {
		t.Fatalf("clear room: %v", err)
	}
	v := h.orch.View()
	if len(v.Messages) != 0 || v.Result != nil {
		t.Fatalf("messages=%d result=%+v after clear", len(v.Messages), v.Result)
	}
	if h.fake.count("clear") != 1 || h.fake.count("state") != 1 {
		t.Fatalf("clear=%d state=%d", h.fake.count("clear"), h.fake.count("state"))
	}
	history, err := journal.ListChatMessages(ctx, testRoom, 10)
	if err != nil {
		t.Fatalf("list chat: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("journal chat not cleared: %+v", history)
	}
}

func TestDismissResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.orch.Publish(ctx, TaskRequest{Description: "x", SelectedAgents: []string{"doctor"}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	h.orch.DismissResult()
	v := h.orch.View()
	if v.Result != nil || v.State != StateEmpty {
		t.Fatalf("result=%+v state=%s", v.Result, v.State)
	}
}

func TestDismissResultDuringAnimationKeepsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.orch.LoadWorldState(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := h.orch.Publish(ctx, TaskRequest{Description: "x", SelectedAgents: []string{"doctor"}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := h.orch.RequestAnalysis(ctx, "plan a trip"); err != nil {
		t.Fatalf("request analysis: %v", err)
	}

	h.orch.DismissResult()
	v := h.orch.View()
	if v.State != StatePlanAnimating {
		t.Fatalf("state=%s want=%s", v.State, StatePlanAnimating)
	}
	if v.Result != nil {
		t.Fatalf("result not dropped: %+v", v.Result)
	}
	if len(v.PlanningSteps) != 2 {
		t.Fatalf("planning steps=%d", len(v.PlanningSteps))
	}
	if err := h.orch.RequestAnalysis(ctx, "plan a trip"); err != nil {
		t.Fatalf("same description after dismiss should be a no-op, got %v", err)
	}

	h.clock.Advance(time.Hour)
	v = h.orch.View()
	if v.State != StateIdleWithResult || v.Result == nil {
		t.Fatalf("state=%s result=%+v", v.State, v.Result)
	}
	if h.fake.count("publish") != 2 {
		t.Fatalf("publish calls=%d want=2", h.fake.count("publish"))
	}
}

func TestTrimText(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{in: "short", n: 10, want: "short"},
		{in: "abcdefghij", n: 6, want: "abc..."},
		{in: "计划一次旅行并准备行李", n: 6, want: "计划一..."},
		{in: "计划一次旅行", n: 2, want: "计划"},
		{in: "anything", n: 0, want: "anything"},
	}
	for _, tc := range tests {
		got := trimText(tc.in, tc.n)
		if got != tc.want {
			t.Fatalf("trimText(%q, %d)=%q want=%q", tc.in, tc.n, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("trimText(%q, %d) produced invalid utf-8", tc.in, tc.n)
		}
	}
}

func TestCanvasAndPushedState(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.ApplyPushedState(world("calm", "a", "b", "c")); err != nil {
		t.Fatalf("apply pushed: %v", err)
	}
	h.orch.SetCanvas(400, 300)
	pos := h.orch.View().Positions
	if len(pos) != 3 {
		t.Fatalf("positions=%v", pos)
	}
	for id, p := range pos {
		if p.X < layout.MarginX || p.X > 400-layout.MarginX || p.Y < layout.MarginY || p.Y > 300-layout.MarginY {
			t.Fatalf("%s out of bounds: %+v", id, p)
		}
	}

	bad := world("calm", "a", "a")
	if err := h.orch.ApplyPushedState(bad); err == nil {
		t.Fatalf("expected duplicate ids to be rejected")
	}
	ws, _ := h.world.Current()
	if len(ws.Agents) != 3 {
		t.Fatalf("rejected push changed the store: %+v", ws.Agents)
	}
}

func TestAgentsFromSteps(t *testing.T) {
	tests := []struct {
		agents   []string
		selected []string
		order    []string
	}{
		{agents: nil, selected: []string{}, order: []string{}},
		{agents: []string{"a"}, selected: []string{"a"}, order: []string{"a"}},
		{agents: []string{"b", "a", "b", "c", "a"}, selected: []string{"b", "a", "c"}, order: []string{"b", "a", "b", "c", "a"}},
	}
	for _, tc := range tests {
		steps := make([]domain.TaskStep, 0, len(tc.agents))
		for _, a := range tc.agents {
			steps = append(steps, domain.TaskStep{Agent: a})
		}
		selected, order := agentsFromSteps(steps)
		if !reflect.DeepEqual(selected, tc.selected) || !reflect.DeepEqual(order, tc.order) {
			t.Fatalf("agents=%v selected=%v order=%v", tc.agents, selected, order)
		}
	}
}
