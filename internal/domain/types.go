package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type Role string

const (
	RoleMathematician Role = "mathematician"
	RoleArtist        Role = "artist"
	RoleEngineer      Role = "engineer"
	RoleMerchant      Role = "merchant"
	RoleAthlete       Role = "athlete"
	RoleDoctor        Role = "doctor"
)

var knownRoles = map[Role]struct{}{
	RoleMathematician: {},
	RoleArtist:        {},
	RoleEngineer:      {},
	RoleMerchant:      {},
	RoleAthlete:       {},
	RoleDoctor:        {},
}

func (r Role) Valid() bool {
	_, ok := knownRoles[r]
	return ok
}

type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

type Agent struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	Role        Role                       `json:"role"`
	X           float64                    `json:"x"`
	Y           float64                    `json:"y"`
	Mood        string                     `json:"mood"`
	CurrentTask *string                    `json:"currentTask"`
	Relations   map[string]json.RawMessage `json:"relations"`
}

type Environment struct {
	TimeOfDay string            `json:"timeOfDay"`
	Weather   string            `json:"weather"`
	Rooms     []json.RawMessage `json:"rooms"`
}

type WorldState struct {
	Agents      []Agent     `json:"agents"`
	Environment Environment `json:"environment"`
	LastUpdated *string     `json:"lastUpdated,omitempty"`
}

// Validate enforces agent id uniqueness within one snapshot.
func (w WorldState) Validate() error {
	seen := make(map[string]struct{}, len(w.Agents))
	for _, a := range w.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if _, ok := seen[a.ID]; ok {
			return fmt.Errorf("duplicate agent id %s", a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy. Snapshots handed to readers are always clones.
func (w WorldState) Clone() WorldState {
	out := WorldState{
		Environment: Environment{
			TimeOfDay: w.Environment.TimeOfDay,
			Weather:   w.Environment.Weather,
		},
	}
	if w.LastUpdated != nil {
		v := *w.LastUpdated
		out.LastUpdated = &v
	}
	if w.Environment.Rooms != nil {
		out.Environment.Rooms = make([]json.RawMessage, len(w.Environment.Rooms))
		for i, room := range w.Environment.Rooms {
			out.Environment.Rooms[i] = cloneRaw(room)
		}
	}
	if w.Agents != nil {
		out.Agents = make([]Agent, len(w.Agents))
		for i, a := range w.Agents {
			out.Agents[i] = a.Clone()
		}
	}
	return out
}

func (a Agent) Clone() Agent {
	out := a
	if a.CurrentTask != nil {
		v := *a.CurrentTask
		out.CurrentTask = &v
	}
	if a.Relations != nil {
		out.Relations = make(map[string]json.RawMessage, len(a.Relations))
		for k, v := range a.Relations {
			out.Relations[k] = cloneRaw(v)
		}
	}
	return out
}

func (w WorldState) AgentIDs() []string {
	ids := make([]string, 0, len(w.Agents))
	for _, a := range w.Agents {
		ids = append(ids, a.ID)
	}
	return ids
}

func (w WorldState) FindAgent(id string) (Agent, bool) {
	for _, a := range w.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}

type TaskStep struct {
	Agent       string `json:"agent"`
	Instruction string `json:"instruction"`
	Reason      string `json:"reason"`
}

type TaskAnalysis struct {
	Description string     `json:"description"`
	Steps       []TaskStep `json:"steps"`
}

type PlanningSession struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Steps       []TaskStep `json:"steps"`
	CreatedAt   time.Time  `json:"created_at"`
}

type MessageRequest struct {
	Message     string `json:"message"`
	TargetAgent string `json:"target_agent,omitempty"`
}

type MessageResponse struct {
	Output     string     `json:"output"`
	AgentUsed  string     `json:"agent_used,omitempty"`
	WorldState WorldState `json:"world_state"`
}

type CollaborativeTaskRequest struct {
	Description    string   `json:"description"`
	SelectedAgents []string `json:"selected_agents"`
	AgentOrder     []string `json:"agent_order"`
}

type AgentResult struct {
	AgentID    string     `json:"agent_id"`
	AgentName  string     `json:"agent_name"`
	Output     string     `json:"output"`
	WorldState WorldState `json:"world_state"`
}

type CollaborativeResult struct {
	Results         []AgentResult `json:"results"`
	Summary         string        `json:"summary"`
	FinalWorldState WorldState    `json:"final_world_state"`
}

type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
	Agent   string   `json:"agent,omitempty"`
}

type HealthStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type EventKind string

const (
	EventStateChanged     EventKind = "state_changed"
	EventTriageVisible    EventKind = "triage_visible"
	EventStepDistributing EventKind = "step_distributing"
	EventAnimationDone    EventKind = "animation_complete"
	EventWorldReplaced    EventKind = "world_replaced"
	EventChatAppended     EventKind = "chat_appended"
	EventLayoutChanged    EventKind = "layout_changed"
)

type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state,omitempty"`
	StepIndex int       `json:"step_index"`
	StepTotal int       `json:"step_total"`
	Step      *TaskStep `json:"step,omitempty"`
	Target    *Point    `json:"target,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type SessionStatus string

const (
	SessionStatusAnimating  SessionStatus = "animating"
	SessionStatusPublishing SessionStatus = "publishing"
	SessionStatusDone       SessionStatus = "done"
	SessionStatusFailed     SessionStatus = "failed"
	SessionStatusSuperseded SessionStatus = "superseded"
)

type DecisionLog struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Room      string          `json:"room"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type ResultRecord struct {
	ID          string              `json:"id"`
	SessionID   string              `json:"session_id,omitempty"`
	Room        string              `json:"room"`
	Description string              `json:"description"`
	Result      CollaborativeResult `json:"result"`
	CreatedAt   time.Time           `json:"created_at"`
}
