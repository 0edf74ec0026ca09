// Package sequencer drives the task distribution animation: the dispatcher
// appears, each planned step is delivered to its agent one at a time, and
// completion is signaled once.
package sequencer

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent_town/internal/domain"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseTriageVisible
	PhaseDistributing
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseTriageVisible:
		return "triage_visible"
	case PhaseDistributing:
		return "distributing"
	case PhaseComplete:
		return "complete"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type Frame struct {
	SessionID string
	Phase     Phase
	// Index is the step being delivered; -1 outside PhaseDistributing.
	Index  int
	Total  int
	Step   *domain.TaskStep
	Target domain.Point
}

type Plan struct {
	SessionID string
	Steps     []domain.TaskStep
	Positions map[string]domain.Point
}

type Observer struct {
	OnFrame    func(Frame)
	OnComplete func(sessionID string)
}

type Config struct {
	// Unit is one animation time unit. The dispatcher shows for one unit,
	// each delivery takes two, and one more unit trails the last delivery.
	Unit   time.Duration
	Clock  Clock
	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.Unit <= 0 {
		c.Unit = time.Second
	}
	if c.Clock == nil {
		c.Clock = RealClock()
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

type Sequencer struct {
	cfg Config

	mu     sync.Mutex
	active *run
}

type scheduledFrame struct {
	delay time.Duration
	frame Frame
}

type run struct {
	id     string
	events []scheduledFrame
	pos    int
	obs    Observer
	timer  Timer
	done   bool
}

func New(cfg Config) *Sequencer {
	return &Sequencer{cfg: cfg.withDefaults()}
}

// Start begins animating plan and returns its session id. A run already in
// progress is superseded: its timer is stopped and any callback still in
// flight for it becomes a no-op.
func (s *Sequencer) Start(plan Plan, obs Observer) string {
	id := plan.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	r := &run{
		id:     id,
		events: s.buildEvents(id, plan),
		obs:    obs,
	}

	s.mu.Lock()
	if prev := s.active; prev != nil && !prev.done {
		s.stopLocked(prev)
		s.cfg.Logger.Printf("animation superseded session=%s by=%s", prev.id, id)
	}
	s.active = r
	s.mu.Unlock()

	s.fire(r)
	return id
}

// Cancel stops the active run without signaling completion.
func (s *Sequencer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && !s.active.done {
		s.stopLocked(s.active)
		s.cfg.Logger.Printf("animation canceled session=%s", s.active.id)
	}
	s.active = nil
}

// Active returns the session id of the run in progress, if any.
func (s *Sequencer) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.done {
		return "", false
	}
	return s.active.id, true
}

func (s *Sequencer) stopLocked(r *run) {
	r.done = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (s *Sequencer) buildEvents(id string, plan Plan) []scheduledFrame {
	steps := make([]domain.TaskStep, len(plan.Steps))
	copy(steps, plan.Steps)
	total := len(steps)
	unit := s.cfg.Unit

	events := make([]scheduledFrame, 0, total+2)
	events = append(events, scheduledFrame{
		frame: Frame{SessionID: id, Phase: PhaseTriageVisible, Index: -1, Total: total},
	})
	for i := range steps {
		delay := 2 * unit
		if i == 0 {
			delay = unit
		}
		step := steps[i]
		target, ok := plan.Positions[step.Agent]
		if !ok {
			target = domain.Point{}
		}
		events = append(events, scheduledFrame{
			delay: delay,
			frame: Frame{SessionID: id, Phase: PhaseDistributing, Index: i, Total: total, Step: &step, Target: target},
		})
	}
	trailing := unit + unit
	if total > 0 {
		trailing = 2*unit + unit
	}
	events = append(events, scheduledFrame{
		delay: trailing,
		frame: Frame{SessionID: id, Phase: PhaseComplete, Index: -1, Total: total},
	})
	return events
}

// fire emits the next frame of r and schedules the one after it. Frames are
// emitted outside the lock; the following timer is only armed once the
// observer has returned, so frames of one run never overlap.
func (s *Sequencer) fire(r *run) {
	s.mu.Lock()
	if s.active != r || r.done || r.pos >= len(r.events) {
		s.mu.Unlock()
		return
	}
	r.timer = nil
	ev := r.events[r.pos]
	r.pos++
	last := r.pos == len(r.events)
	if last {
		r.done = true
	}
	s.mu.Unlock()

	if r.obs.OnFrame != nil {
		r.obs.OnFrame(ev.frame)
	}
	if last {
		if r.obs.OnComplete != nil {
			r.obs.OnComplete(r.id)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != r || r.done {
		return
	}
	next := r.events[r.pos]
	r.timer = s.cfg.Clock.AfterFunc(next.delay, func() { s.fire(r) })
}
