// Package monitor is the terminal front end: the world canvas, the chat
// transcript, the active plan and a status line, all redrawn from
// orchestrator events.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/sync/errgroup"

	"agent_town/internal/domain"
	"agent_town/internal/orchestrator"
)

type Controller interface {
	View() orchestrator.View
	LoadWorldState(ctx context.Context) error
	RequestAnalysis(ctx context.Context, description string) error
	Publish(ctx context.Context, in orchestrator.TaskRequest) error
	SendMessage(ctx context.Context, text, targetAgent string) (domain.MessageResponse, error)
	ClearRoom(ctx context.Context) error
	DismissResult()
	SetCanvas(width, height float64)
}

type DecisionSource interface {
	ListRoomDecisions(ctx context.Context, room string, limit int) ([]domain.DecisionLog, error)
}

// Runner is a background job tied to the UI lifetime, such as the state feed.
type Runner interface {
	Run(ctx context.Context) error
}

type Config struct {
	Room      string
	Events    <-chan domain.Event
	Decisions DecisionSource
	Feed      Runner
	// CellWidth and CellHeight are the canvas pixels one terminal cell covers.
	CellWidth  float64
	CellHeight float64
	Logger     *log.Logger
}

func (c Config) withDefaults() Config {
	if c.Room == "" {
		c.Room = "default"
	}
	if c.CellWidth <= 0 {
		c.CellWidth = 10
	}
	if c.CellHeight <= 0 {
		c.CellHeight = 20
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

type App struct {
	ctrl Controller
	cfg  Config

	app       *tview.Application
	pages     *tview.Pages
	canvas    *tview.Box
	chatView  *tview.TextView
	planView  *tview.TextView
	decisions *tview.TextView
	status    *tview.TextView
	input     *tview.InputField
	modal     *tview.Modal
	notice    string
}

func New(ctrl Controller, cfg Config) *App {
	return &App{ctrl: ctrl, cfg: cfg.withDefaults()}
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.build(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		if err := a.app.Run(); err != nil {
			return fmt.Errorf("run monitor ui: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.app.Stop()
		return nil
	})
	g.Go(func() error {
		a.pumpEvents(gctx)
		return nil
	})
	if a.cfg.Feed != nil {
		g.Go(func() error {
			return a.cfg.Feed.Run(gctx)
		})
	}
	g.Go(func() error {
		if err := a.ctrl.LoadWorldState(gctx); err != nil {
			a.cfg.Logger.Printf("initial load failed err=%v", err)
		}
		a.app.QueueUpdateDraw(a.refresh)
		return nil
	})
	return g.Wait()
}

func (a *App) build(ctx context.Context) {
	a.app = tview.NewApplication()

	a.canvas = tview.NewBox()
	a.canvas.SetBorder(true).SetTitle("World")
	a.canvas.SetDrawFunc(a.drawCanvas)

	a.chatView = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	a.chatView.SetTitle("Chat").SetBorder(true)

	a.planView = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	a.planView.SetTitle("Plan").SetBorder(true)

	a.decisions = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	a.decisions.SetTitle("Decisions").SetBorder(true)

	a.status = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	a.status.SetTitle("Status").SetBorder(true)

	a.input = tview.NewInputField().
		SetLabel("> ")
	a.input.SetBorder(true).SetTitle("Enter = send | /plan desc | /task a,b: desc | @agent msg | /clear")
	a.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		line := a.input.GetText()
		a.input.SetText("")
		a.submit(ctx, line)
	})

	a.modal = tview.NewModal().
		AddButtons([]string{"Close"}).
		SetDoneFunc(func(int, string) {
			a.ctrl.DismissResult()
			a.pages.HidePage("result")
			a.app.SetFocus(a.input)
		})

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.chatView, 0, 3, false).
		AddItem(a.planView, 0, 1, false).
		AddItem(a.decisions, 0, 1, false)
	body := tview.NewFlex().
		AddItem(a.canvas, 0, 3, false).
		AddItem(right, 0, 2, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(body, 0, 12, false).
		AddItem(a.input, 3, 0, true).
		AddItem(a.status, 3, 0, false)

	a.pages = tview.NewPages().
		AddPage("main", root, true, true).
		AddPage("result", a.modal, true, false)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			a.app.Stop()
			return nil
		case tcell.KeyF5:
			go a.do(ctx, "reload", func() error { return a.ctrl.LoadWorldState(ctx) })
			return nil
		case tcell.KeyCtrlL:
			a.app.SetFocus(a.input)
			return nil
		}
		return event
	})
	a.app.SetRoot(a.pages, true).EnableMouse(true).SetFocus(a.input)
	a.refresh()
}

func (a *App) drawCanvas(screen tcell.Screen, x, y, width, height int) (int, int, int, int) {
	ix, iy, iw, ih := x+1, y+1, width-2, height-2
	if iw <= 0 || ih <= 0 {
		return ix, iy, iw, ih
	}
	canvasW := float64(iw) * a.cfg.CellWidth
	canvasH := float64(ih) * a.cfg.CellHeight
	a.ctrl.SetCanvas(canvasW, canvasH)

	lines := RenderCanvas(a.ctrl.View(), canvasW, canvasH, iw, ih)
	for i, line := range lines {
		tview.Print(screen, tview.Escape(line), ix, iy+i, iw, tview.AlignLeft, tcell.ColorWhite)
	}
	return ix, iy, iw, ih
}

func (a *App) pumpEvents(ctx context.Context) {
	if a.cfg.Events == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.cfg.Events:
			if !ok {
				return
			}
			showResult := ev.Kind == domain.EventStateChanged && ev.State == string(orchestrator.StateIdleWithResult)
			a.app.QueueUpdateDraw(func() {
				a.refresh()
				if showResult {
					a.showResult()
				}
			})
			if ev.Kind == domain.EventStateChanged {
				a.refreshDecisions(ctx)
			}
		}
	}
}

// refresh must run on the UI goroutine.
func (a *App) refresh() {
	v := a.ctrl.View()
	a.chatView.SetText(RenderChat(v.Messages))
	a.chatView.ScrollToEnd()
	a.planView.SetText(RenderPlan(v.PlanningSteps))
	status := RenderStatus(v, a.cfg.Room)
	if a.notice != "" {
		status += " | " + tview.Escape(a.notice)
	}
	a.status.SetText(status)
}

func (a *App) showResult() {
	v := a.ctrl.View()
	if v.Result == nil {
		return
	}
	a.modal.SetText(RenderResult(v.Result))
	a.pages.ShowPage("result")
	a.app.SetFocus(a.modal)
}

func (a *App) refreshDecisions(ctx context.Context) {
	if a.cfg.Decisions == nil {
		return
	}
	items, err := a.cfg.Decisions.ListRoomDecisions(ctx, a.cfg.Room, 500)
	text := ""
	if err != nil {
		text = fmt.Sprintf("error: %v", err)
	} else {
		if len(items) > 30 {
			items = items[len(items)-30:]
		}
		text = RenderDecisions(items)
	}
	a.app.QueueUpdateDraw(func() {
		a.decisions.SetText(text)
		a.decisions.ScrollToEnd()
	})
}

func (a *App) submit(ctx context.Context, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	cmd, err := ParseCommand(line)
	if err != nil {
		a.setNotice(err.Error())
		return
	}
	switch cmd.Kind {
	case CommandPlan:
		go a.do(ctx, "plan", func() error { return a.ctrl.RequestAnalysis(ctx, cmd.Text) })
	case CommandPublish:
		go a.do(ctx, "publish", func() error {
			return a.ctrl.Publish(ctx, orchestrator.TaskRequest{
				Description:    cmd.Text,
				SelectedAgents: cmd.Agents,
				AgentOrder:     cmd.Agents,
			})
		})
	case CommandClear:
		go a.do(ctx, "clear", func() error { return a.ctrl.ClearRoom(ctx) })
	case CommandDismiss:
		a.ctrl.DismissResult()
		a.pages.HidePage("result")
		a.refresh()
	case CommandReload:
		go a.do(ctx, "reload", func() error { return a.ctrl.LoadWorldState(ctx) })
	default:
		go a.do(ctx, "message", func() error {
			_, err := a.ctrl.SendMessage(ctx, cmd.Text, cmd.TargetAgent)
			return err
		})
	}
}

func (a *App) do(ctx context.Context, op string, fn func() error) {
	err := fn()
	notice := ""
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStateConflict):
		notice = "busy, wait for the current operation to finish"
	case errors.Is(err, domain.ErrValidation):
		notice = err.Error()
	case ctx.Err() != nil:
		return
	default:
		notice = op + " failed"
		a.cfg.Logger.Printf("monitor %s failed err=%v", op, err)
	}
	a.app.QueueUpdateDraw(func() {
		a.notice = notice
		a.refresh()
	})
}

// setNotice must run on the UI goroutine.
func (a *App) setNotice(msg string) {
	a.notice = msg
	a.refresh()
}
