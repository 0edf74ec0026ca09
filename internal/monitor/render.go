package monitor

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rivo/tview"

	"agent_town/internal/domain"
	"agent_town/internal/orchestrator"
	"agent_town/internal/sequencer"
)

var roleGlyphs = map[domain.Role]rune{
	domain.RoleMathematician: 'M',
	domain.RoleArtist:        'A',
	domain.RoleEngineer:      'E',
	domain.RoleMerchant:      '$',
	domain.RoleAthlete:       'R',
	domain.RoleDoctor:        'D',
}

const (
	dispatcherGlyph = 'T'
	deliveryGlyph   = '*'
)

func glyphFor(role domain.Role) rune {
	if g, ok := roleGlyphs[role]; ok {
		return g
	}
	return '?'
}

// cellFor maps a canvas pixel position onto a cols x rows character grid.
func cellFor(p domain.Point, canvasW, canvasH float64, cols, rows int) (int, int) {
	col, row := 0, 0
	if canvasW > 0 {
		col = int(math.Floor(p.X / canvasW * float64(cols)))
	}
	if canvasH > 0 {
		row = int(math.Floor(p.Y / canvasH * float64(rows)))
	}
	return clampInt(col, 0, cols-1), clampInt(row, 0, rows-1)
}

// RenderCanvas draws the world as plain text lines: one glyph per agent
// followed by its name, the dispatcher while a plan is animating, and a
// marker on the agent currently receiving a step.
func RenderCanvas(v orchestrator.View, canvasW, canvasH float64, cols, rows int) []string {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	grid := make([][]rune, rows)
	for r := range grid {
		grid[r] = []rune(strings.Repeat(" ", cols))
	}
	put := func(col, row int, s string) {
		for i, ch := range s {
			if c := col + i; c >= 0 && c < cols && row >= 0 && row < rows {
				grid[row][c] = ch
			}
		}
	}

	if v.WorldState == nil {
		put(0, 0, "No world state loaded")
	} else {
		type mark struct {
			col, row int
			glyph    rune
		}
		marks := make([]mark, 0, len(v.WorldState.Agents))
		for _, a := range v.WorldState.Agents {
			p, ok := v.Positions[a.ID]
			if !ok {
				continue
			}
			col, row := cellFor(p, canvasW, canvasH, cols, rows)
			put(col+2, row, a.Name)
			marks = append(marks, mark{col: col, row: row, glyph: glyphFor(a.Role)})
		}
		for _, m := range marks {
			grid[m.row][m.col] = m.glyph
		}
		put(0, rows-1, fmt.Sprintf("%s %s", v.WorldState.Environment.TimeOfDay, v.WorldState.Environment.Weather))
	}

	if f := v.Frame; f != nil && f.Phase != sequencer.PhaseComplete {
		grid[0][cols/2] = dispatcherGlyph
		if f.Phase == sequencer.PhaseDistributing {
			col, row := cellFor(f.Target, canvasW, canvasH, cols, rows)
			if col+1 < cols {
				col++
			}
			grid[row][col] = deliveryGlyph
		}
	}

	lines := make([]string, rows)
	for r := range grid {
		lines[r] = string(grid[r])
	}
	return lines
}

func RenderChat(messages []domain.ChatMessage) string {
	if len(messages) == 0 {
		return "No messages yet"
	}
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case domain.ChatRoleUser:
			b.WriteString("[yellow]you[-]: ")
		default:
			name := m.Agent
			if name == "" {
				name = "assistant"
			}
			b.WriteString("[green]" + tview.Escape(name) + "[-]: ")
		}
		b.WriteString(tview.Escape(m.Content))
		b.WriteString("\n")
	}
	return b.String()
}

func RenderStatus(v orchestrator.View, room string) string {
	agents := 0
	if v.WorldState != nil {
		agents = len(v.WorldState.Agents)
	}
	status := fmt.Sprintf("room=%s state=%s agents=%d", room, v.State, agents)
	if v.IsLoading {
		status += " [yellow]loading...[-]"
	}
	if f := v.Frame; f != nil && f.Phase == sequencer.PhaseDistributing && f.Step != nil {
		status += fmt.Sprintf(" | step %d/%d -> %s", f.Index+1, f.Total, tview.Escape(f.Step.Agent))
	}
	if v.Error != "" {
		status += " | [red]" + tview.Escape(trimLine(v.Error, 120)) + "[-]"
	}
	return status
}

func RenderPlan(steps []domain.TaskStep) string {
	if len(steps) == 0 {
		return "No active plan"
	}
	var b strings.Builder
	for i, s := range steps {
		b.WriteString(fmt.Sprintf("%d. %s: %s\n", i+1, s.Agent, trimLine(s.Instruction, 100)))
		if s.Reason != "" {
			b.WriteString("   reason: " + trimLine(s.Reason, 100) + "\n")
		}
	}
	return b.String()
}

func RenderResult(r *domain.CollaborativeResult) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Summary: " + r.Summary + "\n")
	for i, res := range r.Results {
		name := res.AgentName
		if name == "" {
			name = res.AgentID
		}
		b.WriteString(fmt.Sprintf("\n%d. %s (%s)\n%s\n", i+1, name, res.AgentID, trimLine(res.Output, 400)))
	}
	return b.String()
}

func RenderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Format("15:04:05"),
			shortID(d.SessionID),
			d.Action,
			trimLine(d.Reason, 100),
		))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func RenderResults(items []domain.ResultRecord) string {
	if len(items) == 0 {
		return "No collaborative results"
	}
	var b strings.Builder
	for _, r := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n  summary: %s (%d agents)\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			shortID(r.ID),
			trimLine(r.Description, 80),
			trimLine(r.Result.Summary, 120),
			len(r.Result.Results),
		))
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if v == "" {
		return "-"
	}
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func clampInt(v, lo, hi int) int {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
