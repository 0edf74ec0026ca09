// Package layout places agents on the world canvas.
//
// Agents are spread over a fixed set of slots expressed as fractions of the
// canvas size, so the same layout scales with the canvas. Slot order is
// permuted on every call and each position gets a small jitter; the result is
// always clamped inside the canvas margins.
package layout

import (
	"math"
	"math/rand/v2"

	"agent_town/internal/domain"
)

const (
	MarginX = 40
	MarginY = 60

	jitterSpan = 20

	DefaultCanvasWidth  = 800
	DefaultCanvasHeight = 700
	baselineScreenWidth = 1200
)

type slot struct {
	fx float64
	fy float64
}

var slots = []slot{
	{fx: 0.15, fy: 0.3},
	{fx: 0.35, fy: 0.3},
	{fx: 0.55, fy: 0.3},
	{fx: 0.75, fy: 0.3},
	{fx: 0.25, fy: 0.6},
	{fx: 0.45, fy: 0.6},
	{fx: 0.65, fy: 0.6},
}

// SlotCount is the number of distinct base slots before reuse.
func SlotCount() int {
	return len(slots)
}

// Rand is the randomness the engine consumes. *rand.Rand from math/rand/v2
// satisfies it.
type Rand interface {
	IntN(n int) int
	Shuffle(n int, swap func(i, j int))
}

type globalRand struct{}

func (globalRand) IntN(n int) int                     { return rand.IntN(n) }
func (globalRand) Shuffle(n int, swap func(i, j int)) { rand.Shuffle(n, swap) }

// Placement is one agent's position and the base slot it was drawn from.
type Placement struct {
	AgentID string
	Slot    int
	Point   domain.Point
}

// Engine places agents. It is safe for concurrent use when its Rand is.
type Engine struct {
	rng Rand
}

// New returns an engine drawing from rng. A nil rng uses the process-wide
// source.
func New(rng Rand) *Engine {
	if rng == nil {
		rng = globalRand{}
	}
	return &Engine{rng: rng}
}

// NewSeeded returns an engine over a PCG source, so equal seeds give equal layouts.
func NewSeeded(seed1, seed2 uint64) *Engine {
	return New(rand.New(rand.NewPCG(seed1, seed2)))
}

// Place returns one placement per id, in input order. Slots are taken in a
// fresh random order and reused cyclically past SlotCount agents. Every point
// is clamped to [MarginX, width-MarginX] x [MarginY, height-MarginY], with the
// lower margin winning on canvases too small for both.
func (e *Engine) Place(ids []string, width, height float64) []Placement {
	if len(ids) == 0 {
		return []Placement{}
	}
	width = sanitizeDimension(width)
	height = sanitizeDimension(height)

	order := make([]int, len(slots))
	for i := range order {
		order[i] = i
	}
	e.rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	out := make([]Placement, 0, len(ids))
	for i, id := range ids {
		idx := order[i%len(order)]
		base := slots[idx]
		bx := math.Floor(width * base.fx)
		by := math.Floor(height * base.fy)
		offsetX := float64(e.rng.IntN(jitterSpan) - jitterSpan/2)
		offsetY := float64(e.rng.IntN(jitterSpan) - jitterSpan/2)
		out = append(out, Placement{
			AgentID: id,
			Slot:    idx,
			Point: domain.Point{
				X: clamp(bx+offsetX, MarginX, width-MarginX),
				Y: clamp(by+offsetY, MarginY, height-MarginY),
			},
		})
	}
	return out
}

// AdjustForScreen lays agents out on the canvas a screen of the given width
// gets: 800x700 at 1200px and wider, scaled down linearly below that.
func (e *Engine) AdjustForScreen(ids []string, screenWidth float64) []Placement {
	w, h := CanvasForScreen(screenWidth)
	return e.Place(ids, w, h)
}

// CanvasForScreen returns the canvas width and height used on a screen of the
// given width.
func CanvasForScreen(screenWidth float64) (float64, float64) {
	scale := math.Min(sanitizeDimension(screenWidth)/baselineScreenWidth, 1)
	return math.Floor(DefaultCanvasWidth * scale), math.Floor(DefaultCanvasHeight * scale)
}

// Positions indexes placements by agent id.
func Positions(placements []Placement) map[string]domain.Point {
	out := make(map[string]domain.Point, len(placements))
	for _, p := range placements {
		out[p.AgentID] = p.Point
	}
	return out
}

// clamp applies the upper bound first so the lower margin wins on canvases
// too small to hold both margins.
func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func sanitizeDimension(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
