// Package backtester provides the event-driven backtesting engine and
// its robustness tooling (walk-forward splits, block-bootstrap Monte
// Carlo).
package backtester

import (
	"container/heap"
	"time"

	"github.com/vantage-quant/decision-engine/pkg/types"
)

// Phase orders events within one bar. Processing is strictly
// BarClose -> Signal -> Order -> Fill; ties within a phase break by
// insertion order so replays are deterministic.
type Phase int

const (
	PhaseBarClose Phase = iota
	PhaseSignal
	PhaseOrder
	PhaseFill
)

func (p Phase) String() string {
	switch p {
	case PhaseBarClose:
		return "bar_close"
	case PhaseSignal:
		return "signal"
	case PhaseOrder:
		return "order"
	case PhaseFill:
		return "fill"
	}
	return "unknown"
}

// Event is one unit of work in the simulation. Exactly one payload
// pointer is set, matching the phase.
type Event struct {
	Bar   int // bar index the event executes at
	Phase Phase
	At    time.Time

	BarData *types.Bar
	Signal  *types.FusedSignal
	Intent  *types.SizedOrderIntent
	Order   *types.Order

	seq uint64
}

// EventQueue is a priority queue over (bar, phase, insertion order).
type EventQueue struct {
	h   eventHeap
	seq uint64
}

// NewEventQueue creates an empty queue.
func NewEventQueue() *EventQueue {
	q := &EventQueue{}
	heap.Init(&q.h)
	return q
}

// Push enqueues an event.
func (q *EventQueue) Push(e *Event) {
	q.seq++
	e.seq = q.seq
	heap.Push(&q.h, e)
}

// Pop dequeues the next event in simulation order, nil when empty.
func (q *EventQueue) Pop() *Event {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Event)
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int { return q.h.Len() }

type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].Bar != h[j].Bar {
		return h[i].Bar < h[j].Bar
	}
	if h[i].Phase != h[j].Phase {
		return h[i].Phase < h[j].Phase
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(*Event)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
