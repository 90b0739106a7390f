// Package dispatch turns pending jobs into terminal jobs: a bounded
// in-process queue drained by a worker pool that invokes the LLM backend.
package dispatch

import (
	"fmt"

	"github.com/observatory-hq/observatory/internal/adapter/observability"
	"github.com/observatory-hq/observatory/internal/domain"
)

// queue holds two bounded channels; high-priority submissions are drained
// ahead of normal ones.
type queue struct {
	high   chan domain.DispatchRequest
	normal chan domain.DispatchRequest
}

func newQueue(depth int) *queue {
	if depth <= 0 {
		depth = 128
	}
	// High lane is deliberately smaller: it exists to jump the line, not to
	// buffer a partner backlog.
	highDepth := depth / 4
	if highDepth < 1 {
		highDepth = 1
	}
	return &queue{
		high:   make(chan domain.DispatchRequest, highDepth),
		normal: make(chan domain.DispatchRequest, depth),
	}
}

// Enqueue accepts a claimed-to-be-dispatched job; ErrBusy when the lane is
// full.
func (p *Pool) Enqueue(_ domain.Context, req domain.DispatchRequest) error {
	lane := p.q.normal
	label := "normal"
	if req.Priority == domain.PriorityHigh {
		lane = p.q.high
		label = "high"
	}
	select {
	case lane <- req:
		observability.QueueDepth.WithLabelValues(label).Set(float64(len(lane)))
		return nil
	default:
		return fmt.Errorf("op=dispatch.enqueue: queue full: %w", domain.ErrBusy)
	}
}
