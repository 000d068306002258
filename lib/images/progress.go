package images

import (
	"context"
	"fmt"
	"sync"
)

// Pull status constants
const (
	StatusPending   = "pending"
	StatusResolving = "resolving"
	StatusPulling   = "pulling"
	StatusUnpacking = "unpacking"
	StatusReady     = "ready"
	StatusFailed    = "failed"
)

// ProgressUpdate represents a status update during an image pull
type ProgressUpdate struct {
	Ref      string  `json:"ref"`
	Status   string  `json:"status"`
	Layer    string  `json:"layer,omitempty"`
	Complete int64   `json:"complete,omitempty"`
	Total    int64   `json:"total,omitempty"`
	Error    *string `json:"error,omitempty"`
}

// ProgressTracker broadcasts pull progress to subscribers. Slow subscribers
// miss updates rather than stall a pull.
type ProgressTracker struct {
	subscribers []chan ProgressUpdate
	mu          sync.RWMutex
	closed      bool
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{}
}

func (p *ProgressTracker) broadcast(update ProgressUpdate) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}
	for _, ch := range p.subscribers {
		select {
		case ch <- update:
		default:
		}
	}
}

// Update reports a status change for ref.
func (p *ProgressTracker) Update(ref, status string) {
	p.broadcast(ProgressUpdate{Ref: ref, Status: status})
}

// Layer reports byte progress for one blob of ref.
func (p *ProgressTracker) Layer(ref, layer string, complete, total int64) {
	p.broadcast(ProgressUpdate{Ref: ref, Status: StatusPulling, Layer: layer, Complete: complete, Total: total})
}

// Fail marks the pull of ref as failed with error message
func (p *ProgressTracker) Fail(ref string, err error) {
	msg := err.Error()
	p.broadcast(ProgressUpdate{Ref: ref, Status: StatusFailed, Error: &msg})
}

// Complete marks the pull of ref as complete
func (p *ProgressTracker) Complete(ref string) {
	p.Update(ref, StatusReady)
}

// Subscribe adds a subscriber. The channel is closed when ctx is done or
// the tracker is closed.
func (p *ProgressTracker) Subscribe(ctx context.Context) (<-chan ProgressUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("tracker closed")
	}

	ch := make(chan ProgressUpdate, 64)
	p.subscribers = append(p.subscribers, ch)

	go func() {
		<-ctx.Done()
		p.unsubscribe(ch)
	}()

	return ch, nil
}

func (p *ProgressTracker) unsubscribe(ch chan ProgressUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, sub := range p.subscribers {
		if sub == ch {
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Close closes all subscriber channels
func (p *ProgressTracker) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
}
