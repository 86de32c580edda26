package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/CosmoTheDev/covscan/internal/pipeline"
)

// Broadcaster fans SSEEvent values out to all active GET /events subscribers.
// A subscriber whose buffer is full misses the frame.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan []byte]struct{}
	closed bool
}

// NewBroadcaster returns an empty Broadcaster. Create it before the pipeline
// so Publish can be handed over as pipeline.Deps.Publish.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan []byte]struct{})}
}

// Publish forwards a pipeline job event to subscribers.
func (b *Broadcaster) Publish(e pipeline.Event) {
	b.Send(SSEEvent{Type: e.Type, Payload: e})
}

// Subscribers returns the number of connected clients.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// subscribe returns a channel of ready-to-write SSE frames, or nil once the
// broadcaster is closed. The caller must unsubscribe when done.
func (b *Broadcaster) subscribe() chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	ch := make(chan []byte, 32)
	b.subs[ch] = struct{}{}
	return ch
}

func (b *Broadcaster) unsubscribe(ch chan []byte) {
	if ch == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// close disconnects every subscriber so streaming handlers return before the
// HTTP server shuts down.
func (b *Broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

// Send fans evt out to every subscriber without blocking.
func (b *Broadcaster) Send(evt SSEEvent) {
	frame, err := frameOf(evt)
	if err != nil {
		slog.Warn("gateway: failed to marshal SSE event", "type", evt.Type, "error", err)
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

// frameOf renders evt in the SSE wire format "event: <type>\ndata: <json>\n\n".
func frameOf(evt SSEEvent) ([]byte, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(raw)+len(evt.Type)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, evt.Type...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, raw...)
	return append(frame, '\n', '\n'), nil
}
