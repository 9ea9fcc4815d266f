package server

import (
	"sync"

	"github.com/google/uuid"

	"github.com/gomithril/embeddinglab/view"
)

// event is a rendered state tagged with the snapshot sequence it came from.
type event struct {
	seq   uint64
	state view.State
}

// hub fans rendered states out to event stream subscribers.
// Each subscriber holds only the latest state; slow readers skip intermediate ones.
// States older than the last published one are dropped.
type hub struct {
	mu      sync.Mutex
	subs    map[uuid.UUID]chan event
	lastSeq uint64
	closed  bool
}

func newHub() *hub {
	return &hub{subs: make(map[uuid.UUID]chan event)}
}

func (h *hub) subscribe() (uuid.UUID, <-chan event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := uuid.New()
	ch := make(chan event, 1)
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subs[id] = ch
	return id, ch
}

func (h *hub) unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *hub) publish(seq uint64, s view.State) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if seq <= h.lastSeq {
		return
	}
	h.lastSeq = seq

	ev := event{seq: seq, state: s}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
