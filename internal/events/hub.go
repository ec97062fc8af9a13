package events

import (
	"sync"

	"dealgate/internal/domain"
)

// Hub fans appended events out to in-process subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event and is expected
// to catch up from the store by id.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan domain.Event
}

func NewHub() *Hub {
	return &Hub{subs: map[int]chan domain.Event{}}
}

// Subscribe registers a listener. The returned cancel func closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(e domain.Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
