package ws

import (
	"sync"
)

type Conn interface {
	Send(msg Message) error
	Close() error
	Path() string
}

// Hub tracks open subscription sockets by the path they watch.
type Hub struct {
	mu    sync.RWMutex
	paths map[string]map[Conn]struct{} // path -> set of connections
}

func NewHub() *Hub {
	return &Hub{paths: make(map[string]map[Conn]struct{})}
}

func (h *Hub) Add(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.paths[c.Path()]
	if !ok {
		set = make(map[Conn]struct{})
		h.paths[c.Path()] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) Remove(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.paths[c.Path()]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.paths, c.Path())
		}
	}
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, set := range h.paths {
		n += len(set)
	}
	return n
}

// Watched returns how many connections watch each path.
func (h *Hub) Watched() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]int, len(h.paths))
	for p, set := range h.paths {
		out[p] = len(set)
	}
	return out
}

// CloseAll tells every connection the server is going away and closes it.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	var conns []Conn
	for _, set := range h.paths {
		for c := range set {
			conns = append(conns, c)
		}
	}
	h.paths = make(map[string]map[Conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Send(Message{Type: TypeError, Data: ErrorPayload{Message: reason}}) // best-effort
		_ = c.Close()
	}
}
