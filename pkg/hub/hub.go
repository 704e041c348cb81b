// Package hub fans events out to the live connections of each chat.
package hub

import (
	"log/slog"
	"sort"
	"sync"
)

// Conn is one subscriber connection.
type Conn interface {
	SendJSON(v any) error
}

// Hub tracks connections per chat. Sends happen outside the lock, so a slow
// connection does not block subscription changes.
type Hub struct {
	mu    sync.Mutex
	chats map[string][]Conn
}

// New creates a new Hub.
func New() *Hub {
	return &Hub{chats: make(map[string][]Conn)}
}

// Add registers c for chatID and returns the number of connections for it.
func (h *Hub) Add(chatID string, c Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chats[chatID] = append(h.chats[chatID], c)
	return len(h.chats[chatID])
}

// Remove unregisters c and returns the number of connections left for
// chatID. A chat with none left is forgotten.
func (h *Hub) Remove(chatID string, c Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(chatID, c)
	return len(h.chats[chatID])
}

// remove drops c from chatID, forgetting the chat with its last connection.
func (h *Hub) remove(chatID string, c Conn) {
	conns := h.chats[chatID]
	for i, existing := range conns {
		if existing == c {
			conns = append(conns[:i:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(h.chats, chatID)
		return
	}
	h.chats[chatID] = conns
}

// Len returns the number of connections for chatID.
func (h *Hub) Len(chatID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.chats[chatID])
}

// Chats returns the ids of chats with at least one registration, sorted.
func (h *Hub) Chats() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.chats))
	for id := range h.chats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Emit sends v to every connection of chatID. A connection that fails to
// send is dropped; the others still receive v.
func (h *Hub) Emit(chatID string, v any) {
	h.mu.Lock()
	conns := append([]Conn(nil), h.chats[chatID]...)
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.SendJSON(v); err != nil {
			slog.Debug("Dropping connection after failed send", "chatID", chatID, "error", err)
			h.mu.Lock()
			h.remove(chatID, c)
			h.mu.Unlock()
		}
	}
}

// EmitAll sends v to every connection of every chat.
func (h *Hub) EmitAll(v any) {
	for _, chatID := range h.Chats() {
		h.Emit(chatID, v)
	}
}
