package core

import (
	"context"
	"sync"

	"huddle/server/internal/protocol"
)

// DefaultHistorySize is the per-room buffer capacity when none is configured.
const DefaultHistorySize = 100

// History is the bounded recent-message capability behind room replay.
// Two implementations exist: MemoryHistory here and the sqlite-backed
// store.Store, selected by configuration at startup.
type History interface {
	// Append records a message for a room, creating the room on first use.
	Append(ctx context.Context, roomID string, msg protocol.ChatMessage) error
	// Recent returns up to limit messages oldest-first. Unknown rooms
	// yield an empty result, not an error.
	Recent(ctx context.Context, roomID string, limit int) ([]protocol.ChatMessage, error)
}

// MemoryHistory keeps per-room message logs in process memory with FIFO
// eviction beyond capacity. Evicted messages are discarded.
type MemoryHistory struct {
	mu       sync.Mutex
	capacity int
	rooms    map[string][]protocol.ChatMessage
}

// NewMemoryHistory returns an empty in-memory history. A non-positive
// capacity falls back to DefaultHistorySize.
func NewMemoryHistory(capacity int) *MemoryHistory {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &MemoryHistory{
		capacity: capacity,
		rooms:    make(map[string][]protocol.ChatMessage),
	}
}

// Append adds msg to the room's log, evicting the oldest entries once the
// log exceeds capacity.
func (h *MemoryHistory) Append(_ context.Context, roomID string, msg protocol.ChatMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	msgs := append(h.rooms[roomID], msg)
	if excess := len(msgs) - h.capacity; excess > 0 {
		msgs = append([]protocol.ChatMessage(nil), msgs[excess:]...)
	}
	h.rooms[roomID] = msgs
	return nil
}

// Recent returns the last min(limit, len) messages oldest-first.
func (h *MemoryHistory) Recent(_ context.Context, roomID string, limit int) ([]protocol.ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	msgs := h.rooms[roomID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]protocol.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}
