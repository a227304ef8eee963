package core

import (
	"context"
	"fmt"
	"testing"

	"huddle/server/internal/protocol"
)

func TestMemoryHistoryFIFOEviction(t *testing.T) {
	h := NewMemoryHistory(3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		msg := protocol.ChatMessage{DisplayName: "alice", Content: fmt.Sprintf("m%d", i), TS: int64(i)}
		if err := h.Append(ctx, "room-1", msg); err != nil {
			t.Fatalf("append m%d: %v", i, err)
		}
	}

	got, err := h.Recent(ctx, "room-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected capacity-bounded 3 messages, got %d", len(got))
	}
	for i, want := range []string{"m3", "m4", "m5"} {
		if got[i].Content != want {
			t.Fatalf("position %d: expected %q, got %q", i, want, got[i].Content)
		}
	}
}

func TestMemoryHistoryRecentLimit(t *testing.T) {
	h := NewMemoryHistory(10)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_ = h.Append(ctx, "room-1", protocol.ChatMessage{Content: fmt.Sprintf("m%d", i), TS: int64(i)})
	}

	got, err := h.Recent(ctx, "room-1", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].Content != "m4" || got[1].Content != "m5" {
		t.Fatalf("expected last two oldest-first, got %#v", got)
	}
}

func TestMemoryHistoryUnknownRoomEmpty(t *testing.T) {
	h := NewMemoryHistory(10)
	got, err := h.Recent(context.Background(), "nowhere", 5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result for unknown room, got %#v", got)
	}
}

func TestMemoryHistoryRoomsIndependent(t *testing.T) {
	h := NewMemoryHistory(10)
	ctx := context.Background()

	_ = h.Append(ctx, "room-1", protocol.ChatMessage{Content: "a"})
	_ = h.Append(ctx, "room-2", protocol.ChatMessage{Content: "b"})

	got, _ := h.Recent(ctx, "room-1", 10)
	if len(got) != 1 || got[0].Content != "a" {
		t.Fatalf("room-1 history polluted: %#v", got)
	}
}
