// Package peers tracks the per-room signaling identifiers used for direct
// peer negotiation. It is independent of the websocket layer: records are
// mutated over REST calls and purged best-effort when a connection drops.
package peers

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Record is one registered signaling identity inside a room. ConnID is the
// transport-level correlation used for disconnect cleanup.
type Record struct {
	RoomID      string
	PeerID      string
	DisplayName string
	ConnID      string
}

// Peer is the listing shape exposed to callers.
type Peer struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
}

// Directory is the peer-registry capability. Two implementations exist:
// MemoryDirectory here and the sqlite-backed store.Store.
type Directory interface {
	// Register adds a record, creating the room's list on first use.
	// Registering a peer id already present in the room is a no-op.
	// Either way the room's full current list is returned.
	Register(ctx context.Context, rec Record) ([]Peer, error)
	// List returns a room's peers; unknown rooms yield an empty list.
	List(ctx context.Context, roomID string) ([]Peer, error)
	// Remove deletes the matching record; no-op when absent.
	Remove(ctx context.Context, roomID, peerID string) error
	// RemoveByConnection scans all rooms and deletes records whose
	// connection id matches. Used by disconnect cleanup.
	RemoveByConnection(ctx context.Context, connID string) error
}

// MemoryDirectory keeps peer records in process memory, preserving each
// room's registration order.
type MemoryDirectory struct {
	mu    sync.Mutex
	rooms map[string][]Record
}

// NewMemoryDirectory returns an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{rooms: make(map[string][]Record)}
}

func (d *MemoryDirectory) Register(_ context.Context, rec Record) ([]Peer, error) {
	rec.RoomID = strings.TrimSpace(rec.RoomID)
	rec.PeerID = strings.TrimSpace(rec.PeerID)

	d.mu.Lock()
	defer d.mu.Unlock()

	recs := d.rooms[rec.RoomID]
	exists := false
	for _, r := range recs {
		if r.PeerID == rec.PeerID {
			exists = true
			break
		}
	}
	if !exists {
		recs = append(recs, rec)
		d.rooms[rec.RoomID] = recs
		slog.Info("peer registered", "room_id", rec.RoomID, "peer_id", rec.PeerID, "conn_id", rec.ConnID, "total_peers", len(recs))
	}
	return toPeers(recs), nil
}

func (d *MemoryDirectory) List(_ context.Context, roomID string) ([]Peer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return toPeers(d.rooms[roomID]), nil
}

func (d *MemoryDirectory) Remove(_ context.Context, roomID, peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	recs := d.rooms[roomID]
	for i, r := range recs {
		if r.PeerID == peerID {
			d.rooms[roomID] = append(recs[:i], recs[i+1:]...)
			slog.Info("peer removed", "room_id", roomID, "peer_id", peerID)
			return nil
		}
	}
	return nil
}

func (d *MemoryDirectory) RemoveByConnection(_ context.Context, connID string) error {
	if strings.TrimSpace(connID) == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for roomID, recs := range d.rooms {
		kept := recs[:0]
		for _, r := range recs {
			if r.ConnID == connID {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		d.rooms[roomID] = kept
	}
	if removed > 0 {
		slog.Info("peers purged for connection", "conn_id", connID, "removed", removed)
	}
	return nil
}

func toPeers(recs []Record) []Peer {
	out := make([]Peer, 0, len(recs))
	for _, r := range recs {
		out = append(out, Peer{PeerID: r.PeerID, DisplayName: r.DisplayName})
	}
	return out
}
