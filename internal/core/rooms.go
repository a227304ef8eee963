package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"huddle/server/internal/protocol"
)

// SendTimeout bounds how long a write to one member's send channel may block.
const SendTimeout = 50 * time.Millisecond

// AnonymousName is assigned to connections that register without a display name.
const AnonymousName = "Anonymous"

// ErrUnknownConnection is returned when an operation references a connection
// id that was never registered or has already been unregistered.
var ErrUnknownConnection = errors.New("connection is not registered")

// ErrUnknownAuthor rejects a relay whose author is not in the registry.
// This is a protocol violation (message sent before the hello completed).
var ErrUnknownAuthor = errors.New("author is not registered")

// Session represents one connected websocket session.
type Session struct {
	ConnID string
	Send   chan protocol.Message
}

type connState struct {
	id          string
	displayName string
	room        string // current room id, "" when unjoined (reverse index)
	send        chan protocol.Message
}

// outboundQueueSize bounds each room's pending broadcast batches.
const outboundQueueSize = 256

type roomState struct {
	members map[string]*connState
	out     chan outbound
}

// newRoom creates a room and starts the goroutine that drains its outbound
// queue. Rooms are never destroyed, so the drainer lives for the process.
func newRoom() *roomState {
	room := &roomState{
		members: make(map[string]*connState),
		out:     make(chan outbound, outboundQueueSize),
	}
	go room.drainOutbound()
	return room
}

func (room *roomState) drainOutbound() {
	for out := range room.out {
		deliver(out)
	}
}

// RoomState is the in-memory presence state: the connection registry, the
// per-room member sets and the reverse index from connection to room. A
// connection is a member of at most one room at any instant. Room entries
// are kept once created, even at zero members, so history survives
// transient empty periods.
type RoomState struct {
	mu          sync.RWMutex
	conns       map[string]*connState
	rooms       map[string]*roomState
	nextID      atomic.Uint64
	history     History
	replayLimit int

	// Metrics (reset on each Stats call).
	totalRelayed atomic.Uint64
	totalBytes   atomic.Uint64
}

// DefaultReplayLimit is the number of buffered messages replayed to a joiner.
const DefaultReplayLimit = 10

// NewRoomState returns an empty room state backed by the given history.
func NewRoomState(history History, replayLimit int) *RoomState {
	if history == nil {
		history = NewMemoryHistory(0)
	}
	if replayLimit <= 0 {
		replayLimit = DefaultReplayLimit
	}
	return &RoomState{
		conns:       make(map[string]*connState),
		rooms:       make(map[string]*roomState),
		history:     history,
		replayLimit: replayLimit,
	}
}

// Add registers a new connection and returns its session. A blank display
// name becomes AnonymousName. Add never fails.
func (r *RoomState) Add(displayName string, sendBuf int) *Session {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = AnonymousName
	}
	if sendBuf <= 0 {
		sendBuf = 64
	}

	id := fmt.Sprintf("c%d", r.nextID.Add(1))
	c := &connState{
		id:          id,
		displayName: displayName,
		send:        make(chan protocol.Message, sendBuf),
	}

	r.mu.Lock()
	r.conns[id] = c
	count := len(r.conns)
	r.mu.Unlock()

	slog.Info("connection registered", "conn_id", id, "display_name", displayName, "total_conns", count)
	return &Session{ConnID: id, Send: c.send}
}

// DisplayName resolves a connection id to its display name.
func (r *RoomState) DisplayName(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return c.displayName, true
}

// Remove unregisters a connection and closes its send channel. Removing an
// unknown id is a no-op; the caller is expected to Leave first, but a
// lingering membership is still cleared so no room retains a dead entry.
func (r *RoomState) Remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	if c.room != "" {
		if room, ok := r.rooms[c.room]; ok {
			delete(room.members, connID)
		}
		c.room = ""
	}
	delete(r.conns, connID)
	close(c.send)

	slog.Info("connection unregistered", "conn_id", connID, "display_name", c.displayName, "remaining_conns", len(r.conns))
	return true
}

// ClientCount returns the number of registered connections.
func (r *RoomState) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CurrentRoom returns the room a connection currently occupies, if any.
func (r *RoomState) CurrentRoom(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	if !ok || c.room == "" {
		return "", false
	}
	return c.room, true
}

// outbound is a batch of frames addressed to a member snapshot. Batches are
// enqueued on the room's out channel under the state lock, so queue order
// matches mutation and append order; the room's drainer delivers them one
// at a time without reordering.
type outbound struct {
	targets []chan protocol.Message
	msg     protocol.Message
}

// welcomeText greets every joining connection, before the replay.
const welcomeText = "Welcome to the room"

// Join moves a connection into roomID, creating the room on first use.
// If the connection occupies another room it is evicted from it first and
// that room's remaining members are told it left; the new room's other
// members are told it joined. Rejoining the current room repeats only the
// welcome and the replay. Every frame a join produces goes through the
// room's outbound queue, so a relay racing with the join cannot overtake
// the replay in the joiner's stream.
func (r *RoomState) Join(ctx context.Context, connID, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConnection
	}
	if c.room != roomID {
		if c.room != "" {
			if prev, ok := r.rooms[c.room]; ok {
				delete(prev.members, connID)
				prev.out <- outbound{
					targets: sendTargetsLocked(prev),
					msg:     systemNotice(c.room, c.displayName+" left the room"),
				}
			}
			slog.Info("room left", "conn_id", connID, "room_id", c.room, "reason", "switch")
		}

		room := r.rooms[roomID]
		if room == nil {
			room = newRoom()
			r.rooms[roomID] = room
		}
		// Snapshot before admitting so the joiner is not notified about itself.
		room.out <- outbound{
			targets: sendTargetsLocked(room),
			msg:     systemNotice(roomID, c.displayName+" joined the room"),
		}
		room.members[connID] = c
		c.room = roomID
		slog.Info("room joined", "conn_id", connID, "room_id", roomID, "members", len(room.members))
	}

	room := r.rooms[roomID]
	room.out <- outbound{
		targets: []chan protocol.Message{c.send},
		msg:     systemNotice(roomID, welcomeText),
	}
	replay, err := r.history.Recent(ctx, roomID, r.replayLimit)
	if err != nil {
		// Replay is best-effort: the joiner just gets an empty backlog.
		slog.Warn("history replay failed", "room_id", roomID, "err", err)
		replay = nil
	}
	for _, m := range replay {
		room.out <- outbound{
			targets: []chan protocol.Message{c.send},
			msg: protocol.Message{
				Type:        protocol.TypeReceiveMessage,
				RoomID:      roomID,
				DisplayName: m.DisplayName,
				Content:     m.Content,
				TS:          m.TS,
			},
		}
	}
	r.mu.Unlock()
	return nil
}

// Leave removes a connection from whichever room it occupies and tells the
// remaining members. It reports the room that was left; leaving while
// unjoined (or unregistered) is a no-op.
func (r *RoomState) Leave(connID string) (string, bool) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok || c.room == "" {
		r.mu.Unlock()
		return "", false
	}
	roomID := c.room
	c.room = ""

	if room, ok := r.rooms[roomID]; ok {
		delete(room.members, connID)
		room.out <- outbound{
			targets: sendTargetsLocked(room),
			msg:     systemNotice(roomID, c.displayName+" left the room"),
		}
	}
	r.mu.Unlock()

	slog.Info("room left", "conn_id", connID, "room_id", roomID)
	return roomID, true
}

// Relay appends a message authored by connID to roomID's history and
// broadcasts it to the room's member set as of this call, author included.
// Members receive concurrent relays in the same order the appends happened.
// The room is created lazily. An unregistered author is rejected with
// ErrUnknownAuthor and nothing is appended or broadcast.
func (r *RoomState) Relay(ctx context.Context, connID, roomID, content string) (protocol.ChatMessage, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return protocol.ChatMessage{}, fmt.Errorf("room id is required")
	}

	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return protocol.ChatMessage{}, ErrUnknownAuthor
	}
	msg := protocol.ChatMessage{
		DisplayName: c.displayName,
		Content:     content,
		TS:          time.Now().UnixMilli(),
	}
	room := r.rooms[roomID]
	if room == nil {
		room = newRoom()
		r.rooms[roomID] = room
	}
	appendErr := r.history.Append(ctx, roomID, msg)
	// Enqueued under the lock so delivery order matches append order.
	room.out <- outbound{
		targets: sendTargetsLocked(room),
		msg: protocol.Message{
			Type:        protocol.TypeReceiveMessage,
			RoomID:      roomID,
			DisplayName: msg.DisplayName,
			Content:     msg.Content,
			TS:          msg.TS,
		},
	}
	r.mu.Unlock()

	if appendErr != nil {
		// History is best-effort; live delivery still happens.
		slog.Warn("history append failed", "room_id", roomID, "err", appendErr)
	}

	r.totalRelayed.Add(1)
	r.totalBytes.Add(uint64(len(content)))
	return msg, nil
}

// Recent returns up to limit buffered messages for a room, oldest first.
// Unknown rooms produce an empty slice.
func (r *RoomState) Recent(ctx context.Context, roomID string, limit int) ([]protocol.ChatMessage, error) {
	return r.history.Recent(ctx, roomID, limit)
}

// SendTo sends one frame to one connection.
func (r *RoomState) SendTo(connID string, msg protocol.Message) bool {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return trySend(c.send, msg)
}

// MemberInfo identifies one room member.
type MemberInfo struct {
	ConnID      string `json:"conn_id"`
	DisplayName string `json:"display_name"`
}

// RoomInfo is a point-in-time view of one room.
type RoomInfo struct {
	ID      string       `json:"id"`
	Members []MemberInfo `json:"members"`
}

// Rooms returns a stable ordered snapshot of all rooms and their members.
func (r *RoomState) Rooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RoomInfo, 0, len(r.rooms))
	for id, room := range r.rooms {
		info := RoomInfo{ID: id, Members: make([]MemberInfo, 0, len(room.members))}
		for _, c := range room.members {
			info.Members = append(info.Members, MemberInfo{ConnID: c.id, DisplayName: c.displayName})
		}
		sort.Slice(info.Members, func(i, j int) bool { return info.Members[i].ConnID < info.Members[j].ConnID })
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns accumulated relay counts since the last call and resets them.
func (r *RoomState) Stats() (relayed, bytes uint64, conns int) {
	relayed = r.totalRelayed.Swap(0)
	bytes = r.totalBytes.Swap(0)
	conns = r.ClientCount()
	return
}

func systemNotice(roomID, content string) protocol.Message {
	return protocol.Message{
		Type:        protocol.TypeReceiveMessage,
		RoomID:      roomID,
		DisplayName: protocol.SystemName,
		Content:     content,
		TS:          time.Now().UnixMilli(),
	}
}

func sendTargetsLocked(room *roomState) []chan protocol.Message {
	targets := make([]chan protocol.Message, 0, len(room.members))
	for _, c := range room.members {
		targets = append(targets, c.send)
	}
	return targets
}

func deliver(out outbound) {
	sent := 0
	for _, ch := range out.targets {
		if trySend(ch, out.msg) {
			sent++
		}
	}
	if len(out.targets) > 0 {
		slog.Debug("broadcast", "type", out.msg.Type, "room_id", out.msg.RoomID, "recipients", sent, "total", len(out.targets))
	}
}

func trySend(ch chan protocol.Message, msg protocol.Message) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- msg:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("trySend timeout", "type", msg.Type)
		return false
	}
}
