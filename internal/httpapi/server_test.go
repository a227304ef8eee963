package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"huddle/server/internal/core"
	"huddle/server/internal/peers"
	"huddle/server/internal/protocol"
)

func newTestAPI(t *testing.T) (*core.RoomState, peers.Directory, *httptest.Server) {
	t.Helper()

	state := core.NewRoomState(core.NewMemoryHistory(0), 10)
	dir := peers.NewMemoryDirectory()
	api := New(state, dir)

	ts := httptest.NewServer(api.Echo())
	t.Cleanup(ts.Close)
	return state, dir, ts
}

func TestHealthAndState(t *testing.T) {
	state, _, ts := newTestAPI(t)
	ctx := context.Background()

	alice := state.Add("alice", 8)
	if err := state.Join(ctx, alice.ConnID, "room-1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	healthResp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", healthResp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(healthResp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Clients != 1 {
		t.Fatalf("unexpected health payload: %#v", health)
	}

	stateResp, err := http.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatalf("GET /api/state: %v", err)
	}
	defer stateResp.Body.Close()
	if stateResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /api/state, got %d", stateResp.StatusCode)
	}
	var snapshot stateResponse
	if err := json.NewDecoder(stateResp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if snapshot.Clients != 1 || len(snapshot.Rooms) != 1 {
		t.Fatalf("unexpected state payload: %#v", snapshot)
	}
	if snapshot.Rooms[0].ID != "room-1" || len(snapshot.Rooms[0].Members) != 1 {
		t.Fatalf("unexpected room snapshot: %#v", snapshot.Rooms[0])
	}
	if snapshot.Rooms[0].Members[0].DisplayName != "alice" {
		t.Fatalf("unexpected member: %#v", snapshot.Rooms[0].Members[0])
	}
}

func TestRoomMessages(t *testing.T) {
	state, _, ts := newTestAPI(t)
	ctx := context.Background()

	alice := state.Add("alice", 8)
	if err := state.Join(ctx, alice.ConnID, "room-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := state.Relay(ctx, alice.ConnID, "room-1", "first"); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if _, err := state.Relay(ctx, alice.ConnID, "room-1", "second"); err != nil {
		t.Fatalf("relay: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/rooms/room-1/messages?limit=1")
	if err != nil {
		t.Fatalf("GET messages: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var msgs []protocol.ChatMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "second" {
		t.Fatalf("expected the most recent message only, got %#v", msgs)
	}

	// Unknown room answers with an empty array, not an error.
	resp2, err := http.Get(ts.URL + "/api/rooms/nowhere/messages")
	if err != nil {
		t.Fatalf("GET messages: %v", err)
	}
	defer resp2.Body.Close()
	var empty []protocol.ChatMessage
	if err := json.NewDecoder(resp2.Body).Decode(&empty); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty history, got %#v", empty)
	}
}

func TestPeerLifecycle(t *testing.T) {
	_, _, ts := newTestAPI(t)

	register := func(peerID, name string) peerListResponse {
		t.Helper()
		body, _ := json.Marshal(registerPeerRequest{PeerID: peerID, DisplayName: name, ConnID: "c1"})
		resp, err := http.Post(ts.URL+"/api/rooms/room-1/peers", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("POST peer %s: %v", peerID, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 registering %s, got %d", peerID, resp.StatusCode)
		}
		var out peerListResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode peer list: %v", err)
		}
		return out
	}

	if out := register("p1", "alice"); len(out.Peers) != 1 {
		t.Fatalf("unexpected peer list: %#v", out)
	}
	// Re-registering the same peer id is idempotent.
	if out := register("p1", "alice"); len(out.Peers) != 1 {
		t.Fatalf("duplicate register grew the list: %#v", out)
	}
	if out := register("p2", "bob"); len(out.Peers) != 2 {
		t.Fatalf("unexpected peer list: %#v", out)
	}

	listResp, err := http.Get(ts.URL + "/api/rooms/room-1/peers")
	if err != nil {
		t.Fatalf("GET peers: %v", err)
	}
	defer listResp.Body.Close()
	var list []peers.Peer
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode peers: %v", err)
	}
	if len(list) != 2 || list[0].PeerID != "p1" || list[1].PeerID != "p2" {
		t.Fatalf("unexpected peer list: %#v", list)
	}

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/rooms/room-1/peers/p1", nil)
	if err != nil {
		t.Fatalf("build delete request: %v", err)
	}
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE peer: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delResp.StatusCode)
	}

	listResp2, err := http.Get(ts.URL + "/api/rooms/room-1/peers")
	if err != nil {
		t.Fatalf("GET peers: %v", err)
	}
	defer listResp2.Body.Close()
	var remaining []peers.Peer
	if err := json.NewDecoder(listResp2.Body).Decode(&remaining); err != nil {
		t.Fatalf("decode peers: %v", err)
	}
	if len(remaining) != 1 || remaining[0].PeerID != "p2" {
		t.Fatalf("expected only p2 to remain, got %#v", remaining)
	}
}

func TestRegisterPeerRequiresPeerID(t *testing.T) {
	_, _, ts := newTestAPI(t)

	resp, err := http.Post(
		ts.URL+"/api/rooms/room-1/peers",
		"application/json",
		strings.NewReader(`{"display_name":"alice"}`),
	)
	if err != nil {
		t.Fatalf("POST peer: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing peer_id, got %d", resp.StatusCode)
	}
}
