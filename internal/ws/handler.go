package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"huddle/server/internal/core"
	"huddle/server/internal/peers"
	"huddle/server/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// Handler owns websocket transport for the backend.
type Handler struct {
	state    *core.RoomState
	peers    peers.Directory
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the room state and the
// peer directory (consulted only during disconnect cleanup).
func NewHandler(state *core.RoomState, dir peers.Directory) *Handler {
	return &Handler{
		state: state,
		peers: dir,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Time{})
	conn.SetReadLimit(1 << 20)

	var hello protocol.Message
	if err := conn.ReadJSON(&hello); err != nil {
		return
	}
	if hello.Type != protocol.TypeHello {
		h.writeDirectError(conn, "first message must be hello")
		return
	}

	session := h.state.Add(hello.Username, 64)
	defer h.cleanup(session.ConnID)

	go func() {
		for out := range session.Send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}()

	displayName, _ := h.state.DisplayName(session.ConnID)
	h.state.SendTo(session.ConnID, protocol.Message{
		Type:        protocol.TypeReady,
		SelfID:      session.ConnID,
		DisplayName: displayName,
	})

	for {
		var in protocol.Message
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		h.handleInbound(session.ConnID, in)
	}
}

// cleanup runs the disconnect sequence. The three steps are independent:
// a failure or no-op in one never prevents the next.
func (h *Handler) cleanup(connID string) {
	if roomID, ok := h.state.Leave(connID); ok {
		slog.Debug("disconnect left room", "conn_id", connID, "room_id", roomID)
	}
	h.state.Remove(connID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.peers.RemoveByConnection(ctx, connID); err != nil {
		slog.Warn("peer directory cleanup failed", "conn_id", connID, "err", err)
	}
}

func (h *Handler) handleInbound(connID string, in protocol.Message) {
	ctx := context.Background()

	switch in.Type {
	case protocol.TypePing:
		h.state.SendTo(connID, protocol.Message{Type: protocol.TypePong, TS: in.TS})

	case protocol.TypeJoinRoom:
		if strings.TrimSpace(in.RoomID) == "" {
			h.sendError(connID, "room_id is required")
			return
		}
		// Welcome and replay frames arrive via the room's outbound queue.
		if err := h.state.Join(ctx, connID, in.RoomID); err != nil {
			h.sendError(connID, err.Error())
		}

	case protocol.TypeSendMessage:
		if strings.TrimSpace(in.RoomID) == "" {
			h.sendError(connID, "room_id is required")
			return
		}
		if strings.TrimSpace(in.Content) == "" {
			h.sendError(connID, "content is required")
			return
		}
		if _, err := h.state.Relay(ctx, connID, in.RoomID, in.Content); err != nil {
			h.sendError(connID, err.Error())
		}

	default:
		h.sendError(connID, "unsupported message type")
	}
}

func (h *Handler) sendError(connID, errMsg string) {
	h.state.SendTo(connID, protocol.Message{Type: protocol.TypeError, Error: errMsg})
}

func (h *Handler) writeDirectError(conn *websocket.Conn, errMsg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(protocol.Message{Type: protocol.TypeError, Error: errMsg})
}
