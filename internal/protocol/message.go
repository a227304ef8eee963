package protocol

// Message types used by the websocket protocol.
const (
	TypeHello          = "hello"
	TypeReady          = "ready"
	TypeJoinRoom       = "join_room"
	TypeSendMessage    = "send_message"
	TypeReceiveMessage = "receive_message"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeError          = "error"
)

// SystemName is the display name attached to welcome/joined/left notices.
const SystemName = "System"

// Message is the JSON envelope exchanged over websocket.
type Message struct {
	Type        string `json:"type"`
	SelfID      string `json:"self_id,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	RoomID      string `json:"room_id,omitempty"`
	Content     string `json:"content,omitempty"`
	TS          int64  `json:"ts,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ChatMessage is one entry of a room's history, replayed to joiners and
// carried inside receive_message frames. TS is unix milliseconds.
type ChatMessage struct {
	DisplayName string `json:"display_name"`
	Content     string `json:"content"`
	TS          int64  `json:"ts"`
}
