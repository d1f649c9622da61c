package models

// Realtime event names exchanged between clients and the relay.
const (
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventSendMessage    = "send_message"
	EventReceiveMessage = "receive_message"
	EventRoomJoined     = "room_joined"
	EventError          = "error"
)

// Event is the envelope carried over websocket frames and poll responses.
type Event struct {
	Type    string   `json:"type"`
	RoomID  int64    `json:"roomId,omitempty"`
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}
