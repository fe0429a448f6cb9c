package core

// Event types exchanged over the realtime channel.
const (
	// inbound
	SendMessageEvent = "send_message"
	JoinRoomEvent    = "join_room"
	LeaveRoomEvent   = "leave_room"

	// outbound
	ReceiveMessageEvent = "receive_message"
	JoinedRoomEvent     = "joined_room"
	LeftRoomEvent       = "left_room"
	ErrorEvent          = "error"
)

type SendMessagePayload struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

type LeaveRoomPayload = JoinRoomPayload

type JoinedRoomPayload struct {
	RoomID string `json:"roomId"`
}

type LeftRoomPayload = JoinedRoomPayload

type MessageUser struct {
	UserName string `json:"userName"`
	Photo    string `json:"photo"`
}

// ReceiveMessagePayload is the record as broadcast to a room, with the author's display fields.
type ReceiveMessagePayload struct {
	ID        string      `json:"id"`
	Text      string      `json:"text"`
	RoomID    string      `json:"roomId"`
	UserID    string      `json:"userId"`
	UserName  string      `json:"userName"`
	CreatedAt int64       `json:"createdAt"`
	User      MessageUser `json:"user"`
}

func NewReceiveMessagePayload(m MessageRecord, photo string) ReceiveMessagePayload {
	return ReceiveMessagePayload{
		ID:        m.ID,
		Text:      m.Text,
		RoomID:    m.RoomID,
		UserID:    m.UserID,
		UserName:  m.UserName,
		CreatedAt: m.CreatedAt,
		User:      MessageUser{UserName: m.UserName, Photo: photo},
	}
}

type ErrorPayload struct {
	Message string `json:"message"`
}
