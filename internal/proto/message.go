package proto

// ProtocolVersion is the major version spoken by this server. Frames carry it
// in the "v" field; a missing version is read as the current one.
const ProtocolVersion = 1

const (
	InboundTypeHello = "hello"
	InboundTypeMsg   = "msg"
	InboundTypeAck   = "ack"
	InboundTypeWatch = "watch"
	InboundTypePing  = "ping"

	OutboundTypeWelcome  = "welcome"
	OutboundTypeMessage  = "message"
	OutboundTypeSent     = "sent"
	OutboundTypeError    = "error"
	OutboundTypeGap      = "gap"
	OutboundTypePresence = "presence"
	OutboundTypeDrained  = "drained"
	OutboundTypePong     = "pong"
)

// Inbound is a frame coming from the client. Fields not used by a type are
// left empty; unknown fields are ignored.
type Inbound struct {
	V    int    `json:"v"`
	Type string `json:"type" validate:"required,oneof=hello msg ack watch ping"`

	// hello
	Token string `json:"token,omitempty" validate:"required_if=Type hello"`

	// msg
	RoomID       string `json:"roomId,omitempty" validate:"omitempty,max=128"`
	TargetUserID string `json:"targetUserId,omitempty" validate:"omitempty,max=128"`
	Content      string `json:"content,omitempty"`
	ClientToken  string `json:"clientToken,omitempty" validate:"omitempty,max=128"`
	// SentAt is the client clock in unix milliseconds.
	SentAt int64 `json:"sentAt,omitempty" validate:"gte=0"`

	// ack
	Acks []AckRef `json:"acks,omitempty" validate:"required_if=Type ack,dive"`

	// watch
	UserIDs []string `json:"userIds,omitempty" validate:"required_if=Type watch,dive,required"`
}

// AckRef acknowledges one delivered message.
type AckRef struct {
	Scope     string `json:"scope" validate:"required"`
	MessageID uint64 `json:"messageId" validate:"gt=0"`
}

// Outbound is a frame sent to the client.
type Outbound struct {
	V    int    `json:"v"`
	Type string `json:"type"`

	// welcome
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`

	// message, sent
	MessageID     uint64 `json:"messageId,omitempty"`
	Scope         string `json:"scope,omitempty"`
	SenderID      string `json:"senderId,omitempty"`
	RoomID        string `json:"roomId,omitempty"`
	TargetUserID  string `json:"targetUserId,omitempty"`
	Content       string `json:"content,omitempty"`
	SentAt        int64  `json:"sentAt,omitempty"`
	DeliveryState string `json:"deliveryState,omitempty"`
	ClientToken   string `json:"clientToken,omitempty"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	Delivered     int    `json:"delivered,omitempty"`
	Queued        int    `json:"queued,omitempty"`

	// gap
	FromID    uint64 `json:"fromId,omitempty"`
	ToID      uint64 `json:"toId,omitempty"`
	Count     int    `json:"count,omitempty"`
	ExpiredAt int64  `json:"expiredAt,omitempty"`

	// presence
	Status     string `json:"status,omitempty"`
	LastSeenAt int64  `json:"lastSeenAt,omitempty"`

	// drained
	Pending *int `json:"pending,omitempty"`

	Error *Error `json:"error,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
