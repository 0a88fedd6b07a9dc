package core

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryState tracks where a sequenced message is on its way to a recipient.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryQueued    DeliveryState = "queued"
)

// Scope is the ordering domain of message ids: a room or an unordered DM pair.
type Scope string

// RoomScope returns the scope of a room.
func RoomScope(roomID string) Scope {
	return Scope("room:" + roomID)
}

// DirectScope returns the scope of a direct conversation. The pair is
// unordered. The lower id is length prefixed so ids containing ':' cannot
// make two pairs collide.
func DirectScope(a, b string) Scope {
	if b < a {
		a, b = b, a
	}
	return Scope(fmt.Sprintf("dm:%d:%s:%s", len(a), a, b))
}

// IsRoom reports whether the scope belongs to a room.
func (s Scope) IsRoom() bool {
	return strings.HasPrefix(string(s), "room:")
}

func (s Scope) String() string {
	return string(s)
}

// Target is where a message is addressed: exactly one of RoomID or UserID is set.
type Target struct {
	RoomID string
	UserID string
}

// IsRoom reports whether the target is a room.
func (t Target) IsRoom() bool {
	return t.RoomID != ""
}

// Validate checks that exactly one destination is set.
func (t Target) Validate() error {
	if (t.RoomID == "") == (t.UserID == "") {
		return fmt.Errorf("%w: exactly one of room or target user is required", ErrBadRequest)
	}
	return nil
}

// ScopeFor returns the ordering scope of a message sent by senderID to t.
func (t Target) ScopeFor(senderID string) Scope {
	if t.IsRoom() {
		return RoomScope(t.RoomID)
	}
	return DirectScope(senderID, t.UserID)
}

// Draft is a message as submitted by a client, before sequencing.
type Draft struct {
	SenderID    string
	Target      Target
	Content     string
	ClientToken string
	SentAt      time.Time
}

// Message is the domain model for a sequenced chat message.
// Scope and Seq together form the message id.
type Message struct {
	Scope         Scope
	Seq           uint64
	SenderID      string
	Target        Target
	Content       string
	ClientToken   string
	SentAt        time.Time
	DeliveryState DeliveryState
}

// Ref returns the id of the message.
func (m Message) Ref() MessageRef {
	return MessageRef{Scope: m.Scope, Seq: m.Seq}
}

// WithState returns a copy of the message carrying state.
func (m Message) WithState(state DeliveryState) Message {
	m.DeliveryState = state
	return m
}

// MessageRef identifies a sequenced message.
type MessageRef struct {
	Scope Scope
	Seq   uint64
}

// MailboxEntry is a message waiting for a recipient without a live session.
type MailboxEntry struct {
	EntryID    uint64
	UserID     string
	Message    Message
	EnqueuedAt time.Time
}

// Gap marks mailbox history dropped by retention before it could be delivered.
type Gap struct {
	ID        uint64
	UserID    string
	Scope     Scope
	FromSeq   uint64
	ToSeq     uint64
	Count     int
	ExpiredAt time.Time
}

// SendResult is what the sender learns about its message.
type SendResult struct {
	Message   Message
	Duplicate bool
	Delivered int
	Queued    int
}
