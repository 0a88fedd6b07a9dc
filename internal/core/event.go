package core

import "time"

// DeliveryKind describes what a Delivery carries to a session.
type DeliveryKind int

const (
	// DeliveryMessage carries a chat message, live or drained from the mailbox.
	DeliveryMessage DeliveryKind = iota
	// DeliveryGap tells the client that part of its history expired unread.
	DeliveryGap
	// DeliveryDrained marks the end of the mailbox replay.
	DeliveryDrained
	// DeliveryPresence carries a presence change the session watches.
	DeliveryPresence
	// DeliverySent confirms a send to its sender.
	DeliverySent
	// DeliveryError reports a rejected frame to its sender.
	DeliveryError
)

// Delivery is pushed into a session's outbox and written by the transport.
type Delivery struct {
	Kind        DeliveryKind
	Message     Message
	Gap         *Gap
	Presence    *PresenceState
	Sent        *SendResult
	Error       *CoreError
	ClientToken string
	Pending     int
}

// PresenceStatus is either online or offline.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// PresenceState is the aggregated presence of one user.
type PresenceState struct {
	UserID     string
	Status     PresenceStatus
	LastSeenAt time.Time
}

// CloseReason explains why a session ended.
type CloseReason string

const (
	CloseClientClosed CloseReason = "client_closed"
	CloseIdleTimeout  CloseReason = "idle_timeout"
	CloseForcedKick   CloseReason = "forced_kick"
	CloseForcedBan    CloseReason = "forced_ban"
	CloseSlowConsumer CloseReason = "slow_consumer"
	CloseShutdown     CloseReason = "shutdown"
	CloseDrainFailed  CloseReason = "drain_failed"
)
