package store

import (
	"context"
	"errors"
	"time"

	"github.com/vovakirdan/wirechat-relay/internal/core"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with an existing key it must not overwrite.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable wraps failures of the underlying engine that are worth retrying.
	ErrUnavailable = errors.New("store unavailable")
)

// TokenRecord remembers which id a client token was sequenced under.
type TokenRecord struct {
	SenderID    string
	ClientToken string
	Scope       core.Scope
	Seq         uint64
	SentAt      time.Time
	Routed      bool
	ExpiresAt   time.Time
}

// Membership is one (room, user) pair.
type Membership struct {
	RoomID   string
	UserID   string
	JoinedAt time.Time
}

// MessageStore handles sequencing and message history.
type MessageStore interface {
	// AppendMessage atomically increments the scope counter, stores msg under the new
	// sequence number and records the sender's client token (if any) until tokenExpiry.
	// msg.Seq is set on success. A collision on (scope, seq) returns ErrConflict.
	AppendMessage(ctx context.Context, msg *core.Message, tokenExpiry time.Time) error

	// LookupToken returns the record of a client token that has not expired at now.
	LookupToken(ctx context.Context, senderID, clientToken string, now time.Time) (*TokenRecord, error)

	// MarkRouted flags a client token as fully routed.
	MarkRouted(ctx context.Context, senderID, clientToken string) error

	// PurgeTokens deletes token records that expired before the given time.
	PurgeTokens(ctx context.Context, before time.Time) (int, error)

	// LastSeq returns the current counter value of a scope (0 if never used).
	LastSeq(ctx context.Context, scope core.Scope) (uint64, error)

	// GetMessage retrieves one message by id.
	GetMessage(ctx context.Context, ref core.MessageRef) (*core.Message, error)

	// ListMessages retrieves messages of a scope, newest first.
	// If beforeSeq is non-zero, only messages older than it are returned.
	ListMessages(ctx context.Context, scope core.Scope, limit int, beforeSeq uint64) ([]core.Message, error)
}

// MailboxStore handles per-user offline mailboxes.
type MailboxStore interface {
	// EnqueueMailbox appends msg to the user's mailbox. Enqueuing the same message twice
	// for the same user is a no-op and returns inserted=false.
	EnqueueMailbox(ctx context.Context, userID string, msg core.Message, at time.Time) (inserted bool, err error)

	// ListMailbox returns up to limit entries with EntryID greater than afterEntry,
	// in ascending EntryID order.
	ListMailbox(ctx context.Context, userID string, afterEntry uint64, limit int) ([]core.MailboxEntry, error)

	// AckMailbox deletes the entries holding the referenced messages.
	AckMailbox(ctx context.Context, userID string, refs []core.MessageRef) (int, error)

	// ExpireMailbox deletes entries enqueued before the given time and records one gap
	// marker per (user, scope) that lost entries, stamped with now.
	ExpireMailbox(ctx context.Context, before, now time.Time) ([]core.Gap, error)

	// ListGaps returns the gap markers recorded for a user, oldest first.
	ListGaps(ctx context.Context, userID string) ([]core.Gap, error)

	// DeleteGaps removes delivered gap markers.
	DeleteGaps(ctx context.Context, userID string, ids []uint64) error
}

// MembershipStore persists room membership on behalf of the membership index.
type MembershipStore interface {
	// AddMember adds a user to a room. Adding an existing member is a no-op.
	AddMember(ctx context.Context, roomID, userID string, at time.Time) error

	// RemoveMember removes a user from a room. Removing an absent member is a no-op.
	RemoveMember(ctx context.Context, roomID, userID string) error

	// ListMemberships lists every membership.
	ListMemberships(ctx context.Context) ([]Membership, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	MessageStore
	MailboxStore
	MembershipStore

	// Close closes the underlying database.
	Close() error
}
