package hub

import (
	"context"
	"time"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/membership"
	"github.com/vovakirdan/wirechat-relay/internal/presence"
	"github.com/vovakirdan/wirechat-relay/internal/sequencer"
	"github.com/vovakirdan/wirechat-relay/internal/session"
)

// Sessions lists every registered session, oldest first.
func (h *Hub) Sessions() []*session.Session {
	return h.c.Sessions.List()
}

// SessionsOf lists the live sessions of a user.
func (h *Hub) SessionsOf(userID string) []*session.Session {
	return h.c.Sessions.ActiveSessionsFor(userID)
}

func (h *Hub) Unban(userID string) {
	h.c.Sessions.Unban(userID)
}

func (h *Hub) IdleTimeout() time.Duration {
	return h.c.Sessions.IdleTimeout()
}

func (h *Hub) SetIdleTimeout(d time.Duration) {
	h.c.Sessions.SetIdleTimeout(d)
}

// SubscribePresence opens a presence feed for admin tooling. With no user ids
// it carries every change.
func (h *Hub) SubscribePresence(buffer int, userIDs ...string) *presence.Subscription {
	return h.c.Presence.Subscribe(buffer, userIDs...)
}

func (h *Hub) AddMember(ctx context.Context, roomID, userID string) error {
	return h.c.Members.AddMember(ctx, roomID, userID)
}

// RemoveMember waits for the room's in-flight send, so a message is never
// sequenced for a sender who is no longer a member.
func (h *Hub) RemoveMember(ctx context.Context, roomID, userID string) error {
	return h.c.Sequencer.Exclusive(core.RoomScope(roomID), func() error {
		return h.c.Members.RemoveMember(ctx, roomID, userID)
	})
}

// Room returns a snapshot of a room.
func (h *Hub) Room(roomID string) (membership.Room, bool) {
	return h.c.Members.Room(roomID)
}

func (h *Hub) RoomsOf(userID string) []string {
	return h.c.Members.RoomsOf(userID)
}

// HaltedScopes lists scopes stopped by the sequencer.
func (h *Hub) HaltedScopes() []sequencer.Halt {
	return h.c.Sequencer.Halted()
}

// ResumeScope lets a halted scope take traffic again.
func (h *Hub) ResumeScope(scope core.Scope) bool {
	resumed := h.c.Sequencer.Resume(scope)
	if resumed {
		h.log.Warn().Str("scope", scope.String()).Msg("halted scope resumed by operator")
	}
	return resumed
}

// History reads sequenced messages of a scope, newest first.
func (h *Hub) History(ctx context.Context, scope core.Scope, limit int, beforeSeq uint64) ([]core.Message, error) {
	return h.c.Sequencer.History(ctx, scope, limit, beforeSeq)
}
