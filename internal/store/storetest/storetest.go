// Package storetest holds the behaviour every store.Store implementation must share.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Factory opens an empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the contract suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"AppendAssignsContiguousSeqPerScope", testAppendAssignsContiguousSeq},
		{"ClientTokens", testClientTokens},
		{"History", testHistory},
		{"MailboxEnqueueListAck", testMailbox},
		{"MailboxExpiry", testMailboxExpiry},
		{"Membership", testMembership},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func appendMsg(t *testing.T, s store.Store, sender string, target core.Target, content, token string) core.Message {
	t.Helper()
	msg := core.Message{
		Scope:       target.ScopeFor(sender),
		SenderID:    sender,
		Target:      target,
		Content:     content,
		ClientToken: token,
		SentAt:      base,
	}
	require.NoError(t, s.AppendMessage(context.Background(), &msg, base.Add(time.Hour)))
	return msg
}

func testAppendAssignsContiguousSeq(t *testing.T, s store.Store) {
	req := require.New(t)
	ctx := context.Background()
	room := core.Target{RoomID: "r1"}
	dm := core.Target{UserID: "bob"}

	for i := 1; i <= 3; i++ {
		msg := appendMsg(t, s, "alice", room, fmt.Sprintf("room %d", i), "")
		req.Equal(uint64(i), msg.Seq)
	}
	msg := appendMsg(t, s, "alice", dm, "dm 1", "")
	req.Equal(uint64(1), msg.Seq, "scopes count independently")

	// The reverse direction shares the DM scope.
	msg = appendMsg(t, s, "bob", core.Target{UserID: "alice"}, "dm 2", "")
	req.Equal(uint64(2), msg.Seq)
	req.Equal(core.DirectScope("alice", "bob"), msg.Scope)

	last, err := s.LastSeq(ctx, core.RoomScope("r1"))
	req.NoError(err)
	req.Equal(uint64(3), last)

	last, err = s.LastSeq(ctx, core.RoomScope("unused"))
	req.NoError(err)
	req.Zero(last)
}

func testClientTokens(t *testing.T, s store.Store) {
	req := require.New(t)
	ctx := context.Background()

	msg := appendMsg(t, s, "alice", core.Target{RoomID: "r1"}, "hi", "tok-1")

	rec, err := s.LookupToken(ctx, "alice", "tok-1", base)
	req.NoError(err)
	req.Equal(msg.Scope, rec.Scope)
	req.Equal(msg.Seq, rec.Seq)
	req.False(rec.Routed)

	req.NoError(s.MarkRouted(ctx, "alice", "tok-1"))
	rec, err = s.LookupToken(ctx, "alice", "tok-1", base)
	req.NoError(err)
	req.True(rec.Routed)

	_, err = s.LookupToken(ctx, "bob", "tok-1", base)
	req.ErrorIs(err, store.ErrNotFound, "tokens are per sender")

	_, err = s.LookupToken(ctx, "alice", "tok-1", base.Add(2*time.Hour))
	req.ErrorIs(err, store.ErrNotFound, "expired tokens are not returned")

	purged, err := s.PurgeTokens(ctx, base.Add(2*time.Hour))
	req.NoError(err)
	req.Equal(1, purged)

	// Once purged the token can be reused for a new message.
	again := appendMsg(t, s, "alice", core.Target{RoomID: "r1"}, "hi again", "tok-1")
	req.Equal(uint64(2), again.Seq)
	rec, err = s.LookupToken(ctx, "alice", "tok-1", base)
	req.NoError(err)
	req.Equal(uint64(2), rec.Seq)
	req.False(rec.Routed)
}

func testHistory(t *testing.T, s store.Store) {
	req := require.New(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		appendMsg(t, s, "alice", core.Target{RoomID: "r1"}, fmt.Sprintf("m%d", i), "")
	}

	got, err := s.GetMessage(ctx, core.MessageRef{Scope: core.RoomScope("r1"), Seq: 3})
	req.NoError(err)
	req.Equal("m3", got.Content)
	req.Equal("alice", got.SenderID)
	req.Equal("r1", got.Target.RoomID)
	req.True(got.SentAt.Equal(base))

	_, err = s.GetMessage(ctx, core.MessageRef{Scope: core.RoomScope("r1"), Seq: 42})
	req.ErrorIs(err, store.ErrNotFound)

	page, err := s.ListMessages(ctx, core.RoomScope("r1"), 2, 0)
	req.NoError(err)
	req.Len(page, 2)
	req.Equal(uint64(5), page[0].Seq)
	req.Equal(uint64(4), page[1].Seq)

	page, err = s.ListMessages(ctx, core.RoomScope("r1"), 10, 3)
	req.NoError(err)
	req.Len(page, 2)
	req.Equal(uint64(2), page[0].Seq)
	req.Equal(uint64(1), page[1].Seq)
}

func testMailbox(t *testing.T, s store.Store) {
	req := require.New(t)
	ctx := context.Background()

	var msgs []core.Message
	for i := 1; i <= 4; i++ {
		msgs = append(msgs, appendMsg(t, s, "alice", core.Target{RoomID: "r1"}, fmt.Sprintf("m%d", i), ""))
	}

	for _, m := range msgs {
		inserted, err := s.EnqueueMailbox(ctx, "bob", m, base)
		req.NoError(err)
		req.True(inserted)
	}
	inserted, err := s.EnqueueMailbox(ctx, "bob", msgs[0], base)
	req.NoError(err)
	req.False(inserted, "enqueue is idempotent per message")

	entries, err := s.ListMailbox(ctx, "bob", 0, 3)
	req.NoError(err)
	req.Len(entries, 3)
	for i, e := range entries {
		req.Equal(msgs[i].Seq, e.Message.Seq)
		req.Equal(msgs[i].Content, e.Message.Content)
		req.Equal(core.DeliveryQueued, e.Message.DeliveryState)
		if i > 0 {
			req.Greater(e.EntryID, entries[i-1].EntryID)
		}
	}

	rest, err := s.ListMailbox(ctx, "bob", entries[2].EntryID, 10)
	req.NoError(err)
	req.Len(rest, 1)
	req.Equal(msgs[3].Seq, rest[0].Message.Seq)

	empty, err := s.ListMailbox(ctx, "carol", 0, 10)
	req.NoError(err)
	req.Empty(empty)

	acked, err := s.AckMailbox(ctx, "bob", []core.MessageRef{msgs[0].Ref(), msgs[1].Ref(), {Scope: "room:r1", Seq: 99}})
	req.NoError(err)
	req.Equal(2, acked)

	acked, err = s.AckMailbox(ctx, "bob", []core.MessageRef{msgs[0].Ref()})
	req.NoError(err)
	req.Zero(acked, "acking twice is harmless")

	entries, err = s.ListMailbox(ctx, "bob", 0, 10)
	req.NoError(err)
	req.Len(entries, 2)
	req.Equal(msgs[2].Seq, entries[0].Message.Seq)
}

func testMailboxExpiry(t *testing.T, s store.Store) {
	req := require.New(t)
	ctx := context.Background()

	room := core.Target{RoomID: "r1"}
	old1 := appendMsg(t, s, "alice", room, "old 1", "")
	old2 := appendMsg(t, s, "alice", room, "old 2", "")
	fresh := appendMsg(t, s, "alice", room, "fresh", "")
	dm := appendMsg(t, s, "alice", core.Target{UserID: "bob"}, "old dm", "")

	for _, m := range []core.Message{old1, old2, dm} {
		_, err := s.EnqueueMailbox(ctx, "bob", m, base)
		req.NoError(err)
	}
	_, err := s.EnqueueMailbox(ctx, "bob", fresh, base.Add(2*time.Hour))
	req.NoError(err)

	sweptAt := base.Add(3 * time.Hour)
	gaps, err := s.ExpireMailbox(ctx, base.Add(time.Hour), sweptAt)
	req.NoError(err)
	req.Len(gaps, 2)

	byScope := map[core.Scope]core.Gap{}
	for _, g := range gaps {
		req.Equal("bob", g.UserID)
		req.NotZero(g.ID)
		req.True(g.ExpiredAt.Equal(sweptAt), "gap stamped %s, want the sweep time", g.ExpiredAt)
		byScope[g.Scope] = g
	}
	roomGap := byScope[core.RoomScope("r1")]
	req.Equal(uint64(1), roomGap.FromSeq)
	req.Equal(uint64(2), roomGap.ToSeq)
	req.Equal(2, roomGap.Count)
	req.Equal(1, byScope[core.DirectScope("alice", "bob")].Count)

	entries, err := s.ListMailbox(ctx, "bob", 0, 10)
	req.NoError(err)
	req.Len(entries, 1)
	req.Equal("fresh", entries[0].Message.Content)

	stored, err := s.ListGaps(ctx, "bob")
	req.NoError(err)
	req.Len(stored, 2)
	req.True(stored[0].ExpiredAt.Equal(sweptAt))

	req.NoError(s.DeleteGaps(ctx, "bob", []uint64{stored[0].ID}))
	stored, err = s.ListGaps(ctx, "bob")
	req.NoError(err)
	req.Len(stored, 1)

	gaps, err = s.ExpireMailbox(ctx, base.Add(time.Hour), sweptAt)
	req.NoError(err)
	req.Empty(gaps, "nothing left to expire")
}

func testMembership(t *testing.T, s store.Store) {
	req := require.New(t)
	ctx := context.Background()

	req.NoError(s.AddMember(ctx, "r1", "alice", base))
	req.NoError(s.AddMember(ctx, "r1", "bob", base.Add(time.Minute)))
	req.NoError(s.AddMember(ctx, "r1", "alice", base.Add(time.Hour)))
	req.NoError(s.AddMember(ctx, "r2", "alice", base))

	members, err := s.ListMemberships(ctx)
	req.NoError(err)
	req.Len(members, 3)

	req.NoError(s.RemoveMember(ctx, "r1", "bob"))
	req.NoError(s.RemoveMember(ctx, "r1", "nobody"))

	members, err = s.ListMemberships(ctx)
	req.NoError(err)
	req.ElementsMatch([]store.Membership{
		{RoomID: "r1", UserID: "alice", JoinedAt: base},
		{RoomID: "r2", UserID: "alice", JoinedAt: base},
	}, members)
}
