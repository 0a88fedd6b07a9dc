package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-relay/internal/audit"
	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/membership"
	"github.com/vovakirdan/wirechat-relay/internal/session"
)

type userVerifier struct{}

// Verify treats the token as the user id.
func (userVerifier) Verify(_ context.Context, token string) (string, error) {
	return token, nil
}

type nopConn struct{}

func (nopConn) Close(core.CloseReason) {}

type memoryMailbox struct {
	mu      sync.Mutex
	entries map[string][]uint64
	err     error
}

func (m *memoryMailbox) Enqueue(_ context.Context, userID string, msg core.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.entries == nil {
		m.entries = map[string][]uint64{}
	}
	for _, seq := range m.entries[userID] {
		if seq == msg.Seq {
			return false, nil
		}
	}
	m.entries[userID] = append(m.entries[userID], msg.Seq)
	return true, nil
}

func (m *memoryMailbox) of(userID string) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.entries[userID]...)
}

type memorySink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *memorySink) Publish(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) kinds() map[audit.Kind]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[audit.Kind]int{}
	for _, ev := range s.events {
		out[ev.Kind]++
	}
	return out
}

type fixture struct {
	registry *session.Registry
	members  *membership.Index
	mailbox  *memoryMailbox
	sink     *memorySink
	router   *Router
}

func newFixture(t *testing.T, cfg Config, outboxSize int) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	clk := clock.New()
	f := &fixture{
		registry: session.NewRegistry(userVerifier{}, session.Config{OutboxSize: outboxSize}, clk, &logger),
		members:  membership.NewIndex(nil, clk, &logger),
		mailbox:  &memoryMailbox{},
		sink:     &memorySink{},
	}
	f.router = New(cfg, f.registry, f.members, f.mailbox, f.sink, clk, &logger)
	return f
}

func (f *fixture) join(t *testing.T, room string, users ...string) {
	t.Helper()
	for _, u := range users {
		require.NoError(t, f.members.AddMember(context.Background(), room, u))
	}
}

func (f *fixture) connect(t *testing.T, userID string) *session.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := f.registry.Admit(ctx, nopConn{}, userID)
	require.NoError(t, err)
	ok, err := f.registry.Activate(ctx, sess, func() (bool, error) { return false, nil })
	require.NoError(t, err)
	require.True(t, ok)
	return sess
}

func roomMessage(sender, room string, seq uint64) core.Message {
	return core.Message{
		Scope:    core.RoomScope(room),
		Seq:      seq,
		SenderID: sender,
		Target:   core.Target{RoomID: room},
		Content:  "hi",
		SentAt:   time.Now(),
	}
}

func TestRoomFanOutReachesEveryDeviceAndQueuesOffline(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{}, 8)
	f.join(t, "r1", "alice", "bob", "carol")

	aliceSess := f.connect(t, "alice")
	bobPhone := f.connect(t, "bob")
	bobLaptop := f.connect(t, "bob")

	out, err := f.router.Route(context.Background(), roomMessage("alice", "r1", 1))
	req.NoError(err)
	req.Equal(Outcome{Recipients: 2, Delivered: 2, Queued: 1}, out)

	for _, s := range []*session.Session{bobPhone, bobLaptop} {
		d := <-s.Outbox()
		req.Equal(core.DeliveryMessage, d.Kind)
		req.Equal(uint64(1), d.Message.Seq)
		req.Equal(core.DeliveryDelivered, d.Message.DeliveryState)
	}
	req.Empty(aliceSess.Outbox(), "the sender is not echoed by default")
	req.Equal([]uint64{1}, f.mailbox.of("carol"))

	kinds := f.sink.kinds()
	req.Equal(2, kinds[audit.KindDelivered])
	req.Equal(1, kinds[audit.KindQueued])
}

func TestEchoSenderDeliversToOwnSessions(t *testing.T) {
	f := newFixture(t, Config{EchoSender: true}, 8)
	f.join(t, "r1", "alice")
	aliceSess := f.connect(t, "alice")

	out, err := f.router.Route(context.Background(), roomMessage("alice", "r1", 1))
	require.NoError(t, err)
	require.Equal(t, 1, out.Delivered)
	require.Len(t, aliceSess.Outbox(), 1)
}

func TestNonMemberCannotSend(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{}, 8)
	f.join(t, "r1", "bob")
	bobSess := f.connect(t, "bob")

	_, err := f.router.Route(context.Background(), roomMessage("mallory", "r1", 1))
	req.ErrorIs(err, core.ErrNotAMember)
	req.Empty(bobSess.Outbox())
	req.Empty(f.mailbox.of("bob"))
}

func TestDirectMessage(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{}, 8)

	msg := core.Message{
		Scope:    core.DirectScope("alice", "bob"),
		Seq:      1,
		SenderID: "alice",
		Target:   core.Target{UserID: "bob"},
		Content:  "psst",
	}
	out, err := f.router.Route(context.Background(), msg)
	req.NoError(err)
	req.Equal(1, out.Queued)
	req.Equal([]uint64{1}, f.mailbox.of("bob"))

	bobSess := f.connect(t, "bob")
	msg.Seq = 2
	out, err = f.router.Route(context.Background(), msg)
	req.NoError(err)
	req.Equal(1, out.Delivered)
	req.Equal(uint64(2), (<-bobSess.Outbox()).Message.Seq)
}

func TestSlowConsumerIsEvictedAndMessageQueued(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{PushTimeout: 20 * time.Millisecond}, 1)
	f.join(t, "r1", "alice", "bob", "carol")

	slow := f.connect(t, "bob")
	fast := f.connect(t, "carol")

	// Nobody reads bob's outbox: the second push cannot complete.
	_, err := f.router.Route(context.Background(), roomMessage("alice", "r1", 1))
	req.NoError(err)
	<-fast.Outbox()

	out, err := f.router.Route(context.Background(), roomMessage("alice", "r1", 2))
	req.NoError(err)
	req.Equal(1, out.SlowConsumers)
	req.Equal(1, out.Delivered)
	req.Equal(1, out.Queued)

	req.Equal(core.CloseSlowConsumer, slow.CloseReason())
	_, ok := f.registry.Get(slow.ID)
	req.False(ok)
	req.Equal([]uint64{2}, f.mailbox.of("bob"))
	req.Equal(uint64(2), (<-fast.Outbox()).Message.Seq, "other recipients are unaffected")
	req.Equal(1, f.sink.kinds()[audit.KindSlowConsumer])
}

func TestQueueFailureFailsRouteButNotOtherRecipients(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{}, 8)
	f.join(t, "r1", "alice", "bob", "carol")
	f.mailbox.err = core.ErrStoreUnavailable
	carolSess := f.connect(t, "carol")

	out, err := f.router.Route(context.Background(), roomMessage("alice", "r1", 1))
	req.ErrorIs(err, core.ErrStoreUnavailable)
	req.Equal(1, out.Delivered)
	req.Len(carolSess.Outbox(), 1)
	req.Equal(1, f.sink.kinds()[audit.KindFailed])
}

func TestCancelledSenderDoesNotCancelFanOut(t *testing.T) {
	f := newFixture(t, Config{}, 8)
	f.join(t, "r1", "alice", "bob")
	bobSess := f.connect(t, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := f.router.Route(ctx, roomMessage("alice", "r1", 1))
	require.NoError(t, err)
	require.Equal(t, 1, out.Delivered)
	require.Len(t, bobSess.Outbox(), 1)
}

func TestDrainingRecipientHoldsBackWhileAnotherDeviceIsLive(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Config{}, 8)
	f.join(t, "r1", "alice", "bob")
	phone := f.connect(t, "bob")

	laptop, err := f.registry.Admit(context.Background(), nopConn{}, "bob")
	req.NoError(err)

	_, err = f.router.Route(context.Background(), roomMessage("alice", "r1", 1))
	req.NoError(err)
	req.Len(phone.Outbox(), 1)
	req.Empty(laptop.Outbox())
	req.Empty(f.mailbox.of("bob"))

	ok, err := f.registry.Activate(context.Background(), laptop, func() (bool, error) { return false, nil })
	req.NoError(err)
	req.True(ok)
	req.Equal(uint64(1), (<-laptop.Outbox()).Message.Seq)
}
