package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-relay/internal/core"
)

type tokenVerifier map[string]string

func (v tokenVerifier) Verify(_ context.Context, token string) (string, error) {
	userID, ok := v[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return userID, nil
}

type fakeConn struct {
	mu      sync.Mutex
	reasons []core.CloseReason
}

func (c *fakeConn) Close(reason core.CloseReason) {
	c.mu.Lock()
	c.reasons = append(c.reasons, reason)
	c.mu.Unlock()
}

func (c *fakeConn) closedWith() []core.CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.CloseReason(nil), c.reasons...)
}

type recordingListener struct {
	mu     sync.Mutex
	opened []string
	closed map[string]core.CloseReason
}

func (l *recordingListener) SessionOpened(s *Session) {
	l.mu.Lock()
	l.opened = append(l.opened, s.ID)
	l.mu.Unlock()
}

func (l *recordingListener) SessionClosed(s *Session, reason core.CloseReason) {
	l.mu.Lock()
	if l.closed == nil {
		l.closed = make(map[string]core.CloseReason)
	}
	if _, dup := l.closed[s.ID]; dup {
		panic("session closed twice")
	}
	l.closed[s.ID] = reason
	l.mu.Unlock()
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := zerolog.Nop()
	verifier := tokenVerifier{"tok-alice": "alice", "tok-alice-2": "alice", "tok-bob": "bob"}
	return NewRegistry(verifier, cfg, clk, &logger), clk
}

func TestAdmitRejectsUnknownToken(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	_, err := r.Admit(context.Background(), &fakeConn{}, "forged")
	require.ErrorIs(t, err, core.ErrAuthRejected)

	_, err = r.Admit(context.Background(), &fakeConn{}, "")
	require.ErrorIs(t, err, core.ErrAuthRejected)
	require.Empty(t, r.List())
}

func TestAdmitRegistersDrainingSessionsPerDevice(t *testing.T) {
	req := require.New(t)
	r, _ := newTestRegistry(t, Config{})
	listener := &recordingListener{}
	r.AddListener(listener)

	phone, err := r.Admit(context.Background(), &fakeConn{}, "tok-alice")
	req.NoError(err)
	laptop, err := r.Admit(context.Background(), &fakeConn{}, "tok-alice-2")
	req.NoError(err)

	req.Equal("alice", phone.UserID)
	req.NotEqual(phone.ID, laptop.ID)
	req.True(phone.Draining())
	req.Equal(2, r.Count("alice"))
	req.Len(r.ActiveSessionsFor("alice"), 2)
	req.Equal([]string{phone.ID, laptop.ID}, listener.opened)

	got, ok := r.Get(phone.ID)
	req.True(ok)
	req.Same(phone, got)
}

func TestRemoveIsIdempotent(t *testing.T) {
	req := require.New(t)
	r, _ := newTestRegistry(t, Config{})
	listener := &recordingListener{}
	r.AddListener(listener)
	conn := &fakeConn{}

	sess, err := r.Admit(context.Background(), conn, "tok-bob")
	req.NoError(err)

	req.True(r.Remove(sess.ID, core.CloseClientClosed))
	req.False(r.Remove(sess.ID, core.CloseForcedKick))

	req.Equal([]core.CloseReason{core.CloseClientClosed}, conn.closedWith())
	req.Equal(core.CloseClientClosed, listener.closed[sess.ID])
	req.Equal(core.CloseClientClosed, sess.CloseReason())
	req.Zero(r.Count("bob"))
	req.Empty(r.ActiveSessionsFor("bob"))

	select {
	case <-sess.Done():
	default:
		t.Fatal("session done channel not closed")
	}
	req.ErrorIs(sess.Push(context.Background(), core.Delivery{}), core.ErrSessionClosed)
}

func TestBanClosesSessionsAndBarsReadmission(t *testing.T) {
	req := require.New(t)
	r, clk := newTestRegistry(t, Config{})
	ctx := context.Background()

	c1, c2 := &fakeConn{}, &fakeConn{}
	_, err := r.Admit(ctx, c1, "tok-alice")
	req.NoError(err)
	_, err = r.Admit(ctx, c2, "tok-alice-2")
	req.NoError(err)

	req.Equal(2, r.Ban("alice", time.Hour))
	req.Equal([]core.CloseReason{core.CloseForcedBan}, c1.closedWith())
	req.Equal([]core.CloseReason{core.CloseForcedBan}, c2.closedWith())
	req.True(r.Banned("alice"))

	_, err = r.Admit(ctx, &fakeConn{}, "tok-alice")
	req.ErrorIs(err, core.ErrBanned)

	clk.Add(time.Hour + time.Second)
	_, err = r.Admit(ctx, &fakeConn{}, "tok-alice")
	req.NoError(err)
}

func TestRemoveWithForcedBanUsesDefaultDuration(t *testing.T) {
	req := require.New(t)
	r, clk := newTestRegistry(t, Config{BanDuration: 10 * time.Minute})
	ctx := context.Background()

	sess, err := r.Admit(ctx, &fakeConn{}, "tok-bob")
	req.NoError(err)
	req.True(r.Remove(sess.ID, core.CloseForcedBan))

	_, err = r.Admit(ctx, &fakeConn{}, "tok-bob")
	req.ErrorIs(err, core.ErrBanned)

	clk.Add(11 * time.Minute)
	_, err = r.Admit(ctx, &fakeConn{}, "tok-bob")
	req.NoError(err)
}

func TestTargetsRunsOfflineWithoutLiveSession(t *testing.T) {
	req := require.New(t)
	r, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	calls := 0
	offline := func() error { calls++; return nil }

	live, err := r.Targets("bob", core.Delivery{}, offline)
	req.NoError(err)
	req.Empty(live)
	req.Equal(1, calls)

	// A draining session does not count as live: the mailbox stays the source of truth.
	_, err = r.Admit(ctx, &fakeConn{}, "tok-bob")
	req.NoError(err)
	live, err = r.Targets("bob", core.Delivery{}, offline)
	req.NoError(err)
	req.Empty(live)
	req.Equal(2, calls)

	boom := errors.New("enqueue failed")
	_, err = r.Targets("bob", core.Delivery{}, func() error { return boom })
	req.ErrorIs(err, boom)
}

func TestActivateFlushesHoldbackInOrder(t *testing.T) {
	req := require.New(t)
	r, _ := newTestRegistry(t, Config{OutboxSize: 8})
	ctx := context.Background()

	first, err := r.Admit(ctx, &fakeConn{}, "tok-alice")
	req.NoError(err)
	ok, err := r.Activate(ctx, first, func() (bool, error) { return false, nil })
	req.NoError(err)
	req.True(ok)
	req.True(first.Live())

	second, err := r.Admit(ctx, &fakeConn{}, "tok-alice-2")
	req.NoError(err)

	for seq := uint64(1); seq <= 3; seq++ {
		d := core.Delivery{Kind: core.DeliveryMessage, Message: core.Message{Seq: seq}}
		live, err := r.Targets("alice", d, func() error {
			t.Fatal("offline must not run while a session is live")
			return nil
		})
		req.NoError(err)
		req.Equal([]*Session{first}, live)
	}
	req.Empty(second.Outbox())

	// Still pending mailbox entries: stay draining, keep the holdback.
	ok, err = r.Activate(ctx, second, func() (bool, error) { return true, nil })
	req.NoError(err)
	req.False(ok)
	req.True(second.Draining())
	req.Empty(second.Outbox())

	ok, err = r.Activate(ctx, second, func() (bool, error) { return false, nil })
	req.NoError(err)
	req.True(ok)
	req.True(second.Live())

	for seq := uint64(1); seq <= 3; seq++ {
		d := <-second.Outbox()
		req.Equal(seq, d.Message.Seq)
	}
}

func TestActivateClosedSession(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	sess, err := r.Admit(context.Background(), &fakeConn{}, "tok-bob")
	require.NoError(t, err)
	r.Remove(sess.ID, core.CloseClientClosed)

	_, err = r.Activate(context.Background(), sess, func() (bool, error) { return false, nil })
	require.ErrorIs(t, err, core.ErrSessionClosed)
}

func TestPushTimesOutOnFullOutbox(t *testing.T) {
	r, _ := newTestRegistry(t, Config{OutboxSize: 1})
	sess, err := r.Admit(context.Background(), &fakeConn{}, "tok-bob")
	require.NoError(t, err)

	require.NoError(t, sess.Push(context.Background(), core.Delivery{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = sess.Push(ctx, core.Delivery{})
	require.ErrorIs(t, err, core.ErrDeliveryTimeout)
	require.Equal(t, core.ErrCodeDeliveryTimeout, core.CodeOf(err))
}

func TestIdleSweepRemovesOnlyIdleSessions(t *testing.T) {
	req := require.New(t)
	r, clk := newTestRegistry(t, Config{IdleTimeout: time.Minute})
	ctx := context.Background()

	idleConn := &fakeConn{}
	idle, err := r.Admit(ctx, idleConn, "tok-alice")
	req.NoError(err)
	busy, err := r.Admit(ctx, &fakeConn{}, "tok-bob")
	req.NoError(err)

	clk.Add(45 * time.Second)
	r.Touch(busy.ID)
	clk.Add(30 * time.Second)

	req.Equal(1, r.sweep())
	_, ok := r.Get(idle.ID)
	req.False(ok)
	_, ok = r.Get(busy.ID)
	req.True(ok)
	req.Equal([]core.CloseReason{core.CloseIdleTimeout}, idleConn.closedWith())

	r.SetIdleTimeout(0)
	clk.Add(time.Hour)
	req.Zero(r.sweep(), "zero timeout disables the sweep")
}

func TestConcurrentAdmitAndRemove(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := r.Admit(ctx, &fakeConn{}, "tok-alice")
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			r.Remove(sess.ID, core.CloseClientClosed)
		}()
	}
	wg.Wait()

	require.Zero(t, r.Count("alice"))
	require.Empty(t, r.List())
}

func TestUnsentReturnsMessagesLeftInOutbox(t *testing.T) {
	req := require.New(t)
	r, _ := newTestRegistry(t, Config{OutboxSize: 4})
	sess, err := r.Admit(context.Background(), &fakeConn{}, "tok-bob")
	req.NoError(err)

	msg := core.Message{Scope: core.RoomScope("general"), Seq: 1, Content: "hi"}
	req.NoError(sess.Push(context.Background(), core.Delivery{Kind: core.DeliveryMessage, Message: msg}))
	req.NoError(sess.Push(context.Background(), core.Delivery{Kind: core.DeliveryDrained}))
	req.Nil(sess.Unsent(), "open sessions keep their outbox")

	req.True(r.Remove(sess.ID, core.CloseClientClosed))
	unsent := sess.Unsent()
	req.Len(unsent, 1)
	req.Equal(msg, unsent[0])
	req.Empty(sess.Unsent())

	err = sess.Push(context.Background(), core.Delivery{Kind: core.DeliveryMessage, Message: msg})
	req.ErrorIs(err, core.ErrSessionClosed)
}
