package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/store"
	"github.com/vovakirdan/wirechat-relay/internal/store/sqlite"
)

var testRetry = store.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxRetries: 2}

func newTestSequencer(t *testing.T, st store.MessageStore) (*Sequencer, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := zerolog.Nop()
	return New(st, Config{DedupWindow: time.Hour}, testRetry, clk, &logger), clk
}

func newSQLite(t *testing.T) *sqlite.SQLiteStore {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func roomDraft(sender, room, content, token string) core.Draft {
	return core.Draft{SenderID: sender, Target: core.Target{RoomID: room}, Content: content, ClientToken: token}
}

// recorder is a DeliverFunc that remembers what it routed.
type recorder struct {
	mu   sync.Mutex
	seqs []uint64
	fail error
}

func (r *recorder) deliver(_ context.Context, msg core.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.seqs = append(r.seqs, msg.Seq)
	return nil
}

func TestIdsAreContiguousPerScope(t *testing.T) {
	req := require.New(t)
	seq, _ := newTestSequencer(t, newSQLite(t))
	rec := &recorder{}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := seq.Sequence(ctx, roomDraft("alice", "r1", "hi", ""), rec.deliver)
		req.NoError(err)
		req.Equal(uint64(i), res.Message.Seq)
		req.Equal(core.RoomScope("r1"), res.Message.Scope)
		req.False(res.Message.SentAt.IsZero())
	}

	res, err := seq.Sequence(ctx, core.Draft{SenderID: "bob", Target: core.Target{UserID: "alice"}, Content: "psst"}, rec.deliver)
	req.NoError(err)
	req.Equal(uint64(1), res.Message.Seq)
	req.Equal(core.DirectScope("alice", "bob"), res.Message.Scope)
}

func TestInvalidTargetIsRejected(t *testing.T) {
	seq, _ := newTestSequencer(t, newSQLite(t))
	_, err := seq.Sequence(context.Background(), core.Draft{SenderID: "alice", Content: "x"}, (&recorder{}).deliver)
	require.ErrorIs(t, err, core.ErrBadRequest)
}

func TestConcurrentSendersDeliverInIdOrder(t *testing.T) {
	req := require.New(t)
	seq, _ := newTestSequencer(t, newSQLite(t))
	rec := &recorder{}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := "alice"
			if i%2 == 1 {
				sender = "bob"
			}
			if _, err := seq.Sequence(ctx, roomDraft(sender, "r1", fmt.Sprint(i), fmt.Sprintf("t%d", i)), rec.deliver); err != nil {
				t.Errorf("sequence: %v", err)
			}
		}(i)
	}
	wg.Wait()

	req.Len(rec.seqs, 100)
	for i, s := range rec.seqs {
		req.Equal(uint64(i+1), s, "deliveries must follow id order")
	}
}

func TestResentTokenReturnsSameId(t *testing.T) {
	req := require.New(t)
	seq, _ := newTestSequencer(t, newSQLite(t))
	rec := &recorder{}
	ctx := context.Background()

	first, err := seq.Sequence(ctx, roomDraft("alice", "r1", "hi", "t1"), rec.deliver)
	req.NoError(err)
	req.False(first.Duplicate)

	again, err := seq.Sequence(ctx, roomDraft("alice", "r1", "hi", "t1"), rec.deliver)
	req.NoError(err)
	req.True(again.Duplicate)
	req.Equal(first.Message.Ref(), again.Message.Ref())
	req.Equal([]uint64{1}, rec.seqs, "a routed message is not routed twice")

	other, err := seq.Sequence(ctx, roomDraft("bob", "r1", "hi", "t1"), rec.deliver)
	req.NoError(err)
	req.False(other.Duplicate, "tokens are scoped to their sender")
	req.Equal(uint64(2), other.Message.Seq)
}

func TestUnroutedResendIsRoutedAgain(t *testing.T) {
	req := require.New(t)
	seq, _ := newTestSequencer(t, newSQLite(t))
	rec := &recorder{fail: core.ErrStoreUnavailable}
	ctx := context.Background()

	_, err := seq.Sequence(ctx, roomDraft("alice", "r1", "hi", "t1"), rec.deliver)
	req.ErrorIs(err, core.ErrStoreUnavailable)

	rec.fail = nil
	res, err := seq.Sequence(ctx, roomDraft("alice", "r1", "hi", "t1"), rec.deliver)
	req.NoError(err)
	req.True(res.Duplicate)
	req.Equal([]uint64{1}, rec.seqs)

	_, err = seq.Sequence(ctx, roomDraft("alice", "r1", "hi", "t1"), rec.deliver)
	req.NoError(err)
	req.Equal([]uint64{1}, rec.seqs)
}

func TestTokenExpiresAfterDedupWindow(t *testing.T) {
	req := require.New(t)
	seq, clk := newTestSequencer(t, newSQLite(t))
	rec := &recorder{}
	ctx := context.Background()

	_, err := seq.Sequence(ctx, roomDraft("alice", "r1", "hi", "t1"), rec.deliver)
	req.NoError(err)

	clk.Add(2 * time.Hour)
	purged, err := seq.purge(ctx)
	req.NoError(err)
	req.Equal(1, purged)

	res, err := seq.Sequence(ctx, roomDraft("alice", "r1", "hi", "t1"), rec.deliver)
	req.NoError(err)
	req.False(res.Duplicate)
	req.Equal(uint64(2), res.Message.Seq)
}

// skippingStore makes the counter jump on demand.
type skippingStore struct {
	store.MessageStore
	skip     bool
	conflict bool
}

func (s *skippingStore) AppendMessage(ctx context.Context, msg *core.Message, expiry time.Time) error {
	if s.conflict {
		return fmt.Errorf("%w: seq taken", store.ErrConflict)
	}
	if err := s.MessageStore.AppendMessage(ctx, msg, expiry); err != nil {
		return err
	}
	if s.skip {
		msg.Seq++
	}
	return nil
}

func TestCounterJumpHaltsOnlyThatScope(t *testing.T) {
	req := require.New(t)
	st := &skippingStore{MessageStore: newSQLite(t)}
	seq, _ := newTestSequencer(t, st)
	rec := &recorder{}
	ctx := context.Background()

	_, err := seq.Sequence(ctx, roomDraft("alice", "r1", "one", ""), rec.deliver)
	req.NoError(err)

	st.skip = true
	_, err = seq.Sequence(ctx, roomDraft("alice", "r1", "two", ""), rec.deliver)
	req.ErrorIs(err, core.ErrScopeHalted)
	req.Equal(core.ErrCodeScopeHalted, core.CodeOf(err))
	st.skip = false

	_, err = seq.Sequence(ctx, roomDraft("alice", "r1", "three", ""), rec.deliver)
	req.ErrorIs(err, core.ErrScopeHalted, "halted scopes refuse traffic")

	_, err = seq.Sequence(ctx, roomDraft("alice", "r2", "elsewhere", ""), rec.deliver)
	req.NoError(err)

	halted := seq.Halted()
	req.Len(halted, 1)
	req.Equal(core.RoomScope("r1"), halted[0].Scope)
	req.Equal([]uint64{1, 1}, rec.seqs, "nothing was routed from the halted scope")

	req.True(seq.Resume(core.RoomScope("r1")))
	req.False(seq.Resume(core.RoomScope("r1")))
	res, err := seq.Sequence(ctx, roomDraft("alice", "r1", "four", ""), rec.deliver)
	req.NoError(err)
	req.Equal(uint64(3), res.Message.Seq)
}

func TestStoreConflictHaltsScope(t *testing.T) {
	st := &skippingStore{MessageStore: newSQLite(t), conflict: true}
	seq, _ := newTestSequencer(t, st)

	_, err := seq.Sequence(context.Background(), roomDraft("alice", "r1", "one", ""), (&recorder{}).deliver)
	require.ErrorIs(t, err, core.ErrScopeHalted)
	require.Len(t, seq.Halted(), 1)
}

func TestStoreOutageFailsVisibly(t *testing.T) {
	st := &brokenStore{MessageStore: newSQLite(t)}
	seq, _ := newTestSequencer(t, st)

	_, err := seq.Sequence(context.Background(), roomDraft("alice", "r1", "one", ""), (&recorder{}).deliver)
	require.ErrorIs(t, err, core.ErrStoreUnavailable)
	require.Empty(t, seq.Halted(), "outages are recoverable")
}

type brokenStore struct {
	store.MessageStore
}

func (brokenStore) AppendMessage(context.Context, *core.Message, time.Time) error {
	return store.Unavailable(errors.New("connection refused"))
}

func TestHistoryNewestFirst(t *testing.T) {
	req := require.New(t)
	seq, _ := newTestSequencer(t, newSQLite(t))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := seq.Sequence(ctx, roomDraft("alice", "r1", fmt.Sprint(i), ""), (&recorder{}).deliver)
		req.NoError(err)
	}

	msgs, err := seq.History(ctx, core.RoomScope("r1"), 2, 0)
	req.NoError(err)
	req.Len(msgs, 2)
	req.Equal(uint64(4), msgs[0].Seq)
}

func TestFailedCheckTakesNoId(t *testing.T) {
	req := require.New(t)
	seq, _ := newTestSequencer(t, newSQLite(t))
	rec := &recorder{}
	ctx := context.Background()

	reject := func(core.Draft) error { return core.ErrNotAMember }
	_, err := seq.SequenceChecked(ctx, roomDraft("alice", "r1", "hi", "t1"), reject, rec.deliver)
	req.ErrorIs(err, core.ErrNotAMember)
	req.Empty(rec.seqs)

	res, err := seq.Sequence(ctx, roomDraft("alice", "r1", "hi", "t1"), rec.deliver)
	req.NoError(err)
	req.Equal(uint64(1), res.Message.Seq)
	req.False(res.Duplicate, "a rejected draft must not record its client token")
}

func TestCheckSeesChangesMadeUnderExclusive(t *testing.T) {
	req := require.New(t)
	seq, _ := newTestSequencer(t, newSQLite(t))
	rec := &recorder{}
	ctx := context.Background()

	var mu sync.Mutex
	member := true
	isMember := func(core.Draft) error {
		mu.Lock()
		defer mu.Unlock()
		if !member {
			return core.ErrNotAMember
		}
		return nil
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	exclusiveDone := make(chan error, 1)
	go func() {
		exclusiveDone <- seq.Exclusive(core.RoomScope("r1"), func() error {
			close(entered)
			<-release
			mu.Lock()
			member = false
			mu.Unlock()
			return nil
		})
	}()
	<-entered

	sent := make(chan error, 1)
	go func() {
		_, err := seq.SequenceChecked(ctx, roomDraft("alice", "r1", "hi", ""), isMember, rec.deliver)
		sent <- err
	}()
	close(release)

	req.NoError(<-exclusiveDone)
	req.ErrorIs(<-sent, core.ErrNotAMember)
	req.Empty(rec.seqs)

	msgs, err := seq.History(ctx, core.RoomScope("r1"), 10, 0)
	req.NoError(err)
	req.Empty(msgs)
}
