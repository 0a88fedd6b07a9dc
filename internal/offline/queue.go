package offline

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Config holds mailbox settings.
type Config struct {
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	DrainBatch    int           `mapstructure:"drain_batch" yaml:"drain_batch"`
}

// Queue is the durable per-user mailbox for recipients without a live session.
// Entries leave the mailbox only when acknowledged or expired.
type Queue struct {
	store store.MailboxStore
	retry store.RetryPolicy
	cfg   Config
	clock clock.Clock
	log   *zerolog.Logger
}

// New builds a queue on top of a mailbox store.
func New(st store.MailboxStore, cfg Config, retry store.RetryPolicy, clk clock.Clock, logger *zerolog.Logger) *Queue {
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = 100
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	l := logger.With().Str("component", "offline").Logger()
	return &Queue{store: st, retry: retry, cfg: cfg, clock: clk, log: &l}
}

// Enqueue appends msg to the user's mailbox. Enqueuing a message twice for the
// same user keeps a single entry; inserted reports whether a new one was made.
func (q *Queue) Enqueue(ctx context.Context, userID string, msg core.Message) (bool, error) {
	var inserted bool
	err := store.Retry(ctx, q.retry, func() error {
		var err error
		inserted, err = q.store.EnqueueMailbox(ctx, userID, msg, q.clock.Now())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %s/%d for %s: %w", msg.Scope, msg.Seq, userID, err)
	}
	if inserted {
		q.log.Debug().
			Str("user_id", userID).
			Str("scope", msg.Scope.String()).
			Uint64("seq", msg.Seq).
			Msg("message queued")
	}
	return inserted, nil
}

// Ack removes acknowledged entries and returns how many were removed.
func (q *Queue) Ack(ctx context.Context, userID string, refs []core.MessageRef) (int, error) {
	var acked int
	err := store.Retry(ctx, q.retry, func() error {
		var err error
		acked, err = q.store.AckMailbox(ctx, userID, refs)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("ack mailbox of %s: %w", userID, err)
	}
	return acked, nil
}

// PendingAfter reports whether the mailbox holds entries past cursor.
func (q *Queue) PendingAfter(ctx context.Context, userID string, cursor uint64) (bool, error) {
	var entries []core.MailboxEntry
	err := store.Retry(ctx, q.retry, func() error {
		var err error
		entries, err = q.store.ListMailbox(ctx, userID, cursor, 1)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("peek mailbox of %s: %w", userID, err)
	}
	return len(entries) > 0, nil
}

// Gaps returns the gap markers waiting for the user.
func (q *Queue) Gaps(ctx context.Context, userID string) ([]core.Gap, error) {
	var gaps []core.Gap
	err := store.Retry(ctx, q.retry, func() error {
		var err error
		gaps, err = q.store.ListGaps(ctx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list gaps of %s: %w", userID, err)
	}
	return gaps, nil
}

// ClearGaps drops gap markers once they reached the client.
func (q *Queue) ClearGaps(ctx context.Context, userID string, ids []uint64) error {
	return store.Retry(ctx, q.retry, func() error {
		return q.store.DeleteGaps(ctx, userID, ids)
	})
}

// Drain opens a cursor over the user's mailbox.
func (q *Queue) Drain(userID string) *Drain {
	return &Drain{q: q, userID: userID}
}

// Drain is a lazy, finite and restartable walk over a mailbox in enqueue order,
// which is also ascending id order within every scope.
type Drain struct {
	q      *Queue
	userID string
	cursor uint64
	batch  []core.MailboxEntry
	pos    int
	done   bool
}

// Next returns the next entry. ok is false once the mailbox is exhausted.
func (d *Drain) Next(ctx context.Context) (entry core.MailboxEntry, ok bool, err error) {
	if d.pos >= len(d.batch) {
		if d.done {
			return core.MailboxEntry{}, false, nil
		}
		var batch []core.MailboxEntry
		err := store.Retry(ctx, d.q.retry, func() error {
			var err error
			batch, err = d.q.store.ListMailbox(ctx, d.userID, d.cursor, d.q.cfg.DrainBatch)
			return err
		})
		if err != nil {
			return core.MailboxEntry{}, false, fmt.Errorf("drain mailbox of %s: %w", d.userID, err)
		}
		d.batch, d.pos = batch, 0
		if len(batch) < d.q.cfg.DrainBatch {
			d.done = true
		}
		if len(batch) == 0 {
			return core.MailboxEntry{}, false, nil
		}
	}

	entry = d.batch[d.pos]
	d.pos++
	d.cursor = entry.EntryID
	return entry, true, nil
}

// Resume continues a finished walk with entries enqueued since.
func (d *Drain) Resume() {
	d.done = false
}

// Cursor is the id of the last entry returned.
func (d *Drain) Cursor() uint64 {
	return d.cursor
}

// Restart rewinds to the start of the mailbox, so every unacknowledged entry
// is returned again.
func (d *Drain) Restart() {
	d.cursor = 0
	d.batch = nil
	d.pos = 0
	d.done = false
}

// Expire drops entries older than the retention horizon and records gap markers.
func (q *Queue) Expire(ctx context.Context) ([]core.Gap, error) {
	if q.cfg.Retention <= 0 {
		return nil, nil
	}
	now := q.clock.Now()
	var gaps []core.Gap
	err := store.Retry(ctx, q.retry, func() error {
		var err error
		gaps, err = q.store.ExpireMailbox(ctx, now.Add(-q.cfg.Retention), now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("expire mailboxes: %w", err)
	}
	for _, g := range gaps {
		q.log.Warn().
			Str("user_id", g.UserID).
			Str("scope", g.Scope.String()).
			Uint64("from_seq", g.FromSeq).
			Uint64("to_seq", g.ToSeq).
			Int("count", g.Count).
			Msg("undelivered messages expired")
	}
	return gaps, nil
}

// RunRetention expires old entries on every sweep interval until ctx is done.
func (q *Queue) RunRetention(ctx context.Context) error {
	ticker := q.clock.Ticker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := q.Expire(ctx); err != nil {
				q.log.Error().Err(err).Msg("mailbox retention failed")
			}
		}
	}
}
