package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ store.Store = (*SQLiteStore)(nil)

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file, or ":memory:".
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, applySchema)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// classify maps driver errors onto the store sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %w", store.ErrConflict, err)
	}
	return store.Unavailable(err)
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// ==== MessageStore implementation ====

// AppendMessage increments the scope counter and stores the message in one transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *core.Message, tokenExpiry time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	var seq uint64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO scope_counters (scope, value) VALUES (?, 1)
		ON CONFLICT(scope) DO UPDATE SET value = value + 1
		RETURNING value
	`, string(msg.Scope)).Scan(&seq)
	if err != nil {
		return classify(fmt.Errorf("increment counter: %w", err))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (scope, seq, sender_id, room_id, target_user, content, client_token, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(msg.Scope), seq, msg.SenderID, msg.Target.RoomID, msg.Target.UserID, msg.Content, msg.ClientToken, nanos(msg.SentAt))
	if err != nil {
		return classify(fmt.Errorf("insert message %s/%d: %w", msg.Scope, seq, err))
	}

	if msg.ClientToken != "" {
		// An expired record for the same token is replaced.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO client_tokens (sender_id, client_token, scope, seq, sent_at, routed, expires_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT(sender_id, client_token) DO UPDATE SET
				scope = excluded.scope,
				seq = excluded.seq,
				sent_at = excluded.sent_at,
				routed = 0,
				expires_at = excluded.expires_at
		`, msg.SenderID, msg.ClientToken, string(msg.Scope), seq, nanos(msg.SentAt), nanos(tokenExpiry))
		if err != nil {
			return classify(fmt.Errorf("record client token: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}

	msg.Seq = seq
	return nil
}

// LookupToken returns an unexpired client token record.
func (s *SQLiteStore) LookupToken(ctx context.Context, senderID, clientToken string, now time.Time) (*store.TokenRecord, error) {
	query := `
		SELECT scope, seq, sent_at, routed, expires_at
		FROM client_tokens
		WHERE sender_id = ? AND client_token = ? AND expires_at > ?
	`
	rec := store.TokenRecord{SenderID: senderID, ClientToken: clientToken}
	var scope string
	var sentAt, expiresAt int64
	err := s.db.QueryRowContext(ctx, query, senderID, clientToken, nanos(now)).Scan(
		&scope,
		&rec.Seq,
		&sentAt,
		&rec.Routed,
		&expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(fmt.Errorf("query client token: %w", err))
	}
	rec.Scope = core.Scope(scope)
	rec.SentAt = fromNanos(sentAt)
	rec.ExpiresAt = fromNanos(expiresAt)
	return &rec, nil
}

// MarkRouted flags a client token as routed.
func (s *SQLiteStore) MarkRouted(ctx context.Context, senderID, clientToken string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE client_tokens SET routed = 1 WHERE sender_id = ? AND client_token = ?
	`, senderID, clientToken)
	return classify(err)
}

// PurgeTokens deletes expired client tokens.
func (s *SQLiteStore) PurgeTokens(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM client_tokens WHERE expires_at <= ?`, nanos(before))
	if err != nil {
		return 0, classify(fmt.Errorf("purge tokens: %w", err))
	}
	n, err := result.RowsAffected()
	return int(n), classify(err)
}

// LastSeq returns the scope counter.
func (s *SQLiteStore) LastSeq(ctx context.Context, scope core.Scope) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM scope_counters WHERE scope = ?`, string(scope)).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, classify(fmt.Errorf("query counter: %w", err))
	}
	return seq, nil
}

const messageColumns = `scope, seq, sender_id, room_id, target_user, content, client_token, sent_at`

func scanMessage(row interface{ Scan(...any) error }) (core.Message, error) {
	var msg core.Message
	var scope string
	var sentAt int64
	err := row.Scan(
		&scope,
		&msg.Seq,
		&msg.SenderID,
		&msg.Target.RoomID,
		&msg.Target.UserID,
		&msg.Content,
		&msg.ClientToken,
		&sentAt,
	)
	if err != nil {
		return core.Message{}, err
	}
	msg.Scope = core.Scope(scope)
	msg.SentAt = fromNanos(sentAt)
	return msg, nil
}

// GetMessage retrieves a message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, ref core.MessageRef) (*core.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE scope = ? AND seq = ?`, string(ref.Scope), ref.Seq)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, classify(fmt.Errorf("query message: %w", err))
	}
	return &msg, nil
}

// ListMessages retrieves messages of a scope, newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, scope core.Scope, limit int, beforeSeq uint64) ([]core.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE scope = ?`
	args := []any{string(scope)}
	if beforeSeq > 0 {
		query += ` AND seq < ?`
		args = append(args, beforeSeq)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query messages: %w", err))
	}
	defer rows.Close()

	var messages []core.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, classify(fmt.Errorf("scan message: %w", err))
		}
		messages = append(messages, msg)
	}
	return messages, classify(rows.Err())
}

// ==== MailboxStore implementation ====

// EnqueueMailbox appends a message reference to the user's mailbox.
func (s *SQLiteStore) EnqueueMailbox(ctx context.Context, userID string, msg core.Message, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO mailbox (user_id, scope, seq, enqueued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, scope, seq) DO NOTHING
	`, userID, string(msg.Scope), msg.Seq, nanos(at))
	if err != nil {
		return false, classify(fmt.Errorf("insert mailbox entry: %w", err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	return n == 1, nil
}

// ListMailbox returns mailbox entries after a cursor, joined with their messages.
func (s *SQLiteStore) ListMailbox(ctx context.Context, userID string, afterEntry uint64, limit int) ([]core.MailboxEntry, error) {
	query := `
		SELECT mb.entry_id, mb.enqueued_at,
		       m.scope, m.seq, m.sender_id, m.room_id, m.target_user, m.content, m.client_token, m.sent_at
		FROM mailbox mb
		JOIN messages m ON m.scope = mb.scope AND m.seq = mb.seq
		WHERE mb.user_id = ? AND mb.entry_id > ?
		ORDER BY mb.entry_id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, userID, afterEntry, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("query mailbox: %w", err))
	}
	defer rows.Close()

	var entries []core.MailboxEntry
	for rows.Next() {
		entry := core.MailboxEntry{UserID: userID}
		var enqueuedAt, sentAt int64
		var scope string
		err := rows.Scan(
			&entry.EntryID,
			&enqueuedAt,
			&scope,
			&entry.Message.Seq,
			&entry.Message.SenderID,
			&entry.Message.Target.RoomID,
			&entry.Message.Target.UserID,
			&entry.Message.Content,
			&entry.Message.ClientToken,
			&sentAt,
		)
		if err != nil {
			return nil, classify(fmt.Errorf("scan mailbox entry: %w", err))
		}
		entry.EnqueuedAt = fromNanos(enqueuedAt)
		entry.Message.Scope = core.Scope(scope)
		entry.Message.SentAt = fromNanos(sentAt)
		entry.Message.DeliveryState = core.DeliveryQueued
		entries = append(entries, entry)
	}
	return entries, classify(rows.Err())
}

// AckMailbox deletes acknowledged entries.
func (s *SQLiteStore) AckMailbox(ctx context.Context, userID string, refs []core.MessageRef) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM mailbox WHERE user_id = ? AND scope = ? AND seq = ?`)
	if err != nil {
		return 0, classify(fmt.Errorf("prepare ack: %w", err))
	}
	defer stmt.Close()

	var acked int
	for _, ref := range refs {
		result, err := stmt.ExecContext(ctx, userID, string(ref.Scope), ref.Seq)
		if err != nil {
			return 0, classify(fmt.Errorf("ack %s/%d: %w", ref.Scope, ref.Seq, err))
		}
		n, _ := result.RowsAffected()
		acked += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(fmt.Errorf("commit: %w", err))
	}
	return acked, nil
}

// ExpireMailbox drops entries older than before and records gap markers.
func (s *SQLiteStore) ExpireMailbox(ctx context.Context, before, now time.Time) ([]core.Gap, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT user_id, scope, MIN(seq), MAX(seq), COUNT(*)
		FROM mailbox
		WHERE enqueued_at < ?
		GROUP BY user_id, scope
		ORDER BY user_id, scope
	`, nanos(before))
	if err != nil {
		return nil, classify(fmt.Errorf("query expired entries: %w", err))
	}

	expiredAt := now.UTC()
	var gaps []core.Gap
	for rows.Next() {
		gap := core.Gap{ExpiredAt: expiredAt}
		var scope string
		if err := rows.Scan(&gap.UserID, &scope, &gap.FromSeq, &gap.ToSeq, &gap.Count); err != nil {
			rows.Close()
			return nil, classify(fmt.Errorf("scan expired entries: %w", err))
		}
		gap.Scope = core.Scope(scope)
		gaps = append(gaps, gap)
	}
	if err := rows.Close(); err != nil {
		return nil, classify(err)
	}
	if len(gaps) == 0 {
		return nil, nil
	}

	for i := range gaps {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO mailbox_gaps (user_id, scope, from_seq, to_seq, count, expired_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, gaps[i].UserID, string(gaps[i].Scope), gaps[i].FromSeq, gaps[i].ToSeq, gaps[i].Count, nanos(expiredAt))
		if err != nil {
			return nil, classify(fmt.Errorf("insert gap: %w", err))
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, classify(fmt.Errorf("get last insert id: %w", err))
		}
		gaps[i].ID = uint64(id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM mailbox WHERE enqueued_at < ?`, nanos(before)); err != nil {
		return nil, classify(fmt.Errorf("delete expired entries: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(fmt.Errorf("commit: %w", err))
	}
	return gaps, nil
}

// ListGaps returns a user's gap markers.
func (s *SQLiteStore) ListGaps(ctx context.Context, userID string) ([]core.Gap, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, from_seq, to_seq, count, expired_at
		FROM mailbox_gaps
		WHERE user_id = ?
		ORDER BY id ASC
	`, userID)
	if err != nil {
		return nil, classify(fmt.Errorf("query gaps: %w", err))
	}
	defer rows.Close()

	var gaps []core.Gap
	for rows.Next() {
		gap := core.Gap{UserID: userID}
		var scope string
		var expiredAt int64
		if err := rows.Scan(&gap.ID, &scope, &gap.FromSeq, &gap.ToSeq, &gap.Count, &expiredAt); err != nil {
			return nil, classify(fmt.Errorf("scan gap: %w", err))
		}
		gap.Scope = core.Scope(scope)
		gap.ExpiredAt = fromNanos(expiredAt)
		gaps = append(gaps, gap)
	}
	return gaps, classify(rows.Err())
}

// DeleteGaps removes gap markers by id.
func (s *SQLiteStore) DeleteGaps(ctx context.Context, userID string, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM mailbox_gaps WHERE user_id = ? AND id IN (`+placeholders+`)`, args...)
	return classify(err)
}

// ==== MembershipStore implementation ====

// AddMember adds a user to a room.
func (s *SQLiteStore) AddMember(ctx context.Context, roomID, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id, joined_at)
		VALUES (?, ?, ?)
		ON CONFLICT(room_id, user_id) DO NOTHING
	`, roomID, userID, nanos(at))
	if err != nil {
		return classify(fmt.Errorf("add member: %w", err))
	}
	return nil
}

// RemoveMember removes a user from a room.
func (s *SQLiteStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID)
	if err != nil {
		return classify(fmt.Errorf("remove member: %w", err))
	}
	return nil
}

// ListMemberships lists every membership.
func (s *SQLiteStore) ListMemberships(ctx context.Context) ([]store.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, user_id, joined_at FROM room_members ORDER BY room_id, joined_at
	`)
	if err != nil {
		return nil, classify(fmt.Errorf("query members: %w", err))
	}
	defer rows.Close()

	var members []store.Membership
	for rows.Next() {
		var m store.Membership
		var joinedAt int64
		if err := rows.Scan(&m.RoomID, &m.UserID, &joinedAt); err != nil {
			return nil, classify(fmt.Errorf("scan member: %w", err))
		}
		m.JoinedAt = fromNanos(joinedAt)
		members = append(members, m)
	}
	return members, classify(rows.Err())
}
