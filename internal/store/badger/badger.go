package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Key layout. Ids are joined with a NUL byte so that a user id can never be the
// prefix of another one; numbers are zero padded to sort lexicographically.
//
//	ctr:{scope}                         -> uint64 counter
//	msg:{scope}\x00{seq}                -> diskMessage
//	tok:{sender}\x00{token}             -> diskToken
//	mb:{user}\x00{entry}                -> diskEntry
//	mbi:{user}\x00{scope}\x00{seq}      -> entry id
//	gap:{user}\x00{id}                  -> diskGap
//	mem:{room}\x00{user}                -> joined at (unix nanos)
//	seq:mailbox, seq:gap                -> uint64 counters
const (
	sep             = "\x00"
	mailboxSeqKey   = "seq:mailbox"
	gapSeqKey       = "seq:gap"
	maxTxnAttempts  = 10
	numberPadFormat = "%020d"
)

// Store implements store.Store on top of BadgerDB.
type Store struct {
	db  *badger.DB
	log *zerolog.Logger
}

var _ store.Store = (*Store)(nil)

// New opens a Badger database at path. An empty path opens an in-memory database.
func New(path string, logger *zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{log: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, log: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC reclaims value log space until ctx is done.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(0.5)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
					s.log.Warn().Err(err).Msg("badger value log gc failed")
				}
				break
			}
		}
	}
}

type diskMessage struct {
	Scope       string `json:"scope"`
	Seq         uint64 `json:"seq"`
	SenderID    string `json:"sender_id"`
	RoomID      string `json:"room_id,omitempty"`
	TargetUser  string `json:"target_user,omitempty"`
	Content     string `json:"content"`
	ClientToken string `json:"client_token,omitempty"`
	SentAt      int64  `json:"sent_at"`
}

type diskToken struct {
	Scope     string `json:"scope"`
	Seq       uint64 `json:"seq"`
	SentAt    int64  `json:"sent_at"`
	Routed    bool   `json:"routed"`
	ExpiresAt int64  `json:"expires_at"`
}

type diskEntry struct {
	Scope      string `json:"scope"`
	Seq        uint64 `json:"seq"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

type diskGap struct {
	Scope     string `json:"scope"`
	FromSeq   uint64 `json:"from_seq"`
	ToSeq     uint64 `json:"to_seq"`
	Count     int    `json:"count"`
	ExpiredAt int64  `json:"expired_at"`
}

func fromMessage(m core.Message) diskMessage {
	return diskMessage{
		Scope:       string(m.Scope),
		Seq:         m.Seq,
		SenderID:    m.SenderID,
		RoomID:      m.Target.RoomID,
		TargetUser:  m.Target.UserID,
		Content:     m.Content,
		ClientToken: m.ClientToken,
		SentAt:      m.SentAt.UnixNano(),
	}
}

func (d diskMessage) toMessage() core.Message {
	return core.Message{
		Scope:       core.Scope(d.Scope),
		Seq:         d.Seq,
		SenderID:    d.SenderID,
		Target:      core.Target{RoomID: d.RoomID, UserID: d.TargetUser},
		Content:     d.Content,
		ClientToken: d.ClientToken,
		SentAt:      time.Unix(0, d.SentAt).UTC(),
	}
}

func pad(n uint64) string {
	return fmt.Sprintf(numberPadFormat, n)
}

func counterKey(scope core.Scope) []byte {
	return []byte("ctr:" + string(scope))
}

func messagePrefix(scope core.Scope) []byte {
	return []byte("msg:" + string(scope) + sep)
}

func messageKey(scope core.Scope, seq uint64) []byte {
	return append(messagePrefix(scope), pad(seq)...)
}

func tokenKey(senderID, clientToken string) []byte {
	return []byte("tok:" + senderID + sep + clientToken)
}

func mailboxPrefix(userID string) []byte {
	return []byte("mb:" + userID + sep)
}

func mailboxKey(userID string, entryID uint64) []byte {
	return append(mailboxPrefix(userID), pad(entryID)...)
}

func mailboxIndexKey(userID string, ref core.MessageRef) []byte {
	return []byte("mbi:" + userID + sep + string(ref.Scope) + sep + pad(ref.Seq))
}

func gapPrefix(userID string) []byte {
	return []byte("gap:" + userID + sep)
}

func memberKey(roomID, userID string) []byte {
	return []byte("mem:" + roomID + sep + userID)
}

// classify maps engine errors onto the store sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrConflict):
		return err
	case errors.Is(err, badger.ErrKeyNotFound):
		return store.ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return store.Unavailable(err)
	}
}

// update runs fn in a read-write transaction, retrying on transaction conflicts.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return classify(err)
		}
		s.log.Debug().Int("attempt", attempt+1).Msg("badger transaction conflict, retrying")
	}
	return store.Unavailable(badger.ErrConflict)
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(s.db.View(fn))
}

func getUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt counter %q", key)
		}
		n = binary.BigEndian.Uint64(val)
		return nil
	})
	return n, err
}

func setUint64(txn *badger.Txn, key []byte, n uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return txn.Set(key, buf)
}

func nextID(txn *badger.Txn, key []byte) (uint64, error) {
	n, err := getUint64(txn, key)
	if err != nil {
		return 0, err
	}
	n++
	return n, setUint64(txn, key, n)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", key, err)
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ==== MessageStore implementation ====

// AppendMessage increments the scope counter and stores the message in one transaction.
func (s *Store) AppendMessage(ctx context.Context, msg *core.Message, tokenExpiry time.Time) error {
	var seq uint64
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		seq, err = nextID(txn, counterKey(msg.Scope))
		if err != nil {
			return err
		}

		key := messageKey(msg.Scope, seq)
		taken, err := exists(txn, key)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: message %s/%d already stored", store.ErrConflict, msg.Scope, seq)
		}

		stored := *msg
		stored.Seq = seq
		if err := setJSON(txn, key, fromMessage(stored)); err != nil {
			return err
		}

		if msg.ClientToken == "" {
			return nil
		}
		return setJSON(txn, tokenKey(msg.SenderID, msg.ClientToken), diskToken{
			Scope:     string(msg.Scope),
			Seq:       seq,
			SentAt:    msg.SentAt.UnixNano(),
			ExpiresAt: tokenExpiry.UnixNano(),
		})
	})
	if err != nil {
		return err
	}
	msg.Seq = seq
	return nil
}

// LookupToken returns an unexpired client token record.
func (s *Store) LookupToken(ctx context.Context, senderID, clientToken string, now time.Time) (*store.TokenRecord, error) {
	var tok diskToken
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, tokenKey(senderID, clientToken), &tok)
	})
	if err != nil {
		return nil, err
	}
	if tok.ExpiresAt <= now.UnixNano() {
		return nil, store.ErrNotFound
	}
	return &store.TokenRecord{
		SenderID:    senderID,
		ClientToken: clientToken,
		Scope:       core.Scope(tok.Scope),
		Seq:         tok.Seq,
		SentAt:      time.Unix(0, tok.SentAt).UTC(),
		Routed:      tok.Routed,
		ExpiresAt:   time.Unix(0, tok.ExpiresAt).UTC(),
	}, nil
}

// MarkRouted flags a client token as routed.
func (s *Store) MarkRouted(ctx context.Context, senderID, clientToken string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		key := tokenKey(senderID, clientToken)
		var tok diskToken
		if err := getJSON(txn, key, &tok); err != nil {
			return err
		}
		tok.Routed = true
		return setJSON(txn, key, tok)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// PurgeTokens deletes expired client tokens.
func (s *Store) PurgeTokens(ctx context.Context, before time.Time) (int, error) {
	var purged int
	err := s.update(ctx, func(txn *badger.Txn) error {
		purged = 0
		var expired [][]byte
		prefix := []byte("tok:")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var tok diskToken
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &tok) }); err != nil {
				it.Close()
				return err
			}
			if tok.ExpiresAt <= before.UnixNano() {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		it.Close()

		for _, key := range expired {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		purged = len(expired)
		return nil
	})
	return purged, err
}

// LastSeq returns the scope counter.
func (s *Store) LastSeq(ctx context.Context, scope core.Scope) (uint64, error) {
	var seq uint64
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		seq, err = getUint64(txn, counterKey(scope))
		return err
	})
	return seq, err
}

// GetMessage retrieves a message by id.
func (s *Store) GetMessage(ctx context.Context, ref core.MessageRef) (*core.Message, error) {
	var dm diskMessage
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, messageKey(ref.Scope, ref.Seq), &dm)
	})
	if err != nil {
		return nil, err
	}
	return lo.ToPtr(dm.toMessage()), nil
}

// ListMessages retrieves messages of a scope, newest first, with a reverse prefix scan.
func (s *Store) ListMessages(ctx context.Context, scope core.Scope, limit int, beforeSeq uint64) ([]core.Message, error) {
	var messages []core.Message
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := messagePrefix(scope)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the largest key <= seek.
		seek := append(messagePrefix(scope), strings.Repeat("9", 20)...)
		if beforeSeq > 0 {
			seek = messageKey(scope, beforeSeq-1)
		}

		for it.Seek(seek); it.ValidForPrefix(prefix) && len(messages) < limit; it.Next() {
			var dm diskMessage
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &dm) }); err != nil {
				return err
			}
			messages = append(messages, dm.toMessage())
		}
		return nil
	})
	return messages, err
}

// ==== MailboxStore implementation ====

// EnqueueMailbox appends a message reference to the user's mailbox.
func (s *Store) EnqueueMailbox(ctx context.Context, userID string, msg core.Message, at time.Time) (bool, error) {
	var inserted bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		inserted = false
		indexKey := mailboxIndexKey(userID, msg.Ref())
		present, err := exists(txn, indexKey)
		if err != nil || present {
			return err
		}

		entryID, err := nextID(txn, []byte(mailboxSeqKey))
		if err != nil {
			return err
		}
		if err := setJSON(txn, mailboxKey(userID, entryID), diskEntry{
			Scope:      string(msg.Scope),
			Seq:        msg.Seq,
			EnqueuedAt: at.UnixNano(),
		}); err != nil {
			return err
		}
		if err := setUint64(txn, indexKey, entryID); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// ListMailbox returns mailbox entries after a cursor, joined with their messages.
func (s *Store) ListMailbox(ctx context.Context, userID string, afterEntry uint64, limit int) ([]core.MailboxEntry, error) {
	var entries []core.MailboxEntry
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := mailboxPrefix(userID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(mailboxKey(userID, afterEntry+1)); it.ValidForPrefix(prefix) && len(entries) < limit; it.Next() {
			item := it.Item()
			var de diskEntry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &de) }); err != nil {
				return err
			}
			entryID, err := strconv.ParseUint(string(item.Key()[len(prefix):]), 10, 64)
			if err != nil {
				return fmt.Errorf("parse mailbox key %q: %w", item.Key(), err)
			}

			var dm diskMessage
			if err := getJSON(txn, messageKey(core.Scope(de.Scope), de.Seq), &dm); err != nil {
				return fmt.Errorf("load message %s/%d: %w", de.Scope, de.Seq, err)
			}
			entries = append(entries, core.MailboxEntry{
				EntryID:    entryID,
				UserID:     userID,
				Message:    dm.toMessage().WithState(core.DeliveryQueued),
				EnqueuedAt: time.Unix(0, de.EnqueuedAt).UTC(),
			})
		}
		return nil
	})
	return entries, err
}

// AckMailbox deletes acknowledged entries.
func (s *Store) AckMailbox(ctx context.Context, userID string, refs []core.MessageRef) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	var acked int
	err := s.update(ctx, func(txn *badger.Txn) error {
		acked = 0
		for _, ref := range lo.Uniq(refs) {
			indexKey := mailboxIndexKey(userID, ref)
			entryID, err := getUint64(txn, indexKey)
			if err != nil {
				return err
			}
			if entryID == 0 {
				continue
			}
			if err := txn.Delete(mailboxKey(userID, entryID)); err != nil {
				return err
			}
			if err := txn.Delete(indexKey); err != nil {
				return err
			}
			acked++
		}
		return nil
	})
	return acked, err
}

type expiredEntry struct {
	userID  string
	entryID uint64
	entry   diskEntry
}

// ExpireMailbox drops entries older than before and records gap markers.
func (s *Store) ExpireMailbox(ctx context.Context, before, now time.Time) ([]core.Gap, error) {
	var gaps []core.Gap
	err := s.update(ctx, func(txn *badger.Txn) error {
		gaps = nil
		var expired []expiredEntry

		prefix := []byte("mb:")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var de diskEntry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &de) }); err != nil {
				it.Close()
				return err
			}
			if de.EnqueuedAt >= before.UnixNano() {
				continue
			}
			userID, rawID, ok := strings.Cut(string(item.Key()[len(prefix):]), sep)
			if !ok {
				it.Close()
				return fmt.Errorf("malformed mailbox key %q", item.Key())
			}
			entryID, err := strconv.ParseUint(rawID, 10, 64)
			if err != nil {
				it.Close()
				return fmt.Errorf("parse mailbox key %q: %w", item.Key(), err)
			}
			expired = append(expired, expiredEntry{userID: userID, entryID: entryID, entry: de})
		}
		it.Close()

		if len(expired) == 0 {
			return nil
		}

		type gapKey struct{ userID, scope string }
		grouped := lo.GroupBy(expired, func(e expiredEntry) gapKey {
			return gapKey{userID: e.userID, scope: e.entry.Scope}
		})
		keys := lo.Keys(grouped)
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].userID != keys[j].userID {
				return keys[i].userID < keys[j].userID
			}
			return keys[i].scope < keys[j].scope
		})

		expiredAt := now.UTC()
		for _, k := range keys {
			group := grouped[k]
			seqs := lo.Map(group, func(e expiredEntry, _ int) uint64 { return e.entry.Seq })
			gap := core.Gap{
				UserID:    k.userID,
				Scope:     core.Scope(k.scope),
				FromSeq:   lo.Min(seqs),
				ToSeq:     lo.Max(seqs),
				Count:     len(group),
				ExpiredAt: expiredAt,
			}
			id, err := nextID(txn, []byte(gapSeqKey))
			if err != nil {
				return err
			}
			gap.ID = id
			if err := setJSON(txn, append(gapPrefix(gap.UserID), pad(id)...), diskGap{
				Scope:     k.scope,
				FromSeq:   gap.FromSeq,
				ToSeq:     gap.ToSeq,
				Count:     gap.Count,
				ExpiredAt: expiredAt.UnixNano(),
			}); err != nil {
				return err
			}
			gaps = append(gaps, gap)

			for _, e := range group {
				if err := txn.Delete(mailboxKey(e.userID, e.entryID)); err != nil {
					return err
				}
				ref := core.MessageRef{Scope: core.Scope(e.entry.Scope), Seq: e.entry.Seq}
				if err := txn.Delete(mailboxIndexKey(e.userID, ref)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return gaps, err
}

// ListGaps returns a user's gap markers.
func (s *Store) ListGaps(ctx context.Context, userID string) ([]core.Gap, error) {
	var gaps []core.Gap
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := gapPrefix(userID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var dg diskGap
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &dg) }); err != nil {
				return err
			}
			id, err := strconv.ParseUint(string(item.Key()[len(prefix):]), 10, 64)
			if err != nil {
				return fmt.Errorf("parse gap key %q: %w", item.Key(), err)
			}
			gaps = append(gaps, core.Gap{
				ID:        id,
				UserID:    userID,
				Scope:     core.Scope(dg.Scope),
				FromSeq:   dg.FromSeq,
				ToSeq:     dg.ToSeq,
				Count:     dg.Count,
				ExpiredAt: time.Unix(0, dg.ExpiredAt).UTC(),
			})
		}
		return nil
	})
	return gaps, err
}

// DeleteGaps removes gap markers by id.
func (s *Store) DeleteGaps(ctx context.Context, userID string, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete(append(gapPrefix(userID), pad(id)...)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ==== MembershipStore implementation ====

// AddMember adds a user to a room.
func (s *Store) AddMember(ctx context.Context, roomID, userID string, at time.Time) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		key := memberKey(roomID, userID)
		present, err := exists(txn, key)
		if err != nil || present {
			return err
		}
		return setUint64(txn, key, uint64(at.UnixNano()))
	})
}

// RemoveMember removes a user from a room.
func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(memberKey(roomID, userID))
	})
}

// ListMemberships lists every membership.
func (s *Store) ListMemberships(ctx context.Context) ([]store.Membership, error) {
	var members []store.Membership
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := []byte("mem:")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			roomID, userID, ok := strings.Cut(string(item.Key()[len(prefix):]), sep)
			if !ok {
				return fmt.Errorf("malformed member key %q", item.Key())
			}
			var joined uint64
			if err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("corrupt member value %q", item.Key())
				}
				joined = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
			members = append(members, store.Membership{
				RoomID:   roomID,
				UserID:   userID,
				JoinedAt: time.Unix(0, int64(joined)).UTC(),
			})
		}
		return nil
	})
	return members, err
}
