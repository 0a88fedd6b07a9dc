package membership

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Room is a snapshot of a room's members.
type Room struct {
	ID        string
	Members   []string
	CreatedAt time.Time
}

// set is an immutable member set. Writers replace it, readers never lock.
type set map[string]struct{}

func (s set) with(id string) set {
	next := make(set, len(s)+1)
	for k := range s {
		next[k] = struct{}{}
	}
	next[id] = struct{}{}
	return next
}

func (s set) without(id string) set {
	next := make(set, len(s))
	for k := range s {
		if k != id {
			next[k] = struct{}{}
		}
	}
	return next
}

func (s set) sorted() []string {
	out := lo.Keys(s)
	sort.Strings(out)
	return out
}

// slot holds one room's members or one user's rooms. An emptied slot is
// marked dead and unlinked from its map; writers holding a dead slot retry.
type slot struct {
	mu        sync.Mutex
	members   atomic.Pointer[set]
	createdAt time.Time
	dead      bool
}

func newSlot(createdAt time.Time) *slot {
	s := &slot{createdAt: createdAt}
	empty := set{}
	s.members.Store(&empty)
	return s
}

func (s *slot) load() set {
	return *s.members.Load()
}

// Index maps rooms to members and users to rooms.
type Index struct {
	store store.MembershipStore
	clock clock.Clock
	log   *zerolog.Logger

	rooms *xsync.MapOf[string, *slot]
	users *xsync.MapOf[string, *slot]
}

// NewIndex builds an empty index. st may be nil for a purely in-memory index.
func NewIndex(st store.MembershipStore, clk clock.Clock, logger *zerolog.Logger) *Index {
	l := logger.With().Str("component", "membership").Logger()
	return &Index{
		store: st,
		clock: clk,
		log:   &l,
		rooms: xsync.NewMapOf[string, *slot](),
		users: xsync.NewMapOf[string, *slot](),
	}
}

// lockSlot returns the locked live slot of key, creating it when needed.
func lockSlot(m *xsync.MapOf[string, *slot], key string, now time.Time) *slot {
	for {
		s, _ := m.LoadOrCompute(key, func() *slot { return newSlot(now) })
		s.mu.Lock()
		if !s.dead {
			return s
		}
		s.mu.Unlock()
	}
}

// unlockSlot releases s and drops it from m once it is empty.
func unlockSlot(m *xsync.MapOf[string, *slot], key string, s *slot) {
	if len(s.load()) == 0 {
		s.dead = true
		m.Compute(key, func(old *slot, loaded bool) (*slot, bool) {
			return old, !loaded || old == s
		})
	}
	s.mu.Unlock()
}

// Load rebuilds the index from the durable store.
func (x *Index) Load(ctx context.Context) error {
	if x.store == nil {
		return nil
	}
	members, err := x.store.ListMemberships(ctx)
	if err != nil {
		return fmt.Errorf("list memberships: %w", err)
	}
	for _, m := range members {
		x.apply(m.RoomID, m.UserID, m.JoinedAt, true)
	}
	x.log.Info().Int("memberships", len(members)).Msg("membership index loaded")
	return nil
}

// AddMember adds a user to a room. Adding an existing member is a no-op.
func (x *Index) AddMember(ctx context.Context, roomID, userID string) error {
	now := x.clock.Now()
	room := lockSlot(x.rooms, roomID, now)
	defer unlockSlot(x.rooms, roomID, room)

	if _, ok := room.load()[userID]; ok {
		return nil
	}
	if x.store != nil {
		if err := x.store.AddMember(ctx, roomID, userID, now); err != nil {
			return fmt.Errorf("persist member %s/%s: %w", roomID, userID, err)
		}
	}
	x.applyLocked(room, roomID, userID, now, true)
	return nil
}

// RemoveMember removes a user from a room. Removing an absent member is a no-op.
func (x *Index) RemoveMember(ctx context.Context, roomID, userID string) error {
	room, ok := x.rooms.Load(roomID)
	if !ok {
		return nil
	}

	room.mu.Lock()
	if room.dead {
		room.mu.Unlock()
		return nil
	}
	defer unlockSlot(x.rooms, roomID, room)
	if _, ok := room.load()[userID]; !ok {
		return nil
	}
	if x.store != nil {
		if err := x.store.RemoveMember(ctx, roomID, userID); err != nil {
			return fmt.Errorf("delete member %s/%s: %w", roomID, userID, err)
		}
	}
	x.applyLocked(room, roomID, userID, x.clock.Now(), false)
	return nil
}

func (x *Index) apply(roomID, userID string, at time.Time, add bool) {
	room := lockSlot(x.rooms, roomID, at)
	defer unlockSlot(x.rooms, roomID, room)
	x.applyLocked(room, roomID, userID, at, add)
}

// applyLocked publishes a mutation. The room lock is held; the user side has
// its own lock so that a user's room list never loses a concurrent update.
func (x *Index) applyLocked(room *slot, roomID, userID string, at time.Time, add bool) {
	user := lockSlot(x.users, userID, at)
	defer unlockSlot(x.users, userID, user)

	var members, rooms set
	if add {
		members = room.load().with(userID)
		rooms = user.load().with(roomID)
	} else {
		members = room.load().without(userID)
		rooms = user.load().without(roomID)
	}
	room.members.Store(&members)
	user.members.Store(&rooms)
}

// MembersOf returns the members of a room, sorted.
func (x *Index) MembersOf(roomID string) []string {
	room, ok := x.rooms.Load(roomID)
	if !ok {
		return nil
	}
	return room.load().sorted()
}

// RoomsOf returns the rooms a user belongs to, sorted.
func (x *Index) RoomsOf(userID string) []string {
	user, ok := x.users.Load(userID)
	if !ok {
		return nil
	}
	return user.load().sorted()
}

// IsMember reports whether the user belongs to the room.
func (x *Index) IsMember(roomID, userID string) bool {
	room, ok := x.rooms.Load(roomID)
	if !ok {
		return false
	}
	_, ok = room.load()[userID]
	return ok
}

// Room returns a snapshot of a room.
func (x *Index) Room(roomID string) (Room, bool) {
	room, ok := x.rooms.Load(roomID)
	if !ok {
		return Room{}, false
	}
	return Room{ID: roomID, Members: room.load().sorted(), CreatedAt: room.createdAt}, true
}
