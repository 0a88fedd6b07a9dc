package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vovakirdan/wirechat-relay/internal/core"
)

// Conn is the connection handle behind a session. Close must not block.
type Conn interface {
	Close(reason core.CloseReason)
}

type state int32

const (
	stateDraining state = iota
	stateLive
	stateClosed
)

// Session is one authenticated connection of a user.
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	conn         Conn
	lastActivity atomic.Int64
	outbox       chan core.Delivery
	done         chan struct{}
	closeOnce    sync.Once

	mu          sync.Mutex
	state       state
	holdback    []core.Delivery
	closeReason core.CloseReason
}

func newSession(id, userID string, conn Conn, now time.Time, outboxSize int) *Session {
	s := &Session{
		ID:          id,
		UserID:      userID,
		ConnectedAt: now,
		conn:        conn,
		outbox:      make(chan core.Delivery, outboxSize),
		done:        make(chan struct{}),
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// Push hands a delivery to the session's writer. It gives up when ctx is done
// (ErrDeliveryTimeout) or the session closes (ErrSessionClosed).
func (s *Session) Push(ctx context.Context, d core.Delivery) error {
	select {
	case <-s.done:
		return core.ErrSessionClosed
	default:
	}

	select {
	case s.outbox <- d:
		// Lost a race with close: the writer may already be gone.
		select {
		case <-s.done:
			return core.ErrSessionClosed
		default:
			return nil
		}
	case <-s.done:
		return core.ErrSessionClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", core.ErrDeliveryTimeout, ctx.Err())
	}
}

// Unsent empties the outbox of a closed session and returns the chat
// messages the writer never took. It returns nil while the session is open.
func (s *Session) Unsent() []core.Message {
	select {
	case <-s.done:
	default:
		return nil
	}

	var msgs []core.Message
	for {
		select {
		case d := <-s.outbox:
			if d.Kind == core.DeliveryMessage {
				msgs = append(msgs, d.Message)
			}
		default:
			return msgs
		}
	}
}

// Outbox is read by the connection writer.
func (s *Session) Outbox() <-chan core.Delivery {
	return s.outbox
}

// Done is closed when the session is removed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Live reports whether the session finished draining and receives routed traffic directly.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateLive
}

// Draining reports whether the session still replays its mailbox.
func (s *Session) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateDraining
}

// CloseReason is set once the session has been removed.
func (s *Session) CloseReason() core.CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// LastActivity returns the time of the last inbound frame.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// hold buffers a delivery routed while the session drains.
func (s *Session) hold(d core.Delivery) {
	s.mu.Lock()
	s.holdback = append(s.holdback, d)
	s.mu.Unlock()
}

func (s *Session) takeHoldback() []core.Delivery {
	s.mu.Lock()
	held := s.holdback
	s.holdback = nil
	s.mu.Unlock()
	return held
}

func (s *Session) setLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateDraining {
		return false
	}
	s.state = stateLive
	return true
}

func (s *Session) close(reason core.CloseReason) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosed
		s.closeReason = reason
		s.holdback = nil
		s.mu.Unlock()

		close(s.done)
		if s.conn != nil {
			s.conn.Close(reason)
		}
	})
}
