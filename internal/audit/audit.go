// Package audit publishes message delivery events for moderation tooling.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Kind of a delivery event.
type Kind string

const (
	KindDelivered    Kind = "delivered"
	KindQueued       Kind = "queued"
	KindSlowConsumer Kind = "slow_consumer"
	KindFailed       Kind = "failed"
	KindRejected     Kind = "rejected"
	KindDuplicate    Kind = "duplicate"
)

// Event is one delivery fact.
type Event struct {
	Kind        Kind      `json:"kind"`
	Scope       string    `json:"scope,omitempty"`
	MessageID   uint64    `json:"messageId,omitempty"`
	SenderID    string    `json:"senderId,omitempty"`
	RecipientID string    `json:"recipientId,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// LogSink writes events to the log.
type LogSink struct {
	log *zerolog.Logger
}

// NewLogSink builds a sink that logs at debug level, and at warn level for failures.
func NewLogSink(logger *zerolog.Logger) *LogSink {
	l := logger.With().Str("component", "audit").Logger()
	return &LogSink{log: &l}
}

func (s *LogSink) Publish(_ context.Context, ev Event) error {
	e := s.log.Debug()
	if ev.Kind == KindFailed || ev.Kind == KindSlowConsumer {
		e = s.log.Warn()
	}
	e.Str("kind", string(ev.Kind)).
		Str("scope", ev.Scope).
		Uint64("message_id", ev.MessageID).
		Str("sender_id", ev.SenderID).
		Str("recipient_id", ev.RecipientID).
		Str("session_id", ev.SessionID).
		Str("reason", ev.Reason).
		Time("at", ev.At).
		Msg("delivery event")
	return nil
}

// publisher is the part of the go-redis client the sink uses.
type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink publishes events as JSON on a pub/sub channel.
type RedisSink struct {
	client  publisher
	channel string
}

// NewRedisSink builds a sink on a redis client, typically *redis.Client.
func NewRedisSink(client publisher, channel string) (*RedisSink, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if channel == "" {
		return nil, errors.New("redis channel is required")
	}
	return &RedisSink{client: client, channel: channel}, nil
}

func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}
	return nil
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async decouples publishers from a slow sink. Events that do not fit the
// buffer are dropped and counted.
type Async struct {
	sink    Sink
	events  chan Event
	dropped atomic.Int64
	log     *zerolog.Logger
}

// NewAsync wraps sink. Run must be started to deliver events.
func NewAsync(sink Sink, buffer int, logger *zerolog.Logger) *Async {
	l := logger.With().Str("component", "audit").Logger()
	return &Async{sink: sink, events: make(chan Event, buffer), log: &l}
}

// Publish never blocks.
func (a *Async) Publish(_ context.Context, ev Event) error {
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
	}
	return nil
}

// Dropped counts events lost to a full buffer.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Run forwards events until ctx is done, then flushes what is buffered.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-a.events:
			a.forward(ctx, ev)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			for {
				select {
				case ev := <-a.events:
					a.forward(flushCtx, ev)
				default:
					return nil
				}
			}
		}
	}
}

func (a *Async) forward(ctx context.Context, ev Event) {
	if err := a.sink.Publish(ctx, ev); err != nil {
		a.log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("audit sink failed")
	}
}
