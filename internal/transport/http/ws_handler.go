package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/hub"
	"github.com/vovakirdan/wirechat-relay/internal/proto"
	"github.com/vovakirdan/wirechat-relay/internal/session"
)

// WSConfig holds per-connection limits.
type WSConfig struct {
	MaxFrameBytes int64
	HelloTimeout  time.Duration
	WriteTimeout  time.Duration
}

// WSHandler upgrades HTTP connections and bridges them to hub sessions.
type WSHandler struct {
	hub *hub.Hub
	cfg WSConfig
	log *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(h *hub.Hub, cfg WSConfig, logger *zerolog.Logger) stdhttp.Handler {
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &WSHandler{hub: h, cfg: cfg, log: logger}
}

// wsConn is the registry's handle on a socket. The handler notices the
// session's done channel and performs the close handshake itself, so Close
// only records the event.
type wsConn struct {
	remote string
	log    *zerolog.Logger
}

func (c wsConn) Close(reason core.CloseReason) {
	c.log.Debug().Str("remote", c.remote).Str("reason", string(reason)).Msg("session closed by server")
}

var errHelloRequired = fmt.Errorf("%w: first frame must be hello", core.ErrBadRequest)

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.CloseNow()
	if h.cfg.MaxFrameBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxFrameBytes)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	hello, err := h.awaitHello(ctx, conn)
	if err != nil {
		h.reject(ctx, conn, err)
		return
	}

	// The mailbox replay inside Connect must stop once nothing reads the
	// outbox any more.
	replayCtx, stopReplay := context.WithCancel(ctx)
	defer stopReplay()

	errCh := make(chan error, 2)
	sess, err := h.hub.Connect(replayCtx, wsConn{remote: r.RemoteAddr, log: h.log}, hello.Token, func(s *session.Session) {
		welcome := proto.Outbound{V: proto.ProtocolVersion, Type: proto.OutboundTypeWelcome, SessionID: s.ID, UserID: s.UserID}
		if err := h.write(ctx, conn, welcome); err != nil {
			stopReplay()
			errCh <- err
			return
		}
		go func() {
			err := h.writeLoop(ctx, conn, s)
			stopReplay()
			errCh <- err
		}()
	})
	if err != nil {
		h.reject(ctx, conn, err)
		return
	}
	defer h.hub.Disconnect(sess)

	go func() {
		errCh <- h.readLoop(ctx, conn, sess)
	}()

	err = <-errCh

	status, reason := closeStatus(sess.CloseReason())
	if err != nil {
		if s := websocket.CloseStatus(err); s == websocket.StatusNormalClosure || s == websocket.StatusGoingAway || errors.Is(err, io.EOF) {
			err = nil
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			status, reason = websocket.StatusInternalError, "internal error"
			h.log.Warn().Err(err).Str("session_id", sess.ID).Msg("ws connection closed with error")
		}
	}
	_ = conn.Close(status, reason)
	cancel() // stop the other goroutine
}

// awaitHello reads frames until a valid hello arrives. Frames that fail to
// decode are answered with invalid_frame and the connection stays open.
func (h *WSHandler) awaitHello(ctx context.Context, conn *websocket.Conn) (proto.Inbound, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.HelloTimeout)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return proto.Inbound{}, err
		}
		in, err := proto.Decode(data)
		if err != nil {
			if werr := h.write(ctx, conn, errorFrame(core.ErrorFor(err), "")); werr != nil {
				return proto.Inbound{}, werr
			}
			continue
		}
		if in.Type != proto.InboundTypeHello {
			if werr := h.write(ctx, conn, errorFrame(core.ErrorFor(errHelloRequired), in.ClientToken)); werr != nil {
				return proto.Inbound{}, werr
			}
			continue
		}
		if err := proto.CheckVersion(in.V); err != nil {
			return proto.Inbound{}, err
		}
		return in, nil
	}
}

// reject reports a failed handshake to the client and closes the connection.
func (h *WSHandler) reject(ctx context.Context, conn *websocket.Conn, err error) {
	var ce *core.CoreError
	if !errors.As(err, &ce) {
		h.log.Debug().Err(err).Msg("ws handshake aborted")
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}
	h.log.Debug().Err(err).Str("code", ce.Code).Msg("ws handshake rejected")
	_ = h.write(ctx, conn, errorFrame(core.ErrorFor(err), ""))
	_ = conn.Close(websocket.StatusPolicyViolation, ce.Code)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		in, err := proto.Decode(data)
		if err != nil {
			h.log.Debug().Err(err).Str("session_id", sess.ID).Msg("invalid frame")
			if werr := h.write(ctx, conn, errorFrame(core.ErrorFor(err), "")); werr != nil {
				return werr
			}
			continue
		}

		if err := h.dispatch(ctx, conn, sess, in, len(data)); err != nil {
			return err
		}
	}
}

// dispatch handles one decoded frame. Only transport failures are returned;
// domain errors are reported to the client.
func (h *WSHandler) dispatch(ctx context.Context, conn *websocket.Conn, sess *session.Session, in proto.Inbound, size int) error {
	switch in.Type {
	case proto.InboundTypeMsg:
		res, err := h.hub.Send(ctx, sess, inboundToDraft(in), size)
		if err != nil {
			return h.pushError(ctx, sess, err, in.ClientToken)
		}
		return h.push(ctx, sess, core.Delivery{Kind: core.DeliverySent, Sent: &res})
	case proto.InboundTypeAck:
		if _, err := h.hub.Ack(ctx, sess, inboundToRefs(in)); err != nil {
			return h.pushError(ctx, sess, err, "")
		}
		return nil
	case proto.InboundTypeWatch:
		h.hub.Watch(sess, in.UserIDs...)
		return nil
	case proto.InboundTypePing:
		h.hub.Touch(sess)
		return h.write(ctx, conn, proto.Outbound{V: proto.ProtocolVersion, Type: proto.OutboundTypePong})
	case proto.InboundTypeHello:
		return h.pushError(ctx, sess, fmt.Errorf("%w: already authenticated", core.ErrBadRequest), "")
	default:
		return h.pushError(ctx, sess, core.ErrInvalidFrame, in.ClientToken)
	}
}

// push queues a reply behind the deliveries already in the session outbox.
func (h *WSHandler) push(ctx context.Context, sess *session.Session, d core.Delivery) error {
	err := sess.Push(ctx, d)
	if errors.Is(err, core.ErrSessionClosed) {
		return nil
	}
	return err
}

func (h *WSHandler) pushError(ctx context.Context, sess *session.Session, err error, clientToken string) error {
	return h.push(ctx, sess, core.Delivery{Kind: core.DeliveryError, Error: core.ErrorFor(err), ClientToken: clientToken})
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) error {
	for {
		select {
		case d := <-sess.Outbox():
			if err := h.write(ctx, conn, outboundFromDelivery(d)); err != nil {
				h.log.Error().Err(err).Str("session_id", sess.ID).Msg("write ws delivery")
				return err
			}
		case <-sess.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) write(ctx context.Context, conn *websocket.Conn, out proto.Outbound) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, out)
}

func closeStatus(reason core.CloseReason) (websocket.StatusCode, string) {
	switch reason {
	case "", core.CloseClientClosed:
		return websocket.StatusNormalClosure, "closing"
	case core.CloseShutdown:
		return websocket.StatusGoingAway, string(reason)
	case core.CloseSlowConsumer, core.CloseDrainFailed:
		return websocket.StatusTryAgainLater, string(reason)
	default:
		return websocket.StatusPolicyViolation, string(reason)
	}
}
