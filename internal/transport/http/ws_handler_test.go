package http

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/proto"
)

func TestHealthEndpoint(t *testing.T) {
	env := startTestServer(t)

	resp, err := env.ts.Client().Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestWebSocketHelloAndMessage(t *testing.T) {
	env := startTestServer(t)
	env.join(t, "general", "alice", "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, welcome := env.login(t, ctx, "alice")
	if welcome.UserID != "alice" || welcome.SessionID == "" || welcome.V != proto.ProtocolVersion {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}
	bob, _ := env.login(t, ctx, "bob")

	writeFrame(t, ctx, alice, proto.Inbound{
		Type:        proto.InboundTypeMsg,
		RoomID:      "general",
		Content:     "hello",
		ClientToken: "c1",
	})

	sent := readUntil(t, ctx, alice, proto.OutboundTypeSent)
	if sent.MessageID != 1 || sent.ClientToken != "c1" || sent.Delivered != 1 || sent.Duplicate {
		t.Fatalf("unexpected sent frame: %+v", sent)
	}
	if sent.Content != "" {
		t.Fatalf("sent frame should not echo content, got %q", sent.Content)
	}

	msg := readUntil(t, ctx, bob, proto.OutboundTypeMessage)
	if msg.Content != "hello" || msg.SenderID != "alice" || msg.RoomID != "general" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Scope != core.RoomScope("general").String() || msg.MessageID != 1 {
		t.Fatalf("unexpected message id: %s/%d", msg.Scope, msg.MessageID)
	}
	if msg.DeliveryState != string(core.DeliveryDelivered) {
		t.Fatalf("expected delivered state, got %q", msg.DeliveryState)
	}

	// Resending the same client token yields the original id.
	writeFrame(t, ctx, alice, proto.Inbound{
		Type:        proto.InboundTypeMsg,
		RoomID:      "general",
		Content:     "hello",
		ClientToken: "c1",
	})
	dup := readUntil(t, ctx, alice, proto.OutboundTypeSent)
	if !dup.Duplicate || dup.MessageID != 1 {
		t.Fatalf("expected duplicate of message 1, got %+v", dup)
	}
}

func TestOfflineMessageReplayedOnHello(t *testing.T) {
	env := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, _ := env.login(t, ctx, "alice")
	writeFrame(t, ctx, alice, proto.Inbound{Type: proto.InboundTypeMsg, TargetUserID: "bob", Content: "are you there?"})

	sent := readUntil(t, ctx, alice, proto.OutboundTypeSent)
	if sent.Queued != 1 || sent.Delivered != 0 {
		t.Fatalf("expected message to be queued, got %+v", sent)
	}

	bob := env.dial(t, ctx)
	writeFrame(t, ctx, bob, proto.Inbound{Type: proto.InboundTypeHello, Token: env.token(t, "bob")})
	if got := readFrame(t, ctx, bob); got.Type != proto.OutboundTypeWelcome {
		t.Fatalf("expected welcome, got %+v", got)
	}

	msg := readFrame(t, ctx, bob)
	if msg.Type != proto.OutboundTypeMessage || msg.Content != "are you there?" {
		t.Fatalf("expected queued message before drained, got %+v", msg)
	}
	if msg.DeliveryState != string(core.DeliveryQueued) || msg.Scope != core.DirectScope("alice", "bob").String() {
		t.Fatalf("unexpected replayed message: %+v", msg)
	}

	drained := readFrame(t, ctx, bob)
	if drained.Type != proto.OutboundTypeDrained || drained.Pending == nil || *drained.Pending != 1 {
		t.Fatalf("expected drained with one replayed message, got %+v", drained)
	}

	writeFrame(t, ctx, bob, proto.Inbound{
		Type: proto.InboundTypeAck,
		Acks: []proto.AckRef{{Scope: msg.Scope, MessageID: msg.MessageID}},
	})
	writeFrame(t, ctx, bob, proto.Inbound{Type: proto.InboundTypePing})
	if pong := readFrame(t, ctx, bob); pong.Type != proto.OutboundTypePong {
		t.Fatalf("expected pong after ack, got %+v", pong)
	}
}

func TestInvalidFrameKeepsConnectionOpen(t *testing.T) {
	env := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := env.login(t, ctx, "alice")

	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	errFrame := readFrame(t, ctx, conn)
	if errFrame.Type != proto.OutboundTypeError || errFrame.Error == nil || errFrame.Error.Code != core.ErrCodeInvalidFrame {
		t.Fatalf("expected invalid_frame error, got %+v", errFrame)
	}

	writeFrame(t, ctx, conn, proto.Inbound{Type: "shout"})
	errFrame = readFrame(t, ctx, conn)
	if errFrame.Error == nil || errFrame.Error.Code != core.ErrCodeInvalidFrame {
		t.Fatalf("expected invalid_frame for unknown type, got %+v", errFrame)
	}

	writeFrame(t, ctx, conn, proto.Inbound{Type: proto.InboundTypePing})
	if pong := readFrame(t, ctx, conn); pong.Type != proto.OutboundTypePong {
		t.Fatalf("expected pong, got %+v", pong)
	}
}

func TestMessageErrorsCarryClientToken(t *testing.T) {
	env := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := env.login(t, ctx, "alice")

	writeFrame(t, ctx, conn, proto.Inbound{Type: proto.InboundTypeMsg, RoomID: "secret", Content: "hi", ClientToken: "t1"})
	errFrame := readUntil(t, ctx, conn, proto.OutboundTypeError)
	if errFrame.Error == nil || errFrame.Error.Code != core.ErrCodeNotAMember || errFrame.ClientToken != "t1" {
		t.Fatalf("expected not_a_member for t1, got %+v", errFrame)
	}

	writeFrame(t, ctx, conn, proto.Inbound{Type: proto.InboundTypeMsg, Content: "nowhere", ClientToken: "t2"})
	errFrame = readUntil(t, ctx, conn, proto.OutboundTypeError)
	if errFrame.Error == nil || errFrame.Error.Code != core.ErrCodeBadRequest || errFrame.ClientToken != "t2" {
		t.Fatalf("expected bad_request for t2, got %+v", errFrame)
	}
}

func TestHelloRequiredFirst(t *testing.T) {
	env := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(t, ctx)
	writeFrame(t, ctx, conn, proto.Inbound{Type: proto.InboundTypePing})
	errFrame := readFrame(t, ctx, conn)
	if errFrame.Error == nil || errFrame.Error.Code != core.ErrCodeBadRequest {
		t.Fatalf("expected bad_request before hello, got %+v", errFrame)
	}

	writeFrame(t, ctx, conn, proto.Inbound{Type: proto.InboundTypeHello, Token: env.token(t, "alice")})
	if welcome := readFrame(t, ctx, conn); welcome.Type != proto.OutboundTypeWelcome {
		t.Fatalf("expected welcome after hello, got %+v", welcome)
	}
}

func TestHelloRejectedToken(t *testing.T) {
	env := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(t, ctx)
	writeFrame(t, ctx, conn, proto.Inbound{Type: proto.InboundTypeHello, Token: "not-a-jwt"})

	errFrame := readFrame(t, ctx, conn)
	if errFrame.Error == nil || errFrame.Error.Code != core.ErrCodeAuthRejected {
		t.Fatalf("expected auth_rejected, got %+v", errFrame)
	}
	status, reason := expectClose(t, ctx, conn)
	if status != websocket.StatusPolicyViolation || reason != core.ErrCodeAuthRejected {
		t.Fatalf("unexpected close: %d %q", status, reason)
	}
}

func TestUnsupportedProtocolVersion(t *testing.T) {
	env := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := env.dial(t, ctx)
	writeFrame(t, ctx, conn, proto.Inbound{V: proto.ProtocolVersion + 1, Type: proto.InboundTypeHello, Token: env.token(t, "alice")})

	errFrame := readFrame(t, ctx, conn)
	if errFrame.Error == nil || errFrame.Error.Code != core.ErrCodeUnsupportedVersion {
		t.Fatalf("expected unsupported_version, got %+v", errFrame)
	}
	status, _ := expectClose(t, ctx, conn)
	if status != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %d", status)
	}
}

func TestWatchPushesPresence(t *testing.T) {
	env := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, _ := env.login(t, ctx, "alice")
	writeFrame(t, ctx, alice, proto.Inbound{Type: proto.InboundTypeWatch, UserIDs: []string{"bob"}})

	initial := readUntil(t, ctx, alice, proto.OutboundTypePresence)
	if initial.UserID != "bob" || initial.Status != string(core.StatusOffline) {
		t.Fatalf("expected bob offline, got %+v", initial)
	}

	env.login(t, ctx, "bob")
	online := readUntil(t, ctx, alice, proto.OutboundTypePresence)
	if online.UserID != "bob" || online.Status != string(core.StatusOnline) {
		t.Fatalf("expected bob online, got %+v", online)
	}
}

func TestCloseStatus(t *testing.T) {
	tests := []struct {
		reason core.CloseReason
		status websocket.StatusCode
	}{
		{"", websocket.StatusNormalClosure},
		{core.CloseClientClosed, websocket.StatusNormalClosure},
		{core.CloseShutdown, websocket.StatusGoingAway},
		{core.CloseSlowConsumer, websocket.StatusTryAgainLater},
		{core.CloseDrainFailed, websocket.StatusTryAgainLater},
		{core.CloseForcedKick, websocket.StatusPolicyViolation},
		{core.CloseIdleTimeout, websocket.StatusPolicyViolation},
	}
	for _, tt := range tests {
		status, _ := closeStatus(tt.reason)
		if status != tt.status {
			t.Errorf("closeStatus(%q) = %d, want %d", tt.reason, status, tt.status)
		}
	}
}

func TestClientGoneDuringReplayReleasesSession(t *testing.T) {
	env := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	scope := core.DirectScope("alice", "bob")
	for seq := uint64(1); seq <= 200; seq++ {
		msg := core.Message{Scope: scope, Seq: seq, SenderID: "alice", Target: core.Target{UserID: "bob"}, Content: "queued"}
		if _, err := env.queue.Enqueue(ctx, "bob", msg); err != nil {
			t.Fatalf("enqueue %d: %v", seq, err)
		}
	}

	stale := env.dial(t, ctx)
	writeFrame(t, ctx, stale, proto.Inbound{Type: proto.InboundTypeHello, Token: env.token(t, "bob")})
	_ = stale.CloseNow()

	env.login(t, ctx, "bob")

	deadline := time.Now().Add(3 * time.Second)
	for len(env.hub.SessionsOf("bob")) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("replay into the closed socket kept its session, have %d sessions", len(env.hub.SessionsOf("bob")))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
