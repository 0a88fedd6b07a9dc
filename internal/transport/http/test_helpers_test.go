package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/auth"
	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/guard"
	"github.com/vovakirdan/wirechat-relay/internal/hub"
	"github.com/vovakirdan/wirechat-relay/internal/membership"
	"github.com/vovakirdan/wirechat-relay/internal/offline"
	"github.com/vovakirdan/wirechat-relay/internal/presence"
	"github.com/vovakirdan/wirechat-relay/internal/proto"
	"github.com/vovakirdan/wirechat-relay/internal/router"
	"github.com/vovakirdan/wirechat-relay/internal/sequencer"
	"github.com/vovakirdan/wirechat-relay/internal/session"
	"github.com/vovakirdan/wirechat-relay/internal/store/sqlite"
)

const testAdminToken = "test-admin-token"

type testEnv struct {
	ts    *httptest.Server
	hub   *hub.Hub
	queue *offline.Queue
	jwt   *auth.JWTConfig
}

// startTestServer runs the full HTTP surface over an in-memory store.
func startTestServer(t *testing.T) *testEnv {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Server.AdminToken = testAdminToken
	cfg.Server.UpgradesPerMinute = 0
	cfg.Presence.Debounce = 0

	jwtCfg := &auth.JWTConfig{Secret: []byte("test-secret"), Issuer: "test", TTL: time.Hour}
	verifier, err := auth.NewVerifier(jwtCfg)
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}

	logger := zerolog.Nop()
	clk := clock.New()

	sessions := session.NewRegistry(verifier, cfg.Session, clk, &logger)
	tracker := presence.NewTracker(sessions, cfg.Presence.Debounce, clk, &logger)
	members := membership.NewIndex(st, clk, &logger)
	queue := offline.New(st, cfg.Offline, cfg.Retry, clk, &logger)
	g := guard.New(cfg.Guard, sessions, clk, &logger)
	sessions.AddListener(tracker)
	sessions.AddListener(g)

	h := hub.New(cfg.Hub, hub.Components{
		Sessions:  sessions,
		Presence:  tracker,
		Members:   members,
		Sequencer: sequencer.New(st, cfg.Sequencer, cfg.Retry, clk, &logger),
		Router:    router.New(cfg.Delivery, sessions, members, queue, nil, clk, &logger),
		Queue:     queue,
		Guard:     g,
	}, clk, &logger)

	server := NewServer(h, &cfg, &logger)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(func() {
		h.Shutdown()
		ts.Close()
	})

	return &testEnv{ts: ts, hub: h, queue: queue, jwt: jwtCfg}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.GenerateToken(e.jwt, userID, userID)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	return token
}

func (e *testEnv) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(e.ts.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// login dials, says hello and waits until the mailbox replay is done.
func (e *testEnv) login(t *testing.T, ctx context.Context, userID string) (*websocket.Conn, proto.Outbound) {
	t.Helper()
	conn := e.dial(t, ctx)
	writeFrame(t, ctx, conn, proto.Inbound{Type: proto.InboundTypeHello, Token: e.token(t, userID)})

	welcome := readFrame(t, ctx, conn)
	if welcome.Type != proto.OutboundTypeWelcome {
		t.Fatalf("expected welcome, got %+v", welcome)
	}
	readUntil(t, ctx, conn, proto.OutboundTypeDrained)
	return conn, welcome
}

func (e *testEnv) join(t *testing.T, roomID string, userIDs ...string) {
	t.Helper()
	for _, id := range userIDs {
		if err := e.hub.AddMember(context.Background(), roomID, id); err != nil {
			t.Fatalf("add member %s: %v", id, err)
		}
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body string) *stdhttp.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := stdhttp.NewRequest(method, e.ts.URL+path, r)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func writeFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, in proto.Inbound) {
	t.Helper()
	if err := wsjson.Write(ctx, conn, in); err != nil {
		t.Fatalf("write %s failed: %v", in.Type, err)
	}
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) proto.Outbound {
	t.Helper()
	var out proto.Outbound
	if err := wsjson.Read(ctx, conn, &out); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return out
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) proto.Outbound {
	t.Helper()
	for {
		out := readFrame(t, ctx, conn)
		if out.Type == typ {
			return out
		}
	}
}

// expectClose reads until the server closes the connection and returns the status.
func expectClose(t *testing.T, ctx context.Context, conn *websocket.Conn) (websocket.StatusCode, string) {
	t.Helper()
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		var ce websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected close frame, got %v", err)
		}
		return ce.Code, ce.Reason
	}
}
