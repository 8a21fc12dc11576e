package ws

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/botgate/botgate-server/cache"
	"github.com/botgate/botgate-server/config"
	"github.com/botgate/botgate-server/dispatch"
	"github.com/botgate/botgate-server/session"
	"github.com/botgate/botgate-server/stats"
	"github.com/botgate/botgate-server/tokenpool"
	"github.com/botgate/botgate-server/upstream"
)

type scriptedStream struct {
	chunks []string
	i      int
}

func (s *scriptedStream) Recv() (string, error) {
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return c, nil
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error { return nil }

type scriptedCompleter struct {
	chunks []string
}

func (f *scriptedCompleter) StreamCompletion(context.Context, upstream.Request) (upstream.Stream, error) {
	return &scriptedStream{chunks: f.chunks}, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Credentials = []config.CredentialConfig{{Key: "t1", Secret: "s1", MaxConcurrent: 5}}
	cfg.Bots = []config.Bot{
		{ID: "advisor", Name: "General Advisor", Model: "gpt-4o-mini", TokenKey: "t1", Icon: "fa-robot"},
		{ID: "product", Name: "Product Advisor", Model: "gpt-4o-mini", TokenKey: "t1", Icon: "fa-cart"},
	}
	return cfg
}

func startTestServer(t *testing.T, completer upstream.Completer) (*Hub, *httptest.Server) {
	t.Helper()

	cfg := testConfig()
	pool, err := tokenpool.New([]tokenpool.CredentialConfig{
		{Key: "t1", Secret: "s1", MaxConcurrent: 5},
	})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}

	sessions := session.NewRegistry()
	st := stats.New(prometheus.NewRegistry())
	d := dispatch.New(cache.New(100, time.Hour), sessions, pool, st, completer,
		cfg.Bots, 100*time.Millisecond, false)

	hub := NewHub(cfg, sessions, d, st, nil)
	go hub.Run()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn, r.URL.Query().Get("user_id"), r.RemoteAddr)
		hub.Register(client)
		go client.WritePump()
		go client.ReadPump()
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialTestServer(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitForSession blocks until the hub's register loop has picked up the
// connection, so a test's first frame never races session registration.
func waitForSession(t *testing.T, hub *Hub) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for hub.sessions.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestPingPong(t *testing.T) {
	_, srv := startTestServer(t, &scriptedCompleter{})
	conn := dialTestServer(t, srv, "u1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readText(t, conn); got != "pong" {
		t.Errorf("got %q, want pong", got)
	}
}

func TestMessageStreamsAnswer(t *testing.T) {
	hub, srv := startTestServer(t, &scriptedCompleter{chunks: []string{"Hello", " world"}})
	conn := dialTestServer(t, srv, "u1")
	waitForSession(t, hub)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("what is up")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got []string
	for {
		frame := readText(t, conn)
		if frame == CompleteMarker {
			break
		}
		if strings.HasPrefix(frame, ErrorMarker) {
			t.Fatalf("unexpected error frame: %q", frame)
		}
		got = append(got, frame)
	}
	if strings.Join(got, "") != "Hello world" {
		t.Errorf("answer = %q", strings.Join(got, ""))
	}
}

func TestSwitchBot(t *testing.T) {
	hub, srv := startTestServer(t, &scriptedCompleter{})
	conn := dialTestServer(t, srv, "u1")
	waitForSession(t, hub)

	cmd := `{"action":"switch_bot","bot_id":"product"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
		t.Fatalf("write: %v", err)
	}

	var evt BotSwitchedEvent
	if err := json.Unmarshal([]byte(readText(t, conn)), &evt); err != nil {
		t.Fatalf("bad bot_switched frame: %v", err)
	}
	if evt.Type != "bot_switched" || evt.Bot.ID != "product" {
		t.Errorf("event = %+v", evt)
	}
}

func TestSwitchBotUnknown(t *testing.T) {
	_, srv := startTestServer(t, &scriptedCompleter{})
	conn := dialTestServer(t, srv, "u1")

	cmd := `{"action":"switch_bot","bot_id":"nope"}`
	conn.WriteMessage(websocket.TextMessage, []byte(cmd))

	if got := readText(t, conn); !strings.HasPrefix(got, ErrorMarker) {
		t.Errorf("got %q, want error frame", got)
	}
}

func TestIdleSweepClosesConnection(t *testing.T) {
	hub, srv := startTestServer(t, &scriptedCompleter{})
	conn := dialTestServer(t, srv, "u1")
	waitForSession(t, hub)

	ids := hub.sessions.SweepIdle(-time.Second) // everything is "idle"
	if len(ids) != 1 {
		t.Fatalf("swept %v, want one session", ids)
	}
	hub.CloseSessions(ids)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection should be closed after idle sweep")
	}
}
