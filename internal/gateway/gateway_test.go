package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/askrelay/internal/auth"
	"github.com/amurg-ai/askrelay/internal/event"
	"github.com/amurg-ai/askrelay/internal/generation"
	"github.com/amurg-ai/askrelay/internal/metrics"
	"github.com/amurg-ai/askrelay/internal/push"
	"github.com/amurg-ai/askrelay/internal/router"
	"github.com/amurg-ai/askrelay/internal/sessions"
	"github.com/amurg-ai/askrelay/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder is a Dispatcher that reports every event on a channel.
type recorder struct {
	events chan event.Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan event.Event, 32)}
}

func (r *recorder) Handle(_ context.Context, ev event.Event) router.Ack {
	r.events <- ev
	return router.OK()
}

func (r *recorder) next(t *testing.T) event.Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(wait):
	}
}

func startServer(t *testing.T, d Dispatcher, reg *Registry, opts Options) (*Gateway, *httptest.Server) {
	t.Helper()
	gw := New(reg, d, opts, nil, testLogger())
	r := chi.NewRouter()
	r.Get("/ws", gw.HandleWS)
	r.Post("/@connections/{connectionID}", gw.HandleManagementPush)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return gw, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(msg)
}

func TestLifecycleEvents(t *testing.T) {
	rec := newRecorder()
	_, srv := startServer(t, rec, NewRegistry(nil), Options{})

	conn := dial(t, srv)
	connect, ok := rec.next(t).(event.Connect)
	if !ok || connect.ConnectionID == "" {
		t.Fatalf("first event: got %#v, want Connect", connect)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"ask","data":"hi","token":"T"}`)); err != nil {
		t.Fatal(err)
	}
	a, ok := rec.next(t).(event.Ask)
	if !ok || a.ConnectionID != connect.ConnectionID || a.Prompt != "hi" || a.Token != "T" {
		t.Fatalf("ask: got %#v", a)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`hello`)); err != nil {
		t.Fatal(err)
	}
	u, ok := rec.next(t).(event.Unknown)
	if !ok || u.Route != protocol.RouteDefault {
		t.Fatalf("plain text: got %#v, want Unknown($default)", u)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"ask","data":"hi"}`)); err != nil {
		t.Fatal(err)
	}
	if _, ok := rec.next(t).(event.Malformed); !ok {
		t.Fatal("ask without token should be Malformed")
	}

	conn.Close()
	d, ok := rec.next(t).(event.Disconnect)
	if !ok || d.ConnectionID != connect.ConnectionID {
		t.Fatalf("last event: got %#v, want Disconnect", d)
	}
}

type allowAll struct{}

func (allowAll) Authenticate(context.Context, string) auth.Result {
	return auth.Result{Authorized: true}
}

type echoInvoker struct{}

func (echoInvoker) Invoke(_ context.Context, prompt, prior string) (*generation.Answer, error) {
	return &generation.Answer{Text: "echo: " + prompt, SessionID: "sess-" + prior + "x"}, nil
}

func TestAskRoundTrip(t *testing.T) {
	reg := NewRegistry(protocol.TextCodec{})
	store := sessions.NewMemory(sessions.Options{})
	rt := router.New(allowAll{}, store, echoInvoker{}, reg, router.Options{}, nil, testLogger())
	gw, srv := startServer(t, rt, reg, Options{})

	conn := dial(t, srv)
	if err := conn.WriteJSON(protocol.ClientRequest{Action: "ask", Data: "What is X?", Token: "T"}); err != nil {
		t.Fatal(err)
	}
	if got := readFrame(t, conn); got != "echo: What is X?" {
		t.Errorf("answer frame: got %q", got)
	}
	if got := readFrame(t, conn); got != protocol.EndMarker {
		t.Errorf("end frame: got %q", got)
	}

	// Second ask resumes the session written by the first.
	if err := conn.WriteJSON(protocol.ClientRequest{Action: "ask", Data: "And Y?", Token: "T"}); err != nil {
		t.Fatal(err)
	}
	readFrame(t, conn)
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := gw.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if reg.Len() != 1 {
		t.Errorf("registry: got %d connections, want 1", reg.Len())
	}
}

func TestUndecodableActionKeepsServing(t *testing.T) {
	reg := NewRegistry(protocol.TextCodec{})
	m := metrics.New("test")
	rt := router.New(allowAll{}, sessions.NewMemory(sessions.Options{}), echoInvoker{}, reg, router.Options{}, m, testLogger())
	gw, srv := startServer(t, rt, reg, Options{})

	conn := dial(t, srv)
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("{\"action\":\"\xff\"}")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(protocol.ClientRequest{Action: "ask", Data: "still there?", Token: "T"}); err != nil {
		t.Fatal(err)
	}
	if got := readFrame(t, conn); got != "echo: still there?" {
		t.Errorf("answer frame: got %q", got)
	}
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := gw.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "test_events_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				switch lp.GetValue() {
				case "connect", "ask", "other":
				default:
					t.Errorf("unexpected route label %q", lp.GetValue())
				}
			}
		}
	}
}

// panicky panics on unknown routes and records everything else.
type panicky struct{ *recorder }

func (p panicky) Handle(ctx context.Context, ev event.Event) router.Ack {
	if _, ok := ev.(event.Unknown); ok {
		panic("handler bug")
	}
	return p.recorder.Handle(ctx, ev)
}

func TestDispatchPanicIsContained(t *testing.T) {
	rec := newRecorder()
	_, srv := startServer(t, panicky{rec}, NewRegistry(nil), Options{})
	conn := dial(t, srv)
	rec.next(t) // connect

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"boom"}`)); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"ask","data":"hi","token":"T"}`)); err != nil {
		t.Fatal(err)
	}
	if _, ok := rec.next(t).(event.Ask); !ok {
		t.Fatal("ask after a panicking event should still be handled")
	}
}

func TestManagementPush(t *testing.T) {
	rec := newRecorder()
	reg := NewRegistry(nil)
	_, srv := startServer(t, rec, reg, Options{ManagementToken: "mgmt"})

	conn := dial(t, srv)
	connID := rec.next(t).ConnID()

	post := func(id, token, body string) int {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/@connections/"+id, strings.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post(connID, "", "x"); code != http.StatusUnauthorized {
		t.Errorf("without token: got %d, want 401", code)
	}
	if code := post(connID, "mgmt", "pushed frame"); code != http.StatusOK {
		t.Fatalf("push: got %d, want 200", code)
	}
	if got := readFrame(t, conn); got != "pushed frame" {
		t.Errorf("frame: got %q", got)
	}
	if code := post("no-such-conn", "mgmt", "x"); code != http.StatusGone {
		t.Errorf("unknown connection: got %d, want 410", code)
	}
}

func TestHTTPPusherThroughManagementEndpoint(t *testing.T) {
	rec := newRecorder()
	_, srv := startServer(t, rec, NewRegistry(nil), Options{})
	conn := dial(t, srv)
	connID := rec.next(t).ConnID()

	p := push.NewHTTPPusher(push.HTTPOptions{Endpoint: srv.URL})
	if err := p.Push(context.Background(), connID, []byte("remote")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := p.PushEnd(context.Background(), connID); err != nil {
		t.Fatalf("PushEnd: %v", err)
	}
	if got := readFrame(t, conn); got != "remote" {
		t.Errorf("frame: got %q", got)
	}
	if got := readFrame(t, conn); got != protocol.EndMarker {
		t.Errorf("end: got %q", got)
	}

	conn.Close()
	rec.next(t) // disconnect
	err := p.Push(context.Background(), connID, []byte("late"))
	if !errors.Is(err, push.ErrStaleConnection) {
		t.Errorf("after close: got %v, want ErrStaleConnection", err)
	}
}

func TestMessageRateLimit(t *testing.T) {
	rec := newRecorder()
	_, srv := startServer(t, rec, NewRegistry(nil), Options{MessagesPerSecond: 0.001, MessageBurst: 2})
	conn := dial(t, srv)
	rec.next(t) // connect

	for i := 0; i < 5; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"noop"}`)); err != nil {
			t.Fatal(err)
		}
	}
	rec.next(t)
	rec.next(t)
	rec.none(t, 200*time.Millisecond)
}

func TestRegistryStale(t *testing.T) {
	reg := NewRegistry(nil)
	if err := reg.Push(context.Background(), "missing", []byte("x")); !errors.Is(err, push.ErrStaleConnection) {
		t.Errorf("Push: got %v, want ErrStaleConnection", err)
	}
	if err := reg.PushEnd(context.Background(), "missing"); !errors.Is(err, push.ErrStaleConnection) {
		t.Errorf("PushEnd: got %v, want ErrStaleConnection", err)
	}
}

func TestOriginCheck(t *testing.T) {
	_, srv := startServer(t, newRecorder(), NewRegistry(nil), Options{AllowedOrigins: []string{"https://app.example.com"}})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("expected handshake failure for disallowed origin")
	}

	header.Set("Origin", "https://app.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	conn.Close()
}
