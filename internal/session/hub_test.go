package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

type testServer struct {
	hub  *Hub
	srv  *httptest.Server
	msgs chan api.Message
}

func startServer(t *testing.T, maxSessions int) *testServer {
	t.Helper()
	ts := &testServer{msgs: make(chan api.Message, 16)}
	ts.hub = NewHub(Options{
		MaxSessions: maxSessions,
		Handler: HandlerFunc(func(_ context.Context, msg api.Message) {
			ts.msgs <- msg
		}),
	})
	ts.srv = httptest.NewServer(ts.hub)
	return ts
}

func (ts *testServer) stop() {
	ts.hub.Close()
	ts.srv.Close()
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func (ts *testServer) waitSessions(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for ts.hub.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("sessions = %d, want %d", ts.hub.Count(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) api.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg api.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestBroadcastReachesEverySession(t *testing.T) {
	defer goleak.VerifyNone(t)
	ts := startServer(t, 4)
	defer ts.stop()

	a, b := ts.dial(t), ts.dial(t)
	defer a.Close()
	defer b.Close()
	ts.waitSessions(t, 2)

	ts.hub.Broadcast(api.NewNotification("Installation Completed: GE-Proton9-1"))
	ts.hub.Broadcast(api.NewStateUpdate(&api.AppState{UpdaterState: api.UpdaterChecking}))

	for _, conn := range []*websocket.Conn{a, b} {
		first := readMessage(t, conn)
		if first.Type != api.MessageNotification || first.Notification == nil || *first.Notification != "Installation Completed: GE-Proton9-1" {
			t.Fatalf("first message = %+v", first)
		}
		second := readMessage(t, conn)
		if second.Type != api.MessageUpdateState || second.AppState == nil || second.AppState.UpdaterState != api.UpdaterChecking {
			t.Fatalf("second message = %+v", second)
		}
	}
}

func TestInboundMessagesReachHandlerInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	ts := startServer(t, 4)
	defer ts.stop()

	conn := ts.dial(t)
	defer conn.Close()

	frames := []string{
		`{"type":"RequestState","task":null,"notification":null,"available_compat_tools":[{"strToolName":"GE-Proton9-1","strDisplayName":"GE-Proton9-1"}],"app_state":null}`,
		`not json`,
		`{"type":"Task","task":{"type":"CheckForFlavorUpdates","install":null,"uninstall":null}}`,
	}
	for _, f := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatal(err)
		}
	}

	got := make([]api.Message, 0, 2)
	for len(got) < 2 {
		select {
		case msg := <-ts.msgs:
			got = append(got, msg)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d messages, want 2", len(got))
		}
	}
	if got[0].Type != api.MessageRequestState || len(got[0].AvailableCompatTools) != 1 || got[0].AvailableCompatTools[0].ToolName != "GE-Proton9-1" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Type != api.MessageTask || got[1].Task == nil || got[1].Task.Type != api.TaskCheckForFlavorUpdates {
		t.Errorf("second = %+v", got[1])
	}
}

func TestSessionLimit(t *testing.T) {
	defer goleak.VerifyNone(t)
	ts := startServer(t, 1)
	defer ts.stop()

	conn := ts.dial(t)
	defer conn.Close()
	ts.waitSessions(t, 1)

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("second session should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("response = %+v", resp)
	}
	resp.Body.Close()
}

func TestDisconnectUnregisters(t *testing.T) {
	defer goleak.VerifyNone(t)
	ts := startServer(t, 4)
	defer ts.stop()

	conn := ts.dial(t)
	ts.waitSessions(t, 1)
	conn.Close()
	ts.waitSessions(t, 0)

	// Broadcasting with no sessions is a no-op.
	ts.hub.Broadcast(api.NewNotification("nobody listening"))
}

func TestEnqueueReportsFullBuffer(t *testing.T) {
	s := &session{send: make(chan []byte, 1), done: make(chan struct{})}
	if !s.enqueue([]byte("a")) {
		t.Fatal("first enqueue should fit")
	}
	if s.enqueue([]byte("b")) {
		t.Fatal("enqueue into a full buffer should report false")
	}
	close(s.done)
	if !s.enqueue([]byte("c")) {
		t.Fatal("enqueue on a closed session should be silently dropped")
	}
}

func TestBroadcastEncodesNullOptionals(t *testing.T) {
	data, err := json.Marshal(api.NewNotification("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"app_state":null`) {
		t.Fatalf("encoded = %s", data)
	}
}
