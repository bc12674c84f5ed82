package observer

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"autolevel.ai/internal/protocol"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitSessions(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Sessions != n {
		if time.Now().After(deadline) {
			t.Fatalf("sessions=%d want=%d", s.Stats().Sessions, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_StreamsFilteredEvents(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(s.WSHandler())
	defer srv.Close()

	conn := dial(t, srv)
	sub := protocol.SubscribeMsg{
		Type:            protocol.TypeSubscribe,
		ProtocolVersion: protocol.Version,
		Partitions:      []string{"Akua"},
		Kinds:           []string{"disabled"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitSessions(t, s, 1)

	at := time.Unix(1700000000, 0)
	s.Emit(protocol.NewEntityEvent(protocol.EventDisabled, "Omicron", 2001, "Drone Carrier", protocol.ReasonNoThrusters, 3, at))
	s.Emit(protocol.NewEntityEvent(protocol.EventTracked, "Akua", 1001, "Zirax Patrol", "", 0, at))
	s.Emit(protocol.NewEntityEvent(protocol.EventDisabled, "Akua", 1001, "Zirax Patrol", protocol.ReasonUnpowered, 4, at))
	s.PublishChat("Akua", "Zirax Patrol has been disabled and will be auto-rotated in 15s.", at)
	s.PublishChat("Omicron", "not for us", at)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev protocol.EntityEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Kind != protocol.EventDisabled || ev.Partition != "Akua" || ev.EntityID != 1001 {
		t.Fatalf("event=%+v", ev)
	}

	_, b, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read chat: %v", err)
	}
	var chat protocol.ChatMsg
	if err := json.Unmarshal(b, &chat); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if chat.Type != protocol.TypeChat || chat.Partition != "Akua" || !strings.Contains(chat.Text, "auto-rotated") {
		t.Fatalf("chat=%+v", chat)
	}
	if st := s.Stats(); st.Published != 2 || st.Dropped != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestServer_RejectsBadHandshake(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(s.WSHandler())
	defer srv.Close()

	conn := dial(t, srv)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"HELLO"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v want policy violation close", err)
	}
	if s.Stats().Sessions != 0 {
		t.Fatalf("rejected observer registered")
	}
}

func TestServer_DropsForSlowObserver(t *testing.T) {
	s := NewServer(nil)
	sess := &session{id: "slow", out: make(chan []byte, 1)}
	s.sessions[sess.id] = sess
	for i := 0; i < 3; i++ {
		s.Emit(protocol.NewEntityEvent(protocol.EventTracked, "P", i, "", "", 0, time.Now()))
	}
	if st := s.Stats(); st.Published != 1 || st.Dropped != 2 {
		t.Fatalf("stats=%+v", st)
	}
	if ids := s.SessionIDs(); len(ids) != 1 || ids[0] != "slow" {
		t.Fatalf("ids=%v", ids)
	}
}

func TestSession_Filters(t *testing.T) {
	sess := &session{}
	if !sess.wants("Any", protocol.EventTracked) {
		t.Fatalf("empty filter should match everything")
	}
	sub, ok := decodeSubscribe([]byte(`{"type":"SUBSCRIBE","protocol_version":"1.0","kinds":[" leveled "]}`))
	if !ok {
		t.Fatalf("decode failed")
	}
	sess.setFilter(sub)
	if !sess.wants("Akua", protocol.EventLeveled) || sess.wants("Akua", protocol.EventTracked) {
		t.Fatalf("kind filter mismatch")
	}
	if !sess.wants("Akua", "") {
		t.Fatalf("chat should pass kind filters")
	}
	if _, ok := decodeSubscribe([]byte(`{"type":"SUBSCRIBE","protocol_version":"0.9"}`)); ok {
		t.Fatalf("accepted wrong protocol version")
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:1234": true,
		"[::1]:80":       true,
		"10.0.0.2:80":    false,
		"garbage":        false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("%s: got %v want %v", in, got, want)
		}
	}
}
