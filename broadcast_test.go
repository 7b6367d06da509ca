package fxmonitor

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func readStatus(t *testing.T, conn *websocket.Conn) StatusMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg StatusMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Publish("scheduler", SchedulerStatus{State: SchedulerIdle})
	b.Publish("scheduler", SchedulerStatus{State: SchedulerArmed, NextLabel: "23:00"})

	srv := httptest.NewServer(b)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	replay := readStatus(t, conn)
	if replay.Kind != "scheduler" {
		t.Fatalf("replayed kind = %q", replay.Kind)
	}
	if data, _ := replay.Data.(map[string]any); data["nextLabel"] != "23:00" {
		t.Errorf("replay should carry the latest status, got %v", replay.Data)
	}

	waitFor(t, func() bool { return b.Subscribers() == 1 })
	b.Announce(5, "The server will restart in 5 minutes.")
	msg := readStatus(t, conn)
	data, _ := msg.Data.(map[string]any)
	if msg.Kind != "announcement" || data["minutes"] != float64(5) {
		t.Errorf("got %+v", msg)
	}

	conn.Close()
	waitFor(t, func() bool { return b.Subscribers() == 0 })
}
