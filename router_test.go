package fxmonitor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func traceEvent(t *testing.T, token string, data any) TraceEvent {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	return TraceEvent{GenerationToken: token, Value: TraceValue{Channel: channelServer, Data: raw}}
}

func structured(resource string, payload any) map[string]any {
	return map[string]any{"type": eventStructuredTrace, "resource": resource, "payload": payload}
}

type routerRecorder struct {
	heartbeats int
	logs       []LogEntry
	resources  []ResourceEvent
	players    []PlayerEvent
	commands   []BridgeCommand
	alerts     []RouterAlert
}

func (rec *routerRecorder) handlers() RouterHandlers {
	return RouterHandlers{
		Heartbeat:     func() { rec.heartbeats++ },
		Log:           func(e LogEntry) { rec.logs = append(rec.logs, e) },
		Resource:      func(e ResourceEvent) { rec.resources = append(rec.resources, e) },
		Player:        func(e PlayerEvent) { rec.players = append(rec.players, e) },
		CommandBridge: func(c BridgeCommand) { rec.commands = append(rec.commands, c) },
		Alert:         func(a RouterAlert) { rec.alerts = append(rec.alerts, a) },
	}
}

func newTestRouter() (*EventRouter, *routerRecorder) {
	rec := &routerRecorder{}
	r := NewEventRouter(RouterOptions{}, rec.handlers(), nil)
	r.SetGeneration("gen-1")
	return r, rec
}

func TestRouterDropsStaleGeneration(t *testing.T) {
	r, rec := newTestRouter()
	before := testutil.ToFloat64(routerStaleCounter)

	hb := structured("monitor", map[string]any{"type": "heartbeat"})
	r.Route(traceEvent(t, "gen-0", hb))
	r.Route(traceEvent(t, "", hb))
	if rec.heartbeats != 0 {
		t.Fatalf("stale events must be dropped, got %d heartbeats", rec.heartbeats)
	}
	if got := testutil.ToFloat64(routerStaleCounter) - before; got != 2 {
		t.Errorf("stale counter grew by %v, want 2", got)
	}

	r.Route(traceEvent(t, "gen-1", hb))
	if rec.heartbeats != 1 {
		t.Errorf("active generation heartbeat not delivered")
	}
	if r.Status().LastHeartbeat.IsZero() {
		t.Error("heartbeat time should be recorded")
	}
}

func TestRouterIgnoresOtherChannelsAndResources(t *testing.T) {
	r, rec := newTestRouter()
	ev := traceEvent(t, "gen-1", structured("monitor", map[string]any{"type": "heartbeat"}))
	ev.Value.Channel = "some-other-channel"
	r.Route(ev)
	r.Route(traceEvent(t, "gen-1", structured("chat", map[string]any{"type": "heartbeat"})))
	r.Route(traceEvent(t, "gen-1", map[string]any{"type": "unheard_of"}))
	if rec.heartbeats != 0 {
		t.Errorf("events outside the monitor resource must be dropped")
	}
}

func TestRouterNucleusConnected(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{url: "https://myserver-abc123.users.cfx.re/", want: "abc123"},
		{url: "monitor-x1y2z3w4.users.cfx.re", want: "x1y2z3w4"},
		{url: "https://example.com/", want: ""},
		{url: "https://short-ab1.users.cfx.re/", want: "ab1"},
		{url: "https://my-server-Srv_42.users.cfx.re", want: "Srv_42"},
		{url: "https://srv-ab.cd.users.cfx.re/", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			r, _ := newTestRouter()
			r.Route(traceEvent(t, "gen-1", map[string]any{"type": eventNucleusConnected, "url": tt.url}))
			if got := r.NucleusID(); got != tt.want {
				t.Errorf("NucleusID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRouterBindErrorEscalation(t *testing.T) {
	r, rec := newTestRouter()
	bind := map[string]any{"type": eventBindError, "address": "0.0.0.0:30120"}
	want := []time.Duration{10, 15, 20, 25, 30, 35, 40, 45, 45}
	for i, w := range want {
		r.Route(traceEvent(t, "gen-1", bind))
		if got := r.RestartDelayOverride(); got != w*time.Second {
			t.Fatalf("after %d bind errors delay = %s, want %s", i+1, got, w*time.Second)
		}
	}
	if len(rec.alerts) != len(want) || rec.alerts[0].Detail != "0.0.0.0:30120" {
		t.Errorf("alerts = %+v", rec.alerts)
	}

	r.Route(traceEvent(t, "gen-1", map[string]any{"type": eventNucleusConnected, "url": "https://srv-abcdef.users.cfx.re/"}))
	if got := r.RestartDelayOverride(); got != 0 {
		t.Errorf("nucleus connection should clear the delay, got %s", got)
	}
}

func TestRouterWatchdogBark(t *testing.T) {
	r, rec := newTestRouter()
	r.Route(traceEvent(t, "gen-1", map[string]any{"type": eventWatchdogBark, "thread": "svMain", "stack": "at foo()"}))
	if len(rec.alerts) != 1 || rec.alerts[0].Kind != eventWatchdogBark || rec.alerts[0].Thread != "svMain" {
		t.Errorf("alerts = %+v", rec.alerts)
	}
}

func TestRouterStructuredPayloads(t *testing.T) {
	r, rec := newTestRouter()
	send := func(payload map[string]any) {
		r.Route(traceEvent(t, "gen-1", structured("monitor", payload)))
	}

	send(map[string]any{"type": "logData", "logs": []map[string]any{
		{"ts": 1700000000000, "type": "console", "src": map[string]string{"id": "sv", "name": "server"}, "msg": "hello"},
		{"ts": 1700000000001, "type": "console", "src": map[string]string{"id": "sv"}, "msg": "world"},
	}})
	send(map[string]any{"type": "memoryStats", "heapUsed": 100, "heapTotal": 200, "rss": 300})
	send(map[string]any{"type": "resourceEvent", "event": "onResourceStart", "resource": "chat"})
	send(map[string]any{"type": "playerEvent", "event": PlayerJoining, "id": 1, "name": "alice"})
	send(map[string]any{"type": "playerEvent", "event": PlayerJoining, "id": 2, "name": "bob"})
	send(map[string]any{"type": "playerEvent", "event": PlayerDropped, "id": 1, "reason": "quit"})
	send(map[string]any{"type": "commandBridge", "command": "announcement", "author": "admin", "message": "hi"})
	send(map[string]any{"type": "playerEvent", "event": PlayerJoining, "id": "not-a-number"})

	if len(rec.logs) != 2 || rec.logs[0].Message != "hello" || rec.logs[1].Source.ID != "sv" {
		t.Errorf("logs = %+v", rec.logs)
	}
	if stat, at := r.Memory.Last(); stat.RSS != 300 || at.IsZero() {
		t.Errorf("memory = %+v at %s", stat, at)
	}
	if len(rec.resources) != 1 || rec.resources[0].Resource != "chat" {
		t.Errorf("resources = %+v", rec.resources)
	}
	if len(rec.players) != 3 {
		t.Errorf("malformed player event should be dropped, got %d events", len(rec.players))
	}
	if got := r.Players.ClientCount(); got != 1 {
		t.Errorf("client count = %d, want 1", got)
	}
	if len(rec.commands) != 1 || rec.commands[0].Author != "admin" {
		t.Errorf("commands = %+v", rec.commands)
	}

	r.SetGeneration("gen-2")
	if got := r.Players.ClientCount(); got != 0 {
		t.Errorf("a new generation should reset players, got %d", got)
	}
}

func TestRouterConsume(t *testing.T) {
	r, rec := newTestRouter()
	hb := traceEvent(t, "gen-1", structured("monitor", map[string]any{"type": "heartbeat"}))
	line, err := json.Marshal(hb)
	if err != nil {
		t.Fatal(err)
	}
	stream := string(line) + "\n\nnot json\n" + string(line) + "\n"
	if err := r.Consume(context.Background(), strings.NewReader(stream)); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if rec.heartbeats != 2 {
		t.Errorf("heartbeats = %d, want 2", rec.heartbeats)
	}
}

func TestLogForwarder(t *testing.T) {
	var sb strings.Builder
	f := NewLogForwarder(&sb)
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.Local)
	f.Forward(LogEntry{TS: ts.UnixMilli(), Type: "console", Source: LogSource{ID: "sv", Name: "server"}, Message: "line one\nline two"})
	want := "[2024-03-01 12:30:00] [server] console: line one\\nline two\n"
	if sb.String() != want {
		t.Errorf("forwarded %q, want %q", sb.String(), want)
	}
}

func TestRouterConsumeSkipsOversizedLine(t *testing.T) {
	r, rec := newTestRouter()
	logLine := func(msg string) string {
		ev := traceEvent(t, "gen-1", structured("monitor", map[string]any{
			"type": "logData",
			"logs": []map[string]any{{"type": "console", "msg": msg}},
		}))
		raw, err := json.Marshal(ev)
		if err != nil {
			t.Fatal(err)
		}
		return string(raw)
	}
	stream := logLine(strings.Repeat("x", maxTraceLine+1<<20)) + "\n" + logLine("after") + "\n" + logLine("last")
	if err := r.Consume(context.Background(), strings.NewReader(stream)); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(rec.logs) != 2 || rec.logs[0].Message != "after" || rec.logs[1].Message != "last" {
		t.Errorf("routed logs = %+v, want the two lines after the oversized one", rec.logs)
	}
}
