package fxmonitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"
)

const (
	channelServer = "citizen-server-impl"

	eventNucleusConnected = "nucleus_connected"
	eventWatchdogBark     = "watchdog_bark"
	eventBindError        = "bind_error"
	eventStructuredTrace  = "script_structured_trace"

	payloadHeartbeat     = "heartbeat"
	payloadLogData       = "logData"
	payloadMemory        = "memoryStats"
	payloadResourceEvent = "resourceEvent"
	payloadPlayerEvent   = "playerEvent"
	payloadCommandBridge = "commandBridge"
)

const maxTraceLine = 4 << 20

var nucleusURLRe = regexp.MustCompile(`^(?:https://)?.*-(\w+)\.users\.cfx\.re/?$`)

// TraceEvent is one line of the child's trace stream.
type TraceEvent struct {
	GenerationToken string     `json:"generationToken"`
	Value           TraceValue `json:"value"`
}

type TraceValue struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type traceData struct {
	Type     string          `json:"type"`
	Resource string          `json:"resource"`
	URL      string          `json:"url"`
	Thread   string          `json:"thread"`
	Stack    string          `json:"stack"`
	Address  string          `json:"address"`
	Payload  json.RawMessage `json:"payload"`
}

type LogEntry struct {
	TS      int64           `json:"ts"`
	Type    string          `json:"type"`
	Source  LogSource       `json:"src"`
	Message string          `json:"msg"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type LogSource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type MemoryStat struct {
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
	RSS       uint64 `json:"rss"`
}

type ResourceEvent struct {
	Event    string `json:"event"`
	Resource string `json:"resource"`
}

type PlayerEvent struct {
	Event  string `json:"event"`
	NetID  int    `json:"id"`
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

const (
	PlayerJoining = "playerJoining"
	PlayerDropped = "playerDropped"
)

// BridgeCommand is an administrator action relayed back through the child.
type BridgeCommand struct {
	Command string          `json:"command"`
	Author  string          `json:"author"`
	Message string          `json:"message"`
	Target  json.RawMessage `json:"target,omitempty"`
}

// RouterAlert is published for the advisory events operators should see.
type RouterAlert struct {
	Kind    string        `json:"kind"`
	Thread  string        `json:"thread,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
	Nucleus string        `json:"nucleus,omitempty"`
}

// RouterHandlers are the downstream collaborators. Nil handlers drop their events.
type RouterHandlers struct {
	Heartbeat     func()
	Log           func(LogEntry)
	Resource      func(ResourceEvent)
	Player        func(PlayerEvent)
	CommandBridge func(BridgeCommand)
	Alert         func(RouterAlert)
}

type RouterOptions struct {
	MonitorResource    string
	BindErrorBaseDelay time.Duration
	BindErrorStep      time.Duration
	BindErrorMaxDelay  time.Duration
}

type RouterStatus struct {
	Generation           string    `json:"generation"`
	NucleusID            string    `json:"nucleusId,omitempty"`
	RestartDelayOverride string    `json:"restartDelayOverride,omitempty"`
	LastHeartbeat        time.Time `json:"lastHeartbeat"`
	Players              int       `json:"players"`
}

// EventRouter dispatches trace events of the active generation to handlers.
type EventRouter struct {
	opts     RouterOptions
	handlers RouterHandlers
	log      *slog.Logger
	now      func() time.Time

	Players *PlayerCounter
	Memory  *MemoryRecorder

	mu            sync.RWMutex
	generation    string
	nucleusID     string
	restartDelay  time.Duration
	lastHeartbeat time.Time
}

func NewEventRouter(opts RouterOptions, handlers RouterHandlers, logger *slog.Logger) *EventRouter {
	if opts.MonitorResource == "" {
		opts.MonitorResource = defaultMonitorResource
	}
	if opts.BindErrorBaseDelay <= 0 {
		opts.BindErrorBaseDelay = defaultBindErrorBase
	}
	if opts.BindErrorStep <= 0 {
		opts.BindErrorStep = defaultBindErrorStep
	}
	if opts.BindErrorMaxDelay <= 0 {
		opts.BindErrorMaxDelay = defaultBindErrorMax
	}
	return &EventRouter{
		opts:     opts,
		handlers: handlers,
		log:      componentLogger(logger, "router"),
		now:      time.Now,
		Players:  NewPlayerCounter(),
		Memory:   &MemoryRecorder{},
	}
}

// SetGeneration makes token the only generation whose events are accepted.
func (r *EventRouter) SetGeneration(token string) {
	r.mu.Lock()
	r.generation = token
	r.lastHeartbeat = time.Time{}
	r.mu.Unlock()
	r.Players.Reset()
	r.log.Info("Active generation changed", slog.String("generation", token))
}

func (r *EventRouter) Generation() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// NucleusID returns the identifier cached from the last nucleus connection.
func (r *EventRouter) NucleusID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nucleusID
}

// RestartDelayOverride is the spawn delay imposed by repeated bind errors, or 0.
func (r *EventRouter) RestartDelayOverride() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.restartDelay
}

func (r *EventRouter) Status() RouterStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := RouterStatus{
		Generation:    r.generation,
		NucleusID:     r.nucleusID,
		LastHeartbeat: r.lastHeartbeat,
		Players:       int(r.Players.ClientCount()),
	}
	if r.restartDelay > 0 {
		st.RestartDelayOverride = r.restartDelay.String()
	}
	return st
}

// Consume routes newline-delimited trace events read from rd until EOF or ctx
// is done. Malformed lines are logged and skipped. Lines longer than
// maxTraceLine are discarded up to the next newline.
func (r *EventRouter) Consume(ctx context.Context, rd io.Reader) error {
	br := bufio.NewReaderSize(rd, 64*1024)
	var line []byte
	oversized := false
	for {
		chunk, err := br.ReadSlice('\n')
		switch {
		case oversized:
		case len(line)+len(chunk) > maxTraceLine:
			oversized = true
			line = line[:0]
			r.log.Warn("Dropping oversized trace line", slog.Int("limit", maxTraceLine))
		default:
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if !oversized {
			r.routeLine(bytes.TrimSpace(line))
		}
		line, oversized = line[:0], false

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("trace stream: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (r *EventRouter) routeLine(line []byte) {
	if len(line) == 0 {
		return
	}
	var ev TraceEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		r.log.Warn("Malformed trace line", slog.String("err", err.Error()))
		return
	}
	r.Route(ev)
}

// Route handles one event synchronously.
func (r *EventRouter) Route(ev TraceEvent) {
	if ev.GenerationToken == "" || ev.GenerationToken != r.Generation() {
		routerStaleCounter.Inc()
		return
	}
	if ev.Value.Channel != channelServer {
		r.log.Debug("Dropping event from unknown channel", slog.String("channel", ev.Value.Channel))
		return
	}
	var data traceData
	if err := json.Unmarshal(ev.Value.Data, &data); err != nil {
		r.log.Warn("Malformed trace data", slog.String("err", err.Error()))
		return
	}

	switch data.Type {
	case eventNucleusConnected:
		r.handleNucleus(data.URL)
	case eventWatchdogBark:
		r.count("watchdog")
		r.log.Warn("Watchdog bark: a server thread appears hung",
			slog.String("thread", data.Thread), slog.String("stack", data.Stack))
		r.alert(RouterAlert{Kind: eventWatchdogBark, Thread: data.Thread, Detail: data.Stack})
	case eventBindError:
		r.handleBindError(data.Address)
	case eventStructuredTrace:
		if data.Resource != r.opts.MonitorResource {
			r.log.Debug("Dropping structured trace from other resource", slog.String("resource", data.Resource))
			return
		}
		r.routePayload(data.Payload)
	default:
		r.log.Debug("Dropping unrecognized event", slog.String("type", data.Type))
	}
}

func (r *EventRouter) routePayload(raw json.RawMessage) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		r.log.Warn("Malformed structured trace", slog.String("err", err.Error()))
		return
	}

	switch head.Type {
	case payloadHeartbeat:
		r.count("heartbeat")
		r.mu.Lock()
		r.lastHeartbeat = r.now()
		r.mu.Unlock()
		if r.handlers.Heartbeat != nil {
			r.handlers.Heartbeat()
		}
	case payloadLogData:
		var p struct {
			Logs []LogEntry `json:"logs"`
		}
		if !r.decode(head.Type, raw, &p) {
			return
		}
		r.count("log")
		if r.handlers.Log != nil {
			for _, entry := range p.Logs {
				r.handlers.Log(entry)
			}
		}
	case payloadMemory:
		var p MemoryStat
		if !r.decode(head.Type, raw, &p) {
			return
		}
		r.count("memory")
		r.Memory.Record(p, r.now())
	case payloadResourceEvent:
		var p ResourceEvent
		if !r.decode(head.Type, raw, &p) {
			return
		}
		r.count("resource")
		if r.handlers.Resource != nil {
			r.handlers.Resource(p)
		}
	case payloadPlayerEvent:
		var p PlayerEvent
		if !r.decode(head.Type, raw, &p) {
			return
		}
		r.count("player")
		r.Players.Apply(p)
		if r.handlers.Player != nil {
			r.handlers.Player(p)
		}
	case payloadCommandBridge:
		var p BridgeCommand
		if !r.decode(head.Type, raw, &p) {
			return
		}
		r.count("command_bridge")
		if r.handlers.CommandBridge != nil {
			r.handlers.CommandBridge(p)
		}
	default:
		r.log.Debug("Dropping unrecognized structured trace", slog.String("type", head.Type))
	}
}

func (r *EventRouter) decode(kind string, raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		r.log.Warn("Malformed structured trace payload", slog.String("type", kind), slog.String("err", err.Error()))
		return false
	}
	return true
}

func (r *EventRouter) handleNucleus(url string) {
	r.count("nucleus")
	m := nucleusURLRe.FindStringSubmatch(url)
	if m == nil {
		r.log.Warn("Nucleus URL did not match the expected shape", slog.String("url", url))
		return
	}
	r.mu.Lock()
	r.nucleusID = m[1]
	r.restartDelay = 0
	r.mu.Unlock()
	r.log.Info("Server reachable through nucleus", slog.String("url", url), slog.String("id", m[1]))
	r.alert(RouterAlert{Kind: eventNucleusConnected, Nucleus: m[1]})
}

// handleBindError escalates the restart delay so a port conflict does not turn
// into a restart storm.
func (r *EventRouter) handleBindError(address string) {
	r.count("bind_error")
	r.mu.Lock()
	switch {
	case r.restartDelay == 0:
		r.restartDelay = r.opts.BindErrorBaseDelay
	case r.restartDelay+r.opts.BindErrorStep > r.opts.BindErrorMaxDelay:
		r.restartDelay = r.opts.BindErrorMaxDelay
	default:
		r.restartDelay += r.opts.BindErrorStep
	}
	delay := r.restartDelay
	r.mu.Unlock()
	r.log.Error("Child failed to bind its listening port",
		slog.String("address", address), slog.Duration("restartDelay", delay))
	r.alert(RouterAlert{Kind: eventBindError, Detail: address, Delay: delay})
}

func (r *EventRouter) alert(a RouterAlert) {
	if r.handlers.Alert != nil {
		r.handlers.Alert(a)
	}
}

func (r *EventRouter) count(handler string) {
	routerEventCounter.WithLabelValues(handler).Inc()
}
