package fxmonitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	broadcastWriteWait  = 10 * time.Second
	broadcastPongWait   = 60 * time.Second
	broadcastPingPeriod = 54 * time.Second
	broadcastQueueSize  = 32
)

// StatusMessage is what observers receive on the /events stream.
type StatusMessage struct {
	Kind string    `json:"kind"`
	TS   time.Time `json:"ts"`
	Data any       `json:"data"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Broadcaster fans status messages out to websocket observers. Slow observers
// lose messages instead of stalling the publisher.
type Broadcaster struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
	last map[string][]byte
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		log:  componentLogger(logger, "broadcast"),
		subs: make(map[*subscriber]struct{}),
		last: make(map[string][]byte),
	}
}

// Publish sends a message to every observer and keeps it as the latest of its kind.
func (b *Broadcaster) Publish(kind string, data any) {
	payload, err := json.Marshal(StatusMessage{Kind: kind, TS: time.Now(), Data: data})
	if err != nil {
		b.log.Warn("Failed to encode status message", slog.String("kind", kind), slog.String("err", err.Error()))
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last[kind] = payload
	for sub := range b.subs {
		select {
		case sub.send <- payload:
		default:
		}
	}
}

// Announce publishes a restart countdown to the events stream.
func (b *Broadcaster) Announce(minutes int, message string) {
	b.Publish("announcement", map[string]any{"minutes": minutes, "message": message})
}

func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// ServeHTTP upgrades the request and streams messages until the observer leaves.
// New observers first get the latest message of every kind.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("Websocket upgrade failed", slog.String("err", err.Error()))
		return
	}
	sub := &subscriber{conn: conn, send: make(chan []byte, broadcastQueueSize), done: make(chan struct{})}
	b.mu.Lock()
	for _, payload := range b.last {
		select {
		case sub.send <- payload:
		default:
		}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.readPump(sub)
	b.writePump(sub)
}

func (b *Broadcaster) remove(sub *subscriber) {
	sub.once.Do(func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		close(sub.done)
		sub.conn.Close()
	})
}

// readPump only handles control frames and notices the peer going away.
func (b *Broadcaster) readPump(sub *subscriber) {
	defer b.remove(sub)
	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(broadcastPongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(broadcastPongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) writePump(sub *subscriber) {
	ticker := time.NewTicker(broadcastPingPeriod)
	defer func() {
		ticker.Stop()
		b.remove(sub)
	}()
	for {
		select {
		case <-sub.done:
			return
		case payload := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(broadcastWriteWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(broadcastWriteWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
