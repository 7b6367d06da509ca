package fxmonitor

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// PlayerCounter tracks connected players of the active generation.
type PlayerCounter struct {
	mu      sync.Mutex
	players map[int]string
}

func NewPlayerCounter() *PlayerCounter {
	return &PlayerCounter{players: make(map[int]string)}
}

func (c *PlayerCounter) Apply(ev PlayerEvent) {
	c.mu.Lock()
	switch ev.Event {
	case PlayerJoining:
		c.players[ev.NetID] = ev.Name
	case PlayerDropped:
		delete(c.players, ev.NetID)
	}
	n := len(c.players)
	c.mu.Unlock()
	childPlayersGauge.Set(float64(n))
}

func (c *PlayerCounter) Reset() {
	c.mu.Lock()
	c.players = make(map[int]string)
	c.mu.Unlock()
	childPlayersGauge.Set(0)
}

func (c *PlayerCounter) ClientCount() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(len(c.players))
}

// MemoryRecorder keeps the last memory figures reported by the child.
type MemoryRecorder struct {
	mu   sync.Mutex
	last MemoryStat
	at   time.Time
}

func (m *MemoryRecorder) Record(stat MemoryStat, at time.Time) {
	m.mu.Lock()
	m.last, m.at = stat, at
	m.mu.Unlock()
	childMemoryGauge.WithLabelValues("heap_used").Set(float64(stat.HeapUsed))
	childMemoryGauge.WithLabelValues("heap_total").Set(float64(stat.HeapTotal))
	childMemoryGauge.WithLabelValues("rss").Set(float64(stat.RSS))
}

func (m *MemoryRecorder) Last() (MemoryStat, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.at
}

// LogForwarder writes the child's structured log entries, one per line.
type LogForwarder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLogForwarder(w io.Writer) *LogForwarder {
	return &LogForwarder{w: w}
}

func (f *LogForwarder) Forward(entry LogEntry) {
	ts := time.Now()
	if entry.TS > 0 {
		ts = time.UnixMilli(entry.TS)
	}
	src := entry.Source.Name
	if src == "" {
		src = entry.Source.ID
	}
	msg := strings.ReplaceAll(entry.Message, "\n", `\n`)
	line := fmt.Sprintf("[%s] [%s] %s: %s\n", ts.Format(time.DateTime), src, entry.Type, msg)
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _ = io.WriteString(f.w, line)
}
