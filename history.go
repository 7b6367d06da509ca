package fxmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrUnknownThread    = errors.New("unknown thread")
)

// PerfSnapshot is one collected interval. It is never modified once appended.
type PerfSnapshot struct {
	TS              time.Time   `json:"ts"`
	Skipped         bool        `json:"skipped"`
	MainTickCounter uint64      `json:"mainTickCounter"`
	ClientCount     uint32      `json:"clientCount"`
	RawCounters     ThreadPerfs `json:"rawCounters"`
	Frequencies     ThreadPerfs `json:"intervalFrequencies"`
}

func (s *PerfSnapshot) valid() bool {
	if s.TS.IsZero() {
		return false
	}
	for _, name := range PerfThreadNames {
		raw, ok := s.RawCounters[name]
		if !ok || len(raw.Buckets) != PerfBucketCount {
			return false
		}
		freq, ok := s.Frequencies[name]
		if !ok || len(freq.Buckets) != PerfBucketCount {
			return false
		}
	}
	return true
}

// PerfFetcher returns the raw perf exposition of the child.
type PerfFetcher interface {
	FetchPerf(ctx context.Context) (string, error)
}

// ClientCounter reports how many clients are connected to the child.
type ClientCounter interface {
	ClientCount() uint32
}

type httpPerfFetcher struct {
	client *http.Client
	url    string
}

// NewHTTPPerfFetcher polls http://<host>/perf/ with the given timeout.
func NewHTTPPerfFetcher(host string, timeout time.Duration) PerfFetcher {
	return &httpPerfFetcher{
		client: &http.Client{Timeout: timeout},
		url:    "http://" + host + "/perf/",
	}
}

func (f *httpPerfFetcher) FetchPerf(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("perf endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

type HistoryOptions struct {
	File             string
	Cap              int
	Resolution       time.Duration
	LinearityFactor  float64
	PollTimeout      time.Duration
	SummaryWindow    time.Duration
	SummaryMinWindow time.Duration
}

// PerfHistory is the bounded perf time series. Collect is its only writer.
type PerfHistory struct {
	opts    HistoryOptions
	fetcher PerfFetcher
	clients ClientCounter
	log     *slog.Logger
	now     func() time.Time

	mu         sync.RWMutex
	snaps      []PerfSnapshot
	boundaries []string

	dirty    atomic.Bool
	flushing atomic.Bool
	flushMu  sync.Mutex
}

func NewPerfHistory(opts HistoryOptions, fetcher PerfFetcher, clients ClientCounter, logger *slog.Logger) *PerfHistory {
	if opts.Cap <= 0 {
		opts.Cap = defaultHistoryCap
	}
	if opts.Resolution <= 0 {
		opts.Resolution = defaultResolution
	}
	if opts.LinearityFactor <= 0 {
		opts.LinearityFactor = defaultLinearityFactor
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.SummaryWindow <= 0 {
		opts.SummaryWindow = defaultSummaryWindow
	}
	if opts.SummaryMinWindow <= 0 {
		opts.SummaryMinWindow = defaultSummaryMinWindow
	}
	return &PerfHistory{
		opts:    opts,
		fetcher: fetcher,
		clients: clients,
		log:     componentLogger(logger, "perf-history"),
		now:     time.Now,
	}
}

// Load reads the persisted history. A missing or malformed file resets the
// series and rewrites the file; it is only a cache.
func (h *PerfHistory) Load() {
	snaps, err := readHistoryFile(h.opts.File)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			h.log.Info("No perf history file, starting empty", slog.String("file", h.opts.File))
		} else {
			h.log.Warn("Discarding perf history file", slog.String("file", h.opts.File), slog.String("err", err.Error()))
		}
		h.mu.Lock()
		h.snaps = nil
		h.mu.Unlock()
		h.dirty.Store(true)
		if err := h.Flush(); err != nil {
			h.log.Warn("Failed to reset perf history file", slog.String("err", err.Error()))
		}
		return
	}
	if len(snaps) > h.opts.Cap {
		snaps = snaps[len(snaps)-h.opts.Cap:]
	}
	h.mu.Lock()
	h.snaps = snaps
	h.mu.Unlock()
	perfHistoryGauge.Set(float64(len(snaps)))
	h.log.Info("Loaded perf history", slog.Int("snapshots", len(snaps)))
}

// ReadHistory opens a persisted history read-only, for offline queries.
func ReadHistory(opts HistoryOptions, logger *slog.Logger) (*PerfHistory, error) {
	snaps, err := readHistoryFile(opts.File)
	if err != nil {
		return nil, err
	}
	h := NewPerfHistory(opts, nil, nil, logger)
	if len(snaps) > h.opts.Cap {
		snaps = snaps[len(snaps)-h.opts.Cap:]
	}
	h.snaps = snaps
	return h, nil
}

func readHistoryFile(path string) ([]PerfSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snaps []PerfSnapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return nil, fmt.Errorf("not a snapshot array: %w", err)
	}
	for i := range snaps {
		if !snaps[i].valid() {
			return nil, fmt.Errorf("snapshot %d has an invalid shape", i)
		}
	}
	return snaps, nil
}

// Flush writes the in-memory series to disk if it changed since the last
// successful flush.
func (h *PerfHistory) Flush() error {
	h.flushMu.Lock()
	defer h.flushMu.Unlock()
	if !h.dirty.Swap(false) {
		return nil
	}
	snaps := h.Snapshots()
	if snaps == nil {
		snaps = []PerfSnapshot{}
	}
	data, err := json.Marshal(snaps)
	if err != nil {
		h.dirty.Store(true)
		return err
	}
	if err := writeFileAtomic(h.opts.File, data); err != nil {
		h.dirty.Store(true)
		return err
	}
	return nil
}

// flushAsync persists in the background; a flush already in flight absorbs it.
func (h *PerfHistory) flushAsync() {
	if !h.flushing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer h.flushing.Store(false)
		if err := h.Flush(); err != nil {
			h.log.Warn("Failed to persist perf history", slog.String("file", h.opts.File), slog.String("err", err.Error()))
		}
	}()
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Run collects on the configured interval until ctx is done.
func (h *PerfHistory) Run(ctx context.Context, interval time.Duration) {
	h.Collect(ctx)
	runPeriodic(ctx, h.log, "perf-collect", every(interval), h.Collect)
	if err := h.Flush(); err != nil {
		h.log.Warn("Failed to persist perf history on shutdown", slog.String("err", err.Error()))
	}
}

// Collect runs one collection cycle. Errors are logged, never returned.
func (h *PerfHistory) Collect(ctx context.Context) {
	appended, err := h.collect(ctx)
	switch {
	case err != nil:
		perfCollectCounter.WithLabelValues("error").Inc()
		h.log.Warn("Perf collection skipped", slog.String("err", err.Error()))
	case !appended:
		perfCollectCounter.WithLabelValues("early").Inc()
	default:
		h.flushAsync()
	}
}

func (h *PerfHistory) collect(ctx context.Context) (bool, error) {
	now := h.now()
	last, hasLast := h.last()
	if hasLast {
		sameEpoch := now.Truncate(h.opts.Resolution).Equal(last.TS.Truncate(h.opts.Resolution))
		if sameEpoch && now.Sub(last.TS) < h.opts.Resolution {
			return false, nil
		}
	}

	pollCtx, cancel := context.WithTimeout(ctx, h.opts.PollTimeout)
	defer cancel()
	raw, err := h.fetcher.FetchPerf(pollCtx)
	if err != nil {
		return false, fmt.Errorf("poll: %w", err)
	}
	perfs, boundaries, err := ParsePerf(raw)
	if err != nil {
		return false, err
	}

	mainTicks := perfs[PerfMainThread].Count
	linear := hasLast &&
		now.Sub(last.TS) <= time.Duration(h.opts.LinearityFactor*float64(h.opts.Resolution)) &&
		mainTicks > last.MainTickCounter &&
		!DidPerfReset(perfs, last.RawCounters)

	var base ThreadPerfs
	if linear {
		base = last.RawCounters
	}
	snap := PerfSnapshot{
		TS:              now,
		Skipped:         !linear,
		MainTickCounter: mainTicks,
		RawCounters:     perfs,
		Frequencies:     PerfFrequencies(DiffPerfs(perfs, base)),
	}
	if h.clients != nil {
		snap.ClientCount = h.clients.ClientCount()
	}
	h.append(snap, boundaries)

	result := "ok"
	if snap.Skipped {
		result = "skipped"
	}
	perfCollectCounter.WithLabelValues(result).Inc()
	for name, tc := range snap.Frequencies {
		perfIntervalTicks.WithLabelValues(name).Set(float64(tc.Count))
	}
	h.log.Debug("Perf snapshot collected",
		slog.Bool("skipped", snap.Skipped),
		slog.Int("clients", int(snap.ClientCount)),
		slog.Uint64("mainTicks", mainTicks))
	return true, nil
}

func (h *PerfHistory) last() (PerfSnapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.snaps) == 0 {
		return PerfSnapshot{}, false
	}
	return h.snaps[len(h.snaps)-1], true
}

func (h *PerfHistory) append(snap PerfSnapshot, boundaries []string) {
	h.mu.Lock()
	h.snaps = append(h.snaps, snap)
	if over := len(h.snaps) - h.opts.Cap; over > 0 {
		h.snaps = append(h.snaps[:0:0], h.snaps[over:]...)
	}
	h.boundaries = boundaries
	n := len(h.snaps)
	h.mu.Unlock()
	h.dirty.Store(true)
	perfHistoryGauge.Set(float64(n))
}

// Len returns the number of stored snapshots.
func (h *PerfHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.snaps)
}

// Snapshots returns a copy of the stored series, oldest first.
func (h *PerfHistory) Snapshots() []PerfSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.snaps == nil {
		return nil
	}
	return append([]PerfSnapshot(nil), h.snaps...)
}

// Boundaries returns the bucket labels of the last parsed poll, if any.
func (h *PerfHistory) Boundaries() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.boundaries...)
}

// window copies the snapshots that fall within the summary window.
func (h *PerfHistory) window() []PerfSnapshot {
	n := int(h.opts.SummaryWindow / h.opts.Resolution)
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > len(h.snaps) {
		n = len(h.snaps)
	}
	return append([]PerfSnapshot(nil), h.snaps[len(h.snaps)-n:]...)
}

type PerfSummary struct {
	Thread        string    `json:"thread"`
	Boundaries    []string  `json:"boundaries,omitempty"`
	Frequencies   []float64 `json:"frequencies"`
	TotalTicks    uint64    `json:"totalTicks"`
	MedianClients float64   `json:"medianClients"`
	Samples       int       `json:"samples"`
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
}

// Summary folds the recent window into one normalized bucket distribution for
// thread and the median client count. Skipped snapshots are left out of the
// distribution.
func (h *PerfHistory) Summary(thread string) (*PerfSummary, error) {
	if !isPerfThread(thread) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownThread, thread)
	}
	snaps := h.window()
	minSamples := int(h.opts.SummaryMinWindow / h.opts.Resolution)

	ticks := make([]float64, PerfBucketCount)
	var total uint64
	usable := 0
	clients := make([]uint32, 0, len(snaps))
	for _, s := range snaps {
		clients = append(clients, s.ClientCount)
		if s.Skipped {
			continue
		}
		tc, ok := s.Frequencies[thread]
		if !ok {
			continue
		}
		usable++
		total += tc.Count
		for i, f := range tc.Buckets {
			if i < len(ticks) {
				ticks[i] += f * float64(tc.Count)
			}
		}
	}
	if usable < minSamples || usable == 0 {
		return nil, ErrInsufficientData
	}
	if total > 0 {
		for i := range ticks {
			ticks[i] /= float64(total)
		}
	}
	return &PerfSummary{
		Thread:        thread,
		Boundaries:    h.Boundaries(),
		Frequencies:   ticks,
		TotalTicks:    total,
		MedianClients: median(clients),
		Samples:       usable,
		From:          snaps[0].TS,
		To:            snaps[len(snaps)-1].TS,
	}, nil
}

type HeatmapRow struct {
	TS          time.Time `json:"ts"`
	Skipped     bool      `json:"skipped"`
	Clients     uint32    `json:"clients"`
	Ticks       uint64    `json:"ticks"`
	Frequencies []float64 `json:"frequencies"`
}

// Heatmap returns the per-snapshot distributions of thread inside the summary window.
func (h *PerfHistory) Heatmap(thread string) ([]HeatmapRow, error) {
	if !isPerfThread(thread) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownThread, thread)
	}
	snaps := h.window()
	rows := make([]HeatmapRow, 0, len(snaps))
	for _, s := range snaps {
		tc := s.Frequencies[thread]
		rows = append(rows, HeatmapRow{
			TS:          s.TS,
			Skipped:     s.Skipped,
			Clients:     s.ClientCount,
			Ticks:       tc.Count,
			Frequencies: append([]float64(nil), tc.Buckets...),
		})
	}
	return rows, nil
}

func median(values []uint32) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]uint32, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return float64(sorted[mid])
	}
	return (float64(sorted[mid-1]) + float64(sorted[mid])) / 2
}
