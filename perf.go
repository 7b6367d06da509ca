package fxmonitor

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	perfMetricPrefix = "tickTime"
	perfInfBound     = "+Inf"
	// PerfBucketCount is the number of histogram buckets the child exposes per thread.
	PerfBucketCount = 15
	// PerfMainThread is the thread whose tick count tracks process continuity.
	PerfMainThread = "svMain"
)

// PerfThreadNames are the monitored threads. All of them must be present in a poll.
var PerfThreadNames = []string{"svSync", "svNetwork", PerfMainThread}

var (
	ErrStringExpected      = errors.New("string expected")
	ErrMissingMetricPrefix = errors.New("missing metric prefix")
	ErrMissingThreads      = errors.New("missing threads")
	ErrInvalidBoundaries   = errors.New("invalid bucket boundaries")
	ErrInvalidThreads      = errors.New("invalid threads")
)

// ParseError is returned by ParsePerf. Kind is one of the Err* sentinels above.
type ParseError struct {
	Kind   error
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return "perf parse: " + e.Kind.Error()
	}
	return fmt.Sprintf("perf parse: %s: %s", e.Kind, e.Detail)
}

func (e *ParseError) Unwrap() error { return e.Kind }

func parseErr(kind error, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// ThreadCounters holds the histogram of one thread. Buckets are cumulative for
// raw counters and per-bucket frequencies once converted.
type ThreadCounters struct {
	Count   uint64    `json:"count"`
	Sum     float64   `json:"sum"`
	Buckets []float64 `json:"buckets"`
}

// ThreadPerfs maps a thread name to its counters.
type ThreadPerfs map[string]ThreadCounters

var perfLineRe = regexp.MustCompile(`^` + perfMetricPrefix + `_(count|sum|bucket)\{name="([^"]+)"(?:,le="([^"]+)")?\}\s+(\S+)$`)

type rawThread struct {
	count   string
	sum     string
	bounds  []string
	buckets map[string]string
}

// ParsePerf parses the text exposition served by the child's perf endpoint.
// It returns the counters of every monitored thread and the bucket boundaries.
func ParsePerf(raw string) (ThreadPerfs, []string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil, &ParseError{Kind: ErrStringExpected}
	}
	if !strings.Contains(raw, perfMetricPrefix+"_") {
		return nil, nil, &ParseError{Kind: ErrMissingMetricPrefix}
	}

	threads := make(map[string]*rawThread, len(PerfThreadNames))
	var firstThread string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := perfLineRe.FindStringSubmatch(line)
		if m == nil || !isPerfThread(m[2]) {
			continue
		}
		kind, name, le, value := m[1], m[2], m[3], m[4]
		t, ok := threads[name]
		if !ok {
			t = &rawThread{buckets: make(map[string]string, PerfBucketCount)}
			threads[name] = t
		}
		switch kind {
		case "count":
			t.count = value
		case "sum":
			t.sum = value
		case "bucket":
			if le == "" {
				continue
			}
			if firstThread == "" {
				firstThread = name
			}
			if _, dup := t.buckets[le]; !dup {
				t.bounds = append(t.bounds, le)
			}
			t.buckets[le] = value
		}
	}

	for _, name := range PerfThreadNames {
		if _, ok := threads[name]; !ok {
			return nil, nil, parseErr(ErrMissingThreads, "thread %s not found", name)
		}
	}
	if firstThread == "" {
		return nil, nil, parseErr(ErrInvalidBoundaries, "no bucket lines")
	}
	boundaries := threads[firstThread].bounds
	if !ArePerfBoundariesValid(boundaries) {
		return nil, nil, parseErr(ErrInvalidBoundaries, "%v", boundaries)
	}

	perfs := make(ThreadPerfs, len(PerfThreadNames))
	for _, name := range PerfThreadNames {
		t := threads[name]
		count, err := strconv.ParseUint(t.count, 10, 64)
		if err != nil {
			return nil, nil, parseErr(ErrInvalidThreads, "%s count %q", name, t.count)
		}
		sum, err := strconv.ParseFloat(t.sum, 64)
		if err != nil || math.IsNaN(sum) {
			return nil, nil, parseErr(ErrInvalidThreads, "%s sum %q", name, t.sum)
		}
		if len(t.buckets) != len(boundaries) {
			return nil, nil, parseErr(ErrInvalidThreads, "%s has %d buckets", name, len(t.buckets))
		}
		buckets := make([]float64, len(boundaries))
		for i, le := range boundaries {
			v, ok := t.buckets[le]
			if !ok {
				return nil, nil, parseErr(ErrInvalidThreads, "%s missing bucket %s", name, le)
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || math.IsNaN(f) || f < 0 {
				return nil, nil, parseErr(ErrInvalidThreads, "%s bucket %s value %q", name, le, v)
			}
			buckets[i] = f
		}
		perfs[name] = ThreadCounters{Count: count, Sum: sum, Buckets: buckets}
	}
	return perfs, append([]string(nil), boundaries...), nil
}

// ArePerfBoundariesValid reports whether bounds holds PerfBucketCount labels,
// strictly increasing numbers followed by the +Inf sentinel.
func ArePerfBoundariesValid(bounds []string) bool {
	if len(bounds) != PerfBucketCount || bounds[len(bounds)-1] != perfInfBound {
		return false
	}
	prev := math.Inf(-1)
	for _, b := range bounds[:len(bounds)-1] {
		v, err := strconv.ParseFloat(b, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= prev {
			return false
		}
		prev = v
	}
	return true
}

func isPerfThread(name string) bool {
	for _, n := range PerfThreadNames {
		if n == name {
			return true
		}
	}
	return false
}
