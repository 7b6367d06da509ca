package fxmonitor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// restartWarningMinutes are the countdowns at which players are warned.
var restartWarningMinutes = []int{30, 15, 10, 5, 4, 3, 2, 1}

var scheduleEntryRe = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

type ScheduleEntry struct {
	Hours   int    `json:"hours"`
	Minutes int    `json:"minutes"`
	Label   string `json:"label"`
}

// ParseScheduleEntry parses a zero-padded 24h "HH:MM" string.
func ParseScheduleEntry(s string) (ScheduleEntry, error) {
	s = strings.TrimSpace(s)
	m := scheduleEntryRe.FindStringSubmatch(s)
	if m == nil {
		return ScheduleEntry{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	return ScheduleEntry{Hours: h, Minutes: mm, Label: s}, nil
}

// ParseSchedule splits a configured list into valid entries and rejected strings.
func ParseSchedule(list []string) (valid []ScheduleEntry, invalid []string) {
	for _, s := range list {
		e, err := ParseScheduleEntry(s)
		if err != nil {
			invalid = append(invalid, s)
			continue
		}
		valid = append(valid, e)
	}
	return valid, invalid
}

// nextOccurrence returns the earliest upcoming occurrence across entries,
// counting nowMin itself as upcoming.
func nextOccurrence(entries []ScheduleEntry, nowMin time.Time) (time.Time, string) {
	var best time.Time
	var label string
	for _, e := range entries {
		t := time.Date(nowMin.Year(), nowMin.Month(), nowMin.Day(), e.Hours, e.Minutes, 0, 0, nowMin.Location())
		if t.Before(nowMin) {
			t = t.AddDate(0, 0, 1)
		}
		if best.IsZero() || t.Before(best) {
			best, label = t, e.Label
		}
	}
	return best, label
}

// NextScheduledRestart is the next occurrence of the schedule after now, minute floored.
func NextScheduledRestart(entries []ScheduleEntry, now time.Time) (time.Time, string, bool) {
	if len(entries) == 0 {
		return time.Time{}, "", false
	}
	at, label := nextOccurrence(entries, now.Truncate(time.Minute))
	return at, label, true
}

// ValidationError reports bad operator input. Conflict names the already
// scheduled restart that blocked the request, if any.
type ValidationError struct {
	Msg      string
	Conflict string
}

func (e *ValidationError) Error() string { return e.Msg }

// RestartTrigger restarts the child.
type RestartTrigger interface {
	TriggerRestart(internalReason, userReason string)
}

// Announcer broadcasts a restart countdown to players.
type Announcer interface {
	Announce(minutes int, message string)
}

// RestartMessages renders the user-facing texts, translated by the host.
type RestartMessages interface {
	Warning(minutes int) string
	Reason(label string) string
}

type englishMessages struct{}

func (englishMessages) Warning(minutes int) string {
	if minutes == 1 {
		return "The server will restart in 1 minute."
	}
	return fmt.Sprintf("The server will restart in %d minutes.", minutes)
}

func (englishMessages) Reason(label string) string {
	return fmt.Sprintf("Scheduled restart at %s.", label)
}

type TempSchedule struct {
	Label string    `json:"label"`
	At    time.Time `json:"at"`
}

type SchedulerStatus struct {
	State         string     `json:"state"`
	NextRestart   *time.Time `json:"nextRestart,omitempty"`
	NextLabel     string     `json:"nextLabel,omitempty"`
	Skipped       bool       `json:"skipped"`
	TempScheduled bool       `json:"tempScheduled"`
}

func (s SchedulerStatus) equal(o SchedulerStatus) bool {
	sameNext := (s.NextRestart == nil) == (o.NextRestart == nil) &&
		(s.NextRestart == nil || s.NextRestart.Equal(*o.NextRestart))
	return sameNext && s.State == o.State && s.NextLabel == o.NextLabel &&
		s.Skipped == o.Skipped && s.TempScheduled == o.TempScheduled
}

const (
	SchedulerIdle  = "idle"
	SchedulerArmed = "armed"
)

type schedulerAction struct {
	restart  bool
	announce int
	label    string
}

// RestartScheduler arms restarts from the configured HH:MM list or a one-off
// temporary schedule, warns ahead of time and fires the restart trigger.
// All times are minute floored.
type RestartScheduler struct {
	trigger   RestartTrigger
	announcer Announcer
	messages  RestartMessages
	log       *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	schedule  []ScheduleEntry
	nextSkip  time.Time
	temp      *TempSchedule
	next      time.Time
	nextLabel string
	lastFired time.Time
	lastWarn  time.Time
	lastDist  int
	observers []func(SchedulerStatus)
}

func NewRestartScheduler(schedule []string, trigger RestartTrigger, announcer Announcer, messages RestartMessages, logger *slog.Logger) *RestartScheduler {
	if messages == nil {
		messages = englishMessages{}
	}
	s := &RestartScheduler{
		trigger:   trigger,
		announcer: announcer,
		messages:  messages,
		log:       componentLogger(logger, "scheduler"),
		now:       time.Now,
	}
	s.setSchedule(schedule)
	return s
}

func (s *RestartScheduler) setSchedule(list []string) {
	valid, invalid := ParseSchedule(list)
	for _, bad := range invalid {
		s.log.Warn("Ignoring invalid restart schedule entry", slog.String("entry", bad))
	}
	s.schedule = valid
}

// Subscribe registers fn to receive the status after every change.
func (s *RestartScheduler) Subscribe(fn func(SchedulerStatus)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Run recomputes right after every minute boundary until ctx is done.
func (s *RestartScheduler) Run(ctx context.Context) {
	s.refresh()
	runPeriodic(ctx, s.log, "restart-scheduler", nextMinute, func(context.Context) { s.Recompute() })
}

// Recompute is the minute tick: it refreshes the target and fires the
// warning or restart due this minute.
func (s *RestartScheduler) Recompute() {
	s.update(true, nil)
}

func (s *RestartScheduler) refresh() {
	s.update(false, nil)
}

// update runs mutate and a recompute under the lock, then calls the
// collaborators outside of it.
func (s *RestartScheduler) update(act bool, mutate func(nowMin time.Time)) {
	s.mu.Lock()
	before := s.statusLocked()
	nowMin := s.now().Truncate(time.Minute)
	if mutate != nil {
		s.recomputeLocked(nowMin, false)
		mutate(nowMin)
	}
	action := s.recomputeLocked(nowMin, act)
	after := s.statusLocked()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	s.perform(action)
	if mutate != nil || !before.equal(after) {
		s.publish(after, observers)
	}
}

func (s *RestartScheduler) recomputeLocked(nowMin time.Time, act bool) schedulerAction {
	if s.temp != nil && s.temp.At.Before(nowMin) {
		s.log.Warn("Dropping temporary restart that is already in the past",
			slog.String("time", s.temp.Label), slog.Time("at", s.temp.At))
		s.temp = nil
	}
	if !s.nextSkip.IsZero() && s.nextSkip.Before(nowMin) {
		s.nextSkip = time.Time{}
	}

	switch {
	case s.temp != nil:
		s.next, s.nextLabel = s.temp.At, s.temp.Label
	case len(s.schedule) > 0:
		s.next, s.nextLabel = nextOccurrence(s.schedule, nowMin)
	default:
		s.next, s.nextLabel = time.Time{}, ""
		return schedulerAction{}
	}

	if !act || s.next.Equal(s.nextSkip) || s.next.Equal(s.lastFired) {
		return schedulerAction{}
	}
	dist := int(s.next.Sub(nowMin) / time.Minute)
	if dist == 0 {
		s.lastFired = s.next
		s.temp = nil
		return schedulerAction{restart: true, label: s.nextLabel}
	}
	// Warnings for one target only count down, even if the clock goes back.
	if slices.Contains(restartWarningMinutes, dist) && !(s.lastWarn.Equal(s.next) && dist >= s.lastDist) {
		s.lastWarn, s.lastDist = s.next, dist
		return schedulerAction{announce: dist, label: s.nextLabel}
	}
	return schedulerAction{}
}

func (s *RestartScheduler) perform(a schedulerAction) {
	switch {
	case a.restart:
		s.log.Info("Triggering scheduled restart", slog.String("time", a.label))
		if s.trigger != nil {
			s.trigger.TriggerRestart("scheduled restart at "+a.label, s.messages.Reason(a.label))
		}
	case a.announce > 0:
		announceCounter.Inc()
		s.log.Info("Announcing scheduled restart", slog.String("time", a.label), slog.Int("minutes", a.announce))
		if s.announcer != nil {
			s.announcer.Announce(a.announce, s.messages.Warning(a.announce))
		}
	}
}

func (s *RestartScheduler) publish(st SchedulerStatus, observers []func(SchedulerStatus)) {
	if st.NextRestart != nil && !st.Skipped {
		nextRestartGauge.Set(float64(st.NextRestart.Unix()))
	} else {
		nextRestartGauge.Set(0)
	}
	for _, fn := range observers {
		fn(st)
	}
}

// SetSkip skips the next restart. A pending temporary schedule is consumed
// instead of being skipped. Disabling clears the skip.
func (s *RestartScheduler) SetSkip(enabled bool) {
	s.update(false, func(time.Time) {
		switch {
		case !enabled:
			s.nextSkip = time.Time{}
		case s.temp != nil:
			s.log.Info("Temporary restart cancelled", slog.String("time", s.temp.Label))
			s.temp = nil
		case !s.next.IsZero():
			target, label := s.next, s.nextLabel
			// The restart of the current minute already fired; skip the one after it.
			if target.Equal(s.lastFired) && len(s.schedule) > 0 {
				target, label = nextOccurrence(s.schedule, target.Add(time.Minute))
			}
			s.nextSkip = target
			s.log.Info("Next scheduled restart will be skipped", slog.String("time", label))
		}
	})
}

// SetTempSchedule schedules a one-off restart at "HH:MM" (next occurrence) or
// "+N" minutes from now. It may only bring a restart forward.
func (s *RestartScheduler) SetTempSchedule(input string) error {
	input = strings.TrimSpace(input)
	nowMin := s.now().Truncate(time.Minute)

	var at time.Time
	var label string
	if rel, ok := strings.CutPrefix(input, "+"); ok {
		n, err := strconv.Atoi(rel)
		if err != nil || n < 1 || n >= 24*60 {
			return &ValidationError{Msg: fmt.Sprintf("invalid relative time %q, expected +1 to +1439 minutes", input)}
		}
		at = nowMin.Add(time.Duration(n) * time.Minute)
		label = at.Format("15:04")
	} else {
		e, err := ParseScheduleEntry(input)
		if err != nil {
			return &ValidationError{Msg: err.Error()}
		}
		at = time.Date(nowMin.Year(), nowMin.Month(), nowMin.Day(), e.Hours, e.Minutes, 0, 0, nowMin.Location())
		if at.Equal(nowMin) {
			return &ValidationError{Msg: "cannot schedule a restart in the current minute"}
		}
		if at.Before(nowMin) {
			at = at.AddDate(0, 0, 1)
		}
		label = e.Label
	}

	var verr *ValidationError
	s.mu.Lock()
	if conflict, conflictLabel := s.nextConfiguredLocked(nowMin); !conflict.IsZero() && conflict.Before(at) {
		verr = &ValidationError{
			Msg:      fmt.Sprintf("a restart is already scheduled for %s, which is before the requested time", conflictLabel),
			Conflict: conflictLabel,
		}
	}
	s.mu.Unlock()
	if verr != nil {
		return verr
	}

	s.update(false, func(time.Time) {
		s.temp = &TempSchedule{Label: label, At: at}
	})
	s.log.Info("Temporary restart scheduled", slog.String("time", label), slog.Time("at", at))
	return nil
}

// nextConfiguredLocked is the next configured restart that is not skipped.
func (s *RestartScheduler) nextConfiguredLocked(nowMin time.Time) (time.Time, string) {
	if len(s.schedule) == 0 {
		return time.Time{}, ""
	}
	t, label := nextOccurrence(s.schedule, nowMin)
	if !s.nextSkip.IsZero() && t.Equal(s.nextSkip) {
		t, label = nextOccurrence(s.schedule, t.Add(time.Minute))
	}
	return t, label
}

// UpdateSchedule applies a reloaded schedule and drops skip and temporary overrides.
func (s *RestartScheduler) UpdateSchedule(list []string) {
	s.update(false, func(time.Time) {
		s.setSchedule(list)
		s.nextSkip = time.Time{}
		s.temp = nil
	})
	s.log.Info("Restart schedule updated", slog.Int("entries", len(list)))
}

func (s *RestartScheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *RestartScheduler) statusLocked() SchedulerStatus {
	if s.next.IsZero() {
		return SchedulerStatus{State: SchedulerIdle}
	}
	next := s.next
	return SchedulerStatus{
		State:         SchedulerArmed,
		NextRestart:   &next,
		NextLabel:     s.nextLabel,
		Skipped:       s.next.Equal(s.nextSkip),
		TempScheduled: s.temp != nil,
	}
}
