package fxmonitor

import (
	"errors"
	"slices"
	"testing"
	"time"
)

type recordingTrigger struct {
	reasons []string
}

func (r *recordingTrigger) TriggerRestart(internalReason, _ string) {
	r.reasons = append(r.reasons, internalReason)
}

type recordingAnnouncer struct {
	minutes []int
}

func (r *recordingAnnouncer) Announce(minutes int, _ string) {
	r.minutes = append(r.minutes, minutes)
}

func at(hh, mm int) time.Time {
	return time.Date(2024, 3, 1, hh, mm, 0, 0, time.UTC)
}

func newTestScheduler(schedule []string, now time.Time) (*RestartScheduler, *recordingTrigger, *recordingAnnouncer, *time.Time) {
	trigger := &recordingTrigger{}
	announcer := &recordingAnnouncer{}
	s := NewRestartScheduler(schedule, trigger, announcer, nil, nil)
	clock := now
	s.now = func() time.Time { return clock }
	s.refresh()
	return s, trigger, announcer, &clock
}

func tickAt(s *RestartScheduler, clock *time.Time, t time.Time) {
	*clock = t
	s.Recompute()
}

func TestParseScheduleEntry(t *testing.T) {
	tests := []struct {
		in      string
		want    ScheduleEntry
		wantErr bool
	}{
		{in: "00:00", want: ScheduleEntry{Hours: 0, Minutes: 0, Label: "00:00"}},
		{in: "23:59", want: ScheduleEntry{Hours: 23, Minutes: 59, Label: "23:59"}},
		{in: " 07:05 ", want: ScheduleEntry{Hours: 7, Minutes: 5, Label: "07:05"}},
		{in: "24:00", wantErr: true},
		{in: "7:05", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "noon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseScheduleEntry(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}

	valid, invalid := ParseSchedule([]string{"06:00", "bogus", "18:30"})
	if len(valid) != 2 || !slices.Equal(invalid, []string{"bogus"}) {
		t.Errorf("ParseSchedule = %v, %v", valid, invalid)
	}
}

func TestNextScheduledRestart(t *testing.T) {
	entries, _ := ParseSchedule([]string{"23:00", "00:30"})
	next, label, ok := NextScheduledRestart(entries, at(22, 0).Add(30*time.Second))
	if !ok || label != "23:00" || !next.Equal(at(23, 0)) {
		t.Errorf("got %s %q %v", next, label, ok)
	}
	next, label, _ = NextScheduledRestart(entries, at(23, 1))
	if label != "00:30" || !next.Equal(at(0, 30).AddDate(0, 0, 1)) {
		t.Errorf("after 23:00 got %s %q", next, label)
	}
	if _, _, ok := NextScheduledRestart(nil, at(0, 0)); ok {
		t.Error("empty schedule should have no next restart")
	}
}

func TestSchedulerWarnsAndRestarts(t *testing.T) {
	s, trigger, announcer, clock := newTestScheduler([]string{"23:00", "00:30"}, at(22, 0))

	st := s.Status()
	if st.State != SchedulerArmed || st.NextLabel != "23:00" || !st.NextRestart.Equal(at(23, 0)) {
		t.Fatalf("status = %+v", st)
	}

	for m := 0; m < 60; m++ {
		tickAt(s, clock, at(22, m))
	}
	tickAt(s, clock, at(22, 30))
	if !slices.Equal(announcer.minutes, restartWarningMinutes) {
		t.Errorf("warnings = %v, want %v", announcer.minutes, restartWarningMinutes)
	}
	if len(trigger.reasons) != 0 {
		t.Fatalf("restart fired early: %v", trigger.reasons)
	}

	tickAt(s, clock, at(23, 0))
	tickAt(s, clock, at(23, 0))
	tickAt(s, clock, at(22, 59))
	if len(trigger.reasons) != 1 {
		t.Fatalf("restart should fire exactly once, got %v", trigger.reasons)
	}
	if len(announcer.minutes) != len(restartWarningMinutes) {
		t.Errorf("clock going back must not repeat warnings, got %v", announcer.minutes)
	}

	tickAt(s, clock, at(23, 1))
	if st := s.Status(); st.NextLabel != "00:30" {
		t.Errorf("next label = %q, want 00:30", st.NextLabel)
	}
}

func TestSchedulerIdle(t *testing.T) {
	s, trigger, _, clock := newTestScheduler([]string{"bad"}, at(12, 0))
	if st := s.Status(); st.State != SchedulerIdle || st.NextRestart != nil {
		t.Errorf("status = %+v", st)
	}
	tickAt(s, clock, at(12, 1))
	if len(trigger.reasons) != 0 {
		t.Error("idle scheduler must not restart")
	}
}

func TestSchedulerSkip(t *testing.T) {
	s, trigger, announcer, clock := newTestScheduler([]string{"23:00", "00:30"}, at(22, 0))

	var published []SchedulerStatus
	s.Subscribe(func(st SchedulerStatus) { published = append(published, st) })

	s.SetSkip(true)
	if st := s.Status(); !st.Skipped || st.NextLabel != "23:00" {
		t.Fatalf("status after skip = %+v", st)
	}
	if len(published) != 1 || !published[0].Skipped {
		t.Errorf("observers should see the skip, got %+v", published)
	}

	tickAt(s, clock, at(22, 55))
	tickAt(s, clock, at(23, 0))
	if len(trigger.reasons) != 0 || len(announcer.minutes) != 0 {
		t.Fatalf("skipped restart fired: %v %v", trigger.reasons, announcer.minutes)
	}

	tickAt(s, clock, at(23, 1))
	st := s.Status()
	if st.Skipped || st.NextLabel != "00:30" {
		t.Fatalf("skip should apply once, status %+v", st)
	}
	tickAt(s, clock, at(0, 30).AddDate(0, 0, 1))
	if len(trigger.reasons) != 1 {
		t.Errorf("following restart should fire, got %v", trigger.reasons)
	}
}

func TestSchedulerSkipToggle(t *testing.T) {
	s, _, _, _ := newTestScheduler([]string{"23:00"}, at(22, 0))
	s.SetSkip(true)
	s.SetSkip(false)
	if s.Status().Skipped {
		t.Error("disabling skip should clear it")
	}
}

func TestSchedulerTempSchedule(t *testing.T) {
	s, trigger, _, clock := newTestScheduler([]string{"23:00", "00:30"}, at(22, 0))

	err := s.SetTempSchedule("23:30")
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Conflict != "23:00" {
		t.Fatalf("expected conflict with 23:00, got %v", err)
	}

	if err := s.SetTempSchedule("22:30"); err != nil {
		t.Fatalf("SetTempSchedule: %v", err)
	}
	st := s.Status()
	if !st.TempScheduled || st.NextLabel != "22:30" {
		t.Fatalf("status = %+v", st)
	}

	tickAt(s, clock, at(22, 30))
	if len(trigger.reasons) != 1 || trigger.reasons[0] != "scheduled restart at 22:30" {
		t.Fatalf("temp restart reasons = %v", trigger.reasons)
	}
	tickAt(s, clock, at(22, 31))
	if st := s.Status(); st.TempScheduled || st.NextLabel != "23:00" {
		t.Errorf("temp schedule should be consumed, status %+v", st)
	}
}

func TestSchedulerTempAfterSkip(t *testing.T) {
	s, _, _, _ := newTestScheduler([]string{"23:00", "00:30"}, at(22, 0))
	s.SetSkip(true)
	if err := s.SetTempSchedule("23:30"); err != nil {
		t.Fatalf("skipped restart should not conflict: %v", err)
	}
	if st := s.Status(); st.NextLabel != "23:30" || !st.TempScheduled {
		t.Errorf("status = %+v", st)
	}

	s.SetSkip(true)
	if st := s.Status(); st.TempScheduled {
		t.Errorf("skip should cancel the temporary restart, status %+v", st)
	}
}

func TestSchedulerTempScheduleInput(t *testing.T) {
	tests := []struct {
		in      string
		label   string
		wantErr bool
	}{
		{in: "+15", label: "22:15"},
		{in: "+120", label: "00:00"},
		{in: "+0", wantErr: true},
		{in: "+1440", wantErr: true},
		{in: "+abc", wantErr: true},
		{in: "22:00", wantErr: true},
		{in: "25:00", wantErr: true},
		{in: "21:00", label: "21:00"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			s, _, _, _ := newTestScheduler(nil, at(22, 0))
			err := s.SetTempSchedule(tt.in)
			if tt.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if st := s.Status(); st.NextLabel != tt.label {
				t.Errorf("next label = %q, want %q", st.NextLabel, tt.label)
			}
		})
	}
}

func TestSchedulerDropsPastTemp(t *testing.T) {
	s, trigger, _, clock := newTestScheduler([]string{"23:00"}, at(22, 0))
	if err := s.SetTempSchedule("+5"); err != nil {
		t.Fatal(err)
	}
	tickAt(s, clock, at(22, 10))
	if len(trigger.reasons) != 0 {
		t.Fatalf("missed temp restart must not fire late: %v", trigger.reasons)
	}
	if st := s.Status(); st.TempScheduled || st.NextLabel != "23:00" {
		t.Errorf("status = %+v", st)
	}
}

func TestSchedulerUpdateSchedule(t *testing.T) {
	s, _, _, _ := newTestScheduler([]string{"23:00"}, at(22, 0))
	s.SetSkip(true)
	s.UpdateSchedule([]string{"21:00"})
	st := s.Status()
	if st.Skipped || st.TempScheduled {
		t.Errorf("reload should reset overrides, status %+v", st)
	}
	if st.NextLabel != "21:00" || !st.NextRestart.Equal(at(21, 0).AddDate(0, 0, 1)) {
		t.Errorf("status = %+v", st)
	}
}

func TestSchedulerSkipOnlyBypassesOneOccurrence(t *testing.T) {
	s, trigger, _, clock := newTestScheduler([]string{"23:00"}, at(22, 0))
	s.SetSkip(true)
	tickAt(s, clock, at(23, 0))
	tickAt(s, clock, at(23, 1))
	tomorrow := at(23, 0).AddDate(0, 0, 1)
	if st := s.Status(); st.Skipped || !st.NextRestart.Equal(tomorrow) {
		t.Fatalf("status = %+v, want tomorrow's 23:00 armed", st)
	}
	tickAt(s, clock, tomorrow)
	if len(trigger.reasons) != 1 {
		t.Errorf("tomorrow's restart should fire, got %v", trigger.reasons)
	}
}

func TestSchedulerSkipInFiringMinute(t *testing.T) {
	s, trigger, _, clock := newTestScheduler([]string{"23:00", "00:30"}, at(22, 0))
	tickAt(s, clock, at(23, 0))
	if len(trigger.reasons) != 1 {
		t.Fatalf("23:00 should fire, got %v", trigger.reasons)
	}

	s.SetSkip(true)
	tickAt(s, clock, at(23, 1))
	st := s.Status()
	if !st.Skipped || st.NextLabel != "00:30" {
		t.Fatalf("skip should carry over to the following restart, status %+v", st)
	}
	tickAt(s, clock, at(0, 30).AddDate(0, 0, 1))
	if len(trigger.reasons) != 1 {
		t.Errorf("skipped 00:30 fired: %v", trigger.reasons)
	}
}
