package fullsync

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestProgressFollowsPhaseWeights(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newSession("s1", DirectionPull, "node-b", false, start)
	s.setTotals(1000, 400)

	steps := []struct {
		event   string
		rows    int64
		percent float64
	}{
		{event: eventBackup, percent: 5},
		{event: eventTransfer, percent: 10},
		{event: eventRestore, rows: 200, percent: 82.5},
		{event: eventVerify, rows: 400, percent: 95},
		{event: eventComplete, rows: 400, percent: 100},
	}
	now := start
	for _, step := range steps {
		now = now.Add(10 * time.Second)
		if err := s.transition(step.event, now); err != nil {
			t.Fatalf("%s: %v", step.event, err)
		}
		if step.rows > 0 {
			s.setRows(step.rows, now)
		}
		p := s.progress(now.Add(5*time.Second), time.Minute)
		if p.PercentComplete != step.percent {
			t.Errorf("%s: expected %.1f%%, got %.1f%%", p.Phase, step.percent, p.PercentComplete)
		}
	}

	p := s.progress(now, time.Minute)
	if p.CompletedAt == nil || !p.CompletedAt.Equal(now) {
		t.Errorf("Expected completion time %v, got %v", now, p.CompletedAt)
	}
	if p.EstimatedSecondsRemaining != 0 {
		t.Errorf("Expected no time remaining, got %d", p.EstimatedSecondsRemaining)
	}
}

func TestRestoreEstimateUsesRowRate(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newSession("s1", DirectionPull, "node-b", false, start)
	s.setTotals(100, 1000)
	s.transition(eventBackup, start)
	s.transition(eventTransfer, start)
	s.transition(eventRestore, start)

	if p := s.progress(start, time.Minute); p.EstimatedSecondsRemaining != -1 {
		t.Errorf("Expected unknown estimate before any row, got %d", p.EstimatedSecondsRemaining)
	}
	s.setRows(250, start.Add(5*time.Second))
	// 250 rows in 10s leaves 750 rows at 25 rows/s
	if p := s.progress(start.Add(10*time.Second), time.Minute); p.EstimatedSecondsRemaining != 30 {
		t.Errorf("Expected 30s remaining, got %d", p.EstimatedSecondsRemaining)
	}
}

func TestTerminalSessionIgnoresTransitions(t *testing.T) {
	now := time.Now()
	s := newSession("s1", DirectionPull, "node-b", false, now)
	if err := s.transition(eventFail, now); err != nil {
		t.Fatal(err)
	}
	if err := s.transition(eventBackup, now); !errors.Is(err, ErrSessionFinished) {
		t.Errorf("Expected ErrSessionFinished, got %v", err)
	}
	if s.Status() != StatusFailed {
		t.Errorf("Expected FAILED, got %s", s.Status())
	}
}

func TestStuckAfterTimeout(t *testing.T) {
	start := time.Now()
	s := newSession("s1", DirectionPush, "node-b", false, start)
	if s.progress(start.Add(time.Second), time.Minute).Stuck {
		t.Error("Fresh session reported stuck")
	}
	if !s.progress(start.Add(2*time.Minute), time.Minute).Stuck {
		t.Error("Expected session without progress to be stuck")
	}
	s.setRows(10, start.Add(2*time.Minute))
	if s.progress(start.Add(2*time.Minute+time.Second), time.Minute).Stuck {
		t.Error("Progress should reset the stuck timer")
	}
}

func TestCancelRules(t *testing.T) {
	tests := []struct {
		name      string
		direction Direction
		inbound   bool
		events    []string
		committed bool
		want      error
	}{
		{name: "pending", direction: DirectionPull},
		{name: "transferring", direction: DirectionPull, events: []string{eventBackup, eventTransfer}},
		{name: "restoring pull", direction: DirectionPull, events: []string{eventBackup, eventTransfer, eventRestore}},
		{name: "restoring inbound push", direction: DirectionPush, inbound: true, events: []string{eventBackup, eventTransfer, eventRestore}},
		{name: "restoring outbound push", direction: DirectionPush, events: []string{eventBackup, eventTransfer, eventRestore}, want: ErrRestoreInProgress},
		{name: "committed", direction: DirectionPull, events: []string{eventBackup, eventTransfer, eventRestore}, committed: true, want: ErrNotCancellable},
		{name: "verifying", direction: DirectionPull, events: []string{eventBackup, eventTransfer, eventRestore, eventVerify}, want: ErrNotCancellable},
		{name: "completed", direction: DirectionPull, events: []string{eventBackup, eventTransfer, eventRestore, eventComplete}, want: ErrSessionFinished},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Now()
			s := newSession("s1", tt.direction, "node-b", tt.inbound, now)
			for _, ev := range tt.events {
				if err := s.transition(ev, now); err != nil {
					t.Fatalf("%s: %v", ev, err)
				}
			}
			s.committed = tt.committed
			cancelled := false
			s.cancel = func() { cancelled = true }

			m := &Manager{sessions: map[string]*Session{"s1": s}, logger: zap.NewNop()}
			err := m.Cancel("s1")
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			if (tt.want == nil) != cancelled {
				t.Errorf("Expected cancelled=%v", tt.want == nil)
			}
		})
	}
}
