package markethours

import (
	"testing"
	"time"
)

func TestIsMarketOpen(t *testing.T) {
	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"weekday mid-session", time.Date(2026, 8, 27, 11, 0, 0, 0, IST), true},
		{"before open", time.Date(2026, 8, 27, 9, 14, 0, 0, IST), false},
		{"at open", time.Date(2026, 8, 27, 9, 15, 0, 0, IST), true},
		{"at close", time.Date(2026, 8, 27, 15, 30, 0, 0, IST), false},
		{"saturday", time.Date(2026, 8, 29, 11, 0, 0, 0, IST), false},
		{"independence day", time.Date(2026, 8, 15, 11, 0, 0, 0, IST), false},
	}
	for _, tc := range cases {
		if got := IsMarketOpen(tc.t); got != tc.want {
			t.Errorf("%s: IsMarketOpen = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestReconcileActiveGraceWindow(t *testing.T) {
	// 3:40 PM is past close but inside the settlement grace window.
	grace := time.Date(2026, 8, 27, 15, 40, 0, 0, IST)
	if IsMarketOpen(grace) {
		t.Error("market open at 15:40")
	}
	if !ReconcileActive(grace) {
		t.Error("reconcile inactive during grace window")
	}
	after := time.Date(2026, 8, 27, 15, 46, 0, 0, IST)
	if ReconcileActive(after) {
		t.Error("reconcile active after grace window")
	}
}

func TestNextOpenSkipsWeekend(t *testing.T) {
	// Friday evening → Monday 9:15.
	fri := time.Date(2026, 8, 28, 18, 0, 0, 0, IST)
	next := NextOpen(fri)
	if next.Weekday() != time.Monday || next.Hour() != 9 || next.Minute() != 15 {
		t.Errorf("NextOpen(friday evening) = %v", next)
	}
}

func TestNextPreOpenIsBeforeOpen(t *testing.T) {
	now := time.Date(2026, 8, 27, 6, 0, 0, 0, IST)
	pre := NextPreOpen(now)
	open := NextOpen(now)
	if diff := open.Sub(pre); diff != 5*time.Minute {
		t.Errorf("pre-open leads open by %v, want 5m", diff)
	}
}
