package scheduler

import (
	"testing"
	"time"
)

func TestParsePlan(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw   string
		every time.Duration
		spec  string
	}{
		{raw: "0 4 * * *", spec: "0 4 * * *"},
		{raw: "@daily", spec: "@daily"},
		{raw: "@every 30m", spec: "@every 30m"},
		{raw: "cron:30 0 4 * * *", spec: "30 0 4 * * *"},
		{raw: "30m", every: 30 * time.Minute, spec: "@every 30m0s"},
		{raw: "every 6h", every: 6 * time.Hour, spec: "@every 6h0m0s"},
		{raw: "Every: 15m", every: 15 * time.Minute, spec: "@every 15m0s"},
		{raw: "interval:00:45", every: 45 * time.Minute, spec: "@every 45m0s"},
		{raw: "12:00", every: 12 * time.Hour, spec: "@every 12h0m0s"},
	}
	for _, tc := range cases {
		p, err := ParsePlan(tc.raw)
		if err != nil {
			t.Fatalf("ParsePlan(%q): %v", tc.raw, err)
		}
		if p.Every != tc.every || p.Spec() != tc.spec {
			t.Fatalf("ParsePlan(%q) = %+v spec %q; want every %v spec %q", tc.raw, p, p.Spec(), tc.every, tc.spec)
		}
	}
}

func TestParsePlanInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "  ", "soon", "0s", "01:75", "1:5", "-1:30", "cron:", "every:-5m", "every "} {
		if _, err := ParsePlan(raw); err == nil {
			t.Fatalf("ParsePlan(%q): expected error", raw)
		}
	}
}

func TestStaggerIntervalStableOffset(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	s1, off1 := staggerInterval("deferred.audit", 10*time.Minute, now)
	_, off2 := staggerInterval("deferred.audit", 10*time.Minute, now.Add(time.Hour))
	if off1 != off2 {
		t.Fatalf("offset changed between runs: %v vs %v", off1, off2)
	}
	if off1 < 0 || off1 >= maxStagger {
		t.Fatalf("offset %v outside [0, %v)", off1, maxStagger)
	}

	first := s1.Next(now)
	if want := now.Add(10*time.Minute + off1); !first.Equal(want) {
		t.Fatalf("first run = %v, want %v", first, want)
	}
	if second := s1.Next(first); second.Sub(first) != 10*time.Minute {
		t.Fatalf("second run %v after first, want 10m", second.Sub(first))
	}

	_, short := staggerInterval("x", 5*time.Second, now)
	if short >= 5*time.Second {
		t.Fatalf("offset %v exceeds interval", short)
	}
}
