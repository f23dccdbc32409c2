package businesshours

import (
	"testing"
	"time"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return parsed
}

func TestDueAtWallClock(t *testing.T) {
	cal := Default()
	start := mustTime(t, "2026-03-04T10:00:00Z")

	due := cal.DueAt(start, 30, false, false)
	want := start.Add(30 * time.Hour)
	if !due.Equal(want) {
		t.Fatalf("due = %v, want %v", due, want)
	}
}

func TestDueAtBusinessHoursCrossesWeekend(t *testing.T) {
	cal := Default()
	// Friday 16:00. One business hour remains on Friday, the other three
	// land after the weekend: Monday 09:00 + 3h.
	start := mustTime(t, "2026-03-06T16:00:00Z")

	due := cal.DueAt(start, 4, true, true)
	want := mustTime(t, "2026-03-09T12:00:00Z")
	if !due.Equal(want) {
		t.Fatalf("due = %v, want %v", due, want)
	}
}

func TestDueAtBusinessHoursStartsOutsideWindow(t *testing.T) {
	cal := Default()
	// Tuesday 22:30 rolls to Wednesday 09:00.
	start := mustTime(t, "2026-03-03T22:30:00Z")

	due := cal.DueAt(start, 2, true, true)
	want := mustTime(t, "2026-03-04T11:00:00Z")
	if !due.Equal(want) {
		t.Fatalf("due = %v, want %v", due, want)
	}
}

func TestDueAtBusinessHoursSpansMultipleDays(t *testing.T) {
	cal := Default()
	// Monday 09:00 + 20 business hours = 2.5 working days.
	start := mustTime(t, "2026-03-02T09:00:00Z")

	due := cal.DueAt(start, 20, true, true)
	want := mustTime(t, "2026-03-04T13:00:00Z")
	if !due.Equal(want) {
		t.Fatalf("due = %v, want %v", due, want)
	}
}

func TestDueAtExcludeWeekendsOnly(t *testing.T) {
	cal := Default()
	// Friday 20:00 + 12h: 4h remain on Friday, weekend skipped, 8h on Monday.
	start := mustTime(t, "2026-03-06T20:00:00Z")

	due := cal.DueAt(start, 12, false, true)
	want := mustTime(t, "2026-03-09T08:00:00Z")
	if !due.Equal(want) {
		t.Fatalf("due = %v, want %v", due, want)
	}
}

func TestDueAtSkipsHolidays(t *testing.T) {
	cal := Default()
	cal.Holidays["2026-03-05"] = true
	// Wednesday 16:00 + 2 business hours. Thursday is a holiday, so the
	// second hour lands on Friday morning.
	start := mustTime(t, "2026-03-04T16:00:00Z")

	due := cal.DueAt(start, 2, true, true)
	want := mustTime(t, "2026-03-06T10:00:00Z")
	if !due.Equal(want) {
		t.Fatalf("due = %v, want %v", due, want)
	}
}

func TestDueAtZeroHours(t *testing.T) {
	cal := Default()
	start := mustTime(t, "2026-03-06T16:00:00Z")
	if due := cal.DueAt(start, 0, true, true); !due.Equal(start) {
		t.Fatalf("due = %v, want start", due)
	}
}

func TestParseCalendar(t *testing.T) {
	raw := []byte(`business_hours:
  start_hour: 8
  end_hour: 18
weekend:
  - friday
  - saturday
holidays:
  - 2026-01-01
`)
	cal, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cal.StartHour != 8 || cal.EndHour != 18 {
		t.Fatalf("window = %d-%d, want 8-18", cal.StartHour, cal.EndHour)
	}
	if !cal.Weekend[time.Friday] || !cal.Weekend[time.Saturday] || cal.Weekend[time.Sunday] {
		t.Fatalf("weekend = %v", cal.Weekend)
	}
	if !cal.Holidays["2026-01-01"] {
		t.Fatalf("holiday missing: %v", cal.Holidays)
	}
}

func TestParseCalendarRejectsInvalidWindow(t *testing.T) {
	raw := []byte(`business_hours:
  start_hour: 18
  end_hour: 9
`)
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for inverted window")
	}
}

func TestParseCalendarRejectsBadHoliday(t *testing.T) {
	raw := []byte("holidays:\n  - not-a-date\n")
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for malformed holiday")
	}
}

func TestLoadMissingPathUsesDefault(t *testing.T) {
	cal, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cal.StartHour != 9 || cal.EndHour != 17 {
		t.Fatalf("default window = %d-%d", cal.StartHour, cal.EndHour)
	}
}
