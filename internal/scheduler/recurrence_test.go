package scheduler

import (
	"testing"
	"time"

	"campaignd/internal/domain"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load location %s: %v", name, err)
	}
	return loc
}

func TestWeeklyMonWedFromSunday(t *testing.T) {
	loc := mustLoad(t, "America/Sao_Paulo")
	s := domain.Schedule{
		Kind:      domain.ScheduleRecurring,
		Pattern:   domain.RecurWeekly,
		TimeOfDay: "09:00",
		Weekdays:  []time.Weekday{time.Monday, time.Wednesday},
		Timezone:  "America/Sao_Paulo",
	}

	// Sunday 2026-03-01 12:00 local
	after := time.Date(2026, 3, 1, 12, 0, 0, 0, loc)

	first, err := NextOccurrence(s, after)
	if err != nil {
		t.Fatalf("first occurrence: %v", err)
	}
	wantFirst := time.Date(2026, 3, 2, 9, 0, 0, 0, loc) // Monday
	if !first.Equal(wantFirst) {
		t.Fatalf("first = %v, want %v", first, wantFirst)
	}

	second, err := NextOccurrence(s, first)
	if err != nil {
		t.Fatalf("second occurrence: %v", err)
	}
	wantSecond := time.Date(2026, 3, 4, 9, 0, 0, 0, loc) // Wednesday, same week
	if !second.Equal(wantSecond) {
		t.Fatalf("second = %v, want %v", second, wantSecond)
	}
}

func TestDailySameDayAndRollover(t *testing.T) {
	s := domain.Schedule{
		Kind:      domain.ScheduleRecurring,
		Pattern:   domain.RecurDaily,
		TimeOfDay: "18:30",
	}
	morning := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	got, err := NextOccurrence(s, morning)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if want := time.Date(2026, 5, 10, 18, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("same-day = %v, want %v", got, want)
	}

	evening := time.Date(2026, 5, 10, 19, 0, 0, 0, time.UTC)
	got, err = NextOccurrence(s, evening)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if want := time.Date(2026, 5, 11, 18, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("rollover = %v, want %v", got, want)
	}
}

func TestDailyDSTGapRoundsForward(t *testing.T) {
	// US spring-forward 2026-03-08: 02:30 local does not exist
	loc := mustLoad(t, "America/New_York")
	s := domain.Schedule{
		Kind:      domain.ScheduleRecurring,
		Pattern:   domain.RecurDaily,
		TimeOfDay: "02:30",
		Timezone:  "America/New_York",
	}
	after := time.Date(2026, 3, 8, 0, 0, 0, 0, loc)
	got, err := NextOccurrence(s, after)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !got.After(after) {
		t.Fatalf("occurrence %v not after %v", got, after)
	}
	if got.In(loc).Day() != 8 {
		t.Fatalf("occurrence left the gap day: %v", got.In(loc))
	}
	// rounded forward past the nonexistent 02:30
	if h := got.In(loc).Hour(); h != 3 {
		t.Fatalf("gap time resolved to hour %d, want 3", h)
	}
}

func TestMonthlyClampsShortMonths(t *testing.T) {
	s := domain.Schedule{
		Kind:      domain.ScheduleRecurring,
		Pattern:   domain.RecurMonthly,
		TimeOfDay: "10:00",
		MonthDay:  31,
	}
	after := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	got, err := NextOccurrence(s, after)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	// February 2026 has 28 days
	if want := time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestMonthlyDecemberWrapsToJanuary(t *testing.T) {
	s := domain.Schedule{
		Kind:      domain.ScheduleRecurring,
		Pattern:   domain.RecurMonthly,
		TimeOfDay: "10:00",
		MonthDay:  5,
	}
	after := time.Date(2026, 12, 20, 0, 0, 0, 0, time.UTC)
	got, err := NextOccurrence(s, after)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if want := time.Date(2027, 1, 5, 10, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextOccurrenceRejectsNonRecurring(t *testing.T) {
	if _, err := NextOccurrence(domain.Schedule{Kind: domain.ScheduleImmediate}, time.Now()); err == nil {
		t.Fatal("expected error for non-recurring schedule")
	}
}
