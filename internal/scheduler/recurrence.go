package scheduler

import (
	"fmt"
	"time"

	"campaignd/internal/domain"
)

// NextOccurrence computes the first trigger time strictly after the given
// instant, in the schedule's configured zone. Nonexistent local times (DST
// gaps) round forward; short months clamp the monthly day to the last day.
func NextOccurrence(s domain.Schedule, after time.Time) (time.Time, error) {
	if s.Kind != domain.ScheduleRecurring {
		return time.Time{}, fmt.Errorf("schedule kind %q has no recurrence", s.Kind)
	}
	loc, err := s.Location()
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timezone %q: %w", s.Timezone, err)
	}
	tod, err := time.Parse("15:04", s.TimeOfDay)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timeOfDay %q: %w", s.TimeOfDay, err)
	}
	hh, mm := tod.Hour(), tod.Minute()
	local := after.In(loc)

	switch s.Pattern {
	case domain.RecurDaily:
		for d := 0; d <= 1; d++ {
			c := at(local.AddDate(0, 0, d), hh, mm, loc)
			if c.After(after) {
				return c, nil
			}
		}
	case domain.RecurWeekly:
		set := make(map[time.Weekday]bool, len(s.Weekdays))
		for _, w := range s.Weekdays {
			set[w] = true
		}
		for d := 0; d <= 7; d++ {
			day := local.AddDate(0, 0, d)
			if !set[day.Weekday()] {
				continue
			}
			c := at(day, hh, mm, loc)
			if c.After(after) {
				return c, nil
			}
		}
	case domain.RecurMonthly:
		day := s.MonthDay
		if day <= 0 {
			day = 1
		}
		for m := 0; m <= 1; m++ {
			// time.Date normalizes month overflow, so December+1 lands in January
			c := monthlyAt(local.Year(), local.Month()+time.Month(m), day, hh, mm, loc)
			if c.After(after) {
				return c, nil
			}
		}
	default:
		return time.Time{}, fmt.Errorf("unknown recurrence pattern %q", s.Pattern)
	}
	return time.Time{}, fmt.Errorf("no next occurrence found for pattern %q", s.Pattern)
}

// at builds the trigger on day's date. time.Date normalizes a nonexistent
// local time forward past a DST gap, which is exactly the rounding we want.
func at(day time.Time, hh, mm int, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, loc)
}

func monthlyAt(year int, month time.Month, day, hh, mm int, loc *time.Location) time.Time {
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, hh, mm, 0, 0, loc)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
