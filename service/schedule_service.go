package service

import (
	"fmt"
	"time"
)

type Frequency string

const (
	FreqDaily    Frequency = "daily"
	FreqWeekly   Frequency = "weekly"
	FreqBiweekly Frequency = "biweekly"
	FreqMonthly  Frequency = "monthly"
	FreqYearly   Frequency = "yearly"
)

// ParseFrequency maps a stored frequency string to a known value. Unknown
// input yields the monthly default with ok=false so callers can log it
// without failing the schedule.
func ParseFrequency(s string) (Frequency, bool) {
	switch Frequency(s) {
	case FreqDaily, FreqWeekly, FreqBiweekly, FreqMonthly, FreqYearly:
		return Frequency(s), true
	default:
		return FreqMonthly, false
	}
}

// parseExecutionTime parses "HH:MM"; malformed input falls back to 09:00.
func parseExecutionTime(s string) (hour, minute int) {
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil ||
		hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 9, 0
	}
	return hour, minute
}

// AtTimeOfDay pins a calendar day to the given "HH:MM" in UTC.
func AtTimeOfDay(day time.Time, executionTime string) time.Time {
	day = day.UTC()
	hour, minute := parseExecutionTime(executionTime)
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, time.UTC)
}

// NextOccurrence computes the next execution timestamp by adding one
// calendar interval to now, then overwriting the time-of-day. The interval
// is added to now rather than the previous next-execution value, so missed
// cycles cannot accumulate drift. Monthly advancement clamps the day to 28
// so the result is always a valid date; yearly clamps only Feb 29.
func NextOccurrence(freq Frequency, executionTime string, now time.Time) time.Time {
	now = now.UTC()
	var next time.Time

	switch freq {
	case FreqDaily:
		next = now.AddDate(0, 0, 1)
	case FreqWeekly:
		next = now.AddDate(0, 0, 7)
	case FreqBiweekly:
		next = now.AddDate(0, 0, 14)
	case FreqYearly:
		day := now.Day()
		if now.Month() == time.February && day == 29 {
			day = 28
		}
		next = time.Date(now.Year()+1, now.Month(), day, 0, 0, 0, 0, time.UTC)
	default: // monthly
		year, month := now.Year(), now.Month()+1
		if month > time.December {
			month = time.January
			year++
		}
		day := now.Day()
		if day > 28 {
			day = 28
		}
		next = time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	}

	hour, minute := parseExecutionTime(executionTime)
	return time.Date(next.Year(), next.Month(), next.Day(), hour, minute, 0, 0, time.UTC)
}
