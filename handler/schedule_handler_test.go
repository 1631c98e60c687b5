package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sentinel_vault/service"
)

func TestFirstExecutionFutureStartDate(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	start, next := firstExecution(service.FreqMonthly, "09:00", "2026-04-01", now)

	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC), next)
}

func TestFirstExecutionPastStartDateFallsForward(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	start, next := firstExecution(service.FreqMonthly, "09:00", "2026-01-01", now)

	assert.Equal(t, now, start)
	assert.Equal(t, time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC), next)
}

func TestFirstExecutionNoStartDate(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	start, next := firstExecution(service.FreqDaily, "18:00", "", now)

	assert.Equal(t, now, start)
	assert.Equal(t, time.Date(2026, 3, 11, 18, 0, 0, 0, time.UTC), next)
}

func TestFirstExecutionMalformedStartDateIgnored(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	_, next := firstExecution(service.FreqDaily, "09:00", "soon", now)

	assert.Equal(t, time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC), next)
}
