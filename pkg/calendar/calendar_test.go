package calendar_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempus/pkg/calendar"
)

func TestValidate(t *testing.T) {
	eng := calendar.New()

	valid := []string{
		"*/5 * * * *",
		"0 0 * * *",
		"30 9 * * 1-5",
		"0 */2 1,15 * *",
		"15 14 1 1 *",
	}
	for _, expr := range valid {
		assert.NoError(t, eng.Validate(expr), "expression %q", expr)
	}

	invalid := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 32 * *",
		"* * * 13 *",
		"* * * * 8",
		"@hourly",
	}
	for _, expr := range invalid {
		assert.Error(t, eng.Validate(expr), "expression %q", expr)
	}
}

func TestValidate_NamesOffendingField(t *testing.T) {
	eng := calendar.New()

	err := eng.Validate("60 * * * *")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "minute")

	err = eng.Validate("* 24 * * *")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hour")

	err = eng.Validate("* * * * 8")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "day-of-week")
}

func TestNext_EveryFiveMinutes(t *testing.T) {
	eng := calendar.New()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := eng.Next("*/5 * * * *", "UTC", start)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC), first.UTC())

	second, err := eng.Next("*/5 * * * *", "UTC", first)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC), second.UTC())
}

func TestNext_ResumesAtNextBoundary(t *testing.T) {
	eng := calendar.New()
	// Resuming mid-window lands on the next boundary, not a catch-up fire.
	at := time.Date(2024, 1, 1, 0, 7, 0, 0, time.UTC)

	next, err := eng.Next("*/5 * * * *", "UTC", at)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC), next.UTC())
}

func TestNext_StrictlyAfter(t *testing.T) {
	eng := calendar.New()
	boundary := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)

	next, err := eng.Next("*/5 * * * *", "UTC", boundary)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC), next.UTC())
}

func TestNext_EvaluatesInZone(t *testing.T) {
	eng := calendar.New()
	// 09:00 in Tokyo is 00:00 UTC.
	after := time.Date(2024, 6, 1, 22, 0, 0, 0, time.UTC)

	next, err := eng.Next("0 9 * * *", "Asia/Tokyo", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), next.UTC())
}

func TestNext_EmptyZoneIsUTC(t *testing.T) {
	eng := calendar.New()
	after := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

	next, err := eng.Next("0 9 * * *", "", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), next.UTC())
}

func TestNext_SpringForwardSkipsMissingHour(t *testing.T) {
	eng := calendar.New()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 2024-03-10: 02:00 EST jumps to 03:00 EDT, so the 02:xx hour does
	// not exist. The hourly fire after 01:30 lands on 03:00 EDT.
	after := time.Date(2024, 3, 10, 1, 30, 0, 0, ny)
	next, err := eng.Next("0 * * * *", "America/New_York", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC), next.UTC())
}

func TestNext_FallBackFiresOnFirstOccurrence(t *testing.T) {
	eng := calendar.New()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 2024-11-03: 01:30 happens twice. The schedule fires on the first
	// (EDT, 05:30 UTC), not the repeat an hour later.
	after := time.Date(2024, 11, 3, 0, 0, 0, 0, ny)
	next, err := eng.Next("30 1 * * *", "America/New_York", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 11, 3, 5, 30, 0, 0, time.UTC), next.UTC())
}

func TestNext_RejectsBadZone(t *testing.T) {
	eng := calendar.New()

	_, err := eng.Next("* * * * *", "Mars/Olympus", time.Now())
	assert.Error(t, err)
}

func TestNext_RejectsBadExpression(t *testing.T) {
	eng := calendar.New()

	_, err := eng.Next("not a schedule", "UTC", time.Now())
	assert.Error(t, err)
}
