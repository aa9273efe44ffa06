package unlock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func TestCurrentCycleMidMonthAnchor(t *testing.T) {
	start := date(2026, time.March, 15)

	cycleStart, cycleEnd := CurrentCycle(start, date(2026, time.March, 20))
	assert.Equal(t, date(2026, time.March, 15), cycleStart)
	assert.Equal(t, date(2026, time.April, 15), cycleEnd)

	cycleStart, cycleEnd = CurrentCycle(start, date(2026, time.June, 1))
	assert.Equal(t, date(2026, time.May, 15), cycleStart)
	assert.Equal(t, date(2026, time.June, 15), cycleEnd)
}

func TestCurrentCycleMonthEndAnchor(t *testing.T) {
	start := date(2026, time.January, 31)

	// Jan 31 -> Feb 28 (2026 is not a leap year).
	cycleStart, cycleEnd := CurrentCycle(start, date(2026, time.February, 10))
	assert.Equal(t, date(2026, time.January, 31), cycleStart)
	assert.Equal(t, date(2026, time.February, 28), cycleEnd)

	// The anniversary day comes back in months that have it.
	cycleStart, cycleEnd = CurrentCycle(start, date(2026, time.March, 15))
	assert.Equal(t, date(2026, time.February, 28), cycleStart)
	assert.Equal(t, date(2026, time.March, 31), cycleEnd)

	// Apr 30 caps the 31st.
	cycleStart, cycleEnd = CurrentCycle(start, date(2026, time.April, 20))
	assert.Equal(t, date(2026, time.March, 31), cycleStart)
	assert.Equal(t, date(2026, time.April, 30), cycleEnd)
}

func TestCurrentCycleLeapFebruary(t *testing.T) {
	start := date(2027, time.December, 31)

	cycleStart, cycleEnd := CurrentCycle(start, date(2028, time.February, 15))
	assert.Equal(t, date(2028, time.January, 31), cycleStart)
	assert.Equal(t, date(2028, time.February, 29), cycleEnd)
}

func TestCurrentCycleFutureStartClamps(t *testing.T) {
	start := date(2026, time.September, 1)

	cycleStart, cycleEnd := CurrentCycle(start, date(2026, time.August, 1))
	assert.Equal(t, date(2026, time.September, 1), cycleStart)
	assert.Equal(t, date(2026, time.October, 1), cycleEnd)
}

func TestNextReset(t *testing.T) {
	start := date(2026, time.January, 31)

	assert.Equal(t, date(2026, time.February, 28), NextReset(start, date(2026, time.February, 1)))
	assert.Equal(t, date(2026, time.March, 31), NextReset(start, date(2026, time.March, 1)))

	// NextReset is always strictly after now.
	next := NextReset(start, time.Now())
	assert.True(t, next.After(time.Now().Add(-time.Second)))
}
