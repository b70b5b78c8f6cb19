package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var start = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func TestFixedClock_DoesNotMoveOnItsOwn(t *testing.T) {
	clock := NewFixedClock(start)
	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start, clock.Now())
}

func TestFixedClock_Advance(t *testing.T) {
	clock := NewFixedClock(start)

	got := clock.Advance(72 * time.Hour)

	assert.Equal(t, start.Add(72*time.Hour), got)
	assert.Equal(t, got, clock.Now())
}

func TestFixedClock_SetConvertsToUTC(t *testing.T) {
	clock := NewFixedClock(start)
	loc := time.FixedZone("UTC+3", 3*60*60)

	clock.Set(time.Date(2026, 5, 5, 12, 0, 0, 0, loc))

	assert.Equal(t, time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC), clock.Now())
}

func TestFixedClock_ConcurrentAdvance(t *testing.T) {
	clock := NewFixedClock(start)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
		}()
	}
	wg.Wait()

	assert.Equal(t, start.Add(50*time.Second), clock.Now())
}
