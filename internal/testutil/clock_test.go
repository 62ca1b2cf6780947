package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepClock_StartsAtEpoch(t *testing.T) {
	c := NewStepClock()
	assert.Equal(t, Epoch, c.Now())
	assert.Equal(t, Epoch, c.Now(), "Now does not advance")
}

func TestStepClock_Advance(t *testing.T) {
	c := NewStepClock()
	got := c.Advance(time.Second)
	assert.Equal(t, Epoch.Add(time.Second), got)
	assert.Equal(t, got, c.Now())
}

func TestStepClock_SetAndReset(t *testing.T) {
	c := NewStepClock()
	later := Epoch.Add(time.Hour)
	c.Set(later)
	assert.Equal(t, later, c.Now())

	c.Reset()
	assert.Equal(t, Epoch, c.Now())
}

func TestStepClock_ConcurrentAdvance(t *testing.T) {
	c := NewStepClock()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Millisecond)
		}()
	}
	wg.Wait()
	assert.Equal(t, Epoch.Add(100*time.Millisecond), c.Now())
}
