package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_DefaultsToEpoch(t *testing.T) {
	c := NewClock(time.Time{})
	assert.Equal(t, Epoch, c.Now())
}

func TestClock_Advance(t *testing.T) {
	c := NewClock(Epoch)

	got := c.Advance(91 * time.Second)
	assert.Equal(t, Epoch.Add(91*time.Second), got)
	assert.Equal(t, got, c.Now())
}

func TestClock_Set(t *testing.T) {
	c := NewClock(Epoch)
	target := Epoch.Add(-time.Hour)

	c.Set(target)
	assert.Equal(t, target, c.Now())
}

func TestClock_ThreadSafe(t *testing.T) {
	c := NewClock(Epoch)
	const goroutines = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
			_ = c.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(goroutines*time.Second), c.Now())
}
