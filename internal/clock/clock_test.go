// ABOUTME: Tests for the fake clock used by pool, registrar and watcher tests
// ABOUTME: Covers one-shot waiters, ticker rescheduling and Stop

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_AfterFiresOnlyOnceDeadlinePassed(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(10 * time.Second)

	c.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, epoch.Add(10*time.Second), got)
	default:
		t.Fatal("did not fire")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestFake_TickerReschedules(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(5 * time.Second)
	defer tk.Stop()

	for i := 0; i < 3; i++ {
		c.Advance(5 * time.Second)
		select {
		case <-tk.C():
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
	assert.Equal(t, 1, c.Pending())
}

func TestFake_StoppedTickerIsDropped(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(time.Second)
	tk.Stop()

	c.Advance(time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
	assert.Equal(t, 0, c.Pending())
}

func TestFake_WaitForWaiters(t *testing.T) {
	c := Fake(epoch)
	go func() {
		time.Sleep(5 * time.Millisecond)
		c.After(time.Minute)
	}()
	require.True(t, c.WaitForWaiters(1, time.Second))
}

func TestReal_Now(t *testing.T) {
	before := time.Now()
	got := Real().Now()
	assert.False(t, got.Before(before))
}
