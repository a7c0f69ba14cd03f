package shutdown

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusStartsRunning(t *testing.T) {
	bus := NewBus()

	assert.False(t, bus.Stopped())

	select {
	case <-bus.Done():
		t.Fatal("Done channel closed before Trigger")
	default:
	}
}

func TestBusTrigger(t *testing.T) {
	bus := NewBus()

	bus.Trigger()

	assert.True(t, bus.Stopped())

	select {
	case <-bus.Done():
	case <-time.After(time.Second):
		t.Fatal("Done channel not closed after Trigger")
	}
}

func TestBusTriggerIsIdempotent(t *testing.T) {
	bus := NewBus()

	bus.Trigger()
	bus.Trigger()
	bus.Trigger()

	assert.True(t, bus.Stopped())
}

func TestBusConcurrentTriggerAndObserve(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Trigger()
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-bus.Done()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent trigger/observe deadlocked")
	}
	require.True(t, bus.Stopped())
}
