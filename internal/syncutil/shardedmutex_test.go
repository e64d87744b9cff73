package syncutil

import (
	"sync"
	"testing"
)

func TestShardedMutexSerializesSameKey(t *testing.T) {
	var m ShardedMutex
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("ord_abc123")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
}

func TestShardedMutexDistinctKeysDoNotDeadlock(t *testing.T) {
	var m ShardedMutex

	unlock := m.Lock("ord_one")

	done := make(chan struct{})
	go func() {
		u := m.Lock("ord_two")
		u()
		close(done)
	}()

	// ord_one and ord_two may share a shard, in which case the goroutine
	// waits for our unlock. Release and confirm it completes.
	unlock()
	<-done
}
