package scheduler

import (
	"sync"
	"testing"
)

func TestKeyedMutexForgetsIdleKeys(t *testing.T) {
	var k keyedMutex
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(1)
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter=%d", counter)
	}
	if k.size() != 0 {
		t.Fatalf("idle keys retained: %d", k.size())
	}
}

func TestParseSweep(t *testing.T) {
	ok := []string{"@every 1m", "*/2 * * * *", "90s", "00:05", "@hourly"}
	for _, s := range ok {
		if _, err := ParseSweep(s); err != nil {
			t.Fatalf("%q: %v", s, err)
		}
	}
	bad := []string{"", "soon", "0s", "00:75", "61 * * * *"}
	for _, s := range bad {
		if _, err := ParseSweep(s); err == nil {
			t.Fatalf("%q: expected error", s)
		}
	}
}
