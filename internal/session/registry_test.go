package session

import (
	"sync"
	"testing"
)

func TestRegistry_AddAndDone(t *testing.T) {
	r := NewRegistry()

	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", r.ActiveCount())
	}

	if !r.Add() {
		t.Error("Add() should return true when not draining")
	}
	if r.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", r.ActiveCount())
	}

	r.Done()
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0 after Done()", r.ActiveCount())
	}
}

func TestRegistry_Draining(t *testing.T) {
	r := NewRegistry()

	if r.IsDraining() {
		t.Error("IsDraining() should be false initially")
	}

	if !r.Add() {
		t.Error("Add() should succeed before draining")
	}

	r.StartDraining()

	if !r.IsDraining() {
		t.Error("IsDraining() should be true after StartDraining()")
	}
	if r.Add() {
		t.Error("Add() should return false when draining")
	}
	if r.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", r.ActiveCount())
	}

	r.Done()
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", r.ActiveCount())
	}
}

func TestRegistry_WaitBlocksUntilDone(t *testing.T) {
	r := NewRegistry()

	r.Add()
	r.Add()

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Error("Wait() should block while sessions are active")
	default:
	}

	r.Done()
	select {
	case <-done:
		t.Error("Wait() should block while one session is active")
	default:
	}

	r.Done()
	<-done
}

func TestRegistry_DrainDuringConcurrentAdds(t *testing.T) {
	r := NewRegistry()
	const n = 100

	var wg sync.WaitGroup
	var mu sync.Mutex
	var accepted, rejected int

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if r.Add() {
				mu.Lock()
				accepted++
				mu.Unlock()
				r.Done()
			} else {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()

		if i == n/2 {
			r.StartDraining()
		}
	}

	wg.Wait()

	if accepted+rejected != n {
		t.Errorf("accepted(%d) + rejected(%d) != %d", accepted, rejected, n)
	}
	if rejected == 0 {
		t.Error("expected some sessions to be rejected after draining started")
	}
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", r.ActiveCount())
	}
}
