package typing

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestControllerFiresImmediatelyAndKeepsAlive(t *testing.T) {
	var fires atomic.Int32
	ctrl := New(Options{
		MaxDuration:       time.Second,
		KeepaliveInterval: 10 * time.Millisecond,
		StartFn: func() error {
			fires.Add(1)
			return nil
		},
	})
	ctrl.Start()
	defer ctrl.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for fires.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("fires = %d, want >= 3 within deadline", fires.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestControllerStopHaltsKeepalive(t *testing.T) {
	var fires atomic.Int32
	ctrl := New(Options{
		MaxDuration:       time.Second,
		KeepaliveInterval: 5 * time.Millisecond,
		StartFn: func() error {
			fires.Add(1)
			return nil
		},
	})
	ctrl.Start()
	time.Sleep(20 * time.Millisecond)
	ctrl.Stop()

	settled := fires.Load()
	time.Sleep(30 * time.Millisecond)
	if fires.Load() != settled {
		t.Errorf("fires continued after Stop: %d -> %d", settled, fires.Load())
	}
}

func TestControllerTTLStopsOnItsOwn(t *testing.T) {
	var fires atomic.Int32
	ctrl := New(Options{
		MaxDuration:       15 * time.Millisecond,
		KeepaliveInterval: 5 * time.Millisecond,
		StartFn: func() error {
			fires.Add(1)
			return nil
		},
	})
	ctrl.Start()

	time.Sleep(60 * time.Millisecond)
	settled := fires.Load()
	time.Sleep(30 * time.Millisecond)
	if fires.Load() != settled {
		t.Errorf("fires continued past TTL: %d -> %d", settled, fires.Load())
	}
}

func TestControllerStopIdempotent(t *testing.T) {
	ctrl := New(Options{StartFn: func() error { return nil }})
	ctrl.Start()
	ctrl.Stop()
	ctrl.Stop()
	// Start after Stop stays stopped.
	ctrl.Start()
}
