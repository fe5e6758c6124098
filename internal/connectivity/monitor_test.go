package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMonitor_InitialState(t *testing.T) {
	if New(true, nil).Online() != true {
		t.Error("monitor started online should report online")
	}
	if New(false, nil).Online() != false {
		t.Error("monitor started offline should report offline")
	}
}

func TestMonitor_NotifiesOncePerTransition(t *testing.T) {
	m := New(false, nil)

	var mu sync.Mutex
	var seen []bool
	m.Subscribe(func(online bool) {
		mu.Lock()
		seen = append(seen, online)
		mu.Unlock()
	})

	// When: The same offline state is observed repeatedly, then a
	// transition, then the new state repeatedly
	m.SetOnline(false)
	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(false)

	// Then: Exactly one notification per transition
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("notifications = %v, want exactly 2", seen)
	}
	if seen[0] != true || seen[1] != false {
		t.Errorf("notifications = %v, want [true false]", seen)
	}
}

func TestMonitor_MultipleSubscribers(t *testing.T) {
	m := New(false, nil)

	var mu sync.Mutex
	counts := map[string]int{}
	m.Subscribe(func(bool) { mu.Lock(); counts["a"]++; mu.Unlock() })
	m.Subscribe(func(bool) { mu.Lock(); counts["b"]++; mu.Unlock() })

	m.SetOnline(true)

	mu.Lock()
	defer mu.Unlock()
	if counts["a"] != 1 || counts["b"] != 1 {
		t.Errorf("counts = %v, want each subscriber notified once", counts)
	}
}

func TestMonitor_DetachStopsNotifications(t *testing.T) {
	m := New(false, nil)

	var mu sync.Mutex
	var calls int
	detach := m.Subscribe(func(bool) { mu.Lock(); calls++; mu.Unlock() })

	m.SetOnline(true)
	detach()
	detach() // second call is harmless
	m.SetOnline(false)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no notifications after detach)", calls)
	}
}

func TestMonitor_SubscriberMayQueryMonitor(t *testing.T) {
	m := New(false, nil)

	done := make(chan bool, 1)
	m.Subscribe(func(bool) {
		done <- m.Online() // must not deadlock
	})

	m.SetOnline(true)

	select {
	case got := <-done:
		if !got {
			t.Error("subscriber saw stale state")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber callback deadlocked querying the monitor")
	}
}

type scriptedPinger struct {
	mu   sync.Mutex
	errs []error
}

func (p *scriptedPinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) == 0 {
		return nil
	}
	err := p.errs[0]
	p.errs = p.errs[1:]
	return err
}

func TestMonitor_RunProbeDrivesState(t *testing.T) {
	m := New(true, nil)
	pinger := &scriptedPinger{errs: []error{errors.New("unreachable")}}

	transitions := make(chan bool, 4)
	m.Subscribe(func(online bool) { transitions <- online })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunProbe(ctx, pinger, 5*time.Millisecond)

	// Then: First failed ping flips offline, next success flips back
	select {
	case got := <-transitions:
		if got {
			t.Error("first transition should be offline")
		}
	case <-time.After(time.Second):
		t.Fatal("probe never reported the failed ping")
	}
	select {
	case got := <-transitions:
		if !got {
			t.Error("second transition should be online")
		}
	case <-time.After(time.Second):
		t.Fatal("probe never reported recovery")
	}
}
