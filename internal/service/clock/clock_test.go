package clock

import (
	"testing"
	"time"
)

func TestManual_FiresInDeadlineOrder(t *testing.T) {
	m := NewManual()
	var order []int

	m.AfterFunc(30*time.Millisecond, func() { order = append(order, 3) })
	m.AfterFunc(10*time.Millisecond, func() { order = append(order, 1) })
	m.AfterFunc(20*time.Millisecond, func() { order = append(order, 2) })

	m.Advance(15 * time.Millisecond)
	if len(order) != 1 || order[0] != 1 {
		t.Fatalf("expected [1] after 15ms, got %v", order)
	}

	m.Advance(time.Second)
	if len(order) != 3 || order[1] != 2 || order[2] != 3 {
		t.Errorf("expected [1 2 3], got %v", order)
	}
	if m.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", m.Pending())
	}
}

func TestManual_StopPreventsFire(t *testing.T) {
	m := NewManual()
	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("expected Stop to report a pending timer")
	}
	if timer.Stop() {
		t.Error("expected second Stop to report false")
	}

	m.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer must not fire")
	}
}
