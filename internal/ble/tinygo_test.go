package ble

import "testing"

const watchAddr = "aa:bb:cc:dd:ee:ff"

// dropCounter counts how often its callback fires.
type dropCounter struct{ n int }

func (d *dropCounter) onDrop() { d.n++ }

func TestDisconnectWatchDeliversDropOnce(t *testing.T) {
	w := newDisconnectWatch()
	var a dropCounter
	w.register(watchAddr, "a", a.onDrop)

	w.dropped("AA:BB:CC:DD:EE:FF")
	w.dropped(watchAddr)

	if a.n != 1 {
		t.Errorf("drops delivered = %d, want 1", a.n)
	}
}

func TestDisconnectWatchSkipsRequestedDisconnect(t *testing.T) {
	w := newDisconnectWatch()
	var a dropCounter
	w.register(watchAddr, "a", a.onDrop)

	w.release(watchAddr, "a")
	w.dropped(watchAddr)

	if a.n != 0 {
		t.Errorf("drops delivered = %d, want 0 after release", a.n)
	}
}

func TestDisconnectWatchLateDropAfterReconnect(t *testing.T) {
	w := newDisconnectWatch()
	var a, b dropCounter
	w.register(watchAddr, "a", a.onDrop)
	w.release(watchAddr, "a")
	w.register(watchAddr, "b", b.onDrop)

	// The old link's event arrives after the new link registered.
	w.dropped(watchAddr)
	if a.n != 0 || b.n != 0 {
		t.Fatalf("late drop delivered to a=%d b=%d, want none", a.n, b.n)
	}

	w.dropped(watchAddr)
	if b.n != 1 {
		t.Errorf("drops delivered to new link = %d, want 1", b.n)
	}
}

func TestDisconnectWatchConnectClearsPending(t *testing.T) {
	w := newDisconnectWatch()
	var a, b dropCounter
	w.register(watchAddr, "a", a.onDrop)
	w.release(watchAddr, "a")

	// The stack reports the new connect before any drop of the new link.
	w.connected(watchAddr)
	w.register(watchAddr, "b", b.onDrop)
	w.dropped(watchAddr)

	if b.n != 1 {
		t.Errorf("drops delivered to new link = %d, want 1", b.n)
	}
}

func TestDisconnectWatchReleaseKeepsNewerOwner(t *testing.T) {
	w := newDisconnectWatch()
	var a, b dropCounter
	w.register(watchAddr, "a", a.onDrop)
	w.register(watchAddr, "b", b.onDrop)

	w.release(watchAddr, "a")
	w.connected(watchAddr)
	w.dropped(watchAddr)

	if a.n != 0 {
		t.Errorf("drops delivered to released link = %d, want 0", a.n)
	}
	if b.n != 1 {
		t.Errorf("drops delivered to current link = %d, want 1", b.n)
	}
}

func TestDisconnectWatchExpectDrop(t *testing.T) {
	w := newDisconnectWatch()
	var a dropCounter
	w.register(watchAddr, "a", a.onDrop)

	// An abandoned connect is torn down while a is the registered link.
	w.expectDrop(watchAddr)
	w.dropped(watchAddr)
	if a.n != 0 {
		t.Fatalf("drop of abandoned connect delivered %d times, want 0", a.n)
	}

	w.dropped(watchAddr)
	if a.n != 1 {
		t.Errorf("drops delivered = %d, want 1", a.n)
	}
}
