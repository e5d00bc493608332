package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/objectdb/objectdb-server/internal/kvstore"
)

// fakeClock is an injectable time source for the heartbeat monitor,
// grounded on the func()-time.Time clock seam used by
// Orangeca-tritontube's internal/metadata/service.go.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) now_() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCheckForDeadConnectionsDropsStaleChannel(t *testing.T) {
	clock := newFakeClock()
	s := NewServer(kvstore.NewMemory(), Options{HeartbeatInterval: time.Millisecond, Clock: clock.now_})
	ch, sender := mustAdd(t, s)

	clock.advance(time.Hour)

	s.CheckForDeadConnections()

	if _, ok := s.channels[ch]; ok {
		t.Fatalf("expected stale channel to be dropped")
	}
	if !sender.closed {
		t.Fatalf("expected sender to be closed on drop")
	}
}

func TestCheckForDeadConnectionsKeepsFreshChannel(t *testing.T) {
	clock := newFakeClock()
	s := NewServer(kvstore.NewMemory(), Options{HeartbeatInterval: time.Hour, Clock: clock.now_})
	ch, _ := mustAdd(t, s)

	clock.advance(time.Minute)
	s.CheckForDeadConnections()

	if _, ok := s.channels[ch]; !ok {
		t.Fatalf("expected fresh channel to remain connected")
	}
}

func TestCheckForDeadConnectionsRespectsHeartbeatRefresh(t *testing.T) {
	clock := newFakeClock()
	s := NewServer(kvstore.NewMemory(), Options{HeartbeatInterval: time.Minute, Clock: clock.now_})
	ch, _ := mustAdd(t, s)

	clock.advance(3 * time.Minute)
	ch.Heartbeat()
	clock.advance(3 * time.Minute)

	s.CheckForDeadConnections()

	if _, ok := s.channels[ch]; !ok {
		t.Fatalf("expected channel refreshed within the stale window to remain connected")
	}
}
