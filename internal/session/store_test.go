package session

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeHandle struct {
	pid int
}

func (h *fakeHandle) PID() int { return h.pid }
func (h *fakeHandle) Terminate(time.Duration) error { return nil }

func newTestSession(id string) *Session {
	return New(id, "https://www.youtube.com/playlist?list=PL123", "mp4", &fakeHandle{pid: 42})
}

func TestNewStore(t *testing.T) {
	s := NewStore()
	if s == nil {
		t.Fatal("NewStore() returned nil")
	}
	if got := len(s.IDs()); got != 0 {
		t.Errorf("new store has %d sessions, want 0", got)
	}
	if got := s.Len(); got != 0 {
		t.Errorf("new store Len() = %d, want 0", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := NewStore()
	sess, ok := s.Get("nonexistent")
	if ok {
		t.Error("Get for missing key returned ok=true")
	}
	if sess != nil {
		t.Error("Get for missing key returned non-nil session")
	}
}

func TestPutAndGet(t *testing.T) {
	s := NewStore()
	s.Put(newTestSession("a"))

	sess, ok := s.Get("a")
	if !ok {
		t.Fatal("Get returned ok=false after Put")
	}
	if sess.ID != "a" || sess.Format != "mp4" {
		t.Errorf("Get returned unexpected session: %+v", sess)
	}
}

func TestPutOverwrites(t *testing.T) {
	s := NewStore()
	first := newTestSession("a")
	second := newTestSession("a")
	s.Put(first)
	s.Put(second)

	got, _ := s.Get("a")
	if got != second {
		t.Error("Put did not replace the existing session")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestRemove(t *testing.T) {
	s := NewStore()
	s.Put(newTestSession("a"))

	if _, ok := s.Remove("a"); !ok {
		t.Fatal("Remove of registered id returned ok=false")
	}
	if _, ok := s.Get("a"); ok {
		t.Error("session still registered after Remove")
	}
	if _, ok := s.Remove("a"); ok {
		t.Error("second Remove returned ok=true")
	}
}

func TestRemoveMissingIsNoop(t *testing.T) {
	s := NewStore()
	s.Put(newTestSession("a"))

	if _, ok := s.Remove("b"); ok {
		t.Error("Remove of unknown id returned ok=true")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d after no-op Remove, want 1", s.Len())
	}
}

func TestIDs(t *testing.T) {
	s := NewStore()
	s.Put(newTestSession("c"))
	s.Put(newTestSession("a"))
	s.Put(newTestSession("b"))

	ids := s.IDs()
	want := []string{"a", "b", "c"}
	if len(ids) != len(want) {
		t.Fatalf("IDs() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("IDs()[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestSubscribeEvents(t *testing.T) {
	s := NewStore()
	var events []Event
	s.Subscribe(func(ev Event) { events = append(events, ev) })

	sess := newTestSession("a")
	s.Put(sess)
	sess.Start(3)
	sess.Advance(1, "first")
	s.Touch("a")
	s.Touch("missing")
	s.Remove("a")
	s.Remove("a")

	tests := []struct {
		typ       EventType
		completed int
		active    int
	}{
		{EventStarted, 0, 1},
		{EventUpdate, 1, 1},
		{EventRemoved, 1, 0},
	}
	if len(events) != len(tests) {
		t.Fatalf("got %d events, want %d", len(events), len(tests))
	}
	for i, tt := range tests {
		ev := events[i]
		if ev.Type != tt.typ {
			t.Errorf("event %d type = %v, want %v", i, ev.Type, tt.typ)
		}
		if ev.Session.Completed != tt.completed {
			t.Errorf("event %d completed = %d, want %d", i, ev.Session.Completed, tt.completed)
		}
		if ev.ActiveCount != tt.active {
			t.Errorf("event %d active = %d, want %d", i, ev.ActiveCount, tt.active)
		}
	}
}

func TestSnapshotsSortedByStart(t *testing.T) {
	s := NewStore()
	first := newTestSession("z")
	time.Sleep(time.Millisecond)
	second := newTestSession("a")
	s.Put(second)
	s.Put(first)

	snaps := s.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("Snapshots() returned %d items, want 2", len(snaps))
	}
	if snaps[0].ID != "z" || snaps[1].ID != "a" {
		t.Errorf("Snapshots() order = [%s %s], want [z a]", snaps[0].ID, snaps[1].ID)
	}
	if snaps[0].PID != 42 {
		t.Errorf("snapshot PID = %d, want 42", snaps[0].PID)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("session-%d", n)
			s.Put(newTestSession(id))
			s.Get(id)
			s.IDs()
			s.Snapshots()
			s.Remove(id)
		}(i)
	}
	wg.Wait()

	if s.Len() != 0 {
		t.Errorf("Len() = %d after concurrent put/remove, want 0", s.Len())
	}
}
