package session

import (
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeConn records frames written to it.
type fakeConn struct {
	mu        sync.Mutex
	frames    [][]byte
	closeCode int
	closed    bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.closeCode = int(data[0])<<8 | int(data[1])
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) waitFrames(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.frames) >= n {
			out := make([][]byte, len(c.frames))
			copy(out, c.frames)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames", n)
	return nil
}

func (c *fakeConn) waitClosed(t *testing.T) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if c.closed {
			code := c.closeCode
			c.mu.Unlock()
			return code
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for close")
	return 0
}

func TestAddAssignsUniqueSessions(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	a := m.Add(&fakeConn{})
	b := m.Add(&fakeConn{})
	if a.ID == b.ID {
		t.Fatal("session ids collide")
	}
	if m.Count() != 2 {
		t.Errorf("count = %d, want 2", m.Count())
	}
	if _, ok := m.Get(a.ID); !ok {
		t.Error("session not retrievable")
	}
}

func TestSendReachesTheSocket(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	conn := &fakeConn{}
	s := m.Add(conn)

	if !m.Send(s.ID, []byte("hello")) {
		t.Fatal("send failed")
	}
	frames := conn.waitFrames(t, 1)
	if string(frames[0]) != "hello" {
		t.Errorf("frame = %q", frames[0])
	}

	if m.Send("no-such-session", []byte("x")) {
		t.Error("send to unknown session reported success")
	}
}

func TestSubscriptionFanOut(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	connA, connB := &fakeConn{}, &fakeConn{}
	a := m.Add(connA)
	b := m.Add(connB)

	if !m.Subscribe(a.ID, "TICKER:BTC/USD") {
		t.Fatal("subscribe failed")
	}
	m.Subscribe(b.ID, "TICKER:ETH/USD")

	sent := m.BroadcastToChannel("TICKER:BTC/USD", []byte("tick"))
	if sent != 1 {
		t.Fatalf("sent to %d sessions, want 1", sent)
	}
	connA.waitFrames(t, 1)
	time.Sleep(10 * time.Millisecond)
	connB.mu.Lock()
	got := len(connB.frames)
	connB.mu.Unlock()
	if got != 0 {
		t.Errorf("unsubscribed session received %d frames", got)
	}

	subs := m.Subscribers("TICKER:BTC/USD")
	if len(subs) != 1 || subs[0] != a.ID {
		t.Errorf("subscribers = %v", subs)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	s := m.Add(&fakeConn{})
	m.Subscribe(s.ID, "TRADES:BTC/USD")
	if !m.Unsubscribe(s.ID, "TRADES:BTC/USD") {
		t.Fatal("unsubscribe failed")
	}
	if sent := m.BroadcastToChannel("TRADES:BTC/USD", []byte("t")); sent != 0 {
		t.Errorf("sent = %d after unsubscribe", sent)
	}
	// Unsubscribing a never-subscribed key still succeeds.
	if !m.Unsubscribe(s.ID, "TRADES:ETH/USD") {
		t.Error("idempotent unsubscribe failed")
	}
}

func TestBroadcastExcludes(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	connA, connB := &fakeConn{}, &fakeConn{}
	a := m.Add(connA)
	m.Add(connB)

	sent := m.Broadcast([]byte("all"), map[string]struct{}{a.ID: {}})
	if sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
	connB.waitFrames(t, 1)
}

func TestQueueOverflowDropsFrames(t *testing.T) {
	t.Parallel()

	// A session that is never pumped: fill its queue directly.
	s := &Session{
		send:          make(chan []byte, 2),
		subscriptions: make(map[string]struct{}),
	}
	if !s.enqueue([]byte("1")) || !s.enqueue([]byte("2")) {
		t.Fatal("queue should accept up to its capacity")
	}
	if s.enqueue([]byte("3")) {
		t.Error("overflow frame accepted")
	}
	if s.DroppedFrames() != 1 {
		t.Errorf("dropped = %d, want 1", s.DroppedFrames())
	}
}

func TestCloseSendsCloseFrame(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	conn := &fakeConn{}
	s := m.Add(conn)

	m.Close(s.ID, websocket.CloseGoingAway, "bye")
	if code := conn.waitClosed(t); code != websocket.CloseGoingAway {
		t.Errorf("close code = %d, want %d", code, websocket.CloseGoingAway)
	}
	if m.Count() != 0 {
		t.Error("closed session still registered")
	}
}

func TestCloseAllEmptiesRegistry(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	conns := []*fakeConn{{}, {}, {}}
	for _, c := range conns {
		m.Add(c)
	}
	m.CloseAll()
	if m.Count() != 0 {
		t.Errorf("count = %d after CloseAll", m.Count())
	}
	for _, c := range conns {
		if code := c.waitClosed(t); code != websocket.CloseGoingAway {
			t.Errorf("close code = %d", code)
		}
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	s := m.Add(&fakeConn{})
	m.Remove(s.ID)
	m.Remove(s.ID)
	m.Remove("never-existed")
	if m.Count() != 0 {
		t.Errorf("count = %d", m.Count())
	}
}

func TestTouchUpdatesActivity(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	s := m.Add(&fakeConn{})
	before := s.LastActivity()
	time.Sleep(5 * time.Millisecond)
	s.Touch()
	if !s.LastActivity().After(before) {
		t.Error("activity timestamp did not advance")
	}
}
