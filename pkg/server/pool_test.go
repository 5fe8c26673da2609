package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu     sync.Mutex
	writes [][]byte
	failed bool
	closed bool
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return errors.New("write failed")
	}
	s.writes = append(s.writes, data)
	return nil
}

func (s *stubConn) SetWriteDeadline(_ time.Time) error { return nil }

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubConn) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *stubConn) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestBroadcastReachesAllConns(t *testing.T) {
	pool := NewConnectionPool("s1", 0, nil)
	a, b := &stubConn{}, &stubConn{}
	pool.Add(a)
	pool.Add(b)

	pool.Broadcast([]byte("hello"))
	require.Equal(t, 1, a.writeCount())
	require.Equal(t, 1, b.writeCount())
	require.Equal(t, 2, pool.Count())
}

func TestBroadcastDropsFailingConn(t *testing.T) {
	pool := NewConnectionPool("s1", 0, nil)
	ok, bad := &stubConn{}, &stubConn{failed: true}
	pool.Add(ok)
	pool.Add(bad)

	pool.Broadcast([]byte("hello"))
	require.Equal(t, 1, pool.Count())
	require.True(t, bad.isClosed())
	require.Equal(t, 1, ok.writeCount())
}

func TestIdleTimerFiresAfterLastRemove(t *testing.T) {
	var mu sync.Mutex
	idle := false
	pool := NewConnectionPool("s1", 20*time.Millisecond, func() {
		mu.Lock()
		idle = true
		mu.Unlock()
	})
	conn := &stubConn{}
	pool.Add(conn)
	pool.Remove(conn)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return idle
	}, time.Second, 5*time.Millisecond)
}

func TestReattachCancelsIdleTimer(t *testing.T) {
	var mu sync.Mutex
	idle := false
	pool := NewConnectionPool("s1", 30*time.Millisecond, func() {
		mu.Lock()
		idle = true
		mu.Unlock()
	})
	first := &stubConn{}
	pool.Add(first)
	pool.Remove(first)
	pool.Add(&stubConn{})

	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.False(t, idle)
}
