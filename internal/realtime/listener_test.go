package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	mu     sync.Mutex
	totals map[string]int
	err    error
	calls  int
}

func (s *fakeSource) MedicationStock(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.totals[id], nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeCache struct {
	mu      sync.Mutex
	updates map[string]int
}

func newFakeCache() *fakeCache {
	return &fakeCache{updates: make(map[string]int)}
}

func (c *fakeCache) UpdateMedicationStock(ctx context.Context, id string, total int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates[id] = total
	return nil
}

func (c *fakeCache) get(id string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.updates[id]
	return v, ok
}

// wsServer upgrades incoming connections, records the join frame, and
// hands the server side of each connection to the test.
func wsServer(t *testing.T) (url string, conns chan *websocket.Conn, joins chan frame, dials *int32) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns = make(chan *websocket.Conn, 4)
	joins = make(chan frame, 4)
	dials = new(int32)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(dials, 1)
		var join frame
		if err := conn.ReadJSON(&join); err != nil {
			conn.Close()
			return
		}
		joins <- join
		conns <- conn
		// Drain heartbeats until the peer goes away.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns, joins, dials
}

func waitConn(t *testing.T, conns chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription")
		return nil
	}
}

func notify(t *testing.T, conn *websocket.Conn, event string, payload map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"topic":   inventoryTopic,
		"event":   event,
		"ref":     "",
		"payload": payload,
	}))
}

func TestListenerRederivesStockFromFreshQuery(t *testing.T) {
	url, conns, joins, _ := wsServer(t)
	source := &fakeSource{totals: map[string]int{"m1": 42}}
	cache := newFakeCache()
	listener := NewListener(url, "anon-key", source, cache, zap.NewNop())

	require.NoError(t, listener.Start(context.Background()))
	t.Cleanup(listener.Stop)

	join := <-joins
	require.Equal(t, inventoryTopic, join.Topic)
	require.Equal(t, "phx_join", join.Event)

	conn := waitConn(t, conns)
	// The payload carries a quantity, but the cache must be fed from the
	// fresh lot-sum query instead.
	notify(t, conn, "UPDATE", map[string]interface{}{
		"record": map[string]interface{}{"medication_id": "m1", "qty_units": 999},
	})

	require.Eventually(t, func() bool {
		v, ok := cache.get("m1")
		return ok && v == 42
	}, 2*time.Second, 20*time.Millisecond)
}

func TestListenerUsesOldRecordOnDelete(t *testing.T) {
	url, conns, _, _ := wsServer(t)
	source := &fakeSource{totals: map[string]int{"m2": 7}}
	cache := newFakeCache()
	listener := NewListener(url, "anon-key", source, cache, zap.NewNop())

	require.NoError(t, listener.Start(context.Background()))
	t.Cleanup(listener.Stop)

	conn := waitConn(t, conns)
	notify(t, conn, "DELETE", map[string]interface{}{
		"old_record": map[string]interface{}{"medication_id": "m2"},
	})

	require.Eventually(t, func() bool {
		v, ok := cache.get("m2")
		return ok && v == 7
	}, 2*time.Second, 20*time.Millisecond)
}

func TestListenerDropsUpdateWhenRequeryFails(t *testing.T) {
	url, conns, _, _ := wsServer(t)
	source := &fakeSource{err: context.DeadlineExceeded}
	cache := newFakeCache()
	listener := NewListener(url, "anon-key", source, cache, zap.NewNop())

	require.NoError(t, listener.Start(context.Background()))
	t.Cleanup(listener.Stop)

	conn := waitConn(t, conns)
	notify(t, conn, "INSERT", map[string]interface{}{
		"record": map[string]interface{}{"medication_id": "m1"},
	})

	require.Eventually(t, func() bool { return source.callCount() >= 1 },
		2*time.Second, 20*time.Millisecond)
	_, ok := cache.get("m1")
	require.False(t, ok)
}

func TestListenerIgnoresNonChangeFrames(t *testing.T) {
	url, conns, _, _ := wsServer(t)
	source := &fakeSource{totals: map[string]int{"m1": 5}}
	cache := newFakeCache()
	listener := NewListener(url, "anon-key", source, cache, zap.NewNop())

	require.NoError(t, listener.Start(context.Background()))
	t.Cleanup(listener.Stop)

	conn := waitConn(t, conns)
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"topic": inventoryTopic, "event": "phx_reply", "ref": "1",
		"payload": map[string]interface{}{"status": "ok"},
	}))
	notify(t, conn, "UPDATE", map[string]interface{}{
		"record": map[string]interface{}{"medication_id": "m1"},
	})

	require.Eventually(t, func() bool {
		_, ok := cache.get("m1")
		return ok
	}, 2*time.Second, 20*time.Millisecond)
	require.Equal(t, 1, source.callCount())
}

func TestStartIsIdempotentAndReopensAfterStop(t *testing.T) {
	url, conns, _, dials := wsServer(t)
	source := &fakeSource{totals: map[string]int{}}
	cache := newFakeCache()
	listener := NewListener(url, "anon-key", source, cache, zap.NewNop())

	require.NoError(t, listener.Start(context.Background()))
	require.NoError(t, listener.Start(context.Background()))
	waitConn(t, conns)
	require.Equal(t, int32(1), atomic.LoadInt32(dials))
	require.True(t, listener.Active())

	listener.Stop()
	require.False(t, listener.Active())

	require.NoError(t, listener.Start(context.Background()))
	waitConn(t, conns)
	require.Equal(t, int32(2), atomic.LoadInt32(dials))
	listener.Stop()
}

func TestStopIsSafeWhenNotStarted(t *testing.T) {
	listener := NewListener("ws://127.0.0.1:1", "anon-key", &fakeSource{}, newFakeCache(), zap.NewNop())
	listener.Stop()
	require.False(t, listener.Active())
}
