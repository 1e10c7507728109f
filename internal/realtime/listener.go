// Package realtime keeps the cached stock numbers fresh while the app
// is online and authenticated: one standing websocket subscription to
// inventory-row change notifications. On each change the affected
// medication's total is re-derived from a fresh lot-sum query; the
// notification payload's quantity is never trusted.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// Send heartbeats with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size.
	maxMessageSize = 64 * 1024

	// Time allowed for the per-notification stock re-query.
	requeryTimeout = 10 * time.Second

	inventoryTopic = "realtime:public:inventory"
)

// StockSource re-derives one medication's total from the remote store.
type StockSource interface {
	MedicationStock(ctx context.Context, medicationID string) (int, error)
}

// StockCache point-patches one medication's cached stock.
type StockCache interface {
	UpdateMedicationStock(ctx context.Context, medicationID string, newTotal int) error
}

type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Ref     string          `json:"ref"`
	Payload json.RawMessage `json:"payload"`
}

type changePayload struct {
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

type inventoryChange struct {
	MedicationID string `json:"medication_id"`
}

// Listener owns at most one active subscription. Start and Stop are
// idempotent; Stop waits for the read loop to exit so no notification
// is processed against stale credentials after teardown.
type Listener struct {
	url    string
	apiKey string
	source StockSource
	cache  StockCache
	log    *zap.Logger

	mu     sync.Mutex
	active bool
	conn   *websocket.Conn
	done   chan struct{}
}

func NewListener(realtimeURL, apiKey string, source StockSource, cache StockCache, log *zap.Logger) *Listener {
	return &Listener{
		url:    realtimeURL,
		apiKey: apiKey,
		source: source,
		cache:  cache,
		log:    log,
	}
}

func (l *Listener) dialURL() string {
	return strings.TrimRight(l.url, "/") + "/websocket?apikey=" + url.QueryEscape(l.apiKey) + "&vsn=1.0.0"
}

// Start opens the subscription. A no-op while already active; after a
// Stop it reopens.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.active {
		l.mu.Unlock()
		return nil
	}
	l.active = true
	l.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.dialURL(), nil)
	if err != nil {
		l.mu.Lock()
		l.active = false
		l.mu.Unlock()
		return fmt.Errorf("realtime dial: %w", err)
	}

	join := frame{Topic: inventoryTopic, Event: "phx_join", Ref: "1", Payload: json.RawMessage("{}")}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		l.mu.Lock()
		l.active = false
		l.mu.Unlock()
		return fmt.Errorf("realtime subscribe: %w", err)
	}

	done := make(chan struct{})
	l.mu.Lock()
	l.conn = conn
	l.done = done
	l.mu.Unlock()

	go l.readLoop(conn, done)
	go l.heartbeat(conn, done)

	l.log.Info("realtime subscription active", zap.String("topic", inventoryTopic))
	return nil
}

// Stop closes the subscription and waits for the read loop. Safe to
// call when not started.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return
	}
	l.active = false
	conn := l.conn
	done := l.done
	l.conn = nil
	l.done = nil
	l.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}
	if done != nil {
		<-done
	}
	l.log.Info("realtime subscription stopped")
}

// Active reports whether a subscription is currently open.
func (l *Listener) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *Listener) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.log.Warn("realtime connection lost", zap.Error(err))
			}
			l.mu.Lock()
			if l.conn == conn {
				l.active = false
				l.conn = nil
				l.done = nil
			}
			l.mu.Unlock()
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		l.handleFrame(data)
	}
}

func (l *Listener) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		l.log.Debug("realtime: discarding unparseable frame", zap.Error(err))
		return
	}
	switch f.Event {
	case "INSERT", "UPDATE", "DELETE":
	default:
		// Join replies, heartbeat replies, presence frames.
		return
	}

	var payload changePayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		l.log.Debug("realtime: discarding malformed change payload", zap.Error(err))
		return
	}
	record := payload.Record
	if f.Event == "DELETE" {
		record = payload.OldRecord
	}
	var change inventoryChange
	if err := json.Unmarshal(record, &change); err != nil || change.MedicationID == "" {
		l.log.Debug("realtime: change without medication id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requeryTimeout)
	defer cancel()

	total, err := l.source.MedicationStock(ctx, change.MedicationID)
	if err != nil {
		// Dropped, not fatal: the next notification or full reload
		// corrects the value.
		l.log.Warn("realtime: stock re-query failed, dropping update",
			zap.String("medication_id", change.MedicationID),
			zap.Error(err))
		return
	}
	if err := l.cache.UpdateMedicationStock(ctx, change.MedicationID, total); err != nil {
		l.log.Warn("realtime: cache update failed",
			zap.String("medication_id", change.MedicationID),
			zap.Error(err))
		return
	}
	l.log.Debug("realtime: refreshed cached stock",
		zap.String("medication_id", change.MedicationID),
		zap.Int("stock", total))
}

func (l *Listener) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	ref := 2
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			hb := frame{Topic: "phoenix", Event: "heartbeat", Ref: strconv.Itoa(ref), Payload: json.RawMessage("{}")}
			ref++
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(hb); err != nil {
				return
			}
		}
	}
}
