package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callzhang/hypo/internal/wire"
)

// receiveLoop owns the only reader of conn. gen pins this goroutine to the
// connection generation it was started for; after a reconnect the
// generation counter advances and a stale loop's callbacks are ignored.
func (t *WebSocketTransport) receiveLoop(conn *websocket.Conn, gen uint64) {
	defer t.wg.Done()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.onReadError(gen, err)
			return
		}
		t.touchActivity()
		t.dispatch(gen, msgType, data)
	}
}

func (t *WebSocketTransport) onReadError(gen uint64, err error) {
	t.mu.Lock()
	stale := gen != t.generation
	if !stale {
		t.state = Idle
	}
	t.mu.Unlock()
	if stale {
		return // a newer connection already replaced this one
	}
	t.log.Warn(fmt.Sprintf("transport: read error on %s: %v", t.cfg.URL, err))
	go t.triggerReconnect()
}

func (t *WebSocketTransport) dispatch(gen uint64, msgType int, data []byte) {
	t.mu.Lock()
	stale := gen != t.generation
	t.mu.Unlock()
	if stale {
		return
	}

	if msgType == websocket.BinaryMessage {
		if env, err := wire.DecodeFrame(data); err == nil {
			select {
			case t.Inbox <- env:
			default:
				t.log.Warn("transport: inbox full, dropping inbound envelope")
			}
			return
		}
	}

	var probe struct {
		Type wire.EnvelopeType `json:"type"`
		ID   string            `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		t.log.Debug(fmt.Sprintf("transport: unrecognized frame on %s", t.cfg.URL))
		return
	}
	switch probe.Type {
	case wire.TypeError:
		t.handleErrorFeedback(data)
	case wire.TypeControl:
		t.handleControlReply(probe.ID, data)
	}
}

// handleErrorFeedback applies the relay's error feedback: match by
// original_message_id against in-flight messages, drop on permanent codes,
// otherwise increment RetryCount and requeue the message at the front of
// the queue. No delay is applied before the next attempt; the processor's
// MaxRetries check drops a message that keeps failing.
func (t *WebSocketTransport) handleErrorFeedback(data []byte) {
	var msg struct {
		Payload wire.ErrorPayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	id := msg.Payload.OriginalMessageID
	if id == "" {
		return
	}
	t.inflightMu.Lock()
	m, ok := t.inflight[id]
	if ok {
		delete(t.inflight, id)
	}
	t.inflightMu.Unlock()
	if !ok {
		return
	}
	if wire.IsPermanentErrorCode(msg.Payload.Code) {
		t.log.Warn(fmt.Sprintf("transport: dropping %s: %s", id, msg.Payload.Code))
		return
	}
	m.RetryCount++
	t.queue.requeueFront(m)
}

func (t *WebSocketTransport) handleControlReply(id string, data []byte) {
	var msg struct {
		Payload wire.ControlQueryResultPayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	t.pendingQueriesMu.Lock()
	ch, ok := t.pendingQueries[id]
	t.pendingQueriesMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg.Payload.ConnectedIDs:
	default:
	}
}

// keepaliveLoop keeps the socket healthy: cloud pings every 840s; LAN runs an idle
// watchdog that closes the connection with going_away after LANIdleTimeout
// of read inactivity.
func (t *WebSocketTransport) keepaliveLoop() {
	defer t.wg.Done()
	if t.cfg.Environment == EnvironmentCloud {
		t.cloudPingLoop()
		return
	}
	t.lanIdleWatchdog()
}

func (t *WebSocketTransport) cloudPingLoop() {
	ticker := time.NewTicker(CloudPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closeCh:
			return
		case <-ticker.C:
			t.mu.Lock()
			conn := t.conn
			t.mu.Unlock()
			if conn != nil {
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}
}

// lanIdleWatchdog closes a LAN connection that has gone quiet: every
// inbound frame and pong refreshes lastActivity via touchActivity, so the
// timeout only elapses when no traffic at all has arrived for a full
// interval.
func (t *WebSocketTransport) lanIdleWatchdog() {
	ticker := time.NewTicker(LANIdleTimeout)
	defer ticker.Stop()
	t.mu.Lock()
	if t.conn != nil {
		t.conn.SetPongHandler(func(string) error { t.touchActivity(); return nil })
	}
	t.mu.Unlock()
	for {
		select {
		case <-t.closeCh:
			return
		case <-ticker.C:
			t.mu.Lock()
			idle := time.Since(t.lastActivity)
			conn := t.conn
			t.mu.Unlock()
			if idle >= LANIdleTimeout {
				if conn != nil {
					deadline := time.Now().Add(time.Second)
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "idle timeout"), deadline)
				}
				return
			}
		}
	}
}
