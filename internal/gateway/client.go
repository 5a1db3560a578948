package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"candle-replay/internal/metrics"
	"candle-replay/internal/model"
	"candle-replay/internal/session"

	"github.com/gorilla/websocket"
)

const initTimeout = 30 * time.Second

// Client is one WebSocket peer and the exclusive owner of one Session. It
// doubles as the session's Emitter: events are marshaled and queued on the
// send channel, preserving per-client ordering through the single write pump.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	session *session.Session
	mets    *metrics.Metrics

	mu     sync.Mutex
	closed bool
}

// ── session.Emitter ──

func (c *Client) EmitBar(bar model.Bar, indicators map[string]*float64) {
	c.enqueue(BarMsg{Type: "BAR", Bar: bar, Indicators: indicators})
	if c.mets != nil {
		c.mets.BarsEmitted.Inc()
	}
}

func (c *Client) EmitState(snap session.Snapshot) {
	c.enqueue(SessionStateMsg{
		Type:   "SESSION_STATE",
		State:  snap.Status,
		Speed:  snap.Speed,
		Cursor: snap.Cursor,
	})
}

func (c *Client) EmitError(msg string) {
	c.sendError(msg)
}

func (c *Client) sendError(msg string) {
	c.enqueue(ErrorMsg{Type: "ERROR", Error: msg})
	if c.mets != nil {
		c.mets.ErrorsTotal.WithLabelValues("session").Inc()
	}
}

// enqueue marshals and queues one outbound message. A full send buffer drops
// the message rather than stalling the session; delivery is not exactly-once.
// After closeSend the client silently drops everything, so late emitters (a
// tick draining a batch, the stats broadcast) never hit a closed channel.
func (c *Client) enqueue(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		if c.mets != nil {
			c.mets.WSDropped.Inc()
		}
	}
}

// closeSend marks the client dead and closes the send channel so the write
// pump drains and exits. Safe to call once; enqueue calls racing with it
// either land before the close or are dropped.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ── pumps ──

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			// Write coalescing: drain queued messages into one frame with
			// newline separators.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(8192)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.handleMessage(msg)
	}
}

// handleMessage validates one inbound command and dispatches it to the
// session. All commands for a connection run on this goroutine, so session
// operations are naturally serialized against each other; only the scheduler
// tick runs concurrently and the session lock covers that.
func (c *Client) handleMessage(raw []byte) {
	var m InboundMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		c.sendError("malformed message: " + err.Error())
		return
	}
	if c.mets != nil {
		c.mets.CommandsTotal.WithLabelValues(m.Type).Inc()
	}

	switch m.Type {
	case MsgInit:
		c.handleInit(m.Payload)

	case MsgPlay:
		if err := c.session.Play(); err != nil {
			c.sendError(err.Error())
		}

	case MsgPause:
		c.session.Pause()

	case MsgSetSpeed:
		if m.Speed <= 0 {
			c.sendError("speed must be positive")
			return
		}
		c.session.SetSpeed(m.Speed)

	case MsgSeek:
		c.session.Seek(m.Timestamp)

	case MsgStep:
		switch m.Direction {
		case DirForward, "":
			c.session.Step(false, m.Size)
		case DirBackward:
			c.session.Step(true, m.Size)
		default:
			c.sendError("step direction must be \"forward\" or \"backward\"")
		}

	default:
		c.sendError("unknown message type: " + m.Type)
	}
}

func (c *Client) handleInit(p *InitPayload) {
	if p == nil {
		c.sendError("INIT requires a payload")
		return
	}
	if p.Symbol == "" || p.Timeframe == "" {
		c.sendError("INIT requires symbol and timeframe")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	start := time.Now()
	err := c.session.Init(ctx, session.InitParams{
		Symbol:     p.Symbol,
		Timeframe:  p.Timeframe,
		DatasetID:  p.DatasetID,
		From:       p.From,
		To:         p.To,
		Speed:      p.Speed,
		Indicators: p.Indicators,
	})
	if c.mets != nil {
		c.mets.StoreFetchDur.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		c.sendError(err.Error())
	}
}
