package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/plrelay/backend/internal/ws"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Message is one decoded feed message; exactly one payload field is set for
// known types.
type Message struct {
	Type     ws.MessageType
	Seq      uint64
	Snapshot *ws.SnapshotPayload
	Delta    *ws.DeltaPayload
	Started  *ws.StartedPayload
	Finished *ws.FinishedPayload
	Raw      json.RawMessage
}

// WSClient reads the /ws session feed.
type WSClient struct {
	url string

	mu      sync.Mutex
	writeMu sync.Mutex // serialises conn writes
	conn    *websocket.Conn
	seq     uint64
}

// NewWSClient creates a client for the given WebSocket URL.
func NewWSClient(url string) *WSClient {
	return &WSClient{url: url}
}

// FeedURL turns an http(s) base URL into the /ws URL.
func FeedURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}

// Watch connects and calls fn for every message until ctx is done, the
// connection drops or fn returns an error.
func (c *WSClient) Watch(ctx context.Context, fn func(Message) error) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("ws dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("ws dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.seq = 0
	c.mu.Unlock()

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(pingCtx, conn)

	stop := context.AfterFunc(ctx, func() {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	})
	defer stop()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		msg, ok := decode(data)
		if !ok {
			continue
		}
		c.mu.Lock()
		c.seq = msg.Seq
		c.mu.Unlock()

		if err := fn(msg); err != nil {
			return err
		}
	}
}

// Seq returns the last seen sequence number.
func (c *WSClient) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or the connection changes.
func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func decode(data []byte) (Message, bool) {
	var raw struct {
		Type    ws.MessageType  `json:"type"`
		Seq     uint64          `json:"seq"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, false
	}
	msg := Message{Type: raw.Type, Seq: raw.Seq, Raw: raw.Payload}

	var err error
	switch raw.Type {
	case ws.MsgSnapshot:
		msg.Snapshot = &ws.SnapshotPayload{}
		err = json.Unmarshal(raw.Payload, msg.Snapshot)
	case ws.MsgDelta:
		msg.Delta = &ws.DeltaPayload{}
		err = json.Unmarshal(raw.Payload, msg.Delta)
	case ws.MsgStarted:
		msg.Started = &ws.StartedPayload{}
		err = json.Unmarshal(raw.Payload, msg.Started)
	case ws.MsgFinished:
		msg.Finished = &ws.FinishedPayload{}
		err = json.Unmarshal(raw.Payload, msg.Finished)
	}
	return msg, err == nil
}

