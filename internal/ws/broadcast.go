package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/plrelay/backend/internal/session"
	"github.com/rs/zerolog"
)

var ErrTooManyConnections = errors.New("too many websocket connections")

const writeTimeout = 10 * time.Second

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster fans session lifecycle out to websocket clients: a snapshot on
// connect and periodically, started/finished messages immediately, and
// progress updates coalesced per throttle window.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	seq      uint64

	store          *session.Store
	throttle       time.Duration
	snapshotTicker *time.Ticker
	stop           chan struct{}
	stopOnce       sync.Once
	log            zerolog.Logger

	flushMu        sync.Mutex
	pendingUpdates map[string]session.Snapshot
	flushTimer     *time.Timer
}

// NewBroadcaster subscribes to store and starts the snapshot loop. A
// maxConns of zero means unlimited clients.
func NewBroadcaster(store *session.Store, throttle, snapshotInterval time.Duration, maxConns int) *Broadcaster {
	b := &Broadcaster{
		clients:        make(map[*client]bool),
		maxConns:       maxConns,
		store:          store,
		throttle:       throttle,
		stop:           make(chan struct{}),
		log:            zerolog.Nop(),
		pendingUpdates: make(map[string]session.Snapshot),
	}
	store.Subscribe(b.observe)

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()

	return b
}

func (b *Broadcaster) SetLogger(logger zerolog.Logger) {
	b.log = logger.With().Str("component", "feed").Logger()
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, 64),
	}
	b.clients[c] = true
	b.mu.Unlock()
	go c.writePump()

	data, err := b.encode(WSMessage{
		Type:    MsgSnapshot,
		Payload: SnapshotPayload{Sessions: b.store.Snapshots()},
	})
	if err == nil {
		b.deliver(c, data)
	}

	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop halts the snapshot loop and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.snapshotTicker.Stop()
		close(b.stop)

		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
	})
}

func (b *Broadcaster) observe(ev session.Event) {
	switch ev.Type {
	case session.EventStarted:
		b.broadcast(WSMessage{Type: MsgStarted, Payload: StartedPayload{Session: ev.Session, Active: ev.ActiveCount}})
	case session.EventUpdate:
		b.queueUpdate(ev.Session)
	case session.EventRemoved:
		b.flushMu.Lock()
		delete(b.pendingUpdates, ev.Session.ID)
		b.flushMu.Unlock()
		b.broadcast(WSMessage{Type: MsgFinished, Payload: FinishedPayload{Session: ev.Session, Active: ev.ActiveCount}})
	}
}

func (b *Broadcaster) queueUpdate(snap session.Snapshot) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingUpdates[snap.ID] = snap

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	updates := make([]session.Snapshot, 0, len(b.pendingUpdates))
	for _, snap := range b.pendingUpdates {
		updates = append(updates, snap)
	}
	clear(b.pendingUpdates)
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(updates) == 0 {
		return
	}
	b.broadcast(WSMessage{Type: MsgDelta, Payload: DeltaPayload{Updates: updates}})
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			b.broadcast(WSMessage{
				Type:    MsgSnapshot,
				Payload: SnapshotPayload{Sessions: b.store.Snapshots()},
			})
		}
	}
}

// encode stamps msg with the next sequence number and marshals it.
func (b *Broadcaster) encode(msg WSMessage) ([]byte, error) {
	b.mu.Lock()
	b.seq++
	msg.Seq = b.seq
	b.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error().Err(err).Str("type", string(msg.Type)).Msg("broadcast marshal error")
		return nil, err
	}
	return data, nil
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := b.encode(msg)
	if err != nil {
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		b.deliver(c, data)
	}
}

// deliver queues data for c, disconnecting it when its buffer is full. The
// send happens under the read lock so it cannot race RemoveClient's close.
func (b *Broadcaster) deliver(c *client, data []byte) {
	b.mu.RLock()
	if !b.clients[c] {
		b.mu.RUnlock()
		return
	}
	var slow bool
	select {
	case c.send <- data:
	default:
		slow = true
	}
	b.mu.RUnlock()

	if slow {
		// Client can't keep up, disconnect it
		b.log.Warn().Msg("ws client too slow, disconnecting")
		b.RemoveClient(c)
	}
}
