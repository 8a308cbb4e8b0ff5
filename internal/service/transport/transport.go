// Package transport maintains the single long-lived realtime connection: a
// reconnecting websocket with an authentication handshake, heartbeat, FIFO
// outbound queueing while disconnected, and replay of joined rooms after a
// reconnect. The connection state machine is
// disconnected -> connecting -> authenticating -> ready, with no concurrent
// connection attempts.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sealchat/internal/model"
	"sealchat/internal/utils/log"
)

// State of the realtime connection.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

var (
	// ErrTransportClosed means Shutdown was called; nothing will be sent or
	// queued anymore.
	ErrTransportClosed = errors.New("transport closed")

	// ErrAlreadyConnected guards against a second Connect on a live instance.
	ErrAlreadyConnected = errors.New("transport already connected")
)

type (
	Config struct {
		URL               string
		HeartbeatInterval time.Duration
		BackoffBase       time.Duration
		BackoffCap        time.Duration
		MaxAttempts       int
		Dialer            *websocket.Dialer
	}

	// Handler receives every inbound frame. Handlers run on the read
	// goroutine; keep them short or hand off.
	Handler func(model.Frame)

	// Transport is the process-wide realtime connection. Construct with New,
	// start with Connect, stop with Shutdown; tests run several isolated
	// instances side by side.
	Transport struct {
		cfg      Config
		token    string
		deviceID string

		mu      sync.Mutex
		state   State
		conn    *websocket.Conn
		queue   []model.Frame
		rooms   map[string]bool
		subs    map[int]Handler
		nextSub int
		started bool
		closed  bool
		stopCh  chan struct{}

		writeMu sync.Mutex
	}
)

func (c *Config) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

func New(cfg Config) *Transport {
	cfg.withDefaults()
	return &Transport{
		cfg:    cfg,
		rooms:  make(map[string]bool),
		subs:   make(map[int]Handler),
		stopCh: make(chan struct{}),
	}
}

// Connect starts the connection loop. It returns immediately; frames sent
// before the handshake completes are queued and flushed after auth.
func (t *Transport) Connect(token, deviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.started {
		return ErrAlreadyConnected
	}
	t.started = true
	t.token = token
	t.deviceID = deviceID
	go t.run()
	return nil
}

// Shutdown stops reconnection and closes the socket.
func (t *Transport) Shutdown() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conn := t.conn
	close(t.stopCh)
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Subscribe registers a frame handler and returns its unsubscribe func.
func (t *Transport) Subscribe(fn Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

// Send transmits a frame, or queues it in FIFO order while the connection is
// not ready. Queued frames are flushed after the next successful auth; they
// are never dropped unless the transport is shut down.
func (t *Transport) Send(frame model.Frame) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if t.state != StateReady || t.conn == nil {
		t.queue = append(t.queue, frame)
		t.mu.Unlock()
		log.Debug("frame queued while transport not ready", zap.String("type", frame.Type))
		return nil
	}
	conn := t.conn
	t.mu.Unlock()

	if err := t.writeFrame(conn, frame); err != nil {
		t.mu.Lock()
		t.queue = append(t.queue, frame)
		t.mu.Unlock()
		log.Warn("frame write failed, requeued", zap.String("type", frame.Type), zap.Error(err))
	}
	return nil
}

// Join records room membership (replayed after reconnect) and announces it.
func (t *Transport) Join(chatID string) error {
	t.mu.Lock()
	t.rooms[chatID] = true
	deviceID := t.deviceID
	t.mu.Unlock()
	return t.Send(model.Frame{Type: model.FrameChatJoin, ChatID: chatID, DeviceID: deviceID})
}

// Leave drops room membership.
func (t *Transport) Leave(chatID string) error {
	t.mu.Lock()
	delete(t.rooms, chatID)
	t.mu.Unlock()
	return t.Send(model.Frame{Type: model.FrameChatLeave, ChatID: chatID})
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) writeFrame(conn *websocket.Conn, frame model.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(&frame)
}

// run is the single connection loop. No concurrent attempts: one dial, one
// handshake, one read loop at a time.
func (t *Transport) run() {
	attempt := 0
	for {
		if t.isClosed() {
			return
		}

		t.setState(StateConnecting)
		conn, _, err := t.cfg.Dialer.Dial(t.cfg.URL, nil)
		if err != nil {
			attempt++
			t.setState(StateDisconnected)
			if attempt >= t.cfg.MaxAttempts {
				log.Error("reconnect attempts exhausted", zap.Int("attempts", attempt), zap.Error(err))
				return
			}
			log.Debug("dial failed, backing off",
				zap.Int("attempt", attempt),
				zap.Error(err))
			if !t.sleep(NextDelay(attempt, t.cfg.BackoffBase, t.cfg.BackoffCap)) {
				return
			}
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.conn = conn
		t.state = StateAuthenticating
		t.mu.Unlock()

		// The server closes the socket if auth does not complete within its
		// window; the client just reacts to that closure.
		if err := t.writeFrame(conn, model.Frame{Type: model.FrameAuth, Token: t.token}); err != nil {
			log.Warn("auth frame write failed", zap.Error(err))
		} else if t.readLoop(conn) {
			attempt = 0
		}

		t.mu.Lock()
		t.conn = nil
		t.state = StateDisconnected
		t.mu.Unlock()
		conn.Close()

		if t.isClosed() {
			return
		}
		attempt++
		if attempt >= t.cfg.MaxAttempts {
			log.Error("reconnect attempts exhausted", zap.Int("attempts", attempt))
			return
		}
		if !t.sleep(NextDelay(attempt, t.cfg.BackoffBase, t.cfg.BackoffCap)) {
			return
		}
	}
}

// readLoop consumes frames until the socket drops. Returns true if the
// handshake reached ready at least once.
func (t *Transport) readLoop(conn *websocket.Conn) bool {
	authed := false
	connDone := make(chan struct{})
	defer close(connDone)

	for {
		var frame model.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			log.Debug("realtime socket closed", zap.Error(err))
			return authed
		}

		switch frame.Type {
		case model.FrameAuthSuccess:
			if !authed {
				authed = true
				t.onReady(conn)
				go t.heartbeat(conn, connDone)
			}
		case model.FramePong:
			// Heartbeat reply, nothing to do.
		case model.FrameError:
			log.Warn("server error frame", zap.String("error", frame.Error))
			if !authed {
				// Auth rejected; server will close, force it locally too.
				return false
			}
			t.dispatch(frame)
		default:
			t.dispatch(frame)
		}
	}
}

// onReady replays joined rooms and drains the outbound queue in FIFO order,
// exactly once each, then promotes the connection. Ready is published only
// once the queue is empty, so a concurrent Send can never write a fresh frame
// ahead of older queued ones.
func (t *Transport) onReady(conn *websocket.Conn) {
	t.mu.Lock()
	rooms := make([]string, 0, len(t.rooms))
	for chatID := range t.rooms {
		rooms = append(rooms, chatID)
	}
	deviceID := t.deviceID
	t.mu.Unlock()

	for _, chatID := range rooms {
		if err := t.writeFrame(conn, model.Frame{Type: model.FrameChatJoin, ChatID: chatID, DeviceID: deviceID}); err != nil {
			log.Warn("room replay failed", zap.String("chat_id", chatID), zap.Error(err))
		}
	}

	flushed := 0
	for {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.state = StateReady
			t.mu.Unlock()
			break
		}
		pending := t.queue
		t.queue = nil
		t.mu.Unlock()

		for i, frame := range pending {
			if err := t.writeFrame(conn, frame); err != nil {
				// Connection died mid-flush: requeue the rest, keep order.
				t.mu.Lock()
				t.queue = append(pending[i:], t.queue...)
				t.mu.Unlock()
				log.Warn("queue flush interrupted", zap.Int("requeued", len(pending)-i), zap.Error(err))
				return
			}
			flushed++
		}
	}

	log.Info("transport ready",
		zap.Int("replayed_rooms", len(rooms)),
		zap.Int("flushed_frames", flushed))
}

func (t *Transport) heartbeat(conn *websocket.Conn, connDone <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.writeFrame(conn, model.Frame{Type: model.FramePing}); err != nil {
				return
			}
		case <-connDone:
			return
		case <-t.stopCh:
			return
		}
	}
}

func (t *Transport) dispatch(frame model.Frame) {
	t.mu.Lock()
	handlers := make([]Handler, 0, len(t.subs))
	for _, fn := range t.subs {
		handlers = append(handlers, fn)
	}
	t.mu.Unlock()

	for _, fn := range handlers {
		fn(frame)
	}
}

func (t *Transport) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-t.stopCh:
		return false
	}
}
