package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subject wildcard: handlers registered here receive every inbound message
// after the typed handlers for that message have run.
const SubjectAll = "*"

// Message types consumed from the push channel
const (
	TypeTableUpdate           = "table_update"
	TypeTablesSnapshot        = "tables_snapshot"
	TypeOperationStatusUpdate = "operation_status_update"
	TypeOperationCancelled    = "operation_cancelled"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// Message types published to the push channel
const (
	TypeTableStatusUpdate  = "table_status_update"
	TypeTableUpdateRequest = "table_update_request"
	TypePing               = "ping"
)

// DefaultKeepaliveInterval is the ping cadence while connected.
const DefaultKeepaliveInterval = 30 * time.Second

// Envelope is the typed wire frame of the push channel
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handler receives inbound envelopes on the connection's delivery goroutine.
// Handlers must not block.
type Handler func(Envelope)

// CredentialsProvider supplies the bearer token used when dialing.
type CredentialsProvider func(ctx context.Context) (string, error)

// ReconnectPolicy controls redialing after an abnormal closure. The zero
// value means no retry: the bus surfaces a synthetic error message and leaves
// reconnection to the owner.
type ReconnectPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// Options configures a Bus
type Options struct {
	Endpoint          string
	Credentials       CredentialsProvider
	KeepaliveInterval time.Duration
	Reconnect         ReconnectPolicy
}

type subscription struct {
	id uint64
	fn Handler
}

// Bus multiplexes one long-lived push connection into typed, per-subject
// subscriptions. It is the sole consumer of the transport; delivery happens
// synchronously on a single read-pump goroutine.
type Bus struct {
	opts Options

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string][]subscription
	nextID uint64
	stop   chan struct{} // closed on Disconnect, stops keepalive and redial
}

// New creates a Bus. The registry lives for the Bus lifetime; connections
// come and go underneath it.
func New(opts Options) *Bus {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}
	return &Bus{
		opts: opts,
		subs: make(map[string][]subscription),
	}
}

// Subscribe registers a handler for one subject type and returns its
// unsubscribe function. Removing the last handler for a subject never closes
// the connection.
func (b *Bus) Subscribe(subject string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[subject] = append(b.subs[subject], subscription{id: id, fn: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[subject]
		for i, s := range list {
			if s.id == id {
				b.subs[subject] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[subject]) == 0 {
			delete(b.subs, subject)
		}
	}
}

// Connect dials the push endpoint and starts the read pump and keepalive.
func (b *Bus) Connect(ctx context.Context) error {
	conn, err := b.dial(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		conn.Close()
		return fmt.Errorf("bus already connected")
	}
	b.conn = conn
	b.stop = make(chan struct{})
	stop := b.stop
	b.mu.Unlock()

	go b.readPump(conn)
	go b.keepalive(stop)
	return nil
}

func (b *Bus) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if b.opts.Credentials != nil {
		token, err := b.opts.Credentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch push credentials: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.opts.Endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("dial push channel: %w", err)
	}
	return conn, nil
}

// Disconnect performs a normal closure. No error is surfaced to subscribers
// and no reconnection is attempted.
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	if b.stop != nil {
		close(b.stop)
		b.stop = nil
	}
	b.mu.Unlock()

	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

// Publish sends an envelope on the push channel. While disconnected it is a
// logged no-op: it never errors to the caller and never queues.
func (b *Bus) Publish(env Envelope) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		log.Printf("events: publish %q while disconnected, dropped", env.Type)
		return
	}
	if err := conn.WriteJSON(env); err != nil {
		log.Printf("events: publish %q failed: %v", env.Type, err)
	}
}

// PublishJSON marshals data and publishes it under the given type.
func (b *Bus) PublishJSON(msgType string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("events: marshal %q payload: %v", msgType, err)
		return
	}
	b.Publish(Envelope{Type: msgType, Data: raw})
}

// readPump is the single delivery goroutine for one connection.
func (b *Bus) readPump(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			b.handleClosure(conn, err)
			return
		}

		var env Envelope
		if jerr := json.Unmarshal(raw, &env); jerr != nil || env.Type == "" {
			log.Printf("events: dropping unparseable frame: %v", jerr)
			continue
		}
		b.dispatch(env)
	}
}

// dispatch invokes typed handlers then wildcard handlers, in registration
// order, synchronously on the caller's goroutine.
func (b *Bus) dispatch(env Envelope) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[env.Type])+len(b.subs[SubjectAll]))
	for _, s := range b.subs[env.Type] {
		handlers = append(handlers, s.fn)
	}
	if env.Type != SubjectAll {
		for _, s := range b.subs[SubjectAll] {
			handlers = append(handlers, s.fn)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

// handleClosure tears down connection state. On abnormal closure it
// surfaces a synthetic error to wildcard subscribers and, when a reconnect
// policy is configured, redials with backoff. Normal closure is silent.
func (b *Bus) handleClosure(conn *websocket.Conn, err error) {
	b.mu.Lock()
	current := b.conn == conn
	if current {
		b.conn = nil
	}
	stopped := b.stop == nil
	b.mu.Unlock()

	conn.Close()
	if !current || stopped {
		// Disconnect already ran; this closure was requested.
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return
	}

	log.Printf("events: push channel closed abnormally: %v", err)
	b.dispatchError(err)

	if b.opts.Reconnect.MaxAttempts > 0 {
		go b.redial()
	}
}

// dispatchError synthesizes an error envelope for wildcard subscribers only.
func (b *Bus) dispatchError(cause error) {
	raw, _ := json.Marshal(map[string]string{"message": cause.Error()})
	env := Envelope{Type: TypeError, Data: raw}

	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[SubjectAll]))
	for _, s := range b.subs[SubjectAll] {
		handlers = append(handlers, s.fn)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

func (b *Bus) redial() {
	backoff := b.opts.Reconnect.Backoff
	if backoff == nil {
		backoff = func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		}
	}

	for attempt := 1; attempt <= b.opts.Reconnect.MaxAttempts; attempt++ {
		b.mu.Lock()
		stop := b.stop
		b.mu.Unlock()
		if stop == nil {
			return // Disconnect ran while we were backing off
		}

		select {
		case <-stop:
			return
		case <-time.After(backoff(attempt)):
		}

		conn, err := b.dial(context.Background())
		if err != nil {
			log.Printf("events: reconnect attempt %d/%d failed: %v",
				attempt, b.opts.Reconnect.MaxAttempts, err)
			continue
		}

		b.mu.Lock()
		if b.stop == nil {
			b.mu.Unlock()
			conn.Close()
			return
		}
		b.conn = conn
		b.mu.Unlock()

		log.Printf("events: push channel reconnected after %d attempt(s)", attempt)
		go b.readPump(conn)
		return
	}
	log.Printf("events: reconnect attempts exhausted")
}

// keepalive publishes a ping at the configured interval while connected.
// Absence of a pong is not treated as an error.
func (b *Bus) keepalive(stop chan struct{}) {
	ticker := time.NewTicker(b.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.Publish(Envelope{Type: TypePing})
		}
	}
}
