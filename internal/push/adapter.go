package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnectionError indicates the push channel could not be established for an
// identity. The client degrades to poll-only mode; nothing crashes.
type ConnectionError struct {
	Identity string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("push channel unavailable for %q: %v", e.Identity, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Handler receives the raw JSON payload of a named event.
type Handler func(payload []byte)

// envelope is the wire frame on the push channel.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Adapter owns the single live websocket connection for one identity.
// Components share it read-only: each pairs one On with the returned off.
// Delivery is at-least-once at best; the directory poll is the durability
// backstop, so dropped frames while disconnected are reconciled later.
type Adapter struct {
	identity string
	wsURL    string
	token    string
	logger   *zap.Logger

	mu       sync.Mutex
	handlers map[string]map[int]Handler
	states   map[int]func(bool)
	nextID   int

	cancel context.CancelFunc
	done   chan struct{}
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Adapter{}
)

// Connect returns the live adapter for identity, dialing a new connection
// only when none is open. Repeated calls with the same identity share one
// connection; at most one exists per identity process-wide.
func Connect(ctx context.Context, serverURL, identity, token string, logger *zap.Logger) (*Adapter, error) {
	if identity == "" {
		return nil, &ConnectionError{Identity: identity, Err: fmt.Errorf("missing identity")}
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if a, ok := registry[identity]; ok {
		return a, nil
	}

	wsURL, err := channelURL(serverURL, identity)
	if err != nil {
		return nil, &ConnectionError{Identity: identity, Err: err}
	}

	a := &Adapter{
		identity: identity,
		wsURL:    wsURL,
		token:    token,
		logger:   logger,
		handlers: map[string]map[int]Handler{},
		states:   map[int]func(bool){},
		done:     make(chan struct{}),
	}

	conn, err := a.dial(ctx)
	if err != nil {
		return nil, &ConnectionError{Identity: identity, Err: err}
	}

	ctx, a.cancel = context.WithCancel(ctx)
	go a.run(ctx, conn)

	registry[identity] = a
	return a, nil
}

// channelURL converts the server base URL into the websocket endpoint.
func channelURL(serverURL, identity string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u = u.JoinPath("/ws")
	q := u.Query()
	q.Set("identity", identity)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if a.token != "" {
		header.Set("Authorization", "Bearer "+a.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.wsURL, header)
	return conn, err
}

// On registers a handler for a named event ("newMessage"). Multiple handlers
// per event are allowed; each observes every event exactly once. Returns the
// deregistration func the caller must invoke on teardown.
func (a *Adapter) On(event string, h Handler) (off func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	if a.handlers[event] == nil {
		a.handlers[event] = map[int]Handler{}
	}
	a.handlers[event][id] = h
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.handlers[event], id)
		a.mu.Unlock()
	}
}

// OnState registers a connectivity callback, fired with true on (re)connect
// and false on loss. Returns a deregistration func.
func (a *Adapter) OnState(fn func(connected bool)) (off func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.states[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.states, id)
		a.mu.Unlock()
	}
}

// Close tears down the connection and removes the adapter from the registry.
// Only the owner of the session lifecycle calls this; subscribers use their
// off funcs.
func (a *Adapter) Close() {
	registryMu.Lock()
	delete(registry, a.identity)
	registryMu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	<-a.done
}

// run reads frames until ctx is cancelled, redialing with backoff on loss.
// No backlog replay exists on reconnect; the poller fills the gap.
func (a *Adapter) run(ctx context.Context, conn *websocket.Conn) {
	defer close(a.done)

	a.notifyState(true)
	for {
		err := a.readLoop(ctx, conn)
		if ctx.Err() != nil {
			_ = conn.Close()
			return
		}
		if a.logger != nil {
			a.logger.Warn("push channel lost, reconnecting", zap.Error(err))
		}
		a.notifyState(false)
		_ = conn.Close()

		conn = a.redial(ctx)
		if conn == nil {
			return
		}
		a.notifyState(true)
	}
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// The watcher lives only as long as this connection; the deferred cancel
	// releases it when the read loop returns.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			if a.logger != nil {
				a.logger.Warn("malformed push frame", zap.Error(err))
			}
			continue
		}
		a.dispatch(env.Event, env.Payload)
	}
}

func (a *Adapter) redial(ctx context.Context) *websocket.Conn {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		conn, err := a.dial(ctx)
		if err == nil {
			if a.logger != nil {
				a.logger.Info("push channel reconnected")
			}
			return conn
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (a *Adapter) dispatch(event string, payload []byte) {
	a.mu.Lock()
	hs := make([]Handler, 0, len(a.handlers[event]))
	for _, h := range a.handlers[event] {
		hs = append(hs, h)
	}
	a.mu.Unlock()

	for _, h := range hs {
		h(payload)
	}
}

func (a *Adapter) notifyState(connected bool) {
	a.mu.Lock()
	fns := make([]func(bool), 0, len(a.states))
	for _, fn := range a.states {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}
