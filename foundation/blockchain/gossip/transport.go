// Package gossip provides the persistent websocket connections used to flood
// transactions, blocks, proposals and votes between nodes.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/seagullcoin/blockchain/foundation/blockchain/peer"
	"github.com/seagullcoin/blockchain/foundation/metrics"
)

// Set of errors reported by the transport.
var (
	ErrMalformedMessage  = errors.New("malformed message")
	ErrConnectionFailure = errors.New("connection failure")
	ErrShutdown          = errors.New("gossip transport is shut down")
)

// Default settings for the transport.
const (
	DefaultDialTimeout    = 5 * time.Second
	DefaultRetryDelay     = 3 * time.Second
	DefaultPingInterval   = 20 * time.Second
	DefaultSeenCacheSize  = 10_000
	DefaultSendQueue      = 256
	DefaultMaxMessageSize = 16 << 20
)

// EventHandler defines a function that is called when events
// occur in the processing of connections.
type EventHandler func(v string, args ...any)

// Handler is the node logic messages are delivered to.
type Handler interface {

	// HandleMessage processes a message received from the sender. For
	// flooded types returning true relays the message to every other peer.
	HandleMessage(ctx context.Context, from Sender, env Envelope) bool

	// Hello returns the status sent to a peer when a connection opens.
	Hello() peer.PeerStatus
}

// Config represents the configuration required to start the transport.
type Config struct {
	Host          string
	Handler       Handler
	DialTimeout   time.Duration
	RetryDelay    time.Duration
	PingInterval  time.Duration
	SeenCacheSize int
	SendQueue     int
	EvHandler     EventHandler
}

// PeerInfo describes a connection for status reporting.
type PeerInfo struct {
	Host    string    `json:"host"`
	State   ConnState `json:"state"`
	Inbound bool      `json:"inbound"`
}

// Transport manages the set of gossip connections for a node.
type Transport struct {
	host           string
	handler        Handler
	dialTimeout    time.Duration
	retryDelay     time.Duration
	pingInterval   time.Duration
	pongWait       time.Duration
	writeWait      time.Duration
	maxMessageSize int64
	sendQueue      int
	evHandler      EventHandler

	seen     *lru.Cache[string, struct{}]
	upgrader websocket.Upgrader
	dialer   websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	conns   map[*Conn]struct{}
	dialers map[string]ConnState
}

// New constructs a transport for use.
func New(cfg Config) (*Transport, error) {
	if cfg.Handler == nil {
		return nil, errors.New("gossip handler is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = DefaultSeenCacheSize
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	seen, err := lru.New[string, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("seen cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := Transport{
		host:           cfg.Host,
		handler:        cfg.Handler,
		dialTimeout:    cfg.DialTimeout,
		retryDelay:     cfg.RetryDelay,
		pingInterval:   cfg.PingInterval,
		pongWait:       2 * cfg.PingInterval,
		writeWait:      cfg.DialTimeout,
		maxMessageSize: DefaultMaxMessageSize,
		sendQueue:      cfg.SendQueue,
		evHandler:      ev,
		seen:           seen,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*Conn]struct{}),
		dialers: make(map[string]ConnState),
	}

	return &t, nil
}

// Shutdown closes every connection, stops the dial loops and waits for all
// goroutines to finish.
func (t *Transport) Shutdown() {
	t.evHandler("gossip: shutdown: started")
	defer t.evHandler("gossip: shutdown: completed")

	// Cancel under the lock so no goroutine can be added after the wait
	// starts.
	t.mu.Lock()
	t.cancel()
	t.mu.Unlock()

	t.wg.Wait()
}

// Connect starts maintaining an outbound connection to the peer. Calling it
// again for the same host does nothing. The returned bool reports whether a
// new dial loop was started.
func (t *Transport) Connect(host string) bool {
	if host == "" || host == t.host {
		return false
	}

	t.mu.Lock()
	if _, exists := t.dialers[host]; exists || t.ctx.Err() != nil {
		t.mu.Unlock()
		return false
	}
	t.dialers[host] = Connecting
	t.wg.Add(1)
	t.mu.Unlock()

	go t.dialLoop(host)

	return true
}

// Upgrade turns an inbound http request into a gossip connection. It blocks
// until the connection closes.
func (t *Transport) Upgrade(w http.ResponseWriter, r *http.Request) error {
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return ErrShutdown
	}
	t.wg.Add(1)
	t.mu.Unlock()

	defer t.wg.Done()

	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrading: %w", err)
	}

	c := newConn(t, ws, r.RemoteAddr, true)
	t.serve(c)

	return nil
}

// Broadcast sends a locally originated message to every open connection.
// Flooded types are marked as seen first so they aren't processed again
// when a peer relays them back.
func (t *Transport) Broadcast(env Envelope) int {
	if key, flooded := env.Key(); flooded {
		t.seen.Add(key, struct{}{})
	}

	return t.relay(env, nil)
}

// Peers returns the state of every connection and dial loop.
func (t *Transport) Peers() []PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := make([]PeerInfo, 0, len(t.conns)+len(t.dialers))
	for host, state := range t.dialers {
		peers = append(peers, PeerInfo{Host: host, State: state})
	}
	for c := range t.conns {
		if c.inbound {
			peers = append(peers, PeerInfo{Host: c.host, State: c.State(), Inbound: true})
		}
	}

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Host < peers[j].Host
	})

	return peers
}

// Connected returns the number of open connections.
func (t *Transport) Connected() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.conns)
}

// =============================================================================

// dialLoop keeps an outbound connection to the host open until shutdown.
func (t *Transport) dialLoop(host string) {
	defer t.wg.Done()

	t.evHandler("gossip: dialLoop: %s: G started", host)
	defer t.evHandler("gossip: dialLoop: %s: G completed", host)

	for {
		t.setDialState(host, Connecting)

		ws, err := t.dial(host)
		switch {
		case err != nil:
			t.evHandler("gossip: dialLoop: %s: %v", host, err)

		default:
			t.evHandler("gossip: dialLoop: %s: connected", host)
			t.setDialState(host, Open)
			t.serve(newConn(t, ws, host, false))
			t.evHandler("gossip: dialLoop: %s: disconnected", host)
		}

		t.setDialState(host, Closed)

		select {
		case <-t.ctx.Done():
			return
		case <-time.After(t.retryDelay):
		}
	}
}

// dial opens a websocket to the peer within the dial timeout.
func (t *Transport) dial(host string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.dialTimeout)
	defer cancel()

	ws, resp, err := t.dialer.DialContext(ctx, peer.New(host).GossipURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailure, host, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	return ws, nil
}

// serve registers the connection, greets the peer and pumps messages until
// the connection closes.
func (t *Transport) serve(c *Conn) {
	t.mu.Lock()
	t.conns[c] = struct{}{}
	metrics.PeersConnected.Set(float64(len(t.conns)))
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.conns, c)
		metrics.PeersConnected.Set(float64(len(t.conns)))
		t.mu.Unlock()
	}()

	c.Send(NewHelloMessage(t.handler.Hello()))

	if err := c.run(t.ctx); err != nil && t.ctx.Err() == nil {
		t.evHandler("gossip: serve: %s: %v", c.host, err)
	}
	c.state.Store(int32(Closed))
}

// receive hands a decoded message to the handler and relays it onward when
// asked to.
func (t *Transport) receive(ctx context.Context, from *Conn, env Envelope) {
	if !env.Known() {
		metrics.GossipDropped.WithLabelValues("unknown_type").Inc()
		t.evHandler("gossip: receive: %s: ignoring unknown message type %q", from.host, env.Type)
		return
	}

	metrics.GossipReceived.WithLabelValues(string(env.Type)).Inc()

	key, flooded := env.Key()
	if flooded {
		if seen, _ := t.seen.ContainsOrAdd(key, struct{}{}); seen {
			return
		}
	}

	relay := t.handler.HandleMessage(ctx, from, env)
	if relay && flooded {
		t.relay(env, from)
	}
}

// relay sends the message to every open connection except the sender.
func (t *Transport) relay(env Envelope, except *Conn) int {
	t.mu.RLock()
	conns := make([]*Conn, 0, len(t.conns))
	for c := range t.conns {
		if c != except {
			conns = append(conns, c)
		}
	}
	t.mu.RUnlock()

	var sent int
	for _, c := range conns {
		if c.Send(env) {
			sent++
		}
	}

	return sent
}

// setDialState records the state of an outbound dial loop.
func (t *Transport) setDialState(host string, state ConnState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dialers[host] = state
}
