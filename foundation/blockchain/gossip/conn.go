package gossip

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/seagullcoin/blockchain/foundation/metrics"
	"golang.org/x/sync/errgroup"
)

// ConnState represents where a connection is in its life.
type ConnState int32

// Set of connection states. A closed outbound connection goes back to
// connecting after the retry delay.
const (
	Connecting ConnState = iota
	Open
	Closed
)

// String implements the fmt.Stringer interface.
func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// MarshalText implements the encoding.TextMarshaler interface.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Sender represents the peer a message arrived from. Handlers use it to
// answer point to point requests.
type Sender interface {
	Host() string
	Send(env Envelope) bool
}

// Conn represents a single websocket connection to a peer.
type Conn struct {
	t       *Transport
	ws      *websocket.Conn
	host    string
	inbound bool
	send    chan []byte
	state   atomic.Int32
}

func newConn(t *Transport, ws *websocket.Conn, host string, inbound bool) *Conn {
	c := Conn{
		t:       t,
		ws:      ws,
		host:    host,
		inbound: inbound,
		send:    make(chan []byte, t.sendQueue),
	}
	c.state.Store(int32(Open))

	return &c
}

// Host returns the address of the peer.
func (c *Conn) Host() string {
	return c.host
}

// State returns the current state of the connection.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Send queues the envelope for the peer. If the peer is not keeping up the
// message is dropped and false is returned.
func (c *Conn) Send(env Envelope) bool {
	if c.State() != Open {
		return false
	}

	data, err := json.Marshal(env)
	if err != nil {
		c.t.evHandler("gossip: send: %s: encoding %s: %v", c.host, env.Type, err)
		return false
	}

	select {
	case c.send <- data:
		metrics.GossipSent.WithLabelValues(string(env.Type)).Inc()
		return true
	default:
		metrics.GossipDropped.WithLabelValues("queue_full").Inc()
		c.t.evHandler("gossip: send: %s: queue full, dropping %s", c.host, env.Type)
		return false
	}
}

// run pumps messages in both directions until the connection fails or the
// context is cancelled.
func (c *Conn) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		c.state.Store(int32(Closed))
		return c.ws.Close()
	})

	g.Go(func() error {
		return c.readPump(ctx)
	})

	g.Go(func() error {
		return c.writePump(ctx)
	})

	return g.Wait()
}

// readPump reads frames until the connection fails. A frame that can't be
// decoded is logged and dropped.
func (c *Conn) readPump(ctx context.Context) error {
	c.ws.SetReadLimit(c.t.maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.t.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.t.pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		env, err := Decode(data)
		if err != nil {
			metrics.GossipDropped.WithLabelValues("malformed").Inc()
			c.t.evHandler("gossip: readPump: %s: %v", c.host, err)
			continue
		}

		c.t.receive(ctx, c, env)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *Conn) writePump(ctx context.Context) error {
	ticker := time.NewTicker(c.t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.t.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.t.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}

		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.t.writeWait))
			return nil
		}
	}
}
