package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dispatchgrid/consolehub/globals"
)

const sendChannelSize = 256

// Connection states. A connection starts out Connecting, becomes Open when
// the hub registers it and ends up Closed on explicit close, protocol error
// or liveness eviction. There is no way back from Closed.
const (
	StateConnecting int32 = iota
	StateOpen
	StateClosed
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	conn Conn

	// Buffered channel of outbound frames. Closed by the hub when the client
	// is removed.
	Send chan []byte

	// flips to false at each liveness sweep and back to true on a pong
	alive int32

	state int32

	mu        sync.Mutex
	abonentId string
}

func newClient(hub *Hub, conn Conn, abonentId string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		Send:      make(chan []byte, sendChannelSize),
		alive:     1,
		state:     StateConnecting,
		abonentId: abonentId,
	}
}

func (c *Client) Alive() bool { return atomic.LoadInt32(&c.alive) == 1 }

func (c *Client) SetAlive(alive bool) {
	var v int32
	if alive {
		v = 1
	}
	atomic.StoreInt32(&c.alive, v)
}

func (c *Client) State() int32 { return atomic.LoadInt32(&c.state) }

func (c *Client) setState(s int32) { atomic.StoreInt32(&c.state, s) }

func (c *Client) AbonentId() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abonentId
}

func (c *Client) setAbonentId(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abonentId = id
}

func (c *Client) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// ReadLoop pumps frames from the websocket connection into the hub dispatch.
// Frames from the same connection are handled in arrival order. The
// application runs ReadLoop in a per-connection goroutine, so there is at
// most one reader on a connection.
func (c *Client) ReadLoop() {
	defer func() {
		c.conn.Close()
		c.hub.removeClient(c)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		c.SetAlive(true)
		c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait()))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				globals.AppLogger.Info("connection closed unexpectedly", "remote", c.RemoteAddr(), "error", err)
			}
			return
		}
		c.hub.handleFrame(c, raw)
	}
}

// WriteLoop pumps frames from the hub to the websocket connection. One
// WriteLoop goroutine per connection ensures there is at most one writer.
func (c *Client) WriteLoop() {
	defer c.conn.Close()
	for data := range c.Send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			globals.AppLogger.Info("could not write to connection, exiting write loop", "remote", c.RemoteAddr())
			return
		}
	}
	// the hub closed the channel
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
