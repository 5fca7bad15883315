// Package backend spawns and supervises the worker processes that speak
// the legacy network protocols, and multiplexes users across them.
package backend

import (
	"errors"
	"net"
	"sync"

	"github.com/meszmate/transgate/internal/session"
	"github.com/meszmate/transgate/internal/wire"
)

// ErrClientClosed is returned when writing to a client whose stream is gone.
var ErrClientClosed = errors.New("backend: client closed")

// Client is the gateway-side endpoint of one backend worker connection.
type Client struct {
	id int64

	mu           sync.Mutex
	conn         net.Conn
	users        map[string]*session.User
	pongReceived bool
	closed       bool

	dec wire.Decoder
}

func newClient(id int64, conn net.Conn) *Client {
	return &Client{
		id:           id,
		conn:         conn,
		users:        make(map[string]*session.User),
		pongReceived: true,
	}
}

// ID returns the client's supervisor-assigned id.
func (c *Client) ID() int64 {
	return c.id
}

// Send frames and writes one envelope to the worker.
func (c *Client) Send(t wire.Type, payload []byte) error {
	frame := wire.EncodeFrame(wire.Wrap(t, payload))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	_, err := c.conn.Write(frame)
	return err
}

// Close shuts the stream down. The reader goroutine notices and runs the
// supervisor cleanup.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}

// AddUser assigns a user to this worker.
func (c *Client) AddUser(u *session.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[u.JID().String()] = u
}

// RemoveUser detaches a user from this worker.
func (c *Client) RemoveUser(u *session.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.users, u.JID().String())
}

// Users returns the users currently assigned to this worker.
func (c *Client) Users() []*session.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*session.User, 0, len(c.users))
	for _, u := range c.users {
		out = append(out, u)
	}
	return out
}

// UserCount returns the number of assigned users.
func (c *Client) UserCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}

// PongReceived reports whether the worker answered the last PING.
func (c *Client) PongReceived() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pongReceived
}

func (c *Client) setPongReceived(v bool) {
	c.mu.Lock()
	c.pongReceived = v
	c.mu.Unlock()
}
