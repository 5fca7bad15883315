// Package backend is the library for writing transgate backend processes:
// it keeps the framed envelope stream to the gateway, answers heartbeats
// and dispatches gateway commands to a Handler.
package backend

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/meszmate/transgate/internal/logging"
	"github.com/meszmate/transgate/internal/wire"
)

// defaultPingTimeout is how long the worker survives without a gateway
// PING before it assumes the gateway is gone and exits.
const defaultPingTimeout = 30 * time.Second

// Handler receives the gateway's commands. Every method runs on the
// connection's read goroutine.
type Handler interface {
	HandleLogin(user, legacyName, password string)
	HandleLogout(user, legacyName string)
	HandleMessage(user, legacyName, message string)
	HandleJoinRoom(user, room, nickname, password string)
	HandleLeaveRoom(user, room string)
}

// Conn is one worker's stream to the gateway.
type Conn struct {
	mu      sync.Mutex
	conn    net.Conn
	handler Handler

	pingTimeout time.Duration
	pinged      chan struct{}
	done        chan struct{}
	closeOnce   sync.Once

	log *logging.Logger
}

// Dial connects back to the gateway's backend listener.
func Dial(host string, port int, handler Handler) (*Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("backend: cannot reach gateway at %s: %w", addr, err)
	}
	return newConn(conn, handler), nil
}

func newConn(conn net.Conn, handler Handler) *Conn {
	return &Conn{
		conn:        conn,
		handler:     handler,
		pingTimeout: defaultPingTimeout,
		pinged:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		log:         logging.Component("backend"),
	}
}

// Run serves the stream until it breaks or the gateway stops pinging.
func (c *Conn) Run() error {
	go c.watchdog()
	defer c.Close()

	var dec wire.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			for {
				payload, derr := dec.Next()
				if derr != nil {
					return fmt.Errorf("backend: bad frame from gateway: %w", derr)
				}
				if payload == nil {
					break
				}
				if herr := c.handleEnvelope(payload); herr != nil {
					return herr
				}
			}
		}
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			return fmt.Errorf("backend: gateway stream lost: %w", err)
		}
	}
}

// Close shuts the stream down.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// watchdog exits the stream when the gateway goes silent.
func (c *Conn) watchdog() {
	timer := time.NewTimer(c.pingTimeout)
	defer timer.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.pinged:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.pingTimeout)
		case <-timer.C:
			c.log.Error("no ping from the gateway for %v, exiting", c.pingTimeout)
			c.conn.Close()
			return
		}
	}
}

func (c *Conn) handleEnvelope(payload []byte) error {
	w, err := wire.ParseWrapper(payload)
	if err != nil {
		return fmt.Errorf("backend: bad envelope from gateway: %w", err)
	}

	switch w.Type {
	case wire.TypePing:
		select {
		case c.pinged <- struct{}{}:
		default:
		}
		return c.send(wire.TypePong, nil)
	case wire.TypePong:
		// We never ping; tolerate it anyway.
	case wire.TypeLogin:
		m, err := wire.ParseLogin(w.Payload)
		if err != nil {
			return err
		}
		c.handler.HandleLogin(m.User, m.LegacyName, m.Password)
	case wire.TypeLogout:
		m, err := wire.ParseLogout(w.Payload)
		if err != nil {
			return err
		}
		c.handler.HandleLogout(m.User, m.LegacyName)
	case wire.TypeConvMessage:
		m, err := wire.ParseConversationMessage(w.Payload)
		if err != nil {
			return err
		}
		c.handler.HandleMessage(m.User, m.BuddyName, m.Message)
	case wire.TypeJoinRoom:
		m, err := wire.ParseRoom(w.Payload)
		if err != nil {
			return err
		}
		c.handler.HandleJoinRoom(m.User, m.Room, m.Nickname, m.Password)
	case wire.TypeLeaveRoom:
		m, err := wire.ParseRoom(w.Payload)
		if err != nil {
			return err
		}
		c.handler.HandleLeaveRoom(m.User, m.Room)
	default:
		c.log.Debug("envelope %v ignored", w.Type)
	}
	return nil
}

func (c *Conn) send(t wire.Type, payload []byte) error {
	frame := wire.EncodeFrame(wire.Wrap(t, payload))
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(frame)
	return err
}

// SendConnected reports an established legacy session.
func (c *Conn) SendConnected(user, legacyName string) error {
	m := wire.Connected{User: user, LegacyName: legacyName}
	return c.send(wire.TypeConnected, m.Marshal())
}

// SendDisconnected reports a terminated legacy session.
func (c *Conn) SendDisconnected(user, legacyName string, code int32, message string) error {
	m := wire.Disconnected{User: user, LegacyName: legacyName, Error: code, Message: message}
	return c.send(wire.TypeDisconnected, m.Marshal())
}

// SendMessage delivers a legacy message to the gateway. For room messages
// nickname names the sending occupant.
func (c *Conn) SendMessage(user, buddyName, message, nickname string) error {
	m := wire.ConversationMessage{User: user, BuddyName: buddyName, Message: message, Nickname: nickname}
	return c.send(wire.TypeConvMessage, m.Marshal())
}

// SendSubject delivers a room subject change.
func (c *Conn) SendSubject(user, room, subject, nickname string) error {
	m := wire.ConversationMessage{User: user, BuddyName: room, Message: subject, Nickname: nickname}
	return c.send(wire.TypeRoomSubjectChanged, m.Marshal())
}

// SendBuddyChanged pushes a roster update.
func (c *Conn) SendBuddyChanged(user string, b *wire.Buddy) error {
	m := *b
	m.User = user
	return c.send(wire.TypeBuddyChanged, m.Marshal())
}

// SendParticipantChanged pushes a room occupant change.
func (c *Conn) SendParticipantChanged(user string, p *wire.Participant) error {
	m := *p
	m.User = user
	return c.send(wire.TypeParticipantChanged, m.Marshal())
}

// SendRoomNicknameChanged reports the user's own nickname in a room.
func (c *Conn) SendRoomNicknameChanged(user, room, nickname string) error {
	m := wire.Room{User: user, Room: room, Nickname: nickname}
	return c.send(wire.TypeRoomNicknameChanged, m.Marshal())
}
