package backend

import (
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/meszmate/transgate/internal/logging"
	"github.com/meszmate/transgate/internal/session"
	"github.com/meszmate/transgate/internal/wire"
	"github.com/meszmate/transgate/internal/xmpp"
)

// maxUsersPerClient caps how many users share one worker process.
const maxUsersPerClient = 1

// defaultPingInterval is the heartbeat period.
const defaultPingInterval = 10 * time.Second

// disconnectNotice is sent to users whose worker died under them.
const disconnectNotice = "Internal Server Error, please reconnect."

// SpawnFunc launches one backend worker process. Tests inject a fake.
type SpawnFunc func(host string, port int, configPath string) error

// Options configures a supervisor.
type Options struct {
	// Host and Port are the address backend workers connect back to.
	Host string
	Port int
	// BackendPath is the worker executable.
	BackendPath string
	// ConfigPath is handed to the worker as its last argument.
	ConfigPath string
	// PingInterval overrides the heartbeat period. Zero means the default.
	PingInterval time.Duration
	// Spawn overrides process launching. Nil means exec BackendPath.
	Spawn SpawnFunc
}

// Supervisor listens for backend worker connections, spawns workers on
// demand, assigns users to them and routes their envelopes.
type Supervisor struct {
	opts  Options
	users *session.Manager
	spawn SpawnFunc

	mu       sync.Mutex
	listener net.Listener
	clients  []*Client
	waiters  []*session.User
	nextID   int64
	stopped  bool

	done chan struct{}

	log *logging.Logger
}

// NewSupervisor creates a supervisor and hooks it into the user manager's
// lifecycle signals.
func NewSupervisor(opts Options, users *session.Manager) *Supervisor {
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}

	s := &Supervisor{
		opts:  opts,
		users: users,
		spawn: opts.Spawn,
		done:  make(chan struct{}),
		log:   logging.Component("backend"),
	}
	if s.spawn == nil {
		s.spawn = s.spawnProcess
	}

	users.OnUserCreated(s.handleUserCreated)
	users.OnUserDestroyed(s.handleUserDestroyed)
	users.SetSendToLegacy(s.SendConvMessage)

	return s
}

// Start binds the worker listener, launches the first worker and starts the
// heartbeat.
func (s *Supervisor) Start() error {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("backend: cannot listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.log.Info("listening for backends on %s", addr)

	go s.acceptLoop(l)
	go s.heartbeatLoop()

	s.spawnWorker()
	return nil
}

// Stop closes the listener and every worker stream.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	l := s.listener
	clients := make([]*Client, len(s.clients))
	copy(clients, s.clients)
	s.mu.Unlock()

	close(s.done)
	if l != nil {
		l.Close()
	}
	for _, c := range clients {
		c.Close()
	}
}

// ClientCount returns the number of connected workers.
func (s *Supervisor) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Supervisor) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Error("accept failed: %v", err)
			}
			return
		}
		s.HandleConnection(conn)
	}
}

// HandleConnection registers one fresh worker stream, hands it any waiting
// user and starts its reader.
func (s *Supervisor) HandleConnection(conn net.Conn) *Client {
	s.mu.Lock()
	s.nextID++
	c := newClient(s.nextID, conn)
	s.clients = append(s.clients, c)

	var attached []*session.User
	for len(s.waiters) > 0 && len(attached) < maxUsersPerClient {
		u := s.waiters[0]
		s.waiters = s.waiters[1:]
		attached = append(attached, u)
	}
	s.mu.Unlock()

	s.log.Info("backend %d connected from %s", c.ID(), conn.RemoteAddr())

	for _, u := range attached {
		c.AddUser(u)
		u.SetBackendData(c)
		s.sendLogin(c, u)
	}

	s.sendPing(c)

	go s.readLoop(c)
	return c
}

func (s *Supervisor) readLoop(c *Client) {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.dec.Write(buf[:n])
			for {
				payload, derr := c.dec.Next()
				if derr != nil {
					s.log.Error("backend %d sent a bad frame: %v", c.ID(), derr)
					c.Close()
					s.handleSessionFinished(c)
					return
				}
				if payload == nil {
					break
				}
				if !s.handleEnvelope(c, payload) {
					c.Close()
					s.handleSessionFinished(c)
					return
				}
			}
		}
		if err != nil {
			s.handleSessionFinished(c)
			return
		}
	}
}

// handleEnvelope dispatches one decoded envelope. A false return means the
// worker violated the protocol and its stream must be terminated.
func (s *Supervisor) handleEnvelope(c *Client, payload []byte) bool {
	w, err := wire.ParseWrapper(payload)
	if err != nil {
		s.log.Error("backend %d sent a bad envelope: %v", c.ID(), err)
		return false
	}

	switch w.Type {
	case wire.TypeConnected:
		m, err := wire.ParseConnected(w.Payload)
		if err != nil {
			s.log.Error("backend %d: %v", c.ID(), err)
			return false
		}
		s.handleConnected(m)
	case wire.TypeDisconnected:
		m, err := wire.ParseDisconnected(w.Payload)
		if err != nil {
			s.log.Error("backend %d: %v", c.ID(), err)
			return false
		}
		s.handleDisconnected(m)
	case wire.TypeConvMessage:
		m, err := wire.ParseConversationMessage(w.Payload)
		if err != nil {
			s.log.Error("backend %d: %v", c.ID(), err)
			return false
		}
		s.handleConvMessage(m, false)
	case wire.TypeRoomSubjectChanged:
		m, err := wire.ParseConversationMessage(w.Payload)
		if err != nil {
			s.log.Error("backend %d: %v", c.ID(), err)
			return false
		}
		s.handleConvMessage(m, true)
	case wire.TypeBuddyChanged:
		m, err := wire.ParseBuddy(w.Payload)
		if err != nil {
			s.log.Error("backend %d: %v", c.ID(), err)
			return false
		}
		s.handleBuddyChanged(m)
	case wire.TypeParticipantChanged:
		m, err := wire.ParseParticipant(w.Payload)
		if err != nil {
			s.log.Error("backend %d: %v", c.ID(), err)
			return false
		}
		s.handleParticipantChanged(m)
	case wire.TypeRoomNicknameChanged:
		m, err := wire.ParseRoom(w.Payload)
		if err != nil {
			s.log.Error("backend %d: %v", c.ID(), err)
			return false
		}
		s.handleRoomNicknameChanged(m)
	case wire.TypePong:
		c.setPongReceived(true)
	case wire.TypePing:
		if err := c.Send(wire.TypePong, nil); err != nil {
			s.log.Warn("pong to backend %d failed: %v", c.ID(), err)
		}
	default:
		s.log.Error("backend %d sent unknown envelope type %v", c.ID(), w.Type)
		return false
	}
	return true
}

func (s *Supervisor) handleConnected(m *wire.Connected) {
	u := s.users.User(m.User)
	if u == nil {
		s.log.Info("CONNECTED for unknown user %s dropped", m.User)
		return
	}
	s.log.Info("user %s connected to legacy network as %s", m.User, m.LegacyName)
	u.SetConnected(true)
	u.Roster().SendPresences()
}

func (s *Supervisor) handleDisconnected(m *wire.Disconnected) {
	u := s.users.User(m.User)
	if u == nil {
		s.log.Info("DISCONNECTED for unknown user %s dropped", m.User)
		return
	}
	u.HandleDisconnected(m.Message)
}

func (s *Supervisor) handleConvMessage(m *wire.ConversationMessage, subject bool) {
	u := s.users.User(m.User)
	if u == nil {
		s.log.Info("message for unknown user %s dropped", m.User)
		return
	}

	conv := u.Conversations().GetOrCreate(m.BuddyName)
	msg := &xmpp.Message{}
	if subject {
		msg.Subject = m.Message
	} else {
		msg.Body = m.Message
	}
	conv.HandleMessage(msg, m.Nickname)
}

func (s *Supervisor) handleBuddyChanged(m *wire.Buddy) {
	u := s.users.User(m.User)
	if u == nil {
		s.log.Info("buddy update for unknown user %s dropped", m.User)
		return
	}
	u.Roster().HandleBuddyChanged(m)
}

func (s *Supervisor) handleParticipantChanged(m *wire.Participant) {
	u := s.users.User(m.User)
	if u == nil {
		s.log.Info("participant update for unknown user %s dropped", m.User)
		return
	}
	conv := u.Conversations().Get(m.Room)
	if conv == nil {
		s.log.Info("participant update for unknown room %s dropped", m.Room)
		return
	}
	conv.HandleParticipantChanged(m.Nickname, m.Flag, m.Status, m.StatusMessage, m.Newname)
}

func (s *Supervisor) handleRoomNicknameChanged(m *wire.Room) {
	u := s.users.User(m.User)
	if u == nil {
		s.log.Info("nickname update for unknown user %s dropped", m.User)
		return
	}
	conv := u.Conversations().Get(m.Room)
	if conv == nil {
		s.log.Info("nickname update for unknown room %s dropped", m.Room)
		return
	}
	conv.SetNickname(m.Nickname)
}

// handleSessionFinished runs once per dead worker stream: it disconnects the
// worker's users and keeps a free worker available.
func (s *Supervisor) handleSessionFinished(c *Client) {
	s.mu.Lock()
	found := false
	for i, other := range s.clients {
		if other == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			found = true
			break
		}
	}
	stopped := s.stopped
	s.mu.Unlock()

	if !found {
		return
	}

	c.Close()
	s.log.Info("backend %d disconnected", c.ID())

	for _, u := range c.Users() {
		c.RemoveUser(u)
		u.SetBackendData(nil)
		u.HandleDisconnected(disconnectNotice)
	}

	if stopped {
		return
	}
	if s.freeClient() == nil {
		s.spawnWorker()
	}
}

func (s *Supervisor) heartbeatLoop() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.heartbeatTick()
		}
	}
}

// heartbeatTick pings every live worker. A worker that never answered the
// previous ping is declared dead.
func (s *Supervisor) heartbeatTick() {
	s.mu.Lock()
	clients := make([]*Client, len(s.clients))
	copy(clients, s.clients)
	s.mu.Unlock()

	for _, c := range clients {
		if !c.PongReceived() {
			s.log.Error("backend %d missed a heartbeat, closing it", c.ID())
			c.Close()
			s.handleSessionFinished(c)
			continue
		}
		s.sendPing(c)
	}
}

func (s *Supervisor) sendPing(c *Client) {
	c.setPongReceived(false)
	if err := c.Send(wire.TypePing, nil); err != nil {
		s.log.Warn("ping to backend %d failed: %v", c.ID(), err)
		s.handleSessionFinished(c)
	}
}

// handleUserCreated assigns a worker to a fresh session, spawning one when
// every worker is full.
func (s *Supervisor) handleUserCreated(u *session.User) {
	u.OnRoomJoined(s.handleRoomJoined)
	u.OnRoomLeft(s.handleRoomLeft)

	c := s.getFreeClient()
	if c == nil {
		s.mu.Lock()
		s.waiters = append(s.waiters, u)
		s.mu.Unlock()
		s.spawnWorker()
		return
	}

	c.AddUser(u)
	u.SetBackendData(c)
	u.OnReadyToConnect(func(u *session.User) {
		s.sendLogin(c, u)
	})
}

// handleUserDestroyed logs the user out of its worker and recycles an empty
// worker.
func (s *Supervisor) handleUserDestroyed(u *session.User) {
	s.mu.Lock()
	for i, w := range s.waiters {
		if w == u {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	data := u.BackendData()
	if data == nil {
		return
	}
	c, ok := data.(*Client)
	if !ok {
		return
	}

	creds := u.Credentials()
	payload := wire.Logout{User: u.JID().String(), LegacyName: creds.LegacyName}
	if err := c.Send(wire.TypeLogout, payload.Marshal()); err != nil {
		s.log.Warn("logout for %s failed: %v", u.JID(), err)
	}

	c.RemoveUser(u)
	u.SetBackendData(nil)

	if c.UserCount() == 0 {
		c.Close()
		s.handleSessionFinished(c)
	}
}

func (s *Supervisor) handleRoomJoined(u *session.User, room, nickname, password string) {
	c := s.clientFor(u)
	if c == nil {
		return
	}
	payload := wire.Room{User: u.JID().String(), Nickname: nickname, Room: room, Password: password}
	if err := c.Send(wire.TypeJoinRoom, payload.Marshal()); err != nil {
		s.log.Warn("join room for %s failed: %v", u.JID(), err)
	}
}

func (s *Supervisor) handleRoomLeft(u *session.User, room string) {
	c := s.clientFor(u)
	if c == nil {
		return
	}
	payload := wire.Room{User: u.JID().String(), Room: room}
	if err := c.Send(wire.TypeLeaveRoom, payload.Marshal()); err != nil {
		s.log.Warn("leave room for %s failed: %v", u.JID(), err)
	}
}

// SendConvMessage forwards a user's outbound message to its worker.
func (s *Supervisor) SendConvMessage(u *session.User, legacyName, body string) {
	c := s.clientFor(u)
	if c == nil {
		s.log.Info("message from %s dropped, no backend attached", u.JID())
		return
	}
	payload := wire.ConversationMessage{User: u.JID().String(), BuddyName: legacyName, Message: body}
	if err := c.Send(wire.TypeConvMessage, payload.Marshal()); err != nil {
		s.log.Warn("message from %s failed: %v", u.JID(), err)
	}
}

func (s *Supervisor) sendLogin(c *Client, u *session.User) {
	creds := u.Credentials()
	payload := wire.Login{User: u.JID().String(), LegacyName: creds.LegacyName, Password: creds.Password}
	if err := c.Send(wire.TypeLogin, payload.Marshal()); err != nil {
		s.log.Warn("login for %s failed: %v", u.JID(), err)
	}
}

func (s *Supervisor) clientFor(u *session.User) *Client {
	data := u.BackendData()
	if data == nil {
		return nil
	}
	c, _ := data.(*Client)
	return c
}

func (s *Supervisor) freeClient() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.UserCount() < maxUsersPerClient {
			return c
		}
	}
	return nil
}

// getFreeClient returns a worker with a free slot. Handing out the last
// slot pre-spawns a replacement so the next user never waits.
func (s *Supervisor) getFreeClient() *Client {
	c := s.freeClient()
	if c == nil {
		return nil
	}
	if c.UserCount()+1 >= maxUsersPerClient {
		s.spawnWorker()
	}
	return c
}

func (s *Supervisor) spawnWorker() {
	if err := s.spawn(s.opts.Host, s.opts.Port, s.opts.ConfigPath); err != nil {
		s.log.Error("cannot spawn backend: %v", err)
	}
}

// spawnProcess launches the configured worker executable. The child is
// reaped by a goroutine so it never lingers as a zombie.
func (s *Supervisor) spawnProcess(host string, port int, configPath string) error {
	cmd := exec.Command(s.opts.BackendPath,
		"--host", host,
		"--port", strconv.Itoa(port),
		configPath)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("backend: cannot start %s: %w", s.opts.BackendPath, err)
	}
	s.log.Info("spawned backend %s (pid %d)", s.opts.BackendPath, cmd.Process.Pid)
	go func() {
		if err := cmd.Wait(); err != nil {
			s.log.Info("backend pid %d exited: %v", cmd.Process.Pid, err)
		}
	}()
	return nil
}
