package backend

import (
	"net"
	"sync"
	"testing"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/transgate/internal/session"
	"github.com/meszmate/transgate/internal/wire"
	"github.com/meszmate/transgate/internal/xmpp"
)

type recordingChannel struct {
	mu        sync.Mutex
	messages  []*xmpp.Message
	presences []*xmpp.Presence
}

func (r *recordingChannel) SendMessage(m *xmpp.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	r.messages = append(r.messages, &cp)
	return nil
}

func (r *recordingChannel) SendPresence(p *xmpp.Presence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.presences = append(r.presences, &cp)
	return nil
}

func (r *recordingChannel) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recordingChannel) presenceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.presences)
}

type fakeStore struct{}

func (fakeStore) LoadUser(bareJID string) (*session.Credentials, map[string]string, error) {
	return &session.Credentials{LegacyName: "legacy-" + bareJID, Password: "secret"}, nil, nil
}

type spawnCounter struct {
	mu    sync.Mutex
	count int
}

func (s *spawnCounter) spawn(host string, port int, configPath string) error {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return nil
}

func (s *spawnCounter) get() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func newTestSupervisor(t *testing.T) (*Supervisor, *session.Manager, *recordingChannel, *spawnCounter) {
	t.Helper()
	channel := &recordingChannel{}
	spawns := &spawnCounter{}
	users := session.NewManager(session.Options{Domain: "gw.example.net"}, channel, fakeStore{}, nil)
	s := NewSupervisor(Options{Host: "localhost", Port: 10000, Spawn: spawns.spawn}, users)
	return s, users, channel, spawns
}

// workerConn is the test's end of a fake worker stream. net.Pipe writes are
// synchronous, so a background goroutine keeps draining the gateway side
// into a channel of decoded envelopes.
type workerConn struct {
	conn net.Conn
	envs chan *wire.Wrapper
}

func connectWorker(t *testing.T, s *Supervisor) (*workerConn, *Client) {
	t.Helper()
	gwSide, workerSide := net.Pipe()
	w := &workerConn{conn: workerSide, envs: make(chan *wire.Wrapper, 64)}
	go w.readEnvelopes()
	c := s.HandleConnection(gwSide)
	t.Cleanup(func() { workerSide.Close() })
	return w, c
}

func (w *workerConn) readEnvelopes() {
	var dec wire.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := w.conn.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			for {
				payload, derr := dec.Next()
				if derr != nil || payload == nil {
					break
				}
				env, perr := wire.ParseWrapper(payload)
				if perr != nil {
					return
				}
				w.envs <- env
			}
		}
		if err != nil {
			return
		}
	}
}

// next returns the next envelope the gateway sent.
func (w *workerConn) next(t *testing.T) *wire.Wrapper {
	t.Helper()
	select {
	case env := <-w.envs:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for an envelope from the gateway")
		return nil
	}
}

func (w *workerConn) send(t *testing.T, typ wire.Type, payload []byte) {
	t.Helper()
	w.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := w.conn.Write(wire.EncodeFrame(wire.Wrap(typ, payload))); err != nil {
		t.Fatalf("write to gateway failed: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func available(t *testing.T, users *session.Manager, from string) {
	t.Helper()
	users.HandlePresence(jid.MustParse(from), jid.MustParse("gw.example.net"), stanza.AvailablePresence)
}

func TestNewWorkerGetsPing(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t)
	w, c := connectWorker(t, s)

	env := w.next(t)
	if env.Type != wire.TypePing {
		t.Fatalf("expected PING, got %v", env.Type)
	}
	if c.PongReceived() {
		t.Fatalf("pong flag must be cleared after a ping")
	}
}

func TestLoginSentOnUserReady(t *testing.T) {
	s, users, _, _ := newTestSupervisor(t)
	w, c := connectWorker(t, s)
	w.next(t) // ping

	available(t, users, "alice@example.com/home")

	env := w.next(t)
	if env.Type != wire.TypeLogin {
		t.Fatalf("expected LOGIN, got %v", env.Type)
	}
	login, err := wire.ParseLogin(env.Payload)
	if err != nil {
		t.Fatalf("ParseLogin: %v", err)
	}
	if login.User != "alice@example.com" {
		t.Fatalf("login user = %q, want alice@example.com", login.User)
	}
	if login.LegacyName != "legacy-alice@example.com" || login.Password != "secret" {
		t.Fatalf("unexpected credentials: %+v", login)
	}
	if c.UserCount() != 1 {
		t.Fatalf("client user count = %d, want 1", c.UserCount())
	}
}

func TestUserWaitsForWorker(t *testing.T) {
	s, users, _, spawns := newTestSupervisor(t)

	available(t, users, "alice@example.com/home")
	if got := spawns.get(); got != 1 {
		t.Fatalf("spawn count = %d, want 1", got)
	}
	u := users.User("alice@example.com")
	if u == nil {
		t.Fatalf("session not created")
	}
	if u.BackendData() != nil {
		t.Fatalf("user must not have a backend before one connects")
	}

	w, _ := connectWorker(t, s)
	env := w.next(t)
	if env.Type != wire.TypeLogin {
		t.Fatalf("expected LOGIN for the waiting user, got %v", env.Type)
	}
	if u.BackendData() == nil {
		t.Fatalf("user not attached to the new worker")
	}
}

func TestOneUserPerWorker(t *testing.T) {
	s, users, _, spawns := newTestSupervisor(t)
	w, c := connectWorker(t, s)
	w.next(t) // ping

	available(t, users, "alice@example.com/home")
	w.next(t) // login
	if got := spawns.get(); got != 1 {
		t.Fatalf("handing out the last slot must pre-spawn, spawn count = %d", got)
	}

	available(t, users, "bob@example.com/home")
	if got := spawns.get(); got != 2 {
		t.Fatalf("full pool must spawn for the new user, spawn count = %d", got)
	}
	if c.UserCount() != 1 {
		t.Fatalf("worker shared between users, count = %d", c.UserCount())
	}
	bob := users.User("bob@example.com")
	if bob == nil || bob.BackendData() != nil {
		t.Fatalf("second user must wait for its own worker")
	}
}

func TestMissedHeartbeatKillsWorker(t *testing.T) {
	s, users, channel, spawns := newTestSupervisor(t)
	w, _ := connectWorker(t, s)
	w.next(t) // ping, pong flag now cleared

	available(t, users, "alice@example.com/home")
	w.next(t) // login

	before := spawns.get()
	s.heartbeatTick()

	if s.ClientCount() != 0 {
		t.Fatalf("dead worker still registered")
	}
	waitFor(t, "session teardown", func() bool { return users.Count() == 0 })
	if got := spawns.get(); got != before+1 {
		t.Fatalf("dead worker must be respawned, spawn count = %d", got)
	}

	channel.mu.Lock()
	defer channel.mu.Unlock()
	if len(channel.messages) == 0 {
		t.Fatalf("user not told about the dead backend")
	}
	if got := channel.messages[0].Body; got != "Internal Server Error, please reconnect." {
		t.Fatalf("disconnect notice = %q", got)
	}
	if len(channel.presences) == 0 || channel.presences[0].Type != stanza.UnavailablePresence {
		t.Fatalf("unavailable presence missing after backend death")
	}
}

func TestPongKeepsWorkerAlive(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t)
	w, c := connectWorker(t, s)
	w.next(t) // ping

	w.send(t, wire.TypePong, nil)
	waitFor(t, "pong", c.PongReceived)

	s.heartbeatTick()
	if s.ClientCount() != 1 {
		t.Fatalf("responsive worker was killed")
	}
	if env := w.next(t); env.Type != wire.TypePing {
		t.Fatalf("expected the next PING, got %v", env.Type)
	}
}

func TestWorkerPingIsAnswered(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t)
	w, _ := connectWorker(t, s)
	w.next(t) // ping

	w.send(t, wire.TypePing, nil)
	if env := w.next(t); env.Type != wire.TypePong {
		t.Fatalf("expected PONG, got %v", env.Type)
	}
}

func TestInboundConvMessage(t *testing.T) {
	s, users, channel, _ := newTestSupervisor(t)
	w, _ := connectWorker(t, s)
	w.next(t)
	available(t, users, "alice@example.com/home")
	w.next(t)

	msg := wire.ConversationMessage{User: "alice@example.com", BuddyName: "bob42", Message: "hello"}
	w.send(t, wire.TypeConvMessage, msg.Marshal())

	waitFor(t, "forwarded message", func() bool { return channel.messageCount() > 0 })
	channel.mu.Lock()
	defer channel.mu.Unlock()
	got := channel.messages[0]
	if got.Body != "hello" {
		t.Fatalf("body = %q", got.Body)
	}
	if got.From.String() != "bob42@gw.example.net/bot" {
		t.Fatalf("from = %s", got.From)
	}
	if got.To.String() != "alice@example.com" {
		t.Fatalf("to = %s", got.To)
	}
}

func TestInboundBuddyChanged(t *testing.T) {
	s, users, channel, _ := newTestSupervisor(t)
	w, _ := connectWorker(t, s)
	w.next(t)
	available(t, users, "alice@example.com/home")
	w.next(t)

	b := wire.Buddy{User: "alice@example.com", BuddyName: "bob42", Status: wire.StatusAway, StatusMessage: "afk"}
	w.send(t, wire.TypeBuddyChanged, b.Marshal())

	waitFor(t, "buddy presence", func() bool { return channel.presenceCount() > 0 })
	channel.mu.Lock()
	defer channel.mu.Unlock()
	p := channel.presences[0]
	if p.From.String() != "bob42@gw.example.net/bot" {
		t.Fatalf("from = %s", p.From)
	}
	if p.Show != "away" || p.Status != "afk" {
		t.Fatalf("show=%q status=%q", p.Show, p.Status)
	}
}

func TestInboundDisconnected(t *testing.T) {
	s, users, channel, _ := newTestSupervisor(t)
	w, _ := connectWorker(t, s)
	w.next(t)
	available(t, users, "alice@example.com/home")
	w.next(t) // login

	d := wire.Disconnected{User: "alice@example.com", Message: "bad password"}
	w.send(t, wire.TypeDisconnected, d.Marshal())

	waitFor(t, "session teardown", func() bool { return users.Count() == 0 })
	if env := w.next(t); env.Type != wire.TypeLogout {
		t.Fatalf("expected LOGOUT after the disconnect, got %v", env.Type)
	}
	channel.mu.Lock()
	defer channel.mu.Unlock()
	if len(channel.messages) == 0 || channel.messages[0].Body != "bad password" {
		t.Fatalf("disconnect reason not relayed")
	}
}

func TestUnknownAddresseeDropped(t *testing.T) {
	s, _, channel, _ := newTestSupervisor(t)
	w, c := connectWorker(t, s)
	w.next(t)

	msg := wire.ConversationMessage{User: "nobody@example.com", BuddyName: "bob42", Message: "hello"}
	w.send(t, wire.TypeConvMessage, msg.Marshal())
	w.send(t, wire.TypePong, nil)

	// The pong proves the stream survived the orphan message.
	waitFor(t, "pong after the orphan message", c.PongReceived)
	if s.ClientCount() != 1 {
		t.Fatalf("stream must survive a message for an unknown user")
	}
	if channel.messageCount() != 0 {
		t.Fatalf("message for unknown user must be dropped")
	}
}

func TestUnknownEnvelopeTerminatesWorker(t *testing.T) {
	s, users, _, _ := newTestSupervisor(t)
	w, _ := connectWorker(t, s)
	w.next(t)
	available(t, users, "alice@example.com/home")
	w.next(t)

	w.send(t, wire.Type(99), nil)

	waitFor(t, "worker termination", func() bool { return s.ClientCount() == 0 })
	waitFor(t, "session teardown", func() bool { return users.Count() == 0 })
}

func TestUserDestroyedSendsLogout(t *testing.T) {
	s, users, _, _ := newTestSupervisor(t)
	w, _ := connectWorker(t, s)
	w.next(t)
	available(t, users, "alice@example.com/home")
	w.next(t)

	users.HandlePresence(jid.MustParse("alice@example.com/home"), jid.MustParse("gw.example.net"), stanza.UnavailablePresence)

	env := w.next(t)
	if env.Type != wire.TypeLogout {
		t.Fatalf("expected LOGOUT, got %v", env.Type)
	}
	logout, err := wire.ParseLogout(env.Payload)
	if err != nil {
		t.Fatalf("ParseLogout: %v", err)
	}
	if logout.User != "alice@example.com" {
		t.Fatalf("logout user = %q", logout.User)
	}
	// The worker is empty now and gets recycled.
	waitFor(t, "worker recycled", func() bool { return s.ClientCount() == 0 })
}

func TestOutboundMessage(t *testing.T) {
	s, users, _, _ := newTestSupervisor(t)
	w, _ := connectWorker(t, s)
	w.next(t)
	available(t, users, "alice@example.com/home")
	w.next(t)

	users.RouteMessage(jid.MustParse("alice@example.com/home"), jid.MustParse("bob42@gw.example.net/bot"), "hi bob")

	env := w.next(t)
	if env.Type != wire.TypeConvMessage {
		t.Fatalf("expected CONV_MESSAGE, got %v", env.Type)
	}
	msg, err := wire.ParseConversationMessage(env.Payload)
	if err != nil {
		t.Fatalf("ParseConversationMessage: %v", err)
	}
	if msg.User != "alice@example.com" || msg.BuddyName != "bob42" || msg.Message != "hi bob" {
		t.Fatalf("unexpected outbound message: %+v", msg)
	}
}

func TestRoomJoinAndLeave(t *testing.T) {
	s, users, _, _ := newTestSupervisor(t)
	w, _ := connectWorker(t, s)
	w.next(t)
	available(t, users, "alice@example.com/home")
	w.next(t)

	users.HandlePresence(jid.MustParse("alice@example.com/home"), jid.MustParse("room%irc.example.org@gw.example.net/alice"), stanza.AvailablePresence)

	env := w.next(t)
	if env.Type != wire.TypeJoinRoom {
		t.Fatalf("expected JOIN_ROOM, got %v", env.Type)
	}
	room, err := wire.ParseRoom(env.Payload)
	if err != nil {
		t.Fatalf("ParseRoom: %v", err)
	}
	if room.Room != "room@irc.example.org" || room.Nickname != "alice" {
		t.Fatalf("unexpected join payload: %+v", room)
	}

	users.HandlePresence(jid.MustParse("alice@example.com/home"), jid.MustParse("room%irc.example.org@gw.example.net/alice"), stanza.UnavailablePresence)

	env = w.next(t)
	if env.Type != wire.TypeLeaveRoom {
		t.Fatalf("expected LEAVE_ROOM, got %v", env.Type)
	}
	room, err = wire.ParseRoom(env.Payload)
	if err != nil {
		t.Fatalf("ParseRoom: %v", err)
	}
	if room.Room != "room@irc.example.org" {
		t.Fatalf("unexpected leave payload: %+v", room)
	}
}
