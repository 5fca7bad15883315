package session

import (
	"sync"
	"testing"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

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

type fixedStore struct {
	creds    map[string]*Credentials
	settings map[string]map[string]string
}

func (s *fixedStore) LoadUser(bareJID string) (*Credentials, map[string]string, error) {
	return s.creds[bareJID], s.settings[bareJID], nil
}

func newTestManager() (*Manager, *recordingChannel) {
	channel := &recordingChannel{}
	store := &fixedStore{
		creds: map[string]*Credentials{
			"alice@example.com": {LegacyName: "alice42", Password: "secret"},
		},
	}
	m := NewManager(Options{Domain: "gw.example.net"}, channel, store, nil)
	return m, channel
}

func domainJID() jid.JID {
	return jid.MustParse("gw.example.net")
}

func TestSessionCreatedOnAvailablePresence(t *testing.T) {
	m, _ := newTestManager()

	m.HandlePresence(jid.MustParse("alice@example.com/home"), domainJID(), stanza.AvailablePresence)

	u := m.User("alice@example.com")
	if u == nil {
		t.Fatalf("session not created")
	}
	if got := u.Credentials().LegacyName; got != "alice42" {
		t.Fatalf("legacy name = %q, want alice42", got)
	}
}

func TestAtMostOneSessionPerBareJID(t *testing.T) {
	m, _ := newTestManager()

	m.HandlePresence(jid.MustParse("alice@example.com/home"), domainJID(), stanza.AvailablePresence)
	first := m.User("alice@example.com")

	m.HandlePresence(jid.MustParse("alice@example.com/work"), domainJID(), stanza.AvailablePresence)

	if m.Count() != 1 {
		t.Fatalf("session count = %d, want 1", m.Count())
	}
	if m.User("alice@example.com") != first {
		t.Fatalf("second resource replaced the session")
	}
}

func TestUnregisteredUserIgnored(t *testing.T) {
	m, _ := newTestManager()

	m.HandlePresence(jid.MustParse("mallory@example.com/home"), domainJID(), stanza.AvailablePresence)

	if m.Count() != 0 {
		t.Fatalf("unregistered user got a session")
	}
}

func TestUnavailableDestroysSession(t *testing.T) {
	m, _ := newTestManager()
	var destroyed []*User
	m.OnUserDestroyed(func(u *User) { destroyed = append(destroyed, u) })

	m.HandlePresence(jid.MustParse("alice@example.com/home"), domainJID(), stanza.AvailablePresence)
	first := m.User("alice@example.com")

	m.HandlePresence(jid.MustParse("alice@example.com/home"), domainJID(), stanza.UnavailablePresence)

	if m.Count() != 0 {
		t.Fatalf("session survived unavailable presence")
	}
	if len(destroyed) != 1 || destroyed[0] != first {
		t.Fatalf("destroy hook fired %d times", len(destroyed))
	}

	// A reconnect builds a fresh session.
	m.HandlePresence(jid.MustParse("alice@example.com/home"), domainJID(), stanza.AvailablePresence)
	second := m.User("alice@example.com")
	if second == nil || second == first {
		t.Fatalf("reconnect did not build a fresh session")
	}
}

func TestDestroyTwiceIsSafe(t *testing.T) {
	m, _ := newTestManager()
	m.HandlePresence(jid.MustParse("alice@example.com/home"), domainJID(), stanza.AvailablePresence)
	u := m.User("alice@example.com")

	m.destroy(u)
	m.destroy(u)

	if m.Count() != 0 {
		t.Fatalf("session count = %d", m.Count())
	}
}

func TestReadyToConnectFiresAfterCreation(t *testing.T) {
	m, _ := newTestManager()

	var order []string
	m.OnUserCreated(func(u *User) {
		order = append(order, "created")
		u.OnReadyToConnect(func(*User) { order = append(order, "ready") })
	})

	m.HandlePresence(jid.MustParse("alice@example.com/home"), domainJID(), stanza.AvailablePresence)

	if len(order) != 2 || order[0] != "created" || order[1] != "ready" {
		t.Fatalf("lifecycle order = %v", order)
	}
}

func TestRoomPresenceJoinsAndLeaves(t *testing.T) {
	m, _ := newTestManager()

	type joinEvent struct{ room, nickname string }
	var joins []joinEvent
	var leaves []string
	m.OnUserCreated(func(u *User) {
		u.OnRoomJoined(func(_ *User, room, nickname, password string) {
			joins = append(joins, joinEvent{room, nickname})
		})
		u.OnRoomLeft(func(_ *User, room string) { leaves = append(leaves, room) })
	})

	m.HandlePresence(jid.MustParse("alice@example.com/home"), domainJID(), stanza.AvailablePresence)

	roomJID := jid.MustParse("room%irc.example.org@gw.example.net/hanzz")
	m.HandlePresence(jid.MustParse("alice@example.com/home"), roomJID, stanza.AvailablePresence)

	if len(joins) != 1 || joins[0].room != "room@irc.example.org" || joins[0].nickname != "hanzz" {
		t.Fatalf("joins = %v", joins)
	}
	u := m.User("alice@example.com")
	if u.Conversations().Get("room@irc.example.org") == nil {
		t.Fatalf("MUC conversation not created eagerly")
	}

	m.HandlePresence(jid.MustParse("alice@example.com/home"), roomJID, stanza.UnavailablePresence)
	if len(leaves) != 1 || leaves[0] != "room@irc.example.org" {
		t.Fatalf("leaves = %v", leaves)
	}
	if u.Conversations().Get("room@irc.example.org") != nil {
		t.Fatalf("conversation survived the explicit leave")
	}
}

func TestRouteMessagePrefersRoomName(t *testing.T) {
	m, _ := newTestManager()

	var sent []string
	m.SetSendToLegacy(func(u *User, legacyName, body string) {
		sent = append(sent, legacyName+": "+body)
	})

	m.HandlePresence(jid.MustParse("alice@example.com/home"), domainJID(), stanza.AvailablePresence)
	m.HandlePresence(jid.MustParse("alice@example.com/home"), jid.MustParse("room%irc.example.org@gw.example.net/hanzz"), stanza.AvailablePresence)

	m.RouteMessage(jid.MustParse("alice@example.com/home"), jid.MustParse("room%irc.example.org@gw.example.net"), "hi all")

	if len(sent) != 1 || sent[0] != "room@irc.example.org: hi all" {
		t.Fatalf("sent = %v", sent)
	}
}

func TestRouteMessageRestoresOneToOneName(t *testing.T) {
	m, _ := newTestManager()

	var sent []string
	m.SetSendToLegacy(func(u *User, legacyName, body string) {
		sent = append(sent, legacyName)
	})

	m.HandlePresence(jid.MustParse("alice@example.com/home"), domainJID(), stanza.AvailablePresence)
	m.RouteMessage(jid.MustParse("alice@example.com/home"), jid.MustParse("bob%msn.example.com@gw.example.net/bot"), "hi")

	if len(sent) != 1 || sent[0] != "bob@msn.example.com" {
		t.Fatalf("sent = %v", sent)
	}
}

func TestRouteMessageFromUnknownUserDropped(t *testing.T) {
	m, _ := newTestManager()

	called := false
	m.SetSendToLegacy(func(u *User, legacyName, body string) { called = true })

	m.RouteMessage(jid.MustParse("mallory@example.com/home"), jid.MustParse("bob42@gw.example.net/bot"), "hi")

	if called {
		t.Fatalf("message from unknown user reached the backend")
	}
}

func TestHandleDisconnectedNotifiesAndDestroys(t *testing.T) {
	m, channel := newTestManager()
	m.HandlePresence(jid.MustParse("alice@example.com/home"), domainJID(), stanza.AvailablePresence)
	u := m.User("alice@example.com")

	u.HandleDisconnected("Connection reset by peer")

	if m.Count() != 0 {
		t.Fatalf("session survived the disconnect")
	}

	channel.mu.Lock()
	defer channel.mu.Unlock()
	if len(channel.messages) != 1 || channel.messages[0].Body != "Connection reset by peer" {
		t.Fatalf("disconnect reason not relayed: %v", channel.messages)
	}
	if channel.messages[0].From.String() != "gw.example.net" {
		t.Fatalf("notice from = %s, want the gateway domain", channel.messages[0].From)
	}
	found := false
	for _, p := range channel.presences {
		if p.Type == stanza.UnavailablePresence && p.To.String() == "alice@example.com" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no unavailable presence after the disconnect")
	}
}

func TestSecondResourceRejoinGetsParticipants(t *testing.T) {
	m, channel := newTestManager()
	m.HandlePresence(jid.MustParse("alice@example.com/home"), domainJID(), stanza.AvailablePresence)
	u := m.User("alice@example.com")

	roomJID := jid.MustParse("room%irc.example.org@gw.example.net/hanzz")
	m.HandlePresence(jid.MustParse("alice@example.com/home"), roomJID, stanza.AvailablePresence)

	conv := u.Conversations().Get("room@irc.example.org")
	conv.HandleParticipantChanged("bob", 0, 0, "", "")

	channel.mu.Lock()
	before := len(channel.presences)
	channel.mu.Unlock()

	m.HandlePresence(jid.MustParse("alice@example.com/work"), roomJID, stanza.AvailablePresence)

	channel.mu.Lock()
	defer channel.mu.Unlock()
	var replayed *xmpp.Presence
	for _, p := range channel.presences[before:] {
		if p.To.String() == "alice@example.com/work" {
			replayed = p
		}
	}
	if replayed == nil {
		t.Fatalf("second resource did not get the occupant list")
	}
	if replayed.From.String() != "room%irc.example.org@gw.example.net/bob" {
		t.Fatalf("replayed occupant from = %s", replayed.From)
	}
}
