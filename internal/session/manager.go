package session

import (
	"sync"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/transgate/internal/conversation"
	"github.com/meszmate/transgate/internal/logging"
	"github.com/meszmate/transgate/internal/roster"
	"github.com/meszmate/transgate/internal/xmpp"
)

// Store resolves an XMPP user to registered legacy credentials and
// settings. A nil result means the user is not registered.
type Store interface {
	LoadUser(bareJID string) (*Credentials, map[string]string, error)
}

// Options configures a user manager.
type Options struct {
	// Domain is the gateway's XMPP domain.
	Domain string
	// ServerMode enables offline caching semantics.
	ServerMode bool
	// JIDEscaping selects the legacy-name rewrite rule.
	JIDEscaping bool
}

// SendToLegacyFunc forwards one outbound message to the user's backend.
type SendToLegacyFunc func(u *User, legacyName, body string)

// Manager owns every user session, keyed by bare JID.
type Manager struct {
	mu    sync.RWMutex
	users map[string]*User

	opts        Options
	serverMode  bool
	domain      string
	channel     xmpp.StanzaChannel
	store       Store
	rosterStore roster.Store

	sendToLegacy    SendToLegacyFunc
	onUserCreated   func(*User)
	onUserDestroyed func(*User)

	log *logging.Logger
}

// NewManager creates a user manager.
func NewManager(opts Options, channel xmpp.StanzaChannel, store Store, rosterStore roster.Store) *Manager {
	return &Manager{
		users:       make(map[string]*User),
		opts:        opts,
		serverMode:  opts.ServerMode,
		domain:      opts.Domain,
		channel:     channel,
		store:       store,
		rosterStore: rosterStore,
		log:         logging.Component("session"),
	}
}

// SetSendToLegacy wires the outbound message path. Must be set before the
// first presence arrives.
func (m *Manager) SetSendToLegacy(fn SendToLegacyFunc) {
	m.sendToLegacy = fn
}

// OnUserCreated registers the hook that attaches a backend to new users.
// It runs before the user's ready-to-connect signal fires.
func (m *Manager) OnUserCreated(fn func(*User)) {
	m.onUserCreated = fn
}

// OnUserDestroyed registers the teardown hook.
func (m *Manager) OnUserDestroyed(fn func(*User)) {
	m.onUserDestroyed = fn
}

// User returns the session for a bare JID string, or nil.
func (m *Manager) User(bareJID string) *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.users[bareJID]
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

// HandlePresence reacts to a user presence: available creates a session,
// unavailable destroys it, and presences addressed to a room node are
// translated to join/leave signals.
func (m *Manager) HandlePresence(from, to jid.JID, presenceType stanza.PresenceType) {
	if to.Localpart() != "" {
		m.handleRoomPresence(from, to, presenceType)
		return
	}

	switch presenceType {
	case stanza.AvailablePresence:
		m.ensureUser(from)
	case stanza.UnavailablePresence:
		if u := m.User(from.Bare().String()); u != nil {
			m.destroy(u)
		}
	}
}

func (m *Manager) handleRoomPresence(from, to jid.JID, presenceType stanza.PresenceType) {
	u := m.User(from.Bare().String())
	if u == nil {
		m.log.Info("room presence from unknown user %s dropped", from.Bare())
		return
	}

	room := conversation.RestoreLastAt(to.Localpart())
	nickname := to.Resourcepart()

	switch presenceType {
	case stanza.AvailablePresence:
		u.JoinRoom(room, nickname, "", from)
	case stanza.UnavailablePresence:
		u.LeaveRoom(room, from)
	}
}

// ensureUser creates a session on the first available presence. A second
// available presence for a live session is a no-op, so there is never more
// than one session per bare JID.
func (m *Manager) ensureUser(from jid.JID) *User {
	bare := from.Bare()
	key := bare.String()

	m.mu.Lock()
	if u, ok := m.users[key]; ok {
		m.mu.Unlock()
		return u
	}

	var creds Credentials
	settings := make(map[string]string)
	if m.store != nil {
		stored, storedSettings, err := m.store.LoadUser(key)
		if err != nil {
			m.mu.Unlock()
			m.log.Error("cannot load user %s: %v", key, err)
			return nil
		}
		if stored == nil {
			m.mu.Unlock()
			m.log.Info("unregistered user %s ignored", key)
			return nil
		}
		creds = *stored
		for k, v := range storedSettings {
			settings[k] = v
		}
	}

	u := &User{
		manager:  m,
		jid:      bare,
		creds:    creds,
		settings: settings,
		log:      m.log,
	}
	u.roster = roster.NewManager(bare, m.domain, m.opts.JIDEscaping, m.channel, m.rosterStore)
	u.conversations = conversation.NewManager(u, m.channel, conversation.Options{
		Domain:      m.domain,
		JIDEscaping: m.opts.JIDEscaping,
		ServerMode:  m.serverMode,
	}, func(legacyName, body string) {
		if m.sendToLegacy != nil {
			m.sendToLegacy(u, legacyName, body)
		}
	})

	m.users[key] = u
	m.mu.Unlock()

	m.log.Info("session created for %s", key)

	if m.onUserCreated != nil {
		m.onUserCreated(u)
	}
	u.emitReadyToConnect()

	return u
}

// destroy tears a session down and forgets it. Safe to call twice.
func (m *Manager) destroy(u *User) {
	key := u.JID().String()

	m.mu.Lock()
	current, ok := m.users[key]
	if !ok || current != u {
		m.mu.Unlock()
		return
	}
	delete(m.users, key)
	m.mu.Unlock()

	u.mu.Lock()
	u.destroyed = true
	u.mu.Unlock()

	u.conversations.DestroyAll()

	m.log.Info("session destroyed for %s", key)

	if m.onUserDestroyed != nil {
		m.onUserDestroyed(u)
	}
}

// RouteMessage forwards an inbound XMPP chat message to the right legacy
// conversation, creating a one-to-one conversation on first contact.
func (m *Manager) RouteMessage(from, to jid.JID, body string) {
	u := m.User(from.Bare().String())
	if u == nil {
		m.log.Info("message from unknown user %s dropped", from.Bare())
		return
	}

	node := to.Localpart()
	if node == "" || body == "" {
		return
	}

	// A MUC conversation is registered under its raw legacy name; check
	// that spelling before the one-to-one decode.
	roomName := conversation.RestoreLastAt(node)
	if conv := u.Conversations().Get(roomName); conv != nil {
		conv.Send(body)
		return
	}

	var legacyName string
	if m.opts.JIDEscaping {
		legacyName = conversation.UnescapeNode(node)
	} else {
		legacyName = conversation.RestoreLastAt(node)
	}
	u.Conversations().GetOrCreate(legacyName).Send(body)
}
