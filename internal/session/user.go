// Package session binds XMPP users to backend workers and routes their
// traffic between the two sides.
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

// Credentials is the user's identity on the legacy network.
type Credentials struct {
	LegacyName string
	Password   string
}

// User is one XMPP user's gateway session.
type User struct {
	mu      sync.RWMutex
	manager *Manager

	jid       jid.JID
	creds     Credentials
	settings  map[string]string
	connected bool
	destroyed bool

	roster        *roster.Manager
	conversations *conversation.Manager

	// data is the opaque backend reference owned by the supervisor.
	data interface{}

	onReadyToConnect func(*User)
	onRoomJoined     func(u *User, room, nickname, password string)
	onRoomLeft       func(u *User, room string)

	log *logging.Logger
}

// JID returns the user's bare JID.
func (u *User) JID() jid.JID {
	return u.jid
}

// Credentials returns the user's legacy credentials.
func (u *User) Credentials() Credentials {
	return u.creds
}

// Setting returns a user setting, "" when unset.
func (u *User) Setting(key string) string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.settings[key]
}

// ShouldCacheMessages reports whether one-to-one messages must be held back
// until the user's legacy session is up. Only server mode caches.
func (u *User) ShouldCacheMessages() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.manager.serverMode && !u.connected
}

// BuddyJID resolves a legacy name through the roster.
func (u *User) BuddyJID(legacyName string) (jid.JID, bool) {
	return u.roster.BuddyJID(legacyName)
}

// SetConnected records the legacy session state.
func (u *User) SetConnected(connected bool) {
	u.mu.Lock()
	u.connected = connected
	u.mu.Unlock()
}

// Connected reports whether the legacy session is established.
func (u *User) Connected() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.connected
}

// Roster returns the user's roster manager.
func (u *User) Roster() *roster.Manager {
	return u.roster
}

// Conversations returns the user's conversation manager.
func (u *User) Conversations() *conversation.Manager {
	return u.conversations
}

// BackendData returns the opaque backend reference.
func (u *User) BackendData() interface{} {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.data
}

// SetBackendData stores the opaque backend reference. The supervisor clears
// it before tearing a dead client's users down.
func (u *User) SetBackendData(data interface{}) {
	u.mu.Lock()
	u.data = data
	u.mu.Unlock()
}

// OnReadyToConnect registers the login trigger.
func (u *User) OnReadyToConnect(fn func(*User)) {
	u.onReadyToConnect = fn
}

// OnRoomJoined registers the room join trigger.
func (u *User) OnRoomJoined(fn func(u *User, room, nickname, password string)) {
	u.onRoomJoined = fn
}

// OnRoomLeft registers the room leave trigger.
func (u *User) OnRoomLeft(fn func(u *User, room string)) {
	u.onRoomLeft = fn
}

// emitReadyToConnect announces that the session wants a legacy login.
func (u *User) emitReadyToConnect() {
	if u.onReadyToConnect != nil {
		u.onReadyToConnect(u)
	}
}

// JoinRoom joins the user's resource to a legacy room: the MUC conversation
// is created eagerly, cached history is flushed to the joining resource,
// and the backend is asked to join.
func (u *User) JoinRoom(room, nickname, password string, from jid.JID) {
	conv := u.conversations.Get(room)
	rejoin := conv != nil
	if conv == nil {
		conv = u.conversations.New(room, true)
	}
	conv.SetNickname(nickname)
	conv.AddJID(from)

	if rejoin {
		// A later resource gets the occupant list it missed.
		conv.SendParticipants(from)
	}
	conv.SendCachedMessages(from)

	if u.onRoomJoined != nil {
		u.onRoomJoined(u, room, nickname, password)
	}
}

// LeaveRoom detaches a resource from a room; the conversation is dropped
// when asked explicitly, matching an explicit leave.
func (u *User) LeaveRoom(room string, from jid.JID) {
	if conv := u.conversations.Get(room); conv != nil {
		conv.RemoveJID(from)
	}
	u.conversations.Remove(room)

	if u.onRoomLeft != nil {
		u.onRoomLeft(u, room)
	}
}

// HandleDisconnected reports a dead legacy session to the XMPP user and
// tears the session down.
func (u *User) HandleDisconnected(reason string) {
	u.SetConnected(false)

	from, err := jid.New("", u.manager.domain, "")
	if err != nil {
		u.log.Error("bad gateway domain %q: %v", u.manager.domain, err)
		return
	}

	if reason != "" {
		msg := &xmpp.Message{Body: reason}
		msg.From = from
		msg.To = u.jid
		msg.Type = stanza.ChatMessage
		if err := u.manager.channel.SendMessage(msg); err != nil {
			u.log.Warn("disconnect notice for %s dropped: %v", u.jid, err)
		}
	}

	p := &xmpp.Presence{}
	p.From = from
	p.To = u.jid
	p.Type = stanza.UnavailablePresence
	if err := u.manager.channel.SendPresence(p); err != nil {
		u.log.Warn("disconnect presence for %s dropped: %v", u.jid, err)
	}

	u.manager.destroy(u)
}
