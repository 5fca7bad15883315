// Package conversation holds the stateful translation between one legacy
// chat (one-to-one or multi-user) and XMPP message/presence traffic.
package conversation

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/text/transform"
	"mellium.im/xmpp/delay"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/transgate/internal/logging"
	"github.com/meszmate/transgate/internal/wire"
	"github.com/meszmate/transgate/internal/xmpp"
)

// maxCachedMessages bounds the pre-join message cache; the oldest entry is
// dropped on overflow.
const maxCachedMessages = 100

// User is the slice of the owning session a conversation consults.
type User interface {
	// JID returns the user's bare JID.
	JID() jid.JID
	// Setting returns a user setting, "" when unset.
	Setting(key string) string
	// ShouldCacheMessages reports whether messages must be held back
	// because the user is offline or has not finished connecting.
	ShouldCacheMessages() bool
	// BuddyJID resolves a legacy name through the user's roster.
	BuddyJID(legacyName string) (jid.JID, bool)
}

// Participant is one MUC occupant as last reported by the backend.
type Participant struct {
	Flag          int32
	Status        int32
	StatusMessage string
}

// Conversation is the state for one legacy chat.
type Conversation struct {
	mu      sync.Mutex
	manager *Manager

	legacyName string
	muc        bool
	nickname   string
	// room is set for one-to-one conversations spawned from a room
	// participant (private messages).
	room string

	jids                []jid.JID
	participants        map[string]Participant
	cached              []*xmpp.Message
	pendingSubject      *xmpp.Message
	sentInitialPresence bool

	log *logging.Logger
}

// LegacyName returns the conversation's identifier on the legacy network.
func (c *Conversation) LegacyName() string {
	return c.legacyName
}

// IsMUC reports whether this is a multi-user conversation.
func (c *Conversation) IsMUC() bool {
	return c.muc
}

// Nickname returns the local user's occupant nickname.
func (c *Conversation) Nickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nickname
}

// SetNickname records the local user's occupant nickname.
func (c *Conversation) SetNickname(nick string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nickname = nick
}

// SetRoom marks this conversation as a private-message exchange with a room
// participant.
func (c *Conversation) SetRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = room
	c.legacyName = room + "/" + c.legacyName
}

// AddJID registers a local resource as joined. The set is maintained by the
// MUC-handling layer above, not by the conversation itself.
func (c *Conversation) AddJID(j jid.JID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, have := range c.jids {
		if have.Equal(j) {
			return
		}
	}
	c.jids = append(c.jids, j)
}

// RemoveJID removes a previously joined resource.
func (c *Conversation) RemoveJID(j jid.JID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, have := range c.jids {
		if have.Equal(j) {
			c.jids = append(c.jids[:i], c.jids[i+1:]...)
			return
		}
	}
}

// JoinedJIDs returns the resources currently joined from the local side.
func (c *Conversation) JoinedJIDs() []jid.JID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]jid.JID, len(c.jids))
	copy(out, c.jids)
	return out
}

// Participants returns a snapshot of the occupant registry.
func (c *Conversation) Participants() map[string]Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Participant, len(c.participants))
	for k, v := range c.participants {
		out[k] = v
	}
	return out
}

// CachedCount returns the number of messages waiting for the first join.
func (c *Conversation) CachedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cached)
}

// Send routes a message typed by the local user out to the legacy network.
func (c *Conversation) Send(body string) {
	c.manager.sendToLegacy(c.legacyName, body)
}

// HandleMessage translates an inbound legacy message into XMPP delivery.
// The caller fills Body (or Subject for room-subject updates) and may set a
// message type; nickname names the sending occupant in a MUC.
func (c *Conversation) HandleMessage(msg *xmpp.Message, nickname string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.muc {
		msg.Type = stanza.GroupChatMessage
	} else if msg.Type == stanza.HeadlineMessage {
		if c.manager.user.Setting("send_headlines") != "1" {
			msg.Type = stanza.ChatMessage
		}
	} else {
		msg.Type = stanza.ChatMessage
	}

	n := nickname
	if n == "" && c.room != "" && !c.muc {
		n = c.nickname
	}

	if msg.Type != stanza.GroupChatMessage {
		msg.To = c.manager.user.JID()
		if n == "" {
			if buddyJID, ok := c.manager.user.BuddyJID(c.legacyName); ok {
				msg.From = buddyJID
			} else {
				msg.From = c.manager.senderJID(c.manager.RewriteNode(c.legacyName), "bot")
			}
		} else if c.room == "" {
			msg.From = c.manager.senderJID(n, "user")
		} else {
			msg.From = c.manager.senderJID(c.room, n)
		}

		if c.manager.opts.ServerMode && c.manager.user.ShouldCacheMessages() {
			c.cacheLocked(msg)
		} else {
			c.manager.sendMessage(msg)
		}
	} else {
		if n == "" {
			n = " "
		}
		msg.From = c.manager.senderJID(ReplaceLastAt(c.legacyName), n)

		if len(c.jids) == 0 {
			c.cacheLocked(msg)
		} else {
			for _, to := range c.jids {
				msg.To = to
				// The subject has to be sent after our own presence, the one
				// with status code 110.
				if msg.Subject != "" && !c.sentInitialPresence {
					c.pendingSubject = msg
					return
				}
				c.manager.sendMessage(msg)
			}
		}
	}

	if c.manager.user.Setting("enable_notifications") == "1" && c.manager.user.ShouldCacheMessages() {
		// Extension point: offline notification delivery is not emitted yet.
		c.log.Debug("notification suppressed for %s", c.legacyName)
	}
}

// cacheLocked stamps the message with the current time and enqueues it.
func (c *Conversation) cacheLocked(msg *xmpp.Message) {
	msg.Delay = &delay.Delay{Time: time.Now().UTC()}
	c.cached = append(c.cached, msg)
	if len(c.cached) > maxCachedMessages {
		c.cached = c.cached[1:]
	}
}

// SendCachedMessages flushes the pre-join cache in arrival order. Messages
// go to the given resource, or to the user's bare JID when to is the zero
// JID.
func (c *Conversation) SendCachedMessages(to jid.JID) {
	c.mu.Lock()
	cached := c.cached
	c.cached = nil
	c.mu.Unlock()

	for _, msg := range cached {
		if !to.Equal(jid.JID{}) {
			msg.To = to
		} else {
			msg.To = c.manager.user.JID().Bare()
		}
		c.manager.sendMessage(msg)
	}
}

// generatePresence builds the occupant presence for one participant change.
// Caller holds c.mu.
func (c *Conversation) generatePresence(nick string, flag int32, status int32, statusMessage, newname string) *xmpp.Presence {
	legacyName := c.legacyName
	if c.muc {
		legacyName = ReplaceLastAt(legacyName)
	}

	p := &xmpp.Presence{}
	p.From = c.manager.senderJID(legacyName, nick)

	if statusMessage != "" {
		p.Status = statusMessage
	}

	show, available := xmpp.ShowForStatus(status)
	if !available {
		p.Type = stanza.UnavailablePresence
	}
	p.Show = show

	mucUser := &xmpp.MUCUser{}
	if c.nickname == nick {
		mucUser.Status = append(mucUser.Status, xmpp.MUCStatus{Code: xmpp.MUCStatusSelfPresence})
		c.sentInitialPresence = true
	}

	item := xmpp.MUCItem{
		Affiliation: xmpp.AffiliationMember,
		Role:        xmpp.RoleParticipant,
	}
	if flag&wire.FlagModerator != 0 {
		item.Affiliation = xmpp.AffiliationAdmin
		item.Role = xmpp.RoleModerator
	}

	if newname != "" {
		item.Nick = newname
		mucUser.Status = append(mucUser.Status, xmpp.MUCStatus{Code: xmpp.MUCStatusNickChanged})
		p.Type = stanza.UnavailablePresence
	}

	mucUser.Items = append(mucUser.Items, item)
	p.MUCUser = mucUser
	return p
}

// HandleParticipantChanged applies one occupant change pushed by the
// backend: it emits the presence to every joined resource, updates the
// registry, re-applies renames under the new nickname, and releases a
// pending subject once the local user's own presence is out.
func (c *Conversation) HandleParticipantChanged(nick string, flag int32, status int32, statusMessage, newname string) {
	c.mu.Lock()

	p := c.generatePresence(nick, flag, status, statusMessage, newname)

	for _, to := range c.jids {
		p.To = to
		c.manager.sendPresence(p)
	}

	// The registry is updated only after the presence went out, so a
	// leaving occupant is still addressable while the stanza is built.
	if p.Type == stanza.UnavailablePresence {
		delete(c.participants, nick)
	} else {
		if c.participants == nil {
			c.participants = make(map[string]Participant)
		}
		c.participants[nick] = Participant{Flag: flag, Status: status, StatusMessage: statusMessage}
	}

	c.mu.Unlock()

	if newname != "" {
		c.HandleParticipantChanged(newname, flag, status, statusMessage, "")
		return
	}

	c.mu.Lock()
	subject := c.pendingSubject
	if c.sentInitialPresence && subject != nil {
		c.pendingSubject = nil
	} else {
		subject = nil
	}
	c.mu.Unlock()

	if subject != nil {
		c.manager.sendMessage(subject)
	}
}

// SendParticipants re-emits the current occupant presences to a resource
// that joined after the room was already populated.
func (c *Conversation) SendParticipants(to jid.JID) {
	c.mu.Lock()
	type entry struct {
		nick string
		p    Participant
	}
	entries := make([]entry, 0, len(c.participants))
	for nick, p := range c.participants {
		entries = append(entries, entry{nick, p})
	}
	presences := make([]*xmpp.Presence, 0, len(entries))
	for _, e := range entries {
		presences = append(presences, c.generatePresence(e.nick, e.p.Flag, e.p.Status, e.p.StatusMessage, ""))
	}
	c.mu.Unlock()

	for _, p := range presences {
		p.To = to
		c.manager.sendPresence(p)
	}
}

// DestroyRoom notifies every joined resource that the room is gone because
// the owning session is being torn down.
func (c *Conversation) DestroyRoom() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.muc {
		return
	}

	p := &xmpp.Presence{}
	p.From = c.manager.senderJID(ReplaceLastAt(c.legacyName), c.nickname)
	p.Type = stanza.UnavailablePresence
	p.MUCUser = &xmpp.MUCUser{
		Items: []xmpp.MUCItem{{
			Affiliation: xmpp.AffiliationNone,
			Role:        xmpp.RoleNone,
			Actor:       &xmpp.MUCActor{Nick: "transport"},
			Reason:      "The transport is being shut down.",
		}},
		Status: []xmpp.MUCStatus{
			{Code: xmpp.MUCStatusShutdown},
			{Code: xmpp.MUCStatusKicked},
		},
	}

	for _, to := range c.jids {
		p.To = to
		c.manager.sendPresence(p)
	}
}

// ReplaceLastAt rewrites the trailing @ of a legacy name to % so the name
// survives as a JID node. Applying it twice is the same as applying it once
// for names with a single separator.
func ReplaceLastAt(name string) string {
	if i := strings.LastIndex(name, "@"); i >= 0 {
		return name[:i] + "%" + name[i+1:]
	}
	return name
}

// RestoreLastAt undoes ReplaceLastAt for room names received from the XMPP
// side.
func RestoreLastAt(node string) string {
	if i := strings.LastIndex(node, "%"); i >= 0 {
		return node[:i] + "@" + node[i+1:]
	}
	return node
}

// EscapeNode applies XEP-0106 JID node escaping.
func EscapeNode(name string) string {
	escaped, _, err := transform.String(jid.Escape, name)
	if err != nil {
		return name
	}
	return escaped
}

// UnescapeNode undoes XEP-0106 JID node escaping.
func UnescapeNode(node string) string {
	unescaped, _, err := transform.String(jid.Unescape, node)
	if err != nil {
		return node
	}
	return unescaped
}
