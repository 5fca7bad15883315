// Package roster tracks the legacy-network buddies of one user and mirrors
// their state to the XMPP side.
package roster

import (
	"strings"
	"sync"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/transgate/internal/conversation"
	"github.com/meszmate/transgate/internal/logging"
	"github.com/meszmate/transgate/internal/wire"
	"github.com/meszmate/transgate/internal/xmpp"
)

// SyntheticID marks a buddy created from a backend push that has no stored
// row yet.
const SyntheticID = -1

// Buddy is one legacy contact.
type Buddy struct {
	ID            int64
	LegacyName    string
	Alias         string
	Groups        []string
	Status        int32
	StatusMessage string
	IconHash      string
}

// Store persists buddies across gateway restarts. A nil Store keeps the
// roster in memory only.
type Store interface {
	SaveBuddy(userJID string, b *Buddy) (int64, error)
	LoadBuddies(userJID string) ([]*Buddy, error)
}

// Manager is the per-user buddy registry.
type Manager struct {
	mu       sync.RWMutex
	userJID  jid.JID
	domain   string
	escaping bool
	channel  xmpp.StanzaChannel
	store    Store
	buddies  map[string]*Buddy

	log *logging.Logger
}

// NewManager creates a roster manager for one user and loads any persisted
// buddies.
func NewManager(userJID jid.JID, domain string, escaping bool, channel xmpp.StanzaChannel, store Store) *Manager {
	m := &Manager{
		userJID:  userJID.Bare(),
		domain:   domain,
		escaping: escaping,
		channel:  channel,
		store:    store,
		buddies:  make(map[string]*Buddy),
		log:      logging.Component("roster"),
	}

	if store != nil {
		buddies, err := store.LoadBuddies(m.userJID.String())
		if err != nil {
			m.log.Warn("cannot load buddies for %s: %v", m.userJID, err)
		}
		for _, b := range buddies {
			m.buddies[b.LegacyName] = b
		}
	}

	return m
}

// Buddy returns the buddy for a legacy name.
func (m *Manager) Buddy(legacyName string) (*Buddy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buddies[legacyName]
	return b, ok
}

// Buddies returns a snapshot of the roster.
func (m *Manager) Buddies() []*Buddy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Buddy, 0, len(m.buddies))
	for _, b := range m.buddies {
		out = append(out, b)
	}
	return out
}

// BuddyJID resolves a legacy name to the buddy's XMPP address, when the
// buddy is known.
func (m *Manager) BuddyJID(legacyName string) (jid.JID, bool) {
	if _, ok := m.Buddy(legacyName); !ok {
		return jid.JID{}, false
	}
	j, err := jid.New(m.rewriteNode(legacyName), m.domain, "bot")
	if err != nil {
		return jid.JID{}, false
	}
	return j, true
}

// HandleBuddyChanged applies a BUDDY_CHANGED push from the backend: it
// upserts the buddy and mirrors the new state as presence.
func (m *Manager) HandleBuddyChanged(payload *wire.Buddy) {
	m.mu.Lock()
	b, ok := m.buddies[payload.BuddyName]
	if !ok {
		b = &Buddy{ID: SyntheticID, LegacyName: payload.BuddyName}
		m.buddies[payload.BuddyName] = b
	}
	b.Alias = payload.Alias
	if payload.Groups != "" {
		b.Groups = strings.Split(payload.Groups, ",")
	}
	b.Status = payload.Status
	b.StatusMessage = payload.StatusMessage
	b.IconHash = payload.IconHash
	m.mu.Unlock()

	if m.store != nil {
		id, err := m.store.SaveBuddy(m.userJID.String(), b)
		if err != nil {
			m.log.Warn("cannot persist buddy %s: %v", b.LegacyName, err)
		} else if b.ID == SyntheticID {
			m.mu.Lock()
			b.ID = id
			m.mu.Unlock()
		}
	}

	m.notify(b)
}

// notify sends the buddy's current presence to the user.
func (m *Manager) notify(b *Buddy) {
	from, err := jid.New(m.rewriteNode(b.LegacyName), m.domain, "bot")
	if err != nil {
		m.log.Warn("cannot build buddy JID for %q: %v", b.LegacyName, err)
		return
	}

	p := &xmpp.Presence{}
	p.From = from
	p.To = m.userJID

	show, available := xmpp.ShowForStatus(b.Status)
	if !available {
		p.Type = stanza.UnavailablePresence
	}
	p.Show = show
	p.Status = b.StatusMessage

	if err := m.channel.SendPresence(p); err != nil {
		m.log.Warn("presence for buddy %s dropped: %v", b.LegacyName, err)
	}
}

// SendPresences re-emits the presence of every known buddy, for a user that
// just came online.
func (m *Manager) SendPresences() {
	for _, b := range m.Buddies() {
		m.notify(b)
	}
}

func (m *Manager) rewriteNode(name string) string {
	if m.escaping {
		return conversation.EscapeNode(name)
	}
	return conversation.ReplaceLastAt(name)
}
