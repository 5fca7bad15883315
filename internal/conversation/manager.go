package conversation

import (
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/transgate/internal/logging"
	"github.com/meszmate/transgate/internal/xmpp"
)

// Options carries the per-gateway context a manager needs to build JIDs.
type Options struct {
	// Domain is the gateway's XMPP domain.
	Domain string
	// JIDEscaping selects XEP-0106 escaping over the @-to-% rewrite for
	// one-to-one sender nodes.
	JIDEscaping bool
	// ServerMode enables pre-connect caching of one-to-one messages.
	ServerMode bool
}

// SendToLegacyFunc forwards a local user's message to the legacy network.
type SendToLegacyFunc func(legacyName, body string)

// Manager is the per-user registry of conversations keyed by legacy name.
type Manager struct {
	mu            sync.RWMutex
	user          User
	channel       xmpp.StanzaChannel
	opts          Options
	sendToLegacy  SendToLegacyFunc
	conversations map[string]*Conversation

	log *logging.Logger
}

// NewManager creates a conversation manager for one user. sendToLegacy is
// the outbound-message callback injected at construction; conversations
// never talk to a backend directly.
func NewManager(user User, channel xmpp.StanzaChannel, opts Options, sendToLegacy SendToLegacyFunc) *Manager {
	return &Manager{
		user:          user,
		channel:       channel,
		opts:          opts,
		sendToLegacy:  sendToLegacy,
		conversations: make(map[string]*Conversation),
		log:           logging.Component("conversation"),
	}
}

// New creates and registers a conversation for a legacy name.
func (m *Manager) New(legacyName string, muc bool) *Conversation {
	c := &Conversation{
		manager:      m,
		legacyName:   legacyName,
		muc:          muc,
		participants: make(map[string]Participant),
		log:          m.log,
	}

	m.mu.Lock()
	m.conversations[legacyName] = c
	m.mu.Unlock()
	return c
}

// Get returns the conversation for a legacy name, or nil.
func (m *Manager) Get(legacyName string) *Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conversations[legacyName]
}

// GetOrCreate returns the conversation for a legacy name, auto-creating a
// one-to-one conversation when none exists yet.
func (m *Manager) GetOrCreate(legacyName string) *Conversation {
	if c := m.Get(legacyName); c != nil {
		return c
	}
	return m.New(legacyName, false)
}

// Remove drops a conversation from the registry.
func (m *Manager) Remove(legacyName string) {
	m.mu.Lock()
	delete(m.conversations, legacyName)
	m.mu.Unlock()
}

// DestroyAll tears down every conversation; MUC members get the shutdown
// presence with status codes 332 and 307.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	conversations := make([]*Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		conversations = append(conversations, c)
	}
	m.conversations = make(map[string]*Conversation)
	m.mu.Unlock()

	for _, c := range conversations {
		c.DestroyRoom()
	}
}

// RewriteNode maps a legacy name onto a JID node using the configured
// one-to-one rewrite rule.
func (m *Manager) RewriteNode(name string) string {
	if m.opts.JIDEscaping {
		return EscapeNode(name)
	}
	return ReplaceLastAt(name)
}

// senderJID builds <node>@<domain>/<resource>, falling back to the bare
// domain when the node is not a valid JID part.
func (m *Manager) senderJID(node, resource string) jid.JID {
	j, err := jid.New(node, m.opts.Domain, resource)
	if err != nil {
		m.log.Warn("cannot build sender JID for node %q: %v", node, err)
		j, err = jid.New("", m.opts.Domain, resource)
		if err != nil {
			return jid.JID{}
		}
	}
	return j
}

func (m *Manager) sendMessage(msg *xmpp.Message) {
	if err := m.channel.SendMessage(msg); err != nil {
		m.log.Warn("message to %s dropped: %v", msg.To, err)
	}
}

func (m *Manager) sendPresence(p *xmpp.Presence) {
	if err := m.channel.SendPresence(p); err != nil {
		m.log.Warn("presence to %s dropped: %v", p.To, err)
	}
}
