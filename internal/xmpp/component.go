// Package xmpp is the gateway's transport facade: it keeps a component
// session (XEP-0114) to the XMPP server alive and translates between raw
// stanzas and the routing layers.
package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	mxmpp "mellium.im/xmpp"
	"mellium.im/xmpp/component"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/transgate/internal/logging"
)

// NSDiscoInfo is the service discovery info namespace.
const NSDiscoInfo = "http://jabber.org/protocol/disco#info"

// reconnectDelay is the pause between connection attempts. Retries are
// unbounded.
const reconnectDelay = 3 * time.Second

// ErrNotConnected is returned when sending without a live session.
var ErrNotConnected = errors.New("xmpp: not connected")

// Config describes the component connection.
type Config struct {
	// JID is the gateway's component domain.
	JID string
	// Server and Port address the XMPP server's component listener.
	Server string
	Port   int
	// Secret is the XEP-0114 handshake secret.
	Secret string
	// Cert and CertPassword name an optional PKCS#12 bundle used to wrap
	// the component stream in TLS.
	Cert         string
	CertPassword string
	// RawXML forwards unhandled IQs to the raw handler instead of
	// answering them with an error.
	RawXML bool
}

// Stats is a snapshot of the transport's connection state.
type Stats struct {
	Connected  bool
	Reconnects int
}

// Transport is the component-mode connection to the XMPP server. It
// implements StanzaChannel.
type Transport struct {
	mu         sync.RWMutex
	session    *mxmpp.Session
	jid        jid.JID
	cfg        Config
	connected  bool
	reconnects int

	onConnected       func()
	onConnectionError func(err error)
	onMessage         func(from, to jid.JID, messageType stanza.MessageType, body string)
	onPresence        func(from, to jid.JID, presenceType stanza.PresenceType)
	onRawIQ           func(iq RawIQ)

	ctx    context.Context
	cancel context.CancelFunc

	log *logging.Logger
}

// RawIQ is an unhandled IQ forwarded verbatim when raw XML mode is on.
type RawIQ struct {
	From    string
	To      string
	ID      string
	Type    string
	Payload xml.Name
	Inner   string
}

// NewTransport creates a transport for the configured component domain.
func NewTransport(cfg Config) (*Transport, error) {
	j, err := jid.Parse(cfg.JID)
	if err != nil {
		return nil, fmt.Errorf("xmpp: invalid component JID: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = 5347
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Transport{
		jid:    j.Domain(),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.Component("xmpp"),
	}, nil
}

// JID returns the component domain.
func (t *Transport) JID() jid.JID {
	return t.jid
}

// Stats returns the connection snapshot.
func (t *Transport) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{Connected: t.connected, Reconnects: t.reconnects}
}

// SetConnectedHandler sets the callback fired after every handshake.
func (t *Transport) SetConnectedHandler(fn func()) {
	t.onConnected = fn
}

// SetConnectionErrorHandler sets the callback fired on connect or stream
// failures.
func (t *Transport) SetConnectionErrorHandler(fn func(err error)) {
	t.onConnectionError = fn
}

// SetMessageHandler sets the inbound message callback.
func (t *Transport) SetMessageHandler(fn func(from, to jid.JID, messageType stanza.MessageType, body string)) {
	t.onMessage = fn
}

// SetPresenceHandler sets the inbound presence callback.
func (t *Transport) SetPresenceHandler(fn func(from, to jid.JID, presenceType stanza.PresenceType)) {
	t.onPresence = fn
}

// SetRawIQHandler sets the raw IQ callback used in raw XML mode.
func (t *Transport) SetRawIQHandler(fn func(iq RawIQ)) {
	t.onRawIQ = fn
}

// Run connects and serves the stream until Close. Lost connections are
// retried every three seconds, without bound.
func (t *Transport) Run() {
	for {
		if err := t.connect(); err != nil {
			t.log.Error("cannot connect to %s:%d: %v", t.cfg.Server, t.cfg.Port, err)
			t.connectionLost(err)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(reconnectDelay):
				continue
			}
		}

		err := t.serve()
		t.mu.Lock()
		t.connected = false
		t.session = nil
		t.mu.Unlock()

		if t.ctx.Err() != nil {
			return
		}

		t.log.Error("stream to the server lost: %v", err)
		t.connectionLost(err)
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// Close tears the session down and stops Run.
func (t *Transport) Close() {
	t.cancel()
	t.mu.Lock()
	session := t.session
	t.connected = false
	t.session = nil
	t.mu.Unlock()
	if session != nil {
		session.Close()
	}
}

func (t *Transport) connectionLost(err error) {
	t.mu.Lock()
	t.reconnects++
	t.mu.Unlock()
	if t.onConnectionError != nil && err != nil {
		t.onConnectionError(err)
	}
}

func (t *Transport) connect() error {
	addr := net.JoinHostPort(t.cfg.Server, strconv.Itoa(t.cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}

	if t.cfg.Cert != "" {
		cert, err := LoadPKCS12(t.cfg.Cert, t.cfg.CertPassword)
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to load certificate: %w", err)
		}
		conn = tls.Client(conn, &tls.Config{
			Certificates: []tls.Certificate{cert},
			ServerName:   t.jid.String(),
			MinVersion:   tls.VersionTLS12,
		})
	}

	session, err := component.NewSession(t.ctx, t.jid, []byte(t.cfg.Secret), conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("component handshake failed: %w", err)
	}

	t.mu.Lock()
	t.session = session
	t.connected = true
	t.mu.Unlock()

	t.log.Info("connected to %s as %s", addr, t.jid)
	if t.onConnected != nil {
		t.onConnected()
	}
	return nil
}

func (t *Transport) currentSession() *mxmpp.Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.connected {
		return nil
	}
	return t.session
}

type incomingMessage struct {
	XMLName xml.Name `xml:"message"`
	From    string   `xml:"from,attr"`
	To      string   `xml:"to,attr"`
	Type    string   `xml:"type,attr"`
	Body    string   `xml:"body"`
}

type incomingPresence struct {
	XMLName xml.Name `xml:"presence"`
	From    string   `xml:"from,attr"`
	To      string   `xml:"to,attr"`
	Type    string   `xml:"type,attr"`
}

type incomingIQ struct {
	XMLName xml.Name `xml:"iq"`
	From    string   `xml:"from,attr"`
	To      string   `xml:"to,attr"`
	ID      string   `xml:"id,attr"`
	Type    string   `xml:"type,attr"`
	Payload struct {
		XMLName xml.Name
		Inner   string `xml:",innerxml"`
	} `xml:",any"`
}

// serve decodes stanzas off the stream until it breaks.
func (t *Transport) serve() error {
	session := t.currentSession()
	if session == nil {
		return ErrNotConnected
	}

	d := xml.NewTokenDecoder(session.TokenReader())
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "message":
			var m incomingMessage
			if err := d.DecodeElement(&m, &start); err != nil {
				return err
			}
			t.handleMessage(&m)
		case "presence":
			var p incomingPresence
			if err := d.DecodeElement(&p, &start); err != nil {
				return err
			}
			t.handlePresence(&p)
		case "iq":
			var iq incomingIQ
			if err := d.DecodeElement(&iq, &start); err != nil {
				return err
			}
			t.handleIQ(session, &iq)
		default:
			if err := d.Skip(); err != nil {
				return err
			}
		}
	}
}

func (t *Transport) handleMessage(m *incomingMessage) {
	if t.onMessage == nil {
		return
	}
	from, err := jid.Parse(m.From)
	if err != nil {
		t.log.Debug("message with bad from %q dropped", m.From)
		return
	}
	to, err := jid.Parse(m.To)
	if err != nil {
		t.log.Debug("message with bad to %q dropped", m.To)
		return
	}
	messageType := stanza.MessageType(m.Type)
	if messageType == "" {
		messageType = stanza.NormalMessage
	}
	t.onMessage(from, to, messageType, m.Body)
}

func (t *Transport) handlePresence(p *incomingPresence) {
	if t.onPresence == nil {
		return
	}
	from, err := jid.Parse(p.From)
	if err != nil {
		t.log.Debug("presence with bad from %q dropped", p.From)
		return
	}
	to, err := jid.Parse(p.To)
	if err != nil {
		t.log.Debug("presence with bad to %q dropped", p.To)
		return
	}
	t.onPresence(from, to, stanza.PresenceType(p.Type))
}

type discoIdentity struct {
	Category string `xml:"category,attr"`
	Type     string `xml:"type,attr"`
	Name     string `xml:"name,attr"`
}

type discoFeature struct {
	Var string `xml:"var,attr"`
}

type discoInfoQuery struct {
	XMLName  xml.Name        `xml:"http://jabber.org/protocol/disco#info query"`
	Identity []discoIdentity `xml:"identity"`
	Feature  []discoFeature  `xml:"feature"`
}

func (t *Transport) handleIQ(session *mxmpp.Session, iq *incomingIQ) {
	if iq.Type == "get" && iq.Payload.XMLName.Space == NSDiscoInfo {
		t.sendDiscoInfo(session, iq)
		return
	}

	if t.cfg.RawXML && t.onRawIQ != nil {
		t.onRawIQ(RawIQ{
			From:    iq.From,
			To:      iq.To,
			ID:      iq.ID,
			Type:    iq.Type,
			Payload: iq.Payload.XMLName,
			Inner:   iq.Payload.Inner,
		})
		return
	}

	if iq.Type != "get" && iq.Type != "set" {
		return
	}

	from, err := jid.Parse(iq.From)
	if err != nil {
		return
	}
	reply := struct {
		stanza.IQ
		Error stanza.Error `xml:"error"`
	}{
		IQ:    stanza.IQ{ID: iq.ID, To: from, From: t.jid, Type: stanza.ErrorIQ},
		Error: stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable},
	}
	if err := session.Encode(t.ctx, reply); err != nil {
		t.log.Warn("IQ error reply to %s dropped: %v", iq.From, err)
	}
}

// sendDiscoInfo answers a disco#info query with the gateway identity.
func (t *Transport) sendDiscoInfo(session *mxmpp.Session, iq *incomingIQ) {
	from, err := jid.Parse(iq.From)
	if err != nil {
		return
	}
	reply := struct {
		stanza.IQ
		Query discoInfoQuery `xml:"query"`
	}{
		IQ: stanza.IQ{ID: iq.ID, To: from, From: t.jid, Type: stanza.ResultIQ},
		Query: discoInfoQuery{
			Identity: []discoIdentity{{Category: "gateway", Type: "xmpp", Name: "Transgate"}},
			Feature: []discoFeature{
				{Var: NSDiscoInfo},
				{Var: "http://jabber.org/protocol/muc"},
			},
		},
	}
	if err := session.Encode(t.ctx, reply); err != nil {
		t.log.Warn("disco#info reply to %s dropped: %v", iq.From, err)
	}
}

// SendMessage encodes one message stanza onto the stream.
func (t *Transport) SendMessage(msg *Message) error {
	session := t.currentSession()
	if session == nil {
		return ErrNotConnected
	}
	return session.Encode(t.ctx, *msg)
}

// SendPresence encodes one presence stanza onto the stream.
func (t *Transport) SendPresence(p *Presence) error {
	session := t.currentSession()
	if session == nil {
		return ErrNotConnected
	}
	return session.Encode(t.ctx, *p)
}
