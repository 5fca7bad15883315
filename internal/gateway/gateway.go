// Package gateway wires configuration, storage, the XMPP transport, user
// sessions and the backend supervisor into one running service.
package gateway

import (
	"fmt"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/transgate/internal/backend"
	"github.com/meszmate/transgate/internal/config"
	"github.com/meszmate/transgate/internal/logging"
	"github.com/meszmate/transgate/internal/session"
	"github.com/meszmate/transgate/internal/storage/sqlite"
	"github.com/meszmate/transgate/internal/xmpp"
)

// Gateway is the assembled service.
type Gateway struct {
	cfg        *config.Config
	store      *sqlite.DB
	transport  *xmpp.Transport
	users      *session.Manager
	supervisor *backend.Supervisor

	log *logging.Logger
}

// New assembles a gateway from its configuration.
func New(cfg *config.Config) (*Gateway, error) {
	store, err := sqlite.New(cfg.Storage.Database)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	transport, err := xmpp.NewTransport(xmpp.Config{
		JID:          cfg.Service.JID,
		Server:       cfg.Service.Server,
		Port:         cfg.Service.Port,
		Secret:       cfg.Service.Password,
		Cert:         cfg.Service.Cert,
		CertPassword: cfg.Service.CertPassword,
		RawXML:       cfg.Features.RawXML,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("gateway: %w", err)
	}

	users := session.NewManager(session.Options{
		Domain:      cfg.Service.JID,
		ServerMode:  cfg.Service.ServerMode,
		JIDEscaping: cfg.Service.JIDEscaping,
	}, transport, store, store)

	supervisor := backend.NewSupervisor(backend.Options{
		Host:        cfg.Backend.Host,
		Port:        cfg.Backend.Port,
		BackendPath: cfg.Service.Backend,
		ConfigPath:  cfg.Path,
	}, users)

	g := &Gateway{
		cfg:        cfg,
		store:      store,
		transport:  transport,
		users:      users,
		supervisor: supervisor,
		log:        logging.Component("gateway"),
	}

	transport.SetConnectedHandler(func() {
		g.log.Info("component session established")
	})
	transport.SetConnectionErrorHandler(func(err error) {
		stats := transport.Stats()
		g.log.Warn("server connection lost (attempt %d): %v", stats.Reconnects, err)
	})
	transport.SetPresenceHandler(func(from, to jid.JID, presenceType stanza.PresenceType) {
		users.HandlePresence(from, to, presenceType)
	})
	transport.SetMessageHandler(func(from, to jid.JID, messageType stanza.MessageType, body string) {
		switch messageType {
		case stanza.ChatMessage, stanza.GroupChatMessage, stanza.NormalMessage:
			users.RouteMessage(from, to, body)
		}
	})
	transport.SetRawIQHandler(func(iq xmpp.RawIQ) {
		g.log.Debug("raw IQ %s from %s passed through", iq.Payload.Space, iq.From)
	})

	return g, nil
}

// Run starts the supervisor and serves the component stream until Stop.
func (g *Gateway) Run() error {
	if err := g.supervisor.Start(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	g.transport.Run()
	return nil
}

// Stop tears everything down.
func (g *Gateway) Stop() {
	g.transport.Close()
	g.supervisor.Stop()
	if err := g.store.Close(); err != nil {
		g.log.Warn("closing the store failed: %v", err)
	}
}

// Users exposes the session manager, mainly for tests and diagnostics.
func (g *Gateway) Users() *session.Manager {
	return g.users
}
