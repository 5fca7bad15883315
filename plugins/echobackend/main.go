// Command echobackend is a demo transgate backend: it accepts every login
// and echoes chat messages back to their sender.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/meszmate/transgate/internal/config"
	"github.com/meszmate/transgate/internal/logging"
	"github.com/meszmate/transgate/internal/wire"
	"github.com/meszmate/transgate/pkg/backend"
)

type echoHandler struct {
	conn *backend.Conn
}

func (h *echoHandler) HandleLogin(user, legacyName, password string) {
	logging.Info("login for %s as %s", user, legacyName)
	if err := h.conn.SendConnected(user, legacyName); err != nil {
		logging.Error("cannot confirm login for %s: %v", user, err)
	}
}

func (h *echoHandler) HandleLogout(user, legacyName string) {
	logging.Info("logout for %s", user)
}

func (h *echoHandler) HandleMessage(user, legacyName, message string) {
	if err := h.conn.SendMessage(user, legacyName, message, ""); err != nil {
		logging.Error("cannot echo to %s: %v", user, err)
	}
}

func (h *echoHandler) HandleJoinRoom(user, room, nickname, password string) {
	logging.Info("%s joins %s as %s", user, room, nickname)
	h.conn.SendRoomNicknameChanged(user, room, nickname)
	h.conn.SendParticipantChanged(user, &wire.Participant{
		Nickname: nickname,
		Room:     room,
		Status:   wire.StatusOnline,
	})
	h.conn.SendSubject(user, room, "echo room", "echo")
}

func (h *echoHandler) HandleLeaveRoom(user, room string) {
	logging.Info("%s leaves %s", user, room)
}

func main() {
	host := flag.String("host", "localhost", "gateway host")
	port := flag.Int("port", 10000, "gateway port")
	flag.Parse()

	if path := flag.Arg(0); path != "" {
		if cfg, err := config.Load(path); err == nil {
			logging.Init(logging.Config{Level: cfg.Logging.Level, Console: true})
		}
	}

	h := &echoHandler{}
	conn, err := backend.Dial(*host, *port, h)
	if err != nil {
		fmt.Fprintf(os.Stderr, "echobackend: %v\n", err)
		os.Exit(1)
	}
	h.conn = conn

	if err := conn.Run(); err != nil {
		logging.Error("%v", err)
		os.Exit(1)
	}
}
