package xmpp

import "github.com/meszmate/transgate/internal/wire"

// ShowForStatus maps a legacy status value onto a presence show. The second
// return is false when the value means the entity is unavailable.
func ShowForStatus(status int32) (string, bool) {
	switch status {
	case wire.StatusFreeForChat:
		return "chat", true
	case wire.StatusAway:
		return "away", true
	case wire.StatusExtendedAway:
		return "xa", true
	case wire.StatusDoNotDisturb:
		return "dnd", true
	case wire.StatusNone:
		return "", false
	default:
		return "", true
	}
}
