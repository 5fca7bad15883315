// Package wire implements the framed envelope protocol spoken between the
// gateway and its backend processes. Every envelope on the stream is a
// Wrapper: a type tag plus an opaque payload holding one of the typed
// records below, encoded in protobuf wire format.
//
// Field numbers are part of the protocol and must not be renumbered:
//
//	Wrapper             type=1 payload=2
//	Login               user=1 legacy_name=2 password=3
//	Logout              user=1 legacy_name=2
//	ConversationMessage user=1 buddy_name=2 message=3 nickname=4
//	Room                user=1 nickname=2 room=3 password=4
//	Buddy               user=1 buddy_name=2 alias=3 groups=4 status=5 status_message=6 icon_hash=7
//	Participant         user=1 nickname=2 room=3 flag=4 status=5 status_message=6 newname=7
//	Connected           user=1 legacy_name=2
//	Disconnected        user=1 legacy_name=2 error=3 message=4
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Type is the envelope tag carried by a Wrapper.
type Type int32

const (
	TypeUnknown Type = iota
	TypeLogin
	TypeLogout
	TypeConvMessage
	TypeRoomSubjectChanged
	TypeJoinRoom
	TypeLeaveRoom
	TypeBuddyChanged
	TypeParticipantChanged
	TypeRoomNicknameChanged
	TypeConnected
	TypeDisconnected
	TypePing
	TypePong
)

// String returns the tag name used in logs.
func (t Type) String() string {
	switch t {
	case TypeLogin:
		return "LOGIN"
	case TypeLogout:
		return "LOGOUT"
	case TypeConvMessage:
		return "CONV_MESSAGE"
	case TypeRoomSubjectChanged:
		return "ROOM_SUBJECT_CHANGED"
	case TypeJoinRoom:
		return "JOIN_ROOM"
	case TypeLeaveRoom:
		return "LEAVE_ROOM"
	case TypeBuddyChanged:
		return "BUDDY_CHANGED"
	case TypeParticipantChanged:
		return "PARTICIPANT_CHANGED"
	case TypeRoomNicknameChanged:
		return "ROOM_NICKNAME_CHANGED"
	case TypeConnected:
		return "CONNECTED"
	case TypeDisconnected:
		return "DISCONNECTED"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

// Legacy status values carried in Buddy.Status and Participant.Status.
const (
	StatusOnline int32 = iota
	StatusFreeForChat
	StatusAway
	StatusExtendedAway
	StatusDoNotDisturb
	StatusNone
)

// Participant flag bits.
const (
	FlagModerator int32 = 1 << iota
)

// Wrapper is the outer envelope.
type Wrapper struct {
	Type    Type
	Payload []byte
}

// Login establishes a legacy session for a user.
type Login struct {
	User       string
	LegacyName string
	Password   string
}

// Logout terminates a legacy session.
type Logout struct {
	User       string
	LegacyName string
}

// ConversationMessage is a chat payload in either direction. It doubles as
// the ROOM_SUBJECT_CHANGED payload, where Message carries the subject.
type ConversationMessage struct {
	User      string
	BuddyName string
	Message   string
	Nickname  string
}

// Room is the JOIN_ROOM / LEAVE_ROOM / ROOM_NICKNAME_CHANGED payload.
type Room struct {
	User     string
	Nickname string
	Room     string
	Password string
}

// Buddy is a roster update pushed by a backend.
type Buddy struct {
	User          string
	BuddyName     string
	Alias         string
	Groups        string
	Status        int32
	StatusMessage string
	IconHash      string
}

// Participant is a MUC occupant change. A non-empty Newname means the
// occupant renamed itself.
type Participant struct {
	User          string
	Nickname      string
	Room          string
	Flag          int32
	Status        int32
	StatusMessage string
	Newname       string
}

// Connected reports that a legacy session was established.
type Connected struct {
	User       string
	LegacyName string
}

// Disconnected reports that a legacy session ended.
type Disconnected struct {
	User       string
	LegacyName string
	Error      int32
	Message    string
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// decodeFields walks every field of a protobuf record, handing string and
// varint values to the callback. Unknown fields and unexpected wire types
// are skipped so newer peers can add fields.
func decodeFields(b []byte, set func(num protowire.Number, s string, v uint64)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			set(num, string(v), 0)
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			set(num, "", v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// Marshal encodes the wrapper for framing.
func (w *Wrapper) Marshal() []byte {
	var b []byte
	b = appendInt32(b, 1, int32(w.Type))
	b = appendBytes(b, 2, w.Payload)
	return b
}

// ParseWrapper decodes an envelope payload.
func ParseWrapper(b []byte) (*Wrapper, error) {
	w := &Wrapper{}
	err := decodeFields(b, func(num protowire.Number, s string, v uint64) {
		switch num {
		case 1:
			w.Type = Type(v)
		case 2:
			w.Payload = []byte(s)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wire: bad wrapper: %w", err)
	}
	return w, nil
}

// Wrap serializes an inner payload into a ready-to-frame wrapper.
func Wrap(t Type, payload []byte) []byte {
	w := Wrapper{Type: t, Payload: payload}
	return w.Marshal()
}

func (m *Login) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.User)
	b = appendString(b, 2, m.LegacyName)
	b = appendString(b, 3, m.Password)
	return b
}

func ParseLogin(b []byte) (*Login, error) {
	m := &Login{}
	err := decodeFields(b, func(num protowire.Number, s string, _ uint64) {
		switch num {
		case 1:
			m.User = s
		case 2:
			m.LegacyName = s
		case 3:
			m.Password = s
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wire: bad login: %w", err)
	}
	return m, nil
}

func (m *Logout) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.User)
	b = appendString(b, 2, m.LegacyName)
	return b
}

func ParseLogout(b []byte) (*Logout, error) {
	m := &Logout{}
	err := decodeFields(b, func(num protowire.Number, s string, _ uint64) {
		switch num {
		case 1:
			m.User = s
		case 2:
			m.LegacyName = s
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wire: bad logout: %w", err)
	}
	return m, nil
}

func (m *ConversationMessage) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.User)
	b = appendString(b, 2, m.BuddyName)
	b = appendString(b, 3, m.Message)
	b = appendString(b, 4, m.Nickname)
	return b
}

func ParseConversationMessage(b []byte) (*ConversationMessage, error) {
	m := &ConversationMessage{}
	err := decodeFields(b, func(num protowire.Number, s string, _ uint64) {
		switch num {
		case 1:
			m.User = s
		case 2:
			m.BuddyName = s
		case 3:
			m.Message = s
		case 4:
			m.Nickname = s
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wire: bad conversation message: %w", err)
	}
	return m, nil
}

func (m *Room) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.User)
	b = appendString(b, 2, m.Nickname)
	b = appendString(b, 3, m.Room)
	b = appendString(b, 4, m.Password)
	return b
}

func ParseRoom(b []byte) (*Room, error) {
	m := &Room{}
	err := decodeFields(b, func(num protowire.Number, s string, _ uint64) {
		switch num {
		case 1:
			m.User = s
		case 2:
			m.Nickname = s
		case 3:
			m.Room = s
		case 4:
			m.Password = s
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wire: bad room: %w", err)
	}
	return m, nil
}

func (m *Buddy) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.User)
	b = appendString(b, 2, m.BuddyName)
	b = appendString(b, 3, m.Alias)
	b = appendString(b, 4, m.Groups)
	b = appendInt32(b, 5, m.Status)
	b = appendString(b, 6, m.StatusMessage)
	b = appendString(b, 7, m.IconHash)
	return b
}

func ParseBuddy(b []byte) (*Buddy, error) {
	m := &Buddy{}
	err := decodeFields(b, func(num protowire.Number, s string, v uint64) {
		switch num {
		case 1:
			m.User = s
		case 2:
			m.BuddyName = s
		case 3:
			m.Alias = s
		case 4:
			m.Groups = s
		case 5:
			m.Status = int32(v)
		case 6:
			m.StatusMessage = s
		case 7:
			m.IconHash = s
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wire: bad buddy: %w", err)
	}
	return m, nil
}

func (m *Participant) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.User)
	b = appendString(b, 2, m.Nickname)
	b = appendString(b, 3, m.Room)
	b = appendInt32(b, 4, m.Flag)
	b = appendInt32(b, 5, m.Status)
	b = appendString(b, 6, m.StatusMessage)
	b = appendString(b, 7, m.Newname)
	return b
}

func ParseParticipant(b []byte) (*Participant, error) {
	m := &Participant{}
	err := decodeFields(b, func(num protowire.Number, s string, v uint64) {
		switch num {
		case 1:
			m.User = s
		case 2:
			m.Nickname = s
		case 3:
			m.Room = s
		case 4:
			m.Flag = int32(v)
		case 5:
			m.Status = int32(v)
		case 6:
			m.StatusMessage = s
		case 7:
			m.Newname = s
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wire: bad participant: %w", err)
	}
	return m, nil
}

func (m *Connected) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.User)
	b = appendString(b, 2, m.LegacyName)
	return b
}

func ParseConnected(b []byte) (*Connected, error) {
	m := &Connected{}
	err := decodeFields(b, func(num protowire.Number, s string, _ uint64) {
		switch num {
		case 1:
			m.User = s
		case 2:
			m.LegacyName = s
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wire: bad connected: %w", err)
	}
	return m, nil
}

func (m *Disconnected) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.User)
	b = appendString(b, 2, m.LegacyName)
	b = appendInt32(b, 3, m.Error)
	b = appendString(b, 4, m.Message)
	return b
}

func ParseDisconnected(b []byte) (*Disconnected, error) {
	m := &Disconnected{}
	err := decodeFields(b, func(num protowire.Number, s string, v uint64) {
		switch num {
		case 1:
			m.User = s
		case 2:
			m.LegacyName = s
		case 3:
			m.Error = int32(v)
		case 4:
			m.Message = s
		}
	})
	if err != nil {
		return nil, fmt.Errorf("wire: bad disconnected: %w", err)
	}
	return m, nil
}
