package xmpp

import (
	"encoding/xml"

	"mellium.im/xmpp/delay"
	"mellium.im/xmpp/stanza"
)

// NSMUCUser is the XEP-0045 muc#user namespace.
const NSMUCUser = "http://jabber.org/protocol/muc#user"

// MUC user-payload status codes emitted by the gateway.
const (
	MUCStatusSelfPresence = 110
	MUCStatusNickChanged  = 303
	MUCStatusKicked       = 307
	MUCStatusShutdown     = 332
)

// MUC affiliations and roles, as they appear on the wire.
const (
	AffiliationNone   = "none"
	AffiliationMember = "member"
	AffiliationAdmin  = "admin"

	RoleNone        = "none"
	RoleParticipant = "participant"
	RoleModerator   = "moderator"
)

// Message is an outbound XMPP message stanza. A non-nil Delay marks delayed
// delivery per XEP-0203.
type Message struct {
	stanza.Message
	Subject string       `xml:"subject,omitempty"`
	Body    string       `xml:"body,omitempty"`
	Delay   *delay.Delay `xml:",omitempty"`
}

// Presence is an outbound XMPP presence stanza, optionally carrying a MUC
// user payload.
type Presence struct {
	stanza.Presence
	Show    string   `xml:"show,omitempty"`
	Status  string   `xml:"status,omitempty"`
	MUCUser *MUCUser `xml:",omitempty"`
}

// MUCUser is the <x xmlns='http://jabber.org/protocol/muc#user'/> payload.
type MUCUser struct {
	XMLName xml.Name    `xml:"http://jabber.org/protocol/muc#user x"`
	Items   []MUCItem   `xml:"item"`
	Status  []MUCStatus `xml:"status"`
}

// MUCItem describes one occupant inside a MUC user payload.
type MUCItem struct {
	Affiliation string    `xml:"affiliation,attr,omitempty"`
	Role        string    `xml:"role,attr,omitempty"`
	Nick        string    `xml:"nick,attr,omitempty"`
	Actor       *MUCActor `xml:"actor,omitempty"`
	Reason      string    `xml:"reason,omitempty"`
}

// MUCActor names the entity responsible for a change.
type MUCActor struct {
	Nick string `xml:"nick,attr,omitempty"`
}

// MUCStatus is a numbered status code element.
type MUCStatus struct {
	Code int `xml:"code,attr"`
}

// StatusCodes returns the codes carried by a presence, if any.
func (p *Presence) StatusCodes() []int {
	if p.MUCUser == nil {
		return nil
	}
	codes := make([]int, 0, len(p.MUCUser.Status))
	for _, s := range p.MUCUser.Status {
		codes = append(codes, s.Code)
	}
	return codes
}

// StanzaChannel is the stanza-sending surface the routing layers depend on.
// The component Transport implements it; tests substitute a recorder.
type StanzaChannel interface {
	SendMessage(msg *Message) error
	SendPresence(p *Presence) error
}
