package xmpp

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// XML namespaces used on the wire. The client speaks WebSocket-framed XMPP,
// so stream negotiation uses the framing namespace rather than stream:stream.
const (
	nsFraming  = "urn:ietf:params:xml:ns:xmpp-framing"
	nsStreams  = "http://etherx.jabber.org/streams"
	nsSASL     = "urn:ietf:params:xml:ns:xmpp-sasl"
	nsTLS      = "urn:ietf:params:xml:ns:xmpp-tls"
	nsBind     = "urn:ietf:params:xml:ns:xmpp-bind"
	nsSession  = "urn:ietf:params:xml:ns:xmpp-session"
	nsRosterV  = "urn:xmpp:features:rosterver"
	nsCompress = "http://jabber.org/features/compress"
	nsIQAuth   = "http://jabber.org/features/iq-auth"
	nsClient   = "jabber:client"
	nsMUCUser  = "http://jabber.org/protocol/muc#user"
)

// Fixed iq ids the client uses for resource binding and session establishment.
const (
	iqBindID    = "_xmpp_bind1"
	iqSessionID = "_xmpp_session1"
)

// Stanza is one parsed protocol frame. Exactly one concrete type exists per
// recognized top-level element; anything else fails to parse.
type Stanza interface {
	stanza()
}

// OpenStanza is the stream negotiation frame (<open/>).
type OpenStanza struct {
	To string
}

// AuthStanza is the SASL PLAIN credential frame. Payload is the raw base64
// content; decoding happens in the handshake.
type AuthStanza struct {
	Mechanism string
	Payload   string
}

// IQStanza is a request/response frame. BindResource is set when the iq
// carries a <bind><resource> child.
type IQStanza struct {
	ID           string
	Type         string
	BindResource string
}

// MessageStanza is a chat, groupchat or application envelope.
type MessageStanza struct {
	To   string
	Type string
	ID   string
	Body string
}

// PresenceStanza is a self-status update or a room join/leave. MUC is true
// when the frame carries an <x/> child (the room-join convention).
type PresenceStanza struct {
	To     string
	Type   string
	Status string
	Away   bool
	MUC    bool
}

// CloseStanza is a graceful stream close request.
type CloseStanza struct{}

func (*OpenStanza) stanza()     {}
func (*AuthStanza) stanza()     {}
func (*IQStanza) stanza()       {}
func (*MessageStanza) stanza()  {}
func (*PresenceStanza) stanza() {}
func (*CloseStanza) stanza()    {}

// Kind returns the wire name of the stanza, for logging and metrics.
func Kind(st Stanza) string {
	switch st.(type) {
	case *OpenStanza:
		return "open"
	case *AuthStanza:
		return "auth"
	case *IQStanza:
		return "iq"
	case *MessageStanza:
		return "message"
	case *PresenceStanza:
		return "presence"
	case *CloseStanza:
		return "close"
	}
	return "unknown"
}

type openFrame struct {
	To string `xml:"to,attr"`
}

type authFrame struct {
	Mechanism string `xml:"mechanism,attr"`
	Payload   string `xml:",chardata"`
}

type iqFrame struct {
	ID   string `xml:"id,attr"`
	Type string `xml:"type,attr"`
	Bind *struct {
		Resource string `xml:"resource"`
	} `xml:"bind"`
}

type messageFrame struct {
	To   string `xml:"to,attr"`
	Type string `xml:"type,attr"`
	ID   string `xml:"id,attr"`
	Body string `xml:"body"`
}

type presenceFrame struct {
	To     string    `xml:"to,attr"`
	Type   string    `xml:"type,attr"`
	Status string    `xml:"status"`
	Show   *struct{} `xml:"show"`
	X      *struct{} `xml:"x"`
}

// ParseStanza decodes one raw frame into its stanza. A frame whose top-level
// element is not one of the six recognized kinds, or that is structurally
// malformed, returns an error (a protocol error for the caller).
func ParseStanza(raw []byte) (Stanza, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	var start *xml.StartElement
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("empty frame")
		}
		if err != nil {
			return nil, fmt.Errorf("malformed frame: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			start = &se
			break
		}
	}

	// Prefixed names (stream:features style) resolve to the local part.
	switch start.Name.Local {
	case "open":
		var f openFrame
		if err := dec.DecodeElement(&f, start); err != nil {
			return nil, fmt.Errorf("malformed open: %w", err)
		}
		return &OpenStanza{To: f.To}, nil
	case "auth":
		var f authFrame
		if err := dec.DecodeElement(&f, start); err != nil {
			return nil, fmt.Errorf("malformed auth: %w", err)
		}
		return &AuthStanza{Mechanism: f.Mechanism, Payload: strings.TrimSpace(f.Payload)}, nil
	case "iq":
		var f iqFrame
		if err := dec.DecodeElement(&f, start); err != nil {
			return nil, fmt.Errorf("malformed iq: %w", err)
		}
		st := &IQStanza{ID: f.ID, Type: f.Type}
		if f.Bind != nil {
			st.BindResource = f.Bind.Resource
		}
		return st, nil
	case "message":
		var f messageFrame
		if err := dec.DecodeElement(&f, start); err != nil {
			return nil, fmt.Errorf("malformed message: %w", err)
		}
		return &MessageStanza{To: f.To, Type: f.Type, ID: f.ID, Body: f.Body}, nil
	case "presence":
		var f presenceFrame
		if err := dec.DecodeElement(&f, start); err != nil {
			return nil, fmt.Errorf("malformed presence: %w", err)
		}
		return &PresenceStanza{
			To:     f.To,
			Type:   f.Type,
			Status: f.Status,
			Away:   f.Show != nil,
			MUC:    f.X != nil,
		}, nil
	case "close":
		return &CloseStanza{}, nil
	default:
		return nil, fmt.Errorf("unknown stanza kind %q", start.Name.Local)
	}
}

// ---------------------------------------------------------------------------
// Outbound frames
//
// Stream negotiation frames are fixed-shape; they are written literally the
// way Go XMPP implementations write their stream headers, since encoding/xml
// cannot emit xml:lang or prefixed element names cleanly.
// ---------------------------------------------------------------------------

const (
	frameSASLSuccess = `<success xmlns="` + nsSASL + `"/>`
	frameStreamClose = `<close xmlns="` + nsFraming + `"/>`

	framePreAuthFeatures = `<stream:features xmlns:stream="` + nsStreams + `">` +
		`<mechanisms xmlns="` + nsSASL + `"><mechanism>PLAIN</mechanism></mechanisms>` +
		`<ver xmlns="` + nsRosterV + `"/>` +
		`<starttls xmlns="` + nsTLS + `"/>` +
		`<compression xmlns="` + nsCompress + `"><method>zlib</method></compression>` +
		`<auth xmlns="` + nsIQAuth + `"/>` +
		`</stream:features>`

	framePostAuthFeatures = `<stream:features xmlns:stream="` + nsStreams + `">` +
		`<ver xmlns="` + nsRosterV + `"/>` +
		`<starttls xmlns="` + nsTLS + `"/>` +
		`<bind xmlns="` + nsBind + `"/>` +
		`<compression xmlns="` + nsCompress + `"><method>zlib</method></compression>` +
		`<session xmlns="` + nsSession + `"/>` +
		`</stream:features>`
)

// buildOpen builds the server's side of the stream-open exchange.
func buildOpen(domain, streamID string) []byte {
	return []byte(fmt.Sprintf(
		`<open xmlns=%q from=%q id=%q version="1.0" xml:lang="en"/>`,
		nsFraming, domain, streamID))
}

// buildFeatures advertises SASL before authentication and bind/session after.
func buildFeatures(authenticated bool) []byte {
	if authenticated {
		return []byte(framePostAuthFeatures)
	}
	return []byte(framePreAuthFeatures)
}

type iqResult struct {
	XMLName xml.Name    `xml:"iq"`
	To      string      `xml:"to,attr"`
	From    string      `xml:"from,attr,omitempty"`
	ID      string      `xml:"id,attr"`
	XMLNS   string      `xml:"xmlns,attr"`
	Type    string      `xml:"type,attr"`
	Bind    *boundField `xml:"bind,omitempty"`
}

type boundField struct {
	XMLNS string `xml:"xmlns,attr"`
	JID   string `xml:"jid"`
}

func buildBindResult(jid string) []byte {
	return mustMarshal(iqResult{
		To:    jid,
		ID:    iqBindID,
		XMLNS: nsClient,
		Type:  "result",
		Bind:  &boundField{XMLNS: nsBind, JID: jid},
	})
}

func buildIQResult(jid, domain, id string) []byte {
	return mustMarshal(iqResult{
		To:    jid,
		From:  domain,
		ID:    id,
		XMLNS: nsClient,
		Type:  "result",
	})
}

type presenceOut struct {
	XMLName xml.Name `xml:"presence"`
	To      string   `xml:"to,attr"`
	From    string   `xml:"from,attr"`
	XMLNS   string   `xml:"xmlns,attr"`
	Type    string   `xml:"type,attr,omitempty"`
	Show    string   `xml:"show,omitempty"`
	Status  string   `xml:"status,omitempty"`
	X       *mucUser `xml:"x,omitempty"`
}

type mucUser struct {
	XMLNS  string      `xml:"xmlns,attr"`
	Item   mucItem     `xml:"item"`
	Status []mucStatus `xml:"status,omitempty"`
}

type mucItem struct {
	Nick        string `xml:"nick,attr"`
	JID         string `xml:"jid,attr"`
	Role        string `xml:"role,attr"`
	Affiliation string `xml:"affiliation,attr,omitempty"`
}

type mucStatus struct {
	Code string `xml:"code,attr"`
}

// buildFriendPresence builds an availability push between two bound JIDs.
func buildFriendPresence(from, to string, away bool, status string, offline bool) []byte {
	p := presenceOut{
		To:     to,
		From:   from,
		XMLNS:  nsClient,
		Type:   "available",
		Status: status,
	}
	if offline {
		p.Type = "unavailable"
	}
	if away {
		p.Show = "away"
	}
	return mustMarshal(p)
}

func buildMUCPresence(from, to, nick, realJID, role, affiliation string, codes []string, unavailable bool) []byte {
	p := presenceOut{
		To:    to,
		From:  from,
		XMLNS: nsClient,
		X: &mucUser{
			XMLNS: nsMUCUser,
			Item:  mucItem{Nick: nick, JID: realJID, Role: role, Affiliation: affiliation},
		},
	}
	if unavailable {
		p.Type = "unavailable"
	}
	for _, code := range codes {
		p.X.Status = append(p.X.Status, mucStatus{Code: code})
	}
	return mustMarshal(p)
}

type messageOut struct {
	XMLName xml.Name `xml:"message"`
	To      string   `xml:"to,attr"`
	From    string   `xml:"from,attr"`
	ID      string   `xml:"id,attr,omitempty"`
	XMLNS   string   `xml:"xmlns,attr"`
	Type    string   `xml:"type,attr,omitempty"`
	Body    string   `xml:"body"`
}

func buildMessage(from, to, id, msgType, body string) []byte {
	return mustMarshal(messageOut{
		To:    to,
		From:  from,
		ID:    id,
		XMLNS: nsClient,
		Type:  msgType,
		Body:  body,
	})
}

func mustMarshal(v any) []byte {
	out, err := xml.Marshal(v)
	if err != nil {
		// All outbound frames are fixed-shape structs; marshal cannot fail.
		panic(err)
	}
	return out
}

// mucOccupantJID is the room-scoped address a member is known by inside a
// room. The display name is escaped the way the original protocol expects,
// and the triple stays reversible server-side.
func mucOccupantJID(room, domain, displayName, accountID, resource string) string {
	return fmt.Sprintf("%s@muc.%s/%s:%s:%s", room, domain, url.PathEscape(displayName), accountID, resource)
}

// mucNick is the occupant JID with the room prefix stripped.
func mucNick(room, domain, displayName, accountID, resource string) string {
	full := mucOccupantJID(room, domain, displayName, accountID, resource)
	return strings.TrimPrefix(full, fmt.Sprintf("%s@muc.%s/", room, domain))
}

// bareJID strips the resource part of a JID.
func bareJID(jid string) string {
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		return jid[:i]
	}
	return jid
}
