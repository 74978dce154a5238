package xmpp

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// handleMessage routes an inbound message stanza: direct chat, room chat, or
// an opaque application envelope. Every rejection on this path is a policy
// drop, never a protocol error.
func (s *Server) handleMessage(sess *Session, st *MessageStanza) error {
	if st.Body == "" {
		return s.drop(sess, "message_no_body")
	}

	switch st.Type {
	case "chat":
		return s.routeChat(sess, st)
	case "groupchat":
		return s.routeGroupChat(sess, st)
	default:
		return s.routeApplicationMessage(sess, st)
	}
}

// routeChat delivers a direct chat message to the live session behind the
// target's bare JID. Self-delivery is refused.
func (s *Server) routeChat(sess *Session, st *MessageStanza) error {
	if st.To == "" {
		return s.drop(sess, "chat_no_target")
	}
	if len(st.Body) > s.config.MaxMessageLength {
		return s.drop(sess, "chat_too_long")
	}

	receiver, ok := s.clients.GetByBareJID(st.To)
	if !ok {
		return s.drop(sess, "chat_no_recipient")
	}
	if receiver.AccountID == sess.AccountID {
		return s.drop(sess, "chat_self_delivery")
	}

	s.send(receiver, "message", buildMessage(sess.JID, receiver.JID, "", "chat", st.Body))
	return nil
}

// routeGroupChat fans a room message out to every member with a live
// session. The sender must be a recorded member; the from address is the
// sender's room-scoped occupant JID, hiding the real resource string.
func (s *Server) routeGroupChat(sess *Session, st *MessageStanza) error {
	if st.To == "" {
		return s.drop(sess, "groupchat_no_target")
	}
	if len(st.Body) > s.config.MaxMessageLength {
		return s.drop(sess, "groupchat_too_long")
	}

	room := roomNameFromTarget(st.To)
	members, ok := s.rooms.Members(room)
	if !ok {
		return s.drop(sess, "groupchat_unknown_room")
	}
	if !s.rooms.IsMember(room, sess.AccountID) {
		return s.drop(sess, "groupchat_not_member")
	}

	occupant := mucOccupantJID(room, s.config.Domain, sess.DisplayName, sess.AccountID, sess.Resource)
	for _, memberID := range members {
		member, ok := s.clients.Get(memberID)
		if !ok {
			continue
		}
		s.send(member, "message", buildMessage(occupant, member.JID, "", "groupchat", st.Body))
	}
	return nil
}

// routeApplicationMessage forwards an opaque envelope to the single session
// matching the target, preserving the stanza id. Bodies that are not a JSON
// object with a string type field are tolerated and dropped without error.
func (s *Server) routeApplicationMessage(sess *Session, st *MessageStanza) error {
	var body map[string]json.RawMessage
	if err := json.Unmarshal([]byte(st.Body), &body); err != nil {
		return s.drop(sess, "app_message_not_object")
	}
	var msgType string
	if err := json.Unmarshal(body["type"], &msgType); err != nil || msgType == "" {
		return s.drop(sess, "app_message_no_type")
	}

	if st.To == "" || st.ID == "" {
		return s.drop(sess, "app_message_no_target")
	}

	receiver, ok := s.clients.GetByBareJID(st.To)
	if !ok {
		return s.drop(sess, "app_message_no_recipient")
	}

	s.send(receiver, "message", buildMessage(sess.JID, receiver.JID, st.ID, "", st.Body))
	return nil
}

// adminJID is the from address for server-originated application messages.
func (s *Server) adminJID() string {
	return "xmpp-admin@" + s.config.Domain
}

// SendToAccount pushes an application payload to the given account's live
// session, if any. Other subsystems (purchase notifier, friends service) use
// this without any protocol knowledge; payloads that are not already strings
// are JSON-encoded.
func (s *Server) SendToAccount(accountID string, payload any) {
	body, ok := encodeBody(payload)
	if !ok {
		return
	}

	receiver, found := s.clients.Get(accountID)
	if !found {
		return
	}
	s.send(receiver, "message", buildMessage(s.adminJID(), receiver.JID, "", "", body))
}

// Broadcast pushes an application payload to every connected session.
func (s *Server) Broadcast(payload any) {
	body, ok := encodeBody(payload)
	if !ok {
		return
	}

	for _, sess := range s.clients.All() {
		s.send(sess, "message", buildMessage(s.adminJID(), sess.JID, "", "", body))
	}
}

// broadcastPartyExit tells every other connected client that the departing
// session left its party. This is the disconnect-time compatibility notice
// layered on top of raw room departure.
func (s *Server) broadcastPartyExit(sess *Session, partyID string) {
	body, ok := encodeBody(map[string]any{
		"type": "com.epicgames.party.memberexited",
		"payload": map[string]any{
			"partyId":   partyID,
			"memberId":  sess.AccountID,
			"wasKicked": false,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if !ok {
		return
	}

	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	for _, other := range s.clients.All() {
		if other.AccountID == sess.AccountID {
			continue
		}
		s.send(other, "message", buildMessage(sess.JID, other.JID, id, "", body))
	}
}

func encodeBody(payload any) (string, bool) {
	if body, isString := payload.(string); isString {
		return body, true
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", false
	}
	return string(encoded), true
}
