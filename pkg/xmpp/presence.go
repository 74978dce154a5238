package xmpp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// handlePresence routes a presence stanza: room leave (typed unavailable at a
// MUC target), room join (any presence carrying the MUC extension), or a
// self-status publish.
func (s *Server) handlePresence(sess *Session, st *PresenceStanza) error {
	if st.Type == "unavailable" {
		if st.To == "" {
			return s.drop(sess, "presence_no_target")
		}
		if s.isMUCTarget(st.To) {
			if !strings.HasPrefix(strings.ToLower(st.To), "party-") {
				return s.drop(sess, "presence_room_target")
			}
			return s.leaveRoom(sess, roomNameFromTarget(st.To))
		}
		// Unavailable at a non-room target falls through to the status
		// publish below, retracting availability to friends.
	} else if st.MUC {
		if st.To == "" {
			return s.drop(sess, "presence_no_target")
		}
		return s.joinRoom(sess, roomNameFromTarget(st.To))
	}

	if st.Status == "" {
		return s.drop(sess, "presence_no_status")
	}
	if !isJSONValue(st.Status) || isJSONArray(st.Status) {
		return s.drop(sess, "presence_bad_status")
	}

	s.publishPresence(sess, st.Away, st.Status, st.Type == "unavailable")

	// Echo each connected friend's current presence back to the publisher,
	// so a client that republishes also refreshes its roster view.
	friends, err := s.friends.AcceptedFriends(sess.AccountID)
	if err != nil {
		return nil
	}
	for _, friendID := range friends {
		s.pushAccountPresence(friendID, sess.AccountID, false)
	}
	return nil
}

// publishPresence updates the session's stored presence and pushes it to
// every accepted friend with a live session. A friends-lookup failure means
// no recipients, never a dead connection.
func (s *Server) publishPresence(sess *Session, away bool, status string, offline bool) {
	sess.setPresence(away, status)

	friends, err := s.friends.AcceptedFriends(sess.AccountID)
	if err != nil {
		debugLog.Printf("Session %d: friends lookup failed: %v", sess.ID, err)
		return
	}

	for _, friendID := range friends {
		friend, ok := s.clients.Get(friendID)
		if !ok {
			continue
		}
		s.send(friend, "presence", buildFriendPresence(sess.JID, friend.JID, away, status, offline))
	}
}

// primeRoster pushes each connected friend's current presence to a freshly
// established session, without re-announcing the new session to them.
func (s *Server) primeRoster(sess *Session) {
	friends, err := s.friends.AcceptedFriends(sess.AccountID)
	if err != nil {
		debugLog.Printf("Session %d: friends lookup failed: %v", sess.ID, err)
		return
	}

	for _, friendID := range friends {
		friend, ok := s.clients.Get(friendID)
		if !ok {
			continue
		}
		p := friend.Presence()
		s.send(sess, "presence", buildFriendPresence(friend.JID, sess.JID, p.Away, p.Status, false))
	}
}

// pushAccountPresence pushes fromID's stored presence to toID if both
// accounts are live. No-op otherwise.
func (s *Server) pushAccountPresence(fromID, toID string, offline bool) {
	from, ok := s.clients.Get(fromID)
	if !ok {
		return
	}
	to, ok := s.clients.Get(toID)
	if !ok {
		return
	}
	p := from.Presence()
	s.send(to, "presence", buildFriendPresence(from.JID, to.JID, p.Away, p.Status, offline))
}

// PushFriendPresence exchanges one-shot presence between two accounts in both
// directions. The friends service calls this when a relationship is accepted
// (offline=false) or removed (offline=true), keeping presence consistent with
// the relationship graph independent of explicit publishes.
func (s *Server) PushFriendPresence(accountA, accountB string, offline bool) {
	s.pushAccountPresence(accountA, accountB, offline)
	s.pushAccountPresence(accountB, accountA, offline)
}

func (s *Server) isMUCTarget(to string) bool {
	suffix := fmt.Sprintf("@muc.%s", s.config.Domain)
	return strings.HasSuffix(to, suffix) || strings.HasSuffix(bareJID(to), suffix)
}

func roomNameFromTarget(to string) string {
	if i := strings.IndexByte(to, '@'); i >= 0 {
		return to[:i]
	}
	return to
}

func isJSONValue(s string) bool {
	return json.Valid([]byte(s))
}

func isJSONArray(s string) bool {
	trimmed := strings.TrimSpace(s)
	return strings.HasPrefix(trimmed, "[")
}
