package xmpp

// MUC status codes sent on room presence, per XEP-0045: 110 self-presence,
// 100 non-anonymous room, 170 logging enabled, 201 room created.
var (
	mucJoinCodes  = []string{"110", "100", "170", "201"}
	mucLeaveCodes = []string{"110", "100", "170"}
)

// joinRoom adds the session to a room and runs the join broadcasts: the
// joiner's own confirmation first, then one presence per existing member to
// the joiner (from a snapshot taken at the insert), then the joiner announced
// to every other connected member. Joining a room the session is already in
// is a no-op with no broadcast.
func (s *Server) joinRoom(sess *Session, room string) error {
	members, joined := s.rooms.Join(room, sess.AccountID)
	if !joined {
		return s.drop(sess, "room_rejoin")
	}
	sess.addRoom(room)

	domain := s.config.Domain
	selfOccupant := mucOccupantJID(room, domain, sess.DisplayName, sess.AccountID, sess.Resource)
	selfNick := mucNick(room, domain, sess.DisplayName, sess.AccountID, sess.Resource)

	// (a) membership confirmation to the joiner.
	s.send(sess, "presence", buildMUCPresence(
		selfOccupant, sess.JID, selfNick, sess.JID, "participant", "none", mucJoinCodes, false))

	// (b) existing members to the joiner, (c) the joiner to everyone else.
	// Both walk the same membership snapshot; members without a live session
	// are skipped at broadcast time.
	for _, memberID := range members {
		member, ok := s.clients.Get(memberID)
		if !ok {
			continue
		}

		occupant := mucOccupantJID(room, domain, member.DisplayName, member.AccountID, member.Resource)
		nick := mucNick(room, domain, member.DisplayName, member.AccountID, member.Resource)
		s.send(sess, "presence", buildMUCPresence(
			occupant, sess.JID, nick, member.JID, "participant", "none", nil, false))

		if member.AccountID == sess.AccountID {
			continue
		}

		s.send(member, "presence", buildMUCPresence(
			selfOccupant, member.JID, selfNick, sess.JID, "participant", "none", nil, false))
	}

	return nil
}

// leaveRoom removes the session from a room and confirms the departure to
// the leaver with role="none". Other members are not notified on this path;
// the party-level exit notice on disconnect is a separate broadcast.
func (s *Server) leaveRoom(sess *Session, room string) error {
	if _, ok := s.rooms.Members(room); !ok {
		return s.drop(sess, "room_unknown")
	}

	if s.rooms.Leave(room, sess.AccountID) {
		sess.removeRoom(room)
	}

	domain := s.config.Domain
	occupant := mucOccupantJID(room, domain, sess.DisplayName, sess.AccountID, sess.Resource)
	nick := mucNick(room, domain, sess.DisplayName, sess.AccountID, sess.Resource)

	return s.send(sess, "presence", buildMUCPresence(
		occupant, sess.JID, nick, sess.JID, "none", "", mucLeaveCodes, true))
}
