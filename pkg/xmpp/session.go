package xmpp

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Stage is the handshake state of a connection.
type Stage int

const (
	StageOpened Stage = iota
	StageAuthenticating
	StageAuthenticated
	StageResourceBound
	StageEstablished
	StageClosed
)

func (st Stage) String() string {
	switch st {
	case StageOpened:
		return "opened"
	case StageAuthenticating:
		return "authenticating"
	case StageAuthenticated:
		return "authenticated"
	case StageResourceBound:
		return "bound"
	case StageEstablished:
		return "established"
	case StageClosed:
		return "closed"
	}
	return "unknown"
}

// Presence is an account's last announced availability. Status is an opaque
// client payload (usually JSON); the server stores and republishes it without
// interpreting it beyond the party join-info scan on disconnect.
type Presence struct {
	Away   bool
	Status string
}

// Session is the per-connection state. It is created on connection open and
// mutated only by the handler goroutine that owns the connection; other
// goroutines reach it through the registry and may only write to its Conn and
// read its identity fields (immutable once the session is registered) and its
// presence (guarded by mu).
type Session struct {
	ID   uint64
	Conn *SafeConn

	stage    Stage
	streamID string

	AccountID   string
	DisplayName string
	Token       string
	Resource    string
	JID         string

	mu           sync.RWMutex // Protects lastPresence and joinedRooms
	lastPresence Presence
	joinedRooms  []string
}

var nextSessionID uint64

// NewSession wraps a freshly upgraded connection.
func NewSession(conn *SafeConn) *Session {
	return &Session{
		ID:           atomic.AddUint64(&nextSessionID, 1),
		Conn:         conn,
		stage:        StageOpened,
		lastPresence: Presence{Away: false, Status: "{}"},
	}
}

// Presence returns the last announced presence.
func (s *Session) Presence() Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPresence
}

func (s *Session) setPresence(away bool, status string) {
	s.mu.Lock()
	s.lastPresence = Presence{Away: away, Status: status}
	s.mu.Unlock()
}

// Rooms returns a snapshot of the rooms this session has joined.
func (s *Session) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]string, len(s.joinedRooms))
	copy(rooms, s.joinedRooms)
	return rooms
}

func (s *Session) addRoom(room string) {
	s.mu.Lock()
	s.joinedRooms = append(s.joinedRooms, room)
	s.mu.Unlock()
}

func (s *Session) removeRoom(room string) {
	s.mu.Lock()
	for i, name := range s.joinedRooms {
		if name == room {
			s.joinedRooms = append(s.joinedRooms[:i], s.joinedRooms[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// ErrSessionExists is returned when an account that already has a live
// session attempts to register a second one.
var ErrSessionExists = errors.New("account already has a live session")

// ClientRegistry is the process-wide map from account id to that account's
// single live session. Registration happens once the full handshake has
// completed; the registry holds a lookup reference only and never drives the
// session's lifecycle.
type ClientRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	metrics  *Metrics
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry(metrics *Metrics) *ClientRegistry {
	return &ClientRegistry{
		sessions: make(map[string]*Session),
		metrics:  metrics,
	}
}

// Register inserts the session, enforcing at most one live session per
// account. The check and the insert share one critical section so concurrent
// handshakes for the same account leave exactly one winner.
func (r *ClientRegistry) Register(sess *Session) error {
	r.mu.Lock()
	if _, ok := r.sessions[sess.AccountID]; ok {
		r.mu.Unlock()
		return ErrSessionExists
	}
	r.sessions[sess.AccountID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
		r.metrics.RecordSessionEstablished()
	}
	return nil
}

// Remove evicts the account's registration, but only if it still points at
// the given session. A losing duplicate never evicts the winner.
func (r *ClientRegistry) Remove(accountID string, sess *Session) {
	r.mu.Lock()
	current, ok := r.sessions[accountID]
	if !ok || current != sess {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, accountID)
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
	}
}

// Get returns the live session for an account, if any.
func (r *ClientRegistry) Get(accountID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[accountID]
	return sess, ok
}

// GetByBareJID resolves a full or bare JID target to the live session whose
// bare JID matches.
func (r *ClientRegistry) GetByBareJID(target string) (*Session, bool) {
	bare := bareJID(target)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.sessions {
		if bareJID(sess.JID) == bare || sess.JID == target {
			return sess, true
		}
	}
	return nil, false
}

// Has reports whether the account currently has a live session.
func (r *ClientRegistry) Has(accountID string) bool {
	_, ok := r.Get(accountID)
	return ok
}

// All returns a snapshot of every registered session.
func (r *ClientRegistry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of registered sessions.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RoomRegistry is the process-wide room membership map. Members are account
// ids; they resolve to live sessions only at broadcast time, so a member may
// briefly reference an account that is no longer connected. Rooms are created
// lazily on first join and never reclaimed, matching the shipped protocol.
type RoomRegistry struct {
	mu      sync.Mutex
	rooms   map[string][]string
	metrics *Metrics
}

// NewRoomRegistry creates an empty room registry.
func NewRoomRegistry(metrics *Metrics) *RoomRegistry {
	return &RoomRegistry{
		rooms:   make(map[string][]string),
		metrics: metrics,
	}
}

// Join adds the account to the room, creating the room if needed. It returns
// the membership snapshot taken immediately after the insert (including the
// joiner) and whether the insert happened; joining a room the account is
// already in is a no-op.
func (r *RoomRegistry) Join(room, accountID string) (members []string, joined bool) {
	r.mu.Lock()
	current, ok := r.rooms[room]
	if !ok {
		r.rooms[room] = nil
		current = nil
	}
	for _, id := range current {
		if id == accountID {
			r.mu.Unlock()
			return nil, false
		}
	}
	r.rooms[room] = append(current, accountID)
	members = make([]string, len(r.rooms[room]))
	copy(members, r.rooms[room])
	count := len(r.rooms)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveRooms(count)
	}
	return members, true
}

// Leave removes the account from the room's member set. The empty room entry
// is kept.
func (r *RoomRegistry) Leave(room, accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	for i, id := range members {
		if id == accountID {
			r.rooms[room] = append(members[:i], members[i+1:]...)
			return true
		}
	}
	return false
}

// IsMember reports whether the account is currently in the room.
func (r *RoomRegistry) IsMember(room, accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.rooms[room] {
		if id == accountID {
			return true
		}
	}
	return false
}

// Members returns a snapshot of the room's member list. The second return is
// false when the room has never been created.
func (r *RoomRegistry) Members(room string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		return nil, false
	}
	snapshot := make([]string, len(members))
	copy(snapshot, members)
	return snapshot, true
}

// Count returns the number of rooms ever created.
func (r *RoomRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
