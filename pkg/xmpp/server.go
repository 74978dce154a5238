package xmpp

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// EnableDebugLogging turns on per-stanza debug logging.
func EnableDebugLogging() {
	debugLog = log.New(os.Stdout, "DEBUG: ", log.LstdFlags)
}

// errStreamClosed signals a graceful close requested by the client.
var errStreamClosed = errors.New("stream closed by client")

// Account is the identity record the account-lookup collaborator returns.
type Account struct {
	AccountID   string
	DisplayName string
	Banned      bool
}

// TokenValidator resolves a presented bearer token to an account id. It is
// responsible for rejecting unknown and expired tokens.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// AccountLookup resolves account ids to identity records.
type AccountLookup interface {
	AccountByID(accountID string) (*Account, error)
}

// FriendsLookup returns the accepted-friends list for an account.
type FriendsLookup interface {
	AcceptedFriends(accountID string) ([]string, error)
}

// ServerConfig holds the presence server's runtime configuration.
type ServerConfig struct {
	Domain           string
	MaxMessageLength int
}

// Server is the presence/messaging core. One handler goroutine runs per live
// connection; they share the client and room registries, each serialized
// behind its own mutex. External lookups are never performed while holding a
// registry lock.
type Server struct {
	config   ServerConfig
	tokens   TokenValidator
	accounts AccountLookup
	friends  FriendsLookup

	clients *ClientRegistry
	rooms   *RoomRegistry
	metrics *Metrics

	upgrader websocket.Upgrader
}

// NewServer creates a presence server around its three collaborators.
func NewServer(config ServerConfig, tokens TokenValidator, accounts AccountLookup, friends FriendsLookup) *Server {
	if config.Domain == "" {
		config.Domain = DefaultTOMLConfig().Server.Domain
	}
	if config.MaxMessageLength == 0 {
		config.MaxMessageLength = DefaultTOMLConfig().Limits.MaxMessageLength
	}

	metrics := NewMetrics()
	return &Server{
		config:   config,
		tokens:   tokens,
		accounts: accounts,
		friends:  friends,
		clients:  NewClientRegistry(metrics),
		rooms:    NewRoomRegistry(metrics),
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"xmpp"},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}
}

// Metrics exposes the server's prometheus registry handler.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Domain returns the XMPP domain this server answers for.
func (s *Server) Domain() string {
	return s.config.Domain
}

// HandleWebSocket upgrades a connection that requested the xmpp subprotocol
// and runs its stanza loop. Requests without the subprotocol are plain HTTP
// traffic and get a 400 here; the caller's mux routes them elsewhere.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !requestsXMPP(r) {
		http.Error(w, "xmpp subprotocol required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	sess := NewSession(NewSafeConn(conn))
	debugLog.Printf("Session %d: new connection from %s", sess.ID, sess.Conn.RemoteAddr())
	s.stanzaLoop(sess)
}

func requestsXMPP(r *http.Request) bool {
	for _, proto := range r.Header.Values("Sec-Websocket-Protocol") {
		for _, p := range strings.Split(proto, ",") {
			if strings.EqualFold(strings.TrimSpace(p), "xmpp") {
				return true
			}
		}
	}
	return false
}

// stanzaLoop reads and dispatches frames until the connection dies. Cleanup
// runs exactly once regardless of how the loop exits.
func (s *Server) stanzaLoop(sess *Session) {
	defer sess.Conn.Close()
	defer s.reconcile(sess)

	for {
		raw, err := sess.Conn.ReadStanza()
		if err != nil {
			debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			return
		}

		st, err := ParseStanza(raw)
		if err != nil {
			errorLog.Printf("Session %d: %v", sess.ID, err)
			s.sendStreamError(sess)
			return
		}

		if s.metrics != nil {
			s.metrics.RecordStanzaReceived(Kind(st))
		}
		debugLog.Printf("Session %d ← RECV: %s (stage=%s)", sess.ID, Kind(st), sess.stage)

		if err := s.handleStanza(sess, st); err != nil {
			if errors.Is(err, errStreamClosed) {
				return
			}
			errorLog.Printf("Session %d: %v", sess.ID, err)
			s.sendStreamError(sess)
			return
		}
	}
}

// handleStanza routes a parsed stanza by kind and handshake stage. A non-nil
// return is a protocol error and is fatal to the connection; policy drops
// happen inside the handlers and return nil.
func (s *Server) handleStanza(sess *Session, st Stanza) error {
	switch st := st.(type) {
	case *OpenStanza:
		return s.handleOpen(sess)
	case *AuthStanza:
		return s.handleAuth(sess, st)
	case *IQStanza:
		return s.handleIQ(sess, st)
	case *MessageStanza:
		if sess.stage != StageEstablished {
			return errors.New("message before session establishment")
		}
		return s.handleMessage(sess, st)
	case *PresenceStanza:
		if sess.stage != StageEstablished {
			return errors.New("presence before session establishment")
		}
		return s.handlePresence(sess, st)
	case *CloseStanza:
		s.send(sess, "close", []byte(frameStreamClose))
		return errStreamClosed
	default:
		return errors.New("unhandled stanza kind")
	}
}

// send writes one stanza to a session, recording metrics. Fan-out callers
// ignore the error; a dead peer is cleaned up by its own handler.
func (s *Server) send(sess *Session, kind string, data []byte) error {
	if s.metrics != nil {
		s.metrics.RecordStanzaSent(kind)
	}
	return sess.Conn.WriteStanza(data)
}

// sendStreamError sends the single close frame that terminates a stream
// after a protocol error.
func (s *Server) sendStreamError(sess *Session) {
	s.send(sess, "close", []byte(frameStreamClose))
	sess.Conn.Close()
}

// drop records a policy rejection. The stanza is discarded, no reply is
// sent, and the connection stays open.
func (s *Server) drop(sess *Session, reason string) error {
	if s.metrics != nil {
		s.metrics.RecordStanzaDropped(reason)
	}
	debugLog.Printf("Session %d: dropped stanza (%s)", sess.ID, reason)
	return nil
}

// reconcile is the disconnect path: retract presence to friends, remove room
// memberships (announcing the party exit), and evict the registry entry. The
// steps are independent; a failing friends lookup must not prevent eviction.
func (s *Server) reconcile(sess *Session) {
	if sess.stage == StageClosed {
		return
	}
	stage := sess.stage
	sess.stage = StageClosed

	if stage != StageEstablished {
		debugLog.Printf("Session %d: closed mid-handshake (stage=%s)", sess.ID, stage)
		return
	}

	// Capture the last presence before the offline retraction resets it;
	// the party exit broadcast is derived from it.
	last := sess.Presence()

	s.publishPresence(sess, false, "{}", true)

	for _, room := range sess.Rooms() {
		s.rooms.Leave(room, sess.AccountID)
		sess.removeRoom(room)
	}

	if partyID := partyIDFromStatus(last.Status); partyID != "" {
		s.broadcastPartyExit(sess, partyID)
	}

	s.clients.Remove(sess.AccountID, sess)
	log.Printf("%s has logged out", sess.DisplayName)
}

// partyIDFromStatus digs the party id out of a status payload. The payload is
// opaque to the server except for this one compatibility scan: a Properties
// object with a key prefixed party.joininfo carrying a string partyId.
func partyIDFromStatus(status string) string {
	var parsed struct {
		Properties map[string]json.RawMessage `json:"Properties"`
	}
	if err := json.Unmarshal([]byte(status), &parsed); err != nil {
		return ""
	}
	for key, raw := range parsed.Properties {
		if !strings.HasPrefix(strings.ToLower(key), "party.joininfo") {
			continue
		}
		var info struct {
			PartyID string `json:"partyId"`
		}
		if err := json.Unmarshal(raw, &info); err != nil {
			continue
		}
		if info.PartyID != "" {
			return info.PartyID
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// HTTP status surface
// ---------------------------------------------------------------------------

// StatusHandler reports connected client names, mirroring the service's
// historical root route.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	names := s.connectedNames()
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"Clients": map[string]any{
			"amount":  len(names),
			"clients": names,
		},
	})
}

// ClientsHandler reports the connected client list.
func (s *Server) ClientsHandler(w http.ResponseWriter, r *http.Request) {
	names := s.connectedNames()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"amount":  len(names),
		"clients": names,
	})
}

// HealthHandler reports liveness for the internal metrics listener.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.clients.Count(),
		"rooms":    s.rooms.Count(),
	})
}

func (s *Server) connectedNames() []string {
	sessions := s.clients.All()
	names := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		names = append(names, sess.DisplayName)
	}
	return names
}
