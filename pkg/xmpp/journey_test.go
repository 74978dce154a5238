package xmpp

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Fake backend
//
// The server's three collaborators (token validation, account lookup, friends
// lookup) backed by maps, so journey tests exercise the wire protocol without
// a database.
// ---------------------------------------------------------------------------

type fakeBackend struct {
	mu       sync.Mutex
	tokens   map[string]string
	accounts map[string]*Account
	friends  map[string][]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tokens:   make(map[string]string),
		accounts: make(map[string]*Account),
		friends:  make(map[string][]string),
	}
}

func (b *fakeBackend) addAccount(accountID, displayName, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[token] = accountID
	b.accounts[accountID] = &Account{AccountID: accountID, DisplayName: displayName}
}

func (b *fakeBackend) befriend(accountA, accountB string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.friends[accountA] = append(b.friends[accountA], accountB)
	b.friends[accountB] = append(b.friends[accountB], accountA)
}

func (b *fakeBackend) Validate(token string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	accountID, ok := b.tokens[token]
	if !ok {
		return "", fmt.Errorf("token not found")
	}
	return accountID, nil
}

func (b *fakeBackend) AccountByID(accountID string) (*Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	account, ok := b.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s not found", accountID)
	}
	return account, nil
}

func (b *fakeBackend) AcceptedFriends(accountID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.friends[accountID], nil
}

const testDomain = "prod.ol.epicgames.com"

func startTestServer(t *testing.T, backend *fakeBackend) (*Server, string) {
	t.Helper()
	srv := NewServer(ServerConfig{Domain: testDomain, MaxMessageLength: 300}, backend, backend, backend)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

// ---------------------------------------------------------------------------
// Test client
// ---------------------------------------------------------------------------

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialXMPP(t *testing.T, url string) *testClient {
	t.Helper()
	dialer := websocket.Dialer{
		Subprotocols:     []string{"xmpp"},
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (c *testClient) read() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err, "expected a frame")
	return string(data)
}

func (c *testClient) expect(substr string) string {
	c.t.Helper()
	frame := c.read()
	require.Contains(c.t, frame, substr)
	return frame
}

// tryRead returns "" when nothing arrives in time. A deadline timeout poisons
// the gorilla connection, so only call this as a client's final read.
func (c *testClient) tryRead(timeout time.Duration) string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return ""
	}
	return string(data)
}

func saslPayload(token string) string {
	return base64.StdEncoding.EncodeToString([]byte("\x00user\x00" + token))
}

func (c *testClient) open() {
	c.t.Helper()
	c.send(`<open xmlns="urn:ietf:params:xml:ns:xmpp-framing" to="` + testDomain + `" version="1.0"/>`)
}

func (c *testClient) auth(token string) {
	c.t.Helper()
	c.send(fmt.Sprintf(
		`<auth mechanism="PLAIN" xmlns="urn:ietf:params:xml:ns:xmpp-sasl">%s</auth>`, saslPayload(token)))
}

// handshake runs the complete negotiation: open, SASL PLAIN, stream restart,
// resource bind, session establishment. Roster presence pushed after the
// session result is left for the test to consume.
func (c *testClient) handshake(token, resource string) {
	c.t.Helper()

	c.open()
	c.expect(`<open`)
	c.expect(`<mechanism>PLAIN</mechanism>`)

	c.auth(token)
	c.expect(`<success`)

	c.open()
	c.expect(`<open`)
	c.expect(`<bind`)

	c.send(fmt.Sprintf(
		`<iq id="_xmpp_bind1" type="set"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><resource>%s</resource></bind></iq>`,
		resource))
	c.expect(`id="_xmpp_bind1"`)

	c.send(`<iq id="_xmpp_session1" type="set"><session xmlns="urn:ietf:params:xml:ns:xmpp-session"/></iq>`)
	c.expect(`id="_xmpp_session1"`)
}

func jid(accountID, resource string) string {
	return fmt.Sprintf("%s@%s/%s", accountID, testDomain, resource)
}

const testResource = "V2:Fortnite:WIN"

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

func TestHandshake(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	_, url := startTestServer(t, backend)

	c := dialXMPP(t, url)

	c.open()
	openReply := c.expect(`<open`)
	assert.Contains(t, openReply, `from="`+testDomain+`"`)
	assert.Contains(t, openReply, `version="1.0"`)
	features := c.expect(`<stream:features`)
	assert.Contains(t, features, `<mechanism>PLAIN</mechanism>`)
	assert.NotContains(t, features, `<bind`)

	c.auth("tok-a")
	c.expect(`<success`)

	c.open()
	c.expect(`<open`)
	features = c.expect(`<stream:features`)
	assert.Contains(t, features, `<bind`)
	assert.Contains(t, features, `<session`)
	assert.NotContains(t, features, `<mechanism>`)

	c.send(`<iq id="_xmpp_bind1" type="set"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><resource>` +
		testResource + `</resource></bind></iq>`)
	bindResult := c.expect(`id="_xmpp_bind1"`)
	assert.Contains(t, bindResult, `<jid>`+jid("acct-a", testResource)+`</jid>`)

	c.send(`<iq id="_xmpp_session1" type="set"><session xmlns="urn:ietf:params:xml:ns:xmpp-session"/></iq>`)
	sessionResult := c.expect(`id="_xmpp_session1"`)
	assert.Contains(t, sessionResult, `type="result"`)
}

func TestHandshakeRequiresSubprotocol(t *testing.T) {
	backend := newFakeBackend()
	_, url := startTestServer(t, backend)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, nil)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthRejectsUnknownToken(t *testing.T) {
	backend := newFakeBackend()
	_, url := startTestServer(t, backend)

	c := dialXMPP(t, url)
	c.open()
	c.read()
	c.read()

	c.auth("tok-bogus")
	c.expect(`<close`)
}

func TestAuthRejectsBannedAccount(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	backend.accounts["acct-a"].Banned = true
	_, url := startTestServer(t, backend)

	c := dialXMPP(t, url)
	c.open()
	c.read()
	c.read()

	c.auth("tok-a")
	c.expect(`<close`)
}

func TestAuthRejectsMalformedPayload(t *testing.T) {
	backend := newFakeBackend()
	_, url := startTestServer(t, backend)

	c := dialXMPP(t, url)
	c.open()
	c.read()
	c.read()

	// Two parts instead of the required three.
	payload := base64.StdEncoding.EncodeToString([]byte("user\x00token"))
	c.send(`<auth mechanism="PLAIN" xmlns="urn:ietf:params:xml:ns:xmpp-sasl">` + payload + `</auth>`)
	c.expect(`<close`)
}

func TestDuplicateSessionRejected(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	_, url := startTestServer(t, backend)

	first := dialXMPP(t, url)
	first.handshake("tok-a", testResource)

	second := dialXMPP(t, url)
	second.open()
	second.read()
	second.read()
	second.auth("tok-a")
	second.expect(`<close`)

	// The winner is unaffected by the loser's rejection.
	first.send(`<iq id="ping1" type="get"/>`)
	first.expect(`id="ping1"`)
}

func TestMessageBeforeSessionIsFatal(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	_, url := startTestServer(t, backend)

	c := dialXMPP(t, url)
	c.open()
	c.read()
	c.read()

	c.send(`<message to="x@y" type="chat"><body>too early</body></message>`)
	c.expect(`<close`)
}

func TestGracefulClose(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	srv, url := startTestServer(t, backend)

	c := dialXMPP(t, url)
	c.handshake("tok-a", testResource)

	c.send(`<close xmlns="urn:ietf:params:xml:ns:xmpp-framing"/>`)
	c.expect(`<close`)

	waitFor(t, func() bool { return srv.clients.Count() == 0 })
}

func TestGenericIQGetsResult(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	_, url := startTestServer(t, backend)

	c := dialXMPP(t, url)
	c.handshake("tok-a", testResource)

	c.send(`<iq id="query-42" type="get"/>`)
	result := c.expect(`id="query-42"`)
	assert.Contains(t, result, `type="result"`)
	assert.Contains(t, result, `from="`+testDomain+`"`)
}

// ---------------------------------------------------------------------------
// Presence
// ---------------------------------------------------------------------------

func TestPresenceFanOutToFriends(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	backend.addAccount("acct-b", "PlayerB", "tok-b")
	backend.befriend("acct-a", "acct-b")
	_, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)

	b := dialXMPP(t, url)
	b.handshake("tok-b", testResource)
	// Roster priming: B sees A's default presence.
	roster := b.expect(`<presence`)
	assert.Contains(t, roster, `from="`+jid("acct-a", testResource)+`"`)

	a.send(`<presence><status>{"Status":"Playing Battle Royale"}</status></presence>`)

	push := b.expect(`Playing Battle Royale`)
	assert.Contains(t, push, `from="`+jid("acct-a", testResource)+`"`)
	assert.Contains(t, push, `type="available"`)

	// Publishing also refreshes the publisher's view of its friends.
	echo := a.expect(`<presence`)
	assert.Contains(t, echo, `from="`+jid("acct-b", testResource)+`"`)
}

func TestPresenceAwayFlag(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	backend.addAccount("acct-b", "PlayerB", "tok-b")
	backend.befriend("acct-a", "acct-b")
	_, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)
	b := dialXMPP(t, url)
	b.handshake("tok-b", testResource)
	b.expect(`<presence`)

	a.send(`<presence><show>away</show><status>{"Status":"AFK"}</status></presence>`)
	push := b.expect(`AFK`)
	assert.Contains(t, push, `<show>away</show>`)
}

func TestPresenceRejectsNonJSONStatus(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	backend.addAccount("acct-b", "PlayerB", "tok-b")
	backend.befriend("acct-a", "acct-b")
	_, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)
	b := dialXMPP(t, url)
	b.handshake("tok-b", testResource)
	b.expect(`<presence`)

	a.send(`<presence><status>not json</status></presence>`)
	a.send(`<presence><status>["array","status"]</status></presence>`)
	a.send(`<presence><status>{"Status":"valid"}</status></presence>`)

	// Only the valid publish arrives.
	push := b.expect(`<presence`)
	assert.Contains(t, push, "valid")
	assert.NotContains(t, push, "array")
}

func TestDisconnectRetractsPresence(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	backend.addAccount("acct-b", "PlayerB", "tok-b")
	backend.befriend("acct-a", "acct-b")
	srv, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)
	b := dialXMPP(t, url)
	b.handshake("tok-b", testResource)
	b.expect(`<presence`)

	a.conn.Close()

	retraction := b.expect(`type="unavailable"`)
	assert.Contains(t, retraction, `from="`+jid("acct-a", testResource)+`"`)

	waitFor(t, func() bool { return srv.clients.Count() == 1 })
}

func TestDisconnectBroadcastsPartyExit(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	backend.addAccount("acct-b", "PlayerB", "tok-b")
	backend.addAccount("acct-c", "PlayerC", "tok-c")
	backend.befriend("acct-a", "acct-b")
	_, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)
	b := dialXMPP(t, url)
	b.handshake("tok-b", testResource)
	b.expect(`<presence`)
	c := dialXMPP(t, url)
	c.handshake("tok-c", testResource)

	a.send(`<presence><status>{"Status":"In a party","Properties":{"party.joininfodata.1_j":{"partyId":"party-1"}}}</status></presence>`)
	b.expect(`In a party`)

	a.conn.Close()

	// Friends get the retraction first, then everyone gets the exit notice.
	b.expect(`type="unavailable"`)
	exit := b.expect(`memberexited`)
	assert.Contains(t, exit, `party-1`)
	assert.Contains(t, exit, `acct-a`)

	// C is not A's friend but still hears the party exit.
	exit = c.expect(`memberexited`)
	assert.Contains(t, exit, `party-1`)
}

// ---------------------------------------------------------------------------
// Direct chat
// ---------------------------------------------------------------------------

func TestChatDelivery(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	backend.addAccount("acct-b", "PlayerB", "tok-b")
	_, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)
	b := dialXMPP(t, url)
	b.handshake("tok-b", testResource)

	a.send(`<message to="acct-b@` + testDomain + `" type="chat"><body>hello there</body></message>`)

	msg := b.expect(`hello there`)
	assert.Contains(t, msg, `type="chat"`)
	assert.Contains(t, msg, `from="`+jid("acct-a", testResource)+`"`)
	assert.Contains(t, msg, `to="`+jid("acct-b", testResource)+`"`)
}

func TestChatBodyLengthCap(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	backend.addAccount("acct-b", "PlayerB", "tok-b")
	_, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)
	b := dialXMPP(t, url)
	b.handshake("tok-b", testResource)

	over := strings.Repeat("b", 301)
	atLimit := strings.Repeat("a", 300)
	a.send(`<message to="acct-b@` + testDomain + `" type="chat"><body>` + over + `</body></message>`)
	a.send(`<message to="acct-b@` + testDomain + `" type="chat"><body>` + atLimit + `</body></message>`)

	// The over-limit message was dropped, so the at-limit one arrives first.
	msg := b.expect(atLimit)
	assert.NotContains(t, msg, "bbb")
}

func TestChatRefusesSelfDelivery(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	_, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)

	a.send(`<message to="acct-a@` + testDomain + `" type="chat"><body>echo?</body></message>`)
	assert.Empty(t, a.tryRead(300*time.Millisecond))
}

func TestChatToOfflineAccountIsDropped(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	_, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)

	a.send(`<message to="acct-offline@` + testDomain + `" type="chat"><body>anyone?</body></message>`)

	// Still connected: the drop is silent, not a protocol error.
	a.send(`<iq id="ping1" type="get"/>`)
	a.expect(`id="ping1"`)
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func roomTarget(room string) string {
	return room + "@muc." + testDomain
}

func joinFrame(room string) string {
	return `<presence to="` + roomTarget(room) + `/nick"><x xmlns="http://jabber.org/protocol/muc"/></presence>`
}

func TestRoomJoin(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	_, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)

	a.send(joinFrame("party-room1"))

	confirm := a.expect(`code="201"`)
	assert.Contains(t, confirm, `code="110"`)
	assert.Contains(t, confirm, `role="participant"`)
	assert.Contains(t, confirm, roomTarget("party-room1"))

	// The member snapshot includes the joiner itself, without status codes.
	member := a.expect(`<presence`)
	assert.NotContains(t, member, `code=`)
	assert.Contains(t, member, `jid="`+jid("acct-a", testResource)+`"`)
}

func TestRoomJoinAnnouncesToMembers(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	backend.addAccount("acct-b", "PlayerB", "tok-b")
	_, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)
	a.send(joinFrame("party-room1"))
	a.read()
	a.read()

	b := dialXMPP(t, url)
	b.handshake("tok-b", testResource)
	b.send(joinFrame("party-room1"))

	b.expect(`code="201"`)
	// Existing member, then self, from the post-insert snapshot.
	first := b.expect(`<presence`)
	assert.Contains(t, first, `jid="`+jid("acct-a", testResource)+`"`)
	second := b.expect(`<presence`)
	assert.Contains(t, second, `jid="`+jid("acct-b", testResource)+`"`)

	announce := a.expect(`<presence`)
	assert.Contains(t, announce, `jid="`+jid("acct-b", testResource)+`"`)
	assert.Contains(t, announce, roomTarget("party-room1"))
}

func TestRoomRejoinIsSilent(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	_, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)
	a.send(joinFrame("party-room1"))
	a.read()
	a.read()

	a.send(joinFrame("party-room1"))
	assert.Empty(t, a.tryRead(300*time.Millisecond))
}

func TestRoomLeave(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	backend.addAccount("acct-b", "PlayerB", "tok-b")
	srv, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)
	a.send(joinFrame("party-room1"))
	a.read()
	a.read()

	b := dialXMPP(t, url)
	b.handshake("tok-b", testResource)
	b.send(joinFrame("party-room1"))
	b.read()
	b.read()
	b.read()
	a.read() // B's join announce

	a.send(`<presence to="` + roomTarget("party-room1") + `" type="unavailable"/>`)

	departure := a.expect(`type="unavailable"`)
	assert.Contains(t, departure, `role="none"`)
	assert.Contains(t, departure, `code="110"`)
	assert.NotContains(t, departure, `code="201"`)

	assert.False(t, srv.rooms.IsMember("party-room1", "acct-a"))
	assert.True(t, srv.rooms.IsMember("party-room1", "acct-b"))

	// Departure is confirmed to the leaver only.
	assert.Empty(t, b.tryRead(300*time.Millisecond))
}

func TestGroupChatFanOut(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	backend.addAccount("acct-b", "PlayerB", "tok-b")
	_, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)
	a.send(joinFrame("party-room1"))
	a.read()
	a.read()

	b := dialXMPP(t, url)
	b.handshake("tok-b", testResource)
	b.send(joinFrame("party-room1"))
	b.read()
	b.read()
	b.read()
	a.read()

	b.send(`<message to="` + roomTarget("party-room1") + `" type="groupchat"><body>hello party</body></message>`)

	for _, member := range []*testClient{a, b} {
		msg := member.expect(`hello party`)
		assert.Contains(t, msg, `type="groupchat"`)
		// The sender is addressed by its room-scoped occupant JID.
		assert.Contains(t, msg, `from="`+roomTarget("party-room1")+`/`)
	}
}

func TestGroupChatRequiresMembership(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	backend.addAccount("acct-c", "PlayerC", "tok-c")
	_, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)
	a.send(joinFrame("party-room1"))
	a.read()
	a.read()

	c := dialXMPP(t, url)
	c.handshake("tok-c", testResource)

	c.send(`<message to="` + roomTarget("party-room1") + `" type="groupchat"><body>intruder</body></message>`)
	assert.Empty(t, a.tryRead(300*time.Millisecond))
}

// ---------------------------------------------------------------------------
// Application messages
// ---------------------------------------------------------------------------

func TestApplicationMessageForwarding(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	backend.addAccount("acct-b", "PlayerB", "tok-b")
	_, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)
	b := dialXMPP(t, url)
	b.handshake("tok-b", testResource)

	a.send(`<message to="acct-b@` + testDomain + `" id="INVITE1">` +
		`<body>{"type":"com.epicgames.party.invitation","payload":{"partyId":"party-abc"}}</body></message>`)

	msg := b.expect(`com.epicgames.party.invitation`)
	assert.Contains(t, msg, `id="INVITE1"`)
	assert.Contains(t, msg, `from="`+jid("acct-a", testResource)+`"`)
	assert.NotContains(t, msg, `type="chat"`)
}

func TestApplicationMessageRequiresTypeField(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	backend.addAccount("acct-b", "PlayerB", "tok-b")
	_, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)
	b := dialXMPP(t, url)
	b.handshake("tok-b", testResource)

	a.send(`<message to="acct-b@` + testDomain + `" id="X1"><body>{"payload":{}}</body></message>`)
	a.send(`<message to="acct-b@` + testDomain + `" id="X2"><body>not json</body></message>`)
	a.send(`<message to="acct-b@` + testDomain + `"><body>{"type":"no.id.either"}</body></message>`)
	assert.Empty(t, b.tryRead(300*time.Millisecond))
}

func TestSendToAccountAndBroadcast(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	backend.addAccount("acct-b", "PlayerB", "tok-b")
	srv, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)
	b := dialXMPP(t, url)
	b.handshake("tok-b", testResource)

	srv.SendToAccount("acct-b", map[string]any{"type": "com.epicgames.gift.received"})
	msg := b.expect(`com.epicgames.gift.received`)
	assert.Contains(t, msg, `from="xmpp-admin@`+testDomain+`"`)

	srv.Broadcast(map[string]any{"type": "com.epicgames.service.notice"})
	a.expect(`com.epicgames.service.notice`)
	b.expect(`com.epicgames.service.notice`)
}

// ---------------------------------------------------------------------------
// HTTP status surface
// ---------------------------------------------------------------------------

func TestStatusEndpoints(t *testing.T) {
	backend := newFakeBackend()
	backend.addAccount("acct-a", "PlayerA", "tok-a")
	srv, url := startTestServer(t, backend)

	a := dialXMPP(t, url)
	a.handshake("tok-a", testResource)

	rec := httptest.NewRecorder()
	srv.StatusHandler(rec, httptest.NewRequest("GET", "/", nil))
	assert.Contains(t, rec.Body.String(), "PlayerA")
	assert.Contains(t, rec.Body.String(), `"amount":1`)

	rec = httptest.NewRecorder()
	srv.ClientsHandler(rec, httptest.NewRequest("GET", "/clients", nil))
	assert.Contains(t, rec.Body.String(), "PlayerA")

	rec = httptest.NewRecorder()
	srv.HealthHandler(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"sessions":1`)
}

// waitFor polls a condition that completes asynchronously with the test's
// last read, such as the server-side reconcile after a disconnect.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
