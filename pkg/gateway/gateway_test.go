package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/cowrite/pkg/presence"
	"github.com/astromechza/cowrite/pkg/schedule"
	"github.com/astromechza/cowrite/pkg/session"
	"github.com/astromechza/cowrite/pkg/store"
)

var testSecret = []byte("test-secret")

type memStore struct {
	docs map[string][]byte
}

func (m *memStore) Load(_ context.Context, id string) ([]byte, error) {
	raw, ok := m.docs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return raw, nil
}

func (m *memStore) Save(_ context.Context, id string, content []byte) error {
	m.docs[id] = content
	return nil
}

type staticAuth struct {
	caps store.Capabilities
	err  error
}

func (a staticAuth) CanAccess(context.Context, string, string) (store.Capabilities, error) {
	return a.caps, a.err
}

type fixture struct {
	store    *memStore
	registry *session.Registry
	gw       *Gateway
	server   *httptest.Server
}

func newFixture(t *testing.T, auth store.Authorizer, conf Config, maxDocBytes int) *fixture {
	t.Helper()
	st := &memStore{docs: map[string][]byte{}}
	doc := automerge.New()
	require.NoError(t, doc.Path("title").Set("hello"))
	st.docs["d1"] = doc.Save()

	registry := session.NewRegistry(st, maxDocBytes, false)
	bridge := session.NewBridge(registry, st, session.BridgeConfig{})
	pres := presence.NewTable(schedule.New(), 15*time.Second)
	gw := New(registry, pres, bridge, auth, NewTokenVerifier(testSecret), conf)

	server := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	t.Cleanup(server.Close)
	return &fixture{store: st, registry: registry, gw: gw, server: server}
}

// wsPair returns both ends of a live websocket connection for tests that need
// a server-side socket outside the gateway's own handshake.
func wsPair(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()
	ch := make(chan *websocket.Conn, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err == nil {
			ch <- ws
		}
	}))
	t.Cleanup(srv.Close)
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, <-ch
}

func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, f *Frame) {
	t.Helper()
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
}

func readFrame(t *testing.T, ws *websocket.Conn) *Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	f, err := ParseFrame(data)
	require.NoError(t, err)
	return f
}

// expectClose asserts the next read fails with the given taxonomy code.
func expectClose(t *testing.T, ws *websocket.Conn, code CloseCode) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	ce, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, int(code), ce.Code)
	assert.Equal(t, code.Reason(), ce.Text)
}

// join performs the join handshake and returns the connection and init frame.
func (f *fixture) join(t *testing.T, user, doc string, editing bool) (*websocket.Conn, *Frame) {
	t.Helper()
	ws := f.dial(t, signToken(t, user))
	sendFrame(t, ws, &Frame{Type: FrameJoin, DocumentID: doc, IsEditing: editing})
	init := readFrame(t, ws)
	require.Equal(t, FrameInit, init.Type)
	return ws, init
}

func signToken(t *testing.T, user string) string {
	t.Helper()
	return mustSign(t, testSecret, user)
}

func TestRejectsBadToken(t *testing.T) {
	f := newFixture(t, staticAuth{caps: store.Capabilities{Read: true, Write: true}}, Config{}, 0)
	ws := f.dial(t, "garbage")
	expectClose(t, ws, CloseAuthenticationFailed)
}

func TestRejectsNonJoinFirstFrame(t *testing.T) {
	f := newFixture(t, staticAuth{caps: store.Capabilities{Read: true, Write: true}}, Config{}, 0)
	ws := f.dial(t, signToken(t, "u1"))
	sendFrame(t, ws, &Frame{Type: FrameUpdate, DocumentID: "d1", Payload: []byte("x")})
	expectClose(t, ws, ClosePolicyViolation)
}

func TestRejectsUnauthorizedUser(t *testing.T) {
	f := newFixture(t, staticAuth{err: store.ErrDenied}, Config{}, 0)
	ws := f.dial(t, signToken(t, "u1"))
	sendFrame(t, ws, &Frame{Type: FrameJoin, DocumentID: "d1"})
	expectClose(t, ws, CloseAuthorizationFailed)
}

func TestRejectsUnknownDocument(t *testing.T) {
	f := newFixture(t, staticAuth{caps: store.Capabilities{Read: true, Write: true}}, Config{}, 0)
	ws := f.dial(t, signToken(t, "u1"))
	sendFrame(t, ws, &Frame{Type: FrameJoin, DocumentID: "missing"})
	expectClose(t, ws, CloseAuthorizationFailed)
}

func TestRejectsOversizedDocument(t *testing.T) {
	f := newFixture(t, staticAuth{caps: store.Capabilities{Read: true, Write: true}}, Config{}, 8)
	ws := f.dial(t, signToken(t, "u1"))
	sendFrame(t, ws, &Frame{Type: FrameJoin, DocumentID: "d1"})
	expectClose(t, ws, CloseDocumentTooLarge)
}

func TestConnectionCeiling(t *testing.T) {
	f := newFixture(t, staticAuth{caps: store.Capabilities{Read: true, Write: true}}, Config{MaxConnsPerDoc: 2}, 0)

	_, _ = f.join(t, "u1", "d1", false)
	_, _ = f.join(t, "u2", "d1", false)

	ws := f.dial(t, signToken(t, "u3"))
	sendFrame(t, ws, &Frame{Type: FrameJoin, DocumentID: "d1"})
	expectClose(t, ws, CloseTooManyConnections)

	// The two earlier connections are still attached.
	s, ok := f.registry.Get("d1")
	require.True(t, ok)
	assert.Equal(t, 2, s.AttachedCount())
}

func TestJoinIdleTimeout(t *testing.T) {
	f := newFixture(t, staticAuth{caps: store.Capabilities{Read: true, Write: true}}, Config{JoinTimeout: 100 * time.Millisecond}, 0)
	ws := f.dial(t, signToken(t, "u1"))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "connection stuck in authorizing must be dropped")
}

func TestInitCarriesPresenceAndSnapshot(t *testing.T) {
	f := newFixture(t, staticAuth{caps: store.Capabilities{Read: true, Write: true}}, Config{}, 0)

	_, _ = f.join(t, "u1", "d1", true)
	_, init := f.join(t, "u2", "d1", false)

	assert.ElementsMatch(t, []string{"u1", "u2"}, init.UserIDs)
	assert.ElementsMatch(t, []string{"u1"}, init.EditingIDs)

	doc, err := automerge.Load(init.Payload)
	require.NoError(t, err)
	v, err := doc.Path("title").Get()
	require.NoError(t, err)
	assert.Equal(t, "hello", v.Interface())
}

func TestUpdateFlowsToOtherClients(t *testing.T) {
	f := newFixture(t, staticAuth{caps: store.Capabilities{Read: true, Write: true}}, Config{}, 0)

	wsA, initA := f.join(t, "u1", "d1", true)
	wsB, _ := f.join(t, "u2", "d1", false)

	// A hears about B joining.
	pres := readFrame(t, wsA)
	require.Equal(t, FramePresence, pres.Type)
	assert.Equal(t, "u2", pres.UserID)

	// A edits its copy and ships the delta.
	docA, err := automerge.Load(initA.Payload)
	require.NoError(t, err)
	require.NoError(t, docA.Path("body").Set("from A"))
	sendFrame(t, wsA, &Frame{Type: FrameUpdate, DocumentID: "d1", Payload: docA.SaveIncremental()})

	got := readFrame(t, wsB)
	require.Equal(t, FrameUpdate, got.Type)
	assert.Equal(t, "u1", got.UserID)
	assert.NotEmpty(t, got.Payload)

	// The session's authoritative copy picked the edit up too.
	s, ok := f.registry.Get("d1")
	require.True(t, ok)
	live, err := automerge.Load(s.SnapshotDoc())
	require.NoError(t, err)
	v, err := live.Path("body").Get()
	require.NoError(t, err)
	assert.Equal(t, "from A", v.Interface())
}

func TestReadOnlyClientCannotUpdate(t *testing.T) {
	f := newFixture(t, staticAuth{caps: store.Capabilities{Read: true}}, Config{}, 0)

	ws, init := f.join(t, "u1", "d1", false)
	doc, err := automerge.Load(init.Payload)
	require.NoError(t, err)
	require.NoError(t, doc.Path("body").Set("nope"))
	sendFrame(t, ws, &Frame{Type: FrameUpdate, DocumentID: "d1", Payload: doc.SaveIncremental()})
	expectClose(t, ws, ClosePolicyViolation)
}

func TestFrameForWrongDocumentIsViolation(t *testing.T) {
	f := newFixture(t, staticAuth{caps: store.Capabilities{Read: true, Write: true}}, Config{}, 0)

	ws, _ := f.join(t, "u1", "d1", false)
	sendFrame(t, ws, &Frame{Type: FramePresence, DocumentID: "other", IsEditing: true})
	expectClose(t, ws, ClosePolicyViolation)
}

func TestLeaveBroadcastAndSessionKick(t *testing.T) {
	f := newFixture(t, staticAuth{caps: store.Capabilities{Read: true, Write: true}}, Config{}, 0)

	wsA, _ := f.join(t, "u1", "d1", true)
	wsB, _ := f.join(t, "u2", "d1", false)
	_ = readFrame(t, wsA) // presence for u2

	sendFrame(t, wsB, &Frame{Type: FrameLeave, DocumentID: "d1"})

	got := readFrame(t, wsA)
	assert.Equal(t, FrameLeave, got.Type)
	assert.Equal(t, "u2", got.UserID)

	s, ok := f.registry.Get("d1")
	require.True(t, ok)
	assert.Eventually(t, func() bool { return s.AttachedCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSlowClientForcedDetach(t *testing.T) {
	f := newFixture(t, staticAuth{caps: store.Capabilities{Read: true, Write: true}}, Config{}, 0)

	wsA, _ := f.join(t, "u1", "d1", false)

	// Attach a connection whose writer never drains and fill its queue to the
	// brim, so the next broadcast overflows it.
	_, serverWS := wsPair(t)
	slow := newConn("slow", "u2", "d1", serverWS)
	s, ok := f.registry.Get("d1")
	require.True(t, ok)
	require.NoError(t, s.AttachLimited(slow, 0))
	require.Equal(t, 2, s.AttachedCount())
	for i := 0; i < sendQueueSize; i++ {
		require.True(t, slow.Deliver([]byte("x")))
	}

	f.gw.presence.Touch("d1", "u2", false)
	f.gw.broadcast(s, "origin", &Frame{Type: FramePresence, DocumentID: "d1", UserID: "u1", IsEditing: true})

	assert.Equal(t, 1, s.AttachedCount(), "stalled connection must be force-detached")
	assert.True(t, slow.detached.Load())
	assert.NotContains(t, f.gw.presence.Get("d1"), "u2")

	// The healthy client hears the broadcast and then the stalled user's leave.
	got := readFrame(t, wsA)
	assert.Equal(t, FramePresence, got.Type)
	got = readFrame(t, wsA)
	assert.Equal(t, FrameLeave, got.Type)
	assert.Equal(t, "u2", got.UserID)
}

func TestPresenceSurvivesOneOfTwoConnections(t *testing.T) {
	f := newFixture(t, staticAuth{caps: store.Capabilities{Read: true, Write: true}}, Config{}, 0)

	wsOther, _ := f.join(t, "watcher", "d1", false)
	ws1, _ := f.join(t, "u1", "d1", true)
	_, _ = f.join(t, "u1", "d1", true)
	_ = readFrame(t, wsOther) // u1 join
	_ = readFrame(t, wsOther) // u1 second join

	// First of u1's connections leaves: no leave broadcast while the second
	// connection keeps the user present.
	sendFrame(t, ws1, &Frame{Type: FrameLeave, DocumentID: "d1"})

	s, _ := f.registry.Get("d1")
	assert.Eventually(t, func() bool { return s.AttachedCount() == 2 }, time.Second, 10*time.Millisecond)
	assert.True(t, s.UserAttached("u1"))
}
