package gateway

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/cowrite/pkg/document"
	"github.com/astromechza/cowrite/pkg/presence"
	"github.com/astromechza/cowrite/pkg/session"
	"github.com/astromechza/cowrite/pkg/store"
)

// Config tunes the connection gateway.
type Config struct {
	// MaxConnsPerDoc caps attached connections per document. <=0 disables.
	MaxConnsPerDoc int
	// JoinTimeout bounds how long a connection may sit in the authorizing
	// state before it is dropped as a resource leak.
	JoinTimeout time.Duration
	// MaxFrameBytes bounds a single inbound frame.
	MaxFrameBytes int64
}

func (c *Config) norm() {
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 30 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 1 << 20
	}
}

// Gateway accepts websocket connections, walks them through
// authentication and authorization, attaches them to the right session and
// translates frames into presence and session operations.
type Gateway struct {
	registry *session.Registry
	presence *presence.Table
	bridge   *session.Bridge
	auth     store.Authorizer
	verifier *TokenVerifier
	conf     Config
	upgrader websocket.Upgrader
}

func New(registry *session.Registry, pres *presence.Table, bridge *session.Bridge,
	auth store.Authorizer, verifier *TokenVerifier, conf Config) *Gateway {
	conf.norm()
	return &Gateway{
		registry: registry,
		presence: pres,
		bridge:   bridge,
		auth:     auth,
		verifier: verifier,
		conf:     conf,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// HandleWS serves the websocket endpoint. The connection moves through
// connecting -> authorizing -> attached -> detached; every early exit carries
// a typed close code so the client can pick its recovery behavior.
func (g *Gateway) HandleWS(writer http.ResponseWriter, request *http.Request) {
	ws, err := g.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Debug("failed to upgrade", "err", err)
		return
	}
	ws.SetReadLimit(g.conf.MaxFrameBytes)

	// Authenticate before anything else is read.
	userID, err := g.verifier.Verify(bearerToken(request))
	if err != nil {
		slog.Info("rejecting connection", "code", CloseAuthenticationFailed, "err", err)
		c := newConn(uuid.NewString(), "", "", ws)
		c.closeWith(CloseAuthenticationFailed)
		return
	}

	c := newConn(uuid.NewString(), userID, "", ws)
	sess, caps, editing, ok := g.authorize(request, c)
	if !ok {
		return
	}

	go c.writeLoop()
	g.announceJoin(sess, c, editing)
	g.readLoop(sess, caps, c)
	g.detach(sess, c)
}

// authorize reads the join frame under a deadline, checks capabilities and
// the document ceilings, and attaches the connection. On failure the typed
// close frame has already been sent.
func (g *Gateway) authorize(request *http.Request, c *conn) (*session.Session, store.Capabilities, bool, bool) {
	_ = c.ws.SetReadDeadline(time.Now().Add(g.conf.JoinTimeout))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			slog.Info("connection idled out before joining", "conn", c.id, "user", c.userID)
		}
		c.abort()
		return nil, store.Capabilities{}, false, false
	}
	_ = c.ws.SetReadDeadline(time.Time{})

	frame, err := ParseFrame(data)
	if err != nil || frame.Type != FrameJoin || frame.DocumentID == "" {
		slog.Info("rejecting connection", "code", ClosePolicyViolation, "err", err)
		c.closeWith(ClosePolicyViolation)
		return nil, store.Capabilities{}, false, false
	}
	c.docID = frame.DocumentID

	caps, err := g.auth.CanAccess(request.Context(), c.userID, c.docID)
	if err != nil || !caps.Read {
		slog.Info("rejecting connection", "code", CloseAuthorizationFailed, "user", c.userID, "doc", c.docID, "err", err)
		c.closeWith(CloseAuthorizationFailed)
		return nil, store.Capabilities{}, false, false
	}

	var sess *session.Session
	for attempt := 0; ; attempt++ {
		sess, err = g.registry.GetOrCreate(request.Context(), c.docID)
		if err != nil {
			code := CloseAuthorizationFailed
			if errors.Is(err, document.ErrTooLarge) {
				code = CloseDocumentTooLarge
			}
			slog.Info("rejecting connection", "code", code, "user", c.userID, "doc", c.docID, "err", err)
			c.closeWith(code)
			return nil, store.Capabilities{}, false, false
		}
		err = sess.AttachLimited(c, g.conf.MaxConnsPerDoc)
		if err == nil {
			break
		}
		// The bridge may evict the session between lookup and attach; a
		// fresh lookup loads it again. The retry cap only guards against a
		// store that keeps failing mid-handshake.
		if errors.Is(err, session.ErrEvicted) && attempt < 3 {
			continue
		}
		slog.Info("rejecting connection", "code", CloseTooManyConnections, "user", c.userID, "doc", c.docID, "err", err)
		c.closeWith(CloseTooManyConnections)
		return nil, store.Capabilities{}, false, false
	}

	slog.Info("attached", "conn", c.id, "user", c.userID, "doc", c.docID, "editing", frame.IsEditing)
	return sess, caps, frame.IsEditing, true
}

// announceJoin records presence, replies with the authoritative init frame
// and tells everyone else about the newcomer.
func (g *Gateway) announceJoin(sess *session.Session, c *conn, editing bool) {
	g.presence.Touch(c.docID, c.userID, editing)
	userIDs, editingIDs := g.presence.Snapshot(c.docID)
	c.Deliver(encodeFrame(&Frame{
		Type:       FrameInit,
		DocumentID: c.docID,
		UserIDs:    userIDs,
		EditingIDs: editingIDs,
		Payload:    sess.SnapshotDoc(),
	}))
	g.broadcast(sess, c.id, &Frame{
		Type:       FramePresence,
		DocumentID: c.docID,
		UserID:     c.userID,
		IsEditing:  editing,
	})
}

func (g *Gateway) readLoop(sess *session.Session, caps store.Capabilities, c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Debug("peer closed", "conn", c.id)
			} else {
				slog.Debug("read failed", "conn", c.id, "err", err)
			}
			return
		}
		frame, err := ParseFrame(data)
		if err != nil || frame.DocumentID != c.docID {
			slog.Info("closing connection", "code", ClosePolicyViolation, "conn", c.id, "err", err)
			c.closeWith(ClosePolicyViolation)
			return
		}

		switch frame.Type {
		case FramePresence:
			g.presence.Touch(c.docID, c.userID, frame.IsEditing)
			g.broadcast(sess, c.id, &Frame{
				Type:       FramePresence,
				DocumentID: c.docID,
				UserID:     c.userID,
				IsEditing:  frame.IsEditing,
			})
		case FrameLeave:
			return
		case FrameUpdate:
			if !caps.Write {
				slog.Info("closing connection", "code", ClosePolicyViolation, "conn", c.id, "user", c.userID)
				c.closeWith(ClosePolicyViolation)
				return
			}
			if err := sess.Apply(frame.Payload); err != nil {
				slog.Info("closing connection", "code", ClosePolicyViolation, "conn", c.id, "err", err)
				c.closeWith(ClosePolicyViolation)
				return
			}
			g.broadcast(sess, c.id, &Frame{
				Type:       FrameUpdate,
				DocumentID: c.docID,
				UserID:     c.userID,
				Payload:    frame.Payload,
			})
		default:
			slog.Info("closing connection", "code", ClosePolicyViolation, "conn", c.id, "type", frame.Type)
			c.closeWith(ClosePolicyViolation)
			return
		}
	}
}

// broadcast fans a frame out through the session and force-detaches any
// client whose outbound queue overflowed.
func (g *Gateway) broadcast(sess *session.Session, fromConnID string, frame *Frame) {
	for _, stalled := range sess.Broadcast(fromConnID, encodeFrame(frame)) {
		if sc, ok := stalled.(*conn); ok {
			sc.abort()
			g.detach(sess, sc)
		}
	}
}

// detach tears down an attached connection: remove it from the session,
// retire presence unless another connection of the same user remains, and
// kick the bridge when the session just went empty.
func (g *Gateway) detach(sess *session.Session, c *conn) {
	if !c.detached.CompareAndSwap(false, true) {
		return
	}
	c.abort()
	remaining := sess.Detach(c.id)
	if !sess.UserAttached(c.userID) {
		g.presence.Leave(c.docID, c.userID)
		g.broadcast(sess, c.id, &Frame{Type: FrameLeave, DocumentID: c.docID, UserID: c.userID})
	}
	slog.Info("detached", "conn", c.id, "user", c.userID, "doc", c.docID, "remaining", remaining)
	if remaining == 0 {
		g.bridge.Kick(sess)
	}
}
