package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/astromechza/cowrite/pkg/gateway"
	"github.com/astromechza/cowrite/pkg/presence"
	"github.com/astromechza/cowrite/pkg/schedule"
)

// A headless editing client: joins a document, announces presence on the
// heartbeat interval while editing, makes random edits and ships them as
// incremental updates.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address to connect to")
	docVar := flag.String("doc", "default", "the document to join")
	heartbeatVar := flag.Duration("heartbeat", 15*time.Second, "presence heartbeat interval")
	flag.Parse()

	token := os.Getenv("COWRITE_TOKEN")
	if token == "" {
		return fmt.Errorf("COWRITE_TOKEN must be set")
	}

	u := url.URL{Scheme: "ws", Host: *addrVar, Path: "/ws", RawQuery: url.Values{"token": {token}}.Encode()}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	c := &client{conn: conn, doc: *docVar, pres: presence.NewTable(schedule.New(), *heartbeatVar)}
	if err := c.join(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		c.readContinuously()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatContinuously(ctx, *heartbeatVar)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.editRandomlyContinuously(ctx)
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()

	_ = c.send(&gateway.Frame{Type: gateway.FrameLeave, DocumentID: c.doc})
	_ = conn.Close()
	wg.Wait()
	return nil
}

type client struct {
	conn *websocket.Conn
	doc  string
	// pres mirrors who is on the document, seeded from the init frame and
	// kept current from presence broadcasts. Peers that stop announcing are
	// downgraded by the same expiry rule the server applies.
	pres *presence.Table

	mu      sync.Mutex
	liveDoc *automerge.Doc
}

func (c *client) send(f *gateway.Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// join sends the join frame and waits for the authoritative init snapshot.
func (c *client) join() error {
	if err := c.send(&gateway.Frame{Type: gateway.FrameJoin, DocumentID: c.doc, IsEditing: true}); err != nil {
		return fmt.Errorf("failed to send join: %w", err)
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read init: %w", err)
	}
	frame, err := gateway.ParseFrame(data)
	if err != nil {
		return err
	}
	if frame.Type != gateway.FrameInit {
		return fmt.Errorf("expected init frame, got %q", frame.Type)
	}
	doc, err := automerge.Load(frame.Payload)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	_ = doc.SetActorID(hex.EncodeToString([]byte(fmt.Sprintf("%d", os.Getpid()))))
	c.liveDoc = doc
	c.pres.Init(c.doc, frame.UserIDs, frame.EditingIDs)
	slog.Info("joined", "doc", c.doc, "heads", doc.Heads(), "present", frame.UserIDs, "editing", frame.EditingIDs)
	return nil
}

func (c *client) readContinuously() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				slog.Info("server closed connection", "code", ce.Code, "reason", ce.Text)
			} else {
				slog.Info("connection lost", "err", err)
			}
			return
		}
		frame, err := gateway.ParseFrame(data)
		if err != nil {
			slog.Error("failed to parse frame", "err", err)
			continue
		}
		switch frame.Type {
		case gateway.FrameUpdate:
			c.mu.Lock()
			err := c.liveDoc.LoadIncremental(frame.Payload)
			c.mu.Unlock()
			if err != nil {
				slog.Error("failed to apply update", "err", err)
			}
		case gateway.FramePresence:
			c.pres.Touch(c.doc, frame.UserID, frame.IsEditing)
			slog.Info("presence", "user", frame.UserID, "editing", frame.IsEditing, "present", len(c.pres.Get(c.doc)))
		case gateway.FrameLeave:
			c.pres.Leave(c.doc, frame.UserID)
			slog.Info("left", "user", frame.UserID, "present", len(c.pres.Get(c.doc)))
		}
	}
}

// heartbeatContinuously re-announces editing presence so the server's expiry
// timer keeps getting pushed out.
func (c *client) heartbeatContinuously(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := c.send(&gateway.Frame{Type: gateway.FramePresence, DocumentID: c.doc, IsEditing: true}); err != nil {
				slog.Error("failed to send heartbeat", "err", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *client) editRandomlyContinuously(ctx context.Context) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			c.mu.Lock()
			err := c.liveDoc.Path("counter").Counter().Inc(1)
			var payload []byte
			if err == nil {
				payload = c.liveDoc.SaveIncremental()
			}
			c.mu.Unlock()
			if err != nil {
				slog.Error("failed to edit", "err", err)
				continue
			}
			if err := c.send(&gateway.Frame{Type: gateway.FrameUpdate, DocumentID: c.doc, Payload: payload}); err != nil {
				slog.Error("failed to send update", "err", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
