package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/cowrite/pkg/store"
)

// BridgeConfig tunes the persistence bridge. Zero values fall back to the
// reference behavior: a 5s scan interval, a hard 15s per-flush deadline and
// three eviction flush attempts before giving up.
type BridgeConfig struct {
	Interval      time.Duration
	FlushTimeout  time.Duration
	EvictAttempts int
}

func (c *BridgeConfig) norm() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 15 * time.Second
	}
	if c.EvictAttempts <= 0 {
		c.EvictAttempts = 3
	}
}

// Bridge drains dirty sessions into the durable store on a background ticker
// without ever running two flushes for one session at the same time, and
// evicts sessions once their last connection is gone and their state is safe.
type Bridge struct {
	registry *Registry
	store    store.Store
	conf     BridgeConfig
	kick     chan *Session
	wg       sync.WaitGroup
}

func NewBridge(registry *Registry, st store.Store, conf BridgeConfig) *Bridge {
	conf.norm()
	return &Bridge{
		registry: registry,
		store:    st,
		conf:     conf,
		kick:     make(chan *Session, 64),
	}
}

// Kick asks the bridge to look at a session before the next tick. Used when
// the last connection detaches so eviction flushes start promptly. Never
// blocks: a full channel just means the next tick does the work.
func (b *Bridge) Kick(s *Session) {
	select {
	case b.kick <- s:
	default:
	}
}

// Run scans on the ticker until the context is cancelled, then waits for
// in-flight flushes to resolve.
func (b *Bridge) Run(ctx context.Context) {
	t := time.NewTicker(b.conf.Interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			b.registry.Range(func(s *Session) { b.sweep(ctx, s) })
		case s := <-b.kick:
			b.sweep(ctx, s)
		case <-ctx.Done():
			b.wg.Wait()
			return
		}
	}
}

// sweep flushes the session if needed and applies the eviction rules. The
// flush itself runs on its own goroutine so a wedged store never stalls the
// ticker; the Flushing state keeps later sweeps from piling on.
func (b *Bridge) sweep(ctx context.Context, s *Session) {
	if s.State() == StateDirty {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.FlushNow(ctx, s)
			b.maybeEvict(s)
		}()
		return
	}
	b.maybeEvict(s)
}

// FlushNow performs at most one flush for the session, bounded by the hard
// timeout. A second caller while one is in flight is a no-op; residual
// dirtiness is picked up on the next tick.
func (b *Bridge) FlushNow(ctx context.Context, s *Session) {
	snapshot, gen, ok := s.beginFlush()
	if !ok {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, b.conf.FlushTimeout)
	start := time.Now()
	err := b.store.Save(fctx, s.DocumentID, snapshot)
	cancel()
	s.endFlush(gen, err, time.Now())
	if err != nil {
		slog.Error("flush failed, will retry on next tick",
			"doc", s.DocumentID, "bytes", len(snapshot), "duration", time.Since(start), "err", err)
		return
	}
	slog.Debug("flushed", "doc", s.DocumentID, "bytes", len(snapshot), "duration", time.Since(start))
}

func (b *Bridge) maybeEvict(s *Session) {
	s.mu.Lock()
	if len(s.attached) > 0 || s.state == StateFlushing {
		s.mu.Unlock()
		return
	}
	dirty := s.state == StateDirty
	if dirty {
		s.evictAttempts++
		if s.evictAttempts < b.conf.EvictAttempts {
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()

	// evict re-verifies emptiness atomically: a join that attached between
	// the check above and here wins, and the session stays live.
	if !b.registry.evict(s) {
		return
	}
	if dirty {
		slog.Error("evicted session with unpersisted state, recent edits may be lost",
			"doc", s.DocumentID, "attempts", b.conf.EvictAttempts)
	} else {
		slog.Info("evicted idle session", "doc", s.DocumentID)
	}
}

// FinalFlushAll runs one synchronous flush pass over every live session.
// Called on shutdown after the listener has closed.
func (b *Bridge) FinalFlushAll(ctx context.Context) {
	b.registry.Range(func(s *Session) {
		b.FlushNow(ctx, s)
	})
}
