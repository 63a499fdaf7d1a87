package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/astromechza/cowrite/pkg/gateway"
	"github.com/astromechza/cowrite/pkg/presence"
	"github.com/astromechza/cowrite/pkg/schedule"
	"github.com/astromechza/cowrite/pkg/session"
	"github.com/astromechza/cowrite/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	dbVar := flag.String("db", "cowrite.sqlite3", "path to the sqlite database")
	heartbeatVar := flag.Duration("heartbeat", 15*time.Second, "presence heartbeat interval")
	flushEveryVar := flag.Duration("flush-every", 5*time.Second, "persistence scan interval")
	flushTimeoutVar := flag.Duration("flush-timeout", 15*time.Second, "hard deadline per flush")
	maxConnsVar := flag.Int("max-conns-per-doc", 100, "connection ceiling per document (<=0 disables)")
	maxDocBytesVar := flag.Int("max-doc-bytes", 8<<20, "document snapshot size ceiling (<=0 disables)")
	openAccessVar := flag.Bool("open-access", false, "grant access to documents without acl rows")
	createMissingVar := flag.Bool("create-missing", false, "seed fresh documents on first join")
	flag.Parse()

	secret := os.Getenv("COWRITE_JWT_SECRET")
	if secret == "" {
		return fmt.Errorf("COWRITE_JWT_SECRET must be set")
	}

	slog.Info("Opening database", "path", *dbVar)
	st, err := store.OpenSQLite(*dbVar, *openAccessVar)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := session.NewRegistry(st, *maxDocBytesVar, *createMissingVar)
	bridge := session.NewBridge(registry, st, session.BridgeConfig{
		Interval:     *flushEveryVar,
		FlushTimeout: *flushTimeoutVar,
	})
	pres := presence.NewTable(schedule.New(), *heartbeatVar)
	gw := gateway.New(registry, pres, bridge, st, gateway.NewTokenVerifier([]byte(secret)), gateway.Config{
		MaxConnsPerDoc: *maxConnsVar,
	})

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	// The document id is named by the join frame, not the path: a connection
	// has no document context until it authorizes.
	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(gw.HandleWS)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusNoContent)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		bridge.Run(ctx)
	}()

	httpServer := &http.Server{Addr: *addrVar, Handler: r}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	// Last chance to persist whatever the ticker had not reached yet.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), *flushTimeoutVar)
	defer flushCancel()
	bridge.FinalFlushAll(flushCtx)

	return nil
}
