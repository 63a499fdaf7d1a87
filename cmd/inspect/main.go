package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/cowrite/pkg/store"
	"github.com/astromechza/cowrite/pkg/viz"
)

// Operator tool: load a persisted document from the store, print its heads
// and change log, and optionally render the change DAG to SVG.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	dbVar := flag.String("db", "cowrite.sqlite3", "path to the sqlite database")
	docVar := flag.String("doc", "default", "the document id to inspect")
	outVar := flag.String("out", "", "render the change DAG to this SVG path")
	flag.Parse()

	st, err := store.OpenSQLite(*dbVar, false)
	if err != nil {
		return err
	}
	defer st.Close()

	raw, err := st.Load(context.Background(), *docVar)
	if err != nil {
		return fmt.Errorf("failed to load %q: %w", *docVar, err)
	}

	doc, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	slog.Info("loaded doc", "bytes", len(raw), "contents", doc.RootMap().GoString())
	slog.Info("loaded heads", "heads", doc.Heads())

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
	}

	if *outVar != "" {
		if err := viz.RenderHistoryToSvg(doc, *outVar); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*outVar)
	}
	return nil
}
