package viz

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderHistoryToSvg draws the change DAG of a persisted document so an
// operator can see which actors produced which edits and where the current
// heads sit. Nodes are labelled hash, actor@seq and the commit message when
// one was recorded.
func RenderHistoryToSvg(doc *automerge.Doc, outputPath string) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	heads := make(map[string]bool)
	for _, h := range doc.Heads() {
		heads[h.String()] = true
	}

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter int
	for _, change := range changes {
		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		label := fmt.Sprintf("%s %s@%d", change.Hash().String()[:8], change.ActorID(), change.ActorSeq())
		if m := change.Message(); m != "" {
			label += " " + m
		}
		n.SetLabel(label)
		if heads[change.Hash().String()] {
			n.SetShape(cgraph.DoubleCircleShape)
		}
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), nodeMap[hash.String()], n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}

	if err := os.WriteFile(outputPath, buff.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}
