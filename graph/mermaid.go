package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/brunobiangulo/docgraph/apperr"
	"github.com/brunobiangulo/docgraph/store"
)

// MermaidOptions configures RenderMermaid.
type MermaidOptions struct {
	// TopN is the number of nodes, by edge count (default 20, at most 200).
	TopN       int    `validate:"min=0,max=200"`
	EntityType string
	ShowLabels bool
	// Direction is the flowchart direction (TD by default).
	Direction string `validate:"omitempty,oneof=TD TB BT LR RL"`
}

// RenderMermaid draws the top nodes by edge count and the edges among them
// as a Mermaid flowchart.
func RenderMermaid(ctx context.Context, s *store.Store, opts MermaidOptions) (string, error) {
	if err := apperr.Validate(opts, "invalid diagram options"); err != nil {
		return "", err
	}
	if opts.TopN == 0 {
		opts.TopN = 20
	}
	if opts.Direction == "" {
		opts.Direction = "TD"
	}

	top, err := s.TopNodesByEdgeCount(ctx, opts.EntityType, opts.TopN)
	if err != nil {
		return "", apperr.Store(err, "loading top nodes")
	}

	var sb strings.Builder
	sb.WriteString("graph " + opts.Direction + "\n")
	if len(top) == 0 {
		return sb.String(), nil
	}

	ids := make([]string, len(top))
	alias := make(map[string]string, len(top))
	for i, n := range top {
		ids[i] = n.ID
		alias[n.ID] = fmt.Sprintf("n%d", i)
		fmt.Fprintf(&sb, "  %s[\"%s<br/>(%s)\"]\n", alias[n.ID],
			SanitizeMermaidLabel(n.CanonicalName), SanitizeMermaidLabel(n.EntityType))
	}

	edges, err := s.ListEdges(ctx, store.EdgeFilter{Among: ids})
	if err != nil {
		return "", apperr.Store(err, "loading diagram edges")
	}
	for _, e := range edges {
		if opts.ShowLabels {
			fmt.Fprintf(&sb, "  %s -->|%s| %s\n", alias[e.SourceNodeID],
				SanitizeMermaidLabel(e.RelationshipType), alias[e.TargetNodeID])
		} else {
			fmt.Fprintf(&sb, "  %s --> %s\n", alias[e.SourceNodeID], alias[e.TargetNodeID])
		}
	}
	return sb.String(), nil
}

var mermaidReplacer = strings.NewReplacer(
	`"`, "'",
	"[", "(", "]", ")",
	"{", "(", "}", ")",
	"<", "", ">", "",
	"|", "/",
	"#", "",
	";", ",",
	"`", "'",
	"\n", " ", "\r", " ",
)

// SanitizeMermaidLabel replaces characters Mermaid treats as syntax.
func SanitizeMermaidLabel(s string) string {
	return strings.TrimSpace(mermaidReplacer.Replace(s))
}
