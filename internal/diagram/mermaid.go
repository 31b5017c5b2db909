package diagram

import (
	"fmt"
	"strings"
)

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// RenderMermaid renders a DiagramModel as a Mermaid flowchart. Back edges
// are dotted; overlaid agents get one class per status.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		b.WriteString("    ")
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	b.WriteString("graph TD\n")
	if model.Title != "" {
		line("%%%% %s", model.Title)
	}
	if model.Pattern != "" {
		line("%%%% pattern: %s", model.Pattern)
	}

	for _, n := range model.Nodes {
		id, label := mermaidSafeID(n.ID), firstLine(n.Label)
		switch n.Kind {
		case NodeKindEntry:
			line("%s([%q])", id, label)
		case NodeKindStart, NodeKindEnd:
			line("%s((%q))", id, label)
		default:
			line("%s[%q]", id, label)
		}
	}

	for _, e := range model.Edges {
		arrow := "-->"
		if e.Back {
			arrow = "-.->"
		}
		if e.Label != "" {
			arrow += "|" + e.Label + "|"
		}
		line("%s %s %s", mermaidSafeID(e.From), arrow, mermaidSafeID(e.To))
	}

	b.WriteByte('\n')
	for _, s := range legend {
		c := palette[s]
		line("classDef %s fill:%s,stroke:%s,color:%s", s, c.fill, c.stroke, c.font)
	}
	for _, n := range model.Nodes {
		if n.Status == nil {
			continue
		}
		if _, ok := palette[n.Status.Status]; ok {
			line("class %s %s", mermaidSafeID(n.ID), n.Status.Status)
		}
	}
	return b.String()
}

// mermaidSafeID replaces the characters Mermaid rejects in node IDs.
func mermaidSafeID(id string) string {
	return mermaidIDReplacer.Replace(id)
}
