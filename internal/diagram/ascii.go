package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

var asciiTags = map[AgentStatus]string{
	StatusCompleted: "[OK]",
	StatusFailed:    "[FAIL]",
	StatusRunning:   "[RUN]",
	StatusPending:   "[PEND]",
}

// RenderASCII renders a DiagramModel as a text diagram: one row of boxes
// per level, then the routing rules as a list.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		var row [][]string
		for _, id := range level {
			if n := model.Node(id); n != nil {
				row = append(row, drawBox(boxContent(n)))
			}
		}
		writeRow(&b, row)
		if i < len(model.Levels)-1 && len(row) > 0 {
			b.WriteString("       │\n       ▼\n")
		}
	}

	header := false
	for _, e := range model.Edges {
		if e.From == StartID || e.To == EndID {
			continue
		}
		if !header {
			b.WriteString("\n--- routing ---\n")
			header = true
		}
		arrow := "─→"
		if e.Back {
			arrow = "↺"
		}
		fmt.Fprintf(&b, "  %s %s %s\n", e.From, arrow, e.To)
	}
	return b.String()
}

func boxContent(n *Node) []string {
	content := []string{firstLine(n.Label)}
	if n.Status == nil {
		return content
	}
	if tag, ok := asciiTags[n.Status.Status]; ok {
		content = append(content, tag)
	}
	if n.Status.Steps > 0 {
		content = append(content, fmt.Sprintf("%d steps", n.Status.Steps))
	}
	return content
}

// drawBox frames content; every returned line has the same rune width.
func drawBox(content []string) []string {
	inner := 0
	for _, c := range content {
		inner = max(inner, utf8.RuneCountInString(c))
	}
	bar := strings.Repeat("─", inner+2)
	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+bar+"┐")
	for _, c := range content {
		lines = append(lines, "│ "+c+strings.Repeat(" ", inner-utf8.RuneCountInString(c))+" │")
	}
	return append(lines, "└"+bar+"┘")
}

// writeRow writes boxes side by side, padding shorter boxes at the bottom.
func writeRow(b *strings.Builder, row [][]string) {
	height := 0
	for _, box := range row {
		height = max(height, len(box))
	}
	for line := 0; line < height; line++ {
		for i, box := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			if line < len(box) {
				b.WriteString(box[line])
			} else {
				b.WriteString(strings.Repeat(" ", utf8.RuneCountInString(box[0])))
			}
		}
		b.WriteByte('\n')
	}
}
