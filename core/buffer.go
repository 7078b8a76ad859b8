package core

import "pkt.systems/ttyx/schema"

// scrollback stores the most recent output lines of a session.
// Offsets count lines from the bottom; 0 means at bottom.
type scrollback struct {
	lines    []string
	maxLines int
}

func newScrollback(maxLines int) *scrollback {
	if maxLines <= 0 {
		maxLines = schema.DefaultScrollbackLines
	}
	return &scrollback{maxLines: maxLines}
}

// Append adds lines, evicting the oldest past maxLines.
func (b *scrollback) Append(lines ...string) {
	if len(lines) == 0 {
		return
	}
	b.lines = append(b.lines, lines...)
	if len(b.lines) > b.maxLines {
		trim := len(b.lines) - b.maxLines
		b.lines = append([]string(nil), b.lines[trim:]...)
	}
}

// Len returns the number of stored lines.
func (b *scrollback) Len() int {
	return len(b.lines)
}

// View returns up to limit lines ending offset lines above the bottom.
func (b *scrollback) View(limit, offset int) schema.ScrollbackSnapshot {
	total := len(b.lines)
	if limit <= 0 || limit > total {
		limit = total
	}
	offset = clampScroll(offset, total, limit)
	end := total - offset
	start := end - limit
	if start < 0 {
		start = 0
	}
	lines := make([]string, end-start)
	copy(lines, b.lines[start:end])
	return schema.ScrollbackSnapshot{
		Lines:        lines,
		TotalLines:   total,
		ScrollOffset: offset,
		AtBottom:     offset == 0,
	}
}

func maxScroll(total, limit int) int {
	if total <= 0 || limit <= 0 {
		return 0
	}
	if total <= limit {
		return 0
	}
	return total - limit
}

func clampScroll(offset, total, limit int) int {
	max := maxScroll(total, limit)
	if offset < 0 {
		return 0
	}
	if offset > max {
		return max
	}
	return offset
}
