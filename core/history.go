package core

import "pkt.systems/ttyx/schema"

// appendCapped returns a new slice holding lines followed by add, keeping
// only the newest max entries. The input slice is never modified.
func appendCapped(lines []string, add []string, max int) []string {
	out := make([]string, 0, len(lines)+len(add))
	out = append(out, lines...)
	out = append(out, add...)
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// appendHistory returns a new history with item appended, keeping only the newest max items.
func appendHistory(history []schema.CommandHistoryItem, item schema.CommandHistoryItem, max int) []schema.CommandHistoryItem {
	out := make([]schema.CommandHistoryItem, 0, len(history)+1)
	out = append(out, history...)
	out = append(out, item)
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}
