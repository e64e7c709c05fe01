// Package projection turns a roster snapshot into the ordered, filtered list
// shown to the subscriber.
package projection

import (
	"sort"
	"strings"
	"time"

	"chatroster/pkg/roster"
)

// Item is one display row: a roster entry plus its rendered preview.
type Item struct {
	roster.Entry
	Preview string `json:"preview"`
}

// LastMessageAt returns the summary timestamp, or the zero time.
func (i Item) LastMessageAt() time.Time {
	if i.Latest == nil {
		return time.Time{}
	}
	return i.Latest.CreatedAt
}

// Project filters r by search and orders the result.
//
// Agents are always kept and come first. Everyone else must contain search
// in their name, case-insensitively. Entries with a summary precede entries
// without one, newest summary first; remaining ties keep directory order.
func Project(r roster.Roster, search string) []roster.Entry {
	needle := strings.ToLower(search)

	out := make([]roster.Entry, 0, len(r.Entries))
	for _, entry := range r.Entries {
		if entry.Correspondent.AlwaysOnline() || strings.Contains(strings.ToLower(entry.Correspondent.Name), needle) {
			out = append(out, entry)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i], out[j])
	})

	return out
}

func less(a roster.Entry, b roster.Entry) bool {
	aAgent, bAgent := a.Correspondent.AlwaysOnline(), b.Correspondent.AlwaysOnline()
	if aAgent != bAgent {
		return aAgent
	}
	if aAgent {
		return false
	}

	if a.HasSummary() != b.HasSummary() {
		return a.HasSummary()
	}
	if !a.HasSummary() {
		return false
	}

	return a.Latest.CreatedAt.After(b.Latest.CreatedAt)
}

// Items projects r and renders a preview for every row.
func Items(r roster.Roster, search string) []Item {
	entries := Project(r, search)

	items := make([]Item, 0, len(entries))
	for _, entry := range entries {
		item := Item{Entry: entry}
		if entry.Latest != nil {
			item.Preview = Preview(*entry.Latest)
		}
		items = append(items, item)
	}

	return items
}
