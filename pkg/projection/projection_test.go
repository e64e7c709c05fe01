package projection

import (
	"strings"
	"testing"
	"time"

	"chatroster/pkg/roster"
)

const me = "me"

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return base.Add(time.Duration(seconds) * time.Second)
}

func exampleRoster() roster.Roster {
	agg := roster.New(me)
	agg.Initialize([]roster.Correspondent{
		{ID: "D1", Name: "Alice", Kind: roster.KindOperator},
		{ID: "D2", Name: "Bob", Kind: roster.KindAssistant},
		{ID: "D3", Name: "Assist-AI", Kind: roster.KindAgent},
	}, []roster.Message{
		{ID: "m1", SenderID: "D1", RecipientID: me, Body: "from alice", CreatedAt: at(10)},
		{ID: "m2", SenderID: "D2", RecipientID: me, Body: "from bob", CreatedAt: at(20)},
	})
	agg.ApplyPresenceSync([]string{"D1"})

	return agg.Snapshot()
}

func names(entries []roster.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Correspondent.Name)
	}
	return out
}

func TestProjectExampleEmptySearch(t *testing.T) {
	got := Project(exampleRoster(), "")

	if want := "Assist-AI,Bob,Alice"; strings.Join(names(got), ",") != want {
		t.Fatalf("order = %v, want %s", names(got), want)
	}

	if got[0].Latest != nil || !got[0].Online {
		t.Fatalf("agent entry = %+v, want no summary and online", got[0])
	}
	if got[1].Latest == nil || !got[1].Latest.CreatedAt.Equal(at(20)) || got[1].Online {
		t.Fatalf("bob entry = %+v, want summary at t=20 and offline", got[1])
	}
	if got[2].Latest == nil || !got[2].Latest.CreatedAt.Equal(at(10)) || !got[2].Online {
		t.Fatalf("alice entry = %+v, want summary at t=10 and online", got[2])
	}
}

func TestProjectExampleSearch(t *testing.T) {
	got := Project(exampleRoster(), "ali")

	if want := "Assist-AI,Alice"; strings.Join(names(got), ",") != want {
		t.Fatalf("order = %v, want %s", names(got), want)
	}
}

func TestProjectKeepsAgentsForAnySearch(t *testing.T) {
	for _, search := range []string{"", "zzz", "ASSIST", "bob"} {
		got := Project(exampleRoster(), search)
		if len(got) == 0 || got[0].Correspondent.Kind != roster.KindAgent {
			t.Fatalf("search %q: first entry = %v, want agent", search, names(got))
		}
	}
}

func TestProjectSearchIsCaseInsensitiveSubstring(t *testing.T) {
	tests := []struct {
		search string
		want   string
	}{
		{search: "ALI", want: "Assist-AI,Alice"},
		{search: "o", want: "Assist-AI,Bob"},
		{search: "lce", want: "Assist-AI"},
	}

	for _, tt := range tests {
		if got := strings.Join(names(Project(exampleRoster(), tt.search)), ","); got != tt.want {
			t.Fatalf("Project(%q) = %s, want %s", tt.search, got, tt.want)
		}
	}
}

func TestProjectOrdering(t *testing.T) {
	r := roster.Roster{Entries: []roster.Entry{
		{Correspondent: roster.Correspondent{ID: "n1", Name: "NoSummaryOne", Kind: roster.KindOperator}},
		{Correspondent: roster.Correspondent{ID: "a1", Name: "AgentOne", Kind: roster.KindAgent}, Online: true},
		{Correspondent: roster.Correspondent{ID: "s1", Name: "Old", Kind: roster.KindOperator}, Latest: &roster.Summary{CreatedAt: at(1)}},
		{Correspondent: roster.Correspondent{ID: "n2", Name: "NoSummaryTwo", Kind: roster.KindAssistant}},
		{Correspondent: roster.Correspondent{ID: "a2", Name: "AgentTwo", Kind: roster.KindAgent}, Online: true},
		{Correspondent: roster.Correspondent{ID: "s2", Name: "New", Kind: roster.KindOperator}, Latest: &roster.Summary{CreatedAt: at(5)}},
		{Correspondent: roster.Correspondent{ID: "s3", Name: "NewTie", Kind: roster.KindOperator}, Latest: &roster.Summary{CreatedAt: at(5)}},
	}}

	want := "AgentOne,AgentTwo,New,NewTie,Old,NoSummaryOne,NoSummaryTwo"
	for i := 0; i < 3; i++ {
		if got := strings.Join(names(Project(r, "")), ","); got != want {
			t.Fatalf("order = %s, want %s", got, want)
		}
	}
}

func TestProjectDoesNotMutateInput(t *testing.T) {
	r := exampleRoster()
	before := strings.Join(names(r.Entries), ",")

	_ = Project(r, "")

	if after := strings.Join(names(r.Entries), ","); after != before {
		t.Fatalf("input order changed from %s to %s", before, after)
	}
}

func TestItemsCarryPreview(t *testing.T) {
	items := Items(exampleRoster(), "")
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	if items[0].Preview != "" {
		t.Fatalf("agent preview = %q, want empty", items[0].Preview)
	}
	if items[1].Preview != "from bob" {
		t.Fatalf("bob preview = %q, want %q", items[1].Preview, "from bob")
	}
	if !items[2].LastMessageAt().Equal(at(10)) {
		t.Fatalf("alice last message at = %v, want %v", items[2].LastMessageAt(), at(10))
	}
	if !items[0].LastMessageAt().IsZero() {
		t.Fatal("agent last message at should be zero")
	}
}
