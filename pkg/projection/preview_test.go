package projection

import (
	"strings"
	"testing"

	"chatroster/pkg/roster"
)

func TestPreviewText(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "short", body: "hello", want: "hello"},
		{name: "exactly thirty", body: strings.Repeat("a", 30), want: strings.Repeat("a", 30)},
		{name: "forty", body: strings.Repeat("b", 40), want: strings.Repeat("b", 30) + "..."},
		{name: "multibyte", body: strings.Repeat("é", 31), want: strings.Repeat("é", 30) + "..."},
		{name: "empty", body: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Preview(roster.Summary{Body: tt.body, ContentKind: roster.ContentText})
			if got != tt.want {
				t.Fatalf("Preview(%q) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}
}

func TestPreviewNonTextNeverShowsBody(t *testing.T) {
	kinds := []roster.ContentKind{roster.ContentVoice, roster.ContentDocument, roster.ContentImage, roster.ContentVideo}
	seen := make(map[string]struct{}, len(kinds))

	for _, kind := range kinds {
		got := Preview(roster.Summary{Body: "https://files.example/secret.bin", ContentKind: kind})
		if strings.Contains(got, "secret") {
			t.Fatalf("Preview(%s) = %q leaks body", kind, got)
		}
		if got == "" {
			t.Fatalf("Preview(%s) is empty", kind)
		}
		seen[got] = struct{}{}
	}

	if len(seen) != len(kinds) {
		t.Fatalf("expected one distinct label per kind, got %v", seen)
	}

	if got := Preview(roster.Summary{Body: "voice-note.ogg", ContentKind: roster.ContentVoice}); got != "🎤 Voice message" {
		t.Fatalf("voice preview = %q", got)
	}
	if got := Preview(roster.Summary{Body: "report.pdf", ContentKind: roster.ContentDocument}); got != "📄 PDF document" {
		t.Fatalf("document preview = %q", got)
	}
}

func TestPreviewUnknownKindFallsBackToText(t *testing.T) {
	got := Preview(roster.Summary{Body: "plain", ContentKind: ""})
	if got != "plain" {
		t.Fatalf("Preview = %q, want %q", got, "plain")
	}
}
