package projection

import "chatroster/pkg/roster"

const (
	previewLimit    = 30
	previewEllipsis = "..."
)

var previewLabels = map[roster.ContentKind]string{
	roster.ContentVoice:    "🎤 Voice message",
	roster.ContentDocument: "📄 PDF document",
	roster.ContentImage:    "📷 Image",
	roster.ContentVideo:    "🎥 Video",
}

// Preview renders the one-line summary text. Non-text kinds never expose
// their body.
func Preview(s roster.Summary) string {
	if label, ok := previewLabels[s.ContentKind]; ok {
		return label
	}

	return truncate(s.Body, previewLimit)
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}

	return string(runes[:limit]) + previewEllipsis
}
