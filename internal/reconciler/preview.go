package reconciler

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

const ellipsis = "…"

// previewPaths are tried in order for the preview text of a payload.
var previewPaths = []string{"content", "message", "body", "title"}

// preview extracts the display text of a payload, NFC-normalized, with
// whitespace collapsed and cut to at most limit runes.
func preview(payload json.RawMessage, limit int) string {
	if len(payload) == 0 {
		return ""
	}

	var text string

	if r := gjson.ParseBytes(payload); r.Type == gjson.String {
		text = r.String()
	} else {
		for _, path := range previewPaths {
			if v := r.Get(path); v.Exists() && v.Type == gjson.String {
				text = v.String()
				break
			}
		}
	}

	text = strings.Join(strings.Fields(norm.NFC.String(text)), " ")

	return truncate(text, limit)
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}

	runes := []rune(s)

	return strings.TrimRight(string(runes[:limit-1]), " ") + ellipsis
}
