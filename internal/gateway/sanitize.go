// ABOUTME: Response-text sanitation for streamed gateway replies.
// ABOUTME: Strips hidden-reasoning tag pairs from final text before forwarding downstream.

package gateway

import (
	"regexp"
	"strings"
)

// Matched start/end pairs of the known hidden-reasoning tag spellings.
// Case-sensitive; content may span lines.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<think>.*?</think>`),
	regexp.MustCompile(`(?s)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?s)<antthinking>.*?</antthinking>`),
}

// StripThinkingTags removes hidden-reasoning tag pairs from assistant text.
// Applied only to terminal ("final") streamed text, never to deltas.
// Idempotent: text without tags is returned unchanged apart from trimming.
func StripThinkingTags(text string) string {
	for _, re := range thinkingTagPatterns {
		text = re.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}
