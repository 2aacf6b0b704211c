package compaction

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/roelfdiedericks/agentloop/internal/types"
)

const (
	toolInputPreviewChars = 200
	resultPreviewLimit    = 700
	resultPreviewHead     = 500
	resultPreviewTail     = 200
	maxSummaryInputChars  = 100_000

	truncatedMarker = "\n[...truncated...]\n"
	omittedMarker   = "\n\n[...middle of conversation omitted for brevity...]\n\n"

	summaryOpen  = "\n\n[CONTEXT SUMMARY]\n"
	summaryClose = "\n[END CONTEXT SUMMARY]"

	// AckText is inserted after the summary when the kept tail starts with a user message.
	AckText = "Understood. Continuing with the current task."
)

// SummarizePrompt precedes the rendered history sent to the summarizer.
const SummarizePrompt = `Summarize the following conversation history between a user and an AI assistant.
Preserve these details precisely:
- The original user request and any specific criteria or instructions
- All decisions made and their reasoning
- Key data points, URLs, file paths, and identifiers that may be needed later
- Any scores, rankings, or evaluations produced
- Current task status and next steps

Do NOT include raw tool output data (job descriptions, email bodies, etc.);
just note what was retrieved and key findings.

Format as a concise narrative summary.

---
CONVERSATION HISTORY:

`

// headRunes returns the first n characters of s.
func headRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// tailRunes returns the last n characters of s.
func tailRunes(s string, n int) string {
	count := utf8.RuneCountInString(s)
	if n >= count {
		return s
	}
	skip := count - n
	i := 0
	for pos := range s {
		if i == skip {
			return s[pos:]
		}
		i++
	}
	return ""
}

// previewResult shortens a tool result to head + marker + tail.
// Text that already carries the marker is returned unchanged.
func previewResult(text string) string {
	if utf8.RuneCountInString(text) <= resultPreviewLimit || strings.Contains(text, truncatedMarker) {
		return text
	}
	return headRunes(text, resultPreviewHead) + truncatedMarker + tailRunes(text, resultPreviewTail)
}

func previewInput(input []byte) string {
	s := string(input)
	if s == "" {
		s = "{}"
	}
	if utf8.RuneCountInString(s) > toolInputPreviewChars {
		s = headRunes(s, toolInputPreviewChars) + "..."
	}
	return s
}

// capInput keeps the head and tail of an oversized rendering.
func capInput(s string) string {
	if utf8.RuneCountInString(s) <= maxSummaryInputChars {
		return s
	}
	half := maxSummaryInputChars / 2
	return headRunes(s, half) + omittedMarker + tailRunes(s, half)
}

// formatForSummarization renders messages as role-tagged text.
func formatForSummarization(msgs []types.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		var blocks []string
		for _, b := range m.Content {
			switch b.Type {
			case types.BlockText:
				blocks = append(blocks, b.Text)
			case types.BlockToolUse:
				blocks = append(blocks, fmt.Sprintf("[Tool call: %s(%s)]", b.Name, previewInput(b.Input)))
			case types.BlockToolResult:
				blocks = append(blocks, fmt.Sprintf("[Tool result (%s)]: %s", b.ToolUseID, previewResult(b.Content)))
			}
		}
		parts = append(parts, fmt.Sprintf("[%s]: %s", m.Role, strings.Join(blocks, "\n")))
	}
	return strings.Join(parts, "\n\n")
}

// splitSummary separates the original text of a first message from a
// context summary merged into it by an earlier compaction.
func splitSummary(text string) (original, summary string) {
	start := strings.Index(text, summaryOpen)
	if start < 0 {
		return text, ""
	}
	rest := text[start+len(summaryOpen):]
	end := strings.LastIndex(rest, summaryClose)
	if end < 0 {
		return text, ""
	}
	return text[:start], rest[:end]
}

func mergeSummary(original, summary string) string {
	return original + summaryOpen + summary + summaryClose
}
