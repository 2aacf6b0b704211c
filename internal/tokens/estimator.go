// Package tokens provides the character-based token estimate used to decide
// when conversation history is compacted.
package tokens

import (
	"unicode/utf8"

	"github.com/roelfdiedericks/agentloop/internal/types"
)

// CharsPerToken is the fixed divisor of the estimate.
const CharsPerToken = 4

// Count returns the estimate for a single string.
func Count(text string) int {
	return utf8.RuneCountInString(text) / CharsPerToken
}

// chars counts the characters a message contributes: text, tool names,
// serialized tool input and tool result text.
func chars(m types.Message) int {
	n := 0
	for _, b := range m.Content {
		switch b.Type {
		case types.BlockText:
			n += utf8.RuneCountInString(b.Text)
		case types.BlockToolUse:
			n += utf8.RuneCountInString(b.Name)
			n += utf8.RuneCount(b.Input)
		case types.BlockToolResult:
			n += utf8.RuneCountInString(b.Content)
		}
	}
	return n
}

// EstimateMessage returns the estimate for one message.
func EstimateMessage(m types.Message) int {
	return chars(m) / CharsPerToken
}

// EstimateMessages returns the estimate for a whole conversation.
// Characters are summed before dividing so short messages still count.
func EstimateMessages(msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		total += chars(m)
	}
	return total / CharsPerToken
}
