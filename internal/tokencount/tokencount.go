// Package tokencount estimates token counts for prompt budgeting and audit
// records. Uses a character-based heuristic (~4 chars per token for English)
// which is sufficient for sizing; exact counts would need the model's own
// tokenizer.
package tokencount

import (
	worker "github.com/lumenai/lumen-worker/internal"
)

// perMessageOverhead approximates the role and framing tokens each chat
// turn costs on top of its content.
const perMessageOverhead = 4

// EstimateMessages estimates the total token count for a rendered chat
// message array.
func EstimateMessages(msgs []worker.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		total += estimateTokens(m.Role)
		total += estimateTokens(m.Content)
	}
	total += 3 // completion priming
	return max(total, 1)
}

// EstimateText estimates tokens for a plain text string.
func EstimateText(text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses the ~4 characters per token heuristic, a reasonable
// approximation for English text with common tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
