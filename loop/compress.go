package loop

import (
	"fmt"
	"strings"
)

// DefaultPreserveRecent is how many trailing turns survive compression
// verbatim when the backend does not specify a count.
const DefaultPreserveRecent = 6

// CompressHistory replaces older turns with a single synthetic system turn
// rendering the summary and key facts, keeping the last preserveLastN turns
// verbatim. The transform is a no-op while the history is still small enough
// that compressing would not pay for the summary turn it inserts. It is
// one-way and lossy: pre-compression detail survives only through the listed
// key facts.
func CompressHistory(history []Turn, summary string, keyFacts []string, preserveLastN int) []Turn {
	if preserveLastN <= 0 {
		preserveLastN = DefaultPreserveRecent
	}
	if len(history) <= preserveLastN+2 {
		return history
	}
	compressed := make([]Turn, 0, preserveLastN+1)
	compressed = append(compressed, Turn{
		Role:    "system",
		Content: renderSummaryTurn(summary, keyFacts),
	})
	tail := history[len(history)-preserveLastN:]
	return append(compressed, tail...)
}

// renderSummaryTurn formats the compressed segment the way the backend sees
// it on subsequent iterations.
func renderSummaryTurn(summary string, keyFacts []string) string {
	var sb strings.Builder
	sb.WriteString("=== Earlier Conversation (Compressed) ===\n")
	sb.WriteString("Summary: ")
	sb.WriteString(strings.TrimSpace(summary))
	sb.WriteString("\n")
	if len(keyFacts) > 0 {
		sb.WriteString("Key Facts:\n")
		for _, fact := range keyFacts {
			sb.WriteString(fmt.Sprintf("  - %s\n", fact))
		}
	}
	return sb.String()
}
