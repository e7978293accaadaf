package memory

import (
	"context"
	"log/slog"

	"github.com/steward-ai/steward/pkg/llm"
)

// Token estimation constants. The heuristic is deliberately cheap:
// roughly four characters per token for English prose. It only needs
// to be conservative enough for budget trimming, not tokenizer-exact.
const (
	charsPerToken = 4

	// systemAllowance reserves budget for the system message the
	// orchestrator prepends after assembly.
	systemAllowance = 500
)

// EstimateTokens approximates the token cost of a string.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return len(s)/charsPerToken + 1
}

// Combine fetches up to historyLimit recent messages for a subject and
// assembles them with the new instruction under a token budget. The
// most recent history is kept first when trimming; the returned slice
// is chronological and always ends with the instruction as a user
// message. A history fetch failure degrades to just the instruction —
// Combine never fails.
func Combine(ctx context.Context, store Store, subjectID, instruction string, historyLimit, maxTokens int, logger *slog.Logger) []llm.Message {
	if logger == nil {
		logger = slog.Default()
	}

	instructionMsg := llm.Message{Role: llm.RoleUser, Content: instruction}

	budget := maxTokens - EstimateTokens(instruction) - systemAllowance
	if store == nil || budget <= 0 || historyLimit <= 0 {
		return []llm.Message{instructionMsg}
	}

	history, err := store.Recent(ctx, subjectID, historyLimit)
	if err != nil {
		logger.Warn("history fetch failed, continuing without memory",
			"subject_id", subjectID, "error", err)
		return []llm.Message{instructionMsg}
	}

	// history is newest-first: walk forward spending budget on the most
	// recent turns, then reverse into chronological order.
	var kept []Message
	for _, m := range history {
		cost := EstimateTokens(m.Content)
		if cost > budget {
			break
		}
		budget -= cost
		kept = append(kept, m)
	}

	out := make([]llm.Message, 0, len(kept)+1)
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, llm.Message{Role: kept[i].Role, Content: kept[i].Content})
	}
	return append(out, instructionMsg)
}
