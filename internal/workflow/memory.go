package workflow

import "github.com/andreypedro/wa-agent-api/internal/domain"

// DefaultWindowPairs is how many user/assistant interaction pairs are
// kept in the collaborator's context window when not configured.
const DefaultWindowPairs = 5

// MaxHistoryTurns caps the persisted conversation history; older turns
// are discarded on write.
const MaxHistoryTurns = 50

// Window returns the trailing slice of history covering at most `pairs`
// user/assistant interaction pairs (2*pairs turns). It never mutates the
// input and returns it unchanged when already within the window.
func Window(history []domain.Turn, pairs int) []domain.Turn {
	if pairs <= 0 {
		return nil
	}
	limit := 2 * pairs
	if len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

// Trim enforces the persisted-history cap, dropping the oldest turns.
func Trim(history []domain.Turn) []domain.Turn {
	if len(history) <= MaxHistoryTurns {
		return history
	}
	return history[len(history)-MaxHistoryTurns:]
}
