package conversation

import (
	"fmt"
	"strings"

	"github.com/andreypedro/wa-agent-api/internal/domain"
)

const welcomeMessage = "Hello! I'm your AI Product Manager assistant. " +
	"I'll help you create a comprehensive Product Requirements Document for your software product idea.\n\n" +
	"Just tell me about your product idea and we'll get started!\n\n" +
	"Type /help to see available commands."

const helpMessage = "Available commands:\n" +
	"/start - Start a new session\n" +
	"/help - Show this help message\n" +
	"/reset - Clear the conversation and start over\n" +
	"/status - Check current progress and phase\n\n" +
	"Just start by telling me about your product idea!"

const resetMessage = "🔄 Your session has been reset!\n\n" +
	"You can now start fresh with a new idea."

const finalizedMessage = "🎉 This session is complete! " +
	"Use /reset to start a new one, or /status to see what was collected."

const unknownCommandMessage = "I don't know that command. Type /help to see what I can do."

// phaseLabels are the human names shown in /status output.
var phaseLabels = map[domain.Phase]string{
	domain.PhaseDiscovery:     "Initial Discovery",
	domain.PhaseVision:        "Product Vision",
	domain.PhaseAudience:      "Target Audience",
	domain.PhaseFeatures:      "Core Features",
	domain.PhaseStories:       "User Stories",
	domain.PhaseTechnical:     "Technical Requirements",
	domain.PhaseMetrics:       "Success Metrics",
	domain.PhaseConstraints:   "Constraints & Assumptions",
	domain.PhaseReview:        "Review",
	domain.PhaseRefinement:    "Refinement",
	domain.PhaseFinalization:  "Finalization",
	domain.PhaseQualification: "Qualification",
	domain.PhaseContracting:   "Contracting",
}

// PhaseLabel returns the display name of a phase.
func PhaseLabel(p domain.Phase) string {
	if label, ok := phaseLabels[p]; ok {
		return label
	}
	return string(p)
}

// isCommand reports whether a message is a slash command, and which.
func isCommand(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", false
	}
	// Telegram suffixes commands with @botname in groups.
	cmd := strings.Fields(trimmed)[0]
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), true
}

// progressFooter renders the completion line appended to workflow replies.
func progressFooter(pct int) string {
	return fmt.Sprintf("\n\n📊 Progress: %d%%", pct)
}
