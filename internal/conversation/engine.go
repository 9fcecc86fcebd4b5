// Package conversation is the channel-facing façade of the workflow
// engine: it owns per-session serialization, slash commands, the
// collaborator round-trip and persistence of the resulting context.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andreypedro/wa-agent-api/internal/collaborator"
	"github.com/andreypedro/wa-agent-api/internal/domain"
	"github.com/andreypedro/wa-agent-api/internal/store"
	"github.com/andreypedro/wa-agent-api/internal/workflow"
)

const collaboratorTroubleMessage = "I'm having trouble thinking right now. Please try again in a moment."

const collaboratorTimeoutMessage = "That took longer than expected. Please send your message again."

const invalidMoveMessage = "We can't do that at this point of the conversation. " +
	"Type /status to see where we are."

const persistenceTroubleMessage = "I couldn't save that just now. Please send your message again."

// Engine coordinates one workflow over many concurrent sessions.
type Engine struct {
	repo      store.Repository
	machine   *workflow.Machine
	extractor collaborator.Extractor
	convlog   ConversationLogger
	logger    *slog.Logger

	windowPairs int

	// sessionLocks serializes turns per session id; cross-session
	// turns proceed in parallel.
	sessionLocks sync.Map
}

// NewEngine wires the façade together. windowPairs bounds how many
// interaction pairs the collaborator sees; zero means the default.
func NewEngine(repo store.Repository, machine *workflow.Machine, extractor collaborator.Extractor,
	convlog ConversationLogger, logger *slog.Logger, windowPairs int) *Engine {
	if windowPairs <= 0 {
		windowPairs = workflow.DefaultWindowPairs
	}
	if convlog == nil {
		convlog = NewNoopConversationLogger()
	}
	return &Engine{
		repo:        repo,
		machine:     machine,
		extractor:   extractor,
		convlog:     convlog,
		logger:      logger,
		windowPairs: windowPairs,
	}
}

func (e *Engine) lockSession(sessionID string) *sync.Mutex {
	mu, _ := e.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// HandleTurn processes one inbound message and returns the reply to
// send. The reply is always safe to deliver, including on error: a
// non-nil error carries the underlying cause for server logs while the
// reply holds the user-facing wording.
func (e *Engine) HandleTurn(ctx context.Context, channel, channelUserID, text string) (string, error) {
	sessionID := domain.SessionID(channel, channelUserID)

	mu := e.lockSession(sessionID)
	mu.Lock()
	defer mu.Unlock()

	e.convlog.Log(ConversationLogEvent{
		UserID:     channelUserID,
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  "inbound",
		EventType:  "user_message",
		ContentRaw: text,
	})

	var reply string
	var err error
	if cmd, ok := isCommand(text); ok {
		reply, err = e.handleCommand(ctx, sessionID, cmd)
	} else {
		reply, err = e.handleWorkflowTurn(ctx, sessionID, text)
	}

	e.convlog.Log(ConversationLogEvent{
		UserID:     channelUserID,
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  "outbound",
		EventType:  "assistant_message",
		ContentRaw: reply,
	})

	return reply, err
}

func (e *Engine) handleCommand(ctx context.Context, sessionID, cmd string) (string, error) {
	switch cmd {
	case "/start":
		c, err := e.loadOrCreate(ctx, sessionID)
		if err != nil {
			return persistenceTroubleMessage, err
		}
		if c.Terminal || c.Turns > 0 {
			// An explicit /start on a running session begins over.
			c.Reset(e.machine.Definition().Initial)
			if err := e.repo.PutContext(ctx, c); err != nil {
				return persistenceTroubleMessage, fmt.Errorf("persist reset context: %w", err)
			}
		}
		return welcomeMessage, nil

	case "/help":
		return helpMessage, nil

	case "/reset":
		c, err := e.loadOrCreate(ctx, sessionID)
		if err != nil {
			return persistenceTroubleMessage, err
		}
		c.Reset(e.machine.Definition().Initial)
		if err := e.repo.PutContext(ctx, c); err != nil {
			return persistenceTroubleMessage, fmt.Errorf("persist reset context: %w", err)
		}
		return resetMessage, nil

	case "/status":
		status, err := e.Status(ctx, sessionID)
		if err != nil {
			return persistenceTroubleMessage, err
		}
		return statusText(status), nil

	default:
		return unknownCommandMessage, nil
	}
}

func (e *Engine) handleWorkflowTurn(ctx context.Context, sessionID, text string) (string, error) {
	c, err := e.loadOrCreate(ctx, sessionID)
	if err != nil {
		return persistenceTroubleMessage, err
	}

	if c.Terminal {
		return finalizedMessage, nil
	}

	ex, err := e.extractor.Extract(ctx, e.buildExtractRequest(c, text))
	if err != nil {
		e.logger.Error("collaborator call failed",
			"session_id", sessionID, "phase", c.Phase, "error", err)
		if errors.Is(err, collaborator.ErrCollaboratorTimeout) {
			return collaboratorTimeoutMessage, err
		}
		return collaboratorTroubleMessage, err
	}

	fields, intent := ex.Fields, ex.Intent
	if !ex.Confident {
		// Guessed values are not stored; the phase holds and the turn
		// becomes a clarification exchange.
		e.logger.Info("low-confidence extraction, re-asking",
			"session_id", sessionID, "phase", c.Phase)
		fields, intent = nil, workflow.IntentStay
	}

	res, err := e.machine.Apply(c, fields, intent)
	if err != nil {
		if errors.Is(err, workflow.ErrInvalidTransition) {
			e.logger.Warn("rejected phase transition",
				"session_id", sessionID, "phase", c.Phase, "intent", ex.Intent)
			return invalidMoveMessage, nil
		}
		return collaboratorTroubleMessage, err
	}

	if len(res.Dropped) > 0 {
		e.logger.Info("dropped out-of-scope fields",
			"session_id", sessionID, "phase", res.From, "fields", strings.Join(res.Dropped, ","))
	}
	if res.Advanced {
		e.logger.Info("phase transition",
			"session_id", sessionID, "from", res.From, "to", res.To)
	}

	reply := ex.Reply
	if reply == "" {
		if ex.Confident {
			reply = "Got it. " + nextQuestionFallback(res)
		} else {
			reply = "I didn't quite catch that. " + nextQuestionFallback(res)
		}
	}
	if c.Terminal {
		reply += "\n\n🎉 All done! Use /reset to start a new session."
	} else {
		reply += progressFooter(e.machine.Percentage(c))
	}

	c.RecordTurn(domain.RoleUser, text)
	c.RecordTurn(domain.RoleAssistant, reply)
	c.History = workflow.Trim(c.History)

	if err := e.repo.PutContext(ctx, c); err != nil {
		// The turn is lost, so the workflow reply must not go out: it
		// would confirm progress the next turn will not see.
		return persistenceTroubleMessage, fmt.Errorf("persist context for %s: %w", sessionID, err)
	}
	return reply, nil
}

func (e *Engine) buildExtractRequest(c *domain.Context, text string) collaborator.ExtractRequest {
	def := e.machine.Definition()
	phaseDef := def.Phases[c.Phase]

	missingNames := e.machine.MissingFields(c)
	missing := make([]workflow.FieldSpec, 0, len(missingNames))
	for _, name := range missingNames {
		for _, f := range phaseDef.Required {
			if f.Name == name {
				missing = append(missing, f)
			}
		}
	}

	scopeMap := def.FieldScope(c.Phase)
	scopeNames := make([]string, 0, len(scopeMap))
	for name := range scopeMap {
		scopeNames = append(scopeNames, name)
	}
	sort.Strings(scopeNames)
	scope := make([]workflow.FieldSpec, 0, len(scopeNames))
	for _, name := range scopeNames {
		scope = append(scope, scopeMap[name])
	}

	return collaborator.ExtractRequest{
		Goal:    phaseDef.Goal,
		Missing: missing,
		Scope:   scope,
		History: workflow.Window(c.History, e.windowPairs),
		Message: text,
		Review:  c.Phase == domain.PhaseReview,
	}
}

func (e *Engine) loadOrCreate(ctx context.Context, sessionID string) (*domain.Context, error) {
	c, err := e.repo.GetContext(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load context for %s: %w", sessionID, err)
	}
	if c == nil {
		c = domain.NewContext(sessionID, e.machine.Definition().Initial)
		if err := e.repo.PutContext(ctx, c); err != nil {
			return nil, fmt.Errorf("persist new context for %s: %w", sessionID, err)
		}
	}
	return c, nil
}

func nextQuestionFallback(res *workflow.Result) string {
	if len(res.Missing) > 0 {
		return fmt.Sprintf("Could you tell me about %s?", strings.ReplaceAll(res.Missing[0], "_", " "))
	}
	return "Shall we continue?"
}

// SessionStatus is the progress snapshot for one session.
type SessionStatus struct {
	SessionID  string       `json:"session_id"`
	Channel    string       `json:"channel,omitempty"`
	User       string       `json:"user,omitempty"`
	Exists     bool         `json:"exists"`
	Phase      domain.Phase `json:"phase,omitempty"`
	PhaseLabel string       `json:"phase_label,omitempty"`
	Percentage int          `json:"percentage"`
	Turns      int          `json:"turns"`
	Terminal   bool         `json:"terminal"`
	Missing    []string     `json:"missing,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at,omitempty"`
}

// Status reports session progress. It never mutates the session, so
// repeated calls observe identical state.
func (e *Engine) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	c, err := e.repo.GetContext(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load context for %s: %w", sessionID, err)
	}
	channel, user, _ := domain.ParseSessionID(sessionID)
	if c == nil {
		return &SessionStatus{SessionID: sessionID, Channel: channel, User: user}, nil
	}
	return &SessionStatus{
		SessionID:  sessionID,
		Channel:    channel,
		User:       user,
		Exists:     true,
		Phase:      c.Phase,
		PhaseLabel: PhaseLabel(c.Phase),
		Percentage: e.machine.Percentage(c),
		Turns:      c.Turns,
		Terminal:   c.Terminal,
		Missing:    e.machine.MissingFields(c),
		UpdatedAt:  c.UpdatedAt,
	}, nil
}

func statusText(s *SessionStatus) string {
	if !s.Exists {
		return "No session yet. Send /start or just tell me about your idea!"
	}

	var b strings.Builder
	b.WriteString("📊 Session status\n")
	fmt.Fprintf(&b, "Phase: %s\n", s.PhaseLabel)
	fmt.Fprintf(&b, "Progress: %d%%\n", s.Percentage)
	fmt.Fprintf(&b, "Interactions: %d\n", s.Turns)
	if s.Terminal {
		b.WriteString("\n🎉 Your document is complete!")
	} else if len(s.Missing) > 0 {
		fmt.Fprintf(&b, "\nStill needed: %s", strings.ReplaceAll(strings.Join(s.Missing, ", "), "_", " "))
	} else {
		b.WriteString("\nKeep the conversation going to progress through the next phases.")
	}
	return b.String()
}
