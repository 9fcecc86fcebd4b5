package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andreypedro/wa-agent-api/internal/collaborator"
	"github.com/andreypedro/wa-agent-api/internal/domain"
	"github.com/andreypedro/wa-agent-api/internal/store"
	"github.com/andreypedro/wa-agent-api/internal/workflow"
)

// memoryRepo is an in-memory store.Repository for engine tests.
type memoryRepo struct {
	mu       sync.Mutex
	contexts map[string]*domain.Context
	putDelay time.Duration
	failGet  error
	// failPut makes PutContext fail once more than failPutAfter puts
	// have succeeded.
	failPut      error
	failPutAfter int
	puts         int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{contexts: make(map[string]*domain.Context)}
}

func (r *memoryRepo) GetContext(_ context.Context, sessionID string) (*domain.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failGet != nil {
		return nil, r.failGet
	}
	c, ok := r.contexts[sessionID]
	if !ok {
		return nil, nil
	}
	clone := *c
	return &clone, nil
}

func (r *memoryRepo) PutContext(_ context.Context, c *domain.Context) error {
	if r.putDelay > 0 {
		time.Sleep(r.putDelay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.puts++
	if r.failPut != nil && r.puts > r.failPutAfter {
		return r.failPut
	}
	clone := *c
	r.contexts[c.SessionID] = &clone
	return nil
}

func (r *memoryRepo) DeleteContext(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, sessionID)
	return nil
}

func (r *memoryRepo) CleanupExpiredSessions(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (r *memoryRepo) Ping(context.Context) error { return nil }
func (r *memoryRepo) Close() error               { return nil }

// scriptedExtractor returns canned extractions in order, then repeats
// the last one.
type scriptedExtractor struct {
	mu      sync.Mutex
	script  []*collaborator.Extraction
	calls   int
	delay   time.Duration
	failErr error
}

func (s *scriptedExtractor) Extract(_ context.Context, _ collaborator.ExtractRequest) (*collaborator.Extraction, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failErr != nil {
		return nil, s.failErr
	}
	i := s.calls - 1
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	ex := s.script[i]
	if ex.Fields == nil {
		ex.Fields = map[string]string{}
	}
	return ex, nil
}

func newTestEngine(t *testing.T, repo *memoryRepo, extractor collaborator.Extractor) *Engine {
	t.Helper()
	machine := workflow.NewMachine(workflow.PRD())
	return NewEngine(repo, machine, extractor, nil, slog.Default(), 0)
}

func TestHandleTurnCollectsAndAdvances(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	extractor := &scriptedExtractor{script: []*collaborator.Extraction{
		{
			Reply: "Nice! What kind of product is it?",
			Fields: map[string]string{
				"product_name": "Acme CRM",
			},
			Confident:  true,
			Structured: true,
		},
		{
			Reply: "Got it. Let's talk vision.",
			Fields: map[string]string{
				"product_type":        "saas_platform",
				"product_description": "CRM for small accounting firms",
			},
			Confident:  true,
			Structured: true,
		},
	}}
	engine := newTestEngine(t, repo, extractor)
	ctx := context.Background()

	reply, err := engine.HandleTurn(ctx, domain.ChannelTelegram, "42", "I want to build Acme CRM")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if !strings.Contains(reply, "What kind of product") {
		t.Fatalf("reply = %q", reply)
	}
	if !strings.Contains(reply, "Progress:") {
		t.Fatalf("reply missing progress footer: %q", reply)
	}

	if _, err = engine.HandleTurn(ctx, domain.ChannelTelegram, "42", "A SaaS CRM for accountants"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	c, err := repo.GetContext(ctx, "telegram:42")
	if err != nil || c == nil {
		t.Fatalf("GetContext: %v ctx=%v", err, c)
	}
	if c.Phase != domain.PhaseVision {
		t.Fatalf("phase = %q, want vision", c.Phase)
	}
	if c.Fields["product_name"] != "Acme CRM" {
		t.Fatalf("product_name = %q", c.Fields["product_name"])
	}
	if len(c.History) != 4 {
		t.Fatalf("history length = %d, want 4", len(c.History))
	}
}

func TestCommands(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	engine := newTestEngine(t, repo, &scriptedExtractor{script: []*collaborator.Extraction{{Reply: "ok"}}})
	ctx := context.Background()

	reply, err := engine.HandleTurn(ctx, domain.ChannelTelegram, "7", "/start")
	if err != nil {
		t.Fatalf("/start: %v", err)
	}
	if !strings.Contains(reply, "Product Requirements Document") {
		t.Fatalf("/start reply = %q", reply)
	}

	reply, err = engine.HandleTurn(ctx, domain.ChannelTelegram, "7", "/help")
	if err != nil {
		t.Fatalf("/help: %v", err)
	}
	if !strings.Contains(reply, "/reset") {
		t.Fatalf("/help reply = %q", reply)
	}

	reply, err = engine.HandleTurn(ctx, domain.ChannelTelegram, "7", "/unknown")
	if err != nil {
		t.Fatalf("/unknown: %v", err)
	}
	if reply != unknownCommandMessage {
		t.Fatalf("/unknown reply = %q", reply)
	}

	// Telegram group form.
	reply, err = engine.HandleTurn(ctx, domain.ChannelTelegram, "7", "/help@acme_bot")
	if err != nil || !strings.Contains(reply, "/reset") {
		t.Fatalf("/help@bot reply = %q err=%v", reply, err)
	}
}

func TestResetClearsSession(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	extractor := &scriptedExtractor{script: []*collaborator.Extraction{{
		Reply:      "noted",
		Fields:     map[string]string{"product_name": "Acme"},
		Confident:  true,
		Structured: true,
	}}}
	engine := newTestEngine(t, repo, extractor)
	ctx := context.Background()

	if _, err := engine.HandleTurn(ctx, domain.ChannelTelegram, "9", "my product is Acme"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	reply, err := engine.HandleTurn(ctx, domain.ChannelTelegram, "9", "/reset")
	if err != nil {
		t.Fatalf("/reset: %v", err)
	}
	if !strings.Contains(reply, "reset") {
		t.Fatalf("/reset reply = %q", reply)
	}

	c, _ := repo.GetContext(ctx, "telegram:9")
	if c == nil {
		t.Fatal("context removed instead of reset")
	}
	if len(c.Fields) != 0 || len(c.History) != 0 || c.Phase != domain.PhaseDiscovery {
		t.Fatalf("reset left state behind: %+v", c)
	}
}

func TestStatusIsIdempotent(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	engine := newTestEngine(t, repo, &scriptedExtractor{script: []*collaborator.Extraction{{
		Reply:      "noted",
		Fields:     map[string]string{"product_name": "Acme"},
		Confident:  true,
		Structured: true,
	}}})
	ctx := context.Background()

	if _, err := engine.HandleTurn(ctx, domain.ChannelTelegram, "5", "Acme is my product"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	first, err := engine.HandleTurn(ctx, domain.ChannelTelegram, "5", "/status")
	if err != nil {
		t.Fatalf("/status: %v", err)
	}
	second, err := engine.HandleTurn(ctx, domain.ChannelTelegram, "5", "/status")
	if err != nil {
		t.Fatalf("/status: %v", err)
	}
	if first != second {
		t.Fatalf("status changed between identical calls:\n%q\n%q", first, second)
	}
	if !strings.Contains(first, "Initial Discovery") {
		t.Fatalf("status = %q", first)
	}
}

func TestStatusWithoutSession(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, newMemoryRepo(), &scriptedExtractor{script: []*collaborator.Extraction{{Reply: "ok"}}})

	reply, err := engine.HandleTurn(context.Background(), domain.ChannelWhatsApp, "none", "/status")
	if err != nil {
		t.Fatalf("/status: %v", err)
	}
	if !strings.Contains(reply, "No session yet") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestTerminalSessionOnlyAnswersCommands(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	extractor := &scriptedExtractor{script: []*collaborator.Extraction{{Reply: "ok"}}}
	engine := newTestEngine(t, repo, extractor)
	ctx := context.Background()

	c := domain.NewContext("telegram:done", domain.PhaseFinalization)
	c.Terminal = true
	if err := repo.PutContext(ctx, c); err != nil {
		t.Fatalf("PutContext: %v", err)
	}

	reply, err := engine.HandleTurn(ctx, domain.ChannelTelegram, "done", "one more thing")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if reply != finalizedMessage {
		t.Fatalf("reply = %q", reply)
	}
	if extractor.calls != 0 {
		t.Fatal("collaborator called for a finalized session")
	}

	// /status still works on terminal sessions.
	reply, err = engine.HandleTurn(ctx, domain.ChannelTelegram, "done", "/status")
	if err != nil {
		t.Fatalf("/status: %v", err)
	}
	if !strings.Contains(reply, "complete") {
		t.Fatalf("terminal status = %q", reply)
	}
}

func TestCollaboratorTimeoutSurfaces(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, newMemoryRepo(), &scriptedExtractor{
		failErr: collaborator.ErrCollaboratorTimeout,
	})

	reply, err := engine.HandleTurn(context.Background(), domain.ChannelTelegram, "1", "hello")
	if !errors.Is(err, collaborator.ErrCollaboratorTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if reply != collaboratorTimeoutMessage {
		t.Fatalf("reply = %q", reply)
	}
}

func TestInvalidTransitionLeavesSessionUnchanged(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	engine := newTestEngine(t, repo, &scriptedExtractor{script: []*collaborator.Extraction{{
		Reply:      "approving!",
		Intent:     workflow.IntentApprove,
		Confident:  true,
		Structured: true,
	}}})
	ctx := context.Background()

	reply, err := engine.HandleTurn(ctx, domain.ChannelTelegram, "3", "approve everything")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if reply != invalidMoveMessage {
		t.Fatalf("reply = %q", reply)
	}

	c, _ := repo.GetContext(ctx, "telegram:3")
	if c.Phase != domain.PhaseDiscovery || c.Turns != 0 {
		t.Fatalf("session mutated by rejected transition: %+v", c)
	}
}

func TestPersistenceFailureAsksRetry(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	repo.failPut = store.ErrPersistence
	repo.failPutAfter = 1 // session creation succeeds, the turn's save fails
	extractor := &scriptedExtractor{script: []*collaborator.Extraction{{
		Reply:      "Great, noted your product name!",
		Fields:     map[string]string{"product_name": "Acme"},
		Confident:  true,
		Structured: true,
	}}}
	engine := newTestEngine(t, repo, extractor)
	ctx := context.Background()

	reply, err := engine.HandleTurn(ctx, domain.ChannelTelegram, "11", "my product is Acme")
	if !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	// The turn was discarded, so the workflow reply must not go out.
	if reply != persistenceTroubleMessage {
		t.Fatalf("reply = %q, want retry message", reply)
	}
	if strings.Contains(reply, "Progress:") {
		t.Fatalf("progress reported for a lost turn: %q", reply)
	}

	// The stored session never saw the turn.
	c, _ := repo.GetContext(ctx, "telegram:11")
	if c == nil || c.Turns != 0 || len(c.History) != 0 {
		t.Fatalf("lost turn leaked into stored session: %+v", c)
	}
}

func TestLowConfidenceExtractionHoldsPhase(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	extractor := &scriptedExtractor{script: []*collaborator.Extraction{{
		Fields:     map[string]string{"product_name": "something something"},
		Intent:     workflow.IntentAdvance,
		Confident:  false,
		Structured: true,
	}}}
	engine := newTestEngine(t, repo, extractor)
	ctx := context.Background()

	reply, err := engine.HandleTurn(ctx, domain.ChannelTelegram, "13", "well it's sort of a thing")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if !strings.Contains(reply, "product name") {
		t.Fatalf("clarification does not re-ask the pending field: %q", reply)
	}

	c, _ := repo.GetContext(ctx, "telegram:13")
	if c.Phase != domain.PhaseDiscovery {
		t.Fatalf("phase moved on a low-confidence turn: %q", c.Phase)
	}
	if _, ok := c.Fields["product_name"]; ok {
		t.Fatal("guessed value was stored")
	}
	// The exchange itself still counts.
	if c.Turns != 1 || len(c.History) != 2 {
		t.Fatalf("clarification turn not recorded: turns=%d history=%d", c.Turns, len(c.History))
	}
}

func TestConcurrentTurnsSameSessionSerialize(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	repo.putDelay = 10 * time.Millisecond
	extractor := &scriptedExtractor{
		script: []*collaborator.Extraction{{Reply: "noted", Confident: true, Structured: true}},
		delay:  10 * time.Millisecond,
	}
	engine := newTestEngine(t, repo, extractor)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.HandleTurn(context.Background(), domain.ChannelTelegram, "77", "hello"); err != nil {
				t.Errorf("HandleTurn: %v", err)
			}
		}()
	}
	wg.Wait()

	c, _ := repo.GetContext(context.Background(), "telegram:77")
	if c == nil {
		t.Fatal("no context after concurrent turns")
	}
	// Each turn appends a user and an assistant entry; serialization
	// means none are lost.
	if len(c.History) != 8 {
		t.Fatalf("history length = %d, want 8", len(c.History))
	}
	if c.Turns != 4 {
		t.Fatalf("turns = %d, want 4", c.Turns)
	}
}
