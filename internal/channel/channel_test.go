package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingEngine captures turns and returns a fixed reply.
type recordingEngine struct {
	mu      sync.Mutex
	turns   []string
	channel string
	userID  string
	reply   string
}

func (e *recordingEngine) HandleTurn(_ context.Context, channel, channelUserID, text string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channel = channel
	e.userID = channelUserID
	e.turns = append(e.turns, text)
	return e.reply, nil
}

func TestTelegramWebhookRoutesMessage(t *testing.T) {
	t.Parallel()

	var sent struct {
		mu     sync.Mutex
		chatID float64
		text   string
	}
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/bottoken-123/sendMessage") {
			t.Errorf("unexpected API call %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		sent.mu.Lock()
		sent.chatID = payload["chat_id"].(float64)
		sent.text = payload["text"].(string)
		sent.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer api.Close()

	engine := &recordingEngine{reply: "Tell me more!"}
	h := NewTelegramHandler(engine, TelegramConfig{BotToken: "token-123", APIBase: api.URL}, slog.Default())

	update := `{"update_id":1,"message":{"message_id":10,"from":{"id":42},"chat":{"id":42},"text":"I want a CRM"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telegram", strings.NewReader(update))
	rec := httptest.NewRecorder()
	h.Webhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if engine.channel != "telegram" || engine.userID != "42" {
		t.Fatalf("turn routed as %s/%s", engine.channel, engine.userID)
	}
	if len(engine.turns) != 1 || engine.turns[0] != "I want a CRM" {
		t.Fatalf("turns = %v", engine.turns)
	}

	sent.mu.Lock()
	defer sent.mu.Unlock()
	if sent.chatID != 42 || sent.text != "Tell me more!" {
		t.Fatalf("sendMessage got chat=%v text=%q", sent.chatID, sent.text)
	}
}

func TestTelegramWebhookIgnoresNonText(t *testing.T) {
	t.Parallel()

	engine := &recordingEngine{}
	h := NewTelegramHandler(engine, TelegramConfig{BotToken: "t"}, slog.Default())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/telegram",
		strings.NewReader(`{"update_id":2,"message":{"chat":{"id":1}}}`))
	rec := httptest.NewRecorder()
	h.Webhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(engine.turns) != 0 {
		t.Fatalf("non-text update reached the engine: %v", engine.turns)
	}
}

func TestWhatsAppVerifyHandshake(t *testing.T) {
	t.Parallel()

	h := NewWhatsAppHandler(&recordingEngine{}, WhatsAppConfig{VerifyToken: "secret"}, slog.Default())

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=secret&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	h.Verify(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "12345" {
		t.Fatalf("challenge echo = %q", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec = httptest.NewRecorder()
	h.Verify(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong token accepted: status = %d", rec.Code)
	}
}

func TestWhatsAppWebhookRoutesMessage(t *testing.T) {
	t.Parallel()

	var sent struct {
		mu   sync.Mutex
		to   string
		body string
	}
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer auth: %q", r.Header.Get("Authorization"))
		}
		var payload struct {
			To   string `json:"to"`
			Text struct {
				Body string `json:"body"`
			} `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		sent.mu.Lock()
		sent.to = payload.To
		sent.body = payload.Text.Body
		sent.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	engine := &recordingEngine{reply: "Olá!"}
	h := NewWhatsAppHandler(engine, WhatsAppConfig{
		AccessToken:   "tok",
		PhoneNumberID: "555",
		APIBase:       api.URL,
	}, slog.Default())

	notification := `{"entry":[{"changes":[{"value":{"messages":[{"from":"5511987654321","id":"m1","type":"text","text":{"body":"oi"}}]}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(notification))
	rec := httptest.NewRecorder()
	h.Webhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if engine.channel != "whatsapp" || engine.userID != "5511987654321" {
		t.Fatalf("turn routed as %s/%s", engine.channel, engine.userID)
	}

	sent.mu.Lock()
	defer sent.mu.Unlock()
	if sent.to != "5511987654321" || sent.body != "Olá!" {
		t.Fatalf("send got to=%q body=%q", sent.to, sent.body)
	}
}

func TestRateLimiterBlocksBurst(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Minute)
	if !rl.Allow("u1") || !rl.Allow("u1") {
		t.Fatal("first requests should pass")
	}
	if rl.Allow("u1") {
		t.Fatal("third request within window should be blocked")
	}
	// Another user has an independent budget.
	if !rl.Allow("u2") {
		t.Fatal("second user should not be throttled")
	}
}
