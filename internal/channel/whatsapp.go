package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/andreypedro/wa-agent-api/internal/domain"
)

// WhatsAppConfig configures the WhatsApp Cloud API adapter.
type WhatsAppConfig struct {
	AccessToken   string
	PhoneNumberID string
	VerifyToken   string
	// APIBase overrides the Graph API endpoint, used in tests.
	APIBase string
	// RateLimit bounds inbound messages per user per minute; zero
	// disables throttling.
	RateLimit int
}

const whatsAppAPIBase = "https://graph.facebook.com/v19.0"

// whatsAppWebhook is the subset of the Cloud API notification we read.
type whatsAppWebhook struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					From string `json:"from"`
					ID   string `json:"id"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// WhatsAppHandler receives Cloud API webhook notifications and sends
// replies through the messages endpoint.
type WhatsAppHandler struct {
	engine  TurnHandler
	cfg     WhatsAppConfig
	client  *http.Client
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewWhatsAppHandler creates the WhatsApp webhook adapter.
func NewWhatsAppHandler(engine TurnHandler, cfg WhatsAppConfig, logger *slog.Logger) *WhatsAppHandler {
	if cfg.APIBase == "" {
		cfg.APIBase = whatsAppAPIBase
	}
	h := &WhatsAppHandler{
		engine: engine,
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
	if cfg.RateLimit > 0 {
		h.limiter = NewRateLimiter(cfg.RateLimit, time.Minute)
	}
	return h
}

// Verify handles the GET subscription handshake Meta performs when the
// webhook URL is registered.
func (h *WhatsAppHandler) Verify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == h.cfg.VerifyToken {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(challenge)); err != nil {
			h.logger.Debug("write verify challenge", "error", err)
		}
		return
	}
	h.logger.Warn("webhook verification rejected", "mode", mode)
	http.Error(w, "verification failed", http.StatusForbidden)
}

// Webhook handles POST message notifications. Like the Telegram
// adapter it acknowledges with 200 regardless of processing outcome.
func (h *WhatsAppHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.logger.Error("read whatsapp webhook body", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	var notification whatsAppWebhook
	if err := json.Unmarshal(body, &notification); err != nil {
		h.logger.Warn("malformed whatsapp notification", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, entry := range notification.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || msg.Text.Body == "" {
					continue
				}
				h.processMessage(r.Context(), msg.From, msg.Text.Body)
			}
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (h *WhatsAppHandler) processMessage(ctx context.Context, from, text string) {
	if h.limiter != nil && !h.limiter.Allow(from) {
		h.logger.Warn("rate limited whatsapp user", "user_id", from)
		return
	}

	reply, err := h.engine.HandleTurn(ctx, domain.ChannelWhatsApp, from, text)
	if err != nil {
		h.logger.Error("whatsapp turn failed", "user_id", from, "error", err)
	}
	if reply == "" {
		return
	}
	if err := h.SendMessage(ctx, from, reply); err != nil {
		h.logger.Error("whatsapp send failed", "user_id", from, "error", err)
	}
}

// SendMessage delivers text to a user via the Cloud API.
func (h *WhatsAppHandler) SendMessage(ctx context.Context, to, text string) error {
	payload, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": text},
	})
	if err != nil {
		return fmt.Errorf("encode message payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", h.cfg.APIBase, h.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build message request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("call messages endpoint: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			h.logger.Debug("close messages response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("messages endpoint returned %d: %s", resp.StatusCode, body)
	}
	return nil
}
