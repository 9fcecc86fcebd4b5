package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/andreypedro/wa-agent-api/internal/domain"
)

// telegramAPIBase is the Bot API endpoint prefix.
const telegramAPIBase = "https://api.telegram.org"

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	BotToken string
	// APIBase overrides the Bot API endpoint, used in tests.
	APIBase string
}

// telegramUpdate is the subset of the Bot API update payload we read.
type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      *struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

// TurnHandler is the engine-facing contract of a channel adapter.
type TurnHandler interface {
	HandleTurn(ctx context.Context, channel, channelUserID, text string) (string, error)
}

// TelegramHandler receives Bot API webhook updates and sends replies
// back through sendMessage.
type TelegramHandler struct {
	engine TurnHandler
	cfg    TelegramConfig
	client *http.Client
	logger *slog.Logger
}

// NewTelegramHandler creates the Telegram webhook adapter.
func NewTelegramHandler(engine TurnHandler, cfg TelegramConfig, logger *slog.Logger) *TelegramHandler {
	if cfg.APIBase == "" {
		cfg.APIBase = telegramAPIBase
	}
	return &TelegramHandler{
		engine: engine,
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Webhook handles POST updates from Telegram. It always answers 200 so
// Telegram does not retry turns we already processed.
func (h *TelegramHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.logger.Error("read telegram webhook body", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	var update telegramUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		h.logger.Warn("malformed telegram update", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	if update.Message == nil || update.Message.Text == "" {
		// Stickers, joins and other non-text updates are acknowledged
		// and skipped.
		w.WriteHeader(http.StatusOK)
		return
	}

	userID := strconv.FormatInt(update.Message.Chat.ID, 10)
	if update.Message.From != nil {
		userID = strconv.FormatInt(update.Message.From.ID, 10)
	}

	reply, err := h.engine.HandleTurn(r.Context(), domain.ChannelTelegram, userID, update.Message.Text)
	if err != nil {
		h.logger.Error("telegram turn failed", "user_id", userID, "error", err)
	}
	if reply != "" {
		if err := h.SendMessage(r.Context(), update.Message.Chat.ID, reply); err != nil {
			h.logger.Error("telegram send failed", "chat_id", update.Message.Chat.ID, "error", err)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// SendMessage delivers text to a chat via the Bot API.
func (h *TelegramHandler) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encode sendMessage payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", h.cfg.APIBase, h.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("call sendMessage: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			h.logger.Debug("close sendMessage response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sendMessage returned %d: %s", resp.StatusCode, body)
	}
	return nil
}
