package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/andreypedro/wa-agent-api/internal/domain"
)

// wsFrame is the JSON message exchanged with webchat clients.
type wsFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Visitor string `json:"visitor,omitempty"`
}

// WebChatHandler serves browser visitors over WebSocket. Each
// connection is bound to a visitor id so reconnects resume the same
// session.
type WebChatHandler struct {
	engine        TurnHandler
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewWebChatHandler creates the webchat adapter.
func NewWebChatHandler(engine TurnHandler, allowedOrigin string, isDev bool, logger *slog.Logger) *WebChatHandler {
	return &WebChatHandler{
		engine:        engine,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if h.isDev {
		opts.OriginPatterns = []string{"*"}
	} else if h.allowedOrigin != "" {
		opts.OriginPatterns = []string{h.allowedOrigin}
	}

	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Error("accept webchat websocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("close webchat websocket", "error", closeErr)
		}
	}()

	// Returning visitors carry their id; new ones get a fresh one.
	visitor := r.URL.Query().Get("visitor")
	if visitor == "" {
		visitor = uuid.NewString()
	}
	h.logger.Info("webchat connection", "visitor", visitor, "ip", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := h.writeFrame(ctx, ws, wsFrame{Type: "hello", Visitor: visitor}); err != nil {
		return
	}

	for {
		var frame wsFrame
		if err := readFrame(ctx, ws, &frame); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				return
			}
			h.logger.Debug("webchat read error", "visitor", visitor, "error", err)
			return
		}
		if frame.Type != "message" || frame.Content == "" {
			continue
		}

		reply, err := h.engine.HandleTurn(ctx, domain.ChannelWebChat, visitor, frame.Content)
		if err != nil {
			h.logger.Error("webchat turn failed", "visitor", visitor, "error", err)
		}
		if reply == "" {
			continue
		}
		if err := h.writeFrame(ctx, ws, wsFrame{Type: "reply", Content: reply}); err != nil {
			return
		}
	}
}

func (h *WebChatHandler) writeFrame(ctx context.Context, ws *websocket.Conn, frame wsFrame) error {
	if err := writeJSON(ctx, ws, frame); err != nil {
		h.logger.Debug("webchat write error", "error", err)
		return err
	}
	return nil
}

func readFrame(ctx context.Context, ws *websocket.Conn, frame *wsFrame) error {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, frame)
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
