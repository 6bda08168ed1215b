package confirm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"pmbot/internal/domain"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramChannel presents confirmations as an inline-keyboard message and
// resolves them from callback-query presses delivered by a getUpdates
// long-poll loop. Button payloads carry "confirm:{id}:{action}" so a press
// on an already-resolved prompt is answered as expired instead of matched.
type TelegramChannel struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingPrompt
	offset  int64
}

type pendingPrompt struct {
	req       domain.ConfirmationRequest
	messageID int64
	out       chan<- response
	answered  bool
}

// NewTelegramChannel creates the chat channel. Run must be started for
// button presses to be observed.
func NewTelegramChannel(token, chatID string, logger *slog.Logger) *TelegramChannel {
	return &TelegramChannel{
		token:   token,
		chatID:  chatID,
		baseURL: telegramAPIBase,
		client:  &http.Client{Timeout: 35 * time.Second},
		logger:  logger.With(slog.String("component", "confirm_telegram")),
		pending: make(map[string]pendingPrompt),
	}
}

// WithBaseURL points the channel at an alternate API host for tests.
func (t *TelegramChannel) WithBaseURL(base string) *TelegramChannel {
	t.baseURL = base
	return t
}

// Run long-polls getUpdates until ctx is cancelled, dispatching callback
// presses to their pending prompts.
func (t *TelegramChannel) Run(ctx context.Context) error {
	t.logger.Info("telegram callback listener starting")
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := t.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Warn("getUpdates failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			t.handleUpdate(ctx, u)
		}
	}
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, u tgUpdate) {
	t.mu.Lock()
	if u.UpdateID >= t.offset {
		t.offset = u.UpdateID + 1
	}
	t.mu.Unlock()

	cb := u.CallbackQuery
	if cb == nil {
		return
	}

	id, action, ok := parseCallback(cb.Data)
	if !ok {
		t.answerCallback(ctx, cb.ID, "unrecognized action")
		return
	}

	t.mu.Lock()
	p, live := t.pending[id]
	if !live || p.answered {
		t.mu.Unlock()
		// Resolved, timed out, or already answered before this press.
		t.answerCallback(ctx, cb.ID, "expired")
		return
	}
	if !validOption(p.req.Options, action) {
		t.mu.Unlock()
		t.answerCallback(ctx, cb.ID, "unknown option")
		return
	}
	p.answered = true
	t.pending[id] = p
	t.mu.Unlock()

	t.answerCallback(ctx, cb.ID, fmt.Sprintf("accepted: %s", action))
	p.out <- response{action: action, source: domain.SourceChat}
}

func (t *TelegramChannel) prompt(ctx context.Context, req domain.ConfirmationRequest, out chan<- response) {
	var rows [][]tgInlineButton
	for _, opt := range req.Options {
		rows = append(rows, []tgInlineButton{{
			Text:         opt,
			CallbackData: fmt.Sprintf("confirm:%s:%s", req.ID, opt),
		}})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", req.Title)
	for k, v := range req.Context {
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}

	// Register before sending so a press arriving between the send and the
	// send's response still matches.
	t.mu.Lock()
	t.pending[req.ID] = pendingPrompt{req: req, out: out}
	t.mu.Unlock()

	msgID, err := t.sendMessage(ctx, b.String(), &tgInlineKeyboard{InlineKeyboard: rows})
	if err != nil {
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
		out <- response{err: fmt.Errorf("confirm: telegram prompt: %w", err)}
		return
	}

	t.mu.Lock()
	if p, live := t.pending[req.ID]; live {
		p.messageID = msgID
		t.pending[req.ID] = p
	}
	t.mu.Unlock()
}

// resolve edits the prompt message to show the outcome and drops the
// keyboard, so a late press can only hit the expired path.
func (t *TelegramChannel) resolve(req domain.ConfirmationRequest, res domain.ConfirmationResult) {
	t.mu.Lock()
	p, live := t.pending[req.ID]
	delete(t.pending, req.ID)
	t.mu.Unlock()
	if !live {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text := fmt.Sprintf("*%s*\nresolved: %s (%s)", req.Title, res.Action, res.Source)
	if err := t.editMessage(ctx, p.messageID, text); err != nil {
		t.logger.Warn("edit resolved message failed", slog.String("error", err.Error()))
	}
}

// Telegram API wire types, reduced to the fields the channel reads.

type tgInlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type tgInlineKeyboard struct {
	InlineKeyboard [][]tgInlineButton `json:"inline_keyboard"`
}

type tgUpdate struct {
	UpdateID      int64 `json:"update_id"`
	CallbackQuery *struct {
		ID      string `json:"id"`
		Data    string `json:"data"`
		Message *struct {
			MessageID int64 `json:"message_id"`
		} `json:"message"`
	} `json:"callback_query"`
}

func parseCallback(data string) (id, action string, ok bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != "confirm" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func (t *TelegramChannel) sendMessage(ctx context.Context, text string, keyboard *tgInlineKeyboard) (int64, error) {
	payload := map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	if keyboard != nil {
		payload["reply_markup"] = keyboard
	}

	var result struct {
		MessageID int64 `json:"message_id"`
	}
	if err := t.call(ctx, "sendMessage", payload, &result); err != nil {
		return 0, err
	}
	return result.MessageID, nil
}

func (t *TelegramChannel) editMessage(ctx context.Context, messageID int64, text string) error {
	return t.call(ctx, "editMessageText", map[string]any{
		"chat_id":    t.chatID,
		"message_id": messageID,
		"text":       text,
		"parse_mode": "Markdown",
	}, nil)
}

func (t *TelegramChannel) answerCallback(ctx context.Context, callbackID, text string) {
	err := t.call(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
		"text":              text,
	}, nil)
	if err != nil {
		t.logger.Warn("answerCallbackQuery failed", slog.String("error", err.Error()))
	}
}

func (t *TelegramChannel) getUpdates(ctx context.Context) ([]tgUpdate, error) {
	t.mu.Lock()
	offset := t.offset
	t.mu.Unlock()

	var updates []tgUpdate
	err := t.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         25,
		"allowed_updates": []string{"callback_query"},
	}, &updates)
	return updates, err
}

// call posts one Bot API method and decodes the result envelope.
func (t *TelegramChannel) call(ctx context.Context, method string, payload map[string]any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram: %s status %d: %s", method, resp.StatusCode, string(respBody))
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		Description string          `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("telegram: %s: %s", method, envelope.Description)
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode %s result: %w", method, err)
		}
	}
	return nil
}
