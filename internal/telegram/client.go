// Package telegram implements the Bot API wire protocol used by the
// publication worker: text, single-media and media-group sends, pinning and
// channel access verification, with retryable/terminal error classification.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"telepost/internal/domain"
)

const DefaultAPIBase = "https://api.telegram.org"

type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIBase
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// apiResponse is the Bot API envelope:
// {ok, result?, description?, parameters:{retry_after?}}
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// call POSTs a JSON payload to /bot{token}/{method}. A non-nil error means
// the transport failed; protocol-level failures come back in the envelope.
func (c *Client) call(ctx context.Context, token, method string, payload any) (int, apiResponse, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, apiResponse{}, "", fmt.Errorf("marshal %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, apiResponse{}, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apiResponse{}, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, apiResponse{}, "", err
	}

	var data apiResponse
	// A body that is not the envelope still carries the status code; keep the
	// raw text for diagnostics.
	_ = json.Unmarshal(raw, &data)
	return resp.StatusCode, data, string(raw), nil
}

func succeeded(status int, data apiResponse) bool {
	return status >= 200 && status < 300 && data.OK
}

// classifyFailure maps an HTTP status plus envelope into a SendResult.
// Order matters: an explicit retry_after always marks the failure retryable.
func classifyFailure(status int, data apiResponse, raw string) domain.SendResult {
	errText := data.Description
	if errText == "" {
		errText = raw
	}
	if errText == "" {
		errText = fmt.Sprintf("HTTP %d", status)
	}

	res := domain.SendResult{Error: errText, Retryable: true}
	if data.Parameters != nil && data.Parameters.RetryAfter > 0 {
		res.RetryAfterSeconds = data.Parameters.RetryAfter
		return res
	}
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		res.Retryable = false
	case http.StatusTooManyRequests:
		res.Retryable = true
	}
	return res
}

func networkFailure(err error) domain.SendResult {
	return domain.SendResult{
		Error:     fmt.Sprintf("network_error: %v", err),
		Retryable: true,
	}
}

// messageID extracts result.message_id from a single-message result.
func messageID(result json.RawMessage) (string, error) {
	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(result, &msg); err != nil {
		return "", fmt.Errorf("parse message_id: %w", err)
	}
	return fmt.Sprintf("%d", msg.MessageID), nil
}

// firstMessageID extracts result[0].message_id from a media-group result.
func firstMessageID(result json.RawMessage) (string, error) {
	var msgs []struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(result, &msgs); err != nil || len(msgs) == 0 {
		return "", fmt.Errorf("parse media group message_id")
	}
	return fmt.Sprintf("%d", msgs[0].MessageID), nil
}

// SendText delivers an HTML text message.
func (c *Client) SendText(ctx context.Context, token, chatID, bodyHTML string, opts map[string]any, keyboard *InlineKeyboard) domain.SendResult {
	payload := basePayload(chatID, opts)
	payload["text"] = bodyHTML
	payload["parse_mode"] = "HTML"
	payload["disable_web_page_preview"] = domain.BoolOption(opts, "disable_preview")
	if keyboard != nil {
		payload["reply_markup"] = keyboard
	}

	status, data, raw, err := c.call(ctx, token, "sendMessage", payload)
	if err != nil {
		return networkFailure(err)
	}
	if !succeeded(status, data) {
		return classifyFailure(status, data, raw)
	}
	id, err := messageID(data.Result)
	if err != nil {
		return domain.SendResult{Error: fmt.Sprintf("unexpected_error: %v", err), Retryable: true}
	}
	return domain.SendResult{OK: true, MessageID: id}
}

var singleMediaMethods = map[string]string{
	"photo":    "sendPhoto",
	"video":    "sendVideo",
	"document": "sendDocument",
}

// SendSingleMedia delivers one photo/video/document, optionally captioned.
func (c *Client) SendSingleMedia(ctx context.Context, token, chatID, kind, mediaURL, caption string, opts map[string]any, keyboard *InlineKeyboard) domain.SendResult {
	kind = NormalizeMediaType(kind)
	payload := basePayload(chatID, opts)
	payload[kind] = mediaURL
	if caption != "" {
		payload["caption"] = caption
		payload["parse_mode"] = "HTML"
	}
	if keyboard != nil {
		payload["reply_markup"] = keyboard
	}

	status, data, raw, err := c.call(ctx, token, singleMediaMethods[kind], payload)
	if err != nil {
		return networkFailure(err)
	}
	if !succeeded(status, data) {
		return classifyFailure(status, data, raw)
	}
	id, err := messageID(data.Result)
	if err != nil {
		return domain.SendResult{Error: fmt.Sprintf("unexpected_error: %v", err), Retryable: true}
	}
	return domain.SendResult{OK: true, MessageID: id}
}

type groupItem struct {
	Type      string `json:"type"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// SendMediaGroup delivers 2..10 items in one album; the caption attaches only
// to the first item. The returned id is the group's first message.
func (c *Client) SendMediaGroup(ctx context.Context, token, chatID string, items []domain.MediaItem, caption string, opts map[string]any) domain.SendResult {
	group := make([]groupItem, 0, len(items))
	for i, item := range items {
		gi := groupItem{Type: NormalizeMediaType(item.Type), Media: item.URL}
		if i == 0 && caption != "" {
			gi.Caption = caption
			gi.ParseMode = "HTML"
		}
		group = append(group, gi)
	}

	payload := basePayload(chatID, opts)
	payload["media"] = group

	status, data, raw, err := c.call(ctx, token, "sendMediaGroup", payload)
	if err != nil {
		return networkFailure(err)
	}
	if !succeeded(status, data) {
		return classifyFailure(status, data, raw)
	}
	id, err := firstMessageID(data.Result)
	if err != nil {
		return domain.SendResult{Error: fmt.Sprintf("unexpected_error: %v", err), Retryable: true}
	}
	return domain.SendResult{OK: true, MessageID: id}
}

// Pin pins a message. Callers treat failures as best-effort.
func (c *Client) Pin(ctx context.Context, token, chatID string, msgID string) error {
	var numericID int64
	if _, err := fmt.Sscanf(msgID, "%d", &numericID); err != nil {
		return fmt.Errorf("pin: non-numeric message id %q", msgID)
	}
	status, data, raw, err := c.call(ctx, token, "pinChatMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": numericID,
	})
	if err != nil {
		return err
	}
	if !succeeded(status, data) {
		return fmt.Errorf("pin failed: %s", classifyFailure(status, data, raw).Error)
	}
	return nil
}

func basePayload(chatID string, opts map[string]any) map[string]any {
	return map[string]any{
		"chat_id":              NormalizeChatID(chatID),
		"disable_notification": domain.BoolOption(opts, "disable_notification"),
		"protect_content":      domain.BoolOption(opts, "protect_content"),
	}
}
