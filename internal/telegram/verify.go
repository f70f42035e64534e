package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// VerifyAccess confirms the bot can publish into the destination:
// getChat proves the chat exists, getMe + getChatMember prove membership.
// Channels require creator/administrator; groups only require the bot not to
// be left, kicked or restricted. The returned message is human-readable and
// shown to the admin verbatim.
func (c *Client) VerifyAccess(ctx context.Context, token, chatID string) (bool, string) {
	chatID = NormalizeChatID(chatID)

	status, data, raw, err := c.call(ctx, token, "getChat", map[string]any{"chat_id": chatID})
	if err != nil {
		return false, fmt.Sprintf("Сетевая ошибка при проверке канала: %v", err)
	}
	if !succeeded(status, data) {
		return false, verifyErrorMessage(data.Description, raw)
	}

	var chat struct {
		ID       int64  `json:"id"`
		Type     string `json:"type"`
		Title    string `json:"title"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(data.Result, &chat); err != nil {
		return false, "Некорректный ответ Telegram при проверке канала"
	}

	status, data, _, err = c.call(ctx, token, "getMe", map[string]any{})
	if err != nil {
		return false, fmt.Sprintf("Сетевая ошибка при проверке канала: %v", err)
	}
	if !succeeded(status, data) {
		return false, "Не удалось получить данные бота (getMe)"
	}
	var me struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(data.Result, &me); err != nil {
		return false, "Некорректный ответ Telegram при проверке канала"
	}

	status, data, raw, err = c.call(ctx, token, "getChatMember", map[string]any{
		"chat_id": chatID,
		"user_id": me.ID,
	})
	if err != nil {
		return false, fmt.Sprintf("Сетевая ошибка при проверке канала: %v", err)
	}
	if !succeeded(status, data) {
		return false, verifyErrorMessage(data.Description, raw)
	}
	var member struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data.Result, &member); err != nil {
		return false, "Некорректный ответ Telegram при проверке канала"
	}

	if chat.Type == "channel" {
		if member.Status != "creator" && member.Status != "administrator" {
			return false, fmt.Sprintf("Бот не является администратором канала (статус: %s)", member.Status)
		}
	} else {
		switch member.Status {
		case "left", "kicked", "restricted":
			return false, fmt.Sprintf("Бот не состоит в чате или ограничен (статус: %s)", member.Status)
		}
	}

	title := chat.Title
	if title == "" {
		title = chat.Username
	}
	if title == "" {
		title = fmt.Sprintf("%d", chat.ID)
	}
	return true, fmt.Sprintf("OK: доступ подтверждён (%s)", title)
}

func verifyErrorMessage(description, raw string) string {
	if description == "" {
		description = raw
	}
	if description == "" {
		description = "Unknown error"
	}
	hint := ""
	lower := strings.ToLower(description)
	if strings.Contains(lower, "chat not found") {
		hint = " Проверьте chat_id/username и что бот добавлен в канал/группу."
	} else if strings.Contains(lower, "forbidden") {
		hint = " Проверьте права бота на отправку сообщений."
	}
	return strings.TrimSpace(fmt.Sprintf("Ошибка Telegram: %s.%s", description, hint))
}
