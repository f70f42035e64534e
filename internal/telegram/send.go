package telegram

import (
	"context"
	"fmt"

	"telepost/internal/domain"
	"telepost/internal/pkg/logger"
)

// keyboardFollowUpText is the follow-up message carrying the inline keyboard
// after a media group, which the Bot API cannot attach keyboards to.
const keyboardFollowUpText = "Подробнее:"

// SendPublication dispatches a post by media count: 0 -> sendMessage,
// 1 -> sendPhoto/sendVideo/sendDocument, >=2 -> sendMediaGroup.
// Unparseable stored JSON is a structural failure: retrying cannot help.
func (c *Client) SendPublication(ctx context.Context, ch domain.Channel, post domain.Post) domain.SendResult {
	media, err := domain.ParseMedia(post.Media)
	if err != nil {
		return structuralFailure("media", err)
	}
	buttons, err := domain.ParseButtons(post.Buttons)
	if err != nil {
		return structuralFailure("buttons", err)
	}
	opts, err := domain.ParseOptions(post.Options)
	if err != nil {
		return structuralFailure("options", err)
	}

	keyboard := BuildInlineKeyboard(buttons)
	chatID := NormalizeChatID(ch.ChatID)

	switch {
	case len(media) == 0:
		return c.SendText(ctx, ch.BotToken, chatID, post.BodyHTML, opts, keyboard)

	case len(media) == 1:
		res := c.SendSingleMedia(ctx, ch.BotToken, chatID, media[0].Type, media[0].URL, post.BodyHTML, opts, keyboard)
		if res.OK {
			c.maybePin(ctx, ch.BotToken, chatID, res.MessageID, opts)
		}
		return res

	default:
		return c.sendGroup(ctx, ch.BotToken, chatID, media, post.BodyHTML, opts, keyboard)
	}
}

// sendGroup sends the album and, when url buttons exist, a follow-up
// text message carrying the keyboard. The follow-up's id becomes the
// recorded message id; its failure fails the publication even though the
// album itself was delivered.
func (c *Client) sendGroup(ctx context.Context, token, chatID string, media []domain.MediaItem, caption string, opts map[string]any, keyboard *InlineKeyboard) domain.SendResult {
	res := c.SendMediaGroup(ctx, token, chatID, media, caption, opts)
	if !res.OK {
		return res
	}

	if keyboard != nil {
		followUp := c.SendText(ctx, token, chatID, keyboardFollowUpText, opts, keyboard)
		if !followUp.OK {
			followUp.Error = fmt.Sprintf("keyboard follow-up failed: %s", followUp.Error)
			return followUp
		}
		res.MessageID = followUp.MessageID
	}

	c.maybePin(ctx, token, chatID, res.MessageID, opts)
	return res
}

// maybePin pins when options.pin is truthy; failures are logged, never fatal.
func (c *Client) maybePin(ctx context.Context, token, chatID, msgID string, opts map[string]any) {
	if !domain.BoolOption(opts, "pin") {
		return
	}
	if err := c.Pin(ctx, token, chatID, msgID); err != nil {
		logger.Logger.Warn().Str("chat_id", chatID).Str("message_id", msgID).Err(err).Msg("pin failed after successful send")
	}
}

func structuralFailure(field string, err error) domain.SendResult {
	return domain.SendResult{
		Error:     fmt.Sprintf("invalid %s JSON: %v", field, err),
		Retryable: false,
	}
}
