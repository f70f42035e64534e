package telegram

import (
	"regexp"
	"strings"

	"telepost/internal/domain"
)

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]{5,}$`)

var mediaTypeAliases = map[string]string{
	"image": "photo",
	"img":   "photo",
	"gif":   "document",
	"file":  "document",
}

// NormalizeMediaType collapses aliases and unknown values onto the three
// kinds the Bot API accepts for this sender.
func NormalizeMediaType(raw string) string {
	mediaType := strings.ToLower(strings.TrimSpace(raw))
	if mediaType == "" {
		return "photo"
	}
	if alias, ok := mediaTypeAliases[mediaType]; ok {
		mediaType = alias
	}
	switch mediaType {
	case "photo", "video", "document":
		return mediaType
	default:
		return "photo"
	}
}

// NormalizeChatID accepts t.me links, @usernames, bare usernames and numeric
// ids (optionally negative). Anything else passes through verbatim.
func NormalizeChatID(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "https://t.me/")
	value = strings.TrimPrefix(value, "http://t.me/")
	value = strings.TrimPrefix(value, "t.me/")
	if strings.HasPrefix(value, "@") {
		return value
	}
	if isNumericID(value) {
		return value
	}
	if usernameRe.MatchString(value) {
		return "@" + value
	}
	return value
}

func isNumericID(value string) bool {
	digits := strings.TrimPrefix(value, "-")
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// InlineButton is one url button of an inline keyboard row.
type InlineButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// InlineKeyboard is the reply_markup structure for url buttons.
type InlineKeyboard struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

// BuildInlineKeyboard drops entries missing text or url and puts each
// survivor in a row of its own. Returns nil when nothing survives.
func BuildInlineKeyboard(buttons []domain.Button) *InlineKeyboard {
	var rows [][]InlineButton
	for _, b := range buttons {
		if b.Text == "" || b.URL == "" {
			continue
		}
		rows = append(rows, []InlineButton{{Text: b.Text, URL: b.URL}})
	}
	if len(rows) == 0 {
		return nil
	}
	return &InlineKeyboard{InlineKeyboard: rows}
}
