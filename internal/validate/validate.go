// Package validate gates posts on their way into the publication queue.
// Reasons are human-readable and returned verbatim for UI display; they are
// persisted to the post's blacklist_reason.
package validate

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"telepost/internal/domain"
	"telepost/internal/pkg/logger"
)

const (
	MaxBodyChars  = 4096
	MaxMediaItems = 10
)

type Validator struct {
	rules domain.RuleSource
}

func New(rules domain.RuleSource) *Validator {
	return &Validator{rules: rules}
}

// Validate runs the checks in order; the first failure wins. A non-nil error
// means the rule set could not be loaded and the outcome is undecided.
func (v *Validator) Validate(ctx context.Context, post domain.Post) (bool, string, error) {
	if utf8.RuneCountInString(post.BodyHTML) > MaxBodyChars {
		return false, "Длина текста превышает 4096 символов", nil
	}

	media, err := domain.ParseMedia(post.Media)
	if err != nil {
		return false, "Некорректный JSON в поле media", nil
	}
	if _, err := domain.ParseButtons(post.Buttons); err != nil {
		return false, "Некорректный JSON в поле buttons", nil
	}
	if _, err := domain.ParseOptions(post.Options); err != nil {
		return false, "Некорректный JSON в поле options", nil
	}

	if len(media) > MaxMediaItems {
		return false, "Допускается максимум 10 медиа-файлов", nil
	}

	links := ExtractLinks(post.BodyHTML)
	for _, href := range links {
		parsed, err := url.Parse(href)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return false, fmt.Sprintf("Недопустимая схема ссылки: %s", href), nil
		}
	}

	rules, err := v.rules.EnabledRules(ctx)
	if err != nil {
		return false, "", fmt.Errorf("load blacklist rules: %w", err)
	}

	bodyLower := strings.ToLower(post.BodyHTML)
	for _, rule := range rules {
		pattern := strings.TrimSpace(rule.Pattern)
		if pattern == "" {
			continue
		}
		switch rule.Type {
		case domain.RuleWord:
			if strings.Contains(bodyLower, strings.ToLower(pattern)) {
				return false, fmt.Sprintf("Обнаружено запрещённое слово: %s", pattern), nil
			}
		case domain.RuleDomain:
			patternLower := strings.ToLower(pattern)
			for _, href := range links {
				host := ""
				if parsed, err := url.Parse(href); err == nil {
					host = strings.ToLower(parsed.Host)
				}
				if host != "" && strings.Contains(host, patternLower) {
					return false, fmt.Sprintf("Обнаружен запрещённый домен: %s", pattern), nil
				}
			}
		case domain.RuleRegex:
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				logger.Logger.Warn().Str("pattern", pattern).Err(err).Msg("skipping invalid blacklist regex")
				continue
			}
			if re.MatchString(post.BodyHTML) {
				return false, fmt.Sprintf("Совпадение с regex-правилом: %s", pattern), nil
			}
		}
	}

	return true, "", nil
}

// ExtractLinks scans only <a> start tags' href attribute; other tags are
// ignored.
func ExtractLinks(bodyHTML string) []string {
	var links []string
	tok := html.NewTokenizer(strings.NewReader(bodyHTML))
	for {
		tt := tok.Next()
		if tt == html.ErrorToken {
			return links
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := tok.TagName()
		if string(name) != "a" || !hasAttr {
			continue
		}
		for {
			key, val, more := tok.TagAttr()
			if string(key) == "href" && len(val) > 0 {
				links = append(links, string(val))
			}
			if !more {
				break
			}
		}
	}
}
