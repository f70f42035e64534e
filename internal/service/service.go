// Package service holds the admin-facing contracts: channel registration with
// access verification, post lifecycle, scheduling, queue interventions and
// blacklist management. The worker bypasses this layer and talks to the store
// directly.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"telepost/internal/domain"
	"telepost/internal/pkg/logger"
	"telepost/internal/schedule"
	"telepost/internal/timeutil"
	"telepost/internal/validate"
)

// manualTimeLayouts accepts the admin's channel-local instants with or
// without seconds; CSV exports use a space instead of the T separator.
var manualTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// RuleCache is the optional blacklist-rule cache. Nil disables caching.
type RuleCache interface {
	GetEnabledRules(ctx context.Context) ([]domain.BlacklistRule, error)
	SetEnabledRules(ctx context.Context, rules []domain.BlacklistRule) error
	InvalidateRules(ctx context.Context) error
}

type Service struct {
	repo      domain.Repository
	verifier  domain.AccessVerifier
	validator *validate.Validator
	scheduler *schedule.Scheduler
	cache     RuleCache
}

func New(repo domain.Repository, verifier domain.AccessVerifier, cache RuleCache) *Service {
	s := &Service{repo: repo, verifier: verifier, cache: cache}
	s.validator = validate.New(&cachedRuleSource{repo: repo, cache: cache})
	s.scheduler = schedule.New(repo)
	return s
}

// cachedRuleSource reads enabled rules through the cache when one is wired,
// falling back to the store on miss or on any cache error.
type cachedRuleSource struct {
	repo  domain.RuleSource
	cache RuleCache
}

func (c *cachedRuleSource) EnabledRules(ctx context.Context) ([]domain.BlacklistRule, error) {
	if c.cache != nil {
		rules, err := c.cache.GetEnabledRules(ctx)
		if err == nil {
			return rules, nil
		}
		if !errors.Is(err, domain.ErrCacheMiss) {
			logger.WithCtx(ctx).Warn().Err(err).Msg("rule cache read failed, falling back to store")
		}
	}
	rules, err := c.repo.EnabledRules(ctx)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		if err := c.cache.SetEnabledRules(ctx, rules); err != nil {
			logger.WithCtx(ctx).Warn().Err(err).Msg("rule cache write failed")
		}
	}
	return rules, nil
}

// -------------------------
// Channels
// -------------------------

type ChannelInput struct {
	Title       string
	ChatID      string
	BotToken    string
	Timezone    string
	DailyTime   string
	WindowStart string
	WindowEnd   string
}

// CreateChannel verifies bot access before registering the destination; a
// failed check rejects the channel with the verifier's message.
func (s *Service) CreateChannel(ctx context.Context, in ChannelInput) (domain.Channel, string, error) {
	ch := domain.Channel{
		Title:       strings.TrimSpace(in.Title),
		ChatID:      strings.TrimSpace(in.ChatID),
		BotToken:    strings.TrimSpace(in.BotToken),
		Timezone:    defaultStr(in.Timezone, timeutil.DefaultZone),
		DailyTime:   defaultStr(in.DailyTime, "10:00"),
		WindowStart: defaultStr(in.WindowStart, "08:00"),
		WindowEnd:   defaultStr(in.WindowEnd, "22:00"),
	}
	if ch.Title == "" || ch.ChatID == "" || ch.BotToken == "" {
		return domain.Channel{}, "", fmt.Errorf("title, chat_id and bot_token are required")
	}
	if _, _, err := timeutil.ParseHHMM(ch.DailyTime); err != nil {
		return domain.Channel{}, "", fmt.Errorf("daily_time: %w", err)
	}
	if _, _, err := timeutil.ParseHHMM(ch.WindowStart); err != nil {
		return domain.Channel{}, "", fmt.Errorf("allowed_window_start: %w", err)
	}
	if _, _, err := timeutil.ParseHHMM(ch.WindowEnd); err != nil {
		return domain.Channel{}, "", fmt.Errorf("allowed_window_end: %w", err)
	}

	ok, msg := s.verifier.VerifyAccess(ctx, ch.BotToken, ch.ChatID)
	if !ok {
		return domain.Channel{}, msg, domain.ErrChannelRejected
	}

	if err := s.repo.CreateChannel(ctx, &ch); err != nil {
		return domain.Channel{}, "", err
	}
	return ch, msg, nil
}

func (s *Service) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	return s.repo.ListChannels(ctx)
}

// -------------------------
// Posts
// -------------------------

type PostInput struct {
	ChannelID int64
	Title     string
	BodyHTML  string
	Media     string
	Buttons   string
	Options   string
}

// CreatePost stores the post in draft. Validation runs on entry: a blocked
// post is stored anyway, flagged so scheduling refuses it later.
func (s *Service) CreatePost(ctx context.Context, in PostInput) (domain.Post, error) {
	p := domain.Post{
		ChannelID: in.ChannelID,
		Title:     defaultStr(strings.TrimSpace(in.Title), "Без названия"),
		BodyHTML:  in.BodyHTML,
		Media:     defaultStr(strings.TrimSpace(in.Media), "[]"),
		Buttons:   defaultStr(strings.TrimSpace(in.Buttons), "[]"),
		Options:   defaultStr(strings.TrimSpace(in.Options), "{}"),
		Status:    domain.PostDraft,
	}

	if _, err := s.repo.GetChannel(ctx, p.ChannelID); err != nil {
		return domain.Post{}, err
	}
	if err := s.applyValidation(ctx, &p); err != nil {
		return domain.Post{}, err
	}
	if err := s.repo.CreatePost(ctx, &p); err != nil {
		return domain.Post{}, err
	}
	return p, nil
}

// UpdatePost rewrites content fields and re-runs validation.
func (s *Service) UpdatePost(ctx context.Context, id int64, in PostInput) (domain.Post, error) {
	p, err := s.repo.GetPost(ctx, id)
	if err != nil {
		return domain.Post{}, err
	}
	if in.ChannelID != 0 {
		if _, err := s.repo.GetChannel(ctx, in.ChannelID); err != nil {
			return domain.Post{}, err
		}
		p.ChannelID = in.ChannelID
	}
	if strings.TrimSpace(in.Title) != "" {
		p.Title = strings.TrimSpace(in.Title)
	}
	p.BodyHTML = in.BodyHTML
	p.Media = defaultStr(strings.TrimSpace(in.Media), "[]")
	p.Buttons = defaultStr(strings.TrimSpace(in.Buttons), "[]")
	p.Options = defaultStr(strings.TrimSpace(in.Options), "{}")

	if err := s.applyValidation(ctx, &p); err != nil {
		return domain.Post{}, err
	}
	if err := s.repo.UpdatePost(ctx, &p); err != nil {
		return domain.Post{}, err
	}
	return p, nil
}

func (s *Service) applyValidation(ctx context.Context, p *domain.Post) error {
	ok, reason, err := s.validator.Validate(ctx, *p)
	if err != nil {
		return err
	}
	if ok {
		p.BlacklistCheckStatus = "ok"
		p.BlacklistReason = nil
	} else {
		p.BlacklistCheckStatus = "blocked"
		p.BlacklistReason = &reason
	}
	return nil
}

func (s *Service) GetPost(ctx context.Context, id int64) (domain.Post, error) {
	return s.repo.GetPost(ctx, id)
}

func (s *Service) ListPosts(ctx context.Context) ([]domain.Post, error) {
	return s.repo.ListPosts(ctx)
}

// DuplicatePost copies content into a fresh draft named "<title> (копия)".
func (s *Service) DuplicatePost(ctx context.Context, id int64) (domain.Post, error) {
	src, err := s.repo.GetPost(ctx, id)
	if err != nil {
		return domain.Post{}, err
	}
	copyPost := domain.Post{
		ChannelID:            src.ChannelID,
		Title:                src.Title + " (копия)",
		BodyHTML:             src.BodyHTML,
		Media:                src.Media,
		Buttons:              src.Buttons,
		Options:              src.Options,
		BlacklistCheckStatus: src.BlacklistCheckStatus,
		BlacklistReason:      src.BlacklistReason,
		Status:               domain.PostDraft,
	}
	if err := s.repo.CreatePost(ctx, &copyPost); err != nil {
		return domain.Post{}, err
	}
	if err := s.repo.LogAction(ctx, "post", copyPost.ID, "duplicate", map[string]any{"source_post_id": src.ID}); err != nil {
		return domain.Post{}, err
	}
	return copyPost, nil
}

// CancelPost cancels the post and its pending publications.
func (s *Service) CancelPost(ctx context.Context, id int64) error {
	return s.repo.CancelPost(ctx, id)
}

// -------------------------
// Scheduling
// -------------------------

// SchedulePost enqueues one publication. manualAt, when non-empty, is a
// channel-local instant; otherwise the next free slot is computed. Either way
// the instant is clamped into the channel's allowed window. Blocked posts are
// refused.
func (s *Service) SchedulePost(ctx context.Context, postID int64, manualAt string) (domain.Publication, error) {
	p, err := s.repo.GetPost(ctx, postID)
	if err != nil {
		return domain.Publication{}, err
	}
	if p.BlacklistCheckStatus == "blocked" {
		reason := ""
		if p.BlacklistReason != nil {
			reason = *p.BlacklistReason
		}
		return domain.Publication{}, fmt.Errorf("%w: %s", domain.ErrPostBlocked, reason)
	}
	ch, err := s.repo.GetChannel(ctx, p.ChannelID)
	if err != nil {
		return domain.Publication{}, err
	}

	var plannedUTC time.Time
	slotIndex := 0
	if strings.TrimSpace(manualAt) != "" {
		local, err := parseManualTime(manualAt)
		if err != nil {
			return domain.Publication{}, err
		}
		plannedUTC = timeutil.LocalToUTC(local, ch.Timezone)
	} else {
		plannedUTC, slotIndex, err = s.scheduler.NextSlot(ctx, ch)
		if err != nil {
			return domain.Publication{}, err
		}
	}

	plannedUTC, err = schedule.AdjustToWindow(ch, plannedUTC)
	if err != nil {
		return domain.Publication{}, err
	}

	return s.repo.SchedulePublication(ctx, postID, plannedUTC, slotIndex)
}

// ReschedulePublication moves a pending or failed publication to a new
// channel-local instant, clamped into the window.
func (s *Service) ReschedulePublication(ctx context.Context, pubID int64, manualAt string) error {
	pub, err := s.repo.GetPublication(ctx, pubID)
	if err != nil {
		return err
	}
	p, err := s.repo.GetPost(ctx, pub.PostID)
	if err != nil {
		return err
	}
	ch, err := s.repo.GetChannel(ctx, p.ChannelID)
	if err != nil {
		return err
	}

	local, err := parseManualTime(manualAt)
	if err != nil {
		return err
	}
	plannedUTC, err := schedule.AdjustToWindow(ch, timeutil.LocalToUTC(local, ch.Timezone))
	if err != nil {
		return err
	}
	return s.repo.ReschedulePublication(ctx, pubID, plannedUTC)
}

// RetryPublicationNow makes the publication immediately claimable with a
// fresh attempt budget.
func (s *Service) RetryPublicationNow(ctx context.Context, pubID int64) error {
	return s.repo.RetryPublicationNow(ctx, pubID)
}

func (s *Service) ListPublications(ctx context.Context) ([]domain.Publication, error) {
	return s.repo.ListPublications(ctx)
}

// TopErrors is the error report aggregate over failed publications.
func (s *Service) TopErrors(ctx context.Context, limit int) ([]domain.ErrorCount, error) {
	return s.repo.TopErrors(ctx, limit)
}

// -------------------------
// Blacklist
// -------------------------

func (s *Service) CreateRule(ctx context.Context, ruleType, pattern string, enabled bool) (domain.BlacklistRule, error) {
	switch domain.RuleType(ruleType) {
	case domain.RuleWord, domain.RuleDomain, domain.RuleRegex:
	default:
		return domain.BlacklistRule{}, fmt.Errorf("unknown rule type %q", ruleType)
	}
	if strings.TrimSpace(pattern) == "" {
		return domain.BlacklistRule{}, fmt.Errorf("pattern is required")
	}

	rule := domain.BlacklistRule{Type: domain.RuleType(ruleType), Pattern: pattern, IsEnabled: enabled}
	if err := s.repo.CreateRule(ctx, &rule); err != nil {
		return domain.BlacklistRule{}, err
	}
	if s.cache != nil {
		if err := s.cache.InvalidateRules(ctx); err != nil {
			logger.WithCtx(ctx).Warn().Err(err).Msg("rule cache invalidation failed")
		}
	}
	return rule, nil
}

func (s *Service) ListRules(ctx context.Context) ([]domain.BlacklistRule, error) {
	return s.repo.ListRules(ctx)
}

// Validator exposes the content gate for reuse by the importer.
func (s *Service) Validator() *validate.Validator {
	return s.validator
}

func parseManualTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range manualTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q, expected YYYY-MM-DDTHH:MM", v)
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
