package domain

import (
	"context"
	"errors"
	"time"
)

type PostStatus string

const (
	PostDraft     PostStatus = "draft"
	PostScheduled PostStatus = "scheduled"
	PostQueued    PostStatus = "queued"
	PostSent      PostStatus = "sent"
	PostFailed    PostStatus = "failed"
	PostCanceled  PostStatus = "canceled"
)

type PublicationStatus string

const (
	PubScheduled  PublicationStatus = "scheduled"
	PubRetry      PublicationStatus = "retry"
	PubProcessing PublicationStatus = "processing"
	PubSent       PublicationStatus = "sent"
	PubFailed     PublicationStatus = "failed"
	PubCanceled   PublicationStatus = "canceled"
)

// Terminal reports whether the status is never exited by the core.
func (s PublicationStatus) Terminal() bool {
	return s == PubSent || s == PubFailed || s == PubCanceled
}

type RuleType string

const (
	RuleWord   RuleType = "word"
	RuleDomain RuleType = "domain"
	RuleRegex  RuleType = "regex"
)

var (
	ErrChannelNotFound     = errors.New("channel not found")
	ErrPostNotFound        = errors.New("post not found")
	ErrPublicationNotFound = errors.New("publication not found")
	ErrPostBlocked         = errors.New("post blocked by validation")
	ErrChannelRejected     = errors.New("channel access check failed")
	ErrCacheMiss           = errors.New("cache miss")
)

// Channel is a destination identity with its cadence and credentials.
// Timestamps follow the naive-UTC store convention.
type Channel struct {
	ID        int64
	Title     string
	ChatID    string // normalized destination identifier
	BotToken  string
	Timezone  string // IANA name, default Europe/Moscow
	DailyTime string // HH:MM, channel-local

	WindowStart string // HH:MM, channel-local
	WindowEnd   string // HH:MM, channel-local

	CreatedAt time.Time
}

type Post struct {
	ID        int64
	ChannelID int64
	Title     string
	BodyHTML  string

	// Media, Buttons and Options are stored as raw JSON text; the validator
	// gates their shape on entry, the sender re-parses at send time.
	Media   string
	Buttons string
	Options string

	BlacklistCheckStatus string // "ok" | "blocked"
	BlacklistReason      *string

	Status    PostStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Publication is one scheduled send attempt stream for a Post.
type Publication struct {
	ID     int64
	PostID int64

	PlannedAt time.Time // human-meaningful target instant (naive UTC)
	ReadyAt   time.Time // earliest instant the worker may attempt

	Status   PublicationStatus
	Attempts int

	LockedAt *time.Time
	LockedBy *string

	MessageID *string // remote message id, set only on successful send
	SentAt    *time.Time
	LastError *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type BlacklistRule struct {
	ID        int64
	Type      RuleType
	Pattern   string
	IsEnabled bool
}

type AuditEntry struct {
	ID         int64
	EntityType string
	EntityID   int64
	Action     string
	Meta       string // JSON, non-ASCII preserved
	CreatedAt  time.Time
}

// MediaItem is one element of a Post's media JSON array.
type MediaItem struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Button is one element of a Post's buttons JSON array.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// SendResult is the messaging client's classified outcome.
type SendResult struct {
	OK                bool
	MessageID         string
	Error             string
	RetryAfterSeconds int
	Retryable         bool
}

// ErrorCount is one row of the per-error report aggregate.
type ErrorCount struct {
	LastError string
	Count     int64
}

// Sender delivers a post's content to the remote messaging service.
type Sender interface {
	SendPublication(ctx context.Context, ch Channel, p Post) SendResult
}

// AccessVerifier checks that a bot token can publish into a destination.
type AccessVerifier interface {
	VerifyAccess(ctx context.Context, botToken, chatID string) (bool, string)
}

// RuleSource supplies the enabled blacklist rules for validation.
type RuleSource interface {
	EnabledRules(ctx context.Context) ([]BlacklistRule, error)
}

// DayCounter reports how many publications a channel already has planned
// within one UTC day. Used by slot calculation.
type DayCounter interface {
	CountPlannedInDay(ctx context.Context, channelID int64, dayStartUTC time.Time) (int, error)
}

// Repository is the store surface consumed by the admin-facing service.
// The worker uses the narrower queue operations on the same implementation.
type Repository interface {
	// Channels
	CreateChannel(ctx context.Context, ch *Channel) error
	GetChannel(ctx context.Context, id int64) (Channel, error)
	ListChannels(ctx context.Context) ([]Channel, error)
	FindChannelByTitle(ctx context.Context, title string) (Channel, error)

	// Posts
	CreatePost(ctx context.Context, p *Post) error
	UpdatePost(ctx context.Context, p *Post) error
	GetPost(ctx context.Context, id int64) (Post, error)
	ListPosts(ctx context.Context) ([]Post, error)

	// Publications
	SchedulePublication(ctx context.Context, postID int64, plannedAt time.Time, slotIndex int) (Publication, error)
	CancelPost(ctx context.Context, postID int64) error
	ReschedulePublication(ctx context.Context, pubID int64, plannedAt time.Time) error
	RetryPublicationNow(ctx context.Context, pubID int64) error
	GetPublication(ctx context.Context, id int64) (Publication, error)
	ListPublications(ctx context.Context) ([]Publication, error)
	TopErrors(ctx context.Context, limit int) ([]ErrorCount, error)

	// Blacklist
	CreateRule(ctx context.Context, r *BlacklistRule) error
	ListRules(ctx context.Context) ([]BlacklistRule, error)

	// Audit
	LogAction(ctx context.Context, entityType string, entityID int64, action string, meta map[string]any) error

	RuleSource
	DayCounter
}
