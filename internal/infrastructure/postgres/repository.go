// Package postgres is the durable store behind the publication queue. The
// store is the queue: workers and the admin service share it through the
// same transactional conventions (conditional updates guarded on status).
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"telepost/internal/audit"
	"telepost/internal/domain"
	"telepost/internal/timeutil"
)

type Repository struct {
	pool  *pgxpool.Pool
	audit *audit.Writer
	now   func() time.Time
}

func New(pool *pgxpool.Pool, auditWriter *audit.Writer) *Repository {
	return &Repository{pool: pool, audit: auditWriter, now: timeutil.NowUTC}
}

// WithNow overrides the clock; tests only.
func (r *Repository) WithNow(now func() time.Time) *Repository {
	r.now = now
	return r
}

// EnsureSchema creates the tables and queue indexes idempotently. All
// timestamp columns are `timestamp` (no zone): the naive-UTC convention.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS channels (
			id                   BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			title                TEXT NOT NULL,
			telegram_chat_id     TEXT NOT NULL,
			bot_token            TEXT NOT NULL,
			timezone             TEXT NOT NULL DEFAULT 'Europe/Moscow',
			daily_time           TEXT NOT NULL DEFAULT '10:00',
			allowed_window_start TEXT NOT NULL DEFAULT '08:00',
			allowed_window_end   TEXT NOT NULL DEFAULT '22:00',
			created_at           TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS posts (
			id                     BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			channel_id             BIGINT NOT NULL REFERENCES channels(id),
			title                  TEXT NOT NULL,
			body_html              TEXT NOT NULL DEFAULT '',
			media                  TEXT NOT NULL DEFAULT '[]',
			buttons                TEXT NOT NULL DEFAULT '[]',
			options                TEXT NOT NULL DEFAULT '{}',
			blacklist_check_status TEXT NOT NULL DEFAULT 'ok',
			blacklist_reason       TEXT,
			status                 TEXT NOT NULL DEFAULT 'draft',
			created_at             TIMESTAMP NOT NULL,
			updated_at             TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS publications (
			id                  BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			post_id             BIGINT NOT NULL REFERENCES posts(id),
			planned_at          TIMESTAMP NOT NULL,
			ready_at            TIMESTAMP NOT NULL,
			status              TEXT NOT NULL DEFAULT 'scheduled',
			attempts            INT NOT NULL DEFAULT 0,
			locked_at           TIMESTAMP,
			locked_by           TEXT,
			telegram_message_id TEXT,
			sent_at             TIMESTAMP,
			last_error          TEXT,
			created_at          TIMESTAMP NOT NULL,
			updated_at          TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_publications_queue ON publications (status, ready_at);
		CREATE INDEX IF NOT EXISTS idx_publications_post ON publications (post_id);
		CREATE INDEX IF NOT EXISTS idx_publications_planned ON publications (planned_at);

		CREATE TABLE IF NOT EXISTS blacklist_rules (
			id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			type       TEXT NOT NULL,
			pattern    TEXT NOT NULL,
			is_enabled BOOLEAN NOT NULL DEFAULT TRUE
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id   BIGINT NOT NULL,
			action      TEXT NOT NULL,
			meta        TEXT NOT NULL DEFAULT '{}',
			created_at  TIMESTAMP NOT NULL
		);
	`)
	return err
}

// -------------------------
// Channels
// -------------------------

func (r *Repository) CreateChannel(ctx context.Context, ch *domain.Channel) error {
	now := r.now()
	err := r.pool.QueryRow(ctx, `
		INSERT INTO channels (title, telegram_chat_id, bot_token, timezone, daily_time, allowed_window_start, allowed_window_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, ch.Title, ch.ChatID, ch.BotToken, ch.Timezone, ch.DailyTime, ch.WindowStart, ch.WindowEnd, now).Scan(&ch.ID)
	if err != nil {
		return err
	}
	ch.CreatedAt = now
	return r.audit.Log(ctx, r.pool, "channel", ch.ID, "create", map[string]any{"chat_id": ch.ChatID})
}

const channelColumns = `id, title, telegram_chat_id, bot_token, timezone, daily_time, allowed_window_start, allowed_window_end, created_at`

func scanChannel(row pgx.Row) (domain.Channel, error) {
	var ch domain.Channel
	err := row.Scan(&ch.ID, &ch.Title, &ch.ChatID, &ch.BotToken, &ch.Timezone, &ch.DailyTime, &ch.WindowStart, &ch.WindowEnd, &ch.CreatedAt)
	return ch, err
}

func (r *Repository) GetChannel(ctx context.Context, id int64) (domain.Channel, error) {
	ch, err := scanChannel(r.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, domain.ErrChannelNotFound
	}
	return ch, err
}

func (r *Repository) FindChannelByTitle(ctx context.Context, title string) (domain.Channel, error) {
	ch, err := scanChannel(r.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE title = $1 ORDER BY id LIMIT 1`, title))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, domain.ErrChannelNotFound
	}
	return ch, err
}

func (r *Repository) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// -------------------------
// Posts
// -------------------------

const postColumns = `id, channel_id, title, body_html, media, buttons, options, blacklist_check_status, blacklist_reason, status, created_at, updated_at`

func scanPost(row pgx.Row) (domain.Post, error) {
	var p domain.Post
	err := row.Scan(&p.ID, &p.ChannelID, &p.Title, &p.BodyHTML, &p.Media, &p.Buttons, &p.Options,
		&p.BlacklistCheckStatus, &p.BlacklistReason, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (r *Repository) CreatePost(ctx context.Context, p *domain.Post) error {
	now := r.now()
	if p.Status == "" {
		p.Status = domain.PostDraft
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO posts (channel_id, title, body_html, media, buttons, options, blacklist_check_status, blacklist_reason, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id
	`, p.ChannelID, p.Title, p.BodyHTML, p.Media, p.Buttons, p.Options,
		p.BlacklistCheckStatus, p.BlacklistReason, p.Status, now).Scan(&p.ID)
	if err != nil {
		return err
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return r.audit.Log(ctx, r.pool, "post", p.ID, "create", map[string]any{"channel_id": p.ChannelID})
}

func (r *Repository) UpdatePost(ctx context.Context, p *domain.Post) error {
	now := r.now()
	tag, err := r.pool.Exec(ctx, `
		UPDATE posts
		SET channel_id = $2, title = $3, body_html = $4, media = $5, buttons = $6, options = $7,
		    blacklist_check_status = $8, blacklist_reason = $9, updated_at = $10
		WHERE id = $1
	`, p.ID, p.ChannelID, p.Title, p.BodyHTML, p.Media, p.Buttons, p.Options,
		p.BlacklistCheckStatus, p.BlacklistReason, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPostNotFound
	}
	p.UpdatedAt = now
	return r.audit.Log(ctx, r.pool, "post", p.ID, "update", nil)
}

func (r *Repository) GetPost(ctx context.Context, id int64) (domain.Post, error) {
	p, err := scanPost(r.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Post{}, domain.ErrPostNotFound
	}
	return p, err
}

func (r *Repository) ListPosts(ctx context.Context) ([]domain.Post, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+postColumns+` FROM posts ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// -------------------------
// Blacklist rules
// -------------------------

func (r *Repository) CreateRule(ctx context.Context, rule *domain.BlacklistRule) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO blacklist_rules (type, pattern, is_enabled)
		VALUES ($1, $2, $3)
		RETURNING id
	`, string(rule.Type), rule.Pattern, rule.IsEnabled).Scan(&rule.ID)
}

func (r *Repository) ListRules(ctx context.Context) ([]domain.BlacklistRule, error) {
	return r.queryRules(ctx, `SELECT id, type, pattern, is_enabled FROM blacklist_rules ORDER BY id DESC`)
}

func (r *Repository) EnabledRules(ctx context.Context) ([]domain.BlacklistRule, error) {
	return r.queryRules(ctx, `SELECT id, type, pattern, is_enabled FROM blacklist_rules WHERE is_enabled ORDER BY id`)
}

func (r *Repository) queryRules(ctx context.Context, sql string) ([]domain.BlacklistRule, error) {
	rows, err := r.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BlacklistRule
	for rows.Next() {
		var rule domain.BlacklistRule
		var ruleType string
		if err := rows.Scan(&rule.ID, &ruleType, &rule.Pattern, &rule.IsEnabled); err != nil {
			return nil, err
		}
		rule.Type = domain.RuleType(ruleType)
		out = append(out, rule)
	}
	return out, rows.Err()
}

// LogAction appends an audit entry outside any queue transition, for
// service-level actions like duplicate and import.
func (r *Repository) LogAction(ctx context.Context, entityType string, entityID int64, action string, meta map[string]any) error {
	return r.audit.Log(ctx, r.pool, entityType, entityID, action, meta)
}

// CountPlannedInDay counts a channel's publications with planned_at inside
// [dayStartUTC, dayStartUTC+24h). Slot calculation packs on top of this.
func (r *Repository) CountPlannedInDay(ctx context.Context, channelID int64, dayStartUTC time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(pub.id)
		FROM publications pub
		JOIN posts p ON p.id = pub.post_id
		WHERE p.channel_id = $1
		  AND pub.planned_at >= $2
		  AND pub.planned_at < $3
	`, channelID, dayStartUTC, dayStartUTC.AddDate(0, 0, 1)).Scan(&count)
	return count, err
}
