package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"telepost/internal/domain"
)

const publicationColumns = `id, post_id, planned_at, ready_at, status, attempts, locked_at, locked_by, telegram_message_id, sent_at, last_error, created_at, updated_at`

func scanPublication(row pgx.Row) (domain.Publication, error) {
	var p domain.Publication
	var status string
	err := row.Scan(&p.ID, &p.PostID, &p.PlannedAt, &p.ReadyAt, &status, &p.Attempts,
		&p.LockedAt, &p.LockedBy, &p.MessageID, &p.SentAt, &p.LastError, &p.CreatedAt, &p.UpdatedAt)
	p.Status = domain.PublicationStatus(status)
	return p, err
}

// SchedulePublication enqueues a post: one publication row with
// ready_at = planned_at, the post flipped to scheduled, and an audit entry,
// all in one transaction.
func (r *Repository) SchedulePublication(ctx context.Context, postID int64, plannedAt time.Time, slotIndex int) (domain.Publication, error) {
	now := r.now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Publication{}, err
	}
	defer tx.Rollback(ctx)

	var pubID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO publications (post_id, planned_at, ready_at, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $2, 'scheduled', 0, $3, $3)
		RETURNING id
	`, postID, plannedAt, now).Scan(&pubID)
	if err != nil {
		return domain.Publication{}, err
	}

	tag, err := tx.Exec(ctx, `UPDATE posts SET status = 'scheduled', updated_at = $2 WHERE id = $1`, postID, now)
	if err != nil {
		return domain.Publication{}, err
	}
	if tag.RowsAffected() == 0 {
		return domain.Publication{}, domain.ErrPostNotFound
	}

	err = r.audit.Log(ctx, tx, "publication", pubID, "schedule", map[string]any{
		"post_id":    postID,
		"planned_at": plannedAt.Format(time.RFC3339),
		"slot_index": slotIndex,
	})
	if err != nil {
		return domain.Publication{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Publication{}, err
	}

	return domain.Publication{
		ID:        pubID,
		PostID:    postID,
		PlannedAt: plannedAt,
		ReadyAt:   plannedAt,
		Status:    domain.PubScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CancelPost cancels the post and every publication of it that has not
// reached a terminal status. Sent and failed rows keep their history.
func (r *Repository) CancelPost(ctx context.Context, postID int64) error {
	now := r.now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE posts SET status = 'canceled', updated_at = $2 WHERE id = $1`, postID, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPostNotFound
	}

	_, err = tx.Exec(ctx, `
		UPDATE publications
		SET status = 'canceled', locked_at = NULL, locked_by = NULL, updated_at = $2
		WHERE post_id = $1 AND status IN ('scheduled', 'retry', 'processing')
	`, postID, now)
	if err != nil {
		return err
	}

	if err := r.audit.Log(ctx, tx, "post", postID, "cancel", nil); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReschedulePublication moves a non-terminal-or-failed publication to a new
// instant and resets its attempt counter. Sent and canceled rows are immutable.
func (r *Repository) ReschedulePublication(ctx context.Context, pubID int64, plannedAt time.Time) error {
	now := r.now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var postID int64
	err = tx.QueryRow(ctx, `
		UPDATE publications
		SET planned_at = $2, ready_at = $2, status = 'scheduled', attempts = 0,
		    locked_at = NULL, locked_by = NULL, last_error = NULL, updated_at = $3
		WHERE id = $1 AND status IN ('scheduled', 'retry', 'failed')
		RETURNING post_id
	`, pubID, plannedAt, now).Scan(&postID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrPublicationNotFound
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `UPDATE posts SET status = 'scheduled', updated_at = $2 WHERE id = $1`, postID, now)
	if err != nil {
		return err
	}

	err = r.audit.Log(ctx, tx, "publication", pubID, "reschedule", map[string]any{
		"planned_at": plannedAt.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RetryPublicationNow pulls readiness to the present and gives the row a
// fresh attempt budget. The post shows "queued" until the worker resolves it.
func (r *Repository) RetryPublicationNow(ctx context.Context, pubID int64) error {
	now := r.now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var postID int64
	err = tx.QueryRow(ctx, `
		UPDATE publications
		SET status = 'retry', ready_at = $2, attempts = 0,
		    locked_at = NULL, locked_by = NULL, last_error = NULL, updated_at = $2
		WHERE id = $1 AND status IN ('scheduled', 'retry', 'failed')
		RETURNING post_id
	`, pubID, now).Scan(&postID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrPublicationNotFound
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `UPDATE posts SET status = 'queued', updated_at = $2 WHERE id = $1`, postID, now)
	if err != nil {
		return err
	}

	if err := r.audit.Log(ctx, tx, "publication", pubID, "retry_now", nil); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) GetPublication(ctx context.Context, id int64) (domain.Publication, error) {
	p, err := scanPublication(r.pool.QueryRow(ctx, `SELECT `+publicationColumns+` FROM publications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Publication{}, domain.ErrPublicationNotFound
	}
	return p, err
}

// ListPublications returns the queue in worker order:
// ready_at, then planned_at, then id.
func (r *Repository) ListPublications(ctx context.Context) ([]domain.Publication, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+publicationColumns+`
		FROM publications
		ORDER BY ready_at ASC, planned_at ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Publication
	for rows.Next() {
		p, err := scanPublication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TopErrors aggregates failed publications by last_error, most frequent first.
func (r *Repository) TopErrors(ctx context.Context, limit int) ([]domain.ErrorCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.pool.Query(ctx, `
		SELECT last_error, COUNT(*) AS cnt
		FROM publications
		WHERE status = 'failed' AND last_error IS NOT NULL
		GROUP BY last_error
		ORDER BY cnt DESC, last_error ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ErrorCount
	for rows.Next() {
		var ec domain.ErrorCount
		if err := rows.Scan(&ec.LastError, &ec.Count); err != nil {
			return nil, err
		}
		out = append(out, ec)
	}
	return out, rows.Err()
}
