package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"telepost/internal/domain"
)

// stuckLeaseError marks rows recovered from an expired processing lease.
const stuckLeaseError = "processing_ttl_expired"

// RecoverStuck returns expired processing leases to the retry pool without
// charging an attempt: a dead worker is not a delivery failure. Rows already
// at the attempt cap go straight to failed.
func (r *Repository) RecoverStuck(ctx context.Context, ttl time.Duration, maxAttempts int) (int64, error) {
	now := r.now()
	cutoff := now.Add(-ttl)

	tag, err := r.pool.Exec(ctx, `
		UPDATE publications
		SET status = 'retry', ready_at = $1, locked_at = NULL, locked_by = NULL,
		    last_error = $2, updated_at = $1
		WHERE status = 'processing' AND locked_at <= $3 AND attempts < $4
	`, now, stuckLeaseError, cutoff, maxAttempts)
	if err != nil {
		return 0, err
	}
	recovered := tag.RowsAffected()

	_, err = r.pool.Exec(ctx, `
		UPDATE publications
		SET status = 'failed', locked_at = NULL, locked_by = NULL,
		    last_error = $1, updated_at = $2
		WHERE status = 'processing' AND locked_at <= $3 AND attempts >= $4
	`, stuckLeaseError, now, cutoff, maxAttempts)
	if err != nil {
		return recovered, err
	}
	return recovered, nil
}

// DueBatch selects claimable publication ids in delivery order.
func (r *Repository) DueBatch(ctx context.Context, limit, maxAttempts int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id
		FROM publications
		WHERE status IN ('scheduled', 'retry') AND ready_at <= $1 AND attempts < $2
		ORDER BY ready_at ASC, planned_at ASC, id ASC
		LIMIT $3
	`, r.now(), maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Claim takes the lease via a conditional update. The status guard makes the
// claim atomic: between select and claim another worker may have moved the
// row, in which case zero rows match and the claim is simply lost.
func (r *Repository) Claim(ctx context.Context, pubID int64, workerID string) (bool, error) {
	now := r.now()
	tag, err := r.pool.Exec(ctx, `
		UPDATE publications
		SET status = 'processing', locked_at = $2, locked_by = $3, updated_at = $2
		WHERE id = $1 AND status IN ('scheduled', 'retry')
	`, pubID, now, workerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// LoadForSend fetches the claimed publication together with its post and
// channel in one round trip.
func (r *Repository) LoadForSend(ctx context.Context, pubID int64) (domain.Publication, domain.Post, domain.Channel, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT pub.id, pub.post_id, pub.planned_at, pub.ready_at, pub.status, pub.attempts,
		       pub.locked_at, pub.locked_by, pub.telegram_message_id, pub.sent_at, pub.last_error,
		       pub.created_at, pub.updated_at,
		       p.id, p.channel_id, p.title, p.body_html, p.media, p.buttons, p.options,
		       p.blacklist_check_status, p.blacklist_reason, p.status, p.created_at, p.updated_at,
		       c.id, c.title, c.telegram_chat_id, c.bot_token, c.timezone, c.daily_time,
		       c.allowed_window_start, c.allowed_window_end, c.created_at
		FROM publications pub
		JOIN posts p ON p.id = pub.post_id
		JOIN channels c ON c.id = p.channel_id
		WHERE pub.id = $1
	`, pubID)

	var pub domain.Publication
	var post domain.Post
	var ch domain.Channel
	var pubStatus string
	err := row.Scan(
		&pub.ID, &pub.PostID, &pub.PlannedAt, &pub.ReadyAt, &pubStatus, &pub.Attempts,
		&pub.LockedAt, &pub.LockedBy, &pub.MessageID, &pub.SentAt, &pub.LastError,
		&pub.CreatedAt, &pub.UpdatedAt,
		&post.ID, &post.ChannelID, &post.Title, &post.BodyHTML, &post.Media, &post.Buttons, &post.Options,
		&post.BlacklistCheckStatus, &post.BlacklistReason, &post.Status, &post.CreatedAt, &post.UpdatedAt,
		&ch.ID, &ch.Title, &ch.ChatID, &ch.BotToken, &ch.Timezone, &ch.DailyTime,
		&ch.WindowStart, &ch.WindowEnd, &ch.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pub, post, ch, domain.ErrPublicationNotFound
	}
	if err != nil {
		return pub, post, ch, err
	}
	pub.Status = domain.PublicationStatus(pubStatus)
	return pub, post, ch, nil
}

// ReleaseAfterLoadError settles a claimed row whose content could not be
// loaded. The caller holds no loaded row, so the retry or fail decision runs
// on the stored attempt count inside the update itself.
func (r *Repository) ReleaseAfterLoadError(ctx context.Context, pubID int64, loadErr string, delay time.Duration, maxAttempts int) error {
	now := r.now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var postID int64
	var status string
	err = tx.QueryRow(ctx, `
		UPDATE publications
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE 'retry' END,
		    ready_at = CASE WHEN attempts + 1 >= $2 THEN ready_at ELSE $3 END,
		    locked_at = NULL, locked_by = NULL, last_error = $4, updated_at = $5
		WHERE id = $1 AND status = 'processing'
		RETURNING post_id, status
	`, pubID, maxAttempts, now.Add(delay), loadErr, now).Scan(&postID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrPublicationNotFound
	}
	if err != nil {
		return err
	}

	if status == string(domain.PubFailed) {
		_, err = tx.Exec(ctx, `
			UPDATE posts SET status = 'failed', updated_at = $2
			WHERE id = $1 AND status <> 'canceled'
		`, postID, now)
		if err != nil {
			return err
		}
		err = r.audit.Log(ctx, tx, "publication", pubID, "fail", map[string]any{
			"post_id": postID,
			"error":   loadErr,
		})
	} else {
		err = r.audit.Log(ctx, tx, "publication", pubID, "retry", map[string]any{
			"error":         loadErr,
			"delay_seconds": int(delay / time.Second),
		})
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CompleteSent records a successful delivery: message id, sent_at, lease
// cleared, audit entry, and the parent post's derived status.
func (r *Repository) CompleteSent(ctx context.Context, pubID, postID int64, messageID string) error {
	now := r.now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE publications
		SET status = 'sent', telegram_message_id = $2, sent_at = $3,
		    locked_at = NULL, locked_by = NULL, last_error = NULL, updated_at = $3
		WHERE id = $1
	`, pubID, messageID, now)
	if err != nil {
		return err
	}

	// Post becomes sent only when nothing is still pending and no earlier
	// publication failed; failed wins over sent.
	_, err = tx.Exec(ctx, `
		UPDATE posts
		SET status = 'sent', updated_at = $2
		WHERE id = $1
		  AND status NOT IN ('failed', 'canceled')
		  AND NOT EXISTS (
			SELECT 1 FROM publications
			WHERE post_id = $1 AND status IN ('scheduled', 'retry', 'processing')
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM publications WHERE post_id = $1 AND status = 'failed'
		  )
	`, postID, now)
	if err != nil {
		return err
	}

	err = r.audit.Log(ctx, tx, "publication", pubID, "send", map[string]any{
		"post_id":    postID,
		"message_id": messageID,
	})
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CompleteAlreadySent closes a claimed row that already carries a message id.
// Happens after a crash between the remote send and the local commit; the
// send must not repeat.
func (r *Repository) CompleteAlreadySent(ctx context.Context, pubID, postID int64) error {
	now := r.now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE publications
		SET status = 'sent', sent_at = COALESCE(sent_at, $2),
		    locked_at = NULL, locked_by = NULL, updated_at = $2
		WHERE id = $1 AND telegram_message_id IS NOT NULL
	`, pubID, now)
	if err != nil {
		return err
	}

	err = r.audit.Log(ctx, tx, "publication", pubID, "send", map[string]any{
		"post_id":     postID,
		"deduplicate": true,
	})
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkRetry charges an attempt and parks the row until now+delay.
func (r *Repository) MarkRetry(ctx context.Context, pubID int64, sendErr string, delay time.Duration) error {
	now := r.now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE publications
		SET status = 'retry', attempts = attempts + 1, ready_at = $2,
		    locked_at = NULL, locked_by = NULL, last_error = $3, updated_at = $4
		WHERE id = $1
	`, pubID, now.Add(delay), sendErr, now)
	if err != nil {
		return err
	}

	err = r.audit.Log(ctx, tx, "publication", pubID, "retry", map[string]any{
		"error":         sendErr,
		"delay_seconds": int(delay / time.Second),
	})
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkFailed charges an attempt and terminates the row; the parent post is
// failed with it.
func (r *Repository) MarkFailed(ctx context.Context, pubID, postID int64, sendErr string) error {
	now := r.now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE publications
		SET status = 'failed', attempts = attempts + 1,
		    locked_at = NULL, locked_by = NULL, last_error = $2, updated_at = $3
		WHERE id = $1
	`, pubID, sendErr, now)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE posts SET status = 'failed', updated_at = $2
		WHERE id = $1 AND status <> 'canceled'
	`, postID, now)
	if err != nil {
		return err
	}

	err = r.audit.Log(ctx, tx, "publication", pubID, "fail", map[string]any{
		"post_id": postID,
		"error":   sendErr,
	})
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}
