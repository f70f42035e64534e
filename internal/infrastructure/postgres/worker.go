package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"telepost/internal/domain"
	"telepost/internal/pkg/logger"
)

type WorkerConfig struct {
	BatchSize     int
	MaxAttempts   int
	Interval      time.Duration
	ProcessingTTL time.Duration
	RetryFloor    time.Duration // minimum backoff between attempts
	Concurrency   int
}

// queueStore is the slice of the repository the worker drives.
type queueStore interface {
	RecoverStuck(ctx context.Context, ttl time.Duration, maxAttempts int) (int64, error)
	DueBatch(ctx context.Context, limit, maxAttempts int) ([]int64, error)
	Claim(ctx context.Context, pubID int64, workerID string) (bool, error)
	LoadForSend(ctx context.Context, pubID int64) (domain.Publication, domain.Post, domain.Channel, error)
	CompleteSent(ctx context.Context, pubID, postID int64, messageID string) error
	CompleteAlreadySent(ctx context.Context, pubID, postID int64) error
	MarkRetry(ctx context.Context, pubID int64, sendErr string, delay time.Duration) error
	MarkFailed(ctx context.Context, pubID, postID int64, sendErr string) error
	ReleaseAfterLoadError(ctx context.Context, pubID int64, loadErr string, delay time.Duration, maxAttempts int) error
}

// Worker drains the publication queue: sweep expired leases, select the due
// batch, claim rows one by one, send, and commit the outcome per row. Any
// number of workers can run against the same store; the claim update is the
// only coordination they need.
type Worker struct {
	repo   queueStore
	sender domain.Sender
	cfg    WorkerConfig
	log    zerolog.Logger
}

func NewWorker(repo queueStore, sender domain.Sender, cfg WorkerConfig) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Second
	}
	if cfg.ProcessingTTL <= 0 {
		cfg.ProcessingTTL = 15 * time.Minute
	}
	if cfg.RetryFloor <= 0 {
		cfg.RetryFloor = 30 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		repo:   repo,
		sender: sender,
		cfg:    cfg,
		log:    logger.Logger.With().Str("component", "publication_worker").Logger(),
	}
}

// Run blocks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runLoop(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (w *Worker) runLoop(ctx context.Context, workerID string) {
	log := w.log.With().Str("worker_id", workerID).Logger()
	log.Info().
		Int("batch_size", w.cfg.BatchSize).
		Dur("interval", w.cfg.Interval).
		Msg("publication worker started")

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		w.tick(ctx, workerID, log)
		select {
		case <-ctx.Done():
			log.Info().Msg("publication worker stopped")
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) tick(ctx context.Context, workerID string, log zerolog.Logger) {
	recovered, err := w.repo.RecoverStuck(ctx, w.cfg.ProcessingTTL, w.cfg.MaxAttempts)
	if err != nil {
		log.Error().Err(err).Msg("stuck lease sweep failed")
	} else if recovered > 0 {
		log.Warn().Int64("recovered", recovered).Msg("recovered stuck publications")
	}

	ids, err := w.repo.DueBatch(ctx, w.cfg.BatchSize, w.cfg.MaxAttempts)
	if err != nil {
		log.Error().Err(err).Msg("due batch query failed")
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		claimed, err := w.repo.Claim(ctx, id, workerID)
		if err != nil {
			log.Error().Int64("publication_id", id).Err(err).Msg("claim failed")
			continue
		}
		if !claimed {
			// Another worker got there first.
			continue
		}
		w.processOne(ctx, id, log)
	}
}

func (w *Worker) processOne(ctx context.Context, pubID int64, log zerolog.Logger) {
	// A claimed item settles even when shutdown cancels the loop: the send
	// runs to the client's own timeout and the outcome is committed.
	ctx = context.WithoutCancel(ctx)

	pub, post, ch, err := w.repo.LoadForSend(ctx, pubID)
	if err != nil {
		if errors.Is(err, domain.ErrPublicationNotFound) {
			log.Error().Int64("publication_id", pubID).Msg("claimed publication vanished")
			return
		}
		// The lease must not stay held; the retry or fail decision runs on
		// the stored attempt count, not on the unloaded row.
		if relErr := w.repo.ReleaseAfterLoadError(ctx, pubID,
			fmt.Sprintf("load failed: %v", err), w.cfg.RetryFloor, w.cfg.MaxAttempts); relErr != nil {
			log.Error().Int64("publication_id", pubID).Err(relErr).Msg("release after load error failed")
		}
		return
	}

	// Crash between remote send and local commit leaves a message id behind;
	// close the row instead of sending twice.
	if pub.MessageID != nil {
		if err := w.repo.CompleteAlreadySent(ctx, pubID, post.ID); err != nil {
			log.Error().Int64("publication_id", pubID).Err(err).Msg("dedup completion failed")
		} else {
			log.Info().Int64("publication_id", pubID).Str("message_id", *pub.MessageID).
				Msg("publication already delivered, closed without resend")
		}
		return
	}

	res := w.safeSend(ctx, ch, post)
	if res.OK {
		if err := w.repo.CompleteSent(ctx, pubID, post.ID, res.MessageID); err != nil {
			log.Error().Int64("publication_id", pubID).Err(err).Msg("completion failed")
			return
		}
		log.Info().
			Int64("publication_id", pubID).
			Int64("post_id", post.ID).
			Str("message_id", res.MessageID).
			Msg("publication sent")
		return
	}

	w.settleFailure(ctx, pubID, post.ID, pub.Attempts, res, log)
}

// safeSend shields the queue from a panicking sender; a panic is an
// unexpected error and stays retryable.
func (w *Worker) safeSend(ctx context.Context, ch domain.Channel, post domain.Post) (res domain.SendResult) {
	defer func() {
		if r := recover(); r != nil {
			res = domain.SendResult{Error: fmt.Sprintf("unexpected_error: %v", r), Retryable: true}
		}
	}()
	return w.sender.SendPublication(ctx, ch, post)
}

func (w *Worker) settleFailure(ctx context.Context, pubID, postID int64, attempts int, res domain.SendResult, log zerolog.Logger) {
	if failNow(res.Retryable, attempts, w.cfg.MaxAttempts) {
		if err := w.repo.MarkFailed(ctx, pubID, postID, res.Error); err != nil {
			log.Error().Int64("publication_id", pubID).Err(err).Msg("fail transition failed")
			return
		}
		log.Warn().
			Int64("publication_id", pubID).
			Int("attempts", attempts+1).
			Str("error", res.Error).
			Msg("publication failed")
		return
	}

	delay := retryDelay(w.cfg.RetryFloor, res.RetryAfterSeconds)
	if err := w.repo.MarkRetry(ctx, pubID, res.Error, delay); err != nil {
		log.Error().Int64("publication_id", pubID).Err(err).Msg("retry transition failed")
		return
	}
	log.Warn().
		Int64("publication_id", pubID).
		Int("attempts", attempts+1).
		Dur("delay", delay).
		Str("error", res.Error).
		Msg("publication will retry")
}

// failNow decides terminal failure: non-retryable errors fail immediately,
// retryable ones fail once this attempt exhausts the budget.
func failNow(retryable bool, attempts, maxAttempts int) bool {
	return !retryable || attempts+1 >= maxAttempts
}

// retryDelay is the backoff floor stretched by the remote's retry_after hint.
func retryDelay(floor time.Duration, retryAfterSeconds int) time.Duration {
	hinted := time.Duration(retryAfterSeconds) * time.Second
	if hinted > floor {
		return hinted
	}
	return floor
}
