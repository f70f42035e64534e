//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telepost/internal/audit"
	"telepost/internal/domain"
	"telepost/internal/infrastructure/postgres"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func wipeDB(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := pool.Exec(ctx, `
		DO $$
		DECLARE
			r RECORD;
		BEGIN
			FOR r IN (SELECT tablename FROM pg_tables WHERE schemaname = 'public') LOOP
				EXECUTE 'DROP TABLE IF EXISTS ' || quote_ident(r.tablename) || ' CASCADE';
			END LOOP;
		END $$;
	`)
	require.NoError(t, err)
}

func setupRepo(t *testing.T) (*postgres.Repository, *pgxpool.Pool) {
	t.Helper()
	pool := testPool(t)
	wipeDB(t, pool)

	repo := postgres.New(pool, audit.New(zerolog.Nop(), nil))
	require.NoError(t, repo.EnsureSchema(context.Background()))
	return repo, pool
}

// seedScheduled creates channel, post and one scheduled publication ready in
// the past, returning the publication.
func seedScheduled(t *testing.T, repo *postgres.Repository) (domain.Publication, domain.Post) {
	t.Helper()
	ctx := context.Background()

	ch := domain.Channel{
		Title: "Тестовый канал", ChatID: "@test", BotToken: "tok",
		Timezone: "Europe/Moscow", DailyTime: "10:00",
		WindowStart: "08:00", WindowEnd: "22:00",
	}
	require.NoError(t, repo.CreateChannel(ctx, &ch))

	p := domain.Post{
		ChannelID: ch.ID, Title: "Пост", BodyHTML: "привет",
		Media: "[]", Buttons: "[]", Options: "{}",
		BlacklistCheckStatus: "ok", Status: domain.PostDraft,
	}
	require.NoError(t, repo.CreatePost(ctx, &p))

	planned := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
	pub, err := repo.SchedulePublication(ctx, p.ID, planned, 0)
	require.NoError(t, err)
	return pub, p
}

func TestClaimIsAtomic(t *testing.T) {
	repo, _ := setupRepo(t)
	pub, _ := seedScheduled(t, repo)
	ctx := context.Background()

	ids, err := repo.DueBatch(ctx, 20, 5)
	require.NoError(t, err)
	require.Contains(t, ids, pub.ID)

	claimed, err := repo.Claim(ctx, pub.ID, "worker-a")
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim must lose: the row is already processing.
	claimed, err = repo.Claim(ctx, pub.ID, "worker-b")
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := repo.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PubProcessing, got.Status)
	require.NotNil(t, got.LockedBy)
	assert.Equal(t, "worker-a", *got.LockedBy)
}

func TestCompleteSentDerivesPostStatus(t *testing.T) {
	repo, _ := setupRepo(t)
	pub, post := seedScheduled(t, repo)
	ctx := context.Background()

	_, err := repo.Claim(ctx, pub.ID, "worker-a")
	require.NoError(t, err)
	require.NoError(t, repo.CompleteSent(ctx, pub.ID, post.ID, "12345"))

	got, err := repo.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PubSent, got.Status)
	require.NotNil(t, got.MessageID)
	assert.Equal(t, "12345", *got.MessageID)
	assert.NotNil(t, got.SentAt)
	assert.Nil(t, got.LockedBy)

	gotPost, err := repo.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostSent, gotPost.Status)
}

func TestFailedBeatsSentOnPost(t *testing.T) {
	repo, _ := setupRepo(t)
	pub, post := seedScheduled(t, repo)
	ctx := context.Background()

	// First publication fails terminally.
	_, err := repo.Claim(ctx, pub.ID, "worker-a")
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed(ctx, pub.ID, post.ID, "chat not found"))

	gotPost, err := repo.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostFailed, gotPost.Status)

	// A second publication of the same post is sent; the post stays failed.
	planned := time.Now().UTC().Add(-time.Second)
	pub2, err := repo.SchedulePublication(ctx, post.ID, planned, 0)
	require.NoError(t, err)
	_, err = repo.Claim(ctx, pub2.ID, "worker-a")
	require.NoError(t, err)
	require.NoError(t, repo.CompleteSent(ctx, pub2.ID, post.ID, "777"))

	gotPost, err = repo.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostFailed, gotPost.Status, "failed wins over sent")
}

func TestMarkRetryChargesAttemptAndDelays(t *testing.T) {
	repo, _ := setupRepo(t)
	pub, _ := seedScheduled(t, repo)
	ctx := context.Background()

	_, err := repo.Claim(ctx, pub.ID, "worker-a")
	require.NoError(t, err)

	before := time.Now().UTC()
	require.NoError(t, repo.MarkRetry(ctx, pub.ID, "network_error: dial tcp", 30*time.Minute))

	got, err := repo.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PubRetry, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "network_error: dial tcp", *got.LastError)
	assert.True(t, got.ReadyAt.After(before.Add(29*time.Minute)), "ready_at pushed by the delay")
	assert.Nil(t, got.LockedBy)
}

func TestRecoverStuckDoesNotChargeAttempt(t *testing.T) {
	repo, pool := setupRepo(t)
	pub, _ := seedScheduled(t, repo)
	ctx := context.Background()

	_, err := repo.Claim(ctx, pub.ID, "worker-dead")
	require.NoError(t, err)

	// Backdate the lease past the TTL.
	_, err = pool.Exec(ctx, `UPDATE publications SET locked_at = locked_at - interval '1 hour' WHERE id = $1`, pub.ID)
	require.NoError(t, err)

	recovered, err := repo.RecoverStuck(ctx, 15*time.Minute, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 1, recovered)

	got, err := repo.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PubRetry, got.Status)
	assert.Equal(t, 0, got.Attempts, "sweep is not a delivery failure")
	require.NotNil(t, got.LastError)
	assert.Equal(t, "processing_ttl_expired", *got.LastError)
	assert.Nil(t, got.LockedAt)
}

func TestRecoverStuckLeavesFreshLeases(t *testing.T) {
	repo, _ := setupRepo(t)
	pub, _ := seedScheduled(t, repo)
	ctx := context.Background()

	_, err := repo.Claim(ctx, pub.ID, "worker-a")
	require.NoError(t, err)

	recovered, err := repo.RecoverStuck(ctx, 15*time.Minute, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 0, recovered)

	got, err := repo.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PubProcessing, got.Status)
}

func TestCompleteAlreadySentIsIdempotent(t *testing.T) {
	repo, pool := setupRepo(t)
	pub, post := seedScheduled(t, repo)
	ctx := context.Background()

	// Simulate a crash after the remote send: message id persisted, row
	// returned to the queue by the sweep.
	_, err := repo.Claim(ctx, pub.ID, "worker-a")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `UPDATE publications SET telegram_message_id = '555' WHERE id = $1`, pub.ID)
	require.NoError(t, err)

	require.NoError(t, repo.CompleteAlreadySent(ctx, pub.ID, post.ID))

	got, err := repo.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PubSent, got.Status)
	require.NotNil(t, got.MessageID)
	assert.Equal(t, "555", *got.MessageID)
}

func TestCancelPostKeepsTerminalRows(t *testing.T) {
	repo, _ := setupRepo(t)
	pub, post := seedScheduled(t, repo)
	ctx := context.Background()

	_, err := repo.Claim(ctx, pub.ID, "worker-a")
	require.NoError(t, err)
	require.NoError(t, repo.CompleteSent(ctx, pub.ID, post.ID, "1"))

	pub2, err := repo.SchedulePublication(ctx, post.ID, time.Now().UTC().Add(time.Hour), 0)
	require.NoError(t, err)

	require.NoError(t, repo.CancelPost(ctx, post.ID))

	sent, err := repo.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PubSent, sent.Status, "sent history is immutable")

	pending, err := repo.GetPublication(ctx, pub2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PubCanceled, pending.Status)

	gotPost, err := repo.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostCanceled, gotPost.Status)
}

func TestRetryNowResetsBudget(t *testing.T) {
	repo, _ := setupRepo(t)
	pub, post := seedScheduled(t, repo)
	ctx := context.Background()

	_, err := repo.Claim(ctx, pub.ID, "worker-a")
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed(ctx, pub.ID, post.ID, "Bad Request: chat not found"))

	require.NoError(t, repo.RetryPublicationNow(ctx, pub.ID))

	got, err := repo.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PubRetry, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.LastError)
	assert.False(t, got.ReadyAt.After(time.Now().UTC()), "immediately claimable")

	gotPost, err := repo.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostQueued, gotPost.Status)
}

func TestReleaseAfterLoadErrorRetriesBelowCap(t *testing.T) {
	repo, _ := setupRepo(t)
	pub, _ := seedScheduled(t, repo)
	ctx := context.Background()

	_, err := repo.Claim(ctx, pub.ID, "worker-a")
	require.NoError(t, err)

	before := time.Now().UTC()
	require.NoError(t, repo.ReleaseAfterLoadError(ctx, pub.ID, "load failed: connection reset", 30*time.Minute, 5))

	got, err := repo.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PubRetry, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "load failed: connection reset", *got.LastError)
	assert.True(t, got.ReadyAt.After(before.Add(29*time.Minute)))
	assert.Nil(t, got.LockedBy)
}

func TestReleaseAfterLoadErrorFailsAtCap(t *testing.T) {
	repo, pool := setupRepo(t)
	pub, post := seedScheduled(t, repo)
	ctx := context.Background()

	_, err := repo.Claim(ctx, pub.ID, "worker-a")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `UPDATE publications SET attempts = 4 WHERE id = $1`, pub.ID)
	require.NoError(t, err)

	require.NoError(t, repo.ReleaseAfterLoadError(ctx, pub.ID, "load failed: boom", 30*time.Minute, 5))

	got, err := repo.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PubFailed, got.Status)
	assert.Equal(t, 5, got.Attempts)

	gotPost, err := repo.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostFailed, gotPost.Status)
}

func TestReleaseAfterLoadErrorUnknownRow(t *testing.T) {
	repo, _ := setupRepo(t)
	err := repo.ReleaseAfterLoadError(context.Background(), 424242, "load failed: boom", time.Minute, 5)
	assert.ErrorIs(t, err, domain.ErrPublicationNotFound)
}

func TestDueBatchOrder(t *testing.T) {
	repo, _ := setupRepo(t)
	_, post := seedScheduled(t, repo)
	ctx := context.Background()

	now := time.Now().UTC()
	later, err := repo.SchedulePublication(ctx, post.ID, now.Add(-10*time.Second), 0)
	require.NoError(t, err)
	earlier, err := repo.SchedulePublication(ctx, post.ID, now.Add(-20*time.Second), 0)
	require.NoError(t, err)

	ids, err := repo.DueBatch(ctx, 20, 5)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	// seedScheduled's publication is a minute old: first in line.
	assert.Equal(t, earlier.ID, ids[1])
	assert.Equal(t, later.ID, ids[2])
}
