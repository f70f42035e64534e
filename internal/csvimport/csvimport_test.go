package csvimport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telepost/internal/domain"
	"telepost/internal/service"
)

func TestMediaFromURLs(t *testing.T) {
	assert.Equal(t, "[]", mediaFromURLs(""))
	assert.Equal(t, "[]", mediaFromURLs(" | | "))

	got := mediaFromURLs("https://x/a.jpg|https://x/b.jpg")
	items, err := domain.ParseMedia(got)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "photo", items[0].Type)
	assert.Equal(t, "https://x/a.jpg", items[0].URL)
}

func TestParseButtonsCell(t *testing.T) {
	got, err := parseButtonsCell("")
	require.NoError(t, err)
	assert.Equal(t, "[]", got)

	// JSON passes through after a shape check.
	raw := `[{"text":"Открыть","url":"https://x"}]`
	got, err = parseButtonsCell(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = parseButtonsCell(`[{"text":`)
	assert.Error(t, err)

	// Compact form.
	got, err = parseButtonsCell("Открыть|https://x; Ещё|https://y")
	require.NoError(t, err)
	buttons, err := domain.ParseButtons(got)
	require.NoError(t, err)
	require.Len(t, buttons, 2)
	assert.Equal(t, "Ещё", buttons[1].Text)

	_, err = parseButtonsCell("no-url-here")
	assert.Error(t, err)
}

// fakeRepo is an in-memory store covering the paths the importer exercises.
// Unused Repository methods panic via the embedded nil interface.
type fakeRepo struct {
	domain.Repository
	channels []domain.Channel
	posts    []domain.Post
	pubs     []domain.Publication
	actions  []string
}

func (f *fakeRepo) GetChannel(_ context.Context, id int64) (domain.Channel, error) {
	for _, ch := range f.channels {
		if ch.ID == id {
			return ch, nil
		}
	}
	return domain.Channel{}, domain.ErrChannelNotFound
}

func (f *fakeRepo) FindChannelByTitle(_ context.Context, title string) (domain.Channel, error) {
	for _, ch := range f.channels {
		if ch.Title == title {
			return ch, nil
		}
	}
	return domain.Channel{}, domain.ErrChannelNotFound
}

func (f *fakeRepo) CreatePost(_ context.Context, p *domain.Post) error {
	p.ID = int64(len(f.posts) + 1)
	f.posts = append(f.posts, *p)
	return nil
}

func (f *fakeRepo) GetPost(_ context.Context, id int64) (domain.Post, error) {
	for _, p := range f.posts {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Post{}, domain.ErrPostNotFound
}

func (f *fakeRepo) EnabledRules(context.Context) ([]domain.BlacklistRule, error) {
	return nil, nil
}

func (f *fakeRepo) CountPlannedInDay(context.Context, int64, time.Time) (int, error) {
	return len(f.pubs), nil
}

func (f *fakeRepo) SchedulePublication(_ context.Context, postID int64, plannedAt time.Time, _ int) (domain.Publication, error) {
	pub := domain.Publication{ID: int64(len(f.pubs) + 1), PostID: postID, PlannedAt: plannedAt, Status: domain.PubScheduled}
	f.pubs = append(f.pubs, pub)
	return pub, nil
}

func (f *fakeRepo) LogAction(_ context.Context, _ string, _ int64, action string, _ map[string]any) error {
	f.actions = append(f.actions, action)
	return nil
}

type okVerifier struct{}

func (okVerifier) VerifyAccess(context.Context, string, string) (bool, string) { return true, "OK" }

func newTestImporter() (*Importer, *fakeRepo) {
	repo := &fakeRepo{channels: []domain.Channel{{
		ID: 1, Title: "Новости", ChatID: "@news", BotToken: "tok",
		Timezone: "Europe/Moscow", DailyTime: "10:00",
		WindowStart: "08:00", WindowEnd: "22:00",
	}}}
	svc := service.New(repo, okVerifier{}, nil)
	return New(repo, svc), repo
}

func TestImportDraftMode(t *testing.T) {
	im, repo := newTestImporter()

	csvBody := "\uFEFFtitle,body_html,media_urls,buttons,channel_title\n" +
		"Пост раз,<b>тело</b>,https://x/a.jpg|https://x/b.jpg,Открыть|https://x,Новости\n" +
		",текст без названия,,,Новости\n"

	report, err := im.Import(context.Background(), strings.NewReader(csvBody), ModeDraft, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 0, report.Scheduled)
	assert.Empty(t, report.Errors)

	require.Len(t, repo.posts, 2)
	assert.Equal(t, "Пост раз", repo.posts[0].Title)
	assert.Equal(t, "Без названия", repo.posts[1].Title)
	assert.Equal(t, domain.PostDraft, repo.posts[0].Status)

	media, err := domain.ParseMedia(repo.posts[0].Media)
	require.NoError(t, err)
	assert.Len(t, media, 2)

	assert.Contains(t, repo.actions, "import")
}

func TestImportScheduledMode(t *testing.T) {
	im, repo := newTestImporter()

	csvBody := "title,body_html,channel_id\nПост,текст,1\n"
	report, err := im.Import(context.Background(), strings.NewReader(csvBody), ModeScheduled, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Scheduled)
	require.Len(t, repo.pubs, 1)
	assert.Equal(t, domain.PubScheduled, repo.pubs[0].Status)
}

func TestImportScheduledModeHonorsPlannedAt(t *testing.T) {
	im, repo := newTestImporter()

	csvBody := "title,body_html,channel_id,planned_at\n" +
		"Пост,текст,1,2030-06-01 12:30\n"
	report, err := im.Import(context.Background(), strings.NewReader(csvBody), ModeScheduled, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Scheduled)
	require.Len(t, repo.pubs, 1)
	// 12:30 Moscow is 09:30 UTC, inside the 08:00-22:00 window.
	want := time.Date(2030, 6, 1, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, want, repo.pubs[0].PlannedAt)
}

func TestImportRowErrorsDoNotAbort(t *testing.T) {
	im, repo := newTestImporter()

	csvBody := "title,body_html,channel_title\n" +
		"Хороший,текст,Новости\n" +
		"Плохой,текст,Несуществующий\n" +
		"Ещё хороший,текст,Новости\n"

	report, err := im.Import(context.Background(), strings.NewReader(csvBody), ModeDraft, 0)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Created)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 3, report.Errors[0].Row)
	assert.Len(t, repo.posts, 2)
}

func TestImportDefaultChannel(t *testing.T) {
	im, repo := newTestImporter()

	csvBody := "title,body_html\nПост,текст\n"
	report, err := im.Import(context.Background(), strings.NewReader(csvBody), ModeDraft, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, int64(1), repo.posts[0].ChannelID)
}

func TestImportUnknownMode(t *testing.T) {
	im, _ := newTestImporter()
	_, err := im.Import(context.Background(), strings.NewReader("title\n"), "now", 0)
	assert.Error(t, err)
}
