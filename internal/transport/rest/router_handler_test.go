package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telepost/internal/csvimport"
	"telepost/internal/domain"
	"telepost/internal/service"
)

// fakeRepo covers the store paths the handlers exercise; methods the tests
// never reach stay on the embedded nil interface.
type fakeRepo struct {
	domain.Repository
	channels []domain.Channel
	posts    map[int64]domain.Post
	nextID   int64
	rules    []domain.BlacklistRule
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{posts: map[int64]domain.Post{}}
}

func (f *fakeRepo) CreateChannel(_ context.Context, ch *domain.Channel) error {
	ch.ID = int64(len(f.channels) + 1)
	f.channels = append(f.channels, *ch)
	return nil
}

func (f *fakeRepo) ListChannels(context.Context) ([]domain.Channel, error) {
	return f.channels, nil
}

func (f *fakeRepo) GetChannel(_ context.Context, id int64) (domain.Channel, error) {
	for _, ch := range f.channels {
		if ch.ID == id {
			return ch, nil
		}
	}
	return domain.Channel{}, domain.ErrChannelNotFound
}

func (f *fakeRepo) CreatePost(_ context.Context, p *domain.Post) error {
	f.nextID++
	p.ID = f.nextID
	f.posts[p.ID] = *p
	return nil
}

func (f *fakeRepo) GetPost(_ context.Context, id int64) (domain.Post, error) {
	p, ok := f.posts[id]
	if !ok {
		return domain.Post{}, domain.ErrPostNotFound
	}
	return p, nil
}

func (f *fakeRepo) EnabledRules(context.Context) ([]domain.BlacklistRule, error) {
	return f.rules, nil
}

func (f *fakeRepo) CreateRule(_ context.Context, r *domain.BlacklistRule) error {
	r.ID = int64(len(f.rules) + 1)
	f.rules = append(f.rules, *r)
	return nil
}

func (f *fakeRepo) ListRules(context.Context) ([]domain.BlacklistRule, error) {
	return f.rules, nil
}

func (f *fakeRepo) LogAction(context.Context, string, int64, string, map[string]any) error {
	return nil
}

type okVerifier struct{}

func (okVerifier) VerifyAccess(context.Context, string, string) (bool, string) {
	return true, "OK: доступ подтверждён (test)"
}

type denyLimiter struct{ allow bool }

func (d denyLimiter) AllowRequest(context.Context, string, int, time.Duration) (bool, error) {
	return d.allow, nil
}

func newTestServer(t *testing.T, limiter RateLimiter) (*httptest.Server, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	svc := service.New(repo, okVerifier{}, nil)
	h := NewHandler(svc, csvimport.New(repo, svc))
	srv := httptest.NewServer(NewRouter(RouterDeps{
		Handler:   h,
		Limiter:   limiter,
		RateLimit: RateLimitConfig{Limit: 100, Window: time.Minute},
	}))
	t.Cleanup(srv.Close)
	return srv, repo
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestIDHeaderEchoed(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestCreateChannelAndPostFlow(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/api/v1/channels", map[string]any{
		"title": "Новости", "chat_id": "@news", "bot_token": "tok",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/v1/posts", map[string]any{
		"channel_id": 1, "title": "Пост", "body_html": "привет",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "draft", body.Data["status"])
	assert.Equal(t, "ok", body.Data["blacklist_check_status"])
}

func TestGetMissingPostReturns404(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/api/v1/posts/999")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body struct {
		Error struct {
			Code      string `json:"code"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "post.not_found", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestScheduleBlockedPostConflict(t *testing.T) {
	srv, repo := newTestServer(t, nil)
	repo.rules = []domain.BlacklistRule{{Type: domain.RuleWord, Pattern: "казино", IsEnabled: true}}

	postJSON(t, srv.URL+"/api/v1/channels", map[string]any{
		"title": "X", "chat_id": "@x", "bot_token": "tok",
	}).Body.Close()

	resp := postJSON(t, srv.URL+"/api/v1/posts", map[string]any{
		"channel_id": 1, "body_html": "казино тут",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, "blocked posts are stored")

	resp = postJSON(t, srv.URL+"/api/v1/posts/1/schedule", map[string]any{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateRuleValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/api/v1/blacklist", map[string]any{
		"type": "word", "pattern": "спам",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestRateLimitBlocks(t *testing.T) {
	srv, _ := newTestServer(t, denyLimiter{allow: false})
	resp, err := http.Get(srv.URL + "/api/v1/posts")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
