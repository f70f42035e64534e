package rest

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"telepost/internal/csvimport"
	"telepost/internal/domain"
	appCtx "telepost/internal/pkg/context"
	"telepost/internal/service"
	"telepost/internal/transport/rest/response"
)

type Handler struct {
	svc      *service.Service
	importer *csvimport.Importer
}

func NewHandler(svc *service.Service, importer *csvimport.Importer) *Handler {
	return &Handler{svc: svc, importer: importer}
}

// -------------------------
// Channels
// -------------------------

func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		ChatID      string `json:"chat_id"`
		BotToken    string `json:"bot_token"`
		Timezone    string `json:"timezone"`
		DailyTime   string `json:"daily_time"`
		WindowStart string `json:"allowed_window_start"`
		WindowEnd   string `json:"allowed_window_end"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}

	ch, verifyMsg, err := h.svc.CreateChannel(r.Context(), service.ChannelInput{
		Title:       req.Title,
		ChatID:      req.ChatID,
		BotToken:    req.BotToken,
		Timezone:    req.Timezone,
		DailyTime:   req.DailyTime,
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
	})
	if errors.Is(err, domain.ErrChannelRejected) {
		fail(w, r, http.StatusBadRequest, "channel.rejected", verifyMsg, nil)
		return
	}
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Data(w, http.StatusCreated, map[string]any{
		"channel": channelView(ch),
		"check":   verifyMsg,
	})
}

func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.svc.ListChannels(r.Context())
	if err != nil {
		handleErr(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(channels))
	for _, ch := range channels {
		views = append(views, channelView(ch))
	}
	response.Data(w, http.StatusOK, views)
}

// -------------------------
// Posts
// -------------------------

type postRequest struct {
	ChannelID int64  `json:"channel_id"`
	Title     string `json:"title"`
	BodyHTML  string `json:"body_html"`
	Media     string `json:"media"`
	Buttons   string `json:"buttons"`
	Options   string `json:"options"`
}

func (req postRequest) input() service.PostInput {
	return service.PostInput{
		ChannelID: req.ChannelID,
		Title:     req.Title,
		BodyHTML:  req.BodyHTML,
		Media:     req.Media,
		Buttons:   req.Buttons,
		Options:   req.Options,
	}
}

func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	p, err := h.svc.CreatePost(r.Context(), req.input())
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusCreated, postView(p))
}

func (h *Handler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "postID")
	if !ok {
		return
	}
	var req postRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	p, err := h.svc.UpdatePost(r.Context(), id, req.input())
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, postView(p))
}

func (h *Handler) GetPost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "postID")
	if !ok {
		return
	}
	p, err := h.svc.GetPost(r.Context(), id)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, postView(p))
}

func (h *Handler) ListPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := h.svc.ListPosts(r.Context())
	if err != nil {
		handleErr(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(posts))
	for _, p := range posts {
		views = append(views, postView(p))
	}
	response.Data(w, http.StatusOK, views)
}

func (h *Handler) DuplicatePost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "postID")
	if !ok {
		return
	}
	p, err := h.svc.DuplicatePost(r.Context(), id)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusCreated, postView(p))
}

func (h *Handler) CancelPost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "postID")
	if !ok {
		return
	}
	if err := h.svc.CancelPost(r.Context(), id); err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]string{"msg": "canceled"})
}

func (h *Handler) SchedulePost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "postID")
	if !ok {
		return
	}
	var req struct {
		PlannedAt string `json:"planned_at"` // channel-local, optional
	}
	if r.ContentLength > 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
			return
		}
	}
	pub, err := h.svc.SchedulePost(r.Context(), id, req.PlannedAt)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusCreated, publicationView(pub))
}

// -------------------------
// Publications
// -------------------------

func (h *Handler) ListPublications(w http.ResponseWriter, r *http.Request) {
	pubs, err := h.svc.ListPublications(r.Context())
	if err != nil {
		handleErr(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(pubs))
	for _, pub := range pubs {
		views = append(views, publicationView(pub))
	}
	response.Data(w, http.StatusOK, views)
}

func (h *Handler) ReschedulePublication(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "pubID")
	if !ok {
		return
	}
	var req struct {
		PlannedAt string `json:"planned_at"` // channel-local, required
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if req.PlannedAt == "" {
		fail(w, r, http.StatusBadRequest, "request.invalid", "planned_at is required", nil)
		return
	}
	if err := h.svc.ReschedulePublication(r.Context(), id, req.PlannedAt); err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]string{"msg": "rescheduled"})
}

func (h *Handler) RetryPublicationNow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "pubID")
	if !ok {
		return
	}
	if err := h.svc.RetryPublicationNow(r.Context(), id); err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]string{"msg": "queued"})
}

// -------------------------
// Reports / blacklist / import
// -------------------------

func (h *Handler) ErrorReport(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	counts, err := h.svc.TopErrors(r.Context(), limit)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(counts))
	for _, c := range counts {
		views = append(views, map[string]any{"error": c.LastError, "count": c.Count})
	}
	response.Data(w, http.StatusOK, views)
}

func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type      string `json:"type"`
		Pattern   string `json:"pattern"`
		IsEnabled *bool  `json:"is_enabled"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	enabled := true
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}
	rule, err := h.svc.CreateRule(r.Context(), req.Type, req.Pattern, enabled)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusCreated, ruleView(rule))
}

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.svc.ListRules(r.Context())
	if err != nil {
		handleErr(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(rules))
	for _, rule := range rules {
		views = append(views, ruleView(rule))
	}
	response.Data(w, http.StatusOK, views)
}

// ImportPosts ingests a CSV upload, either a multipart "file" field or the
// raw request body. Query params: mode=draft|scheduled, channel_id for rows
// that name no channel.
func (h *Handler) ImportPosts(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = csvimport.ModeDraft
	}
	var defaultChannelID int64
	if v := r.URL.Query().Get("channel_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			fail(w, r, http.StatusBadRequest, "request.invalid", "invalid channel_id", nil)
			return
		}
		defaultChannelID = id
	}

	body := io.Reader(r.Body)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			fail(w, r, http.StatusBadRequest, "request.invalid", "multipart field 'file' is required", nil)
			return
		}
		defer file.Close()
		body = file
	}

	report, err := h.importer.Import(r.Context(), body, mode, defaultChannelID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, report)
}

// -------------------------
// Helpers
// -------------------------

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid "+name, nil)
		return 0, false
	}
	return id, true
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrChannelNotFound):
		fail(w, r, http.StatusNotFound, "channel.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrPostNotFound):
		fail(w, r, http.StatusNotFound, "post.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrPublicationNotFound):
		fail(w, r, http.StatusNotFound, "publication.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrPostBlocked):
		fail(w, r, http.StatusConflict, "post.blocked", err.Error(), nil)
	default:
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	response.Fail(w, status, code, message, meta, appCtx.GetRequestID(r.Context()))
}

func channelView(ch domain.Channel) map[string]any {
	return map[string]any{
		"id":                   ch.ID,
		"title":                ch.Title,
		"chat_id":              ch.ChatID,
		"timezone":             ch.Timezone,
		"daily_time":           ch.DailyTime,
		"allowed_window_start": ch.WindowStart,
		"allowed_window_end":   ch.WindowEnd,
		"created_at":           naive(ch.CreatedAt),
	}
}

func postView(p domain.Post) map[string]any {
	return map[string]any{
		"id":                     p.ID,
		"channel_id":             p.ChannelID,
		"title":                  p.Title,
		"body_html":              p.BodyHTML,
		"media":                  p.Media,
		"buttons":                p.Buttons,
		"options":                p.Options,
		"blacklist_check_status": p.BlacklistCheckStatus,
		"blacklist_reason":       p.BlacklistReason,
		"status":                 string(p.Status),
		"created_at":             naive(p.CreatedAt),
		"updated_at":             naive(p.UpdatedAt),
	}
}

func publicationView(pub domain.Publication) map[string]any {
	return map[string]any{
		"id":                  pub.ID,
		"post_id":             pub.PostID,
		"planned_at":          naive(pub.PlannedAt),
		"ready_at":            naive(pub.ReadyAt),
		"status":              string(pub.Status),
		"attempts":            pub.Attempts,
		"locked_by":           pub.LockedBy,
		"telegram_message_id": pub.MessageID,
		"sent_at":             naivePtr(pub.SentAt),
		"last_error":          pub.LastError,
	}
}

func ruleView(rule domain.BlacklistRule) map[string]any {
	return map[string]any{
		"id":         rule.ID,
		"type":       string(rule.Type),
		"pattern":    rule.Pattern,
		"is_enabled": rule.IsEnabled,
	}
}

// naive renders store timestamps without a zone suffix; they are UTC by
// convention.
func naive(t time.Time) string {
	return t.Format("2006-01-02T15:04:05")
}

func naivePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := naive(*t)
	return &s
}
