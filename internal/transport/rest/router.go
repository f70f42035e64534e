package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterDeps struct {
	Handler   *Handler
	Limiter   RateLimiter // nil disables rate limiting
	RateLimit RateLimitConfig
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(HTTPLogger)

	// Panic recovery
	r.Use(middleware.Recoverer)

	// Cross-cutting
	if d.Limiter != nil {
		r.Use(RateLimitMiddleware(d.Limiter, d.RateLimit))
	}
	r.Use(SecurityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		// channels
		r.Post("/channels", d.Handler.CreateChannel)
		r.Get("/channels", d.Handler.ListChannels)

		// posts
		r.Post("/posts", d.Handler.CreatePost)
		r.Get("/posts", d.Handler.ListPosts)
		r.Get("/posts/{postID}", d.Handler.GetPost)
		r.Put("/posts/{postID}", d.Handler.UpdatePost)
		r.Post("/posts/{postID}/schedule", d.Handler.SchedulePost)
		r.Post("/posts/{postID}/cancel", d.Handler.CancelPost)
		r.Post("/posts/{postID}/duplicate", d.Handler.DuplicatePost)

		// publications
		r.Get("/publications", d.Handler.ListPublications)
		r.Post("/publications/{pubID}/reschedule", d.Handler.ReschedulePublication)
		r.Post("/publications/{pubID}/retry-now", d.Handler.RetryPublicationNow)

		// reports
		r.Get("/reports/errors", d.Handler.ErrorReport)

		// blacklist
		r.Post("/blacklist", d.Handler.CreateRule)
		r.Get("/blacklist", d.Handler.ListRules)

		// bulk import
		r.Post("/import", d.Handler.ImportPosts)
	})

	return r
}
