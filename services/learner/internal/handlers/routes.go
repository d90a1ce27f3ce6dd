package handlers

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/coursecraft/internal/platform/auth"
	"github.com/example/coursecraft/internal/platform/httpserver"
	"github.com/example/coursecraft/services/learner/internal/catalog"
	"github.com/example/coursecraft/services/learner/internal/progress"
)

// Scheduler is what the routes need from the session scheduler.
type Scheduler interface {
	SessionService
	auth.SessionSource
	TokenSource
}

type Deps struct {
	Progress *progress.Store
	Session  Scheduler
	// Syncer is nil when no catalog is configured.
	Syncer *catalog.Syncer
	Log    *zap.Logger
}

// Register mounts the learner API on r. SetupRouter must have run first.
func Register(r chi.Router, d Deps) {
	ps := d.Progress

	r.Route("/v1/progress", func(r chi.Router) {
		r.Get("/", ListProgress(ps))
		r.Route("/{courseID}", func(r chi.Router) {
			r.Get("/", GetProgress(ps))
			r.Put("/", PutProgress(ps))
			r.Delete("/", DeleteProgress(ps))
			r.Get("/completion", Completion(ps))
			r.Post("/videos/{index}/complete", MarkVideo(ps, progress.ChangeCompleted))
			r.Post("/videos/{index}/watch", MarkVideo(ps, progress.ChangeWatched))
			r.With(auth.RequireUser(d.Session, httpserver.RequestIDFromContext)).
				Post("/sync", SyncProgress(ps, d.Syncer, d.Session, d.Log))
		})
	})

	r.Route("/v1/session", func(r chi.Router) {
		r.Get("/", GetSession(d.Session))
		r.Post("/refresh", RefreshSession(d.Session))
		r.Post("/signout", SignOut(d.Session))
		r.Post("/login", SignIn(d.Session))
		r.Put("/login-prompt", SetLoginPrompt(d.Session))
	})
}
