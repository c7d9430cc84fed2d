// Package httpapi is the thin controller layer: it parses and validates
// at the boundary, delegates to the dispatcher/syncer/store, and renders
// {status:"success"|"error"} envelopes.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/courier/internal/domain"
	"github.com/SirClappington/courier/internal/schedule"
	"github.com/SirClappington/courier/internal/syncer"
)

// ContactStore is the slice of the metadata store the contact
// controller needs.
type ContactStore interface {
	ListContacts(ctx context.Context, tenant, search string, page, limit int) ([]domain.Contact, int, error)
	UpsertFile(ctx context.Context, f domain.StoredFile) error
}

// StorageConfig configures the storage surface.
type StorageConfig struct {
	DataDir string
	Secret  string
}

type Server struct {
	schedules *schedule.Dispatcher
	syncer    *syncer.Syncer
	store     ContactStore
	storage   StorageConfig
	log       *zap.Logger
}

func NewServer(schedules *schedule.Dispatcher, sync *syncer.Syncer, store ContactStore, storage StorageConfig, log *zap.Logger) *Server {
	return &Server{
		schedules: schedules,
		syncer:    sync,
		store:     store,
		storage:   storage,
		log:       log,
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.respond(w, http.StatusOK, map[string]string{"state": "ok"})
	})

	r.Route("/api/{session}", func(r chi.Router) {
		r.Post("/schedule", s.createSchedule)
		r.Get("/schedule", s.listSchedules)
		r.Get("/schedule/{id}", s.getSchedule)
		r.Put("/schedule/{id}", s.updateSchedule)
		r.Post("/schedule/{id}/cancel", s.cancelSchedule)
		r.Delete("/schedule/{id}", s.deleteSchedule)

		r.Get("/contacts", s.listContacts)
		r.Post("/sync", s.syncTenant)
	})

	r.Route("/storage", func(r chi.Router) {
		r.Use(s.requireStorageKey)
		r.Post("/upload", s.uploadFile)
		r.Get("/files", s.listFiles)
		r.Get("/files/*", s.getFile)
		r.Delete("/files/*", s.deleteFile)
	})

	return r
}

func tenantParam(r *http.Request) string {
	return chi.URLParam(r, "session")
}
