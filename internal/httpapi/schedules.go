package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SirClappington/courier/internal/domain"
	"github.com/SirClappington/courier/internal/schedule"
)

type scheduleRequest struct {
	Phone       string         `json:"phone"`
	Message     string         `json:"message"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	ScheduledAt *time.Time     `json:"scheduledAt"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	typ, err := domain.ParseMessageType(req.Type)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	in := schedule.CreateInput{
		Phone:   req.Phone,
		Message: req.Message,
		Type:    typ,
		Payload: req.Payload,
	}
	if req.ScheduledAt != nil {
		in.ScheduledAt = *req.ScheduledAt
	}
	rec, err := s.schedules.Create(r.Context(), tenantParam(r), in)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusCreated, rec)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	res, err := s.schedules.List(r.Context(), tenantParam(r), q.Get("status"), page, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"page":       res.Page,
		"limit":      res.Limit,
		"total":      res.Total,
		"totalPages": res.TotalPages,
		"data":       res.Data,
	})
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	rec, err := s.schedules.Get(r.Context(), tenantParam(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, rec)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	in := schedule.UpdateInput{
		Phone:       req.Phone,
		Payload:     req.Payload,
		ScheduledAt: req.ScheduledAt,
	}
	if req.Message != "" {
		in.Message = &req.Message
	}
	if req.Type != "" {
		typ, err := domain.ParseMessageType(req.Type)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		in.Type = typ
	}
	rec, err := s.schedules.Update(r.Context(), tenantParam(r), chi.URLParam(r, "id"), in)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, rec)
}

func (s *Server) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	rec, err := s.schedules.Cancel(r.Context(), tenantParam(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, rec)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.schedules.Delete(r.Context(), tenantParam(r), chi.URLParam(r, "id")); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"id": chi.URLParam(r, "id")})
}
