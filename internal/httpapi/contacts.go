package httpapi

import (
	"net/http"
	"strconv"
)

func (s *Server) listContacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	contacts, total, err := s.store.ListContacts(r.Context(), tenantParam(r), q.Get("search"), page, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"page":       page,
		"limit":      limit,
		"total":      total,
		"totalPages": (total + limit - 1) / limit,
		"data":       contacts,
	})
}

func (s *Server) syncTenant(w http.ResponseWriter, r *http.Request) {
	res, err := s.syncer.SyncTenant(r.Context(), tenantParam(r))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}
