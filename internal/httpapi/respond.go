package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/SirClappington/courier/internal/domain"
)

type successBody struct {
	Status   string `json:"status"`
	Response any    `json:"response,omitempty"`
}

type errorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) respond(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(successBody{Status: "success", Response: payload}); err != nil {
		s.log.Warn("response write failed", zap.Error(err))
	}
}

// respondErr maps the error taxonomy onto HTTP statuses. Unclassified
// errors are logged and reported as a bare 500 so internals never leak.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	msg := "internal server error"
	switch {
	case domain.IsValidation(err):
		code = http.StatusBadRequest
		msg = err.Error()
	case domain.IsConflict(err):
		code = http.StatusConflict
		msg = err.Error()
	case domain.IsNotFound(err):
		code = http.StatusNotFound
		msg = err.Error()
	default:
		s.log.Error("request failed", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{Status: "error", Message: msg})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.Validationf("malformed request body: %v", err)
	}
	return nil
}
