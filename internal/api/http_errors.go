package api

import (
	"errors"
	"net/http"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

// httpStatusForDomainError maps a domain error to an HTTP status. Codes with
// a specific meaning win over their category.
func httpStatusForDomainError(err error) (int, bool) {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr == nil {
		return 0, false
	}

	switch domErr.Code {
	case core.CodeRosterTooSmall:
		return http.StatusPreconditionFailed, true
	case core.CodeInvalidState:
		return http.StatusConflict, true
	}

	switch domErr.Category {
	case core.ErrCatValidation:
		return http.StatusUnprocessableEntity, true
	case core.ErrCatNotFound:
		return http.StatusNotFound, true
	case core.ErrCatConflict:
		return http.StatusConflict, true
	case core.ErrCatForbidden:
		return http.StatusForbidden, true
	case core.ErrCatResource:
		return http.StatusServiceUnavailable, true
	case core.ErrCatTimeout:
		return http.StatusGatewayTimeout, true
	default:
		return http.StatusInternalServerError, true
	}
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// respondDomainError writes err with the status its category maps to.
// Non-domain errors become a 500 without leaking their text.
func (s *Server) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, ok := httpStatusForDomainError(err)
	if !ok {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var domErr *core.DomainError
	errors.As(err, &domErr)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	respondJSON(w, status, ErrorResponse{
		Error:   domErr.Message,
		Code:    domErr.Code,
		Details: domErr.Details,
	})
}
