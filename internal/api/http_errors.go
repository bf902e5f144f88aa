package api

import (
	"errors"
	"net/http"

	"github.com/hugo-lorenzo-mato/gradient/internal/core"
	"github.com/hugo-lorenzo-mato/gradient/internal/service"
)

func httpStatusForDomainError(err error) (int, bool) {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr == nil {
		return 0, false
	}

	switch domErr.Category {
	case core.ErrCatValidation:
		return http.StatusUnprocessableEntity, true
	case core.ErrCatNotFound:
		return http.StatusNotFound, true
	case core.ErrCatConflict:
		return http.StatusConflict, true
	case core.ErrCatState:
		if domErr.Code == core.CodeLedgerHalted {
			return http.StatusLocked, true
		}
		return http.StatusInternalServerError, true
	default:
		return http.StatusInternalServerError, true
	}
}

// respondDomainError maps err onto a status code and a JSON body. Exhausted
// conflict retries are reported as 409 so callers retry.
func (s *Server) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, ok := httpStatusForDomainError(err)
	if service.IsRetryExhausted(err) {
		status, ok = http.StatusConflict, true
	}
	if !ok {
		status = http.StatusInternalServerError
	}

	body := errorResponse{Error: s.logger.Sanitize(err.Error()), Code: core.GetCode(err)}
	var domErr *core.DomainError
	if errors.As(err, &domErr) {
		body.Error = domErr.Message
		body.Details = domErr.Details
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
	}
	s.respondJSON(w, status, body)
}
