package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/moogar0880/problems"

	"github.com/LeventeLantos/lead-sequencer/internal/service"
)

const problemContentType = "application/problem+json"

func writeProblem(w http.ResponseWriter, p *problems.Problem) {
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, problems.NewStatusProblem(http.StatusBadRequest).
		WithInstance(r.URL.Path).
		WithType("validation_error").
		WithDetail(detail))
}

// writeError maps service errors onto problem documents. Anything the
// service does not classify is a 500 with the cause kept out of the body.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status int
		kind   string
	)
	switch {
	case errors.Is(err, service.ErrValidation):
		status, kind = http.StatusBadRequest, "validation_error"
	case errors.Is(err, service.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrConcurrencyConflict):
		status, kind = http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, service.ErrConflict):
		status, kind = http.StatusConflict, "conflict"
	case errors.Is(err, service.ErrTransport):
		status, kind = http.StatusBadGateway, "transport_failure"
	default:
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeProblem(w, problems.NewStatusProblem(http.StatusInternalServerError).
			WithInstance(r.URL.Path).
			WithType("internal_error").
			WithDetail("internal error"))
		return
	}

	writeProblem(w, problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(kind).
		WithDetail(err.Error()))
}
