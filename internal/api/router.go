package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health)

	mux.HandleFunc("GET /api/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /api/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /api/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("GET /api/sequences", h.ListSequences)
	mux.HandleFunc("GET /api/sequences/dashboard", h.Dashboard)
	mux.HandleFunc("GET /api/sequences/{slug}", h.GetSequence)
	mux.HandleFunc("GET /api/sequences/{slug}/steps", h.ListSteps)
	mux.HandleFunc("GET /api/sequences/{slug}/board", h.Board)
	mux.HandleFunc("GET /api/sequences/{slug}/leads", h.SequenceLeads)
	mux.HandleFunc("PUT /api/sequences/steps/{stepId}", h.UpdateStep)

	mux.HandleFunc("POST /api/sequences/enroll", h.Enroll)
	mux.HandleFunc("POST /api/sequences/cancel", h.Cancel)
	mux.HandleFunc("POST /api/sequences/meeting-booked", h.MeetingBooked)
	mux.HandleFunc("POST /api/sequences/no-show", h.NoShow)
	mux.HandleFunc("POST /api/sequences/meeting-completed", h.MeetingCompleted)
	mux.HandleFunc("POST /api/sequences/manual-send", h.ManualSend)
	mux.HandleFunc("POST /api/sequences/process-queue", h.ProcessQueue)

	mux.HandleFunc("GET /api/sequences/lead/{leadId}/status", h.LeadStatus)
	mux.HandleFunc("GET /api/sequences/lead/{leadId}/messages", h.LeadMessages)

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("lead-sequencer"))
	})

	return loggingMiddleware(mux)
}
