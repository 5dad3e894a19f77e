package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/LeventeLantos/lead-sequencer/internal/catalog"
	"github.com/LeventeLantos/lead-sequencer/internal/logging"
	"github.com/LeventeLantos/lead-sequencer/internal/scheduler"
	"github.com/LeventeLantos/lead-sequencer/internal/service"
)

type Handler struct {
	engine   *service.Engine
	sched    *scheduler.Scheduler
	validate *validator.Validate
	log      *slog.Logger
}

// NewHandler wires the HTTP surface. sched may be nil, in which case the
// scheduler endpoints report it as stopped and process-queue runs the
// engine directly.
func NewHandler(engine *service.Engine, s *scheduler.Scheduler) *Handler {
	return &Handler{
		engine:   engine,
		sched:    s,
		validate: newValidator(),
		log:      logging.WithModule("api"),
	}
}

type enrollRequest struct {
	LeadID       string     `json:"leadId" validate:"required"`
	SequenceSlug string     `json:"sequenceSlug" validate:"required"`
	MeetingTime  *time.Time `json:"meetingTime"`
}

type cancelRequest struct {
	LeadID       string `json:"leadId" validate:"required"`
	SequenceSlug string `json:"sequenceSlug"`
	Reason       string `json:"reason" validate:"max=200"`
}

type meetingBookedRequest struct {
	LeadID      string     `json:"leadId" validate:"required"`
	MeetingTime *time.Time `json:"meetingTime" validate:"required"`
}

type leadRequest struct {
	LeadID string `json:"leadId" validate:"required"`
}

type manualSendRequest struct {
	LeadID string `json:"leadId" validate:"required"`
	StepID int64  `json:"stepId" validate:"required,gt=0"`
}

type updateStepRequest struct {
	EmailSubject    *string `json:"emailSubject"`
	EmailBody       *string `json:"emailBody"`
	WhatsAppMessage *string `json:"whatsappMessage"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.schedulerStatus())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	if h.sched != nil {
		h.sched.Start()
	}
	writeJSON(w, http.StatusOK, h.schedulerStatus())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	if h.sched != nil {
		h.sched.Stop()
	}
	writeJSON(w, http.StatusOK, h.schedulerStatus())
}

func (h *Handler) schedulerStatus() scheduler.Status {
	if h.sched == nil {
		return scheduler.Status{}
	}
	return h.sched.Status()
}

func (h *Handler) ListSequences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": h.engine.Sequences()})
}

func (h *Handler) GetSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := h.engine.Sequence(r.PathValue("slug"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seq)
}

func (h *Handler) ListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.engine.Steps(r.PathValue("slug"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": steps})
}

func (h *Handler) Board(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := h.engine.Board(r.Context(), r.PathValue("slug"), q.Get("status"), parseInt(q.Get("limit"), 50))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) SequenceLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := h.engine.SequenceLeads(r.Context(), r.PathValue("slug"), q.Get("status"), parseInt(q.Get("limit"), 50))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) UpdateStep(w http.ResponseWriter, r *http.Request) {
	stepID, err := strconv.ParseInt(r.PathValue("stepId"), 10, 64)
	if err != nil || stepID <= 0 {
		badRequest(w, r, "stepId must be a positive integer")
		return
	}

	var req updateStepRequest
	if err := h.decode(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	step, err := h.engine.UpdateStep(r.Context(), stepID, catalog.StepContent{
		EmailSubject:    req.EmailSubject,
		EmailBody:       req.EmailBody,
		WhatsAppMessage: req.WhatsAppMessage,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := h.decode(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	enr, err := h.engine.Enroll(r.Context(), service.EnrollRequest{
		LeadID:       req.LeadID,
		SequenceSlug: req.SequenceSlug,
		MeetingTime:  req.MeetingTime,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, enr)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := h.decode(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	cancelled, err := h.engine.Cancel(r.Context(), req.LeadID, req.SequenceSlug, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func (h *Handler) MeetingBooked(w http.ResponseWriter, r *http.Request) {
	var req meetingBookedRequest
	if err := h.decode(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	res, err := h.engine.OnMeetingBooked(r.Context(), req.LeadID, *req.MeetingTime)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) NoShow(w http.ResponseWriter, r *http.Request) {
	h.leadEvent(w, r, h.engine.OnNoShow)
}

func (h *Handler) MeetingCompleted(w http.ResponseWriter, r *http.Request) {
	h.leadEvent(w, r, h.engine.OnMeetingCompleted)
}

func (h *Handler) leadEvent(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (service.TransitionResult, error)) {
	var req leadRequest
	if err := h.decode(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	res, err := fn(r.Context(), req.LeadID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ManualSend(w http.ResponseWriter, r *http.Request) {
	var req manualSendRequest
	if err := h.decode(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	rec, err := h.engine.ManualSend(r.Context(), req.LeadID, req.StepID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) LeadStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Status(r.Context(), r.PathValue("leadId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) LeadMessages(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	items, err := h.engine.LeadMessages(r.Context(), r.PathValue("leadId"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ProcessQueue forces a due-check pass. Send failures are counted in the
// report, so the response is 200 unless the pass itself could not run.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	var report service.QueueReport
	pass := func(ctx context.Context) error {
		var err error
		report, err = h.engine.RunPass(ctx)
		return err
	}

	var err error
	if h.sched != nil {
		err = h.sched.RunWith(r.Context(), pass)
	} else {
		err = pass(r.Context())
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.engine.Dashboard(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
