package cases

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/caseflow/internal/model"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
	"github.com/jwalitptl/caseflow/pkg/httputil"
)

// Service is the slice of the lifecycle service exposed over HTTP.
type Service interface {
	CreateDraft(ctx context.Context, req model.CreateDraftRequest) (*model.Case, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Case, error)
	Events(ctx context.Context, id uuid.UUID) ([]*model.CaseEvent, error)
	Assignments(ctx context.Context, id uuid.UUID) ([]*model.Assignment, error)
	Submit(ctx context.Context, id uuid.UUID) (*model.Case, error)
	MarkPaid(ctx context.Context, id uuid.UUID, slaType string) (*model.Case, error)
	AssignDoctor(ctx context.Context, id, doctorID uuid.UUID, replacedDoctorID *uuid.UUID) (*model.Case, error)
	ReassignCase(ctx context.Context, id uuid.UUID, newDoctorID *uuid.UUID, reason string) (*model.Case, error)
	Transition(ctx context.Context, id uuid.UUID, rawStatus, reason string) (*model.Case, error)
	AcceptAssignment(ctx context.Context, id, doctorID uuid.UUID) (*model.Case, error)
	PauseSLA(ctx context.Context, id uuid.UUID, reason string) (*model.Case, error)
	ResumeSLA(ctx context.Context, id uuid.UUID, reason string) (*model.Case, error)
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	cases := r.Group("/cases")
	{
		cases.POST("", h.CreateCase)
		cases.GET("/:id", h.GetCase)
		cases.GET("/:id/events", h.ListEvents)
		cases.GET("/:id/assignments", h.ListAssignments)
		cases.POST("/:id/submit", h.Submit)
		cases.POST("/:id/payment", h.MarkPaid)
		cases.POST("/:id/assign", h.Assign)
		cases.POST("/:id/reassign", h.Reassign)
		cases.POST("/:id/status", h.Transition)
		cases.POST("/:id/accept", h.Accept)
		cases.POST("/:id/sla/pause", h.PauseSLA)
		cases.POST("/:id/sla/resume", h.ResumeSLA)
	}
}

type createCaseRequest struct {
	PatientID       string `json:"patient_id" binding:"required"`
	SpecialtyID     string `json:"specialty_id" binding:"required"`
	Language        string `json:"language"`
	UrgencyFlag     bool   `json:"urgency_flag"`
	ReasonForReview string `json:"reason_for_review"`
}

type paymentRequest struct {
	SLAType string `json:"sla_type"`
}

type assignRequest struct {
	DoctorID         string `json:"doctor_id" binding:"required"`
	ReplacedDoctorID string `json:"replaced_doctor_id"`
}

type reassignRequest struct {
	DoctorID string `json:"doctor_id"`
	Reason   string `json:"reason" binding:"required"`
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

type acceptRequest struct {
	DoctorID string `json:"doctor_id" binding:"required"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CreateCase(c *gin.Context) {
	var req createCaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid request body", err))
		return
	}

	patientID, ok := bodyID(c, "patient_id", req.PatientID)
	if !ok {
		return
	}

	created, err := h.service.CreateDraft(c.Request.Context(), model.CreateDraftRequest{
		PatientID:       patientID,
		SpecialtyID:     req.SpecialtyID,
		Language:        req.Language,
		UrgencyFlag:     req.UrgencyFlag,
		ReasonForReview: req.ReasonForReview,
	})
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusCreated, created)
}

func (h *Handler) GetCase(c *gin.Context) {
	id, ok := caseID(c)
	if !ok {
		return
	}
	found, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, found)
}

func (h *Handler) ListEvents(c *gin.Context) {
	id, ok := caseID(c)
	if !ok {
		return
	}
	events, err := h.service.Events(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, events)
}

func (h *Handler) ListAssignments(c *gin.Context) {
	id, ok := caseID(c)
	if !ok {
		return
	}
	assignments, err := h.service.Assignments(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, http.StatusOK, assignments)
}

func (h *Handler) Submit(c *gin.Context) {
	id, ok := caseID(c)
	if !ok {
		return
	}
	h.respond(c)(h.service.Submit(c.Request.Context(), id))
}

func (h *Handler) MarkPaid(c *gin.Context) {
	id, ok := caseID(c)
	if !ok {
		return
	}
	var req paymentRequest
	if !bindOptional(c, &req) {
		return
	}
	h.respond(c)(h.service.MarkPaid(c.Request.Context(), id, req.SLAType))
}

func (h *Handler) Assign(c *gin.Context) {
	id, ok := caseID(c)
	if !ok {
		return
	}
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid request body", err))
		return
	}
	doctor, ok := bodyID(c, "doctor_id", req.DoctorID)
	if !ok {
		return
	}
	var replaced *uuid.UUID
	if req.ReplacedDoctorID != "" {
		r, ok := bodyID(c, "replaced_doctor_id", req.ReplacedDoctorID)
		if !ok {
			return
		}
		replaced = &r
	}
	h.respond(c)(h.service.AssignDoctor(c.Request.Context(), id, doctor, replaced))
}

func (h *Handler) Reassign(c *gin.Context) {
	id, ok := caseID(c)
	if !ok {
		return
	}
	var req reassignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid request body", err))
		return
	}
	var doctor *uuid.UUID
	if req.DoctorID != "" {
		d, ok := bodyID(c, "doctor_id", req.DoctorID)
		if !ok {
			return
		}
		doctor = &d
	}
	h.respond(c)(h.service.ReassignCase(c.Request.Context(), id, doctor, req.Reason))
}

func (h *Handler) Transition(c *gin.Context) {
	id, ok := caseID(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid request body", err))
		return
	}
	h.respond(c)(h.service.Transition(c.Request.Context(), id, req.Status, req.Reason))
}

func (h *Handler) Accept(c *gin.Context) {
	id, ok := caseID(c)
	if !ok {
		return
	}
	var req acceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid request body", err))
		return
	}
	doctor, ok := bodyID(c, "doctor_id", req.DoctorID)
	if !ok {
		return
	}
	h.respond(c)(h.service.AcceptAssignment(c.Request.Context(), id, doctor))
}

func (h *Handler) PauseSLA(c *gin.Context) {
	id, ok := caseID(c)
	if !ok {
		return
	}
	var req reasonRequest
	if !bindOptional(c, &req) {
		return
	}
	h.respond(c)(h.service.PauseSLA(c.Request.Context(), id, req.Reason))
}

func (h *Handler) ResumeSLA(c *gin.Context) {
	id, ok := caseID(c)
	if !ok {
		return
	}
	var req reasonRequest
	if !bindOptional(c, &req) {
		return
	}
	h.respond(c)(h.service.ResumeSLA(c.Request.Context(), id, req.Reason))
}

func (h *Handler) respond(c *gin.Context) func(*model.Case, error) {
	return func(updated *model.Case, err error) {
		if err != nil {
			httputil.RespondWithError(c, err)
			return
		}
		httputil.RespondWithSuccess(c, http.StatusOK, updated)
	}
}

func caseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid case ID", err))
		return uuid.Nil, false
	}
	return id, true
}

func bodyID(c *gin.Context, field, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid "+field, err))
		return uuid.Nil, false
	}
	return id, true
}

// bindOptional accepts an empty body.
func bindOptional(c *gin.Context, req interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid request body", err))
		return false
	}
	return true
}
