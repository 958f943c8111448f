package model

import (
	"time"

	"github.com/google/uuid"
)

type SLAType string

const (
	SLAStandard72h SLAType = "standard_72h"
	SLAPriority24h SLAType = "priority_24h"
)

// Case is one unit of medical review work.
//
// SLADeadline is set only once payment is confirmed. While SLAPausedAt is
// set the deadline is frozen and SLARemainingSeconds holds the residual
// budget.
type Case struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	ReferenceCode       *string    `db:"reference_code" json:"reference_code,omitempty"`
	PatientID           uuid.UUID  `db:"patient_id" json:"patient_id"`
	SpecialtyID         string     `db:"specialty_id" json:"specialty_id"`
	Language            string     `db:"language" json:"language"`
	ReasonForReview     string     `db:"reason_for_review" json:"reason_for_review"`
	UrgencyFlag         bool       `db:"urgency_flag" json:"urgency_flag"`
	Status              CaseStatus `db:"status" json:"status"`
	SLAType             *SLAType   `db:"sla_type" json:"sla_type,omitempty"`
	SLADeadline         *time.Time `db:"sla_deadline" json:"sla_deadline,omitempty"`
	SLAPausedAt         *time.Time `db:"sla_paused_at" json:"sla_paused_at,omitempty"`
	SLARemainingSeconds *int64     `db:"sla_remaining_seconds" json:"sla_remaining_seconds,omitempty"`
	BreachedAt          *time.Time `db:"breached_at" json:"breached_at,omitempty"`
	BreachHandledAt     *time.Time `db:"breach_handled_at" json:"breach_handled_at,omitempty"`
	CompletedAt         *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

func (c *Case) Paused() bool {
	return c.SLAPausedAt != nil
}

// Overdue reports whether the deadline is at or before now. A paused case is
// never overdue.
func (c *Case) Overdue(now time.Time) bool {
	if c.SLADeadline == nil || c.Paused() {
		return false
	}
	return !c.SLADeadline.After(now)
}

// Clone returns a deep copy so stores can hand out values safely.
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	out := *c
	out.ReferenceCode = cloneString(c.ReferenceCode)
	if c.SLAType != nil {
		t := *c.SLAType
		out.SLAType = &t
	}
	out.SLADeadline = cloneTime(c.SLADeadline)
	out.SLAPausedAt = cloneTime(c.SLAPausedAt)
	if c.SLARemainingSeconds != nil {
		v := *c.SLARemainingSeconds
		out.SLARemainingSeconds = &v
	}
	out.BreachedAt = cloneTime(c.BreachedAt)
	out.BreachHandledAt = cloneTime(c.BreachHandledAt)
	out.CompletedAt = cloneTime(c.CompletedAt)
	return &out
}

// CreateDraftRequest carries the intake data for a new case.
type CreateDraftRequest struct {
	PatientID       uuid.UUID `json:"patient_id" validate:"required"`
	SpecialtyID     string    `json:"specialty_id" validate:"required,max=64"`
	Language        string    `json:"language" validate:"omitempty,max=8"`
	UrgencyFlag     bool      `json:"urgency_flag"`
	ReasonForReview string    `json:"reason_for_review" validate:"max=4000"`
}

// StaleAssignment is a case whose current doctor has not accepted within the
// response timeout.
type StaleAssignment struct {
	Case       *Case
	Assignment *Assignment
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
