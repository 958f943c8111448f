package model

import (
	"time"

	"github.com/google/uuid"
)

// Assignment binds a case to a doctor for one review period. At most one
// assignment per case has CompletedAt == nil.
type Assignment struct {
	ID                     uuid.UUID  `db:"id" json:"id"`
	CaseID                 uuid.UUID  `db:"case_id" json:"case_id"`
	DoctorID               uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	AssignedAt             time.Time  `db:"assigned_at" json:"assigned_at"`
	AcceptedAt             *time.Time `db:"accepted_at" json:"accepted_at,omitempty"`
	CompletedAt            *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	TimedOutAt             *time.Time `db:"timed_out_at" json:"timed_out_at,omitempty"`
	ReassignedFromDoctorID *uuid.UUID `db:"reassigned_from_doctor_id" json:"reassigned_from_doctor_id,omitempty"`
}

func (a *Assignment) Open() bool {
	return a.CompletedAt == nil
}

func (a *Assignment) Clone() *Assignment {
	if a == nil {
		return nil
	}
	out := *a
	out.AcceptedAt = cloneTime(a.AcceptedAt)
	out.CompletedAt = cloneTime(a.CompletedAt)
	out.TimedOutAt = cloneTime(a.TimedOutAt)
	out.ReassignedFromDoctorID = cloneUUID(a.ReassignedFromDoctorID)
	return &out
}

// Doctor is a reviewer in the directory.
type Doctor struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Email       string    `db:"email" json:"email"`
	SpecialtyID string    `db:"specialty_id" json:"specialty_id"`
	Active      bool      `db:"active" json:"active"`
}

// Contact is what the dispatcher needs to reach a user on any channel.
type Contact struct {
	UserID   uuid.UUID `db:"id" json:"user_id"`
	Name     string    `db:"name" json:"name"`
	Email    string    `db:"email" json:"email"`
	Phone    string    `db:"phone" json:"phone"`
	Language string    `db:"language" json:"language"`
}
