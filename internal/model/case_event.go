package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types written to the case audit trail.
const (
	EventCaseDraftCreated       = "CASE_DRAFT_CREATED"
	EventCaseSubmitted          = "CASE_SUBMITTED"
	EventCaseReadyForAssignment = "CASE_READY_FOR_ASSIGNMENT"
	EventCaseAssigned           = "CASE_ASSIGNED"
	EventCaseAccepted           = "CASE_ACCEPTED"
	EventCaseReassigned         = "CASE_REASSIGNED"
	EventCaseCompleted          = "CASE_COMPLETED"
	EventSLABreached            = "SLA_BREACHED"
	EventSLAPaused              = "SLA_PAUSED"
	EventSLAResumed             = "SLA_RESUMED"
	EventDoctorResponseTimeout  = "DOCTOR_RESPONSE_TIMEOUT"
	EventCaseReassignmentFailed = "CASE_REASSIGNMENT_FAILED"
	EventDoctorNotified         = "DOCTOR_NOTIFIED"
	EventAdminNotified          = "ADMIN_NOTIFIED"
	eventStatusPrefix           = "status:"
	eventNotificationPrefix     = "notification:"
)

// StatusEventType is the tag written for every status change.
func StatusEventType(to CaseStatus) string {
	return eventStatusPrefix + string(to)
}

// NotificationEventType tags an event recording an enqueued notification.
func NotificationEventType(template string) string {
	return eventNotificationPrefix + template
}

// ParseStatusEvent returns the target status of a status:* event.
func ParseStatusEvent(eventType string) (CaseStatus, bool) {
	if !strings.HasPrefix(eventType, eventStatusPrefix) {
		return "", false
	}
	return CaseStatus(strings.TrimPrefix(eventType, eventStatusPrefix)), true
}

// CaseEvent is an append-only audit entry; never updated once written.
type CaseEvent struct {
	ID        uuid.UUID `db:"id" json:"id"`
	CaseID    uuid.UUID `db:"case_id" json:"case_id"`
	EventType string    `db:"event_type" json:"event_type"`
	Payload   JSONMap   `db:"payload" json:"payload"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	// Seq orders events written in the same instant.
	Seq int64 `db:"seq" json:"seq"`
}

func NewCaseEvent(caseID uuid.UUID, eventType string, payload JSONMap, at time.Time) *CaseEvent {
	if payload == nil {
		payload = JSONMap{}
	}
	return &CaseEvent{
		ID:        uuid.New(),
		CaseID:    caseID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: at,
	}
}
