package model

import (
	"time"

	"github.com/google/uuid"
)

type NotificationStatus string

const (
	NotificationStatusQueued  NotificationStatus = "queued"
	NotificationStatusRetry   NotificationStatus = "retry"
	NotificationStatusSending NotificationStatus = "sending"
	NotificationStatusSent    NotificationStatus = "sent"
	NotificationStatusFailed  NotificationStatus = "failed"
	NotificationStatusSeen    NotificationStatus = "seen"
)

// Deliverable reports whether the worker may pick the row up.
func (s NotificationStatus) Deliverable() bool {
	return s == NotificationStatusQueued || s == NotificationStatusRetry
}

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelInternal Channel = "internal"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelInternal:
		return true
	}
	return false
}

// Template names emitted by the lifecycle engine.
const (
	TemplatePaymentConfirmation = "payment_confirmation"
	TemplateCaseAssigned        = "case_assigned"
	TemplateCaseReassigned      = "case_reassigned"
	TemplateSLABreach           = "sla_breach"
	TemplateReassignmentFailed  = "reassignment_failed"
	TemplateResponseTimeout     = "doctor_response_timeout"
	TemplateFilesRejected       = "files_rejected"
	TemplateCaseCompleted       = "case_completed"
)

// Notification is one unit of outbound delivery work. Rows are never deleted.
type Notification struct {
	ID          uuid.UUID          `db:"id" json:"id"`
	CaseID      *uuid.UUID         `db:"case_id" json:"case_id,omitempty"`
	RecipientID uuid.UUID          `db:"recipient_id" json:"recipient_id"`
	Channel     Channel            `db:"channel" json:"channel"`
	Template    string             `db:"template" json:"template"`
	Language    string             `db:"language" json:"language"`
	Variables   JSONMap            `db:"variables" json:"variables"`
	Status      NotificationStatus `db:"status" json:"status"`
	Response    *string            `db:"response" json:"response,omitempty"`
	Attempts    int                `db:"attempts" json:"attempts"`
	RetryAfter  *time.Time         `db:"retry_after" json:"retry_after,omitempty"`
	DedupeKey   *string            `db:"dedupe_key" json:"dedupe_key,omitempty"`
	ClaimedBy   *string            `db:"claimed_by" json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time         `db:"claimed_at" json:"claimed_at,omitempty"`
	SentAt      *time.Time         `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt   time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time          `db:"updated_at" json:"updated_at"`
}

func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	out := *n
	out.CaseID = cloneUUID(n.CaseID)
	out.Variables = n.Variables.Clone()
	out.Response = cloneString(n.Response)
	out.RetryAfter = cloneTime(n.RetryAfter)
	out.DedupeKey = cloneString(n.DedupeKey)
	out.ClaimedBy = cloneString(n.ClaimedBy)
	out.ClaimedAt = cloneTime(n.ClaimedAt)
	out.SentAt = cloneTime(n.SentAt)
	return &out
}

// NotificationRequest is what producers hand to the dispatcher.
type NotificationRequest struct {
	CaseID      *uuid.UUID `json:"case_id,omitempty"`
	RecipientID uuid.UUID  `json:"recipient_id"`
	Channel     Channel    `json:"channel" validate:"required,oneof=email sms internal"`
	Template    string     `json:"template" validate:"required,max=128"`
	Language    string     `json:"language" validate:"omitempty,max=8"`
	Variables   JSONMap    `json:"variables,omitempty"`
	DedupeKey   string     `json:"dedupe_key,omitempty" validate:"max=255"`
}

type EnqueueOutcome string

const (
	EnqueueQueued   EnqueueOutcome = "queued"
	EnqueueDeduped  EnqueueOutcome = "deduped"
	EnqueueRejected EnqueueOutcome = "rejected"
)

// EnqueueResult reports what enqueue did. Recoverable outcomes are values,
// not errors.
type EnqueueResult struct {
	Outcome        EnqueueOutcome `json:"outcome"`
	NotificationID *uuid.UUID     `json:"notification_id,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

func (r EnqueueResult) Queued() bool {
	return r.Outcome == EnqueueQueued
}

// DeliveryOutcome is the result of one attempt, recorded on the row.
type DeliveryOutcome struct {
	Sent       bool
	Response   string
	Attempts   int
	Status     NotificationStatus
	RetryAfter *time.Time
}

// FeedItem is a row in a user's in-app feed.
type FeedItem struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	UserID         uuid.UUID  `db:"user_id" json:"user_id"`
	NotificationID *uuid.UUID `db:"notification_id" json:"notification_id,omitempty"`
	Template       string     `db:"template" json:"template"`
	Title          string     `db:"title" json:"title"`
	Body           string     `db:"body" json:"body"`
	Payload        JSONMap    `db:"payload" json:"payload"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	SeenAt         *time.Time `db:"seen_at" json:"seen_at,omitempty"`
}
