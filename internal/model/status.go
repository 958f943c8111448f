package model

import (
	"fmt"
	"strings"
)

type CaseStatus string

const (
	CaseStatusDraft         CaseStatus = "DRAFT"
	CaseStatusSubmitted     CaseStatus = "SUBMITTED"
	CaseStatusPaid          CaseStatus = "PAID"
	CaseStatusAssigned      CaseStatus = "ASSIGNED"
	CaseStatusInReview      CaseStatus = "IN_REVIEW"
	CaseStatusRejectedFiles CaseStatus = "REJECTED_FILES"
	CaseStatusCompleted     CaseStatus = "COMPLETED"
	CaseStatusSLABreach     CaseStatus = "SLA_BREACH"
	CaseStatusReassigned    CaseStatus = "REASSIGNED"
)

// AllCaseStatuses lists every status in lifecycle order.
var AllCaseStatuses = []CaseStatus{
	CaseStatusDraft,
	CaseStatusSubmitted,
	CaseStatusPaid,
	CaseStatusAssigned,
	CaseStatusInReview,
	CaseStatusRejectedFiles,
	CaseStatusCompleted,
	CaseStatusSLABreach,
	CaseStatusReassigned,
}

// transitions is the generic forward table. SLA_BREACH is entered only
// through the breach operation.
var transitions = map[CaseStatus][]CaseStatus{
	CaseStatusDraft:         {CaseStatusSubmitted},
	CaseStatusSubmitted:     {CaseStatusPaid},
	CaseStatusPaid:          {CaseStatusAssigned},
	CaseStatusAssigned:      {CaseStatusInReview, CaseStatusRejectedFiles, CaseStatusReassigned},
	CaseStatusInReview:      {CaseStatusCompleted, CaseStatusRejectedFiles},
	CaseStatusRejectedFiles: {CaseStatusAssigned, CaseStatusInReview},
	CaseStatusSLABreach:     {CaseStatusReassigned},
	CaseStatusReassigned:    {CaseStatusAssigned, CaseStatusInReview},
	CaseStatusCompleted:     {},
}

// BreachableStatuses may move to SLA_BREACH via the breach operation.
var BreachableStatuses = []CaseStatus{CaseStatusAssigned, CaseStatusInReview}

// ReassignableStatuses may move to REASSIGNED via the reassign operation.
var ReassignableStatuses = []CaseStatus{CaseStatusAssigned, CaseStatusInReview, CaseStatusSLABreach}

// SweepActiveStatuses are the statuses the SLA sweeper watches for deadline
// breaches.
var SweepActiveStatuses = []CaseStatus{CaseStatusAssigned, CaseStatusInReview}

// LoadStatuses count towards a doctor's open-case load.
var LoadStatuses = []CaseStatus{
	CaseStatusAssigned,
	CaseStatusInReview,
	CaseStatusRejectedFiles,
	CaseStatusSLABreach,
	CaseStatusReassigned,
}

func (s CaseStatus) String() string {
	return string(s)
}

func (s CaseStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s CaseStatus) Terminal() bool {
	return s == CaseStatusCompleted
}

// CanTransition reports whether to is a generic table edge from s.
func (s CaseStatus) CanTransition(to CaseStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses returns a copy of the allowed generic next states.
func (s CaseStatus) NextStatuses() []CaseStatus {
	next := transitions[s]
	out := make([]CaseStatus, len(next))
	copy(out, next)
	return out
}

func StatusIn(s CaseStatus, set []CaseStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

var statusAliases = map[string]CaseStatus{
	"NEW":             CaseStatusDraft,
	"CREATED":         CaseStatusDraft,
	"PENDING_PAYMENT": CaseStatusSubmitted,
	"PAYMENT_OK":      CaseStatusPaid,
	"REVIEW":          CaseStatusInReview,
	"INREVIEW":        CaseStatusInReview,
	"REVIEWING":       CaseStatusInReview,
	"REJECTED":        CaseStatusRejectedFiles,
	"FILES_REJECTED":  CaseStatusRejectedFiles,
	"MISSING_FILES":   CaseStatusRejectedFiles,
	"COMPLETE":        CaseStatusCompleted,
	"DONE":            CaseStatusCompleted,
	"BREACHED":        CaseStatusSLABreach,
	"SLA_BREACHED":    CaseStatusSLABreach,
	"BREACH":          CaseStatusSLABreach,
	"REASSIGN":        CaseStatusReassigned,
}

// NormalizeStatus maps an external spelling ("in-review", "In Review",
// " sla breach ") onto the canonical enum.
func NormalizeStatus(raw string) (CaseStatus, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '.', '/':
			return '_'
		}
		return r
	}, s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	s = strings.Trim(s, "_")

	if st := CaseStatus(s); st.Valid() {
		return st, nil
	}
	if st, ok := statusAliases[s]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown case status %q", raw)
}
