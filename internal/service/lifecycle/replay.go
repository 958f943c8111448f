package lifecycle

import (
	"fmt"

	"github.com/jwalitptl/caseflow/internal/model"
)

// systemEdges are the transitions taken by dedicated operations outside the
// generic table.
var systemEdges = map[model.CaseStatus][]model.CaseStatus{
	model.CaseStatusAssigned:  {model.CaseStatusSLABreach, model.CaseStatusReassigned},
	model.CaseStatusInReview:  {model.CaseStatusSLABreach, model.CaseStatusReassigned},
	model.CaseStatusSLABreach: {model.CaseStatusReassigned},
}

func allowedEdge(from, to model.CaseStatus) bool {
	return from.CanTransition(to) || model.StatusIn(to, systemEdges[from])
}

// ReplayStatus folds the status:* events of one case, oldest first, starting
// from DRAFT. It fails on the first edge that neither the transition table
// nor a system operation allows, or when an event's recorded origin does
// not match the replayed state.
func ReplayStatus(events []*model.CaseEvent) (model.CaseStatus, error) {
	current := model.CaseStatusDraft
	for _, e := range events {
		to, ok := model.ParseStatusEvent(e.EventType)
		if !ok {
			continue
		}
		if !to.Valid() {
			return current, fmt.Errorf("event %s: unknown status %q", e.ID, to)
		}
		if from, ok := e.Payload["from"].(string); ok && model.CaseStatus(from) != current {
			return current, fmt.Errorf("event %s: recorded origin %s, replayed state %s", e.ID, from, current)
		}
		if !allowedEdge(current, to) {
			return current, fmt.Errorf("event %s: illegal edge %s -> %s", e.ID, current, to)
		}
		current = to
	}
	return current, nil
}
