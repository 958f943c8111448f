// Package memory is an in-process repository.Store. It backs the service
// and worker tests and the "memory" database driver for local dry runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/caseflow/internal/model"
	"github.com/jwalitptl/caseflow/internal/repository"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
)

type data struct {
	cases         map[uuid.UUID]*model.Case
	assignments   map[uuid.UUID]*model.Assignment
	events        []*model.CaseEvent
	notifications map[uuid.UUID]*model.Notification
	dedupe        map[string]uuid.UUID
	doctors       map[uuid.UUID]*model.Doctor
	contacts      map[uuid.UUID]*model.Contact
	feed          []*model.FeedItem
	seq           int64
}

func newData() *data {
	return &data{
		cases:         map[uuid.UUID]*model.Case{},
		assignments:   map[uuid.UUID]*model.Assignment{},
		notifications: map[uuid.UUID]*model.Notification{},
		dedupe:        map[string]uuid.UUID{},
		doctors:       map[uuid.UUID]*model.Doctor{},
		contacts:      map[uuid.UUID]*model.Contact{},
	}
}

func (d *data) clone() *data {
	out := newData()
	for k, v := range d.cases {
		out.cases[k] = v.Clone()
	}
	for k, v := range d.assignments {
		out.assignments[k] = v.Clone()
	}
	out.events = make([]*model.CaseEvent, len(d.events))
	for i, e := range d.events {
		ev := *e
		ev.Payload = e.Payload.Clone()
		out.events[i] = &ev
	}
	for k, v := range d.notifications {
		out.notifications[k] = v.Clone()
	}
	for k, v := range d.dedupe {
		out.dedupe[k] = v
	}
	for k, v := range d.doctors {
		doc := *v
		out.doctors[k] = &doc
	}
	for k, v := range d.contacts {
		c := *v
		out.contacts[k] = &c
	}
	out.feed = make([]*model.FeedItem, len(d.feed))
	for i, f := range d.feed {
		item := *f
		out.feed[i] = &item
	}
	out.seq = d.seq
	return out
}

type state struct {
	mu          sync.Mutex
	d           *data
	unavailable error
	caseFaults  map[uuid.UUID]error
}

// Store is safe for concurrent use. Transactions are serialised and roll
// back by restoring a snapshot.
type Store struct {
	st   *state
	inTx bool
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{st: &state{d: newData(), caseFaults: map[uuid.UUID]error{}}}
}

// lock takes the store mutex unless the caller already holds it through a
// transaction. It also reports an injected outage.
func (s *Store) lock() (func(), error) {
	unlock := func() {}
	if !s.inTx {
		s.st.mu.Lock()
		unlock = s.st.mu.Unlock
	}
	if s.st.unavailable != nil {
		unlock()
		return func() {}, apperrors.StoreUnavailable(s.st.unavailable)
	}
	return unlock, nil
}

func (s *Store) Cases() repository.CaseRepository                 { return &caseRepo{s} }
func (s *Store) Assignments() repository.AssignmentRepository     { return &assignmentRepo{s} }
func (s *Store) Events() repository.EventRepository               { return &eventRepo{s} }
func (s *Store) Notifications() repository.NotificationRepository { return &notificationRepo{s} }
func (s *Store) Directory() repository.DirectoryRepository        { return &directoryRepo{s} }
func (s *Store) Feed() repository.FeedRepository                  { return &feedRepo{s} }

func (s *Store) Ping(ctx context.Context) error {
	unlock, err := s.lock()
	defer unlock()
	return err
}

func (s *Store) WithTx(ctx context.Context, fn func(repository.Store) error) (err error) {
	if s.inTx {
		return fn(s)
	}

	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	if s.st.unavailable != nil {
		return apperrors.StoreUnavailable(s.st.unavailable)
	}

	snapshot := s.st.d.clone()
	defer func() {
		if p := recover(); p != nil {
			s.st.d = snapshot
			panic(p)
		}
		if err != nil {
			s.st.d = snapshot
		}
	}()

	return fn(&Store{st: s.st, inTx: true})
}

// SetUnavailable makes every operation fail with StoreUnavailable until it
// is called again with nil.
func (s *Store) SetUnavailable(err error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.unavailable = err
}

// FailCaseUpdates makes Cases().Update fail for one case. A nil err clears it.
func (s *Store) FailCaseUpdates(caseID uuid.UUID, err error) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if err == nil {
		delete(s.st.caseFaults, caseID)
		return
	}
	s.st.caseFaults[caseID] = err
}

func (s *Store) AddDoctor(d model.Doctor) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.d.doctors[d.ID] = &d
	if _, ok := s.st.d.contacts[d.ID]; !ok {
		s.st.d.contacts[d.ID] = &model.Contact{UserID: d.ID, Name: d.Name, Email: d.Email, Language: "en"}
	}
}

func (s *Store) AddContact(c model.Contact) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	s.st.d.contacts[c.UserID] = &c
}

type caseRepo struct{ s *Store }

func (r *caseRepo) Create(ctx context.Context, c *model.Case) error {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return err
	}
	if _, ok := r.s.st.d.cases[c.ID]; ok {
		return apperrors.Conflict("case already exists", nil)
	}
	r.s.st.d.cases[c.ID] = c.Clone()
	return nil
}

func (r *caseRepo) Get(ctx context.Context, id uuid.UUID) (*model.Case, error) {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return nil, err
	}
	c, ok := r.s.st.d.cases[id]
	if !ok {
		return nil, apperrors.CaseNotFound(id)
	}
	return c.Clone(), nil
}

func (r *caseRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Case, error) {
	return r.Get(ctx, id)
}

func (r *caseRepo) Update(ctx context.Context, c *model.Case) error {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return err
	}
	if fault, ok := r.s.st.caseFaults[c.ID]; ok {
		return fault
	}
	if _, ok := r.s.st.d.cases[c.ID]; !ok {
		return apperrors.CaseNotFound(c.ID)
	}
	r.s.st.d.cases[c.ID] = c.Clone()
	return nil
}

func (r *caseRepo) ListBreachCandidates(ctx context.Context, now time.Time, limit int) ([]*model.Case, error) {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return nil, err
	}
	var out []*model.Case
	for _, c := range r.s.st.d.cases {
		overdue := model.StatusIn(c.Status, model.SweepActiveStatuses) && c.BreachedAt == nil && c.Overdue(now)
		unhandled := c.Status == model.CaseStatusSLABreach && c.BreachHandledAt == nil
		if overdue || unhandled {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].SLADeadline, out[j].SLADeadline
		switch {
		case a == nil && b == nil:
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return truncate(out, limit), nil
}

func (r *caseRepo) ListStaleAssignments(ctx context.Context, cutoff time.Time, limit int) ([]*model.StaleAssignment, error) {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return nil, err
	}
	var out []*model.StaleAssignment
	for _, a := range r.s.st.d.assignments {
		if !a.Open() || a.AcceptedAt != nil || a.TimedOutAt != nil || a.AssignedAt.After(cutoff) {
			continue
		}
		c, ok := r.s.st.d.cases[a.CaseID]
		if !ok || c.Status != model.CaseStatusAssigned {
			continue
		}
		out = append(out, &model.StaleAssignment{Case: c.Clone(), Assignment: a.Clone()})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Assignment.AssignedAt, out[j].Assignment.AssignedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].Case.ID.String() < out[j].Case.ID.String()
	})
	return truncate(out, limit), nil
}

type assignmentRepo struct{ s *Store }

func (r *assignmentRepo) Create(ctx context.Context, a *model.Assignment) error {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return err
	}
	if a.Open() {
		for _, existing := range r.s.st.d.assignments {
			if existing.CaseID == a.CaseID && existing.Open() {
				return apperrors.Conflict("case already has an open assignment", nil)
			}
		}
	}
	r.s.st.d.assignments[a.ID] = a.Clone()
	return nil
}

func (r *assignmentRepo) GetOpen(ctx context.Context, caseID uuid.UUID) (*model.Assignment, error) {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return nil, err
	}
	for _, a := range r.s.st.d.assignments {
		if a.CaseID == caseID && a.Open() {
			return a.Clone(), nil
		}
	}
	return nil, nil
}

func (r *assignmentRepo) Update(ctx context.Context, a *model.Assignment) error {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return err
	}
	existing, ok := r.s.st.d.assignments[a.ID]
	if !ok {
		return apperrors.NotFound("assignment", nil)
	}
	existing.AcceptedAt = a.Clone().AcceptedAt
	existing.CompletedAt = a.Clone().CompletedAt
	existing.TimedOutAt = a.Clone().TimedOutAt
	return nil
}

func (r *assignmentRepo) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*model.Assignment, error) {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return nil, err
	}
	var out []*model.Assignment
	for _, a := range r.s.st.d.assignments {
		if a.CaseID == caseID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.Before(out[j].AssignedAt)
		}
		// a reassignment made in the same instant closes the older row first
		if out[i].Open() != out[j].Open() {
			return !out[i].Open()
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

type eventRepo struct{ s *Store }

func (r *eventRepo) Append(ctx context.Context, e *model.CaseEvent) error {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return err
	}
	if e.Payload == nil {
		e.Payload = model.JSONMap{}
	}
	r.s.st.d.seq++
	e.Seq = r.s.st.d.seq
	ev := *e
	ev.Payload = e.Payload.Clone()
	r.s.st.d.events = append(r.s.st.d.events, &ev)
	return nil
}

func (r *eventRepo) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*model.CaseEvent, error) {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return nil, err
	}
	var out []*model.CaseEvent
	for _, e := range r.s.st.d.events {
		if e.CaseID == caseID {
			ev := *e
			ev.Payload = e.Payload.Clone()
			out = append(out, &ev)
		}
	}
	return out, nil
}

type notificationRepo struct{ s *Store }

func (r *notificationRepo) Insert(ctx context.Context, n *model.Notification) (bool, error) {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return false, err
	}
	if n.DedupeKey != nil {
		if _, ok := r.s.st.d.dedupe[*n.DedupeKey]; ok {
			return false, nil
		}
		r.s.st.d.dedupe[*n.DedupeKey] = n.ID
	}
	r.s.st.d.notifications[n.ID] = n.Clone()
	return true, nil
}

func (r *notificationRepo) Get(ctx context.Context, id uuid.UUID) (*model.Notification, error) {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return nil, err
	}
	n, ok := r.s.st.d.notifications[id]
	if !ok {
		return nil, apperrors.NotFound("notification", nil)
	}
	return n.Clone(), nil
}

func (r *notificationRepo) GetByDedupeKey(ctx context.Context, key string) (*model.Notification, error) {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return nil, err
	}
	id, ok := r.s.st.d.dedupe[key]
	if !ok {
		return nil, apperrors.NotFound("notification", nil)
	}
	return r.s.st.d.notifications[id].Clone(), nil
}

func (r *notificationRepo) deliverable(now time.Time) []*model.Notification {
	var out []*model.Notification
	for _, n := range r.s.st.d.notifications {
		if n.Status.Deliverable() && (n.RetryAfter == nil || !n.RetryAfter.After(now)) {
			out = append(out, n)
		}
	}
	return out
}

func (r *notificationRepo) Claim(ctx context.Context, workerID string, now, leaseExpiry time.Time, limit int) ([]*model.Notification, error) {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return nil, err
	}
	rows := r.deliverable(now)
	for _, n := range r.s.st.d.notifications {
		if n.Status == model.NotificationStatusSending && n.ClaimedAt != nil && !n.ClaimedAt.After(leaseExpiry) {
			rows = append(rows, n)
		}
	}
	sortNotifications(rows)
	rows = truncate(rows, limit)

	out := make([]*model.Notification, 0, len(rows))
	for _, n := range rows {
		worker := workerID
		claimedAt := now
		n.Status = model.NotificationStatusSending
		n.ClaimedBy = &worker
		n.ClaimedAt = &claimedAt
		n.UpdatedAt = now
		out = append(out, n.Clone())
	}
	return out, nil
}

func (r *notificationRepo) ListDeliverable(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error) {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return nil, err
	}
	rows := r.deliverable(now)
	sortNotifications(rows)
	rows = truncate(rows, limit)
	out := make([]*model.Notification, len(rows))
	for i, n := range rows {
		out[i] = n.Clone()
	}
	return out, nil
}

func (r *notificationRepo) RecordOutcome(ctx context.Context, id uuid.UUID, workerID string, outcome model.DeliveryOutcome, now time.Time) error {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return err
	}
	n, ok := r.s.st.d.notifications[id]
	if !ok || n.Status != model.NotificationStatusSending || n.ClaimedBy == nil || *n.ClaimedBy != workerID {
		return apperrors.Conflict("notification claim lost", nil)
	}
	resp := outcome.Response
	n.Status = outcome.Status
	n.Response = &resp
	n.Attempts = outcome.Attempts
	n.RetryAfter = outcome.RetryAfter
	if outcome.Sent {
		sentAt := now
		n.SentAt = &sentAt
	}
	n.ClaimedBy = nil
	n.ClaimedAt = nil
	n.UpdatedAt = now
	return nil
}

func (r *notificationRepo) MarkSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return err
	}
	n, ok := r.s.st.d.notifications[id]
	if !ok || n.Status != model.NotificationStatusSent {
		return apperrors.Conflict("notification has not been delivered", nil)
	}
	n.Status = model.NotificationStatusSeen
	n.UpdatedAt = at
	return nil
}

func (r *notificationRepo) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*model.Notification, error) {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return nil, err
	}
	var out []*model.Notification
	for _, n := range r.s.st.d.notifications {
		if n.CaseID != nil && *n.CaseID == caseID {
			out = append(out, n.Clone())
		}
	}
	sortNotifications(out)
	return out, nil
}

type directoryRepo struct{ s *Store }

func (r *directoryRepo) ListActiveDoctors(ctx context.Context, specialtyID string) ([]*model.Doctor, error) {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return nil, err
	}
	var out []*model.Doctor
	for _, d := range r.s.st.d.doctors {
		if d.Active && d.SpecialtyID == specialtyID {
			doc := *d
			out = append(out, &doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *directoryRepo) OpenCaseCount(ctx context.Context, doctorID uuid.UUID) (int, error) {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range r.s.st.d.assignments {
		if a.DoctorID != doctorID || !a.Open() {
			continue
		}
		if c, ok := r.s.st.d.cases[a.CaseID]; ok && model.StatusIn(c.Status, model.LoadStatuses) {
			n++
		}
	}
	return n, nil
}

func (r *directoryRepo) GetContact(ctx context.Context, userID uuid.UUID) (*model.Contact, error) {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return nil, err
	}
	c, ok := r.s.st.d.contacts[userID]
	if !ok {
		return nil, apperrors.NotFound("contact", nil)
	}
	out := *c
	return &out, nil
}

type feedRepo struct{ s *Store }

func (r *feedRepo) Insert(ctx context.Context, item *model.FeedItem) error {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return err
	}
	if item.NotificationID != nil {
		for _, f := range r.s.st.d.feed {
			if f.NotificationID != nil && *f.NotificationID == *item.NotificationID {
				return nil
			}
		}
	}
	cp := *item
	r.s.st.d.feed = append(r.s.st.d.feed, &cp)
	return nil
}

func (r *feedRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*model.FeedItem, error) {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return nil, err
	}
	var out []*model.FeedItem
	for i := len(r.s.st.d.feed) - 1; i >= 0; i-- {
		f := r.s.st.d.feed[i]
		if f.UserID == userID {
			cp := *f
			out = append(out, &cp)
		}
	}
	return truncate(out, limit), nil
}

func (r *feedRepo) MarkSeenByNotification(ctx context.Context, notificationID uuid.UUID, at time.Time) error {
	unlock, err := r.s.lock()
	defer unlock()
	if err != nil {
		return err
	}
	for _, f := range r.s.st.d.feed {
		if f.NotificationID != nil && *f.NotificationID == notificationID && f.SeenAt == nil {
			seen := at
			f.SeenAt = &seen
		}
	}
	return nil
}

func sortNotifications(rows []*model.Notification) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID.String() < rows[j].ID.String()
	})
}

func truncate[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
