package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/caseflow/internal/repository"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
	"github.com/jwalitptl/caseflow/pkg/metrics"
)

// Store implements repository.Store on sqlx. The root Store holds the pool;
// a Store handed to WithTx callbacks holds the transaction.
type Store struct {
	db      *sqlx.DB
	ext     sqlx.ExtContext
	inTx    bool
	metrics *metrics.Metrics
}

// NewStore wraps db. m may be nil.
func NewStore(db *sqlx.DB, m *metrics.Metrics) *Store {
	return &Store{db: db, ext: db, metrics: m}
}

func (s *Store) Cases() repository.CaseRepository {
	return &caseRepository{base: s}
}

func (s *Store) Assignments() repository.AssignmentRepository {
	return &assignmentRepository{base: s}
}

func (s *Store) Events() repository.EventRepository {
	return &eventRepository{base: s}
}

func (s *Store) Notifications() repository.NotificationRepository {
	return &notificationRepository{base: s}
}

func (s *Store) Directory() repository.DirectoryRepository {
	return &directoryRepository{base: s}
}

func (s *Store) Feed() repository.FeedRepository {
	return &feedRepository{base: s}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.StoreUnavailable(err)
	}
	return nil
}

// WithTx executes fn within a transaction
func (s *Store) WithTx(ctx context.Context, fn func(repository.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.wrap("begin", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	txStore := &Store{db: s.db, ext: tx, inTx: true, metrics: s.metrics}
	if err := fn(txStore); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return s.wrap("commit", err)
	}
	return nil
}

// wrap classifies a driver error and records the operation outcome.
// Connection-level failures become StoreUnavailable.
func (s *Store) wrap(op string, err error) error {
	s.observe(op, err)
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return apperrors.StoreUnavailable(fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) observe(op string, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		status = "error"
	}
	s.metrics.DatabaseOperations.WithLabelValues(op, status).Inc()
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		// 08: connection exception, 57P0x: admin shutdown / cannot connect now,
		// 53300: too many connections
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P0") || code == "53300"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
