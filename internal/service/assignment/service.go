package assignment

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/jwalitptl/caseflow/internal/model"
	"github.com/jwalitptl/caseflow/pkg/logger"
)

type Manager struct {
	dir Directory
	log *logger.Logger
}

func NewManager(dir Directory, log *logger.Logger) *Manager {
	return &Manager{dir: dir, log: log}
}

type candidate struct {
	doctor *model.Doctor
	load   int
}

// PickDoctor returns the active doctor in the specialty with the fewest open
// cases, skipping any id in exclude. Ties go to the lower name, then id.
// A nil doctor with a nil error means nobody is eligible; callers escalate.
func (m *Manager) PickDoctor(ctx context.Context, specialtyID string, exclude ...uuid.UUID) (*model.Doctor, error) {
	doctors, err := m.dir.ActiveDoctors(ctx, specialtyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list doctors: %w", err)
	}

	skip := make(map[uuid.UUID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	candidates := make([]candidate, 0, len(doctors))
	for _, d := range doctors {
		if !d.Active {
			continue
		}
		if _, ok := skip[d.ID]; ok {
			continue
		}
		load, err := m.dir.OpenCaseCount(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to count open cases: %w", err)
		}
		candidates = append(candidates, candidate{doctor: d, load: load})
	}

	if len(candidates) == 0 {
		m.log.Debug("no eligible doctor", "specialty_id", specialtyID, "excluded", len(exclude))
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.load != b.load {
			return a.load < b.load
		}
		if a.doctor.Name != b.doctor.Name {
			return a.doctor.Name < b.doctor.Name
		}
		return a.doctor.ID.String() < b.doctor.ID.String()
	})

	picked := candidates[0]
	m.log.Debug("doctor picked", "specialty_id", specialtyID, "doctor_id", picked.doctor.ID.String(), "load", picked.load)
	return picked.doctor, nil
}
