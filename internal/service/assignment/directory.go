package assignment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/caseflow/internal/model"
	"github.com/jwalitptl/caseflow/internal/repository"
)

// Directory is the doctor lookup the manager depends on.
type Directory interface {
	ActiveDoctors(ctx context.Context, specialtyID string) ([]*model.Doctor, error)
	OpenCaseCount(ctx context.Context, doctorID uuid.UUID) (int, error)
}

// CachedDirectory caches the per-specialty doctor list. Loads always go to
// the store because they change with every assignment.
type CachedDirectory struct {
	repo  repository.DirectoryRepository
	cache *cache.Cache
}

// NewCachedDirectory returns a directory over repo. A non-positive ttl turns
// caching off.
func NewCachedDirectory(repo repository.DirectoryRepository, ttl time.Duration) *CachedDirectory {
	d := &CachedDirectory{repo: repo}
	if ttl > 0 {
		d.cache = cache.New(ttl, 2*ttl)
	}
	return d
}

func (d *CachedDirectory) ActiveDoctors(ctx context.Context, specialtyID string) ([]*model.Doctor, error) {
	key := "specialty:" + specialtyID
	if d.cache != nil {
		if v, ok := d.cache.Get(key); ok {
			return copyDoctors(v.([]*model.Doctor)), nil
		}
	}

	doctors, err := d.repo.ListActiveDoctors(ctx, specialtyID)
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		d.cache.SetDefault(key, copyDoctors(doctors))
	}
	return doctors, nil
}

func (d *CachedDirectory) OpenCaseCount(ctx context.Context, doctorID uuid.UUID) (int, error) {
	return d.repo.OpenCaseCount(ctx, doctorID)
}

// Invalidate drops the cached list for one specialty, or all when empty.
func (d *CachedDirectory) Invalidate(specialtyID string) {
	if d.cache == nil {
		return
	}
	if specialtyID == "" {
		d.cache.Flush()
		return
	}
	d.cache.Delete("specialty:" + specialtyID)
}

func copyDoctors(in []*model.Doctor) []*model.Doctor {
	out := make([]*model.Doctor, len(in))
	for i, d := range in {
		doc := *d
		out[i] = &doc
	}
	return out
}
