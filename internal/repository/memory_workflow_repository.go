package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pesio-ai/be-ops-return-workflows/internal/errors"
)

// MemoryWorkflowRepository keeps workflow instances in process memory. Instances
// are copied on the way in and out so callers never share state with the store.
type MemoryWorkflowRepository struct {
	mu        sync.RWMutex
	workflows map[string]*WorkflowInstance
}

// NewMemoryWorkflowRepository creates an empty in-memory store.
func NewMemoryWorkflowRepository() *MemoryWorkflowRepository {
	return &MemoryWorkflowRepository{workflows: make(map[string]*WorkflowInstance)}
}

// Create stores a new instance at version 1.
func (r *MemoryWorkflowRepository) Create(ctx context.Context, wf *WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[wf.ID]; exists {
		return errors.New(errors.ErrCodeConflict, fmt.Sprintf("return workflow %s already exists", wf.ID))
	}
	wf.Version = 1
	r.workflows[wf.ID] = wf.Clone()
	return nil
}

// Get returns a copy of the instance.
func (r *MemoryWorkflowRepository) Get(ctx context.Context, id string) (*WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[id]
	if !ok {
		return nil, notFound(id)
	}
	return wf.Clone(), nil
}

// Update replaces the stored instance when its version equals expectedVersion,
// then bumps the version on both copies.
func (r *MemoryWorkflowRepository) Update(ctx context.Context, wf *WorkflowInstance, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.workflows[wf.ID]
	if !ok {
		return notFound(wf.ID)
	}
	if stored.Version != expectedVersion {
		return versionConflict(wf.ID, expectedVersion, stored.Version)
	}
	wf.Version = expectedVersion + 1
	r.workflows[wf.ID] = wf.Clone()
	return nil
}

// List returns matching instances, newest first.
func (r *MemoryWorkflowRepository) List(ctx context.Context, filter WorkflowFilter) ([]*WorkflowInstance, error) {
	r.mu.RLock()
	var matched []*WorkflowInstance
	for _, wf := range r.workflows {
		if filter.Matches(wf) {
			matched = append(matched, wf.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return []*WorkflowInstance{}, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func notFound(id string) error {
	return errors.Wrap(ErrWorkflowNotFound, errors.ErrCodeNotFound,
		fmt.Sprintf("반납 결재 건을 찾을 수 없습니다 (%s)", id))
}

func versionConflict(id string, expected, actual int64) error {
	return errors.Wrap(ErrVersionConflict, errors.ErrCodeConflict,
		fmt.Sprintf("다른 사용자가 먼저 처리했습니다. 새로고침 후 다시 시도하세요 (%s: v%d != v%d)", id, expected, actual))
}
