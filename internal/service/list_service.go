package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// ListService owns list CRUD; the denormalized stats are recomputed by the
// cleanup-queue refresh job, not on the write path.
type ListService struct {
	lists  domain.ListRepository
	logger logger.Logger
}

func NewListService(lists domain.ListRepository, log logger.Logger) *ListService {
	return &ListService{lists: lists, logger: log}
}

func (s *ListService) Create(ctx context.Context, list *domain.List) error {
	if err := list.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	list.ID = uuid.NewString()
	list.CreatedAt = now
	list.UpdatedAt = now
	return s.lists.Create(ctx, list)
}

func (s *ListService) Update(ctx context.Context, list *domain.List) error {
	if err := list.Validate(); err != nil {
		return err
	}
	list.UpdatedAt = time.Now().UTC()
	return s.lists.Update(ctx, list)
}

func (s *ListService) Get(ctx context.Context, orgID, id string) (*domain.List, error) {
	return s.lists.GetByID(ctx, orgID, id)
}

func (s *ListService) List(ctx context.Context, orgID string) ([]*domain.List, error) {
	return s.lists.GetAll(ctx, orgID)
}

func (s *ListService) Delete(ctx context.Context, orgID, id string) error {
	return s.lists.Delete(ctx, orgID, id)
}

// RefreshAllStats recomputes counters for every list of every org; run from
// the cleanup queue.
func (s *ListService) RefreshAllStats(ctx context.Context, orgs domain.OrganizationRepository) error {
	all, err := orgs.List(ctx)
	if err != nil {
		return err
	}
	for _, org := range all {
		lists, err := s.lists.GetAll(ctx, org.ID)
		if err != nil {
			return err
		}
		for _, list := range lists {
			if err := s.lists.RefreshStats(ctx, org.ID, list.ID); err != nil {
				s.logger.WithFields(map[string]interface{}{
					"list_id": list.ID,
					"error":   err.Error(),
				}).Error("failed to refresh list stats")
			}
		}
	}
	return nil
}
