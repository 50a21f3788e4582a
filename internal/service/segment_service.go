package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// SegmentService owns segment CRUD. Segments are stored predicates; the
// contact repository compiles them into SQL when resolving recipients.
type SegmentService struct {
	segments domain.SegmentRepository
	contacts domain.ContactRepository
	logger   logger.Logger
}

func NewSegmentService(segments domain.SegmentRepository, contacts domain.ContactRepository, log logger.Logger) *SegmentService {
	return &SegmentService{segments: segments, contacts: contacts, logger: log}
}

func (s *SegmentService) Create(ctx context.Context, segment *domain.Segment) error {
	if err := segment.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	segment.ID = uuid.NewString()
	segment.CreatedAt = now
	segment.UpdatedAt = now
	return s.segments.Create(ctx, segment)
}

func (s *SegmentService) Update(ctx context.Context, segment *domain.Segment) error {
	if err := segment.Validate(); err != nil {
		return err
	}
	segment.UpdatedAt = time.Now().UTC()
	return s.segments.Update(ctx, segment)
}

func (s *SegmentService) Get(ctx context.Context, orgID, id string) (*domain.Segment, error) {
	return s.segments.GetByID(ctx, orgID, id)
}

func (s *SegmentService) List(ctx context.Context, orgID string) ([]*domain.Segment, error) {
	return s.segments.GetAll(ctx, orgID)
}

func (s *SegmentService) Delete(ctx context.Context, orgID, id string) error {
	return s.segments.Delete(ctx, orgID, id)
}

// CountMatching previews how many contacts the segment currently matches.
func (s *SegmentService) CountMatching(ctx context.Context, orgID, id string) (int, error) {
	if _, err := s.segments.GetByID(ctx, orgID, id); err != nil {
		return 0, err
	}
	return s.contacts.CountForSelectors(ctx, orgID, domain.RecipientSelectors{Segments: []string{id}})
}
