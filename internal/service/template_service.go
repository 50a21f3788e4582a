package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/internal/service/render"
	"github.com/mailfold/mailfold/pkg/logger"
	"github.com/mailfold/mailfold/pkg/tracking"
)

// TemplateService owns template CRUD with append-only versioning and the
// preview render.
type TemplateService struct {
	templates domain.TemplateRepository
	orgs      domain.OrganizationRepository
	renderer  *render.Renderer
	logger    logger.Logger
}

func NewTemplateService(
	templates domain.TemplateRepository,
	orgs domain.OrganizationRepository,
	renderer *render.Renderer,
	log logger.Logger,
) *TemplateService {
	return &TemplateService{
		templates: templates,
		orgs:      orgs,
		renderer:  renderer,
		logger:    log,
	}
}

func (s *TemplateService) Create(ctx context.Context, template *domain.Template) error {
	if err := template.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	template.ID = uuid.NewString()
	template.CreatedAt = now
	template.UpdatedAt = now
	template.AppendVersion(now)
	return s.templates.Create(ctx, template)
}

// Update revalidates, reindexes variables and records a new version when
// the content changed.
func (s *TemplateService) Update(ctx context.Context, template *domain.Template) error {
	if err := template.Validate(); err != nil {
		return err
	}
	current, err := s.templates.GetByID(ctx, template.OrgID, template.ID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	template.CreatedAt = current.CreatedAt
	template.Versions = current.Versions
	template.UpdatedAt = now
	if current.Subject != template.Subject || current.HTML != template.HTML || current.Text != template.Text {
		template.AppendVersion(now)
	}
	return s.templates.Update(ctx, template)
}

func (s *TemplateService) Get(ctx context.Context, orgID, id string) (*domain.Template, error) {
	return s.templates.GetByID(ctx, orgID, id)
}

func (s *TemplateService) List(ctx context.Context, orgID string) ([]*domain.Template, error) {
	return s.templates.GetAll(ctx, orgID)
}

func (s *TemplateService) Delete(ctx context.Context, orgID, id string) error {
	return s.templates.Delete(ctx, orgID, id)
}

// Preview renders the template against a sample contact without tracking
// transforms, for the editor's preview pane.
func (s *TemplateService) Preview(ctx context.Context, orgID, id string, contact *domain.Contact) (*render.Output, error) {
	template, err := s.templates.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	org, err := s.orgs.GetByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if contact == nil {
		contact = &domain.Contact{
			Email:     "preview@example.com",
			FirstName: "Preview",
			Status:    domain.ContactStatusSubscribed,
		}
	}
	return s.renderer.Render(render.Input{
		Subject:      template.Subject,
		HTML:         template.HTML,
		Text:         template.Text,
		Contact:      contact,
		Organization: org,
		Defaults:     template.DefaultsMap(),
		TrackingID:   tracking.NewTrackingID(),
	})
}
