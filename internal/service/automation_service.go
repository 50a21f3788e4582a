package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// AutomationService owns automation CRUD and trigger-driven enrollment.
type AutomationService struct {
	automations domain.AutomationRepository
	contacts    domain.ContactRepository
	templates   domain.TemplateRepository
	logger      logger.Logger
}

func NewAutomationService(
	automations domain.AutomationRepository,
	contacts domain.ContactRepository,
	templates domain.TemplateRepository,
	log logger.Logger,
) *AutomationService {
	return &AutomationService{
		automations: automations,
		contacts:    contacts,
		templates:   templates,
		logger:      log,
	}
}

func (s *AutomationService) Create(ctx context.Context, automation *domain.Automation) error {
	if err := automation.Validate(); err != nil {
		return err
	}
	if err := s.validateTemplates(ctx, automation); err != nil {
		return err
	}
	now := time.Now().UTC()
	automation.ID = uuid.NewString()
	automation.CreatedAt = now
	automation.UpdatedAt = now
	return s.automations.Create(ctx, automation)
}

func (s *AutomationService) Update(ctx context.Context, automation *domain.Automation) error {
	if err := automation.Validate(); err != nil {
		return err
	}
	if err := s.validateTemplates(ctx, automation); err != nil {
		return err
	}
	automation.UpdatedAt = time.Now().UTC()
	return s.automations.Update(ctx, automation)
}

func (s *AutomationService) Get(ctx context.Context, orgID, id string) (*domain.Automation, error) {
	return s.automations.GetByID(ctx, orgID, id)
}

func (s *AutomationService) List(ctx context.Context, orgID string) ([]*domain.Automation, error) {
	return s.automations.GetAll(ctx, orgID)
}

func (s *AutomationService) Delete(ctx context.Context, orgID, id string) error {
	return s.automations.Delete(ctx, orgID, id)
}

// SetStatus activates, pauses or archives the workflow. Paused workflows
// keep their enrollments; the engine skips them until reactivated.
func (s *AutomationService) SetStatus(ctx context.Context, orgID, id string, status domain.AutomationStatus) error {
	automation, err := s.automations.GetByID(ctx, orgID, id)
	if err != nil {
		return err
	}
	switch status {
	case domain.AutomationActive, domain.AutomationPaused, domain.AutomationArchived:
	default:
		return domain.NewValidationError("unknown automation status: "+string(status), "status")
	}
	automation.Status = status
	automation.UpdatedAt = time.Now().UTC()
	return s.automations.Update(ctx, automation)
}

// HandleSubscription enrolls the contact into every active automation whose
// trigger watches the list they just joined.
func (s *AutomationService) HandleSubscription(ctx context.Context, orgID, contactID, listID string) {
	s.enrollMatching(ctx, orgID, contactID, func(a *domain.Automation) bool {
		return a.Trigger.Kind == domain.TriggerSubscription &&
			(a.Trigger.ListID == "" || a.Trigger.ListID == listID)
	})
}

// HandleTagAdded enrolls the contact into automations triggered by the tag.
func (s *AutomationService) HandleTagAdded(ctx context.Context, orgID, contactID, tag string) {
	s.enrollMatching(ctx, orgID, contactID, func(a *domain.Automation) bool {
		return a.Trigger.Kind == domain.TriggerTagChange && a.Trigger.Tag == tag
	})
}

// EnrollManually enrolls one contact into one automation, respecting the
// re-entry policy. Returns false when the enrollment was not created.
func (s *AutomationService) EnrollManually(ctx context.Context, orgID, automationID, contactID string) (bool, error) {
	automation, err := s.automations.GetByID(ctx, orgID, automationID)
	if err != nil {
		return false, err
	}
	if automation.Status != domain.AutomationActive {
		return false, domain.NewValidationError("automation is not active", "status")
	}
	return s.enroll(ctx, automation, contactID)
}

func (s *AutomationService) enrollMatching(ctx context.Context, orgID, contactID string, match func(*domain.Automation) bool) {
	active, err := s.automations.ListActive(ctx)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("failed to list automations for trigger")
		return
	}
	for _, automation := range active {
		if automation.OrgID != orgID || !match(automation) {
			continue
		}
		if _, err := s.enroll(ctx, automation, contactID); err != nil {
			s.logger.WithFields(map[string]interface{}{
				"automation_id": automation.ID,
				"contact_id":    contactID,
				"error":         err.Error(),
			}).Error("trigger enrollment failed")
		}
	}
}

// enroll applies the re-entry policy and inserts the enrollment. The repo's
// Enroll is the authority against concurrent double-enrollment; the
// re-entry check here only filters the common cases cheaply.
func (s *AutomationService) enroll(ctx context.Context, automation *domain.Automation, contactID string) (bool, error) {
	last, err := s.automations.LastEnrollment(ctx, automation.OrgID, automation.ID, contactID)
	if err != nil && !domain.IsNotFound(err) {
		return false, err
	}
	if last != nil {
		if last.State == domain.EnrollmentActive || last.State == domain.EnrollmentWaiting {
			return false, nil
		}
		if !automation.Settings.AllowReentry {
			return false, nil
		}
		if wait := automation.Settings.ReentryWaitDays; wait > 0 && last.EndedAt != nil {
			if time.Since(*last.EndedAt) < time.Duration(wait)*24*time.Hour {
				return false, nil
			}
		}
	}

	now := time.Now().UTC()
	enrolled, err := s.automations.Enroll(ctx, automation.OrgID, &domain.AutomationEnrollment{
		AutomationID: automation.ID,
		ContactID:    contactID,
		CurrentStep:  0,
		State:        domain.EnrollmentActive,
		NextActionAt: &now,
		EnrolledAt:   now,
	})
	if err != nil {
		return false, err
	}
	if enrolled {
		if err := s.automations.IncrementStats(ctx, automation.OrgID, automation.ID, 1, 0, 0, 0); err != nil {
			s.logger.WithField("error", err.Error()).Error("failed to bump automation entered counter")
		}
	}
	return enrolled, nil
}

func (s *AutomationService) validateTemplates(ctx context.Context, automation *domain.Automation) error {
	for _, step := range automation.Steps {
		if step.Kind != domain.StepEmail {
			continue
		}
		if _, err := s.templates.GetByID(ctx, automation.OrgID, step.TemplateID); err != nil {
			return err
		}
	}
	return nil
}
