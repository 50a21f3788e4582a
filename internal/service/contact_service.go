package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// EnrollmentTrigger is what contact mutations need from the automation
// layer. Nil disables triggering.
type EnrollmentTrigger interface {
	HandleSubscription(ctx context.Context, orgID, contactID, listID string)
	HandleTagAdded(ctx context.Context, orgID, contactID, tag string)
}

// ContactService owns contact CRUD and the tag/list mutations that feed
// automation triggers.
type ContactService struct {
	contacts domain.ContactRepository
	trigger  EnrollmentTrigger
	logger   logger.Logger
}

func NewContactService(contacts domain.ContactRepository, trigger EnrollmentTrigger, log logger.Logger) *ContactService {
	return &ContactService{
		contacts: contacts,
		trigger:  trigger,
		logger:   log,
	}
}

func (s *ContactService) Create(ctx context.Context, contact *domain.Contact) error {
	if err := contact.Validate(); err != nil {
		return err
	}
	if existing, err := s.contacts.GetByEmail(ctx, contact.OrgID, contact.Email); err == nil && existing != nil {
		return domain.DuplicateError("contact with this email already exists")
	} else if err != nil && !domain.IsNotFound(err) {
		return err
	}
	now := time.Now().UTC()
	contact.ID = uuid.NewString()
	contact.CreatedAt = now
	contact.UpdatedAt = now
	if err := s.contacts.Create(ctx, contact); err != nil {
		return err
	}
	for _, membership := range contact.Lists {
		if membership.Status == domain.MembershipActive {
			s.fireSubscription(ctx, contact.OrgID, contact.ID, membership.ListID)
		}
	}
	return nil
}

func (s *ContactService) Update(ctx context.Context, contact *domain.Contact) error {
	if err := contact.Validate(); err != nil {
		return err
	}
	contact.UpdatedAt = time.Now().UTC()
	return s.contacts.Update(ctx, contact)
}

func (s *ContactService) Get(ctx context.Context, orgID, id string) (*domain.Contact, error) {
	return s.contacts.GetByID(ctx, orgID, id)
}

func (s *ContactService) GetByEmail(ctx context.Context, orgID, email string) (*domain.Contact, error) {
	return s.contacts.GetByEmail(ctx, orgID, email)
}

func (s *ContactService) List(ctx context.Context, orgID string, limit, offset int) ([]*domain.Contact, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.contacts.List(ctx, orgID, limit, offset)
}

func (s *ContactService) Delete(ctx context.Context, orgID, id string) error {
	return s.contacts.Delete(ctx, orgID, id)
}

// AddTag tags the contact and fires tag-change automation triggers.
func (s *ContactService) AddTag(ctx context.Context, orgID, id, tag string) error {
	if err := s.contacts.AddTag(ctx, orgID, id, tag); err != nil {
		return err
	}
	if s.trigger != nil {
		s.trigger.HandleTagAdded(ctx, orgID, id, tag)
	}
	return nil
}

func (s *ContactService) RemoveTag(ctx context.Context, orgID, id, tag string) error {
	return s.contacts.RemoveTag(ctx, orgID, id, tag)
}

// Subscribe adds the contact to a list and fires subscription triggers.
func (s *ContactService) Subscribe(ctx context.Context, orgID, id, listID string) error {
	if err := s.contacts.SetListMembership(ctx, orgID, id, listID, domain.MembershipActive); err != nil {
		return err
	}
	s.fireSubscription(ctx, orgID, id, listID)
	return nil
}

// UnsubscribeFromList flips one membership; the contact's global status is
// untouched.
func (s *ContactService) UnsubscribeFromList(ctx context.Context, orgID, id, listID string) error {
	return s.contacts.SetListMembership(ctx, orgID, id, listID, domain.MembershipUnsubscribed)
}

// Unsubscribe sets the contact unsubscribed globally.
func (s *ContactService) Unsubscribe(ctx context.Context, orgID, id, reason string) error {
	return s.contacts.MarkUnsubscribed(ctx, orgID, id, reason, "")
}

func (s *ContactService) fireSubscription(ctx context.Context, orgID, contactID, listID string) {
	if s.trigger != nil {
		s.trigger.HandleSubscription(ctx, orgID, contactID, listID)
	}
}
