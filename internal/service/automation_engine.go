package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/internal/service/render"
	"github.com/mailfold/mailfold/pkg/logger"
	"github.com/mailfold/mailfold/pkg/tracking"
)

// enrollmentBatchSize bounds how many due enrollments one tick handles per
// automation.
const enrollmentBatchSize = 200

// AutomationEngine wakes due enrollments once a minute and executes their
// current step. Step advancement is a compare-and-set on the step cursor,
// so overlapping ticks (or several engine instances) execute each wake-up
// at most once.
type AutomationEngine struct {
	automations domain.AutomationRepository
	contacts    domain.ContactRepository
	templates   domain.TemplateRepository
	orgs        domain.OrganizationRepository
	emailLogs   domain.EmailLogRepository
	queue       domain.JobQueue
	renderer    *render.Renderer
	cron        *cron.Cron
	logger      logger.Logger

	emailLogTTL time.Duration
}

func NewAutomationEngine(
	automations domain.AutomationRepository,
	contacts domain.ContactRepository,
	templates domain.TemplateRepository,
	orgs domain.OrganizationRepository,
	emailLogs domain.EmailLogRepository,
	queue domain.JobQueue,
	renderer *render.Renderer,
	log logger.Logger,
) *AutomationEngine {
	return &AutomationEngine{
		automations: automations,
		contacts:    contacts,
		templates:   templates,
		orgs:        orgs,
		emailLogs:   emailLogs,
		queue:       queue,
		renderer:    renderer,
		cron:        cron.New(),
		logger:      log,
		emailLogTTL: domain.DefaultEmailLogTTL,
	}
}

// Start begins the minute tick.
func (e *AutomationEngine) Start() error {
	if _, err := e.cron.AddFunc("@every 1m", func() { e.Tick(context.Background()) }); err != nil {
		return err
	}
	e.cron.Start()
	e.logger.Info("automation engine started")
	return nil
}

// Stop halts the tick and waits for a running pass.
func (e *AutomationEngine) Stop() {
	ctx := e.cron.Stop()
	<-ctx.Done()
}

// Tick processes due enrollments for every active automation.
func (e *AutomationEngine) Tick(ctx context.Context) {
	active, err := e.automations.ListActive(ctx)
	if err != nil {
		e.logger.WithField("error", err.Error()).Error("failed to list active automations")
		return
	}
	now := time.Now().UTC()
	for _, automation := range active {
		due, err := e.automations.DueEnrollments(ctx, automation.OrgID, automation.ID, now, enrollmentBatchSize)
		if err != nil {
			e.logger.WithFields(map[string]interface{}{
				"automation_id": automation.ID,
				"error":         err.Error(),
			}).Error("failed to load due enrollments")
			continue
		}
		for _, enrollment := range due {
			if err := e.processEnrollment(ctx, automation, enrollment); err != nil {
				e.logger.WithFields(map[string]interface{}{
					"automation_id": automation.ID,
					"contact_id":    enrollment.ContactID,
					"error":         err.Error(),
				}).Error("enrollment step failed")
			}
		}
	}
}

// processEnrollment executes the enrollment's current step and advances the
// cursor. A lost compare-and-set means another instance already handled
// this wake-up.
func (e *AutomationEngine) processEnrollment(ctx context.Context, automation *domain.Automation, enrollment *domain.AutomationEnrollment) error {
	contact, err := e.contacts.GetByID(ctx, automation.OrgID, enrollment.ContactID)
	if err != nil {
		if domain.IsNotFound(err) {
			return e.finish(ctx, automation, enrollment, domain.EnrollmentExited)
		}
		return err
	}

	if exit, reason := e.shouldExit(ctx, automation, enrollment, contact); exit {
		e.logger.WithFields(map[string]interface{}{
			"automation_id": automation.ID,
			"contact_id":    contact.ID,
			"reason":        reason,
		}).Info("enrollment ended early")
		state := domain.EnrollmentExited
		if reason == "goal" {
			state = domain.EnrollmentCompleted
		}
		return e.finish(ctx, automation, enrollment, state)
	}

	if enrollment.CurrentStep >= len(automation.Steps) {
		return e.finish(ctx, automation, enrollment, domain.EnrollmentCompleted)
	}

	step := automation.Steps[enrollment.CurrentStep]

	if len(step.Conditions) > 0 && !EvaluateAll(step.Conditions, contact) {
		if step.OnFail == domain.OnFailExit {
			return e.finish(ctx, automation, enrollment, domain.EnrollmentExited)
		}
		return e.advance(ctx, automation, enrollment, nil)
	}

	switch step.Kind {
	case domain.StepEmail:
		// Email steps firing outside the send window defer to the next
		// opening instead of sending off-hours.
		now := time.Now().UTC()
		if allowed := automation.Settings.SendWindow.NextAllowed(now); allowed.After(now) {
			return e.deferUntil(ctx, automation, enrollment, allowed)
		}
		sent, err := e.executeEmailStep(ctx, automation, enrollment, contact, step)
		if err != nil {
			return e.stepError(ctx, automation, enrollment, err)
		}
		if sent {
			if err := e.automations.IncrementStats(ctx, automation.OrgID, automation.ID, 0, 0, 0, 1); err != nil {
				e.logger.WithField("error", err.Error()).Error("failed to bump automation email counter")
			}
		}
		return e.advance(ctx, automation, enrollment, nil)

	case domain.StepDelay:
		wake := time.Now().UTC().Add(step.DelayUnit.Duration(step.DelayValue))
		return e.advance(ctx, automation, enrollment, &wake)

	case domain.StepKindCondition:
		// Conditions already evaluated above; a bare condition step is a
		// pass-through gate.
		return e.advance(ctx, automation, enrollment, nil)

	case domain.StepUpdateContact:
		if err := e.contacts.SetAttribute(ctx, automation.OrgID, contact.ID, step.Field, step.Value); err != nil {
			return e.stepError(ctx, automation, enrollment, err)
		}
		return e.advance(ctx, automation, enrollment, nil)

	case domain.StepAddTag:
		if err := e.contacts.AddTag(ctx, automation.OrgID, contact.ID, step.Tag); err != nil {
			return e.stepError(ctx, automation, enrollment, err)
		}
		return e.advance(ctx, automation, enrollment, nil)

	case domain.StepRemoveTag:
		if err := e.contacts.RemoveTag(ctx, automation.OrgID, contact.ID, step.Tag); err != nil {
			return e.stepError(ctx, automation, enrollment, err)
		}
		return e.advance(ctx, automation, enrollment, nil)

	case domain.StepAddToList:
		if err := e.contacts.SetListMembership(ctx, automation.OrgID, contact.ID, step.ListID, domain.MembershipActive); err != nil {
			return e.stepError(ctx, automation, enrollment, err)
		}
		return e.advance(ctx, automation, enrollment, nil)

	case domain.StepRemoveFromList:
		if err := e.contacts.SetListMembership(ctx, automation.OrgID, contact.ID, step.ListID, domain.MembershipRemoved); err != nil {
			return e.stepError(ctx, automation, enrollment, err)
		}
		return e.advance(ctx, automation, enrollment, nil)

	case domain.StepWebhook:
		if err := e.enqueueWebhook(ctx, automation, contact, step); err != nil {
			return e.stepError(ctx, automation, enrollment, err)
		}
		return e.advance(ctx, automation, enrollment, nil)

	case domain.StepNotify:
		e.logger.WithFields(map[string]interface{}{
			"automation_id": automation.ID,
			"contact_id":    contact.ID,
			"message":       step.Message,
		}).Info("automation notify")
		return e.advance(ctx, automation, enrollment, nil)

	default:
		// Unknown kinds are skipped; validation should have rejected them.
		return e.advance(ctx, automation, enrollment, nil)
	}
}

// shouldExit checks the goal event and the workflow's exit conditions.
func (e *AutomationEngine) shouldExit(ctx context.Context, automation *domain.Automation, enrollment *domain.AutomationEnrollment, contact *domain.Contact) (bool, string) {
	if automation.Settings.Goal.Enabled {
		if met, err := e.goalMet(ctx, automation, enrollment); err == nil && met {
			return true, "goal"
		}
	}
	if len(automation.Settings.ExitConditions) > 0 && EvaluateAll(automation.Settings.ExitConditions, contact) {
		return true, "exit_conditions"
	}
	if contact.Status == domain.ContactStatusUnsubscribed ||
		contact.Status == domain.ContactStatusBounced ||
		contact.Status == domain.ContactStatusComplained {
		return true, "contact_status"
	}
	return false, ""
}

// goalMet reports whether any email sent by this enrollment saw the goal
// event.
func (e *AutomationEngine) goalMet(ctx context.Context, automation *domain.Automation, enrollment *domain.AutomationEnrollment) (bool, error) {
	for step := 0; step < enrollment.CurrentStep && step < len(automation.Steps); step++ {
		if automation.Steps[step].Kind != domain.StepEmail {
			continue
		}
		emailLog, err := e.emailLogs.GetByTrackingID(ctx, automationTrackingID(automation.ID, enrollment.ContactID, step))
		if err != nil {
			if domain.IsNotFound(err) {
				continue
			}
			return false, err
		}
		switch automation.Settings.Goal.Event {
		case "clicked":
			if emailLog.Clicked {
				return true, nil
			}
		default:
			if emailLog.Opened || emailLog.Clicked {
				return true, nil
			}
		}
	}
	return false, nil
}

// executeEmailStep renders and enqueues the step's email. The log row keyed
// by the deterministic tracking id makes redelivered wake-ups idempotent:
// created=false means this step already sent for this enrollment.
func (e *AutomationEngine) executeEmailStep(ctx context.Context, automation *domain.Automation, enrollment *domain.AutomationEnrollment, contact *domain.Contact, step domain.AutomationStep) (bool, error) {
	template, err := e.templates.GetByID(ctx, automation.OrgID, step.TemplateID)
	if err != nil {
		return false, err
	}
	org, err := e.orgs.GetByID(ctx, automation.OrgID)
	if err != nil {
		return false, err
	}

	trackingID := automationTrackingID(automation.ID, contact.ID, enrollment.CurrentStep)
	rendered, err := e.renderer.Render(render.Input{
		Subject:      template.Subject,
		HTML:         template.HTML,
		Text:         template.Text,
		Contact:      contact,
		Organization: org,
		Defaults:     template.DefaultsMap(),
		TrackingID:   trackingID,
		TrackOpens:   true,
		TrackClicks:  true,
	})
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	created, err := e.emailLogs.Create(ctx, &domain.EmailLog{
		ID:           trackingID,
		OrgID:        automation.OrgID,
		TrackingID:   trackingID,
		Source:       domain.EmailLogSourceAutomation,
		AutomationID: automation.ID,
		ContactID:    contact.ID,
		Email:        contact.Email,
		Status:       domain.EmailLogQueued,
		TrackedLinks: rendered.TrackedLinks,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(e.emailLogTTL),
	})
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}

	payload, err := json.Marshal(domain.SendEmailPayload{
		OrgID:        automation.OrgID,
		Source:       domain.EmailLogSourceAutomation,
		AutomationID: automation.ID,
		ContactID:    contact.ID,
		Email:        contact.Email,
		TrackingID:   trackingID,
		FromName:     org.DefaultFromName,
		FromEmail:    org.DefaultFromEmail,
		Subject:      rendered.Subject,
		HTML:         rendered.HTML,
		Text:         rendered.Text,
	})
	if err != nil {
		return false, err
	}
	opts := domain.QueueDefaults(domain.QueueEmail)
	return true, e.queue.Enqueue(ctx, domain.QueueEmail,
		&domain.Job{Type: domain.JobTypeSendEmail, Payload: payload}, &opts)
}

func (e *AutomationEngine) enqueueWebhook(ctx context.Context, automation *domain.Automation, contact *domain.Contact, step domain.AutomationStep) error {
	payload, err := json.Marshal(domain.DeliverWebhookPayload{
		OrgID:        automation.OrgID,
		AutomationID: automation.ID,
		ContactID:    contact.ID,
		URL:          step.WebhookURL,
		Method:       step.WebhookMethod,
		Body: map[string]interface{}{
			"automation_id": automation.ID,
			"contact_id":    contact.ID,
			"email":         contact.Email,
		},
	})
	if err != nil {
		return err
	}
	opts := domain.QueueDefaults(domain.QueueWebhook)
	return e.queue.Enqueue(ctx, domain.QueueWebhook,
		&domain.Job{Type: domain.JobTypeDeliverWebhook, Payload: payload}, &opts)
}

// advance moves the cursor past the current step. A nil wake time leaves
// the enrollment immediately due, so the next tick executes the following
// step; passing the final step completes the enrollment.
func (e *AutomationEngine) advance(ctx context.Context, automation *domain.Automation, enrollment *domain.AutomationEnrollment, wakeAt *time.Time) error {
	next := enrollment.CurrentStep + 1
	if next >= len(automation.Steps) {
		return e.finish(ctx, automation, enrollment, domain.EnrollmentCompleted)
	}
	state := domain.EnrollmentActive
	if wakeAt != nil {
		state = domain.EnrollmentWaiting
	} else {
		now := time.Now().UTC()
		wakeAt = &now
	}
	_, err := e.automations.AdvanceEnrollment(ctx, automation.OrgID, automation.ID,
		enrollment.ContactID, enrollment.CurrentStep, next, state, wakeAt)
	return err
}

// deferUntil keeps the cursor on the current step and pushes the wake time
// out.
func (e *AutomationEngine) deferUntil(ctx context.Context, automation *domain.Automation, enrollment *domain.AutomationEnrollment, wakeAt time.Time) error {
	_, err := e.automations.AdvanceEnrollment(ctx, automation.OrgID, automation.ID,
		enrollment.ContactID, enrollment.CurrentStep, enrollment.CurrentStep,
		domain.EnrollmentWaiting, &wakeAt)
	return err
}

// finish settles the enrollment and bumps the matching stat counter.
func (e *AutomationEngine) finish(ctx context.Context, automation *domain.Automation, enrollment *domain.AutomationEnrollment, state domain.AutomationEnrollmentState) error {
	applied, err := e.automations.AdvanceEnrollment(ctx, automation.OrgID, automation.ID,
		enrollment.ContactID, enrollment.CurrentStep, enrollment.CurrentStep, state, nil)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	var completed, exited int64
	if state == domain.EnrollmentCompleted {
		completed = 1
	} else {
		exited = 1
	}
	return e.automations.IncrementStats(ctx, automation.OrgID, automation.ID, 0, completed, exited, 0)
}

// stepError parks the enrollment in the error state so it stops waking up.
func (e *AutomationEngine) stepError(ctx context.Context, automation *domain.Automation, enrollment *domain.AutomationEnrollment, cause error) error {
	e.logger.WithFields(map[string]interface{}{
		"automation_id": automation.ID,
		"contact_id":    enrollment.ContactID,
		"step":          enrollment.CurrentStep,
		"error":         cause.Error(),
	}).Error("automation step errored")
	_, err := e.automations.AdvanceEnrollment(ctx, automation.OrgID, automation.ID,
		enrollment.ContactID, enrollment.CurrentStep, enrollment.CurrentStep,
		domain.EnrollmentError, nil)
	if err != nil {
		return err
	}
	return cause
}

// automationTrackingID derives a stable tracking id per (automation,
// contact, step) so a redelivered wake-up cannot double-send.
func automationTrackingID(automationID, contactID string, step int) string {
	return tracking.DeterministicTrackingID(automationID, contactID, step)
}
