package domain

import (
	"context"
	"strings"
	"time"
)

// AutomationTriggerKind starts an enrollment.
type AutomationTriggerKind string

const (
	TriggerSubscription AutomationTriggerKind = "subscription"
	TriggerTagChange    AutomationTriggerKind = "tag_change"
	TriggerContactEvent AutomationTriggerKind = "contact_event"
	TriggerDateField    AutomationTriggerKind = "date_field"
	TriggerManual       AutomationTriggerKind = "manual"
)

// AutomationTrigger configures when contacts enter the workflow.
type AutomationTrigger struct {
	Kind   AutomationTriggerKind `json:"kind"`
	ListID string                `json:"list_id,omitempty"` // subscription trigger
	Tag    string                `json:"tag,omitempty"`     // tag_change trigger
	Event  string                `json:"event,omitempty"`   // contact_event trigger
	Field  string                `json:"field,omitempty"`   // date_field trigger
}

// StepKind is the action a workflow step performs.
type StepKind string

const (
	StepEmail          StepKind = "email"
	StepDelay          StepKind = "delay"
	StepKindCondition  StepKind = "condition"
	StepUpdateContact  StepKind = "update_contact"
	StepAddTag         StepKind = "add_tag"
	StepRemoveTag      StepKind = "remove_tag"
	StepAddToList      StepKind = "add_to_list"
	StepRemoveFromList StepKind = "remove_from_list"
	StepWebhook        StepKind = "webhook"
	StepNotify         StepKind = "notify"
)

// ConditionOperator compares a contact field path against a value.
type ConditionOperator string

const (
	CondEquals       ConditionOperator = "equals"
	CondNotEquals    ConditionOperator = "not_equals"
	CondContains     ConditionOperator = "contains"
	CondNotContains  ConditionOperator = "not_contains"
	CondGreaterThan  ConditionOperator = "greater_than"
	CondLessThan     ConditionOperator = "less_than"
	CondIsSet        ConditionOperator = "is_set"
	CondIsNotSet     ConditionOperator = "is_not_set"
	CondInList       ConditionOperator = "in_list"
	CondHasTag       ConditionOperator = "has_tag"
	CondOpenedEmail  ConditionOperator = "opened_email"
	CondClickedEmail ConditionOperator = "clicked_email"
)

// StepCondition is one AND-joined condition on a step.
type StepCondition struct {
	Field    string            `json:"field,omitempty"`
	Operator ConditionOperator `json:"operator"`
	Value    string            `json:"value,omitempty"`
}

// ConditionFailPolicy chooses what happens when a step's conditions fail.
type ConditionFailPolicy string

const (
	OnFailSkip ConditionFailPolicy = "skip"
	OnFailExit ConditionFailPolicy = "exit"
)

// DelayUnit scales a delay step's value.
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
	DelayWeeks   DelayUnit = "weeks"
)

// Duration converts value+unit into a time.Duration.
func (u DelayUnit) Duration(value int) time.Duration {
	switch u {
	case DelayHours:
		return time.Duration(value) * time.Hour
	case DelayDays:
		return time.Duration(value) * 24 * time.Hour
	case DelayWeeks:
		return time.Duration(value) * 7 * 24 * time.Hour
	default:
		return time.Duration(value) * time.Minute
	}
}

// AutomationStep is one ordered workflow step.
type AutomationStep struct {
	Kind       StepKind            `json:"kind"`
	Conditions []StepCondition     `json:"conditions,omitempty"`
	OnFail     ConditionFailPolicy `json:"on_fail,omitempty"`

	// email
	TemplateID string `json:"template_id,omitempty"`
	// delay
	DelayValue int       `json:"delay_value,omitempty"`
	DelayUnit  DelayUnit `json:"delay_unit,omitempty"`
	// update_contact
	Field string      `json:"field,omitempty"`
	Value interface{} `json:"value,omitempty"`
	// tag / list mutations
	Tag    string `json:"tag,omitempty"`
	ListID string `json:"list_id,omitempty"`
	// webhook
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookMethod string `json:"webhook_method,omitempty"`
	// notify
	Message string `json:"message,omitempty"`
}

// SendWindow restricts email steps to a daily window. An email step firing
// outside the window defers to the next allowed time instead of sending.
type SendWindow struct {
	Enabled   bool   `json:"enabled"`
	StartHour int    `json:"start_hour"` // inclusive, 0-23
	EndHour   int    `json:"end_hour"`   // exclusive, 1-24
	Timezone  string `json:"timezone,omitempty"`
}

// NextAllowed returns t when inside the window, otherwise the next window
// opening.
func (w SendWindow) NextAllowed(t time.Time) time.Time {
	if !w.Enabled {
		return t
	}
	loc := time.UTC
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)
	hour := local.Hour()
	if hour >= w.StartHour && hour < w.EndHour {
		return t
	}
	opening := time.Date(local.Year(), local.Month(), local.Day(), w.StartHour, 0, 0, 0, loc)
	if hour >= w.EndHour {
		opening = opening.Add(24 * time.Hour)
	}
	return opening.UTC()
}

// AutomationGoal ends an enrollment early once the named event fires.
type AutomationGoal struct {
	Enabled bool   `json:"enabled"`
	Event   string `json:"event,omitempty"` // opened | clicked
}

// AutomationSettings groups workflow-level policy.
type AutomationSettings struct {
	SendWindow      SendWindow      `json:"send_window"`
	Goal            AutomationGoal  `json:"goal"`
	ExitConditions  []StepCondition `json:"exit_conditions,omitempty"`
	AllowReentry    bool            `json:"allow_reentry"`
	ReentryWaitDays int             `json:"reentry_wait_days,omitempty"`
}

// AutomationStats are aggregate enrollment counters.
type AutomationStats struct {
	TotalEntered   int64 `json:"total_entered"`
	TotalCompleted int64 `json:"total_completed"`
	TotalExited    int64 `json:"total_exited"`
	EmailsSent     int64 `json:"emails_sent"`
}

// AutomationStatus gates whether contacts may enter or progress.
type AutomationStatus string

const (
	AutomationActive   AutomationStatus = "active"
	AutomationPaused   AutomationStatus = "paused"
	AutomationArchived AutomationStatus = "archived"
)

// Automation is a long-lived workflow stepping contacts through actions.
type Automation struct {
	ID     string           `json:"id"`
	OrgID  string           `json:"org_id"`
	Name   string           `json:"name"`
	Status AutomationStatus `json:"status"`

	Trigger  AutomationTrigger  `json:"trigger"`
	Steps    []AutomationStep   `json:"steps"`
	Settings AutomationSettings `json:"settings"`
	Stats    AutomationStats    `json:"stats"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the automation before persistence.
func (a *Automation) Validate() error {
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return NewValidationError("automation name is required", "name")
	}
	if a.Status == "" {
		a.Status = AutomationPaused
	}
	if len(a.Steps) == 0 {
		return NewValidationError("automation requires at least one step", "steps")
	}
	for _, step := range a.Steps {
		switch step.Kind {
		case StepEmail:
			if step.TemplateID == "" {
				return NewValidationError("email step requires a template", "steps")
			}
		case StepDelay:
			if step.DelayValue <= 0 {
				return NewValidationError("delay step requires a positive value", "steps")
			}
		case StepWebhook:
			if step.WebhookURL == "" {
				return NewValidationError("webhook step requires a url", "steps")
			}
		case StepKindCondition, StepUpdateContact, StepAddTag, StepRemoveTag,
			StepAddToList, StepRemoveFromList, StepNotify:
		default:
			return NewValidationError("unknown step kind: "+string(step.Kind), "steps")
		}
	}
	return nil
}

// AutomationRepository is the datastore contract for automations and their
// per-contact enrollments.
type AutomationRepository interface {
	Create(ctx context.Context, automation *Automation) error
	Update(ctx context.Context, automation *Automation) error
	GetByID(ctx context.Context, orgID, id string) (*Automation, error)
	GetAll(ctx context.Context, orgID string) ([]*Automation, error)
	ListActive(ctx context.Context) ([]*Automation, error)
	Delete(ctx context.Context, orgID, id string) error
	IncrementStats(ctx context.Context, orgID, id string, entered, completed, exited, emailsSent int64) error

	// Enroll inserts an enrollment; returns false when the contact already
	// has an active enrollment or re-entry is not yet permitted.
	Enroll(ctx context.Context, orgID string, enrollment *AutomationEnrollment) (bool, error)
	// DueEnrollments returns active enrollments with next_action_at <= now,
	// ordered by next_action_at.
	DueEnrollments(ctx context.Context, orgID, automationID string, now time.Time, limit int) ([]*AutomationEnrollment, error)
	// AdvanceEnrollment compare-and-sets the step cursor: the write applies
	// only when the stored current_step still equals fromStep, serializing
	// wake-ups per (contact, automation).
	AdvanceEnrollment(ctx context.Context, orgID, automationID, contactID string, fromStep, toStep int, state AutomationEnrollmentState, nextActionAt *time.Time) (bool, error)
	// LastEnrollment returns the most recent enrollment for re-entry checks.
	LastEnrollment(ctx context.Context, orgID, automationID, contactID string) (*AutomationEnrollment, error)
}
