package service

import (
	"context"
	"sync"
	"time"

	"github.com/mailfold/mailfold/internal/domain"
)

// Shared in-memory fakes. Each embeds the repository interface so only the
// methods a test exercises need implementations; calling anything else
// panics, which is exactly what we want.

type fakeCampaignRepo struct {
	domain.CampaignRepository

	mu          sync.Mutex
	byID        map[string]*domain.Campaign
	status      map[string]domain.CampaignStatus
	deltas      []domain.CounterDeltas
	linkClicks  []string
	errors      []string
	due         []*domain.Campaign
	stalled     []*domain.Campaign
	transitions []string
}

func newFakeCampaignRepo() *fakeCampaignRepo {
	return &fakeCampaignRepo{
		byID:   make(map[string]*domain.Campaign),
		status: make(map[string]domain.CampaignStatus),
	}
}

func (f *fakeCampaignRepo) add(c *domain.Campaign) {
	f.byID[c.ID] = c
	f.status[c.ID] = c.Status
}

func (f *fakeCampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.add(c)
	return nil
}

func (f *fakeCampaignRepo) Update(ctx context.Context, c *domain.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[c.ID] = c
	return nil
}

func (f *fakeCampaignRepo) GetByID(ctx context.Context, orgID, id string) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, domain.NotFoundError("campaign", id)
	}
	c.Status = f.status[id]
	return c, nil
}

func (f *fakeCampaignRepo) GetStatus(ctx context.Context, orgID, id string) (domain.CampaignStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.status[id]
	if !ok {
		return "", domain.NotFoundError("campaign", id)
	}
	return status, nil
}

func (f *fakeCampaignRepo) TransitionStatus(ctx context.Context, orgID, id string, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.status[id]
	if !ok {
		return false, domain.NotFoundError("campaign", id)
	}
	for _, allowed := range from {
		if current == allowed {
			f.status[id] = to
			f.transitions = append(f.transitions, string(current)+">"+string(to))
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCampaignRepo) IncrementCounters(ctx context.Context, orgID, id string, deltas domain.CounterDeltas) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, deltas)
	return nil
}

func (f *fakeCampaignRepo) UpsertLinkClick(ctx context.Context, orgID, id, url string, firstClick bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkClicks = append(f.linkClicks, url)
	return nil
}

func (f *fakeCampaignRepo) AppendError(ctx context.Context, orgID, id, errType, message string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errType+": "+message)
	return nil
}

func (f *fakeCampaignRepo) FindDueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	return f.due, nil
}

func (f *fakeCampaignRepo) FindStalledSending(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Campaign, error) {
	return f.stalled, nil
}

type fakeContactRepo struct {
	domain.ContactRepository

	mu            sync.Mutex
	byID          map[string]*domain.Contact
	unsubscribed  []string
	engagement    []domain.EngagementDelta
	bounces       []domain.BounceType
	complaints    int
	tagsAdded     []string
	tagsRemoved   []string
	memberships   map[string]domain.ListMembershipStatus
	attributesSet map[string]interface{}
	countResult   int
}

func newFakeContactRepo() *fakeContactRepo {
	return &fakeContactRepo{
		byID:          make(map[string]*domain.Contact),
		memberships:   make(map[string]domain.ListMembershipStatus),
		attributesSet: make(map[string]interface{}),
	}
}

func (f *fakeContactRepo) GetByID(ctx context.Context, orgID, id string) (*domain.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, domain.NotFoundError("contact", id)
	}
	return c, nil
}

func (f *fakeContactRepo) MarkUnsubscribed(ctx context.Context, orgID, id, reason, campaignID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, id)
	return nil
}

func (f *fakeContactRepo) ApplyEngagement(ctx context.Context, orgID, id string, delta domain.EngagementDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.engagement = append(f.engagement, delta)
	return nil
}

func (f *fakeContactRepo) RecordBounce(ctx context.Context, orgID, id string, bounceType domain.BounceType, reason string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bounces = append(f.bounces, bounceType)
	return nil
}

func (f *fakeContactRepo) RecordComplaint(ctx context.Context, orgID, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complaints++
	return nil
}

func (f *fakeContactRepo) AddTag(ctx context.Context, orgID, id, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagsAdded = append(f.tagsAdded, tag)
	return nil
}

func (f *fakeContactRepo) RemoveTag(ctx context.Context, orgID, id, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagsRemoved = append(f.tagsRemoved, tag)
	return nil
}

func (f *fakeContactRepo) SetListMembership(ctx context.Context, orgID, id, listID string, status domain.ListMembershipStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberships[listID] = status
	return nil
}

func (f *fakeContactRepo) SetAttribute(ctx context.Context, orgID, id, field string, value interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attributesSet[field] = value
	return nil
}

func (f *fakeContactRepo) CountForSelectors(ctx context.Context, orgID string, sel domain.RecipientSelectors) (int, error) {
	return f.countResult, nil
}

type fakeEmailLogRepo struct {
	domain.EmailLogRepository

	mu           sync.Mutex
	byTracking   map[string]*domain.EmailLog
	byMessage    map[string]*domain.EmailLog
	created      []*domain.EmailLog
	createdFalse map[string]bool
	statuses     []domain.EmailLogStatus
	events       []domain.EmailLogEvent
	openResult   domain.OpenResult
	clickResult  domain.ClickResult
	unsubSet     int
	complainSet  int
}

func newFakeEmailLogRepo() *fakeEmailLogRepo {
	return &fakeEmailLogRepo{
		byTracking:   make(map[string]*domain.EmailLog),
		byMessage:    make(map[string]*domain.EmailLog),
		createdFalse: make(map[string]bool),
		openResult:   domain.OpenResult{Applied: true, FirstOpen: true},
		clickResult:  domain.ClickResult{Applied: true, FirstClick: true, NewClickedURL: true},
	}
}

func (f *fakeEmailLogRepo) add(l *domain.EmailLog) {
	f.byTracking[l.TrackingID] = l
	if l.MessageID != "" {
		f.byMessage[l.MessageID] = l
	}
}

func (f *fakeEmailLogRepo) Create(ctx context.Context, l *domain.EmailLog) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createdFalse[l.TrackingID] {
		return false, nil
	}
	f.created = append(f.created, l)
	f.add(l)
	return true, nil
}

func (f *fakeEmailLogRepo) GetByTrackingID(ctx context.Context, trackingID string) (*domain.EmailLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.byTracking[trackingID]
	if !ok {
		return nil, domain.NotFoundError("email log", trackingID)
	}
	return l, nil
}

func (f *fakeEmailLogRepo) GetByMessageID(ctx context.Context, messageID string) (*domain.EmailLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.byMessage[messageID]
	if !ok {
		return nil, domain.NotFoundError("email log", messageID)
	}
	return l, nil
}

func (f *fakeEmailLogRepo) AdvanceStatus(ctx context.Context, trackingID string, status domain.EmailLogStatus, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeEmailLogRepo) AppendEvent(ctx context.Context, trackingID string, event domain.EmailLogEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEmailLogRepo) RecordOpen(ctx context.Context, trackingID string, at time.Time) (domain.OpenResult, error) {
	return f.openResult, nil
}

func (f *fakeEmailLogRepo) RecordClick(ctx context.Context, trackingID, url string, at time.Time) (domain.ClickResult, error) {
	return f.clickResult, nil
}

func (f *fakeEmailLogRepo) SetUnsubscribed(ctx context.Context, trackingID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubSet++
	return nil
}

func (f *fakeEmailLogRepo) SetComplained(ctx context.Context, trackingID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complainSet++
	return nil
}

type fakeFeedbackRepo struct {
	domain.FeedbackRepository

	mu         sync.Mutex
	inserted   []*domain.FeedbackLog
	seen       map[string]bool
	suppressed map[string]bool
	calls      int
}

func newFakeFeedbackRepo() *fakeFeedbackRepo {
	return &fakeFeedbackRepo{
		seen:       make(map[string]bool),
		suppressed: make(map[string]bool),
	}
}

func (f *fakeFeedbackRepo) Insert(ctx context.Context, log *domain.FeedbackLog) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := log.FeedbackID + "|" + string(log.Type)
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	f.inserted = append(f.inserted, log)
	return true, nil
}

func (f *fakeFeedbackRepo) IsSuppressed(ctx context.Context, orgID, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.suppressed[email], nil
}

type fakeJobQueue struct {
	domain.JobQueue

	mu   sync.Mutex
	jobs map[string][]*domain.Job
}

func newFakeJobQueue() *fakeJobQueue {
	return &fakeJobQueue{jobs: make(map[string][]*domain.Job)}
}

func (f *fakeJobQueue) Enqueue(ctx context.Context, queue string, job *domain.Job, opts *domain.JobOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[queue] = append(f.jobs[queue], job)
	return nil
}

func (f *fakeJobQueue) byQueue(queue string) []*domain.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[queue]
}

type fakeTemplateRepo struct {
	domain.TemplateRepository

	byID map[string]*domain.Template
}

func newFakeTemplateRepo() *fakeTemplateRepo {
	return &fakeTemplateRepo{byID: make(map[string]*domain.Template)}
}

func (f *fakeTemplateRepo) GetByID(ctx context.Context, orgID, id string) (*domain.Template, error) {
	t, ok := f.byID[id]
	if !ok {
		return nil, domain.NotFoundError("template", id)
	}
	return t, nil
}

type fakeOrgRepo struct {
	domain.OrganizationRepository

	org *domain.Organization
}

func (f *fakeOrgRepo) GetByID(ctx context.Context, id string) (*domain.Organization, error) {
	if f.org == nil {
		return nil, domain.NotFoundError("organization", id)
	}
	return f.org, nil
}

type fakeAutomationRepo struct {
	domain.AutomationRepository

	mu          sync.Mutex
	byID        map[string]*domain.Automation
	active      []*domain.Automation
	due         []*domain.AutomationEnrollment
	enrollments []*domain.AutomationEnrollment
	enrollOK    bool
	last        *domain.AutomationEnrollment
	advances    []advanceCall
	stats       []statsCall
}

type advanceCall struct {
	contactID string
	fromStep  int
	toStep    int
	state     domain.AutomationEnrollmentState
	wakeAt    *time.Time
}

type statsCall struct {
	entered, completed, exited, emailsSent int64
}

func newFakeAutomationRepo() *fakeAutomationRepo {
	return &fakeAutomationRepo{
		byID:     make(map[string]*domain.Automation),
		enrollOK: true,
	}
}

func (f *fakeAutomationRepo) GetByID(ctx context.Context, orgID, id string) (*domain.Automation, error) {
	a, ok := f.byID[id]
	if !ok {
		return nil, domain.NotFoundError("automation", id)
	}
	return a, nil
}

func (f *fakeAutomationRepo) ListActive(ctx context.Context) ([]*domain.Automation, error) {
	return f.active, nil
}

func (f *fakeAutomationRepo) DueEnrollments(ctx context.Context, orgID, automationID string, now time.Time, limit int) ([]*domain.AutomationEnrollment, error) {
	return f.due, nil
}

func (f *fakeAutomationRepo) AdvanceEnrollment(ctx context.Context, orgID, automationID, contactID string, fromStep, toStep int, state domain.AutomationEnrollmentState, nextActionAt *time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advances = append(f.advances, advanceCall{
		contactID: contactID,
		fromStep:  fromStep,
		toStep:    toStep,
		state:     state,
		wakeAt:    nextActionAt,
	})
	return true, nil
}

func (f *fakeAutomationRepo) Enroll(ctx context.Context, orgID string, enrollment *domain.AutomationEnrollment) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enrollOK {
		return false, nil
	}
	f.enrollments = append(f.enrollments, enrollment)
	return true, nil
}

func (f *fakeAutomationRepo) LastEnrollment(ctx context.Context, orgID, automationID, contactID string) (*domain.AutomationEnrollment, error) {
	if f.last == nil {
		return nil, domain.NotFoundError("enrollment", contactID)
	}
	return f.last, nil
}

func (f *fakeAutomationRepo) IncrementStats(ctx context.Context, orgID, id string, entered, completed, exited, emailsSent int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, statsCall{entered, completed, exited, emailsSent})
	return nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []*domain.FeedbackEvent
}

func (f *fakeRecorder) Record(ctx context.Context, event *domain.FeedbackEvent, rawPayload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

// recorded copies the events for assertions that race a detached write.
func (f *fakeRecorder) recorded() []*domain.FeedbackEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.FeedbackEvent(nil), f.events...)
}
