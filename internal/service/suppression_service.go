package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mailfold/mailfold/internal/domain"
)

// SuppressionService answers the hot "is this address suppressed" check
// with a small TTL cache in front of the feedback log. Permanent bounces
// and complaints flush the affected entry immediately, so a just-suppressed
// address is dropped by the very next send attempt.
type SuppressionService struct {
	feedback domain.FeedbackRepository
	ttl      time.Duration

	mu        sync.RWMutex
	entries   map[string]suppressionEntry
	nextPrune time.Time
}

type suppressionEntry struct {
	suppressed bool
	expiresAt  time.Time
}

// DefaultSuppressionCacheTTL bounds staleness of cached verdicts.
const DefaultSuppressionCacheTTL = 30 * time.Second

func NewSuppressionService(feedback domain.FeedbackRepository, ttl time.Duration) *SuppressionService {
	if ttl <= 0 {
		ttl = DefaultSuppressionCacheTTL
	}
	return &SuppressionService{
		feedback:  feedback,
		ttl:       ttl,
		entries:   make(map[string]suppressionEntry),
		nextPrune: time.Now().Add(ttl),
	}
}

func cacheKey(orgID, email string) string {
	return orgID + "\x00" + strings.ToLower(strings.TrimSpace(email))
}

// IsSuppressed implements domain.SuppressionChecker.
func (s *SuppressionService) IsSuppressed(ctx context.Context, orgID, email string) (bool, error) {
	key := cacheKey(orgID, email)

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.suppressed, nil
	}

	suppressed, err := s.feedback.IsSuppressed(ctx, orgID, email)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	now := time.Now()
	// Sweep expired verdicts once per TTL window so the map stays bounded
	// by the working set instead of the whole org x email space.
	if now.After(s.nextPrune) {
		for k, e := range s.entries {
			if !now.Before(e.expiresAt) {
				delete(s.entries, k)
			}
		}
		s.nextPrune = now.Add(s.ttl)
	}
	s.entries[key] = suppressionEntry{suppressed: suppressed, expiresAt: now.Add(s.ttl)}
	s.mu.Unlock()
	return suppressed, nil
}

// Invalidate drops the cached verdict for one address.
func (s *SuppressionService) Invalidate(orgID, email string) {
	s.mu.Lock()
	delete(s.entries, cacheKey(orgID, email))
	s.mu.Unlock()
}
