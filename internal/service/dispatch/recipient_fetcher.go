package dispatch

import (
	"context"

	"github.com/mailfold/mailfold/internal/domain"
)

// RecipientFetcher streams a campaign's resolved audience in keyset pages.
// The repository query already applies list/segment inclusion, exclusions,
// the suppression list and the recent-recipient window, so every returned
// contact is sendable at fetch time.
type RecipientFetcher interface {
	Count(ctx context.Context, orgID string, sel domain.RecipientSelectors) (int, error)
	FetchBatch(ctx context.Context, orgID string, sel domain.RecipientSelectors, afterID string, limit int) ([]*domain.ContactRef, error)
}

type recipientFetcher struct {
	contacts domain.ContactRepository
}

func NewRecipientFetcher(contacts domain.ContactRepository) RecipientFetcher {
	return &recipientFetcher{contacts: contacts}
}

func (f *recipientFetcher) Count(ctx context.Context, orgID string, sel domain.RecipientSelectors) (int, error) {
	return f.contacts.CountForSelectors(ctx, orgID, sel)
}

func (f *recipientFetcher) FetchBatch(ctx context.Context, orgID string, sel domain.RecipientSelectors, afterID string, limit int) ([]*domain.ContactRef, error) {
	return f.contacts.FetchForSelectors(ctx, orgID, sel, afterID, limit)
}
