package dispatch

import (
	"context"
	"math"
	"time"

	"github.com/mailfold/mailfold/internal/domain"
)

// ProgressTracker accumulates per-batch counts and writes them through to
// the campaign row, throttled so huge audiences do not hammer the table.
type ProgressTracker struct {
	campaigns domain.CampaignRepository
	interval  time.Duration

	orgID      string
	campaignID string
	total      int
	processed  int
	lastWrite  time.Time
}

func NewProgressTracker(campaigns domain.CampaignRepository, interval time.Duration, orgID, campaignID string, total int) *ProgressTracker {
	return &ProgressTracker{
		campaigns:  campaigns,
		interval:   interval,
		orgID:      orgID,
		campaignID: campaignID,
		total:      total,
	}
}

// Record adds a batch result. The write is skipped while inside the
// throttle window; Flush always writes.
func (p *ProgressTracker) Record(ctx context.Context, processed int) error {
	p.processed += processed
	if p.interval > 0 && time.Since(p.lastWrite) < p.interval {
		return nil
	}
	return p.Flush(ctx)
}

// Flush writes the current count and percentage. Failure counts settle
// through the send worker's counter increments, not here.
func (p *ProgressTracker) Flush(ctx context.Context) error {
	p.lastWrite = time.Now()
	return p.campaigns.UpdateProgress(ctx, p.orgID, p.campaignID,
		p.processed, Percentage(p.processed, p.total))
}

// Processed reports how many recipients were handled so far.
func (p *ProgressTracker) Processed() int { return p.processed }

// Percentage computes dispatch completion, 100 for an empty audience.
func Percentage(processed, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}
