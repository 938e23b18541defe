package worker

import (
	"context"
	"time"

	"github.com/jmhodges/clock"
)

// Purger deletes delivered reminders older than a cutoff.
type Purger interface {
	PurgeSentOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionPolicy removes SENT reminders once they are older than the
// retention horizon.
type RetentionPolicy struct {
	purger Purger
	days   int
	clock  clock.Clock
}

func NewRetentionPolicy(purger Purger, days int, clk clock.Clock) *RetentionPolicy {
	return &RetentionPolicy{
		purger: purger,
		days:   days,
		clock:  clk,
	}
}

// Cutoff is now minus the retention horizon.
func (p *RetentionPolicy) Cutoff() time.Time {
	return p.clock.Now().Add(-time.Duration(p.days) * 24 * time.Hour)
}

// Apply purges everything delivered before Cutoff and returns the count.
func (p *RetentionPolicy) Apply(ctx context.Context) (int64, error) {
	return p.purger.PurgeSentOlderThan(ctx, p.Cutoff())
}
