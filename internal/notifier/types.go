package notifier

import (
	"context"
	"sort"
	"time"

	"earnbot/internal/domain"
	"earnbot/internal/eligibility"
)

// Config controls the pipeline. Zero durations are taken literally; defaults
// are applied by the config package.
type Config struct {
	Enabled bool

	// Schedule is a cron expression, duration or HH:MM interval.
	Schedule string

	// Delay gates non-grant opportunities until they have been visible this long.
	Delay time.Duration

	// Window is the tolerance either side of the delay boundary.
	Window time.Duration

	// RatePerSecond caps sends across all workers. <= 0 disables pacing.
	RatePerSecond float64
	Workers       int

	// OpportunityPause separates opportunities within one tick.
	OpportunityPause time.Duration

	DeactivateUnreachable bool

	// LeaseTTL bounds a tick lease when a Locker is configured.
	LeaseTTL time.Duration
	Timezone string
}

// Store is the slice of persistence the pipeline needs.
type Store interface {
	ActiveSubscribers(ctx context.Context) ([]domain.Subscriber, error)
	RecordDelivery(ctx context.Context, recipientID, opportunityID string, at time.Time) error
	SetActive(ctx context.Context, recipientID string, active bool) error
	Stats(ctx context.Context, since time.Time) (domain.Stats, error)
}

// Evaluator decides eligibility for one pair. *eligibility.Filter implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, sub domain.Subscriber, opp domain.Opportunity) eligibility.Decision
}

// Dispatcher delivers one notification. *dispatch.Sender implements it.
type Dispatcher interface {
	Send(ctx context.Context, r domain.Recipient, opp domain.Opportunity) error
}

// Result summarizes one opportunity.
type Result struct {
	OpportunityID string                     `json:"opportunity_id"`
	Recipients    int                        `json:"recipients"`
	Eligible      int                        `json:"eligible"`
	Sent          int                        `json:"sent"`
	Duplicates    int                        `json:"duplicates"`
	Unreachable   int                        `json:"unreachable"`
	Failed        int                        `json:"failed"`
	Deactivated   int                        `json:"deactivated"`
	Skipped       map[eligibility.Reason]int `json:"skipped,omitempty"`
	Err           error                      `json:"-"`
}

// TickReport summarizes one tick.
type TickReport struct {
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Visible       int           `json:"visible"`
	Grants        int           `json:"grants"`
	Opportunities int           `json:"opportunities"`
	Sent          int           `json:"sent"`
	Duplicates    int           `json:"duplicates"`
	Unreachable   int           `json:"unreachable"`
	Failed        int           `json:"failed"`
	Errors        int           `json:"errors"`

	// LeaseHeld is set when another replica owned the tick lease.
	LeaseHeld bool                       `json:"lease_held,omitempty"`
	Skipped   map[eligibility.Reason]int `json:"skipped,omitempty"`
}

func (t *TickReport) add(r Result) {
	t.Opportunities++
	t.Sent += r.Sent
	t.Duplicates += r.Duplicates
	t.Unreachable += r.Unreachable
	t.Failed += r.Failed
	if r.Err != nil {
		t.Errors++
	}
	for k, v := range r.Skipped {
		if t.Skipped == nil {
			t.Skipped = map[eligibility.Reason]int{}
		}
		t.Skipped[k] += v
	}
}

// SkipReasons lists skip reasons in a stable order, for display.
func SkipReasons(m map[eligibility.Reason]int) []eligibility.Reason {
	out := make([]eligibility.Reason, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
