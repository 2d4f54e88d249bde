package source

import (
	"context"
	"sort"
	"sync"
	"time"

	"earnbot/internal/domain"
)

// Memory is an in-process Catalog. It backs local runs without an upstream
// database and the notifier tests.
type Memory struct {
	mu    sync.RWMutex
	items map[string]domain.Opportunity
	now   func() time.Time
	err   error
}

func NewMemory(now func() time.Time, opps ...domain.Opportunity) *Memory {
	if now == nil {
		now = time.Now
	}
	m := &Memory{items: map[string]domain.Opportunity{}, now: now}
	for _, o := range opps {
		m.items[o.ID] = o
	}
	return m
}

// Put adds or replaces an opportunity.
func (m *Memory) Put(o domain.Opportunity) {
	m.mu.Lock()
	m.items[o.ID] = o
	m.mu.Unlock()
}

// FailWith makes every subsequent call return err (nil clears it).
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Memory) FetchVisible(ctx context.Context, delay, window time.Duration) ([]domain.Opportunity, error) {
	from, to := VisibilityWindow(m.now(), delay, window)
	return m.list(ctx, func(o domain.Opportunity) bool {
		return o.Category != domain.CategoryGrant && InWindow(o.VisibleAt, from, to)
	})
}

func (m *Memory) FetchOpenGrants(ctx context.Context) ([]domain.Opportunity, error) {
	return m.list(ctx, func(o domain.Opportunity) bool { return o.Category == domain.CategoryGrant })
}

func (m *Memory) FindOpportunity(ctx context.Context, id string) (domain.Opportunity, error) {
	if err := ctx.Err(); err != nil {
		return domain.Opportunity{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return domain.Opportunity{}, m.err
	}
	o, ok := m.items[id]
	if !ok {
		return domain.Opportunity{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) AvailableSkills(ctx context.Context) ([]string, error) {
	opps, err := m.list(ctx, func(domain.Opportunity) bool { return true })
	if err != nil {
		return nil, err
	}
	return distinctSkills(opps), nil
}

func (m *Memory) list(ctx context.Context, keep func(domain.Opportunity) bool) ([]domain.Opportunity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]domain.Opportunity, 0, len(m.items))
	for _, o := range m.items {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].VisibleAt.Equal(out[j].VisibleAt) {
			return out[i].VisibleAt.Before(out[j].VisibleAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func distinctSkills(opps []domain.Opportunity) []string {
	set := map[string]struct{}{}
	for _, o := range opps {
		for _, s := range o.Skills {
			if s != "" {
				set[s] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
