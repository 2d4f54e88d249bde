package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"earnbot/internal/dispatch"
	"earnbot/internal/domain"
	"earnbot/internal/eligibility"
	"earnbot/internal/lease"
	"earnbot/internal/source"
	"earnbot/internal/storage"
	"earnbot/internal/transport"
	logx "earnbot/pkg/logx"
)

var clock = time.Date(2026, 4, 2, 15, 30, 0, 0, time.UTC)

type fakeSender struct {
	mu      sync.Mutex
	sends   map[string]int
	fail    map[int64]error
	block   chan struct{}
	waiting atomic.Int32
}

func newFakeSender() *fakeSender {
	return &fakeSender{sends: map[string]int{}, fail: map[int64]error{}}
}

func (f *fakeSender) Send(ctx context.Context, r domain.Recipient, opp domain.Opportunity) error {
	if f.block != nil {
		f.waiting.Add(1)
		select {
		case <-f.block:
		case <-ctx.Done():
			return dispatch.Classify(ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[r.ChatID]; err != nil {
		return err
	}
	f.sends[r.ID+"|"+opp.ID]++
	return nil
}

func (f *fakeSender) count(recipientID, oppID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[recipientID+"|"+oppID]
}

func (f *fakeSender) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.sends {
		n += v
	}
	return n
}

type harness struct {
	svc     *Service
	store   storage.Store
	catalog *source.Memory
	sender  *fakeSender
}

func testConfig() Config {
	return Config{
		Enabled:  true,
		Schedule: "5m",
		Delay:    12 * time.Hour,
		Window:   5 * time.Minute,
		Workers:  4,
	}
}

func newHarness(t *testing.T, cfg Config, opts ...func(*Deps)) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store:   st,
		catalog: source.NewMemory(func() time.Time { return clock }),
		sender:  newFakeSender(),
	}
	deps := Deps{
		Catalog: h.catalog,
		Store:   st,
		Filter:  eligibility.New(st, nil, logx.Nop()),
		Sender:  h.sender,
		Now:     func() time.Time { return clock },
	}
	for _, o := range opts {
		o(&deps)
	}
	h.svc, err = New(cfg, deps, logx.Nop())
	require.NoError(t, err)
	return h
}

func (h *harness) recipient(t *testing.T, chatID int64) domain.Recipient {
	t.Helper()
	r, _, err := h.store.EnsureRecipient(context.Background(), chatID, fmt.Sprintf("user%d", chatID))
	require.NoError(t, err)
	return r
}

func bounty(id string, visibleAt time.Time) domain.Opportunity {
	return domain.Opportunity{
		ID:        id,
		Title:     "Bounty " + id,
		Sponsor:   "Acme",
		Category:  domain.CategoryBounty,
		Reward:    domain.Reward{Kind: domain.RewardFixed, Token: "USDC", Amount: 500, USD: 500},
		Geography: []string{"GLOBAL"},
		VisibleAt: visibleAt,
	}
}

func grant(id string) domain.Opportunity {
	return domain.Opportunity{
		ID:        id,
		Title:     "Grant " + id,
		Category:  domain.CategoryGrant,
		Reward:    domain.Reward{Kind: domain.RewardVariable, MinUSD: domain.Float(1000), MaxUSD: domain.Float(5000)},
		VisibleAt: clock.Add(-30 * 24 * time.Hour),
	}
}

func TestTickDeliversAtMostOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	a := h.recipient(t, 1)
	b := h.recipient(t, 2)
	h.catalog.Put(bounty("b1", clock.Add(-12*time.Hour)))
	h.catalog.Put(bounty("b-fresh", clock.Add(-time.Hour)))
	h.catalog.Put(grant("g1"))

	rep, err := h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Visible)
	assert.Equal(t, 1, rep.Grants)
	assert.Equal(t, 2, rep.Opportunities)
	assert.Equal(t, 4, rep.Sent)

	rep, err = h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Sent)
	assert.Equal(t, 4, rep.Skipped[eligibility.ReasonAlreadyNotified])

	for _, r := range []domain.Recipient{a, b} {
		for _, id := range []string{"b1", "g1"} {
			assert.Equal(t, 1, h.sender.count(r.ID, id), "%s/%s", r.ID, id)
			ok, err := h.store.HasDelivered(ctx, r.ID, id)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		assert.Zero(t, h.sender.count(r.ID, "b-fresh"))
	}

	last, ok := h.svc.LastReport()
	require.True(t, ok)
	assert.Zero(t, last.Sent)
}

func TestPreferencesGateDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	projectsOnly := h.recipient(t, 1)
	prefs := domain.DefaultPreferences()
	prefs.NotifyBounties = false
	require.NoError(t, h.store.SavePreferences(ctx, projectsOnly.ID, prefs))
	everyone := h.recipient(t, 2)

	h.catalog.Put(bounty("b1", clock.Add(-12*time.Hour)))
	res := h.svc.ProcessOpportunity(ctx, bounty("b1", clock))
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Recipients)
	assert.Equal(t, 1, res.Eligible)
	assert.Equal(t, 1, res.Skipped[eligibility.ReasonCategory])
	assert.Zero(t, h.sender.count(projectsOnly.ID, "b1"))
	assert.Equal(t, 1, h.sender.count(everyone.ID, "b1"))
}

func TestSendFailureIsIsolatedAndRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	flaky := h.recipient(t, 1)
	ok := h.recipient(t, 2)
	h.sender.fail[1] = fmt.Errorf("%w: timeout", dispatch.ErrTransient)
	opp := bounty("b1", clock.Add(-12*time.Hour))
	h.catalog.Put(opp)

	res := h.svc.ProcessOpportunity(ctx, opp)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.NoError(t, res.Err)

	delivered, err := h.store.HasDelivered(ctx, flaky.ID, "b1")
	require.NoError(t, err)
	assert.False(t, delivered)

	delete(h.sender.fail, 1)
	res = h.svc.ProcessOpportunity(ctx, opp)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Skipped[eligibility.ReasonAlreadyNotified])
	assert.Equal(t, 1, h.sender.count(flaky.ID, "b1"))
	assert.Equal(t, 1, h.sender.count(ok.ID, "b1"))
}

func TestUnreachableRecipientDeactivated(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.DeactivateUnreachable = true
	h := newHarness(t, cfg)
	gone := h.recipient(t, 7)
	h.sender.fail[7] = dispatch.Classify(fmt.Errorf("%w: blocked", transport.ErrRecipientGone))

	res := h.svc.ProcessOpportunity(ctx, bounty("b1", clock))
	assert.Equal(t, 1, res.Unreachable)
	assert.Equal(t, 1, res.Deactivated)

	r, err := h.store.RecipientByChat(ctx, gone.ChatID)
	require.NoError(t, err)
	assert.False(t, r.Active)

	subs, err := h.store.ActiveSubscribers(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestUnreachableKeptWhenDeactivationOff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	gone := h.recipient(t, 7)
	h.sender.fail[7] = dispatch.Classify(fmt.Errorf("%w: blocked", transport.ErrRecipientGone))

	res := h.svc.ProcessOpportunity(ctx, bounty("b1", clock))
	assert.Equal(t, 1, res.Unreachable)
	assert.Zero(t, res.Deactivated)

	r, err := h.store.RecipientByChat(ctx, gone.ChatID)
	require.NoError(t, err)
	assert.True(t, r.Active)
}

type conflictStore struct{ storage.Store }

func (conflictStore) RecordDelivery(context.Context, string, string, time.Time) error {
	return storage.ErrAlreadyRecorded
}

func TestRecordConflictCountsAsDuplicate(t *testing.T) {
	h := newHarness(t, testConfig())
	h.recipient(t, 1)
	h.svc.store = conflictStore{h.store}

	res := h.svc.ProcessOpportunity(context.Background(), bounty("b1", clock))
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, res.Duplicates)
	assert.Zero(t, res.Sent)
	assert.Zero(t, res.Failed)
}

func TestSourceErrorAbortsTick(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.recipient(t, 1)
	h.catalog.Put(bounty("b1", clock.Add(-12*time.Hour)))

	boom := errors.New("catalog unavailable")
	h.catalog.FailWith(boom)
	_, err := h.svc.Tick(ctx)
	require.ErrorIs(t, err, boom)
	assert.Zero(t, h.sender.total())
	_, ok := h.svc.LastReport()
	assert.True(t, ok)

	h.catalog.FailWith(nil)
	rep, err := h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sent)
}

func TestTickSkippedWhileLeaseHeld(t *testing.T) {
	locker := lease.NewLocal()
	h := newHarness(t, testConfig(), func(d *Deps) { d.Lease = locker })
	h.recipient(t, 1)
	h.catalog.Put(bounty("b1", clock.Add(-12*time.Hour)))

	release, ok := locker.Acquire(context.Background(), leaseKey, time.Minute)
	require.True(t, ok)

	rep, err := h.svc.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.LeaseHeld)
	assert.Zero(t, h.sender.total())

	release()
	rep, err = h.svc.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.LeaseHeld)
	assert.Equal(t, 1, rep.Sent)
}

func TestConcurrentTickRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	h.recipient(t, 1)
	h.catalog.Put(bounty("b1", clock.Add(-12*time.Hour)))
	h.sender.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Tick(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return h.sender.waiting.Load() == 1 }, time.Second, time.Millisecond)
	_, err := h.svc.Tick(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)

	close(h.sender.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.sender.total())
}

func TestTriggerWaitsForRunningTick(t *testing.T) {
	h := newHarness(t, testConfig())
	r := h.recipient(t, 1)
	h.catalog.Put(bounty("b1", clock.Add(-12*time.Hour)))
	h.sender.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Tick(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return h.sender.waiting.Load() == 1 }, time.Second, time.Millisecond)
	_, err := h.svc.TriggerOpportunity(context.Background(), "b1")
	assert.ErrorIs(t, err, ErrTickInProgress)

	close(h.sender.block)
	require.NoError(t, <-done)

	res, err := h.svc.TriggerOpportunity(context.Background(), "b1")
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Equal(t, 1, h.sender.count(r.ID, "b1"))
}

func TestTriggerOpportunityIgnoresWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	r := h.recipient(t, 1)
	h.catalog.Put(bounty("fresh", clock.Add(-time.Minute)))

	res, err := h.svc.TriggerOpportunity(ctx, " fresh ")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, h.sender.count(r.ID, "fresh"))

	res, err = h.svc.TriggerOpportunity(ctx, "fresh")
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Equal(t, 1, res.Skipped[eligibility.ReasonAlreadyNotified])

	_, err = h.svc.TriggerOpportunity(ctx, "missing")
	assert.ErrorIs(t, err, source.ErrNotFound)

	_, err = h.svc.TriggerOpportunity(ctx, "")
	assert.Error(t, err)
}

func TestStatsCountsToday(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	r := h.recipient(t, 1)
	h.recipient(t, 2)
	require.NoError(t, h.store.RecordDelivery(ctx, r.ID, "old", clock.Add(-48*time.Hour)))
	require.NoError(t, h.store.RecordDelivery(ctx, r.ID, "new", clock.Add(-time.Hour)))

	st, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.TotalRecipients)
	assert.Equal(t, int64(2), st.ActiveRecipients)
	assert.Equal(t, int64(2), st.TotalDeliveries)
	assert.Equal(t, int64(1), st.TodayDeliveries)
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule = "1h"
	h := newHarness(t, cfg)

	require.NoError(t, h.svc.Start(context.Background()))
	assert.False(t, h.svc.NextRun().IsZero())

	cfg.Enabled = false
	require.NoError(t, h.svc.Apply(cfg))
	assert.True(t, h.svc.NextRun().IsZero())

	cfg.Enabled = true
	cfg.Schedule = "*/5 * * * *"
	require.NoError(t, h.svc.Apply(cfg))
	assert.False(t, h.svc.NextRun().IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.svc.Stop(ctx))
	assert.True(t, h.svc.NextRun().IsZero())

	_, err := h.svc.Tick(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, h.svc.Start(context.Background()), ErrStopped)
}

func TestApplyRejectsBadSchedule(t *testing.T) {
	h := newHarness(t, testConfig())
	cfg := testConfig()
	cfg.Schedule = "whenever"
	assert.Error(t, h.svc.Apply(cfg))
	assert.Equal(t, "5m", h.svc.config().Schedule)
}

func TestApplyUpdatesOwnedLimiter(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NotNil(t, h.svc.limiter)
	cfg := testConfig()
	cfg.RatePerSecond = 10
	require.NoError(t, h.svc.Apply(cfg))
	assert.InDelta(t, 10, float64(h.svc.limiter.Limit()), 0.001)
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(testConfig(), Deps{}, logx.Nop())
	assert.Error(t, err)
}
