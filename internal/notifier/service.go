package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"earnbot/internal/dispatch"
	"earnbot/internal/domain"
	"earnbot/internal/eligibility"
	"earnbot/internal/lease"
	"earnbot/internal/metrics"
	"earnbot/internal/source"
	"earnbot/internal/storage"
	logx "earnbot/pkg/logx"
)

var (
	ErrTickInProgress = errors.New("notifier: tick already running")
	ErrStopped        = errors.New("notifier: stopped")
)

const (
	leaseKey        = "notifier.tick"
	defaultLeaseTTL = 10 * time.Minute
	recordTimeout   = 5 * time.Second
)

// Deps are the collaborators of a Service. Throttle and Lease are optional.
type Deps struct {
	Catalog  source.Catalog
	Store    Store
	Filter   Evaluator
	Sender   Dispatcher
	Throttle dispatch.Throttle
	Lease    lease.Locker
	Now      func() time.Time
}

type Service struct {
	log logx.Logger

	catalog  source.Catalog
	store    Store
	filter   Evaluator
	sender   Dispatcher
	throttle dispatch.Throttle
	limiter  *rate.Limiter // set when the service owns the throttle
	lease    lease.Locker
	now      func() time.Time

	mu        sync.Mutex
	cfg       Config
	sched     Schedule
	loc       *time.Location
	c         *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc
	started   bool
	stopped   bool

	tickMu sync.Mutex
	last   atomic.Pointer[TickReport]
}

func New(cfg Config, deps Deps, log logx.Logger) (*Service, error) {
	switch {
	case deps.Catalog == nil:
		return nil, errors.New("notifier: catalog required")
	case deps.Store == nil:
		return nil, errors.New("notifier: store required")
	case deps.Filter == nil:
		return nil, errors.New("notifier: filter required")
	case deps.Sender == nil:
		return nil, errors.New("notifier: sender required")
	}
	sched, loc, err := prepare(cfg)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Service{
		log:      log,
		catalog:  deps.Catalog,
		store:    deps.Store,
		filter:   deps.Filter,
		sender:   deps.Sender,
		throttle: deps.Throttle,
		lease:    deps.Lease,
		now:      deps.Now,
		cfg:      cfg,
		sched:    sched,
		loc:      loc,
	}
	if s.throttle == nil {
		s.limiter = dispatch.NewLimiter(cfg.RatePerSecond)
		s.throttle = s.limiter
	}
	return s, nil
}

func prepare(cfg Config) (Schedule, *time.Location, error) {
	var sched Schedule
	if cfg.Enabled || strings.TrimSpace(cfg.Schedule) != "" {
		var err error
		if sched, err = ParseSchedule(cfg.Schedule); err != nil {
			return Schedule{}, nil, fmt.Errorf("notifier: %w", err)
		}
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return Schedule{}, nil, fmt.Errorf("notifier: timezone %q: %w", tz, err)
		}
		loc = l
	}
	return sched, loc, nil
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start begins scheduled ticks. It is a no-op when the service is disabled;
// a later Apply can enable it.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	s.started = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	if !s.cfg.Enabled {
		s.log.Info("notifier disabled")
		return nil
	}
	return s.startCronLocked()
}

func (s *Service) startCronLocked() error {
	sch, err := s.sched.cronSchedule()
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithParser(cronParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(sch, cron.FuncJob(s.runScheduled))
	c.Start()
	s.c = c
	s.log.Info("notifier started",
		logx.String("schedule", s.sched.String()),
		logx.Duration("delay", s.cfg.Delay),
		logx.Duration("window", s.cfg.Window),
		logx.Float64("rate_per_sec", s.cfg.RatePerSecond),
		logx.Int("workers", s.cfg.Workers))
	return nil
}

func (s *Service) runScheduled() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := s.Tick(ctx); errors.Is(err, ErrTickInProgress) {
		s.log.Debug("tick skipped: previous tick still running")
	}
}

// Stop prevents further ticks and cancels the running one. It waits for the
// running tick to return until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.stopped = true
	s.mu.Unlock()

	if c == nil {
		if cancel != nil {
			cancel()
		}
		return nil
	}
	done := c.Stop()
	if cancel != nil {
		cancel()
	}
	select {
	case <-done.Done():
		s.log.Info("notifier stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("notifier stop timed out; abandoning running tick")
		return ctx.Err()
	}
}

// Apply swaps the runtime configuration. Schedule, timezone and enablement
// changes rebuild the trigger; rate changes apply to the next send.
func (s *Service) Apply(cfg Config) error {
	sched, loc, err := prepare(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	s.cfg, s.sched, s.loc = cfg, sched, loc
	if s.limiter != nil && old.RatePerSecond != cfg.RatePerSecond {
		s.limiter.SetLimit(limitFor(cfg.RatePerSecond))
	}
	if !s.started || s.stopped {
		return nil
	}
	if old.Schedule == cfg.Schedule && old.Timezone == cfg.Timezone && old.Enabled == cfg.Enabled {
		return nil
	}
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	if !cfg.Enabled {
		s.log.Info("notifier disabled")
		return nil
	}
	return s.startCronLocked()
}

func limitFor(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// NextRun is the next scheduled tick, or zero when not scheduled.
func (s *Service) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	entries := s.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// LastReport returns the most recent tick report, if any.
func (s *Service) LastReport() (TickReport, bool) {
	r := s.last.Load()
	if r == nil {
		return TickReport{}, false
	}
	return *r, true
}

// Tick runs one polling cycle. A source failure aborts the tick and is returned;
// per-opportunity and per-recipient failures are counted in the report.
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	if s.isStopped() {
		return TickReport{}, ErrStopped
	}
	if !s.tickMu.TryLock() {
		return TickReport{}, ErrTickInProgress
	}
	defer s.tickMu.Unlock()

	cfg := s.config()
	rep := TickReport{StartedAt: s.now()}
	start := time.Now()
	finish := func(outcome string) {
		rep.Duration = time.Since(start)
		s.last.Store(&rep)
		metrics.ObserveTick(outcome, rep.Duration)
	}

	if s.lease != nil {
		ttl := cfg.LeaseTTL
		if ttl <= 0 {
			ttl = defaultLeaseTTL
		}
		release, ok := s.lease.Acquire(ctx, leaseKey, ttl)
		if !ok {
			rep.LeaseHeld = true
			finish("skipped")
			s.log.Debug("tick skipped: lease held by another instance")
			return rep, nil
		}
		defer release()
	}

	visible, err := s.catalog.FetchVisible(ctx, cfg.Delay, cfg.Window)
	if err != nil {
		finish("error")
		s.log.Error("tick aborted: fetch visible failed", logx.Err(err))
		return rep, fmt.Errorf("notifier: fetch visible: %w", err)
	}
	grants, err := s.catalog.FetchOpenGrants(ctx)
	if err != nil {
		finish("error")
		s.log.Error("tick aborted: fetch grants failed", logx.Err(err))
		return rep, fmt.Errorf("notifier: fetch grants: %w", err)
	}
	rep.Visible, rep.Grants = len(visible), len(grants)

	opps := make([]domain.Opportunity, 0, len(visible)+len(grants))
	opps = append(append(opps, visible...), grants...)
	for i, opp := range opps {
		if i > 0 && !pause(ctx, cfg.OpportunityPause) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		rep.add(s.ProcessOpportunity(ctx, opp))
	}

	outcome := "ok"
	if rep.Errors > 0 {
		outcome = "error"
	}
	finish(outcome)
	s.log.Info("tick complete",
		logx.Int("visible", rep.Visible),
		logx.Int("grants", rep.Grants),
		logx.Int("processed", rep.Opportunities),
		logx.Int("sent", rep.Sent),
		logx.Int("duplicates", rep.Duplicates),
		logx.Int("unreachable", rep.Unreachable),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Duration))
	return rep, ctx.Err()
}

func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Service) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type outcome int

const (
	outSent outcome = iota
	outDuplicate
	outUnreachable
	outDeactivated
	outFailed
)

// ProcessOpportunity evaluates every active subscriber against opp and delivers
// to the eligible ones. It never returns early on a single recipient's failure.
func (s *Service) ProcessOpportunity(ctx context.Context, opp domain.Opportunity) Result {
	res := Result{OpportunityID: opp.ID}
	metrics.IncOpportunity(string(opp.Category))
	log := s.log.With(logx.String("opportunity", opp.ID))

	subs, err := s.store.ActiveSubscribers(ctx)
	if err != nil {
		res.Err = fmt.Errorf("load subscribers: %w", err)
		log.Error("could not load subscribers", logx.Err(err))
		return res
	}
	res.Recipients = len(subs)

	eligible := make([]domain.Subscriber, 0, len(subs))
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		d := s.filter.Evaluate(ctx, sub, opp)
		if !d.Eligible {
			if res.Skipped == nil {
				res.Skipped = map[eligibility.Reason]int{}
			}
			res.Skipped[d.Reason]++
			metrics.IncSkipped(string(d.Reason))
			continue
		}
		eligible = append(eligible, sub)
	}
	res.Eligible = len(eligible)
	if len(eligible) == 0 {
		return res
	}

	cfg := s.config()
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(workers)
	for _, sub := range eligible {
		g.Go(func() error {
			o := s.deliver(ctx, cfg, sub.Recipient, opp)
			mu.Lock()
			defer mu.Unlock()
			switch o {
			case outSent:
				res.Sent++
			case outDuplicate:
				res.Duplicates++
			case outUnreachable:
				res.Unreachable++
			case outDeactivated:
				res.Unreachable++
				res.Deactivated++
			default:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info("opportunity processed",
		logx.String("category", string(opp.Category)),
		logx.Int("recipients", res.Recipients),
		logx.Int("eligible", res.Eligible),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed+res.Unreachable))
	return res
}

func (s *Service) deliver(ctx context.Context, cfg Config, r domain.Recipient, opp domain.Opportunity) outcome {
	log := s.log.With(logx.String("recipient", r.ID), logx.String("opportunity", opp.ID))
	if err := s.throttle.Wait(ctx); err != nil {
		metrics.IncDelivery("failed")
		return outFailed
	}

	if err := s.sender.Send(ctx, r, opp); err != nil {
		if errors.Is(err, dispatch.ErrUnreachable) {
			metrics.IncDelivery("unreachable")
			if !cfg.DeactivateUnreachable {
				log.Warn("recipient unreachable", logx.Err(err))
				return outUnreachable
			}
			if derr := s.store.SetActive(context.WithoutCancel(ctx), r.ID, false); derr != nil {
				log.Error("could not deactivate unreachable recipient", logx.Err(derr))
				return outUnreachable
			}
			log.Warn("recipient unreachable; deactivated", logx.Err(err))
			return outDeactivated
		}
		metrics.IncDelivery("failed")
		if wait, ok := dispatch.RetryAfter(err); ok {
			log.Warn("send throttled by platform", logx.Duration("retry_after", wait), logx.Err(err))
		} else {
			log.Warn("send failed", logx.Err(err))
		}
		return outFailed
	}

	// The message is out; record it even if the tick is being cancelled.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.store.RecordDelivery(rctx, r.ID, opp.ID, s.now()); err != nil {
		if errors.Is(err, storage.ErrAlreadyRecorded) {
			metrics.IncDelivery("duplicate")
			log.Debug("delivery already recorded")
			return outDuplicate
		}
		log.Error("delivered but not recorded", logx.Err(err))
	}
	metrics.IncDelivery("sent")
	return outSent
}

// TriggerOpportunity processes one opportunity by id immediately, ignoring the
// visibility window. Recipients already notified are skipped as usual. It shares
// the tick lock, so it fails with ErrTickInProgress while a tick runs.
func (s *Service) TriggerOpportunity(ctx context.Context, id string) (Result, error) {
	if s.isStopped() {
		return Result{}, ErrStopped
	}
	if !s.tickMu.TryLock() {
		return Result{}, ErrTickInProgress
	}
	defer s.tickMu.Unlock()
	id = strings.TrimSpace(id)
	if id == "" {
		return Result{}, errors.New("notifier: opportunity id required")
	}
	opp, err := s.catalog.FindOpportunity(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("notifier: find %s: %w", id, err)
	}
	s.log.Info("manual trigger", logx.String("opportunity", id), logx.String("title", opp.Title))
	res := s.ProcessOpportunity(ctx, opp)
	return res, res.Err
}

// Stats reports recipient and ledger counts; today starts at local midnight.
func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	now := s.now().In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	return s.store.Stats(ctx, midnight)
}

type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
