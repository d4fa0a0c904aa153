// Package lifecycle reconciles the planner's occurrence list with the
// platform scheduler: it owns the cancel-then-replan reschedule pass and
// the fired-trigger entry point.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chime/internal/alarm"
	"chime/internal/eventbus"
	"chime/internal/storage"
	"chime/pkg/logx"
)

// DefaultMaxScheduled reflects OS-imposed ceilings on concurrently
// scheduled local alarms (64 on iOS, similar budgets on Android OEMs).
const DefaultMaxScheduled = 60

// Config controls the lifecycle manager.
type Config struct {
	// MaxScheduled is the hard cap on pending registrations. Exceeding it
	// truncates, never errors.
	MaxScheduled int
}

func (c Config) withDefaults() Config {
	if c.MaxScheduled <= 0 {
		c.MaxScheduled = DefaultMaxScheduled
	}
	return c
}

// Planner is the occurrence source (implemented by services/planner).
type Planner interface {
	Plan(ctx context.Context, now time.Time) ([]alarm.Occurrence, error)
}

// OSScheduler is the platform alarm/notification registry. Its own state
// is treated as a cache that can drift; the pending token set is
// authoritative and is reconciled into it on every pass.
type OSScheduler interface {
	Register(ctx context.Context, osID string, fireAt time.Time, payload alarm.DisplayPayload) error
	Cancel(ctx context.Context, osIDs []string) error
}

// FiredFunc receives ownership of a fired token for the ringing hand-off.
type FiredFunc func(ctx context.Context, token alarm.ScheduledToken, plan alarm.Plan)

// Service is the token lifecycle manager.
type Service struct {
	// runMu serializes Reschedule passes (single-flight per process): two
	// concurrent passes must never both believe they own the pending set.
	runMu sync.Mutex

	mu  sync.Mutex
	cfg Config

	planner Planner
	plans   storage.PlanRepository
	tokens  storage.TokenRepository
	sched   OSScheduler
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	onFired FiredFunc
}

func New(cfg Config, pl Planner, st storage.Store, sched OSScheduler, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		planner: pl,
		plans:   st.Plans(),
		tokens:  st.Tokens(),
		sched:   sched,
		bus:     bus,
		log:     log,
		now:     time.Now,
	}
}

// SetClock injects a time source. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetFiredHandler installs the ringing hand-off. Must be called before the
// first trigger can fire.
func (s *Service) SetFiredHandler(fn FiredFunc) {
	s.mu.Lock()
	s.onFired = fn
	s.mu.Unlock()
}

// Apply swaps the config at runtime.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Reschedule runs a full cancel-then-replan pass. Call it after any
// mutation to plans, skip exceptions or settings, and after a fired-alarm
// acknowledgment.
//
// Post-invariant: the pending token set is exactly the image of the top-N
// unskipped occurrences at the time of the call.
func (s *Service) Reschedule(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	maxN := s.cfg.MaxScheduled
	s.mu.Unlock()

	start := s.now()

	// Step 1: cancel. This happens before planning so a failed plan run
	// can never leave orphaned platform registrations. A failed Cancel
	// call is logged and tolerated: a stale registration either expires
	// silently or double-fires into "no matching token", which HandleFired
	// treats as a no-op.
	pending, err := s.tokens.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: list pending: %w", err)
	}
	if len(pending) > 0 {
		ids := make([]string, len(pending))
		for i, t := range pending {
			ids[i] = t.OSIdentifier
		}
		if err := s.sched.Cancel(ctx, ids); err != nil {
			s.log.Warn("platform cancel failed; continuing, next pass self-heals",
				logx.Int("count", len(ids)), logx.Err(err))
		}
	}
	if err := s.tokens.DeleteAllPending(ctx); err != nil {
		return fmt.Errorf("lifecycle: clear pending: %w", err)
	}

	// Step 2: plan.
	occ, err := s.planner.Plan(ctx, start)
	if err != nil {
		return fmt.Errorf("lifecycle: plan: %w", err)
	}
	eligible := occ[:0:0]
	for _, o := range occ {
		if !o.IsSkipped {
			eligible = append(eligible, o)
		}
	}
	// Hard cap: the planner returns ascending order, so truncation keeps
	// the earliest instants.
	truncated := false
	if len(eligible) > maxN {
		eligible = eligible[:maxN]
		truncated = true
	}

	// Step 3: register and persist. Persist only after the platform call
	// succeeds; an individual failure skips that occurrence and never
	// aborts its siblings.
	toks := make([]alarm.ScheduledToken, 0, len(eligible))
	failed := 0
	for _, o := range eligible {
		osID, err := OSIdentifier(o.PlanID, o.Date, o.TimeOfDay)
		if err != nil {
			s.log.Warn("occurrence with underivable identifier",
				logx.String("plan", o.PlanID), logx.String("date", o.Date), logx.Err(err))
			failed++
			continue
		}
		payload := alarm.DisplayPayload{Label: o.PlanLabel, TimeOfDay: o.TimeOfDay, SoundID: o.SoundID}
		if err := s.sched.Register(ctx, osID, o.FireAt, payload); err != nil {
			s.log.Warn("platform register failed; occurrence dropped this pass",
				logx.String("os_id", osID), logx.Time("fire_at", o.FireAt), logx.Err(err))
			failed++
			continue
		}
		toks = append(toks, alarm.ScheduledToken{
			PlanID:       o.PlanID,
			Date:         o.Date,
			FireAt:       o.FireAt,
			OSIdentifier: osID,
			Status:       alarm.TokenPending,
		})
		// Per-token logging can run 60 times a pass; skip the field work
		// unless someone is listening at trace.
		if s.log.Enabled(logx.LevelTrace) {
			s.log.Trace("token registered",
				logx.String("os_id", osID), logx.Time("fire_at", o.FireAt), logx.String("label", o.PlanLabel))
		}
	}
	if len(toks) > 0 {
		if err := s.tokens.SaveAll(ctx, toks); err != nil {
			// Registrations exist that we failed to record. The next pass
			// cancels by the repository view, so these will double-fire
			// into no-ops rather than ring twice.
			return fmt.Errorf("lifecycle: persist tokens: %w", err)
		}
	}

	s.log.Info("reschedule pass completed",
		logx.Int("cancelled", len(pending)),
		logx.Int("planned", len(occ)),
		logx.Int("scheduled", len(toks)),
		logx.Int("failed", failed),
		logx.Bool("truncated", truncated),
		logx.Duration("took", time.Since(start)))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventRescheduleDone, Data: RescheduleReport{
			Cancelled: len(pending), Planned: len(occ), Scheduled: len(toks), Failed: failed,
		}})
	}
	return nil
}

// RescheduleReport summarizes one pass for observers.
type RescheduleReport struct {
	Cancelled int
	Planned   int
	Scheduled int
	Failed    int
}

// HandleFired is the platform fire callback. An identifier with no pending
// token is stale (superseded registration, double fire) and is dropped.
func (s *Service) HandleFired(ctx context.Context, osID string) error {
	tok, err := s.tokens.FindByOSIdentifier(ctx, osID)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Debug("fired trigger without matching token; dropped", logx.String("os_id", osID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("lifecycle: find token: %w", err)
	}
	if err := s.tokens.MarkFired(ctx, tok.ID); err != nil {
		return fmt.Errorf("lifecycle: mark fired: %w", err)
	}
	tok.Status = alarm.TokenFired

	plan, err := s.plans.Get(ctx, tok.PlanID)
	if errors.Is(err, storage.ErrNotFound) {
		// Plan deleted after registration; nothing to ring.
		s.log.Warn("fired token for deleted plan", logx.String("plan", tok.PlanID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("lifecycle: load plan: %w", err)
	}

	s.log.Info("alarm trigger fired",
		logx.String("os_id", osID), logx.String("plan", tok.PlanID), logx.String("label", plan.Label))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventTokenFired, Data: tok})
	}

	s.mu.Lock()
	fn := s.onFired
	s.mu.Unlock()
	if fn != nil {
		fn(ctx, tok, plan)
	}
	return nil
}
