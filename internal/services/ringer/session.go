// Package ringer implements the ringing session state machine: everything
// between a trigger firing and the user (or ring exhaustion) dismissing it.
package ringer

import (
	"context"
	"sync"
	"time"

	"chime/internal/alarm"
	"chime/internal/eventbus"
	"chime/pkg/logx"
)

// DefaultWakeBudget bounds the keep-awake grant per ring.
const DefaultWakeBudget = 5 * time.Minute

// State of the machine. Idle is both entry and the only terminal state.
type State int

const (
	Idle State = iota
	Ringing
)

func (s State) String() string {
	if s == Ringing {
		return "ringing"
	}
	return "idle"
}

// EndReason says why a session ended.
type EndReason string

const (
	EndStopped   EndReason = "stopped"
	EndExhausted EndReason = "exhausted"
)

// Config controls the session machine.
type Config struct {
	WakeBudget time.Duration // 0 means DefaultWakeBudget
}

func (c Config) withDefaults() Config {
	if c.WakeBudget <= 0 {
		c.WakeBudget = DefaultWakeBudget
	}
	return c
}

// Snapshot is a read-only view of the current session.
type Snapshot struct {
	State      State
	TokenID    string
	PlanID     string
	Label      string
	RingIndex  int
	TotalRings int
	Interval   time.Duration
	// NextRingAt is set while a snooze timer is armed.
	NextRingAt time.Time
}

// Service is the process-wide ringing session. Only one session is active
// at a time; fire callbacks while Ringing fold into advancing it.
type Service struct {
	mu  sync.Mutex
	cfg Config

	state State

	// Current session; meaningful only while state == Ringing.
	tokenID    string
	planID     string
	label      string
	soundID    string
	totalRings int
	interval   time.Duration
	ringIndex  int

	// Snooze timer. The version counter makes stale callbacks no-ops so a
	// Stop racing the timer always wins.
	timer      *time.Timer
	timerVer   uint64
	nextRingAt time.Time

	res     Resources
	surface Surface
	bus     eventbus.Bus
	log     logx.Logger

	// intervalFor derives the snooze gap from a plan. Tests shrink it.
	intervalFor func(alarm.Plan) time.Duration

	onEnded func(reason EndReason)
}

func New(cfg Config, res Resources, surface Surface, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg.withDefaults(),
		res:         res,
		surface:     surface,
		bus:         bus,
		log:         log,
		intervalFor: alarm.Plan.Interval,
	}
}

// SetIntervalFunc overrides snooze-gap derivation. Tests only.
func (s *Service) SetIntervalFunc(fn func(alarm.Plan) time.Duration) {
	if fn != nil {
		s.mu.Lock()
		s.intervalFor = fn
		s.mu.Unlock()
	}
}

// SetEndedHandler installs a callback invoked (outside the lock) whenever a
// session terminates, however it terminates.
func (s *Service) SetEndedHandler(fn func(EndReason)) {
	s.mu.Lock()
	s.onEnded = fn
	s.mu.Unlock()
}

// Snapshot returns the current machine state.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{State: s.state}
	if s.state == Ringing {
		snap.TokenID = s.tokenID
		snap.PlanID = s.planID
		snap.Label = s.label
		snap.RingIndex = s.ringIndex
		snap.TotalRings = s.totalRings
		snap.Interval = s.interval
		snap.NextRingAt = s.nextRingAt
	}
	return snap
}

// HandleFired is the entry transition, shaped to plug into the lifecycle
// manager's fired hand-off. A fire while already Ringing advances the
// existing session instead of starting a second one.
func (s *Service) HandleFired(ctx context.Context, token alarm.ScheduledToken, plan alarm.Plan) {
	s.mu.Lock()
	if s.state == Ringing {
		next := s.ringIndex + 1
		s.log.Debug("fire while ringing; folding into active session",
			logx.String("plan", plan.ID), logx.Int("next_ring", next))
		s.advanceLocked(next)
		return
	}

	s.tokenID = token.ID
	s.planID = plan.ID
	s.label = plan.Label
	s.soundID = plan.SoundID
	s.totalRings = plan.RepeatCount
	if s.totalRings < 1 {
		s.totalRings = 1
	}
	s.interval = s.intervalFor(plan)
	s.state = Ringing
	s.publish(eventbus.EventSessionStarted)
	s.startRingLocked(1)
}

// Stop is the user dismissal. It always returns the machine to Idle and
// releases every tracked resource; it is safe to call in any state.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.state != Ringing {
		s.mu.Unlock()
		return
	}
	s.log.Info("session stopped by user",
		logx.String("plan", s.planID), logx.Int("ring", s.ringIndex), logx.Int("total", s.totalRings))
	s.endLocked(EndStopped)
}

// Snooze silences the current ring and defers the next one by the plan's
// interval. Snoozing on the final ring ends the session immediately: no
// timer is armed.
func (s *Service) Snooze() {
	s.mu.Lock()
	if s.state != Ringing {
		s.mu.Unlock()
		return
	}

	// Resources stop now; the session survives until the next ring.
	s.res.StopAlert()
	s.res.ReleaseWake()
	s.cancelTimerLocked()

	next := s.ringIndex + 1
	if next > s.totalRings {
		s.log.Info("session exhausted on snooze",
			logx.String("plan", s.planID), logx.Int("total", s.totalRings))
		s.endLocked(EndExhausted)
		return
	}

	s.timerVer++
	ver := s.timerVer
	s.nextRingAt = time.Now().Add(s.interval)
	s.timer = time.AfterFunc(s.interval, func() { s.snoozeExpired(ver, next) })
	surface := s.surface
	s.log.Info("snoozed",
		logx.String("plan", s.planID), logx.Int("next_ring", next), logx.Duration("in", s.interval))
	s.mu.Unlock()

	// Surface callbacks run outside the lock; implementations may call
	// straight back into the session.
	if surface != nil {
		surface.Dismiss()
	}
}

// snoozeExpired re-enters the fire transition with the advanced index. A
// Stop (or anything else) that bumped the version in the meantime makes
// this a no-op; the Stop path won the race.
func (s *Service) snoozeExpired(ver uint64, next int) {
	s.mu.Lock()
	if s.state != Ringing || s.timerVer != ver {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.nextRingAt = time.Time{}
	s.advanceLocked(next)
}

// advanceLocked moves to ring index next or ends the session when the
// index would exceed the budget. Releases s.mu.
func (s *Service) advanceLocked(next int) {
	if next > s.totalRings {
		s.log.Info("session exhausted",
			logx.String("plan", s.planID), logx.Int("total", s.totalRings))
		s.endLocked(EndExhausted)
		return
	}
	s.startRingLocked(next)
}

// startRingLocked performs the ring entry side effects. Resource failures
// are logged and never block the session: Stop/Snooze must stay available
// even in a degraded state. Releases s.mu.
func (s *Service) startRingLocked(index int) {
	// A re-entrant fire may arrive mid-ring; release any prior grant
	// before acquiring.
	s.res.StopAlert()
	s.res.ReleaseWake()
	s.cancelTimerLocked()

	s.ringIndex = index
	if err := s.res.AcquireWake(s.cfg.WakeBudget); err != nil {
		s.log.Warn("wake lock unavailable; ringing degraded", logx.Err(err))
	}
	if err := s.res.StartAlert(s.soundID); err != nil {
		s.log.Warn("alert resources unavailable; ringing degraded",
			logx.String("sound", s.soundID), logx.Err(err))
	}

	info := RingInfo{
		PlanID:     s.planID,
		Label:      s.label,
		SoundID:    s.soundID,
		RingIndex:  index,
		TotalRings: s.totalRings,
		Interval:   s.interval,
	}
	surface := s.surface
	s.publish(eventbus.EventSessionRing)
	s.log.Info("ring",
		logx.String("plan", s.planID), logx.Int("ring", index), logx.Int("total", s.totalRings))
	s.mu.Unlock()

	if surface != nil {
		surface.ShowRinging(info)
	}
}

// endLocked tears the session down to Idle. Releases s.mu.
func (s *Service) endLocked(reason EndReason) {
	s.cancelTimerLocked()
	s.res.StopAlert()
	s.res.ReleaseWake()

	surface := s.surface
	onEnded := s.onEnded
	s.state = Idle
	s.tokenID, s.planID, s.label, s.soundID = "", "", "", ""
	s.ringIndex, s.totalRings = 0, 0
	s.interval = 0
	s.nextRingAt = time.Time{}
	s.publishEnd(reason)
	s.mu.Unlock()

	if surface != nil {
		surface.Dismiss()
	}
	if onEnded != nil {
		onEnded(reason)
	}
}

// cancelTimerLocked disarms the snooze timer and invalidates in-flight
// callbacks.
func (s *Service) cancelTimerLocked() {
	s.timerVer++
	if s.timer != nil {
		_ = s.timer.Stop()
		s.timer = nil
	}
	s.nextRingAt = time.Time{}
}

func (s *Service) publish(typ string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: Snapshot{
		State: s.state, TokenID: s.tokenID, PlanID: s.planID, Label: s.label,
		RingIndex: s.ringIndex, TotalRings: s.totalRings, Interval: s.interval,
	}})
}

func (s *Service) publishEnd(reason EndReason) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.EventSessionEnded, Data: reason})
}
