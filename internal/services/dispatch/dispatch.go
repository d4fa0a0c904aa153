// Package dispatch is the in-process stand-in for a platform alarm
// registry. It arms one-shot timers keyed by OS identifier and invokes a
// fire handler when one elapses. On a phone this role is played by
// AlarmManager or UNUserNotificationCenter; the daemon uses timers so the
// whole engine can run and be tested end to end.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"chime/internal/alarm"
	"chime/pkg/logx"
)

// ErrStopped is returned by Register when the dispatcher is not running.
var ErrStopped = errors.New("dispatch: not started")

// FireFunc receives the identifier of an elapsed timer.
type FireFunc func(ctx context.Context, osID string)

type entry struct {
	ver     uint64
	fireAt  time.Time
	payload alarm.DisplayPayload
	timer   *time.Timer
}

type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	entries map[string]*entry
	vers    map[string]uint64

	baseCtx context.Context
	onFire  FireFunc
	now     func() time.Time
	started bool
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log.With(logx.String("svc", "dispatch")),
		entries: map[string]*entry{},
		vers:    map[string]uint64{},
		baseCtx: context.Background(),
		now:     time.Now,
	}
}

// SetClock overrides the wall clock. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetFireHandler installs the callback invoked when a timer elapses.
// Must be called before Start.
func (s *Service) SetFireHandler(fn FireFunc) {
	s.mu.Lock()
	s.onFire = fn
	s.mu.Unlock()
}

// Start accepts registrations and begins firing timers. ctx is passed to
// the fire handler for every subsequent callback.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.baseCtx = ctx
	s.started = true
	s.log.Info("dispatch started")
}

// Stop disarms every pending timer. Registrations made after Stop are
// rejected until the next Start.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
	s.log.Info("dispatch stopped")
}

// Register arms a one-shot timer for osID. Registering an identifier that
// is already armed replaces the previous timer (upsert). A fireAt in the
// past fires immediately.
func (s *Service) Register(_ context.Context, osID string, fireAt time.Time, payload alarm.DisplayPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrStopped
	}

	if prev, ok := s.entries[osID]; ok {
		prev.timer.Stop()
		delete(s.entries, osID)
	}
	ver := s.vers[osID] + 1
	s.vers[osID] = ver

	delay := fireAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	e := &entry{ver: ver, fireAt: fireAt, payload: payload}
	e.timer = time.AfterFunc(delay, func() { s.fired(osID, ver) })
	s.entries[osID] = e

	s.log.Debug("timer armed",
		logx.String("os_id", osID), logx.Time("fire_at", fireAt), logx.Duration("in", delay))
	return nil
}

// Cancel disarms the given identifiers. Unknown identifiers are ignored;
// Cancel never fails.
func (s *Service) Cancel(_ context.Context, osIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range osIDs {
		e, ok := s.entries[id]
		if !ok {
			continue
		}
		e.timer.Stop()
		s.vers[id]++ // a callback already in flight sees a stale version
		delete(s.entries, id)
		n++
	}
	if n > 0 {
		s.log.Debug("timers cancelled", logx.Int("count", n))
	}
	return nil
}

// Pending returns the armed identifiers, for diagnostics.
func (s *Service) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

func (s *Service) fired(osID string, ver uint64) {
	s.mu.Lock()
	e, ok := s.entries[osID]
	if !s.started || !ok || e.ver != ver || s.vers[osID] != ver {
		// cancelled or replaced while the callback was in flight
		s.mu.Unlock()
		return
	}
	delete(s.entries, osID)
	ctx := s.baseCtx
	fn := s.onFire
	s.mu.Unlock()

	s.log.Debug("timer fired", logx.String("os_id", osID))
	if fn != nil {
		fn(ctx, osID)
	}
}
