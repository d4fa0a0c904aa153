package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chime/internal/alarm"
)

// memoryStore keeps everything in process-local maps. It is the default
// driver for the reference host and the backing store for most tests.
type memoryStore struct {
	mu sync.RWMutex

	plans    map[string]alarm.Plan
	skips    map[string]alarm.SkipException // key: planID + "|" + date
	holidays []alarm.Holiday
	settings alarm.Settings
	tokens   map[string]alarm.ScheduledToken // key: token ID

	now func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		plans:  map[string]alarm.Plan{},
		skips:  map[string]alarm.SkipException{},
		tokens: map[string]alarm.ScheduledToken{},
		now:    time.Now,
	}
}

// NewMemoryWithClock is NewMemory with an injected time source (tests).
func NewMemoryWithClock(now func() time.Time) Store {
	s := NewMemory().(*memoryStore)
	if now != nil {
		s.now = now
	}
	return s
}

func (s *memoryStore) Plans() PlanRepository        { return (*memPlans)(s) }
func (s *memoryStore) Skips() SkipRepository        { return (*memSkips)(s) }
func (s *memoryStore) Holidays() HolidayRepository  { return (*memHolidays)(s) }
func (s *memoryStore) Settings() SettingsRepository { return (*memSettings)(s) }
func (s *memoryStore) Tokens() TokenRepository      { return (*memTokens)(s) }
func (s *memoryStore) Close() error                 { return nil }

func skipKey(planID, date string) string { return planID + "|" + date }

// ---- plans ----

type memPlans memoryStore

func (r *memPlans) ListEnabled(ctx context.Context) ([]alarm.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]alarm.Plan, 0, len(r.plans))
	for _, p := range r.plans {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memPlans) Get(ctx context.Context, id string) (alarm.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[id]
	if !ok {
		return alarm.Plan{}, ErrNotFound
	}
	return p, nil
}

func (r *memPlans) Save(ctx context.Context, p *alarm.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if p.ID == "" {
		p.ID = uuid.NewString()
		p.CreatedAt = now
	} else if old, ok := r.plans[p.ID]; ok {
		p.CreatedAt = old.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	r.plans[p.ID] = *p
	return nil
}

func (r *memPlans) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plans[id]; !ok {
		return ErrNotFound
	}
	delete(r.plans, id)
	return nil
}

// ---- skip exceptions ----

type memSkips memoryStore

func (r *memSkips) ListInRange(ctx context.Context, planID, from, to string) ([]alarm.SkipException, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []alarm.SkipException
	for _, e := range r.skips {
		if planID != "" && e.PlanID != planID {
			continue
		}
		if e.Date < from || e.Date >= to {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].PlanID < out[j].PlanID
	})
	return out, nil
}

func (r *memSkips) Save(ctx context.Context, e *alarm.SkipException) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := skipKey(e.PlanID, e.Date)
	if old, ok := r.skips[key]; ok {
		// Upsert: one exception per (plan, date).
		e.ID = old.ID
		e.CreatedAt = old.CreatedAt
	} else {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.CreatedAt = r.now()
	}
	r.skips[key] = *e
	return nil
}

func (r *memSkips) Delete(ctx context.Context, planID, date string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := skipKey(planID, date)
	if _, ok := r.skips[key]; !ok {
		return ErrNotFound
	}
	delete(r.skips, key)
	return nil
}

// ---- holidays ----

type memHolidays memoryStore

func (r *memHolidays) ListInRange(ctx context.Context, from, to string) ([]alarm.Holiday, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []alarm.Holiday
	for _, h := range r.holidays {
		if h.Date >= from && h.Date < to {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (r *memHolidays) ReplaceAll(ctx context.Context, hs []alarm.Holiday) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holidays = append([]alarm.Holiday(nil), hs...)
	return nil
}

// ---- settings ----

type memSettings memoryStore

func (r *memSettings) Get(ctx context.Context) (alarm.Settings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings, nil
}

func (r *memSettings) Save(ctx context.Context, s alarm.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = s
	return nil
}

// ---- tokens ----

type memTokens memoryStore

func (r *memTokens) ListPending(ctx context.Context) ([]alarm.ScheduledToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []alarm.ScheduledToken
	for _, t := range r.tokens {
		if t.Status == alarm.TokenPending {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].PlanID < out[j].PlanID
	})
	return out, nil
}

func (r *memTokens) SaveAll(ctx context.Context, ts []alarm.ScheduledToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for i := range ts {
		t := ts[i]
		if t.Status == alarm.TokenPending {
			// OS identifiers must be unique among pending tokens, matching
			// the sqlite driver's partial unique index.
			for id, other := range r.tokens {
				if id != t.ID && other.Status == alarm.TokenPending && other.OSIdentifier == t.OSIdentifier {
					return fmt.Errorf("token %s: %w", t.OSIdentifier, ErrConflict)
				}
			}
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		r.tokens[t.ID] = t
		ts[i] = t
	}
	return nil
}

func (r *memTokens) DeleteAllPending(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.tokens {
		if t.Status == alarm.TokenPending {
			delete(r.tokens, id)
		}
	}
	return nil
}

func (r *memTokens) FindByOSIdentifier(ctx context.Context, osID string) (alarm.ScheduledToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tokens {
		if t.OSIdentifier == osID && t.Status == alarm.TokenPending {
			return t, nil
		}
	}
	return alarm.ScheduledToken{}, ErrNotFound
}

func (r *memTokens) MarkFired(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = alarm.TokenFired
	t.UpdatedAt = r.now()
	r.tokens[id] = t
	return nil
}
