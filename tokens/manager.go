package tokens

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"grokghibli/observability"
)

// Policy holds the rotation limits. ResetSchedule is a cron spec; each
// activation, read in Location, starts a new usage day.
type Policy struct {
	DailyLimitMinutes float64
	QuotaCooldown     time.Duration
	ResetSchedule     string
	Location          *time.Location
}

// DefaultPolicy returns the standard policy: 5 minutes per token per day,
// a 4 hour cooldown after a quota rejection and a reset at local midnight.
func DefaultPolicy() Policy {
	return Policy{
		DailyLimitMinutes: 5,
		QuotaCooldown:     4 * time.Hour,
		ResetSchedule:     "0 0 * * *",
		Location:          time.Local,
	}
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithMetrics overrides the metrics sink
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// Manager rotates a fixed pool of tokens across backend calls.
// All methods are safe for concurrent use and never block on I/O.
type Manager struct {
	mu      sync.Mutex
	records []*usage
	index   map[Token]*usage

	policy   Policy
	limit    decimal.Decimal
	schedule cron.Schedule
	now      func() time.Time
	metrics  *observability.Metrics

	cronMu  sync.Mutex
	cron    *cron.Cron
	started bool
}

// NewManager creates a manager for the given tokens. Duplicates and empty
// values are dropped; the first occurrence keeps its position.
func NewManager(tokens []Token, policy Policy, opts ...Option) (*Manager, error) {
	if policy.DailyLimitMinutes <= 0 {
		return nil, fmt.Errorf("daily limit must be positive, got %.2f", policy.DailyLimitMinutes)
	}
	if policy.QuotaCooldown <= 0 {
		return nil, fmt.Errorf("quota cooldown must be positive, got %s", policy.QuotaCooldown)
	}
	if policy.Location == nil {
		policy.Location = time.Local
	}
	schedule, err := cron.ParseStandard(policy.ResetSchedule)
	if err != nil {
		return nil, fmt.Errorf("invalid reset schedule %q: %w", policy.ResetSchedule, err)
	}

	m := &Manager{
		index:    make(map[Token]*usage),
		policy:   policy,
		limit:    decimal.NewFromFloat(policy.DailyLimitMinutes),
		schedule: schedule,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = observability.GetMetrics()
	}

	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		if _, dup := m.index[tok]; dup {
			continue
		}
		rec := &usage{token: tok, index: len(m.records)}
		m.records = append(m.records, rec)
		m.index[tok] = rec
	}
	if len(m.records) == 0 {
		return nil, ErrEmptyPool
	}

	now := m.now()
	for _, rec := range m.records {
		m.publish(rec, now)
	}

	observability.Info("token manager initialized", "tokens", len(m.records))
	return m, nil
}

// Size returns the number of tokens in the pool
func (m *Manager) Size() int {
	return len(m.records)
}

// Acquire selects the best available token and marks it in use.
// It returns ErrNoTokenAvailable when no token qualifies.
func (m *Manager) Acquire() (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	for _, rec := range m.records {
		if rec.quotaExceeded && m.cooldownElapsed(rec, now) {
			rec.quotaExceeded = false
			observability.WithToken(rec.token.Redacted()).Info("quota cooldown elapsed, token re-enabled")
			m.metrics.RecordTokenQuotaAutoClear(rec.token.Redacted())
		}
	}

	ordered := m.ordered(now)
	for i, rec := range ordered {
		observability.Debug("token candidate",
			"rank", i,
			"token", rec.token.Redacted(),
			"usage_minutes", rec.minutesUsed.StringFixed(1),
			"quota_exceeded", rec.quotaExceeded,
			"in_use", rec.inUse,
			"last_used", rec.lastUsed)
	}

	for _, rec := range ordered {
		if !m.eligible(rec, now) {
			continue
		}
		rec.inUse = true
		m.publish(rec, now)
		m.metrics.RecordTokenSelection("selected")
		observability.WithToken(rec.token.Redacted()).Info("token selected",
			"usage_minutes", rec.minutesUsed.StringFixed(1))
		return rec.token, nil
	}

	m.metrics.RecordTokenSelection("exhausted")
	observability.Warn("all tokens are unavailable", "tokens", len(m.records))
	return "", ErrNoTokenAvailable
}

// StartUsing stamps the token's last use time and marks it in use
func (m *Manager) StartUsing(tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.lookup(tok, "start")
	if rec == nil {
		return
	}
	now := m.now()
	rec.lastUsed = now
	rec.inUse = true
	m.publish(rec, now)
}

// Finish reports a successful backend call and charges the elapsed time.
// Calling Finish on a token that is not in use does nothing.
func (m *Manager) Finish(tok Token, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.lookup(tok, "finish")
	if rec == nil {
		return
	}
	if !rec.inUse {
		observability.WithToken(tok.Redacted()).Debug("finish on idle token ignored")
		return
	}

	minutes := MinutesForDuration(elapsed)
	rec.inUse = false
	rec.minutesUsed = rec.minutesUsed.Add(minutes)

	now := m.now()
	m.publish(rec, now)
	m.metrics.RecordTokenRelease("finished")
	m.metrics.RecordTokenUsage(tok.Redacted(), minutes.InexactFloat64())
	observability.WithToken(tok.Redacted()).Info("token usage recorded",
		"minutes", minutes.StringFixed(1),
		"total_today", rec.minutesUsed.StringFixed(1))
}

// Release returns a token to the pool without charging it
func (m *Manager) Release(tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.lookup(tok, "release")
	if rec == nil || !rec.inUse {
		return
	}
	rec.inUse = false
	m.publish(rec, m.now())
	m.metrics.RecordTokenRelease("released")
}

// MarkQuotaExceeded demotes a token the backend rejected for quota.
// It stays unselectable until the cooldown elapses.
func (m *Manager) MarkQuotaExceeded(tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.lookup(tok, "mark quota exceeded")
	if rec == nil {
		return
	}
	now := m.now()
	rec.quotaExceeded = true
	rec.lastQuotaCheck = now
	rec.inUse = false
	m.publish(rec, now)
	m.metrics.RecordTokenQuotaExceeded(tok.Redacted())
	observability.WithToken(tok.Redacted()).Warn("token marked as quota exceeded",
		"cooldown", m.policy.QuotaCooldown)
}

// Statuses returns a redacted snapshot of every token in pool order
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]Status, 0, len(m.records))
	for _, rec := range m.records {
		st := Status{
			Token:         rec.token.Redacted(),
			UsageMinutes:  rec.minutesUsed.InexactFloat64(),
			Available:     m.available(rec, now),
			QuotaExceeded: rec.quotaExceeded,
			InUse:         rec.inUse,
		}
		if !rec.lastUsed.IsZero() {
			last := rec.lastUsed
			st.LastUsed = &last
		}
		out = append(out, st)
	}
	return out
}

// Summary aggregates the pool state
func (m *Manager) Summary() Summary {
	statuses := m.Statuses()

	var s Summary
	total := decimal.Zero
	s.TotalTokens = len(statuses)
	for _, st := range statuses {
		if st.Available {
			s.AvailableTokens++
		}
		total = total.Add(decimal.NewFromFloat(st.UsageMinutes))
	}
	s.UsedTokens = s.TotalTokens - s.AvailableTokens
	s.TotalUsageMinutes = total.InexactFloat64()
	if s.TotalTokens > 0 {
		s.AverageUsageMinutes = total.Div(decimal.NewFromInt(int64(s.TotalTokens))).Round(1).InexactFloat64()
	}
	return s
}

// ResetDailyUsage zeroes the minutes of every token not used today
func (m *Manager) ResetDailyUsage() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	reset := 0
	for _, rec := range m.records {
		if m.sameDay(rec.lastUsed, now) {
			continue
		}
		if !rec.minutesUsed.IsZero() {
			reset++
		}
		rec.minutesUsed = decimal.Zero
		m.publish(rec, now)
	}
	m.metrics.RecordTokenReset()
	observability.Info("daily token usage reset", "tokens_reset", reset, "at", now.In(m.policy.Location))
}

// ordered returns the records in selection priority order
func (m *Manager) ordered(now time.Time) []*usage {
	out := make([]*usage, len(m.records))
	copy(out, m.records)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.quotaExceeded != b.quotaExceeded {
			return !a.quotaExceeded
		}
		aToday := m.sameDay(a.lastUsed, now)
		bToday := m.sameDay(b.lastUsed, now)
		if aToday != bToday {
			return !aToday
		}
		if aToday {
			if c := a.minutesUsed.Cmp(b.minutesUsed); c != 0 {
				return c < 0
			}
		}
		if !a.lastUsed.Equal(b.lastUsed) {
			return a.lastUsed.Before(b.lastUsed)
		}
		return a.index < b.index
	})
	return out
}

// eligible reports whether Acquire may hand out rec
func (m *Manager) eligible(rec *usage, now time.Time) bool {
	if rec.inUse || rec.quotaExceeded {
		return false
	}
	return !m.overLimit(rec, now)
}

// available is eligible without mutating the quota flag
func (m *Manager) available(rec *usage, now time.Time) bool {
	if rec.inUse {
		return false
	}
	if rec.quotaExceeded && !m.cooldownElapsed(rec, now) {
		return false
	}
	return !m.overLimit(rec, now)
}

func (m *Manager) sameDay(a, b time.Time) bool {
	return sameDay(a, b, m.schedule, m.policy.Location)
}

func (m *Manager) overLimit(rec *usage, now time.Time) bool {
	return m.sameDay(rec.lastUsed, now) && rec.minutesUsed.GreaterThanOrEqual(m.limit)
}

func (m *Manager) cooldownElapsed(rec *usage, now time.Time) bool {
	return rec.lastQuotaCheck.IsZero() || now.Sub(rec.lastQuotaCheck) > m.policy.QuotaCooldown
}

func (m *Manager) lookup(tok Token, op string) *usage {
	rec, ok := m.index[tok]
	if !ok {
		observability.WithToken(tok.Redacted()).Warn("unknown token reported", "operation", op)
		return nil
	}
	return rec
}

// publish refreshes the per-token gauges. Caller holds m.mu.
func (m *Manager) publish(rec *usage, now time.Time) {
	m.metrics.SetTokenState(rec.token.Redacted(), rec.minutesUsed.InexactFloat64(), m.available(rec, now))
}
