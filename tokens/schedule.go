package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"grokghibli/observability"
)

// cronLogger adapts the observability logger to cron.Logger
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	observability.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	observability.WithError(err).Error("cron: "+msg, keysAndValues...)
}

// Start schedules the daily usage reset. Runs never overlap.
func (m *Manager) Start() {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if m.started {
		return
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(m.policy.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(m.schedule, cron.FuncJob(m.ResetDailyUsage))
	c.Start()

	m.cron = c
	m.started = true

	observability.Info("daily token reset scheduled",
		"schedule", m.policy.ResetSchedule,
		"next_reset", m.nextReset().Format(time.RFC3339))
}

// Stop halts the reset schedule. The returned context is done once a
// running reset has finished.
func (m *Manager) Stop() context.Context {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if !m.started {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	m.started = false
	return m.cron.Stop()
}

// NextReset returns the next scheduled reset, or the zero time when the
// schedule is not running.
func (m *Manager) NextReset() time.Time {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if !m.started {
		return time.Time{}
	}
	return m.nextReset()
}

func (m *Manager) nextReset() time.Time {
	return m.schedule.Next(m.now().In(m.policy.Location))
}

// String describes the policy for startup logs
func (p Policy) String() string {
	loc := "Local"
	if p.Location != nil {
		loc = p.Location.String()
	}
	return fmt.Sprintf("limit=%.1fmin cooldown=%s reset=%q tz=%s",
		p.DailyLimitMinutes, p.QuotaCooldown, p.ResetSchedule, loc)
}
