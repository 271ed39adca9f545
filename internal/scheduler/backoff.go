package scheduler

import (
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/portalkeep/internal/config"
	"github.com/xkilldash9x/portalkeep/internal/observability"
)

// HealthMonitor watches cycle outcomes and decides how long the scheduler
// should sleep before the next cycle. A run of bad cycles widens the gap
// exponentially so a broken portal is probed gently; a single good cycle
// snaps the interval back to deadline-driven sleeps.
type HealthMonitor struct {
	cfg                 config.SchedulerConfig
	consecutiveFailures int
	lastCycleAt         time.Time
	log                 *zap.Logger
}

// NewHealthMonitor builds a monitor from the scheduler's timing config.
func NewHealthMonitor(cfg config.SchedulerConfig) *HealthMonitor {
	return &HealthMonitor{
		cfg: cfg,
		log: observability.GetLogger().Named("health"),
	}
}

// Observe records a completed cycle. A cycle where failures outnumber
// refreshes counts against health; anything else resets the failure run.
func (h *HealthMonitor) Observe(t Tally, now time.Time) {
	h.lastCycleAt = now
	if t.Failed > t.Refreshed {
		h.consecutiveFailures++
		h.log.Warn("Unhealthy cycle",
			zap.Int("failed", t.Failed),
			zap.Int("refreshed", t.Refreshed),
			zap.Int("consecutive_failures", h.consecutiveFailures))
		return
	}
	if h.consecutiveFailures > 0 {
		h.log.Info("Cycle health recovered",
			zap.Int("previous_consecutive_failures", h.consecutiveFailures))
	}
	h.consecutiveFailures = 0
}

// ObserveCycleError records a cycle that aborted before producing a tally.
func (h *HealthMonitor) ObserveCycleError(now time.Time) {
	h.lastCycleAt = now
	h.consecutiveFailures++
	h.log.Warn("Cycle aborted with error",
		zap.Int("consecutive_failures", h.consecutiveFailures))
}

// Degraded reports whether the monitor is currently in a failure run.
func (h *HealthMonitor) Degraded() bool {
	return h.consecutiveFailures > 0
}

// NextSleep returns how long to wait before the next cycle. While degraded
// the interval doubles per failed cycle up to the configured ceiling.
// Healthy sleeps track the earliest schedule deadline, clamped to the
// configured window so a far-future deadline still gets periodic checks and
// an imminent one does not cause busy-looping.
func (h *HealthMonitor) NextSleep(earliest *time.Time, now time.Time) time.Duration {
	if h.consecutiveFailures > 0 {
		shift := h.consecutiveFailures - 1
		if shift > 30 {
			shift = 30
		}
		d := h.cfg.BackoffBase << shift
		if d > h.cfg.BackoffMax || d <= 0 {
			d = h.cfg.BackoffMax
		}
		return d
	}

	if earliest == nil {
		return h.cfg.MaxSleep
	}
	d := earliest.Sub(now)
	if d < h.cfg.MinSleep {
		return h.cfg.MinSleep
	}
	if d > h.cfg.MaxSleep {
		return h.cfg.MaxSleep
	}
	return d
}
