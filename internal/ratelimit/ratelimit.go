// Package ratelimit gates memory writes behind several independent
// admission rules: a cooldown interval between stores, duplicate-content
// detection, and rolling hourly/daily volume caps.
//
// All rules must pass for a write to be admitted; each denial carries a
// human-readable reason that is surfaced to the caller as a rejection,
// never as an error that fails the request handler.
//
// The limiter is shared by all concurrent request handlers. A single mutex
// covers the combined check-then-record sequence (see Admit) so that two
// concurrent writes cannot both slip past the interval or window limits.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/engram0/engram/internal/log"
	"github.com/engram0/engram/internal/memory"
)

// Default limits. These mirror the service's conservative out-of-the-box
// posture: at most one memory every 30 seconds, 60 per hour, 500 per day.
const (
	DefaultMinInterval      = 30 * time.Second
	DefaultMaxPerHour       = 60
	DefaultMaxPerDay        = 500
	DefaultMaxContentLength = 500
	DefaultHistorySize      = 10

	// truncationReserve is subtracted from MaxContentLength before the
	// truncation marker is appended, keeping the final content within the
	// configured maximum.
	truncationReserve = 50
)

// Config tunes the limiter. Zero values fall back to defaults; Truncate
// defaults to true unless explicitly disabled via NoTruncate.
type Config struct {
	// MinInterval is the minimum time between successful stores.
	MinInterval time.Duration

	// MaxPerHour caps stores within any rolling one-hour window.
	MaxPerHour int

	// MaxPerDay caps stores within any rolling 24-hour window.
	MaxPerDay int

	// MaxContentLength is the maximum content length in characters.
	MaxContentLength int

	// NoTruncate rejects over-length content instead of truncating it.
	NoTruncate bool

	// HistorySize bounds the recent-fingerprint history used for
	// near-term duplicate detection.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.MaxPerHour <= 0 {
		c.MaxPerHour = DefaultMaxPerHour
	}
	if c.MaxPerDay <= 0 {
		c.MaxPerDay = DefaultMaxPerDay
	}
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = DefaultMaxContentLength
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// Limiter decides whether a proposed write may proceed. It is safe for
// concurrent use; all state is guarded by a single mutex.
type Limiter struct {
	cfg    Config
	logger log.Logger

	mu              sync.Mutex
	lastStore       time.Time
	lastFingerprint string
	recent          []string    // bounded recent-fingerprint history
	hourly          []time.Time // rolling one-hour window, oldest first
	daily           []time.Time // rolling 24-hour window, oldest first

	// now is injectable for tests.
	now func() time.Time
}

// New creates a Limiter with the given configuration.
func New(cfg Config, logger log.Logger) *Limiter {
	if logger == nil {
		logger = log.NewNop()
	}
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:    cfg,
		logger: logger.With("component", "ratelimit"),
		now:    time.Now,
	}
	l.logger.Info("rate limiter initialized",
		"min_interval", cfg.MinInterval,
		"max_per_hour", cfg.MaxPerHour,
		"max_per_day", cfg.MaxPerDay,
		"max_content_length", cfg.MaxContentLength,
		"truncate", !cfg.NoTruncate,
	)
	return l
}

// Check reports whether content may be stored right now, with a reason on
// denial. Check never mutates limiter state: repeated calls without an
// intervening Record return the same outcome.
func (l *Limiter) Check(content string, force bool) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(content, force)
}

// Record registers a successful store, updating the cooldown clock, the
// fingerprint history, and both rolling windows. It returns the content
// that should be persisted: a truncated copy with a marker noting the
// original length when content exceeds the maximum and truncation is
// enabled, otherwise the content unchanged.
func (l *Limiter) Record(content string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordLocked(content)
}

// Admit combines Check and Record under a single lock acquisition, closing
// the check-then-act race between concurrent writers. On admission the
// store is recorded immediately (the slot is reserved before the backend
// write happens); a backend write that subsequently fails still counts
// toward the limits, which is the conservative behavior. Denial records
// nothing.
func (l *Limiter) Admit(content string, force bool) (allowed bool, reason string, stored string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	allowed, reason = l.checkLocked(content, force)
	if !allowed {
		return false, reason, ""
	}
	return true, reason, l.recordLocked(content)
}

func (l *Limiter) checkLocked(content string, force bool) (bool, string) {
	if force {
		l.logger.Info("rate limiting bypassed", "force", true)
		return true, "forced storage"
	}

	now := l.now()

	if !l.lastStore.IsZero() {
		if elapsed := now.Sub(l.lastStore); elapsed < l.cfg.MinInterval {
			remaining := l.cfg.MinInterval - elapsed
			return false, fmt.Sprintf("please wait %.1f seconds before storing another memory", remaining.Seconds())
		}
	}

	if len(content) > l.cfg.MaxContentLength && l.cfg.NoTruncate {
		return false, fmt.Sprintf("content exceeds maximum length (%d > %d)", len(content), l.cfg.MaxContentLength)
	}

	fp := memory.Fingerprint(content)
	if fp == l.lastFingerprint {
		return false, "duplicate content detected (identical to last memory)"
	}
	for _, h := range l.recent {
		if h == fp {
			return false, "similar content was recently stored"
		}
	}

	l.evictLocked(now)
	if len(l.hourly) >= l.cfg.MaxPerHour {
		return false, fmt.Sprintf("hourly limit reached (%d memories/hour)", l.cfg.MaxPerHour)
	}
	if len(l.daily) >= l.cfg.MaxPerDay {
		return false, fmt.Sprintf("daily limit reached (%d memories/day)", l.cfg.MaxPerDay)
	}

	return true, "ok"
}

func (l *Limiter) recordLocked(content string) string {
	now := l.now()

	l.lastStore = now
	l.lastFingerprint = memory.Fingerprint(content)

	l.recent = append(l.recent, l.lastFingerprint)
	if len(l.recent) > l.cfg.HistorySize {
		l.recent = l.recent[len(l.recent)-l.cfg.HistorySize:]
	}

	l.evictLocked(now)
	l.hourly = appendBounded(l.hourly, now, l.cfg.MaxPerHour)
	l.daily = appendBounded(l.daily, now, l.cfg.MaxPerDay)

	if len(content) > l.cfg.MaxContentLength && !l.cfg.NoTruncate {
		// A maximum below the reserve would push the cut point negative.
		cut := max(0, l.cfg.MaxContentLength-truncationReserve)
		truncated := content[:cut]
		truncated += fmt.Sprintf(" ... [truncated from %d chars]", len(content))
		l.logger.Info("content truncated",
			"original_length", len(content),
			"stored_length", len(truncated),
		)
		return truncated
	}

	return content
}

// evictLocked purges expired entries from the head of both windows.
// Eviction is lazy: it happens at check/record/status time, there is no
// background timer.
func (l *Limiter) evictLocked(now time.Time) {
	hourAgo := now.Add(-time.Hour)
	for len(l.hourly) > 0 && l.hourly[0].Before(hourAgo) {
		l.hourly = l.hourly[1:]
	}
	dayAgo := now.Add(-24 * time.Hour)
	for len(l.daily) > 0 && l.daily[0].Before(dayAgo) {
		l.daily = l.daily[1:]
	}
}

// appendBounded appends t, evicting from the head if the window is at
// capacity. Entries are only appended at the tail.
func appendBounded(window []time.Time, t time.Time, capacity int) []time.Time {
	if len(window) >= capacity {
		window = window[len(window)-capacity+1:]
	}
	return append(window, t)
}

// Status is a read-only snapshot of the limiter.
type Status struct {
	MinInterval      time.Duration `json:"min_interval"`
	MaxPerHour       int           `json:"max_per_hour"`
	MaxPerDay        int           `json:"max_per_day"`
	MaxContentLength int           `json:"max_content_length"`

	HourlyCount       int           `json:"hourly_count"`
	DailyCount        int           `json:"daily_count"`
	HourlyUsagePct    float64       `json:"hourly_usage_percent"`
	DailyUsagePct     float64       `json:"daily_usage_percent"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
	CanStore          bool          `json:"can_store"`
}

// Status returns the current counters and remaining cooldown without
// mutating state. Expired window entries are excluded from the counts but
// not evicted here.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	hourly := 0
	for _, t := range l.hourly {
		if t.After(hourAgo) {
			hourly++
		}
	}
	daily := 0
	for _, t := range l.daily {
		if t.After(dayAgo) {
			daily++
		}
	}

	var cooldown time.Duration
	if !l.lastStore.IsZero() {
		if elapsed := now.Sub(l.lastStore); elapsed < l.cfg.MinInterval {
			cooldown = l.cfg.MinInterval - elapsed
		}
	}

	return Status{
		MinInterval:       l.cfg.MinInterval,
		MaxPerHour:        l.cfg.MaxPerHour,
		MaxPerDay:         l.cfg.MaxPerDay,
		MaxContentLength:  l.cfg.MaxContentLength,
		HourlyCount:       hourly,
		DailyCount:        daily,
		HourlyUsagePct:    pct(hourly, l.cfg.MaxPerHour),
		DailyUsagePct:     pct(daily, l.cfg.MaxPerDay),
		CooldownRemaining: cooldown,
		CanStore:          cooldown == 0,
	}
}

// Reset clears all rate limiting state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastStore = time.Time{}
	l.lastFingerprint = ""
	l.recent = nil
	l.hourly = nil
	l.daily = nil
	l.logger.Info("rate limiter state reset")
}

func pct(n, max int) float64 {
	if max <= 0 {
		return 0
	}
	return float64(n) / float64(max) * 100
}
