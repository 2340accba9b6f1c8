// Package admission implements the connection/resource admission layer
// (spec §4.8): global + per-IP WebSocket caps acquired via compare-exchange,
// per-IP token-bucket rate limiting, body-size enforcement, and tenant-scope
// enforcement for persisted artifacts.
package admission

import (
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/lokutor-ai/voice-gateway/internal/gwerr"
)

// Defaults match spec §4.8's stated defaults.
const (
	DefaultPerIPCap     = 100
	DefaultRPS          = 50.0
	DefaultBurst        = 100
	// BypassRPS effectively disables rate limiting for perf testing, per
	// spec §4.8 ("bypassed when RPS >= a very large constant").
	BypassRPS           = 100_000.0
	DefaultMaxBodyBytes = 1 << 20 // 1 MiB
)

// Config controls one Guard's limits.
type Config struct {
	GlobalCap    int64
	PerIPCap     int64
	RPS          float64
	Burst        int
	MaxBodyBytes int64
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		GlobalCap:    0, // 0 means unlimited; callers should set a real cap
		PerIPCap:     DefaultPerIPCap,
		RPS:          DefaultRPS,
		Burst:        DefaultBurst,
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

// Guard is the process-wide admission state (spec §3.1 AdmissionCounters).
// Mutated only via compare-exchange or explicit release, never via
// read-then-increment.
type Guard struct {
	cfg Config

	globalCount atomic.Int64
	perIPCounts sync.Map // string(ip) -> *atomic.Int64
	limiters    sync.Map // string(ip) -> *rate.Limiter
}

// New constructs a Guard.
func New(cfg Config) *Guard {
	return &Guard{cfg: cfg}
}

func (g *Guard) ipCounter(ip string) *atomic.Int64 {
	v, _ := g.perIPCounts.LoadOrStore(ip, &atomic.Int64{})
	return v.(*atomic.Int64)
}

// Release is returned by AcquireWS; it is idempotent via sync.Once so that
// every acquired slot is released exactly once regardless of which exit path
// (normal close, idle timeout, panic) triggers it (spec Invariant 6, §3.2).
type Release struct {
	once    sync.Once
	release func()
}

// Release drops the held slot. Safe to call multiple times or concurrently.
func (r *Release) Release() {
	r.once.Do(func() {
		if r.release != nil {
			r.release()
		}
	})
}

// AcquireWS atomically acquires one global slot and one per-IP slot. Both
// caps are enforced with compare-and-swap loops — a read-then-increment
// sequence would let concurrent upgrades race past the cap, which spec
// §4.8 calls out explicitly as a defect.
func (g *Guard) AcquireWS(ip string) (*Release, error) {
	if !tryAcquireCapped(&g.globalCount, g.cfg.GlobalCap) {
		return nil, gwerr.Newf("admission.acquire_ws", gwerr.RateLimit, "global connection cap reached")
	}

	ipCount := g.ipCounter(ip)
	if !tryAcquireCapped(ipCount, g.cfg.PerIPCap) {
		g.globalCount.Add(-1)
		return nil, gwerr.Newf("admission.acquire_ws", gwerr.RateLimit, "per-IP connection cap reached for %s", ip)
	}

	return &Release{release: func() {
		g.globalCount.Add(-1)
		ipCount.Add(-1)
	}}, nil
}

// tryAcquireCapped attempts to increment counter by one without exceeding
// cap, via a CAS retry loop. cap <= 0 means unlimited.
func tryAcquireCapped(counter *atomic.Int64, cap int64) bool {
	if cap <= 0 {
		counter.Add(1)
		return true
	}
	for {
		cur := counter.Load()
		if cur >= cap {
			return false
		}
		if counter.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// GlobalPending returns the number of available global slots, using the
// correct formula (max_capacity - current_capacity) called out by spec open
// question #3 — not "capacity - max_capacity", which underflows.
func (g *Guard) GlobalPending() int64 {
	if g.cfg.GlobalCap <= 0 {
		return -1 // unlimited
	}
	return g.cfg.GlobalCap - g.globalCount.Load()
}

// PerIPPending returns the number of available slots for ip.
func (g *Guard) PerIPPending(ip string) int64 {
	if g.cfg.PerIPCap <= 0 {
		return -1
	}
	return g.cfg.PerIPCap - g.ipCounter(ip).Load()
}

// Allow applies the per-IP token bucket rate limiter (spec §4.8). RPS >=
// BypassRPS effectively disables limiting.
func (g *Guard) Allow(ip string) bool {
	if g.cfg.RPS >= BypassRPS {
		return true
	}
	limiterAny, _ := g.limiters.LoadOrStore(ip, rate.NewLimiter(rate.Limit(g.cfg.RPS), g.cfg.Burst))
	limiter := limiterAny.(*rate.Limiter)
	return limiter.Allow()
}

// BufferBody reads up to cfg.MaxBodyBytes+1 from r; if more than
// MaxBodyBytes were available, it returns an InvalidInput error instead of
// returning a truncated body, per spec §4.8: JWT-validated routes must
// buffer to a cap before validation rather than streaming an unbounded body
// through it.
func (g *Guard) BufferBody(r io.Reader) ([]byte, error) {
	limit := g.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, gwerr.Wrap("admission.buffer_body", err)
	}
	if int64(len(data)) > limit {
		return nil, gwerr.Newf("admission.buffer_body", gwerr.InvalidInput, "request body exceeds %d byte cap", limit)
	}
	return data, nil
}

// EnforceTenantScope returns an error if tenantID is empty, refusing to
// persist under a global namespace (spec §4.8 "Recording isolation").
// Callers prefix any persisted artifact key with the returned tenant id.
func EnforceTenantScope(tenantID string) (string, error) {
	if tenantID == "" {
		return "", gwerr.Newf("admission.enforce_tenant_scope", gwerr.Auth, "refusing to persist artifact with empty tenant_id")
	}
	return tenantID, nil
}
