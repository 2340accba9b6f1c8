// Package pool implements the per-provider request pool manager (spec
// §4.3): one pooled *http.Client per distinct provider endpoint, with
// warmup, retry with backoff+jitter, and exported metrics.
package pool

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lokutor-ai/voice-gateway/internal/gatewaylog"
	"github.com/lokutor-ai/voice-gateway/internal/gwerr"
)

// Config controls one provider pool's behavior.
type Config struct {
	MaxIdleConnsPerHost int
	IdleTimeout         time.Duration
	MaxConnLifetime     time.Duration
	WarmupURL           string // optional HEAD target issued at creation
	MaxRetries          int
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
}

// DefaultConfig matches spec §4.3's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxIdleConnsPerHost: 32,
		IdleTimeout:         90 * time.Second,
		MaxConnLifetime:     10 * time.Minute,
		MaxRetries:          3,
		BaseBackoff:         100 * time.Millisecond,
		MaxBackoff:          5 * time.Second,
	}
}

// metrics holds the Prometheus collectors for one pool. Registered lazily
// per provider id so distinct providers get distinct label values without
// requiring a global registry at package init.
type metrics struct {
	inFlight   prometheus.Gauge
	queueDepth prometheus.Gauge
	successes  prometheus.Counter
	failures   prometheus.Counter
	latency    prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer, providerID string) *metrics {
	m := &metrics{
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "gateway_pool_inflight_requests",
			Help:        "In-flight requests for a provider pool.",
			ConstLabels: prometheus.Labels{"provider": providerID},
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "gateway_pool_queue_depth",
			Help:        "Requests waiting for a pool slot.",
			ConstLabels: prometheus.Labels{"provider": providerID},
		}),
		successes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gateway_pool_requests_success_total",
			Help:        "Successful pool requests.",
			ConstLabels: prometheus.Labels{"provider": providerID},
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gateway_pool_requests_failed_total",
			Help:        "Failed pool requests after retries exhausted.",
			ConstLabels: prometheus.Labels{"provider": providerID},
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "gateway_pool_request_latency_seconds",
			Help:        "Pool request latency.",
			ConstLabels: prometheus.Labels{"provider": providerID},
			Buckets:     prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.inFlight, m.queueDepth, m.successes, m.failures, m.latency)
	}
	return m
}

// Pool is one provider's pooled HTTP client plus its retry policy and
// metrics.
type Pool struct {
	providerID string
	client     *http.Client
	cfg        Config
	logger     gatewaylog.Logger
	metrics    *metrics

	mu        sync.Mutex
	lastError error
}

// New constructs a pool for providerID, optionally warming it up with a HEAD
// request to cfg.WarmupURL, and registers its metrics against reg (nil skips
// registration, useful in tests).
func New(providerID string, cfg Config, reg prometheus.Registerer, logger gatewaylog.Logger) *Pool {
	if logger == nil {
		logger = gatewaylog.NoOp{}
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleTimeout,
		ForceAttemptHTTP2:     true,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	p := &Pool{
		providerID: providerID,
		client:     &http.Client{Transport: transport},
		cfg:        cfg,
		logger:     logger,
		metrics:    newMetrics(reg, providerID),
	}
	if cfg.WarmupURL != "" {
		go p.warmup()
	}
	return p
}

func (p *Pool) warmup() {
	req, err := http.NewRequest(http.MethodHead, p.cfg.WarmupURL, nil)
	if err != nil {
		p.logger.Warn("pool warmup request build failed", "provider", p.providerID, "err", err)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("pool warmup failed", "provider", p.providerID, "err", err)
		return
	}
	resp.Body.Close()
}

// Do issues req with retry on transient failure, exponential backoff with
// jitter, and honors Retry-After on 429. Only idempotent methods should be
// passed here, per spec §4.3.
func (p *Pool) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	p.metrics.queueDepth.Inc()
	p.metrics.inFlight.Inc()
	defer p.metrics.inFlight.Dec()

	start := time.Now()
	var lastErr error

	attempts := p.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(p.cfg.BaseBackoff, p.cfg.MaxBackoff, attempt)
			select {
			case <-ctx.Done():
				p.metrics.queueDepth.Dec()
				return nil, gwerr.Wrap("pool.do", ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := p.client.Do(req.Clone(ctx))
		if err != nil {
			lastErr = err
			p.recordError(err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			lastErr = gwerr.Newf("pool.do", gwerr.RateLimit, "429 from %s", p.providerID)
			p.recordError(lastErr)
			if retryAfter > 0 {
				select {
				case <-ctx.Done():
					p.metrics.queueDepth.Dec()
					return nil, gwerr.Wrap("pool.do", ctx.Err())
				case <-time.After(retryAfter):
				}
			}
			continue
		}

		p.metrics.queueDepth.Dec()
		p.metrics.successes.Inc()
		p.metrics.latency.Observe(time.Since(start).Seconds())
		return resp, nil
	}

	p.metrics.queueDepth.Dec()
	p.metrics.failures.Inc()
	return nil, gwerr.Wrap("pool.do", lastErr)
}

func (p *Pool) recordError(err error) {
	p.mu.Lock()
	p.lastError = err
	p.mu.Unlock()
}

// LastError returns the most recently observed error, for the metrics
// surface spec §4.3 calls for.
func (p *Pool) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastError
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := time.ParseDuration(header + "s"); err == nil {
		return secs
	}
	return 0
}

// backoffDelay computes exponential backoff capped at max, with full jitter.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if exp > float64(max) {
		exp = float64(max)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(exp)+1))
	if err != nil {
		return time.Duration(exp)
	}
	return time.Duration(n.Int64())
}

// Manager owns the provider id -> Pool mapping (spec §4.3: "there is exactly
// one pool per distinct provider endpoint; the application state owns a
// mapping from provider id to pool").
type Manager struct {
	mu     sync.RWMutex
	pools  map[string]*Pool
	reg    prometheus.Registerer
	logger gatewaylog.Logger
}

// NewManager constructs an empty pool manager.
func NewManager(reg prometheus.Registerer, logger gatewaylog.Logger) *Manager {
	return &Manager{pools: map[string]*Pool{}, reg: reg, logger: logger}
}

// Get returns the existing pool for providerID, or creates one with cfg.
func (m *Manager) Get(providerID string, cfg Config) *Pool {
	m.mu.RLock()
	p, ok := m.pools[providerID]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[providerID]; ok {
		return p
	}
	p = New(providerID, cfg, m.reg, m.logger)
	m.pools[providerID] = p
	return p
}
