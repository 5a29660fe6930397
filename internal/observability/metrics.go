// Package observability — metrics.go
//
// Prometheus metrics for the VAGUSGUARD supervisor.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: vagusguard_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - State labels use the string state name (3 ANS states max).
//   - executorId is NOT used as a label (unbounded cardinality); per-executor
//     detail belongs in the audit ledger, not in metric label sets.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for VAGUSGUARD.
type Metrics struct {
	registry *prometheus.Registry

	// ─── ANS State Manager ────────────────────────────────────────────────────

	// StateTransitionsTotal counts ANS state transitions.
	// Labels: from_state, to_state
	StateTransitionsTotal *prometheus.CounterVec

	// CurrentANSState is the current state as a gauge: 0=SAFE, 1=DANGER, 2=SHUTDOWN.
	CurrentANSState prometheus.Gauge

	// ToneUpdatesRejectedTotal counts UpdateTone calls rejected by the
	// min-residency gate or an invalid tone value.
	// Labels: reason (too_frequent, invalid_tone)
	ToneUpdatesRejectedTotal *prometheus.CounterVec

	// ─── Capability Issuer ────────────────────────────────────────────────────

	// TokensIssuedTotal counts capability tokens minted.
	TokensIssuedTotal prometheus.Counter

	// TokensRevokedTotal counts tokens revoked, by reason.
	// Labels: reason (OWNER_REVOCATION, REFLEX_TRIGGER, EXPIRATION)
	TokensRevokedTotal *prometheus.CounterVec

	// RateLimitRejectionsTotal counts Issue calls rejected by the sliding
	// window rate limiter.
	RateLimitRejectionsTotal prometheus.Counter

	// CircuitBreakerStateGauge is the current breaker state count by state
	// label, summed across all (executor, action) breaker instances.
	// Labels: state (Closed, Open, HalfOpen)
	CircuitBreakerStateGauge *prometheus.GaugeVec

	// ─── Vagal Brake ──────────────────────────────────────────────────────────

	// BrakeAdmissionsTotal counts IssueWithBrake calls that reached a
	// successful Issuer.Issue.
	BrakeAdmissionsTotal prometheus.Counter

	// BrakeRejectionsTotal counts IssueWithBrake rejections, by error code.
	BrakeRejectionsTotal *prometheus.CounterVec

	// ─── Afferent Inbox ───────────────────────────────────────────────────────

	// InboxEvidenceTotal counts accepted AfferentEvidencePacket submissions.
	InboxEvidenceTotal prometheus.Counter

	// InboxRejectionsTotal counts PostAEP rejections, by error code.
	InboxRejectionsTotal *prometheus.CounterVec

	// ─── Reflex Arc ───────────────────────────────────────────────────────────

	// ReflexTriggersTotal counts completed or partially-completed revocation
	// fan-outs (automatic and manual).
	ReflexTriggersTotal prometheus.Counter

	// ReflexCooldownSkipsTotal counts OnAEP calls silently skipped by cooldown.
	ReflexCooldownSkipsTotal prometheus.Counter

	// ReflexPendingRevocations is the current total number of token ids
	// awaiting retry across all executors' partial fan-outs.
	ReflexPendingRevocations prometheus.Gauge

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// StorageLedgerEntries is the current number of ledger entries.
	StorageLedgerEntries prometheus.Gauge

	// ─── Supervisor ───────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the supervisor started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all VAGUSGUARD Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		StateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vagusguard",
			Subsystem: "ans",
			Name:      "state_transitions_total",
			Help:      "Total ANS state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		CurrentANSState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vagusguard",
			Subsystem: "ans",
			Name:      "current_state",
			Help:      "Current ANS state: 0=SAFE, 1=DANGER, 2=SHUTDOWN.",
		}),

		ToneUpdatesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vagusguard",
			Subsystem: "ans",
			Name:      "tone_updates_rejected_total",
			Help:      "Total UpdateTone calls rejected, by reason.",
		}, []string{"reason"}),

		TokensIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vagusguard",
			Subsystem: "capability",
			Name:      "tokens_issued_total",
			Help:      "Total capability tokens minted.",
		}),

		TokensRevokedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vagusguard",
			Subsystem: "capability",
			Name:      "tokens_revoked_total",
			Help:      "Total capability tokens revoked, by reason.",
		}, []string{"reason"}),

		RateLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vagusguard",
			Subsystem: "capability",
			Name:      "rate_limit_rejections_total",
			Help:      "Total Issue calls rejected by the sliding-window rate limiter.",
		}),

		CircuitBreakerStateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vagusguard",
			Subsystem: "capability",
			Name:      "circuit_breaker_state",
			Help:      "Count of (executor, action) circuit breakers currently in each state.",
		}, []string{"state"}),

		BrakeAdmissionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vagusguard",
			Subsystem: "brake",
			Name:      "admissions_total",
			Help:      "Total IssueWithBrake calls that resulted in a minted token.",
		}),

		BrakeRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vagusguard",
			Subsystem: "brake",
			Name:      "rejections_total",
			Help:      "Total IssueWithBrake rejections, by error code.",
		}, []string{"code"}),

		InboxEvidenceTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vagusguard",
			Subsystem: "inbox",
			Name:      "evidence_total",
			Help:      "Total accepted afferent evidence packets.",
		}),

		InboxRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vagusguard",
			Subsystem: "inbox",
			Name:      "rejections_total",
			Help:      "Total PostAEP rejections, by error code.",
		}, []string{"code"}),

		ReflexTriggersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vagusguard",
			Subsystem: "reflex",
			Name:      "triggers_total",
			Help:      "Total completed or partially-completed revocation fan-outs.",
		}),

		ReflexCooldownSkipsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vagusguard",
			Subsystem: "reflex",
			Name:      "cooldown_skips_total",
			Help:      "Total OnAEP calls silently skipped because of the per-executor cooldown.",
		}),

		ReflexPendingRevocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vagusguard",
			Subsystem: "reflex",
			Name:      "pending_revocations",
			Help:      "Current total token ids awaiting retry across all interrupted fan-outs.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vagusguard",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageLedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vagusguard",
			Subsystem: "storage",
			Name:      "ledger_entries",
			Help:      "Current number of audit ledger entries in BoltDB.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vagusguard",
			Subsystem: "supervisor",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the supervisor started.",
		}),
	}

	reg.MustRegister(
		m.StateTransitionsTotal,
		m.CurrentANSState,
		m.ToneUpdatesRejectedTotal,
		m.TokensIssuedTotal,
		m.TokensRevokedTotal,
		m.RateLimitRejectionsTotal,
		m.CircuitBreakerStateGauge,
		m.BrakeAdmissionsTotal,
		m.BrakeRejectionsTotal,
		m.InboxEvidenceTotal,
		m.InboxRejectionsTotal,
		m.ReflexTriggersTotal,
		m.ReflexCooldownSkipsTotal,
		m.ReflexPendingRevocations,
		m.StorageWriteLatency,
		m.StorageLedgerEntries,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
