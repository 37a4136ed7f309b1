package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"meshlink/internal/core/domain"
	"meshlink/internal/core/ports"
)

type PrometheusCollector struct {
	linksActive      *prometheus.GaugeVec
	linksTotal       prometheus.Counter
	signalsRouted    prometheus.Counter
	broadcastsSent   prometheus.Counter
	chunksEmitted    prometheus.Counter
	chunkBytes       prometheus.Counter
	captureBitrate   *prometheus.GaugeVec
	strategySelected *prometheus.CounterVec

	credentialRenewals prometheus.Counter
	credentialFailures prometheus.Counter

	recoveryAttempts *prometheus.CounterVec

	linkSetupDuration prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		linksActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshlink_links_active",
			Help: "Number of peer links by connection state",
		}, []string{"state"}),

		linksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshlink_links_created_total",
			Help: "Total number of peer links created",
		}),

		signalsRouted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshlink_signals_routed_total",
			Help: "Total number of negotiation payloads routed to links",
		}),

		broadcastsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshlink_broadcasts_total",
			Help: "Total number of data broadcasts to connected peers",
		}),

		chunksEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshlink_capture_chunks_total",
			Help: "Total number of recording chunks emitted",
		}),

		chunkBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshlink_capture_bytes_total",
			Help: "Total recorded bytes emitted in chunks",
		}),

		captureBitrate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshlink_capture_bitrate_bps",
			Help: "Current capture bitrate in bits per second",
		}, []string{"strategy"}),

		strategySelected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshlink_capture_strategy_selected_total",
			Help: "Capture strategy selections by strategy name",
		}, []string{"strategy"}),

		credentialRenewals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshlink_credential_renewals_total",
			Help: "Total number of successful relay credential grants",
		}),

		credentialFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshlink_credential_failures_total",
			Help: "Total number of terminal relay credential failures",
		}),

		recoveryAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshlink_recovery_attempts_total",
			Help: "Failure recovery decisions by strategy",
		}, []string{"strategy"}),

		linkSetupDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshlink_link_setup_duration_seconds",
			Help:    "Time from link creation to connected state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
}

func (p *PrometheusCollector) RecordLinkCreated() {
	p.linksTotal.Inc()
}

func (p *PrometheusCollector) RecordLinkState(from, to domain.LinkState) {
	if from != "" {
		p.linksActive.WithLabelValues(string(from)).Dec()
	}
	if to != "" {
		p.linksActive.WithLabelValues(string(to)).Inc()
	}
}

func (p *PrometheusCollector) RecordLinkSetup(duration time.Duration) {
	p.linkSetupDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordSignalRouted() {
	p.signalsRouted.Inc()
}

func (p *PrometheusCollector) RecordBroadcast() {
	p.broadcastsSent.Inc()
}

func (p *PrometheusCollector) RecordChunk(bytes int) {
	p.chunksEmitted.Inc()
	p.chunkBytes.Add(float64(bytes))
}

func (p *PrometheusCollector) RecordCaptureBitrate(strategy domain.Strategy, bps float64) {
	p.captureBitrate.WithLabelValues(string(strategy)).Set(bps)
}

func (p *PrometheusCollector) RecordStrategySelected(strategy domain.Strategy) {
	p.strategySelected.WithLabelValues(string(strategy)).Inc()
}

func (p *PrometheusCollector) RecordCredentialRenewal() {
	p.credentialRenewals.Inc()
}

func (p *PrometheusCollector) RecordCredentialFailure() {
	p.credentialFailures.Inc()
}

func (p *PrometheusCollector) RecordRecovery(strategy string) {
	p.recoveryAttempts.WithLabelValues(strategy).Inc()
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)
