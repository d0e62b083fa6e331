package lib

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

/* This file implements dev-ops telemetry for the node in the form of prometheus metrics */

const metricsPattern = "/metrics"

// Metrics represents a server that exposes Prometheus metrics
type Metrics struct {
	server      *http.Server  // the http prometheus server
	config      MetricsConfig // the configuration
	nodeAddress []byte        // the node's address
	log         LoggerI       // the logger

	ConsensusMetrics // round / step telemetry
	EvidenceMetrics  // misbehavior telemetry
}

// ConsensusMetrics represents the telemetry for the consensus module
type ConsensusMetrics struct {
	Height            prometheus.Gauge     // what's the height of this chain?
	Round             prometheus.Gauge     // what round is consensus currently in?
	Step              prometheus.Gauge     // what step is consensus currently in?
	QuorumUnreachable prometheus.Gauge     // is the set unable to form a quorum? (liveness alert)
	ProposerCount     prometheus.Counter   // how many times did this node propose?
	CommitTime        prometheus.Histogram // how long did the height take from propose to commit?
}

// EvidenceMetrics represents the telemetry for the fault detection module
type EvidenceMetrics struct {
	EvidenceCount *prometheus.CounterVec // how much evidence was collected, by kind?
}

// NewMetricsServer() creates a new telemetry server
func NewMetricsServer(nodeAddress []byte, config MetricsConfig, log LoggerI) *Metrics {
	mux := http.NewServeMux()
	mux.Handle(metricsPattern, promhttp.Handler())
	return &Metrics{
		server:      &http.Server{Addr: config.PrometheusAddr, Handler: mux},
		config:      config,
		nodeAddress: nodeAddress,
		log:         log,
		ConsensusMetrics: ConsensusMetrics{
			Height: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "prozchain_consensus_height",
				Help: "Current consensus height",
			}),
			Round: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "prozchain_consensus_round",
				Help: "Current consensus round",
			}),
			Step: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "prozchain_consensus_step",
				Help: "Current consensus step (0: NewRound, 1: Propose, 2: Prevote, 3: Precommit, 4: Commit)",
			}),
			QuorumUnreachable: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "prozchain_consensus_quorum_unreachable",
				Help: "Set when rounds elapse without any two-thirds quorum forming (1: alerting, 0: healthy)",
			}),
			ProposerCount: promauto.NewCounter(prometheus.CounterOpts{
				Name: "prozchain_blocks_proposed",
				Help: "Total number of blocks proposed by this node",
			}),
			CommitTime: promauto.NewHistogram(prometheus.HistogramOpts{
				Name: "prozchain_commit_time",
				Help: "Time from entering a height to committing it in seconds",
			}),
		},
		EvidenceMetrics: EvidenceMetrics{
			EvidenceCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "prozchain_evidence_count",
				Help: "Number of evidence records collected by kind",
			}, []string{"kind"}),
		},
	}
}

// Start() starts the telemetry server
func (m *Metrics) Start() {
	// exit if empty
	if m == nil {
		return
	}
	// if the metrics server is enabled
	if m.config.MetricsEnabled {
		go func() {
			m.log.Infof("Starting metrics server on %s", m.config.PrometheusAddr)
			// run the server
			if err := m.server.ListenAndServe(); err != nil {
				if err != http.ErrServerClosed {
					m.log.Errorf("Metrics server failed with err: %s", err.Error())
				}
			}
		}()
	}
}

// Stop() gracefully stops the telemetry server
func (m *Metrics) Stop() {
	// exit if empty
	if m == nil {
		return
	}
	// if the metrics server isn't enabled
	if m.config.MetricsEnabled {
		// shutdown the server
		if err := m.server.Shutdown(context.Background()); err != nil {
			m.log.Error(err.Error())
		}
	}
}

// UpdateRoundMetrics() is a setter for the height, round, and step gauges
func (m *Metrics) UpdateRoundMetrics(height, round uint64, step int) {
	// exit if empty
	if m == nil {
		return
	}
	// set the height of this chain
	m.Height.Set(float64(height))
	// set the current round
	m.Round.Set(float64(round))
	// set the current step
	m.Step.Set(float64(step))
}

// UpdateLivenessMetric() raises or clears the quorum alert
func (m *Metrics) UpdateLivenessMetric(unreachable bool) {
	// exit if empty
	if m == nil {
		return
	}
	if unreachable {
		m.QuorumUnreachable.Set(1)
	} else {
		m.QuorumUnreachable.Set(0)
	}
}

// UpdateCommitMetrics() updates the telemetry about a committed height
func (m *Metrics) UpdateCommitMetrics(wasProposer bool, duration time.Duration) {
	// exit if empty
	if m == nil {
		return
	}
	// if this node was the proposer
	if wasProposer {
		// update the proposal count
		m.ProposerCount.Inc()
	}
	// update the commit time in seconds
	m.CommitTime.Observe(duration.Seconds())
}

// UpdateEvidenceMetrics() counts a new evidence record by its kind
func (m *Metrics) UpdateEvidenceMetrics(kind string) {
	// exit if empty
	if m == nil {
		return
	}
	m.EvidenceCount.WithLabelValues(kind).Inc()
}
