// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the conductor.
//
// # Description
//
// Metrics cover the task lifecycle end to end:
//   - Task counters by terminal status and lane
//   - Phase duration histograms and failure counters
//   - Approval wait times and decision counters
//   - Queue depth gauges per lane
//   - Agent token usage and cost counters
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "forge"

// Subsystem for conductor metrics
const conductorSubsystem = "conductor"

// Metrics holds all Prometheus metrics for the conductor. Initialize
// once at startup via Init(), or with NewMetrics(reg) in tests.
type Metrics struct {
	// TasksTotal counts tasks by terminal status and lane.
	// Labels: status (completed, failed, cancelled), lane
	TasksTotal *prometheus.CounterVec

	// TasksActive tracks tasks currently executing, by lane.
	TasksActive *prometheus.GaugeVec

	// PhaseDurationSeconds measures wall time per phase.
	// Labels: phase, status (success, error)
	PhaseDurationSeconds *prometheus.HistogramVec

	// PhaseFailuresTotal counts phase failures by phase and reason kind.
	// Labels: phase, reason (rejected, policy_block, timeout, infrastructure)
	PhaseFailuresTotal *prometheus.CounterVec

	// ApprovalWaitSeconds measures how long checkpoints wait for a
	// reviewer. Labels: phase
	ApprovalWaitSeconds *prometheus.HistogramVec

	// ApprovalsTotal counts approval decisions.
	// Labels: decision (approve, request_changes, reject, timeout)
	ApprovalsTotal *prometheus.CounterVec

	// QueueDepth tracks waiting tasks per lane.
	QueueDepth *prometheus.GaugeVec

	// TokensTotal counts agent tokens by direction.
	// Labels: direction (input, output)
	TokensTotal *prometheus.CounterVec

	// CostUSDTotal accumulates agent spend in USD.
	CostUSDTotal prometheus.Counter

	// VulnerabilitiesTotal counts observer findings by severity and source.
	// Labels: severity, source (event, workspace_scan, global_scan)
	VulnerabilitiesTotal *prometheus.CounterVec

	// StoriesTotal counts story outcomes.
	// Labels: verdict (approved, rejected, skipped)
	StoriesTotal *prometheus.CounterVec
}

// Default is the process-wide metrics instance set by Init.
var Default *Metrics

// Init registers all conductor metrics on the default Prometheus
// registry. Call once at startup; a second call panics on duplicate
// registration.
func Init() *Metrics {
	Default = NewMetrics(prometheus.DefaultRegisterer)
	return Default
}

// NewMetrics registers all conductor metrics on the given registerer.
// Tests pass a fresh prometheus.NewRegistry() for isolation.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: conductorSubsystem,
				Name:      "tasks_total",
				Help:      "Tasks reaching a terminal status, by status and lane",
			},
			[]string{"status", "lane"},
		),

		TasksActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: conductorSubsystem,
				Name:      "tasks_active",
				Help:      "Tasks currently executing, by lane",
			},
			[]string{"lane"},
		),

		PhaseDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: conductorSubsystem,
				Name:      "phase_duration_seconds",
				Help:      "Wall time per pipeline phase",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			},
			[]string{"phase", "status"},
		),

		PhaseFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: conductorSubsystem,
				Name:      "phase_failures_total",
				Help:      "Phase failures by phase and reason kind",
			},
			[]string{"phase", "reason"},
		),

		ApprovalWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: conductorSubsystem,
				Name:      "approval_wait_seconds",
				Help:      "Time checkpoints spend waiting for a reviewer",
				Buckets:   []float64{1, 10, 60, 300, 900, 3600, 14400},
			},
			[]string{"phase"},
		),

		ApprovalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: conductorSubsystem,
				Name:      "approvals_total",
				Help:      "Approval checkpoint resolutions by decision",
			},
			[]string{"decision"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: conductorSubsystem,
				Name:      "queue_depth",
				Help:      "Waiting tasks per lane",
			},
			[]string{"lane"},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: conductorSubsystem,
				Name:      "tokens_total",
				Help:      "Agent tokens processed by direction",
			},
			[]string{"direction"},
		),

		CostUSDTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: conductorSubsystem,
				Name:      "cost_usd_total",
				Help:      "Cumulative agent spend in USD",
			},
		),

		VulnerabilitiesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: conductorSubsystem,
				Name:      "vulnerabilities_total",
				Help:      "Observer findings by severity and source",
			},
			[]string{"severity", "source"},
		),

		StoriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: conductorSubsystem,
				Name:      "stories_total",
				Help:      "Story outcomes by verdict",
			},
			[]string{"verdict"},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// Nil-safe: every helper no-ops on a nil receiver so callers can leave
// metrics unwired in tests.

// RecordTaskFinished records a task reaching a terminal status.
func (m *Metrics) RecordTaskFinished(status datatypes.TaskStatus, lane datatypes.Lane) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(string(status), string(lane)).Inc()
}

// TaskStarted increments the active task gauge for the lane.
func (m *Metrics) TaskStarted(lane datatypes.Lane) {
	if m == nil {
		return
	}
	m.TasksActive.WithLabelValues(string(lane)).Inc()
}

// TaskEnded decrements the active task gauge for the lane.
func (m *Metrics) TaskEnded(lane datatypes.Lane) {
	if m == nil {
		return
	}
	m.TasksActive.WithLabelValues(string(lane)).Dec()
}

// RecordPhase records one phase execution.
func (m *Metrics) RecordPhase(phase datatypes.PhaseName, seconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.PhaseDurationSeconds.WithLabelValues(string(phase), status).Observe(seconds)
}

// RecordPhaseFailure records a phase failure by reason kind.
func (m *Metrics) RecordPhaseFailure(phase datatypes.PhaseName, reason string) {
	if m == nil {
		return
	}
	m.PhaseFailuresTotal.WithLabelValues(string(phase), reason).Inc()
}

// RecordApproval records a resolved checkpoint and its wait time.
func (m *Metrics) RecordApproval(phase datatypes.PhaseName, decision datatypes.ApprovalDecision, waitSeconds float64) {
	if m == nil {
		return
	}
	m.ApprovalsTotal.WithLabelValues(string(decision)).Inc()
	m.ApprovalWaitSeconds.WithLabelValues(string(phase)).Observe(waitSeconds)
}

// SetQueueDepth sets the waiting count for a lane.
func (m *Metrics) SetQueueDepth(lane datatypes.Lane, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(string(lane)).Set(float64(depth))
}

// RecordUsage records agent token usage and spend.
func (m *Metrics) RecordUsage(inputTokens, outputTokens int64, costUSD float64) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	m.CostUSDTotal.Add(costUSD)
}

// RecordVulnerability records one observer finding.
func (m *Metrics) RecordVulnerability(severity datatypes.Severity, source string) {
	if m == nil {
		return
	}
	m.VulnerabilitiesTotal.WithLabelValues(string(severity), source).Inc()
}

// RecordStory records a story's final verdict.
func (m *Metrics) RecordStory(verdict datatypes.StoryVerdict) {
	if m == nil {
		return
	}
	m.StoriesTotal.WithLabelValues(string(verdict)).Inc()
}
