/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	// CodeRunComponent is the metrics subsystem for run reconciliation.
	CodeRunComponent = "coderun"
	// RemediationComponent is the metrics subsystem for the remediation loop.
	RemediationComponent = "remediation"
)

// Cancellation outcome label values.
const (
	CancellationPerformed = "performed"
	CancellationSkipped   = "skipped"
	CancellationLockHeld  = "lock_held"
	CancellationFailed    = "failed"

	// Workflow resumption outcomes.
	ResumePR      = "pr"
	ResumeNoPR    = "no_pr"
	ResumeFailure = "failure"
	ResumeError   = "error"
)

var (
	reconcileCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: CodeRunComponent,
			Name:      "reconcile_total",
			Help:      "Counter of CodeRun reconcile passes broken out by resulting phase.",
		},
		[]string{"phase"},
	)

	workflowResumeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: CodeRunComponent,
			Name:      "workflow_resume_total",
			Help:      "Counter of workflow resumption attempts broken out by outcome.",
		},
		[]string{"outcome"},
	)

	cancellationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: RemediationComponent,
			Name:      "cancellation_total",
			Help:      "Counter of state-aware cancellation invocations broken out by outcome.",
		},
		[]string{"outcome"},
	)

	iterationCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: RemediationComponent,
			Name:      "iterations_total",
			Help:      "Counter of remediation iterations accepted across all state records.",
		},
	)
)

var registerMetrics sync.Once

// Register all metrics onto the controller-runtime registry.
func Register(customCollectors ...prometheus.Collector) {
	registerMetrics.Do(func() {
		metrics.Registry.MustRegister(reconcileCounter)
		metrics.Registry.MustRegister(workflowResumeCounter)
		metrics.Registry.MustRegister(cancellationCounter)
		metrics.Registry.MustRegister(iterationCounter)

		for _, collector := range customCollectors {
			metrics.Registry.MustRegister(collector)
		}
	})
}

// RecordReconcile counts one reconcile pass ending in the given phase.
func RecordReconcile(phase string) {
	reconcileCounter.WithLabelValues(phase).Inc()
}

// RecordWorkflowResume counts one workflow resumption attempt.
func RecordWorkflowResume(outcome string) {
	workflowResumeCounter.WithLabelValues(outcome).Inc()
}

// RecordCancellation counts one cancellation invocation.
func RecordCancellation(outcome string) {
	cancellationCounter.WithLabelValues(outcome).Inc()
}

// RecordIteration counts one accepted remediation iteration.
func RecordIteration() {
	iterationCounter.Inc()
}
