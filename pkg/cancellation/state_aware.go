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

package cancellation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/5dlabs/cto-sub002/api/v1"
	"github.com/5dlabs/cto-sub002/pkg/metrics"
	"github.com/5dlabs/cto-sub002/pkg/remediation"
	logutil "github.com/5dlabs/cto-sub002/pkg/util/logging"
)

const (
	// fieldOwner is the server-side-apply manager for the terminate intent.
	fieldOwner = "cancellation-controller"

	defaultGracePeriod = 30 * time.Second
)

// AgentInfo describes one agent resource touched by a cancellation.
type AgentInfo struct {
	Name      string `json:"name"`
	AgentType string `json:"agentType"`
	Reason    string `json:"reason"`
}

// Result is the per-invocation outcome of a cancellation. It is ephemeral;
// aggregate counts are folded into the remediation state record.
type Result struct {
	TaskID        string      `json:"taskId"`
	PRNumber      int         `json:"prNumber"`
	Cancelled     []AgentInfo `json:"cancelled"`
	Skipped       []AgentInfo `json:"skipped"`
	Reason        string      `json:"reason"`
	CorrelationID string      `json:"correlationId"`
}

// Canceler stops in-flight agent execution for a task, but only while holding
// that task's exclusive cancellation lease, and only when remediation state
// and actual resource state agree cancellation is warranted.
type Canceler struct {
	client      client.Client
	namespace   string
	store       remediation.Store
	holder      string
	gracePeriod time.Duration
}

// NewCanceler returns a Canceler whose lease holder identity names this
// controller instance.
func NewCanceler(c client.Client, namespace, holder string, store remediation.Store) *Canceler {
	return &Canceler{
		client:      c,
		namespace:   namespace,
		store:       store,
		holder:      holder,
		gracePeriod: defaultGracePeriod,
	}
}

// WithGracePeriod overrides the graceful-termination wait.
func (c *Canceler) WithGracePeriod(d time.Duration) *Canceler {
	c.gracePeriod = d
	return c
}

// CancelForTask cancels running agents for the task. Racing duplicate
// triggers are expected: the loser returns a "lock held" Result with empty
// lists rather than an error.
func (c *Canceler) CancelForTask(ctx context.Context, taskID string, prNumber int) (*Result, error) {
	correlationID := fmt.Sprintf("cancel-%s-%s", taskID, uuid.NewString())
	logger := log.FromContext(ctx).WithValues("task", taskID, "pr", prNumber, "correlationID", correlationID)
	ctx = log.IntoContext(ctx, logger)

	result := &Result{
		TaskID:        taskID,
		PRNumber:      prNumber,
		Cancelled:     []AgentInfo{},
		Skipped:       []AgentInfo{},
		CorrelationID: correlationID,
	}

	lock := NewLeaseLock(c.client, c.namespace, "cancel-"+taskID, c.holder)
	lease, err := lock.TryAcquire(ctx)
	if err != nil {
		var held *HeldError
		if errors.As(err, &held) {
			logger.V(logutil.DEFAULT).Info("Cancellation lock held by another process, skipping", "holder", held.Holder)
			result.Reason = fmt.Sprintf("lock held by %s", held.Holder)
			metrics.RecordCancellation(metrics.CancellationLockHeld)
			return result, nil
		}
		return nil, fmt.Errorf("failed to acquire cancellation lock - %w", err)
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			logger.Error(err, "Failed to release cancellation lock")
		}
	}()

	// Absent or unreadable state means "proceed without state awareness";
	// cancellation must still work for tasks the remediation loop never saw.
	state, err := c.store.Load(ctx, prNumber, taskID)
	if err != nil {
		logger.V(logutil.DEFAULT).Info("Failed to load remediation state, proceeding without it", "error", err.Error())
		state = nil
	}

	if state != nil {
		if state.CancellationInProgress {
			logger.V(logutil.DEFAULT).Info("Cancellation already in progress, skipping")
			result.Reason = "cancellation already in progress"
			metrics.RecordCancellation(metrics.CancellationSkipped)
			return result, nil
		}

		done, err := c.agentsCompleted(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if done {
			logger.V(logutil.DEFAULT).Info("Agents already completed, skipping cancellation")
			result.Reason = "already completed"
			metrics.RecordCancellation(metrics.CancellationSkipped)
			return result, nil
		}

		// Mark before any destructive action so a mid-crash is visible on
		// retry. Best-effort: a state hiccup must not block cancellation.
		if err := c.store.MarkCancellation(ctx, prNumber, taskID, true); err != nil {
			logger.V(logutil.DEFAULT).Info("Failed to mark cancellation in progress", "error", err.Error())
		}
	}

	performErr := c.perform(ctx, taskID, result)

	lastError := ""
	if performErr != nil {
		lastError = performErr.Error()
	}
	failed := 0
	for _, skipped := range result.Skipped {
		if skipped.Reason != reasonAlreadyCompleted {
			failed++
			lastError = skipped.Reason
		}
	}
	if state != nil {
		if err := c.store.RecordCancellation(ctx, prNumber, taskID, len(result.Cancelled), failed, lastError); err != nil {
			logger.V(logutil.DEFAULT).Info("Failed to record cancellation statistics", "error", err.Error())
		}
	}

	if performErr != nil {
		metrics.RecordCancellation(metrics.CancellationFailed)
		return nil, performErr
	}

	logger.V(logutil.DEFAULT).Info("Cancellation completed",
		"cancelled", len(result.Cancelled), "skipped", len(result.Skipped), "reason", result.Reason)
	metrics.RecordCancellation(metrics.CancellationPerformed)
	return result, nil
}

const reasonAlreadyCompleted = "already completed"

// agentsCompleted is true only when labeled runs exist and none is still
// Running or Pending. An empty set is not "completed"; that case is handled
// as its own branch by perform.
func (c *Canceler) agentsCompleted(ctx context.Context, taskID string) (bool, error) {
	runs := &v1.CodeRunList{}
	if err := c.client.List(ctx, runs,
		client.InNamespace(c.namespace),
		client.MatchingLabels{v1.TaskIDLabel: taskID}); err != nil {
		return false, fmt.Errorf("failed to list runs for task %s - %w", taskID, err)
	}
	if len(runs.Items) == 0 {
		return false, nil
	}
	for i := range runs.Items {
		if runActive(&runs.Items[i]) {
			return false, nil
		}
	}
	return true, nil
}

func runActive(run *v1.CodeRun) bool {
	switch run.Status.Phase {
	case v1.CodeRunPhaseRunning, v1.CodeRunPhasePending, "":
		return true
	}
	return false
}

func (c *Canceler) perform(ctx context.Context, taskID string, result *Result) error {
	logger := log.FromContext(ctx)

	runs := &v1.CodeRunList{}
	if err := c.client.List(ctx, runs,
		client.InNamespace(c.namespace),
		client.MatchingLabels{v1.TaskIDLabel: taskID}); err != nil {
		return fmt.Errorf("failed to list runs for task %s - %w", taskID, err)
	}

	if len(runs.Items) == 0 {
		logger.V(logutil.DEFAULT).Info("No agents found for task, nothing to cancel")
		result.Reason = "no agents found"
		return nil
	}

	for i := range runs.Items {
		run := &runs.Items[i]
		agentType := run.Labels[v1.AgentTypeLabel]
		if agentType == "" {
			agentType = "unknown"
		}
		info := AgentInfo{Name: run.Name, AgentType: agentType}

		if !runActive(run) {
			info.Reason = reasonAlreadyCompleted
			result.Skipped = append(result.Skipped, info)
			logger.V(logutil.DEBUG).Info("Skipping completed run", "run", run.Name)
			continue
		}

		if err := c.cancelRun(ctx, run); err != nil {
			info.Reason = fmt.Sprintf("cancellation failed: %v", err)
			result.Skipped = append(result.Skipped, info)
			logger.V(logutil.DEFAULT).Info("Failed to cancel run", "run", run.Name, "error", err.Error())
			continue
		}
		info.Reason = "successfully cancelled"
		result.Cancelled = append(result.Cancelled, info)
		logger.V(logutil.DEFAULT).Info("Cancelled run", "run", run.Name, "agentType", agentType)
	}

	result.Reason = "cancellation completed"
	return nil
}

// cancelRun terminates one run: patch the terminate intent, wait out the
// grace period, then force-delete with zero grace. The wait is a fixed sleep
// so a stuck run deterministically falls through to the force delete.
func (c *Canceler) cancelRun(ctx context.Context, run *v1.CodeRun) error {
	patch := &unstructured.Unstructured{}
	patch.SetAPIVersion(v1.GroupVersion.String())
	patch.SetKind("CodeRun")
	patch.SetName(run.Name)
	patch.SetNamespace(run.Namespace)
	if err := unstructured.SetNestedField(patch.Object, true, "spec", "terminate"); err != nil {
		return err
	}
	if err := c.client.Patch(ctx, patch, client.Apply, client.FieldOwner(fieldOwner), client.ForceOwnership); err != nil {
		return fmt.Errorf("failed to patch terminate intent on %s - %w", run.Name, err)
	}

	time.Sleep(c.gracePeriod)

	if err := c.client.Delete(ctx, run, client.GracePeriodSeconds(0)); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to force-delete %s - %w", run.Name, err)
	}
	return nil
}
