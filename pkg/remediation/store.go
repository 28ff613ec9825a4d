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

package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/5dlabs/cto-sub002/pkg/metrics"
	logutil "github.com/5dlabs/cto-sub002/pkg/util/logging"
)

const (
	// stateKey is the ConfigMap data key holding the serialized State.
	stateKey = "state.json"

	// Denormalized keys allow cheap listing without deserializing state.json.
	workflowIDKey = "workflow_id"
	iterationKey  = "iteration"
	statusKey     = "status"
	updatedAtKey  = "updated_at"

	appLabel       = "app"
	appLabelValue  = "remediation-loop"
	componentLabel = "component"
	componentValue = "state-manager"
	prNumberLabel  = "pr-number"
	taskIDLabel    = "task-id"

	defaultMaxIterations = 10
)

// ErrStateNotFound is returned by mutating operations that require an
// existing state record. Load treats absence as a normal outcome instead.
var ErrStateNotFound = errors.New("remediation state not found")

// Store is CRUD-with-merge over one state record per (pr, task) pair. All
// writers go through Save's create-or-patch protocol; mutating the backing
// object anywhere else bypasses conflict handling and is a correctness
// violation.
type Store interface {
	// Initialize creates a fresh record in WaitingForFeedback at iteration 0.
	// Creation is idempotent-on-conflict via Save.
	Initialize(ctx context.Context, prNumber int, taskID string, maxIterations int) (*State, error)

	// Load returns the record, or (nil, nil) when none exists.
	Load(ctx context.Context, prNumber int, taskID string) (*State, error)

	// Save persists the record: create first, fall back to a merge patch of
	// the same payload on conflict. Two writers racing to first-create the
	// same key both succeed.
	Save(ctx context.Context, state *State) error

	// AddFeedback increments the iteration, appends an entry, and moves the
	// record to InProgress. Fails with ErrStateNotFound if no record exists.
	AddFeedback(ctx context.Context, prNumber int, taskID string, commentID int64, author string, fb Feedback) (*State, error)

	// UpdateFeedbackStatus mutates an entry's status and actions in place by
	// id lookup.
	UpdateFeedbackStatus(ctx context.Context, prNumber int, taskID string, feedbackID string, status FeedbackStatus, actions []string) error

	// SetActiveRun records the executing agent and moves to WaitingForAgent.
	SetActiveRun(ctx context.Context, prNumber int, taskID string, run ActiveRun) error

	// ClearActiveRun removes the active-run pointer and returns to InProgress.
	ClearActiveRun(ctx context.Context, prNumber int, taskID string) error

	// Complete, Terminate and Fail are terminal transitions; Terminate and
	// Fail stamp a reason and timestamp into the record metadata.
	Complete(ctx context.Context, prNumber int, taskID string) error
	Terminate(ctx context.Context, prNumber int, taskID string, reason string) error
	Fail(ctx context.Context, prNumber int, taskID string, message string) error

	// MarkCancellation flips the cancellation-in-progress marker.
	MarkCancellation(ctx context.Context, prNumber int, taskID string, inProgress bool) error

	// RecordCancellation folds one cancellation outcome into the statistics
	// and clears the in-progress marker.
	RecordCancellation(ctx context.Context, prNumber int, taskID string, succeeded, failed int, lastError string) error

	// CleanupOldStates deletes records older than maxAge and returns the count.
	CleanupOldStates(ctx context.Context, maxAge time.Duration) (int, error)

	// Statistics scans all records for fleet reporting.
	Statistics(ctx context.Context) (*Statistics, error)
}

// configMapStore persists states as namespaced ConfigMaps.
type configMapStore struct {
	client    client.Client
	namespace string
}

// NewConfigMapStore returns a Store backed by ConfigMaps in the given namespace.
func NewConfigMapStore(c client.Client, namespace string) Store {
	return &configMapStore{client: c, namespace: namespace}
}

// ConfigMapName derives the backing object name for a (pr, task) pair.
func ConfigMapName(prNumber int, taskID string) string {
	return fmt.Sprintf("remediation-state-pr-%d-task-%s", prNumber, taskID)
}

func (s *configMapStore) Initialize(ctx context.Context, prNumber int, taskID string, maxIterations int) (*State, error) {
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	now := time.Now().UTC()
	state := &State{
		WorkflowID:    WorkflowID(prNumber, taskID),
		PRNumber:      prNumber,
		TaskID:        taskID,
		Iteration:     0, // incremented to 1 on first feedback
		MaxIterations: maxIterations,
		Status:        StatusWaitingForFeedback,
		StartedAt:     now,
		UpdatedAt:     now,
		Metadata:      map[string]string{},
	}
	if err := s.Save(ctx, state); err != nil {
		return nil, err
	}
	log.FromContext(ctx).V(logutil.DEFAULT).Info("Initialized remediation state", "pr", prNumber, "task", taskID)
	return state, nil
}

func (s *configMapStore) Load(ctx context.Context, prNumber int, taskID string) (*State, error) {
	logger := log.FromContext(ctx)
	name := ConfigMapName(prNumber, taskID)

	cm := &corev1.ConfigMap{}
	if err := s.client.Get(ctx, types.NamespacedName{Name: name, Namespace: s.namespace}, cm); err != nil {
		if apierrors.IsNotFound(err) {
			logger.V(logutil.DEBUG).Info("No remediation state found", "pr", prNumber, "task", taskID)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load remediation state %s - %w", name, err)
	}

	raw, ok := cm.Data[stateKey]
	if !ok {
		logger.V(logutil.DEFAULT).Info("Remediation state ConfigMap missing payload", "name", name)
		return nil, nil
	}
	state := &State{}
	if err := json.Unmarshal([]byte(raw), state); err != nil {
		return nil, fmt.Errorf("failed to decode remediation state %s - %w", name, err)
	}
	return state, nil
}

func (s *configMapStore) Save(ctx context.Context, state *State) error {
	logger := log.FromContext(ctx)
	name := ConfigMapName(state.PRNumber, state.TaskID)

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode remediation state %s - %w", name, err)
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: s.namespace,
			Labels: map[string]string{
				appLabel:       appLabelValue,
				componentLabel: componentValue,
				prNumberLabel:  strconv.Itoa(state.PRNumber),
				taskIDLabel:    state.TaskID,
			},
		},
		Data: map[string]string{
			stateKey:      string(raw),
			workflowIDKey: state.WorkflowID,
			iterationKey:  strconv.Itoa(state.Iteration),
			statusKey:     string(state.Status),
			updatedAtKey:  state.UpdatedAt.Format(time.RFC3339),
		},
	}

	// Create-or-patch: the create wins for one racing writer, the other
	// merges the same payload onto the existing object. Neither errors.
	if err := s.client.Create(ctx, cm); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("failed to create remediation state %s - %w", name, err)
		}
		if err := s.client.Patch(ctx, cm, client.Merge); err != nil {
			return fmt.Errorf("failed to patch remediation state %s - %w", name, err)
		}
		logger.V(logutil.DEBUG).Info("Patched remediation state", "name", name)
		return nil
	}
	logger.V(logutil.DEBUG).Info("Created remediation state", "name", name)
	return nil
}

func (s *configMapStore) AddFeedback(ctx context.Context, prNumber int, taskID string, commentID int64, author string, fb Feedback) (*State, error) {
	state, err := s.Load(ctx, prNumber, taskID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("%w for pr %d task %s", ErrStateNotFound, prNumber, taskID)
	}

	now := time.Now().UTC()
	state.Iteration++
	state.UpdatedAt = now
	state.FeedbackHistory = append(state.FeedbackHistory, FeedbackEntry{
		ID:         FeedbackID(commentID, state.Iteration),
		Iteration:  state.Iteration,
		CommentID:  commentID,
		Author:     author,
		ReceivedAt: now,
		Feedback:   fb,
		Status:     FeedbackReceived,
	})
	state.Status = StatusInProgress

	if err := s.Save(ctx, state); err != nil {
		return nil, err
	}
	metrics.RecordIteration()
	log.FromContext(ctx).V(logutil.DEFAULT).Info("Recorded feedback",
		"pr", prNumber, "task", taskID, "iteration", state.Iteration, "commentID", commentID)
	return state, nil
}

func (s *configMapStore) UpdateFeedbackStatus(ctx context.Context, prNumber int, taskID string, feedbackID string, status FeedbackStatus, actions []string) error {
	return s.mutate(ctx, prNumber, taskID, func(state *State) {
		for i := range state.FeedbackHistory {
			if state.FeedbackHistory[i].ID == feedbackID {
				state.FeedbackHistory[i].Status = status
				if actions != nil {
					state.FeedbackHistory[i].ActionsTaken = actions
				}
				return
			}
		}
	})
}

func (s *configMapStore) SetActiveRun(ctx context.Context, prNumber int, taskID string, run ActiveRun) error {
	return s.mutate(ctx, prNumber, taskID, func(state *State) {
		state.ActiveRun = &run
		state.Status = StatusWaitingForAgent
	})
}

func (s *configMapStore) ClearActiveRun(ctx context.Context, prNumber int, taskID string) error {
	return s.mutate(ctx, prNumber, taskID, func(state *State) {
		state.ActiveRun = nil
		state.Status = StatusInProgress
	})
}

func (s *configMapStore) Complete(ctx context.Context, prNumber int, taskID string) error {
	return s.mutate(ctx, prNumber, taskID, func(state *State) {
		state.Status = StatusCompleted
	})
}

func (s *configMapStore) Terminate(ctx context.Context, prNumber int, taskID string, reason string) error {
	return s.mutate(ctx, prNumber, taskID, func(state *State) {
		state.Status = StatusTerminated
		if state.Metadata == nil {
			state.Metadata = map[string]string{}
		}
		state.Metadata["termination_reason"] = reason
		state.Metadata["terminated_at"] = time.Now().UTC().Format(time.RFC3339)
	})
}

func (s *configMapStore) Fail(ctx context.Context, prNumber int, taskID string, message string) error {
	return s.mutate(ctx, prNumber, taskID, func(state *State) {
		state.Status = StatusFailed
		if state.Metadata == nil {
			state.Metadata = map[string]string{}
		}
		state.Metadata["failure_reason"] = message
		state.Metadata["failed_at"] = time.Now().UTC().Format(time.RFC3339)
	})
}

func (s *configMapStore) MarkCancellation(ctx context.Context, prNumber int, taskID string, inProgress bool) error {
	return s.mutate(ctx, prNumber, taskID, func(state *State) {
		state.CancellationInProgress = inProgress
	})
}

func (s *configMapStore) RecordCancellation(ctx context.Context, prNumber int, taskID string, succeeded, failed int, lastError string) error {
	return s.mutate(ctx, prNumber, taskID, func(state *State) {
		state.CancellationInProgress = false
		if state.CancelStats == nil {
			state.CancelStats = &CancelStats{}
		}
		now := time.Now().UTC()
		state.CancelStats.Total++
		state.CancelStats.Succeeded += succeeded
		state.CancelStats.Failed += failed
		state.CancelStats.LastAt = &now
		if lastError != "" {
			state.CancelStats.LastError = lastError
		}
	})
}

// mutate runs the load-mutate-save triad shared by all field-level updates.
func (s *configMapStore) mutate(ctx context.Context, prNumber int, taskID string, fn func(*State)) error {
	state, err := s.Load(ctx, prNumber, taskID)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("%w for pr %d task %s", ErrStateNotFound, prNumber, taskID)
	}
	fn(state)
	state.UpdatedAt = time.Now().UTC()
	return s.Save(ctx, state)
}

func (s *configMapStore) CleanupOldStates(ctx context.Context, maxAge time.Duration) (int, error) {
	logger := log.FromContext(ctx)
	cutoff := time.Now().UTC().Add(-maxAge)

	list := &corev1.ConfigMapList{}
	if err := s.client.List(ctx, list,
		client.InNamespace(s.namespace),
		client.MatchingLabels{appLabel: appLabelValue, componentLabel: componentValue}); err != nil {
		return 0, fmt.Errorf("failed to list remediation states - %w", err)
	}

	cleaned := 0
	for i := range list.Items {
		cm := &list.Items[i]
		raw, ok := cm.Data[updatedAtKey]
		if !ok {
			continue
		}
		updatedAt, err := time.Parse(time.RFC3339, raw)
		if err != nil || !updatedAt.Before(cutoff) {
			continue
		}
		if err := s.client.Delete(ctx, cm); err != nil && !apierrors.IsNotFound(err) {
			return cleaned, fmt.Errorf("failed to delete remediation state %s - %w", cm.Name, err)
		}
		cleaned++
		logger.V(logutil.DEBUG).Info("Cleaned up old remediation state", "name", cm.Name)
	}
	if cleaned > 0 {
		logger.V(logutil.DEFAULT).Info("Cleaned up old remediation states", "count", cleaned, "maxAge", maxAge)
	}
	return cleaned, nil
}

func (s *configMapStore) Statistics(ctx context.Context) (*Statistics, error) {
	list := &corev1.ConfigMapList{}
	if err := s.client.List(ctx, list,
		client.InNamespace(s.namespace),
		client.MatchingLabels{appLabel: appLabelValue, componentLabel: componentValue}); err != nil {
		return nil, fmt.Errorf("failed to list remediation states - %w", err)
	}

	stats := &Statistics{}
	for i := range list.Items {
		cm := &list.Items[i]
		stats.TotalWorkflows++
		switch Status(cm.Data[statusKey]) {
		case StatusInProgress:
			stats.InProgress++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusTerminated:
			stats.Terminated++
		default:
			stats.Other++
		}
		if n, err := strconv.Atoi(cm.Data[iterationKey]); err == nil {
			stats.TotalIterations += n
		}
	}
	return stats, nil
}
