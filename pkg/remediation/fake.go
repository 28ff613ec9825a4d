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
	"fmt"
	"sync"
	"time"
)

// FakeStore is an in-memory Store for tests. SaveErr, when set, is returned
// by every write so callers can exercise their bookkeeping-failure handling.
type FakeStore struct {
	mu     sync.Mutex
	states map[string]*State

	// SaveErr is injected into Save and every load-mutate-save operation.
	SaveErr error
}

// NewFakeStore returns an empty in-memory Store.
func NewFakeStore() *FakeStore {
	return &FakeStore{states: map[string]*State{}}
}

func (f *FakeStore) key(prNumber int, taskID string) string {
	return ConfigMapName(prNumber, taskID)
}

// Seed inserts a state without going through Save, for test setup.
func (f *FakeStore) Seed(state *State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[f.key(state.PRNumber, state.TaskID)] = clone(state)
}

func (f *FakeStore) Initialize(ctx context.Context, prNumber int, taskID string, maxIterations int) (*State, error) {
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	now := time.Now().UTC()
	state := &State{
		WorkflowID:    WorkflowID(prNumber, taskID),
		PRNumber:      prNumber,
		TaskID:        taskID,
		MaxIterations: maxIterations,
		Status:        StatusWaitingForFeedback,
		StartedAt:     now,
		UpdatedAt:     now,
		Metadata:      map[string]string{},
	}
	if err := f.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (f *FakeStore) Load(_ context.Context, prNumber int, taskID string) (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[f.key(prNumber, taskID)]
	if !ok {
		return nil, nil
	}
	return clone(state), nil
}

func (f *FakeStore) Save(_ context.Context, state *State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SaveErr != nil {
		return f.SaveErr
	}
	f.states[f.key(state.PRNumber, state.TaskID)] = clone(state)
	return nil
}

func (f *FakeStore) AddFeedback(ctx context.Context, prNumber int, taskID string, commentID int64, author string, fb Feedback) (*State, error) {
	state, err := f.Load(ctx, prNumber, taskID)
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
	if err := f.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (f *FakeStore) UpdateFeedbackStatus(ctx context.Context, prNumber int, taskID string, feedbackID string, status FeedbackStatus, actions []string) error {
	return f.mutate(ctx, prNumber, taskID, func(state *State) {
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

func (f *FakeStore) SetActiveRun(ctx context.Context, prNumber int, taskID string, run ActiveRun) error {
	return f.mutate(ctx, prNumber, taskID, func(state *State) {
		state.ActiveRun = &run
		state.Status = StatusWaitingForAgent
	})
}

func (f *FakeStore) ClearActiveRun(ctx context.Context, prNumber int, taskID string) error {
	return f.mutate(ctx, prNumber, taskID, func(state *State) {
		state.ActiveRun = nil
		state.Status = StatusInProgress
	})
}

func (f *FakeStore) Complete(ctx context.Context, prNumber int, taskID string) error {
	return f.mutate(ctx, prNumber, taskID, func(state *State) {
		state.Status = StatusCompleted
	})
}

func (f *FakeStore) Terminate(ctx context.Context, prNumber int, taskID string, reason string) error {
	return f.mutate(ctx, prNumber, taskID, func(state *State) {
		state.Status = StatusTerminated
		if state.Metadata == nil {
			state.Metadata = map[string]string{}
		}
		state.Metadata["termination_reason"] = reason
		state.Metadata["terminated_at"] = time.Now().UTC().Format(time.RFC3339)
	})
}

func (f *FakeStore) Fail(ctx context.Context, prNumber int, taskID string, message string) error {
	return f.mutate(ctx, prNumber, taskID, func(state *State) {
		state.Status = StatusFailed
		if state.Metadata == nil {
			state.Metadata = map[string]string{}
		}
		state.Metadata["failure_reason"] = message
		state.Metadata["failed_at"] = time.Now().UTC().Format(time.RFC3339)
	})
}

func (f *FakeStore) MarkCancellation(ctx context.Context, prNumber int, taskID string, inProgress bool) error {
	return f.mutate(ctx, prNumber, taskID, func(state *State) {
		state.CancellationInProgress = inProgress
	})
}

func (f *FakeStore) RecordCancellation(ctx context.Context, prNumber int, taskID string, succeeded, failed int, lastError string) error {
	return f.mutate(ctx, prNumber, taskID, func(state *State) {
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

func (f *FakeStore) CleanupOldStates(_ context.Context, maxAge time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxAge)
	cleaned := 0
	for key, state := range f.states {
		if state.UpdatedAt.Before(cutoff) {
			delete(f.states, key)
			cleaned++
		}
	}
	return cleaned, nil
}

func (f *FakeStore) Statistics(_ context.Context) (*Statistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &Statistics{}
	for _, state := range f.states {
		stats.TotalWorkflows++
		switch state.Status {
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
		stats.TotalIterations += state.Iteration
	}
	return stats, nil
}

func (f *FakeStore) mutate(ctx context.Context, prNumber int, taskID string, fn func(*State)) error {
	state, err := f.Load(ctx, prNumber, taskID)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("%w for pr %d task %s", ErrStateNotFound, prNumber, taskID)
	}
	fn(state)
	state.UpdatedAt = time.Now().UTC()
	return f.Save(ctx, state)
}

func clone(state *State) *State {
	raw, err := json.Marshal(state)
	if err != nil {
		panic(err)
	}
	out := &State{}
	if err := json.Unmarshal(raw, out); err != nil {
		panic(err)
	}
	return out
}
