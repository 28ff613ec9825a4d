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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

const testNamespace = "agents"

func newTestStore(t *testing.T) (Store, client.Client) {
	t.Helper()
	cli := fake.NewClientBuilder().Build()
	return NewConfigMapStore(cli, testNamespace), cli
}

func TestInitializeAndLoad(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	state, err := store.Initialize(ctx, 42, "7", 5)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingForFeedback, state.Status)
	assert.Equal(t, 0, state.Iteration)
	assert.Equal(t, 5, state.MaxIterations)
	assert.Equal(t, "remediation-42-7", state.WorkflowID)

	loaded, err := store.Load(ctx, 42, "7")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, state.WorkflowID, loaded.WorkflowID)
	assert.Equal(t, StatusWaitingForFeedback, loaded.Status)
}

func TestLoadNotFoundIsNormal(t *testing.T) {
	store, _ := newTestStore(t)

	state, err := store.Load(context.Background(), 99, "nope")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestInitializeIdempotentOnConflict(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, 42, "7", 0)
	require.NoError(t, err)
	// A racing second initialization converges instead of erroring.
	_, err = store.Initialize(ctx, 42, "7", 0)
	require.NoError(t, err)

	loaded, err := store.Load(ctx, 42, "7")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, defaultMaxIterations, loaded.MaxIterations)
}

func TestSaveCreateOrPatchConvergence(t *testing.T) {
	store, cli := newTestStore(t)
	ctx := context.Background()

	// Two writers race to first-create the same key.
	a := &State{WorkflowID: WorkflowID(42, "7"), PRNumber: 42, TaskID: "7", Status: StatusWaitingForFeedback, UpdatedAt: time.Now().UTC()}
	b := &State{WorkflowID: WorkflowID(42, "7"), PRNumber: 42, TaskID: "7", Status: StatusInProgress, Iteration: 1, UpdatedAt: time.Now().UTC()}
	require.NoError(t, store.Save(ctx, a))
	require.NoError(t, store.Save(ctx, b))

	// Exactly one backing object exists, reflecting the later write.
	cms := &corev1.ConfigMapList{}
	require.NoError(t, cli.List(ctx, cms, client.InNamespace(testNamespace)))
	require.Len(t, cms.Items, 1)

	loaded, err := store.Load(ctx, 42, "7")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, StatusInProgress, loaded.Status)
	assert.Equal(t, 1, loaded.Iteration)
}

func TestAddFeedbackMonotonicity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, 42, "7", 10)
	require.NoError(t, err)

	const rounds = 5
	for i := 1; i <= rounds; i++ {
		state, err := store.AddFeedback(ctx, 42, "7", int64(1000+i), "reviewer", Feedback{
			IssueType:   IssueBug,
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("problem %d", i),
		})
		require.NoError(t, err)
		assert.Equal(t, i, state.Iteration, "iteration must strictly increase")
		assert.Len(t, state.FeedbackHistory, i, "history length must equal iterations reached")
		assert.Equal(t, StatusInProgress, state.Status)
	}

	loaded, err := store.Load(ctx, 42, "7")
	require.NoError(t, err)
	for i, entry := range loaded.FeedbackHistory {
		assert.Equal(t, i+1, entry.Iteration)
		assert.LessOrEqual(t, entry.Iteration, loaded.Iteration)
		assert.Equal(t, FeedbackID(entry.CommentID, entry.Iteration), entry.ID)
	}
}

func TestAddFeedbackWithoutStateFails(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.AddFeedback(context.Background(), 42, "7", 1, "reviewer", Feedback{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStateNotFound))
}

func TestUpdateFeedbackStatus(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, 42, "7", 10)
	require.NoError(t, err)
	state, err := store.AddFeedback(ctx, 42, "7", 1001, "reviewer", Feedback{Description: "fix it"})
	require.NoError(t, err)
	id := state.FeedbackHistory[0].ID

	require.NoError(t, store.UpdateFeedbackStatus(ctx, 42, "7", id, FeedbackResolved, []string{"patched handler"}))

	loaded, err := store.Load(ctx, 42, "7")
	require.NoError(t, err)
	require.Len(t, loaded.FeedbackHistory, 1)
	assert.Equal(t, FeedbackResolved, loaded.FeedbackHistory[0].Status)
	assert.Equal(t, []string{"patched handler"}, loaded.FeedbackHistory[0].ActionsTaken)
	// The rest of the entry is untouched.
	assert.Equal(t, int64(1001), loaded.FeedbackHistory[0].CommentID)
}

func TestActiveRunLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, 42, "7", 10)
	require.NoError(t, err)

	run := ActiveRun{RunType: RunTypeCode, Name: "coderun-x", Namespace: testNamespace, StartedAt: time.Now().UTC()}
	require.NoError(t, store.SetActiveRun(ctx, 42, "7", run))

	loaded, err := store.Load(ctx, 42, "7")
	require.NoError(t, err)
	require.NotNil(t, loaded.ActiveRun)
	assert.Equal(t, StatusWaitingForAgent, loaded.Status)
	assert.Equal(t, "coderun-x", loaded.ActiveRun.Name)

	require.NoError(t, store.ClearActiveRun(ctx, 42, "7"))
	loaded, err = store.Load(ctx, 42, "7")
	require.NoError(t, err)
	assert.Nil(t, loaded.ActiveRun)
	assert.Equal(t, StatusInProgress, loaded.Status)
}

func TestTerminalTransitionsStampMetadata(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, 42, "7", 10)
	require.NoError(t, err)
	require.NoError(t, store.Terminate(ctx, 42, "7", "max iterations reached"))

	loaded, err := store.Load(ctx, 42, "7")
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, loaded.Status)
	assert.Equal(t, "max iterations reached", loaded.Metadata["termination_reason"])
	assert.NotEmpty(t, loaded.Metadata["terminated_at"])

	_, err = store.Initialize(ctx, 43, "7", 10)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, 43, "7", "agent crashed"))

	loaded, err = store.Load(ctx, 43, "7")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, loaded.Status)
	assert.Equal(t, "agent crashed", loaded.Metadata["failure_reason"])
}

func TestRecordCancellation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, 42, "7", 10)
	require.NoError(t, err)
	require.NoError(t, store.MarkCancellation(ctx, 42, "7", true))

	loaded, err := store.Load(ctx, 42, "7")
	require.NoError(t, err)
	assert.True(t, loaded.CancellationInProgress)

	require.NoError(t, store.RecordCancellation(ctx, 42, "7", 2, 1, "delete timed out"))
	loaded, err = store.Load(ctx, 42, "7")
	require.NoError(t, err)
	assert.False(t, loaded.CancellationInProgress, "recording must clear the in-progress marker")
	require.NotNil(t, loaded.CancelStats)
	assert.Equal(t, 1, loaded.CancelStats.Total)
	assert.Equal(t, 2, loaded.CancelStats.Succeeded)
	assert.Equal(t, 1, loaded.CancelStats.Failed)
	assert.Equal(t, "delete timed out", loaded.CancelStats.LastError)
}

func TestCleanupOldStates(t *testing.T) {
	store, cli := newTestStore(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, 1, "old", 10)
	require.NoError(t, err)
	_, err = store.Initialize(ctx, 2, "new", 10)
	require.NoError(t, err)

	// Age the first record by rewriting its denormalized timestamp.
	cm := &corev1.ConfigMap{}
	require.NoError(t, cli.Get(ctx, types.NamespacedName{Name: ConfigMapName(1, "old"), Namespace: testNamespace}, cm))
	cm.Data[updatedAtKey] = time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339)
	require.NoError(t, cli.Update(ctx, cm))

	removed, err := store.CleanupOldStates(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	state, err := store.Load(ctx, 1, "old")
	require.NoError(t, err)
	assert.Nil(t, state, "aged record should be gone")
	state, err = store.Load(ctx, 2, "new")
	require.NoError(t, err)
	assert.NotNil(t, state, "fresh record should survive")
}

func TestStatistics(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Initialize(ctx, 1, "a", 10)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, 1, "a"))

	_, err = store.Initialize(ctx, 2, "b", 10)
	require.NoError(t, err)
	_, err = store.AddFeedback(ctx, 2, "b", 1, "reviewer", Feedback{})
	require.NoError(t, err)
	_, err = store.AddFeedback(ctx, 2, "b", 2, "reviewer", Feedback{})
	require.NoError(t, err)

	_, err = store.Initialize(ctx, 3, "c", 10)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, 3, "c", "boom"))

	stats, err := store.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalWorkflows)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.InProgress)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.TotalIterations)
	assert.InDelta(t, 0.5, stats.SuccessRate(), 0.001)
	assert.InDelta(t, 2.0/3.0, stats.AverageIterations(), 0.001)
}
