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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	v1 "github.com/5dlabs/cto-sub002/api/v1"
	"github.com/5dlabs/cto-sub002/pkg/remediation"
	utiltest "github.com/5dlabs/cto-sub002/pkg/util/testing"
)

const testNamespace = "agents"

func cancelScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	require.NoError(t, v1.AddToScheme(scheme))
	return scheme
}

func newCancelClient(t *testing.T, objs ...client.Object) client.Client {
	t.Helper()
	return fake.NewClientBuilder().WithScheme(cancelScheme(t)).WithObjects(objs...).Build()
}

func runningRun(name, taskID string) *v1.CodeRun {
	return utiltest.MakeCodeRun(name).
		Namespace(testNamespace).
		Label(v1.TaskIDLabel, taskID).
		Label(v1.AgentTypeLabel, "code").
		Phase(v1.CodeRunPhaseRunning).
		Obj()
}

func succeededRun(name, taskID string) *v1.CodeRun {
	return utiltest.MakeCodeRun(name).
		Namespace(testNamespace).
		Label(v1.TaskIDLabel, taskID).
		Label(v1.AgentTypeLabel, "code").
		Phase(v1.CodeRunPhaseSucceeded).
		Obj()
}

func seededStore(prNumber int, taskID string) *remediation.FakeStore {
	store := remediation.NewFakeStore()
	store.Seed(&remediation.State{
		WorkflowID: remediation.WorkflowID(prNumber, taskID),
		PRNumber:   prNumber,
		TaskID:     taskID,
		Status:     remediation.StatusWaitingForAgent,
		UpdatedAt:  time.Now().UTC(),
	})
	return store
}

func TestCancelForTaskTerminatesRunningAgents(t *testing.T) {
	cli := newCancelClient(t, runningRun("coderun-a", "7"), succeededRun("coderun-b", "7"))
	store := seededStore(42, "7")
	canceler := NewCanceler(cli, testNamespace, "controller-a", store).WithGracePeriod(time.Millisecond)

	result, err := canceler.CancelForTask(context.Background(), "7", 42)
	require.NoError(t, err)
	assert.Equal(t, "cancellation completed", result.Reason)
	require.Len(t, result.Cancelled, 1)
	assert.Equal(t, "coderun-a", result.Cancelled[0].Name)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, reasonAlreadyCompleted, result.Skipped[0].Reason)
	assert.NotEmpty(t, result.CorrelationID)

	// The running agent was force-deleted; the finished one survives.
	err = cli.Get(context.Background(), types.NamespacedName{Name: "coderun-a", Namespace: testNamespace}, &v1.CodeRun{})
	assert.Error(t, err, "running agent should be deleted")
	err = cli.Get(context.Background(), types.NamespacedName{Name: "coderun-b", Namespace: testNamespace}, &v1.CodeRun{})
	assert.NoError(t, err, "completed agent should be untouched")

	// Bookkeeping folded into the state record.
	state, err := store.Load(context.Background(), 42, "7")
	require.NoError(t, err)
	assert.False(t, state.CancellationInProgress)
	require.NotNil(t, state.CancelStats)
	assert.Equal(t, 1, state.CancelStats.Succeeded)
	assert.Equal(t, 0, state.CancelStats.Failed)
}

func TestCancelForTaskLockHeld(t *testing.T) {
	cli := newCancelClient(t, runningRun("coderun-a", "7"))
	store := seededStore(42, "7")

	// Another process owns the task's cancellation slot.
	lease, err := NewLeaseLock(cli, testNamespace, "cancel-7", "controller-b").TryAcquire(context.Background())
	require.NoError(t, err)
	defer func() { _ = lease.Release(context.Background()) }()

	canceler := NewCanceler(cli, testNamespace, "controller-a", store).WithGracePeriod(time.Millisecond)
	result, err := canceler.CancelForTask(context.Background(), "7", 42)
	require.NoError(t, err, "lock held is an expected outcome, not an error")
	assert.Equal(t, "lock held by controller-b", result.Reason)
	assert.Empty(t, result.Cancelled)
	assert.Empty(t, result.Skipped)

	// No destructive action ran.
	err = cli.Get(context.Background(), types.NamespacedName{Name: "coderun-a", Namespace: testNamespace}, &v1.CodeRun{})
	assert.NoError(t, err)
}

func TestCancelForTaskAlreadyCompleted(t *testing.T) {
	cli := newCancelClient(t, succeededRun("coderun-a", "7"), succeededRun("coderun-b", "7"))
	store := seededStore(42, "7")
	canceler := NewCanceler(cli, testNamespace, "controller-a", store).WithGracePeriod(time.Millisecond)

	result, err := canceler.CancelForTask(context.Background(), "7", 42)
	require.NoError(t, err)
	assert.Equal(t, "already completed", result.Reason)
	assert.Empty(t, result.Cancelled)
	assert.Empty(t, result.Skipped)

	// No deletes were issued.
	runs := &v1.CodeRunList{}
	require.NoError(t, cli.List(context.Background(), runs, client.InNamespace(testNamespace)))
	assert.Len(t, runs.Items, 2)
}

func TestCancelForTaskNoAgentsFound(t *testing.T) {
	cli := newCancelClient(t)
	store := seededStore(42, "7")
	canceler := NewCanceler(cli, testNamespace, "controller-a", store).WithGracePeriod(time.Millisecond)

	// An empty resource set is "nothing to cancel", not "completed".
	result, err := canceler.CancelForTask(context.Background(), "7", 42)
	require.NoError(t, err)
	assert.Equal(t, "no agents found", result.Reason)
	assert.Empty(t, result.Cancelled)
	assert.Empty(t, result.Skipped)
}

func TestCancelForTaskInProgressSkips(t *testing.T) {
	cli := newCancelClient(t, runningRun("coderun-a", "7"))
	store := remediation.NewFakeStore()
	store.Seed(&remediation.State{
		WorkflowID:             remediation.WorkflowID(42, "7"),
		PRNumber:               42,
		TaskID:                 "7",
		Status:                 remediation.StatusWaitingForAgent,
		CancellationInProgress: true,
		UpdatedAt:              time.Now().UTC(),
	})
	canceler := NewCanceler(cli, testNamespace, "controller-a", store).WithGracePeriod(time.Millisecond)

	result, err := canceler.CancelForTask(context.Background(), "7", 42)
	require.NoError(t, err)
	assert.Equal(t, "cancellation already in progress", result.Reason)
	assert.Empty(t, result.Cancelled)

	err = cli.Get(context.Background(), types.NamespacedName{Name: "coderun-a", Namespace: testNamespace}, &v1.CodeRun{})
	assert.NoError(t, err, "in-progress marker must block a second destructive pass")
}

func TestCancelForTaskWithoutState(t *testing.T) {
	// No remediation record exists; cancellation proceeds without state
	// awareness.
	cli := newCancelClient(t, runningRun("coderun-a", "7"))
	store := remediation.NewFakeStore()
	canceler := NewCanceler(cli, testNamespace, "controller-a", store).WithGracePeriod(time.Millisecond)

	result, err := canceler.CancelForTask(context.Background(), "7", 42)
	require.NoError(t, err)
	assert.Equal(t, "cancellation completed", result.Reason)
	require.Len(t, result.Cancelled, 1)
}

func TestCancelForTaskBookkeepingFailureSwallowed(t *testing.T) {
	cli := newCancelClient(t, runningRun("coderun-a", "7"))
	store := seededStore(42, "7")
	store.SaveErr = context.DeadlineExceeded
	canceler := NewCanceler(cli, testNamespace, "controller-a", store).WithGracePeriod(time.Millisecond)

	// Statistics persistence fails, but the cancellation itself succeeds.
	result, err := canceler.CancelForTask(context.Background(), "7", 42)
	require.NoError(t, err, "bookkeeping failures must never mask the cancellation result")
	require.Len(t, result.Cancelled, 1)

	err = cli.Get(context.Background(), types.NamespacedName{Name: "coderun-a", Namespace: testNamespace}, &v1.CodeRun{})
	assert.Error(t, err, "agent should still be deleted")
}

func TestCancelForTaskMutualExclusion(t *testing.T) {
	cli := newCancelClient(t, runningRun("coderun-a", "7"))
	store := seededStore(42, "7")

	// Hold the lock as one invocation, then race a second one against it.
	lease, err := NewLeaseLock(cli, testNamespace, "cancel-7", "invocation-1").TryAcquire(context.Background())
	require.NoError(t, err)

	second := NewCanceler(cli, testNamespace, "invocation-2", store).WithGracePeriod(time.Millisecond)
	result, err := second.CancelForTask(context.Background(), "7", 42)
	require.NoError(t, err)
	assert.Contains(t, result.Reason, "lock held")

	require.NoError(t, lease.Release(context.Background()))

	// After the holder exits, the next invocation proceeds.
	result, err = second.CancelForTask(context.Background(), "7", 42)
	require.NoError(t, err)
	assert.Equal(t, "cancellation completed", result.Reason)
	require.Len(t, result.Cancelled, 1)
}
