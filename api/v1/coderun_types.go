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

package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// CodeRun is the Schema for the CodeRuns API. A CodeRun represents one
// autonomous coding-agent execution against a target repository, backed by a
// batch Job managed by the controller.
//
// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Job",type=string,JSONPath=`.status.jobName`
// +kubebuilder:printcolumn:name="PR",type=string,JSONPath=`.status.pullRequestUrl`
type CodeRun struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   CodeRunSpec   `json:"spec,omitempty"`
	Status CodeRunStatus `json:"status,omitempty"`
}

// CodeRunList contains a list of CodeRun.
//
// +kubebuilder:object:root=true
type CodeRunList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []CodeRun `json:"items"`
}

// CodeRunSpec captures the intent of a single agent execution. The spec is
// written by upstream orchestration and is never mutated by the controller,
// with one exception: the cancellation path sets the terminate intent via
// server-side apply.
type CodeRunSpec struct {
	// TaskID identifies the task this run implements. Runs for the same task
	// share the task-id label used by cancellation and cleanup.
	//
	// +kubebuilder:validation:Required
	TaskID int64 `json:"taskId"`

	// Service is the target service name used for resource naming.
	//
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MaxLength=63
	Service string `json:"service"`

	// RepositoryURL is the repository the agent will work against.
	//
	// +kubebuilder:validation:Required
	RepositoryURL string `json:"repositoryUrl"`

	// Model selects the agent model used for this run.
	//
	// +optional
	Model string `json:"model,omitempty"`

	// ContextVersion is bumped to force a fresh context when a run is
	// replaced. Defaults to 1.
	//
	// +optional
	// +kubebuilder:default=1
	ContextVersion int32 `json:"contextVersion,omitempty"`

	// ContinueSession resumes the previous agent session instead of starting
	// a new one.
	//
	// +optional
	ContinueSession bool `json:"continueSession,omitempty"`

	// WorkingDirectory is an optional subdirectory inside the repository.
	//
	// +optional
	WorkingDirectory string `json:"workingDirectory,omitempty"`

	// Env holds extra environment variables for the agent container.
	//
	// +optional
	Env map[string]string `json:"env,omitempty"`

	// Terminate requests graceful termination of the running agent. Only the
	// cancellation controller writes this field.
	//
	// +optional
	Terminate *bool `json:"terminate,omitempty"`
}

// CodeRunPhase describes the lifecycle phase of a CodeRun.
//
// +kubebuilder:validation:Enum=Pending;Running;Succeeded;Failed
type CodeRunPhase string

const (
	CodeRunPhasePending   CodeRunPhase = "Pending"
	CodeRunPhaseRunning   CodeRunPhase = "Running"
	CodeRunPhaseSucceeded CodeRunPhase = "Succeeded"
	CodeRunPhaseFailed    CodeRunPhase = "Failed"
)

// Terminal reports whether the phase is a terminal one.
func (p CodeRunPhase) Terminal() bool {
	return p == CodeRunPhaseSucceeded || p == CodeRunPhaseFailed
}

// CodeRunStatus is the observed state of a CodeRun. It is only ever written
// through the status subresource so that status updates do not re-trigger
// spec watches.
type CodeRunStatus struct {
	// Phase is the current lifecycle phase. Phases are monotonic except for
	// the explicit stale-completion correction path.
	//
	// +optional
	Phase CodeRunPhase `json:"phase,omitempty"`

	// JobName is the name of the backing Job. It is recorded once at Job
	// creation and is authoritative thereafter; it is never re-derived, so
	// naming-scheme changes cannot orphan an existing Job.
	//
	// +optional
	JobName string `json:"jobName,omitempty"`

	// WorkCompleted is set to true only once completion has been durably
	// recorded. It stays true even after the backing Job is garbage
	// collected, and is cleared only by the logged stale-state correction.
	//
	// +optional
	WorkCompleted *bool `json:"workCompleted,omitempty"`

	// PullRequestURL is the URL of the pull request the agent created.
	//
	// +optional
	PullRequestURL string `json:"pullRequestUrl,omitempty"`

	// Message is a human-readable description of the current state.
	//
	// +optional
	Message string `json:"message,omitempty"`

	// LastUpdate is the time of the last status write.
	//
	// +optional
	LastUpdate *metav1.Time `json:"lastUpdate,omitempty"`

	// FinishedAt records when the run reached a terminal phase.
	//
	// +optional
	FinishedAt *metav1.Time `json:"finishedAt,omitempty"`

	// ExpireAt is the deadline after which remaining run resources are
	// garbage collected.
	//
	// +optional
	ExpireAt *metav1.Time `json:"expireAt,omitempty"`

	// CleanupCompletedAt records that TTL cleanup has already run.
	//
	// +optional
	CleanupCompletedAt *metav1.Time `json:"cleanupCompletedAt,omitempty"`
}

// WorkCompletedValue reports the completion flag, defaulting to false.
func (s *CodeRunStatus) WorkCompletedValue() bool {
	return s.WorkCompleted != nil && *s.WorkCompleted
}

const (
	// Finalizer blocks CodeRun deletion until the backing Job and
	// supporting objects have been cleaned up.
	Finalizer = "agents.platform/coderun-cleanup"

	// TaskIDLabel links a CodeRun (and its Job) to the task it implements.
	TaskIDLabel = "agents.platform/task-id"

	// WorkflowNameLabel names the workflow waiting on this run, if any.
	WorkflowNameLabel = "agents.platform/workflow-name"

	// AgentTypeLabel records which agent persona executes the run.
	AgentTypeLabel = "agents.platform/agent-type"
)
