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
	"fmt"
	"time"
)

// Status is the remediation workflow state machine. Valid transitions are
// WaitingForFeedback -> InProgress -> WaitingForAgent -> InProgress (loop)
// -> Completed | Failed | Terminated, with Paused reachable from any
// non-terminal state.
type Status string

const (
	// StatusWaitingForFeedback is the initial state, before any feedback.
	StatusWaitingForFeedback Status = "WaitingForFeedback"
	// StatusInProgress means feedback is being processed.
	StatusInProgress Status = "InProgress"
	// StatusWaitingForAgent means an agent run is executing an iteration.
	StatusWaitingForAgent Status = "WaitingForAgent"
	// StatusCompleted means all remediation finished successfully.
	StatusCompleted Status = "Completed"
	// StatusFailed means remediation hit an unrecoverable error.
	StatusFailed Status = "Failed"
	// StatusTerminated means remediation was stopped manually or hit the
	// iteration limit.
	StatusTerminated Status = "Terminated"
	// StatusPaused means remediation is suspended pending intervention.
	StatusPaused Status = "Paused"
)

// Terminal reports whether the status is a terminal one.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// RunType identifies the kind of agent run referenced by an ActiveRun.
// New run kinds are compile-time-checked additions here, not free-form
// strings at call sites.
type RunType string

const (
	RunTypeCode RunType = "CodeRun"
	RunTypeDocs RunType = "DocsRun"
)

// Valid reports whether the run type is a known kind.
func (t RunType) Valid() bool {
	switch t {
	case RunTypeCode, RunTypeDocs:
		return true
	}
	return false
}

// FeedbackStatus tracks a single feedback entry through its lifecycle:
// Received -> Processing -> Resolved | Failed | Skipped.
type FeedbackStatus string

const (
	FeedbackReceived   FeedbackStatus = "Received"
	FeedbackProcessing FeedbackStatus = "Processing"
	FeedbackResolved   FeedbackStatus = "Resolved"
	FeedbackFailed     FeedbackStatus = "Failed"
	FeedbackSkipped    FeedbackStatus = "Skipped"
)

// IssueType classifies the kind of problem a review comment reports.
type IssueType string

const (
	IssueBug            IssueType = "Bug"
	IssueMissingFeature IssueType = "MissingFeature"
	IssueRegression     IssueType = "Regression"
	IssuePerformance    IssueType = "Performance"
)

// Severity orders issues by urgency; Critical sorts highest.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// Rank maps a severity to a comparable weight.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Feedback is the structured payload parsed from a review comment.
type Feedback struct {
	IssueType        IssueType `json:"issueType"`
	Severity         Severity  `json:"severity"`
	Description      string    `json:"description"`
	CriteriaNotMet   []string  `json:"criteriaNotMet,omitempty"`
	ExpectedBehavior string    `json:"expectedBehavior,omitempty"`
	ActualBehavior   string    `json:"actualBehavior,omitempty"`
}

// FeedbackEntry is one element of the append-only feedback history. Entries
// are immutable once appended, except for Status and ActionsTaken which are
// mutated in place by id lookup.
type FeedbackEntry struct {
	ID           string         `json:"id"`
	Iteration    int            `json:"iteration"`
	CommentID    int64          `json:"commentId"`
	Author       string         `json:"author"`
	ReceivedAt   time.Time      `json:"receivedAt"`
	Feedback     Feedback       `json:"feedback"`
	ActionsTaken []string       `json:"actionsTaken,omitempty"`
	Status       FeedbackStatus `json:"status"`
}

// ActiveRun points at the agent resource currently executing an iteration.
// At most one active run exists per state record.
type ActiveRun struct {
	RunType   RunType   `json:"runType"`
	Name      string    `json:"name"`
	Namespace string    `json:"namespace"`
	StartedAt time.Time `json:"startedAt"`
}

// CancelStats aggregates cancellation outcomes folded into the state record.
type CancelStats struct {
	Total     int        `json:"total"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	LastError string     `json:"lastError,omitempty"`
	LastAt    *time.Time `json:"lastAt,omitempty"`
}

// State is the durable record of one remediation loop, keyed by
// (PR number, task id). It is owned exclusively by the Store; all writers go
// through its create-or-patch protocol.
type State struct {
	WorkflowID    string    `json:"workflowId"`
	PRNumber      int       `json:"prNumber"`
	TaskID        string    `json:"taskId"`
	Iteration     int       `json:"iteration"`
	MaxIterations int       `json:"maxIterations"`
	Status        Status    `json:"status"`
	StartedAt     time.Time `json:"startedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`

	FeedbackHistory []FeedbackEntry `json:"feedbackHistory,omitempty"`
	ActiveRun       *ActiveRun      `json:"activeRun,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	CancellationInProgress bool         `json:"cancellationInProgress,omitempty"`
	CancelStats            *CancelStats `json:"cancelStats,omitempty"`
}

// WorkflowID derives the stable workflow identifier for a (pr, task) pair.
func WorkflowID(prNumber int, taskID string) string {
	return fmt.Sprintf("remediation-%d-%s", prNumber, taskID)
}

// FeedbackID derives the entry id for a comment at a given iteration.
func FeedbackID(commentID int64, iteration int) string {
	return fmt.Sprintf("feedback-%d-%d", commentID, iteration)
}

// Statistics is a fleet-level summary produced by a bulk scan of state
// records. Not a hot path.
type Statistics struct {
	TotalWorkflows  int
	InProgress      int
	Completed       int
	Failed          int
	Terminated      int
	Other           int
	TotalIterations int
}

// AverageIterations returns the mean iteration count across all workflows.
func (s *Statistics) AverageIterations() float64 {
	if s.TotalWorkflows == 0 {
		return 0
	}
	return float64(s.TotalIterations) / float64(s.TotalWorkflows)
}

// SuccessRate returns the completed fraction of finished workflows.
func (s *Statistics) SuccessRate() float64 {
	finished := s.Completed + s.Failed + s.Terminated
	if finished == 0 {
		return 0
	}
	return float64(s.Completed) / float64(finished)
}
