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

// Package workflow resumes suspended orchestration workflows once the agent
// run they are waiting on finishes.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/5dlabs/cto-sub002/api/v1"
	logutil "github.com/5dlabs/cto-sub002/pkg/util/logging"
)

// ErrNotWorkflowOwned means the run carries no workflow linkage at all. This
// is a normal condition for standalone runs, not an error to surface.
var ErrNotWorkflowOwned = errors.New("run is not part of a workflow")

// waitTemplateName is the workflow template node suspended on run completion.
const waitTemplateName = "wait-coderun-completion"

// forceRetryAnnotation nudges the workflow controller into re-evaluating
// stuck nodes, the same way a manual retry does.
const forceRetryAnnotation = "workflows.argoproj.io/force-retry"

var workflowGVK = schema.GroupVersionKind{
	Group:   "argoproj.io",
	Version: "v1alpha1",
	Kind:    "Workflow",
}

// ExtractWorkflowName resolves the workflow waiting on the run: the explicit
// label wins, otherwise the conventional task-derived name is used. Runs
// without any labels are not workflow-owned.
func ExtractWorkflowName(run *v1.CodeRun) (string, error) {
	if run.Labels == nil {
		return "", ErrNotWorkflowOwned
	}
	if name := run.Labels[v1.WorkflowNameLabel]; name != "" {
		return name, nil
	}
	return fmt.Sprintf("play-task-%d-workflow", run.Spec.TaskID), nil
}

// ExtractPRNumber parses the PR number out of a pull-request URL like
// https://github.com/owner/repo/pull/123.
func ExtractPRNumber(prURL string) (int, error) {
	trimmed := strings.TrimSuffix(prURL, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return 0, fmt.Errorf("invalid PR URL format: %s", prURL)
	}
	n, err := strconv.Atoi(trimmed[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("failed to parse PR number from URL %s - %w", prURL, err)
	}
	return n, nil
}

// Resumer notifies a waiting workflow of a run outcome. Implementations are
// best-effort collaborators; callers treat failures as non-fatal.
type Resumer interface {
	ResumeForPR(ctx context.Context, workflowName, prURL string, prNumber int) error
	ResumeForFailure(ctx context.Context, workflowName, errorMessage string) error
	ResumeForNoPR(ctx context.Context, workflowName, runPhase string) error
}

// ArgoResumer drives argoproj.io/v1alpha1 Workflows through the dynamic
// client: it finds nodes stuck waiting for run completion and forces the
// workflow controller to re-evaluate them.
type ArgoResumer struct {
	client    client.Client
	namespace string
}

// NewArgoResumer returns a Resumer for workflows in the given namespace.
func NewArgoResumer(c client.Client, namespace string) *ArgoResumer {
	return &ArgoResumer{client: c, namespace: namespace}
}

func (r *ArgoResumer) ResumeForPR(ctx context.Context, workflowName, prURL string, prNumber int) error {
	log.FromContext(ctx).V(logutil.DEFAULT).Info("Resuming workflow with PR",
		"workflow", workflowName, "prURL", prURL, "prNumber", prNumber)
	return r.forceRetry(ctx, workflowName, map[string]string{
		"agents.platform/resume-reason": "pr-created",
		"agents.platform/pr-url":        prURL,
		"agents.platform/pr-number":     strconv.Itoa(prNumber),
	})
}

func (r *ArgoResumer) ResumeForFailure(ctx context.Context, workflowName, errorMessage string) error {
	log.FromContext(ctx).V(logutil.DEFAULT).Info("Resuming workflow with failure",
		"workflow", workflowName, "error", errorMessage)
	return r.forceRetry(ctx, workflowName, map[string]string{
		"agents.platform/resume-reason": "run-failed",
		"agents.platform/error":         errorMessage,
	})
}

func (r *ArgoResumer) ResumeForNoPR(ctx context.Context, workflowName, runPhase string) error {
	log.FromContext(ctx).V(logutil.DEFAULT).Info("Resuming workflow with no-PR outcome",
		"workflow", workflowName, "runPhase", runPhase)
	return r.forceRetry(ctx, workflowName, map[string]string{
		"agents.platform/resume-reason": "no-pr",
		"agents.platform/run-phase":     runPhase,
	})
}

// forceRetry patches the retry annotation onto the workflow when it has nodes
// stuck on the wait template. A workflow with no stuck nodes needs nothing.
func (r *ArgoResumer) forceRetry(ctx context.Context, workflowName string, context map[string]string) error {
	logger := log.FromContext(ctx)

	wf := &unstructured.Unstructured{}
	wf.SetGroupVersionKind(workflowGVK)
	if err := r.client.Get(ctx, types.NamespacedName{Name: workflowName, Namespace: r.namespace}, wf); err != nil {
		return fmt.Errorf("failed to get workflow %s - %w", workflowName, err)
	}

	stuck, err := stuckNodes(wf)
	if err != nil {
		return err
	}
	if len(stuck) == 0 {
		logger.V(logutil.VERBOSE).Info("No stuck wait nodes in workflow", "workflow", workflowName)
		return nil
	}
	logger.V(logutil.DEBUG).Info("Found stuck wait nodes", "workflow", workflowName, "nodes", stuck)

	base := wf.DeepCopy()
	annotations := wf.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations[forceRetryAnnotation] = time.Now().UTC().Format(time.RFC3339)
	for k, v := range context {
		annotations[k] = v
	}
	wf.SetAnnotations(annotations)

	if err := r.client.Patch(ctx, wf, client.MergeFrom(base)); err != nil {
		return fmt.Errorf("failed to patch workflow %s for retry - %w", workflowName, err)
	}
	logger.V(logutil.DEFAULT).Info("Triggered workflow re-evaluation", "workflow", workflowName)
	return nil
}

func stuckNodes(wf *unstructured.Unstructured) ([]string, error) {
	nodes, found, err := unstructured.NestedMap(wf.Object, "status", "nodes")
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow nodes - %w", err)
	}
	if !found {
		return nil, nil
	}

	var stuck []string
	for nodeID, raw := range nodes {
		node, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		template, _ := node["templateName"].(string)
		phase, _ := node["phase"].(string)
		if template == waitTemplateName && phase == "Running" {
			stuck = append(stuck, nodeID)
		}
	}
	return stuck, nil
}
