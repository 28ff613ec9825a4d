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

// Package controller converges CodeRun resources with their backing
// execution jobs. Reconciliation is level-triggered and idempotent: every
// pass re-derives the correct action from current cluster state, so repeated
// and concurrent invocations for the same run are safe.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/5dlabs/cto-sub002/api/v1"
	"github.com/5dlabs/cto-sub002/pkg/githubapi"
	"github.com/5dlabs/cto-sub002/pkg/metrics"
	logutil "github.com/5dlabs/cto-sub002/pkg/util/logging"
	"github.com/5dlabs/cto-sub002/pkg/workflow"
)

// Config tunes reconciliation behavior. Zero values are filled in with
// defaults by NewCodeRunReconciler.
type Config struct {
	// AgentImage is the container image run by execution jobs.
	AgentImage string
	// RequeueInterval paces job monitoring while a run is in flight.
	RequeueInterval time.Duration
	// NoPRRecheckDelay bounds the single delayed re-check performed when a
	// run completes without reporting a pull request.
	NoPRRecheckDelay time.Duration
	// CleanupDelay postpones deletion of completed jobs. Zero means delete
	// immediately on completion.
	CleanupDelay time.Duration
	// CleanupFailedJobs deletes the jobs of failed runs as well. Off by
	// default so failures stay inspectable.
	CleanupFailedJobs bool
	// VerifyCompletion cross-checks work_completed against the review
	// system before trusting it. Requires PRs to be set.
	VerifyCompletion bool
}

func (c *Config) applyDefaults() {
	if c.RequeueInterval == 0 {
		c.RequeueInterval = 30 * time.Second
	}
	if c.NoPRRecheckDelay == 0 {
		c.NoPRRecheckDelay = 10 * time.Second
	}
}

// CodeRunReconciler reconciles CodeRun resources with their backing jobs.
type CodeRunReconciler struct {
	client.Client
	config  Config
	resumer workflow.Resumer
	prs     githubapi.PRLocator
}

// NewCodeRunReconciler wires a reconciler. prs may be nil when no review
// system lookup is available; the no-PR handler then skips straight to the
// no-PR outcome.
func NewCodeRunReconciler(c client.Client, cfg Config, resumer workflow.Resumer, prs githubapi.PRLocator) *CodeRunReconciler {
	cfg.applyDefaults()
	return &CodeRunReconciler{
		Client:  c,
		config:  cfg,
		resumer: resumer,
		prs:     prs,
	}
}

func (r *CodeRunReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1.CodeRun{}).
		Owns(&batchv1.Job{}).
		Complete(r)
}

func (r *CodeRunReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	run := &v1.CodeRun{}
	if err := r.Get(ctx, req.NamespacedName, run); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, fmt.Errorf("failed to get CodeRun - %w", err)
	}
	logger = logger.WithValues("taskID", run.Spec.TaskID, "phase", run.Status.Phase)
	ctx = log.IntoContext(ctx, logger)
	metrics.RecordReconcile(string(run.Status.Phase))

	if !run.DeletionTimestamp.IsZero() {
		return r.reconcileDelete(ctx, run)
	}

	if !controllerutil.ContainsFinalizer(run, v1.Finalizer) {
		controllerutil.AddFinalizer(run, v1.Finalizer)
		if err := r.Update(ctx, run); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to add finalizer - %w", err)
		}
		// The update re-triggers reconciliation with the finalizer in place.
		return ctrl.Result{}, nil
	}

	if run.Status.WorkCompletedValue() {
		return r.reconcileCompleted(ctx, run)
	}

	if run.Status.Phase == v1.CodeRunPhaseFailed {
		logger.V(logutil.VERBOSE).Info("Run is terminally failed, nothing to do")
		return ctrl.Result{}, nil
	}

	return r.reconcileJob(ctx, run)
}

// reconcileCompleted handles a run whose completion is durably recorded.
// Normally terminal, with two exceptions: delayed cleanup of the backing
// job, and the explicit stale-state correction path when external
// verification disagrees with the recorded completion.
func (r *CodeRunReconciler) reconcileCompleted(ctx context.Context, run *v1.CodeRun) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if r.config.VerifyCompletion && r.prs != nil && run.Status.PullRequestURL != "" {
		confirmed, err := r.verifyCompletion(ctx, run)
		if err != nil {
			// Verification is best-effort; trust the recorded flag.
			logger.V(logutil.DEFAULT).Info("Completion verification unavailable, trusting recorded state", "error", err)
		} else if !confirmed {
			logger.Info("Clearing work_completed: external verification disagrees with recorded completion",
				"prURL", run.Status.PullRequestURL)
			base := run.DeepCopy()
			completed := false
			run.Status.WorkCompleted = &completed
			run.Status.Phase = v1.CodeRunPhaseRunning
			run.Status.Message = "completion flag cleared after external verification failed"
			now := metav1.Now()
			run.Status.LastUpdate = &now
			if err := r.Status().Patch(ctx, run, client.MergeFrom(base)); err != nil {
				return ctrl.Result{}, fmt.Errorf("failed to clear completion flag - %w", err)
			}
			return r.reconcileJob(ctx, run)
		}
	}

	if run.Status.ExpireAt != nil && run.Status.CleanupCompletedAt == nil {
		if remaining := time.Until(run.Status.ExpireAt.Time); remaining > 0 {
			return ctrl.Result{RequeueAfter: remaining}, nil
		}
		if err := r.cleanupJob(ctx, run); err != nil {
			return ctrl.Result{}, err
		}
		base := run.DeepCopy()
		now := metav1.Now()
		run.Status.CleanupCompletedAt = &now
		if err := r.Status().Patch(ctx, run, client.MergeFrom(base)); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to record cleanup completion - %w", err)
		}
		logger.V(logutil.DEFAULT).Info("Delayed job cleanup completed")
	}

	logger.V(logutil.VERBOSE).Info("Work already completed, nothing to do")
	return ctrl.Result{}, nil
}

// verifyCompletion asks the review system whether the recorded PR reached a
// terminal state.
func (r *CodeRunReconciler) verifyCompletion(ctx context.Context, run *v1.CodeRun) (bool, error) {
	prNumber, err := workflow.ExtractPRNumber(run.Status.PullRequestURL)
	if err != nil {
		return false, err
	}
	return r.prs.VerifyPRCompletion(ctx, run.Spec.RepositoryURL, prNumber)
}

// reconcileJob drives the create/monitor path from observed job state.
func (r *CodeRunReconciler) reconcileJob(ctx context.Context, run *v1.CodeRun) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	jobName := run.Status.JobName
	if jobName == "" {
		jobName = jobNameFor(run)
	}

	job := &batchv1.Job{}
	err := r.Get(ctx, types.NamespacedName{Name: jobName, Namespace: run.Namespace}, job)
	state := jobRunning
	switch {
	case apierrors.IsNotFound(err):
		state = jobNotFound
	case err != nil:
		return ctrl.Result{}, fmt.Errorf("failed to get job %s - %w", jobName, err)
	default:
		state = deriveJobState(job)
	}
	logger.V(logutil.DEBUG).Info("Observed job state", "job", jobName, "state", state.String())

	switch state {
	case jobNotFound:
		return r.createJob(ctx, run, jobName)
	case jobRunning:
		if run.Status.Phase != v1.CodeRunPhaseRunning || run.Status.JobName != jobName {
			if err := r.setRunning(ctx, run, jobName); err != nil {
				return ctrl.Result{}, err
			}
		}
		return ctrl.Result{RequeueAfter: r.config.RequeueInterval}, nil
	case jobCompleted:
		return r.handleCompletion(ctx, run, job)
	default:
		return r.handleFailure(ctx, run, job)
	}
}

func (r *CodeRunReconciler) createJob(ctx context.Context, run *v1.CodeRun, jobName string) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	job := r.buildJob(run, jobName)
	if err := controllerutil.SetControllerReference(run, job, r.Scheme()); err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to set owner reference - %w", err)
	}
	if err := r.Create(ctx, job); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return ctrl.Result{}, fmt.Errorf("failed to create job %s - %w", jobName, err)
		}
		// Another pass won the race; converge on its job.
		logger.V(logutil.VERBOSE).Info("Job already exists, treating create as success", "job", jobName)
	} else {
		logger.V(logutil.DEFAULT).Info("Created execution job", "job", jobName)
	}

	if err := r.setRunning(ctx, run, jobName); err != nil {
		return ctrl.Result{}, err
	}
	return ctrl.Result{RequeueAfter: r.config.RequeueInterval}, nil
}

// setRunning records the running phase and the authoritative job name. The
// name is set once and never re-derived afterwards.
func (r *CodeRunReconciler) setRunning(ctx context.Context, run *v1.CodeRun, jobName string) error {
	base := run.DeepCopy()
	run.Status.Phase = v1.CodeRunPhaseRunning
	if run.Status.JobName == "" {
		run.Status.JobName = jobName
	}
	now := metav1.Now()
	run.Status.LastUpdate = &now
	if err := r.Status().Patch(ctx, run, client.MergeFrom(base)); err != nil {
		return fmt.Errorf("failed to update status to Running - %w", err)
	}
	return nil
}

func (r *CodeRunReconciler) handleCompletion(ctx context.Context, run *v1.CodeRun, job *batchv1.Job) (ctrl.Result, error) {
	logger := log.FromContext(ctx)
	logger.V(logutil.DEFAULT).Info("Execution job completed", "job", job.Name)

	prURL := run.Status.PullRequestURL
	var prNumber int
	if prURL == "" {
		prURL, prNumber = r.locatePR(ctx, run)
	} else if n, err := workflow.ExtractPRNumber(prURL); err == nil {
		prNumber = n
	}

	base := run.DeepCopy()
	completed := true
	now := metav1.Now()
	run.Status.Phase = v1.CodeRunPhaseSucceeded
	run.Status.WorkCompleted = &completed
	run.Status.PullRequestURL = prURL
	run.Status.Message = "agent run completed"
	run.Status.LastUpdate = &now
	run.Status.FinishedAt = &now
	if r.config.CleanupDelay > 0 {
		expire := metav1.NewTime(now.Add(r.config.CleanupDelay))
		run.Status.ExpireAt = &expire
	}
	if err := r.Status().Patch(ctx, run, client.MergeFrom(base)); err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to record completion - %w", err)
	}

	r.resume(ctx, run, prURL, prNumber)

	if r.config.CleanupDelay == 0 {
		if err := r.cleanupJob(ctx, run); err != nil {
			return ctrl.Result{}, err
		}
		base := run.DeepCopy()
		cleanedAt := metav1.Now()
		run.Status.CleanupCompletedAt = &cleanedAt
		if err := r.Status().Patch(ctx, run, client.MergeFrom(base)); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to record cleanup completion - %w", err)
		}
		return ctrl.Result{}, nil
	}
	return ctrl.Result{RequeueAfter: r.config.CleanupDelay}, nil
}

// locatePR runs the bounded no-PR handler: one fixed wait and re-check of
// the resource, then a direct review-system lookup. Both are best-effort.
func (r *CodeRunReconciler) locatePR(ctx context.Context, run *v1.CodeRun) (string, int) {
	logger := log.FromContext(ctx)
	logger.V(logutil.DEFAULT).Info("Run completed without a PR, starting bounded re-check",
		"delay", r.config.NoPRRecheckDelay)

	select {
	case <-time.After(r.config.NoPRRecheckDelay):
	case <-ctx.Done():
		return "", 0
	}

	fresh := &v1.CodeRun{}
	if err := r.Get(ctx, types.NamespacedName{Name: run.Name, Namespace: run.Namespace}, fresh); err == nil {
		if fresh.Status.PullRequestURL != "" {
			if n, err := workflow.ExtractPRNumber(fresh.Status.PullRequestURL); err == nil {
				logger.V(logutil.DEFAULT).Info("PR appeared on re-check", "prURL", fresh.Status.PullRequestURL)
				return fresh.Status.PullRequestURL, n
			}
		}
	}

	if r.prs == nil {
		return "", 0
	}
	pr, err := r.prs.FindPRForBranch(ctx, run.Spec.RepositoryURL, run.Spec.TaskID)
	if err != nil {
		logger.V(logutil.DEFAULT).Info("Review system lookup failed, falling through to no-PR outcome", "error", err)
		return "", 0
	}
	if pr == nil {
		return "", 0
	}
	logger.V(logutil.DEFAULT).Info("Found PR via review system lookup", "prURL", pr.URL, "prNumber", pr.Number)
	return pr.URL, pr.Number
}

// resume notifies the waiting workflow of the run outcome. Resumption is a
// best-effort collaborator call; its failures never fail the reconcile.
func (r *CodeRunReconciler) resume(ctx context.Context, run *v1.CodeRun, prURL string, prNumber int) {
	logger := log.FromContext(ctx)

	workflowName, err := workflow.ExtractWorkflowName(run)
	if err != nil {
		if errors.Is(err, workflow.ErrNotWorkflowOwned) {
			logger.V(logutil.VERBOSE).Info("Run is not part of a workflow, skipping resumption")
			return
		}
		logger.Error(err, "Failed to extract workflow name")
		metrics.RecordWorkflowResume(metrics.ResumeError)
		return
	}

	if prURL != "" {
		if err := r.resumer.ResumeForPR(ctx, workflowName, prURL, prNumber); err != nil {
			logger.Error(err, "Failed to resume workflow with PR", "workflow", workflowName)
			metrics.RecordWorkflowResume(metrics.ResumeError)
			return
		}
		metrics.RecordWorkflowResume(metrics.ResumePR)
		return
	}

	if err := r.resumer.ResumeForNoPR(ctx, workflowName, string(run.Status.Phase)); err != nil {
		logger.Error(err, "Failed to resume workflow with no-PR outcome", "workflow", workflowName)
		metrics.RecordWorkflowResume(metrics.ResumeError)
		return
	}
	metrics.RecordWorkflowResume(metrics.ResumeNoPR)
}

func (r *CodeRunReconciler) handleFailure(ctx context.Context, run *v1.CodeRun, job *batchv1.Job) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	message := "execution job failed"
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue && cond.Message != "" {
			message = cond.Message
			break
		}
	}
	logger.Info("Execution job failed", "job", job.Name, "message", message)

	base := run.DeepCopy()
	now := metav1.Now()
	run.Status.Phase = v1.CodeRunPhaseFailed
	run.Status.Message = message
	run.Status.LastUpdate = &now
	run.Status.FinishedAt = &now
	if err := r.Status().Patch(ctx, run, client.MergeFrom(base)); err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to record failure - %w", err)
	}

	if workflowName, err := workflow.ExtractWorkflowName(run); err == nil {
		if err := r.resumer.ResumeForFailure(ctx, workflowName, message); err != nil {
			logger.Error(err, "Failed to resume workflow with failure", "workflow", workflowName)
			metrics.RecordWorkflowResume(metrics.ResumeError)
		} else {
			metrics.RecordWorkflowResume(metrics.ResumeFailure)
		}
	}

	if r.config.CleanupFailedJobs {
		if err := r.cleanupJob(ctx, run); err != nil {
			return ctrl.Result{}, err
		}
	}
	return ctrl.Result{}, nil
}

// reconcileDelete runs finalizer-gated cleanup: the backing job and its
// per-run config objects are removed before the finalizer releases the
// resource for deletion.
func (r *CodeRunReconciler) reconcileDelete(ctx context.Context, run *v1.CodeRun) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if !controllerutil.ContainsFinalizer(run, v1.Finalizer) {
		return ctrl.Result{}, nil
	}
	logger.V(logutil.DEFAULT).Info("Running finalizer cleanup")

	if err := r.cleanupJob(ctx, run); err != nil {
		return ctrl.Result{}, err
	}
	if err := r.cleanupConfigMaps(ctx, run); err != nil {
		return ctrl.Result{}, err
	}

	controllerutil.RemoveFinalizer(run, v1.Finalizer)
	if err := r.Update(ctx, run); err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to remove finalizer - %w", err)
	}
	logger.V(logutil.DEFAULT).Info("Finalizer cleanup completed")
	return ctrl.Result{}, nil
}

// cleanupJob deletes the backing job, preferring the status-recorded name.
// A missing job is already clean.
func (r *CodeRunReconciler) cleanupJob(ctx context.Context, run *v1.CodeRun) error {
	jobName := run.Status.JobName
	if jobName == "" {
		jobName = jobNameFor(run)
	}
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: jobName, Namespace: run.Namespace},
	}
	policy := metav1.DeletePropagationBackground
	if err := r.Delete(ctx, job, &client.DeleteOptions{PropagationPolicy: &policy}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete job %s - %w", jobName, err)
	}
	log.FromContext(ctx).V(logutil.VERBOSE).Info("Deleted execution job", "job", jobName)
	return nil
}

func (r *CodeRunReconciler) cleanupConfigMaps(ctx context.Context, run *v1.CodeRun) error {
	cms := &corev1.ConfigMapList{}
	if err := r.List(ctx, cms,
		client.InNamespace(run.Namespace),
		client.MatchingLabels{
			"app":          "coderun-controller",
			v1.TaskIDLabel: fmt.Sprintf("%d", run.Spec.TaskID),
		}); err != nil {
		return fmt.Errorf("failed to list run config objects - %w", err)
	}
	for i := range cms.Items {
		if err := r.Delete(ctx, &cms.Items[i]); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to delete config object %s - %w", cms.Items[i].Name, err)
		}
	}
	return nil
}
