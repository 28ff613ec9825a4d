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

package controller

import (
	"fmt"
	"sort"
	"strconv"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/5dlabs/cto-sub002/api/v1"
)

// jobState is the observed condition of the backing job, re-derived on every
// pass from the job object itself.
type jobState int

const (
	jobNotFound jobState = iota
	jobRunning
	jobCompleted
	jobFailed
)

func (s jobState) String() string {
	switch s {
	case jobNotFound:
		return "NotFound"
	case jobRunning:
		return "Running"
	case jobCompleted:
		return "Completed"
	case jobFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// jobNameFor derives the canonical job name for a run. The status-recorded
// name always takes precedence over this; derivation only matters for the
// first creation pass.
func jobNameFor(run *v1.CodeRun) string {
	return fmt.Sprintf("coderun-%s-task-%d", run.Name, run.Spec.TaskID)
}

// deriveJobState classifies a job from its conditions, falling back to the
// status counters for jobs whose conditions have not been set yet.
func deriveJobState(job *batchv1.Job) jobState {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return jobCompleted
		case batchv1.JobFailed:
			return jobFailed
		}
	}
	if job.Status.Succeeded > 0 {
		return jobCompleted
	}
	if job.Status.Failed > 0 {
		return jobFailed
	}
	return jobRunning
}

// buildJob constructs the execution job for a run. The job carries the task
// labels used by cancellation and cleanup to find everything belonging to
// the run.
func (r *CodeRunReconciler) buildJob(run *v1.CodeRun, jobName string) *batchv1.Job {
	env := []corev1.EnvVar{
		{Name: "TASK_ID", Value: strconv.FormatInt(run.Spec.TaskID, 10)},
		{Name: "REPOSITORY_URL", Value: run.Spec.RepositoryURL},
		{Name: "SERVICE", Value: run.Spec.Service},
		{Name: "MODEL", Value: run.Spec.Model},
		{Name: "CONTINUE_SESSION", Value: strconv.FormatBool(run.Spec.ContinueSession)},
	}
	keys := make([]string, 0, len(run.Spec.Env))
	for k := range run.Spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: run.Spec.Env[k]})
	}

	backoffLimit := int32(0)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: run.Namespace,
			Labels:    jobLabels(run),
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: jobLabels(run),
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:       "agent",
							Image:      r.config.AgentImage,
							Env:        env,
							WorkingDir: run.Spec.WorkingDirectory,
						},
					},
				},
			},
		},
	}
}

func jobLabels(run *v1.CodeRun) map[string]string {
	return map[string]string{
		"app":            "coderun-controller",
		v1.TaskIDLabel:    strconv.FormatInt(run.Spec.TaskID, 10),
		v1.AgentTypeLabel: "code",
	}
}
