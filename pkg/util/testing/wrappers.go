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

// Package testing contains builders for test fixtures.
package testing

import (
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/5dlabs/cto-sub002/api/v1"
)

// CodeRunWrapper wraps a CodeRun.
type CodeRunWrapper struct {
	v1.CodeRun
}

// MakeCodeRun creates a wrapper for a CodeRun.
func MakeCodeRun(name string) *CodeRunWrapper {
	return &CodeRunWrapper{
		v1.CodeRun{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: "default",
			},
		},
	}
}

// Obj returns the inner CodeRun.
func (c *CodeRunWrapper) Obj() *v1.CodeRun {
	return &c.CodeRun
}

func (c *CodeRunWrapper) Namespace(ns string) *CodeRunWrapper {
	c.ObjectMeta.Namespace = ns
	return c
}

func (c *CodeRunWrapper) TaskID(id int64) *CodeRunWrapper {
	c.Spec.TaskID = id
	return c
}

func (c *CodeRunWrapper) RepositoryURL(url string) *CodeRunWrapper {
	c.Spec.RepositoryURL = url
	return c
}

func (c *CodeRunWrapper) Label(key, value string) *CodeRunWrapper {
	if c.ObjectMeta.Labels == nil {
		c.ObjectMeta.Labels = map[string]string{}
	}
	c.ObjectMeta.Labels[key] = value
	return c
}

func (c *CodeRunWrapper) Finalizers(finalizers ...string) *CodeRunWrapper {
	c.ObjectMeta.Finalizers = finalizers
	return c
}

func (c *CodeRunWrapper) DeletionTimestamp() *CodeRunWrapper {
	now := metav1.Now()
	c.ObjectMeta.DeletionTimestamp = &now
	return c
}

func (c *CodeRunWrapper) Phase(phase v1.CodeRunPhase) *CodeRunWrapper {
	c.Status.Phase = phase
	return c
}

func (c *CodeRunWrapper) JobName(name string) *CodeRunWrapper {
	c.Status.JobName = name
	return c
}

func (c *CodeRunWrapper) WorkCompleted(done bool) *CodeRunWrapper {
	c.Status.WorkCompleted = &done
	return c
}

func (c *CodeRunWrapper) PullRequestURL(url string) *CodeRunWrapper {
	c.Status.PullRequestURL = url
	return c
}

func (c *CodeRunWrapper) ExpireAt(t metav1.Time) *CodeRunWrapper {
	c.Status.ExpireAt = &t
	return c
}

// JobWrapper wraps a batch Job.
type JobWrapper struct {
	batchv1.Job
}

// MakeJob creates a wrapper for a Job.
func MakeJob(name string) *JobWrapper {
	return &JobWrapper{
		batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: "default",
			},
		},
	}
}

// Obj returns the inner Job.
func (j *JobWrapper) Obj() *batchv1.Job {
	return &j.Job
}

func (j *JobWrapper) Namespace(ns string) *JobWrapper {
	j.ObjectMeta.Namespace = ns
	return j
}

func (j *JobWrapper) Labels(labels map[string]string) *JobWrapper {
	j.ObjectMeta.Labels = labels
	return j
}

// Complete marks the job as successfully finished.
func (j *JobWrapper) Complete() *JobWrapper {
	j.Status.Succeeded = 1
	j.Status.Conditions = append(j.Status.Conditions, batchv1.JobCondition{
		Type:   batchv1.JobComplete,
		Status: corev1.ConditionTrue,
	})
	return j
}

// Failed marks the job as failed with the given message.
func (j *JobWrapper) Failed(message string) *JobWrapper {
	j.Status.Failed = 1
	j.Status.Conditions = append(j.Status.Conditions, batchv1.JobCondition{
		Type:    batchv1.JobFailed,
		Status:  corev1.ConditionTrue,
		Message: message,
	})
	return j
}

// Active marks the job as still running.
func (j *JobWrapper) Active() *JobWrapper {
	j.Status.Active = 1
	return j
}
