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
	"fmt"
	"sync"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "github.com/5dlabs/cto-sub002/pkg/util/logging"
)

const (
	holderAnnotation    = "agents.platform/holder"
	acquiredAnnotation  = "agents.platform/acquired"
	operationAnnotation = "agents.platform/operation"
	cancelOperation     = "agent-cancellation"

	defaultLeaseDuration = 60 * time.Second
	defaultRenewInterval = 10 * time.Second
)

// HeldError reports that the lock is currently owned by another holder. It is
// an expected outcome under concurrent triggers, not an infrastructure error.
type HeldError struct {
	Holder string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock held by %s", e.Holder)
}

// LeaseLock is a distributed lock over a coordination/v1 Lease. TryAcquire is
// a single non-blocking attempt; mutual exclusion holds across controller
// instances because only one create (or expired-lease takeover) can win.
type LeaseLock struct {
	client        client.Client
	namespace     string
	name          string
	holder        string
	leaseDuration time.Duration
	renewInterval time.Duration
}

// NewLeaseLock returns a lock on the named Lease with the given holder identity.
func NewLeaseLock(c client.Client, namespace, name, holder string) *LeaseLock {
	return &LeaseLock{
		client:        c,
		namespace:     namespace,
		name:          name,
		holder:        holder,
		leaseDuration: defaultLeaseDuration,
		renewInterval: defaultRenewInterval,
	}
}

// WithLeaseDuration overrides the lease duration. The duration also bounds
// how long a crash-orphaned lock blocks other holders.
func (l *LeaseLock) WithLeaseDuration(d time.Duration) *LeaseLock {
	l.leaseDuration = d
	return l
}

// WithRenewInterval overrides the keep-alive interval.
func (l *LeaseLock) WithRenewInterval(d time.Duration) *LeaseLock {
	l.renewInterval = d
	return l
}

// TryAcquire attempts to take the lock once. It returns a *HeldError when the
// Lease is validly owned by someone else.
func (l *LeaseLock) TryAcquire(ctx context.Context) (*Lease, error) {
	logger := log.FromContext(ctx)

	lease := l.newLeaseObject()
	err := l.client.Create(ctx, lease)
	if err == nil {
		logger.V(logutil.DEFAULT).Info("Acquired cancellation lock", "lock", l.name, "holder", l.holder)
		return l.activate(), nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return nil, fmt.Errorf("failed to create lease %s - %w", l.name, err)
	}

	existing := &coordinationv1.Lease{}
	if err := l.client.Get(ctx, types.NamespacedName{Name: l.name, Namespace: l.namespace}, existing); err != nil {
		return nil, fmt.Errorf("failed to get existing lease %s - %w", l.name, err)
	}

	if !leaseExpired(existing, time.Now()) {
		holder := "unknown"
		if existing.Spec.HolderIdentity != nil {
			holder = *existing.Spec.HolderIdentity
		}
		logger.V(logutil.DEBUG).Info("Lock held by another process", "lock", l.name, "holder", holder)
		return nil, &HeldError{Holder: holder}
	}

	// Expired lease: take it over in place. A conflicting update means
	// another holder won the takeover race.
	existing.Spec = l.newLeaseSpec()
	existing.Annotations = l.newAnnotations()
	if err := l.client.Update(ctx, existing); err != nil {
		if apierrors.IsConflict(err) {
			return nil, &HeldError{Holder: "unknown"}
		}
		return nil, fmt.Errorf("failed to take over expired lease %s - %w", l.name, err)
	}
	logger.V(logutil.DEFAULT).Info("Acquired expired cancellation lock", "lock", l.name, "holder", l.holder)
	return l.activate(), nil
}

func (l *LeaseLock) newLeaseObject() *coordinationv1.Lease {
	return &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:        l.name,
			Namespace:   l.namespace,
			Annotations: l.newAnnotations(),
		},
		Spec: l.newLeaseSpec(),
	}
}

func (l *LeaseLock) newLeaseSpec() coordinationv1.LeaseSpec {
	now := metav1.NewMicroTime(time.Now())
	return coordinationv1.LeaseSpec{
		HolderIdentity:       ptr.To(l.holder),
		LeaseDurationSeconds: ptr.To(int32(l.leaseDuration.Seconds())),
		AcquireTime:          &now,
		RenewTime:            &now,
	}
}

func (l *LeaseLock) newAnnotations() map[string]string {
	return map[string]string{
		holderAnnotation:    l.holder,
		acquiredAnnotation:  time.Now().UTC().Format(time.RFC3339),
		operationAnnotation: cancelOperation,
	}
}

func (l *LeaseLock) activate() *Lease {
	keepAliveCtx, cancel := context.WithCancel(context.Background())
	lease := &Lease{
		client:    l.client,
		namespace: l.namespace,
		name:      l.name,
		holder:    l.holder,
		stop:      cancel,
		done:      make(chan struct{}),
	}
	go lease.keepAlive(keepAliveCtx, l.renewInterval)
	return lease
}

func leaseExpired(lease *coordinationv1.Lease, now time.Time) bool {
	if lease.Spec.RenewTime == nil || lease.Spec.LeaseDurationSeconds == nil {
		return true
	}
	expiry := lease.Spec.RenewTime.Add(time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second)
	return expiry.Before(now)
}

// Lease is an owned lock handle. Release must run on every exit path; it is
// idempotent and stops the background keep-alive.
type Lease struct {
	client    client.Client
	namespace string
	name      string
	holder    string

	stop    context.CancelFunc
	done    chan struct{}
	release sync.Once
}

// Holder returns the holder identity recorded on acquisition.
func (l *Lease) Holder() string {
	return l.holder
}

func (l *Lease) keepAlive(ctx context.Context, interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.renew(ctx); err != nil {
				log.FromContext(ctx).Error(err, "Failed to renew lease, lock may expire", "lock", l.name)
				return
			}
		}
	}
}

func (l *Lease) renew(ctx context.Context) error {
	lease := &coordinationv1.Lease{}
	if err := l.client.Get(ctx, types.NamespacedName{Name: l.name, Namespace: l.namespace}, lease); err != nil {
		return err
	}
	base := lease.DeepCopy()
	now := metav1.NewMicroTime(time.Now())
	lease.Spec.RenewTime = &now
	return l.client.Patch(ctx, lease, client.MergeFrom(base))
}

// Release stops renewal and deletes the Lease. Safe to call more than once
// and from deferred paths.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.release.Do(func() {
		l.stop()
		<-l.done

		lease := &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{Name: l.name, Namespace: l.namespace},
		}
		if delErr := l.client.Delete(ctx, lease); delErr != nil && !apierrors.IsNotFound(delErr) {
			err = fmt.Errorf("failed to release lease %s - %w", l.name, delErr)
			return
		}
		log.FromContext(ctx).V(logutil.DEFAULT).Info("Released cancellation lock", "lock", l.name, "holder", l.holder)
	})
	return err
}
