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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

func newLeaseClient(t *testing.T, objs ...client.Object) client.Client {
	t.Helper()
	return fake.NewClientBuilder().WithObjects(objs...).Build()
}

func TestTryAcquireFresh(t *testing.T) {
	cli := newLeaseClient(t)
	lock := NewLeaseLock(cli, "agents", "cancel-7", "controller-a")

	lease, err := lock.TryAcquire(context.Background())
	require.NoError(t, err)
	defer func() { _ = lease.Release(context.Background()) }()

	stored := &coordinationv1.Lease{}
	require.NoError(t, cli.Get(context.Background(), types.NamespacedName{Name: "cancel-7", Namespace: "agents"}, stored))
	require.NotNil(t, stored.Spec.HolderIdentity)
	assert.Equal(t, "controller-a", *stored.Spec.HolderIdentity)
	assert.Equal(t, "controller-a", stored.Annotations[holderAnnotation])
	assert.Equal(t, cancelOperation, stored.Annotations[operationAnnotation])
}

func TestTryAcquireHeld(t *testing.T) {
	now := metav1.NewMicroTime(time.Now())
	existing := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: "cancel-7", Namespace: "agents"},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       ptr.To("controller-b"),
			LeaseDurationSeconds: ptr.To(int32(60)),
			AcquireTime:          &now,
			RenewTime:            &now,
		},
	}
	cli := newLeaseClient(t, existing)
	lock := NewLeaseLock(cli, "agents", "cancel-7", "controller-a")

	_, err := lock.TryAcquire(context.Background())
	var held *HeldError
	require.True(t, errors.As(err, &held), "want HeldError, got %v", err)
	assert.Equal(t, "controller-b", held.Holder)
}

func TestTryAcquireExpiredTakeover(t *testing.T) {
	stale := metav1.NewMicroTime(time.Now().Add(-5 * time.Minute))
	existing := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: "cancel-7", Namespace: "agents"},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       ptr.To("crashed-controller"),
			LeaseDurationSeconds: ptr.To(int32(60)),
			AcquireTime:          &stale,
			RenewTime:            &stale,
		},
	}
	cli := newLeaseClient(t, existing)
	lock := NewLeaseLock(cli, "agents", "cancel-7", "controller-a")

	lease, err := lock.TryAcquire(context.Background())
	require.NoError(t, err, "expired lease should be taken over")
	defer func() { _ = lease.Release(context.Background()) }()

	stored := &coordinationv1.Lease{}
	require.NoError(t, cli.Get(context.Background(), types.NamespacedName{Name: "cancel-7", Namespace: "agents"}, stored))
	assert.Equal(t, "controller-a", *stored.Spec.HolderIdentity)
}

func TestReleaseDeletesLease(t *testing.T) {
	cli := newLeaseClient(t)
	lock := NewLeaseLock(cli, "agents", "cancel-7", "controller-a")

	lease, err := lock.TryAcquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))

	err = cli.Get(context.Background(), types.NamespacedName{Name: "cancel-7", Namespace: "agents"}, &coordinationv1.Lease{})
	assert.True(t, apierrors.IsNotFound(err), "lease should be deleted on release")

	// Release is idempotent.
	require.NoError(t, lease.Release(context.Background()))
}

func TestReleaseAllowsReacquire(t *testing.T) {
	cli := newLeaseClient(t)
	ctx := context.Background()

	first, err := NewLeaseLock(cli, "agents", "cancel-7", "controller-a").TryAcquire(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Release(ctx))

	second, err := NewLeaseLock(cli, "agents", "cancel-7", "controller-b").TryAcquire(ctx)
	require.NoError(t, err, "lock must be reacquirable after release")
	require.NoError(t, second.Release(ctx))
}

func TestLeaseExpired(t *testing.T) {
	now := time.Now()
	fresh := metav1.NewMicroTime(now.Add(-10 * time.Second))
	stale := metav1.NewMicroTime(now.Add(-2 * time.Minute))

	tests := []struct {
		name string
		spec coordinationv1.LeaseSpec
		want bool
	}{
		{
			name: "fresh lease",
			spec: coordinationv1.LeaseSpec{RenewTime: &fresh, LeaseDurationSeconds: ptr.To(int32(60))},
			want: false,
		},
		{
			name: "stale lease",
			spec: coordinationv1.LeaseSpec{RenewTime: &stale, LeaseDurationSeconds: ptr.To(int32(60))},
			want: true,
		},
		{
			name: "missing renew time",
			spec: coordinationv1.LeaseSpec{LeaseDurationSeconds: ptr.To(int32(60))},
			want: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			lease := &coordinationv1.Lease{Spec: test.spec}
			assert.Equal(t, test.want, leaseExpired(lease, now))
		})
	}
}
