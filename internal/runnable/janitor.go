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

package runnable

import (
	"context"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/5dlabs/cto-sub002/pkg/remediation"
)

// Janitor converts periodic remediation-state retention into a runnable.
// Old terminal state records are removed on every tick; a failed sweep is
// logged and retried on the next tick.
func Janitor(store remediation.Store, interval, maxAge time.Duration) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		log := ctrl.Log.WithValues("name", "state-janitor")
		log.Info("State janitor starting", "interval", interval, "maxAge", maxAge)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info("State janitor shutting down")
				return nil
			case <-ticker.C:
				removed, err := store.CleanupOldStates(ctx, maxAge)
				if err != nil {
					log.Error(err, "State cleanup sweep failed")
					continue
				}
				if removed > 0 {
					log.Info("Removed old state records", "count", removed)
				}
			}
		}
	})
}
