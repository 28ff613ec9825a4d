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

// Package runner configures and starts the agent control plane: the CodeRun
// reconciler, the remediation state janitor, and the supporting servers.
package runner

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/yaml"

	v1 "github.com/5dlabs/cto-sub002/api/v1"
	"github.com/5dlabs/cto-sub002/internal/runnable"
	"github.com/5dlabs/cto-sub002/pkg/controller"
	"github.com/5dlabs/cto-sub002/pkg/githubapi"
	"github.com/5dlabs/cto-sub002/pkg/metrics"
	"github.com/5dlabs/cto-sub002/pkg/remediation"
	logutil "github.com/5dlabs/cto-sub002/pkg/util/logging"
	"github.com/5dlabs/cto-sub002/pkg/workflow"
	"github.com/5dlabs/cto-sub002/version"
)

var (
	namespace = flag.String(
		"namespace",
		"agent-platform",
		"Namespace holding CodeRun resources, execution jobs, and state records")
	agentImage = flag.String(
		"agent-image",
		"ghcr.io/5dlabs/agent-runner:latest",
		"Container image run by execution jobs")
	metricsPort = flag.Int(
		"metrics-port",
		8080,
		"Port for the metrics endpoint")
	healthProbePort = flag.Int(
		"health-probe-port",
		8081,
		"Port for the health and readiness probes")
	leaderElect = flag.Bool(
		"leader-elect",
		false,
		"Enable leader election so only one controller instance reconciles")
	requeueInterval = flag.Duration(
		"requeue-interval",
		30*time.Second,
		"Interval between job monitoring passes for a running CodeRun")
	noPRRecheckDelay = flag.Duration(
		"no-pr-recheck-delay",
		10*time.Second,
		"Bounded wait before the no-PR fallback lookup after a run completes")
	cleanupDelay = flag.Duration(
		"cleanup-delay",
		0,
		"Delay before completed execution jobs are deleted; 0 deletes immediately")
	cleanupFailedJobs = flag.Bool(
		"cleanup-failed-jobs",
		false,
		"Also delete the jobs of failed runs instead of keeping them for inspection")
	verifyCompletion = flag.Bool(
		"verify-completion",
		false,
		"Cross-check recorded completion against the review system before trusting it")
	janitorInterval = flag.Duration(
		"janitor-interval",
		time.Hour,
		"Interval between remediation state retention sweeps")
	stateMaxAge = flag.Duration(
		"state-max-age",
		7*24*time.Hour,
		"Age after which remediation state records are removed")
	githubToken = flag.String(
		"github-token",
		"",
		"GitHub API token for PR lookups; unauthenticated when empty")
	configFile = flag.String(
		"config-file",
		"",
		"Optional YAML file overriding reconciler settings")
	logVerbosity = flag.Int(
		"v",
		logutil.DEFAULT,
		"number for the log level verbosity")
)

var setupLog = ctrl.Log.WithName("setup")

// Runner starts the control plane.
type Runner struct{}

func NewRunner() *Runner {
	return &Runner{}
}

// fileConfig mirrors the reconciler flags for YAML-based configuration.
// File values override flag values when present.
type fileConfig struct {
	Namespace         string `json:"namespace,omitempty"`
	AgentImage        string `json:"agentImage,omitempty"`
	RequeueInterval   string `json:"requeueInterval,omitempty"`
	NoPRRecheckDelay  string `json:"noPRRecheckDelay,omitempty"`
	CleanupDelay      string `json:"cleanupDelay,omitempty"`
	CleanupFailedJobs *bool  `json:"cleanupFailedJobs,omitempty"`
	VerifyCompletion  *bool  `json:"verifyCompletion,omitempty"`
}

func bindEnvToFlags() {
	// map[ENV_VAR]flagName - add more as needed
	for env, flg := range map[string]string{
		"NAMESPACE":           "namespace",
		"AGENT_IMAGE":         "agent-image",
		"METRICS_PORT":        "metrics-port",
		"HEALTH_PROBE_PORT":   "health-probe-port",
		"LEADER_ELECT":        "leader-elect",
		"REQUEUE_INTERVAL":    "requeue-interval",
		"NO_PR_RECHECK_DELAY": "no-pr-recheck-delay",
		"CLEANUP_DELAY":       "cleanup-delay",
		"VERIFY_COMPLETION":   "verify-completion",
		"GITHUB_TOKEN":        "github-token",
		"CONFIG_FILE":         "config-file",
	} {
		if v := os.Getenv(env); v != "" {
			// ignore error; Parse() will catch invalid values later
			_ = flag.Set(flg, v)
		}
	}
}

func (r *Runner) Run(ctx context.Context) error {
	// Defaults baked into the flag declarations; env vars are soft overrides.
	bindEnvToFlags()

	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()
	logutil.InitLogging(&opts, *logVerbosity)

	setupLog.Info("Agent control plane build", "commit-sha", version.CommitSHA, "build-ref", version.BuildRef)

	flags := make(map[string]any)
	flag.VisitAll(func(f *flag.Flag) {
		if f.Name == "github-token" {
			return
		}
		flags[f.Name] = f.Value
	})
	setupLog.Info("Flags processed", "flags", flags)

	reconcilerConfig := controller.Config{
		AgentImage:        *agentImage,
		RequeueInterval:   *requeueInterval,
		NoPRRecheckDelay:  *noPRRecheckDelay,
		CleanupDelay:      *cleanupDelay,
		CleanupFailedJobs: *cleanupFailedJobs,
		VerifyCompletion:  *verifyCompletion,
	}
	ns := *namespace
	if *configFile != "" {
		var err error
		if ns, reconcilerConfig, err = loadFileConfig(*configFile, ns, reconcilerConfig); err != nil {
			setupLog.Error(err, "Failed to load config file", "path", *configFile)
			return err
		}
	}

	cfg, err := ctrl.GetConfig()
	if err != nil {
		setupLog.Error(err, "Failed to get Kubernetes rest config")
		return err
	}

	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return fmt.Errorf("failed to register core types - %w", err)
	}
	if err := v1.AddToScheme(scheme); err != nil {
		return fmt.Errorf("failed to register CodeRun types - %w", err)
	}

	metrics.Register()

	mgr, err := ctrl.NewManager(cfg, ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: fmt.Sprintf(":%d", *metricsPort),
		},
		HealthProbeBindAddress: fmt.Sprintf(":%d", *healthProbePort),
		LeaderElection:         *leaderElect,
		LeaderElectionID:       "coderun-controller.agents.platform",
	})
	if err != nil {
		setupLog.Error(err, "Failed to create controller manager")
		return err
	}

	store := remediation.NewConfigMapStore(mgr.GetClient(), ns)
	resumer := workflow.NewArgoResumer(mgr.GetClient(), ns)
	var prs githubapi.PRLocator
	if *githubToken != "" {
		prs = githubapi.NewClient(ctx, *githubToken)
	} else {
		setupLog.Info("No GitHub token configured, no-PR lookups disabled")
	}

	reconciler := controller.NewCodeRunReconciler(mgr.GetClient(), reconcilerConfig, resumer, prs)
	if err := reconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "Failed to setup CodeRun controller")
		return err
	}

	// The janitor only sweeps from the leader so replicas never race on
	// retention deletes.
	if err := mgr.Add(runnable.RequireLeaderElection(runnable.Janitor(store, *janitorInterval, *stateMaxAge))); err != nil {
		setupLog.Error(err, "Failed to register state janitor")
		return err
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "Failed to setup health check")
		return err
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "Failed to setup ready check")
		return err
	}

	// This blocks until a signal is received.
	setupLog.Info("Controller manager starting", "namespace", ns)
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "Error starting controller manager")
		return err
	}
	setupLog.Info("Controller manager terminated")
	return nil
}

func loadFileConfig(path, ns string, base controller.Config) (string, controller.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ns, base, fmt.Errorf("failed to read config file - %w", err)
	}
	fc := &fileConfig{}
	if err := yaml.UnmarshalStrict(raw, fc); err != nil {
		return ns, base, fmt.Errorf("failed to parse config file - %w", err)
	}

	if fc.Namespace != "" {
		ns = fc.Namespace
	}
	if fc.AgentImage != "" {
		base.AgentImage = fc.AgentImage
	}
	if fc.RequeueInterval != "" {
		if base.RequeueInterval, err = time.ParseDuration(fc.RequeueInterval); err != nil {
			return ns, base, fmt.Errorf("invalid requeueInterval - %w", err)
		}
	}
	if fc.NoPRRecheckDelay != "" {
		if base.NoPRRecheckDelay, err = time.ParseDuration(fc.NoPRRecheckDelay); err != nil {
			return ns, base, fmt.Errorf("invalid noPRRecheckDelay - %w", err)
		}
	}
	if fc.CleanupDelay != "" {
		if base.CleanupDelay, err = time.ParseDuration(fc.CleanupDelay); err != nil {
			return ns, base, fmt.Errorf("invalid cleanupDelay - %w", err)
		}
	}
	if fc.CleanupFailedJobs != nil {
		base.CleanupFailedJobs = *fc.CleanupFailedJobs
	}
	if fc.VerifyCompletion != nil {
		base.VerifyCompletion = *fc.VerifyCompletion
	}
	return ns, base, nil
}
