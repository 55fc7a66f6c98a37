/*
Copyright 2026.

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

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/csirt-muni/monitoring-controller/internal/config"
	"github.com/csirt-muni/monitoring-controller/internal/controller"
	"github.com/csirt-muni/monitoring-controller/internal/template"
	"github.com/csirt-muni/monitoring-controller/internal/watch"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	zapOpts := zap.Options{Development: false}
	goFlags := flag.NewFlagSet("zap", flag.ContinueOnError)
	zapOpts.BindFlags(goFlags)

	cmd := &cobra.Command{
		Use:   "monitoring-controller",
		Short: "Injects the csirt-probe sidecar into pods and deployments labeled monitoring=enabled.",
		Long: `monitoring-controller watches pods and deployments and keeps the csirt-probe
network observation sidecar in step with the monitoring label.

Configuration is read from environment variables (WATCH_NAMESPACE,
TEMPLATE_SOURCE, CONTAINER_TEMPLATE_DIR, ...). Logging is set with flags.`,
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))
			return run()
		},
	}
	cmd.Flags().AddGoFlagSet(goFlags)
	return cmd
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		setupLog.Error(err, "invalid configuration")
		return err
	}
	setupLog.Info("starting monitoring controller",
		"namespace", cfg.Namespace,
		"templateSource", cfg.TemplateSource,
		"watchPods", cfg.WatchPods,
		"watchDeployments", cfg.WatchDeployments)

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		setupLog.Error(err, "unable to load kubeconfig")
		return err
	}

	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: cfg.MetricsAddr},
		HealthProbeBindAddress: cfg.HealthProbeAddr,
		LeaderElection:         cfg.LeaderElect,
		LeaderElectionID:       "monitoring-controller.csirt.muni.cz",
	})
	if err != nil {
		setupLog.Error(err, "unable to create manager")
		return err
	}

	// Streams need Watch, which the manager's cached client does not offer.
	watchClient, err := client.NewWithWatch(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		setupLog.Error(err, "unable to create watch client")
		return err
	}

	deps := controller.Deps{
		Client: watchClient,
		Templates: &template.Resolver{
			Store:   newTemplateStore(cfg, mgr.GetAPIReader()),
			Timeout: cfg.APITimeout,
		},
		Recorder:   mgr.GetEventRecorderFor("monitoring-controller"),
		PullSecret: cfg.PullSecretName,
		Timeout:    cfg.APITimeout,
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		return err
	}

	if cfg.WatchPods {
		pods := watch.NewStream[*corev1.Pod]("pod", watchClient, cfg.Namespace,
			func() client.ObjectList { return &corev1.PodList{} },
			controller.NewMonitoringController[*corev1.Pod]("pod", controller.NewPodStrategy(deps)))
		pods.MaxRetryInterval = cfg.WatchRetryMaxInterval
		if err := addStream(mgr, "pods", pods.Start, pods.ReadyCheck); err != nil {
			return err
		}
	}
	if cfg.WatchDeployments {
		deployments := watch.NewStream[*appsv1.Deployment]("deployment", watchClient, cfg.Namespace,
			func() client.ObjectList { return &appsv1.DeploymentList{} },
			controller.NewMonitoringController[*appsv1.Deployment]("deployment", controller.NewDeploymentStrategy(deps)))
		deployments.MaxRetryInterval = cfg.WatchRetryMaxInterval
		if err := addStream(mgr, "deployments", deployments.Start, deployments.ReadyCheck); err != nil {
			return err
		}
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		return err
	}
	return nil
}

func addStream(mgr ctrl.Manager, name string, start manager.RunnableFunc, ready healthz.Checker) error {
	if err := mgr.Add(start); err != nil {
		setupLog.Error(err, "unable to add stream", "stream", name)
		return fmt.Errorf("adding %s stream: %w", name, err)
	}
	if err := mgr.AddReadyzCheck(name, ready); err != nil {
		setupLog.Error(err, "unable to set up ready check", "stream", name)
		return fmt.Errorf("adding %s ready check: %w", name, err)
	}
	return nil
}

func newTemplateStore(cfg config.Config, reader client.Reader) template.Store {
	if cfg.TemplateSource == config.TemplateSourceConfigMap {
		return &template.ConfigMapStore{
			Client:             reader,
			Namespace:          cfg.TemplateNamespace(),
			ContainerConfigMap: template.ContainerConfigMapName(cfg.TemplateConfigMap),
			PodConfigMap:       template.PodConfigMapName(cfg.TemplateConfigMap),
		}
	}
	return &template.FileStore{
		ContainerDir: cfg.ContainerTemplateDir,
		PodDir:       cfg.PodTemplateDir,
	}
}
