package main

import (
	"fmt"
	"log/slog"

	"k8s.io/utils/clock"

	"github.com/kubeadapt/gpu-broker/internal/config"
	"github.com/kubeadapt/gpu-broker/internal/discovery"
	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
	"github.com/kubeadapt/gpu-broker/internal/inventory"
	"github.com/kubeadapt/gpu-broker/internal/monitor"
	"github.com/kubeadapt/gpu-broker/internal/notify"
	"github.com/kubeadapt/gpu-broker/internal/observability"
	"github.com/kubeadapt/gpu-broker/internal/pods"
	"github.com/kubeadapt/gpu-broker/internal/queue"
	"github.com/kubeadapt/gpu-broker/internal/registry"
	"github.com/kubeadapt/gpu-broker/internal/transport"
)

// app holds the components shared by every command.
type app struct {
	cfg     config.Config
	caps    discovery.Capabilities
	metrics *observability.Metrics
	errors  *brokererrors.ErrorCollector

	broker *discovery.Broker
	pods   *pods.Manager
}

func newApp(flags *globalFlags) (*app, error) {
	// 1. Load and validate config.
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	// 2. Create shared infrastructure.
	metrics := observability.NewMetrics()
	errCollector := brokererrors.NewErrorCollector(clock.RealClock{})

	// 3. Detect which inventory sources are usable.
	caps := discovery.Detect(discovery.DetectOptions{
		APIKey:  cfg.APIKey,
		UseAPI:  cfg.UseAPI,
		CLIPath: cfg.CLIPath,
	})
	cliPath := cfg.CLIPath
	if caps.CLI {
		cliPath = caps.CLIPath
	} else {
		slog.Warn("marketplace CLI not found on PATH, pod operations will fail", "cli", cfg.CLIPath)
	}
	slog.Debug("inventory sources detected", "api", caps.API, "cli", caps.CLI, "degraded", caps.Degraded())

	// 4. Build the sources and the reconciler.
	cli := inventory.NewCLISource(cliPath, inventory.ExecRunner{})
	var structured inventory.StructuredSource
	if caps.API {
		httpClient := transport.NewHTTPClient(transport.ClientOptions{
			APIKey:        cfg.APIKey,
			Timeout:       cfg.RequestTimeout,
			RatePerSecond: cfg.RateLimitRPS,
			Burst:         1,
		})
		structured = inventory.NewAPISource(cfg.APIBaseURL, httpClient)
	}
	// Every external call shares the retry policy and per-attempt timeout.
	retrier := transport.NewRetrier(transport.RetryPolicy{
		MaxAttempts: cfg.MaxRetries,
		BaseDelay:   cfg.RetryBaseDelay,
		Multiplier:  cfg.RetryMultiplier,
	}, cfg.RequestTimeout, metrics)
	broker := discovery.NewBroker(structured, cli, retrier, metrics, errCollector)

	// 5. Pod lifecycle manager.
	manager := pods.NewManager(cli, broker, pods.Options{
		Retrier: retrier,
		Clock:   clock.RealClock{},
		Metrics: metrics,
	})

	return &app{
		cfg:     cfg,
		caps:    caps,
		metrics: metrics,
		errors:  errCollector,
		broker:  broker,
		pods:    manager,
	}, nil
}

func (a *app) newQueue() *queue.Queue {
	return queue.New(a.pods, queue.NewSSHExecutor(), queue.Options{
		MaxConcurrent: a.cfg.MaxConcurrentJobs,
		PollInterval:  a.cfg.PodPollInterval,
		ReadyTimeout:  a.cfg.PodReadyTimeout,
		Clock:         clock.RealClock{},
		Metrics:       a.metrics,
	})
}

func (a *app) newMonitor() *monitor.Monitor {
	dispatcher := notify.NewDispatcher(notify.Options{
		Clock:   clock.RealClock{},
		Metrics: a.metrics,
	})
	return monitor.New(a.pods, dispatcher, monitor.Options{
		Interval: a.cfg.MonitorInterval,
		Team:     a.cfg.Team,
		Clock:    clock.RealClock{},
		Metrics:  a.metrics,
	})
}

func (a *app) openRegistry() (*registry.Registry, error) {
	reg, err := registry.Open(a.cfg.RegistryPath, clock.RealClock{})
	if err != nil {
		return nil, fmt.Errorf("open pod registry: %w", err)
	}
	return reg, nil
}

// addAlerts registers the manifest alerts on m.
func addAlerts(m *monitor.Monitor, specs []config.AlertSpec) error {
	for _, s := range specs {
		a, err := m.AddAlert(s.Name, s.Condition, s.Action, s.Recipient)
		if err != nil {
			return fmt.Errorf("alert %q: %w", s.Name, err)
		}
		slog.Info("alert registered", "id", a.ID, "name", a.Name, "condition", a.Condition)
	}
	return nil
}
