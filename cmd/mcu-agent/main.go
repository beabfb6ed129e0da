// Package main is the mcu-mender-agent entrypoint: cobra CLI parsing,
// collaborator wiring, and signal-driven graceful shutdown.
//
// Grounded on the teacher's cmd/vk-flightctl-provider/main.go (env-backed
// config loading, fatal checks on required fields, construct-then-run
// shape) generalized from FlightCtl/Kubernetes wiring to direct
// pkg/agent.Client construction, and on the edge-node-agent's
// context.WithCancelCause + sync.WaitGroup shutdown pattern in
// other_examples/b1184f41_open-edge-platform-edge-node-agents for the
// signal handling itself.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raycarroll/mcu-mender-agent/pkg/addon/configure"
	"github.com/raycarroll/mcu-mender-agent/pkg/addon/inventory"
	"github.com/raycarroll/mcu-mender-agent/pkg/addon/remoteshell"
	"github.com/raycarroll/mcu-mender-agent/pkg/agent"
	"github.com/raycarroll/mcu-mender-agent/pkg/apiclient"
	"github.com/raycarroll/mcu-mender-agent/pkg/config"
	"github.com/raycarroll/mcu-mender-agent/pkg/crypto"
	"github.com/raycarroll/mcu-mender-agent/pkg/flash"
	"github.com/raycarroll/mcu-mender-agent/pkg/keystore"
	"github.com/raycarroll/mcu-mender-agent/pkg/logger"
	"github.com/raycarroll/mcu-mender-agent/pkg/scheduler"
	"github.com/raycarroll/mcu-mender-agent/pkg/transport"
)

var errRequestedShutdown = errors.New("requested shutdown")

func main() {
	var (
		configPath string
		logLevel   string
		once       bool
	)

	root := &cobra.Command{
		Use:   "mcu-agent",
		Short: "OTA update client for microcontroller-class devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, once)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the YAML config file")
	root.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug|info|warn|error)")
	root.Flags().BoolVar(&once, "once", false, "run a single work-item firing per state then exit, for smoke-testing")

	if err := root.Execute(); err != nil {
		logger.Errorf("mcu-agent: %v", err)
		os.Exit(1)
	}
}

func run(configPath, logLevelOverride string, once bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if logLevelOverride != "" {
		level = logLevelOverride
	}
	logger.SetLevelFromString(level)
	if cfg.LogFile != "" {
		logger.ConfigureFile(cfg.LogFile)
	}
	defer logger.Sync()

	logger.Infof("mcu-agent: starting, device_type=%s artifact_name=%s server_host=%s",
		cfg.DeviceType, cfg.ArtifactName, cfg.ServerHost)

	store, err := keystore.New(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("init keystore: %w", err)
	}
	cry := crypto.New(store)
	fl, err := flash.New(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("init flash: %w", err)
	}
	sched := scheduler.New()
	tport := transport.New(transport.Config{ServerHost: cfg.ServerHost})
	api := apiclient.New(tport)

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	client := agent.New(agent.Dependencies{
		Scheduler: sched,
		Storage:   store,
		Crypto:    cry,
		Flash:     fl,
		API:       api,
	})

	restart := func() {
		logger.Warnf("mcu-agent: restart requested, shutting down for supervisor restart")
		cancel(errRequestedShutdown)
	}
	if err := client.Init(cfg, agent.Callbacks{Restart: restart}); err != nil {
		return fmt.Errorf("init agent: %w", err)
	}

	invAddon := inventory.New(inventory.Config{
		DeviceType:   cfg.DeviceType,
		ArtifactName: cfg.ArtifactName,
		AgentVersion: cfg.AgentVersion,
	}, api, sched)
	if err := client.RegisterAddon(invAddon); err != nil {
		return fmt.Errorf("register inventory addon: %w", err)
	}

	cfgAddon := configure.New(configure.Config{Enabled: cfg.ConfigurationDeploymentsEnabled}, api, store, sched)
	if err := client.RegisterAddon(cfgAddon); err != nil {
		return fmt.Errorf("register configure addon: %w", err)
	}

	shellAddon := remoteshell.New(remoteshell.Config{ServerHost: cfg.ServerHost}, sched)
	if err := client.RegisterAddon(shellAddon); err != nil {
		return fmt.Errorf("register remoteshell addon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case sig := <-sigCh:
			logger.Infof("mcu-agent: received signal %v, shutting down gracefully", sig)
			cancel(fmt.Errorf("signal: %v", sig))
		case <-ctx.Done():
		}
	}()

	client.Activate()
	if once {
		client.Execute()
		cancel(nil)
	}

	<-ctx.Done()
	client.Exit()
	wg.Wait()

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, errRequestedShutdown) {
		logger.Infof("mcu-agent: exiting, cause=%v", cause)
	}
	return nil
}
