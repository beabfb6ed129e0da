// Package configure implements the optional configuration-syncer add-on
// named in SPEC_FULL.md §4, reconciling the KV store's device_config record
// against the server's desired-config document. This is the add-on side of
// spec §9's Open Question #1 (the "configuration-" artifact-name special
// case the core implements in pkg/agent); it is gated off by default since
// the behavior is not documented anywhere else in the source material.
package configure

import (
	"context"
	"reflect"
	"time"

	"github.com/pkg/errors"

	"github.com/raycarroll/mcu-mender-agent/pkg/agent"
	"github.com/raycarroll/mcu-mender-agent/pkg/apiclient"
	"github.com/raycarroll/mcu-mender-agent/pkg/keystore"
	"github.com/raycarroll/mcu-mender-agent/pkg/logger"
	"github.com/raycarroll/mcu-mender-agent/pkg/scheduler"
)

const (
	deviceConfigKey = "device_config"
	defaultInterval = 10 * time.Minute
)

// Config configures the configure add-on.
type Config struct {
	Enabled  bool
	Interval time.Duration
}

// Addon periodically reconciles local device configuration against the
// server's desired state.
type Addon struct {
	cfg       Config
	api       *apiclient.Client
	store     keystore.Storage
	scheduler scheduler.Scheduler
	handle    scheduler.Handle
}

// New builds a configure Addon.
func New(cfg Config, api *apiclient.Client, store keystore.Storage, sched scheduler.Scheduler) *Addon {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Addon{cfg: cfg, api: api, store: store, scheduler: sched}
}

func (a *Addon) Name() string { return "configure" }

func (a *Addon) Init(*agent.Client) error {
	if !a.cfg.Enabled {
		return nil
	}
	a.handle = a.scheduler.WorkCreate(a.sync, a.cfg.Interval, "configure")
	return nil
}

func (a *Addon) Activate() {
	if a.cfg.Enabled {
		a.scheduler.WorkActivate(a.handle)
	}
}

func (a *Addon) Deactivate() {
	if a.cfg.Enabled {
		a.scheduler.WorkDeactivate(a.handle)
	}
}

func (a *Addon) Exit() {
	if a.cfg.Enabled {
		a.scheduler.WorkDelete(a.handle)
	}
}

func (a *Addon) sync() {
	ctx := context.Background()

	desired, err := a.api.GetDesiredConfig(ctx)
	if err != nil {
		logger.Warnf("configure: fetch desired config failed: %v", err)
		return
	}
	if desired == nil {
		return
	}

	var current map[string]string
	if err := a.store.GetJSON(deviceConfigKey, &current); err != nil && !keystore.IsNotFound(err) {
		logger.Errorf("configure: load local config failed: %v", err)
		return
	}

	if reflect.DeepEqual(current, desired) {
		return
	}

	if err := a.apply(desired); err != nil {
		logger.Errorf("configure: apply desired config failed: %v", err)
		return
	}
	if err := a.store.SetJSON(deviceConfigKey, desired); err != nil {
		logger.Errorf("configure: persist config failed: %v", err)
		return
	}
	if err := a.api.PublishReportedConfig(ctx, desired); err != nil {
		logger.Warnf("configure: report config failed: %v", err)
	}
}

// apply is the reconciliation hook applying the desired config to the
// device. It has no platform-specific side effect beyond persistence, and
// Addon offers no way to substitute a different apply strategy.
func (a *Addon) apply(desired map[string]string) error {
	if desired == nil {
		return errors.New("configure: desired config is nil")
	}
	return nil
}
