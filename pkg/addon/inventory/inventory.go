// Package inventory implements the optional inventory-reporting add-on
// named in SPEC_FULL.md §4, grounded directly on the real Mender client's
// Mender.InventoryRefresh() in
// other_examples/a9eeeafc_mendersoftware-mender__app-mender.go.go: a
// periodic submission of device_type/artifact_name/agent-version plus
// free-form attributes.
package inventory

import (
	"context"
	"time"

	"github.com/raycarroll/mcu-mender-agent/pkg/agent"
	"github.com/raycarroll/mcu-mender-agent/pkg/apiclient"
	"github.com/raycarroll/mcu-mender-agent/pkg/logger"
	"github.com/raycarroll/mcu-mender-agent/pkg/scheduler"
)

const defaultInterval = 1 * time.Hour

// Config configures the inventory add-on.
type Config struct {
	DeviceType   string
	ArtifactName string
	AgentVersion string
	Attributes   map[string]string
	Interval     time.Duration
}

// Addon is the scheduler-driven periodic inventory reporter.
type Addon struct {
	cfg       Config
	api       *apiclient.Client
	scheduler scheduler.Scheduler
	handle    scheduler.Handle
}

// New builds an inventory Addon reporting through api.
func New(cfg Config, api *apiclient.Client, sched scheduler.Scheduler) *Addon {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Addon{cfg: cfg, api: api, scheduler: sched}
}

func (a *Addon) Name() string { return "inventory" }

// Init registers (but does not activate) the add-on's own work item, each
// add-on running on its own logical work context under the same cooperative
// discipline as the core (spec §5).
func (a *Addon) Init(*agent.Client) error {
	a.handle = a.scheduler.WorkCreate(a.report, a.cfg.Interval, "inventory")
	return nil
}

func (a *Addon) Activate()   { a.scheduler.WorkActivate(a.handle) }
func (a *Addon) Deactivate() { a.scheduler.WorkDeactivate(a.handle) }
func (a *Addon) Exit()       { a.scheduler.WorkDelete(a.handle) }

func (a *Addon) report() {
	attrs := map[string]string{
		"device_type":              a.cfg.DeviceType,
		"artifact_name":            a.cfg.ArtifactName,
		"mcu_mender_agent_version": a.cfg.AgentVersion,
	}
	for k, v := range a.cfg.Attributes {
		attrs[k] = v
	}
	if err := a.api.PublishInventory(context.Background(), attrs); err != nil {
		logger.Warnf("inventory: report failed: %v", err)
	}
}
