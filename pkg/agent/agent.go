// Package agent implements the client state machine (spec §4.1): the
// ordered progression init → authentication → update-poll, the periodic
// work execution model, deployment status reporting, and pending-deployment
// reconciliation across reboots.
//
// Grounded on the teacher's pkg/provider/provider.go (NewProvider's
// collaborator-wiring and validation pattern, the mutex-guarded registry
// pattern reused for the artifact-handler table, the ticker-driven
// background loop reused as the scheduler work item) and
// pkg/models/reconcile.go's ReconciliationRecord/ReconcileResult enum,
// adapted into the pending-deployment success/failure outcome; and on the
// real Mender client's Authorize/CheckUpdate/ReportUpdateStatus sequencing
// in other_examples/a9eeeafc_mendersoftware-mender__app-mender.go.go.
package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/raycarroll/mcu-mender-agent/pkg/apiclient"
	"github.com/raycarroll/mcu-mender-agent/pkg/config"
	"github.com/raycarroll/mcu-mender-agent/pkg/crypto"
	"github.com/raycarroll/mcu-mender-agent/pkg/flash"
	"github.com/raycarroll/mcu-mender-agent/pkg/keystore"
	"github.com/raycarroll/mcu-mender-agent/pkg/logger"
	"github.com/raycarroll/mcu-mender-agent/pkg/model"
	"github.com/raycarroll/mcu-mender-agent/pkg/parser"
	"github.com/raycarroll/mcu-mender-agent/pkg/scheduler"
	"github.com/raycarroll/mcu-mender-agent/pkg/taxonomy"
)

const pendingDeploymentKey = "pending-deployment"

// ArtifactHandler consumes binary payload events for one registered payload
// type (spec §4.1's register_artifact_handler).
type ArtifactHandler func(parser.PayloadEvent) taxonomy.Result

type registeredHandler struct {
	handler        ArtifactHandler
	needsRestart   bool
	validationName string
}

// Callbacks are the integrator-supplied hooks spec §4.1 and §7 describe.
type Callbacks struct {
	// OnAuthenticated is invoked after every authenticate() attempt with
	// whether it succeeded. If it returns false AND a PendingDeployment
	// exists, the device treats this as evidence the freshly installed
	// image is broken: no failure status is reported (the server would be
	// misled); Restart is invoked instead so the bootloader's rollback
	// policy takes effect on next boot. This is an unusual contract —
	// surfaced here explicitly per spec §9's Open Question.
	OnAuthenticated func(success bool) bool

	// Restart is required: it is expected not to return. If it does, the
	// work item completes normally and the next firing re-enters its
	// current step with state unchanged.
	Restart func()
}

// Dependencies are the collaborators wired in at construction time, spec
// §1's external seams.
type Dependencies struct {
	Scheduler scheduler.Scheduler
	Storage   keystore.Storage
	Crypto    crypto.Crypto
	Flash     flash.Flash
	API       *apiclient.Client
}

// Addon is a collaborator registered via RegisterAddon; add-ons do not alter
// the state machine's contract (spec §2).
type Addon interface {
	Name() string
	Init(c *Client) error
	Activate()
	Deactivate()
	Exit()
}

// Client is the state machine: fields of a single value whose lifetime
// spans Init to Exit (spec §9's re-architecture of the source's process-
// wide mutable singletons into one owned value).
type Client struct {
	deps Dependencies
	cfg  *config.ClientConfig
	cb   Callbacks

	state   model.ClientState
	pending *model.PendingDeployment

	handlersMu sync.RWMutex
	handlers   map[string]registeredHandler

	addonsMu sync.Mutex
	addons   []Addon

	workHandle scheduler.Handle

	flashOpen   bool
	flashHandle flash.Handle

	// dispatchedNeedsRestart is true once any handler that actually ran
	// during the in-progress download was registered with needsRestart=true
	// (spec §4.1's register_artifact_handler contract). Reset at the start
	// of every doUpdateWork.
	dispatchedNeedsRestart bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires the client's collaborators. It performs no validation and
// starts no work item; call Init for that.
func New(deps Dependencies) *Client {
	return &Client{
		deps:     deps,
		handlers: make(map[string]registeredHandler),
		state:    model.StateInit,
	}
}

// Init validates required fields, copies cfg, initializes subsystems in
// order scheduler → logging → storage → crypto → API → work item, and
// registers (but does not activate) the work item. Errors at any
// sub-initialization are fatal for Init (spec §4.1).
func (c *Client) Init(cfg *config.ClientConfig, cb Callbacks) error {
	if cfg == nil {
		return errors.New("agent: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "agent: invalid config")
	}
	if cb.Restart == nil {
		return errors.New("agent: a restart callback is required")
	}
	if c.deps.Flash == nil {
		return errors.New("agent: a flash collaborator is required")
	}

	copied := *cfg
	copied.Identity = make(map[string]string, len(cfg.Identity))
	for k, v := range cfg.Identity {
		copied.Identity[k] = v
	}
	c.cfg = &copied
	c.cb = cb

	// scheduler is already constructed by the caller (deps.Scheduler); this
	// is where the client registers its own work item against it.
	if c.deps.Scheduler == nil {
		return errors.New("agent: a scheduler collaborator is required")
	}
	// logging has no further setup beyond what pkg/logger already does at
	// process start.
	if c.deps.Storage == nil {
		return errors.New("agent: a storage collaborator is required")
	}
	if c.deps.Crypto == nil {
		return errors.New("agent: a crypto collaborator is required")
	}
	if c.deps.API == nil {
		return errors.New("agent: an API client is required")
	}

	c.RegisterArtifactHandler("rootfs-image", c.rootfsImageHandler, true, "rootfs-image")

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.workHandle = c.deps.Scheduler.WorkCreate(c.fire, c.cfg.AuthPollInterval, "mcu-mender-agent")
	return nil
}

// RegisterArtifactHandler extends the dispatch table consulted by the
// download callback. Handlers registered with needsRestart=false may
// complete without triggering a reboot.
func (c *Client) RegisterArtifactHandler(payloadType string, handler ArtifactHandler, needsRestart bool, validationName string) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[payloadType] = registeredHandler{
		handler:        handler,
		needsRestart:   needsRestart,
		validationName: validationName,
	}
}

// RegisterAddon calls addon.Init and stores the instance.
func (c *Client) RegisterAddon(addon Addon) error {
	if err := addon.Init(c); err != nil {
		return errors.Wrapf(err, "agent: init addon %s", addon.Name())
	}
	c.addonsMu.Lock()
	c.addons = append(c.addons, addon)
	c.addonsMu.Unlock()
	return nil
}

// Activate sets the work item's active flag.
func (c *Client) Activate() {
	c.deps.Scheduler.WorkActivate(c.workHandle)
	c.addonsMu.Lock()
	defer c.addonsMu.Unlock()
	for _, a := range c.addons {
		a.Activate()
	}
}

// Deactivate is graceful: it does not abort an in-flight download.
func (c *Client) Deactivate() {
	c.deps.Scheduler.WorkDeactivate(c.workHandle)
	c.addonsMu.Lock()
	defer c.addonsMu.Unlock()
	for _, a := range c.addons {
		a.Deactivate()
	}
}

// Execute requests an immediate out-of-band firing of the work item.
func (c *Client) Execute() {
	c.deps.Scheduler.WorkExecute(c.workHandle)
}

// Exit deactivates, releases all owned resources, and clears the session
// token.
func (c *Client) Exit() {
	c.Deactivate()
	c.addonsMu.Lock()
	for _, a := range c.addons {
		a.Exit()
	}
	c.addonsMu.Unlock()
	c.deps.Scheduler.WorkDelete(c.workHandle)
	c.deps.API.SetToken("")
	if c.cancel != nil {
		c.cancel()
	}
}

// State returns the current ClientState, for diagnostics and tests.
func (c *Client) State() model.ClientState {
	return c.state
}

// fire is the scheduler-owned periodic work item. A single invocation
// advances at most one non-terminal state; the authenticated state is
// re-entered on every subsequent firing (spec §4.1).
func (c *Client) fire() {
	switch c.state {
	case model.StateInit:
		c.doInit()
	case model.StateAuthenticating:
		c.doAuthenticate(c.ctx)
	case model.StateAuthenticated:
		c.doUpdateWork(c.ctx)
	}
}

// doInit performs spec §4.1's initialization work.
func (c *Client) doInit() {
	if err := c.deps.Crypto.InitKeys(c.cfg.RecommissioningFlag); err != nil {
		logger.Errorf("agent: key initialization failed, retrying next firing: %v", err)
		return
	}

	pd, err := c.loadPendingDeployment()
	if err != nil {
		logger.Errorf("agent: load pending deployment failed, retrying next firing: %v", err)
		return
	}
	c.pending = pd

	c.state = model.StateAuthenticating
}

func (c *Client) loadPendingDeployment() (*model.PendingDeployment, error) {
	var pd model.PendingDeployment
	err := c.deps.Storage.GetJSON(pendingDeploymentKey, &pd)
	if err == nil {
		return &pd, nil
	}
	if keystore.IsNotFound(err) {
		return nil, nil
	}
	return nil, err
}

// doAuthenticate performs spec §4.1's authentication work.
func (c *Client) doAuthenticate(ctx context.Context) {
	pubkeyPEM, err := c.deps.Crypto.PublicKeyPEM()
	if err != nil {
		logger.Errorf("agent: read public key failed: %v", err)
		return
	}

	authErr := c.deps.API.Authenticate(ctx, c.cfg.Identity, pubkeyPEM, c.cfg.TenantToken, c.deps.Crypto.Sign)
	success := authErr == nil

	if c.cb.OnAuthenticated != nil {
		if ok := c.cb.OnAuthenticated(success); !ok && c.pending != nil {
			logger.Warnf("agent: authentication callback reported failure with a pending deployment present; triggering restart instead of reporting status")
			c.cb.Restart()
			return
		}
	}

	if !success {
		logger.Errorf("agent: authentication failed: %v", authErr)
		c.deps.API.SetToken("")
		return
	}

	if c.pending != nil {
		c.reconcilePendingDeployment(ctx)
	}

	c.deps.Scheduler.WorkSetPeriod(c.workHandle, c.cfg.UpdatePollInterval)
	c.state = model.StateAuthenticated
}

// reconcilePendingDeployment implements spec §4.1 step 3: compare the
// running artifact against the pending record (with the "configuration-"
// special case behind ConfigurationDeploymentsEnabled) and report the
// corresponding outcome, then clear the record unconditionally.
func (c *Client) reconcilePendingDeployment(ctx context.Context) {
	matched := c.cfg.ArtifactName == c.pending.ExpectedArtifactName

	if !matched && c.cfg.ConfigurationDeploymentsEnabled &&
		strings.HasPrefix(c.pending.ExpectedArtifactName, "configuration-") {
		suffix := strings.TrimPrefix(c.pending.ExpectedArtifactName, "configuration-")
		matched = suffix == c.pending.DeploymentID
	}

	status := model.StatusFailure
	if matched {
		status = model.StatusSuccess
	}
	c.report(ctx, c.pending.DeploymentID, status)

	if err := c.deps.Storage.Delete(pendingDeploymentKey); err != nil {
		logger.Errorf("agent: clear pending deployment failed: %v", err)
	}
	c.pending = nil
}

// doUpdateWork performs spec §4.1's update work, once per authenticated
// firing.
func (c *Client) doUpdateWork(ctx context.Context) {
	dep, err := c.deps.API.CheckForDeployment(ctx, c.cfg.ArtifactName, c.cfg.DeviceType)
	if err != nil {
		logger.Warnf("agent: check_for_deployment failed: %v", err)
		return
	}
	if dep == nil {
		return
	}

	if dep.ArtifactName == c.cfg.ArtifactName {
		c.report(ctx, dep.ID, model.StatusAlreadyInstalled)
		return
	}

	c.report(ctx, dep.ID, model.StatusDownloading)

	c.flashOpen = false
	c.dispatchedNeedsRestart = false
	p := parser.New(c.dispatchPayload)
	if err := c.deps.API.DownloadArtifact(ctx, dep.SourceURI, p); err != nil {
		logger.Errorf("agent: download_artifact failed: %v", err)
		if c.flashOpen {
			if abortErr := c.deps.Flash.Abort(c.flashHandle); abortErr != nil {
				logger.Errorf("agent: flash.abort failed: %v", abortErr)
			}
			c.flashOpen = false
		}
		c.report(ctx, dep.ID, model.StatusFailure)
		return
	}

	c.report(ctx, dep.ID, model.StatusInstalling)
	if c.flashOpen {
		if err := c.deps.Flash.SetBootSlot(c.flashHandle); err != nil {
			logger.Errorf("agent: flash.set_boot_slot failed: %v", err)
			c.report(ctx, dep.ID, model.StatusFailure)
			return
		}
		c.flashOpen = false
	}

	if !c.dispatchedNeedsRestart {
		// Every handler that ran was registered with needsRestart=false
		// (spec §4.1): the update is already effective, so skip the
		// pending-deployment/reboot sequence and report success directly.
		c.report(ctx, dep.ID, model.StatusSuccess)
		return
	}

	pending := &model.PendingDeployment{DeploymentID: dep.ID, ExpectedArtifactName: dep.ArtifactName}
	if err := c.deps.Storage.SetJSON(pendingDeploymentKey, pending); err != nil {
		logger.Errorf("agent: persist pending deployment failed: %v", err)
		c.report(ctx, dep.ID, model.StatusFailure)
		return
	}
	c.pending = pending

	c.report(ctx, dep.ID, model.StatusRebooting)
	c.cb.Restart()
	// If Restart returns, this firing completes normally and the next one
	// re-enters update work with the pending record still present.
}

// report issues one best-effort status PUT; a failure does not abort the
// flow in progress (spec §4.1, §7).
func (c *Client) report(ctx context.Context, deploymentID string, status model.DeploymentStatus) {
	if err := c.deps.API.PublishDeploymentStatus(ctx, deploymentID, status.String()); err != nil {
		logger.Warnf("agent: publish_deployment_status(%s, %s) failed: %v", deploymentID, status, err)
	}
}

// dispatchPayload routes a parser payload event to the handler registered
// for its type. Unregistered types are silently skipped — the spec does
// not make this case fatal, only the registry lookup contract itself.
//
// validationName guards against a handler registered under one type but
// expecting another: the dispatched event's type must match the name the
// handler was registered to validate against. needsRestart is recorded on
// the client for every handler that actually runs, so doUpdateWork can
// gate the reboot sequence on what this download touched rather than
// assuming every artifact needs one.
func (c *Client) dispatchPayload(ev parser.PayloadEvent) taxonomy.Result {
	c.handlersMu.RLock()
	h, ok := c.handlers[ev.Type]
	c.handlersMu.RUnlock()
	if !ok {
		return taxonomy.Ok
	}
	if ev.Type != h.validationName {
		logger.Errorf("agent: handler for %q declares validation name %q, refusing dispatch", ev.Type, h.validationName)
		return taxonomy.Fail
	}
	if h.needsRestart {
		c.dispatchedNeedsRestart = true
	}
	return h.handler(ev)
}

// rootfsImageHandler is the built-in "rootfs-image" handler (spec §4.1).
func (c *Client) rootfsImageHandler(ev parser.PayloadEvent) taxonomy.Result {
	if !ev.HasFile {
		// Filename-less callback invocation: a no-op begin signal.
		return taxonomy.Ok
	}

	if ev.Offset == 0 {
		h, err := c.deps.Flash.Begin(ev.Filename, ev.Size)
		if err != nil {
			logger.Errorf("agent: flash.begin failed: %v", err)
			return taxonomy.Fail
		}
		c.flashHandle = h
		c.flashOpen = true
	}

	if err := c.deps.Flash.Write(c.flashHandle, ev.Chunk, ev.Offset, ev.Length); err != nil {
		logger.Errorf("agent: flash.write failed: %v", err)
		return taxonomy.Fail
	}

	if ev.Offset+ev.Length >= ev.Size {
		if err := c.deps.Flash.End(c.flashHandle); err != nil {
			logger.Errorf("agent: flash.end failed: %v", err)
			return taxonomy.Fail
		}
	}
	return taxonomy.Ok
}

// Done returns a channel closed once Exit has been called, for callers that
// want to keep a goroutine alive alongside the scheduler.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}
