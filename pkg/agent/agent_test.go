package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raycarroll/mcu-mender-agent/pkg/apiclient"
	"github.com/raycarroll/mcu-mender-agent/pkg/config"
	"github.com/raycarroll/mcu-mender-agent/pkg/flash"
	"github.com/raycarroll/mcu-mender-agent/pkg/keystore"
	"github.com/raycarroll/mcu-mender-agent/pkg/model"
	"github.com/raycarroll/mcu-mender-agent/pkg/parser"
	"github.com/raycarroll/mcu-mender-agent/pkg/scheduler"
	"github.com/raycarroll/mcu-mender-agent/pkg/taxonomy"
	"github.com/raycarroll/mcu-mender-agent/pkg/transport"
)

const testBlockSize = 512

// fakeScheduler executes a work item's function synchronously on
// WorkExecute, so tests can drive one state-machine firing at a time
// without waiting on a real ticker.
type fakeScheduler struct {
	mu      sync.Mutex
	items   map[scheduler.Handle]scheduler.WorkFunc
	periods map[scheduler.Handle]time.Duration
	next    scheduler.Handle
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		items:   make(map[scheduler.Handle]scheduler.WorkFunc),
		periods: make(map[scheduler.Handle]time.Duration),
	}
}

func (f *fakeScheduler) WorkCreate(fn scheduler.WorkFunc, period time.Duration, name string) scheduler.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.items[f.next] = fn
	f.periods[f.next] = period
	return f.next
}
func (f *fakeScheduler) WorkActivate(scheduler.Handle)                    {}
func (f *fakeScheduler) WorkDeactivate(scheduler.Handle)                  {}
func (f *fakeScheduler) WorkSetPeriod(h scheduler.Handle, p time.Duration) { f.periods[h] = p }
func (f *fakeScheduler) WorkDelete(h scheduler.Handle)                    { delete(f.items, h) }
func (f *fakeScheduler) MutexCreate() *sync.Mutex                         { return &sync.Mutex{} }
func (f *fakeScheduler) WorkExecute(h scheduler.Handle) {
	f.mu.Lock()
	fn := f.items[h]
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// fakeStorage is an in-memory Storage, sharable across two Client instances
// to simulate state surviving a reboot.
type fakeStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStorage() *fakeStorage { return &fakeStorage{data: make(map[string][]byte)} }

func (s *fakeStorage) GetJSON(key string, out interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.data[key]
	if !ok {
		return taxonomy.NewNotFoundError(errNotFound(key))
	}
	return json.Unmarshal(raw, out)
}
func (s *fakeStorage) SetJSON(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw
	return nil
}
func (s *fakeStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

type notFoundErr string

func (e notFoundErr) Error() string { return "not found: " + string(e) }
func errNotFound(key string) error  { return notFoundErr(key) }

var _ keystore.Storage = (*fakeStorage)(nil)

// fakeCrypto returns fixed key material; signing is deterministic so tests
// can assert on it if needed.
type fakeCrypto struct{}

func (fakeCrypto) InitKeys(bool) error           { return nil }
func (fakeCrypto) PublicKeyPEM() (string, error) { return "PEM-PUBLIC-KEY", nil }
func (fakeCrypto) Sign(p []byte) (string, error) { return "signature", nil }

// fakeFlash records begin/write/end/abort/set_boot_slot calls against an
// in-memory buffer per handle.
type fakeFlash struct {
	mu       sync.Mutex
	next     flash.Handle
	buffers  map[flash.Handle][]byte
	aborted  map[flash.Handle]bool
	bootSlot string
	calls    []string
}

func newFakeFlash() *fakeFlash {
	return &fakeFlash{buffers: make(map[flash.Handle][]byte), aborted: make(map[flash.Handle]bool)}
}
func (f *fakeFlash) Begin(name string, size int64) (flash.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.buffers[f.next] = make([]byte, size)
	f.calls = append(f.calls, "begin")
	return f.next, nil
}
func (f *fakeFlash) Write(h flash.Handle, data []byte, offset, length int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.buffers[h][offset:offset+length], data[:length])
	f.calls = append(f.calls, "write")
	return nil
}
func (f *fakeFlash) Abort(h flash.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted[h] = true
	f.calls = append(f.calls, "abort")
	return nil
}
func (f *fakeFlash) End(h flash.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "end")
	return nil
}
func (f *fakeFlash) SetBootSlot(h flash.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootSlot = "slot-from-handle"
	f.calls = append(f.calls, "set_boot_slot")
	return nil
}

var _ flash.Flash = (*fakeFlash)(nil)

// fakeTransport stubs the HTTP seam: authenticate, check_for_deployment,
// publish_deployment_status, and a streamed artifact download.
type fakeTransport struct {
	mu            sync.Mutex
	authFail      bool
	deploymentID  string
	artifactName  string
	artifactURI   string
	artifactBytes []byte
	statuses      []string
}

type wireDeployment struct {
	ID       string `json:"id"`
	Artifact struct {
		ArtifactName string `json:"artifact_name"`
		Source       struct {
			URI string `json:"uri"`
		} `json:"source"`
	} `json:"artifact"`
}

func (f *fakeTransport) Perform(ctx context.Context, token, path, method string, body []byte, signature string, sink transport.EventSink) (int, error) {
	switch {
	case strings.Contains(path, "/authentication/auth_requests"):
		if f.authFail {
			return 401, nil
		}
		sink.DataChunk([]byte("bearer-token"))
		return 200, nil

	case strings.Contains(path, "/deployments/next"):
		if f.deploymentID == "" {
			return 204, nil
		}
		var wire wireDeployment
		wire.ID = f.deploymentID
		wire.Artifact.ArtifactName = f.artifactName
		wire.Artifact.Source.URI = f.artifactURI
		data, _ := json.Marshal(wire)
		sink.DataChunk(data)
		return 200, nil

	case strings.HasSuffix(path, "/status"):
		f.mu.Lock()
		f.statuses = append(f.statuses, string(body))
		f.mu.Unlock()
		return 204, nil

	case path == f.artifactURI:
		for i := 0; i < len(f.artifactBytes); i += 700 {
			end := i + 700
			if end > len(f.artifactBytes) {
				end = len(f.artifactBytes)
			}
			sink.DataChunk(f.artifactBytes[i:end])
		}
		return 200, nil

	default:
		return 404, nil
	}
}

func (f *fakeTransport) recordedStatuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses...)
}

func baseConfig(artifactName string) *config.ClientConfig {
	return &config.ClientConfig{
		Identity:           map[string]string{"mac": "00:11:22:33:44:55"},
		ArtifactName:       artifactName,
		DeviceType:         "test-device",
		ServerHost:         "https://mender.example",
		AuthPollInterval:   time.Second,
		UpdatePollInterval: time.Second,
	}
}

func newTestClient(t *testing.T, store *fakeStorage, ft *fakeTransport, restarted *bool) (*Client, *fakeFlash, *fakeScheduler) {
	t.Helper()
	sched := newFakeScheduler()
	flsh := newFakeFlash()
	api := apiclient.New(ft)
	c := New(Dependencies{
		Scheduler: sched,
		Storage:   store,
		Crypto:    fakeCrypto{},
		Flash:     flsh,
		API:       api,
	})
	err := c.Init(baseConfig("app-v1"), Callbacks{
		Restart: func() { *restarted = true },
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return c, flsh, sched
}

// advanceToAuthenticated fires the work item twice: init, then authenticate.
func advanceToAuthenticated(c *Client) {
	c.Execute() // init -> authenticating
	c.Execute() // authenticating -> authenticated
}

func TestNoDeploymentAvailable(t *testing.T) {
	store := newFakeStorage()
	ft := &fakeTransport{}
	var restarted bool
	c, _, _ := newTestClient(t, store, ft, &restarted)

	advanceToAuthenticated(c)
	if c.State() != model.StateAuthenticated {
		t.Fatalf("expected authenticated state, got %v", c.State())
	}
	c.Execute() // update-work: no deployment
	if len(ft.recordedStatuses()) != 0 {
		t.Fatalf("expected no status reports, got %v", ft.recordedStatuses())
	}
	if restarted {
		t.Fatal("did not expect a restart")
	}
}

func TestAlreadyInstalledReportsAlone(t *testing.T) {
	store := newFakeStorage()
	ft := &fakeTransport{deploymentID: "dep-1", artifactName: "app-v1", artifactURI: "/artifacts/x"}
	var restarted bool
	c, _, _ := newTestClient(t, store, ft, &restarted)

	advanceToAuthenticated(c)
	c.Execute()

	statuses := ft.recordedStatuses()
	if len(statuses) != 1 || !strings.Contains(statuses[0], "already-installed") {
		t.Fatalf("expected a single already-installed status, got %v", statuses)
	}
	if restarted {
		t.Fatal("did not expect a restart for an already-installed deployment")
	}
}

func TestHappyPathFlashesAndRestarts(t *testing.T) {
	store := newFakeStorage()
	artifact := buildTestArtifact(t, bytesOfLen(2048))
	ft := &fakeTransport{
		deploymentID:  "dep-2",
		artifactName:  "app-v2",
		artifactURI:   "/artifacts/app-v2.mender",
		artifactBytes: artifact,
	}
	var restarted bool
	c, flsh, _ := newTestClient(t, store, ft, &restarted)

	advanceToAuthenticated(c)
	c.Execute() // update-work: download + flash + restart

	if !restarted {
		t.Fatal("expected Restart to be invoked after a successful flash")
	}
	statuses := ft.recordedStatuses()
	want := []string{"downloading", "installing", "rebooting"}
	if len(statuses) != len(want) {
		t.Fatalf("expected statuses %v, got %v", want, statuses)
	}
	for i, w := range want {
		if !strings.Contains(statuses[i], w) {
			t.Fatalf("status %d: expected to contain %q, got %q", i, w, statuses[i])
		}
	}

	foundBegin, foundEnd, foundSetBootSlot := false, false, false
	for _, call := range flsh.calls {
		switch call {
		case "begin":
			foundBegin = true
		case "end":
			foundEnd = true
		case "set_boot_slot":
			foundSetBootSlot = true
		}
	}
	if !foundBegin || !foundEnd || !foundSetBootSlot {
		t.Fatalf("expected begin/end/set_boot_slot all to fire, got %v", flsh.calls)
	}

	var pending model.PendingDeployment
	if err := store.GetJSON("pending-deployment", &pending); err != nil {
		t.Fatalf("expected a pending deployment to be persisted: %v", err)
	}
	if pending.ExpectedArtifactName != "app-v2" {
		t.Fatalf("unexpected pending artifact name: %s", pending.ExpectedArtifactName)
	}
}

func TestReconciliationSuccessAfterReboot(t *testing.T) {
	store := newFakeStorage()
	_ = store.SetJSON("pending-deployment", &model.PendingDeployment{
		DeploymentID:         "dep-3",
		ExpectedArtifactName: "app-v2",
	})

	ft := &fakeTransport{}
	var restarted bool
	c, _, _ := newTestClient(t, store, ft, &restarted)
	// The device now reports the newly installed artifact name (the flash
	// swap succeeded).
	c.cfg.ArtifactName = "app-v2"

	advanceToAuthenticated(c)

	statuses := ft.recordedStatuses()
	if len(statuses) != 1 || !strings.Contains(statuses[0], "success") {
		t.Fatalf("expected a single success status after reconciliation, got %v", statuses)
	}
	if err := store.GetJSON("pending-deployment", &model.PendingDeployment{}); !keystore.IsNotFound(err) {
		t.Fatalf("expected the pending deployment record to be cleared, err=%v", err)
	}
}

func TestReconciliationFailureOnRollback(t *testing.T) {
	store := newFakeStorage()
	_ = store.SetJSON("pending-deployment", &model.PendingDeployment{
		DeploymentID:         "dep-4",
		ExpectedArtifactName: "app-v2",
	})

	ft := &fakeTransport{}
	var restarted bool
	c, _, _ := newTestClient(t, store, ft, &restarted)
	// Bootloader rolled back: the running artifact name is still the old one.
	c.cfg.ArtifactName = "app-v1"

	advanceToAuthenticated(c)

	statuses := ft.recordedStatuses()
	if len(statuses) != 1 || !strings.Contains(statuses[0], "failure") {
		t.Fatalf("expected a single failure status after a rollback, got %v", statuses)
	}
	if err := store.GetJSON("pending-deployment", &model.PendingDeployment{}); !keystore.IsNotFound(err) {
		t.Fatalf("expected the pending deployment record to be cleared, err=%v", err)
	}
}

func TestFailingAuthCallbackWithPendingDeploymentTriggersRestart(t *testing.T) {
	store := newFakeStorage()
	_ = store.SetJSON("pending-deployment", &model.PendingDeployment{
		DeploymentID:         "dep-5",
		ExpectedArtifactName: "app-v2",
	})

	ft := &fakeTransport{}
	sched := newFakeScheduler()
	flsh := newFakeFlash()
	api := apiclient.New(ft)
	var restarted bool
	c := New(Dependencies{Scheduler: sched, Storage: store, Crypto: fakeCrypto{}, Flash: flsh, API: api})
	err := c.Init(baseConfig("app-v1"), Callbacks{
		OnAuthenticated: func(success bool) bool { return false },
		Restart:         func() { restarted = true },
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	c.Execute() // init -> authenticating
	c.Execute() // authenticating: callback reports failure, pending present -> restart

	if !restarted {
		t.Fatal("expected a restart when the auth callback fails with a pending deployment present")
	}
	if len(ft.recordedStatuses()) != 0 {
		t.Fatalf("expected no status report when restarting instead, got %v", ft.recordedStatuses())
	}
}

// TestNoRestartHandlerReportsSuccessDirectly covers spec §4.1's
// needs_restart=false contract: a handler registered without the restart
// flag must not trigger the pending-deployment/reboot sequence, even
// though the built-in rootfs-image handler (needs_restart=true) does.
func TestNoRestartHandlerReportsSuccessDirectly(t *testing.T) {
	store := newFakeStorage()
	artifact := buildTestArtifactWithType(t, "config-data", []byte(`{"setting":"value"}`))
	ft := &fakeTransport{
		deploymentID:  "dep-6",
		artifactName:  "app-v3",
		artifactURI:   "/artifacts/app-v3.mender",
		artifactBytes: artifact,
	}
	var restarted bool
	c, flsh, _ := newTestClient(t, store, ft, &restarted)

	var dispatched bool
	c.RegisterArtifactHandler("config-data", func(parser.PayloadEvent) taxonomy.Result {
		dispatched = true
		return taxonomy.Ok
	}, false, "config-data")

	advanceToAuthenticated(c)
	c.Execute() // update-work: dispatch config-data, no restart expected

	if !dispatched {
		t.Fatal("expected the config-data handler to be invoked")
	}
	if restarted {
		t.Fatal("did not expect Restart for a needs_restart=false handler")
	}
	if len(flsh.calls) != 0 {
		t.Fatalf("did not expect the flash collaborator to be touched, got %v", flsh.calls)
	}
	statuses := ft.recordedStatuses()
	want := []string{"downloading", "installing", "success"}
	if len(statuses) != len(want) {
		t.Fatalf("expected statuses %v, got %v", want, statuses)
	}
	for i, w := range want {
		if !strings.Contains(statuses[i], w) {
			t.Fatalf("status %d: expected to contain %q, got %q", i, w, statuses[i])
		}
	}
	if err := store.GetJSON("pending-deployment", &model.PendingDeployment{}); !keystore.IsNotFound(err) {
		t.Fatalf("did not expect a pending deployment to be persisted, err=%v", err)
	}
}

func bytesOfLen(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func tarHeader(name string, size int64) []byte {
	b := make([]byte, testBlockSize)
	copy(b[0:100], name)
	copy(b[124:136], []byte(formatOctal(size)))
	copy(b[257:263], "ustar\x00")
	return b
}

func formatOctal(n int64) string {
	if n == 0 {
		return "00000000000"
	}
	digits := make([]byte, 0, 11)
	for n > 0 {
		digits = append([]byte{byte('0' + n%8)}, digits...)
		n /= 8
	}
	for len(digits) < 11 {
		digits = append([]byte{'0'}, digits...)
	}
	return string(digits)
}

func tarEntry(name string, body []byte) []byte {
	out := tarHeader(name, int64(len(body)))
	out = append(out, body...)
	if rem := len(body) % testBlockSize; rem != 0 {
		out = append(out, make([]byte, testBlockSize-rem)...)
	}
	return out
}

// buildTestArtifact assembles a minimal valid tar-of-tars artifact carrying
// one rootfs-image payload, mirroring the real wire format the download
// path must decode end to end.
func buildTestArtifact(t *testing.T, payload []byte) []byte {
	t.Helper()
	endMarker := make([]byte, 2*testBlockSize)

	var out []byte
	out = append(out, tarEntry("version", []byte(`{"format":"mender","version":3}`))...)
	out = append(out, tarHeader("header.tar", 0)...)
	out = append(out, tarEntry("header-info", []byte(`{"payloads":[{"type":"rootfs-image"}]}`))...)
	out = append(out, tarEntry("headers/0000/meta-data", []byte(`{}`))...)
	out = append(out, endMarker...)
	out = append(out, tarHeader("data/0000.tar", 0)...)
	out = append(out, tarEntry("rootfs.img", payload)...)
	out = append(out, endMarker...)
	out = append(out, endMarker...)
	return out
}

// buildTestArtifactWithType is buildTestArtifact generalized to an arbitrary
// payload type name, for exercising handlers other than the built-in
// rootfs-image one.
func buildTestArtifactWithType(t *testing.T, payloadType string, payload []byte) []byte {
	t.Helper()
	endMarker := make([]byte, 2*testBlockSize)

	var out []byte
	out = append(out, tarEntry("version", []byte(`{"format":"mender","version":3}`))...)
	out = append(out, tarHeader("header.tar", 0)...)
	out = append(out, tarEntry("header-info", []byte(`{"payloads":[{"type":"`+payloadType+`"}]}`))...)
	out = append(out, tarEntry("headers/0000/meta-data", []byte(`{}`))...)
	out = append(out, endMarker...)
	out = append(out, tarHeader("data/0000.tar", 0)...)
	out = append(out, tarEntry("payload.bin", payload)...)
	out = append(out, endMarker...)
	out = append(out, endMarker...)
	return out
}
