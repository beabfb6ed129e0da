// Package apiclient implements the API client (spec §4.3): authenticate,
// check_for_deployment, publish_deployment_status, download_artifact, and
// the optional inventory/configuration endpoints.
//
// Grounded on the teacher's pkg/flightctl/client.go (Config validation then
// http.Client construction, Ping) and pods.go's getDevice/updateDevice
// GET+json.Decode / PUT+json.Marshal pattern with status-code branching and
// structured logging, generalized from FlightCtl's device/application wire
// shapes to the bespoke device-signature auth and deployment wire shapes of
// spec §6.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"github.com/raycarroll/mcu-mender-agent/pkg/logger"
	"github.com/raycarroll/mcu-mender-agent/pkg/parser"
	"github.com/raycarroll/mcu-mender-agent/pkg/taxonomy"
	"github.com/raycarroll/mcu-mender-agent/pkg/transport"
)

// Deployment is the parsed result of check_for_deployment; a nil Deployment
// means the 204 "no deployment available" case.
type Deployment struct {
	ID           string
	ArtifactName string
	SourceURI    string
}

// Client is the API client, holding the current session token per spec §3.
type Client struct {
	transport transport.Transport
	token     string
}

// New builds an API client over the given Transport.
func New(t transport.Transport) *Client {
	return &Client{transport: t}
}

// SetToken replaces the cached session token (empty clears it).
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the currently cached session token.
func (c *Client) Token() string {
	return c.token
}

type authRequest struct {
	IDData      string `json:"id_data"`
	PubKey      string `json:"pubkey"`
	TenantToken string `json:"tenant_token,omitempty"`
}

// Authenticate performs spec §4.3's authenticate operation: POST
// /api/devices/v1/authentication/auth_requests signed with signature, and on
// 200 caches the plaintext bearer token returned in the response body.
func (c *Client) Authenticate(ctx context.Context, idData map[string]string, pubkeyPEM, tenantToken string, sign func([]byte) (string, error)) error {
	idJSON, err := json.Marshal(idData)
	if err != nil {
		return errors.Wrap(err, "apiclient: encode id_data")
	}
	reqBody, err := json.Marshal(authRequest{
		IDData:      string(idJSON),
		PubKey:      pubkeyPEM,
		TenantToken: tenantToken,
	})
	if err != nil {
		return errors.Wrap(err, "apiclient: encode auth request")
	}

	signature, err := sign(reqBody)
	if err != nil {
		return errors.Wrap(err, "apiclient: sign auth request")
	}

	var buf bufSink
	status, err := c.transport.Perform(ctx, "", "/api/devices/v1/authentication/auth_requests", http.MethodPost, reqBody, signature, &buf)
	if err != nil {
		return taxonomy.NewTransientError(errors.Wrap(err, "apiclient: authenticate request"))
	}
	if status != http.StatusOK {
		logger.Errorf("apiclient: authenticate rejected, status=%d body=%s", status, buf.String())
		return taxonomy.NewTransientError(errors.Errorf("apiclient: authenticate status %d", status))
	}

	c.token = buf.String()
	return nil
}

// CheckForDeployment performs spec §4.3's check_for_deployment operation.
// A nil *Deployment with nil error means the 204 "no deployment" case.
func (c *Client) CheckForDeployment(ctx context.Context, artifactName, deviceType string) (*Deployment, error) {
	path := fmt.Sprintf(
		"/api/devices/v1/deployments/device/deployments/next?artifact_name=%s&device_type=%s",
		artifactName, deviceType,
	)

	var buf bufSink
	status, err := c.transport.Perform(ctx, c.token, path, http.MethodGet, nil, "", &buf)
	if err != nil {
		return nil, taxonomy.NewTransientError(errors.Wrap(err, "apiclient: check_for_deployment request"))
	}

	switch status {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var wire struct {
			ID       string `json:"id"`
			Artifact struct {
				ArtifactName string `json:"artifact_name"`
				Source       struct {
					URI string `json:"uri"`
				} `json:"source"`
			} `json:"artifact"`
		}
		if err := json.Unmarshal(buf.Bytes(), &wire); err != nil {
			return nil, taxonomy.NewFatalError(errors.Wrap(err, "apiclient: decode deployment"))
		}
		return &Deployment{
			ID:           wire.ID,
			ArtifactName: wire.Artifact.ArtifactName,
			SourceURI:    wire.Artifact.Source.URI,
		}, nil
	default:
		logger.Errorf("apiclient: check_for_deployment unexpected status=%d body=%s", status, buf.String())
		return nil, taxonomy.NewTransientError(errors.Errorf("apiclient: check_for_deployment status %d", status))
	}
}

type statusRequest struct {
	Status string `json:"status"`
}

// PublishDeploymentStatus performs spec §4.3's publish_deployment_status
// operation: best-effort, a failure does not abort the flow in progress.
func (c *Client) PublishDeploymentStatus(ctx context.Context, deploymentID, status string) error {
	body, err := json.Marshal(statusRequest{Status: status})
	if err != nil {
		return errors.Wrap(err, "apiclient: encode status")
	}
	path := fmt.Sprintf("/api/devices/v1/deployments/device/deployments/%s/status", deploymentID)

	var buf bufSink
	respStatus, err := c.transport.Perform(ctx, c.token, path, http.MethodPut, body, "", &buf)
	if err != nil {
		logger.Warnf("apiclient: publish_deployment_status transport error: %v", err)
		return err
	}
	if respStatus != http.StatusNoContent {
		logger.Warnf("apiclient: publish_deployment_status unexpected status=%d body=%s", respStatus, buf.String())
		return errors.Errorf("apiclient: publish_deployment_status status %d", respStatus)
	}
	return nil
}

// DownloadArtifact performs spec §4.3's download_artifact operation: GET uri
// and stream the response body into the artifact parser. An absolute uri is
// requested as given; the transport prefixes the server host only to a uri
// that begins with "/".
func (c *Client) DownloadArtifact(ctx context.Context, uri string, p *parser.Parser) error {
	sink := &parserSink{parser: p}
	status, err := c.transport.Perform(ctx, c.token, uri, http.MethodGet, nil, "", sink)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errors.Errorf("apiclient: download_artifact status %d", status)
	}
	if sink.err != nil {
		return sink.err
	}
	return nil
}

// PublishInventory submits the device's inventory attributes, grounded on
// the real Mender client's InventoryRefresh (SPEC_FULL.md §4).
func (c *Client) PublishInventory(ctx context.Context, attrs map[string]string) error {
	body, err := json.Marshal(attrs)
	if err != nil {
		return errors.Wrap(err, "apiclient: encode inventory")
	}

	var buf bufSink
	status, err := c.transport.Perform(ctx, c.token, "/api/devices/v1/inventory/device/attributes", http.MethodPut, body, "", &buf)
	if err != nil {
		return errors.Wrap(err, "apiclient: publish inventory")
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return errors.Errorf("apiclient: publish inventory status %d", status)
	}
	return nil
}

// GetDesiredConfig fetches the server's desired device-configuration
// document for the configure add-on (SPEC_FULL.md §4).
func (c *Client) GetDesiredConfig(ctx context.Context) (map[string]string, error) {
	var buf bufSink
	status, err := c.transport.Perform(ctx, c.token, "/api/devices/v1/deviceconfig/configuration", http.MethodGet, nil, "", &buf)
	if err != nil {
		return nil, errors.Wrap(err, "apiclient: get desired config")
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, errors.Errorf("apiclient: get desired config status %d", status)
	}
	var doc map[string]string
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		return nil, errors.Wrap(err, "apiclient: decode desired config")
	}
	return doc, nil
}

// PublishReportedConfig submits the device's current configuration state.
func (c *Client) PublishReportedConfig(ctx context.Context, cfg map[string]string) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "apiclient: encode reported config")
	}
	var buf bufSink
	status, err := c.transport.Perform(ctx, c.token, "/api/devices/v1/deviceconfig/configuration", http.MethodPut, body, "", &buf)
	if err != nil {
		return errors.Wrap(err, "apiclient: publish reported config")
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return errors.Errorf("apiclient: publish reported config status %d", status)
	}
	return nil
}

// parserSink adapts transport.EventSink onto the streaming artifact parser.
type parserSink struct {
	parser *parser.Parser
	err    error
}

func (s *parserSink) Connected() {}

func (s *parserSink) DataChunk(b []byte) {
	if s.err != nil {
		return
	}
	if _, err := s.parser.Feed(b); err != nil {
		s.err = err
	}
}

func (s *parserSink) Disconnected() {}

func (s *parserSink) Error(err error) {
	if s.err == nil {
		s.err = err
	}
}

// bufSink is a simple EventSink that accumulates the whole response body,
// used for the small JSON-bearing endpoints.
type bufSink struct {
	data []byte
}

func (b *bufSink) Connected()         {}
func (b *bufSink) DataChunk(c []byte) { b.data = append(b.data, c...) }
func (b *bufSink) Disconnected()      {}
func (b *bufSink) Error(error)        {}

func (b *bufSink) Bytes() []byte  { return b.data }
func (b *bufSink) String() string { return string(b.data) }
