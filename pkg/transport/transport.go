// Package transport implements the Transport collaborator (spec §6): issuing
// authenticated HTTP requests and streaming response bodies as chunks to an
// event sink, with bounded retry of idempotent calls.
//
// Grounded on the teacher's pkg/flightctl/client.go (TLS transport and
// http.Client construction, custom http.RoundTripper) and pods.go's
// GET/PUT-with-status-branching pattern, generalized from FlightCtl's OAuth2
// bearer scheme to the device-signature scheme spec §6 describes.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/raycarroll/mcu-mender-agent/pkg/logger"
)

// EventSink receives the streamed lifecycle of one request, mirroring
// spec §6's Transport.perform event_sink contract.
type EventSink interface {
	Connected()
	DataChunk(b []byte)
	Disconnected()
	Error(err error)
}

// Transport issues one authenticated HTTP request and streams its response
// body to sink, returning the final HTTP status code.
type Transport interface {
	Perform(ctx context.Context, token, urlOrPath, method string, body []byte, signature string, sink EventSink) (status int, err error)
}

// Config configures the default HTTP-backed Transport.
type Config struct {
	ServerHost string
	TLSConfig  *tls.Config
	// MaxRetryElapsed bounds the total time spent retrying one GET request
	// with exponential backoff (default 30s). Requests with any other method
	// (authenticate is a POST) are attempted once; the scheduler owns the
	// coarser retry-at-next-firing policy.
	MaxRetryElapsed time.Duration
}

// HTTPTransport is the default platform-port Transport implementation.
type HTTPTransport struct {
	client     *http.Client
	host       string
	maxElapsed time.Duration
}

// New builds the default HTTP Transport.
func New(cfg Config) *HTTPTransport {
	maxElapsed := cfg.MaxRetryElapsed
	if maxElapsed == 0 {
		maxElapsed = 30 * time.Second
	}
	return &HTTPTransport{
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: cfg.TLSConfig},
			Timeout:   2 * time.Minute,
		},
		host:       cfg.ServerHost,
		maxElapsed: maxElapsed,
	}
}

// Perform issues one HTTP request, attaching token as a bearer
// Authorization header and signature as X-MEN-Signature when present, and
// streams the response body to sink in chunks of at most 32 KiB.
func (t *HTTPTransport) Perform(ctx context.Context, token, urlOrPath, method string, body []byte, signature string, sink EventSink) (int, error) {
	correlationID := uuid.NewString()
	log := logger.With("correlation_id", correlationID, "method", method, "url", urlOrPath)

	targetURL := urlOrPath
	if len(targetURL) > 0 && targetURL[0] == '/' {
		targetURL = t.host + urlOrPath
	}

	var status int
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, targetURL, bodyReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if signature != "" {
			req.Header.Set("X-MEN-Signature", signature)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := t.client.Do(req)
		if err != nil {
			sink.Error(err)
			return err
		}
		defer resp.Body.Close()

		sink.Connected()
		status = resp.StatusCode

		buf := make([]byte, blockReadSize)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				sink.DataChunk(chunk)
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				sink.Error(rerr)
				sink.Disconnected()
				return rerr
			}
		}
		sink.Disconnected()

		if status >= 500 {
			return fmt.Errorf("transport: server error %d", status)
		}
		return nil
	}

	if !isRetryable(method) {
		err := op()
		return status, err
	}

	policy := backoff.WithMaxElapsedTime(backoff.NewExponentialBackOff(), t.maxElapsed)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		log.Warnw("transport request failed after retries", "error", err)
		return status, errors.Wrap(err, "transport: request failed")
	}
	return status, nil
}

const blockReadSize = 32 * 1024

func isRetryable(method string) bool {
	return method == http.MethodGet
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return &byteSliceReader{b: body}
}

type byteSliceReader struct {
	b []byte
	i int
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}
