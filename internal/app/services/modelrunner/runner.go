// Package modelrunner is the coordinator's client to the remote model
// runner sidecar: it broadcasts each cycle's input envelope to every
// connected model and collects predict responses for a given scope.
package modelrunner

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/modelcoordinator/coordinator/internal/app/apperr"
	"github.com/modelcoordinator/coordinator/internal/app/domain/input"
)

// Handshake identifies one model that responded to a broadcast tick.
type Handshake struct {
	ModelID              string
	Name                 string
	PlayerID             string
	PlayerName           string
	DeploymentIdentifier string
}

// PredictResult is one model's response to a predict(scope) call.
type PredictResult struct {
	ModelID         string
	Status          string // "SUCCESS" or "FAILED"
	InferenceOutput map[string]any
	ExecTimeMS      int64
	Error           string
}

// Runner is the contract the predict dispatcher depends on.
type Runner interface {
	Init(ctx context.Context) error
	Broadcast(ctx context.Context, env input.Envelope) ([]Handshake, error)
	Predict(ctx context.Context, scope map[string]any) (map[string]PredictResult, error)
}

// HTTPRunner talks to the model runner sidecar over mTLS HTTP, matching the
// gateway-fronted internal service pattern used elsewhere in the stack.
type HTTPRunner struct {
	client  *http.Client
	target  string
	limiter *rate.Limiter
}

// NewHTTPRunner builds a runner client. certDir may be empty, in which case
// no client certificate is loaded and a clone of the default transport is
// used with only a TLS 1.2 minimum version added (useful for local
// development against a plaintext sidecar). ratePerSecond/burst throttle
// outbound calls to the sidecar; ratePerSecond <= 0 disables throttling.
func NewHTTPRunner(target, certDir string, timeout time.Duration, ratePerSecond float64, burst int) (*HTTPRunner, error) {
	if strings.TrimSpace(target) == "" {
		return nil, apperr.FatalStartup(fmt.Errorf("model runner target is empty"), "configure MODEL_RUNNER_TARGET")
	}
	transport := defaultTransportWithMinTLS12()
	if certDir != "" {
		cert, err := tls.LoadX509KeyPair(certDir+"/client.crt", certDir+"/client.key")
		if err != nil {
			return nil, apperr.FatalStartup(err, "load model runner client certificate from %s", certDir)
		}
		if t, ok := transport.(*http.Transport); ok {
			t.TLSClientConfig.Certificates = []tls.Certificate{cert}
		}
	}
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		if burst <= 0 {
			burst = int(ratePerSecond)
			if burst <= 0 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return &HTTPRunner{
		client:  &http.Client{Transport: transport, Timeout: timeout},
		target:  strings.TrimRight(target, "/"),
		limiter: limiter,
	}, nil
}

// Init is a one-time no-op for the HTTP runner: every call is already
// self-contained, so there is no persistent session to establish.
func (r *HTTPRunner) Init(ctx context.Context) error { return nil }

// Broadcast posts the tick envelope to every connected model and returns the
// set that acknowledged it.
func (r *HTTPRunner) Broadcast(ctx context.Context, env input.Envelope) ([]Handshake, error) {
	var resp struct {
		Models []Handshake `json:"models"`
	}
	if err := r.call(ctx, "/tick", env, &resp); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// Predict requests inference from every connected model for scope.
func (r *HTTPRunner) Predict(ctx context.Context, scope map[string]any) (map[string]PredictResult, error) {
	var resp struct {
		Results map[string]PredictResult `json:"results"`
	}
	if err := r.call(ctx, "/predict", map[string]any{"scope": scope}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (r *HTTPRunner) call(ctx context.Context, path string, body any, out any) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("model runner: rate limit wait: %w", err)
		}
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("model runner: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.target+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("model runner: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("model runner: call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model runner: %s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// defaultTransportWithMinTLS12 clones the default transport and enforces a
// modern TLS floor for outbound calls to the runner sidecar.
func defaultTransportWithMinTLS12() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	cloned := base.Clone()
	if cloned.TLSClientConfig != nil {
		cloned.TLSClientConfig = cloned.TLSClientConfig.Clone()
		if cloned.TLSClientConfig.MinVersion < tls.VersionTLS12 {
			cloned.TLSClientConfig.MinVersion = tls.VersionTLS12
		}
	} else {
		cloned.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cloned
}
