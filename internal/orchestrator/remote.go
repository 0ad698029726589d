package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fortdesk/knoxcore/internal/knoxpack"
	"github.com/fortdesk/knoxcore/pkg/canonical"
)

// ErrRemoteNotConfigured is returned by RemoteCaller implementations that
// have no remote endpoint (or fixture directory) to talk to — the
// Orchestrator turns this into FORTKNOX_OFFLINE without ever dialing out.
var ErrRemoteNotConfigured = errors.New("orchestrator: fort knox remote is not configured")

// RemoteResult is what a Fort Knox compile request got back: the raw
// response body (validated against the Output Gate's schema by the
// caller, never here), the engine that produced it, and how long the
// call took.
type RemoteResult struct {
	Body     map[string]any
	EngineID string
	Latency  time.Duration
}

// RemoteCaller is the narrow seam between the Orchestrator and the actual
// Fort Knox compile engine, so TESTMODE can swap in fixtures without the
// Orchestrator knowing the difference.
type RemoteCaller interface {
	Call(ctx context.Context, policyID canonical.PolicyID, templateID string, payload knoxpack.Payload) (RemoteResult, error)
}

// HTTPRemote is the production RemoteCaller: a bounded-timeout POST with
// retry-with-backoff, grounded on the codex-runner service's
// runner.DoWithRetry/runner.FetchSample idiom (this core cannot import
// that package directly — it is an internal/ package scoped to
// services/codex-runner, not this module root — so the retry/backoff
// shape is re-derived here against the Fort Knox wire contract instead of
// "codex prompt execution").
type HTTPRemote struct {
	Client       *http.Client
	URL          string
	Retries      int
	Backoff      time.Duration
	MaxBodyBytes int64
}

// NewHTTPRemote builds an HTTPRemote with the defaults spec.md §4.9 names:
// a 180s per-attempt deadline, two retries, and a 1MB response cap. url
// empty means "no remote configured" — Call always returns
// ErrRemoteNotConfigured in that case, never dials out.
func NewHTTPRemote(url string) *HTTPRemote {
	return &HTTPRemote{
		Client:       &http.Client{Timeout: 180 * time.Second},
		URL:          url,
		Retries:      2,
		Backoff:      500 * time.Millisecond,
		MaxBodyBytes: 1 << 20,
	}
}

func (r *HTTPRemote) Call(ctx context.Context, policyID canonical.PolicyID, templateID string, payload knoxpack.Payload) (RemoteResult, error) {
	if r == nil || r.URL == "" {
		return RemoteResult{}, ErrRemoteNotConfigured
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return RemoteResult{}, fmt.Errorf("orchestrator: encode payload: %w", err)
	}

	var result RemoteResult
	start := time.Now()
	err = doWithRetry(ctx, r.Retries, r.Backoff, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "knoxcore-orchestrator/1.0")

		resp, err := r.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("orchestrator: remote status %d", resp.StatusCode)
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, r.MaxBodyBytes))
		if err != nil {
			return err
		}
		var decoded map[string]any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("orchestrator: decode remote response: %w", err)
		}
		result = RemoteResult{
			Body:     decoded,
			EngineID: resp.Header.Get("X-Engine-Id"),
			Latency:  time.Since(start),
		}
		return nil
	})
	if err != nil {
		return RemoteResult{}, err
	}
	if result.EngineID == "" {
		result.EngineID = "unknown"
	}
	return result, nil
}

// doWithRetry is runner.DoWithRetry's exponential-backoff loop, generalized
// to also give up early when ctx is done — the codex-runner original has
// no context to respect since it never ran under a cancellable request.
func doWithRetry(ctx context.Context, retries int, backoff time.Duration, fn func() error) error {
	if retries < 0 {
		retries = 0
	}
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == retries {
			break
		}
		sleep := backoff * time.Duration(uint64(1)<<uint(attempt))
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// fixture is one TESTMODE response, keyed by (policy_id, template_id) on
// disk as "<dir>/<policy_id>/<template_id>.yaml".
type fixture struct {
	EngineID string         `yaml:"engine_id"`
	Response map[string]any `yaml:"response"`
}

// FixtureRemote is the TESTMODE RemoteCaller: it never makes a network
// call, it reads a YAML fixture matching the requested (policy_id,
// template_id) instead. Grounded on spec.md §4.9's TESTMODE note — "YAML
// files keyed by (policy_id, template_id), loaded with yaml.v3".
type FixtureRemote struct {
	Dir string
}

func (f FixtureRemote) Call(ctx context.Context, policyID canonical.PolicyID, templateID string, _ knoxpack.Payload) (RemoteResult, error) {
	if f.Dir == "" {
		return RemoteResult{}, ErrRemoteNotConfigured
	}
	path := filepath.Join(f.Dir, string(policyID), templateID+".yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RemoteResult{}, fmt.Errorf("orchestrator: no fixture for policy=%s template=%s: %w", policyID, templateID, err)
		}
		return RemoteResult{}, err
	}
	var fx fixture
	if err := yaml.Unmarshal(b, &fx); err != nil {
		return RemoteResult{}, fmt.Errorf("orchestrator: decode fixture %s: %w", path, err)
	}
	engineID := fx.EngineID
	if engineID == "" {
		engineID = "testmode"
	}
	return RemoteResult{Body: fx.Response, EngineID: engineID, Latency: 0}, nil
}
