// Package health periodically validates pool keys against the upstream
// provider and evicts keys the provider no longer accepts.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Verdict classifies a single probe outcome.
type Verdict int

const (
	// VerdictInconclusive means the probe could not establish key health.
	// Network failures, 5xx responses, and malformed bodies land here; the
	// key is left alone rather than evicted on transient noise.
	VerdictInconclusive Verdict = iota

	// VerdictHealthy means the provider accepted the key.
	VerdictHealthy

	// VerdictAuthRejected means the provider refused the credential itself.
	// The key is dead and must be evicted.
	VerdictAuthRejected
)

// String returns the verdict name for logging.
func (v Verdict) String() string {
	switch v {
	case VerdictHealthy:
		return "healthy"
	case VerdictAuthRejected:
		return "auth_rejected"
	default:
		return "inconclusive"
	}
}

// Prober checks one key against the upstream provider.
type Prober interface {
	Probe(ctx context.Context, keyID string) Verdict
}

// HTTPProber validates keys with a GET request to the provider's probe
// endpoint, passing the key and a fixed canary recipient as query parameters.
type HTTPProber struct {
	probeURL string
	canary   string
	client   *http.Client
}

// NewHTTPProber creates a prober against probeURL. Each probe is bounded
// by timeout. Probes are minutes apart, so connections are not kept alive.
func NewHTTPProber(probeURL, canary string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		probeURL: probeURL,
		canary:   canary,
		client: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
}

// probeResponse is the minimal upstream response shape we inspect.
type probeResponse struct {
	Status string `json:"status"`
}

// Probe calls the upstream endpoint with the key.
//
// 200 with a JSON body carrying status "ok" is healthy. 401 and 403 mean the
// provider rejected the credential. Everything else, including transport
// errors, is inconclusive.
func (p *HTTPProber) Probe(ctx context.Context, keyID string) Verdict {
	u, err := url.Parse(p.probeURL)
	if err != nil {
		return VerdictInconclusive
	}
	q := u.Query()
	q.Set("key", keyID)
	q.Set("to", p.canary)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return VerdictInconclusive
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return VerdictInconclusive
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return VerdictAuthRejected
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return VerdictInconclusive
		}
		var pr probeResponse
		if err := json.Unmarshal(body, &pr); err != nil {
			return VerdictInconclusive
		}
		if pr.Status == "ok" {
			return VerdictHealthy
		}
		return VerdictInconclusive
	default:
		return VerdictInconclusive
	}
}

var _ Prober = (*HTTPProber)(nil)

// Describe returns the probe target for boot logging.
func (p *HTTPProber) Describe() string {
	return fmt.Sprintf("GET %s", p.probeURL)
}
