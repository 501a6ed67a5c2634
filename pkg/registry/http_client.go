package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fleetwork/fleetwork/pkg/engine"
)

// HTTPRegistry is a client for an external device registry service exposing
// GET <base>/api/v1/devices. Filtering is pushed to the service through
// query parameters: repeated id, repeated label (k=v), and active.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRegistry creates a registry client for the given base URL.
func NewHTTPRegistry(baseURL string, timeout time.Duration) *HTTPRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRegistry{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Get returns the records for the given ids. Unknown ids are omitted by the
// service.
func (r *HTTPRegistry) Get(ctx context.Context, ids []string) ([]engine.Device, error) {
	q := url.Values{}
	for _, id := range ids {
		q.Add("id", id)
	}
	return r.query(ctx, q)
}

// Select returns active devices matching every selector pair.
func (r *HTTPRegistry) Select(ctx context.Context, selector map[string]string) ([]engine.Device, error) {
	q := url.Values{}
	q.Set("active", "true")
	for k, v := range selector {
		q.Add("label", k+"="+v)
	}
	return r.query(ctx, q)
}

// ListActive returns all active devices.
func (r *HTTPRegistry) ListActive(ctx context.Context) ([]engine.Device, error) {
	q := url.Values{}
	q.Set("active", "true")
	return r.query(ctx, q)
}

func (r *HTTPRegistry) query(ctx context.Context, q url.Values) ([]engine.Device, error) {
	u := r.baseURL + "/api/v1/devices"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var devices []engine.Device
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}

	return devices, nil
}
