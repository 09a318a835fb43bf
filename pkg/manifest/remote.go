package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Routes served by the manifest server.
const (
	RouteList = "/manifests"
	RouteFile = "/manifests/:filename"
)

// maxManifestSize bounds a single fetched file.
const maxManifestSize = 32 << 20

// Remote is the source of manifests.
type Remote interface {
	// List returns the descriptors of every remote file.
	List(ctx context.Context) (*Listing, error)

	// Fetch returns the content of one file.
	Fetch(ctx context.Context, category Category, name string) ([]byte, error)
}

// HTTPRemote reads manifests from a manifest server.
type HTTPRemote struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRemote creates a remote for baseURL. A nil client is replaced by
// an otelhttp-instrumented default.
func NewHTTPRemote(baseURL string, client *http.Client) *HTTPRemote {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPRemote{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// List implements Remote.
func (r *HTTPRemote) List(ctx context.Context) (*Listing, error) {
	data, err := r.get(ctx, r.baseURL+RouteList)
	if err != nil {
		return nil, err
	}

	var listing Listing
	if err := json.Unmarshal(data, &listing); err != nil {
		return nil, fmt.Errorf("failed to decode manifest listing: %w", err)
	}
	return &listing, nil
}

// Fetch implements Remote.
func (r *HTTPRemote) Fetch(ctx context.Context, category Category, name string) ([]byte, error) {
	u := r.baseURL + RouteList + "/" + url.PathEscape(name) + "?category=" + url.QueryEscape(string(category))
	return r.get(ctx, u)
}

func (r *HTTPRemote) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach manifest server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: HTTP %d", req.URL.Path, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) > maxManifestSize {
		return nil, fmt.Errorf("GET %s: response exceeds %d bytes", req.URL.Path, maxManifestSize)
	}
	return data, nil
}
