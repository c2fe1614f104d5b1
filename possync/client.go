package possync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// providerClient pages through a provider's REST API at a fixed request rate.
type providerClient struct {
	provider   string
	baseURL    string
	apiKey     string
	apiKeyHdr  string
	authPrefix string
	http       *http.Client
	limiter    <-chan time.Time
}

func newProviderClient(adapter Adapter, apiKey string) (*providerClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%s api key is empty", adapter.Provider())
	}
	prefix := strings.ToUpper(adapter.Provider())

	baseURL := strings.TrimSpace(os.Getenv(prefix + "_API_BASE_URL"))
	if baseURL == "" {
		baseURL = adapter.DefaultBaseURL()
	}
	header, authPrefix := adapter.AuthHeader()
	if v := strings.TrimSpace(os.Getenv(prefix + "_API_KEY_HEADER")); v != "" {
		header, authPrefix = v, ""
	}
	rateLimitPerMin := int64(10)
	if v := strings.TrimSpace(os.Getenv(prefix + "_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &providerClient{
		provider:   adapter.Provider(),
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiKeyHdr:  header,
		authPrefix: authPrefix,
		http:       &http.Client{Timeout: 30 * time.Second},
		limiter:    time.Tick(interval),
	}, nil
}

// listResponse accepts the envelope variants the supported providers use.
type listResponse struct {
	Data       []json.RawMessage `json:"data"`
	Items      []json.RawMessage `json:"items"`
	Orders     []json.RawMessage `json:"orders"`
	NextCursor string            `json:"next_cursor"`
	Cursor     string            `json:"cursor"`
	HasMore    *bool             `json:"has_more"`
}

func (r listResponse) records() []json.RawMessage {
	switch {
	case len(r.Data) > 0:
		return r.Data
	case len(r.Items) > 0:
		return r.Items
	default:
		return r.Orders
	}
}

// next returns the cursor of the following page, or "" on the last page.
func (r listResponse) next() string {
	if r.HasMore != nil && !*r.HasMore {
		return ""
	}
	if r.NextCursor != "" {
		return r.NextCursor
	}
	return r.Cursor
}

func (c *providerClient) getList(ctx context.Context, path string, params url.Values) (listResponse, error) {
	select {
	case <-ctx.Done():
		return listResponse{}, ctx.Err()
	case <-c.limiter:
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return listResponse{}, err
	}
	req.Header.Set(c.apiKeyHdr, c.authPrefix+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return listResponse{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return listResponse{}, &apiError{
			Provider: c.provider,
			Status:   resp.StatusCode,
			Body:     strings.TrimSpace(string(body)),
		}
	}

	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return listResponse{}, err
	}
	return parsed, nil
}

type apiError struct {
	Provider string
	Status   int
	Body     string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s api error %d: %s", e.Provider, e.Status, e.Body)
}

// retryable reports whether a later attempt can succeed: throttling and
// server faults are, authentication and request errors are not.
func retryable(err error) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	return true
}
