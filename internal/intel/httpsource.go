package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/halcyonlabs/sentinel/internal/incident"
)

// HTTPSource queries a reputation API over HTTP. The API is expected to
// answer GET {endpoint}/v1/reputation?indicator=...&type=... with a JSON body
// {"indicator":..., "malicious":..., "score":..., "tags":[...]}.
type HTTPSource struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPSource creates a reputation source client.
func NewHTTPSource(endpoint, apiKey string) *HTTPSource {
	return &HTTPSource{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Lookup fetches the reputation for one indicator. Rate-limit and server
// errors are returned as errors; the correlator degrades them to unknown.
func (s *HTTPSource) Lookup(ctx context.Context, ioc incident.IOC) (*Reputation, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = "/v1/reputation"

	q := u.Query()
	q.Set("indicator", ioc.Value)
	q.Set("type", string(ioc.Kind))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("X-Api-Key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reputation lookup failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("reputation source rate limited")
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("reputation source returned %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Indicator string   `json:"indicator"`
		Malicious bool     `json:"malicious"`
		Score     int      `json:"score"`
		Tags      []string `json:"tags"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &Reputation{
		Indicator: ioc,
		Known:     true,
		Malicious: out.Malicious,
		Score:     out.Score,
		Tags:      out.Tags,
	}, nil
}
