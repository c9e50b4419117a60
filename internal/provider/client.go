// SPDX-License-Identifier: MIT

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HTTPClient implements Client against a GitHub-compatible Actions API.
type HTTPClient struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient creates a provider client for the given API base URL.
// Requests are paced to stay clear of the provider's own rate limiting; the
// call budget proper is enforced by the sync engine.
func NewHTTPClient(base string) *HTTPClient {
	return &HTTPClient{
		base:    strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 5),
	}
}

type listRunnersResponse struct {
	TotalCount int `json:"total_count"`
	Runners    []struct {
		ID     int64  `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
		Busy   bool   `json:"busy"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"runners"`
}

// Runners fetches the tenant's runner list in a single call.
func (c *HTTPClient) Runners(ctx context.Context, cred Credential) ([]Runner, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := c.base + "/orgs/" + url.PathEscape(cred.Org) + "/actions/runners"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list runners for %s: %w", cred.Org, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list runners for %s: unexpected status %d", cred.Org, res.StatusCode)
	}

	var p listRunnersResponse
	if err := json.NewDecoder(res.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode runners for %s: %w", cred.Org, err)
	}

	out := make([]Runner, 0, len(p.Runners))
	for _, r := range p.Runners {
		labels := make([]string, 0, len(r.Labels))
		for _, l := range r.Labels {
			labels = append(labels, l.Name)
		}
		out = append(out, Runner{
			ExternalID: strconv.FormatInt(r.ID, 10),
			Name:       r.Name,
			Status:     r.Status,
			Busy:       r.Busy,
			Labels:     labels,
		})
	}
	return out, nil
}
