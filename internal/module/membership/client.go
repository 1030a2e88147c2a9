// Package membership wraps the external membership service that actually
// adds and removes identities on teams. The core only decides who goes
// where; this client carries the calls out and classifies their failures.
package membership

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// InviteResult is the per-identity outcome of an invite call.
type InviteResult struct {
	Identity string `json:"identity"`
	OK       bool   `json:"ok"`
	Reason   string `json:"reason,omitempty"`
}

// Client is the membership-service interface consumed by the dispatch
// worker and the reconciler.
type Client interface {
	// Invite asks the service to invite identities to the team and
	// returns a per-identity result.
	Invite(ctx context.Context, teamID int64, identities []string) ([]InviteResult, error)
	// Remove removes an identity from a team.
	Remove(ctx context.Context, teamID int64, identity string) (bool, error)
}

// Config holds HTTP client configuration.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// httpClient implements Client over the membership service's HTTP API,
// guarded by a circuit breaker so a dead upstream sheds load fast.
type httpClient struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	logger  *zap.Logger
}

// NewHTTPClient creates a new membership HTTP client.
func NewHTTPClient(cfg Config, logger *zap.Logger) Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	settings := gobreaker.Settings{
		Name:        "membership",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &httpClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[*http.Response](settings),
		logger:  logger.Named("membership"),
	}
}

type inviteRequest struct {
	Identities []string `json:"identities"`
}

type inviteResponse struct {
	Results []InviteResult `json:"results"`
}

type removeResponse struct {
	Removed bool `json:"removed"`
}

// Invite invites identities to a team.
func (c *httpClient) Invite(ctx context.Context, teamID int64, identities []string) ([]InviteResult, error) {
	url := fmt.Sprintf("%s/teams/%d/invites", c.cfg.BaseURL, teamID)

	body, err := json.Marshal(inviteRequest{Identities: identities})
	if err != nil {
		return nil, fmt.Errorf("marshal invite request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		c.logger.Warn("invite call rejected",
			zap.Int64("team_id", teamID),
			zap.Int("status", resp.StatusCode))
		return nil, err
	}

	var out inviteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, classify(fmt.Errorf("decode invite response: %w", err))
	}
	return out.Results, nil
}

// Remove removes an identity from a team.
func (c *httpClient) Remove(ctx context.Context, teamID int64, identity string) (bool, error) {
	url := fmt.Sprintf("%s/teams/%d/members/%s", c.cfg.BaseURL, teamID, identity)

	resp, err := c.do(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return false, err
	}

	var out removeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, classify(fmt.Errorf("decode remove response: %w", err))
	}
	return out.Removed, nil
}

// do executes one request through the circuit breaker.
func (c *httpClient) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}

		return c.http.Do(req)
	})
	if err != nil {
		// Breaker-open and transport errors are both retryable later.
		return nil, classify(err)
	}
	return resp, nil
}

// Compile-time check
var _ Client = (*httpClient)(nil)
