// Package http provides an HTTP client for the covercheck eligibility service.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	covercheck "github.com/matt-riley/covercheck/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the covercheck server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements covercheck.Checker over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var _ covercheck.Checker = (*Client)(nil)

// NewHTTPClient returns a new HTTP client for the covercheck service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("covercheck: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("covercheck: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("covercheck: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("covercheck: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("covercheck: decode response: %w", err)
	}
	return nil
}

// decodeAPIError prefers the server's {"error": "..."} message and falls back
// to the raw body.
func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// CheckEligibility posts one eligibility check. A not-eligible decision is a
// successful call.
func (c *Client) CheckEligibility(ctx context.Context, req covercheck.CheckRequest) (covercheck.Decision, error) {
	var out covercheck.Decision
	if err := c.do(ctx, http.MethodPost, "/v1/eligibility/check", req, &out); err != nil {
		return covercheck.Decision{}, err
	}
	return out, nil
}

func (c *Client) GetAuditRecord(ctx context.Context, requestID string) (covercheck.AuditRecord, error) {
	var out covercheck.AuditRecord
	if err := c.do(ctx, http.MethodGet, "/v1/eligibility/audit/"+url.PathEscape(requestID), nil, &out); err != nil {
		return covercheck.AuditRecord{}, err
	}
	return out, nil
}

// ListMemberAudit returns the member's most recent audit records. A limit of
// zero uses the server default.
func (c *Client) ListMemberAudit(ctx context.Context, memberID string, limit int) ([]covercheck.AuditRecord, error) {
	path := "/v1/members/" + url.PathEscape(memberID) + "/eligibility/audit"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Records []covercheck.AuditRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// ResolveCoverage looks up the coverage a policy grants for a service. When
// amount is set the response includes the cost share for it.
func (c *Client) ResolveCoverage(ctx context.Context, policyID, serviceCode string, amount *int64) (covercheck.Coverage, error) {
	query := url.Values{}
	query.Set("policy_id", policyID)
	query.Set("service_code", serviceCode)
	if amount != nil {
		query.Set("amount", strconv.FormatInt(*amount, 10))
	}

	var out covercheck.Coverage
	if err := c.do(ctx, http.MethodGet, "/v1/coverage?"+query.Encode(), nil, &out); err != nil {
		return covercheck.Coverage{}, err
	}
	return out, nil
}

// Rules returns the server's rule set in evaluation order.
func (c *Client) Rules(ctx context.Context) ([]covercheck.RuleInfo, error) {
	var out struct {
		Rules []covercheck.RuleInfo `json:"rules"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/rules", nil, &out); err != nil {
		return nil, err
	}
	return out.Rules, nil
}
