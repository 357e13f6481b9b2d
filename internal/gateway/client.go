// Package gateway implements the HTTP client for the remote fax gateway
// (MultiTech FaxFinder FF240.R1 web services). It normalizes responses into a
// three-way classification: accepted, transient failure, fatal failure.
package gateway

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	submitPath = "/ffws/v1/ofax"
	statusPath = "/ffws/v1/ofax/"

	// responses larger than this are truncated in logs and reasons
	maxLoggedBody = 2048
)

// Outcome classifies a submission result
type Outcome int

const (
	// OutcomeAccepted means the gateway accepted the transmission (any 2xx)
	OutcomeAccepted Outcome = iota
	// OutcomeTransient means the attempt failed but a retry may succeed
	OutcomeTransient
	// OutcomeFatal means the request content was rejected; retrying cannot help
	OutcomeFatal
)

// SubmissionResult is the normalized outcome of one gateway submission
type SubmissionResult struct {
	Outcome    Outcome
	TrackingID string
	StatusCode int
	Reason     string
}

// Config holds gateway connection settings
type Config struct {
	Host     string
	UseHTTPS bool
	Username string
	Password string
	Timeout  time.Duration
}

// Client submits transmission payloads to the fax gateway
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a gateway client
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	scheme := "http"
	if cfg.UseHTTPS {
		scheme = "https"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    fmt.Sprintf("%s://%s", scheme, cfg.Host),
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// NewClientWithBaseURL creates a client against an explicit base URL.
// Used by tests against httptest servers.
func NewClientWithBaseURL(baseURL, username, password string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Submit POSTs the transmission XML to the gateway and classifies the result.
// Network-level errors never bubble up as Go errors; they come back as
// transient failures so the caller has a single classification path.
func (c *Client) Submit(ctx context.Context, transmissionXML []byte) SubmissionResult {
	url := c.baseURL + submitPath

	// payload size is logged on every attempt: a missing document body inside
	// well-formed XML is the dominant failure mode for this integration
	c.logger.Info("Submitting fax to gateway",
		slog.String("url", url),
		slog.Int("payload_bytes", len(transmissionXML)),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(transmissionXML))
	if err != nil {
		return SubmissionResult{Outcome: OutcomeFatal, Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Accept", "application/xml")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Gateway request failed",
			slog.String("url", url),
			slog.Any("error", err),
		)
		return SubmissionResult{Outcome: OutcomeTransient, Reason: fmt.Sprintf("gateway unreachable: %v", err)}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		return SubmissionResult{
			Outcome:    OutcomeTransient,
			StatusCode: resp.StatusCode,
			Reason:     fmt.Sprintf("read gateway response: %v", readErr),
		}
	}

	c.logger.Info("Gateway response",
		slog.Int("status", resp.StatusCode),
		slog.String("body", truncate(string(body), maxLoggedBody)),
	)

	return c.classify(resp.StatusCode, body)
}

// classify maps an HTTP status plus body to a SubmissionResult. Any 2xx is
// acceptance: gateways routinely answer 201 for resource creation, and
// treating only 200 as success burns a retry attempt on an already-accepted
// submission.
func (c *Client) classify(statusCode int, body []byte) SubmissionResult {
	if statusCode >= 200 && statusCode < 300 {
		return SubmissionResult{
			Outcome:    OutcomeAccepted,
			TrackingID: parseTrackingID(body),
			StatusCode: statusCode,
		}
	}

	reason := structuredReason(body)
	if reason == "" {
		reason = fmt.Sprintf("HTTP %d", statusCode)
	} else {
		reason = fmt.Sprintf("HTTP %d: %s", statusCode, reason)
	}

	if statusCode >= 500 || statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests {
		return SubmissionResult{Outcome: OutcomeTransient, StatusCode: statusCode, Reason: reason}
	}

	return SubmissionResult{Outcome: OutcomeFatal, StatusCode: statusCode, Reason: reason}
}

// faxResponse covers the identifier shapes the gateway uses in submit and
// status responses
type faxResponse struct {
	FaxEntryURL string `xml:"fax_entry_url"`
	ID          string `xml:"id"`
	State       string `xml:"state"`
	Error       string `xml:"error"`
	Message     string `xml:"message"`
}

// parseTrackingID extracts the remote tracking id from an acceptance body.
// An empty id on a 2xx is still acceptance; the id is correlation metadata.
func parseTrackingID(body []byte) string {
	var parsed faxResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	if parsed.FaxEntryURL != "" {
		return strings.TrimSpace(parsed.FaxEntryURL)
	}
	return strings.TrimSpace(parsed.ID)
}

// structuredReason pulls a structured error reason from a failure body when
// one is present
func structuredReason(body []byte) string {
	var parsed faxResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return truncate(strings.TrimSpace(string(body)), maxLoggedBody)
	}
	if parsed.Error != "" {
		return strings.TrimSpace(parsed.Error)
	}
	if parsed.Message != "" {
		return strings.TrimSpace(parsed.Message)
	}
	return truncate(strings.TrimSpace(string(body)), maxLoggedBody)
}

// StatusInfo is the remote state of a previously submitted fax
type StatusInfo struct {
	State string
	Pages int
}

// Status fetches the remote state for a tracking id. Used by the delivery
// confirmation poller when the deployment enables it.
func (c *Client) Status(ctx context.Context, trackingID string) (*StatusInfo, error) {
	url := c.baseURL + statusPath + trackingID

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Accept", "application/xml")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway status request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read status response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway status HTTP %d: %s", resp.StatusCode, truncate(string(body), maxLoggedBody))
	}

	var parsed struct {
		State string `xml:"state"`
		Pages int    `xml:"pages"`
	}
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse status response: %w", err)
	}

	return &StatusInfo{State: strings.TrimSpace(parsed.State), Pages: parsed.Pages}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
