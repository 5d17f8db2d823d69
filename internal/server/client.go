// Package server provides the HTTP client for the attendance sync server.
//
// The server is an opaque collaborator: this package only knows its wire
// format (day buckets on pull, one mutation per request on push) and how to
// classify push failures. Permanent rejections and transient outages must
// be distinguished so the sync queue can stop retrying payloads the server
// will never accept.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fieldops/attendsync/internal/record"
)

// ErrPushRejected means the server explicitly refused the payload
// (4xx-class). The mutation should not be retried indefinitely.
var ErrPushRejected = errors.New("push rejected by server")

// ErrPushUnavailable means the push failed transiently (network error or
// 5xx-class). The mutation should be retried with backoff.
var ErrPushUnavailable = errors.New("push target unavailable")

// Record is one punch as reported by the server.
type Record struct {
	Timestamp   int64            `json:"timestamp"`
	Direction   record.Direction `json:"punchDirection"`
	Status      string           `json:"attendanceStatus,omitempty"`
	LatLon      string           `json:"latLon,omitempty"`
	Address     string           `json:"address,omitempty"`
	DateOfPunch string           `json:"dateOfPunch,omitempty"`
}

// DayBucket is the server's view of one attendance day.
type DayBucket struct {
	Date          string   `json:"dateOfPunch"`
	Status        string   `json:"attendanceStatus"`
	TotalDuration string   `json:"totalDuration"` // "HH:mm"
	BreakDuration string   `json:"breakDuration"` // "HH:mm"
	Records       []Record `json:"records"`
}

// Mutation is one queued outbound change: the stored record or property
// snapshot captured at enqueue time.
type Mutation struct {
	Type      string          `json:"type"`
	EntityID  string          `json:"entityId"`
	Property  string          `json:"property,omitempty"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data"`
}

// Client is the server collaborator interface consumed by the
// reconciliation engine and the sync queue.
type Client interface {
	// FetchAttendance returns the server-side day buckets for a user,
	// optionally filtered to a "2006-01" month.
	FetchAttendance(ctx context.Context, userID, month string) ([]DayBucket, error)

	// PushMutation sends one queued mutation. Failures are classified as
	// ErrPushRejected or ErrPushUnavailable via errors.Is.
	PushMutation(ctx context.Context, m Mutation) error
}

// HTTPClient talks to the sync server over HTTP with JSON bodies.
type HTTPClient struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewHTTPClient creates a client for the given base URL.
// An empty token disables the Authorization header.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// FetchAttendance implements Client.FetchAttendance.
func (c *HTTPClient) FetchAttendance(ctx context.Context, userID, month string) ([]DayBucket, error) {
	u := fmt.Sprintf("%s/v1/users/%s/attendance", c.baseURL, url.PathEscape(userID))
	if month != "" {
		u += "?month=" + url.QueryEscape(month)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build pull request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("pull returned status %d: %s", resp.StatusCode, body)
	}

	var buckets []DayBucket
	if err := json.NewDecoder(resp.Body).Decode(&buckets); err != nil {
		return nil, fmt.Errorf("failed to decode pull response: %w", err)
	}

	return buckets, nil
}

// PushMutation implements Client.PushMutation.
//
// Response classification:
//   - 2xx: acknowledged
//   - 4xx: ErrPushRejected (the server refused this payload)
//   - 5xx or transport failure: ErrPushUnavailable (retry later)
func (c *HTTPClient) PushMutation(ctx context.Context, m Mutation) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal mutation: %w", err)
	}

	u := c.baseURL + "/v1/sync"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPushUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d: %s", ErrPushRejected, resp.StatusCode, body)
	default:
		return fmt.Errorf("%w: status %d", ErrPushUnavailable, resp.StatusCode)
	}
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
}
