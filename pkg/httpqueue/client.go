package httpqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/queuekit/queuekit/pkg/queue"
)

// Client talks the long-poll transport from the worker side. Durations are
// converted to milliseconds on the wire; a false from any fenced call means
// the lock was lost, not that the request failed.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client. Its timeout must
// exceed the longest /wait window or long-polls get cut short client-side.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewClient creates a transport client for the queue API at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Wait long-polls for a claimable job, blocking server-side up to timeout.
// Returns nil, nil when the window elapses empty.
func (c *Client) Wait(ctx context.Context, queueName string, workerID uuid.UUID, lockDuration, timeout time.Duration) (*queue.Job, error) {
	var resp jobResponse
	err := c.post(ctx, "/wait", waitRequest{
		Queue:          queueName,
		WorkerID:       workerID,
		LockDurationMs: lockDuration.Milliseconds(),
		TimeoutMs:      timeout.Milliseconds(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// Claim is the non-blocking variant of Wait.
func (c *Client) Claim(ctx context.Context, queueName string, workerID uuid.UUID, lockDuration time.Duration) (*queue.Job, error) {
	var resp jobResponse
	err := c.post(ctx, "/claim", claimRequest{
		Queue:          queueName,
		WorkerID:       workerID,
		LockDurationMs: lockDuration.Milliseconds(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// Heartbeat extends the job's lock for duration from now.
func (c *Client) Heartbeat(ctx context.Context, jobID, workerID, lockToken uuid.UUID, duration time.Duration) (bool, error) {
	var resp okResponse
	err := c.post(ctx, "/heartbeat", heartbeatRequest{
		JobID:      jobID,
		WorkerID:   workerID,
		LockToken:  lockToken,
		DurationMs: duration.Milliseconds(),
	}, &resp)
	return resp.OK, err
}

// Complete marks the job done.
func (c *Client) Complete(ctx context.Context, jobID, workerID, lockToken uuid.UUID) (bool, error) {
	var resp okResponse
	err := c.post(ctx, "/complete", completeRequest{
		JobID:     jobID,
		WorkerID:  workerID,
		LockToken: lockToken,
	}, &resp)
	return resp.OK, err
}

// Fail records a failure, consuming the attempt.
func (c *Client) Fail(ctx context.Context, jobID, workerID, lockToken uuid.UUID, errMsg string) (bool, error) {
	var resp okResponse
	err := c.post(ctx, "/fail", failRequest{
		JobID:     jobID,
		WorkerID:  workerID,
		LockToken: lockToken,
		Error:     errMsg,
	}, &resp)
	return resp.OK, err
}

// Reschedule is the rate-limit path: the job goes back to pending after
// delay with the claim-time attempt refunded. A zero delay means retry as
// soon as a worker is free, which is still distinct from a failure.
func (c *Client) Reschedule(ctx context.Context, jobID, workerID, lockToken uuid.UUID, delay time.Duration) (bool, error) {
	ms := delay.Milliseconds()
	var resp okResponse
	err := c.post(ctx, "/fail", failRequest{
		JobID:        jobID,
		WorkerID:     workerID,
		LockToken:    lockToken,
		RetryAfterMs: &ms,
	}, &resp)
	return resp.OK, err
}

// Stats returns job counts; empty queue means all queues.
func (c *Client) Stats(ctx context.Context, queueName string) (*queue.QueueStats, error) {
	u := c.baseURL + "/stats"
	if queueName != "" {
		u += "?queue=" + url.QueryEscape(queueName)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}

	var stats queue.QueueStats
	if err := c.do(req, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) post(ctx context.Context, path string, body, dst any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, dst)
}

func (c *Client) do(req *http.Request, dst any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr errorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%w: %d: %s", ErrBadStatus, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrRequestFailed, err)
	}
	return nil
}
