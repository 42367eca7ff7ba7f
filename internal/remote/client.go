// Package remote talks to the peer facility of a distributed experiment
// over its east/west HTTP interface.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
)

// ErrNoExecutionID is returned when the peer accepted a run request but did
// not hand back an execution id
var ErrNoExecutionID = errors.New("remote did not return an execution id")

const (
	basePath       = "/distributed"
	defaultRetries = 5
	defaultBackoff = 5 * time.Second
)

// Client is an east/west API client for one peer
type Client struct {
	baseURL string
	http    *http.Client
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithRetries sets how often result and file downloads are attempted
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		if n > 0 {
			c.retries = n
		}
		if backoff >= 0 {
			c.backoff = backoff
		}
	}
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the peer at host:port
func New(host string, port int, opts ...Option) *Client {
	return NewWithURL(fmt.Sprintf("http://%s:%d", host, port), opts...)
}

// NewWithURL creates a client for a peer base URL
func NewWithURL(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL + basePath,
		http:    &http.Client{Timeout: 120 * time.Second},
		retries: defaultRetries,
		backoff: defaultBackoff,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "remote", "peer", baseURL)
	return c
}

// Run asks the peer to start an experiment and returns the peer's id for it
func (c *Client) Run(ctx context.Context, descriptor *domain.ExperimentDescriptor) (domain.ExecutionID, error) {
	body, err := json.Marshal(descriptor)
	if err != nil {
		return 0, err
	}
	var resp RunResponse
	if err := c.do(ctx, http.MethodPost, "/run", body, &resp); err != nil {
		return 0, err
	}
	if resp.ExecutionID == nil {
		if resp.Message != "" {
			return 0, fmt.Errorf("%w: %s", ErrNoExecutionID, resp.Message)
		}
		return 0, ErrNoExecutionID
	}
	return *resp.ExecutionID, nil
}

// GetStatus returns the peer execution's coarse status and milestones
func (c *Client) GetStatus(ctx context.Context, id domain.ExecutionID) (domain.CoarseStatus, []string, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%d/status", id), nil, &resp); err != nil {
		return domain.CoarseInit, nil, err
	}
	if !resp.Success {
		return domain.CoarseInit, nil, errors.New(resp.Message)
	}
	status, err := domain.ParseCoarseStatus(resp.Status)
	if err != nil {
		return domain.CoarseInit, nil, err
	}
	return status, resp.Milestones, nil
}

// GetValues returns every value published by the peer execution
func (c *Client) GetValues(ctx context.Context, id domain.ExecutionID) (map[string]string, error) {
	var resp ValuesResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%d/values", id), nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Message)
	}
	return resp.Values, nil
}

// GetValue returns one value published by the peer execution
func (c *Client) GetValue(ctx context.Context, id domain.ExecutionID, name string) (string, error) {
	var resp ValuesResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%d/values/%s", id, name), nil, &resp); err != nil {
		return "", err
	}
	if !resp.Success || resp.Value == nil {
		return "", errors.New(resp.Message)
	}
	return *resp.Value, nil
}

// SendPeerDetails tells the peer which local execution coordinates it
func (c *Client) SendPeerDetails(ctx context.Context, remoteID, localID domain.ExecutionID) error {
	body, err := json.Marshal(PeerDetails{ExecutionID: localID})
	if err != nil {
		return err
	}
	var resp Envelope
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/%d/peerDetails", remoteID), body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Message)
	}
	return nil
}

// GetResults downloads the telemetry of the peer execution. A peer without
// a telemetry store yields no payloads rather than an error. Transient
// failures are retried; after the last attempt the error is returned.
func (c *Client) GetResults(ctx context.Context, id domain.ExecutionID) ([]*domain.Payload, error) {
	var payloads []*domain.Payload
	err := c.retry(ctx, "results", func() error {
		var resp ResultsResponse
		if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%d/results", id), nil, &resp); err != nil {
			return err
		}
		if !resp.Success {
			if resp.Message == MessageDatabaseUnavailable {
				payloads = nil
				return nil
			}
			return errors.New(resp.Message)
		}
		payloads = resp.Payloads()
		return nil
	})
	return payloads, err
}

// GetFiles downloads the result archive of the peer execution into dir and
// returns its path
func (c *Client) GetFiles(ctx context.Context, id domain.ExecutionID, dir string) (string, error) {
	var path string
	err := c.retry(ctx, "files", func() error {
		p, err := c.download(ctx, fmt.Sprintf("/%d/files", id), dir, fmt.Sprintf("%d.zip", id))
		if err != nil {
			return err
		}
		path = p
		return nil
	})
	return path, err
}

func (c *Client) retry(ctx context.Context, what string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		c.logger.Error("remote request failed", "request", what, "attempt", attempt, "error", err)
		if attempt == c.retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", what, c.retries, err)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) download(ctx context.Context, path, dir, fallbackName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}

	name := fallbackName
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		if fn := filepath.Base(params["filename"]); fn != "" && fn != "." && fn != "/" {
			name = fn
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, name)
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", err
	}
	return dest, f.Close()
}
