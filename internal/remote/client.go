package remote

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fruitsalade/boxfs/internal/logging"
	"github.com/fruitsalade/boxfs/internal/metrics"
	"github.com/fruitsalade/boxfs/internal/models"
	"github.com/fruitsalade/boxfs/internal/retry"
)

// Client talks to a boxfs-compatible REST API with retry and bearer auth.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	authToken   string

	mu       sync.RWMutex
	online   bool
	lastPing time.Time
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
}

var _ Store = (*Client)(nil)

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		online:      true,
		authToken:   cfg.AuthToken,
	}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// IsOnline returns true if the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("Remote store is back online", logging.String("url", c.baseURL))
		} else {
			logging.Error("Remote store is offline", logging.String("url", c.baseURL))
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setOnline(false)
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	c.setOnline(true)
	return nil
}

// send issues one request inside the retry loop and returns the response if
// its status is one of want. The caller closes the body.
func (c *Client) send(ctx context.Context, op, method, path string, body []byte, want ...int) (*http.Response, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() (*http.Response, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.ContentLength = int64(len(body))
			req.Header.Set("Content-Type", "application/octet-stream")
		}
		req.Header.Set("Accept-Encoding", "gzip")
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return nil, retry.Retryable(err)
		}

		for _, code := range want {
			if resp.StatusCode == code {
				c.setOnline(true)
				return resp, nil
			}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			c.setOnline(false)
			return nil, retry.Retryable(fmt.Errorf("%s: server error: %d", op, resp.StatusCode))
		}
		c.setOnline(true)
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		var errResp ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("%s failed: %s", op, errResp.Error)
		}
		return nil, fmt.Errorf("%s failed: %d", op, resp.StatusCode)
	})
}

// Folder fetches a folder and its direct children.
func (c *Client) Folder(ctx context.Context, id string) (_ *models.Node, err error) {
	defer Observe("folder", time.Now(), &err)

	resp, err := c.send(ctx, "folder", "GET", "/api/v1/folders/"+url.PathEscape(id), nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	rc, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var fr FolderResponse
	if err := json.NewDecoder(rc).Decode(&fr); err != nil {
		return nil, fmt.Errorf("decode folder %s: %w", id, err)
	}
	return fr.Node(), nil
}

// Download fetches the full content of a file.
func (c *Client) Download(ctx context.Context, id string) (_ io.ReadCloser, err error) {
	defer Observe("download", time.Now(), &err)

	resp, err := c.send(ctx, "download", "GET", "/api/v1/files/"+url.PathEscape(id)+"/content", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	rc, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	return Metered(rc), nil
}

// Upload creates a new file named name under parentID.
func (c *Client) Upload(ctx context.Context, parentID, name string, data []byte) (_ string, err error) {
	defer Observe("upload", time.Now(), &err)

	path := "/api/v1/folders/" + url.PathEscape(parentID) + "/files?name=" + url.QueryEscape(name)
	resp, err := c.send(ctx, "upload", "POST", path, nonNil(data), http.StatusCreated, http.StatusOK)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var cr CreatedResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	metrics.RecordUpload(int64(len(data)))
	return cr.ID, nil
}

// Overwrite replaces the content of file id.
func (c *Client) Overwrite(ctx context.Context, id, name string, data []byte) (err error) {
	defer Observe("overwrite", time.Now(), &err)

	path := "/api/v1/files/" + url.PathEscape(id) + "/content?name=" + url.QueryEscape(name)
	resp, err := c.send(ctx, "overwrite", "PUT", path, nonNil(data), http.StatusOK, http.StatusNoContent, http.StatusCreated)
	if err != nil {
		return err
	}
	resp.Body.Close()
	metrics.RecordUpload(int64(len(data)))
	return nil
}

// Delete removes a folder (with its contents) or a file.
func (c *Client) Delete(ctx context.Context, kind models.Kind, id string) (err error) {
	defer Observe("delete", time.Now(), &err)

	path := "/api/v1/files/" + url.PathEscape(id)
	if kind == models.KindFolder {
		path = "/api/v1/folders/" + url.PathEscape(id)
	}
	resp, err := c.send(ctx, "delete", "DELETE", path, nil, http.StatusOK, http.StatusNoContent)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// CreateFolder creates a sub-folder named name under parentID.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (_ string, err error) {
	defer Observe("create_folder", time.Now(), &err)

	path := "/api/v1/folders/" + url.PathEscape(parentID) + "/folders?name=" + url.QueryEscape(name)
	resp, err := c.send(ctx, "mkdir", "POST", path, nil, http.StatusCreated, http.StatusOK)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var cr CreatedResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decode mkdir response: %w", err)
	}
	return cr.ID, nil
}

// nonNil keeps empty uploads from being sent without a body.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	if resp.Header.Get("Content-Encoding") != "gzip" {
		return resp.Body, nil
	}
	gr, err := gzip.NewReader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	return &gzipReadCloser{gr: gr, body: resp.Body}, nil
}

type gzipReadCloser struct {
	gr   *gzip.Reader
	body io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) {
	return g.gr.Read(p)
}

func (g *gzipReadCloser) Close() error {
	g.gr.Close()
	return g.body.Close()
}
