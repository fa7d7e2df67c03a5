// Package httpremote is a remote.Remote that talks JSON over HTTP to a
// knolsync server.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/remote"
	"github.com/conorfennell/knolsync/internal/server"
)

// Client implements remote.Remote against internal/server.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

var _ remote.Remote = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a client for the server at baseURL. Timeouts come from the
// context of each call.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse sync url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("sync url %q must use http or https", baseURL)
	}
	c := &Client{base: u, http: http.DefaultClient, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "http_remote"), slog.String("host", u.Host))
	return c, nil
}

func (c *Client) Authenticate(ctx context.Context, creds remote.Credentials) (remote.Session, error) {
	var sess remote.Session
	err := c.do(ctx, "authenticate", http.MethodPost, "/v1/session", "", creds, &sess)
	return sess, err
}

func (c *Client) Pull(ctx context.Context, s remote.Session, since int64) ([]remote.Record, error) {
	var resp server.RecordsResponse
	path := "/v1/records?since=" + strconv.FormatInt(since, 10)
	if err := c.do(ctx, "pull", http.MethodGet, path, s.Token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *Client) Push(ctx context.Context, s remote.Session, changes []remote.Change) (remote.PushResult, error) {
	var res remote.PushResult
	err := c.do(ctx, "push", http.MethodPost, "/v1/changes", s.Token, server.ChangesRequest{Changes: changes}, &res)
	return res, err
}

func (c *Client) Replace(ctx context.Context, s remote.Session, cards []domain.Card) (int64, error) {
	if cards == nil {
		cards = []domain.Card{}
	}
	var resp server.ReplaceResponse
	err := c.do(ctx, "replace", http.MethodPut, "/v1/records", s.Token, server.ReplaceRequest{Cards: cards}, &resp)
	return resp.Head, err
}

func (c *Client) do(ctx context.Context, op, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return remote.Protocol(op, fmt.Errorf("failed to encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return remote.Protocol(op, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return remote.Transient(op, err)
	}
	defer resp.Body.Close()

	if err := classify(op, resp); err != nil {
		c.logger.Debug("remote call failed", "op", op, "status", resp.StatusCode, "error", err)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return remote.Protocol(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// classify maps a non-2xx status onto the remote error kinds.
func classify(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := http.StatusText(resp.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil {
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			msg = body.Error
		}
	}
	err := fmt.Errorf("%d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return remote.Auth(op, err)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return remote.Transient(op, err)
	default:
		return remote.Protocol(op, err)
	}
}
