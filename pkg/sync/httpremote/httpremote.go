// Package httpremote talks to a sync hub over plain HTTP requests.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/internal/retry"
	"github.com/mushuanli/itookit-sub011/pkg/sync/protocol"
)

// Paths served by the hub.
const (
	PathPush   = "/v1/push"
	PathPull   = "/v1/pull"
	PathHealth = "/health"
)

// Config holds client configuration.
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration

	// Retry applies to network failures and 5xx responses. Defaults to
	// retry.DefaultConfig().
	Retry retry.Config

	// Client overrides the HTTP client, mostly for tests.
	Client *http.Client
}

// Remote is a request/response sync transport.
type Remote struct {
	baseURL string
	token   string
	timeout time.Duration
	retry   retry.Config
	client  *http.Client

	mu        gosync.RWMutex
	connected bool
	// session is cancelled by Disconnect; every request runs under it.
	session context.Context
	end     context.CancelFunc
}

// New creates a remote for cfg.URL. No request is made until Connect.
func New(cfg Config) *Remote {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	return &Remote{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		client:  client,
	}
}

// Connect checks that the hub is reachable.
func (r *Remote) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+PathHealth, nil)
	if err != nil {
		return err
	}
	r.applyAuth(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return mapErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hub health check returned %d", resp.StatusCode)
	}

	r.mu.Lock()
	if !r.connected {
		r.session, r.end = context.WithCancel(context.Background())
		r.connected = true
	}
	r.mu.Unlock()
	logger.Info("Connected to sync hub %s", r.baseURL)
	return nil
}

// Disconnect marks the remote closed. Requests in flight fail with
// protocol.ErrDisconnected; later calls fail with protocol.ErrNotConnected.
func (r *Remote) Disconnect() error {
	r.mu.Lock()
	if r.end != nil {
		r.end()
		r.end = nil
	}
	r.connected = false
	r.mu.Unlock()
	r.client.CloseIdleConnections()
	return nil
}

// Notifications returns nil: a request/response transport has no
// unsolicited messages.
func (r *Remote) Notifications() <-chan protocol.Notification {
	return nil
}

// Push sends a batch of changes.
func (r *Remote) Push(ctx context.Context, req *protocol.PushRequest) (*protocol.PushResponse, error) {
	var resp protocol.PushResponse
	if err := r.call(ctx, PathPush, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches changes after the request cursor.
func (r *Remote) Pull(ctx context.Context, req *protocol.PullRequest) (*protocol.PullResponse, error) {
	var resp protocol.PullResponse
	if err := r.call(ctx, PathPull, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *Remote) applyAuth(req *http.Request) {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
}

func (r *Remote) call(ctx context.Context, path string, in, out any) error {
	r.mu.RLock()
	connected, session := r.connected, r.session
	r.mu.RUnlock()
	if !connected {
		return protocol.ErrNotConnected
	}

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(session, func() { cancel(protocol.ErrDisconnected) })
	defer stop()

	err = retry.Do(ctx, r.retry, func(attempt int) error {
		if attempt > 1 {
			logger.Debug("Retrying %s (attempt %d)", path, attempt)
		}
		return r.post(ctx, path, body, out)
	})
	if err != nil && errors.Is(context.Cause(ctx), protocol.ErrDisconnected) {
		return fmt.Errorf("%s: %w", path, protocol.ErrDisconnected)
	}
	return err
}

// post performs one request. Errors that retrying cannot fix are marked
// permanent.
func (r *Remote) post(ctx context.Context, path string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	r.applyAuth(req)

	resp, err := r.client.Do(req)
	if err != nil {
		err = mapErr(ctx, err)
		if errors.Is(err, protocol.ErrTimeout) {
			return retry.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return mapErr(ctx, err)
	}

	if resp.StatusCode != http.StatusOK {
		err := decodeError(resp.StatusCode, data)
		if resp.StatusCode >= 500 {
			return err
		}
		return retry.Permanent(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return retry.Permanent(fmt.Errorf("decode %s response: %w", path, err))
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var we protocol.Error
	if err := json.Unmarshal(data, &we); err == nil && we.Code != "" {
		return we.AsError()
	}
	return fmt.Errorf("hub returned %d: %s", status, strings.TrimSpace(string(data)))
}

// mapErr turns deadline errors into protocol.ErrTimeout.
func mapErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", protocol.ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", protocol.ErrTimeout, err)
	}
	return err
}
