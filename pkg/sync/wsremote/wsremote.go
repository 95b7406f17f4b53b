// Package wsremote talks to a sync hub over a persistent websocket.
//
// Every call is a request frame matched to its response by id. The hub may
// also push change, conflict, sync_complete and error frames at any time;
// they are delivered on Notifications. A dropped connection fails the calls
// in flight with protocol.ErrDisconnected and is re-dialed with backoff.
package wsremote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	gosync "sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/internal/retry"
	"github.com/mushuanli/itookit-sub011/pkg/sync/protocol"
)

// Config holds transport settings. Zero durations take the defaults below.
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration // per call

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration

	// ReadTimeout must exceed PingInterval: the hub answers every ping, so
	// a silent connection is dead.
	ReadTimeout time.Duration

	Reconnect retry.Config
}

func (c *Config) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * c.PingInterval
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect = retry.DefaultConfig()
	}
}

const (
	sendBuffer         = 64
	notificationBuffer = 256
)

type reply struct {
	frame *protocol.Frame
	err   error
}

// conn is one established websocket and its outgoing queue.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Remote is a persistent sync transport.
type Remote struct {
	cfg    Config
	dialer *websocket.Dialer

	notifications chan protocol.Notification

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	mu      gosync.Mutex
	current *conn
	pending map[string]chan reply
	started bool
	closed  bool
}

// New creates a remote for cfg.URL. Nothing is dialed until Connect.
func New(cfg Config) *Remote {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Remote{
		cfg:           cfg,
		dialer:        &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		notifications: make(chan protocol.Notification, notificationBuffer),
		ctx:           ctx,
		cancel:        cancel,
		pending:       make(map[string]chan reply),
	}
}

// Connect dials the hub, retrying with backoff, and keeps the connection
// alive until Disconnect.
func (r *Remote) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return protocol.ErrDisconnected
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	ws, err := r.dial(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		ws.Close()
		return protocol.ErrDisconnected
	}
	r.started = true
	r.current = newConn(ws)
	r.wg.Add(1)
	go r.run(r.current)
	logger.Info("Connected to sync hub %s", r.cfg.URL)
	return nil
}

// Disconnect closes the connection, fails calls in flight with
// protocol.ErrDisconnected and closes the notification channel.
func (r *Remote) Disconnect() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.failPending(protocol.ErrDisconnected)
	close(r.notifications)
	return nil
}

// Notifications delivers unsolicited hub frames. The channel is closed by
// Disconnect.
func (r *Remote) Notifications() <-chan protocol.Notification {
	return r.notifications
}

// Push sends a batch of changes.
func (r *Remote) Push(ctx context.Context, req *protocol.PushRequest) (*protocol.PushResponse, error) {
	var resp protocol.PushResponse
	if err := r.call(ctx, protocol.MethodPush, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches changes after the request cursor.
func (r *Remote) Pull(ctx context.Context, req *protocol.PullRequest) (*protocol.PullResponse, error) {
	var resp protocol.PullResponse
	if err := r.call(ctx, protocol.MethodPull, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *Remote) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if r.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+r.cfg.Token)
	}

	var ws *websocket.Conn
	err := retry.Do(ctx, r.cfg.Reconnect, func(attempt int) error {
		c, resp, err := r.dialer.DialContext(ctx, r.cfg.URL, header)
		if err != nil {
			logger.Debug("Dial %s failed (attempt %d): %v", r.cfg.URL, attempt, err)
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return retry.Permanent(fmt.Errorf("hub rejected connection: %s", resp.Status))
			}
			return err
		}
		ws = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", r.cfg.URL, err)
	}
	return ws, nil
}

// run serves connections until Disconnect or until reconnecting fails. In
// the latter case the remote ends up closed.
func (r *Remote) run(c *conn) {
	defer r.wg.Done()

	for {
		r.serve(c)
		r.failPending(protocol.ErrDisconnected)

		if r.ctx.Err() != nil {
			return
		}
		logger.Warn("Sync hub connection lost, reconnecting")

		ws, err := r.dial(r.ctx)
		if err != nil {
			r.giveUp(err)
			return
		}
		c = newConn(ws)
		r.mu.Lock()
		r.current = c
		r.mu.Unlock()
		logger.Info("Reconnected to sync hub %s", r.cfg.URL)
	}
}

// giveUp closes the remote after reconnecting failed, as Disconnect would.
func (r *Remote) giveUp(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	logger.Error("Giving up on sync hub: %v", err)
	r.notify(protocol.Notification{
		Type: protocol.FrameError,
		Err:  &protocol.Error{Code: "DISCONNECTED", Message: err.Error()},
	})
	r.cancel()
	r.failPending(protocol.ErrDisconnected)
	close(r.notifications)
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
}

// serve runs the read and write loops of c until either fails.
func (r *Remote) serve(c *conn) {
	ws := c.ws
	defer ws.Close()

	defer func() {
		r.mu.Lock()
		if r.current == c {
			r.current = nil
		}
		r.mu.Unlock()
	}()

	var once gosync.Once
	stop := func() { once.Do(func() { close(c.done) }) }

	var loops gosync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		defer stop()
		r.writeLoop(c)
	}()
	go func() {
		defer loops.Done()
		defer stop()
		r.readLoop(c)
	}()

	select {
	case <-c.done:
	case <-r.ctx.Done():
		stop()
	}
	// Unblock the read loop.
	ws.SetReadDeadline(time.Now())
	loops.Wait()
}

func (r *Remote) writeLoop(c *conn) {
	ping, _ := json.Marshal(protocol.Frame{Type: protocol.FramePing})
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	write := func(msg []byte) error {
		c.ws.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
		return c.ws.WriteMessage(websocket.TextMessage, msg)
	}

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			if err := write(msg); err != nil {
				logger.Debug("Websocket write failed: %v", err)
				return
			}
		case <-ticker.C:
			if err := write(ping); err != nil {
				logger.Debug("Websocket ping failed: %v", err)
				return
			}
		}
	}
}

func (r *Remote) readLoop(c *conn) {
	pong, _ := json.Marshal(protocol.Frame{Type: protocol.FramePong})

	for {
		c.ws.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				logger.Debug("Websocket read failed: %v", err)
			}
			return
		}

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Warn("Dropping malformed frame from hub: %v", err)
			continue
		}

		switch f.Type {
		case protocol.FrameResponse:
			r.deliver(&f)
		case protocol.FramePing:
			select {
			case c.send <- pong:
			default:
			}
		case protocol.FramePong:
		case protocol.FrameChange, protocol.FrameConflict, protocol.FrameSyncComplete, protocol.FrameError:
			r.notify(protocol.Notification{Type: f.Type, Change: f.Change, Conflict: f.Conflict, Err: f.Error})
		default:
			logger.Debug("Ignoring %q frame from hub", f.Type)
		}
	}
}

func (r *Remote) notify(n protocol.Notification) {
	select {
	case r.notifications <- n:
	default:
		logger.Warn("Notification queue full, dropping %s frame", n.Type)
	}
}

func (r *Remote) deliver(f *protocol.Frame) {
	r.mu.Lock()
	ch, ok := r.pending[f.ID]
	delete(r.pending, f.ID)
	r.mu.Unlock()

	if !ok {
		logger.Debug("Response %s has no pending call", f.ID)
		return
	}
	ch <- reply{frame: f}
}

func (r *Remote) failPending(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]chan reply)
	r.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

func (r *Remote) call(ctx context.Context, method string, params, out any) error {
	id := ulid.Make().String()
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ch := make(chan reply, 1)
	r.mu.Lock()
	c := r.current
	switch {
	case r.closed:
		r.mu.Unlock()
		return protocol.ErrDisconnected
	case c == nil:
		r.mu.Unlock()
		return protocol.ErrNotConnected
	}
	r.pending[id] = ch
	r.mu.Unlock()

	abandon := func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}

	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()

	select {
	case c.send <- msg:
	case <-c.done:
		abandon()
		return protocol.ErrDisconnected
	case <-timer.C:
		abandon()
		return protocol.ErrTimeout
	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}

	var rep reply
	select {
	case rep = <-ch:
	case <-timer.C:
		abandon()
		return fmt.Errorf("%w: %s %s", protocol.ErrTimeout, method, id)
	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}

	if rep.err != nil {
		return rep.err
	}
	if rep.frame.Error != nil {
		return rep.frame.Error.AsError()
	}
	if err := json.Unmarshal(rep.frame.Result, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}
