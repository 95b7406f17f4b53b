package hub

import (
	"context"
	"encoding/json"
	"net/http"
	gosync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/mushuanli/itookit-sub011/pkg/sync/protocol"
)

// WSConfig tunes websocket connections. Zero values take defaults.
type WSConfig struct {
	// ReadTimeout closes connections that send nothing, pings included,
	// for this long. Default 60s.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration // default 10s
	SendBuffer   int           // default 256 frames
}

func (c *WSConfig) applyDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 256
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 << 10,
	WriteBufferSize: 16 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn is one device connection.
type wsConn struct {
	ws   *websocket.Conn
	cfg  WSConfig
	send chan []byte
	done chan struct{}
	once gosync.Once

	mu     gosync.Mutex
	device string
}

func (c *wsConn) deviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

func (c *wsConn) setDevice(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.device = id
	c.mu.Unlock()
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue queues a frame without blocking. A connection that cannot keep
// up loses the frame; it will catch up on its next pull.
func (c *wsConn) enqueue(f *protocol.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		logger.Error("Encode %s frame: %v", f.Type, err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		logger.Warn("Send queue full for device %s, dropping %s frame", c.deviceID(), f.Type)
	}
}

func (h *Hub) wsHandler(cfg WSConfig) http.Handler {
	cfg.applyDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("Websocket upgrade failed: %v", err)
			return
		}

		c := &wsConn{ws: ws, cfg: cfg, send: make(chan []byte, cfg.SendBuffer), done: make(chan struct{})}
		unsubscribe := h.subscribe(&subscriber{
			device: c.deviceID,
			send:   c.enqueue,
			close: func() {
				c.close()
				c.ws.Close()
			},
		})
		defer unsubscribe()

		logger.Debug("Websocket connected from %s", r.RemoteAddr)
		h.serveConn(r.Context(), c)
		logger.Debug("Websocket from %s (device %s) closed", r.RemoteAddr, c.deviceID())
	})
}

func (h *Hub) serveConn(ctx context.Context, c *wsConn) {
	defer c.ws.Close()

	var wg gosync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.close()
		for {
			select {
			case <-c.done:
				return
			case msg := <-c.send:
				c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
				if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}()

	defer wg.Wait()
	defer c.close()

	for {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.enqueue(&protocol.Frame{Type: protocol.FrameError, Error: &protocol.Error{
				Code: store.ErrInvalidOperation.String(), Message: "malformed frame: " + err.Error(),
			}})
			continue
		}

		switch f.Type {
		case protocol.FramePing:
			c.enqueue(&protocol.Frame{Type: protocol.FramePong})
		case protocol.FramePong:
		case protocol.FrameRequest:
			res, err := h.dispatch(ctx, c, &f)
			resp := protocol.NewResponse(f.ID, res, nil)
			if err != nil {
				resp = &protocol.Frame{Type: protocol.FrameResponse, ID: f.ID, Error: protocolError(err)}
			}
			c.enqueue(resp)
		default:
			logger.Debug("Ignoring %q frame from device %s", f.Type, c.deviceID())
		}

		select {
		case <-c.done:
			return
		default:
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, c *wsConn, f *protocol.Frame) (any, error) {
	switch f.Method {
	case protocol.MethodPush:
		var req protocol.PushRequest
		if err := json.Unmarshal(f.Params, &req); err != nil {
			return nil, store.NewError(store.ErrInvalidOperation, "", "malformed push params: %v", err)
		}
		c.setDevice(req.DeviceID)
		return h.serve(ctx, f.Method, "ws", req.DeviceID, func() (any, error) { return h.Push(ctx, &req) })

	case protocol.MethodPull:
		var req protocol.PullRequest
		if err := json.Unmarshal(f.Params, &req); err != nil {
			return nil, store.NewError(store.ErrInvalidOperation, "", "malformed pull params: %v", err)
		}
		c.setDevice(req.DeviceID)
		return h.serve(ctx, f.Method, "ws", req.DeviceID, func() (any, error) { return h.Pull(ctx, &req) })
	}
	return nil, store.NewError(store.ErrInvalidOperation, "", "unknown method %q", f.Method)
}
