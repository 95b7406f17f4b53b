package hub

import (
	"context"
	"encoding/json"
	gosync "sync"

	"github.com/mushuanli/itookit-sub011/pkg/sync/protocol"
)

// Loopback is an in-process remote bound to a hub. Requests go through JSON
// like on the wire, so callers never share memory with the hub log.
type Loopback struct {
	hub    *Hub
	device string

	mu        gosync.Mutex
	connected bool
	notes     chan protocol.Notification
	unsub     func()
}

// NewLoopback creates a disconnected remote for h.
func NewLoopback(h *Hub) *Loopback {
	return &Loopback{hub: h}
}

// Connect subscribes to hub broadcasts.
func (l *Loopback) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.connected {
		l.mu.Unlock()
		return nil
	}
	l.connected = true
	notes := make(chan protocol.Notification, 256)
	l.notes = notes
	l.mu.Unlock()

	unsub := l.hub.subscribe(&subscriber{
		device: l.deviceID,
		send: func(f *protocol.Frame) {
			l.mu.Lock()
			defer l.mu.Unlock()
			if !l.connected || l.notes != notes {
				return
			}
			select {
			case notes <- protocol.Notification{Type: f.Type, Change: f.Change, Conflict: f.Conflict, Err: f.Error}:
			default:
			}
		},
	})

	l.mu.Lock()
	l.unsub = unsub
	l.mu.Unlock()
	return nil
}

// Disconnect unsubscribes and closes the notification channel.
func (l *Loopback) Disconnect() error {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return nil
	}
	l.connected = false
	unsub := l.unsub
	l.unsub = nil
	close(l.notes)
	l.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	return nil
}

// Notifications delivers hub broadcasts while connected.
func (l *Loopback) Notifications() <-chan protocol.Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notes
}

func (l *Loopback) deviceID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.device
}

func (l *Loopback) begin(device string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return protocol.ErrNotConnected
	}
	if device != "" {
		l.device = device
	}
	return nil
}

// Push forwards a push to the hub.
func (l *Loopback) Push(ctx context.Context, req *protocol.PushRequest) (*protocol.PushResponse, error) {
	if err := l.begin(req.DeviceID); err != nil {
		return nil, err
	}
	var in protocol.PushRequest
	if err := roundTrip(req, &in); err != nil {
		return nil, err
	}
	res, err := l.hub.serve(ctx, protocol.MethodPush, "loopback", in.DeviceID, func() (any, error) {
		return l.hub.Push(ctx, &in)
	})
	if err != nil {
		return nil, err
	}
	var out protocol.PushResponse
	return &out, roundTrip(res, &out)
}

// Pull forwards a pull to the hub.
func (l *Loopback) Pull(ctx context.Context, req *protocol.PullRequest) (*protocol.PullResponse, error) {
	if err := l.begin(req.DeviceID); err != nil {
		return nil, err
	}
	var in protocol.PullRequest
	if err := roundTrip(req, &in); err != nil {
		return nil, err
	}
	res, err := l.hub.serve(ctx, protocol.MethodPull, "loopback", in.DeviceID, func() (any, error) {
		return l.hub.Pull(ctx, &in)
	})
	if err != nil {
		return nil, err
	}
	var out protocol.PullResponse
	return &out, roundTrip(res, &out)
}

func roundTrip(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
