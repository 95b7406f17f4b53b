// Package protocol defines the transport-agnostic sync wire contract shared
// by the engine, its transports and the hub.
package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mushuanli/itookit-sub011/pkg/store"
)

// Version is sent by clients so the hub can reject incompatible peers.
const Version = 1

// Collections tracked by the sync engine.
const (
	CollectionNodes   = "nodes"
	CollectionTags    = "tags"
	CollectionSRS     = "srs"
	CollectionModules = "modules"
)

// AllCollections lists every collection in apply order.
var AllCollections = []string{CollectionModules, CollectionNodes, CollectionTags, CollectionSRS}

// Direction of a sync pass.
type Direction string

const (
	DirectionPush          Direction = "push"
	DirectionPull          Direction = "pull"
	DirectionBidirectional Direction = "bidirectional"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionPush, DirectionPull, DirectionBidirectional:
		return true
	}
	return false
}

// Strategy selects how unresolved conflicts are settled after a pass.
type Strategy string

const (
	StrategyLocalWins  Strategy = "local_wins"
	StrategyRemoteWins Strategy = "remote_wins"

	// StrategyLatestWins compares change timestamps taken from each
	// device's wall clock. Skewed clocks can pick the wrong winner.
	StrategyLatestWins Strategy = "latest_wins"

	StrategyManual Strategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLocalWins, StrategyRemoteWins, StrategyLatestWins, StrategyManual:
		return true
	}
	return false
}

// TimeRange bounds pulled changes by timestamp. Nil ends are open.
type TimeRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// Contains reports whether t lies within the range (inclusive).
func (r *TimeRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && t.After(*r.To) {
		return false
	}
	return true
}

// SyncRequest describes a full sync pass.
type SyncRequest struct {
	Direction          Direction  `json:"direction"`
	Scope              Scope      `json:"scope"`
	TimeRange          *TimeRange `json:"timeRange,omitempty"`
	ConflictResolution Strategy   `json:"conflictResolution"`
}

// Result summarises a sync pass.
type Result struct {
	Success   bool          `json:"success"`
	Pushed    int           `json:"pushed"`
	Pulled    int           `json:"pulled"`
	Conflicts int           `json:"conflicts"`
	Errors    []string      `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// PushRequest carries pending changes of one device.
type PushRequest struct {
	DeviceID string         `json:"deviceId"`
	Scope    Scope          `json:"scope"`
	Changes  []store.Change `json:"changes"`
}

// Conflict reports that a pushed change is concurrent with the head the hub
// already holds for the key.
type Conflict struct {
	ChangeID string       `json:"changeId"`
	Head     store.Change `json:"head"`
}

// PushResponse lists the accepted change ids and the rejected ones.
type PushResponse struct {
	Accepted  []string   `json:"accepted"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// PullRequest asks for changes after Cursor made by other devices.
type PullRequest struct {
	DeviceID  string     `json:"deviceId"`
	Scope     Scope      `json:"scope"`
	Cursor    string     `json:"cursor,omitempty"`
	TimeRange *TimeRange `json:"timeRange,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// PullResponse returns changes in hub order. More is set when Limit cut the
// batch short.
type PullResponse struct {
	Changes []store.Change `json:"changes"`
	Cursor  string         `json:"cursor"`
	More    bool           `json:"more"`
}

// Transport errors.
var (
	ErrTimeout      = errors.New("sync: request timed out")
	ErrDisconnected = errors.New("sync: transport disconnected")
	ErrNotConnected = errors.New("sync: not connected")
)

// ============================================================================
// Persistent transport framing
// ============================================================================

// FrameType tags a frame on the persistent transport.
type FrameType string

const (
	FrameRequest      FrameType = "request"
	FrameResponse     FrameType = "response"
	FrameChange       FrameType = "change"
	FrameConflict     FrameType = "conflict"
	FrameSyncComplete FrameType = "sync_complete"
	FrameError        FrameType = "error"
	FramePing         FrameType = "ping"
	FramePong         FrameType = "pong"
)

// Methods callable over the persistent transport.
const (
	MethodPush = "push"
	MethodPull = "pull"
)

// Error is the error member of a response or error frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Frame is one websocket message.
type Frame struct {
	Type   FrameType       `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`

	// Change is set on change frames; Conflict on conflict frames.
	Change   *store.Change `json:"change,omitempty"`
	Conflict *Conflict     `json:"conflict,omitempty"`
}

// Notification is an unsolicited message from the remote.
type Notification struct {
	Type     FrameType
	Change   *store.Change
	Conflict *Conflict
	Err      *Error
}

// NewRequest builds a request frame.
func NewRequest(id, method string, params any) (*Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: FrameRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a response frame carrying result or err.
func NewResponse(id string, result any, err error) *Frame {
	f := &Frame{Type: FrameResponse, ID: id}
	if err != nil {
		f.Error = ErrorFrom(err)
		return f
	}
	raw, mErr := json.Marshal(result)
	if mErr != nil {
		f.Error = &Error{Code: "INTERNAL", Message: mErr.Error()}
		return f
	}
	f.Result = raw
	return f
}

// ErrorFrom converts err into a wire error, keeping store error codes.
func ErrorFrom(err error) *Error {
	var we *Error
	if errors.As(err, &we) {
		return we
	}
	if code, ok := store.CodeOf(err); ok {
		return &Error{Code: code.String(), Message: err.Error()}
	}
	return &Error{Code: "INTERNAL", Message: err.Error()}
}

// AsError converts a wire error back into a Go error. Store codes become
// *store.StoreError so callers can use store.IsNotFound and friends.
func (e *Error) AsError() error {
	if e == nil {
		return nil
	}
	if code, ok := store.ParseErrorCode(e.Code); ok {
		return &store.StoreError{Code: code, Message: e.Message}
	}
	return e
}
