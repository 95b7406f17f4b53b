// Package sync replicates VFS changes between devices through a remote hub.
//
// Every local mutation is recorded as a change stamped with the device's
// vector clock. A pass pulls remote changes, applies the ones that descend
// from the local version of their key, records the concurrent ones as
// conflicts, then pushes pending local changes. Conflicts never fail a pass;
// they wait for a strategy or a manual ResolveConflict.
package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mushuanli/itookit-sub011/pkg/events"
	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/mushuanli/itookit-sub011/pkg/sync/protocol"
)

// Wire types re-exported for callers.
type (
	Scope     = protocol.Scope
	TimeRange = protocol.TimeRange
	Direction = protocol.Direction
	Strategy  = protocol.Strategy
	Result    = protocol.Result
)

const (
	DirectionPush          = protocol.DirectionPush
	DirectionPull          = protocol.DirectionPull
	DirectionBidirectional = protocol.DirectionBidirectional

	StrategyLocalWins  = protocol.StrategyLocalWins
	StrategyRemoteWins = protocol.StrategyRemoteWins
	StrategyLatestWins = protocol.StrategyLatestWins
	StrategyManual     = protocol.StrategyManual
)

// Transport errors.
var (
	ErrTimeout      = protocol.ErrTimeout
	ErrDisconnected = protocol.ErrDisconnected
	ErrNotConnected = protocol.ErrNotConnected
)

// Remote is a connection to the hub.
type Remote interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Push(ctx context.Context, req *protocol.PushRequest) (*protocol.PushResponse, error)
	Pull(ctx context.Context, req *protocol.PullRequest) (*protocol.PullResponse, error)

	// Notifications delivers unsolicited hub messages. Request/response
	// transports return nil.
	Notifications() <-chan protocol.Notification
}

// RemoteConfig selects the remote an engine talks to.
type RemoteConfig struct {
	// Remote is used as is when set.
	Remote Remote

	// URL is dialed when Remote is nil: http(s) URLs use request/response
	// calls, ws(s) URLs a persistent connection.
	URL string

	// Token is sent as a bearer token.
	Token string

	// Timeout bounds each request. Defaults to 30s.
	Timeout time.Duration
}

// Config describes a sync pass.
type Config struct {
	Direction Direction
	Scope     Scope
	TimeRange *TimeRange

	// ConflictResolution settles conflicts left after the pass.
	ConflictResolution Strategy

	// Policy overrides ConflictResolution when set.
	Policy Policy
}

// ChangeInput is a mutation to record. Payload is the new state of the key
// (nil for deletes).
type ChangeInput struct {
	Collection string
	Key        string
	Op         store.ChangeOp
	Payload    json.RawMessage
}

// Status of the engine.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
)

// State is a snapshot of the engine status.
type State struct {
	Status     Status
	Connected  bool
	LastSync   time.Time
	LastError  string
	LastResult *Result
}

// Adapter is the contract of a sync engine.
type Adapter interface {
	Connect(ctx context.Context, cfg RemoteConfig) error
	Disconnect() error
	Sync(ctx context.Context, cfg Config) (*Result, error)
	Push(ctx context.Context, scope Scope) (*Result, error)
	Pull(ctx context.Context, scope Scope) (*Result, error)
	GetPendingChanges(ctx context.Context, scope Scope) ([]*store.Change, error)
	TrackChange(ctx context.Context, in ChangeInput) (*store.Change, error)
	GetConflicts(ctx context.Context) ([]*store.Conflict, error)
	ResolveConflict(ctx context.Context, id string, choice store.Resolution) error
	ResolveConflictMerged(ctx context.Context, id string, payload json.RawMessage) error
	On(t events.Type, h events.Handler) func()
}

var _ Adapter = (*Engine)(nil)

// Notification aliases the wire notification and its frame types.
type Notification = protocol.Notification

const (
	FrameChange   = protocol.FrameChange
	FrameConflict = protocol.FrameConflict
	FrameError    = protocol.FrameError
)
