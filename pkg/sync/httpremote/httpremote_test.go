package httpremote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mushuanli/itookit-sub011/internal/retry"
	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/mushuanli/itookit-sub011/pkg/store/kv/memory"
	"github.com/mushuanli/itookit-sub011/pkg/sync/hub"
	"github.com/mushuanli/itookit-sub011/pkg/sync/protocol"
	"github.com/mushuanli/itookit-sub011/pkg/vclock"
)

var fastRetry = retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}

func newHubServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	st := store.New(memory.New())
	h := hub.New(st, hub.Config{})
	srv := httptest.NewServer(h.Handler(hub.HandlerConfig{Token: token}))
	t.Cleanup(func() {
		srv.Close()
		_ = st.Close()
	})
	return srv
}

func TestPushPull(t *testing.T) {
	srv := newHubServer(t, "secret")
	ctx := context.Background()

	r := New(Config{URL: srv.URL + "/", Token: "secret", Retry: fastRetry})
	_, err := r.Pull(ctx, &protocol.PullRequest{DeviceID: "A"})
	assert.ErrorIs(t, err, protocol.ErrNotConnected)

	require.NoError(t, r.Connect(ctx))
	assert.Nil(t, r.Notifications())

	c := store.Change{
		ID: ulid.Make().String(), Collection: protocol.CollectionTags, Key: "todo", Op: store.OpDelete,
		Clock: vclock.Clock{"A": 1}, DeviceID: "A", Timestamp: time.Now(),
	}
	pushed, err := r.Push(ctx, &protocol.PushRequest{DeviceID: "A", Changes: []store.Change{c}})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, pushed.Accepted)

	pulled, err := r.Pull(ctx, &protocol.PullRequest{DeviceID: "B"})
	require.NoError(t, err)
	require.Len(t, pulled.Changes, 1)
	assert.Equal(t, "todo", pulled.Changes[0].Key)

	_, err = r.Push(ctx, &protocol.PushRequest{})
	assert.True(t, store.IsInvalidOperation(err))

	require.NoError(t, r.Disconnect())
	_, err = r.Pull(ctx, &protocol.PullRequest{DeviceID: "A"})
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
}

func TestBadToken(t *testing.T) {
	srv := newHubServer(t, "secret")
	ctx := context.Background()

	r := New(Config{URL: srv.URL, Token: "wrong", Retry: fastRetry})
	require.NoError(t, r.Connect(ctx))

	_, err := r.Pull(ctx, &protocol.PullRequest{DeviceID: "A"})
	var we *protocol.Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "UNAUTHORIZED", we.Code)
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathHealth {
			return
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	r := New(Config{URL: srv.URL, Timeout: 50 * time.Millisecond, Retry: fastRetry})
	require.NoError(t, r.Connect(context.Background()))

	start := time.Now()
	_, err := r.Pull(context.Background(), &protocol.PullRequest{DeviceID: "A"})
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second, "timeouts are not retried")
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathHealth {
			return
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(protocol.PullResponse{Cursor: "c1"})
	}))
	defer srv.Close()

	r := New(Config{URL: srv.URL, Retry: fastRetry})
	require.NoError(t, r.Connect(context.Background()))

	resp, err := r.Pull(context.Background(), &protocol.PullRequest{DeviceID: "A"})
	require.NoError(t, err)
	assert.Equal(t, "c1", resp.Cursor)
	assert.Equal(t, int32(2), calls.Load())
}

func TestConnectFailsWhenHubIsDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r := New(Config{URL: url, Timeout: time.Second, Retry: fastRetry})
	assert.Error(t, r.Connect(context.Background()))
}

func TestDisconnectAbortsRequestsInFlight(t *testing.T) {
	entered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == PathHealth {
			return
		}
		entered <- struct{}{}
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	r := New(Config{URL: srv.URL, Timeout: 10 * time.Second, Retry: fastRetry})
	require.NoError(t, r.Connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := r.Pull(context.Background(), &protocol.PullRequest{DeviceID: "A"})
		done <- err
	}()

	<-entered
	start := time.Now()
	require.NoError(t, r.Disconnect())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, protocol.ErrDisconnected)
		assert.Less(t, time.Since(start), 2*time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("Pull still running after Disconnect")
	}

	_, err := r.Pull(context.Background(), &protocol.PullRequest{DeviceID: "A"})
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
}
