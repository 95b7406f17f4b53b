package wsremote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
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

var fastRetry = retry.Config{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func newHubServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := store.New(memory.New())
	h := hub.New(st, hub.Config{})
	srv := httptest.NewServer(h.Handler(hub.HandlerConfig{Token: "secret"}))
	t.Cleanup(func() {
		h.CloseConnections()
		srv.Close()
		_ = st.Close()
	})
	return srv
}

func connect(t *testing.T, url string) *Remote {
	t.Helper()
	r := New(Config{URL: url, Token: "secret", Timeout: 2 * time.Second, Reconnect: fastRetry})
	require.NoError(t, r.Connect(context.Background()))
	t.Cleanup(func() { _ = r.Disconnect() })
	return r
}

func tagChange(device string, n uint64) store.Change {
	return store.Change{
		ID: ulid.Make().String(), Collection: protocol.CollectionTags, Key: "todo", Op: store.OpUpdate,
		Payload: []byte(`{"color":"red"}`), Clock: vclock.Clock{device: n}, DeviceID: device, Timestamp: time.Now(),
	}
}

func TestPushPullAndBroadcast(t *testing.T) {
	srv := newHubServer(t)
	ctx := context.Background()
	url := wsURL(srv, hub.PathWS)

	a, b := connect(t, url), connect(t, url)

	// b identifies itself with its first request.
	_, err := b.Pull(ctx, &protocol.PullRequest{DeviceID: "B"})
	require.NoError(t, err)

	c := tagChange("A", 1)
	pushed, err := a.Push(ctx, &protocol.PushRequest{DeviceID: "A", Changes: []store.Change{c}})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, pushed.Accepted)

	select {
	case n := <-b.Notifications():
		assert.Equal(t, protocol.FrameChange, n.Type)
		require.NotNil(t, n.Change)
		assert.Equal(t, "todo", n.Change.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}

	pulled, err := b.Pull(ctx, &protocol.PullRequest{DeviceID: "B"})
	require.NoError(t, err)
	assert.Len(t, pulled.Changes, 1)

	_, err = a.Push(ctx, &protocol.PushRequest{})
	assert.True(t, store.IsInvalidOperation(err))
}

func TestRejectsBadToken(t *testing.T) {
	srv := newHubServer(t)
	r := New(Config{URL: wsURL(srv, hub.PathWS), Token: "wrong", Reconnect: fastRetry})
	assert.Error(t, r.Connect(context.Background()))
}

func TestCallsBeforeConnectAndAfterDisconnect(t *testing.T) {
	srv := newHubServer(t)
	ctx := context.Background()

	r := New(Config{URL: wsURL(srv, hub.PathWS), Token: "secret", Reconnect: fastRetry})
	_, err := r.Pull(ctx, &protocol.PullRequest{DeviceID: "A"})
	assert.ErrorIs(t, err, protocol.ErrNotConnected)

	require.NoError(t, r.Connect(ctx))
	require.NoError(t, r.Disconnect())

	_, err = r.Pull(ctx, &protocol.PullRequest{DeviceID: "A"})
	assert.ErrorIs(t, err, protocol.ErrDisconnected)

	_, ok := <-r.Notifications()
	assert.False(t, ok)
	assert.NoError(t, r.Disconnect())
}

var upgrader = websocket.Upgrader{}

// silentServer accepts connections and reads frames without answering.
func silentServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCallTimeout(t *testing.T) {
	srv := silentServer(t)
	r := New(Config{URL: wsURL(srv, "/"), Timeout: 50 * time.Millisecond, Reconnect: fastRetry})
	require.NoError(t, r.Connect(context.Background()))
	defer r.Disconnect()

	_, err := r.Pull(context.Background(), &protocol.PullRequest{DeviceID: "A"})
	assert.ErrorIs(t, err, protocol.ErrTimeout)
}

func TestDroppedConnectionFailsInFlightCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Hang up as soon as a request arrives.
		_, _, _ = ws.ReadMessage()
		ws.Close()
	}))
	defer srv.Close()

	r := New(Config{URL: wsURL(srv, "/"), Timeout: 5 * time.Second, Reconnect: fastRetry})
	require.NoError(t, r.Connect(context.Background()))
	defer r.Disconnect()

	_, err := r.Pull(context.Background(), &protocol.PullRequest{DeviceID: "A"})
	assert.ErrorIs(t, err, protocol.ErrDisconnected)
}

func TestPingIsAnswered(t *testing.T) {
	srv := newHubServer(t)
	r := New(Config{
		URL:          wsURL(srv, hub.PathWS),
		Token:        "secret",
		PingInterval: 20 * time.Millisecond,
		ReadTimeout:  200 * time.Millisecond,
		Reconnect:    fastRetry,
	})
	require.NoError(t, r.Connect(context.Background()))
	defer r.Disconnect()

	// Idle for longer than the read timeout; pongs keep the connection up.
	time.Sleep(500 * time.Millisecond)
	_, err := r.Pull(context.Background(), &protocol.PullRequest{DeviceID: "A"})
	assert.NoError(t, err)
}

func TestGivingUpOnReconnectClosesRemote(t *testing.T) {
	drop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		<-drop
		ws.Close()
	}))

	r := New(Config{URL: wsURL(srv, "/"), Timeout: time.Second, Reconnect: fastRetry})
	require.NoError(t, r.Connect(context.Background()))

	// Nothing listens any more once the live connection drops.
	srv.Close()
	close(drop)

	var got []protocol.Notification
	for n := range r.Notifications() {
		got = append(got, n)
	}
	require.Len(t, got, 1)
	assert.Equal(t, protocol.FrameError, got[0].Type)
	assert.Equal(t, "DISCONNECTED", got[0].Err.Code)

	_, err := r.Pull(context.Background(), &protocol.PullRequest{DeviceID: "A"})
	assert.ErrorIs(t, err, protocol.ErrDisconnected)
	assert.ErrorIs(t, r.Connect(context.Background()), protocol.ErrDisconnected)
	assert.NoError(t, r.Disconnect())
}
