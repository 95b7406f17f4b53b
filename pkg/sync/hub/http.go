package hub

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/mushuanli/itookit-sub011/pkg/sync/protocol"
)

// Routes served by Handler.
const (
	PathPush   = "/v1/push"
	PathPull   = "/v1/pull"
	PathWS     = "/v1/ws"
	PathHealth = "/health"
)

const maxBodyBytes = 64 << 20

// HandlerConfig configures the HTTP front end.
type HandlerConfig struct {
	// Token, when set, must be presented as a bearer token.
	Token string

	WS WSConfig
}

// Handler exposes the hub over HTTP and websocket.
func (h *Hub) Handler(cfg HandlerConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathHealth, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("POST "+PathPush, h.authorize(cfg.Token, http.HandlerFunc(h.handlePush)))
	mux.Handle("POST "+PathPull, h.authorize(cfg.Token, http.HandlerFunc(h.handlePull)))
	mux.Handle("GET "+PathWS, h.authorize(cfg.Token, h.wsHandler(cfg.WS)))
	return mux
}

func (h *Hub) authorize(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, &protocol.Error{Code: "UNAUTHORIZED", Message: "invalid or missing token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Hub) handlePush(w http.ResponseWriter, r *http.Request) {
	var req protocol.PushRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r.Context(), protocol.MethodPush, req.DeviceID, func() (any, error) {
		return h.Push(r.Context(), &req)
	})
}

func (h *Hub) handlePull(w http.ResponseWriter, r *http.Request) {
	var req protocol.PullRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r.Context(), protocol.MethodPull, req.DeviceID, func() (any, error) {
		return h.Pull(r.Context(), &req)
	})
}

func (h *Hub) respond(w http.ResponseWriter, ctx context.Context, method, device string, call func() (any, error)) {
	res, err := h.serve(ctx, method, "http", device, call)
	if err != nil {
		writeError(w, statusOf(err), protocolError(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, &protocol.Error{Code: store.ErrInvalidOperation.String(), Message: "malformed request: " + err.Error()})
		return false
	}
	return true
}

func protocolError(err error) *protocol.Error {
	if errors.Is(err, ErrRateLimited) {
		return &protocol.Error{Code: "RATE_LIMITED", Message: err.Error()}
	}
	return protocol.ErrorFrom(err)
}

func statusOf(err error) int {
	if errors.Is(err, ErrRateLimited) {
		return http.StatusTooManyRequests
	}
	code, ok := store.CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case store.ErrNotFound:
		return http.StatusNotFound
	case store.ErrAlreadyExists, store.ErrConflict:
		return http.StatusConflict
	case store.ErrInvalidOperation:
		return http.StatusBadRequest
	case store.ErrPermissionDenied:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, e *protocol.Error) {
	writeJSON(w, status, e)
}
