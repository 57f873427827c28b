// Package server exposes the websocket endpoint of the streaming fabric.
package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stormglass-sec/stormglass/common/logging"
	"github.com/stormglass-sec/stormglass/stream/internal/auth"
	"github.com/stormglass-sec/stormglass/stream/internal/fabric"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	readLimit    = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The auth middleware in front of the core owns origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscribeRequest is the inbound control frame.
type subscribeRequest struct {
	Type       string `json:"type"`
	ArtifactID string `json:"artifact_id"`
	LastSeq    uint64 `json:"last_seq"`
}

// Handler serves websocket channels.
type Handler struct {
	hub      *fabric.Hub
	verifier *auth.Verifier
	log      *logging.Logger
}

// NewHandler builds the websocket handler.
func NewHandler(hub *fabric.Hub, verifier *auth.Verifier, log *logging.Logger) *Handler {
	return &Handler{hub: hub, verifier: verifier, log: log}
}

// New builds the stream router.
func New(h *Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", h.Serve)
	return mux
}

// bearerToken pulls the credential from the Authorization header or the
// token query parameter (browser websocket clients cannot set headers).
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Serve upgrades the connection and runs the channel read loop.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	claims, err := h.verifier.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WarnContext(r.Context(), "websocket upgrade failed", logging.Error(err))
		return
	}

	clientID := uuid.New().String()
	identity := fabric.Identity{UserID: claims.UserID, TenantID: claims.TenantID}
	h.hub.Register(r.Context(), clientID, identity, conn)
	defer h.hub.Unregister(clientID)

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Heartbeat keeps intermediaries from culling idle channels.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for range ticker.C {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Type != "subscribe" {
			h.hub.SendControl(clientID, &fabric.Frame{
				Type:    fabric.FrameError,
				Message: "expected subscribe frame",
			})
			continue
		}

		if err := h.hub.Subscribe(r.Context(), clientID, req.ArtifactID, req.LastSeq); err != nil {
			if err == fabric.ErrCrossTenant {
				// Authorization error frame, then the channel closes.
				h.hub.SendControl(clientID, &fabric.Frame{
					Type:       fabric.FrameError,
					ArtifactID: req.ArtifactID,
					ErrorKind:  "authorization_error",
					Message:    "artifact not accessible",
				})
				// Give the pump a moment to flush before teardown.
				time.Sleep(100 * time.Millisecond)
				return
			}
			h.hub.SendControl(clientID, &fabric.Frame{
				Type:       fabric.FrameError,
				ArtifactID: req.ArtifactID,
				ErrorKind:  "internal",
				Message:    "subscription failed",
			})
		}
	}
}
