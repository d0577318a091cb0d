// Package httpapi exposes the request/response room operations: create,
// join, and check. Realtime traffic goes over the signaling WebSocket; this
// surface exists for page loads and link sharing.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meetflow/rtc/internal/auth"
	"github.com/meetflow/rtc/internal/config"
	"github.com/meetflow/rtc/internal/httpserver"
	"github.com/meetflow/rtc/internal/metrics"
	"github.com/meetflow/rtc/internal/room"
)

type Handler struct {
	cfg      config.Config
	log      *slog.Logger
	registry room.Registry
	verifier auth.Verifier
	metrics  *metrics.Metrics
}

func NewHandler(cfg config.Config, log *slog.Logger, registry room.Registry, m *metrics.Metrics) (*Handler, error) {
	h := &Handler{
		cfg:      cfg,
		log:      log,
		registry: registry,
		metrics:  m,
	}
	if cfg.AuthMode != config.AuthModeNone {
		v, err := auth.NewVerifier(cfg)
		if err != nil {
			return nil, err
		}
		h.verifier = v
	}
	return h, nil
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.identity)

	r.Post("/create-room", h.createRoom)
	r.Post("/join-room", h.joinRoom)
	r.Get("/check-room/{roomID}", h.checkRoom)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpserver.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpserver.WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	})

	return r
}

type ctxKey int

const userIDKey ctxKey = 0

// identity authenticates the request and stores the caller's user ID on the
// context. A credential that names a user wins; otherwise the X-User-ID
// header is honored, and a fresh ID is minted as the last resort.
func (h *Handler) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := ""
		if h.verifier != nil {
			cred, err := auth.CredentialFromRequest(h.cfg.AuthMode, r)
			if err != nil {
				httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing credentials"})
				return
			}
			userID, err = h.verifier.Verify(cred)
			if err != nil {
				httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
				return
			}
		}
		if userID == "" {
			userID = r.Header.Get("X-User-ID")
		}
		if userID == "" {
			userID = uuid.NewString()
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func callerID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	rm, err := h.registry.Create(r.Context(), callerID(r.Context()))
	if err != nil {
		h.log.Error("create room failed", "err", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to create room"})
		return
	}
	h.metrics.Inc(metrics.EventRoomsCreated)
	h.log.Info("room created", "roomId", rm.ID, "creator", rm.Creator)
	httpserver.WriteJSON(w, http.StatusCreated, map[string]any{"roomId": rm.ID})
}

func (h *Handler) joinRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID string `json:"roomId"`
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.RoomID == "" {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	existing, err := h.registry.Join(r.Context(), req.RoomID, callerID(r.Context()))
	if err != nil {
		if errors.Is(err, room.ErrNotFound) {
			httpserver.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "room not found"})
			return
		}
		h.log.Error("join room failed", "roomId", req.RoomID, "err", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to join room"})
		return
	}
	h.metrics.Inc(metrics.EventRoomJoins)
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"roomId":        req.RoomID,
		"existingUsers": existing,
	})
}

func (h *Handler) checkRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	rm, err := h.registry.Lookup(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, room.ErrNotFound) {
			httpserver.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "room not found"})
			return
		}
		h.log.Error("room lookup failed", "roomId", roomID, "err", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to look up room"})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, rm)
}
