package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/DoyleJ11/pong-sync/internal/hub"
	"github.com/DoyleJ11/pong-sync/internal/lobby"
	"github.com/DoyleJ11/pong-sync/internal/store"
)

// Registry is the read side of the lobby manager.
type Registry interface {
	Lobbies(ctx context.Context) ([]lobby.View, error)
	Queue(ctx context.Context) (hub.QueueView, error)
}

type StatsReader interface {
	GetStats(ctx context.Context, id store.UserID) (store.Stats, error)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}

func ListLobbies(reg Registry, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views, err := reg.Lobbies(r.Context())
		if err != nil {
			log.Warn("listing lobbies", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "lobby manager unavailable")
			return
		}
		sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.Before(views[j].CreatedAt) })

		if state := r.URL.Query().Get("state"); state != "" {
			kept := views[:0]
			for _, v := range views {
				if string(v.State) == state {
					kept = append(kept, v)
				}
			}
			views = kept
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func ListQueue(reg Registry, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := reg.Queue(r.Context())
		if err != nil {
			log.Warn("listing queue", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "lobby manager unavailable")
			return
		}
		if q.Waiting == nil {
			q.Waiting = []string{}
		}
		writeJSON(w, http.StatusOK, q)
	}
}

func GetStats(s StatsReader, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid user id")
			return
		}

		st, err := s.GetStats(r.Context(), store.UserID(id))
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "user not found")
		case err != nil:
			log.Warn("reading stats", zap.Int64("user_id", id), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
		default:
			writeJSON(w, http.StatusOK, st)
		}
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
