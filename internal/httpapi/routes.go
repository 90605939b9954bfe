package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/pong-sync/internal/ws"
)

func SetupRoutes(reg Registry, stats StatsReader, feed ws.Subscriber, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/lobbies", ListLobbies(reg, log))
	r.Get("/queue", ListQueue(reg, log))
	r.Get("/stats/{userID}", GetStats(stats, log))
	r.Get("/ws/lobbies", ws.Handler(feed, log))
	return r
}
