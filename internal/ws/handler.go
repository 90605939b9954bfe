// Package ws streams lobby lifecycle events to websocket observers.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/pong-sync/internal/events"
)

type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

const writeTimeout = 3 * time.Second

func Handler(feed Subscriber, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Debug("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		// Observers never send; CloseRead handles their pings and close frame.
		ctx := conn.CloseRead(r.Context())

		out, unsubscribe := feed.Subscribe(32)
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return

			case e, ok := <-out:
				if !ok {
					// too slow to keep up
					conn.Close(websocket.StatusPolicyViolation, "event feed overflow")
					return
				}
				payload, err := events.Encode(e)
				if err != nil {
					log.Error("encoding event", zap.Error(err))
					continue
				}
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err = conn.Write(wctx, websocket.MessageText, payload)
				cancel()
				if err != nil {
					return
				}
			}
		}
	}
}
