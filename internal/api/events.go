package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nidhogg/nuka-swarm/internal/bus"
	"go.uber.org/zap"
)

const feedWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventFeed streams bus events as JSON text frames. Query parameters narrow
// the feed: kind (repeatable) and id. The subscription is opened before the
// upgrade so no event published after the handshake completes is missed.
func (h *Handler) eventFeed(w http.ResponseWriter, r *http.Request) {
	filter := bus.Filter{EntityID: r.URL.Query().Get("id")}
	for _, k := range r.URL.Query()["kind"] {
		filter.Kinds = append(filter.Kinds, bus.Kind(k))
	}

	ctx, cancel := context.WithCancel(h.feedCtx)
	defer cancel()

	var conn *websocket.Conn
	ready := make(chan struct{})
	name := "ws-" + uuid.NewString()
	sub := h.events.Subscribe(name, filter, func(subCtx context.Context, ev bus.Event) error {
		select {
		case <-ready:
		case <-ctx.Done():
			return nil
		case <-subCtx.Done():
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			h.logger.Debug("event feed write failed", zap.String("subscription", name), zap.Error(err))
			cancel()
		}
		return nil
	})
	defer sub.Close()

	var err error
	conn, err = upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	close(ready)

	h.logger.Info("event feed opened", zap.String("subscription", name), zap.Any("filter", filter))

	// Reading detects client disconnects; incoming frames are ignored.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()
	<-ctx.Done()
	h.logger.Info("event feed closed", zap.String("subscription", name))
}
