package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	eventBuffer       = 64
	eventWriteTimeout = 10 * time.Second
)

// StreamEvents handles GET /api/v1/datasets/{dataset}/events
//
// The connection is upgraded to a websocket and receives one JSON message per
// import, automated QC run or manual review of the dataset. A dataset of "*"
// streams every dataset.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	dataset := r.PathValue("dataset")
	if dataset == "*" {
		dataset = ""
	}

	// The server write timeout would otherwise close long-lived streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	events, unsubscribe := h.Review.Hub().Subscribe(dataset, eventBuffer)
	defer unsubscribe()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	slog.Debug("event stream opened", "dataset", dataset)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("event stream closed", "dataset", dataset)
			return
		case e, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, e)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Warn("event stream write failed", "dataset", dataset, "error", err)
				}
				return
			}
		}
	}
}
