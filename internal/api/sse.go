package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/manpreetbhatti/parley/internal/db"
	"github.com/manpreetbhatti/parley/internal/ws"
)

var keepAliveInterval = 15 * time.Second

// EventsHandler streams a room as text/event-stream: stored events from
// ?fromOffset first, then live ones. The connection carries one feed and
// ends when the client goes away or the hub stops.
func (a *API) EventsHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	from, err := ws.ParseFromOffset(r)
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := a.database.GetRoom(r.Context(), roomID); err != nil {
		a.roomError(w, err, "Failed to open feed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.errorResponse(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	feed, err := a.hub.Open(roomID, from)
	if err != nil {
		a.errorResponse(w, http.StatusServiceUnavailable, "Shutting down")
		return
	}
	defer feed.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := a.logger.With().Str("room_id", roomID).Str("remote", r.RemoteAddr).Logger()
	logger.Debug().Int64("from_offset", from).Msg("sse feed opened")

	write := func(ev db.Event) error {
		if _, err := w.Write(formatSSE(ev)); err != nil {
			return errors.Wrap(err, "write sse event")
		}
		flusher.Flush()
		return nil
	}

	ctx := r.Context()
	if err := feed.Replay(ctx, write); err != nil {
		logger.Debug().Err(err).Msg("replay aborted")
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Int64("last_offset", feed.LastSent()).Msg("sse feed closed")
			return

		case ev, ok := <-feed.Events():
			if !ok {
				return
			}
			if err := feed.Deliver(ctx, ev, write); err != nil {
				logger.Debug().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func formatSSE(ev db.Event) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %d\nevent: %s\n", ev.Offset, ev.Type)
	for _, line := range bytes.Split(ev.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}
