package hubserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/agusx1211/waverun/internal/event"
)

type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// handleEventsWebSocket pushes hub events to the client. With a run_id the
// stream starts by replaying buffered history after since_seq, then continues
// live with no gaps or duplicates. Without a run_id it is live-only across
// all runs.
func (srv *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	sinceSeq, err := parseSinceSeq(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()

	// Subscribing before reading history closes the gap: anything ingested
	// during replay lands in the subscription buffer and is deduplicated by
	// seq below.
	sub := srv.hub.SubscribeBuffered(512)
	defer sub.Close()

	lastSeq := sinceSeq
	if runID != "" {
		for _, ev := range srv.hub.History(runID, sinceSeq) {
			if !writeEvent(ctx, ws, &ev) {
				return
			}
			lastSeq = ev.Seq
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			if runID != "" {
				if ev.RunID != runID {
					continue
				}
				if ev.Seq <= lastSeq {
					continue
				}
				lastSeq = ev.Seq
			}
			if !writeEvent(ctx, ws, &ev) {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, ev *event.Envelope) bool {
	data, err := json.Marshal(wsEnvelope{Type: string(ev.Type), Data: ev})
	if err != nil {
		return true
	}
	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data) == nil
}
