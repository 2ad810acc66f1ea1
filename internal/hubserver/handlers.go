package hubserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/agusx1211/waverun/internal/event"
	"github.com/agusx1211/waverun/internal/hub"
	"github.com/agusx1211/waverun/internal/sessionstore"
)

const maxIngestBody = 1 << 20 // 1 MiB

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// handleIngest accepts one JSON envelope per request. Malformed bodies are
// rejected with 400 and never reach subscribers.
func (srv *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	ev, err := event.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := srv.hub.Ingest(ev); err != nil {
		if errors.Is(err, hub.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "hub is closed")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": ev.RunID,
		"seq":    ev.Seq,
	})
}

func (srv *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs := srv.hub.Runs()
	sort.Strings(runs)
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (srv *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	sinceSeq, err := parseSinceSeq(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evs := srv.hub.History(runID, sinceSeq)
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "events": evs})
}

func parseSinceSeq(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("since_seq")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("since_seq must be an unsigned integer")
	}
	return n, nil
}

func (srv *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := srv.store.ReadAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]sessionstore.Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, sessions[id])
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (srv *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	sess, err := srv.store.Read(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, sessionstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (srv *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if srv.sup == nil {
		writeError(w, http.StatusNotFound, "no supervisor on this server")
		return
	}
	if err := srv.sup.SoftStop(r.PathValue("id")); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (srv *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	if srv.sup == nil {
		writeError(w, http.StatusNotFound, "no supervisor on this server")
		return
	}
	if err := srv.sup.ForceKill(r.PathValue("id")); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "killed"})
}

type resumeRequest struct {
	Payload string `json:"payload"`
}

func (srv *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	if srv.sup == nil {
		writeError(w, http.StatusNotFound, "no supervisor on this server")
		return
	}
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parsing body: "+err.Error())
		return
	}
	h, err := srv.sup.Resume(r.Context(), r.PathValue("id"), req.Payload)
	if err != nil {
		if errors.Is(err, sessionstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": h.SessionID(),
		"run_id":     h.RunID(),
	})
}

func (srv *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if srv.sched == nil {
		writeError(w, http.StatusNotFound, "no scheduler on this server")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":    srv.sched.Status(),
		"capacity": srv.sched.Capacity(),
	})
}

func (srv *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if srv.sched == nil {
		writeError(w, http.StatusNotFound, "no scheduler on this server")
		return
	}
	if err := srv.sched.Cancel(r.PathValue("id")); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}
