package hubserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agusx1211/waverun/internal/event"
	"github.com/agusx1211/waverun/internal/hub"
	"github.com/agusx1211/waverun/internal/sessionstore"
)

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server, *hub.Hub, *sessionstore.Store) {
	t.Helper()
	if opts.Hub == nil {
		opts.Hub = hub.New(hub.Options{HistorySize: 64})
	}
	if opts.Store == nil {
		opts.Store = sessionstore.NewAtPath(filepath.Join(t.TempDir(), "sessions.json"))
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	t.Cleanup(opts.Hub.Close)
	return srv, ts, opts.Hub, opts.Store
}

func streamEnvelope(sessionID, runID, line string) *event.Envelope {
	return &event.Envelope{
		Type:      event.TypeStream,
		SessionID: sessionID,
		RunID:     runID,
		Stream:    &event.StreamPayload{Channel: "stdout", Line: line},
	}
}

func TestIngestEndpoint(t *testing.T) {
	_, ts, hb, _ := newTestServer(t, Options{})

	body := `{"type":"stream","session_id":"s-1","run_id":"r-1","stream":{"channel":"stdout","line":"hello"}}`
	resp, err := http.Post(ts.URL+"/api/events", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	var ack struct {
		RunID string `json:"run_id"`
		Seq   uint64 `json:"seq"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.RunID != "r-1" || ack.Seq != 1 {
		t.Fatalf("ack = %+v", ack)
	}
	if evs := hb.History("r-1", 0); len(evs) != 1 {
		t.Fatalf("history = %d events, want 1", len(evs))
	}
}

func TestIngestRejectsMalformed(t *testing.T) {
	_, ts, hb, _ := newTestServer(t, Options{})

	cases := []string{
		`not json at all`,
		`{"type":"stream","session_id":"s-1","run_id":"r-1"}`,                           // no payload
		`{"type":"bogus","session_id":"s-1","run_id":"r-1"}`,                            // unknown type
		`{"type":"stream","run_id":"r-1","stream":{"channel":"stdout","line":"x"}}`,     // no session
		`{"type":"completed","session_id":"s-1","run_id":"r-1","stream":{"line":"x"}}`,  // wrong variant
	}
	for i, body := range cases {
		resp, err := http.Post(ts.URL+"/api/events", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("case %d: Post() error = %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("case %d: status = %d, want 400", i, resp.StatusCode)
		}
	}
	if evs := hb.History("r-1", 0); len(evs) != 0 {
		t.Fatalf("malformed events reached the stream: %+v", evs)
	}
}

func TestRunHistoryEndpoint(t *testing.T) {
	_, ts, hb, _ := newTestServer(t, Options{})

	for i := 1; i <= 3; i++ {
		if err := hb.Ingest(streamEnvelope("s-1", "r-1", fmt.Sprintf("line %d", i))); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}

	resp, err := http.Get(ts.URL + "/api/runs/r-1/events?since_seq=1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Events []event.Envelope `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Events) != 2 || out.Events[0].Seq != 2 || out.Events[1].Seq != 3 {
		t.Fatalf("events = %+v, want seq 2 and 3", out.Events)
	}

	resp2, err := http.Get(ts.URL + "/api/runs")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp2.Body.Close()
	var runs struct {
		Runs []string `json:"runs"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs.Runs) != 1 || runs.Runs[0] != "r-1" {
		t.Fatalf("runs = %v", runs.Runs)
	}
}

func TestSessionEndpoints(t *testing.T) {
	_, ts, _, st := newTestServer(t, Options{})

	state := sessionstore.StateDone
	if _, err := st.Upsert("s-1", sessionstore.Update{State: &state}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/sessions/s-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var sess sessionstore.Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.SessionID != "s-1" || sess.State != sessionstore.StateDone {
		t.Fatalf("session = %+v", sess)
	}

	resp2, err := http.Get(ts.URL + "/api/sessions/s-missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp2.StatusCode)
	}
}

func TestControlRoutesWithoutBackends(t *testing.T) {
	_, ts, _, _ := newTestServer(t, Options{})

	resp, err := http.Post(ts.URL+"/api/sessions/s-1/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stop status = %d, want 404 without a supervisor", resp.StatusCode)
	}

	resp2, err := http.Post(ts.URL+"/api/tasks/t-1/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel status = %d, want 404 without a scheduler", resp2.StatusCode)
	}
}

func TestAuthToken(t *testing.T) {
	_, ts, _, _ := newTestServer(t, Options{AuthToken: "secret"})

	resp, err := http.Get(ts.URL + "/api/runs")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without token", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/runs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d with bearer token", resp2.StatusCode)
	}

	resp3, err := http.Get(ts.URL + "/api/runs?token=secret")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("status = %d with query token", resp3.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	hb := hub.New(hub.Options{Metrics: hub.NewMetrics(reg)})
	_, ts, _, _ := newTestServer(t, Options{Hub: hb, Registry: reg})

	if err := hb.Ingest(streamEnvelope("s-1", "r-1", "x")); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("waverun_hub_events_ingested_total")) {
		t.Fatalf("metrics output missing ingest counter:\n%s", body)
	}
}

func TestWebSocketReplayThenLive(t *testing.T) {
	_, ts, hb, _ := newTestServer(t, Options{})

	for i := 1; i <= 3; i++ {
		if err := hb.Ingest(streamEnvelope("s-1", "r-1", fmt.Sprintf("early %d", i))); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events?run_id=r-1&since_seq=1"
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer ws.CloseNow()

	readEnvelope := func() event.Envelope {
		t.Helper()
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		var msg struct {
			Type string         `json:"type"`
			Data event.Envelope `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		if msg.Type != string(msg.Data.Type) {
			t.Fatalf("frame type = %q, want the event's own type %q", msg.Type, msg.Data.Type)
		}
		return msg.Data
	}

	// Replay starts after since_seq with no gap.
	if ev := readEnvelope(); ev.Seq != 2 {
		t.Fatalf("first replayed seq = %d, want 2", ev.Seq)
	}
	if ev := readEnvelope(); ev.Seq != 3 {
		t.Fatalf("second replayed seq = %d, want 3", ev.Seq)
	}

	// A live event follows the replay without duplicates.
	if err := hb.Ingest(streamEnvelope("s-1", "r-1", "live")); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	ev := readEnvelope()
	if ev.Seq != 4 || ev.Stream == nil || ev.Stream.Line != "live" {
		t.Fatalf("live event = %+v, want seq 4 'live'", ev)
	}

	// Events for other runs are filtered out: ingest one, then another for
	// the watched run, and expect only the latter.
	if err := hb.Ingest(streamEnvelope("s-9", "r-9", "other run")); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if err := hb.Ingest(streamEnvelope("s-1", "r-1", "after")); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if ev := readEnvelope(); ev.RunID != "r-1" || ev.Seq != 5 {
		t.Fatalf("filtered event = %+v, want r-1 seq 5", ev)
	}
}

func TestStartEphemeralPort(t *testing.T) {
	hb := hub.New(hub.Options{HistorySize: 8})
	t.Cleanup(hb.Close)
	store := sessionstore.NewAtPath(filepath.Join(t.TempDir(), "sessions.json"))

	srv, err := New(Options{Port: 0, Hub: hb, Store: store})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	addr := srv.Addr()
	if strings.HasSuffix(addr, ":0") {
		t.Fatalf("Addr() = %q, want the real bound port", addr)
	}

	resp, err := http.Get("http://" + addr + "/api/runs")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestNewRejectsInvalidPort(t *testing.T) {
	hb := hub.New(hub.Options{HistorySize: 8})
	t.Cleanup(hb.Close)
	store := sessionstore.NewAtPath(filepath.Join(t.TempDir(), "sessions.json"))

	if _, err := New(Options{Port: -1, Hub: hb, Store: store}); err == nil {
		t.Fatal("expected error for negative port")
	}
}
