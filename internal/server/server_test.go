package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"reconloop/internal/events"
	"reconloop/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.RecordRunStart(storage.RunRecord{ID: "run-1", Images: "imgs/*.png", ResultsDir: "out"}))
	require.NoError(t, store.RecordIteration(storage.IterationRecord{RunID: "run-1", Number: 1, IterationID: "iteration1", Profile: "base", Rate: 0.8, MaxRate: 0.8, Phase: "running"}))
	require.NoError(t, store.RecordTrialQueued(storage.TrialRecord{RunID: "run-1", TrialID: "iteration0_seed0", SeedIndex: 0, SeedValue: 0.25}))
	return store
}

func TestHealthz(t *testing.T) {
	s := NewServer(":0", nil, nil, quietLogger())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRunEndpoints(t *testing.T) {
	s := NewServer(":0", newTestStore(t), nil, quietLogger())
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []storage.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, "running", runs[0].Status)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var run storage.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "imgs/*.png", run.Images)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-1/iterations", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var iters []storage.IterationRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &iters))
	require.Len(t, iters, 1)
	assert.Equal(t, "iteration1", iters[0].IterationID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-1/trials", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var trials []storage.TrialRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trials))
	require.Len(t, trials, 1)
	assert.Equal(t, "queued", trials[0].Status)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// publishUntil keeps publishing ev until done is closed so late subscribers still see it.
func publishUntil(bus *events.Bus, ev events.Event, done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bus.Publish(ev)
		}
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	bus := events.NewBus(quietLogger())
	ts := httptest.NewServer(NewServer(":0", nil, bus, quietLogger()).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	done := make(chan struct{})
	defer close(done)
	go publishUntil(bus, events.Event{Kind: events.IterationFinished, RunID: "run-1", IterationID: "iteration2", Rate: 0.9}, done)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev events.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
		assert.Equal(t, events.IterationFinished, ev.Kind)
		assert.Equal(t, "iteration2", ev.IterationID)
		return
	}
}

func TestWebSocketDeliversEvents(t *testing.T) {
	bus := events.NewBus(quietLogger())
	ts := httptest.NewServer(NewServer(":0", nil, bus, quietLogger()).Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go publishUntil(bus, events.Event{Kind: events.SeedSelected, RunID: "run-1", IterationID: "iteration0_seed3"}, done)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.SeedSelected, ev.Kind)
	assert.Equal(t, "iteration0_seed3", ev.IterationID)
}

func TestHealthServingStatus(t *testing.T) {
	lis := bufconn.Listen(1 << 16)
	h := NewHealth("bufnet", quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	h.SetServing(true)
	resp, err = client.Check(callCtx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
