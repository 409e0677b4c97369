package replays

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"replaycore/internal/agent"
	"replaycore/internal/blob"
	"replaycore/internal/core"
	"replaycore/internal/infra/persistence/memory"
	"replaycore/pkg/domain"
)

type fixture struct {
	engine *core.Engine
	blob   blob.Store
	events *core.Broadcaster
	server *httptest.Server
}

func newFixture(t *testing.T, a domain.Agent) *fixture {
	t.Helper()
	return newFixtureOn(t, a, blob.NewMemory())
}

func newFixtureOn(t *testing.T, a domain.Agent, store blob.Store) *fixture {
	t.Helper()
	events := core.NewBroadcaster()
	if a == nil {
		a = agent.NewBaselineAgent(agent.Options{Capacity: 100, Seed: 1})
	}
	e, err := core.NewEngine(core.Dependencies{
		Blob:          store,
		Agent:         a,
		Stats:         memory.NewStore(),
		Notifier:      events,
		PlaybackDelay: time.Millisecond,
	})
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	h := NewHandler(e, events, nil)
	h.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, e.Close(ctx))
		events.Close()
	})
	return &fixture{engine: e, blob: store, events: events, server: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestHealthMetricsAndUnknownRoutes(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])

	code, _ = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodGet, "/elsewhere", "")
	require.Equal(t, http.StatusNotFound, code)

	code, body = f.do(t, http.MethodPatch, "/api/v1/replays", "")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "endpoint not found", body["error"])
}

func TestRecordSaveLoadOverHTTP(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodPost, "/api/v1/recording/start", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "recording", body["status"])

	for i := 0; i < 3; i++ {
		step := map[string]any{"state": []float64{float64(i), 1}, "action": i, "reward": 1.5, "next_state": []float64{float64(i + 1), 1}, "done": i == 2}
		raw, _ := json.Marshal(step)
		code, body = f.do(t, http.MethodPost, "/api/v1/recording/steps", string(raw))
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, true, body["recorded"])
	}
	require.NotNil(t, body["stopped"], "a done step closes the episode")

	code, body = f.do(t, http.MethodPost, "/api/v1/replays", `{"filename":"demo"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "demo.json", body["filename"])

	code, body = f.do(t, http.MethodGet, "/api/v1/replays", "")
	require.Equal(t, http.StatusOK, code)
	replays := body["replays"].([]any)
	require.Len(t, replays, 1)
	require.Equal(t, "demo.json", replays[0].(map[string]any)["filename"])

	code, body = f.do(t, http.MethodPost, "/api/v1/replays/demo.json/load", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, core.ReplayLoaded, body["status"])
	require.EqualValues(t, 3, body["steps"])

	code, body = f.do(t, http.MethodGet, "/api/v1/screens/ep0_step1", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ep0_step1", body["screen_id"])
	require.EqualValues(t, 1, body["action"])

	code, _ = f.do(t, http.MethodGet, "/api/v1/screens/ep4_step0", "")
	require.Equal(t, http.StatusNotFound, code)

	code, body = f.do(t, http.MethodPost, "/api/v1/screens/preload", `{"currentId":"ep0_step0","count":4}`)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "preloaded", "a warm cache may preload nothing")

	code, _ = f.do(t, http.MethodPut, "/api/v1/replays/demo.json/objects", `{"objectPositions":[{"name":"cube","position":[1,2,3]}]}`)
	require.Equal(t, http.StatusOK, code)
	code, body = f.do(t, http.MethodGet, "/api/v1/replays/demo.json/objects", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["objectPositions"], 1)

	code, body = f.do(t, http.MethodPost, "/api/v1/training/memory", "")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 3, body["transitions"])

	code, body = f.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 3, body["agentMemory"])

	code, _ = f.do(t, http.MethodDelete, "/api/v1/replays/demo.json", "")
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodDelete, "/api/v1/replays/demo.json", "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestErrorStatusMapping(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.blob.Put(context.Background(), "broken.json", strings.NewReader("{oops"), blob.PutOptions{})
	require.NoError(t, err)
	_, _ = f.do(t, http.MethodPost, "/api/v1/recording/start", "")

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed json", http.MethodPost, "/api/v1/replays", "{", http.StatusBadRequest},
		{"unsupported state", http.MethodPost, "/api/v1/recording/steps", `{"state":"high","next_state":[1]}`, http.StatusBadRequest},
		{"empty save", http.MethodPost, "/api/v1/replays", `{}`, http.StatusBadRequest},
		{"invalid name", http.MethodPost, "/api/v1/replays/..json/load", "", http.StatusBadRequest},
		{"missing replay", http.MethodPost, "/api/v1/replays/ghost.json/load", "", http.StatusNotFound},
		{"corrupt replay", http.MethodPost, "/api/v1/replays/broken.json/load", "", http.StatusUnprocessableEntity},
		{"missing playback", http.MethodPost, "/api/v1/playback/start", `{"filename":"ghost"}`, http.StatusNotFound},
		{"insufficient samples", http.MethodPost, "/api/v1/training/start", `{"episodes":1,"batchSize":8}`, http.StatusConflict},
		{"link for missing replay", http.MethodGet, "/api/v1/replays/ghost.json/url", "", http.StatusNotFound},
		{"link on memory driver", http.MethodGet, "/api/v1/replays/broken.json/url", "", http.StatusNotImplemented},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := f.do(t, tc.method, tc.path, tc.body)
			require.Equal(t, tc.want, code, "body: %v", body)
			require.NotEmpty(t, body["error"])
		})
	}
}

func TestReplayDownloadLink(t *testing.T) {
	store, err := blob.NewFilesystem(t.TempDir(), nil)
	require.NoError(t, err)
	f := newFixtureOn(t, nil, store)

	_, _ = f.do(t, http.MethodPost, "/api/v1/recording/start", "")
	code, _ := f.do(t, http.MethodPost, "/api/v1/recording/steps", `{"state":[1],"action":0,"reward":1,"next_state":[2],"done":true}`)
	require.Equal(t, http.StatusOK, code)
	code, body := f.do(t, http.MethodPost, "/api/v1/replays", `{"filename":"linked"}`)
	require.Equal(t, http.StatusOK, code, "body: %v", body)

	code, body = f.do(t, http.MethodGet, "/api/v1/replays/linked/url", "")
	require.Equal(t, http.StatusOK, code, "body: %v", body)
	require.Equal(t, "linked.json", body["filename"])
	link, _ := body["url"].(string)
	require.True(t, strings.HasPrefix(link, "file://"), link)
	require.True(t, strings.HasSuffix(link, "/linked.json"), link)
	require.NotEmpty(t, body["expiresAt"])
}

type gatedAgent struct {
	mem     *agent.ReplayBuffer
	release chan struct{}
	once    sync.Once
}

func (g *gatedAgent) Memory() domain.MemorySink { return g.mem }

func (g *gatedAgent) TrainBatch(ctx context.Context, _ int) (domain.TrainStats, error) {
	select {
	case <-g.release:
		return domain.TrainStats{Loss: 1}, nil
	case <-ctx.Done():
		return domain.TrainStats{}, ctx.Err()
	}
}

func (g *gatedAgent) open() { g.once.Do(func() { close(g.release) }) }

func TestTrainingStartIsIdempotentWhileRunning(t *testing.T) {
	g := &gatedAgent{mem: agent.NewReplayBuffer(4), release: make(chan struct{})}
	g.mem.Add(domain.Transition{Reward: 1})
	f := newFixture(t, g)
	t.Cleanup(g.open)

	code, body := f.do(t, http.MethodPost, "/api/v1/training/start", `{"episodes":2,"batchSize":1}`)
	require.Equal(t, http.StatusOK, code)
	first := body["training"].(map[string]any)["runId"]

	code, body = f.do(t, http.MethodPost, "/api/v1/training/start", `{"episodes":5,"batchSize":1}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["alreadyRunning"])
	require.Equal(t, first, body["training"].(map[string]any)["runId"])

	g.open()
	code, _ = f.do(t, http.MethodPost, "/api/v1/training/stop", "")
	require.Equal(t, http.StatusOK, code)

	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/api/v1/training/runs?limit=5", "")
		runs, _ := body["runs"].([]any)
		return len(runs) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPlaybackSpeedRoute(t *testing.T) {
	f := newFixture(t, nil)
	code, body := f.do(t, http.MethodPut, "/api/v1/playback/speed", `{"speed":50}`)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 10, body["speed"])

	code, body = f.do(t, http.MethodPost, "/api/v1/playback/stop", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["stopped"])
}
