package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skylapse/brain/internal/clock"
	"github.com/skylapse/brain/internal/config"
	"github.com/skylapse/brain/internal/nodeclient"
	"github.com/skylapse/brain/internal/queue"
	"github.com/skylapse/brain/internal/solar"
	"github.com/skylapse/brain/internal/store"
	"github.com/skylapse/brain/pkg/cache"
	"github.com/skylapse/brain/pkg/events"
)

type testHarness struct {
	scheduler *Scheduler
	sessions  *store.Store
	configSt  *config.Store
	clk       *clock.Virtual
	captures  chan string
}

func newTestHarness(t *testing.T, cfg config.Config, nodeHost string, nodePort int) *testHarness {
	t.Helper()
	return newTestHarnessWithMeterTTL(t, cfg, nodeHost, nodePort, 15*time.Second)
}

func newTestHarnessWithMeterTTL(t *testing.T, cfg config.Config, nodeHost string, nodePort int, meterTTL time.Duration) *testHarness {
	t.Helper()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	data, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfgPath, data, 0o644))

	configSt, err := config.NewStore(cfgPath, nil)
	require.NoError(t, err)

	sessions, err := store.Open(filepath.Join(dir, "brain.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	bus := events.NewBus(zap.NewNop())
	jobs := queue.New(redisClient, bus, 10*time.Minute, 3, nil)

	meterCache := NewMeterCache(&cache.Cache{Client: redisClient}, meterTTL)

	solarCalc := solar.NewCalculator()
	nodes := NewNodePool(nil)
	nodes.Sync(cfg.Nodes)

	clk := clock.NewVirtual(time.Date(2025, 10, 2, 6, 0, 0, 0, time.UTC))

	sched := New(configSt, sessions, jobs, solarCalc, nodes, meterCache, clk, bus, nil)

	return &testHarness{scheduler: sched, sessions: sessions, configSt: configSt, clk: clk}
}

func timeOfDayConfig(nodeHost string, nodePort int) config.Config {
	return config.Config{
		Location: config.Location{Latitude: 39.7392, Longitude: -104.9903, Timezone: "UTC"},
		Profiles: []config.Profile{
			{ID: "p1", Name: "default", MeteringMode: config.MeteringMatrix, AWBMode: config.AWBAuto, ISO: 0, Shutter: "auto"},
		},
		Schedules: []config.Schedule{
			{
				ID:              "daytime",
				Enabled:         true,
				Type:            config.ScheduleTimeOfDay,
				Start:           "05:00",
				End:             "19:00",
				IntervalSeconds: 1,
				Profiles:        []string{"p1"},
			},
		},
		Nodes: []config.Node{
			{ID: "n1", Host: nodeHost, Port: nodePort, Role: config.RolePrimary},
		},
		Scheduler: config.SchedulerSettings{MaxParallelCaptures: 2},
	}
}

func splitHostPort(url string) (string, int) {
	trimmed := strings.TrimPrefix(url, "http://")
	idx := strings.LastIndex(trimmed, ":")
	port, _ := strconv.Atoi(trimmed[idx+1:])
	return trimmed[:idx], port
}

func TestScheduler_EntersWindowOpensSessionAndCaptures(t *testing.T) {
	var captureCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/capture":
			captureCount++
			json.NewEncoder(w).Encode(nodeclient.CaptureResponse{Status: "ok", Filename: "frame_001.jpg", SettingsApplied: map[string]interface{}{"iso": 0}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	host, port := splitHostPort(srv.URL)
	cfg := timeOfDayConfig(host, port)
	h := newTestHarness(t, cfg, host, port)

	ctx := context.Background()
	h.scheduler.runTick(ctx, h.clk.Now(), time.Second)

	sessionID := store.SessionKey("p1", "daytime", "2025-10-02")
	sess, err := h.sessions.GetSession(sessionID)
	require.NoError(t, err)
	require.Equal(t, store.SessionActive, sess.Status)
	require.Greater(t, captureCount, 0)
	require.Equal(t, sess.CaptureCount, captureCount)
}

func TestScheduler_LeavingWindowClosesSessionAndEnqueues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(nodeclient.CaptureResponse{Status: "ok", Filename: "frame_001.jpg"})
	}))
	defer srv.Close()

	host, port := splitHostPort(srv.URL)
	cfg := timeOfDayConfig(host, port)
	h := newTestHarness(t, cfg, host, port)

	ctx := context.Background()
	h.scheduler.runTick(ctx, h.clk.Now(), time.Second)

	sessionID := store.SessionKey("p1", "daytime", "2025-10-02")
	sess, err := h.sessions.GetSession(sessionID)
	require.NoError(t, err)
	require.Equal(t, store.SessionActive, sess.Status)

	h.clk.Set(time.Date(2025, 10, 2, 20, 0, 0, 0, time.UTC))
	h.scheduler.runTick(ctx, h.clk.Now(), time.Second)

	closedSess, err := h.sessions.GetSession(sessionID)
	require.NoError(t, err)
	require.Equal(t, store.SessionClosed, closedSess.Status)
}

func shortWindowConfig(nodeHost string, nodePort int) config.Config {
	cfg := timeOfDayConfig(nodeHost, nodePort)
	cfg.Schedules[0].Start = "05:00"
	cfg.Schedules[0].End = "05:01"
	return cfg
}

func TestScheduler_ShortWindowOpensAndClosesInOneTick(t *testing.T) {
	var captureCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/capture":
			captureCount++
			json.NewEncoder(w).Encode(nodeclient.CaptureResponse{Status: "ok", Filename: "frame_001.jpg", SettingsApplied: map[string]interface{}{"iso": 0}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	host, port := splitHostPort(srv.URL)
	cfg := shortWindowConfig(host, port)
	h := newTestHarness(t, cfg, host, port)

	// Jump straight past the 05:00-05:01 window without ever ticking while it
	// was open, simulating a tick_interval wider than the window itself.
	h.clk.Set(time.Date(2025, 10, 2, 6, 0, 0, 0, time.UTC))
	h.scheduler.runTick(context.Background(), h.clk.Now(), 5*time.Minute)

	sessionID := store.SessionKey("p1", "daytime", "2025-10-02")
	sess, err := h.sessions.GetSession(sessionID)
	require.NoError(t, err)
	require.Equal(t, store.SessionClosed, sess.Status)
	require.Greater(t, captureCount, 0)
	require.Equal(t, sess.CaptureCount, captureCount)

	// A second tick the same day must not reopen or recapture the window.
	capturesAfterFirstTick := captureCount
	h.scheduler.runTick(context.Background(), h.clk.Now(), 5*time.Minute)
	require.Equal(t, capturesAfterFirstTick, captureCount)
	sess2, err := h.sessions.GetSession(sessionID)
	require.NoError(t, err)
	require.Equal(t, store.SessionClosed, sess2.Status)
}

func smoothingConfig(nodeHost string, nodePort int) config.Config {
	cfg := timeOfDayConfig(nodeHost, nodePort)
	cfg.Profiles[0].ISO = 400
	cfg.Profiles[0].Shutter = "auto"
	cfg.Profiles[0].AdaptiveWBCurve = []config.WBCurvePoint{
		{LuxThreshold: 0, TempKelvin: 3000},
		{LuxThreshold: 1000, TempKelvin: 6000},
	}
	cfg.Schedules[0].Smoothing = config.Smoothing{Enabled: true, Alpha: 0.5, MaxStepEV: 10, WindowSize: 3}
	return cfg
}

func TestScheduler_SmoothingBlendsTowardPriorFrame(t *testing.T) {
	var lux float64
	var wbTemps []float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/meter":
			json.NewEncoder(w).Encode(nodeclient.MeterReading{LuxValue: lux, SuggestedShutter: "1/500"})
		case "/capture":
			var req nodeclient.CaptureRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.NotNil(t, req.WBTemperature)
			wbTemps = append(wbTemps, *req.WBTemperature)
			json.NewEncoder(w).Encode(nodeclient.CaptureResponse{Status: "ok", Filename: "frame.jpg"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	host, port := splitHostPort(srv.URL)
	cfg := smoothingConfig(host, port)
	h := newTestHarness(t, cfg, host, port)

	ctx := context.Background()

	lux = 0
	h.scheduler.runTick(ctx, h.clk.Now(), time.Second)
	require.Len(t, wbTemps, 1)
	require.InDelta(t, 3000, wbTemps[0], 0.5)

	// Evict the cached meter reading so the next tick re-fetches instead of
	// replaying the stale lux=0 value for its full TTL.
	require.NoError(t, h.scheduler.meter.redis.Delete(ctx, meterKey("n1")))

	h.clk.Set(h.clk.Now().Add(time.Second))
	lux = 1000
	h.scheduler.runTick(ctx, h.clk.Now(), time.Second)
	require.Len(t, wbTemps, 2)
	// Raw interpolation at lux=1000 is 6000K; smoothing with alpha=0.5 against
	// the prior frame's 3000K blends it halfway instead of jumping straight there.
	require.InDelta(t, 4500, wbTemps[1], 0.5)
}

func TestScheduler_IdleOutsideWindowTakesNoAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("node should not be contacted outside the window")
	}))
	defer srv.Close()

	host, port := splitHostPort(srv.URL)
	cfg := timeOfDayConfig(host, port)
	h := newTestHarness(t, cfg, host, port)
	h.clk.Set(time.Date(2025, 10, 2, 2, 0, 0, 0, time.UTC))

	ctx := context.Background()
	h.scheduler.runTick(ctx, h.clk.Now(), time.Second)

	sessionID := store.SessionKey("p1", "daytime", "2025-10-02")
	_, err := h.sessions.GetSession(sessionID)
	require.Error(t, err)
}

func TestScheduler_RecoverResumesSessionInsideWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(nodeclient.CaptureResponse{Status: "ok", Filename: "frame_001.jpg"})
	}))
	defer srv.Close()

	host, port := splitHostPort(srv.URL)
	cfg := timeOfDayConfig(host, port)
	h := newTestHarness(t, cfg, host, port)

	ctx := context.Background()
	_, err := h.sessions.OpenSession("p1", "daytime", "2025-10-02", h.clk.Now())
	require.NoError(t, err)

	require.NoError(t, h.scheduler.Recover(ctx))

	h.scheduler.runTick(ctx, h.clk.Now(), time.Second)

	sessionID := store.SessionKey("p1", "daytime", "2025-10-02")
	sess, err := h.sessions.GetSession(sessionID)
	require.NoError(t, err)
	require.Equal(t, store.SessionActive, sess.Status)
}

func TestScheduler_RecoverClosesSessionPastWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(nodeclient.CaptureResponse{Status: "ok", Filename: "frame_001.jpg"})
	}))
	defer srv.Close()

	host, port := splitHostPort(srv.URL)
	cfg := timeOfDayConfig(host, port)
	h := newTestHarness(t, cfg, host, port)
	h.clk.Set(time.Date(2025, 10, 2, 20, 0, 0, 0, time.UTC))

	ctx := context.Background()
	_, err := h.sessions.OpenSession("p1", "daytime", "2025-10-02", time.Date(2025, 10, 2, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.NoError(t, h.scheduler.Recover(ctx))

	sessionID := store.SessionKey("p1", "daytime", "2025-10-02")
	sess, err := h.sessions.GetSession(sessionID)
	require.NoError(t, err)
	require.Equal(t, store.SessionClosed, sess.Status)
}
