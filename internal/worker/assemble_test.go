package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skylapse/brain/internal/assembly"
	"github.com/skylapse/brain/internal/clock"
	"github.com/skylapse/brain/internal/config"
	"github.com/skylapse/brain/internal/queue"
	"github.com/skylapse/brain/internal/store"
)

func splitHostPort(url string) (string, int) {
	trimmed := strings.TrimPrefix(url, "http://")
	idx := strings.LastIndex(trimmed, ":")
	port, _ := strconv.Atoi(trimmed[idx+1:])
	return trimmed[:idx], port
}

// fakeEncoder writes a placeholder file at its last argument and exits 0,
// standing in for ffmpeg so this test doesn't depend on it being installed.
func fakeEncoder(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake encoder script is POSIX shell only")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-ffmpeg.sh")
	script := `#!/bin/sh
for out; do :; done
echo "fake encode" > "$out"
exit 0
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func writeTestConfig(t *testing.T, nodeHost string, nodePort int) *config.Store {
	t.Helper()
	cfg := config.Config{
		Location: config.Location{Latitude: 37.77, Longitude: -122.42, Timezone: "America/Los_Angeles"},
		Profiles: []config.Profile{
			{ID: "a", Name: "wide", MeteringMode: config.MeteringMatrix, AWBMode: config.AWBAuto, Shutter: "auto"},
		},
		Schedules: []config.Schedule{
			{
				ID: "daytime", Enabled: true, Type: config.ScheduleTimeOfDay,
				Start: "05:00", End: "20:00", IntervalSeconds: 30, Profiles: []string{"a"},
			},
		},
		Nodes: []config.Node{
			{ID: "n1", Host: nodeHost, Port: nodePort, Role: config.RolePrimary},
		},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "brain.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	cs, err := config.NewStore(path, nil)
	require.NoError(t, err)
	return cs
}

// TestProcessAssembleVideo_RedeliveryProducesOneVideoRow exercises spec §8's
// testable property: running the same assemble_video job twice (as queue
// redelivery would after a crash between Assemble and Ack) must not produce
// a second video row for the session.
func TestProcessAssembleVideo_RedeliveryProducesOneVideoRow(t *testing.T) {
	imgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake-jpeg-bytes"))
	}))
	defer imgSrv.Close()
	host, port := splitHostPort(imgSrv.URL)

	sessions, err := store.Open(filepath.Join(t.TempDir(), "brain.db"), nil)
	require.NoError(t, err)
	defer sessions.Close()

	sessionID, err := sessions.OpenSession("a", "daytime", "2025-10-02", time.Now())
	require.NoError(t, err)
	_, err = sessions.RecordCapture(sessionID, "n1", "frame_001.jpg", time.Now(), `{}`, nil)
	require.NoError(t, err)
	_, err = sessions.RecordCapture(sessionID, "n1", "frame_002.jpg", time.Now(), `{}`, nil)
	require.NoError(t, err)

	configStore := writeTestConfig(t, host, port)
	driver := assembly.New(fakeEncoder(t), nil)

	pool := New(nil, sessions, configStore, driver, clock.Real(), nil, Options{
		StagingRoot: t.TempDir(),
		VideoRoot:   t.TempDir(),
	})

	job := &queue.Job{ID: "job-1", Kind: queue.KindAssembleVideo, Payload: `{"session_id":"` + sessionID + `"}`}

	require.NoError(t, pool.processAssembleVideo(context.Background(), job))
	require.NoError(t, pool.processAssembleVideo(context.Background(), job))

	var count int
	row := sessions.DB().QueryRow(`SELECT COUNT(*) FROM videos WHERE session_id = ?`, sessionID)
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count, "redelivering an already-assembled job must not create a second video row")
}
