package cmd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/occupancy-tracker/internal/config"
	"github.com/kozaktomas/occupancy-tracker/internal/database"
	"github.com/kozaktomas/occupancy-tracker/internal/database/mock"
)

func testCommand(t *testing.T, addFlags func(*cobra.Command), args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addFlags(cmd)
	cmd.SetContext(context.Background())
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestStatsFilter(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	f, err := statsFilter(testCommand(t, addStatsFlags), now)
	require.NoError(t, err)
	assert.Equal(t, now, f.To)
	assert.Equal(t, now.Add(-database.DefaultStatsWindow), f.From)
	assert.Nil(t, f.CameraID)

	f, err = statsFilter(testCommand(t, addStatsFlags, "--since", "2h", "--camera-id", "3"), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Hour), f.From)
	require.NotNil(t, f.CameraID)
	assert.Equal(t, int64(3), *f.CameraID)

	f, err = statsFilter(testCommand(t, addStatsFlags, "--from", "2026-03-01T00:00:00Z", "--to", "2026-03-02T00:00:00Z"), now)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, f.To.Sub(f.From))
}

func TestStatsFilterErrors(t *testing.T) {
	now := time.Now()
	for _, args := range [][]string{
		{"--from", "yesterday"},
		{"--to", "2026-13-01T00:00:00Z"},
		{"--from", "2026-03-02T00:00:00Z", "--to", "2026-03-01T00:00:00Z"},
	} {
		_, err := statsFilter(testCommand(t, addStatsFlags, args...), now)
		assert.Error(t, err, "%v", args)
	}
}

func TestSelectCamerasFromRegistry(t *testing.T) {
	backend, _, _, cams := mock.NewBackend()
	cams.AddCamera(database.Camera{ID: 1, Name: "lobby", Link: "http://cam1/mjpg", Role: database.RoleEntry, Enabled: true})
	cams.AddCamera(database.Camera{ID: 2, Name: "storage", Link: "http://cam2/mjpg", Role: database.RoleTracking})

	cameras, err := selectCameras(context.Background(), testCommand(t, addCameraFlags), backend)
	require.NoError(t, err)
	require.Len(t, cameras, 1)
	assert.Equal(t, "lobby", cameras[0].Name)
}

func TestSelectCamerasEmptyRegistry(t *testing.T) {
	backend, _, _, _ := mock.NewBackend()
	_, err := selectCameras(context.Background(), testCommand(t, addCameraFlags), backend)
	assert.ErrorContains(t, err, "no enabled cameras")
}

func TestSelectCamerasFromFlags(t *testing.T) {
	backend, _, _, cams := mock.NewBackend()
	matrix := []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	cams.AddCamera(database.Camera{ID: 4, Name: "exit door", Link: "http://old/mjpg", Role: database.RoleExit, Transformation: matrix})

	cmd := testCommand(t, addCameraFlags, "--camera-uri", "snapshot+http://10.0.0.9/jpg", "--camera-id", "4", "--role", "exit")
	cameras, err := selectCameras(context.Background(), cmd, backend)
	require.NoError(t, err)
	require.Len(t, cameras, 1)
	assert.Equal(t, "exit door", cameras[0].Name)
	assert.Equal(t, "snapshot+http://10.0.0.9/jpg", cameras[0].Link)
	assert.Equal(t, database.RoleExit, cameras[0].Role)
	assert.Equal(t, matrix, cameras[0].Transformation)

	cmd = testCommand(t, addCameraFlags, "--camera-uri", "http://10.0.0.7/mjpg", "--camera-id", "9")
	cameras, err = selectCameras(context.Background(), cmd, backend)
	require.NoError(t, err)
	assert.Equal(t, "camera-9", cameras[0].Name)
	assert.Nil(t, cameras[0].Transformation)

	cmd = testCommand(t, addCameraFlags, "--camera-uri", "http://10.0.0.7/mjpg")
	_, err = selectCameras(context.Background(), cmd, backend)
	var cfgErr *config.Error
	assert.True(t, errors.As(err, &cfgErr))
}

func TestCalibrate(t *testing.T) {
	cams := mock.NewMockCameraStore()
	cams.AddCamera(database.Camera{ID: 1, Name: "hall"})
	cmd := testCommand(t, func(*cobra.Command) {})

	_, n, err := calibrate(cmd, cams, 1)
	assert.Error(t, err)
	assert.Equal(t, 0, n)

	// floor = 2 * camera + (10, 20)
	for _, p := range [][2]float64{{0, 0}, {100, 0}, {100, 100}, {0, 100}, {50, 30}} {
		cams.AddCalibrationPoints(1, database.CalibrationPoint{
			CameraX: p[0], CameraY: p[1],
			CanvasX: 2*p[0] + 10, CanvasY: 2*p[1] + 20,
		})
	}
	h, n, err := calibrate(cmd, cams, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	x, y, ok := h.Project(25, 40)
	require.True(t, ok)
	assert.InDelta(t, 60, x, 1e-6)
	assert.InDelta(t, 100, y, 1e-6)
	assert.Len(t, h.Values(), database.TransformationDim)
}

func TestTeeSink(t *testing.T) {
	counter := &countingSink{users: make(map[int64]int)}
	writer := mock.NewMockDetectionWriter()
	failing := errors.New("boom")

	sink := teeSink{counter, writerSink{writer}, errSink{failing}}
	user := int64(5)
	err := sink.Add(context.Background(),
		database.DetectionRecord{UserID: &user, CameraID: 1},
		database.DetectionRecord{CameraID: 1},
	)
	assert.ErrorIs(t, err, failing)
	assert.Equal(t, 2, counter.records)
	assert.Equal(t, 1, counter.resolved)
	assert.Equal(t, 1, counter.users[5])
	assert.Len(t, writer.Records(), 2, "a failing sink does not stop the others")
}

type writerSink struct{ w database.DetectionWriter }

func (s writerSink) Add(ctx context.Context, records ...database.DetectionRecord) error {
	return s.w.InsertDetections(ctx, records)
}

type errSink struct{ err error }

func (s errSink) Add(context.Context, ...database.DetectionRecord) error { return s.err }
