package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kozaktomas/occupancy-tracker/internal/batcher"
	"github.com/kozaktomas/occupancy-tracker/internal/config"
	"github.com/kozaktomas/occupancy-tracker/internal/database"
	"github.com/kozaktomas/occupancy-tracker/internal/database/mock"
	"github.com/kozaktomas/occupancy-tracker/internal/frame"
	"github.com/kozaktomas/occupancy-tracker/internal/geometry"
	"github.com/kozaktomas/occupancy-tracker/internal/identity"
	"github.com/kozaktomas/occupancy-tracker/internal/occupancy"
	"github.com/kozaktomas/occupancy-tracker/internal/trackcache"
	"github.com/kozaktomas/occupancy-tracker/internal/tracker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func ptr[T any](v T) *T { return &v }

type fakeDetector struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) ([]tracker.Detection, error)
}

func (d *fakeDetector) Detect(_ context.Context, _ *frame.Frame) ([]tracker.Detection, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.mu.Unlock()
	return d.fn(call)
}

func (d *fakeDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// people always reports the same boxes.
func people(boxes ...geometry.BBox) *fakeDetector {
	return &fakeDetector{fn: func(int) ([]tracker.Detection, error) {
		dets := make([]tracker.Detection, 0, len(boxes))
		for _, b := range boxes {
			dets = append(dets, tracker.Detection{BBox: b, Confidence: 0.9, Class: 0})
		}
		return dets, nil
	}}
}

type fakeResolver struct {
	calls atomic.Int32
	match identity.Match
	err   error
}

func (r *fakeResolver) Resolve(context.Context, image.Image) (identity.Match, error) {
	r.calls.Add(1)
	return r.match, r.err
}

func user(id int64, distance float64, ctx identity.SessionContext) identity.Match {
	return identity.Match{UserID: ptr(id), Distance: ptr(distance), Context: ctx}
}

type recordingSink struct {
	mu      sync.Mutex
	records []database.DetectionRecord
}

func (s *recordingSink) Add(_ context.Context, records ...database.DetectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

func (s *recordingSink) all() []database.DetectionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]database.DetectionRecord(nil), s.records...)
}

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.Pipeline.FPS = 100
	cfg.Pipeline.TrackOnlyInside = false
	cfg.Pipeline.CheckpointCooldown = time.Minute
	cfg.Recognition.RateLimit = 0
	cfg.Tracker.TrackBuffer = 2
	return cfg
}

func newFrame(slot *frame.Slot) {
	slot.Store(&frame.Frame{
		Image:      image.NewRGBA(image.Rect(0, 0, 640, 480)),
		CapturedAt: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	})
}

type harness struct {
	slot     *frame.Slot
	detector *fakeDetector
	resolver *fakeResolver
	sink     *recordingSink
	store    *mock.MockOccupancyStore
	ledger   *occupancy.Ledger
	pipeline *Pipeline
}

func newHarness(t *testing.T, cfg *config.Config, cam database.Camera, det *fakeDetector, match identity.Match) *harness {
	t.Helper()
	h := &harness{
		slot:     frame.NewSlot(),
		detector: det,
		resolver: &fakeResolver{match: match},
		sink:     &recordingSink{},
		store:    mock.NewMockOccupancyStore(),
	}
	h.ledger = occupancy.NewLedger(h.store, nil, nil, nil)

	p, err := New(cfg, cam, h.slot, Deps{
		Detector: h.detector,
		Resolver: h.resolver,
		Ledger:   h.ledger,
		Sink:     h.sink,
	})
	require.NoError(t, err)
	h.pipeline = p
	return h
}

var (
	hallCamera     = database.Camera{ID: 1, Name: "hall", Role: database.RoleTracking}
	entranceCamera = database.Camera{ID: 2, Name: "entrance", Role: database.RoleEntry}
	exitCamera     = database.Camera{ID: 3, Name: "back door", Role: database.RoleExit}
	personA        = geometry.FromCorners(100, 100, 200, 400)
	personB        = geometry.FromCorners(400, 80, 480, 380)
)

func TestStepWithoutFrameKeepsPolling(t *testing.T) {
	h := newHarness(t, testConfig(), hallCamera, people(personA), identity.NoMatch)
	ctx := context.Background()

	for range 5 {
		res := h.pipeline.Step(ctx)
		assert.Equal(t, SkipNoFrame, res.Skipped)
	}
	assert.Zero(t, h.detector.Calls())

	newFrame(h.slot)
	res := h.pipeline.Step(ctx)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, 1, res.Active)
	assert.Len(t, h.sink.all(), 1)
}

func TestStepSkipsAlreadyProcessedFrame(t *testing.T) {
	h := newHarness(t, testConfig(), hallCamera, people(personA), identity.NoMatch)
	ctx := context.Background()

	newFrame(h.slot)
	require.Empty(t, h.pipeline.Step(ctx).Skipped)

	res := h.pipeline.Step(ctx)
	assert.Equal(t, SkipStaleFrame, res.Skipped)
	assert.Equal(t, 1, h.detector.Calls())

	newFrame(h.slot)
	assert.Empty(t, h.pipeline.Step(ctx).Skipped)
	assert.Equal(t, 2, h.detector.Calls())
}

func TestStepRecordsEveryTrack(t *testing.T) {
	det := &fakeDetector{fn: func(int) ([]tracker.Detection, error) {
		return []tracker.Detection{
			{BBox: personA, Confidence: 0.95, Class: 0},
			{BBox: personB, Confidence: 0.9, Class: 0},
			{BBox: geometry.FromCorners(300, 300, 350, 350), Confidence: 0.99, Class: 56},
			{BBox: geometry.FromCorners(500, 10, 560, 200), Confidence: 0.3, Class: 0},
		}, nil
	}}
	h := newHarness(t, testConfig(), hallCamera, det, user(7, 0.4, identity.ContextInside))
	ctx := context.Background()

	newFrame(h.slot)
	res := h.pipeline.Step(ctx)
	assert.Equal(t, 2, res.Active, "other classes and weak detections are ignored")
	assert.Equal(t, 2, res.Resolved)
	assert.Equal(t, 2, res.Records)

	records := h.sink.all()
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, int64(1), r.CameraID)
		require.NotNil(t, r.UserID)
		assert.Equal(t, int64(7), *r.UserID)
		assert.Equal(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC), r.Timestamp)
		assert.Nil(t, r.FloorX, "camera is not calibrated")
	}
	assert.Equal(t, personA.CX, records[0].X)
	assert.Equal(t, personA.H, records[0].H)
	assert.Empty(t, h.store.Events(), "tracking cameras never touch occupancy")
}

func TestUnresolvedTracksAreRecordedWithoutUser(t *testing.T) {
	h := newHarness(t, testConfig(), hallCamera, people(personA), user(7, 0.95, identity.ContextInside))
	ctx := context.Background()

	newFrame(h.slot)
	h.pipeline.Step(ctx)

	records := h.sink.all()
	require.Len(t, records, 1)
	assert.Nil(t, records[0].UserID)
}

func TestResolvedTrackIsNotLookedUpAgain(t *testing.T) {
	h := newHarness(t, testConfig(), hallCamera, people(personA), user(7, 0.4, identity.ContextInside))
	ctx := context.Background()

	for range 10 {
		newFrame(h.slot)
		h.pipeline.Step(ctx)
	}
	assert.Equal(t, int32(1), h.resolver.calls.Load())
	assert.Len(t, h.sink.all(), 10)
}

func TestRemovedTrackIsEvicted(t *testing.T) {
	visible := true
	det := &fakeDetector{fn: func(int) ([]tracker.Detection, error) {
		if !visible {
			return nil, nil
		}
		return []tracker.Detection{{BBox: personA, Confidence: 0.9}}, nil
	}}
	h := newHarness(t, testConfig(), hallCamera, det, user(7, 0.4, identity.ContextInside))
	ctx := context.Background()

	newFrame(h.slot)
	h.pipeline.Step(ctx)
	_, resolved := h.pipeline.Cache.Lookup(1)
	require.True(t, resolved)

	visible = false
	removed := 0
	for range 5 {
		newFrame(h.slot)
		removed += h.pipeline.Step(ctx).Removed
	}
	assert.Equal(t, 1, removed)
	assert.Zero(t, h.pipeline.Cache.Len())

	visible = true
	newFrame(h.slot)
	h.pipeline.Step(ctx)
	assert.Equal(t, int32(2), h.resolver.calls.Load(), "a new track is looked up again")
}

func TestEntryCameraRecordsEntryOnce(t *testing.T) {
	h := newHarness(t, testConfig(), entranceCamera, people(personA), user(42, 0.3, identity.ContextOutside))
	ctx := context.Background()

	for range 5 {
		newFrame(h.slot)
		h.pipeline.Step(ctx)
	}

	inside, err := h.store.IsInside(ctx, 42)
	require.NoError(t, err)
	assert.True(t, inside)

	events := h.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, database.EventEnter, events[0].Kind)
	assert.Equal(t, database.SourceCamera, events[0].Source)
	require.NotNil(t, events[0].CameraID)
	assert.Equal(t, int64(2), *events[0].CameraID)
	require.NotNil(t, events[0].Distance)
	assert.InDelta(t, 0.3, *events[0].Distance, 1e-9)
}

func TestEntryCameraSkipsUserAlreadyInside(t *testing.T) {
	h := newHarness(t, testConfig(), entranceCamera, people(personA), user(42, 0.3, identity.ContextInside))
	ctx := context.Background()

	newFrame(h.slot)
	res := h.pipeline.Step(ctx)
	assert.Zero(t, res.Resolved, "recognition says the user is inside already")
	assert.Empty(t, h.store.Events())
}

func TestEntryCameraRetriesFailedLedgerWrite(t *testing.T) {
	h := newHarness(t, testConfig(), entranceCamera, people(personA), user(42, 0.3, identity.ContextOutside))
	h.pipeline.Checkpoint.retryEvery = 0
	ctx := context.Background()

	h.store.AppendError = errors.New("connection reset by peer")
	newFrame(h.slot)
	res := h.pipeline.Step(ctx)
	require.Equal(t, 1, res.Resolved)
	require.Empty(t, h.store.Events())

	h.store.AppendError = nil
	for range 20 {
		newFrame(h.slot)
		h.pipeline.Step(ctx)
	}

	assert.Equal(t, int32(1), h.resolver.calls.Load(), "the track is not looked up again")
	events := h.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, database.EventEnter, events[0].Kind)
	inside, err := h.store.IsInside(ctx, 42)
	require.NoError(t, err)
	assert.True(t, inside)
}

func TestFailedLedgerWriteWaitsForRetryInterval(t *testing.T) {
	h := newHarness(t, testConfig(), entranceCamera, people(personA), user(42, 0.3, identity.ContextOutside))
	h.pipeline.Checkpoint.retryEvery = time.Hour
	ctx := context.Background()

	h.store.AppendError = errors.New("connection reset by peer")
	newFrame(h.slot)
	h.pipeline.Step(ctx)

	h.store.AppendError = nil
	for range 5 {
		newFrame(h.slot)
		h.pipeline.Step(ctx)
	}
	assert.Empty(t, h.store.Events())
}

func TestFailedLedgerWriteIsDroppedWithTrack(t *testing.T) {
	visible := true
	det := &fakeDetector{fn: func(int) ([]tracker.Detection, error) {
		if !visible {
			return nil, nil
		}
		return []tracker.Detection{{BBox: personA, Confidence: 0.9}}, nil
	}}
	h := newHarness(t, testConfig(), entranceCamera, det, user(42, 0.3, identity.ContextOutside))
	h.pipeline.Checkpoint.retryEvery = 0
	ctx := context.Background()

	h.store.AppendError = errors.New("connection reset by peer")
	newFrame(h.slot)
	h.pipeline.Step(ctx)

	visible = false
	for range 5 {
		newFrame(h.slot)
		h.pipeline.Step(ctx)
	}
	h.store.AppendError = nil
	assert.Empty(t, h.pipeline.Checkpoint.pending)
	assert.Empty(t, h.store.Events())
}

func TestExitCameraConflictDoesNotStopPipeline(t *testing.T) {
	h := newHarness(t, testConfig(), exitCamera, people(personA), user(42, 0.3, identity.ContextUnknown))
	ctx := context.Background()

	newFrame(h.slot)
	res := h.pipeline.Step(ctx)
	assert.Equal(t, 1, res.Resolved)
	assert.Empty(t, h.store.Events(), "user 42 was never inside")
	assert.Len(t, h.sink.all(), 1)

	newFrame(h.slot)
	assert.Empty(t, h.pipeline.Step(ctx).Skipped)
}

func TestExitCameraClosesSession(t *testing.T) {
	h := newHarness(t, testConfig(), exitCamera, people(personA), user(42, 0.3, identity.ContextInside))
	ctx := context.Background()

	_, err := h.ledger.RecordEntry(ctx, occupancy.Request{UserID: 42, Source: database.SourceGate})
	require.NoError(t, err)

	newFrame(h.slot)
	h.pipeline.Step(ctx)

	inside, err := h.store.IsInside(ctx, 42)
	require.NoError(t, err)
	assert.False(t, inside)
}

func TestDetectorErrorSkipsFrame(t *testing.T) {
	det := &fakeDetector{fn: func(call int) ([]tracker.Detection, error) {
		if call == 1 {
			return nil, errors.New("connection refused")
		}
		return []tracker.Detection{{BBox: personA, Confidence: 0.9}}, nil
	}}
	h := newHarness(t, testConfig(), hallCamera, det, identity.NoMatch)
	ctx := context.Background()

	newFrame(h.slot)
	assert.Equal(t, SkipDetectorError, h.pipeline.Step(ctx).Skipped)
	assert.Empty(t, h.sink.all())

	newFrame(h.slot)
	assert.Empty(t, h.pipeline.Step(ctx).Skipped)
	assert.Len(t, h.sink.all(), 1)
}

func TestStepRecoversFromPanic(t *testing.T) {
	det := &fakeDetector{fn: func(call int) ([]tracker.Detection, error) {
		if call == 1 {
			panic("model crashed")
		}
		return nil, nil
	}}
	h := newHarness(t, testConfig(), hallCamera, det, identity.NoMatch)
	ctx := context.Background()

	newFrame(h.slot)
	res := h.pipeline.Step(ctx)
	assert.Equal(t, SkipPanic, res.Skipped)
	assert.Equal(t, uint64(1), res.Seq)

	newFrame(h.slot)
	assert.Empty(t, h.pipeline.Step(ctx).Skipped)
}

func TestStepDoesNotWaitForFailingStorage(t *testing.T) {
	writer := mock.NewMockDetectionWriter()
	writer.InsertError = errors.New("db down")
	buf := batcher.New(writer, batcher.Options{
		BatchSize:       2,
		MaxRetries:      3,
		InitialInterval: 300 * time.Millisecond,
		MaxInterval:     300 * time.Millisecond,
	}, nil, nil)

	h := newHarness(t, testConfig(), hallCamera, people(personA, personB), identity.NoMatch)
	h.pipeline.Sink = buf
	ctx := context.Background()

	for i := range 8 {
		newFrame(h.slot)
		start := time.Now()
		res := h.pipeline.Step(ctx)
		require.Empty(t, res.Skipped)
		assert.Less(t, time.Since(start), 200*time.Millisecond, "step %d", i)
	}
	assert.Zero(t, writer.Calls, "writes happen outside the frame loop")
	assert.Equal(t, 16, buf.Pending())
}

func TestFloorProjection(t *testing.T) {
	cam := hallCamera
	cam.Transformation = []float64{2, 0, 0, 0, 2, 0, 0, 0, 1}
	h := newHarness(t, testConfig(), cam, people(personA), identity.NoMatch)

	newFrame(h.slot)
	h.pipeline.Step(context.Background())

	records := h.sink.all()
	require.Len(t, records, 1)
	require.NotNil(t, records[0].FloorX)
	require.NotNil(t, records[0].FloorY)
	assert.InDelta(t, 300, *records[0].FloorX, 1e-9, "foot point x 150 scaled by 2")
	assert.InDelta(t, 800, *records[0].FloorY, 1e-9, "foot point y 400 scaled by 2")
}

func TestNewRejectsBadCameras(t *testing.T) {
	deps := Deps{Detector: people(), Resolver: &fakeResolver{}, Sink: &recordingSink{}}
	cfg := testConfig()

	_, err := New(cfg, database.Camera{Name: "x", Role: "lobby"}, frame.NewSlot(), deps)
	var cfgErr *config.Error
	assert.ErrorAs(t, err, &cfgErr)

	_, err = New(cfg, entranceCamera, frame.NewSlot(), deps)
	assert.ErrorContains(t, err, "requires a ledger")

	bad := hallCamera
	bad.Transformation = []float64{1, 2, 3}
	_, err = New(cfg, bad, frame.NewSlot(), deps)
	assert.ErrorAs(t, err, &cfgErr)
}

func TestCheckpointCooldown(t *testing.T) {
	store := mock.NewMockOccupancyStore()
	ledger := occupancy.NewLedger(store, nil, nil, nil)
	cp, err := NewCheckpoint(database.RoleEntry, 2, ledger, 30*time.Millisecond, nil)
	require.NoError(t, err)
	ctx := context.Background()

	handled, err := cp.Handle(ctx, &identityOf42)
	require.NoError(t, err)
	assert.True(t, handled)

	handled, err = cp.Handle(ctx, &identityOf42)
	require.NoError(t, err)
	assert.False(t, handled, "second sighting within cooldown is ignored")

	time.Sleep(50 * time.Millisecond)
	handled, err = cp.Handle(ctx, &identityOf42)
	assert.True(t, handled)
	assert.ErrorIs(t, err, occupancy.ErrAlreadyInside)
	assert.Len(t, store.Events(), 1)
}

func TestCheckpointWithoutCooldown(t *testing.T) {
	ledger := occupancy.NewLedger(mock.NewMockOccupancyStore(), nil, nil, nil)
	cp, err := NewCheckpoint(database.RoleExit, 3, ledger, 0, nil)
	require.NoError(t, err)

	for range 2 {
		handled, err := cp.Handle(context.Background(), &identityOf42)
		assert.True(t, handled)
		assert.ErrorIs(t, err, occupancy.ErrNotInside)
	}
}

func TestNewCheckpointRejectsTrackingRole(t *testing.T) {
	_, err := NewCheckpoint(database.RoleTracking, 1, occupancy.NewLedger(mock.NewMockOccupancyStore(), nil, nil, nil), time.Second, nil)
	assert.Error(t, err)
}

var identityOf42 = trackcache.Identity{TrackID: 1, UserID: 42, Distance: 0.3}

// loopGrabber serves the same blank frame over and over.
type loopGrabber struct{}

func (loopGrabber) String() string { return "loop://test" }

func (loopGrabber) Open(context.Context) (frame.Stream, error) { return loopStream{}, nil }

type loopStream struct{}

func (loopStream) Next(ctx context.Context) (*frame.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Millisecond):
	}
	return &frame.Frame{Image: image.NewRGBA(image.Rect(0, 0, 320, 240)), CapturedAt: time.Now()}, nil
}

func (loopStream) Close() error { return nil }

func TestRunnerFlushesOnShutdown(t *testing.T) {
	cfg := testConfig()
	writer := mock.NewMockDetectionWriter()
	buf := batcher.New(writer, batcher.Options{BatchSize: 100000}, nil, nil)

	var units []Unit
	for _, cam := range []database.Camera{hallCamera, {ID: 9, Name: "yard", Role: database.RoleTracking}} {
		slot := frame.NewSlot()
		p, err := New(cfg, cam, slot, Deps{
			Detector: people(personA),
			Resolver: &fakeResolver{match: identity.NoMatch},
			Sink:     buf,
		})
		require.NoError(t, err)
		units = append(units, Unit{
			Producer: &frame.Producer{Camera: cam.Name, Grabber: loopGrabber{}, Slot: slot},
			Pipeline: p,
		})
	}

	r := &Runner{Units: units, Buffer: buf, FlushInterval: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return buf.Pending() >= 10 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, writer.Batches(), "nothing is written before the batch fills")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}

	assert.Zero(t, buf.Pending())
	assert.GreaterOrEqual(t, len(writer.Records()), 10)

	cameras := map[int64]bool{}
	for _, rec := range writer.Records() {
		cameras[rec.CameraID] = true
	}
	assert.Len(t, cameras, 2)
}

func TestRunnerFlushesFullBatchesWhileRunning(t *testing.T) {
	cfg := testConfig()
	writer := mock.NewMockDetectionWriter()
	writer.FailNext = 2
	buf := batcher.New(writer, batcher.Options{
		BatchSize:       5,
		MaxRetries:      5,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, nil, nil)

	slot := frame.NewSlot()
	p, err := New(cfg, hallCamera, slot, Deps{
		Detector: people(personA),
		Resolver: &fakeResolver{match: identity.NoMatch},
		Sink:     buf,
	})
	require.NoError(t, err)

	r := &Runner{
		Units:  []Unit{{Producer: &frame.Producer{Camera: "hall", Grabber: loopGrabber{}, Slot: slot}, Pipeline: p}},
		Buffer: buf,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return writer.Batches() >= 2 }, 2*time.Second, 5*time.Millisecond,
		"full batches are written without waiting for shutdown")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Zero(t, buf.Pending())
}

func TestRunnerStopsOnBadPipeline(t *testing.T) {
	cfg := testConfig()
	slot := frame.NewSlot()
	p, err := New(cfg, hallCamera, slot, Deps{Detector: people(), Resolver: &fakeResolver{}, Sink: &recordingSink{}})
	require.NoError(t, err)
	p.FPS = 0

	r := &Runner{Units: []Unit{{Producer: &frame.Producer{Camera: "hall", Grabber: loopGrabber{}, Slot: slot}, Pipeline: p}}}
	err = r.Run(context.Background())
	assert.ErrorContains(t, err, "fps must be positive")
}

func TestRunnerNeedsCameras(t *testing.T) {
	assert.Error(t, (&Runner{}).Run(context.Background()))
}
