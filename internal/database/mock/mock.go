// Package mock provides in-memory implementations of database interfaces for testing.
package mock

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/kozaktomas/occupancy-tracker/internal/database"
	"github.com/kozaktomas/occupancy-tracker/internal/geometry"
)

// MockDetectionWriter records inserted detections.
type MockDetectionWriter struct {
	mu      sync.Mutex
	batches [][]database.DetectionRecord

	// Error injection: InsertError fails every call, FailNext fails only the
	// next n calls.
	InsertError error
	FailNext    int
	Calls       int
}

// NewMockDetectionWriter creates a new mock detection writer
func NewMockDetectionWriter() *MockDetectionWriter {
	return &MockDetectionWriter{}
}

// InsertDetections stores a copy of records.
func (m *MockDetectionWriter) InsertDetections(ctx context.Context, records []database.DetectionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.InsertError != nil {
		return m.InsertError
	}
	if m.FailNext > 0 {
		m.FailNext--
		return errors.New("mock: insert failed")
	}
	m.batches = append(m.batches, slices.Clone(records))
	return nil
}

// Records returns every stored record in insertion order.
func (m *MockDetectionWriter) Records() []database.DetectionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.DetectionRecord
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

// Batches returns the number of successful inserts.
func (m *MockDetectionWriter) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

type occupancyState struct {
	events   []database.OccupancyEvent
	sessions []database.Session
	inside   map[int64]bool
}

func (s *occupancyState) clone() occupancyState {
	inside := make(map[int64]bool, len(s.inside))
	for k, v := range s.inside {
		inside[k] = v
	}
	return occupancyState{
		events:   slices.Clone(s.events),
		sessions: slices.Clone(s.sessions),
		inside:   inside,
	}
}

// MockOccupancyStore keeps events and sessions in memory. WithUserLock
// serializes all callers and rolls back state when fn fails.
type MockOccupancyStore struct {
	lock  sync.Mutex // held for the whole "transaction"
	mu    sync.RWMutex
	state occupancyState
	now   func() time.Time

	// Error injection
	AppendError   error
	SetInsideErr  error
	OpenListError error
}

// NewMockOccupancyStore creates an empty store.
func NewMockOccupancyStore() *MockOccupancyStore {
	return &MockOccupancyStore{
		state: occupancyState{inside: make(map[int64]bool)},
		now:   time.Now,
	}
}

// WithUserLock runs fn with exclusive access.
func (m *MockOccupancyStore) WithUserLock(ctx context.Context, userID int64, fn func(tx database.OccupancyTx) error) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	snapshot := m.state.clone()
	m.mu.Unlock()

	if err := fn(&mockOccupancyTx{m: m}); err != nil {
		m.mu.Lock()
		m.state = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// OpenSessions lists open sessions in entry order.
func (m *MockOccupancyStore) OpenSessions(ctx context.Context) ([]database.Session, error) {
	if m.OpenListError != nil {
		return nil, m.OpenListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.Session
	for _, s := range m.state.sessions {
		if s.Open() {
			out = append(out, s)
		}
	}
	return out, nil
}

// IsInside reports whether the user has an open session.
func (m *MockOccupancyStore) IsInside(ctx context.Context, userID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.state.sessions {
		if s.UserID == userID && s.Open() {
			return true, nil
		}
	}
	return false, nil
}

// Events returns all stored events.
func (m *MockOccupancyStore) Events() []database.OccupancyEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.state.events)
}

// Sessions returns all stored sessions.
func (m *MockOccupancyStore) Sessions() []database.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.state.sessions)
}

// SubjectInside returns the mirrored tracking subject flag.
func (m *MockOccupancyStore) SubjectInside(userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.inside[userID]
}

type mockOccupancyTx struct {
	m *MockOccupancyStore
}

func (t *mockOccupancyTx) OpenSession(ctx context.Context, userID int64) (*database.Session, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	for _, s := range t.m.state.sessions {
		if s.UserID == userID && s.Open() {
			return &s, nil
		}
	}
	return nil, nil
}

func (t *mockOccupancyTx) AppendEvent(ctx context.Context, event database.OccupancyEvent) (database.OccupancyEvent, error) {
	if t.m.AppendError != nil {
		return event, t.m.AppendError
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	event.ID = int64(len(t.m.state.events) + 1)
	event.CreatedAt = t.m.now()
	t.m.state.events = append(t.m.state.events, event)
	return event, nil
}

func (t *mockOccupancyTx) StartSession(ctx context.Context, enterEvent database.OccupancyEvent) (database.Session, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for _, s := range t.m.state.sessions {
		if s.UserID == enterEvent.UserID && s.Open() {
			return database.Session{}, database.ErrOpenSessionExists
		}
	}
	s := database.Session{
		ID:           int64(len(t.m.state.sessions) + 1),
		UserID:       enterEvent.UserID,
		EnterEventID: enterEvent.ID,
		EnteredAt:    enterEvent.CreatedAt,
	}
	t.m.state.sessions = append(t.m.state.sessions, s)
	return s, nil
}

func (t *mockOccupancyTx) EndSession(ctx context.Context, sessionID int64, exitEvent database.OccupancyEvent) (database.Session, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for i := range t.m.state.sessions {
		s := &t.m.state.sessions[i]
		if s.ID == sessionID && s.Open() {
			id, at := exitEvent.ID, exitEvent.CreatedAt
			s.ExitEventID = &id
			s.ExitedAt = &at
			return *s, nil
		}
	}
	return database.Session{}, errors.New("mock: no open session")
}

func (t *mockOccupancyTx) SetInside(ctx context.Context, userID int64, inside bool) error {
	if t.m.SetInsideErr != nil {
		return t.m.SetInsideErr
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.state.inside[userID] = inside
	return nil
}

// MockCameraStore is a map-backed camera repository.
type MockCameraStore struct {
	mu          sync.RWMutex
	cameras     map[int64]*database.Camera
	calibration map[int64][]database.CalibrationPoint

	// Error injection
	ListError error
}

// NewMockCameraStore creates a new mock camera store
func NewMockCameraStore() *MockCameraStore {
	return &MockCameraStore{
		cameras:     make(map[int64]*database.Camera),
		calibration: make(map[int64][]database.CalibrationPoint),
	}
}

// AddCamera adds a camera to the mock store.
func (m *MockCameraStore) AddCamera(c database.Camera) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cameras[c.ID] = &c
}

// AddCalibrationPoints appends calibration points for a camera.
func (m *MockCameraStore) AddCalibrationPoints(cameraID int64, points ...database.CalibrationPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calibration[cameraID] = append(m.calibration[cameraID], points...)
}

func (m *MockCameraStore) ListCameras(ctx context.Context, enabledOnly bool) ([]database.Camera, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.Camera
	for _, c := range m.cameras {
		if enabledOnly && !c.Enabled {
			continue
		}
		cp := *c
		cp.Transformation = slices.Clone(c.Transformation)
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b database.Camera) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *MockCameraStore) GetCamera(ctx context.Context, id int64) (*database.Camera, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cameras[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.Transformation = slices.Clone(c.Transformation)
	return &cp, nil
}

func (m *MockCameraStore) GetCameraByName(ctx context.Context, name string) (*database.Camera, error) {
	cameras, err := m.ListCameras(ctx, false)
	if err != nil {
		return nil, err
	}
	want := geometry.NormalizeName(name)
	for i := range cameras {
		if geometry.NormalizeName(cameras[i].Name) == want {
			return &cameras[i], nil
		}
	}
	return nil, nil
}

func (m *MockCameraStore) CalibrationPoints(ctx context.Context, cameraID int64) ([]database.CalibrationPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.calibration[cameraID]), nil
}

func (m *MockCameraStore) SetTransformation(ctx context.Context, cameraID int64, matrix []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cameras[cameraID]
	if !ok {
		return errors.New("mock: camera not found")
	}
	c.Transformation = slices.Clone(matrix)
	return nil
}

// MockSettings is a static settings table.
type MockSettings struct {
	Values   map[string]string
	LoadErr  error
	LoadedAt int
}

func (m *MockSettings) AllSettings(ctx context.Context) (map[string]string, error) {
	m.LoadedAt++
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	out := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		out[k] = v
	}
	return out, nil
}

// MockStats aggregates records of a MockDetectionWriter.
type MockStats struct {
	Writer *MockDetectionWriter
}

func (m *MockStats) DetectionStats(ctx context.Context, f database.StatsFilter) (*database.DetectionStats, error) {
	var s database.DetectionStats
	perUser := make(map[int64]int64)
	for _, r := range m.Writer.Records() {
		if r.Timestamp.Before(f.From) || !r.Timestamp.Before(f.To) {
			continue
		}
		if f.CameraID != nil && r.CameraID != *f.CameraID {
			continue
		}
		s.Total++
		if r.UserID == nil {
			s.Unrecognized++
			continue
		}
		s.Recognized++
		perUser[*r.UserID]++
	}
	s.DistinctUsers = int64(len(perUser))
	for id, n := range perUser {
		s.PerUser = append(s.PerUser, database.UserDetectionCount{UserID: id, Count: n})
	}
	slices.SortFunc(s.PerUser, func(a, b database.UserDetectionCount) int {
		if a.Count != b.Count {
			return int(b.Count - a.Count)
		}
		return int(a.UserID - b.UserID)
	})
	return &s, nil
}

// NewBackend returns a backend made of fresh mocks.
func NewBackend() (*database.Backend, *MockDetectionWriter, *MockOccupancyStore, *MockCameraStore) {
	det := NewMockDetectionWriter()
	occ := NewMockOccupancyStore()
	cams := NewMockCameraStore()
	return database.NewBackend(det, occ, cams, &MockSettings{}, &MockStats{Writer: det}, nil), det, occ, cams
}
