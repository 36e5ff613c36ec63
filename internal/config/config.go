package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed tracker.yaml
var trackerYAML []byte

type Config struct {
	Database    DatabaseConfig
	Detector    DetectorConfig
	Recognition RecognitionConfig
	Pipeline    PipelineConfig
	Tracker     TrackerConfig
	Camera      CameraConfig
	Web         WebConfig
	MQTT        MQTTConfig
	Log         LogConfig
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type DetectorConfig struct {
	URL         string        // person detection service, defaults to http://localhost:8001
	Timeout     time.Duration // per request timeout
	PersonClass int           // class id reported for persons (COCO: 0)
}

type RecognitionConfig struct {
	URL         string        // face recognition service, defaults to http://localhost:8000
	Timeout     time.Duration // per request timeout, a timeout counts as no match
	RateLimit   float64       // resolver calls per second per camera, 0 disables limiting
	Burst       int
	CropMaxSize int // crops larger than this are scaled down before upload
}

type PipelineConfig struct {
	FPS       int
	BatchSize int
	// MaxPending bounds the detection buffer. Beyond it the oldest records are
	// dropped and never written, so a positive value trades at-least-once
	// delivery for bounded memory. 0 keeps every record until it is written.
	MaxPending             int
	FlushRetries           int
	FlushInterval          time.Duration // periodic flush of a partly filled batch, 0 disables
	PersonThreshold        float64
	FaceDetectionThreshold float64 // sent to the recognition service with every lookup, 0 omits it
	TrackingSimilarity     float64 // max face distance for tracking cameras
	GateSimilarity         float64 // max face distance for entry and exit checkpoints
	PositionEpsilon        float64
	MaxResolveAttempts     int // 0 means unlimited
	TrackOnlyInside        bool
	CheckpointCooldown     time.Duration
}

type TrackerConfig struct {
	HighThresh        float64 `yaml:"track_high_thresh"`
	LowThresh         float64 `yaml:"track_low_thresh"`
	NewTrackThresh    float64 `yaml:"new_track_thresh"`
	TrackBuffer       int     `yaml:"track_buffer"`
	MatchThresh       float64 `yaml:"match_thresh"`
	SecondMatchThresh float64 `yaml:"second_match_thresh"`
}

type CameraConfig struct {
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	SnapshotInterval time.Duration // poll period for snapshot+http sources
}

type WebConfig struct {
	Host           string
	Port           int
	Token          string // bearer token for gate endpoints, empty disables auth
	AllowedOrigins []string
}

type MQTTConfig struct {
	Broker   string // empty disables notifications
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      int
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

// Error is a configuration problem. It is only ever fatal at startup.
type Error struct {
	Key    string
	Value  string
	Reason string
}

func (e *Error) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config %s=%q: %s", e.Key, e.Value, e.Reason)
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func envList(key string) []string {
	var out []string
	for part := range strings.SplitSeq(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// DefaultTracker returns the embedded tracker defaults.
func DefaultTracker() TrackerConfig {
	var doc struct {
		Tracker TrackerConfig `yaml:"tracker"`
	}
	if err := yaml.Unmarshal(trackerYAML, &doc); err != nil {
		// embedded file, can only fail if the binary was built from a broken tree
		panic("failed to unmarshal embedded tracker.yaml: " + err.Error())
	}
	return doc.Tracker
}

func Load() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Detector: DetectorConfig{
			URL:         envString("DETECTOR_URL", "http://localhost:8001"),
			Timeout:     envDuration("DETECTOR_TIMEOUT", 5*time.Second),
			PersonClass: 0,
		},
		Recognition: RecognitionConfig{
			URL:         envString("RECOGNITION_URL", "http://localhost:8000"),
			Timeout:     envDuration("RECOGNITION_TIMEOUT", 3*time.Second),
			RateLimit:   envFloat("RECOGNITION_RATE_LIMIT", 0),
			Burst:       envInt("RECOGNITION_BURST", 5),
			CropMaxSize: envInt("RECOGNITION_CROP_MAX_SIZE", 640),
		},
		Pipeline: PipelineConfig{
			FPS:                    envInt("PIPELINE_FPS", 10),
			BatchSize:              envInt("PIPELINE_BATCH_SIZE", 100),
			MaxPending:             envInt("PIPELINE_MAX_PENDING", 0),
			FlushRetries:           envInt("PIPELINE_FLUSH_RETRIES", 3),
			FlushInterval:          envDuration("PIPELINE_FLUSH_INTERVAL", 30*time.Second),
			PersonThreshold:        envFloat("PERSON_DETECTION_THRESHOLD", 0.6),
			FaceDetectionThreshold: envFloat("FACE_DETECTION_THRESHOLD", 0.4),
			TrackingSimilarity:     envFloat("FACE_SIMILARITY_THRESHOLD", 0.7),
			GateSimilarity:         envFloat("GATE_FACE_SIMILARITY_THRESHOLD", 0.7),
			PositionEpsilon:        envFloat("POSITION_EPSILON", 1.0),
			MaxResolveAttempts:     envInt("MAX_RESOLVE_ATTEMPTS", 0),
			TrackOnlyInside:        envBool("TRACK_ONLY_INSIDE", true),
			CheckpointCooldown:     envDuration("CHECKPOINT_COOLDOWN", 10*time.Second),
		},
		Tracker: DefaultTracker(),
		Camera: CameraConfig{
			ReconnectInitial: envDuration("CAMERA_RECONNECT_INITIAL_INTERVAL", time.Second),
			ReconnectMax:     envDuration("CAMERA_RECONNECT_MAX_INTERVAL", 30*time.Second),
			SnapshotInterval: envDuration("CAMERA_SNAPSHOT_INTERVAL", 100*time.Millisecond),
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", "0.0.0.0"),
			Port:           envInt("WEB_PORT", 8085),
			Token:          os.Getenv("GATE_TOKEN"),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
		MQTT: MQTTConfig{
			Broker:   os.Getenv("MQTT_BROKER"),
			ClientID: os.Getenv("MQTT_CLIENT_ID"),
			Username: os.Getenv("MQTT_USERNAME"),
			Password: os.Getenv("MQTT_PASSWORD"),
			Topic:    envString("MQTT_TOPIC", "occupancy/events"),
			QoS:      envInt("MQTT_QOS", 1),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "text"),
		},
	}
}

// Setting keys stored in the settings table.
const (
	SettingFPS                    = "fpsTracking"
	SettingBatchSize              = "batchSizeDetectionsSave"
	SettingTrackingSimilarity     = "faceSimilarityTresholdTracking"
	SettingGateSimilarity         = "faceSimilarityTresholdEnterExit"
	SettingPersonThreshold        = "personDetectionTresholdTracking"
	SettingFaceDetectionThreshold = "faceDetectionTresholdTracking"
	SettingPositionEpsilon        = "positionEpsilon"
	SettingMaxResolveAttempts     = "maxResolveAttempts"
	SettingTrackOnlyInside        = "trackOnlyInside"
	SettingCheckpointCooldown     = "checkpointCooldown"
)

// ApplySettings overlays values from the settings table on top of the
// environment configuration. Unknown keys are ignored. Every malformed value
// is reported.
func (c *Config) ApplySettings(settings map[string]string) error {
	var errs []error

	parseInt := func(key string, dst *int) {
		v, ok := settings[key]
		if !ok {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, &Error{Key: key, Value: v, Reason: "not an integer"})
			return
		}
		*dst = n
	}
	parseFloat := func(key string, dst *float64) {
		v, ok := settings[key]
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, &Error{Key: key, Value: v, Reason: "not a number"})
			return
		}
		*dst = f
	}

	parseInt(SettingFPS, &c.Pipeline.FPS)
	parseInt(SettingBatchSize, &c.Pipeline.BatchSize)
	parseInt(SettingMaxResolveAttempts, &c.Pipeline.MaxResolveAttempts)
	parseFloat(SettingTrackingSimilarity, &c.Pipeline.TrackingSimilarity)
	parseFloat(SettingGateSimilarity, &c.Pipeline.GateSimilarity)
	parseFloat(SettingPersonThreshold, &c.Pipeline.PersonThreshold)
	parseFloat(SettingFaceDetectionThreshold, &c.Pipeline.FaceDetectionThreshold)
	parseFloat(SettingPositionEpsilon, &c.Pipeline.PositionEpsilon)

	if v, ok := settings[SettingTrackOnlyInside]; ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, &Error{Key: SettingTrackOnlyInside, Value: v, Reason: "not a boolean"})
		} else {
			c.Pipeline.TrackOnlyInside = b
		}
	}
	if v, ok := settings[SettingCheckpointCooldown]; ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, &Error{Key: SettingCheckpointCooldown, Value: v, Reason: "not a duration"})
		} else {
			c.Pipeline.CheckpointCooldown = d
		}
	}

	return errors.Join(errs...)
}

// Validate checks the values a pipeline needs before it starts.
func (c *Config) Validate() error {
	var errs []error
	p := c.Pipeline

	if p.FPS <= 0 {
		errs = append(errs, &Error{Key: SettingFPS, Value: strconv.Itoa(p.FPS), Reason: "must be positive"})
	}
	if p.BatchSize <= 0 {
		errs = append(errs, &Error{Key: SettingBatchSize, Value: strconv.Itoa(p.BatchSize), Reason: "must be positive"})
	}
	if p.MaxPending != 0 && p.MaxPending < p.BatchSize {
		errs = append(errs, &Error{Key: "PIPELINE_MAX_PENDING", Value: strconv.Itoa(p.MaxPending), Reason: "must be 0 or at least the batch size"})
	}
	for key, v := range map[string]float64{
		SettingTrackingSimilarity:     p.TrackingSimilarity,
		SettingGateSimilarity:         p.GateSimilarity,
		SettingPersonThreshold:        p.PersonThreshold,
		SettingFaceDetectionThreshold: p.FaceDetectionThreshold,
		SettingPositionEpsilon:        p.PositionEpsilon,
	} {
		if v < 0 {
			errs = append(errs, &Error{Key: key, Value: strconv.FormatFloat(v, 'f', -1, 64), Reason: "must not be negative"})
		}
	}
	if p.MaxResolveAttempts < 0 {
		errs = append(errs, &Error{Key: SettingMaxResolveAttempts, Value: strconv.Itoa(p.MaxResolveAttempts), Reason: "must not be negative"})
	}
	if c.Tracker.TrackBuffer <= 0 {
		errs = append(errs, &Error{Key: "track_buffer", Reason: "must be positive"})
	}
	if c.Tracker.LowThresh > c.Tracker.HighThresh {
		errs = append(errs, &Error{Key: "track_low_thresh", Reason: "must not exceed track_high_thresh"})
	}
	if c.Detector.URL == "" {
		errs = append(errs, &Error{Key: "DETECTOR_URL", Reason: "required"})
	}
	if c.Recognition.URL == "" {
		errs = append(errs, &Error{Key: "RECOGNITION_URL", Reason: "required"})
	}

	return errors.Join(errs...)
}
