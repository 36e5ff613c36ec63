package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // gate kiosks send JPEG
	_ "image/png"  // or PNG canvas snapshots
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/kozaktomas/occupancy-tracker/internal/config"
	"github.com/kozaktomas/occupancy-tracker/internal/constants"
	"github.com/kozaktomas/occupancy-tracker/internal/database"
	"github.com/kozaktomas/occupancy-tracker/internal/identity"
	"github.com/kozaktomas/occupancy-tracker/internal/occupancy"
)

// Gate response statuses.
const (
	StatusSuccess = "success"
	StatusWarning = "warning"
	StatusError   = "error"
)

const msgNotRecognized = "Not recognized"

// OccupancyLedger is what the gate and occupancy endpoints need from
// occupancy.Ledger.
type OccupancyLedger interface {
	RecordEntry(ctx context.Context, req occupancy.Request) (database.Session, error)
	RecordExit(ctx context.Context, req occupancy.Request) (database.Session, error)
	Inside(ctx context.Context) ([]database.Session, error)
}

// GateResponse is the body of every gate answer.
type GateResponse struct {
	Status   string         `json:"status"`
	Message  string         `json:"message"`
	UserID   *int64         `json:"user_id,omitempty"`
	Distance *float64       `json:"distance,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// faceThresholder is a resolver that forwards a face detection threshold.
type faceThresholder interface {
	FaceThreshold() float64
	SetFaceThreshold(v float64)
}

// GateHandler handles kiosk entry and exit requests.
type GateHandler struct {
	ledger    OccupancyLedger
	resolver  identity.Resolver
	settings  database.SettingsReader
	threshold atomic.Uint64 // float64 bits
	logger    *slog.Logger
}

// NewGateHandler creates a gate handler. settings may be nil, which
// disables threshold reloading.
func NewGateHandler(ledger OccupancyLedger, resolver identity.Resolver, settings database.SettingsReader, threshold float64, logger *slog.Logger) *GateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &GateHandler{
		ledger:   ledger,
		resolver: resolver,
		settings: settings,
		logger:   logger,
	}
	h.setThreshold(threshold)
	return h
}

func (h *GateHandler) setThreshold(v float64) { h.threshold.Store(math.Float64bits(v)) }

// Threshold returns the face distance currently accepted at the gate.
func (h *GateHandler) Threshold() float64 { return math.Float64frombits(h.threshold.Load()) }

// Entry handles POST /api/v1/gate/entry.
func (h *GateHandler) Entry(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, database.EventEnter)
}

// Exit handles POST /api/v1/gate/exit.
func (h *GateHandler) Exit(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, database.EventExit)
}

func (h *GateHandler) handle(w http.ResponseWriter, r *http.Request, kind database.EventKind) {
	img, err := readGateImage(w, r)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, GateResponse{
			Status:  StatusError,
			Message: "Error processing image: " + err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), constants.GateRequestTimeout)
	defer cancel()

	m, err := h.resolver.Resolve(ctx, img)
	if err != nil {
		h.logger.Warn("gate recognition failed", "kind", string(kind), "error", err)
		respondJSON(w, http.StatusBadGateway, GateResponse{
			Status:  StatusError,
			Message: "Error processing image: recognition service unavailable",
		})
		return
	}
	if !m.Matched(h.Threshold()) {
		respondJSON(w, http.StatusOK, GateResponse{Status: StatusError, Message: msgNotRecognized})
		return
	}

	userID, distance := *m.UserID, *m.Distance
	req := occupancy.Request{UserID: userID, Source: database.SourceGate, Distance: &distance}

	var message string
	if kind == database.EventEnter {
		_, err = h.ledger.RecordEntry(ctx, req)
		message = fmt.Sprintf("User %d entered (distance: %.2f)", userID, distance)
	} else {
		_, err = h.ledger.RecordExit(ctx, req)
		message = fmt.Sprintf("User %d left (distance: %.2f)", userID, distance)
	}

	var conflict *occupancy.ConflictError
	switch {
	case errors.As(err, &conflict):
		respondJSON(w, http.StatusOK, GateResponse{
			Status:   StatusWarning,
			Message:  conflict.Error(),
			UserID:   &userID,
			Distance: &distance,
		})
	case err != nil:
		h.logger.Error("gate occupancy update failed", "kind", string(kind), "user_id", userID, "error", err)
		respondJSON(w, http.StatusInternalServerError, GateResponse{
			Status:  StatusError,
			Message: "Error recording " + string(kind),
		})
	default:
		respondJSON(w, http.StatusOK, GateResponse{
			Status:   StatusSuccess,
			Message:  message,
			UserID:   &userID,
			Distance: &distance,
		})
	}
}

// ReloadThresholds handles POST /api/v1/gate/thresholds by re-reading the
// gate similarity threshold from the settings table.
func (h *GateHandler) ReloadThresholds(w http.ResponseWriter, r *http.Request) {
	if h.settings == nil {
		respondJSON(w, http.StatusServiceUnavailable, GateResponse{
			Status:  StatusError,
			Message: "Could not retrieve threshold settings from database",
		})
		return
	}

	values, err := h.settings.AllSettings(r.Context())
	if err != nil {
		h.logger.Error("failed to load settings", "error", err)
		respondJSON(w, http.StatusInternalServerError, GateResponse{
			Status:  StatusError,
			Message: "Could not retrieve threshold settings from database",
		})
		return
	}

	cfg := config.Config{Pipeline: config.PipelineConfig{GateSimilarity: h.Threshold()}}
	face, forwards := h.resolver.(faceThresholder)
	if forwards {
		cfg.Pipeline.FaceDetectionThreshold = face.FaceThreshold()
	}
	if err := cfg.ApplySettings(values); err != nil {
		respondJSON(w, http.StatusUnprocessableEntity, GateResponse{
			Status:  StatusError,
			Message: sanitizeForLog(err.Error()),
		})
		return
	}
	h.setThreshold(cfg.Pipeline.GateSimilarity)
	if forwards {
		face.SetFaceThreshold(cfg.Pipeline.FaceDetectionThreshold)
	}
	h.logger.Info("gate thresholds updated",
		"similarity", cfg.Pipeline.GateSimilarity,
		"face_detection", cfg.Pipeline.FaceDetectionThreshold)

	respondJSON(w, http.StatusOK, GateResponse{
		Status:  StatusSuccess,
		Message: "Thresholds updated successfully",
		Data: map[string]any{
			"face_similarity_threshold": cfg.Pipeline.GateSimilarity,
			"face_detection_threshold":  cfg.Pipeline.FaceDetectionThreshold,
		},
	})
}

// readGateImage accepts a multipart "file" upload or a JSON body of the form
// {"image": "data:image/jpeg;base64,..."}.
func readGateImage(w http.ResponseWriter, r *http.Request) (image.Image, error) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxUploadSize)

	var data []byte
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(constants.MaxUploadSize); err != nil {
			return nil, errors.New("failed to parse multipart form")
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, errors.New("file is required")
		}
		defer file.Close()
		if data, err = io.ReadAll(file); err != nil {
			return nil, errors.New("failed to read file")
		}
	default:
		var body struct {
			Image string `json:"image"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, errors.New("invalid request body")
		}
		encoded := body.Image
		if _, after, ok := strings.Cut(encoded, ","); ok {
			encoded = after
		}
		if encoded == "" {
			return nil, errors.New("image is required")
		}
		var err error
		if data, err = base64.StdEncoding.DecodeString(encoded); err != nil {
			return nil, errors.New("image is not valid base64")
		}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.New("unsupported image format")
	}
	return img, nil
}
