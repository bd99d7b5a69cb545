package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/espforge/ota-stage/internal/logger"
	"github.com/espforge/ota-stage/internal/manifest"
	"github.com/espforge/ota-stage/internal/metrics"
	"github.com/espforge/ota-stage/internal/repository/staging"
)

// Multipart field names of the upload protocol. The client may send extra
// fields (md5, size); the server ignores anything it does not know.
const (
	fieldFirmware = "firmware"
	fieldVersion  = "version"
	fieldBoard    = "board"
)

// maxMultipartMemory caps how much of the multipart form is held in memory
// before spilling to temp files.
const maxMultipartMemory = 32 << 20

// service handles the upload server's HTTP surface and persistence.
type service struct {
	// repo owns the single firmware staging slot.
	repo staging.Repository
	// metrics records upload outcomes; nil disables recording.
	metrics *metrics.ServerMetrics
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status string `json:"status"`
}

// uploadResponse acknowledges a staged upload with the server-computed digest.
type uploadResponse struct {
	Status string `json:"status"`
	MD5    string `json:"md5"`
	Size   int64  `json:"size"`
}

// errorResponse carries the error message of any non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// newService creates the upload service backed by the provided repository.
func newService(repo staging.Repository, m *metrics.ServerMetrics) *service {
	return &service{
		repo:    repo,
		metrics: m,
	}
}

// Handler builds the HTTP routing table. Unknown paths and methods uniformly
// produce the JSON 404 required by the protocol.
func (s *service) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Post("/upload", s.handleUpload)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	notFound := func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	}
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)

	return r
}

// handleHealth always reports OK while the process is alive. The deploy
// client uses it as a pre-upload liveness probe.
func (s *service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleUpload receives one firmware binary with its metadata fields,
// stages it and acknowledges with the server-computed digest and size.
func (s *service) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		// Malformed multipart never touches the staging slot.
		s.metrics.ObserveUpload(metrics.OutcomeRejected, 0)
		logger.WarnKV(ctx, "Rejected malformed upload", "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})

		return
	}

	firmware, err := readFirmwarePart(r)
	if err != nil {
		s.metrics.ObserveUpload(metrics.OutcomeRejected, 0)
		logger.Warn(ctx, "Rejected upload without firmware")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no firmware"})

		return
	}

	m := manifest.New(r.FormValue(fieldVersion), r.FormValue(fieldBoard), firmware)

	if err = s.repo.Store(ctx, firmware, m); err != nil {
		s.metrics.ObserveUpload(metrics.OutcomeFailed, 0)
		logger.ErrorKV(ctx, "Failed to stage firmware", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})

		return
	}

	s.metrics.ObserveUpload(metrics.OutcomeOK, m.Size)
	logger.Infof(ctx, "[OK] v%s - %d bytes", m.Version, m.Size)

	writeJSON(w, http.StatusOK, uploadResponse{
		Status: "ok",
		MD5:    m.MD5,
		Size:   m.Size,
	})
}

// readFirmwarePart extracts the firmware part's bytes. An absent part and an
// empty payload are equivalent: both mean there is nothing to stage.
func readFirmwarePart(r *http.Request) ([]byte, error) {
	file, _, err := r.FormFile(fieldFirmware)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = file.Close()
	}()

	firmware, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	if len(firmware) == 0 {
		return nil, errors.New("empty firmware part")
	}

	return firmware, nil
}

// writeJSON sends a JSON body with explicit Content-Length and a single
// Content-Type header, matching the protocol's minimal HTTP contract.
func writeJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		// Marshalling fixed response types cannot realistically fail;
		// fall back to a bare status code if it somehow does.
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
