package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/echotrail/internal/ledger"
	"github.com/ashita-ai/echotrail/internal/model"
	"github.com/ashita-ai/echotrail/internal/orchestrator"
	"github.com/ashita-ai/echotrail/internal/settings"
)

// Pinger is implemented by ledger backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	ledger              ledger.Ledger
	files               orchestrator.FileArrivalHandler
	settings            *settings.Store
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	rawRoot             string
}

// HandlersDeps holds all dependencies for constructing Handlers.
// RawRoot is optional; when set, POST /v1/files only accepts paths under it.
type HandlersDeps struct {
	Ledger              ledger.Ledger
	Files               orchestrator.FileArrivalHandler
	Settings            *settings.Store
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	RawRoot             string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	var root string
	if d.RawRoot != "" {
		root = orchestrator.CanonicalID(d.RawRoot)
	}
	return &Handlers{
		ledger:              d.Ledger,
		files:               d.Files,
		settings:            d.Settings,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
		rawRoot:             root,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ledgerStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if p, ok := h.ledger.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			ledgerStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:          status,
		Version:         h.version,
		Ledger:          ledgerStatus,
		SettingsVersion: h.settings.Current().Version,
		Uptime:          int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleProcessFile handles POST /v1/files. The run happens inside the
// request and the response carries its result.
func (h *Handlers) HandleProcessFile(w http.ResponseWriter, r *http.Request) {
	var req model.ProcessFileRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "path is required")
		return
	}
	if h.rawRoot != "" && !within(h.rawRoot, orchestrator.CanonicalID(req.Path)) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "path is outside the raw data directory")
		return
	}

	res := h.files.OnFileArrived(r.Context(), req.Path)
	if errors.Is(res.Err, orchestrator.ErrLedgerUnavailable) {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable, res.Error)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleListLedger handles GET /v1/ledger.
func (h *Handlers) HandleListLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := model.RecordStatus(q.Get("status"))
	switch status {
	case "", model.RecordStatusRunning, model.RecordStatusSuccess, model.RecordStatusFailed:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"status must be one of running, success, failed")
		return
	}
	limit := queryLimit(r, ledger.DefaultRecordLimit)

	// Ask for one extra row to learn whether there are more.
	recs, err := h.ledger.Records(r.Context(), ledger.RecordFilter{
		RawFileID:   q.Get("raw_file_id"),
		Status:      status,
		Fingerprint: q.Get("fingerprint"),
		Limit:       limit + 1,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "http: list ledger", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable, "ledger unavailable")
		return
	}
	hasMore := len(recs) > limit
	if hasMore {
		recs = recs[:limit]
	}
	if recs == nil {
		recs = []model.ProcessingRecord{}
	}
	writeList(w, r, recs, limit, hasMore)
}

// HandleGetSettings handles GET /v1/settings.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.settings.Current())
}

// HandlePatchSettings handles PATCH /v1/settings. The body uses the same
// shape as the settings of a user_request event.
func (h *Handlers) HandlePatchSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}
	patch, err := settings.ParsePatch(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if patch.Empty() {
		writeJSON(w, r, http.StatusOK, h.settings.Current())
		return
	}
	snap, err := h.settings.Update(patch)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "http: settings updated", "version", snap.Version)
	writeJSON(w, r, http.StatusOK, snap)
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// within reports whether path is root or below it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
