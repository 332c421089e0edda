package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/joseph-ayodele/vat-checker/internal/batch"
	"github.com/joseph-ayodele/vat-checker/internal/common"
	"github.com/joseph-ayodele/vat-checker/internal/metrics"
)

const maxBodyBytes = 1 << 20

// Batches is the API surface over the batch service.
type Batches interface {
	Submit(ctx context.Context, lines []string, label string) (*batch.SubmitResult, error)
	Poll(ctx context.Context, jobID string) (*batch.PollResult, error)
}

// Exporter renders a job as a spreadsheet.
type Exporter interface {
	JobXLSX(ctx context.Context, jobID string) ([]byte, error)
}

// Pinger reports store health.
type Pinger interface {
	HealthCheck(ctx context.Context, timeout time.Duration) error
}

type submitRequest struct {
	Lines []string `json:"lines" validate:"required,min=1,max=1000,dive,max=64"`
	Label string   `json:"label" validate:"max=200"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// API wires the HTTP handlers.
type API struct {
	batches  Batches
	exporter Exporter
	db       Pinger
	metrics  *metrics.Metrics
	limiter  *LimiterStore
	validate *validator.Validate
	logger   *slog.Logger
}

func NewAPI(batches Batches, exporter Exporter, db Pinger, m *metrics.Metrics, limiter *LimiterStore, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		batches:  batches,
		exporter: exporter,
		db:       db,
		metrics:  m,
		limiter:  limiter,
		validate: validator.New(),
		logger:   logger,
	}
}

// Routes builds the chi router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(AccessLog(a.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimit(a.limiter))
		r.Post("/batches", a.submit)
		r.Get("/jobs/{jobID}", a.poll)
		r.Get("/jobs/{jobID}/export.xlsx", a.export)
	})
	return r
}

func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be JSON with a lines array")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", validationMessage(err))
		return
	}

	res, err := a.batches.Submit(r.Context(), req.Lines, req.Label)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) poll(w http.ResponseWriter, r *http.Request) {
	res, err := a.batches.Poll(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) export(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	data, err := a.exporter.JobXLSX(r.Context(), jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="job-`+jobID+`.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if a.db != nil {
		if err := a.db.HealthCheck(r.Context(), 2*time.Second); err != nil {
			common.LoggerFrom(r.Context(), a.logger).Warn("healthz: store ping failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := common.HTTPStatus(err)
	code := common.ErrorCode(err, "INTERNAL")
	msg := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		code, msg = "UNAVAILABLE", "store temporarily unavailable"
	case http.StatusInternalServerError:
		msg = "internal error"
	}
	var appErr *common.AppError
	if errors.As(err, &appErr) && status < 500 {
		msg = appErr.Message
	}
	if status >= 500 {
		common.LoggerFrom(r.Context(), a.logger).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, r, status, code, msg)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return "lines is required"
	case "min":
		return fe.Field() + " must not be empty"
	case "max":
		return fe.Field() + " exceeds the maximum of " + fe.Param()
	default:
		return fe.Field() + " is invalid"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:      code,
		Message:   msg,
		RequestID: common.RequestIDFromContext(r.Context()),
	}})
}
