package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/myrad-labs/myrad/internal/export"
	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/resilience"
)

// maxSubmissionBytes bounds a contribution request body.
const maxSubmissionBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, resilience.ErrUnknownDataType), resilience.IsMalformed(err):
		return http.StatusBadRequest
	case errors.Is(err, resilience.ErrProofTypeConflict):
		return http.StatusConflict
	case errors.Is(err, resilience.ErrNotFound):
		return http.StatusNotFound
	case resilience.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), Retryable: status == http.StatusServiceUnavailable}
	if status == http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.health.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleContribution(w http.ResponseWriter, r *http.Request) {
	var sub model.Submission
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmissionBytes))
	if err := dec.Decode(&sub); err != nil {
		writeError(w, r, resilience.NewMalformedInput("body", "invalid JSON request body"))
		return
	}

	res, err := h.pipeline.Process(r.Context(), sub)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Record.CreatedAt.Equal(res.Record.UpdatedAt) {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (h *Handler) handleListRecords(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	format, err := export.ParseFormat(values.Get("format"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := h.facade.ParseRequest(values, "format")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	n, err := h.facade.Export(r.Context(), req, format, &buf)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("X-Total-Records", strconv.Itoa(n))
	if format != export.FormatJSON {
		w.Header().Set("Content-Disposition", `attachment; filename="records.`+format.Extension()+`"`)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		zap.L().Warn("api: write export", zap.Error(err))
	}
}

func (h *Handler) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.facade.Get(r.Context(), chi.URLParam(r, "proofID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status model.RecordStatus `json:"status"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, r, resilience.NewMalformedInput("body", "invalid JSON request body"))
		return
	}
	rec, err := h.facade.UpdateStatus(r.Context(), chi.URLParam(r, "proofID"), body.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleCohort(w http.ResponseWriter, r *http.Request) {
	agg, err := h.facade.CohortAggregate(r.Context(),
		model.DataType(chi.URLParam(r, "dataType")), chi.URLParam(r, "cohortID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}
