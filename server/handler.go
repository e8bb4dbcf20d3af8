// Package server exposes document verification over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/georgepadayatti/sigident/observability"
	"github.com/georgepadayatti/sigident/pdf/reader"
	"github.com/georgepadayatti/sigident/sign/results"
)

// Response messages.
const (
	MessageNoSignatures = "No digital signatures were found in the document"
	MessageLoadFailed   = "The document could not be loaded"
	MessageMissingFile  = "A PDF file must be uploaded in the 'file' field"
	MessageTooLarge     = "The uploaded document is too large"
	MessageWelcome      = "Welcome to the digital signature validation service"
)

// multipartOverhead is allowed on top of the document limit for form
// boundaries and headers.
const multipartOverhead = 1 << 20

// VerifyResponse is the body of a successful verification request.
type VerifyResponse struct {
	Success bool                      `json:"success"`
	Message string                    `json:"message"`
	Data    []results.SignatureResult `json:"data"`
	Skipped int                       `json:"skipped,omitempty"`
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`

	RequestID string `json:"request_id,omitempty"`
}

// Handler serves the validator endpoints.
type Handler struct {
	processor      *results.Processor
	logger         observability.Logger
	metrics        *observability.Metrics
	maxUploadBytes int64
}

// NewHandler creates a handler. A non-positive maxUploadBytes disables the
// upload limit.
func NewHandler(processor *results.Processor, logger observability.Logger, metrics *observability.Metrics, maxUploadBytes int64) *Handler {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	return &Handler{
		processor:      processor,
		logger:         logger,
		metrics:        metrics,
		maxUploadBytes: maxUploadBytes,
	}
}

// Register registers the validator routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/api/validator/verify", h.handleVerify)
	r.Get("/", h.handleHome)
	r.Get("/health", h.handleHealth)
	r.Get("/healthz", h.handleHealth)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := loggerFor(ctx, h.logger)

	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.WarnContext(ctx, "Rejected upload larger than {Limit} bytes", h.maxUploadBytes)
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: MessageTooLarge})
			return
		}
		log.WarnContext(ctx, "Invalid verify request: {Error}", err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: MessageMissingFile, Error: err.Error()})
		return
	}
	defer file.Close()

	if h.maxUploadBytes > 0 && header.Size > h.maxUploadBytes {
		log.WarnContext(ctx, "Rejected upload {FileName} of {Size} bytes", header.Filename, header.Size)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: MessageTooLarge})
		return
	}

	report, err := h.processor.ProcessReader(ctx, file)
	if err != nil {
		if errors.Is(err, reader.ErrDocumentTooLarge) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: MessageTooLarge})
			return
		}
		log.InfoContext(ctx, "Document {FileName} could not be loaded: {Error}", header.Filename, err)
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Message: MessageLoadFailed, Error: err.Error()})
		return
	}

	log.InfoContext(ctx, "Verified {FileName}: {Count} of {Total} signatures reported",
		header.Filename, len(report.Results), report.SignatureCount)

	if len(report.Results) == 0 {
		writeJSON(w, http.StatusOK, VerifyResponse{
			Message: MessageNoSignatures,
			Data:    []results.SignatureResult{},
			Skipped: len(report.Skipped),
		})
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{
		Success: true,
		Message: fmt.Sprintf("Found %d signature(s) in the document", len(report.Results)),
		Data:    report.Results,
		Skipped: len(report.Skipped),
	})
}

func (h *Handler) handleHome(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, MessageWelcome)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
