package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/mdraft/internal/api/middleware"
	"github.com/dvloznov/mdraft/internal/billing"
	"github.com/dvloznov/mdraft/internal/conversion"
	"github.com/dvloznov/mdraft/internal/domain"
	"github.com/dvloznov/mdraft/internal/jobs"
	"github.com/dvloznov/mdraft/internal/storage"
	"github.com/dvloznov/mdraft/internal/store"
)

// multipartOverhead is the allowance on top of the file limit for the
// multipart envelope.
const multipartOverhead = 64 << 10

// VirusChecker is satisfied by *antivirus.Checker.
type VirusChecker interface {
	Check(ctx context.Context, name string, data []byte) error
}

// UploadConfig wires an UploadHandler.
type UploadConfig struct {
	Store     ConversionStore
	Objects   ObjectStore
	Publisher jobs.Publisher
	Antivirus VirusChecker
	Owners    Owners

	MaxBytes             int64
	FreeDailyConversions int
	JobMaxRetries        int
}

// UploadHandler accepts documents for conversion.
type UploadHandler struct {
	cfg UploadConfig
	log zerolog.Logger
	now func() time.Time
}

func NewUploadHandler(cfg UploadConfig, log zerolog.Logger) *UploadHandler {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 25 << 20
	}
	if cfg.JobMaxRetries <= 0 {
		cfg.JobMaxRetries = jobs.DefaultMaxRetries
	}
	return &UploadHandler{cfg: cfg, log: log, now: time.Now}
}

type uploadResponse struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Filename  string          `json:"filename"`
	JobID     string          `json:"job_id,omitempty"`
	Links     conversionLinks `json:"links"`
	Duplicate bool            `json:"duplicate"`
}

// Upload handles POST /api/upload with a multipart "file" field.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logFor(r, h.log)

	filename, data, err := h.readFile(w, r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	owner, err := h.cfg.Owners.Resolve(w, r, true)
	if err != nil {
		respondError(w, r, err)
		return
	}

	if err := h.checkQuota(ctx, owner); err != nil {
		respondError(w, r, err)
		return
	}

	_, mime, err := conversion.Detect(filename, data)
	if err != nil {
		respondError(w, r, err)
		return
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	if err := h.cfg.Antivirus.Check(ctx, filename, data); err != nil {
		respondError(w, r, err)
		return
	}

	now := h.now().UTC()
	id := uuid.NewString()
	c, created, err := h.cfg.Store.CreateConversion(ctx, domain.Conversion{
		ID:          id,
		OwnerKey:    owner.OwnerKey,
		UserID:      owner.userID(),
		Filename:    filename,
		ContentType: mime,
		SizeBytes:   int64(len(data)),
		SHA256:      digest,
		StorageKey:  storage.ObjectKey(id, filename, now),
		Status:      domain.StatusQueued,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	if !created {
		h.duplicate(w, r, c)
		return
	}

	if err := h.cfg.Objects.Put(ctx, c.StorageKey, bytes.NewReader(data), mime); err != nil {
		log.Error().Err(err).Str("conversion_id", c.ID).Msg("Storing upload failed")
		h.discard(ctx, c, false)
		middleware.WriteError(w, http.StatusBadGateway, "storage_unavailable", "Could not store the upload", nil)
		return
	}

	jobID, err := publishConversion(ctx, h.cfg.Publisher, c, h.cfg.JobMaxRetries)
	if err != nil {
		log.Error().Err(err).Str("conversion_id", c.ID).Msg("Enqueueing conversion failed")
		h.discard(ctx, c, true)
		middleware.WriteError(w, http.StatusServiceUnavailable, "queue_unavailable", "Could not queue the conversion", nil)
		return
	}

	log.Info().
		Str("conversion_id", c.ID).
		Str("job_id", jobID).
		Str("owner", c.OwnerKey).
		Int64("size_bytes", c.SizeBytes).
		Msg("Upload accepted")

	middleware.WriteJSON(w, http.StatusAccepted, uploadResponse{
		ID:       c.ID,
		Status:   string(c.Status),
		Filename: c.Filename,
		JobID:    jobID,
		Links:    linksFor(c.ID),
	})
}

// duplicate answers an upload of bytes the owner already sent. A FAILED
// conversion is queued again; anything else is returned as is.
func (h *UploadHandler) duplicate(w http.ResponseWriter, r *http.Request, c domain.Conversion) {
	if c.Status != domain.StatusFailed {
		middleware.WriteJSON(w, http.StatusOK, uploadResponse{
			ID:        c.ID,
			Status:    string(c.Status),
			Filename:  c.Filename,
			Links:     linksFor(c.ID),
			Duplicate: true,
		})
		return
	}

	cleared := ""
	requeued, err := h.cfg.Store.TransitionConversion(r.Context(), c.ID,
		[]domain.ConversionStatus{domain.StatusFailed}, domain.StatusQueued, store.ConversionPatch{Error: &cleared})
	if err != nil {
		respondError(w, r, err)
		return
	}
	jobID, err := publishConversion(r.Context(), h.cfg.Publisher, requeued, h.cfg.JobMaxRetries)
	if err != nil {
		respondError(w, r, err)
		return
	}

	reqLog := logFor(r, h.log)
	reqLog.Info().Str("conversion_id", c.ID).Str("job_id", jobID).Msg("Failed duplicate requeued")
	middleware.WriteJSON(w, http.StatusAccepted, uploadResponse{
		ID:        requeued.ID,
		Status:    string(requeued.Status),
		Filename:  requeued.Filename,
		JobID:     jobID,
		Links:     linksFor(requeued.ID),
		Duplicate: true,
	})
}

// readFile enforces the size limit and returns the uploaded file.
func (h *UploadHandler) readFile(w http.ResponseWriter, r *http.Request) (string, []byte, error) {
	tooLarge := &apiError{
		status:  http.StatusRequestEntityTooLarge,
		code:    "file_too_large",
		message: fmt.Sprintf("File exceeds the %d MB limit", h.cfg.MaxBytes>>20),
		details: map[string]any{"max_bytes": h.cfg.MaxBytes},
	}
	if r.ContentLength > h.cfg.MaxBytes+multipartOverhead {
		return "", nil, tooLarge
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBytes+multipartOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return "", nil, tooLarge
		}
		return "", nil, newAPIError(http.StatusBadRequest, "missing_file", "A multipart field named \"file\" is required")
	}
	defer file.Close()

	if header.Size > h.cfg.MaxBytes {
		return "", nil, tooLarge
	}
	data, err := io.ReadAll(io.LimitReader(file, h.cfg.MaxBytes+1))
	if err != nil {
		return "", nil, fmt.Errorf("readFile: %w", err)
	}
	if int64(len(data)) > h.cfg.MaxBytes {
		return "", nil, tooLarge
	}

	name := path.Base(strings.ReplaceAll(header.Filename, "\\", "/"))
	if name == "." || name == "/" {
		name = ""
	}
	if name == "" {
		return "", nil, newAPIError(http.StatusBadRequest, "missing_filename", "The uploaded file has no name")
	}
	return name, data, nil
}

func (h *UploadHandler) checkQuota(ctx context.Context, owner caller) error {
	if h.cfg.FreeDailyConversions <= 0 || owner.plan() == domain.PlanPro {
		return nil
	}
	now := h.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	used, err := h.cfg.Store.CountConversionsSince(ctx, owner.OwnerKey, midnight)
	if err != nil {
		return fmt.Errorf("checkQuota: %w", err)
	}
	if billing.QuotaExceeded(owner.plan(), used, h.cfg.FreeDailyConversions) {
		return &apiError{
			status:  http.StatusPaymentRequired,
			code:    "quota_exceeded",
			message: "Daily conversion limit reached, upgrade to continue",
			details: map[string]any{"limit": h.cfg.FreeDailyConversions, "used": used},
		}
	}
	return nil
}

// discard removes a conversion whose upload could not be completed.
func (h *UploadHandler) discard(ctx context.Context, c domain.Conversion, stored bool) {
	ctx = context.WithoutCancel(ctx)
	if _, err := h.cfg.Store.DeleteConversion(ctx, c.OwnerKey, c.ID); err != nil {
		h.log.Error().Err(err).Str("conversion_id", c.ID).Msg("Removing abandoned conversion failed")
	}
	if stored {
		if err := h.cfg.Objects.Delete(ctx, c.StorageKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
			h.log.Error().Err(err).Str("conversion_id", c.ID).Msg("Removing abandoned upload failed")
		}
	}
}
