// Package handlers exposes the upload endpoint of the ingest stage.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/stormglass-sec/stormglass/common/errs"
	"github.com/stormglass-sec/stormglass/common/logging"
	"github.com/stormglass-sec/stormglass/ingest/internal/service"
)

// Identity headers are injected by the auth middleware in front of the
// core (the middleware itself is outside the analysis core).
const (
	HeaderUserID   = "X-User-ID"
	HeaderTenantID = "X-Tenant-ID"
)

// UploadHandler accepts multipart artifact uploads.
type UploadHandler struct {
	svc *service.IngestService
	log *logging.Logger
}

// NewUploadHandler creates the handler.
func NewUploadHandler(svc *service.IngestService, log *logging.Logger) *UploadHandler {
	return &UploadHandler{svc: svc, log: log}
}

type uploadAccepted struct {
	TrackingID string `json:"tracking_id"`
	ArtifactID string `json:"artifact_id,omitempty"`
	Deduped    bool   `json:"deduped,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Upload handles POST /api/v1/artifacts.
//
// The tracking ID is written and flushed before the body is consumed, so
// the client holds it within the first second regardless of upload size.
// Processing continues on this connection; terminal failures after the
// flush surface on the streaming fabric under the tracking ID.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(HeaderUserID)
	tenantID := r.Header.Get(HeaderTenantID)
	if userID == "" || tenantID == "" {
		writeError(w, http.StatusUnauthorized, errs.KindAuthorization, "missing identity")
		return
	}

	// Cap slightly above the artifact limit so multipart framing fits;
	// the service enforces the exact byte cap on the part itself.
	r.Body = http.MaxBytesReader(w, r.Body, service.MaxArtifactSize+1024*1024)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.KindInvalidArtifact, "malformed multipart body")
		return
	}

	part, err := mr.NextPart()
	if err != nil || part.FormName() != "file" {
		writeError(w, http.StatusBadRequest, errs.KindInvalidArtifact, "missing file part")
		return
	}
	defer part.Close()

	trackingID := h.svc.NewTrackingID()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(uploadAccepted{TrackingID: trackingID})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	res, err := h.svc.Process(r.Context(), trackingID, service.UploadRequest{
		TenantID:     tenantID,
		UserID:       userID,
		DeclaredMIME: part.Header.Get("Content-Type"),
		Body:         part,
	})
	if err != nil {
		// The 202 is already on the wire; the terminal error frame was
		// pushed to the fabric. Log for the operator and stop.
		h.log.WarnContext(r.Context(), "upload processing failed",
			logging.TrackingID(trackingID),
			logging.TenantID(tenantID),
			logging.Error(err))
		return
	}

	// Trailer frame for clients that keep reading: the resolved artifact.
	_ = json.NewEncoder(w).Encode(uploadAccepted{
		TrackingID: trackingID,
		ArtifactID: res.ArtifactID,
		Deduped:    res.Deduped,
	})
}

func writeError(w http.ResponseWriter, status int, kind errs.Kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg, Kind: string(kind)})
}
