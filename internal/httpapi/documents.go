package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fortdesk/knoxcore/internal/sanitize"
	"github.com/fortdesk/knoxcore/internal/store"
	"github.com/fortdesk/knoxcore/internal/vault"
	"github.com/fortdesk/knoxcore/pkg/canonical"
	apierrors "github.com/fortdesk/knoxcore/pkg/errors"
)

// handleUploadDocument implements POST /api/projects/{id}/documents: a
// multipart "file" field, <= 25MB, pdf or txt. The response never carries
// masked_text — only GET /api/documents/{id} does.
func (d Deps) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	project := canonical.ProjectID(mux.Vars(r)["id"])
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		writeValidationError(w, "multipart_too_large_or_invalid")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeValidationError(w, "missing_file_field")
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
	if err != nil {
		writeValidationError(w, "read_failed")
		return
	}
	if int64(len(raw)) > MaxUploadBytes {
		writeValidationError(w, "file_too_large")
		return
	}

	mime := header.Header.Get("Content-Type")
	doc, err := d.Sanitizer.IngestText(r.Context(), project, header.Filename, raw, mime)
	if err != nil {
		if errors.Is(err, sanitize.ErrUnsupportedMIME) {
			writeValidationError(w, "unsupported_file_type")
			return
		}
		if errors.Is(err, sanitize.ErrUnmaskable) {
			writeErrEnvelope(w, apierrors.Unmaskable, nil, "")
			return
		}
		writeErrEnvelope(w, apierrors.InternalError, nil, "")
		return
	}
	doc.MaskedText = ""
	writeJSON(w, http.StatusOK, doc)
}

// handleGetDocument implements GET /api/documents/{id}: the one endpoint
// that returns masked_text.
func (d Deps) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := canonical.EntityID(mux.Vars(r)["id"])
	doc, err := d.Store.GetDocument(r.Context(), id)
	if err != nil {
		writeNotFoundOrInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type editDocumentRequest struct {
	MaskedText string `json:"masked_text"`
}

// handleEditDocument implements PUT /api/documents/{id}: the caller's edit
// is treated as new input and re-run through mask + PII-gate, which may
// escalate sanitize_level further.
func (d Deps) handleEditDocument(w http.ResponseWriter, r *http.Request) {
	id := canonical.EntityID(mux.Vars(r)["id"])
	var in editDocumentRequest
	if err := decodeJSONStrict(r, &in); err != nil {
		writeValidationError(w, "invalid_json")
		return
	}
	doc, err := d.Sanitizer.EditMasked(r.Context(), id, in.MaskedText)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErrEnvelope(w, apierrors.ValidationError, []string{"not_found"}, "")
			return
		}
		if errors.Is(err, sanitize.ErrUnmaskable) {
			writeErrEnvelope(w, apierrors.Unmaskable, nil, "")
			return
		}
		writeErrEnvelope(w, apierrors.InternalError, nil, "")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type bumpSanitizeLevelRequest struct {
	Level canonical.SanitizeLevel `json:"level"`
}

// handleBumpSanitizeLevel implements PUT /api/documents/{id}/sanitize-level.
func (d Deps) handleBumpSanitizeLevel(w http.ResponseWriter, r *http.Request) {
	id := canonical.EntityID(mux.Vars(r)["id"])
	var in bumpSanitizeLevelRequest
	if err := decodeJSONStrict(r, &in); err != nil {
		writeValidationError(w, "invalid_json")
		return
	}
	doc, err := d.Sanitizer.BumpSanitizeLevel(r.Context(), id, in.Level)
	if err != nil {
		if errors.Is(err, sanitize.ErrOriginalMissing) {
			writeErrEnvelope(w, apierrors.OriginalMissing, nil, "")
			return
		}
		if errors.Is(err, sanitize.ErrUnmaskable) {
			writeErrEnvelope(w, apierrors.Unmaskable, nil, "")
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			writeErrEnvelope(w, apierrors.ValidationError, []string{"not_found"}, "")
			return
		}
		writeValidationError(w, "invalid_sanitize_level_transition")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleDeleteDocument implements DELETE /api/documents/{id}: blob first,
// then row, so a failed second step never leaves the blob as the only
// remaining trace of a document the caller believes is gone.
func (d Deps) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := canonical.EntityID(mux.Vars(r)["id"])
	doc, err := d.Store.GetDocument(r.Context(), id)
	if err != nil {
		writeNotFoundOrInternal(w, err)
		return
	}
	if doc.OriginalBlobRef != "" {
		if err := d.Vault.Delete(r.Context(), vault.BlobRef(doc.OriginalBlobRef)); err != nil {
			writeErrEnvelope(w, apierrors.InternalError, nil, "")
			return
		}
	}
	if err := d.Store.DeleteDocument(r.Context(), id); err != nil {
		writeErrEnvelope(w, apierrors.InternalError, nil, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeNotFoundOrInternal(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeErrEnvelope(w, apierrors.ValidationError, []string{"not_found"}, "")
		return
	}
	writeErrEnvelope(w, apierrors.InternalError, nil, "")
}
