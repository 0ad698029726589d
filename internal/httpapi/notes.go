package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fortdesk/knoxcore/internal/sanitize"
	"github.com/fortdesk/knoxcore/pkg/canonical"
	apierrors "github.com/fortdesk/knoxcore/pkg/errors"
)

type createNoteRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// handleCreateNote implements POST /api/projects/{id}/notes.
func (d Deps) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	project := canonical.ProjectID(mux.Vars(r)["id"])
	var in createNoteRequest
	if err := decodeJSONStrict(r, &in); err != nil {
		writeValidationError(w, "invalid_json")
		return
	}
	if in.Body == "" {
		writeValidationError(w, "body_required")
		return
	}
	note, err := d.Sanitizer.IngestNote(r.Context(), project, in.Title, in.Body)
	if err != nil {
		if errors.Is(err, sanitize.ErrUnmaskable) {
			writeErrEnvelope(w, apierrors.Unmaskable, nil, "")
			return
		}
		writeErrEnvelope(w, apierrors.InternalError, nil, "")
		return
	}
	writeJSON(w, http.StatusOK, note)
}
