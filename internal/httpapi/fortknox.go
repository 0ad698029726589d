package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fortdesk/knoxcore/internal/jobs"
	"github.com/fortdesk/knoxcore/internal/knoxpack"
	"github.com/fortdesk/knoxcore/internal/orchestrator"
	"github.com/fortdesk/knoxcore/internal/store"
	"github.com/fortdesk/knoxcore/pkg/canonical"
	apierrors "github.com/fortdesk/knoxcore/pkg/errors"
)

type selectionRequest struct {
	Include []canonical.EntityID `json:"include,omitempty"`
	Exclude []canonical.EntityID `json:"exclude,omitempty"`
}

func (sel selectionRequest) toSelection() knoxpack.Selection {
	out := knoxpack.Selection{}
	if len(sel.Include) > 0 {
		out.Include = make(map[canonical.EntityID]struct{}, len(sel.Include))
		for _, id := range sel.Include {
			out.Include[id] = struct{}{}
		}
	}
	if len(sel.Exclude) > 0 {
		out.Exclude = make(map[canonical.EntityID]struct{}, len(sel.Exclude))
		for _, id := range sel.Exclude {
			out.Exclude[id] = struct{}{}
		}
	}
	return out
}

type compileRequest struct {
	ProjectID  canonical.ProjectID `json:"project_id"`
	PolicyID   canonical.PolicyID  `json:"policy_id"`
	TemplateID string              `json:"template_id"`
	Selection  *selectionRequest   `json:"selection,omitempty"`
}

// CompileJobPayload is the JSON shape queued for a knox_compile job.
type CompileJobPayload struct {
	ProjectID  canonical.ProjectID `json:"project_id"`
	PolicyID   canonical.PolicyID  `json:"policy_id"`
	TemplateID string              `json:"template_id"`
	Selection  selectionRequest    `json:"selection,omitempty"`
}

// handleCompile implements POST /api/fortknox/compile: the synchronous
// path, runs the full C9 algorithm inline.
func (d Deps) handleCompile(w http.ResponseWriter, r *http.Request) {
	var in compileRequest
	if err := decodeJSONStrict(r, &in); err != nil {
		writeValidationError(w, "invalid_json")
		return
	}
	if in.ProjectID == "" || !canonical.ValidPolicyID(in.PolicyID) || in.TemplateID == "" {
		writeValidationError(w, "project_id, policy_id, and template_id are required")
		return
	}
	var sel knoxpack.Selection
	if in.Selection != nil {
		sel = in.Selection.toSelection()
	}
	actor := ActorFromContext(r.Context())
	report, err := d.Compiler.Compile(r.Context(), in.ProjectID, in.PolicyID, in.TemplateID, sel, actor)
	if err != nil {
		var ce *orchestrator.CompileError
		if errors.As(err, &ce) {
			apierrors.WriteHTTP(w, ce.Envelope)
			return
		}
		writeErrEnvelope(w, apierrors.InternalError, nil, "")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleEnqueueCompile implements POST /api/fortknox/compile/jobs: the
// async path. No remote call or gate evaluation happens here — the job
// handler runs the exact same Orchestrator.Compile once claimed.
func (d Deps) handleEnqueueCompile(w http.ResponseWriter, r *http.Request) {
	var in compileRequest
	if err := decodeJSONStrict(r, &in); err != nil {
		writeValidationError(w, "invalid_json")
		return
	}
	if in.ProjectID == "" || !canonical.ValidPolicyID(in.PolicyID) || in.TemplateID == "" {
		writeValidationError(w, "project_id, policy_id, and template_id are required")
		return
	}
	var selReq selectionRequest
	if in.Selection != nil {
		selReq = *in.Selection
	}
	payload, err := json.Marshal(CompileJobPayload{ProjectID: in.ProjectID, PolicyID: in.PolicyID, TemplateID: in.TemplateID, Selection: selReq})
	if err != nil {
		writeErrEnvelope(w, apierrors.InternalError, nil, "")
		return
	}
	job, err := d.enqueueJob(r.Context(), jobs.QueueKnoxCompile, in.ProjectID, payload)
	if err != nil {
		writeErrEnvelope(w, apierrors.InternalError, nil, "")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleGetReport implements GET /api/fortknox/reports/{id}.
func (d Deps) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := canonical.EntityID(mux.Vars(r)["id"])
	report, err := d.Store.GetReport(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErrEnvelope(w, apierrors.ValidationError, []string{"not_found"}, "")
			return
		}
		writeErrEnvelope(w, apierrors.InternalError, nil, "")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
