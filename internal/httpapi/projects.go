package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"

	"github.com/fortdesk/knoxcore/internal/securedelete"
	"github.com/fortdesk/knoxcore/pkg/canonical"
	apierrors "github.com/fortdesk/knoxcore/pkg/errors"
)

type exportSnapshotResponse struct {
	InputManifest  []canonical.ManifestEntry `json:"input_manifest"`
	Counts         map[string]int            `json:"counts"`
	ExportMarkdown string                    `json:"export_markdown"`
}

// handleExportSnapshot implements GET /api/projects/{id}/export_snapshot:
// a masked, read-only view of everything presently eligible for compile,
// assembled directly (no gate evaluation, no remote call — export_snapshot
// never leaves the core).
func (d Deps) handleExportSnapshot(w http.ResponseWriter, r *http.Request) {
	project := canonical.ProjectID(mux.Vars(r)["id"])
	ctx := r.Context()

	docs, err := d.Store.ListEligibleDocuments(ctx, project)
	if err != nil {
		writeErrEnvelope(w, apierrors.InternalError, nil, "")
		return
	}
	notes, err := d.Store.ListEligibleNotes(ctx, project)
	if err != nil {
		writeErrEnvelope(w, apierrors.InternalError, nil, "")
		return
	}
	sources, err := d.Store.ListSources(ctx, project)
	if err != nil {
		writeErrEnvelope(w, apierrors.InternalError, nil, "")
		return
	}

	manifest := make([]canonical.ManifestEntry, 0, len(docs)+len(notes))
	for _, doc := range docs {
		manifest = append(manifest, canonical.ManifestEntry{
			Kind: "document", ID: doc.ID, SHA256: doc.SHA256,
			SanitizeLevel: doc.SanitizeLevel, UpdatedAt: doc.UpdatedAt,
		})
	}
	for _, n := range notes {
		manifest = append(manifest, canonical.ManifestEntry{
			Kind: "project_note", ID: n.ID, SHA256: n.SHA256,
			SanitizeLevel: n.SanitizeLevel, UpdatedAt: n.UpdatedAt,
		})
	}
	sort.Slice(manifest, func(i, j int) bool {
		if manifest[i].Kind != manifest[j].Kind {
			return manifest[i].Kind < manifest[j].Kind
		}
		return manifest[i].ID < manifest[j].ID
	})

	resp := exportSnapshotResponse{
		InputManifest: manifest,
		Counts: map[string]int{
			"documents": len(docs),
			"notes":     len(notes),
			"sources":   len(sources),
		},
		ExportMarkdown: renderExportMarkdown(docs, notes, sources),
	}
	writeJSON(w, http.StatusOK, resp)
}

func renderExportMarkdown(docs []canonical.Document, notes []canonical.ProjectNote, sources []canonical.Source) string {
	var b strings.Builder
	b.WriteString("# Export Snapshot\n\n")

	b.WriteString("## Documents\n\n")
	for _, doc := range docs {
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", doc.Filename, doc.MaskedText)
	}

	b.WriteString("## Notes\n\n")
	for _, n := range notes {
		title := n.Title
		if title == "" {
			title = string(n.ID)
		}
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", title, n.MaskedBody)
	}

	b.WriteString("## Sources\n\n")
	for _, src := range sources {
		fmt.Fprintf(&b, "- [%s] %s\n", src.Type, src.Title)
	}

	return b.String()
}

// handleDeleteProject implements DELETE /api/projects/{id}.
func (d Deps) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	project := canonical.ProjectID(mux.Vars(r)["id"])
	actor := ActorFromContext(r.Context())
	_, err := d.Deleter.DeleteProject(r.Context(), project, actor)
	if err != nil {
		var de *securedelete.DeleteError
		if errors.As(err, &de) {
			apierrors.WriteHTTP(w, de.Envelope)
			return
		}
		writeErrEnvelope(w, apierrors.InternalError, nil, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
