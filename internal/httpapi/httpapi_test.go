package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fortdesk/knoxcore/internal/jobs"
	"github.com/fortdesk/knoxcore/internal/knoxpack"
	"github.com/fortdesk/knoxcore/internal/orchestrator"
	"github.com/fortdesk/knoxcore/internal/securedelete"
	"github.com/fortdesk/knoxcore/internal/store"
	"github.com/fortdesk/knoxcore/internal/vault"
	"github.com/fortdesk/knoxcore/pkg/canonical"
	apierrors "github.com/fortdesk/knoxcore/pkg/errors"
	"github.com/fortdesk/knoxcore/pkg/queue"
)

type fakeStore struct {
	docs    map[canonical.EntityID]canonical.Document
	reports map[canonical.EntityID]canonical.KnoxReport
	jobs    map[canonical.EntityID]canonical.Job
	project canonical.Project
	deleted map[canonical.EntityID]bool
	pingErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:    map[canonical.EntityID]canonical.Document{},
		reports: map[canonical.EntityID]canonical.KnoxReport{},
		jobs:    map[canonical.EntityID]canonical.Job{},
		deleted: map[canonical.EntityID]bool{},
	}
}

func (f *fakeStore) GetDocument(ctx context.Context, id canonical.EntityID) (canonical.Document, error) {
	d, ok := f.docs[id]
	if !ok || f.deleted[id] {
		return canonical.Document{}, store.ErrNotFound
	}
	return d, nil
}
func (f *fakeStore) DeleteDocument(ctx context.Context, id canonical.EntityID) error {
	f.deleted[id] = true
	return nil
}
func (f *fakeStore) GetProject(ctx context.Context, id canonical.EntityID) (canonical.Project, error) {
	return f.project, nil
}
func (f *fakeStore) GetReport(ctx context.Context, id canonical.EntityID) (canonical.KnoxReport, error) {
	r, ok := f.reports[id]
	if !ok {
		return canonical.KnoxReport{}, store.ErrNotFound
	}
	return r, nil
}
func (f *fakeStore) CreateJob(ctx context.Context, j canonical.Job) (canonical.Job, error) {
	f.jobs[j.ID] = j
	return j, nil
}
func (f *fakeStore) GetJob(ctx context.Context, id canonical.EntityID) (canonical.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return canonical.Job{}, store.ErrNotFound
	}
	return j, nil
}
func (f *fakeStore) ListEligibleDocuments(ctx context.Context, project canonical.ProjectID) ([]canonical.Document, error) {
	var out []canonical.Document
	for _, d := range f.docs {
		if d.ProjectID == project && !f.deleted[d.ID] {
			out = append(out, d)
		}
	}
	return out, nil
}
func (f *fakeStore) ListEligibleNotes(ctx context.Context, project canonical.ProjectID) ([]canonical.ProjectNote, error) {
	return nil, nil
}
func (f *fakeStore) ListSources(ctx context.Context, project canonical.ProjectID) ([]canonical.Source, error) {
	return nil, nil
}
func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

type fakeSanitizer struct {
	ingestDoc canonical.Document
	ingestErr error
	editDoc   canonical.Document
	editErr   error
	bumpDoc   canonical.Document
	bumpErr   error
	note      canonical.ProjectNote
	noteErr   error
}

func (f *fakeSanitizer) IngestText(ctx context.Context, project canonical.ProjectID, filename string, raw []byte, mime string) (canonical.Document, error) {
	return f.ingestDoc, f.ingestErr
}
func (f *fakeSanitizer) EditMasked(ctx context.Context, docID canonical.EntityID, newMaskedText string) (canonical.Document, error) {
	return f.editDoc, f.editErr
}
func (f *fakeSanitizer) BumpSanitizeLevel(ctx context.Context, docID canonical.EntityID, target canonical.SanitizeLevel) (canonical.Document, error) {
	return f.bumpDoc, f.bumpErr
}
func (f *fakeSanitizer) IngestNote(ctx context.Context, project canonical.ProjectID, title, body string) (canonical.ProjectNote, error) {
	return f.note, f.noteErr
}

type fakeTranscriber struct {
	doc canonical.Document
	err error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, project canonical.ProjectID, filename string, audio []byte, mime string) (canonical.Document, error) {
	return f.doc, f.err
}

type fakeCompiler struct {
	report canonical.KnoxReport
	err    error
}

func (f *fakeCompiler) Compile(ctx context.Context, project canonical.ProjectID, policyID canonical.PolicyID, templateID string, sel knoxpack.Selection, actor string) (canonical.KnoxReport, error) {
	return f.report, f.err
}

type fakeDeleter struct {
	result securedelete.Result
	err    error
}

func (f *fakeDeleter) DeleteProject(ctx context.Context, project canonical.ProjectID, actor string) (securedelete.Result, error) {
	return f.result, f.err
}

type fakeVault struct {
	ref       vault.BlobRef
	putErr    error
	deleted   []vault.BlobRef
	deleteErr error
	pingErr   error
}

func (f *fakeVault) Put(ctx context.Context, project canonical.ProjectID, kind vault.Kind, data []byte) (vault.BlobRef, string, error) {
	return f.ref, "sha", f.putErr
}
func (f *fakeVault) Delete(ctx context.Context, ref vault.BlobRef) error {
	f.deleted = append(f.deleted, ref)
	return f.deleteErr
}
func (f *fakeVault) Ping() error { return f.pingErr }

type fakeJobQueue struct {
	store *fakeStore
	err   error
}

func (f *fakeJobQueue) Enqueue(ctx context.Context, q queue.QueueName, env queue.Envelope) error {
	if f.err != nil {
		return f.err
	}
	kind := canonical.JobTranscribe
	if q == jobs.QueueKnoxCompile {
		kind = canonical.JobKnoxCompile
	}
	f.store.jobs[canonical.EntityID(env.ID)] = canonical.Job{
		ID: canonical.EntityID(env.ID), ProjectID: canonical.ProjectID(env.Tenant),
		Kind: kind, Status: canonical.JobQueued, InputRef: env.DedupKey, CreatedAt: time.Now().UTC(),
	}
	return nil
}

func newTestDeps() (Deps, *fakeStore, *fakeSanitizer, *fakeTranscriber, *fakeCompiler, *fakeDeleter, *fakeVault) {
	st := newFakeStore()
	san := &fakeSanitizer{}
	tr := &fakeTranscriber{}
	comp := &fakeCompiler{}
	del := &fakeDeleter{}
	vlt := &fakeVault{ref: "audio/ref.bin"}
	jq := &fakeJobQueue{store: st}
	return Deps{Store: st, Sanitizer: san, Transcriber: tr, Compiler: comp, Deleter: del, Vault: vlt, Jobs: jq}, st, san, tr, comp, del, vlt
}

func TestGetDocument_ReturnsMaskedText(t *testing.T) {
	deps, st, _, _, _, _, _ := newTestDeps()
	st.docs["doc-1"] = canonical.Document{ID: "doc-1", ProjectID: "proj-1", MaskedText: "hemlig text"}
	r := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/documents/doc-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got canonical.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, "hemlig text", got.MaskedText)
}

func TestGetDocument_NotFound(t *testing.T) {
	deps, _, _, _, _, _, _ := newTestDeps()
	r := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/documents/missing", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var env apierrors.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Equal(t, apierrors.ValidationError, env.ErrorCode)
}

func TestUploadDocument_StripsMaskedTextFromResponse(t *testing.T) {
	deps, _, san, _, _, _, _ := newTestDeps()
	san.ingestDoc = canonical.Document{ID: "doc-2", ProjectID: "proj-1", MaskedText: "should not leak"}
	r := NewRouter(deps)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "note.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("hello"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/projects/proj-1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got canonical.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Empty(t, got.MaskedText)
	require.Equal(t, canonical.EntityID("doc-2"), got.ID)
}

func TestDeleteDocument_DeletesBlobThenRow(t *testing.T) {
	deps, st, _, _, _, _, vlt := newTestDeps()
	st.docs["doc-3"] = canonical.Document{ID: "doc-3", ProjectID: "proj-1", OriginalBlobRef: "documents/proj-1/a.bin"}
	r := NewRouter(deps)

	req := httptest.NewRequest(http.MethodDelete, "/api/documents/doc-3", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, vlt.deleted, 1)
	require.True(t, st.deleted["doc-3"])
}

func TestCompile_Success(t *testing.T) {
	deps, _, _, _, comp, _, _ := newTestDeps()
	comp.report = canonical.KnoxReport{ID: "rep-1", ProjectID: "proj-1", TemplateID: "t1"}
	r := NewRouter(deps)

	body, _ := json.Marshal(compileRequest{ProjectID: "proj-1", PolicyID: canonical.PolicyInternal, TemplateID: "t1"})
	req := httptest.NewRequest(http.MethodPost, "/api/fortknox/compile", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got canonical.KnoxReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, canonical.EntityID("rep-1"), got.ID)
}

func TestCompile_GateFailure_ReturnsEnvelope(t *testing.T) {
	deps, _, _, _, comp, _, _ := newTestDeps()
	comp.err = &orchestrator.CompileError{Envelope: apierrors.NewEnvelope(apierrors.EmptyInputSet, nil, "")}
	r := NewRouter(deps)

	body, _ := json.Marshal(compileRequest{ProjectID: "proj-1", PolicyID: canonical.PolicyInternal, TemplateID: "t1"})
	req := httptest.NewRequest(http.MethodPost, "/api/fortknox/compile", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var env apierrors.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Equal(t, apierrors.EmptyInputSet, env.ErrorCode)
}

func TestEnqueueCompile_ReturnsAcceptedJob(t *testing.T) {
	deps, _, _, _, _, _, _ := newTestDeps()
	r := NewRouter(deps)

	body, _ := json.Marshal(compileRequest{ProjectID: "proj-1", PolicyID: canonical.PolicyExternal, TemplateID: "t1"})
	req := httptest.NewRequest(http.MethodPost, "/api/fortknox/compile/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	var job canonical.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	require.Equal(t, canonical.JobKnoxCompile, job.Kind)
	require.Equal(t, canonical.JobQueued, job.Status)
}

func TestDeleteProject_OrphansRemaining(t *testing.T) {
	deps, _, _, _, _, del, _ := newTestDeps()
	del.err = &securedelete.DeleteError{Envelope: apierrors.NewEnvelope(apierrors.OrphansRemaining, []string{"count=2"}, "")}
	r := NewRouter(deps)

	req := httptest.NewRequest(http.MethodDelete, "/api/projects/proj-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	var env apierrors.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Equal(t, apierrors.OrphansRemaining, env.ErrorCode)
	require.Contains(t, env.Reasons, "count=2")
}

func TestDeleteProject_Success(t *testing.T) {
	deps, _, _, _, _, _, _ := newTestDeps()
	r := NewRouter(deps)

	req := httptest.NewRequest(http.MethodDelete, "/api/projects/proj-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestExportSnapshot_IncludesCountsAndMarkdown(t *testing.T) {
	deps, st, _, _, _, _, _ := newTestDeps()
	st.docs["doc-4"] = canonical.Document{ID: "doc-4", ProjectID: "proj-1", Filename: "a.txt", MaskedText: "maskad text"}
	r := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/projects/proj-1/export_snapshot", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got exportSnapshotResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, 1, got.Counts["documents"])
	require.Contains(t, got.ExportMarkdown, "maskad text")
}

func TestCreateNote_Success(t *testing.T) {
	deps, _, san, _, _, _, _ := newTestDeps()
	san.note = canonical.ProjectNote{ID: "note-1", ProjectID: "proj-1", MaskedBody: "maskad anteckning"}
	r := NewRouter(deps)

	body, _ := json.Marshal(createNoteRequest{Title: "t", Body: "hemlig info"})
	req := httptest.NewRequest(http.MethodPost, "/api/projects/proj-1/notes", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got canonical.ProjectNote
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, "maskad anteckning", got.MaskedBody)
}

func TestCreateNote_MissingBody_IsValidationError(t *testing.T) {
	deps, _, _, _, _, _, _ := newTestDeps()
	r := NewRouter(deps)

	body, _ := json.Marshal(createNoteRequest{Title: "t"})
	req := httptest.NewRequest(http.MethodPost, "/api/projects/proj-1/notes", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}
