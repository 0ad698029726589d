package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fortdesk/knoxcore/internal/jobs"
	"github.com/fortdesk/knoxcore/internal/vault"
	"github.com/fortdesk/knoxcore/pkg/canonical"
	apierrors "github.com/fortdesk/knoxcore/pkg/errors"
	"github.com/fortdesk/knoxcore/pkg/queue"
)

var errValidation = errors.New("httpapi: invalid upload")

// RecordingJobPayload is the JSON shape queued for a transcribe job:
// decoded back out of queue.DequeueResult.Env.Payload (== job.InputRef)
// by the Job Runner's transcribe handler.
type RecordingJobPayload struct {
	ProjectID    canonical.ProjectID `json:"project_id"`
	Filename     string              `json:"filename"`
	Mime         string              `json:"mime"`
	AudioBlobRef string              `json:"audio_blob_ref"`
}

func (d Deps) readAudioUpload(r *http.Request) (canonical.ProjectID, string, string, []byte, error) {
	project := canonical.ProjectID(mux.Vars(r)["id"])
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		return "", "", "", nil, errValidation
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", "", "", nil, errValidation
	}
	defer file.Close()
	raw, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
	if err != nil || int64(len(raw)) > MaxUploadBytes {
		return "", "", "", nil, errValidation
	}
	return project, header.Filename, header.Header.Get("Content-Type"), raw, nil
}

// handleUploadRecording implements POST /api/projects/{id}/recordings: the
// synchronous path, runs the full C6 pipeline inline and returns the
// resulting Document.
func (d Deps) handleUploadRecording(w http.ResponseWriter, r *http.Request) {
	project, filename, mime, raw, err := d.readAudioUpload(r)
	if err != nil {
		writeValidationError(w, "missing_or_oversized_file")
		return
	}
	doc, err := d.Transcriber.Transcribe(r.Context(), project, filename, raw, mime)
	if err != nil {
		writeErrEnvelope(w, apierrors.InternalError, nil, "")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleEnqueueRecording implements POST /api/projects/{id}/recordings/jobs:
// the async path. The audio is staged in the File Vault immediately (there
// is nowhere else to durably hold it between the request and the job
// running) and only its blob ref travels through the queue.
func (d Deps) handleEnqueueRecording(w http.ResponseWriter, r *http.Request) {
	project, filename, mime, raw, err := d.readAudioUpload(r)
	if err != nil {
		writeValidationError(w, "missing_or_oversized_file")
		return
	}
	ref, _, err := d.Vault.Put(r.Context(), project, vault.KindAudio, raw)
	if err != nil {
		writeErrEnvelope(w, apierrors.InternalError, nil, "")
		return
	}
	payload, err := json.Marshal(RecordingJobPayload{ProjectID: project, Filename: filename, Mime: mime, AudioBlobRef: string(ref)})
	if err != nil {
		writeErrEnvelope(w, apierrors.InternalError, nil, "")
		return
	}
	job, err := d.enqueueJob(r.Context(), jobs.QueueTranscribe, project, payload)
	if err != nil {
		writeErrEnvelope(w, apierrors.InternalError, nil, "")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// enqueueJob creates the queued Job row and returns it, read back by the
// id it generated up front — jobs.StoreQueue.Enqueue reports only an
// error, not the row it wrote.
func (d Deps) enqueueJob(ctx context.Context, q queue.QueueName, project canonical.ProjectID, payload []byte) (canonical.Job, error) {
	id := uuid.NewString()
	env := queue.Envelope{
		ID:       queue.EnvelopeID(id),
		Type:     string(q),
		Tenant:   string(project),
		DedupKey: string(payload),
	}
	if err := d.Jobs.Enqueue(ctx, q, env); err != nil {
		return canonical.Job{}, err
	}
	return d.Store.GetJob(ctx, canonical.EntityID(id))
}
