package httpapi

import (
	"context"

	"github.com/fortdesk/knoxcore/internal/knoxpack"
	"github.com/fortdesk/knoxcore/internal/securedelete"
	"github.com/fortdesk/knoxcore/internal/vault"
	"github.com/fortdesk/knoxcore/pkg/canonical"
	"github.com/fortdesk/knoxcore/pkg/queue"
	"github.com/fortdesk/knoxcore/pkg/telemetry"
)

// Store is the narrow slice of *internal/store.Store the HTTP layer reads
// and writes directly (everything else goes through Sanitizer/Transcriber/
// Compiler/Deleter, which own their own store access).
type Store interface {
	GetDocument(ctx context.Context, id canonical.EntityID) (canonical.Document, error)
	DeleteDocument(ctx context.Context, id canonical.EntityID) error
	GetProject(ctx context.Context, id canonical.EntityID) (canonical.Project, error)
	GetReport(ctx context.Context, id canonical.EntityID) (canonical.KnoxReport, error)
	CreateJob(ctx context.Context, j canonical.Job) (canonical.Job, error)
	GetJob(ctx context.Context, id canonical.EntityID) (canonical.Job, error)
	ListEligibleDocuments(ctx context.Context, project canonical.ProjectID) ([]canonical.Document, error)
	ListEligibleNotes(ctx context.Context, project canonical.ProjectID) ([]canonical.ProjectNote, error)
	ListSources(ctx context.Context, project canonical.ProjectID) ([]canonical.Source, error)
	Ping(ctx context.Context) error
}

// Sanitizer is the narrow slice of *internal/sanitize.Service the HTTP
// layer calls.
type Sanitizer interface {
	IngestText(ctx context.Context, project canonical.ProjectID, filename string, raw []byte, mime string) (canonical.Document, error)
	EditMasked(ctx context.Context, docID canonical.EntityID, newMaskedText string) (canonical.Document, error)
	BumpSanitizeLevel(ctx context.Context, docID canonical.EntityID, target canonical.SanitizeLevel) (canonical.Document, error)
	IngestNote(ctx context.Context, project canonical.ProjectID, title, body string) (canonical.ProjectNote, error)
}

// Transcriber is the narrow slice of *internal/transcribe.Service the HTTP
// layer calls for the synchronous recording-upload path.
type Transcriber interface {
	Transcribe(ctx context.Context, project canonical.ProjectID, filename string, audio []byte, mime string) (canonical.Document, error)
}

// Compiler is the narrow slice of *internal/orchestrator.Orchestrator the
// HTTP layer calls for the synchronous compile path.
type Compiler interface {
	Compile(ctx context.Context, project canonical.ProjectID, policyID canonical.PolicyID, templateID string, sel knoxpack.Selection, actor string) (canonical.KnoxReport, error)
}

// ProjectDeleter is the narrow slice of *internal/securedelete.SecureDelete
// the HTTP layer calls.
type ProjectDeleter interface {
	DeleteProject(ctx context.Context, project canonical.ProjectID, actor string) (securedelete.Result, error)
}

// BlobStore is the narrow slice of *internal/vault.Vault the HTTP layer
// calls directly: Put to stage a recording's audio ahead of an async
// transcribe job, Delete to erase a single document's original ahead of
// DeleteDocument (the same "blob before row" ordering Secure Delete uses
// at project scope).
type BlobStore interface {
	Put(ctx context.Context, project canonical.ProjectID, kind vault.Kind, data []byte) (vault.BlobRef, string, error)
	Delete(ctx context.Context, ref vault.BlobRef) error
	Ping() error
}

// JobQueue is the narrow slice of *internal/jobs.StoreQueue the HTTP layer
// calls to enqueue asynchronous work.
type JobQueue interface {
	Enqueue(ctx context.Context, q queue.QueueName, env queue.Envelope) error
}

// Deps wires every component C1-C10 the HTTP layer needs. It holds no
// state of its own beyond the logger/meter, which are safe zero values
// (Logger nil logs nothing; Meter nil degrades to telemetry.NopMeterInstance).
type Deps struct {
	Store       Store
	Sanitizer   Sanitizer
	Transcriber Transcriber
	Compiler    Compiler
	Deleter     ProjectDeleter
	Vault       BlobStore
	Jobs        JobQueue
	Logger      *telemetry.Logger
	Meter       telemetry.Meter
}
