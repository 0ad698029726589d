// Package securedelete implements Secure Delete: delete_project(project_id)
// erases every blob and DB row in a project's subgraph and fails closed,
// with no partial success, if anything survives the erasure (spec.md
// §4.10).
package securedelete

import (
	"context"
	"fmt"
	"time"

	"github.com/fortdesk/knoxcore/internal/privacy"
	"github.com/fortdesk/knoxcore/internal/store"
	"github.com/fortdesk/knoxcore/internal/vault"
	"github.com/fortdesk/knoxcore/pkg/canonical"
	apierrors "github.com/fortdesk/knoxcore/pkg/errors"
	"github.com/fortdesk/knoxcore/pkg/telemetry"
)

// Mode selects how much a failed delete logs, mirroring
// internal/privacy.Mode's DEV/PROD split: both modes fail closed
// identically, only the diagnostic detail differs.
type Mode int

const (
	// PROD logs only the orphan count on failure.
	PROD Mode = iota
	// DEV additionally logs the blob-ref and row-count breakdown, to help
	// diagnose which part of the subgraph survived.
	DEV
)

// Result is what one delete_project call erased, the count-only shape the
// project_deleted event and ORPHANS_REMAINING detail both carry.
type Result struct {
	BlobsDeleted int
	RowsDeleted  int
}

// SubgraphStore is the narrow slice of *internal/store.Store Secure Delete
// depends on.
type SubgraphStore interface {
	DeleteProjectExists(ctx context.Context, id canonical.EntityID) (bool, error)
	EnumerateProjectSubgraph(ctx context.Context, project canonical.ProjectID) (store.ProjectSubgraph, error)
	DeleteProjectRows(ctx context.Context, project canonical.ProjectID) error
	VerifyProjectErased(ctx context.Context, project canonical.ProjectID) (int, error)
}

// BlobDeleter is the narrow slice of *internal/vault.Vault Secure Delete
// depends on.
type BlobDeleter interface {
	Delete(ctx context.Context, ref vault.BlobRef) error
}

// EventRecorder is the narrow slice of *internal/store.Store Secure Delete
// depends on for emitting project_deleted.
type EventRecorder interface {
	EnsureGuardedEvent(ctx context.Context, guard *privacy.Guard, project canonical.ProjectID, eventType, actor string, occurred time.Time, fields map[string]string) error
}

// DeleteError wraps the uniform error envelope for an ORPHANS_REMAINING
// failure, so callers can read the count without re-deriving it.
type DeleteError struct {
	Envelope apierrors.Envelope
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("securedelete: %s", e.Envelope.ErrorCode)
}

// SecureDelete wires the Entity Store's subgraph enumeration/deletion and
// the File Vault's blob deletion into the delete_project public contract.
// It holds no per-request state.
type SecureDelete struct {
	store  SubgraphStore
	vault  BlobDeleter
	events EventRecorder
	guard  *privacy.Guard
	mode   Mode
	logger *telemetry.Logger
}

func NewSecureDelete(store SubgraphStore, blobVault BlobDeleter, events EventRecorder, guard *privacy.Guard, mode Mode, logger *telemetry.Logger) *SecureDelete {
	if logger == nil {
		logger = telemetry.Nop
	}
	return &SecureDelete{store: store, vault: blobVault, events: events, guard: guard, mode: mode, logger: logger}
}

// DeleteProject runs the seven-step algorithm exactly as spec.md §4.10
// orders it. Deleting an already-absent project is idempotent: it returns
// a zero Result and emits no event, without touching the Vault or the
// subgraph tables.
func (d *SecureDelete) DeleteProject(ctx context.Context, project canonical.ProjectID, actor string) (Result, error) {
	exists, err := d.store.DeleteProjectExists(ctx, canonical.EntityID(project))
	if err != nil {
		return Result{}, fmt.Errorf("securedelete: check project exists: %w", err)
	}
	if !exists {
		return Result{}, nil
	}

	// 1 & 2. Enumerate every blob ref and every DB row in the subgraph
	// before anything is deleted.
	sub, err := d.store.EnumerateProjectSubgraph(ctx, project)
	if err != nil {
		return Result{}, fmt.Errorf("securedelete: enumerate subgraph: %w", err)
	}

	// 3. Delete each blob via the Vault; abort on the first failure so a
	// half-erased project is never reported as deleted.
	blobsDeleted := 0
	for _, ref := range sub.BlobRefs {
		if err := d.vault.Delete(ctx, vault.BlobRef(ref)); err != nil {
			return Result{}, fmt.Errorf("securedelete: delete blob %s: %w", ref, err)
		}
		blobsDeleted++
	}

	// 4. Delete DB rows by cascade.
	if err := d.store.DeleteProjectRows(ctx, project); err != nil {
		return Result{}, fmt.Errorf("securedelete: delete project rows: %w", err)
	}

	// 5 & 6. Verify nothing survived; fail closed with ORPHANS_REMAINING
	// if it did, no partial success reported either way.
	orphans, err := d.store.VerifyProjectErased(ctx, project)
	if err != nil {
		return Result{}, fmt.Errorf("securedelete: verify erasure: %w", err)
	}
	if orphans > 0 {
		if d.mode == DEV {
			d.logger.Error(ctx, "secure delete left orphaned state", map[string]any{
				"project_id":       string(project),
				"orphans_remaining": orphans,
				"blob_refs_total":   len(sub.BlobRefs),
				"row_count_total":   sub.RowCount,
			})
		} else {
			d.logger.Error(ctx, "secure delete left orphaned state", map[string]any{
				"project_id":         string(project),
				"orphans_remaining": orphans,
			})
		}
		return Result{}, &DeleteError{Envelope: apierrors.NewEnvelope(apierrors.OrphansRemaining, []string{fmt.Sprintf("count=%d", orphans)}, "")}
	}

	result := Result{BlobsDeleted: blobsDeleted, RowsDeleted: sub.RowCount}

	// 7. Event, metadata only.
	if err := d.events.EnsureGuardedEvent(ctx, d.guard, project, "project_deleted", actor, time.Now().UTC(), map[string]string{
		"blobs_deleted": fmt.Sprintf("%d", result.BlobsDeleted),
		"rows_deleted":  fmt.Sprintf("%d", result.RowsDeleted),
	}); err != nil {
		return Result{}, fmt.Errorf("securedelete: emit project_deleted: %w", err)
	}

	return result, nil
}
