package securedelete

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fortdesk/knoxcore/internal/privacy"
	"github.com/fortdesk/knoxcore/internal/store"
	"github.com/fortdesk/knoxcore/internal/vault"
	"github.com/fortdesk/knoxcore/pkg/canonical"
)

type fakeSubgraphStore struct {
	exists       bool
	sub          store.ProjectSubgraph
	rowsDeleted  bool
	orphans      int
	enumErr      error
	deleteErr    error
	verifyErr    error
}

func (f *fakeSubgraphStore) DeleteProjectExists(ctx context.Context, id canonical.EntityID) (bool, error) {
	return f.exists, nil
}

func (f *fakeSubgraphStore) EnumerateProjectSubgraph(ctx context.Context, project canonical.ProjectID) (store.ProjectSubgraph, error) {
	if f.enumErr != nil {
		return store.ProjectSubgraph{}, f.enumErr
	}
	return f.sub, nil
}

func (f *fakeSubgraphStore) DeleteProjectRows(ctx context.Context, project canonical.ProjectID) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.rowsDeleted = true
	return nil
}

func (f *fakeSubgraphStore) VerifyProjectErased(ctx context.Context, project canonical.ProjectID) (int, error) {
	if f.verifyErr != nil {
		return 0, f.verifyErr
	}
	return f.orphans, nil
}

type fakeBlobDeleter struct {
	deleted []vault.BlobRef
	err     error
}

func (f *fakeBlobDeleter) Delete(ctx context.Context, ref vault.BlobRef) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, ref)
	return nil
}

type fakeEventRecorder struct {
	called bool
	fields map[string]string
}

func (f *fakeEventRecorder) EnsureGuardedEvent(ctx context.Context, guard *privacy.Guard, project canonical.ProjectID, eventType, actor string, occurred time.Time, fields map[string]string) error {
	f.called = true
	f.fields = fields
	return nil
}

func TestDeleteProject_AlreadyDeleted_IsIdempotentNoEvent(t *testing.T) {
	st := &fakeSubgraphStore{exists: false}
	blobs := &fakeBlobDeleter{}
	events := &fakeEventRecorder{}
	sd := NewSecureDelete(st, blobs, events, privacy.NewGuard(privacy.Permissive, nil), PROD, nil)

	result, err := sd.DeleteProject(context.Background(), "proj-gone", "actor")
	require.NoError(t, err)
	require.Equal(t, Result{}, result)
	require.False(t, events.called)
	require.Empty(t, blobs.deleted)
}

func TestDeleteProject_Success_DeletesBlobsRowsAndEmitsEvent(t *testing.T) {
	st := &fakeSubgraphStore{
		exists: true,
		sub:    store.ProjectSubgraph{BlobRefs: []string{"documents/proj-1/a.bin", "documents/proj-1/b.bin"}, RowCount: 5},
		orphans: 0,
	}
	blobs := &fakeBlobDeleter{}
	events := &fakeEventRecorder{}
	sd := NewSecureDelete(st, blobs, events, privacy.NewGuard(privacy.Permissive, nil), PROD, nil)

	result, err := sd.DeleteProject(context.Background(), "proj-1", "actor-1")
	require.NoError(t, err)
	require.Equal(t, 2, result.BlobsDeleted)
	require.Equal(t, 5, result.RowsDeleted)
	require.True(t, st.rowsDeleted)
	require.Len(t, blobs.deleted, 2)
	require.True(t, events.called)
	require.Equal(t, "2", events.fields["blobs_deleted"])
	require.Equal(t, "5", events.fields["rows_deleted"])
}

func TestDeleteProject_BlobDeleteFails_AbortsNoRowDelete(t *testing.T) {
	st := &fakeSubgraphStore{exists: true, sub: store.ProjectSubgraph{BlobRefs: []string{"documents/proj-1/a.bin"}, RowCount: 3}}
	blobs := &fakeBlobDeleter{err: vault.ErrDeleteFailed}
	events := &fakeEventRecorder{}
	sd := NewSecureDelete(st, blobs, events, privacy.NewGuard(privacy.Permissive, nil), PROD, nil)

	_, err := sd.DeleteProject(context.Background(), "proj-1", "actor")
	require.Error(t, err)
	require.False(t, st.rowsDeleted)
	require.False(t, events.called)
}

func TestDeleteProject_OrphansRemaining_FailsClosedNoEvent(t *testing.T) {
	st := &fakeSubgraphStore{exists: true, sub: store.ProjectSubgraph{RowCount: 1}, orphans: 3}
	blobs := &fakeBlobDeleter{}
	events := &fakeEventRecorder{}
	sd := NewSecureDelete(st, blobs, events, privacy.NewGuard(privacy.Permissive, nil), PROD, nil)

	_, err := sd.DeleteProject(context.Background(), "proj-1", "actor")
	require.Error(t, err)
	var de *DeleteError
	require.ErrorAs(t, err, &de)
	require.Equal(t, "ORPHANS_REMAINING", string(de.Envelope.ErrorCode))
	require.Contains(t, de.Envelope.Reasons, "count=3")
	require.False(t, events.called)
}

func TestDeleteProject_OrphansRemaining_FailsClosedInDevModeToo(t *testing.T) {
	st := &fakeSubgraphStore{exists: true, sub: store.ProjectSubgraph{RowCount: 1}, orphans: 1}
	blobs := &fakeBlobDeleter{}
	events := &fakeEventRecorder{}
	sd := NewSecureDelete(st, blobs, events, privacy.NewGuard(privacy.Permissive, nil), DEV, nil)

	_, err := sd.DeleteProject(context.Background(), "proj-1", "actor")
	require.Error(t, err)
	var de *DeleteError
	require.ErrorAs(t, err, &de)
	require.Equal(t, "ORPHANS_REMAINING", string(de.Envelope.ErrorCode))
}
