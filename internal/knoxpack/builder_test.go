package knoxpack

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fortdesk/knoxcore/pkg/canonical"
)

type fakeLister struct {
	docs    []canonical.Document
	notes   []canonical.ProjectNote
	sources []canonical.Source
}

func (f fakeLister) ListEligibleDocuments(ctx context.Context, project canonical.ProjectID) ([]canonical.Document, error) {
	return f.docs, nil
}
func (f fakeLister) ListEligibleNotes(ctx context.Context, project canonical.ProjectID) ([]canonical.ProjectNote, error) {
	return f.notes, nil
}
func (f fakeLister) ListSources(ctx context.Context, project canonical.ProjectID) ([]canonical.Source, error) {
	return f.sources, nil
}

func sampleFixture() fakeLister {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	return fakeLister{
		docs: []canonical.Document{
			{ID: "doc-b", MaskedText: "b text", SanitizeLevel: canonical.SanitizeNormal, SHA256: "shab", CreatedAt: t1, UpdatedAt: t1},
			{ID: "doc-a", MaskedText: "a text", SanitizeLevel: canonical.SanitizeNormal, SHA256: "shaa", CreatedAt: t0, UpdatedAt: t0},
		},
		notes: []canonical.ProjectNote{
			{ID: "note-a", MaskedBody: "note body", SanitizeLevel: canonical.SanitizeStrict, SHA256: "shan", CreatedAt: t0, UpdatedAt: t0},
		},
		sources: []canonical.Source{
			{ID: "src-z", Type: canonical.SourceOther, Title: "Z source", URL: "https://z.example"},
			{ID: "src-a", Type: canonical.SourceLink, Title: "A source", URL: "https://a.example"},
		},
	}
}

func TestBuild_DeterministicSortOrder(t *testing.T) {
	b := NewBuilder(sampleFixture(), sampleFixture(), sampleFixture())
	pack, err := b.Build(context.Background(), "proj-1", canonical.PolicyInternal, "tmpl-1", Selection{})
	require.NoError(t, err)

	require.Len(t, pack.InputManifest, 5)
	require.Equal(t, canonical.EntityID("doc-a"), pack.InputManifest[0].ID) // created_at ASC
	require.Equal(t, canonical.EntityID("doc-b"), pack.InputManifest[1].ID)
	require.Equal(t, canonical.EntityID("note-a"), pack.InputManifest[2].ID)
	require.Equal(t, canonical.EntityID("src-a"), pack.InputManifest[3].ID) // type ASC (link < other)
}

func TestBuild_PayloadExcludesSourceURL(t *testing.T) {
	b := NewBuilder(sampleFixture(), sampleFixture(), sampleFixture())
	pack, err := b.Build(context.Background(), "proj-1", canonical.PolicyInternal, "tmpl-1", Selection{})
	require.NoError(t, err)

	require.Len(t, pack.Payload.Sources, 2)
	for _, s := range pack.Payload.Sources {
		require.NotEmpty(t, s.Title)
	}
	require.NotContains(t, string(mustJSON(t, pack.Payload)), "https://")
}

func TestBuild_FingerprintStableAcrossRuns(t *testing.T) {
	b := NewBuilder(sampleFixture(), sampleFixture(), sampleFixture())
	p1, err := b.Build(context.Background(), "proj-1", canonical.PolicyInternal, "tmpl-1", Selection{})
	require.NoError(t, err)
	p2, err := b.Build(context.Background(), "proj-1", canonical.PolicyInternal, "tmpl-1", Selection{})
	require.NoError(t, err)
	require.Equal(t, p1.InputFingerprint, p2.InputFingerprint)
}

func TestBuild_SelectionExcludeWins(t *testing.T) {
	b := NewBuilder(sampleFixture(), sampleFixture(), sampleFixture())
	sel := Selection{Exclude: map[canonical.EntityID]struct{}{"doc-a": {}}}
	pack, err := b.Build(context.Background(), "proj-1", canonical.PolicyInternal, "tmpl-1", sel)
	require.NoError(t, err)
	for _, e := range pack.InputManifest {
		require.NotEqual(t, canonical.EntityID("doc-a"), e.ID)
	}
}

func TestBuild_SelectionIncludeNarrows(t *testing.T) {
	b := NewBuilder(sampleFixture(), sampleFixture(), sampleFixture())
	sel := Selection{Include: map[canonical.EntityID]struct{}{"doc-a": {}}}
	pack, err := b.Build(context.Background(), "proj-1", canonical.PolicyInternal, "tmpl-1", sel)
	require.NoError(t, err)
	require.Len(t, pack.Payload.Documents, 1)
	require.Equal(t, canonical.EntityID("doc-a"), pack.Payload.Documents[0].ID)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := canonicalJSON(v)
	require.NoError(t, err)
	return b
}
