package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fortdesk/knoxcore/pkg/canonical"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "knox.db")
	s, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustProject(t *testing.T, s *Store, id string) canonical.Project {
	t.Helper()
	now := time.Now().UTC()
	p, err := s.CreateProject(context.Background(), canonical.Project{
		ID:             canonical.EntityID(id),
		Name:           "Operation " + id,
		Classification: canonical.ClassSensitive,
		Status:         canonical.ProjectResearch,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)
	return p
}

func TestProject_ClassificationCannotDowngrade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, s, "proj-down")
	require.Equal(t, canonical.ClassSensitive, p.Classification)

	_, err := s.UpdateProjectClassification(ctx, p.ID, canonical.ClassSourceSensitive)
	require.NoError(t, err)

	_, err = s.UpdateProjectClassification(ctx, p.ID, canonical.ClassPublic)
	require.ErrorIs(t, err, canonical.ErrClassificationDowngrade)
}

func TestDocument_SanitizeLevelCannotRegress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, s, "proj-doc")
	now := time.Now().UTC()
	d, err := s.CreateDocument(ctx, canonical.Document{
		ID:            "doc-1",
		ProjectID:     p.ID,
		Filename:      "notes.txt",
		FileType:      canonical.FileTypeTXT,
		MaskedText:    "hello [EMAIL]",
		SanitizeLevel: canonical.SanitizeNormal,
		Classification: canonical.ClassSensitive,
		SHA256:        "abc",
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	require.NoError(t, err)

	bumped, err := s.BumpDocumentSanitizeLevel(ctx, d.ID, canonical.SanitizeParanoid)
	require.NoError(t, err)
	require.Equal(t, canonical.SanitizeParanoid, bumped.SanitizeLevel)

	_, err = s.BumpDocumentSanitizeLevel(ctx, d.ID, canonical.SanitizeNormal)
	require.Error(t, err)
}

func sampleReport(project canonical.ProjectID, fingerprint string) canonical.KnoxReport {
	now := time.Now().UTC()
	return canonical.KnoxReport{
		ID:               canonical.EntityID("report-" + fingerprint),
		ProjectID:        project,
		PolicyID:         canonical.PolicyInternal,
		PolicyVersion:    "v1",
		RulesetHash:      "hash-1",
		TemplateID:       "tmpl-1",
		EngineID:         "engine-1",
		InputFingerprint: fingerprint,
		InputManifest: []canonical.ManifestEntry{
			{Kind: "document", ID: "doc-1", SHA256: "abc", SanitizeLevel: canonical.SanitizeNormal, UpdatedAt: now},
		},
		GateResults: canonical.GateResults{
			InputGatePassed:  true,
			OutputGatePassed: true,
			ReIDGuardPassed:  true,
		},
		RenderedMarkdown: "# Report",
		LatencyMS:        12,
		CreatedAt:        now,
	}
}

func TestReport_SaveIfAbsentIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, s, "proj-rep")

	r1, err := s.SaveReportIfAbsent(ctx, sampleReport(p.ID, "fp-1"))
	require.NoError(t, err)

	// Same fingerprint tuple, different report id: must converge on r1,
	// never create a second row.
	dup := sampleReport(p.ID, "fp-1")
	dup.ID = "report-different"
	dup.RenderedMarkdown = "# A different render that must not win"
	r2, err := s.SaveReportIfAbsent(ctx, dup)
	require.NoError(t, err)
	require.Equal(t, r1.ID, r2.ID)
	require.Equal(t, r1.RenderedMarkdown, r2.RenderedMarkdown)

	found, err := s.FindReportByFingerprint(ctx, p.ID, canonical.PolicyInternal, "tmpl-1", "fp-1")
	require.NoError(t, err)
	require.Equal(t, r1.ID, found.ID)
}

func TestReport_DistinctFingerprintsCreateDistinctReports(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, s, "proj-rep2")

	r1, err := s.SaveReportIfAbsent(ctx, sampleReport(p.ID, "fp-a"))
	require.NoError(t, err)
	r2, err := s.SaveReportIfAbsent(ctx, sampleReport(p.ID, "fp-b"))
	require.NoError(t, err)
	require.NotEqual(t, r1.ID, r2.ID)
}

func TestJob_ClaimIsExclusiveAndFinishRejectsTerminalReclaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, s, "proj-job")
	now := time.Now().UTC()
	_, err := s.CreateJob(ctx, canonical.Job{
		ID:        "job-1",
		ProjectID: p.ID,
		Kind:      canonical.JobKnoxCompile,
		Status:    canonical.JobQueued,
		InputRef:  "fp-1",
		CreatedAt: now,
	})
	require.NoError(t, err)

	claimed, err := s.ClaimNextQueued(ctx, canonical.JobKnoxCompile)
	require.NoError(t, err)
	require.Equal(t, canonical.JobRunning, claimed.Status)

	_, err = s.ClaimNextQueued(ctx, canonical.JobKnoxCompile)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.FinishJob(ctx, claimed.ID, canonical.JobSucceeded, "report-1", "", "", time.Now().UTC()))
	err = s.FinishJob(ctx, claimed.ID, canonical.JobFailed, "", "E_SOMETHING", "boom", time.Now().UTC())
	require.ErrorIs(t, err, canonical.ErrJobTerminalMutation)
}

func TestSecureDelete_EnumerateDeleteVerify(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := mustProject(t, s, "proj-del")
	now := time.Now().UTC()

	_, err := s.CreateDocument(ctx, canonical.Document{
		ID:              "doc-del-1",
		ProjectID:       p.ID,
		Filename:        "a.txt",
		FileType:        canonical.FileTypeTXT,
		MaskedText:      "x",
		SanitizeLevel:   canonical.SanitizeNormal,
		Classification:  canonical.ClassSensitive,
		OriginalBlobRef: "documents/proj-del/sha256/ab/cd/abcd.bin",
		SHA256:          "abcd",
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	require.NoError(t, err)

	sub, err := s.EnumerateProjectSubgraph(ctx, p.ID)
	require.NoError(t, err)
	require.Contains(t, sub.BlobRefs, "documents/proj-del/sha256/ab/cd/abcd.bin")
	require.Greater(t, sub.RowCount, 0)

	require.NoError(t, s.DeleteProjectRows(ctx, p.ID))

	remaining, err := s.VerifyProjectErased(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 0, remaining, fmt.Sprintf("ORPHANS_REMAINING(count=%d)", remaining))

	// Idempotent: deleting an already-gone project is not an error.
	require.NoError(t, s.DeleteProjectRows(ctx, p.ID))
}
