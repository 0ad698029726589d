package sanitize

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fortdesk/knoxcore/internal/masker"
	"github.com/fortdesk/knoxcore/internal/privacy"
	"github.com/fortdesk/knoxcore/internal/store"
	"github.com/fortdesk/knoxcore/internal/vault"
	"github.com/fortdesk/knoxcore/pkg/canonical"
)

func testService(t *testing.T) (*Service, *store.Store, canonical.ProjectID) {
	t.Helper()
	ctx := context.Background()

	dsn := "file:" + filepath.Join(t.TempDir(), "knox.db")
	st, err := store.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	v, err := vault.New(vault.Options{Dir: filepath.Join(t.TempDir(), "vault")})
	require.NoError(t, err)

	reg, err := masker.Default()
	require.NoError(t, err)

	guard := privacy.NewGuard(privacy.Permissive, nil)
	svc := NewService(st, v, guard, reg, nil)

	now := time.Now().UTC()
	proj, err := st.CreateProject(ctx, canonical.Project{
		ID:             canonical.EntityID("proj-sanitize"),
		Name:           "Operation Ingest",
		Classification: canonical.ClassSensitive,
		Status:         canonical.ProjectResearch,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)
	return svc, st, proj.ID
}

func TestIngestText_TXT_MasksAtNormalByDefault(t *testing.T) {
	svc, _, project := testService(t)
	ctx := context.Background()

	raw := []byte("Kontakta Anna på anna@example.com eller 070-123 45 67 angående ärendet.")
	doc, err := svc.IngestText(ctx, project, "note.txt", raw, "text/plain")
	require.NoError(t, err)

	require.Equal(t, canonical.SanitizeNormal, doc.SanitizeLevel)
	require.Contains(t, doc.MaskedText, "[EMAIL]")
	require.Contains(t, doc.MaskedText, "[PHONE]")
	require.NotContains(t, doc.MaskedText, "anna@example.com")
	require.Equal(t, canonical.ClassSensitive, doc.Classification)
	require.NotEmpty(t, doc.OriginalBlobRef)
	require.NotEmpty(t, doc.SHA256)
	require.True(t, canonical.UsageRestrictions{AIAllowed: true, ExportAllowed: true} == doc.UsageRestrictions)
}

func TestIngestText_MoneyAndCaseIDDoNotEscalateToParanoid(t *testing.T) {
	svc, _, project := testService(t)
	ctx := context.Background()

	raw := []byte("Ordernummer ABC-12345 på 1200 kr betalades den 15 mars 2025.")
	doc, err := svc.IngestText(ctx, project, "invoice.txt", raw, "text/plain")
	require.NoError(t, err)
	require.NotEqual(t, canonical.SanitizeParanoid, doc.SanitizeLevel) // masker handles money/case-id at normal; no gate leak expected
	_ = doc
}

func TestIngestText_UnsupportedMIME(t *testing.T) {
	svc, _, project := testService(t)
	ctx := context.Background()

	_, err := svc.IngestText(ctx, project, "clip.mp3", []byte("junk"), "audio/mpeg")
	require.ErrorIs(t, err, ErrUnsupportedMIME)
}

func TestBumpSanitizeLevel_OriginalMissingFails(t *testing.T) {
	svc, st, project := testService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	d, err := st.CreateDocument(ctx, canonical.Document{
		ID:              "doc-no-original",
		ProjectID:       project,
		Filename:        "derived.txt",
		FileType:        canonical.FileTypeReportDerived,
		MaskedText:      "already masked, no source blob",
		SanitizeLevel:   canonical.SanitizeNormal,
		Classification:  canonical.ClassSensitive,
		OriginalMissing: true,
		SHA256:          "deadbeef",
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	require.NoError(t, err)

	_, err = svc.BumpSanitizeLevel(ctx, d.ID, canonical.SanitizeStrict)
	require.ErrorIs(t, err, ErrOriginalMissing)
}

func TestBumpSanitizeLevel_FromMaskedTextWhenOriginalAbsent(t *testing.T) {
	svc, st, project := testService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	d, err := st.CreateDocument(ctx, canonical.Document{
		ID:             "doc-derived",
		ProjectID:      project,
		Filename:       "derived.txt",
		FileType:       canonical.FileTypeReportDerived,
		MaskedText:     "Ärendet gäller [EMAIL] och 12345678.",
		SanitizeLevel:  canonical.SanitizeNormal,
		Classification: canonical.ClassSensitive,
		SHA256:         "deadbeef",
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)

	bumped, err := svc.BumpSanitizeLevel(ctx, d.ID, canonical.SanitizeStrict)
	require.NoError(t, err)
	require.Equal(t, canonical.SanitizeStrict, bumped.SanitizeLevel)
	require.Contains(t, bumped.MaskedText, "[NUM]")
}

func TestBumpSanitizeLevel_RejectsRegression(t *testing.T) {
	svc, st, project := testService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	d, err := st.CreateDocument(ctx, canonical.Document{
		ID:             "doc-regress",
		ProjectID:      project,
		Filename:       "a.txt",
		FileType:       canonical.FileTypeTXT,
		MaskedText:     "x",
		SanitizeLevel:  canonical.SanitizeStrict,
		Classification: canonical.ClassSensitive,
		SHA256:         "abc",
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)

	_, err = svc.BumpSanitizeLevel(ctx, d.ID, canonical.SanitizeNormal)
	require.Error(t, err)
}

func TestEditMasked_ReMasksAndCanEscalate(t *testing.T) {
	svc, _, project := testService(t)
	ctx := context.Background()

	doc, err := svc.IngestText(ctx, project, "a.txt", []byte("Hej, inget känsligt här."), "text/plain")
	require.NoError(t, err)
	require.Equal(t, canonical.SanitizeNormal, doc.SanitizeLevel)

	edited, err := svc.EditMasked(ctx, doc.ID, "Nu med personnummer 19850315-1234 inblandat.")
	require.NoError(t, err)
	require.Contains(t, edited.MaskedText, "[PERSONNUMMER]")
	require.NotEqual(t, doc.SHA256, edited.SHA256)
}

func TestNormalizeText_NFCWhitespaceAndZeroWidth(t *testing.T) {
	in := "Källa​  med\t\tmellanslag\r\noch\rradbyten"
	out := normalizeText(in)
	require.Contains(t, out, "Källa")
	require.NotContains(t, out, "​")
	require.NotContains(t, out, "\t\t")
	require.NotContains(t, out, "\r")
}

func TestExtractTXT_IsIdentity(t *testing.T) {
	out, err := ExtractTXT([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "hello world", out)
}
