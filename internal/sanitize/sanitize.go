// Package sanitize implements the Sanitization Service (component C5): the
// extract -> normalize -> mask -> PII-gate pipeline that turns an uploaded
// document or an edited note into a masked, classified entity, escalating
// its sanitize_level when the mask cannot fully clear the PII-gate.
package sanitize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"

	"github.com/fortdesk/knoxcore/internal/gate"
	"github.com/fortdesk/knoxcore/internal/masker"
	"github.com/fortdesk/knoxcore/internal/privacy"
	"github.com/fortdesk/knoxcore/internal/store"
	"github.com/fortdesk/knoxcore/internal/vault"
	"github.com/fortdesk/knoxcore/pkg/canonical"
)

// ErrUnmaskable is the terminal failure raised when the masked text still
// fails the PII-gate at paranoid: per the spec this is fatal to ingest, no
// document is written, and callers never see a partial/escalating level.
var ErrUnmaskable = errors.New("sanitize: text cannot be cleared of pii even at paranoid level")

// ErrOriginalMissing is raised by BumpSanitizeLevel when the escalation
// needs the original blob (a Document with no usable prior source of
// truth) and the Vault has none.
var ErrOriginalMissing = errors.New("sanitize: original source of truth is unavailable")

// ErrUnsupportedMIME is raised by IngestText for a mime/file_type this
// service has no extractor for (audio is C6's responsibility, not C5's).
var ErrUnsupportedMIME = errors.New("sanitize: unsupported mime type for text extraction")

// escalationOrder is the fixed normal -> strict -> paranoid ladder the
// ingest pipeline climbs one rung at a time until the PII-gate clears or
// paranoid is reached and still fails.
var escalationOrder = []canonical.SanitizeLevel{
	canonical.SanitizeNormal,
	canonical.SanitizeStrict,
	canonical.SanitizeParanoid,
}

// Service wires the Masker (C1), Privacy Guard (C2), File Vault (C3), and
// Entity Store (C4) together into the C5 public contract. It holds no
// per-request state; one Service is built at startup and shared.
type Service struct {
	store    *store.Store
	vault    *vault.Vault
	guard    *privacy.Guard
	masker   *masker.Registry
	identity age.Identity // nil when the vault has no at-rest encryption configured
}

func NewService(st *store.Store, v *vault.Vault, guard *privacy.Guard, reg *masker.Registry, identity age.Identity) *Service {
	return &Service{store: st, vault: v, guard: guard, masker: reg, identity: identity}
}

// maskResult is the outcome of running the escalation ladder once: the
// text that finally cleared the gate (or the paranoid text that still
// didn't), the level it cleared at, and whatever stats the last pass
// produced.
type maskResult struct {
	text  string
	level canonical.SanitizeLevel
	stats masker.Stats
}

// escalateAndMask runs mask(level, text) starting at startLevel and walks
// escalationOrder upward each time the PII-gate still finds a leak,
// stopping at the first level that clears or returning ErrUnmaskable once
// paranoid itself still leaks.
func (s *Service) escalateAndMask(text string, startLevel canonical.SanitizeLevel) (maskResult, error) {
	startIdx := 0
	for i, l := range escalationOrder {
		if l == startLevel {
			startIdx = i
			break
		}
	}
	var last maskResult
	for _, level := range escalationOrder[startIdx:] {
		masked, stats := s.masker.Mask(level, text, false)
		last = maskResult{text: masked, level: level, stats: stats}
		if leaked, _ := gate.PIILeakCheck(masked); !leaked {
			return last, nil
		}
	}
	return last, ErrUnmaskable
}

// IngestText runs the ingest_text pipeline: extract, normalize, mask with
// escalation, persist the Document, store the original bytes in the File
// Vault, and emit document_uploaded through the Privacy Guard. No step
// commits partial state: the Document row is only written once masking has
// cleared the PII-gate (or failed permanently with ErrUnmaskable, in which
// case nothing is written at all).
func (s *Service) IngestText(ctx context.Context, project canonical.ProjectID, filename string, raw []byte, mime string) (canonical.Document, error) {
	fileType, err := classify(filename, mime)
	if err != nil {
		return canonical.Document{}, err
	}

	var extracted string
	switch fileType {
	case canonical.FileTypePDF:
		extracted, err = ExtractPDF(raw)
	case canonical.FileTypeTXT:
		extracted, err = ExtractTXT(raw)
	default:
		return canonical.Document{}, fmt.Errorf("%w: %q", ErrUnsupportedMIME, mime)
	}
	if err != nil {
		return canonical.Document{}, fmt.Errorf("sanitize: extract: %w", err)
	}

	return s.ingestExtracted(ctx, project, filename, fileType, raw, extracted)
}

// IngestDerivedText runs the same extract(identity)->normalize->mask->
// persist pipeline as IngestText, for content that was already rendered to
// plain text/markdown by another component (C6's transcript renderer) and
// therefore needs no PDF/TXT extraction step of its own. rawSource is kept
// only as the File Vault original (so the unrefined rendering remains
// recoverable for a later BumpSanitizeLevel); fileType is supplied by the
// caller since classify() only recognizes uploaded PDFs/TXT files.
func (s *Service) IngestDerivedText(ctx context.Context, project canonical.ProjectID, filename string, fileType canonical.FileType, rendered string) (canonical.Document, error) {
	if !canonical.ValidFileType(fileType) {
		return canonical.Document{}, fmt.Errorf("sanitize: invalid file_type %q", fileType)
	}
	return s.ingestExtracted(ctx, project, filename, fileType, []byte(rendered), rendered)
}

func (s *Service) ingestExtracted(ctx context.Context, project canonical.ProjectID, filename string, fileType canonical.FileType, raw []byte, extracted string) (canonical.Document, error) {
	normalized := normalizeText(extracted)

	result, err := s.escalateAndMask(normalized, canonical.SanitizeNormal)
	if err != nil {
		return canonical.Document{}, err
	}

	proj, err := s.store.GetProject(ctx, canonical.EntityID(project))
	if err != nil {
		return canonical.Document{}, fmt.Errorf("sanitize: load project: %w", err)
	}

	sum := sha256.Sum256([]byte(result.text))
	now := time.Now().UTC()
	doc := canonical.Document{
		ID:                  canonical.EntityID(uuid.NewString()),
		ProjectID:           project,
		Filename:            filename,
		FileType:            fileType,
		MaskedText:          result.text,
		SanitizeLevel:       result.level,
		Classification:      proj.Classification,
		UsageRestrictions:   masker.UsageRestrictionsFor(result.level),
		SHA256:              hex.EncodeToString(sum[:]),
		ExcludedFromCompile: false,
		DatetimeMasked:      datesWereMasked(result.stats),
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	ref, _, err := s.vault.Put(ctx, project, vault.KindDocumentOriginal, raw)
	if err != nil {
		return canonical.Document{}, fmt.Errorf("sanitize: store original: %w", err)
	}
	doc.OriginalBlobRef = string(ref)

	stored, err := s.store.CreateDocument(ctx, doc)
	if err != nil {
		return canonical.Document{}, fmt.Errorf("sanitize: persist document: %w", err)
	}

	if err := s.store.EnsureGuardedEvent(ctx, s.guard, project, "document_uploaded", "sanitize", now, map[string]string{
		"document_id":    string(stored.ID),
		"sanitize_level": string(stored.SanitizeLevel),
		"classification": string(stored.Classification),
		"file_type":      string(stored.FileType),
	}); err != nil {
		return canonical.Document{}, fmt.Errorf("sanitize: emit document_uploaded: %w", err)
	}

	return stored, nil
}

// BumpSanitizeLevel re-runs the pipeline from the last available source of
// truth (the original blob if present, otherwise the current masked_text)
// up to target, which must be at or above the document's current level.
// Returns ErrOriginalMissing if the document's original blob is required
// and unavailable (original_missing is set, or its blob ref no longer
// resolves in the vault).
func (s *Service) BumpSanitizeLevel(ctx context.Context, docID canonical.EntityID, target canonical.SanitizeLevel) (canonical.Document, error) {
	if !canonical.ValidSanitizeLevel(target) {
		return canonical.Document{}, fmt.Errorf("sanitize: invalid target level %q", target)
	}
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return canonical.Document{}, err
	}
	if !canonical.SanitizeLevelAtLeast(target, doc.SanitizeLevel) {
		return canonical.Document{}, fmt.Errorf("sanitize: target level %q is below current %q", target, doc.SanitizeLevel)
	}
	if doc.OriginalMissing {
		return canonical.Document{}, ErrOriginalMissing
	}

	var source string
	if doc.OriginalBlobRef != "" && !doc.OriginalMissing {
		raw, err := s.vault.Get(ctx, vault.BlobRef(doc.OriginalBlobRef), s.identity)
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				_ = s.store.SetDocumentOriginalMissing(ctx, docID)
				return canonical.Document{}, ErrOriginalMissing
			}
			return canonical.Document{}, fmt.Errorf("sanitize: read original: %w", err)
		}
		var extracted string
		switch doc.FileType {
		case canonical.FileTypePDF:
			extracted, err = ExtractPDF(raw)
		case canonical.FileTypeTXT:
			extracted, err = ExtractTXT(raw)
		default:
			extracted = doc.MaskedText
		}
		if err != nil {
			return canonical.Document{}, fmt.Errorf("sanitize: extract: %w", err)
		}
		source = normalizeText(extracted)
	} else {
		source = doc.MaskedText
	}

	masked, _ := s.masker.Mask(target, source, false)
	if leaked, _ := gate.PIILeakCheck(masked); leaked {
		if target == canonical.SanitizeParanoid {
			return canonical.Document{}, ErrUnmaskable
		}
		return canonical.Document{}, fmt.Errorf("sanitize: mask at %q still leaks pii", target)
	}

	sum := sha256.Sum256([]byte(masked))
	restr := masker.UsageRestrictionsFor(target)
	if err := s.store.EditDocumentMaskedText(ctx, docID, masked, target, hex.EncodeToString(sum[:]), restr); err != nil {
		return canonical.Document{}, err
	}
	return s.store.GetDocument(ctx, docID)
}

// EditMasked treats newMaskedText as a new input at the document's current
// level: re-runs mask + PII-gate (which may escalate the level further),
// re-computes sha256, and bumps updated_at.
func (s *Service) EditMasked(ctx context.Context, docID canonical.EntityID, newMaskedText string) (canonical.Document, error) {
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return canonical.Document{}, err
	}
	normalized := normalizeText(newMaskedText)
	result, err := s.escalateAndMask(normalized, doc.SanitizeLevel)
	if err != nil {
		return canonical.Document{}, err
	}
	sum := sha256.Sum256([]byte(result.text))
	restr := masker.UsageRestrictionsFor(result.level)
	if err := s.store.EditDocumentMaskedText(ctx, docID, result.text, result.level, hex.EncodeToString(sum[:]), restr); err != nil {
		return canonical.Document{}, err
	}
	return s.store.GetDocument(ctx, docID)
}

// IngestNote runs the mask+PII-gate escalation ladder over a
// journalist-authored project note body and persists the result. Notes
// carry no original blob in the File Vault — there is no upload to
// recover from, the author's own edit is the next source of truth — so
// BumpSanitizeLevel has no note-side equivalent.
func (s *Service) IngestNote(ctx context.Context, project canonical.ProjectID, title, body string) (canonical.ProjectNote, error) {
	normalized := normalizeText(body)
	result, err := s.escalateAndMask(normalized, canonical.SanitizeNormal)
	if err != nil {
		return canonical.ProjectNote{}, err
	}
	sum := sha256.Sum256([]byte(result.text))
	now := time.Now().UTC()
	note := canonical.ProjectNote{
		ID:            canonical.EntityID(uuid.NewString()),
		ProjectID:     project,
		Title:         title,
		MaskedBody:    result.text,
		SanitizeLevel: result.level,
		SHA256:        hex.EncodeToString(sum[:]),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	stored, err := s.store.CreateProjectNote(ctx, note)
	if err != nil {
		return canonical.ProjectNote{}, fmt.Errorf("sanitize: persist note: %w", err)
	}
	if err := s.store.EnsureGuardedEvent(ctx, s.guard, project, "note_created", "sanitize", now, map[string]string{
		"note_id":        string(stored.ID),
		"sanitize_level": string(stored.SanitizeLevel),
	}); err != nil {
		return canonical.ProjectNote{}, fmt.Errorf("sanitize: emit note_created: %w", err)
	}
	return stored, nil
}

// datesWereMasked reports whether any date-shaped pattern fired during
// masking, the signal the Document.datetime_masked flag records.
func datesWereMasked(stats masker.Stats) bool {
	for _, k := range []string{"date_iso", "date_locale_month", "date_weekday"} {
		if stats.Counts[k] > 0 {
			return true
		}
	}
	return false
}

// classify picks the Document file_type from filename/mime. Audio is out
// of scope here: C6 owns the audio -> transcript path and never calls
// through IngestText for the raw recording itself.
func classify(filename, mime string) (canonical.FileType, error) {
	m := strings.ToLower(strings.TrimSpace(mime))
	lower := strings.ToLower(filename)
	switch {
	case m == "application/pdf" || strings.HasSuffix(lower, ".pdf"):
		return canonical.FileTypePDF, nil
	case m == "text/plain" || strings.HasSuffix(lower, ".txt") || m == "":
		return canonical.FileTypeTXT, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMIME, mime)
	}
}
