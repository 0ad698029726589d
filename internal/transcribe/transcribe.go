// Package transcribe implements the Transcription Service (component C6):
// audio -> raw_text -> refined_text -> markdown -> ingest_text.
package transcribe

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fortdesk/knoxcore/internal/privacy"
	"github.com/fortdesk/knoxcore/internal/vault"
	"github.com/fortdesk/knoxcore/pkg/canonical"
)

// STT is the external speech-to-text engine, treated as a black box per
// spec.md §4.6 step 2: given audio bytes and their mime type, it returns
// raw (unrefined) text and, when known, the recording's duration.
type STT interface {
	Transcribe(ctx context.Context, audio []byte, mime string) (rawText string, duration time.Duration, err error)
}

// Ingester is the narrow slice of internal/sanitize.Service the
// Transcription Service depends on: the "C5 ingest_text-equivalent entry"
// spec.md §4.6 step 5 calls for, starting at sanitize_level=normal.
type Ingester interface {
	IngestDerivedText(ctx context.Context, project canonical.ProjectID, filename string, fileType canonical.FileType, rendered string) (canonical.Document, error)
}

// EventGuard is the narrow slice of internal/store.Store the Service needs
// to emit recording_transcribed without depending on the concrete Store
// type, matching the guarded-event convenience path the rest of the
// module uses.
type EventGuard interface {
	EnsureGuardedEvent(ctx context.Context, guard *privacy.Guard, project canonical.ProjectID, eventType, actor string, occurred time.Time, fields map[string]string) error
}

// Service wires the STT engine, the hot-reloadable refinement rule table,
// the File Vault, and the Sanitization Service into the C6 public
// contract.
type Service struct {
	stt      STT
	vault    *vault.Vault
	rules    *RuleSetWatcher
	ingester Ingester
	events   EventGuard
	guard    *privacy.Guard
}

func NewService(stt STT, v *vault.Vault, rules *RuleSetWatcher, ingester Ingester, events EventGuard, guard *privacy.Guard) *Service {
	return &Service{stt: stt, vault: v, rules: rules, ingester: ingester, events: events, guard: guard}
}

// Transcribe runs the full C6 pipeline and returns the resulting Document
// (file_type note-derived; masked_text holds the masked, rendered
// markdown). The audio itself is persisted to the File Vault independently
// of the Document it produces (the Document model carries a single
// original_blob_ref, already spent on the rendered-markdown "source of
// truth" that BumpSanitizeLevel re-derives from — the raw audio remains
// recoverable from the Vault by its own content hash, per §4.3's
// list_orphans/delete_project sweep covering every Kind uniformly).
func (s *Service) Transcribe(ctx context.Context, project canonical.ProjectID, filename string, audio []byte, mime string) (canonical.Document, error) {
	if _, _, err := s.vault.Put(ctx, project, vault.KindAudio, audio); err != nil {
		return canonical.Document{}, fmt.Errorf("transcribe: store audio: %w", err)
	}

	rawText, duration, err := s.stt.Transcribe(ctx, audio, mime)
	if err != nil {
		return canonical.Document{}, fmt.Errorf("transcribe: stt: %w", err)
	}

	rules := s.rules.Current()
	refined := rules.Refine(rawText)
	rendered := RenderMarkdown(refined)

	if filename == "" {
		filename = fmt.Sprintf("transcript-%s.md", uuid.NewString())
	}
	doc, err := s.ingester.IngestDerivedText(ctx, project, filename, canonical.FileTypeNoteDerived, rendered)
	if err != nil {
		return canonical.Document{}, fmt.Errorf("transcribe: ingest: %w", err)
	}

	now := time.Now().UTC()
	fields := map[string]string{
		"mime":            mime,
		"size":            fmt.Sprintf("%d", len(audio)),
		"ruleset_version": fmt.Sprintf("%d", rules.Version),
	}
	if duration > 0 {
		fields["duration_ms"] = fmt.Sprintf("%d", duration.Milliseconds())
	}
	if err := s.events.EnsureGuardedEvent(ctx, s.guard, project, "recording_transcribed", "transcribe", now, fields); err != nil {
		return canonical.Document{}, fmt.Errorf("transcribe: emit recording_transcribed: %w", err)
	}

	return doc, nil
}
