// Package knoxpack implements the KnoxInputPack Builder (component C7):
// deterministic selection, sort, and manifest/payload split of the
// Documents, ProjectNotes, and Sources eligible for one Knox compile.
package knoxpack

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/fortdesk/knoxcore/pkg/canonical"
)

// Selection narrows which eligible items a compile considers, on top of
// each item's own excluded_from_compile flag: Include, if non-empty,
// restricts to exactly that id set; Exclude always removes ids regardless
// of Include. Both apply uniformly across documents and notes.
type Selection struct {
	Include map[canonical.EntityID]struct{}
	Exclude map[canonical.EntityID]struct{}
}

func (s Selection) keep(id canonical.EntityID) bool {
	if s.Exclude != nil {
		if _, excluded := s.Exclude[id]; excluded {
			return false
		}
	}
	if s.Include != nil && len(s.Include) > 0 {
		_, included := s.Include[id]
		return included
	}
	return true
}

// PayloadDocument is the remote-bound representation of one Document:
// text, never the blob ref or original filename.
type PayloadDocument struct {
	ID            canonical.EntityID    `json:"id"`
	MaskedText    string                `json:"masked_text"`
	SanitizeLevel canonical.SanitizeLevel `json:"sanitize_level"`
}

// PayloadNote is the remote-bound representation of one ProjectNote.
type PayloadNote struct {
	ID            canonical.EntityID    `json:"id"`
	MaskedBody    string                `json:"masked_body"`
	SanitizeLevel canonical.SanitizeLevel `json:"sanitize_level"`
}

// PayloadSource is the remote-bound representation of one Source: type and
// title only, per spec.md §4.7 step 5 — the URL never leaves the core.
type PayloadSource struct {
	Type  canonical.SourceType `json:"type"`
	Title string               `json:"title"`
}

// Payload is everything sent to the remote Fort Knox engine, separate from
// InputManifest (which is what gets fingerprinted and persisted).
type Payload struct {
	PolicyID   canonical.PolicyID `json:"policy_id"`
	TemplateID string             `json:"template_id"`
	Documents  []PayloadDocument  `json:"documents"`
	Notes      []PayloadNote      `json:"notes"`
	Sources    []PayloadSource    `json:"sources"`
}

// Pack is the Builder's output: the manifest that gets fingerprinted and
// persisted on the KnoxReport, its fingerprint, and the payload that
// actually crosses the network.
type Pack struct {
	InputManifest    []canonical.ManifestEntry
	InputFingerprint string
	Payload          Payload
}

// DocumentLister/NoteLister/SourceLister are the narrow slices of
// internal/store.Store the Builder depends on, so it can be tested without
// a real database.
type DocumentLister interface {
	ListEligibleDocuments(ctx context.Context, project canonical.ProjectID) ([]canonical.Document, error)
}
type NoteLister interface {
	ListEligibleNotes(ctx context.Context, project canonical.ProjectID) ([]canonical.ProjectNote, error)
}
type SourceLister interface {
	ListSources(ctx context.Context, project canonical.ProjectID) ([]canonical.Source, error)
}

type Builder struct {
	docs    DocumentLister
	notes   NoteLister
	sources SourceLister
}

func NewBuilder(docs DocumentLister, notes NoteLister, sources SourceLister) *Builder {
	return &Builder{docs: docs, notes: notes, sources: sources}
}

// Build runs the full C7 algorithm: load eligible Documents/ProjectNotes/
// Sources (JournalistNotes are never loaded at all — they are never
// eligible for compile, per pkg/canonical), apply sel, sort deterministically,
// build the manifest, fingerprint it, and split out the remote payload.
func (b *Builder) Build(ctx context.Context, project canonical.ProjectID, policyID canonical.PolicyID, templateID string, sel Selection) (Pack, error) {
	docs, err := b.docs.ListEligibleDocuments(ctx, project)
	if err != nil {
		return Pack{}, fmt.Errorf("knoxpack: list documents: %w", err)
	}
	notes, err := b.notes.ListEligibleNotes(ctx, project)
	if err != nil {
		return Pack{}, fmt.Errorf("knoxpack: list notes: %w", err)
	}
	sources, err := b.sources.ListSources(ctx, project)
	if err != nil {
		return Pack{}, fmt.Errorf("knoxpack: list sources: %w", err)
	}

	docs = filterDocs(docs, sel)
	notes = filterNotes(notes, sel)

	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.Before(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	sort.Slice(notes, func(i, j int) bool {
		if !notes[i].CreatedAt.Equal(notes[j].CreatedAt) {
			return notes[i].CreatedAt.Before(notes[j].CreatedAt)
		}
		return notes[i].ID < notes[j].ID
	})
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].Type != sources[j].Type {
			return sources[i].Type < sources[j].Type
		}
		return sources[i].ID < sources[j].ID
	})

	manifest := make([]canonical.ManifestEntry, 0, len(docs)+len(notes)+len(sources))
	for _, d := range docs {
		manifest = append(manifest, canonical.ManifestEntry{
			Kind: "document", ID: d.ID, SHA256: d.SHA256,
			SanitizeLevel: d.SanitizeLevel, UpdatedAt: d.UpdatedAt,
		})
	}
	for _, n := range notes {
		manifest = append(manifest, canonical.ManifestEntry{
			Kind: "project_note", ID: n.ID, SHA256: n.SHA256,
			SanitizeLevel: n.SanitizeLevel, UpdatedAt: n.UpdatedAt,
		})
	}
	for _, src := range sources {
		manifest = append(manifest, canonical.ManifestEntry{
			Kind: "source", ID: src.ID, URLHash: urlHash(src.URL), UpdatedAt: src.UpdatedAt,
		})
	}

	fingerprint, err := fingerprintManifest(manifest)
	if err != nil {
		return Pack{}, fmt.Errorf("knoxpack: fingerprint manifest: %w", err)
	}

	payload := Payload{PolicyID: policyID, TemplateID: templateID}
	for _, d := range docs {
		payload.Documents = append(payload.Documents, PayloadDocument{ID: d.ID, MaskedText: d.MaskedText, SanitizeLevel: d.SanitizeLevel})
	}
	for _, n := range notes {
		payload.Notes = append(payload.Notes, PayloadNote{ID: n.ID, MaskedBody: n.MaskedBody, SanitizeLevel: n.SanitizeLevel})
	}
	for _, src := range sources {
		payload.Sources = append(payload.Sources, PayloadSource{Type: src.Type, Title: src.Title})
	}

	return Pack{InputManifest: manifest, InputFingerprint: fingerprint, Payload: payload}, nil
}

func filterDocs(in []canonical.Document, sel Selection) []canonical.Document {
	out := make([]canonical.Document, 0, len(in))
	for _, d := range in {
		if sel.keep(d.ID) {
			out = append(out, d)
		}
	}
	return out
}

func filterNotes(in []canonical.ProjectNote, sel Selection) []canonical.ProjectNote {
	out := make([]canonical.ProjectNote, 0, len(in))
	for _, n := range in {
		if sel.keep(n.ID) {
			out = append(out, n)
		}
	}
	return out
}

// fingerprintManifest computes SHA-256(canonical_json(manifest)) per
// spec.md §4.7 step 4: sorted keys, no whitespace, UTF-8 without BOM, no
// ASCII-escaping of non-ASCII, numbers in shortest decimal form (the
// manifest carries no floating-point fields, so json.Number's default
// formatting already satisfies this).
func fingerprintManifest(manifest []canonical.ManifestEntry) (string, error) {
	canon, err := canonicalJSON(manifest)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func urlHash(url string) string {
	if url == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
