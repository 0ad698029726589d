package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fortdesk/knoxcore/pkg/canonical"
)

func (s *Store) CreateDocument(ctx context.Context, d canonical.Document) (canonical.Document, error) {
	d.Normalize()
	if err := d.Validate(); err != nil {
		return canonical.Document{}, err
	}
	q := s.rebind(`INSERT INTO documents (id, project_id, filename, file_type, original_blob_ref, masked_text,
		sanitize_level, classification, ai_allowed, export_allowed, sha256, excluded_from_compile,
		datetime_masked, original_missing, version, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	_, err := s.db.ExecContext(ctx, q,
		d.ID, d.ProjectID, d.Filename, d.FileType, nullStr(d.OriginalBlobRef), d.MaskedText,
		d.SanitizeLevel, d.Classification, d.UsageRestrictions.AIAllowed, d.UsageRestrictions.ExportAllowed,
		d.SHA256, d.ExcludedFromCompile, d.DatetimeMasked, d.OriginalMissing, d.Version, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return canonical.Document{}, fmt.Errorf("store: create document: %w", err)
	}
	return d, nil
}

func (s *Store) GetDocument(ctx context.Context, id canonical.EntityID) (canonical.Document, error) {
	q := s.rebind(`SELECT id, project_id, filename, file_type, original_blob_ref, masked_text, sanitize_level,
		classification, ai_allowed, export_allowed, sha256, excluded_from_compile, datetime_masked,
		original_missing, version, created_at, updated_at FROM documents WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, q, id)
	var d canonical.Document
	var blobRef sql.NullString
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Filename, &d.FileType, &blobRef, &d.MaskedText, &d.SanitizeLevel,
		&d.Classification, &d.UsageRestrictions.AIAllowed, &d.UsageRestrictions.ExportAllowed, &d.SHA256,
		&d.ExcludedFromCompile, &d.DatetimeMasked, &d.OriginalMissing, &d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return canonical.Document{}, ErrNotFound
		}
		return canonical.Document{}, err
	}
	d.OriginalBlobRef = blobRef.String
	return d, nil
}

// ListEligibleDocuments returns documents belonging to project that are not
// excluded_from_compile, ordered (created_at ASC, id ASC) per the
// KnoxInputPack Builder's deterministic sort requirement.
func (s *Store) ListEligibleDocuments(ctx context.Context, project canonical.ProjectID) ([]canonical.Document, error) {
	q := s.rebind(`SELECT id, project_id, filename, file_type, original_blob_ref, masked_text, sanitize_level,
		classification, ai_allowed, export_allowed, sha256, excluded_from_compile, datetime_masked,
		original_missing, version, created_at, updated_at FROM documents
		WHERE project_id = ? AND excluded_from_compile = false ORDER BY created_at ASC, id ASC`)
	rows, err := s.db.QueryContext(ctx, q, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []canonical.Document
	for rows.Next() {
		var d canonical.Document
		var blobRef sql.NullString
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Filename, &d.FileType, &blobRef, &d.MaskedText, &d.SanitizeLevel,
			&d.Classification, &d.UsageRestrictions.AIAllowed, &d.UsageRestrictions.ExportAllowed, &d.SHA256,
			&d.ExcludedFromCompile, &d.DatetimeMasked, &d.OriginalMissing, &d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.OriginalBlobRef = blobRef.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// EditDocumentMaskedText persists a re-sanitized masked_text/sanitize_level
// pair (the Sanitization Service has already run mask+PII-gate and may
// have escalated the level) and bumps updated_at/version.
func (s *Store) EditDocumentMaskedText(ctx context.Context, id canonical.EntityID, maskedText string, level canonical.SanitizeLevel, sha256 string, restr canonical.UsageRestrictions) error {
	q := s.rebind(`UPDATE documents SET masked_text = ?, sanitize_level = ?, sha256 = ?, ai_allowed = ?,
		export_allowed = ?, version = version + 1, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, maskedText, level, sha256, restr.AIAllowed, restr.ExportAllowed, nowUTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpDocumentSanitizeLevel is the row-level-locked "serialize mutations so
// sanitize_level cannot regress" operation: it refuses to write a level
// lower than the row's current level, using a transaction so concurrent
// bumps on the same document don't race past each other.
func (s *Store) BumpDocumentSanitizeLevel(ctx context.Context, id canonical.EntityID, target canonical.SanitizeLevel) (canonical.Document, error) {
	var out canonical.Document
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		q := s.rebind(`SELECT sanitize_level FROM documents WHERE id = ? ` + s.lockClause())
		var cur canonical.SanitizeLevel
		if err := tx.QueryRowContext(ctx, q, id).Scan(&cur); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !canonical.SanitizeLevelAtLeast(target, cur) {
			return fmt.Errorf("store: target level %q is below current %q", target, cur)
		}
		uq := s.rebind(`UPDATE documents SET sanitize_level = ?, version = version + 1, updated_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, uq, target, nowUTC(), id); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return canonical.Document{}, err
	}
	return s.GetDocument(ctx, id)
}

// DeleteDocument removes a single document row. The caller is responsible
// for deleting the document's blob via the Vault first (this mirrors
// Secure Delete's "blob before row" ordering at document scope) so the
// orphan-free guarantee on DELETE /api/documents/{id} holds the same way
// it does for whole-project deletes.
func (s *Store) DeleteDocument(ctx context.Context, id canonical.EntityID) error {
	q := s.rebind(`DELETE FROM documents WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, q, id)
	return err
}

func (s *Store) SetDocumentOriginalMissing(ctx context.Context, id canonical.EntityID) error {
	q := s.rebind(`UPDATE documents SET original_missing = true, updated_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, q, nowUTC(), id)
	return err
}

func (s *Store) lockClause() string {
	if s.driver == DriverPostgres {
		return "FOR UPDATE"
	}
	return "" // SQLite's single-writer connection serializes this for us
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
