package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fortdesk/knoxcore/pkg/canonical"
)

func (s *Store) CreateProjectNote(ctx context.Context, n canonical.ProjectNote) (canonical.ProjectNote, error) {
	n.Normalize()
	if err := n.Validate(); err != nil {
		return canonical.ProjectNote{}, err
	}
	q := s.rebind(`INSERT INTO project_notes (id, project_id, title, masked_body, sanitize_level,
		excluded_from_compile, sha256, version, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`)
	_, err := s.db.ExecContext(ctx, q, n.ID, n.ProjectID, n.Title, n.MaskedBody, n.SanitizeLevel,
		n.ExcludedFromCompile, n.SHA256, n.Version, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return canonical.ProjectNote{}, fmt.Errorf("store: create project note: %w", err)
	}
	return n, nil
}

func (s *Store) ListEligibleNotes(ctx context.Context, project canonical.ProjectID) ([]canonical.ProjectNote, error) {
	q := s.rebind(`SELECT id, project_id, title, masked_body, sanitize_level, excluded_from_compile, sha256,
		version, created_at, updated_at FROM project_notes
		WHERE project_id = ? AND excluded_from_compile = false ORDER BY created_at ASC, id ASC`)
	rows, err := s.db.QueryContext(ctx, q, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []canonical.ProjectNote
	for rows.Next() {
		var n canonical.ProjectNote
		var title sql.NullString
		if err := rows.Scan(&n.ID, &n.ProjectID, &title, &n.MaskedBody, &n.SanitizeLevel, &n.ExcludedFromCompile,
			&n.SHA256, &n.Version, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		n.Title = title.String
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) EditProjectNoteMaskedBody(ctx context.Context, id canonical.EntityID, maskedBody string, level canonical.SanitizeLevel, sha256 string) error {
	q := s.rebind(`UPDATE project_notes SET masked_body = ?, sanitize_level = ?, sha256 = ?, version = version + 1,
		updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, maskedBody, level, sha256, nowUTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CreateJournalistNote(ctx context.Context, n canonical.JournalistNote) (canonical.JournalistNote, error) {
	n.Normalize()
	if err := n.Validate(); err != nil {
		return canonical.JournalistNote{}, err
	}
	q := s.rebind(`INSERT INTO journalist_notes (id, project_id, body, category, image_refs, version,
		created_at, updated_at) VALUES (?,?,?,?,?,?,?,?)`)
	_, err := s.db.ExecContext(ctx, q, n.ID, n.ProjectID, n.Body, n.Category, tagsToDB(n.ImageRefs), n.Version,
		n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return canonical.JournalistNote{}, fmt.Errorf("store: create journalist note: %w", err)
	}
	return n, nil
}

func (s *Store) ListJournalistNoteImageRefs(ctx context.Context, project canonical.ProjectID) ([]string, error) {
	q := s.rebind(`SELECT image_refs FROM journalist_notes WHERE project_id = ?`)
	rows, err := s.db.QueryContext(ctx, q, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var refs string
		if err := rows.Scan(&refs); err != nil {
			return nil, err
		}
		out = append(out, tagsFromDB(refs)...)
	}
	return out, rows.Err()
}

func (s *Store) CreateSource(ctx context.Context, src canonical.Source) (canonical.Source, error) {
	src.Normalize()
	if err := src.Validate(); err != nil {
		return canonical.Source{}, err
	}
	q := s.rebind(`INSERT INTO sources (id, project_id, title, type, url, comment, version, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)`)
	_, err := s.db.ExecContext(ctx, q, src.ID, src.ProjectID, src.Title, src.Type, src.URL, src.Comment,
		src.Version, src.CreatedAt, src.UpdatedAt)
	if err != nil {
		return canonical.Source{}, fmt.Errorf("store: create source: %w", err)
	}
	return src, nil
}

// ListSources returns sources ordered (type ASC, id ASC) per the
// KnoxInputPack Builder's deterministic sort requirement.
func (s *Store) ListSources(ctx context.Context, project canonical.ProjectID) ([]canonical.Source, error) {
	q := s.rebind(`SELECT id, project_id, title, type, url, comment, version, created_at, updated_at
		FROM sources WHERE project_id = ? ORDER BY type ASC, id ASC`)
	rows, err := s.db.QueryContext(ctx, q, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []canonical.Source
	for rows.Next() {
		var src canonical.Source
		if err := rows.Scan(&src.ID, &src.ProjectID, &src.Title, &src.Type, &src.URL, &src.Comment,
			&src.Version, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}
