package store

import (
	"context"
	"database/sql"

	"github.com/fortdesk/knoxcore/pkg/canonical"
)

// ProjectSubgraph is everything Secure Delete must erase for one project:
// every blob ref it must ask the Vault to delete, plus a count of DB rows
// still referencing the project across every table in its subgraph. The
// Entity Store never deletes blobs itself — that is the Vault's job — but
// it is the only component that knows which refs exist.
type ProjectSubgraph struct {
	BlobRefs []string
	RowCount int
}

// EnumerateProjectSubgraph walks every table that can hold a project-scoped
// blob reference or row, for the "enumerate blobs+rows" step of
// delete_project. It must run before any row is deleted.
func (s *Store) EnumerateProjectSubgraph(ctx context.Context, project canonical.ProjectID) (ProjectSubgraph, error) {
	var out ProjectSubgraph

	docRefs, err := s.queryStrings(ctx, `SELECT original_blob_ref FROM documents WHERE project_id = ? AND original_blob_ref IS NOT NULL AND original_blob_ref != ''`, project)
	if err != nil {
		return ProjectSubgraph{}, err
	}
	out.BlobRefs = append(out.BlobRefs, docRefs...)

	imgRefs, err := s.ListJournalistNoteImageRefs(ctx, project)
	if err != nil {
		return ProjectSubgraph{}, err
	}
	out.BlobRefs = append(out.BlobRefs, imgRefs...)

	for _, table := range []string{"documents", "project_notes", "journalist_notes", "sources", "events", "jobs", "knox_reports"} {
		n, err := s.countRows(ctx, table, project)
		if err != nil {
			return ProjectSubgraph{}, err
		}
		out.RowCount += n
	}
	// The project row itself counts toward the subgraph so a project with
	// zero children but a surviving row is still reported as non-empty.
	if exists, err := s.DeleteProjectExists(ctx, canonical.EntityID(project)); err != nil {
		return ProjectSubgraph{}, err
	} else if exists {
		out.RowCount++
	}
	return out, nil
}

// DeleteProjectRows removes every row in the project's subgraph. It relies
// on the schema's ON DELETE CASCADE from child tables to projects(id), so a
// single DELETE against projects is sufficient; deleting the project row is
// therefore the cascade trigger, not a separate step. Idempotent: deleting
// an already-absent project affects zero rows and is not an error.
func (s *Store) DeleteProjectRows(ctx context.Context, project canonical.ProjectID) error {
	q := s.rebind(`DELETE FROM projects WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, q, project)
	return err
}

// VerifyProjectErased re-runs the subgraph enumeration and reports whether
// anything survived; Secure Delete calls this after DeleteProjectRows (and
// after the Vault confirms every blob is gone) to fail closed with
// ORPHANS_REMAINING(count=N) instead of reporting success on a partial delete.
func (s *Store) VerifyProjectErased(ctx context.Context, project canonical.ProjectID) (int, error) {
	sub, err := s.EnumerateProjectSubgraph(ctx, project)
	if err != nil {
		return 0, err
	}
	return sub.RowCount + len(sub.BlobRefs), nil
}

func (s *Store) queryStrings(ctx context.Context, query string, project canonical.ProjectID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if v.Valid && v.String != "" {
			out = append(out, v.String)
		}
	}
	return out, rows.Err()
}

func (s *Store) countRows(ctx context.Context, table string, project canonical.ProjectID) (int, error) {
	q := s.rebind(`SELECT COUNT(*) FROM ` + table + ` WHERE project_id = ?`)
	var n int
	if err := s.db.QueryRowContext(ctx, q, project).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
