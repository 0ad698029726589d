package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/fortdesk/knoxcore/pkg/canonical"
)

var ErrNotFound = errors.New("store: not found")

func tagsToDB(tags []string) string   { return strings.Join(tags, "\x1f") }
func tagsFromDB(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x1f")
}

// CreateProject inserts p (which must already have a validated ID and
// timestamps) and returns it unchanged on success.
func (s *Store) CreateProject(ctx context.Context, p canonical.Project) (canonical.Project, error) {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return canonical.Project{}, err
	}
	q := s.rebind(`INSERT INTO projects (id, name, classification, status, due_date, tags, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, p.ID, p.Name, p.Classification, p.Status, p.DueDate, tagsToDB(p.Tags), p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return canonical.Project{}, fmt.Errorf("store: create project: %w", err)
	}
	return p, nil
}

func (s *Store) GetProject(ctx context.Context, id canonical.EntityID) (canonical.Project, error) {
	q := s.rebind(`SELECT id, name, classification, status, due_date, tags, version, created_at, updated_at FROM projects WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, q, id)
	var p canonical.Project
	var tags string
	if err := row.Scan(&p.ID, &p.Name, &p.Classification, &p.Status, &p.DueDate, &tags, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return canonical.Project{}, ErrNotFound
		}
		return canonical.Project{}, err
	}
	p.Tags = tagsFromDB(tags)
	return p, nil
}

// UpdateProjectClassification enforces the "classification never downgrades
// silently" invariant: it refuses a downgrade, requiring an explicit
// override path (not exposed at the HTTP surface) rather than a quiet one.
func (s *Store) UpdateProjectClassification(ctx context.Context, id canonical.EntityID, next canonical.Classification) (canonical.Project, error) {
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return canonical.Project{}, err
	}
	if canonical.ClassificationDowngrades(p.Classification, next) {
		return canonical.Project{}, canonical.ErrClassificationDowngrade
	}
	q := s.rebind(`UPDATE projects SET classification = ?, version = version + 1, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, q, next, nowUTC(), id); err != nil {
		return canonical.Project{}, err
	}
	p.Classification = next
	return p, nil
}

func (s *Store) UpdateProjectStatus(ctx context.Context, id canonical.EntityID, status canonical.ProjectStatus) error {
	if !canonical.ValidProjectStatus(status) {
		return fmt.Errorf("%w: %q", canonical.ErrInvalidProjectStat, status)
	}
	q := s.rebind(`UPDATE projects SET status = ?, version = version + 1, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, status, nowUTC(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteProjectExists(ctx context.Context, id canonical.EntityID) (bool, error) {
	q := s.rebind(`SELECT 1 FROM projects WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, q, id)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
