package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fortdesk/knoxcore/internal/privacy"
	"github.com/fortdesk/knoxcore/pkg/canonical"
)

// AppendEvent accepts only a privacy.GuardedMetadata-backed canonical.Event
// (built exclusively via privacy.NewEvent), so a caller cannot bypass the
// Privacy Guard and still reach this table: there is no overload that takes
// a bare map.
func (s *Store) AppendEvent(ctx context.Context, ev canonical.Event, actor string) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("store: invalid event: %w", err)
	}
	q := s.rebind(`INSERT INTO events (id, project_id, actor, event_type, occurred_at, metadata_json, prev_hash, hash)
		VALUES (?,?,?,?,?,?,?,?)`)
	_, err := s.db.ExecContext(ctx, q, ev.Meta.ID, ev.Meta.Tenant, actor, ev.Meta.Type, ev.Meta.Occurred,
		string(ev.Payload), ev.Meta.PrevHash, ev.Meta.Hash)
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

// EnsureGuardedEvent is the convenience path used by every component: build
// a GuardedMetadata via guard, wrap it as a canonical.Event, and append it —
// so call sites never see a raw map at all.
func (s *Store) EnsureGuardedEvent(ctx context.Context, guard *privacy.Guard, project canonical.ProjectID, eventType, actor string, occurred time.Time, fields map[string]string) error {
	meta, err := guard.Build(ctx, fields, eventType)
	if err != nil {
		return err
	}
	ev, err := privacy.NewEvent(project, eventType, occurred, meta)
	if err != nil {
		return err
	}
	return s.AppendEvent(ctx, ev, actor)
}

func (s *Store) LastEventHash(ctx context.Context, project canonical.ProjectID) (string, error) {
	q := s.rebind(`SELECT hash FROM events WHERE project_id = ? ORDER BY occurred_at DESC, id DESC LIMIT 1`)
	row := s.db.QueryRowContext(ctx, q, project)
	var h sql.NullString
	if err := row.Scan(&h); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return h.String, nil
}
