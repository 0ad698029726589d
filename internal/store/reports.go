package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fortdesk/knoxcore/pkg/canonical"
)

// FindReportByFingerprint implements the idempotency lookup the Orchestrator
// performs before checking remote availability: a hit here means no remote
// call is made at all.
func (s *Store) FindReportByFingerprint(ctx context.Context, project canonical.ProjectID, policy canonical.PolicyID, templateID, fingerprint string) (canonical.KnoxReport, error) {
	q := s.rebind(`SELECT id, project_id, policy_id, policy_version, ruleset_hash, template_id, engine_id,
		input_fingerprint, input_manifest_json, gate_results_json, rendered_markdown, latency_ms, created_at
		FROM knox_reports WHERE project_id = ? AND policy_id = ? AND template_id = ? AND input_fingerprint = ?`)
	row := s.db.QueryRowContext(ctx, q, project, policy, templateID, fingerprint)
	return scanReport(row)
}

func (s *Store) GetReport(ctx context.Context, id canonical.EntityID) (canonical.KnoxReport, error) {
	q := s.rebind(`SELECT id, project_id, policy_id, policy_version, ruleset_hash, template_id, engine_id,
		input_fingerprint, input_manifest_json, gate_results_json, rendered_markdown, latency_ms, created_at
		FROM knox_reports WHERE id = ?`)
	return scanReport(s.db.QueryRowContext(ctx, q, id))
}

func scanReport(row *sql.Row) (canonical.KnoxReport, error) {
	var r canonical.KnoxReport
	var manifestJSON, gateJSON string
	if err := row.Scan(&r.ID, &r.ProjectID, &r.PolicyID, &r.PolicyVersion, &r.RulesetHash, &r.TemplateID,
		&r.EngineID, &r.InputFingerprint, &manifestJSON, &gateJSON, &r.RenderedMarkdown, &r.LatencyMS,
		&r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return canonical.KnoxReport{}, ErrNotFound
		}
		return canonical.KnoxReport{}, err
	}
	if err := json.Unmarshal([]byte(manifestJSON), &r.InputManifest); err != nil {
		return canonical.KnoxReport{}, fmt.Errorf("store: decode manifest: %w", err)
	}
	if err := json.Unmarshal([]byte(gateJSON), &r.GateResults); err != nil {
		return canonical.KnoxReport{}, fmt.Errorf("store: decode gate results: %w", err)
	}
	return r, nil
}

// SaveReportIfAbsent performs the atomic insert the unique index makes
// idempotent: on a unique-violation race it re-reads and returns the
// winning row rather than erroring, so two concurrent compiles for the same
// fingerprint always converge on one report.
func (s *Store) SaveReportIfAbsent(ctx context.Context, r canonical.KnoxReport) (canonical.KnoxReport, error) {
	r.Normalize()
	if err := r.Validate(); err != nil {
		return canonical.KnoxReport{}, err
	}
	manifestJSON, err := json.Marshal(r.InputManifest)
	if err != nil {
		return canonical.KnoxReport{}, err
	}
	gateJSON, err := json.Marshal(r.GateResults)
	if err != nil {
		return canonical.KnoxReport{}, err
	}
	q := s.rebind(`INSERT INTO knox_reports (id, project_id, policy_id, policy_version, ruleset_hash,
		template_id, engine_id, input_fingerprint, input_manifest_json, gate_results_json, rendered_markdown,
		latency_ms, created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	_, err = s.db.ExecContext(ctx, q, r.ID, r.ProjectID, r.PolicyID, r.PolicyVersion, r.RulesetHash,
		r.TemplateID, r.EngineID, r.InputFingerprint, string(manifestJSON), string(gateJSON),
		r.RenderedMarkdown, r.LatencyMS, r.CreatedAt)
	if err == nil {
		return r, nil
	}
	if isUniqueViolation(err) {
		existing, ferr := s.FindReportByFingerprint(ctx, r.ProjectID, r.PolicyID, r.TemplateID, r.InputFingerprint)
		if ferr != nil {
			return canonical.KnoxReport{}, fmt.Errorf("store: lost insert race and re-read failed: %w", ferr)
		}
		return existing, nil
	}
	return canonical.KnoxReport{}, fmt.Errorf("store: save report: %w", err)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
