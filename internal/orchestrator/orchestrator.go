// Package orchestrator implements the Knox Orchestrator (component C9):
// the single entry point that turns a compile request into a KnoxReport,
// in the fixed order spec.md §4.9 names — build pack, input gate,
// idempotency lookup, offline check, remote call, output gate, render,
// save-if-absent, event — never reordered, never short-circuited except
// where a step's own failure makes the rest meaningless.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fortdesk/knoxcore/internal/gate"
	"github.com/fortdesk/knoxcore/internal/knoxpack"
	"github.com/fortdesk/knoxcore/internal/policy"
	"github.com/fortdesk/knoxcore/internal/privacy"
	"github.com/fortdesk/knoxcore/internal/store"
	"github.com/fortdesk/knoxcore/pkg/canonical"
	apierrors "github.com/fortdesk/knoxcore/pkg/errors"
	"github.com/fortdesk/knoxcore/pkg/telemetry"
)

// CompileError wraps the uniform error envelope so callers (internal/httpapi,
// cmd/knoxctl) can surface error_code/reasons without re-deriving them, while
// still satisfying the error interface for ordinary Go control flow.
type CompileError struct {
	Envelope apierrors.Envelope
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("orchestrator: %s", e.Envelope.ErrorCode)
}

func newCompileError(code apierrors.Code, reasons []string) *CompileError {
	return &CompileError{Envelope: apierrors.NewEnvelope(code, reasons, "")}
}

// PackBuilder is the narrow slice of *knoxpack.Builder the Orchestrator
// depends on.
type PackBuilder interface {
	Build(ctx context.Context, project canonical.ProjectID, policyID canonical.PolicyID, templateID string, sel knoxpack.Selection) (knoxpack.Pack, error)
}

// ReportStore is the narrow slice of *internal/store.Store the Orchestrator
// depends on for the idempotency lookup and the atomic save.
type ReportStore interface {
	FindReportByFingerprint(ctx context.Context, project canonical.ProjectID, policyID canonical.PolicyID, templateID, fingerprint string) (canonical.KnoxReport, error)
	SaveReportIfAbsent(ctx context.Context, r canonical.KnoxReport) (canonical.KnoxReport, error)
}

// EventRecorder is the narrow slice of *internal/store.Store the
// Orchestrator depends on for emitting knox_report_created.
type EventRecorder interface {
	EnsureGuardedEvent(ctx context.Context, guard *privacy.Guard, project canonical.ProjectID, eventType, actor string, occurred time.Time, fields map[string]string) error
}

// Orchestrator wires the KnoxInputPack Builder (C7), the Gate Engine (C8),
// the Entity Store's report table, and a RemoteCaller (the real Fort Knox
// engine or a TESTMODE fixture set) into the C9 public contract. It holds
// no per-request state.
type Orchestrator struct {
	packs    PackBuilder
	policies *policy.Set
	store    ReportStore
	events   EventRecorder
	guard    *privacy.Guard
	remote   RemoteCaller
	logger   *telemetry.Logger
}

func NewOrchestrator(packs PackBuilder, policies *policy.Set, store ReportStore, events EventRecorder, guard *privacy.Guard, remote RemoteCaller, logger *telemetry.Logger) *Orchestrator {
	if logger == nil {
		logger = telemetry.Nop
	}
	return &Orchestrator{packs: packs, policies: policies, store: store, events: events, guard: guard, remote: remote, logger: logger}
}

// Compile runs the full nine-step algorithm. sel narrows which eligible
// documents/notes are considered beyond each item's own
// excluded_from_compile flag; pass the zero value to consider everything
// eligible.
func (o *Orchestrator) Compile(ctx context.Context, project canonical.ProjectID, policyID canonical.PolicyID, templateID string, sel knoxpack.Selection, actor string) (canonical.KnoxReport, error) {
	pol, err := o.policies.Get(policyID)
	if err != nil {
		return canonical.KnoxReport{}, fmt.Errorf("orchestrator: resolve policy: %w", err)
	}

	// 1. Build the pack.
	pack, err := o.packs.Build(ctx, project, policyID, templateID, sel)
	if err != nil {
		return canonical.KnoxReport{}, fmt.Errorf("orchestrator: build pack: %w", err)
	}

	// 2. Input Gate. Collects every applicable reason; a failure here
	// persists nothing.
	inGate := gate.InputGate(pack, pol)
	if !inGate.Passed {
		if len(pack.Payload.Documents) == 0 && len(pack.Payload.Notes) == 0 {
			return canonical.KnoxReport{}, newCompileError(apierrors.EmptyInputSet, inGate.Reasons)
		}
		return canonical.KnoxReport{}, newCompileError(apierrors.InputGateFailed, inGate.Reasons)
	}

	// 3. Idempotency lookup, before the offline check: a cached report is
	// served even when the remote is unreachable.
	if existing, err := o.store.FindReportByFingerprint(ctx, project, policyID, templateID, pack.InputFingerprint); err == nil {
		return existing, nil
	} else if !isNotFound(err) {
		return canonical.KnoxReport{}, fmt.Errorf("orchestrator: idempotency lookup: %w", err)
	}

	// 4. Offline check happens implicitly inside the remote call: a
	// RemoteCaller with nothing configured returns ErrRemoteNotConfigured
	// without ever attempting a dial.

	// 5. Remote call.
	result, err := o.remote.Call(ctx, policyID, templateID, pack.Payload)
	if err != nil {
		if isRemoteNotConfigured(err) {
			return canonical.KnoxReport{}, newCompileError(apierrors.FortKnoxOffline, nil)
		}
		o.logger.Warn(ctx, "fort knox remote call failed", map[string]any{
			"policy_id":         string(policyID),
			"template_id":       templateID,
			"input_fingerprint": pack.InputFingerprint,
		})
		return canonical.KnoxReport{}, newCompileError(apierrors.NetworkError, []string{"remote_call_failed"})
	}
	o.logger.Info(ctx, "fort knox remote call succeeded", map[string]any{
		"policy_id":         string(policyID),
		"template_id":       templateID,
		"input_fingerprint": pack.InputFingerprint,
		"latency_ms":        result.Latency.Milliseconds(),
	})

	// 6 & 7. Output Gate, which also performs the deterministic render
	// when the response clears every check.
	inputTexts := collectInputTexts(pack)
	outGate := gate.OutputGate(ctx, result.Body, inputTexts, pol)
	if !outGate.Passed {
		return canonical.KnoxReport{}, newCompileError(apierrors.OutputGateFailed, outGate.Reasons)
	}

	report := canonical.KnoxReport{
		ID:               canonical.EntityID(uuid.NewString()),
		ProjectID:        project,
		PolicyID:         policyID,
		PolicyVersion:    o.policies.Version,
		RulesetHash:      o.policies.RulesetHash,
		TemplateID:       templateID,
		EngineID:         result.EngineID,
		InputFingerprint: pack.InputFingerprint,
		InputManifest:    pack.InputManifest,
		GateResults: canonical.GateResults{
			InputGatePassed:  inGate.Passed,
			InputGateReasons: inGate.Reasons,
			OutputGatePassed: outGate.Passed,
			OutputGateReasons: outGate.Reasons,
			ReIDGuardPassed:  !containsReason(outGate.Reasons, "quote_detected"),
		},
		RenderedMarkdown: outGate.Rendered,
		LatencyMS:        result.Latency.Milliseconds(),
		CreatedAt:        time.Now().UTC(),
	}

	// 8. Save, race-safe: a concurrent compile for the same fingerprint
	// converges on whichever row won the insert.
	saved, err := o.store.SaveReportIfAbsent(ctx, report)
	if err != nil {
		return canonical.KnoxReport{}, fmt.Errorf("orchestrator: save report: %w", err)
	}

	// 9. Event, metadata only — never the rendered markdown.
	if err := o.events.EnsureGuardedEvent(ctx, o.guard, project, "knox_report_created", actor, saved.CreatedAt, map[string]string{
		"policy_id":         string(policyID),
		"template_id":       templateID,
		"input_fingerprint": saved.InputFingerprint,
		"report_id":         string(saved.ID),
	}); err != nil {
		return canonical.KnoxReport{}, fmt.Errorf("orchestrator: emit knox_report_created: %w", err)
	}

	return saved, nil
}

func collectInputTexts(pack knoxpack.Pack) []string {
	texts := make([]string, 0, len(pack.Payload.Documents)+len(pack.Payload.Notes))
	for _, d := range pack.Payload.Documents {
		texts = append(texts, d.MaskedText)
	}
	for _, n := range pack.Payload.Notes {
		texts = append(texts, n.MaskedBody)
	}
	return texts
}

func containsReason(reasons []string, want string) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func isRemoteNotConfigured(err error) bool {
	return errors.Is(err, ErrRemoteNotConfigured)
}
