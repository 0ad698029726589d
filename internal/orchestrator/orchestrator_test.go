package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fortdesk/knoxcore/internal/knoxpack"
	"github.com/fortdesk/knoxcore/internal/policy"
	"github.com/fortdesk/knoxcore/internal/privacy"
	"github.com/fortdesk/knoxcore/pkg/canonical"
)

type fakePackBuilder struct {
	pack knoxpack.Pack
	err  error
}

func (f fakePackBuilder) Build(ctx context.Context, project canonical.ProjectID, policyID canonical.PolicyID, templateID string, sel knoxpack.Selection) (knoxpack.Pack, error) {
	return f.pack, f.err
}

type fakeReportStore struct {
	existing *canonical.KnoxReport
	findErr  error
	saved    canonical.KnoxReport
	saveErr  error
}

func (f *fakeReportStore) FindReportByFingerprint(ctx context.Context, project canonical.ProjectID, policyID canonical.PolicyID, templateID, fingerprint string) (canonical.KnoxReport, error) {
	if f.existing != nil {
		return *f.existing, nil
	}
	if f.findErr != nil {
		return canonical.KnoxReport{}, f.findErr
	}
	return canonical.KnoxReport{}, storeNotFound{}
}

func (f *fakeReportStore) SaveReportIfAbsent(ctx context.Context, r canonical.KnoxReport) (canonical.KnoxReport, error) {
	if f.saveErr != nil {
		return canonical.KnoxReport{}, f.saveErr
	}
	f.saved = r
	return r, nil
}

// storeNotFound satisfies errors.Is(err, store.ErrNotFound) by wrapping it.
type storeNotFound struct{}

func (storeNotFound) Error() string { return "store: not found" }
func (storeNotFound) Is(target error) bool {
	return target != nil && target.Error() == "store: not found"
}

type fakeEventRecorder struct {
	lastType   string
	lastFields map[string]string
	err        error
}

func (f *fakeEventRecorder) EnsureGuardedEvent(ctx context.Context, guard *privacy.Guard, project canonical.ProjectID, eventType, actor string, occurred time.Time, fields map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.lastType = eventType
	f.lastFields = fields
	return nil
}

type fakeRemote struct {
	result RemoteResult
	err    error
}

func (f fakeRemote) Call(ctx context.Context, policyID canonical.PolicyID, templateID string, payload knoxpack.Payload) (RemoteResult, error) {
	return f.result, f.err
}

func validResponseBody() map[string]any {
	return map[string]any{
		"template_id":         "t1",
		"language":            "sv",
		"title":               "Sammanfattning av källmaterial",
		"executive_summary":   "En kort översikt utan citat eller datum.",
		"themes":              []any{map[string]any{"name": "Tema", "bullets": []any{"punkt ett"}}},
		"timeline_high_level": []any{"skede ett"},
		"risks":               []any{map[string]any{"risk": "risk", "mitigation": "åtgärd"}},
		"open_questions":      []any{"fråga"},
		"next_steps":          []any{"steg"},
		"confidence":          "medium",
	}
}

func samplePack() knoxpack.Pack {
	return knoxpack.Pack{
		InputManifest:    []canonical.ManifestEntry{{Kind: "document", ID: "doc-1", SHA256: "abc", SanitizeLevel: canonical.SanitizeNormal, UpdatedAt: time.Unix(0, 0).UTC()}},
		InputFingerprint: "fp-1",
		Payload: knoxpack.Payload{
			PolicyID:   canonical.PolicyInternal,
			TemplateID: "t1",
			Documents:  []knoxpack.PayloadDocument{{ID: "doc-1", MaskedText: "en lång text utan känsliga detaljer här", SanitizeLevel: canonical.SanitizeNormal}},
		},
	}
}

func testPolicySet(t *testing.T) *policy.Set {
	t.Helper()
	set, err := policy.Default()
	require.NoError(t, err)
	return set
}

func newTestOrchestrator(t *testing.T, packs PackBuilder, reports *fakeReportStore, events *fakeEventRecorder, remote RemoteCaller) *Orchestrator {
	t.Helper()
	return NewOrchestrator(packs, testPolicySet(t), reports, events, privacy.NewGuard(privacy.Permissive, nil), remote, nil)
}

func TestCompile_InputGateFailure_NoRemoteCallNoSave(t *testing.T) {
	pack := samplePack()
	pack.Payload.Documents[0].SanitizeLevel = "" // fails input gate: empty sanitize level
	reports := &fakeReportStore{}
	events := &fakeEventRecorder{}
	remote := fakeRemote{err: ErrRemoteNotConfigured}
	o := newTestOrchestrator(t, fakePackBuilder{pack: pack}, reports, events, remote)

	_, err := o.Compile(context.Background(), "proj-1", canonical.PolicyInternal, "t1", knoxpack.Selection{}, "actor")
	require.Error(t, err)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	require.Empty(t, events.lastType)
}

func TestCompile_EmptyInputSet(t *testing.T) {
	reports := &fakeReportStore{}
	events := &fakeEventRecorder{}
	o := newTestOrchestrator(t, fakePackBuilder{pack: knoxpack.Pack{InputFingerprint: "fp-empty"}}, reports, events, fakeRemote{})

	_, err := o.Compile(context.Background(), "proj-1", canonical.PolicyInternal, "t1", knoxpack.Selection{}, "actor")
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "EMPTY_INPUT_SET", string(ce.Envelope.ErrorCode))
}

func TestCompile_IdempotencyHit_SkipsRemoteCall(t *testing.T) {
	existing := canonical.KnoxReport{ID: "rep-1", ProjectID: "proj-1", PolicyID: canonical.PolicyInternal, TemplateID: "t1", InputFingerprint: "fp-1"}
	reports := &fakeReportStore{existing: &existing}
	events := &fakeEventRecorder{}
	remote := fakeRemote{err: ErrRemoteNotConfigured} // would fail if ever called
	o := newTestOrchestrator(t, fakePackBuilder{pack: samplePack()}, reports, events, remote)

	report, err := o.Compile(context.Background(), "proj-1", canonical.PolicyInternal, "t1", knoxpack.Selection{}, "actor")
	require.NoError(t, err)
	require.Equal(t, existing.ID, report.ID)
	require.Empty(t, events.lastType)
}

func TestCompile_RemoteNotConfigured_ReturnsOffline(t *testing.T) {
	reports := &fakeReportStore{}
	events := &fakeEventRecorder{}
	o := newTestOrchestrator(t, fakePackBuilder{pack: samplePack()}, reports, events, fakeRemote{err: ErrRemoteNotConfigured})

	_, err := o.Compile(context.Background(), "proj-1", canonical.PolicyInternal, "t1", knoxpack.Selection{}, "actor")
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "FORTKNOX_OFFLINE", string(ce.Envelope.ErrorCode))
}

func TestCompile_OutputGateFailure_NoSave(t *testing.T) {
	reports := &fakeReportStore{}
	events := &fakeEventRecorder{}
	bad := validResponseBody()
	bad["confidence"] = "extremely high" // not in enum -> schema_invalid
	o := newTestOrchestrator(t, fakePackBuilder{pack: samplePack()}, reports, events, fakeRemote{result: RemoteResult{Body: bad, EngineID: "eng-1"}})

	_, err := o.Compile(context.Background(), "proj-1", canonical.PolicyInternal, "t1", knoxpack.Selection{}, "actor")
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "OUTPUT_GATE_FAILED", string(ce.Envelope.ErrorCode))
	require.Empty(t, events.lastType)
}

func TestCompile_Success_SavesAndEmitsEvent(t *testing.T) {
	reports := &fakeReportStore{}
	events := &fakeEventRecorder{}
	o := newTestOrchestrator(t, fakePackBuilder{pack: samplePack()}, reports, events, fakeRemote{result: RemoteResult{Body: validResponseBody(), EngineID: "eng-1", Latency: 12 * time.Millisecond}})

	report, err := o.Compile(context.Background(), "proj-1", canonical.PolicyInternal, "t1", knoxpack.Selection{}, "actor-1")
	require.NoError(t, err)
	require.Equal(t, "eng-1", report.EngineID)
	require.True(t, report.GateResults.InputGatePassed)
	require.True(t, report.GateResults.OutputGatePassed)
	require.Contains(t, report.RenderedMarkdown, "Sammanfattning av källmaterial")
	require.Equal(t, "knox_report_created", events.lastType)
	require.Equal(t, "t1", events.lastFields["template_id"])
	require.NotContains(t, events.lastFields, "rendered_markdown")
	require.Equal(t, reports.saved.ID, report.ID)
}

func TestCompile_QuoteDetected_FailsOutputGate(t *testing.T) {
	reports := &fakeReportStore{}
	events := &fakeEventRecorder{}
	pack := samplePack()
	pack.Payload.Documents[0].MaskedText = "en lång text utan känsliga detaljer här och mer"
	quoted := validResponseBody()
	// Lift an 8-word run verbatim from the masked input text (NGramSize=8
	// for the internal policy), which the Re-ID Guard must catch.
	quoted["executive_summary"] = "en lång text utan känsliga detaljer här och mer"
	o := newTestOrchestrator(t, fakePackBuilder{pack: pack}, reports, events, fakeRemote{result: RemoteResult{Body: quoted, EngineID: "eng-1"}})

	_, err := o.Compile(context.Background(), "proj-1", canonical.PolicyInternal, "t1", knoxpack.Selection{}, "actor")
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "OUTPUT_GATE_FAILED", string(ce.Envelope.ErrorCode))
}
