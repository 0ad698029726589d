package transcribe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fortdesk/knoxcore/internal/privacy"
	"github.com/fortdesk/knoxcore/internal/vault"
	"github.com/fortdesk/knoxcore/pkg/canonical"
)

type fakeSTT struct {
	text     string
	duration time.Duration
}

func (f fakeSTT) Transcribe(ctx context.Context, audio []byte, mime string) (string, time.Duration, error) {
	return f.text, f.duration, nil
}

type fakeIngester struct {
	lastFileType canonical.FileType
	lastRendered string
	doc          canonical.Document
}

func (f *fakeIngester) IngestDerivedText(ctx context.Context, project canonical.ProjectID, filename string, fileType canonical.FileType, rendered string) (canonical.Document, error) {
	f.lastFileType = fileType
	f.lastRendered = rendered
	f.doc = canonical.Document{ID: "doc-transcript", ProjectID: project, FileType: fileType, MaskedText: rendered}
	return f.doc, nil
}

type fakeEvents struct {
	lastType   string
	lastFields map[string]string
}

func (f *fakeEvents) EnsureGuardedEvent(ctx context.Context, guard *privacy.Guard, project canonical.ProjectID, eventType, actor string, occurred time.Time, fields map[string]string) error {
	f.lastType = eventType
	f.lastFields = fields
	return nil
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New(vault.Options{Dir: t.TempDir(), MaxBytes: 10 << 20})
	require.NoError(t, err)
	return v
}

func testWatcher(t *testing.T) *RuleSetWatcher {
	t.Helper()
	rs, err := DefaultRuleSet()
	require.NoError(t, err)
	w, err := NewRuleSetWatcher(t.TempDir(), rs, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestTranscribe_ProducesNoteDerivedDocument(t *testing.T) {
	ingester := &fakeIngester{}
	events := &fakeEvents{}
	svc := NewService(fakeSTT{text: "källan sa, eh, att mötet var den 3 mars"}, testVault(t), testWatcher(t), ingester, events, privacy.NewGuard(privacy.Permissive, nil))

	doc, err := svc.Transcribe(context.Background(), "proj-1", "", []byte{0x01, 0x02, 0x03}, "audio/wav")
	require.NoError(t, err)
	require.Equal(t, canonical.FileTypeNoteDerived, doc.FileType)
	require.Equal(t, canonical.FileTypeNoteDerived, ingester.lastFileType)
	require.Contains(t, ingester.lastRendered, "## Fullständigt transkript")
	require.NotContains(t, ingester.lastRendered, " eh,")
}

func TestTranscribe_EmitsRecordingTranscribedEventMetadataOnly(t *testing.T) {
	ingester := &fakeIngester{}
	events := &fakeEvents{}
	svc := NewService(fakeSTT{text: "hemligt källmaterial", duration: 42 * time.Second}, testVault(t), testWatcher(t), ingester, events, privacy.NewGuard(privacy.Permissive, nil))

	_, err := svc.Transcribe(context.Background(), "proj-1", "rec.wav", []byte{0xAA, 0xBB}, "audio/wav")
	require.NoError(t, err)

	require.Equal(t, "recording_transcribed", events.lastType)
	require.Equal(t, "audio/wav", events.lastFields["mime"])
	require.Equal(t, "2", events.lastFields["size"])
	require.Equal(t, "42000", events.lastFields["duration_ms"])
	for _, v := range events.lastFields {
		require.NotContains(t, v, "hemligt")
	}
}
