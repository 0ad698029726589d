package canonical

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProjectID is the tenant/partition boundary: every Document, Note, Source,
// Event, and Job belongs to exactly one project, and TenantID on EntityRef
// and Event is always a ProjectID string.
type ProjectID = TenantID

type Classification string

const (
	ClassPublic         Classification = "public"
	ClassSensitive       Classification = "sensitive"
	ClassSourceSensitive Classification = "source-sensitive"
)

// classRank gives classification a total order so a project's classification
// can be validated as monotonically non-decreasing (it "never downgrades
// silently", per the data model).
var classRank = map[Classification]int{
	ClassPublic:          0,
	ClassSensitive:       1,
	ClassSourceSensitive: 2,
}

func ValidClassification(c Classification) bool {
	_, ok := classRank[c]
	return ok
}

// ClassificationDowngrades reports whether next is a lower rank than prev.
func ClassificationDowngrades(prev, next Classification) bool {
	return classRank[next] < classRank[prev]
}

type ProjectStatus string

const (
	ProjectResearch   ProjectStatus = "research"
	ProjectProcessing ProjectStatus = "processing"
	ProjectFactCheck  ProjectStatus = "fact_check"
	ProjectReady      ProjectStatus = "ready"
	ProjectArchived   ProjectStatus = "archived"
)

func ValidProjectStatus(s ProjectStatus) bool {
	switch s {
	case ProjectResearch, ProjectProcessing, ProjectFactCheck, ProjectReady, ProjectArchived:
		return true
	default:
		return false
	}
}

const MaxProjectTags = 10

// Project is the top-level scoping entity. Its ID doubles as the
// TenantID/ProjectID used to partition every other entity and event.
type Project struct {
	ID             EntityID       `json:"id"`
	Name           string         `json:"name"`
	Classification Classification `json:"classification"`
	Status         ProjectStatus  `json:"status"`
	DueDate        *time.Time     `json:"due_date,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

var (
	ErrEmptyProjectName    = errors.New("canonical: project name is required")
	ErrInvalidClass        = errors.New("canonical: invalid classification")
	ErrInvalidProjectStat  = errors.New("canonical: invalid project status")
	ErrTooManyTags         = errors.New("canonical: too many project tags")
	ErrClassificationDowngrade = errors.New("canonical: classification cannot downgrade")
)

func (p *Project) Normalize() {
	p.Name = strings.TrimSpace(p.Name)
	if p.Status == "" {
		p.Status = ProjectResearch
	}
	if p.DueDate != nil {
		t := p.DueDate.UTC()
		p.DueDate = &t
	}
	if !p.CreatedAt.IsZero() {
		p.CreatedAt = p.CreatedAt.UTC()
	}
	if !p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.UpdatedAt.UTC()
	}
	for i, t := range p.Tags {
		p.Tags[i] = strings.TrimSpace(t)
	}
}

func (p Project) Validate() error {
	if err := ValidateEntityID(p.ID); err != nil {
		return err
	}
	if p.Name == "" {
		return ErrEmptyProjectName
	}
	if !ValidClassification(p.Classification) {
		return fmt.Errorf("%w: %q", ErrInvalidClass, p.Classification)
	}
	if !ValidProjectStatus(p.Status) {
		return fmt.Errorf("%w: %q", ErrInvalidProjectStat, p.Status)
	}
	if len(p.Tags) > MaxProjectTags {
		return fmt.Errorf("%w: %d > %d", ErrTooManyTags, len(p.Tags), MaxProjectTags)
	}
	return nil
}

// CanonicalJSON returns deterministic bytes suitable for hashing and stable
// test fixtures. Struct field order is fixed, so plain json.Marshal is
// already canonical here; only maps need explicit key sorting, and Project
// carries none.
func (p Project) CanonicalJSON() ([]byte, error) {
	return json.Marshal(p)
}

type FileType string

const (
	FileTypePDF          FileType = "pdf"
	FileTypeTXT          FileType = "txt"
	FileTypeAudio        FileType = "audio"
	FileTypeNoteDerived  FileType = "note-derived"
	FileTypeReportDerived FileType = "report-derived"
)

func ValidFileType(t FileType) bool {
	switch t {
	case FileTypePDF, FileTypeTXT, FileTypeAudio, FileTypeNoteDerived, FileTypeReportDerived:
		return true
	default:
		return false
	}
}

type SanitizeLevel string

const (
	SanitizeNormal   SanitizeLevel = "normal"
	SanitizeStrict   SanitizeLevel = "strict"
	SanitizeParanoid SanitizeLevel = "paranoid"
)

// sanitizeRank gives sanitize levels a total order: normal < strict <
// paranoid. The escalation path in the Sanitization Service only ever
// moves up this order within one run.
var sanitizeRank = map[SanitizeLevel]int{
	SanitizeNormal:   0,
	SanitizeStrict:   1,
	SanitizeParanoid: 2,
}

func ValidSanitizeLevel(l SanitizeLevel) bool {
	_, ok := sanitizeRank[l]
	return ok
}

// SanitizeLevelAtLeast reports whether have >= want in the normal < strict <
// paranoid order.
func SanitizeLevelAtLeast(have, want SanitizeLevel) bool {
	return sanitizeRank[have] >= sanitizeRank[want]
}

// UsageRestrictions gates whether masked content may leave the core via an
// AI pipeline (Knox Orchestrator) or an export surface.
type UsageRestrictions struct {
	AIAllowed     bool `json:"ai_allowed"`
	ExportAllowed bool `json:"export_allowed"`
}

var (
	ErrEmptyFilename      = errors.New("canonical: document filename is required")
	ErrInvalidFileType    = errors.New("canonical: invalid document file_type")
	ErrInvalidSanitize    = errors.New("canonical: invalid sanitize_level")
	ErrParanoidRestricted = errors.New("canonical: paranoid sanitize_level requires ai_allowed=false and export_allowed=false")
)

// Document belongs to exactly one Project. masked_text is the only
// externally readable payload; original_blob_ref points into the File
// Vault and may be absent for derived documents.
type Document struct {
	ID                  EntityID          `json:"id"`
	ProjectID           ProjectID         `json:"project_id"`
	Filename            string            `json:"filename"`
	FileType            FileType          `json:"file_type"`
	OriginalBlobRef     string            `json:"original_blob_ref,omitempty"`
	MaskedText          string            `json:"masked_text,omitempty"`
	SanitizeLevel       SanitizeLevel     `json:"sanitize_level"`
	Classification      Classification    `json:"classification"`
	UsageRestrictions    UsageRestrictions `json:"usage_restrictions"`
	SHA256              string            `json:"sha256,omitempty"`
	ExcludedFromCompile bool              `json:"excluded_from_compile"`
	DatetimeMasked      bool              `json:"datetime_masked"`
	OriginalMissing     bool              `json:"original_missing"`
	Version             int               `json:"version"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

func (d *Document) Normalize() {
	d.Filename = strings.TrimSpace(d.Filename)
	if !d.CreatedAt.IsZero() {
		d.CreatedAt = d.CreatedAt.UTC()
	}
	if !d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.UpdatedAt.UTC()
	}
}

func (d Document) Validate() error {
	if err := ValidateEntityID(d.ID); err != nil {
		return err
	}
	if err := ValidateTenantID(d.ProjectID); err != nil {
		return err
	}
	if d.Filename == "" {
		return ErrEmptyFilename
	}
	if !ValidFileType(d.FileType) {
		return fmt.Errorf("%w: %q", ErrInvalidFileType, d.FileType)
	}
	if !ValidSanitizeLevel(d.SanitizeLevel) {
		return fmt.Errorf("%w: %q", ErrInvalidSanitize, d.SanitizeLevel)
	}
	if !ValidClassification(d.Classification) {
		return fmt.Errorf("%w: %q", ErrInvalidClass, d.Classification)
	}
	if d.SanitizeLevel == SanitizeParanoid && (d.UsageRestrictions.AIAllowed || d.UsageRestrictions.ExportAllowed) {
		return ErrParanoidRestricted
	}
	return nil
}

func (d Document) CanonicalJSON() ([]byte, error) {
	return json.Marshal(d)
}

var (
	ErrEmptyNoteBody = errors.New("canonical: note body is required")
)

// ProjectNote belongs to one Project. Notes are born masked: they never
// carry an original blob, only masked_body.
type ProjectNote struct {
	ID                   EntityID      `json:"id"`
	ProjectID            ProjectID     `json:"project_id"`
	Title                string        `json:"title,omitempty"`
	MaskedBody           string        `json:"masked_body"`
	SanitizeLevel        SanitizeLevel `json:"sanitize_level"`
	ExcludedFromCompile  bool          `json:"excluded_from_compile"`
	SHA256               string        `json:"sha256,omitempty"`
	Version              int           `json:"version"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

func (n *ProjectNote) Normalize() {
	n.Title = strings.TrimSpace(n.Title)
	if !n.CreatedAt.IsZero() {
		n.CreatedAt = n.CreatedAt.UTC()
	}
	if !n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.UpdatedAt.UTC()
	}
}

func (n ProjectNote) Validate() error {
	if err := ValidateEntityID(n.ID); err != nil {
		return err
	}
	if err := ValidateTenantID(n.ProjectID); err != nil {
		return err
	}
	if strings.TrimSpace(n.MaskedBody) == "" {
		return ErrEmptyNoteBody
	}
	if !ValidSanitizeLevel(n.SanitizeLevel) {
		return fmt.Errorf("%w: %q", ErrInvalidSanitize, n.SanitizeLevel)
	}
	return nil
}

func (n ProjectNote) CanonicalJSON() ([]byte, error) {
	return json.Marshal(n)
}

type NoteCategory string

const (
	NoteRaw        NoteCategory = "raw"
	NoteWork       NoteCategory = "work"
	NoteReflection NoteCategory = "reflection"
	NoteQuestion   NoteCategory = "question"
	NoteSource     NoteCategory = "source"
	NoteOther      NoteCategory = "other"
)

func ValidNoteCategory(c NoteCategory) bool {
	switch c {
	case NoteRaw, NoteWork, NoteReflection, NoteQuestion, NoteSource, NoteOther:
		return true
	default:
		return false
	}
}

var ErrInvalidNoteCategory = errors.New("canonical: invalid journalist note category")

// JournalistNote is private to a project and is never eligible for compile:
// it never passes through the Masker and never appears in a KnoxInputPack.
type JournalistNote struct {
	ID         EntityID     `json:"id"`
	ProjectID  ProjectID    `json:"project_id"`
	Body       string       `json:"body"`
	Category   NoteCategory `json:"category"`
	ImageRefs  []string     `json:"image_refs,omitempty"`
	Version    int          `json:"version"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func (n *JournalistNote) Normalize() {
	if !n.CreatedAt.IsZero() {
		n.CreatedAt = n.CreatedAt.UTC()
	}
	if !n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.UpdatedAt.UTC()
	}
}

func (n JournalistNote) Validate() error {
	if err := ValidateEntityID(n.ID); err != nil {
		return err
	}
	if err := ValidateTenantID(n.ProjectID); err != nil {
		return err
	}
	if !ValidNoteCategory(n.Category) {
		return fmt.Errorf("%w: %q", ErrInvalidNoteCategory, n.Category)
	}
	return nil
}

// CanonicalJSON exists for storage/test-fixture determinism only. Callers
// must never route a JournalistNote through anything that emits an Event or
// a KnoxInputPack — the type's presence in those builders is a compile
// error, not a runtime check, since neither accepts *JournalistNote.
func (n JournalistNote) CanonicalJSON() ([]byte, error) {
	return json.Marshal(n)
}

type SourceType string

const (
	SourceLink     SourceType = "link"
	SourcePerson   SourceType = "person"
	SourceDocument SourceType = "document"
	SourceOther    SourceType = "other"
)

func ValidSourceType(t SourceType) bool {
	switch t {
	case SourceLink, SourcePerson, SourceDocument, SourceOther:
		return true
	default:
		return false
	}
}

var (
	ErrEmptySourceTitle = errors.New("canonical: source title is required")
	ErrInvalidSourceType = errors.New("canonical: invalid source type")
)

// Source belongs to one Project and only ever carries metadata: a title,
// type, and optional url/comment. It never carries body text.
type Source struct {
	ID        EntityID   `json:"id"`
	ProjectID ProjectID  `json:"project_id"`
	Title     string     `json:"title"`
	Type      SourceType `json:"type"`
	URL       string     `json:"url,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (s *Source) Normalize() {
	s.Title = strings.TrimSpace(s.Title)
	s.URL = strings.TrimSpace(s.URL)
	s.Comment = strings.TrimSpace(s.Comment)
	if !s.CreatedAt.IsZero() {
		s.CreatedAt = s.CreatedAt.UTC()
	}
	if !s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.UpdatedAt.UTC()
	}
}

func (s Source) Validate() error {
	if err := ValidateEntityID(s.ID); err != nil {
		return err
	}
	if err := ValidateTenantID(s.ProjectID); err != nil {
		return err
	}
	if s.Title == "" {
		return ErrEmptySourceTitle
	}
	if !ValidSourceType(s.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidSourceType, s.Type)
	}
	return nil
}

func (s Source) CanonicalJSON() ([]byte, error) {
	return json.Marshal(s)
}

type JobKind string

const (
	JobTranscribe  JobKind = "transcribe"
	JobKnoxCompile JobKind = "knox_compile"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// JobTerminal reports whether status is one a Job can never leave.
func JobTerminal(s JobStatus) bool {
	return s == JobSucceeded || s == JobFailed
}

var (
	ErrInvalidJobKind      = errors.New("canonical: invalid job kind")
	ErrInvalidJobStatus    = errors.New("canonical: invalid job status")
	ErrJobTerminalMutation = errors.New("canonical: job is in a terminal state and cannot be mutated")
)

// Job tracks a single unit of background work ({transcribe, knox_compile}).
// Terminal states (succeeded, failed) are immutable: TransitionTo enforces
// this so a caller cannot accidentally resurrect a finished job.
type Job struct {
	ID          EntityID  `json:"id"`
	ProjectID   ProjectID `json:"project_id"`
	Kind        JobKind   `json:"kind"`
	Status      JobStatus `json:"status"`
	InputRef    string    `json:"input_ref"`
	ResultRef   string    `json:"result_ref,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func (j Job) Validate() error {
	if err := ValidateEntityID(j.ID); err != nil {
		return err
	}
	if err := ValidateTenantID(j.ProjectID); err != nil {
		return err
	}
	switch j.Kind {
	case JobTranscribe, JobKnoxCompile:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidJobKind, j.Kind)
	}
	switch j.Status {
	case JobQueued, JobRunning, JobSucceeded, JobFailed:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidJobStatus, j.Status)
	}
	return nil
}

// TransitionTo returns a copy of j moved to next, rejecting any transition
// out of a terminal state.
func (j Job) TransitionTo(next JobStatus, finishedAt time.Time) (Job, error) {
	if JobTerminal(j.Status) {
		return Job{}, ErrJobTerminalMutation
	}
	out := j
	out.Status = next
	if JobTerminal(next) {
		t := finishedAt.UTC()
		out.FinishedAt = &t
	}
	return out, nil
}

func (j Job) CanonicalJSON() ([]byte, error) {
	return json.Marshal(j)
}

type PolicyID string

const (
	PolicyInternal PolicyID = "internal"
	PolicyExternal PolicyID = "external"
)

func ValidPolicyID(p PolicyID) bool {
	return p == PolicyInternal || p == PolicyExternal
}

// ManifestEntry is one row of a KnoxReport's input_manifest: one Document or
// ProjectNote that went into a compile, identified by kind+id with either a
// content hash or a url hash, its sanitize level, and its last update time.
type ManifestEntry struct {
	Kind          string    `json:"kind"` // "document" | "project_note"
	ID            EntityID  `json:"id"`
	SHA256        string    `json:"sha256,omitempty"`
	URLHash       string    `json:"url_hash,omitempty"`
	SanitizeLevel SanitizeLevel `json:"sanitize_level"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// GateResults is the structured record of what the Input Gate and Output
// Gate decided for one compile attempt.
type GateResults struct {
	InputGatePassed  bool     `json:"input_gate_passed"`
	InputGateReasons []string `json:"input_gate_reasons,omitempty"`
	OutputGatePassed bool     `json:"output_gate_passed"`
	OutputGateReasons []string `json:"output_gate_reasons,omitempty"`
	ReIDGuardPassed  bool     `json:"reid_guard_passed"`
}

var (
	ErrInvalidPolicyID    = errors.New("canonical: invalid policy id")
	ErrEmptyFingerprint   = errors.New("canonical: input fingerprint is required")
)

// KnoxReport is the durable record of one successful Fort Knox compile. It
// is unique by (project_id, policy_id, template_id, input_fingerprint) —
// the Entity Store enforces this with a real SQL UNIQUE constraint so
// concurrent compiles of the same input are idempotent.
type KnoxReport struct {
	ID               EntityID        `json:"id"`
	ProjectID        ProjectID       `json:"project_id"`
	PolicyID         PolicyID        `json:"policy_id"`
	PolicyVersion    string          `json:"policy_version"`
	RulesetHash      string          `json:"ruleset_hash"`
	TemplateID       string          `json:"template_id"`
	EngineID         string          `json:"engine_id"`
	InputFingerprint string          `json:"input_fingerprint"`
	InputManifest    []ManifestEntry `json:"input_manifest"`
	GateResults      GateResults     `json:"gate_results"`
	RenderedMarkdown string          `json:"rendered_markdown"`
	LatencyMS        int64           `json:"latency_ms"`
	CreatedAt        time.Time       `json:"created_at"`
}

func (r *KnoxReport) Normalize() {
	sort.Slice(r.InputManifest, func(i, j int) bool {
		if r.InputManifest[i].Kind != r.InputManifest[j].Kind {
			return r.InputManifest[i].Kind < r.InputManifest[j].Kind
		}
		return r.InputManifest[i].ID < r.InputManifest[j].ID
	})
	if !r.CreatedAt.IsZero() {
		r.CreatedAt = r.CreatedAt.UTC()
	}
}

func (r KnoxReport) Validate() error {
	if err := ValidateEntityID(r.ID); err != nil {
		return err
	}
	if err := ValidateTenantID(r.ProjectID); err != nil {
		return err
	}
	if !ValidPolicyID(r.PolicyID) {
		return fmt.Errorf("%w: %q", ErrInvalidPolicyID, r.PolicyID)
	}
	if strings.TrimSpace(r.InputFingerprint) == "" {
		return ErrEmptyFingerprint
	}
	return nil
}

// CanonicalJSON sorts InputManifest first so fingerprint-adjacent fixtures
// are stable regardless of the order documents were appended in memory.
func (r KnoxReport) CanonicalJSON() ([]byte, error) {
	r.Normalize()
	return json.Marshal(r)
}

// IdempotencyKey returns the tuple the Entity Store's unique index is built
// on, in a single deterministic string for logging/debugging.
func (r KnoxReport) IdempotencyKey() string {
	return strings.Join([]string{
		string(r.ProjectID), string(r.PolicyID), r.TemplateID, r.InputFingerprint,
	}, "/")
}
