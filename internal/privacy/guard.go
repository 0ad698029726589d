// Package privacy implements the Privacy Guard (component C2): the single
// gate every Event write must pass through, and the only code in the
// module allowed to construct a canonical.Event for a project.
package privacy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fortdesk/knoxcore/pkg/canonical"
	"github.com/fortdesk/knoxcore/pkg/telemetry"
)

// ContentLeakError is raised by AssertNoContent in strict mode when a
// forbidden key is present in a metadata map destined for an event.
type ContentLeakError struct {
	Keys    []string
	Context string
}

func (e *ContentLeakError) Error() string {
	return fmt.Sprintf("privacy: content leak in %s: forbidden keys %v", e.Context, e.Keys)
}

// forbiddenContentKeys is the closed set of keys that can never appear in
// event metadata because they are plausible homes for raw document/note
// content.
var forbiddenContentKeys = map[string]struct{}{
	"text": {}, "body": {}, "content": {}, "transcript": {}, "note_body": {},
	"file_content": {}, "payload": {}, "query_params": {}, "query": {},
	"segment_text": {}, "transcript_text": {}, "file_data": {}, "raw_content": {},
	"original_text": {}, "headers": {}, "authorization": {}, "cookie": {},
}

// forbiddenSourceKeys is the closed set of source-identifying keys dropped
// when source_safety_mode is active (the spec pins this default to true;
// see DESIGN.md).
var forbiddenSourceKeys = map[string]struct{}{
	"ip": {}, "ip_address": {}, "client_ip": {}, "remote_addr": {}, "x-forwarded-for": {},
	"x-real-ip": {}, "user_agent": {}, "referer": {}, "referrer": {}, "origin": {},
	"url": {}, "uri": {}, "filename": {}, "filepath": {}, "file_path": {},
	"original_filename": {}, "querystring": {}, "query_string": {}, "cookies": {},
	"host": {}, "hostname": {},
}

// Mode selects how AssertNoContent reacts to a forbidden key: Strict aborts
// the write, Permissive drops the key and only counts the occurrence. DEBUG
// unset or false selects Permissive; DEBUG=1 selects Strict, matching the
// spec's "DEBUG selects Privacy Guard strict vs permissive" environment
// variable.
type Mode int

const (
	Permissive Mode = iota
	Strict
)

// Counters tracks how many forbidden keys have been dropped, split by
// class, purely for operational visibility — never the key values or the
// dropped content.
type Counters struct {
	ContentDrops int
	SourceDrops  int
}

// Guard is the sole constructor of GuardedMetadata. source_safety_mode
// defaults to true per the spec's Open Question.
type Guard struct {
	mode              Mode
	sourceSafetyMode  bool
	logger            *telemetry.Logger
	counters          Counters
}

func NewGuard(mode Mode, logger *telemetry.Logger) *Guard {
	if logger == nil {
		logger = telemetry.Nop
	}
	return &Guard{mode: mode, sourceSafetyMode: true, logger: logger}
}

// GuardedMetadata is the only type canonical.Event payload construction in
// this module accepts for event metadata. There is no exported constructor
// other than Guard.Build, so a bypass (an Event built from a bare map) is a
// compile error wherever the rest of the module is written against this
// type instead of map[string]any.
type GuardedMetadata struct {
	values map[string]string
}

// Values returns a defensive copy, safe to hand to json.Marshal.
func (m GuardedMetadata) Values() map[string]string {
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

func (g *Guard) forbidden(key string) (contentKey bool, sourceKey bool) {
	k := strings.ToLower(strings.TrimSpace(key))
	if _, ok := forbiddenContentKeys[k]; ok {
		return true, false
	}
	if g.sourceSafetyMode {
		if _, ok := forbiddenSourceKeys[k]; ok {
			return false, true
		}
	}
	return false, false
}

// SanitizeForLogging returns a copy of in with every forbidden key removed,
// incrementing the drop counters, and never inspecting values. It never
// errors: it is the safe path for arbitrary caller-supplied maps headed to
// a log line rather than an Event.
func (g *Guard) SanitizeForLogging(ctx context.Context, in map[string]string, context string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		c, s := g.forbidden(k)
		if c {
			g.counters.ContentDrops++
			g.logger.Warn(ctx, "privacy_guard_drop", map[string]any{"class": "content", "context": context})
			continue
		}
		if s {
			g.counters.SourceDrops++
			g.logger.Warn(ctx, "privacy_guard_drop", map[string]any{"class": "source", "context": context})
			continue
		}
		out[k] = v
	}
	return out
}

// Build is the only way to produce a GuardedMetadata, and therefore the
// only way upstream code can construct a canonical.Event payload. In Strict
// mode any forbidden key aborts with ContentLeakError; in Permissive mode
// the key is dropped and counted.
func (g *Guard) Build(ctx context.Context, in map[string]string, context string) (GuardedMetadata, error) {
	clean := make(map[string]string, len(in))
	var leaked []string
	for k, v := range in {
		c, s := g.forbidden(k)
		if c || s {
			leaked = append(leaked, k)
			if c {
				g.counters.ContentDrops++
			} else {
				g.counters.SourceDrops++
			}
			continue
		}
		clean[k] = v
	}
	if len(leaked) > 0 {
		g.logger.Warn(ctx, "privacy_guard_drop", map[string]any{"context": context, "count": len(leaked)})
		if g.mode == Strict {
			return GuardedMetadata{}, &ContentLeakError{Keys: leaked, Context: context}
		}
	}
	return GuardedMetadata{values: clean}, nil
}

// Counters returns a snapshot of the drop counters.
func (g *Guard) Snapshot() Counters { return g.counters }

// NewEvent is the only path in the module that produces a project-scoped
// canonical.Event: it requires a GuardedMetadata, which can only have come
// from Guard.Build, so an event can never carry raw content by
// construction rather than by runtime check alone.
func NewEvent(projectID canonical.ProjectID, eventType string, occurred time.Time, meta GuardedMetadata) (canonical.Event, error) {
	b, err := canonicalMetadataJSON(meta)
	if err != nil {
		return canonical.Event{}, err
	}
	return canonical.NewEvent(projectID, eventType, occurred, b)
}
